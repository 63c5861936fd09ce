package chatsync

import "sync"

// ConversationStore holds the state shared by both surfaces: conversation
// metadata keyed by id, the alias table of promoted placeholder ids, and the
// shared seen queue, preview registry, retry payloads and window state.
type ConversationStore struct {
	mu      sync.RWMutex
	convs   map[string]*Conversation
	aliases map[string]string

	Seen   *SeenQueue
	Blobs  *BlobRegistry
	Outbox *Outbox
	UI     UIStateStore
}

func NewConversationStore(blobs *BlobRegistry, ui UIStateStore) *ConversationStore {
	if blobs == nil {
		blobs = NewBlobRegistry(nil, nil, nil)
	}
	if ui == nil {
		ui = NewMemoryUIState()
	}
	return &ConversationStore{
		convs:   make(map[string]*Conversation),
		aliases: make(map[string]string),
		Seen:    NewSeenQueue(),
		Blobs:   blobs,
		Outbox:  NewOutbox(),
		UI:      ui,
	}
}

// Resolve follows promotion aliases to the current id.
func (s *ConversationStore) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

func (s *ConversationStore) resolveLocked(id string) string {
	for i := 0; i < 8; i++ {
		next, ok := s.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// Promoted reports whether id is a placeholder that has been replaced.
func (s *ConversationStore) Promoted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.aliases[id]
	return ok
}

// Conversation returns a copy of the metadata, by current or promoted id.
func (s *ConversationStore) Conversation(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[s.resolveLocked(id)]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Update applies fn to the live metadata under the store lock. Promoted ids
// are refused so every write lands on the current id.
func (s *ConversationStore) Update(id string, fn func(c *Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, promoted := s.aliases[id]; promoted {
		return ErrPromoted
	}
	c, ok := s.convs[id]
	if !ok {
		return ErrUnknownConversation
	}
	fn(c)
	return nil
}

// Upsert is Update that creates an empty entry for an unknown id.
func (s *ConversationStore) Upsert(id string, fn func(c *Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, promoted := s.aliases[id]; promoted {
		return ErrPromoted
	}
	c, ok := s.convs[id]
	if !ok {
		c = &Conversation{ID: id}
		s.convs[id] = c
	}
	fn(c)
	return nil
}

// Put replaces the metadata of conv.ID.
func (s *ConversationStore) Put(conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, promoted := s.aliases[conv.ID]; promoted {
		return ErrPromoted
	}
	s.convs[conv.ID] = conv.clone()
	return nil
}

// Evict forgets the conversation and everything queued for it.
func (s *ConversationStore) Evict(id string) {
	s.mu.Lock()
	id = s.resolveLocked(id)
	delete(s.convs, id)
	s.mu.Unlock()

	s.Seen.Clear(id)
	for _, tempID := range s.Outbox.Drop(id) {
		s.Blobs.ReleaseAllForScope(tempID)
	}
	s.Blobs.ReleaseAllForScope(DraftScope(id))
	for _, kind := range SurfaceKinds {
		s.UI.Delete(kind, id)
	}
}

// rename readdresses metadata and records the alias. Callers hold the
// engine's event loop so the remaining components are renamed before anyone
// can observe the mix.
func (s *ConversationStore) rename(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[oldID]; ok {
		delete(s.convs, oldID)
		if existing, ok := s.convs[newID]; ok {
			merged := existing
			if len(merged.Members) == 0 {
				merged.Members = c.Members
			}
			for _, st := range c.MemberSeen {
				merged.SetSeen(st.AccountID, st.LastSeenMessageID)
			}
			s.convs[newID] = merged
		} else {
			c.ID = newID
			s.convs[newID] = c
		}
	}
	s.aliases[oldID] = newID
}
