package chatsync

// Runtime binds one surface to one conversation. It is created lazily the
// first time the surface touches the conversation and rebound in place when
// the conversation id is promoted, so holders never need to be notified.
type Runtime struct {
	surface        SurfaceKind
	conversationID string
	selfID         string
	store          *ConversationStore

	timeline *Timeline
	sync     *Synchronizer

	// detached holds own unconfirmed messages while a context window hides
	// the newest end of the conversation.
	detached []*Message

	// sent is the latest own confirmed message. It shows "Sent" whenever it
	// is rendered.
	sent *Message
}

func newRuntime(kind SurfaceKind, conversationID, selfID string, store *ConversationStore) *Runtime {
	return &Runtime{
		surface:        kind,
		conversationID: conversationID,
		selfID:         selfID,
		store:          store,
		timeline:       newTimeline(),
		sync:           newSynchronizer(),
	}
}

func (r *Runtime) Surface() SurfaceKind      { return r.surface }
func (r *Runtime) ConversationID() string    { return r.conversationID }
func (r *Runtime) Store() *ConversationStore { return r.store }

// Seen is the shared pending-seen queue.
func (r *Runtime) Seen() *SeenQueue { return r.store.Seen }

// Blobs is the shared preview registry.
func (r *Runtime) Blobs() *BlobRegistry { return r.store.Blobs }

// Outbox is the shared retry payload store.
func (r *Runtime) Outbox() *Outbox { return r.store.Outbox }

// find returns the message by server id or temp id, including detached ones.
func (r *Runtime) find(id string) (*Message, bool) {
	if m, ok := r.timeline.Get(id); ok {
		return m, true
	}
	for _, m := range r.detached {
		if m.TempID == id || (m.ID != "" && m.ID == id) {
			return m, true
		}
	}
	return nil, false
}

// markSent moves the "Sent" marker to m unless a later rendered message
// already carries it.
func (r *Runtime) markSent(m *Message) {
	if r.sent != nil && r.sent != m {
		cur, next := r.timeline.indexOf(r.sent), r.timeline.indexOf(m)
		if cur >= 0 && next >= 0 && cur > next {
			return
		}
	}
	r.sent = m
}

// sentKey returns the render key of the message showing "Sent", or "" when
// it is not in the loaded window.
func (r *Runtime) sentKey() string {
	if r.sent == nil {
		return ""
	}
	for _, id := range []string{r.sent.TempID, r.sent.ID} {
		if id == "" {
			continue
		}
		if m, ok := r.timeline.Get(id); ok {
			return m.Key()
		}
	}
	return ""
}

// candidates returns unconfirmed messages in render order, detached last.
func (r *Runtime) candidates() []*Message {
	out := r.timeline.Unconfirmed()
	for _, m := range r.detached {
		if !m.Confirmed() {
			out = append(out, m)
		}
	}
	return out
}

// stashUnconfirmed moves own unconfirmed messages out of the timeline before
// it is replaced by a window that does not reach the newest end.
func (r *Runtime) stashUnconfirmed() {
	for _, m := range r.timeline.Unconfirmed() {
		r.detached = append(r.detached, m)
	}
}

// reattach appends detached messages back at the newest end.
func (r *Runtime) reattach() []*Message {
	if len(r.detached) == 0 {
		return nil
	}
	added := r.timeline.Append(r.detached...)
	r.detached = nil
	return added
}

func (r *Runtime) rebind(newID string) {
	r.conversationID = newID
	r.timeline.rewriteConversation(newID)
	for _, m := range r.detached {
		m.ConversationID = newID
	}
}
