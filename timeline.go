package chatsync

// Timeline is the rendered window of one conversation on one surface,
// oldest first. Messages are indexed by server id and by temp id.
type Timeline struct {
	items  []*Message
	byKey  map[string]*Message
	seen   map[string]string // account id -> key of the message carrying its indicator
}

func newTimeline() *Timeline {
	return &Timeline{
		byKey: make(map[string]*Message),
		seen:  make(map[string]string),
	}
}

func (t *Timeline) Len() int { return len(t.items) }

// Has reports whether a message with this server id or temp id is rendered.
func (t *Timeline) Has(id string) bool {
	_, ok := t.byKey[id]
	return ok
}

// Get returns the message by server id or temp id.
func (t *Timeline) Get(id string) (*Message, bool) {
	m, ok := t.byKey[id]
	return m, ok
}

func (t *Timeline) indexOf(m *Message) int {
	for i, it := range t.items {
		if it == m {
			return i
		}
	}
	return -1
}

func (t *Timeline) index(m *Message) {
	if m.ID != "" {
		t.byKey[m.ID] = m
	}
	if m.TempID != "" {
		t.byKey[m.TempID] = m
	}
}

func (t *Timeline) present(m *Message) bool {
	return (m.ID != "" && t.Has(m.ID)) || (m.TempID != "" && t.Has(m.TempID))
}

// Append adds messages at the newest end, skipping ones already rendered.
func (t *Timeline) Append(msgs ...*Message) []*Message {
	var added []*Message
	for _, m := range msgs {
		if t.present(m) {
			continue
		}
		t.items = append(t.items, m)
		t.index(m)
		added = append(added, m)
	}
	return added
}

// Prepend adds an older batch (oldest first) before the current window,
// skipping ones already rendered.
func (t *Timeline) Prepend(msgs ...*Message) []*Message {
	var added []*Message
	for _, m := range msgs {
		if t.present(m) {
			continue
		}
		t.index(m)
		added = append(added, m)
	}
	if len(added) > 0 {
		t.items = append(append([]*Message(nil), added...), t.items...)
	}
	return added
}

// Reset drops all rendered state.
func (t *Timeline) Reset() {
	t.items = nil
	t.byKey = make(map[string]*Message)
	t.seen = make(map[string]string)
}

// attachID indexes m under its newly attached server id.
func (t *Timeline) attachID(m *Message) {
	t.index(m)
}

// dropID removes the server id index entry of m, if it points at m.
func (t *Timeline) dropID(m *Message) {
	if m.ID != "" && t.byKey[m.ID] == m {
		delete(t.byKey, m.ID)
	}
}

// Unconfirmed returns messages without a server id, in render order.
func (t *Timeline) Unconfirmed() []*Message {
	var out []*Message
	for _, m := range t.items {
		if !m.Confirmed() {
			out = append(out, m)
		}
	}
	return out
}

// PlaceSeen puts accountID's indicator on m, removing the previous one.
func (t *Timeline) PlaceSeen(accountID string, m *Message) {
	t.seen[accountID] = m.Key()
}

// SeenFor returns the message carrying accountID's indicator.
func (t *Timeline) SeenFor(accountID string) (*Message, bool) {
	key, ok := t.seen[accountID]
	if !ok {
		return nil, false
	}
	return t.Get(key)
}

// SeenCount returns the number of placed indicators.
func (t *Timeline) SeenCount() int {
	return len(t.seen)
}

func (t *Timeline) rewriteConversation(id string) {
	for _, m := range t.items {
		m.ConversationID = id
	}
}
