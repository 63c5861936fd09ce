package chatsync

import (
	"sort"
	"sync"
	"time"
)

// SurfaceKind names one of the two presentations of a conversation.
type SurfaceKind string

const (
	SurfaceCompact SurfaceKind = "compact"
	SurfaceFull    SurfaceKind = "full"
)

// SurfaceKinds lists every surface in render order.
var SurfaceKinds = []SurfaceKind{SurfaceCompact, SurfaceFull}

// WindowState is the persisted open/minimized state of a conversation window.
type WindowState struct {
	ConversationID string      `json:"conversationId"`
	Surface        SurfaceKind `json:"surface"`
	Open           bool        `json:"open"`
	Minimized      bool        `json:"minimized"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// UIStateStore persists window state across restarts. Each surface keeps
// its own state for a conversation.
type UIStateStore interface {
	Get(kind SurfaceKind, conversationID string) (WindowState, bool, error)
	Put(state WindowState) error
	Delete(kind SurfaceKind, conversationID string) error
	// Rename moves every surface's state from oldID to newID.
	Rename(oldID, newID string) error
	List() ([]WindowState, error)
}

type windowKey struct {
	kind SurfaceKind
	id   string
}

// MemoryUIState is a goroutine-safe in-memory UIStateStore.
type MemoryUIState struct {
	mu     sync.RWMutex
	states map[windowKey]WindowState
}

func NewMemoryUIState() *MemoryUIState {
	return &MemoryUIState{states: make(map[windowKey]WindowState)}
}

func (s *MemoryUIState) Get(kind SurfaceKind, conversationID string) (WindowState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[windowKey{kind, conversationID}]
	return st, ok, nil
}

func (s *MemoryUIState) Put(state WindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	s.states[windowKey{state.Surface, state.ConversationID}] = state
	return nil
}

func (s *MemoryUIState) Delete(kind SurfaceKind, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, windowKey{kind, conversationID})
	return nil
}

func (s *MemoryUIState) Rename(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, st := range s.states {
		if k.id != oldID {
			continue
		}
		delete(s.states, k)
		st.ConversationID = newID
		s.states[windowKey{k.kind, newID}] = st
	}
	return nil
}

func (s *MemoryUIState) List() ([]WindowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WindowState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
