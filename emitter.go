package chatsync

import "sync"

// Events emitted by the engine.
const (
	EventMessageLocal         = "message.local"
	EventMessageConfirmed     = "message.confirmed"
	EventMessageFailed        = "message.failed"
	EventMessageNew           = "message.new"
	EventSeenPlaced           = "seen.placed"
	EventConversationPromoted = "conversation.promoted"
	EventConversationRemoved  = "conversation.removed"
	EventConversationUpdated  = "conversation.updated"
	EventTyping               = "typing"
	EventNotice               = "notice"
)

// EventHandler handles engine events. payload is one of the *Payload types.
type EventHandler func(event string, payload any)

type MessagePayload struct {
	Surface SurfaceKind
	Message Message
}

type SeenPayload struct {
	Surface        SurfaceKind
	ConversationID string
	AccountID      string
	MessageKey     string
}

type PromotionPayload struct {
	OldID string
	NewID string
}

// Notice is a user-visible toast.
type Notice struct {
	ConversationID string
	Message        string
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
