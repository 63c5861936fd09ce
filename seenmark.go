package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// seenMarker throttles outgoing read receipts per conversation. Within one
// interval only the latest message id is sent.
type seenMarker struct {
	interval time.Duration
	send     func(ctx context.Context, conversationID, messageID string) error
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	pending  map[string]string
	timers   map[string]*time.Timer
	stopped  bool
}

func newSeenMarker(interval time.Duration, send func(ctx context.Context, conversationID, messageID string) error, logger *zap.Logger) *seenMarker {
	return &seenMarker{
		interval: interval,
		send:     send,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

// Mark records that messageID was seen.
func (s *seenMarker) Mark(conversationID, messageID string) {
	if messageID == "" || s.send == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	lim, ok := s.limiters[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.interval), 1)
		s.limiters[conversationID] = lim
	}
	if lim.Allow() {
		s.mu.Unlock()
		s.deliver(conversationID, messageID)
		return
	}
	s.pending[conversationID] = messageID
	if _, ok := s.timers[conversationID]; !ok {
		s.timers[conversationID] = time.AfterFunc(s.interval, func() { s.flush(conversationID) })
	}
	s.mu.Unlock()
}

func (s *seenMarker) flush(conversationID string) {
	s.mu.Lock()
	messageID := s.pending[conversationID]
	delete(s.pending, conversationID)
	delete(s.timers, conversationID)
	stopped := s.stopped
	s.mu.Unlock()
	if messageID != "" && !stopped {
		s.deliver(conversationID, messageID)
	}
}

func (s *seenMarker) deliver(conversationID, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.send(ctx, conversationID, messageID); err != nil {
		s.logger.Warn("mark_seen_failed",
			zap.String("conversation", conversationID),
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

// Rename moves throttle state to a promoted id.
func (s *seenMarker) Rename(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[oldID]; ok {
		delete(s.limiters, oldID)
		s.limiters[newID] = lim
	}
	if t, ok := s.timers[oldID]; ok {
		t.Stop()
		delete(s.timers, oldID)
		s.pending[newID] = s.pending[oldID]
		delete(s.pending, oldID)
		s.timers[newID] = time.AfterFunc(s.interval, func() { s.flush(newID) })
	}
}

func (s *seenMarker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
