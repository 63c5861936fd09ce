package chatsync

import (
	"go.uber.org/zap"
)

// ============================================================================
// Status transitions
// ============================================================================

// renderLocalLocked shows a freshly created optimistic message.
func (s *Surface) renderLocalLocked(rt *Runtime, m *Message) {
	if rt.sync.detachedFromNewest() {
		rt.detached = append(rt.detached, m)
	} else {
		rt.timeline.Append(m)
		s.layoutLocked(rt)
	}
	s.events.emit(EventMessageLocal, MessagePayload{Surface: s.kind, Message: *m})
}

// confirmLocked attaches the server id to an optimistic message. A content
// match is provisional: the outbox entry and preview scope are kept until
// the send response settles it, and a later authoritative confirmation of
// the same server id reverts it. Confirming twice is a no-op.
func (s *Surface) confirmLocked(rt *Runtime, m *Message, serverID string, mediaURLs []string, via MatchKind) bool {
	if m.ID == serverID {
		if via != MatchContent && m.provisional {
			s.settleLocked(m, mediaURLs)
		}
		return false
	}
	if m.Confirmed() {
		if via != MatchSend || !m.provisional {
			return false
		}
		// The send response names the real id of a wrong content match.
		rt.timeline.dropID(m)
		m.ID = ""
		m.Medias = append([]Media{}, m.local...)
	}
	if other, ok := rt.find(serverID); ok && other != m {
		if !other.provisional {
			s.logger.Warn("server_id_already_confirmed",
				zap.String("conversation", rt.conversationID),
				zap.String("message_id", serverID),
				zap.String("temp_id", m.TempID))
			return false
		}
		s.revertLocked(rt, other)
	}

	if m.local == nil {
		m.local = append([]Media{}, m.Medias...)
	}
	m.ID = serverID
	m.Status = StatusSent
	if rt.timeline.Has(m.TempID) {
		rt.timeline.attachID(m)
	}
	rt.markSent(m)
	for i := range m.Medias {
		if i < len(mediaURLs) && mediaURLs[i] != "" {
			m.Medias[i].PreviewURL = mediaURLs[i]
		}
	}
	if via == MatchContent {
		m.provisional = true
	} else {
		s.settleLocked(m, nil)
	}

	if s.metrics != nil {
		s.metrics.Reconcile.WithLabelValues(string(via)).Inc()
	}
	s.logger.Debug("message_confirmed",
		zap.String("conversation", rt.conversationID),
		zap.String("temp_id", m.TempID),
		zap.String("message_id", serverID),
		zap.String("via", string(via)))
	s.events.emit(EventMessageConfirmed, MessagePayload{Surface: s.kind, Message: *m})

	if rt.timeline.Has(serverID) {
		s.afterInsertLocked(rt, []*Message{m})
	}
	return true
}

// settleLocked drops the retry payload and previews of a confirmed message.
func (s *Surface) settleLocked(m *Message, mediaURLs []string) {
	for i := range m.Medias {
		if i < len(mediaURLs) && mediaURLs[i] != "" {
			m.Medias[i].PreviewURL = mediaURLs[i]
		}
	}
	m.provisional = false
	m.local = nil
	s.store.Outbox.Ack(m.TempID)
	s.store.Blobs.ReleaseAllForScope(m.TempID)
}

// revertLocked undoes a provisional content match whose server id turned out
// to belong to another message. m goes back to pending so the next echo or
// its own send response can confirm it.
func (s *Surface) revertLocked(rt *Runtime, m *Message) {
	rt.timeline.dropID(m)
	s.logger.Debug("content_match_reverted",
		zap.String("conversation", rt.conversationID),
		zap.String("temp_id", m.TempID),
		zap.String("message_id", m.ID))
	m.ID = ""
	m.Status = StatusPending
	m.provisional = false
	if m.local != nil {
		m.Medias = m.local
		m.local = nil
	}
	if rt.sent == m {
		rt.sent = nil
	}
	s.countReconcile("reverted")
	s.events.emit(EventMessageLocal, MessagePayload{Surface: s.kind, Message: *m})
}

// failLocked marks m failed unless a newer attempt superseded the one that
// failed.
func (s *Surface) failLocked(rt *Runtime, m *Message, attempt int, cause error) bool {
	if m.Confirmed() {
		return false
	}
	if !s.store.Outbox.Nack(m.TempID, attempt, cause.Error()) {
		return false
	}
	m.Status = StatusFailed
	s.logger.Warn("message_send_failed",
		zap.String("conversation", rt.conversationID),
		zap.String("temp_id", m.TempID),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	s.events.emit(EventMessageFailed, MessagePayload{Surface: s.kind, Message: *m})
	return true
}

// retryLocked puts a failed message back to pending.
func (s *Surface) retryLocked(m *Message) {
	if m.Confirmed() {
		return
	}
	m.Status = StatusPending
	s.events.emit(EventMessageLocal, MessagePayload{Surface: s.kind, Message: *m})
}

// ============================================================================
// Incoming messages
// ============================================================================

// applyIncomingLocked reconciles one confirmed message. Redelivery of a
// message already present is a no-op.
func (s *Surface) applyIncomingLocked(rt *Runtime, evt IncomingMessage) {
	if _, ok := rt.find(evt.ID); ok {
		s.countReconcile("duplicate")
		return
	}
	if m, kind := MatchOptimistic(s.selfID, evt, rt.candidates()); m != nil {
		s.confirmLocked(rt, m, evt.ID, mediaURLs(evt.Medias), kind)
		return
	}
	if rt.sync.detachedFromNewest() {
		// Loaded later by LoadNewer.
		s.countReconcile("deferred")
		return
	}
	m := evt.toMessage()
	m.ConversationID = rt.conversationID
	added := rt.timeline.Append(m)
	s.countReconcile(string(MatchNone))
	s.events.emit(EventMessageNew, MessagePayload{Surface: s.kind, Message: *m})
	s.afterInsertLocked(rt, added)
}

func (s *Surface) countReconcile(result string) {
	if s.metrics != nil {
		s.metrics.Reconcile.WithLabelValues(result).Inc()
	}
}

func mediaURLs(medias []Media) []string {
	if len(medias) == 0 {
		return nil
	}
	out := make([]string, len(medias))
	for i, m := range medias {
		out[i] = m.PreviewURL
	}
	return out
}
