package chatsync

import "strings"

// MatchKind tells how an incoming message was reconciled.
type MatchKind string

const (
	MatchNone    MatchKind = "unmatched"
	MatchTempID  MatchKind = "temp_id"
	MatchContent MatchKind = "content"
	// MatchSend is a confirmation by the send response itself.
	MatchSend MatchKind = "send"
)

// NormalizeContent lower-cases and collapses whitespace so content echoed
// by the server compares equal to what was typed.
func NormalizeContent(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MatchOptimistic returns the unconfirmed message that evt confirms.
// candidates must be in render order. An echoed temp id wins; otherwise, for
// the account's own messages, the first pending message with equal
// normalized content (or equal media count when both contents are empty)
// is chosen.
func MatchOptimistic(selfID string, evt IncomingMessage, candidates []*Message) (*Message, MatchKind) {
	if evt.TempID != "" {
		for _, m := range candidates {
			if m.TempID == evt.TempID && !m.Confirmed() {
				return m, MatchTempID
			}
		}
	}

	if selfID == "" || evt.SenderID != selfID {
		return nil, MatchNone
	}

	content := NormalizeContent(evt.Content)
	for _, m := range candidates {
		if m.Confirmed() || m.Status != StatusPending || m.SenderID != selfID || m.TempID == "" {
			continue
		}
		candidate := NormalizeContent(m.Content)
		if content == "" && candidate == "" {
			if len(m.Medias) == len(evt.Medias) {
				return m, MatchContent
			}
			continue
		}
		if content == candidate {
			return m, MatchContent
		}
	}
	return nil, MatchNone
}
