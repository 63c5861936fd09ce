package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ============================================================================
// Push Types
// ============================================================================

// PushSource identifies payloads produced by the chat backend.
const PushSource = "chatsync"

// PushPayload is one signed event delivered over HTTP when the device has
// no live socket. Payload carries the same shape as the realtime event.
type PushPayload struct {
	Source    string          `json:"source"`
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// EventSink receives normalized events. *Engine implements it.
type EventSink interface {
	ApplyIncomingMessage(IncomingMessage)
	ApplySeen(SeenReceipt)
	ApplyTyping(TypingEvent)
	ApplyThemeChange(ThemeChange)
	ApplyGroupInfoChange(GroupInfoChange)
	ApplyConversationRemoved(ConversationRemoved)
}

var _ EventSink = (*Engine)(nil)

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyPushSignature verifies an HMAC-SHA256 signature ("sha256=<hex>" or
// bare hex) with constant-time comparison.
func VerifyPushSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignPush returns the signature header value for body.
func SignPush(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParsePushPayload parses and validates a raw push body.
func ParsePushPayload(body string) (*PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if p.Source != PushSource {
		return nil, fmt.Errorf("unknown push source: %s", p.Source)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("missing event field in push payload")
	}
	if !knownWireType(p.Event) {
		return nil, fmt.Errorf("unsupported push event: %s", p.Event)
	}
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("missing payload in push body")
	}
	return &p, nil
}

// ============================================================================
// PushHandler
// ============================================================================

// PushHandler verifies, parses and feeds signed push events into a sink.
type PushHandler struct {
	secret     string
	dispatcher *eventDispatcher
	logger     *zap.Logger
}

// NewPushHandler creates a handler feeding sink.
func NewPushHandler(secret string, sink EventSink, logger *zap.Logger) (*PushHandler, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("push sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := newEventDispatcher(logger)
	d.onMessage = append(d.onMessage, sink.ApplyIncomingMessage)
	d.onSeen = append(d.onSeen, sink.ApplySeen)
	d.onTyping = append(d.onTyping, sink.ApplyTyping)
	d.onTheme = append(d.onTheme, sink.ApplyThemeChange)
	d.onGroupInfo = append(d.onGroupInfo, sink.ApplyGroupInfoChange)
	d.onRemoved = append(d.onRemoved, sink.ApplyConversationRemoved)
	return &PushHandler{secret: secret, dispatcher: d, logger: logger}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (h *PushHandler) Verify(body, signature string) bool {
	return VerifyPushSignature(body, signature, h.secret)
}

// Handle processes one push (verify + parse + dispatch) and returns the
// status code and response body for the caller to write.
func (h *PushHandler) Handle(body, signature string) (int, any) {
	if !h.Verify(body, signature) {
		h.logger.Warn("push_signature_invalid")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	p, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := h.dispatcher.dispatch(RealtimeEnvelope{Type: p.Event, Payload: p.Payload}); err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes push requests.
//
// Example:
//
//	ph, _ := chatsync.NewPushHandler("secret", engine, logger)
//	http.Handle("/push", ph.HTTPHandler())
func (h *PushHandler) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := h.Handle(string(bodyBytes), r.Header.Get("X-Chatsync-Signature"))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
