package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Realtime event types.
const (
	WireAuthenticated       = "authenticated"
	WireMessageNew          = "message.new"
	WireMessageSeen         = "message.seen"
	WireTyping              = "typing.indicator"
	WireThemeChanged        = "conversation.theme"
	WireGroupUpdated        = "group.updated"
	WireConversationRemoved = "conversation.removed"
	WirePong                = "pong"
	WireError               = "error"
)

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

var ErrNotConnected = errors.New("chatsync: realtime not connected")

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run on the read loop in arrival order.
type eventDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(IncomingMessage)
	onSeen         []func(SeenReceipt)
	onTyping       []func(TypingEvent)
	onTheme        []func(ThemeChange)
	onGroupInfo    []func(GroupInfoChange)
	onRemoved      []func(ConversationRemoved)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
	logger         *zap.Logger
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{logger: logger}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var err error
	switch env.Type {
	case WireMessageNew:
		var evt IncomingMessage
		if evt, err = DecodeIncomingMessage(env.Payload); err == nil {
			for _, h := range d.onMessage {
				h(evt)
			}
		}
	case WireMessageSeen:
		var evt SeenReceipt
		if evt, err = DecodeSeenReceipt(env.Payload); err == nil {
			for _, h := range d.onSeen {
				h(evt)
			}
		}
	case WireTyping:
		var evt TypingEvent
		if evt, err = DecodeTyping(env.Payload); err == nil {
			for _, h := range d.onTyping {
				h(evt)
			}
		}
	case WireThemeChanged:
		var evt ThemeChange
		if evt, err = DecodeThemeChange(env.Payload); err == nil {
			for _, h := range d.onTheme {
				h(evt)
			}
		}
	case WireGroupUpdated:
		var evt GroupInfoChange
		if evt, err = DecodeGroupInfoChange(env.Payload); err == nil {
			for _, h := range d.onGroupInfo {
				h(evt)
			}
		}
	case WireConversationRemoved:
		var evt ConversationRemoved
		if evt, err = DecodeConversationRemoved(env.Payload); err == nil {
			for _, h := range d.onRemoved {
				h(evt)
			}
		}
	case WireError:
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		d.logger.Warn("realtime_server_error", zap.String("message", p.Message))
	}
	if err != nil {
		d.logger.Warn("realtime_payload_invalid", zap.String("type", env.Type), zap.Error(err))
	}
	return err
}

func knownWireType(t string) bool {
	switch t {
	case WireMessageNew, WireMessageSeen, WireTyping, WireThemeChanged, WireGroupUpdated, WireConversationRemoved:
		return true
	}
	return false
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter; a connection that lived for a
// minute resets the backoff.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is the WebSocket MessageTransport with auto-reconnect,
// heartbeat and room re-join after reconnect.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	requestCounter   atomic.Int64
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
	joined           map[string]struct{}
}

// NewRealtimeWSClient creates a client for baseURL (http(s) or ws(s)).
func NewRealtimeWSClient(baseURL string, config RealtimeConfig) *RealtimeWSClient {
	config.defaults()
	return &RealtimeWSClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &config,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(config.Logger),
		recon:        newReconnector(&config),
		pendingPings: make(map[string]chan PongPayload),
		joined:       make(map[string]struct{}),
	}
}

func (ws *RealtimeWSClient) OnMessage(h func(IncomingMessage)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessage = append(ws.dispatcher.onMessage, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWSClient) OnSeen(h func(SeenReceipt)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onSeen = append(ws.dispatcher.onSeen, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWSClient) OnTyping(h func(TypingEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWSClient) OnThemeChange(h func(ThemeChange)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTheme = append(ws.dispatcher.onTheme, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWSClient) OnGroupInfoChange(h func(GroupInfoChange)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onGroupInfo = append(ws.dispatcher.onGroupInfo, h)
	ws.dispatcher.mu.Unlock()
}

func (ws *RealtimeWSClient) OnConversationRemoved(h func(ConversationRemoved)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onRemoved = append(ws.dispatcher.onRemoved, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + ws.config.Token
}

// Connect dials, waits for the "authenticated" event and re-joins every
// conversation joined before a reconnect.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	fail := func(err error) error {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	conn, _, err := websocket.Dial(ctx, ws.wsURL(), nil)
	if err != nil {
		return fail(fmt.Errorf("websocket dial: %w", err))
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("read auth message: %w", err))
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != WireAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return fail(fmt.Errorf("expected %q, got %q", WireAuthenticated, env.Type))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	rooms := make([]string, 0, len(ws.joined))
	for id := range ws.joined {
		rooms = append(rooms, id)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.config.Logger.Info("realtime_connected", zap.Int("rooms", len(rooms)))

	for _, id := range rooms {
		if err := ws.send(ctx, conn, joinCommand(id)); err != nil {
			ws.config.Logger.Warn("realtime_rejoin_failed", zap.String("conversation", id), zap.Error(err))
		}
	}
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected(1000, "client disconnect")
	return nil
}

func joinCommand(conversationID string) *RealtimeCommand {
	return &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	}
}

// JoinConversation joins a conversation room. The room is re-joined after
// every reconnect until LeaveConversation.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	ws.joined[conversationID] = struct{}{}
	ws.mu.Unlock()
	return ws.Send(ctx, joinCommand(conversationID))
}

func (ws *RealtimeWSClient) LeaveConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	delete(ws.joined, conversationID)
	ws.mu.Unlock()
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.leave",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// MarkSeen reports that the account has read up to messageID.
func (ws *RealtimeWSClient) MarkSeen(ctx context.Context, conversationID, messageID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type: "message.seen",
		Payload: map[string]string{
			"conversationId":    conversationID,
			"lastSeenMessageId": messageID,
		},
	})
}

// StartTyping sends a typing start indicator.
func (ws *RealtimeWSClient) StartTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.start",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// StopTyping sends a typing stop indicator.
func (ws *RealtimeWSClient) StopTyping(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "typing.stop",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return ws.send(ctx, conn, cmd)
}

func (ws *RealtimeWSClient) send(ctx context.Context, conn *websocket.Conn, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.requestCounter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.config.Logger.Warn("realtime_disconnected", zap.Error(err))
			ws.dispatcher.emitDisconnected(0, err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == WirePong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		_ = ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.mu.Lock()
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)
		time.Sleep(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		if !intentional {
			ws.state = StateDisconnected
		}
		ws.mu.Unlock()
		if intentional {
			return
		}

		err := ws.Connect(context.Background())
		if err == nil {
			return
		}
		ws.config.Logger.Warn("realtime_reconnect_failed", zap.Int("attempt", ws.recon.attempt), zap.Error(err))
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
