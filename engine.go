// Package chatsync keeps the client-side view of a chat product consistent:
// it reconciles optimistic outgoing messages with server confirmations,
// places seen receipts under pagination, owns local media previews and keeps
// the compact and full surfaces in sync, including the promotion of
// placeholder conversations to server ids.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL(url))
//	rt := chatsync.NewRealtimeWSClient(url, chatsync.RealtimeConfig{Token: token})
//	engine, _ := chatsync.NewEngine(chatsync.Config{SelfID: me}, chatsync.Deps{
//		Transport: rt, Fetcher: client, Sender: client, Admin: client,
//	})
//	engine.On(chatsync.EventMessageConfirmed, func(_ string, p any) { ... })
//	engine.Start(ctx)
//	engine.Open(ctx, chatsync.SurfaceFull, convID)
//	engine.Send(ctx, chatsync.SurfaceFull, convID, chatsync.Draft{Content: "hi"})
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Engine
// ============================================================================

// Deps are the collaborators of an Engine. Fetcher and Sender are required.
type Deps struct {
	Transport MessageTransport
	Fetcher   PageFetcher
	Sender    SendClient
	Admin     GroupAdminClient
}

// Engine owns both surfaces and the shared conversation store. Its loop
// mutex stands in for the UI event loop: every state change happens under
// it, every network call outside it. Event handlers run on the loop and must
// not call back into the Engine synchronously.
type Engine struct {
	emitter

	cfg       Config
	transport MessageTransport
	fetcher   PageFetcher
	sender    SendClient
	admin     GroupAdminClient

	logger      *zap.Logger
	metrics     *Metrics
	ui          UIStateStore
	views       map[SurfaceKind]Viewport
	blobRelease func(BlobHandle)

	loop     sync.Mutex
	store    *ConversationStore
	surfaces map[SurfaceKind]*Surface
	order    []*Surface
	promoter *Promoter
	perms    *PermissionScheduler
	seen     *seenMarker
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithViewport(kind SurfaceKind, v Viewport) Option {
	return func(e *Engine) { e.views[kind] = v }
}

func WithUIState(s UIStateStore) Option {
	return func(e *Engine) { e.ui = s }
}

// WithBlobRelease sets the function that frees a preview resource.
func WithBlobRelease(fn func(BlobHandle)) Option {
	return func(e *Engine) { e.blobRelease = fn }
}

var errNoAdminClient = errors.New("chatsync: no group admin client configured")

func NewEngine(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("chatsync: self id is required")
	}
	if deps.Fetcher == nil || deps.Sender == nil {
		return nil, errors.New("chatsync: fetcher and sender are required")
	}
	cfg.defaults()

	e := &Engine{
		cfg:       cfg,
		transport: deps.Transport,
		fetcher:   deps.Fetcher,
		sender:    deps.Sender,
		admin:     deps.Admin,
		views:     make(map[SurfaceKind]Viewport),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	e.store = NewConversationStore(NewBlobRegistry(e.blobRelease, e.logger, e.metrics), e.ui)
	e.surfaces = make(map[SurfaceKind]*Surface, 2)
	for _, kind := range SurfaceKinds {
		s := newSurface(kind, e, e.views[kind])
		s.onUnavailable = e.unavailableLocked
		e.surfaces[kind] = s
		e.order = append(e.order, s)
	}

	e.perms = NewPermissionScheduler(cfg.PermissionDebounce, e.fetchGroupInfo, e.applyRefreshed, e.logger, e.metrics)
	e.perms.fail = e.refreshFailed
	e.seen = newSeenMarker(cfg.SeenInterval, e.markSeen, e.logger)
	e.promoter = &Promoter{
		store:    e.store,
		surfaces: e.order,
		perms:    e.perms,
		seen:     e.seen,
		events:   &e.emitter,
		logger:   e.logger,
	}
	return e, nil
}

// Surface returns the surface of the given kind.
func (e *Engine) Surface(kind SurfaceKind) *Surface {
	s, ok := e.surfaces[kind]
	if !ok {
		panic(fmt.Sprintf("chatsync: unknown surface %q", kind))
	}
	return s
}

func (e *Engine) Store() *ConversationStore         { return e.store }
func (e *Engine) Permissions() *PermissionScheduler { return e.perms }
func (e *Engine) Metrics() *Metrics                 { return e.metrics }

// Start subscribes to the realtime transport.
func (e *Engine) Start(ctx context.Context) error {
	if e.transport == nil {
		return nil
	}
	e.transport.OnMessage(e.ApplyIncomingMessage)
	e.transport.OnSeen(e.ApplySeen)
	e.transport.OnTyping(e.ApplyTyping)
	e.transport.OnThemeChange(e.ApplyThemeChange)
	e.transport.OnGroupInfoChange(e.ApplyGroupInfoChange)
	e.transport.OnConversationRemoved(e.ApplyConversationRemoved)
	e.logger.Info("engine_started", zap.String("self_id", e.cfg.SelfID))
	return nil
}

// Stop cancels timers and drops event handlers.
func (e *Engine) Stop() {
	e.perms.Stop()
	e.seen.Stop()
	e.removeAll()
}

// Windows lists persisted window state for restoring surfaces.
func (e *Engine) Windows() ([]WindowState, error) {
	return e.store.UI.List()
}

// ============================================================================
// Opening conversations
// ============================================================================

// Open shows a conversation on a surface. If the other surface is showing
// it, that representation is minimized first.
func (e *Engine) Open(ctx context.Context, kind SurfaceKind, conversationID string) error {
	s := e.Surface(kind)
	id := e.store.Resolve(conversationID)
	for _, other := range e.order {
		if other != s && other.Active() == id {
			other.Minimize(id)
		}
	}
	if err := s.open(ctx, id); err != nil {
		return err
	}
	id = e.store.Resolve(id)
	if !IsPlaceholderID(id) {
		e.join(ctx, id)
	}
	e.markLatestSeen(s, id)
	return nil
}

// Transfer moves a conversation from one surface to the other, closing the
// source before the target opens.
func (e *Engine) Transfer(ctx context.Context, from, to SurfaceKind, conversationID string) error {
	e.Surface(from).Close(conversationID)
	return e.Open(ctx, to, conversationID)
}

func (e *Engine) join(ctx context.Context, id string) {
	if e.transport == nil {
		return
	}
	if err := e.transport.JoinConversation(ctx, id); err != nil {
		e.logger.Warn("join_failed", zap.String("conversation", id), zap.Error(err))
	}
}

func (e *Engine) leave(id string) {
	if e.transport == nil || IsPlaceholderID(id) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.transport.LeaveConversation(ctx, id); err != nil {
		e.logger.Warn("leave_failed", zap.String("conversation", id), zap.Error(err))
	}
}

func (e *Engine) markSeen(ctx context.Context, conversationID, messageID string) error {
	if e.transport == nil {
		return nil
	}
	return e.transport.MarkSeen(ctx, conversationID, messageID)
}

func (e *Engine) markLatestSeen(s *Surface, id string) {
	e.loop.Lock()
	var latest string
	if rt, ok := s.runtimes[id]; ok && s.active == id && !rt.sync.detachedFromNewest() {
		items := rt.timeline.items
		for i := len(items) - 1; i >= 0; i-- {
			if items[i].Confirmed() && items[i].SenderID != e.cfg.SelfID {
				latest = items[i].ID
				break
			}
		}
	}
	e.loop.Unlock()
	if latest != "" {
		e.seen.Mark(id, latest)
	}
}

// ============================================================================
// Drafts and sending
// ============================================================================

// Draft is what the composer holds when the user presses send.
type Draft struct {
	Content string
	Files   []OutgoingFile
	ReplyTo *ReplyRef
}

// NewTempID returns a fresh temp id for an optimistic message.
func NewTempID() string {
	return "tmp-" + uuid.NewString()
}

// RegisterPreview makes a freshly created preview resource known before the
// composer attaches it.
func (e *Engine) RegisterPreview(h BlobHandle) {
	e.store.Blobs.Register(h)
}

// DiscardPreview frees a preview that was created but never attached, or
// whose attachments are all gone. It reports whether it was released.
func (e *Engine) DiscardPreview(h BlobHandle) bool {
	return e.store.Blobs.ReleaseIfUnreferenced(h)
}

// AttachDraft tracks a preview resource shown in the composer. It holds the
// event loop so a concurrent promotion sees the handle under one scope.
func (e *Engine) AttachDraft(conversationID string, h BlobHandle) {
	e.loop.Lock()
	defer e.loop.Unlock()
	e.store.Blobs.Track(DraftScope(e.store.Resolve(conversationID)), h)
}

// DetachDraft drops a preview resource removed from the composer.
func (e *Engine) DetachDraft(conversationID string, h BlobHandle) {
	e.loop.Lock()
	defer e.loop.Unlock()
	e.store.Blobs.Untrack(DraftScope(e.store.Resolve(conversationID)), h)
}

// PendingSends returns the retry payloads of a conversation that the server
// has not confirmed yet, oldest first.
func (e *Engine) PendingSends(conversationID string) []OutboxOp {
	return e.store.Outbox.ForConversation(e.store.Resolve(conversationID))
}

// Outstanding returns the number of sends still waiting for the server.
func (e *Engine) Outstanding() int {
	return e.store.Outbox.PendingCount()
}

// Send renders an optimistic message and delivers it. The returned message
// reflects the state after delivery.
func (e *Engine) Send(ctx context.Context, kind SurfaceKind, conversationID string, d Draft) (Message, error) {
	s := e.Surface(kind)
	tempID := NewTempID()

	e.loop.Lock()
	id := e.store.Resolve(conversationID)
	rt := s.runtimeLocked(id)

	medias := make([]Media, 0, len(d.Files))
	for _, f := range d.Files {
		medias = append(medias, Media{
			PreviewURL: string(f.Handle),
			Type:       f.Type,
			FileName:   f.Name,
			FileSize:   f.Size,
		})
		if f.Handle != "" {
			// Track under the temp id before the draft lets go.
			e.store.Blobs.Track(tempID, f.Handle)
			e.store.Blobs.Untrack(DraftScope(id), f.Handle)
		}
	}
	m := &Message{
		TempID:         tempID,
		ConversationID: id,
		SenderID:       e.cfg.SelfID,
		Content:        d.Content,
		Medias:         medias,
		Status:         StatusPending,
		ReplyTo:        d.ReplyTo,
		SentAt:         time.Now(),
	}
	req := SendRequest{Content: d.Content, TempID: tempID, Files: d.Files}
	if d.ReplyTo != nil {
		req.ReplyToMessageID = d.ReplyTo.MessageID
	}
	op := e.store.Outbox.Enqueue(id, req)
	attempt := op.Attempt
	s.renderLocalLocked(rt, m)
	e.loop.Unlock()

	return e.deliver(ctx, id, tempID, req, attempt)
}

// Retry re-sends a failed message. It is safe while an earlier attempt is
// still in flight: whichever attempt succeeds first confirms the message and
// failures of superseded attempts are ignored.
func (e *Engine) Retry(ctx context.Context, tempID string) (Message, error) {
	e.loop.Lock()
	op, ok := e.store.Outbox.Begin(tempID)
	if !ok {
		e.loop.Unlock()
		return Message{}, fmt.Errorf("retry %s: %w", tempID, ErrUnknownMessage)
	}
	id := e.store.Resolve(op.ConversationID)
	if s, _, m := e.findLocked(id, tempID); m != nil {
		s.retryLocked(m)
	}
	e.loop.Unlock()

	return e.deliver(ctx, id, tempID, op.Request, op.Attempt)
}

func (e *Engine) deliver(ctx context.Context, conversationID, tempID string, req SendRequest, attempt int) (Message, error) {
	res, err := e.sender.Send(ctx, conversationID, req)

	e.loop.Lock()
	current := e.store.Resolve(conversationID)
	s, rt, m := e.findLocked(current, tempID)
	if err != nil {
		var out Message
		if m != nil {
			if m.Confirmed() {
				// An echo already confirmed it.
				s.settleLocked(m, nil)
			} else {
				s.failLocked(rt, m, attempt, err)
			}
			out = *m
		} else {
			e.store.Outbox.Nack(tempID, attempt, err.Error())
		}
		if IsUnavailable(err) {
			e.unavailableLocked(current, err)
		}
		e.loop.Unlock()
		return out, fmt.Errorf("send %s: %w", tempID, err)
	}

	var rejoin string
	if res.ConversationID != "" && res.ConversationID != current && IsPlaceholderID(current) {
		ok, perr := e.promoter.Promote(current, res.ConversationID)
		if perr != nil {
			e.logger.Warn("promote_failed", zap.String("conversation", current), zap.Error(perr))
		} else if ok {
			rejoin = res.ConversationID
		}
	}

	var out Message
	if m != nil {
		s.confirmLocked(rt, m, res.ServerMessageID, res.MediaURLs, MatchSend)
		out = *m
	} else {
		e.store.Outbox.Ack(tempID)
		e.store.Blobs.ReleaseAllForScope(tempID)
	}
	e.loop.Unlock()

	if rejoin != "" {
		e.join(ctx, rejoin)
	}
	return out, nil
}

// findLocked looks up an optimistic message by temp id, first in the
// runtimes of id, then anywhere.
func (e *Engine) findLocked(id, tempID string) (*Surface, *Runtime, *Message) {
	for _, s := range e.order {
		if rt, ok := s.runtimes[id]; ok {
			if m, ok := rt.find(tempID); ok {
				return s, rt, m
			}
		}
	}
	for _, s := range e.order {
		for _, rt := range s.runtimes {
			if m, ok := rt.find(tempID); ok {
				return s, rt, m
			}
		}
	}
	return nil, nil, nil
}

// ============================================================================
// Realtime entry points
// ============================================================================

// ApplyIncomingMessage reconciles a confirmed message on every surface that
// has the conversation. Applying the same event twice is a no-op.
func (e *Engine) ApplyIncomingMessage(evt IncomingMessage) {
	if evt.ID == "" || evt.ConversationID == "" {
		e.logger.Debug("incoming_message_dropped", zap.String("message_id", evt.ID))
		return
	}
	e.loop.Lock()
	id := e.store.Resolve(evt.ConversationID)
	evt.ConversationID = id
	rejoin := e.promoteByEchoLocked(evt)

	var seen string
	for _, s := range e.order {
		rt, ok := s.runtimes[id]
		if !ok {
			continue
		}
		s.applyIncomingLocked(rt, evt)
		if s.active == id && evt.SenderID != e.cfg.SelfID && !rt.sync.detachedFromNewest() {
			seen = evt.ID
		}
	}
	e.loop.Unlock()

	if IsStructuralSystem(evt) {
		e.perms.Schedule(id, ScheduleOptions{})
	}
	if rejoin != "" {
		e.join(context.Background(), rejoin)
	}
	if seen != "" {
		e.seen.Mark(id, seen)
	}
}

// promoteByEchoLocked handles the echo of a first message arriving before
// the send response: the echoed temp id sits in a placeholder runtime.
func (e *Engine) promoteByEchoLocked(evt IncomingMessage) string {
	if evt.TempID == "" || evt.SenderID != e.cfg.SelfID || IsPlaceholderID(evt.ConversationID) {
		return ""
	}
	_, rt, m := e.findLocked(evt.ConversationID, evt.TempID)
	if m == nil || rt.conversationID == evt.ConversationID || !IsPlaceholderID(rt.conversationID) {
		return ""
	}
	ok, err := e.promoter.Promote(rt.conversationID, evt.ConversationID)
	if err != nil || !ok {
		return ""
	}
	return evt.ConversationID
}

// ApplySeen records a receipt and places it on every surface that has the
// conversation, queueing it where the message is not loaded yet.
func (e *Engine) ApplySeen(r SeenReceipt) {
	if r.AccountID == "" || r.LastSeenMessageID == "" || r.AccountID == e.cfg.SelfID {
		return
	}
	e.loop.Lock()
	defer e.loop.Unlock()
	id := e.store.Resolve(r.ConversationID)
	var member *Member
	_ = e.store.Upsert(id, func(c *Conversation) {
		c.SetSeen(r.AccountID, r.LastSeenMessageID)
		if m, ok := c.Member(r.AccountID); ok {
			cp := *m
			member = &cp
		}
	})
	for _, s := range e.order {
		if rt, ok := s.runtimes[id]; ok {
			s.placeSeenLocked(rt, r.AccountID, r.LastSeenMessageID, member)
		}
	}
}

func (e *Engine) ApplyTyping(t TypingEvent) {
	if t.AccountID == e.cfg.SelfID {
		return
	}
	t.ConversationID = e.store.Resolve(t.ConversationID)
	e.emit(EventTyping, t)
}

// ApplyThemeChange stores the normalized theme; an empty theme clears it.
func (e *Engine) ApplyThemeChange(t ThemeChange) {
	e.loop.Lock()
	defer e.loop.Unlock()
	id := e.store.Resolve(t.ConversationID)
	var theme *string
	if t.Theme != nil {
		if v := strings.ToLower(strings.TrimSpace(*t.Theme)); v != "" {
			theme = &v
		}
	}
	_ = e.store.Upsert(id, func(c *Conversation) { c.Theme = theme })
	e.emitUpdatedLocked(id)
}

func (e *Engine) ApplyGroupInfoChange(g GroupInfoChange) {
	if g.Meta == nil {
		return
	}
	e.loop.Lock()
	defer e.loop.Unlock()
	e.applyMetaLocked(e.store.Resolve(g.ConversationID), g.Meta)
}

// ApplyConversationRemoved evicts a conversation the account lost access to.
func (e *Engine) ApplyConversationRemoved(r ConversationRemoved) {
	e.loop.Lock()
	id := e.store.Resolve(r.ConversationID)
	e.evictLocked(id)
	e.loop.Unlock()
	e.leave(id)
}

func (e *Engine) applyMetaLocked(id string, meta *Conversation) {
	_ = e.store.Upsert(id, func(c *Conversation) {
		mergeMeta(c, meta)
		c.CurrentUserRole = ComputeRole(c, e.cfg.SelfID)
	})
	e.emitUpdatedLocked(id)
}

func (e *Engine) emitUpdatedLocked(id string) {
	if c, ok := e.store.Conversation(id); ok {
		e.emit(EventConversationUpdated, c)
	}
}

func (e *Engine) evictLocked(id string) {
	for _, s := range e.order {
		s.closeLocked(id)
	}
	e.store.Evict(id)
	e.logger.Info("conversation_evicted", zap.String("conversation", id))
	e.emit(EventConversationRemoved, id)
}

// unavailableLocked evicts a conversation the server says is gone and tells
// the user.
func (e *Engine) unavailableLocked(id string, err error) {
	e.logger.Warn("conversation_unavailable", zap.String("conversation", id), zap.Error(err))
	e.evictLocked(id)
	e.emit(EventNotice, Notice{ConversationID: id, Message: "This conversation is no longer available."})
	go e.leave(id)
}
