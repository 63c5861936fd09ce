package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Surface
// ============================================================================

// Surface is one presentation of conversations (compact or full). It owns a
// runtime per conversation it has touched and one active conversation whose
// window is scrolled by the viewport.
//
// All state is guarded by the engine's loop mutex. Exported methods take it
// themselves and release it around network calls; methods ending in Locked
// expect it held.
type Surface struct {
	kind     SurfaceKind
	selfID   string
	pageSize int

	store   *ConversationStore
	fetcher PageFetcher
	view    Viewport
	events  *emitter
	logger  *zap.Logger
	metrics *Metrics

	loop *sync.Mutex

	// onUnavailable runs with the loop held when a fetch reports that the
	// conversation is gone for this account.
	onUnavailable func(conversationID string, err error)

	runtimes   map[string]*Runtime
	active     string
	generation uint64
}

func newSurface(kind SurfaceKind, e *Engine, view Viewport) *Surface {
	if view == nil {
		view = nopViewport{}
	}
	return &Surface{
		kind:     kind,
		selfID:   e.cfg.SelfID,
		pageSize: e.cfg.PageSize,
		store:    e.store,
		fetcher:  e.fetcher,
		view:     view,
		events:   &e.emitter,
		logger:   e.logger.With(zap.String("surface", string(kind))),
		metrics:  e.metrics,
		loop:     &e.loop,
		runtimes: make(map[string]*Runtime),
	}
}

func (s *Surface) Kind() SurfaceKind { return s.kind }

// Active returns the conversation currently shown, or "".
func (s *Surface) Active() string {
	s.loop.Lock()
	defer s.loop.Unlock()
	return s.active
}

// Messages returns a copy of the rendered window of a conversation.
func (s *Surface) Messages(conversationID string) []Message {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return nil
	}
	return copyMessages(rt.timeline.items)
}

// Message returns a copy of one rendered or detached message.
func (s *Surface) Message(conversationID, id string) (Message, bool) {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return Message{}, false
	}
	m, ok := rt.find(id)
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// SentMarker returns the key of the message showing "Sent".
func (s *Surface) SentMarker(conversationID string) string {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return ""
	}
	return rt.sentKey()
}

// SeenFor returns the key of the message carrying accountID's indicator.
func (s *Surface) SeenFor(conversationID, accountID string) (string, bool) {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return "", false
	}
	m, ok := rt.timeline.SeenFor(accountID)
	if !ok {
		return "", false
	}
	return m.Key(), true
}

// SeenCount returns the number of placed indicators in a conversation.
func (s *Surface) SeenCount(conversationID string) int {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return 0
	}
	return rt.timeline.SeenCount()
}

// State returns a copy of the pagination state of a conversation.
func (s *Surface) State(conversationID string) (Synchronizer, bool) {
	s.loop.Lock()
	defer s.loop.Unlock()
	rt := s.runtimes[s.store.Resolve(conversationID)]
	if rt == nil {
		return Synchronizer{}, false
	}
	return *rt.sync, true
}

func copyMessages(in []*Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = *m
	}
	return out
}

// runtimeLocked returns the runtime for id, creating it on first use.
func (s *Surface) runtimeLocked(id string) *Runtime {
	if rt, ok := s.runtimes[id]; ok {
		return rt
	}
	rt := newRuntime(s.kind, id, s.selfID, s.store)
	s.runtimes[id] = rt
	return rt
}

func (s *Surface) activeLocked() (*Runtime, error) {
	if s.active == "" {
		return nil, ErrNotOpen
	}
	rt, ok := s.runtimes[s.active]
	if !ok {
		return nil, ErrNotOpen
	}
	return rt, nil
}

func (s *Surface) stale(op string, gen uint64) bool {
	if gen == s.generation {
		return false
	}
	s.logger.Debug("stale_page_dropped", zap.String("op", op), zap.Uint64("generation", gen))
	if s.metrics != nil {
		s.metrics.StaleResponses.Inc()
	}
	return true
}

// fetchFailedLocked maps a page fetch error. Content and cursors are left
// untouched so the next trigger retries.
func (s *Surface) fetchFailedLocked(op, conversationID string, err error) error {
	if IsUnavailable(err) && s.onUnavailable != nil {
		s.onUnavailable(conversationID, err)
	}
	s.logger.Warn("page_fetch_failed", zap.String("op", op),
		zap.String("conversation", conversationID), zap.Error(err))
	return fmt.Errorf("%s %s: %w", op, conversationID, err)
}

func (s *Surface) putWindowState(id string, open, minimized bool) {
	err := s.store.UI.Put(WindowState{
		ConversationID: id,
		Surface:        s.kind,
		Open:           open,
		Minimized:      minimized,
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		s.logger.Warn("window_state_write_failed", zap.String("conversation", id), zap.Error(err))
	}
}

// ============================================================================
// Pagination
// ============================================================================

// open makes id the active conversation and loads its newest page. It is
// called by Engine.Open which also joins the realtime channel.
func (s *Surface) open(ctx context.Context, conversationID string) error {
	s.loop.Lock()
	id := s.store.Resolve(conversationID)
	s.active = id
	s.generation++
	gen := s.generation
	rt := s.runtimeLocked(id)
	s.putWindowState(id, true, false)
	if IsPlaceholderID(id) {
		// Nothing exists server side until the first send.
		rt.sync.Loaded = true
		_ = s.store.Upsert(id, func(c *Conversation) {})
		s.loop.Unlock()
		return nil
	}
	s.loop.Unlock()

	page, err := s.fetcher.FetchMessages(ctx, id, "", s.pageSize)

	s.loop.Lock()
	defer s.loop.Unlock()
	if s.stale("open", gen) {
		return nil
	}
	if err != nil {
		return s.fetchFailedLocked("open", id, err)
	}
	s.installLatestLocked(s.runtimeLocked(s.store.Resolve(id)), page)
	return nil
}

// installLatestLocked replaces the window with the newest page, keeping own
// unconfirmed messages at the newest end.
func (s *Surface) installLatestLocked(rt *Runtime, page *Page) {
	if page.Meta != nil {
		s.applyMetaLocked(rt.conversationID, page.Meta)
	}
	rt.stashUnconfirmed()
	rt.timeline.Reset()
	added := rt.timeline.Append(incomingToMessages(rt.conversationID, page.Items)...)
	added = append(added, rt.reattach()...)
	rt.sync.enterNormal(page)
	s.afterInsertLocked(rt, added)
	s.replayMemberSeenLocked(rt)
}

// applyMetaLocked merges a metadata snapshot and recomputes the role.
func (s *Surface) applyMetaLocked(id string, meta *Conversation) {
	_ = s.store.Upsert(id, func(c *Conversation) {
		mergeMeta(c, meta)
		c.CurrentUserRole = ComputeRole(c, s.selfID)
	})
}

// replayMemberSeenLocked places receipts from cached group metadata.
func (s *Surface) replayMemberSeenLocked(rt *Runtime) {
	conv, ok := s.store.Conversation(rt.conversationID)
	if !ok {
		return
	}
	for _, st := range conv.MemberSeen {
		if st.AccountID == s.selfID || st.LastSeenMessageID == "" {
			continue
		}
		var member *Member
		if m, ok := conv.Member(st.AccountID); ok {
			member = m
		}
		s.placeSeenLocked(rt, st.AccountID, st.LastSeenMessageID, member)
	}
}

// LoadOlder fetches the page before the oldest loaded message. It is a
// no-op when nothing older exists or a load is already in flight.
func (s *Surface) LoadOlder(ctx context.Context) error {
	s.loop.Lock()
	rt, err := s.activeLocked()
	if err != nil {
		s.loop.Unlock()
		return err
	}
	if !rt.sync.HasMoreOlder || rt.sync.loadingOlder {
		s.loop.Unlock()
		return nil
	}
	rt.sync.loadingOlder = true
	id, cursor, gen := rt.conversationID, rt.sync.OlderCursor, s.generation
	s.loop.Unlock()

	page, err := s.fetcher.FetchMessages(ctx, id, cursor, s.pageSize)

	s.loop.Lock()
	defer s.loop.Unlock()
	rt.sync.loadingOlder = false
	if s.stale("load_older", gen) {
		return nil
	}
	if err != nil {
		return s.fetchFailedLocked("load older", id, err)
	}

	before, offset := s.view.ContentHeight(), s.view.ScrollOffset()
	added := rt.timeline.Prepend(incomingToMessages(rt.conversationID, page.Items)...)
	rt.sync.advanceOlder(page)
	s.afterInsertLocked(rt, added)
	if delta := s.view.ContentHeight() - before; delta != 0 {
		s.view.SetScrollOffset(offset + delta)
	}
	return nil
}

// LoadNewer fetches the page after the newest loaded message of a context
// window. Reaching the newest message returns the surface to normal mode.
func (s *Surface) LoadNewer(ctx context.Context) error {
	s.loop.Lock()
	rt, err := s.activeLocked()
	if err != nil {
		s.loop.Unlock()
		return err
	}
	if rt.sync.Mode != ModeContext || !rt.sync.HasMoreNewer || rt.sync.loadingNewer {
		s.loop.Unlock()
		return nil
	}
	rt.sync.loadingNewer = true
	id, cursor, gen := rt.conversationID, rt.sync.NewerCursor, s.generation
	s.loop.Unlock()

	page, err := s.fetcher.FetchNewerMessages(ctx, id, cursor, s.pageSize)

	s.loop.Lock()
	defer s.loop.Unlock()
	rt.sync.loadingNewer = false
	if s.stale("load_newer", gen) {
		return nil
	}
	if err != nil {
		return s.fetchFailedLocked("load newer", id, err)
	}
	added := rt.timeline.Append(incomingToMessages(rt.conversationID, page.Items)...)
	if rt.sync.advanceNewer(page) {
		added = append(added, rt.reattach()...)
	}
	s.afterInsertLocked(rt, added)
	return nil
}

// JumpToMessage loads a window centered on messageID. A message already in
// the window needs no fetch.
func (s *Surface) JumpToMessage(ctx context.Context, messageID string) error {
	s.loop.Lock()
	rt, err := s.activeLocked()
	if err != nil {
		s.loop.Unlock()
		return err
	}
	if rt.timeline.Has(messageID) {
		s.loop.Unlock()
		return nil
	}
	s.generation++
	id, gen := rt.conversationID, s.generation
	s.loop.Unlock()

	page, err := s.fetcher.FetchMessageContext(ctx, id, messageID)

	s.loop.Lock()
	defer s.loop.Unlock()
	if s.stale("jump", gen) {
		return nil
	}
	if err != nil {
		return s.fetchFailedLocked("jump to message", id, err)
	}
	rt = s.runtimeLocked(s.store.Resolve(id))
	if page.Meta != nil {
		s.applyMetaLocked(rt.conversationID, page.Meta)
	}
	rt.stashUnconfirmed()
	rt.timeline.Reset()
	added := rt.timeline.Append(incomingToMessages(rt.conversationID, page.Items)...)
	if rt.sync.enterContext(page) {
		added = append(added, rt.reattach()...)
	}
	s.afterInsertLocked(rt, added)
	s.replayMemberSeenLocked(rt)
	return nil
}

// JumpToBottom leaves a context window and reloads the newest page.
func (s *Surface) JumpToBottom(ctx context.Context) error {
	s.loop.Lock()
	rt, err := s.activeLocked()
	if err != nil {
		s.loop.Unlock()
		return err
	}
	if rt.sync.Mode == ModeNormal && rt.sync.Loaded {
		s.loop.Unlock()
		return nil
	}
	s.generation++
	id, gen := rt.conversationID, s.generation
	s.loop.Unlock()

	page, err := s.fetcher.FetchMessages(ctx, id, "", s.pageSize)

	s.loop.Lock()
	defer s.loop.Unlock()
	if s.stale("jump_bottom", gen) {
		return nil
	}
	if err != nil {
		return s.fetchFailedLocked("jump to bottom", id, err)
	}
	s.installLatestLocked(s.runtimeLocked(s.store.Resolve(id)), page)
	return nil
}

// Minimize hides the active conversation but keeps its runtime.
func (s *Surface) Minimize(conversationID string) {
	s.loop.Lock()
	defer s.loop.Unlock()
	id := s.store.Resolve(conversationID)
	if s.active == id {
		s.active = ""
		s.generation++
	}
	s.putWindowState(id, true, true)
}

// Close drops the surface's runtime for a conversation. Shared state (seen
// queue, outbox, previews) is kept for the other surface.
func (s *Surface) Close(conversationID string) {
	s.loop.Lock()
	defer s.loop.Unlock()
	id := s.store.Resolve(conversationID)
	s.closeLocked(id)
	s.putWindowState(id, false, false)
}

func (s *Surface) closeLocked(id string) {
	delete(s.runtimes, id)
	if s.active == id {
		s.active = ""
		s.generation++
	}
}

// ============================================================================
// Insertion hooks and seen placement
// ============================================================================

// afterInsertLocked replays queued receipts for newly inserted messages and
// retries receipts parked for want of a slot.
func (s *Surface) afterInsertLocked(rt *Runtime, added []*Message) {
	if len(added) == 0 {
		return
	}
	for _, m := range added {
		if m.ID != "" {
			s.resolveSeenLocked(rt, m.ID)
		}
	}
	s.retryParkedLocked(rt)
	s.layoutLocked(rt)
}

func (s *Surface) layoutLocked(rt *Runtime) {
	if s.active == rt.conversationID {
		s.view.Layout(copyMessages(rt.timeline.items))
	}
}

func (s *Surface) resolveSeenLocked(rt *Runtime, messageID string) {
	s.store.Seen.Resolve(rt.conversationID, messageID, func(accountID, msgID string, member *Member) {
		s.placeSeenLocked(rt, accountID, msgID, member)
	})
}

// retryParkedLocked retries queued receipts whose target is rendered but had
// no own message to carry the indicator.
func (s *Surface) retryParkedLocked(rt *Runtime) {
	for _, p := range s.store.Seen.Entries(rt.conversationID) {
		if rt.timeline.Has(p.MessageID) {
			s.resolveSeenLocked(rt, p.MessageID)
		}
	}
}

// hasSeenSlot reports whether m can carry a seen indicator.
func (s *Surface) hasSeenSlot(m *Message) bool {
	return m.SenderID == s.selfID && !m.System && m.Confirmed() && m.Status == StatusSent
}

// placeSeenLocked places accountID's indicator for messageID, walking back to
// the nearest own message with a slot. Receipts that cannot be placed are
// queued, never dropped.
func (s *Surface) placeSeenLocked(rt *Runtime, accountID, messageID string, member *Member) bool {
	if accountID == s.selfID {
		return false
	}
	m, ok := rt.timeline.Get(messageID)
	if !ok {
		s.store.Seen.Enqueue(rt.conversationID, messageID, accountID, member)
		s.countSeen("queued")
		return false
	}
	target := m
	if !s.hasSeenSlot(m) {
		target = nil
		items := rt.timeline.items
		for i := rt.timeline.indexOf(m) - 1; i >= 0; i-- {
			if s.hasSeenSlot(items[i]) {
				target = items[i]
				break
			}
		}
	}
	if target == nil {
		s.store.Seen.Enqueue(rt.conversationID, messageID, accountID, member)
		s.countSeen("parked")
		return false
	}
	// A live placement supersedes anything still queued for the account.
	s.store.Seen.Forget(rt.conversationID, accountID)
	if prev, ok := rt.timeline.SeenFor(accountID); ok && prev == target {
		return true
	}
	rt.timeline.PlaceSeen(accountID, target)
	s.countSeen("placed")
	s.events.emit(EventSeenPlaced, SeenPayload{
		Surface:        s.kind,
		ConversationID: rt.conversationID,
		AccountID:      accountID,
		MessageKey:     target.Key(),
	})
	return true
}

func (s *Surface) countSeen(outcome string) {
	if s.metrics != nil {
		s.metrics.Seen.WithLabelValues(outcome).Inc()
	}
}

// rebindLocked readdresses the runtime of oldID to newID.
func (s *Surface) rebindLocked(oldID, newID string) {
	rt, ok := s.runtimes[oldID]
	if !ok {
		return
	}
	delete(s.runtimes, oldID)
	if existing, ok := s.runtimes[newID]; ok {
		// A runtime for the new id appeared first; fold the old window in.
		rt.rebind(newID)
		added := existing.timeline.Append(rt.timeline.items...)
		existing.detached = append(existing.detached, rt.detached...)
		if rt.sent != nil {
			existing.markSent(rt.sent)
		}
		s.afterInsertLocked(existing, added)
	} else {
		rt.rebind(newID)
		s.runtimes[newID] = rt
	}
	if s.active == oldID {
		s.active = newID
	}
}

func incomingToMessages(conversationID string, items []IncomingMessage) []*Message {
	out := make([]*Message, 0, len(items))
	for _, it := range items {
		m := it.toMessage()
		m.ConversationID = conversationID
		out = append(out, m)
	}
	return out
}
