package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const self = "me"

// history builds confirmed messages m<from>..m<to>. sender picks the author
// of each message.
func history(conversationID string, from, to int, sender func(n int) string) []IncomingMessage {
	var out []IncomingMessage
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for n := from; n <= to; n++ {
		out = append(out, IncomingMessage{
			ID:             fmt.Sprintf("m%d", n),
			ConversationID: conversationID,
			SenderID:       sender(n),
			Content:        fmt.Sprintf("message %d", n),
			SentAt:         base.Add(time.Duration(n) * time.Minute),
		})
	}
	return out
}

func from(id string) func(int) string { return func(int) string { return id } }

// fakeFetcher serves canned pages. hook runs inside every fetch, while the
// engine loop is not held.
type fakeFetcher struct {
	mu      sync.Mutex
	latest  map[string]*Page
	older   map[string]*Page // keyed by conversation + "/" + cursor
	newer   map[string]*Page
	context map[string]*Page // keyed by conversation + "/" + message id
	err     error
	calls   []string
	hook    func(op, conversationID string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		latest:  make(map[string]*Page),
		older:   make(map[string]*Page),
		newer:   make(map[string]*Page),
		context: make(map[string]*Page),
	}
}

func (f *fakeFetcher) record(op, conversationID string) (func(string, string), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+conversationID)
	return f.hook, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) lookup(m map[string]*Page, key string) *Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := m[key]; ok {
		return p
	}
	return &Page{}
}

func (f *fakeFetcher) FetchMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	op := "older"
	if cursor == "" {
		op = "latest"
	}
	hook, err := f.record(op, conversationID)
	if hook != nil {
		hook(op, conversationID)
	}
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return f.lookup(f.latest, conversationID), nil
	}
	return f.lookup(f.older, conversationID+"/"+cursor), nil
}

func (f *fakeFetcher) FetchMessageContext(ctx context.Context, conversationID, messageID string) (*Page, error) {
	hook, err := f.record("context", conversationID)
	if hook != nil {
		hook("context", conversationID)
	}
	if err != nil {
		return nil, err
	}
	return f.lookup(f.context, conversationID+"/"+messageID), nil
}

func (f *fakeFetcher) FetchNewerMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	hook, err := f.record("newer", conversationID)
	if hook != nil {
		hook("newer", conversationID)
	}
	if err != nil {
		return nil, err
	}
	return f.lookup(f.newer, conversationID+"/"+cursor), nil
}

// fakeSender answers with "s-<temp id>" unless fn is set.
type fakeSender struct {
	mu       sync.Mutex
	requests []SendRequest
	targets  []string
	fn       func(ctx context.Context, conversationID string, req SendRequest) (*SendResult, error)
}

func (f *fakeSender) Send(ctx context.Context, conversationID string, req SendRequest) (*SendResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.targets = append(f.targets, conversationID)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, conversationID, req)
	}
	return &SendResult{ServerMessageID: "s-" + req.TempID}, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
	marks  []string // conversation + "/" + message id

	onMessage func(IncomingMessage)
	onSeen    func(SeenReceipt)
}

func (f *fakeTransport) OnMessage(h func(IncomingMessage))               { f.onMessage = h }
func (f *fakeTransport) OnSeen(h func(SeenReceipt))                      { f.onSeen = h }
func (f *fakeTransport) OnTyping(func(TypingEvent))                      {}
func (f *fakeTransport) OnThemeChange(func(ThemeChange))                 {}
func (f *fakeTransport) OnGroupInfoChange(func(GroupInfoChange))         {}
func (f *fakeTransport) OnConversationRemoved(func(ConversationRemoved)) {}

func (f *fakeTransport) JoinConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, conversationID)
	return nil
}

func (f *fakeTransport) LeaveConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, conversationID)
	return nil
}

func (f *fakeTransport) MarkSeen(ctx context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, conversationID+"/"+messageID)
	return nil
}

func (f *fakeTransport) snapshot() (joins, leaves, marks []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...), append([]string(nil), f.leaves...), append([]string(nil), f.marks...)
}

type fakeAdmin struct {
	mu     sync.Mutex
	info   map[string]*Conversation
	err    map[string]error // by op name
	result map[string]*AdminResult
	calls  []string
	block  chan struct{}
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		info:   make(map[string]*Conversation),
		err:    make(map[string]error),
		result: make(map[string]*AdminResult),
	}
}

func (f *fakeAdmin) do(op string) (*AdminResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err := f.err[op]; err != nil {
		return nil, err
	}
	if res, ok := f.result[op]; ok {
		return res, nil
	}
	return &AdminResult{OK: true}, nil
}

func (f *fakeAdmin) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeAdmin) AssignAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return f.do("assign")
}

func (f *fakeAdmin) RevokeAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return f.do("revoke")
}

func (f *fakeAdmin) TransferOwnership(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return f.do("transfer")
}

func (f *fakeAdmin) Kick(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return f.do("kick")
}

func (f *fakeAdmin) GroupInfo(ctx context.Context, conversationID string) (*Conversation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "info")
	block := f.block
	err := f.err["info"]
	var meta *Conversation
	if c, ok := f.info[conversationID]; ok {
		meta = c.clone()
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &Conversation{ID: conversationID}
	}
	return meta, nil
}

// fakeViewport lays every message out at a fixed height.
type fakeViewport struct {
	height  float64
	offset  float64
	layouts int
}

func (v *fakeViewport) Layout(messages []Message) {
	v.height = float64(len(messages)) * 10
	v.layouts++
}

func (v *fakeViewport) ContentHeight() float64    { return v.height }
func (v *fakeViewport) ScrollOffset() float64     { return v.offset }
func (v *fakeViewport) SetScrollOffset(o float64) { v.offset = o }

// eventLog records engine events.
type eventLog struct {
	mu     sync.Mutex
	events []string
	pay    []any
}

func (l *eventLog) attach(e *Engine, names ...string) {
	for _, name := range names {
		e.On(name, func(event string, p any) {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, event)
			l.pay = append(l.pay, p)
		})
	}
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func (l *eventLog) payloads(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for i, e := range l.events {
		if e == name {
			out = append(out, l.pay[i])
		}
	}
	return out
}

type harness struct {
	engine    *Engine
	fetcher   *fakeFetcher
	sender    *fakeSender
	transport *fakeTransport
	admin     *fakeAdmin
	views     map[SurfaceKind]*fakeViewport
	released  *releaseRecorder
	events    *eventLog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		fetcher:   newFakeFetcher(),
		sender:    &fakeSender{},
		transport: &fakeTransport{},
		admin:     newFakeAdmin(),
		views: map[SurfaceKind]*fakeViewport{
			SurfaceCompact: {},
			SurfaceFull:    {},
		},
		released: &releaseRecorder{},
		events:   &eventLog{},
	}
	opts = append([]Option{
		WithViewport(SurfaceCompact, h.views[SurfaceCompact]),
		WithViewport(SurfaceFull, h.views[SurfaceFull]),
		WithBlobRelease(h.released.release),
	}, opts...)
	e, err := NewEngine(Config{
		SelfID:             self,
		PageSize:           10,
		PermissionDebounce: 20 * time.Millisecond,
		SeenInterval:       20 * time.Millisecond,
	}, Deps{
		Transport: h.transport,
		Fetcher:   h.fetcher,
		Sender:    h.sender,
		Admin:     h.admin,
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	h.engine = e
	h.events.attach(e,
		EventMessageLocal, EventMessageConfirmed, EventMessageFailed, EventMessageNew,
		EventSeenPlaced, EventConversationPromoted, EventConversationRemoved,
		EventConversationUpdated, EventTyping, EventNotice)
	return h
}

func (h *harness) full() *Surface    { return h.engine.Surface(SurfaceFull) }
func (h *harness) compact() *Surface { return h.engine.Surface(SurfaceCompact) }

func messageKeys(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Key()
	}
	return out
}
