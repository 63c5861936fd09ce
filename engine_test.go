package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(Config{}, Deps{Fetcher: newFakeFetcher(), Sender: &fakeSender{}})
	assert.Error(t, err)

	_, err = NewEngine(Config{SelfID: self}, Deps{Sender: &fakeSender{}})
	assert.Error(t, err)
}

func TestNewTempID(t *testing.T) {
	a, b := NewTempID(), NewTempID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "tmp-")
}

// First message to a placeholder: the send response carries the real id,
// and everything keyed by the placeholder follows it.
func TestSendPromotesPlaceholder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "new-abc123"))
	assert.Zero(t, h.fetcher.callCount(), "a placeholder has no history to load")

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		return &SendResult{ServerMessageID: "m1", ConversationID: "c-real-1"}, nil
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "new-abc123", Draft{Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "c-real-1", m.ConversationID)
	assert.Equal(t, []string{"new-abc123"}, h.sender.targets)

	assert.Equal(t, "c-real-1", h.full().Active())
	assert.Equal(t, "c-real-1", h.engine.Store().Resolve("new-abc123"))
	assert.Len(t, h.full().Messages("new-abc123"), 1)
	assert.Equal(t, m.Key(), h.full().SentMarker("c-real-1"))

	joins, _, _ := h.transport.snapshot()
	assert.Equal(t, []string{"c-real-1"}, joins)
	require.Equal(t, 1, h.events.count(EventConversationPromoted))
	assert.Equal(t, PromotionPayload{OldID: "new-abc123", NewID: "c-real-1"},
		h.events.payloads(EventConversationPromoted)[0])

	h.engine.ApplySeen(SeenReceipt{ConversationID: "c-real-1", AccountID: "abc123", LastSeenMessageID: "m1"})
	key, ok := h.full().SeenFor("c-real-1", "abc123")
	require.True(t, ok)
	assert.Equal(t, m.Key(), key)
}

func TestEchoBeforeSendResponsePromotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "new-abc123"))

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		h.engine.ApplyIncomingMessage(IncomingMessage{
			ID:             "m1",
			ConversationID: "c-real-1",
			TempID:         req.TempID,
			SenderID:       self,
			Content:        req.Content,
		})
		return &SendResult{ServerMessageID: "m1", ConversationID: "c-real-1"}, nil
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "new-abc123", Draft{Content: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "c-real-1", h.full().Active())
	assert.Len(t, h.full().Messages("c-real-1"), 1)
	assert.Equal(t, 1, h.events.count(EventConversationPromoted))
	assert.Equal(t, 1, h.events.count(EventMessageConfirmed))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("temp_id")))
	assert.Zero(t, testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("send")))

	joins, _, _ := h.transport.snapshot()
	assert.Equal(t, []string{"c-real-1"}, joins)
}

func TestApplyIncomingMessageIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	require.NoError(t, h.engine.Open(context.Background(), SurfaceFull, "c1"))

	evt := IncomingMessage{ID: "m4", ConversationID: "c1", SenderID: "u2", Content: "hi"}
	h.engine.ApplyIncomingMessage(evt)
	h.engine.ApplyIncomingMessage(evt)

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageKeys(h.full().Messages("c1")))
	assert.Equal(t, 1, h.events.count(EventMessageNew))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("duplicate")))
}

func TestApplyIncomingMessageDropsIncompleteEvents(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 1, from("u2"))}
	require.NoError(t, h.engine.Open(context.Background(), SurfaceFull, "c1"))

	h.engine.ApplyIncomingMessage(IncomingMessage{ConversationID: "c1", SenderID: "u2"})
	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "m9", SenderID: "u2"})
	assert.Len(t, h.full().Messages("c1"), 1)
}

// Two image-only sends in quick succession: an echo without temp id and
// with one image confirms the first in render order; the second is
// confirmed by its own response.
func TestIdenticalPendingMessagesConfirmInOrder(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 2, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	image := func(handle BlobHandle) Draft {
		return Draft{Files: []OutgoingFile{{Name: "photo.png", Type: MediaImage, Size: 3, Handle: handle}}}
	}
	var second Message
	calls := 0
	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		calls++
		switch calls {
		case 1:
			var err error
			second, err = h.engine.Send(ctx, SurfaceFull, "c1", image("blob:b"))
			require.NoError(t, err)
			return &SendResult{ServerMessageID: "x1", MediaURLs: []string{"https://cdn/x1.png"}}, nil
		default:
			h.engine.ApplyIncomingMessage(IncomingMessage{
				ID: "x1", ConversationID: "c1", SenderID: self,
				Medias: []Media{{PreviewURL: "https://cdn/x1.png", Type: MediaImage}},
			})
			return &SendResult{ServerMessageID: "x2", MediaURLs: []string{"https://cdn/x2.png"}}, nil
		}
	}
	first, err := h.engine.Send(ctx, SurfaceFull, "c1", image("blob:a"))
	require.NoError(t, err)

	assert.Equal(t, "x1", first.ID)
	assert.Equal(t, "x2", second.ID)
	assert.Equal(t, "https://cdn/x1.png", first.Medias[0].PreviewURL)
	assert.Equal(t, "https://cdn/x2.png", second.Medias[0].PreviewURL)
	assert.Equal(t, 1, h.released.count("blob:a"))
	assert.Equal(t, 1, h.released.count("blob:b"))

	msgs := h.full().Messages("c1")
	require.Len(t, msgs, 4)
	assert.Equal(t, first.TempID, msgs[2].TempID)
	assert.Equal(t, second.TempID, msgs[3].TempID)
	assert.Equal(t, second.Key(), h.full().SentMarker("c1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("content")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("send")))
}

// Two identical sends whose echoes cross: the second send's echo arrives
// first and is matched to the first message by content. The second send's
// own response takes the id back, and the first message is confirmed by its
// own response.
func TestCrossedEchoesKeepOneBubblePerServerID(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 2, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	var second Message
	calls := 0
	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		calls++
		if calls == 1 {
			var err error
			second, err = h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hi"})
			require.NoError(t, err)
			return &SendResult{ServerMessageID: "sA"}, nil
		}
		h.engine.ApplyIncomingMessage(IncomingMessage{ID: "sB", ConversationID: "c1", SenderID: self, Content: "hi"})
		first, ok := h.full().Message("c1", "sB")
		require.True(t, ok)
		assert.NotEqual(t, req.TempID, first.TempID, "the echo lands on the older pending message")
		return &SendResult{ServerMessageID: "sB"}, nil
	}
	first, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hi"})
	require.NoError(t, err)
	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "sA", ConversationID: "c1", SenderID: self, Content: "hi"})

	assert.Equal(t, "sA", first.ID)
	assert.Equal(t, "sB", second.ID)

	msgs := h.full().Messages("c1")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"sA", "sB"}, []string{msgs[2].ID, msgs[3].ID})
	assert.Equal(t, []string{first.TempID, second.TempID}, []string{msgs[2].TempID, msgs[3].TempID})
	assert.Equal(t, second.Key(), h.full().SentMarker("c1"))
	assert.Empty(t, h.engine.PendingSends("c1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("reverted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().Reconcile.WithLabelValues("duplicate")))
}

// The send response overrides a content match that picked the wrong id.
func TestSendResponseCorrectsContentMatch(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	release := []chan string{make(chan string), make(chan string)}
	var calls atomic.Int32
	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		i := calls.Add(1) - 1
		return &SendResult{ServerMessageID: <-release[i]}, nil
	}
	type outcome struct {
		m   Message
		err error
	}
	results := []chan outcome{make(chan outcome, 1), make(chan outcome, 1)}
	send := func(i int) {
		go func() {
			m, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hi"})
			results[i] <- outcome{m, err}
		}()
	}
	send(0)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	send(1)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "sB", ConversationID: "c1", SenderID: self, Content: "hi"})
	msgs := h.full().Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "sB", msgs[0].ID)
	assert.Len(t, h.engine.PendingSends("c1"), 2, "a content match keeps the retry payload")

	release[0] <- "sA"
	a := <-results[0]
	require.NoError(t, a.err)
	assert.Equal(t, "sA", a.m.ID)

	release[1] <- "sB"
	b := <-results[1]
	require.NoError(t, b.err)
	assert.Equal(t, "sB", b.m.ID)

	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "sA", ConversationID: "c1", SenderID: self, Content: "hi"})
	msgs = h.full().Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"sA", "sB"}, []string{msgs[0].ID, msgs[1].ID})
	assert.Empty(t, h.engine.PendingSends("c1"))
}

func TestOnlyLatestConfirmedMessageShowsSent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	a, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "one"})
	require.NoError(t, err)
	assert.Equal(t, a.Key(), h.full().SentMarker("c1"))

	b, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, b.Key(), h.full().SentMarker("c1"))
	assert.Equal(t, "s-"+b.TempID, b.ID)
}

func TestSendFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		return nil, &APIError{Status: 500, Code: "INTERNAL", Message: "boom"}
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hello"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 1, h.events.count(EventMessageFailed))
	op, ok := h.engine.Store().Outbox.Get(m.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, op.Status)

	h.sender.fn = nil
	m, err = h.engine.Retry(ctx, m.TempID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
	_, ok = h.engine.Store().Outbox.Get(m.TempID)
	assert.False(t, ok)

	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	require.Len(t, h.sender.requests, 2)
	assert.Equal(t, h.sender.requests[0].TempID, h.sender.requests[1].TempID)
}

func TestRetryUnknownMessage(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Retry(context.Background(), "tmp-missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestLateFailureOfSupersededAttemptIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	calls := 0
	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		calls++
		if calls == 1 {
			retried, err := h.engine.Retry(ctx, req.TempID)
			require.NoError(t, err)
			assert.Equal(t, StatusSent, retried.Status)
			return nil, errors.New("connection reset")
		}
		return &SendResult{ServerMessageID: "s1"}, nil
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hello"})
	require.Error(t, err)

	assert.Equal(t, "s1", m.ID)
	assert.Equal(t, StatusSent, m.Status)
	assert.Zero(t, h.events.count(EventMessageFailed))
}

func TestSendForbiddenEvictsConversation(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 2, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		return nil, &APIError{Status: 403, Code: "FORBIDDEN", Message: "not a member"}
	}
	_, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hello"})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	assert.Equal(t, "", h.full().Active())
	assert.Nil(t, h.full().Messages("c1"))
	assert.Equal(t, 1, h.events.count(EventNotice))
	assert.Equal(t, 1, h.events.count(EventConversationRemoved))
	_, ok := h.engine.Store().Conversation("c1")
	assert.False(t, ok)
}

func TestSendReleasesPreviewsOnConfirm(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	h.engine.AttachDraft("c1", "blob:1")
	h.engine.AttachDraft("c1", "blob:2")
	h.engine.DetachDraft("c1", "blob:2")
	assert.Equal(t, 1, h.released.count("blob:2"))

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		assert.Zero(t, h.released.count("blob:1"), "preview must survive until confirmation")
		return &SendResult{ServerMessageID: "s1", MediaURLs: []string{"https://cdn.example/1.png"}}, nil
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Files: []OutgoingFile{{
		Name: "1.png", Type: MediaImage, Size: 10, Handle: "blob:1",
	}}})
	require.NoError(t, err)

	require.Len(t, m.Medias, 1)
	assert.Equal(t, "https://cdn.example/1.png", m.Medias[0].PreviewURL)
	assert.Equal(t, 1, h.released.count("blob:1"))
	assert.Zero(t, h.engine.Store().Blobs.Refs("blob:1"))
}

func TestOpenMinimizesOtherSurface(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceCompact, "c1"))
	require.Equal(t, "c1", h.compact().Active())

	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	assert.Equal(t, "", h.compact().Active())
	assert.Equal(t, "c1", h.full().Active())
	assert.Len(t, h.compact().Messages("c1"), 3, "minimized runtime keeps its window")

	windows, err := h.engine.Windows()
	require.NoError(t, err)
	require.Len(t, windows, 2)
	bySurface := map[SurfaceKind]WindowState{}
	for _, w := range windows {
		bySurface[w.Surface] = w
	}
	assert.True(t, bySurface[SurfaceCompact].Open)
	assert.True(t, bySurface[SurfaceCompact].Minimized)
	assert.True(t, bySurface[SurfaceFull].Open)
	assert.False(t, bySurface[SurfaceFull].Minimized)

	h.full().Close("c1")
	st, ok, err := h.engine.Store().UI.Get(SurfaceCompact, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Minimized, "closing one surface leaves the other's window alone")
}

func TestTransferMovesConversation(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceCompact, "c1"))

	require.NoError(t, h.engine.Transfer(ctx, SurfaceCompact, SurfaceFull, "c1"))

	assert.Nil(t, h.compact().Messages("c1"))
	assert.Equal(t, "c1", h.full().Active())
	assert.Len(t, h.full().Messages("c1"), 3)
}

func TestIncomingMessageReachesBothSurfaces(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceCompact, "c1"))
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "m4", ConversationID: "c1", SenderID: "u2", Content: "both"})

	assert.Len(t, h.compact().Messages("c1"), 4)
	assert.Len(t, h.full().Messages("c1"), 4)
	assert.Equal(t, 2, h.events.count(EventMessageNew))
}

func TestApplyThemeChangeNormalizes(t *testing.T) {
	h := newHarness(t)

	theme := "  Ocean "
	h.engine.ApplyThemeChange(ThemeChange{ConversationID: "c1", Theme: &theme})
	c, ok := h.engine.Store().Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, c.Theme)
	assert.Equal(t, "ocean", *c.Theme)

	blank := "   "
	h.engine.ApplyThemeChange(ThemeChange{ConversationID: "c1", Theme: &blank})
	c, _ = h.engine.Store().Conversation("c1")
	assert.Nil(t, c.Theme)
	assert.Equal(t, 2, h.events.count(EventConversationUpdated))
}

func TestApplyTypingSkipsSelf(t *testing.T) {
	h := newHarness(t)
	h.engine.ApplyTyping(TypingEvent{ConversationID: "c1", AccountID: self, IsTyping: true})
	h.engine.ApplyTyping(TypingEvent{ConversationID: "c1", AccountID: "u2", IsTyping: true})
	require.Equal(t, 1, h.events.count(EventTyping))
	assert.Equal(t, "u2", h.events.payloads(EventTyping)[0].(TypingEvent).AccountID)
}

func TestApplyConversationRemoved(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	require.NoError(t, h.engine.Open(context.Background(), SurfaceFull, "c1"))

	h.engine.ApplyConversationRemoved(ConversationRemoved{ConversationID: "c1", Reason: "kicked"})

	assert.Equal(t, "", h.full().Active())
	assert.Equal(t, []any{"c1"}, h.events.payloads(EventConversationRemoved))
	_, leaves, _ := h.transport.snapshot()
	assert.Equal(t, []string{"c1"}, leaves)
}

func TestSeenMarksAreThrottled(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{Items: history("c1", 1, 3, from("u2"))}
	require.NoError(t, h.engine.Open(context.Background(), SurfaceFull, "c1"))

	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "m4", ConversationID: "c1", SenderID: "u2", Content: "a"})
	h.engine.ApplyIncomingMessage(IncomingMessage{ID: "m5", ConversationID: "c1", SenderID: "u2", Content: "b"})

	require.Eventually(t, func() bool {
		_, _, marks := h.transport.snapshot()
		return len(marks) > 1 && marks[len(marks)-1] == "c1/m5"
	}, time.Second, 5*time.Millisecond)
	_, _, marks := h.transport.snapshot()
	assert.Equal(t, "c1/m3", marks[0])
	assert.LessOrEqual(t, len(marks), 3)
}

func TestStructuralSystemMessageRefreshesPermissions(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{
		Items: history("c1", 1, 2, from("u2")),
		Meta:  &Conversation{ID: "c1", IsGroup: true, Owner: "u2"},
	}
	h.admin.info["c1"] = &Conversation{
		ID:      "c1",
		IsGroup: true,
		Owner:   "u2",
		Members: []Member{{AccountID: "u2", Role: RoleAdmin}, {AccountID: self, Role: RoleAdmin}},
	}
	require.NoError(t, h.engine.Open(context.Background(), SurfaceFull, "c1"))

	for _, id := range []string{"m3", "m4"} {
		h.engine.ApplyIncomingMessage(IncomingMessage{
			ID: id, ConversationID: "c1", SenderID: "u2",
			Content: "u2 made me an admin", System: true, Action: ActionAdminAssigned,
		})
	}
	// Cosmetic notices do not trigger a refresh.
	h.engine.ApplyIncomingMessage(IncomingMessage{
		ID: "m5", ConversationID: "c1", SenderID: "u2",
		Content: "u2 changed the theme", System: true, Action: ActionThemeChanged,
	})

	require.Eventually(t, func() bool {
		c, ok := h.engine.Store().Conversation("c1")
		return ok && c.CurrentUserRole == RoleAdmin
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, h.admin.count("info"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.engine.Metrics().PermissionRefresh.WithLabelValues("coalesced")))
}

func TestPreviewLifecycle(t *testing.T) {
	h := newHarness(t)

	h.engine.RegisterPreview("blob:cancelled")
	assert.True(t, h.engine.DiscardPreview("blob:cancelled"))
	assert.Equal(t, 1, h.released.count("blob:cancelled"))

	h.engine.RegisterPreview("blob:kept")
	h.engine.AttachDraft("c1", "blob:kept")
	assert.False(t, h.engine.DiscardPreview("blob:kept"), "still shown in the composer")
	assert.Zero(t, h.released.count("blob:kept"))

	h.engine.DetachDraft("c1", "blob:kept")
	assert.Equal(t, 1, h.released.count("blob:kept"))
	assert.False(t, h.engine.DiscardPreview("blob:kept"))
}

func TestPendingSendsTracksFailedMessages(t *testing.T) {
	h := newHarness(t)
	h.fetcher.latest["c1"] = &Page{}
	ctx := context.Background()
	require.NoError(t, h.engine.Open(ctx, SurfaceFull, "c1"))

	h.sender.fn = func(ctx context.Context, id string, req SendRequest) (*SendResult, error) {
		return nil, errors.New("offline")
	}
	m, err := h.engine.Send(ctx, SurfaceFull, "c1", Draft{Content: "hi"})
	require.Error(t, err)

	ops := h.engine.PendingSends("c1")
	require.Len(t, ops, 1)
	assert.Equal(t, m.TempID, ops[0].TempID)
	assert.Equal(t, StatusFailed, ops[0].Status)
	assert.Equal(t, "offline", ops[0].Error)
	assert.Zero(t, h.engine.Outstanding())

	h.sender.fn = nil
	_, err = h.engine.Retry(ctx, m.TempID)
	require.NoError(t, err)
	assert.Empty(t, h.engine.PendingSends("c1"))
}
