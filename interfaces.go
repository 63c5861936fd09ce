package chatsync

import "context"

// MessageTransport is the realtime channel. Handlers are invoked in delivery
// order; the engine serializes them onto its own event loop.
type MessageTransport interface {
	OnMessage(func(IncomingMessage))
	OnSeen(func(SeenReceipt))
	OnTyping(func(TypingEvent))
	OnThemeChange(func(ThemeChange))
	OnGroupInfoChange(func(GroupInfoChange))
	OnConversationRemoved(func(ConversationRemoved))

	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	MarkSeen(ctx context.Context, conversationID, messageID string) error
}

// PageFetcher loads message history.
type PageFetcher interface {
	FetchMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error)
	FetchMessageContext(ctx context.Context, conversationID, messageID string) (*Page, error)
	FetchNewerMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error)
}

// SendClient delivers a message. A placeholder conversation id is accepted;
// the result then carries the server-issued conversation id.
type SendClient interface {
	Send(ctx context.Context, conversationID string, req SendRequest) (*SendResult, error)
}

// GroupAdminClient performs group administration.
type GroupAdminClient interface {
	AssignAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error)
	RevokeAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error)
	TransferOwnership(ctx context.Context, conversationID, accountID string) (*AdminResult, error)
	Kick(ctx context.Context, conversationID, accountID string) (*AdminResult, error)
	GroupInfo(ctx context.Context, conversationID string) (*Conversation, error)
}

// Viewport is the scroll port of a rendered surface. Layout is called with
// the rendered window after every insertion, before ContentHeight is read.
type Viewport interface {
	Layout(messages []Message)
	ContentHeight() float64
	ScrollOffset() float64
	SetScrollOffset(offset float64)
}

type nopViewport struct{}

func (nopViewport) Layout([]Message)        {}
func (nopViewport) ContentHeight() float64  { return 0 }
func (nopViewport) ScrollOffset() float64   { return 0 }
func (nopViewport) SetScrollOffset(float64) {}
