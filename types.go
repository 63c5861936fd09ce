package chatsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error. Status carries the HTTP status code when
// the error came from the REST collaborator.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
	ErrUnknownMessage      = errors.New("chatsync: unknown message")
	ErrPromoted            = errors.New("chatsync: conversation id was promoted")
	ErrNotOpen             = errors.New("chatsync: conversation is not open on this surface")
)

// IsUnavailable reports whether err means the conversation can no longer be
// shown to this account (400/403/404 class).
func IsUnavailable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// ============================================================================
// Conversation
// ============================================================================

// PlaceholderPrefix marks a client-only conversation id used before the
// first message of a brand-new private conversation has been sent.
const PlaceholderPrefix = "new-"

// PlaceholderID returns the placeholder id for a private conversation with
// the given account.
func PlaceholderID(accountID string) string {
	return PlaceholderPrefix + accountID
}

// IsPlaceholderID reports whether id is a placeholder conversation id.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix) && len(id) > len(PlaceholderPrefix)
}

// PlaceholderTarget returns the target account id of a placeholder id.
func PlaceholderTarget(id string) string {
	if !IsPlaceholderID(id) {
		return ""
	}
	return strings.TrimPrefix(id, PlaceholderPrefix)
}

// Role is the current account's role in a group.
type Role int

const (
	RoleMember Role = 0
	RoleAdmin  Role = 1
)

type Member struct {
	AccountID string `json:"accountId"`
	Nickname  string `json:"nickname,omitempty"`
	Role      Role   `json:"role"`
}

type SeenStatus struct {
	AccountID         string `json:"accountId"`
	LastSeenMessageID string `json:"lastSeenMessageId"`
}

type Conversation struct {
	ID              string       `json:"id"`
	IsGroup         bool         `json:"isGroup"`
	Theme           *string      `json:"theme,omitempty"`
	Owner           string       `json:"owner,omitempty"`
	CurrentUserRole Role         `json:"currentUserRole"`
	ExplicitRole    *Role        `json:"role,omitempty"`
	Members         []Member     `json:"members,omitempty"`
	MemberSeen      []SeenStatus `json:"memberSeenStatuses,omitempty"`
}

// Member returns the member entry for accountID.
func (c *Conversation) Member(accountID string) (*Member, bool) {
	for i := range c.Members {
		if c.Members[i].AccountID == accountID {
			return &c.Members[i], true
		}
	}
	return nil, false
}

// UpsertMember inserts m or replaces the entry with the same account id,
// keeping member order.
func (c *Conversation) UpsertMember(m Member) {
	if existing, ok := c.Member(m.AccountID); ok {
		*existing = m
		return
	}
	c.Members = append(c.Members, m)
}

// RemoveMember drops the member and its seen status.
func (c *Conversation) RemoveMember(accountID string) {
	members := c.Members[:0]
	for _, m := range c.Members {
		if m.AccountID != accountID {
			members = append(members, m)
		}
	}
	c.Members = members

	seen := c.MemberSeen[:0]
	for _, s := range c.MemberSeen {
		if s.AccountID != accountID {
			seen = append(seen, s)
		}
	}
	c.MemberSeen = seen
}

// SetSeen records accountID's last seen message, one entry per member.
func (c *Conversation) SetSeen(accountID, messageID string) {
	for i := range c.MemberSeen {
		if c.MemberSeen[i].AccountID == accountID {
			c.MemberSeen[i].LastSeenMessageID = messageID
			return
		}
	}
	c.MemberSeen = append(c.MemberSeen, SeenStatus{AccountID: accountID, LastSeenMessageID: messageID})
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	cp.MemberSeen = append([]SeenStatus(nil), c.MemberSeen...)
	if c.Theme != nil {
		t := *c.Theme
		cp.Theme = &t
	}
	if c.ExplicitRole != nil {
		r := *c.ExplicitRole
		cp.ExplicitRole = &r
	}
	return &cp
}

// ============================================================================
// Messages
// ============================================================================

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

type Media struct {
	PreviewURL string    `json:"url"`
	Type       MediaType `json:"mediaType"`
	FileName   string    `json:"fileName,omitempty"`
	FileSize   int64     `json:"fileSize,omitempty"`
}

// ReplyRef is a snapshot of the message being replied to.
type ReplyRef struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// SystemAction is the action code carried by structural/system messages.
type SystemAction int

const (
	ActionNone SystemAction = iota
	ActionMemberAdded
	ActionMemberRemoved
	ActionMemberLeft
	ActionAdminAssigned
	ActionAdminRevoked
	ActionOwnershipTransferred
	ActionNicknameChanged
	ActionThemeChanged
	ActionMessagePinned
	ActionGroupRenamed
	ActionUnknown SystemAction = -1
)

type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content,omitempty"`
	Medias         []Media       `json:"medias,omitempty"`
	Status         MessageStatus `json:"status"`
	ReplyTo        *ReplyRef     `json:"replyTo,omitempty"`
	SentAt         time.Time     `json:"sentAt"`
	System         bool          `json:"system,omitempty"`
	Action         SystemAction  `json:"action,omitempty"`

	// provisional is set while the server id comes from a content match
	// that the send response has not settled yet. local keeps the
	// optimistic media for reverting such a match.
	provisional bool
	local       []Media
}

// Key is the render correlation key. The temp id stays the key after
// confirmation so a rendered bubble never changes identity.
func (m *Message) Key() string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// Confirmed reports whether a server id is attached.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// IncomingMessage is a confirmed-message event after transport normalization.
type IncomingMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	TempID         string       `json:"tempId,omitempty"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	Medias         []Media      `json:"medias,omitempty"`
	SentAt         time.Time    `json:"sentAt"`
	System         bool         `json:"system,omitempty"`
	Action         SystemAction `json:"action,omitempty"`
	ReplyTo        *ReplyRef    `json:"replyTo,omitempty"`
}

func (e IncomingMessage) toMessage() *Message {
	sentAt := e.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return &Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		Medias:         append([]Media(nil), e.Medias...),
		Status:         StatusSent,
		ReplyTo:        e.ReplyTo,
		SentAt:         sentAt,
		System:         e.System,
		Action:         e.Action,
	}
}

type SeenReceipt struct {
	ConversationID    string `json:"conversationId"`
	AccountID         string `json:"accountId"`
	LastSeenMessageID string `json:"lastSeenMessageId"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	AccountID      string `json:"accountId"`
	IsTyping       bool   `json:"isTyping"`
}

type ThemeChange struct {
	ConversationID string  `json:"conversationId"`
	Theme          *string `json:"theme"`
}

// GroupInfoChange carries a metadata snapshot pushed by the server.
type GroupInfoChange struct {
	ConversationID string        `json:"conversationId"`
	Meta           *Conversation `json:"meta"`
}

type ConversationRemoved struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason,omitempty"`
}

// ============================================================================
// Collaborator payloads
// ============================================================================

// Page is one page returned by the PageFetcher. Cursors are opaque.
type Page struct {
	Items        []IncomingMessage `json:"items"`
	OlderCursor  string            `json:"olderCursor,omitempty"`
	HasMoreOlder bool              `json:"hasMoreOlder"`
	NewerCursor  string            `json:"newerCursor,omitempty"`
	HasMoreNewer bool              `json:"hasMoreNewer"`
	Meta         *Conversation     `json:"metaData,omitempty"`
}

// OutgoingFile is an attachment of a send request. Handle is the local
// preview resource shown while the message is pending.
type OutgoingFile struct {
	Name   string     `json:"name"`
	Type   MediaType  `json:"type"`
	Size   int64      `json:"size"`
	Data   []byte     `json:"-"`
	Handle BlobHandle `json:"-"`
}

type SendRequest struct {
	Content          string         `json:"content"`
	TempID           string         `json:"tempId"`
	Files            []OutgoingFile `json:"-"`
	ReplyToMessageID string         `json:"replyToMessageId,omitempty"`
}

type SendResult struct {
	ServerMessageID string   `json:"serverMessageId"`
	ConversationID  string   `json:"conversationId,omitempty"`
	MediaURLs       []string `json:"mediaUrls,omitempty"`
}

type AdminResult struct {
	OK   bool          `json:"ok"`
	Meta *Conversation `json:"meta,omitempty"`
}

// IMResult is the generic REST response envelope.
type IMResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *IMResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
