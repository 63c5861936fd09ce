package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Payload normalization
// ============================================================================

// The server emits the same fields as camelCase, PascalCase or snake_case
// depending on the endpoint. Payloads are folded into one shape here so the
// rest of the package never looks at field casing.

type payload map[string]any

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func fold(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(payload, len(t))
		for k, val := range t {
			out[foldKey(k)] = fold(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = fold(t[i])
		}
		return t
	}
	return v
}

func parsePayload(data []byte) (payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return fold(raw).(payload), nil
}

func (p payload) str(keys ...string) string {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func (p payload) num(fallback int, keys ...string) int {
	for _, k := range keys {
		switch v := p[k].(type) {
		case float64:
			return int(v)
		case string:
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				return n
			}
		}
	}
	return fallback
}

func (p payload) boolean(keys ...string) bool {
	for _, k := range keys {
		if v, ok := p[k].(bool); ok {
			return v
		}
	}
	return false
}

func (p payload) has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p payload) obj(keys ...string) payload {
	for _, k := range keys {
		if v, ok := p[k].(payload); ok {
			return v
		}
	}
	return nil
}

func (p payload) list(keys ...string) []payload {
	for _, k := range keys {
		items, ok := p[k].([]any)
		if !ok {
			continue
		}
		out := make([]payload, 0, len(items))
		for _, it := range items {
			if m, ok := it.(payload); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func (p payload) time(keys ...string) time.Time {
	for _, k := range keys {
		switch v := p[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
		case float64:
			return time.UnixMilli(int64(v))
		}
	}
	return time.Time{}
}

// ============================================================================
// Canonical decoders
// ============================================================================

// DecodeIncomingMessage normalizes a confirmed-message payload.
func DecodeIncomingMessage(data []byte) (IncomingMessage, error) {
	p, err := parsePayload(data)
	if err != nil {
		return IncomingMessage{}, err
	}
	if inner := p.obj("message"); inner != nil && !p.has("content") {
		if !inner.has("conversationid") {
			inner["conversationid"] = p.str("conversationid")
		}
		p = inner
	}
	return messageFrom(p), nil
}

func messageFrom(p payload) IncomingMessage {
	senderID := p.str("senderid", "userid", "fromid")
	if senderID == "" {
		if s := p.obj("sender"); s != nil {
			senderID = s.str("id", "accountid", "userid")
		}
	}
	m := IncomingMessage{
		ID:             p.str("id", "messageid", "servermessageid"),
		ConversationID: p.str("conversationid", "chatid"),
		TempID:         p.str("tempid", "clienttempid", "clientid"),
		SenderID:       senderID,
		Content:        p.str("content", "text"),
		SentAt:         p.time("sentat", "createdat", "timestamp"),
		System:         p.boolean("issystem", "system") || p.str("type") == "system",
		Action:         SystemAction(p.num(int(ActionNone), "action", "actioncode")),
	}
	if m.System && !p.has("action") && !p.has("actioncode") {
		m.Action = ActionUnknown
	}
	for _, md := range p.list("medias", "media", "attachments") {
		m.Medias = append(m.Medias, Media{
			PreviewURL: md.str("previewurl", "url", "mediaurl"),
			Type:       MediaType(strings.ToLower(md.str("mediatype", "type"))),
			FileName:   md.str("filename", "name"),
			FileSize:   int64(md.num(0, "filesize", "size")),
		})
	}
	if r := p.obj("replyto", "reply"); r != nil {
		m.ReplyTo = &ReplyRef{
			MessageID: r.str("messageid", "id"),
			Content:   r.str("content"),
			SenderID:  r.str("senderid"),
		}
	}
	return m
}

// DecodeSeenReceipt normalizes a seen-receipt payload.
func DecodeSeenReceipt(data []byte) (SeenReceipt, error) {
	p, err := parsePayload(data)
	if err != nil {
		return SeenReceipt{}, err
	}
	return SeenReceipt{
		ConversationID:    p.str("conversationid"),
		AccountID:         p.str("accountid", "userid", "seenby"),
		LastSeenMessageID: p.str("lastseenmessageid", "messageid"),
	}, nil
}

func DecodeTyping(data []byte) (TypingEvent, error) {
	p, err := parsePayload(data)
	if err != nil {
		return TypingEvent{}, err
	}
	return TypingEvent{
		ConversationID: p.str("conversationid"),
		AccountID:      p.str("accountid", "userid"),
		IsTyping:       p.boolean("istyping", "typing"),
	}, nil
}

func DecodeThemeChange(data []byte) (ThemeChange, error) {
	p, err := parsePayload(data)
	if err != nil {
		return ThemeChange{}, err
	}
	evt := ThemeChange{ConversationID: p.str("conversationid")}
	if t := p.str("theme"); t != "" {
		evt.Theme = &t
	}
	return evt, nil
}

func DecodeGroupInfoChange(data []byte) (GroupInfoChange, error) {
	p, err := parsePayload(data)
	if err != nil {
		return GroupInfoChange{}, err
	}
	meta := p.obj("metadata", "meta", "group", "conversation")
	if meta == nil {
		meta = p
	}
	conv := conversationFrom(meta)
	id := p.str("conversationid")
	if id == "" {
		id = conv.ID
	}
	conv.ID = id
	return GroupInfoChange{ConversationID: id, Meta: conv}, nil
}

func DecodeConversationRemoved(data []byte) (ConversationRemoved, error) {
	p, err := parsePayload(data)
	if err != nil {
		return ConversationRemoved{}, err
	}
	return ConversationRemoved{
		ConversationID: p.str("conversationid", "id"),
		Reason:         p.str("reason"),
	}, nil
}

// DecodeConversation normalizes a conversation metadata payload.
func DecodeConversation(data []byte) (*Conversation, error) {
	p, err := parsePayload(data)
	if err != nil {
		return nil, err
	}
	return conversationFrom(p), nil
}

func conversationFrom(p payload) *Conversation {
	c := &Conversation{
		ID:      p.str("id", "conversationid"),
		IsGroup: p.boolean("isgroup", "group") || p.str("type") == "group",
		Owner:   p.str("owner", "ownerid"),
	}
	if t := p.str("theme"); t != "" {
		c.Theme = &t
	}
	if p.has("role") {
		role := parseRole(p["role"])
		c.ExplicitRole = &role
	}
	if members := p.list("members", "participants"); members != nil {
		c.Members = make([]Member, 0, len(members))
		for _, m := range members {
			c.UpsertMember(Member{
				AccountID: m.str("accountid", "userid", "id"),
				Nickname:  m.str("nickname", "displayname"),
				Role:      parseRole(m["role"]),
			})
		}
	}
	for _, st := range p.list("memberseenstatuses", "seenstatuses") {
		c.SetSeen(st.str("accountid", "userid"), st.str("lastseenmessageid", "messageid"))
	}
	return c
}

func parseRole(v any) Role {
	switch t := v.(type) {
	case float64:
		if int(t) == int(RoleAdmin) {
			return RoleAdmin
		}
	case string:
		switch strings.ToLower(t) {
		case "admin", "owner", "1":
			return RoleAdmin
		}
	}
	return RoleMember
}

// DecodePage normalizes a history page.
func DecodePage(data []byte) (*Page, error) {
	p, err := parsePayload(data)
	if err != nil {
		return nil, err
	}
	page := &Page{
		OlderCursor:  p.str("oldercursor", "cursor", "nextcursor"),
		HasMoreOlder: p.boolean("hasmoreolder", "hasmore"),
		NewerCursor:  p.str("newercursor"),
		HasMoreNewer: p.boolean("hasmorenewer"),
	}
	for _, it := range p.list("items", "messages") {
		page.Items = append(page.Items, messageFrom(it))
	}
	if meta := p.obj("metadata", "meta"); meta != nil {
		page.Meta = conversationFrom(meta)
	}
	return page, nil
}

// DecodeSendResult normalizes a send response.
func DecodeSendResult(data []byte) (*SendResult, error) {
	p, err := parsePayload(data)
	if err != nil {
		return nil, err
	}
	res := &SendResult{
		ServerMessageID: p.str("servermessageid", "messageid", "id"),
		ConversationID:  p.str("conversationid"),
	}
	if urls, ok := p["mediaurls"].([]any); ok {
		for _, u := range urls {
			s, _ := u.(string)
			res.MediaURLs = append(res.MediaURLs, s)
		}
	}
	return res, nil
}
