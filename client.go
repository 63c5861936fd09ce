package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "https://chat.luminpulse.ai"
	DefaultTimeout = 30 * time.Second
)

// Client is the REST collaborator. It implements PageFetcher, SendClient
// and GroupAdminClient.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Messages *MessagesClient
	Groups   *GroupsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Messages = &MessagesClient{c: c}
	c.Groups = &GroupsClient{c: c}
	return c
}

// SetToken replaces the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.doRaw(ctx, method, path, bodyReader, contentType, query)
}

func (c *Client) doRaw(ctx context.Context, method, path string, body io.Reader, contentType string, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// result turns a response into the envelope, mapping failures to *APIError
// carrying the HTTP status.
func result(status int, data []byte) (*IMResult, error) {
	res, err := decodeJSON[IMResult](data)
	if err != nil {
		if status >= 400 {
			return nil, &APIError{Status: status, Code: "HTTP_" + strconv.Itoa(status), Message: http.StatusText(status)}
		}
		return nil, err
	}
	if status >= 400 || !res.OK {
		apiErr := &APIError{Status: status, Code: "REQUEST_FAILED", Message: "request failed"}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			apiErr.Message = res.Error.Message
		}
		return nil, apiErr
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*IMResult, error) {
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return result(status, data)
}

func pageQuery(cursor, direction string, pageSize int) map[string]string {
	q := map[string]string{}
	if pageSize > 0 {
		q["limit"] = strconv.Itoa(pageSize)
	}
	if cursor != "" {
		q[direction] = cursor
	}
	return q
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient handles history and sending.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) History(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	res, err := m.c.do(ctx, "GET", "/api/im/conversations/"+url.PathEscape(conversationID)+"/messages", nil, pageQuery(cursor, "before", pageSize))
	if err != nil {
		return nil, err
	}
	return DecodePage(res.Data)
}

func (m *MessagesClient) Newer(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	res, err := m.c.do(ctx, "GET", "/api/im/conversations/"+url.PathEscape(conversationID)+"/messages", nil, pageQuery(cursor, "after", pageSize))
	if err != nil {
		return nil, err
	}
	return DecodePage(res.Data)
}

func (m *MessagesClient) Context(ctx context.Context, conversationID, messageID string) (*Page, error) {
	path := "/api/im/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/context"
	res, err := m.c.do(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodePage(res.Data)
}

// Send posts a message. A placeholder conversation id is sent to the direct
// endpoint of its target account, which creates the conversation.
func (m *MessagesClient) Send(ctx context.Context, conversationID string, req SendRequest) (*SendResult, error) {
	path := "/api/im/conversations/" + url.PathEscape(conversationID) + "/messages"
	if IsPlaceholderID(conversationID) {
		path = "/api/im/direct/" + url.PathEscape(PlaceholderTarget(conversationID)) + "/messages"
	}

	var (
		status int
		data   []byte
		err    error
	)
	if len(req.Files) == 0 {
		status, data, err = m.c.doRequest(ctx, "POST", path, req, nil)
	} else {
		body, contentType, berr := multipartSend(req)
		if berr != nil {
			return nil, berr
		}
		status, data, err = m.c.doRaw(ctx, "POST", path, body, contentType, nil)
	}
	if err != nil {
		return nil, err
	}
	res, err := result(status, data)
	if err != nil {
		return nil, err
	}
	return DecodeSendResult(res.Data)
}

func multipartSend(req SendRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("content", req.Content)
	_ = w.WriteField("tempId", req.TempID)
	if req.ReplyToMessageID != "" {
		_ = w.WriteField("replyToMessageId", req.ReplyToMessageID)
	}
	for _, f := range req.Files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient handles group administration.
type GroupsClient struct{ c *Client }

func (g *GroupsClient) admin(ctx context.Context, method, path string, body interface{}) (*AdminResult, error) {
	res, err := g.c.do(ctx, method, path, body, nil)
	if err != nil {
		return nil, err
	}
	out := &AdminResult{OK: res.OK}
	if len(res.Data) > 0 && !bytes.Equal(res.Data, []byte("null")) {
		if meta, err := DecodeConversation(res.Data); err == nil && (meta.ID != "" || meta.Members != nil) {
			out.Meta = meta
		}
	}
	return out, nil
}

func groupPath(conversationID string) string {
	return "/api/im/groups/" + url.PathEscape(conversationID)
}

func (g *GroupsClient) Info(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := g.c.do(ctx, "GET", groupPath(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	meta, err := DecodeConversation(res.Data)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID = conversationID
	}
	return meta, nil
}

func (g *GroupsClient) AssignAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return g.admin(ctx, "POST", groupPath(conversationID)+"/admins", map[string]string{"accountId": accountID})
}

func (g *GroupsClient) RevokeAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return g.admin(ctx, "DELETE", groupPath(conversationID)+"/admins/"+url.PathEscape(accountID), nil)
}

func (g *GroupsClient) TransferOwnership(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return g.admin(ctx, "POST", groupPath(conversationID)+"/owner", map[string]string{"accountId": accountID})
}

func (g *GroupsClient) Kick(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return g.admin(ctx, "DELETE", groupPath(conversationID)+"/members/"+url.PathEscape(accountID), nil)
}

// ============================================================================
// Collaborator contracts
// ============================================================================

func (c *Client) FetchMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	return c.Messages.History(ctx, conversationID, cursor, pageSize)
}

func (c *Client) FetchNewerMessages(ctx context.Context, conversationID, cursor string, pageSize int) (*Page, error) {
	return c.Messages.Newer(ctx, conversationID, cursor, pageSize)
}

func (c *Client) FetchMessageContext(ctx context.Context, conversationID, messageID string) (*Page, error) {
	return c.Messages.Context(ctx, conversationID, messageID)
}

func (c *Client) Send(ctx context.Context, conversationID string, req SendRequest) (*SendResult, error) {
	return c.Messages.Send(ctx, conversationID, req)
}

func (c *Client) AssignAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return c.Groups.AssignAdmin(ctx, conversationID, accountID)
}

func (c *Client) RevokeAdmin(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return c.Groups.RevokeAdmin(ctx, conversationID, accountID)
}

func (c *Client) TransferOwnership(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return c.Groups.TransferOwnership(ctx, conversationID, accountID)
}

func (c *Client) Kick(ctx context.Context, conversationID, accountID string) (*AdminResult, error) {
	return c.Groups.Kick(ctx, conversationID, accountID)
}

func (c *Client) GroupInfo(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.Groups.Info(ctx, conversationID)
}

var (
	_ PageFetcher      = (*Client)(nil)
	_ SendClient       = (*Client)(nil)
	_ GroupAdminClient = (*Client)(nil)
	_ MessageTransport = (*RealtimeWSClient)(nil)
)
