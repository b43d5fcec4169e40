// Package zele keeps a chat client's conversation, message and group state
// consistent as events arrive from REST fetches, realtime pushes and
// optimistic local mutations.
//
// Example:
//
//	client := zele.NewClient(token, zele.WithBaseURL("https://chat.example.com"))
//	s := zele.NewSynchronizer(client, &zele.SyncConfig{UserID: "u1"})
//	if err := s.Start(ctx); err != nil { ... }
//	s.OpenConversation(ctx, "c1")
//	s.SendMessage(ctx, "c1", "hello")
package zele

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/TrunderHunter/fe-appchat-zele-sub000/internal/metrics"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	maxFileSize = 50 * 1024 * 1024
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client of the chat backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Groups        *GroupsClient
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

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a REST client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	c.Groups = &GroupsClient{client: c}
	return c
}

// SetToken updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the bearer token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRequest(req.Method, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordRequest(req.Method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if res, err := decodeJSON[Result](data); err == nil && res.Message != "" {
			apiErr.Message = res.Message
			apiErr.Code = res.Code
		}
		c.log.Debug("api error", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(apiErr))
		return nil, apiErr
	}
	return data, nil
}

// do performs a request and returns the data field of the response envelope.
// Bodies without an envelope are returned whole.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query url.Values) (gjson.Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return gjson.Result{}, err
	}
	return envelopeData(data)
}

func envelopeData(data []byte) (gjson.Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("failed to unmarshal response: invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.Get("success").Exists() {
		return root, nil
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return gjson.Result{}, err
	}
	if !res.Success {
		return gjson.Result{}, &APIError{Status: http.StatusOK, Code: res.Code, Message: res.Message}
	}
	return gjson.ParseBytes(res.Data), nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// listOf returns data itself when it is an array, else data.key.
func listOf(data gjson.Result, key string) []gjson.Result {
	if data.IsArray() {
		return data.Array()
	}
	return data.Get(key).Array()
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the conversation endpoints.
type ConversationsClient struct{ client *Client }

// List returns the session user's conversations.
func (cv *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	data, err := cv.client.do(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var out []*Conversation
	for _, r := range listOf(data, "conversations") {
		if c, ok := ParseConversation(r); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get returns one conversation.
func (cv *ConversationsClient) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := cv.client.do(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	c, ok := ParseConversation(unwrap(data, "conversation"))
	if !ok {
		return nil, fmt.Errorf("get conversation %s: malformed response", conversationID)
	}
	return c, nil
}

// FindPersonal returns the personal conversation with userID. A missing
// conversation yields an error matching ErrNotFound.
func (cv *ConversationsClient) FindPersonal(ctx context.Context, userID string) (*Conversation, error) {
	data, err := cv.client.do(ctx, "GET", "/api/conversations/personal/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("find personal conversation: %w", err)
	}
	c, ok := ParseConversation(unwrap(data, "conversation"))
	if !ok {
		return nil, fmt.Errorf("find personal conversation: %w", ErrNotFound)
	}
	return c, nil
}

// CreatePersonal creates the personal conversation with userID.
func (cv *ConversationsClient) CreatePersonal(ctx context.Context, userID string) (*Conversation, error) {
	data, err := cv.client.do(ctx, "POST", "/api/conversations/personal", map[string]string{"receiverId": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("create personal conversation: %w", err)
	}
	c, ok := ParseConversation(unwrap(data, "conversation"))
	if !ok {
		return nil, fmt.Errorf("create personal conversation: malformed response")
	}
	return c, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient covers the message endpoints.
type MessagesClient struct{ client *Client }

// List returns up to limit messages of a conversation preceding the message
// id before (the latest page when before is empty), oldest first.
func (m *MessagesClient) List(ctx context.Context, conversationID, before string, limit int) ([]*Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := m.client.do(ctx, "GET", "/api/messages/"+url.PathEscape(conversationID), nil, q)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var out []*Message
	for _, r := range listOf(data, "messages") {
		if msg, ok := ParseMessage(r); ok {
			if msg.ConversationID == "" {
				msg.ConversationID = conversationID
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// FetchMessages implements MessageFetcher.
func (m *MessagesClient) FetchMessages(ctx context.Context, conversationID, before string, limit int) ([]*Message, error) {
	return m.List(ctx, conversationID, before, limit)
}

// Send posts a text message.
func (m *MessagesClient) Send(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	data, err := m.client.do(ctx, "POST", "/api/messages", req, nil)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	msg, ok := ParseMessage(unwrap(data, "message"))
	if !ok {
		return nil, fmt.Errorf("send message: malformed response")
	}
	return msg, nil
}

// SendFileRequest is a file attachment send.
type SendFileRequest struct {
	ConversationID string
	ReceiverID     string
	GroupID        string
	ClientID       string
	FileName       string
	MimeType       string
	Content        string
	Data           []byte
}

// SendFile uploads a file as a multipart form and returns the created message.
// The message type is derived from the MIME type.
func (m *MessagesClient) SendFile(ctx context.Context, req *SendFileRequest) (*Message, error) {
	if req == nil || req.FileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	if len(req.Data) > maxFileSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(req.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"conversationId": req.ConversationID,
		"receiverId":     req.ReceiverID,
		"groupId":        req.GroupID,
		"clientId":       req.ClientID,
		"content":        req.Content,
		"type":           string(messageTypeFor(mimeType)),
	}
	for k, v := range fields {
		if v != "" {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", m.client.baseURL+"/api/messages/file", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	body, err := m.client.send(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	data, err := envelopeData(body)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	msg, ok := ParseMessage(unwrap(data, "message"))
	if !ok {
		return nil, fmt.Errorf("send file: malformed response")
	}
	if msg.FileName == "" {
		msg.FileName = req.FileName
	}
	return msg, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm", ".m4a": "audio/mp4",
		".ogg": "audio/ogg", ".mp3": "audio/mpeg",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

func messageTypeFor(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageVoice
	}
	return MessageFile
}

// ============================================================================
// Groups
// ============================================================================

// GroupsClient covers the group endpoints.
type GroupsClient struct{ client *Client }

// List returns the groups the session user belongs to.
func (g *GroupsClient) List(ctx context.Context) ([]*Group, error) {
	data, err := g.client.do(ctx, "GET", "/api/groups", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var out []*Group
	for _, r := range listOf(data, "groups") {
		if grp, ok := ParseGroup(r); ok {
			out = append(out, grp)
		}
	}
	return out, nil
}

// Get returns one group.
func (g *GroupsClient) Get(ctx context.Context, groupID string) (*Group, error) {
	data, err := g.client.do(ctx, "GET", "/api/groups/"+url.PathEscape(groupID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", groupID, err)
	}
	grp, ok := ParseGroup(unwrap(data, "group"))
	if !ok {
		return nil, fmt.Errorf("get group %s: malformed response", groupID)
	}
	return grp, nil
}

// Create creates a group; the response may carry the group's conversation.
func (g *GroupsClient) Create(ctx context.Context, req *CreateGroupRequest) (*Group, *Conversation, error) {
	data, err := g.client.do(ctx, "POST", "/api/groups", req, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create group: %w", err)
	}
	grp, ok := ParseGroup(unwrap(data, "group"))
	if !ok {
		return nil, nil, fmt.Errorf("create group: malformed response")
	}
	var conv *Conversation
	if c, ok := ParseConversation(data.Get("conversation")); ok {
		c.Kind = KindGroup
		c.GroupID = grp.ID
		grp.ConversationID = c.ID
		conv = c
	} else if grp.ConversationID != "" {
		conv = conversationForGroup(grp)
	}
	return grp, conv, nil
}

// Update edits a group's name or avatar.
func (g *GroupsClient) Update(ctx context.Context, groupID string, req *UpdateGroupRequest) (*Group, error) {
	data, err := g.client.do(ctx, "PUT", "/api/groups/"+url.PathEscape(groupID), req, nil)
	if err != nil {
		return nil, fmt.Errorf("update group %s: %w", groupID, err)
	}
	grp, ok := ParseGroup(unwrap(data, "group"))
	if !ok {
		return nil, fmt.Errorf("update group %s: malformed response", groupID)
	}
	return grp, nil
}

// Delete deletes a group.
func (g *GroupsClient) Delete(ctx context.Context, groupID string) error {
	if _, err := g.client.do(ctx, "DELETE", "/api/groups/"+url.PathEscape(groupID), nil, nil); err != nil {
		return fmt.Errorf("delete group %s: %w", groupID, err)
	}
	return nil
}
