// Package nexa provides the Go SDK for the Nexa chat service.
//
// The package centers on the real-time synchronization engine: a long-lived
// push channel with health monitoring and reconnection (RealtimeClient), a
// paginated local message cache (Cache), and a SyncManager that applies
// optimistic mutations and reconciles them against server responses and
// push-delivered events.
//
// Example:
//
//	client := nexa.NewClient("nx-token-...")
//	rt := nexa.NewRealtimeClient(client, nil)
//	sync := nexa.NewSyncManager(client, rt, &nexa.SyncConfig{UserID: "user-1"})
//	sync.Bind()
//
//	_ = rt.Initialize(ctx, "nx-token-...")
//	msg, _ := sync.SendMessage(ctx, "chat-1", "hello", nil)
package nexa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.nexa.chat"
	// DefaultTimeout bounds every authoritative request/response call.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the authoritative request/response client. It is consumed by the
// synchronization engine but can also be used directly.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Messages *MessagesAPI
	Chats    *ChatsAPI
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Nexa client authenticated by the given bearer
// token. Token issuance and refresh are the auth collaborator's concern.
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
	c.Messages = &MessagesAPI{client: c}
	c.Chats = &ChatsAPI{client: c}
	return c
}

// SetToken replaces the bearer token, e.g. after the auth collaborator
// rotates it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.StatusCode == 0 {
		env.StatusCode = resp.StatusCode
	}
	return &env, nil
}

// do performs a request and converts non-success envelopes into errors.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Envelope, error) {
	env, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return env, nil
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesAPI covers the authoritative message operations.
type MessagesAPI struct{ client *Client }

// Create sends a new message to a chat and returns the authoritative entity.
func (m *MessagesAPI) Create(ctx context.Context, chatID string, req *SendMessageRequest) (*Message, error) {
	env, err := m.client.do(ctx, "POST", "/api/chats/"+chatID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := env.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Edit replaces a message's content and returns the authoritative entity
// including the server-computed edit history.
func (m *MessagesAPI) Edit(ctx context.Context, chatID, messageID, content string) (*Message, error) {
	env, err := m.client.do(ctx, "PATCH", "/api/chats/"+chatID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := env.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// Delete removes a message. With forEveryone the message is removed globally
// for all participants; otherwise only from the caller's own view.
func (m *MessagesAPI) Delete(ctx context.Context, chatID, messageID string, forEveryone bool) error {
	var query map[string]string
	if forEveryone {
		query = map[string]string{"forEveryone": "true"}
	}
	_, err := m.client.do(ctx, "DELETE", "/api/chats/"+chatID+"/messages/"+messageID, nil, query)
	return err
}

// React toggles a reaction on a message and returns the authoritative entity
// with the server's reaction set.
func (m *MessagesAPI) React(ctx context.Context, chatID, messageID, emoji string) (*Message, error) {
	env, err := m.client.do(ctx, "POST", "/api/chats/"+chatID+"/messages/"+messageID+"/reactions",
		map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := env.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// MarkRead acknowledges a batch of messages as read by the caller.
func (m *MessagesAPI) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	_, err := m.client.do(ctx, "POST", "/api/chats/"+chatID+"/read",
		map[string][]string{"messageIds": messageIDs}, nil)
	return err
}

// History fetches a page of messages, newest first. Use opts.Before to page
// backwards into older history.
func (m *MessagesAPI) History(ctx context.Context, chatID string, opts *PageOptions) ([]*Message, error) {
	var query map[string]string
	if opts != nil {
		query = map[string]string{}
		if opts.Limit > 0 {
			query["limit"] = fmt.Sprintf("%d", opts.Limit)
		}
		if opts.Before != "" {
			query["before"] = opts.Before
		}
		if len(query) == 0 {
			query = nil
		}
	}
	env, err := m.client.do(ctx, "GET", "/api/chats/"+chatID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err := env.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// ============================================================================
// Chats API
// ============================================================================

// ChatsAPI covers the authoritative chat operations.
type ChatsAPI struct{ client *Client }

// Create creates a chat.
func (c *ChatsAPI) Create(ctx context.Context, req *CreateChatRequest) (*Chat, error) {
	env, err := c.client.do(ctx, "POST", "/api/chats", req, nil)
	if err != nil {
		return nil, err
	}
	var chat Chat
	if err := env.Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat: %w", err)
	}
	return &chat, nil
}

// Get fetches a single chat.
func (c *ChatsAPI) Get(ctx context.Context, chatID string) (*Chat, error) {
	env, err := c.client.do(ctx, "GET", "/api/chats/"+chatID, nil, nil)
	if err != nil {
		return nil, err
	}
	var chat Chat
	if err := env.Decode(&chat); err != nil {
		return nil, fmt.Errorf("failed to decode chat: %w", err)
	}
	return &chat, nil
}

// List fetches the caller's chats.
func (c *ChatsAPI) List(ctx context.Context) ([]*Chat, error) {
	env, err := c.client.do(ctx, "GET", "/api/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	var chats []*Chat
	if err := env.Decode(&chats); err != nil {
		return nil, fmt.Errorf("failed to decode chats: %w", err)
	}
	return chats, nil
}

// Delete deletes a chat.
func (c *ChatsAPI) Delete(ctx context.Context, chatID string) error {
	_, err := c.client.do(ctx, "DELETE", "/api/chats/"+chatID, nil, nil)
	return err
}
