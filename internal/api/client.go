package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client talks to a daemon's API over its unix-domain socket.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Health checks that the daemon is responding.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// Network returns the daemon's current connectivity state.
func (c *Client) Network(ctx context.Context) (bool, error) {
	var resp struct {
		Online bool `json:"online"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/network", nil, &resp)
	return resp.Online, err
}

// Conversations lists conversations, newest activity first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	err := c.call(ctx, http.MethodGet, "/v1/conversations", nil, &resp)
	return resp.Conversations, err
}

// StartConversation idempotently creates a conversation with peer.
func (c *Client) StartConversation(ctx context.Context, peer string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/conversations", map[string]string{"peer": peer}, &resp)
	return resp.ConversationID, err
}

// Open activates a conversation view on the daemon.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	return c.call(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/open", nil, nil)
}

// Send queues a message. The returned message carries its current status;
// "failed" with a nil error means it sits in the outbound queue.
func (c *Client) Send(ctx context.Context, conversationID, body string) (*Message, error) {
	var resp struct {
		Message Message `json:"message"`
		Error   string  `json:"error"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages",
		map[string]string{"body": body}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return &resp.Message, fmt.Errorf("%s", resp.Error)
	}
	return &resp.Message, nil
}

// Messages returns the current message page for a conversation. beforeID
// is the msg_id tiebreak paired with before; both empty-ish values mean
// "from the top".
func (c *Client) Messages(ctx context.Context, conversationID string, limit int, before int64, beforeID string) ([]Message, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages?limit=%d&before=%d", conversationID, limit, before)
	if beforeID != "" {
		path += "&before_id=" + beforeID
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	err := c.call(ctx, http.MethodGet, path, nil, &resp)
	return resp.Messages, err
}

// MarkRead acknowledges every unread inbound message in the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.call(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/read", nil, nil)
}

// Retry re-attempts one failed message.
func (c *Client) Retry(ctx context.Context, msgID string) error {
	return c.call(ctx, http.MethodPost, "/v1/messages/"+msgID+"/retry", nil, nil)
}

// Watch streams event envelopes until ctx is done. Each envelope is passed
// to fn; a non-nil return stops the stream.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(EventEnvelope) error) error {
	// The dialer rejects a client with a Timeout set; cancellation comes
	// from ctx on a stream anyway.
	dialClient := &http.Client{Transport: c.http.Transport}
	conn, _, err := websocket.Dial(ctx, "http://unix/v1/events?prefix="+prefix, &websocket.DialOptions{
		HTTPClient: dialClient,
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		var env EventEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	// The host is ignored; the transport always dials the unix socket.
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&apiErr); decErr == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: http %d", resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
