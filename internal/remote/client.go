package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/status"
	"github.com/courierhq/courier/internal/store"
)

// Client talks JSON over HTTP to the remote document store and consumes
// its websocket change feed. The store's own protocol stays behind this
// type; nothing else in the core issues network calls to it.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a store client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// wireMessage is the JSON document shape for a message.
type wireMessage struct {
	MsgID          string `json:"msg_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	DeliveredAt    int64  `json:"delivered_at,omitempty"`
	ReadAt         int64  `json:"read_at,omitempty"`
}

func toWire(m *store.Message) wireMessage {
	return wireMessage{
		MsgID:          m.MsgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}
}

func fromWire(w wireMessage) store.Message {
	return store.Message{
		MsgID:          w.MsgID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		Status:         status.Status(w.Status),
		CreatedAt:      w.CreatedAt,
		DeliveredAt:    w.DeliveredAt,
		ReadAt:         w.ReadAt,
	}
}

// WriteMessage upserts a message document keyed by its client-generated ID.
func (c *Client) WriteMessage(ctx context.Context, m *store.Message) error {
	path := fmt.Sprintf("/v1/conversations/%s/messages/%s",
		url.PathEscape(m.ConversationID), url.PathEscape(m.MsgID))
	return c.do(ctx, "write_message", http.MethodPut, path, toWire(m), nil)
}

// UpdateStatus patches status and ack timestamps of one message.
func (c *Client) UpdateStatus(ctx context.Context, msgID string, st status.Status, deliveredAt, readAt int64) error {
	body := map[string]any{
		"status":       string(st),
		"delivered_at": deliveredAt,
		"read_at":      readAt,
	}
	path := "/v1/messages/" + url.PathEscape(msgID) + "/status"
	return c.do(ctx, "update_status", http.MethodPatch, path, body, nil)
}

// BatchUpdateStatus applies one status patch atomically to a set of messages.
func (c *Client) BatchUpdateStatus(ctx context.Context, msgIDs []string, st status.Status, readAt int64) error {
	body := map[string]any{
		"msg_ids": msgIDs,
		"status":  string(st),
		"read_at": readAt,
	}
	return c.do(ctx, "batch_update_status", http.MethodPost, "/v1/messages/status", body, nil)
}

// ReadPage fetches up to limit messages strictly older than the
// (beforeTS, beforeID) cursor, newest first.
func (c *Client) ReadPage(ctx context.Context, conversationID string, limit int, beforeTS int64, beforeID string) ([]store.Message, error) {
	path := fmt.Sprintf("/v1/conversations/%s/messages?limit=%d&before=%s",
		url.PathEscape(conversationID), limit, strconv.FormatInt(beforeTS, 10))
	if beforeID != "" {
		path += "&before_id=" + url.QueryEscape(beforeID)
	}

	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, "read_page", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, fromWire(w))
	}
	return msgs, nil
}

// EnsureConversation idempotently creates the conversation document.
func (c *Client) EnsureConversation(ctx context.Context, a, b string) error {
	id := store.ConversationID(a, b)
	body := map[string]string{"participant_a": a, "participant_b": b}
	return c.do(ctx, "ensure_conversation", http.MethodPut, "/v1/conversations/"+url.PathEscape(id), body, nil)
}

// IncrementUnread bumps a participant's unread counter server-side, keyed
// by message ID so a replayed increment is a no-op.
func (c *Client) IncrementUnread(ctx context.Context, conversationID, participantID, msgID string) error {
	path := fmt.Sprintf("/v1/conversations/%s/unread/%s/increment",
		url.PathEscape(conversationID), url.PathEscape(participantID))
	body := map[string]string{"msg_id": msgID}
	return c.do(ctx, "increment_unread", http.MethodPost, path, body, nil)
}

// ResetUnread zeroes a participant's unread counter server-side.
func (c *Client) ResetUnread(ctx context.Context, conversationID, participantID string) error {
	path := fmt.Sprintf("/v1/conversations/%s/unread/%s/reset",
		url.PathEscape(conversationID), url.PathEscape(participantID))
	return c.do(ctx, "reset_unread", http.MethodPost, path, nil, nil)
}

// Healthz probes the store endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, "healthz", http.MethodGet, "/v1/healthz", nil, nil)
}

// Subscribe opens the websocket change feed for a conversation. Each feed
// frame is a full ordered snapshot of the queried message set.
func (c *Client) Subscribe(ctx context.Context, conversationID string, sinceTS int64) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	wsURL := c.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) + "/watch"
	if sinceTS > 0 {
		wsURL += "?since=" + strconv.FormatInt(sinceTS, 10)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		cancel()
		return nil, transportError("subscribe", err)
	}
	// Snapshots can be large; the default limit is too small for a full page.
	conn.SetReadLimit(1 << 22)

	changes := make(chan []store.Message, 8)
	go func() {
		defer close(changes)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			var frame struct {
				Messages []wireMessage `json:"messages"`
			}
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				if ctx.Err() == nil && c.logger != nil {
					c.logger.Warn("change feed closed",
						zap.String("conversation_id", conversationID), zap.Error(err))
				}
				return
			}
			msgs := make([]store.Message, 0, len(frame.Messages))
			for _, w := range frame.Messages {
				msgs = append(msgs, fromWire(w))
			}
			select {
			case changes <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}()

	return NewSubscription(changes, cancel), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &StoreError{Op: op, Code: ErrCodeRejected, Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &StoreError{Op: op, Code: ErrCodeRejected, Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return httpError(op, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &StoreError{Op: op, Code: ErrCodeRejected, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
