package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventEnvelope is one frame on the /v1/events websocket stream.
type EventEnvelope struct {
	EventID    string `json:"event_id"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// handleEvents upgrades to a websocket and streams bus events to the
// presentation binding. An optional ?prefix= narrows the namespace
// (default: everything).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Warn("event stream accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ch, unsub := s.bus.Subscribe(prefix, 128)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case evt := <-ch:
			env := EventEnvelope{
				EventID:    uuid.New().String(),
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    evt.Payload,
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
	}
}
