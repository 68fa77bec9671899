package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/store"
)

type Message struct {
	MsgID          string `json:"msg_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	DeliveredAt    int64  `json:"delivered_at,omitempty"`
	ReadAt         int64  `json:"read_at,omitempty"`
}

func toMessageJSON(m store.Message) Message {
	return Message{
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

type Conversation struct {
	ID             string         `json:"id"`
	Participants   []string       `json:"participants"`
	LastMsgID      string         `json:"last_msg_id,omitempty"`
	LastMsgPreview string         `json:"last_msg_preview,omitempty"`
	LastMsgAt      int64          `json:"last_msg_at,omitempty"`
	Unread         map[string]int `json:"unread"`
}

func toConversationJSON(c store.Conversation) Conversation {
	return Conversation{
		ID:             c.ID,
		Participants:   []string{c.ParticipantA, c.ParticipantB},
		LastMsgID:      c.LastMsgID,
		LastMsgPreview: c.LastMsgPreview,
		LastMsgAt:      c.LastMsgAt,
		Unread:         c.Unread,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.monitor.Online()})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	convos, err := s.db.ListConversations(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]Conversation, 0, len(convos))
	for _, c := range convos {
		out = append(out, toConversationJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peer string `json:"peer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.engine.StartConversation(r.Context(), req.Peer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Open(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.engine.Close(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Focused bool `json:"focused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetFocus(r.Context(), id, req.Focused); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSend queues a message for delivery. A transient network failure is
// not an HTTP error: the response carries the message with status failed
// and the outbound queue holds it until connectivity returns. Permanent
// remote rejections come back as 422 alongside the failed message.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, errors.New("body is required"))
		return
	}

	m, err := s.engine.Send(r.Context(), id, req.Body)
	if m == nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	resp := map[string]any{"message": toMessageJSON(*m)}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	beforeID := r.URL.Query().Get("before_id")

	// Prefer the live reconciled view when the conversation is open.
	if before <= 0 {
		if msgs, ok := s.engine.Messages(id); ok {
			out := make([]Message, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, toMessageJSON(m))
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": out, "live": true})
			return
		}
	}

	msgs, err := s.db.ListMessages(id, before, beforeID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "live": false})
}

func (s *Server) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	more, err := s.engine.LoadMore(r.Context(), id)
	if err != nil {
		writeError(w, remoteErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"more": more})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.MarkConversationRead(r.Context(), id); err != nil {
		writeError(w, remoteErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Retry(r.Context(), id); err != nil {
		writeError(w, remoteErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// remoteErrorStatus maps a classified store error to an HTTP status for
// the caller: transient failures are 503 (retry later), rejections 422.
func remoteErrorStatus(err error) int {
	var se *remote.StoreError
	if errors.As(err, &se) {
		if se.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
