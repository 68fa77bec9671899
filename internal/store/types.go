package store

import "github.com/courierhq/courier/internal/status"

// Message is one unit of conversation content. MsgID is client-generated
// and stable across retries; MsgID, ConversationID, SenderID and CreatedAt
// never change after creation.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	Status         status.Status
	CreatedAt      int64 // unix ms, client-assigned at compose time
	DeliveredAt    int64 // unix ms, 0 = not delivered
	ReadAt         int64 // unix ms, 0 = not read
}

// Conversation is a two-participant channel with a denormalized
// last-message pointer and per-participant unread counters.
type Conversation struct {
	ID             string
	ParticipantA   string
	ParticipantB   string
	LastMsgID      string
	LastMsgPreview string
	LastMsgAt      int64
	Unread         map[string]int
}

// Peer returns the participant that is not me.
func (c *Conversation) Peer(me string) string {
	if c.ParticipantA == me {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// OutboxEntry is a message snapshot awaiting a confirmed remote write.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	MsgCreatedAt   int64 // original compose timestamp, reused on retry
	Status         string
	Attempts       int
	LastError      string
	CreatedAt      int64
}

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxFailed  = "failed"
)
