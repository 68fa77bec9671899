package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ConversationID derives the deterministic identifier for a participant
// pair. Order-insensitive, so both clients agree on the same conversation.
func ConversationID(a, b string) string {
	a, b = orderPair(a, b)
	return a + ":" + b
}

func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// EnsureConversation creates the conversation row for a participant pair if
// it does not exist yet, along with one unread counter row per participant.
// Idempotent: an existing conversation for the same pair is reused.
func (db *DB) EnsureConversation(a, b string) (string, error) {
	a, b = orderPair(a, b)
	id := a + ":" + b
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, a, b, now, now); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	for _, p := range []string{a, b} {
		if _, err := tx.Exec(`
			INSERT INTO unread_counts (conversation_id, participant_id, count, updated_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(conversation_id, participant_id) DO NOTHING`,
			id, p, now); err != nil {
			return "", fmt.Errorf("insert unread row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// SetLastMessage advances the denormalized last-message pointer. The
// pointer only moves forward in time.
func (db *DB) SetLastMessage(conversationID, msgID, preview string, at int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET
			last_msg_id = CASE WHEN ? >= last_msg_at THEN ? ELSE last_msg_id END,
			last_msg_preview = CASE WHEN ? >= last_msg_at THEN ? ELSE last_msg_preview END,
			last_msg_at = MAX(last_msg_at, ?),
			updated_at = ?
		WHERE id = ?`,
		at, msgID, at, preview, at, now, conversationID)
	return err
}

// GetConversation returns a conversation with its unread counters, or nil.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, participant_a, participant_b, last_msg_id, last_msg_preview, last_msg_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMsgID, &c.LastMsgPreview, &c.LastMsgAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Unread, err = db.unreadFor(id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message, newest first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, last_msg_id, last_msg_preview, last_msg_at
		FROM conversations
		ORDER BY last_msg_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMsgID, &c.LastMsgPreview, &c.LastMsgAt); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convos {
		convos[i].Unread, err = db.unreadFor(convos[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return convos, nil
}

func (db *DB) unreadFor(conversationID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT participant_id, count FROM unread_counts WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	unread := make(map[string]int)
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		unread[p] = n
	}
	return unread, rows.Err()
}

// IncrementUnread bumps the unread counter for one participant.
func (db *DB) IncrementUnread(conversationID, participantID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE unread_counts SET count = count + 1, updated_at = ?
		WHERE conversation_id = ? AND participant_id = ?`,
		now, conversationID, participantID)
	return err
}

// ResetUnread zeroes the unread counter for one participant.
func (db *DB) ResetUnread(conversationID, participantID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE unread_counts SET count = 0, updated_at = ?
		WHERE conversation_id = ? AND participant_id = ?`,
		now, conversationID, participantID)
	return err
}

// SetUnread overwrites a counter; used by the ledger's recompute recovery
// path. Negative values clamp to zero.
func (db *DB) SetUnread(conversationID, participantID string, count int) error {
	if count < 0 {
		count = 0
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO unread_counts (conversation_id, participant_id, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, participant_id) DO UPDATE SET
			count = excluded.count, updated_at = excluded.updated_at`,
		conversationID, participantID, count, now)
	return err
}
