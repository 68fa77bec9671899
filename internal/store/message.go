package store

import (
	"database/sql"
	"time"

	"github.com/courierhq/courier/internal/status"
)

// UpsertMessage inserts or merges a message, idempotent on
// (conversation_id, msg_id). On conflict the status only advances
// (monotonic merge) and the ack timestamps never go backwards.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, body, status, created_at, delivered_at, read_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = CASE WHEN
				(CASE excluded.status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END) >
				(CASE messages.status WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END)
				THEN excluded.status ELSE messages.status END,
			delivered_at = MAX(messages.delivered_at, excluded.delivered_at),
			read_at = MAX(messages.read_at, excluded.read_at)`,
		m.ConversationID, m.MsgID, m.SenderID, m.Body, m.Status, m.CreatedAt, m.DeliveredAt, m.ReadAt, now)
	return err
}

// SetMessageStatus overwrites the status and ack timestamps of one message.
// The caller (the sync engine) owns transition validation; this does not
// apply the monotonic guard, so failed -> sending on retry works.
func (db *DB) SetMessageStatus(msgID string, st status.Status, deliveredAt, readAt int64) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?,
			delivered_at = MAX(delivered_at, ?),
			read_at = MAX(read_at, ?)
		WHERE msg_id = ?`,
		st, deliveredAt, readAt, msgID)
	return err
}

// SetMessageStatusBatch applies one status to a set of messages in a single
// transaction. Used for bulk read acknowledgment.
func (db *DB) SetMessageStatusBatch(msgIDs []string, st status.Status, deliveredAt, readAt int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range msgIDs {
		if _, err := tx.Exec(`
			UPDATE messages SET status = ?,
				delivered_at = MAX(delivered_at, ?),
				read_at = MAX(read_at, ?)
			WHERE msg_id = ?`,
			st, deliveredAt, readAt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMessage returns a single message by its client-generated ID.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, created_at, delivered_at, read_at
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// on (created_at, msg_id), newest first. The compound cursor keeps pages
// stable when several messages share one millisecond: ties less than
// beforeID still belong to the next page. beforeTS <= 0 means "from the
// top"; an empty beforeID compares by timestamp alone.
func (db *DB) ListMessages(conversationID string, beforeTS int64, beforeID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTS <= 0 {
		beforeTS = time.Now().UnixMilli() + 1
	}
	where := `conversation_id = ? AND created_at < ?`
	args := []any{conversationID, beforeTS}
	if beforeID != "" {
		where = `conversation_id = ? AND (created_at < ? OR (created_at = ? AND msg_id < ?))`
		args = []any{conversationID, beforeTS, beforeTS, beforeID}
	}
	args = append(args, limit)
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, body, status, created_at, delivered_at, read_at
		FROM messages
		WHERE `+where+`
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Body, &m.Status, &m.CreatedAt, &m.DeliveredAt, &m.ReadAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadInbound returns the IDs of messages in a conversation that were not
// authored by reader and have not reached the read status, oldest first.
func (db *DB) UnreadInbound(conversationID, reader string) ([]string, error) {
	rows, err := db.Query(`
		SELECT msg_id FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status != 'read' AND status != 'sending' AND status != 'failed'
		ORDER BY created_at ASC`, conversationID, reader)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountUnreadInbound recomputes the unread counter for reader from the
// message rows. Idempotent recovery path for the ledger.
func (db *DB) CountUnreadInbound(conversationID, reader string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status != 'read' AND status != 'sending' AND status != 'failed'`,
		conversationID, reader).Scan(&n)
	return n, err
}
