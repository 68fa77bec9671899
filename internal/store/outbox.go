package store

import "time"

// EnqueueOutbox adds a message snapshot to the outbound queue. Idempotent
// on client_msg_id: requeueing a message already present resets it to queued.
func (db *DB) EnqueueOutbox(clientMsgID, conversationID, body string, msgCreatedAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, msg_created_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'queued', updated_at = excluded.updated_at`,
		clientMsgID, conversationID, body, msgCreatedAt, now, now)
	return err
}

// PendingOutbox returns queued entries in strict enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, msg_created_at, status, attempts, last_error, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.MsgCreatedAt, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending flags an entry as being drained and bumps its attempt
// counter. An entry in sending state is never picked up by a second drain.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RequeueOutbox puts a sending entry back to queued after a retryable
// failure, preserving its original enqueue position.
func (db *DB) RequeueOutbox(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', last_error = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxFailed flags an entry as permanently failed. It stays for
// inspection but is never drained automatically again.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', last_error = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RemoveOutbox deletes an entry after its remote write was confirmed.
func (db *DB) RemoveOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// OutboxDepth counts entries still awaiting a confirmed write.
func (db *DB) OutboxDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('queued', 'sending')`).Scan(&n)
	return n, err
}

// ResetStaleOutbox returns entries stuck in sending (a crash mid-drain)
// to queued so the next drain resumes them.
func (db *DB) ResetStaleOutbox() error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	return err
}
