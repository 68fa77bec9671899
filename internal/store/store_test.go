package store

import (
	"path/filepath"
	"testing"

	"github.com/courierhq/courier/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ConversationID: "alice:bob", MsgID: "m1", SenderID: "alice",
		Body: "hello", Status: status.Sent, CreatedAt: 1000,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	// Second write with the same identifier: still exactly one row.
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("alice:bob", 0, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1", len(msgs))
	}
	if msgs[0].Body != "hello" {
		t.Errorf("body = %q", msgs[0].Body)
	}
}

func TestUpsertMessageStatusOnlyAdvances(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ConversationID: "alice:bob", MsgID: "m1", SenderID: "alice",
		Body: "hi", Status: status.Read, CreatedAt: 1000, ReadAt: 2000,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// A late "sent" arriving after "read" must not regress the row.
	late := *m
	late.Status = status.Sent
	late.ReadAt = 0
	if err := db.UpsertMessage(&late); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != status.Read {
		t.Errorf("status = %s, want read", got.Status)
	}
	if got.ReadAt != 2000 {
		t.Errorf("read_at = %d, want 2000", got.ReadAt)
	}
}

func TestSetMessageStatusAllowsRetry(t *testing.T) {
	db := testDB(t)

	m := &Message{
		ConversationID: "alice:bob", MsgID: "m1", SenderID: "alice",
		Body: "hi", Status: status.Failed, CreatedAt: 1000,
	}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// The forced write path: failed -> sending on retry.
	if err := db.SetMessageStatus("m1", status.Sending, 0, 0); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != status.Sending {
		t.Errorf("status = %s, want sending", got.Status)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := int64(1); i <= 5; i++ {
		m := &Message{
			ConversationID: "alice:bob", MsgID: string(rune('a' + i)), SenderID: "alice",
			Body: "n", Status: status.Sent, CreatedAt: i * 100,
		}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	// First page: newest two.
	page, err := db.ListMessages("alice:bob", 0, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt != 500 || page[1].CreatedAt != 400 {
		t.Fatalf("first page = %v", page)
	}

	// Next page strictly older than the cursor.
	page, err = db.ListMessages("alice:bob", 400, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt != 300 || page[1].CreatedAt != 200 {
		t.Fatalf("second page = %v", page)
	}

	// Last page is short: end of history.
	page, err = db.ListMessages("alice:bob", 200, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].CreatedAt != 100 {
		t.Fatalf("last page = %v", page)
	}
}

func TestListMessagesSameTimestampPaging(t *testing.T) {
	db := testDB(t)

	// A burst landing within one millisecond: created_at alone cannot
	// order or page these, the msg_id tiebreak must.
	for _, id := range []string{"m1", "m2", "m3"} {
		m := &Message{
			ConversationID: "alice:bob", MsgID: id, SenderID: "alice",
			Body: "n", Status: status.Sent, CreatedAt: 700,
		}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("alice:bob", 0, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].MsgID != "m3" || page[1].MsgID != "m2" {
		t.Fatalf("first page = %v, want [m3 m2]", page)
	}

	// Resume below (700, m2): only m1 remains, nothing repeats or drops.
	page, err = db.ListMessages("alice:bob", 700, "m2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].MsgID != "m1" {
		t.Fatalf("second page = %v, want [m1]", page)
	}
}

func TestSetMessageStatusBatch(t *testing.T) {
	db := testDB(t)

	ids := []string{"m1", "m2", "m3"}
	for i, id := range ids {
		m := &Message{
			ConversationID: "alice:bob", MsgID: id, SenderID: "bob",
			Body: "x", Status: status.Sent, CreatedAt: int64(i+1) * 100,
		}
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.SetMessageStatusBatch(ids, status.Read, 900, 900); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		got, err := db.GetMessage(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != status.Read || got.ReadAt != 900 {
			t.Errorf("%s: status=%s read_at=%d", id, got.Status, got.ReadAt)
		}
	}
}

func TestEnsureConversationIdempotent(t *testing.T) {
	db := testDB(t)

	id1, err := db.EnsureConversation("bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	// Reversed participant order resolves to the same conversation.
	id2, err := db.EnsureConversation("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	if id1 != ConversationID("alice", "bob") {
		t.Errorf("id = %q, want %q", id1, ConversationID("alice", "bob"))
	}

	conv, err := db.GetConversation(id1)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Fatal("conversation not found")
	}
	// Both participants must have an unread counter row, zeroed.
	if len(conv.Unread) != 2 {
		t.Fatalf("unread map = %v, want entries for both participants", conv.Unread)
	}
	for p, n := range conv.Unread {
		if n != 0 {
			t.Errorf("unread[%s] = %d, want 0", p, n)
		}
	}
}

func TestUnreadCounters(t *testing.T) {
	db := testDB(t)
	id, err := db.EnsureConversation("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := db.IncrementUnread(id, "bob"); err != nil {
			t.Fatal(err)
		}
	}
	conv, _ := db.GetConversation(id)
	if conv.Unread["bob"] != 3 {
		t.Errorf("unread[bob] = %d, want 3", conv.Unread["bob"])
	}
	if conv.Unread["alice"] != 0 {
		t.Errorf("unread[alice] = %d, want 0", conv.Unread["alice"])
	}

	if err := db.ResetUnread(id, "bob"); err != nil {
		t.Fatal(err)
	}
	conv, _ = db.GetConversation(id)
	if conv.Unread["bob"] != 0 {
		t.Errorf("unread[bob] after reset = %d, want 0", conv.Unread["bob"])
	}

	// SetUnread clamps negatives.
	if err := db.SetUnread(id, "bob", -5); err != nil {
		t.Fatal(err)
	}
	conv, _ = db.GetConversation(id)
	if conv.Unread["bob"] != 0 {
		t.Errorf("unread[bob] after negative set = %d, want 0", conv.Unread["bob"])
	}
}

func TestLastMessagePointerOnlyAdvances(t *testing.T) {
	db := testDB(t)
	id, err := db.EnsureConversation("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	if err := db.SetLastMessage(id, "m2", "newer", 2000); err != nil {
		t.Fatal(err)
	}
	// An older message arriving late must not move the pointer back.
	if err := db.SetLastMessage(id, "m1", "older", 1000); err != nil {
		t.Fatal(err)
	}

	conv, _ := db.GetConversation(id)
	if conv.LastMsgID != "m2" || conv.LastMsgAt != 2000 {
		t.Errorf("last message = %s at %d, want m2 at 2000", conv.LastMsgID, conv.LastMsgAt)
	}
}

func TestOutboxFIFO(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox("m1", "alice:bob", "first", 100); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox("m2", "alice:bob", "second", 200); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ClientMsgID != "m1" || pending[1].ClientMsgID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", pending[0].ClientMsgID, pending[1].ClientMsgID)
	}

	// Sending entries leave the pending set; requeued ones come back in
	// their original position.
	if err := db.MarkOutboxSending("m1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientMsgID != "m2" {
		t.Fatalf("pending while m1 sending = %v", pending)
	}

	if err := db.RequeueOutbox("m1", "connection refused"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 2 || pending[0].ClientMsgID != "m1" {
		t.Fatalf("m1 lost its queue position: %v", pending)
	}

	// Removal after a confirmed write.
	if err := db.RemoveOutbox("m1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("pending after remove = %d, want 1", len(pending))
	}
}

func TestEnqueueOutboxIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox("m1", "alice:bob", "hi", 100); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("m1", "rejected"); err != nil {
		t.Fatal(err)
	}
	// Re-enqueueing the same identifier revives the existing entry.
	if err := db.EnqueueOutbox("m1", "alice:bob", "hi", 100); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "m1" {
		t.Fatalf("pending = %v", pending)
	}
}

func TestResetStaleOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.EnqueueOutbox("m1", "alice:bob", "hi", 100); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("m1"); err != nil {
		t.Fatal(err)
	}
	// Simulated crash mid-drain: startup recovery requeues it.
	if err := db.ResetStaleOutbox(); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after recovery = %d, want 1", len(pending))
	}
}

func TestUnreadInbound(t *testing.T) {
	db := testDB(t)

	msgs := []Message{
		{ConversationID: "alice:bob", MsgID: "m1", SenderID: "bob", Status: status.Sent, CreatedAt: 100},
		{ConversationID: "alice:bob", MsgID: "m2", SenderID: "bob", Status: status.Delivered, CreatedAt: 200},
		{ConversationID: "alice:bob", MsgID: "m3", SenderID: "bob", Status: status.Read, CreatedAt: 300},
		{ConversationID: "alice:bob", MsgID: "m4", SenderID: "alice", Status: status.Sent, CreatedAt: 400},
		{ConversationID: "alice:bob", MsgID: "m5", SenderID: "bob", Status: status.Failed, CreatedAt: 500},
	}
	for i := range msgs {
		msgs[i].Body = "x"
		if err := db.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	// Alice's unread: bob's sent + delivered, oldest first. Her own m4,
	// the already-read m3 and the failed m5 don't count.
	ids, err := db.UnreadInbound("alice:bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("unread inbound = %v, want [m1 m2]", ids)
	}

	n, err := db.CountUnreadInbound("alice:bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	if v, err := db.GetCheckpoint("feed:alice:bob"); err != nil || v != "" {
		t.Fatalf("missing checkpoint: v=%q err=%v", v, err)
	}
	if err := db.SetCheckpoint("feed:alice:bob", "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("feed:alice:bob", "2000"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetCheckpoint("feed:alice:bob")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}
}
