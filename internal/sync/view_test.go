package sync

import (
	"testing"

	"github.com/courierhq/courier/internal/status"
	"github.com/courierhq/courier/internal/store"
)

func TestViewUpsertKeepsOrder(t *testing.T) {
	v := newView("alice:bob")

	v.upsert(store.Message{MsgID: "m2", CreatedAt: 200})
	v.upsert(store.Message{MsgID: "m3", CreatedAt: 300})
	// Older message arrives late (pagination): it sorts into place.
	v.upsert(store.Message{MsgID: "m1", CreatedAt: 100})

	snap := v.snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d", len(snap))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if snap[i].MsgID != want {
			t.Errorf("position %d = %s, want %s", i, snap[i].MsgID, want)
		}
	}
	if v.cursor != 100 || v.cursorID != "m1" {
		t.Errorf("cursor = (%d, %q), want (100, m1)", v.cursor, v.cursorID)
	}
}

func TestViewCursorTimestampTies(t *testing.T) {
	v := newView("alice:bob")

	v.upsert(store.Message{MsgID: "m3", CreatedAt: 100})
	v.upsert(store.Message{MsgID: "m2", CreatedAt: 100})
	// Same timestamp: the cursor tracks the smallest message id so
	// pagination resumes below it instead of re-reading the tie.
	if v.cursor != 100 || v.cursorID != "m2" {
		t.Errorf("cursor = (%d, %q), want (100, m2)", v.cursor, v.cursorID)
	}
	v.upsert(store.Message{MsgID: "m9", CreatedAt: 100})
	if v.cursorID != "m2" {
		t.Errorf("cursorID = %q, larger id must not move the cursor", v.cursorID)
	}
}

func TestViewUpsertDeduplicates(t *testing.T) {
	v := newView("alice:bob")

	v.upsert(store.Message{MsgID: "m1", Status: status.Sent, CreatedAt: 100})
	_, changed := v.upsert(store.Message{MsgID: "m1", Status: status.Sent, CreatedAt: 100})
	if changed {
		t.Error("identical upsert reported a change")
	}
	if len(v.snapshot()) != 1 {
		t.Errorf("len = %d, want 1", len(v.snapshot()))
	}
}

func TestViewUpsertStatusMonotonic(t *testing.T) {
	v := newView("alice:bob")

	v.upsert(store.Message{MsgID: "m1", Status: status.Read, CreatedAt: 100, ReadAt: 500})
	// A stale snapshot replaying "sent" must not regress the row.
	merged, changed := v.upsert(store.Message{MsgID: "m1", Status: status.Sent, CreatedAt: 100})
	if changed {
		t.Error("stale status reported a change")
	}
	if merged.Status != status.Read || merged.ReadAt != 500 {
		t.Errorf("merged = %+v", merged)
	}

	// Advancing is a change.
	v.upsert(store.Message{MsgID: "m2", Status: status.Sent, CreatedAt: 200})
	merged, changed = v.upsert(store.Message{MsgID: "m2", Status: status.Delivered, CreatedAt: 200, DeliveredAt: 250})
	if !changed || merged.Status != status.Delivered || merged.DeliveredAt != 250 {
		t.Errorf("merged = %+v changed = %v", merged, changed)
	}
}

func TestViewSetStatusForced(t *testing.T) {
	v := newView("alice:bob")
	v.upsert(store.Message{MsgID: "m1", Status: status.Failed, CreatedAt: 100})

	// The forced path serves the sender retry: failed -> sending.
	if !v.setStatus("m1", status.Sending, 0, 0) {
		t.Fatal("setStatus missed the message")
	}
	m, _ := v.get("m1")
	if m.Status != status.Sending {
		t.Errorf("status = %s, want sending", m.Status)
	}
	if v.setStatus("missing", status.Sent, 0, 0) {
		t.Error("setStatus on unknown id reported success")
	}
}
