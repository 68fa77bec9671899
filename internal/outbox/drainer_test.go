package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/store"
)

type fakeSender struct {
	sent []string
	// errs maps a client message ID to the error its send returns.
	errs map[string]error
}

func (s *fakeSender) SendEntry(ctx context.Context, entry store.OutboxEntry) error {
	if err, ok := s.errs[entry.ClientMsgID]; ok {
		return err
	}
	s.sent = append(s.sent, entry.ClientMsgID)
	return nil
}

func testDrainer(t *testing.T) (*Drainer, *store.DB, *fakeSender, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := &fakeSender{errs: map[string]error{}}
	b := bus.New()
	return NewDrainer(db, s, b, zap.NewNop()), db, s, b
}

func enqueue(t *testing.T, db *store.DB, ids ...string) {
	t.Helper()
	for i, id := range ids {
		if err := db.EnqueueOutbox(id, "alice:bob", "body "+id, int64(i+1)*100); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDrainSendsInOrder(t *testing.T) {
	d, db, s, _ := testDrainer(t)
	enqueue(t, db, "m1", "m2", "m3")

	d.Drain(context.Background())

	if len(s.sent) != 3 || s.sent[0] != "m1" || s.sent[1] != "m2" || s.sent[2] != "m3" {
		t.Errorf("sent order = %v, want [m1 m2 m3]", s.sent)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("pending after drain = %v, want empty", pending)
	}
}

func TestDrainAbortsOnRetryableFailure(t *testing.T) {
	d, db, s, _ := testDrainer(t)
	enqueue(t, db, "m1", "m2", "m3")
	s.errs["m2"] = &remote.StoreError{Op: "write_message", Code: remote.ErrCodeUnreachable, Retryable: true}

	d.Drain(context.Background())

	// m1 lands, m2 fails transiently, m3 must never be attempted before m2.
	if len(s.sent) != 1 || s.sent[0] != "m1" {
		t.Errorf("sent = %v, want [m1]", s.sent)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 2 || pending[0].ClientMsgID != "m2" || pending[1].ClientMsgID != "m3" {
		t.Errorf("pending = %v, want m2 then m3", pending)
	}

	// Connectivity returns: the next drain picks up where it stopped.
	delete(s.errs, "m2")
	d.Drain(context.Background())
	if len(s.sent) != 3 || s.sent[1] != "m2" || s.sent[2] != "m3" {
		t.Errorf("sent after second drain = %v, want [m1 m2 m3]", s.sent)
	}
}

func TestDrainSkipsPermanentlyRejectedEntry(t *testing.T) {
	d, db, s, _ := testDrainer(t)
	enqueue(t, db, "m1", "m2", "m3")
	s.errs["m2"] = &remote.StoreError{Op: "write_message", Code: remote.ErrCodeRejected, Retryable: false}

	d.Drain(context.Background())

	// A rejection parks only the rejected entry; the rest still drain.
	if len(s.sent) != 2 || s.sent[0] != "m1" || s.sent[1] != "m3" {
		t.Errorf("sent = %v, want [m1 m3]", s.sent)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("pending = %v, failed entry should not be queued", pending)
	}
}

func TestDrainOnNetworkUp(t *testing.T) {
	d, db, s, b := testDrainer(t)
	enqueue(t, db, "m1")

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	b.Publish(bus.Event{Kind: bus.KindNetworkUp, Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, _ := db.PendingOutbox()
		if len(pending) == 0 {
			if len(s.sent) != 1 || s.sent[0] != "m1" {
				t.Errorf("sent = %v, want [m1]", s.sent)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue not drained after network.up")
}

func TestStartRecoversStaleEntries(t *testing.T) {
	d, db, s, _ := testDrainer(t)
	enqueue(t, db, "m1")
	if err := db.MarkOutboxSending("m1"); err != nil {
		t.Fatal(err)
	}

	// Simulated crash mid-send: Start requeues, the next drain delivers.
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	d.Drain(context.Background())
	if len(s.sent) != 1 || s.sent[0] != "m1" {
		t.Errorf("sent = %v, want [m1]", s.sent)
	}
}

func TestDrainPublishesSummary(t *testing.T) {
	d, db, _, b := testDrainer(t)
	enqueue(t, db, "m1", "m2")
	events, unsub := b.Subscribe("outbox.", 16)
	defer unsub()

	d.Drain(context.Background())

	select {
	case ev := <-events:
		if ev.Kind != bus.KindOutboxDrained {
			t.Errorf("kind = %s", ev.Kind)
		}
		counts, ok := ev.Payload.(map[string]int)
		if !ok || counts["sent"] != 2 || counts["pending"] != 0 {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no drain summary published")
	}
}
