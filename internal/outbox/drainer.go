// Package outbox owns retry scheduling for the outbound queue. The queue
// drains only on an explicit connectivity-restored signal or a user retry,
// never on a timer.
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/store"
)

// EntrySender re-runs the send write path for one queue entry. The sync
// engine satisfies it.
type EntrySender interface {
	SendEntry(ctx context.Context, entry store.OutboxEntry) error
}

// Drainer listens for network.up events and drains the persisted queue in
// strict enqueue order.
type Drainer struct {
	db     *store.DB
	sender EntrySender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	// draining guards against overlapping drains when connectivity flaps.
	draining sync.Mutex
}

// NewDrainer creates an outbound queue drainer.
func NewDrainer(db *store.DB, sender EntrySender, b *bus.Bus, logger *zap.Logger) *Drainer {
	return &Drainer{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start recovers entries stranded in sending by a crash, then subscribes
// to connectivity transitions.
func (d *Drainer) Start(ctx context.Context) error {
	if err := d.db.ResetStaleOutbox(); err != nil {
		return err
	}

	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe("network.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindNetworkUp {
					d.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the network listener.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Drain retries every queued entry in enqueue order. An entry leaves the
// queue only after its write is confirmed; a retryable failure aborts the
// drain so a later entry is never attempted before an earlier one lands.
func (d *Drainer) Drain(ctx context.Context) {
	d.draining.Lock()
	defer d.draining.Unlock()

	pending, err := d.db.PendingOutbox()
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	sent := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := d.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			d.logger.Error("failed to mark sending", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			return
		}

		err := d.sender.SendEntry(ctx, entry)
		if err == nil {
			if err := d.db.RemoveOutbox(entry.ClientMsgID); err != nil {
				d.logger.Error("failed to remove sent entry", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			}
			sent++
			continue
		}

		if remote.IsRetryable(err) {
			// Connectivity is gone again. Put the entry back and stop so
			// FIFO order survives for the next drain.
			if rqErr := d.db.RequeueOutbox(entry.ClientMsgID, err.Error()); rqErr != nil {
				d.logger.Error("failed to requeue entry", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(rqErr))
			}
			d.logger.Info("drain interrupted", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			break
		}

		// Permanent rejection: the entry stays for inspection but is
		// never drained automatically again.
		if mfErr := d.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); mfErr != nil {
			d.logger.Error("failed to mark entry failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(mfErr))
		}
		d.logger.Warn("entry permanently rejected", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
	}

	d.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxDrained,
		Timestamp: time.Now(),
		Payload:   map[string]int{"sent": sent, "pending": len(pending) - sent},
	})
	d.logger.Info("outbox drained", zap.Int("sent", sent), zap.Int("was_pending", len(pending)))
}
