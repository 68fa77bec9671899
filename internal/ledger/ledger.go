// Package ledger owns conversation metadata: the denormalized last-message
// pointer and the per-participant unread counters. No other component
// mutates these fields.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/store"
)

const previewLen = 100

// Ledger keeps the local conversation mirror in step with the remote
// store. Unread counters on the remote side use its atomic
// read-modify-write endpoints so concurrent increment and reset from two
// clients never lose an update.
type Ledger struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a ledger.
func New(db *store.DB, r remote.Store, b *bus.Bus, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, remote: r, bus: b, logger: logger}
}

// RecordSent updates the last-message pointer and the peer's unread
// counter. The local counter is recomputed from the message rows rather
// than incremented, and the remote increment is keyed by message ID, so
// an ambiguous write replayed through the outbound queue cannot count the
// same message twice. A failed remote counter update is non-critical:
// RecomputeUnread reconverges it on the next reconciliation cycle.
func (l *Ledger) RecordSent(ctx context.Context, m *store.Message, peer string) error {
	convID, err := l.db.EnsureConversation(m.SenderID, peer)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}

	if err := l.db.SetLastMessage(convID, m.MsgID, truncate(m.Body, previewLen), m.CreatedAt); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}

	if err := l.remote.IncrementUnread(ctx, convID, peer, m.MsgID); err != nil {
		l.logger.Warn("remote unread increment failed",
			zap.String("conversation_id", convID), zap.String("participant", peer), zap.Error(err))
	}
	n, err := l.db.CountUnreadInbound(convID, peer)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}
	if err := l.db.SetUnread(convID, peer, n); err != nil {
		return fmt.Errorf("set unread: %w", err)
	}

	l.publishUpdated(convID)
	return nil
}

// RecordObserved advances the last-message pointer for a message that
// arrived through the change feed. Counters are untouched: the remote
// store already accounted for them on the sender's side.
func (l *Ledger) RecordObserved(m *store.Message, me string) error {
	convID, err := l.db.EnsureConversation(m.SenderID, me)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	if err := l.db.SetLastMessage(convID, m.MsgID, truncate(m.Body, previewLen), m.CreatedAt); err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	l.publishUpdated(convID)
	return nil
}

// ResetUnread zeroes a participant's counter, remote first so the
// authoritative store never lags a local zero.
func (l *Ledger) ResetUnread(ctx context.Context, conversationID, participantID string) error {
	if err := l.remote.ResetUnread(ctx, conversationID, participantID); err != nil {
		return fmt.Errorf("remote reset unread: %w", err)
	}
	if err := l.db.ResetUnread(conversationID, participantID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	l.publishUpdated(conversationID)
	return nil
}

// RecomputeUnread rebuilds a participant's local counter from the message
// rows. Idempotent; the recovery path after a crash between a batch read
// acknowledgment and the counter reset.
func (l *Ledger) RecomputeUnread(conversationID, participantID string) (int, error) {
	n, err := l.db.CountUnreadInbound(conversationID, participantID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	if err := l.db.SetUnread(conversationID, participantID, n); err != nil {
		return 0, fmt.Errorf("set unread: %w", err)
	}
	l.publishUpdated(conversationID)
	return n, nil
}

func (l *Ledger) publishUpdated(conversationID string) {
	l.bus.Publish(bus.Event{
		Kind:      bus.KindConversationDirty,
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
