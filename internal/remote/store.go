// Package remote is the adapter to the remote document store: idempotent
// writes keyed by client-generated message ID, status patches, keyset
// pagination and a push-based change feed per conversation.
package remote

import (
	"context"

	"github.com/courierhq/courier/internal/status"
	"github.com/courierhq/courier/internal/store"
)

// Store is the contract the sync engine depends on. Every method may fail
// with a *StoreError; Retryable distinguishes transient-network failures
// (requeue) from remote rejections (surface to caller).
type Store interface {
	// WriteMessage persists a message keyed by its client-generated ID.
	// Upsert semantics: safe to call twice with the same ID.
	WriteMessage(ctx context.Context, m *store.Message) error

	// UpdateStatus patches only the status and ack timestamps of one message.
	UpdateStatus(ctx context.Context, msgID string, st status.Status, deliveredAt, readAt int64) error

	// BatchUpdateStatus applies the same status patch atomically to a set
	// of messages. Used for bulk read acknowledgment.
	BatchUpdateStatus(ctx context.Context, msgIDs []string, st status.Status, readAt int64) error

	// ReadPage returns the most recent limit messages strictly older than
	// the (beforeTS, beforeID) cursor, ordered by creation timestamp then
	// message ID descending. The ID tiebreak keeps pagination lossless
	// when several messages share a timestamp; an empty beforeID compares
	// by timestamp alone.
	ReadPage(ctx context.Context, conversationID string, limit int, beforeTS int64, beforeID string) ([]store.Message, error)

	// Subscribe opens the change feed for a conversation. sinceTS > 0 asks
	// the store to start from messages at or after that creation timestamp
	// (the client's last merged checkpoint); 0 means the full window.
	// Snapshots arrive on the subscription channel until Cancel or ctx is
	// done.
	Subscribe(ctx context.Context, conversationID string, sinceTS int64) (*Subscription, error)

	// EnsureConversation idempotently creates the conversation document
	// for a participant pair.
	EnsureConversation(ctx context.Context, a, b string) error

	// IncrementUnread atomically bumps a participant's unread counter on
	// the remote document (server-side read-modify-write). The msgID keys
	// the increment so the store deduplicates a replay: an ambiguous write
	// retried through the outbound queue must not count twice.
	IncrementUnread(ctx context.Context, conversationID, participantID, msgID string) error

	// ResetUnread atomically zeroes a participant's unread counter.
	ResetUnread(ctx context.Context, conversationID, participantID string) error

	// Healthz probes the store endpoint. Used by the reachability monitor.
	Healthz(ctx context.Context) error
}

// Subscription is a cancellable change-feed registration. Changes delivers
// ordered message snapshots; the channel closes when the feed ends.
type Subscription struct {
	Changes <-chan []store.Message

	cancel context.CancelFunc
}

// NewSubscription wraps a snapshot channel and a cancel func. Exposed so
// in-memory fakes can construct subscriptions in tests.
func NewSubscription(changes <-chan []store.Message, cancel context.CancelFunc) *Subscription {
	return &Subscription{Changes: changes, cancel: cancel}
}

// Cancel stops the feed. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
