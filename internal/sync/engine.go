// Package sync holds the message synchronization engine: the single
// authority reconciling optimistic local state, the outbound queue and the
// remote change feed into one ordered, de-duplicated message list per
// conversation.
package sync

import (
	"context"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
	"github.com/courierhq/courier/internal/ledger"
	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/status"
	"github.com/courierhq/courier/internal/store"
)

// Connectivity exposes the reachability monitor's current state. When the
// network is known to be down the engine skips the remote attempt and
// queues straight away.
type Connectivity interface {
	Online() bool
}

// Engine drives the message lifecycle for one user profile. All view
// mutation is serialized through e.mu, so "local send" and "remote change
// arrived" never race; ordering between them is resolved by the monotonic
// merge, not by interleaving luck.
type Engine struct {
	me       string
	db       *store.DB
	remote   remote.Store
	ledger   *ledger.Ledger
	net      Connectivity
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu     gosync.Mutex
	views  map[string]*view
	ctx    context.Context // engine lifetime, owns change-feed subscriptions
	cancel context.CancelFunc
}

// NewEngine creates a sync engine for the local user me.
func NewEngine(me string, db *store.DB, r remote.Store, l *ledger.Ledger, net Connectivity, b *bus.Bus, logger *zap.Logger, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Engine{
		me:       me,
		db:       db,
		remote:   r,
		ledger:   l,
		net:      net,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
		views:    make(map[string]*view),
	}
}

// Start makes the engine listen for connectivity transitions so it can
// re-open change feeds that died while offline.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.ctx = ctx
	e.cancel = cancel
	e.mu.Unlock()
	ch, unsub := e.bus.Subscribe("network.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.KindNetworkUp {
					e.resubscribeAll(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down every open conversation and the network listener.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, v := range e.views {
		if v.sub != nil {
			v.sub.Cancel()
		}
		v.epoch++
		delete(e.views, id)
	}
}

// StartConversation idempotently creates the conversation for me and peer,
// locally and remotely, and returns its identifier.
func (e *Engine) StartConversation(ctx context.Context, peer string) (string, error) {
	if peer == "" || peer == e.me {
		return "", fmt.Errorf("invalid peer %q", peer)
	}
	convID, err := e.db.EnsureConversation(e.me, peer)
	if err != nil {
		return "", err
	}
	if err := e.remote.EnsureConversation(ctx, e.me, peer); err != nil {
		// Local row exists; the remote document is created lazily on the
		// first successful message write.
		e.logger.Warn("remote conversation create failed", zap.String("conversation_id", convID), zap.Error(err))
	}
	return convID, nil
}

// Open activates a conversation: seeds the view from the local mirror and
// subscribes to the remote change feed. Idempotent per conversation. The
// feed runs on the engine's own context, not the caller's: a request
// context ends with the request, the feed must keep delivering until Close.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if _, ok := e.views[conversationID]; ok {
		e.mu.Unlock()
		return nil
	}
	v := newView(conversationID)
	e.views[conversationID] = v

	// Seed from the mirror so the view works offline.
	local, err := e.db.ListMessages(conversationID, 0, "", e.pageSize)
	if err != nil {
		delete(e.views, conversationID)
		e.mu.Unlock()
		return fmt.Errorf("seed view: %w", err)
	}
	for i := len(local) - 1; i >= 0; i-- {
		v.upsert(local[i])
	}
	epoch := v.epoch
	e.mu.Unlock()

	e.subscribe(e.feedCtx(), conversationID, epoch)
	return nil
}

// feedCtx returns the context change feeds run under.
func (e *Engine) feedCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// Close deactivates a conversation: cancels its change feed and drops the
// view. Late pagination or feed results are discarded by the epoch guard.
func (e *Engine) Close(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[conversationID]
	if !ok {
		return
	}
	if v.sub != nil {
		v.sub.Cancel()
	}
	v.epoch++
	delete(e.views, conversationID)
}

// SetFocus marks a conversation view as focused. Focusing implies the
// reader sees everything, so unread inbound messages transition to read.
func (e *Engine) SetFocus(ctx context.Context, conversationID string, focused bool) error {
	e.mu.Lock()
	v, ok := e.views[conversationID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("conversation %s not open", conversationID)
	}
	v.focused = focused
	e.mu.Unlock()

	if focused {
		return e.MarkConversationRead(ctx, conversationID)
	}
	return nil
}

// Messages returns a copy of the reconciled ordered list for an open
// conversation.
func (e *Engine) Messages(conversationID string) ([]store.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[conversationID]
	if !ok {
		return nil, false
	}
	return v.snapshot(), true
}

// Send composes a message and runs the write path. The optimistic local
// append happens before any network I/O, so callers never block on the
// network to see their own message. Transient write failures do not
// surface as errors: the message carries status failed and sits in the
// outbound queue. Permanent rejections are returned to the caller.
func (e *Engine) Send(ctx context.Context, conversationID, body string) (*store.Message, error) {
	conv, err := e.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", conversationID)
	}

	m := &store.Message{
		ConversationID: conversationID,
		MsgID:          uuid.New().String(),
		SenderID:       e.me,
		Body:           body,
		Status:         status.Sending,
		CreatedAt:      time.Now().UnixMilli(),
	}

	if err := e.applyLocal(m); err != nil {
		return nil, fmt.Errorf("optimistic insert: %w", err)
	}

	sendErr := e.writeRemote(ctx, m, conv.Peer(e.me))
	if sendErr != nil && !remote.IsRetryable(sendErr) {
		return m, sendErr
	}
	return m, nil
}

// SendEntry re-runs the write path for an outbound-queue entry. Returns
// the classified error so the drainer decides between requeue and
// permanent failure. The queue entry itself is the drainer's to remove.
func (e *Engine) SendEntry(ctx context.Context, entry store.OutboxEntry) error {
	conv, err := e.db.GetConversation(entry.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("conversation %s not found", entry.ConversationID)
	}

	m := &store.Message{
		ConversationID: entry.ConversationID,
		MsgID:          entry.ClientMsgID,
		SenderID:       e.me,
		Body:           entry.Body,
		Status:         status.Sending,
		CreatedAt:      entry.MsgCreatedAt,
	}
	// The mirror row normally exists from the original optimistic insert;
	// applyLocal recreates it if a crash lost it, then the forced status
	// write performs the failed -> sending step.
	if err := e.applyLocal(m); err != nil {
		return err
	}
	e.setStatus(m, status.Sending, 0, 0)

	return e.writeRemoteOnce(ctx, m, conv.Peer(e.me))
}

// Retry is the user-initiated retry for one failed message.
func (e *Engine) Retry(ctx context.Context, msgID string) error {
	m, err := e.db.GetMessage(msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("message %s not found", msgID)
	}
	if m.Status != status.Failed {
		return fmt.Errorf("message %s is %s, only failed messages can be retried", msgID, m.Status)
	}

	entry := store.OutboxEntry{
		ClientMsgID:    m.MsgID,
		ConversationID: m.ConversationID,
		Body:           m.Body,
		MsgCreatedAt:   m.CreatedAt,
	}
	err = e.SendEntry(ctx, entry)
	if err == nil {
		return e.db.RemoveOutbox(msgID)
	}
	if remote.IsRetryable(err) {
		// Back in the queue; the next connectivity-restored signal drains it.
		if qErr := e.db.EnqueueOutbox(m.MsgID, m.ConversationID, m.Body, m.CreatedAt); qErr != nil {
			return qErr
		}
		return nil
	}
	return err
}

// applyLocal inserts a message into the view (if the conversation is open)
// and the mirror, then announces it. The synchronous step of the
// optimistic update: it completes before any remote attempt starts.
func (e *Engine) applyLocal(m *store.Message) error {
	e.mu.Lock()
	if v, ok := e.views[m.ConversationID]; ok {
		v.upsert(*m)
	}
	e.mu.Unlock()

	if err := e.db.UpsertMessage(m); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": m.ConversationID,
			"msg_id":          m.MsgID,
			"status":          string(m.Status),
		},
	})
	return nil
}

// setStatus forces a status the engine has already validated (the sender
// side of the state machine: sending -> sent/failed, failed -> sending).
func (e *Engine) setStatus(m *store.Message, st status.Status, deliveredAt, readAt int64) {
	m.Status = st
	e.mu.Lock()
	if v, ok := e.views[m.ConversationID]; ok {
		if _, found := v.get(m.MsgID); found {
			v.setStatus(m.MsgID, st, deliveredAt, readAt)
		} else {
			v.upsert(*m)
		}
	}
	e.mu.Unlock()

	if err := e.db.SetMessageStatus(m.MsgID, st, deliveredAt, readAt); err != nil {
		e.logger.Error("mirror status update failed", zap.String("msg_id", m.MsgID), zap.Error(err))
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": m.ConversationID,
			"msg_id":          m.MsgID,
			"status":          string(st),
		},
	})
}

// writeRemote is Send's write path: skip the attempt entirely when the
// monitor reports offline, otherwise classify the failure.
func (e *Engine) writeRemote(ctx context.Context, m *store.Message, peer string) error {
	if e.net != nil && !e.net.Online() {
		e.fail(m, &remote.StoreError{Op: "write_message", Code: remote.ErrCodeUnreachable, Retryable: true, Cause: fmt.Errorf("network offline")}, true)
		return nil
	}
	return e.writeRemoteOnce(ctx, m, peer)
}

func (e *Engine) writeRemoteOnce(ctx context.Context, m *store.Message, peer string) error {
	err := e.remote.WriteMessage(ctx, m)
	if err == nil {
		e.setStatus(m, status.Sent, 0, 0)
		if lErr := e.ledger.RecordSent(ctx, m, peer); lErr != nil {
			e.logger.Warn("ledger record failed", zap.String("msg_id", m.MsgID), zap.Error(lErr))
		}
		return nil
	}
	e.fail(m, err, remote.IsRetryable(err))
	return err
}

// fail marks a message failed, queueing it only for retryable errors.
func (e *Engine) fail(m *store.Message, err error, requeue bool) {
	if requeue {
		if qErr := e.db.EnqueueOutbox(m.MsgID, m.ConversationID, m.Body, m.CreatedAt); qErr != nil {
			e.logger.Error("outbox enqueue failed", zap.String("msg_id", m.MsgID), zap.Error(qErr))
		}
	}
	e.setStatus(m, status.Failed, 0, 0)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": m.ConversationID,
			"msg_id":          m.MsgID,
			"error":           err.Error(),
		},
	})
}

// OnRemoteChange merges an ordered snapshot from the change feed into the
// conversation view. Inbound messages below delivered get the delivered
// acknowledgment; when the view is focused they go straight to read and
// the unread counter stays at zero.
func (e *Engine) OnRemoteChange(ctx context.Context, conversationID string, msgs []store.Message) {
	e.mu.Lock()
	v, ok := e.views[conversationID]
	if !ok {
		e.mu.Unlock()
		return
	}

	var toAck []string
	var maxTS int64
	focused := v.focused
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		_, existed := v.get(m.MsgID)
		merged, changed := v.upsert(m)
		if m.CreatedAt > maxTS {
			maxTS = m.CreatedAt
		}
		if !changed {
			continue
		}
		if err := e.db.UpsertMessage(&merged); err != nil {
			e.logger.Error("mirror upsert failed", zap.String("msg_id", merged.MsgID), zap.Error(err))
		}
		inbound := merged.SenderID != e.me
		if inbound && !status.AtLeast(merged.Status, status.Delivered) {
			toAck = append(toAck, merged.MsgID)
		}
		kind := bus.KindMessageStatus
		if !existed {
			kind = bus.KindMessageUpserted
		}
		e.bus.Publish(bus.Event{
			Kind:      kind,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"conversation_id": conversationID,
				"msg_id":          merged.MsgID,
				"status":          string(merged.Status),
			},
		})
		if inbound && !existed {
			if err := e.ledger.RecordObserved(&merged, e.me); err != nil {
				e.logger.Warn("ledger observe failed", zap.String("msg_id", merged.MsgID), zap.Error(err))
			}
		}
	}
	e.mu.Unlock()

	if maxTS > 0 {
		_ = e.db.SetCheckpoint("feed:"+conversationID, strconv.FormatInt(maxTS, 10))
	}

	if len(toAck) == 0 {
		return
	}
	if focused {
		// Reader is looking at the conversation: sent -> read directly,
		// delivered is implied and the counter never leaves zero.
		if err := e.MarkConversationRead(ctx, conversationID); err != nil {
			e.logger.Warn("mark read on change failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return
	}
	e.ackDelivered(ctx, conversationID, toAck)
}

// ackDelivered writes the delivered acknowledgment for inbound messages.
// Failures are non-critical: the feed redelivers and we ack again.
func (e *Engine) ackDelivered(ctx context.Context, conversationID string, msgIDs []string) {
	now := time.Now().UnixMilli()
	if err := e.remote.BatchUpdateStatus(ctx, msgIDs, status.Delivered, 0); err != nil {
		e.logger.Warn("delivered ack failed", zap.String("conversation_id", conversationID),
			zap.Int("count", len(msgIDs)), zap.Error(err))
		return
	}
	e.mu.Lock()
	v, ok := e.views[conversationID]
	if ok {
		for _, id := range msgIDs {
			if m, found := v.get(id); found {
				merged := status.Merge(m.Status, status.Delivered)
				v.setStatus(id, merged, now, 0)
			}
		}
	}
	e.mu.Unlock()
	if err := e.db.SetMessageStatusBatch(msgIDs, status.Delivered, now, 0); err != nil {
		e.logger.Error("mirror delivered update failed", zap.Error(err))
	}
}

// MarkConversationRead batch-transitions every unread inbound message to
// read and zeroes my unread counter as one logical unit. A crash between
// the two is healed by the ledger's recompute on the next cycle.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	ids, err := e.db.UnreadInbound(conversationID, e.me)
	if err != nil {
		return fmt.Errorf("collect unread: %w", err)
	}
	now := time.Now().UnixMilli()

	if len(ids) > 0 {
		if err := e.remote.BatchUpdateStatus(ctx, ids, status.Read, now); err != nil {
			return fmt.Errorf("batch read ack: %w", err)
		}
		if err := e.db.SetMessageStatusBatch(ids, status.Read, now, now); err != nil {
			return fmt.Errorf("mirror read update: %w", err)
		}
		e.mu.Lock()
		if v, ok := e.views[conversationID]; ok {
			for _, id := range ids {
				v.setStatus(id, status.Read, now, now)
			}
		}
		e.mu.Unlock()
	}

	if err := e.ledger.ResetUnread(ctx, conversationID, e.me); err != nil {
		// Messages are already read remotely; reconverge the counter
		// locally and let the next reconciliation fix the remote copy.
		e.logger.Warn("unread reset failed, recomputing", zap.String("conversation_id", conversationID), zap.Error(err))
		if _, rErr := e.ledger.RecomputeUnread(conversationID, e.me); rErr != nil {
			return rErr
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationRead,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"reader":          e.me,
		},
	})
	return nil
}

// LoadMore fetches the next older page from the remote store. Returns
// false once history is exhausted; the end-of-history signal fires at most
// once per view.
func (e *Engine) LoadMore(ctx context.Context, conversationID string) (bool, error) {
	e.mu.Lock()
	v, ok := e.views[conversationID]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("conversation %s not open", conversationID)
	}
	if v.endOfHistory {
		e.mu.Unlock()
		return false, nil
	}
	cursor := v.cursor
	cursorID := v.cursorID
	epoch := v.epoch
	e.mu.Unlock()

	if cursor <= 0 {
		cursor = time.Now().UnixMilli() + 1
		cursorID = ""
	}
	page, err := e.remote.ReadPage(ctx, conversationID, e.pageSize, cursor, cursorID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	v, ok = e.views[conversationID]
	if !ok || v.epoch != epoch {
		// Conversation was torn down while the page was in flight.
		e.mu.Unlock()
		return false, nil
	}
	for _, m := range page {
		merged, changed := v.upsert(m)
		if changed {
			if err := e.db.UpsertMessage(&merged); err != nil {
				e.logger.Error("mirror upsert failed", zap.String("msg_id", merged.MsgID), zap.Error(err))
			}
		}
	}
	more := len(page) >= e.pageSize
	if !more {
		v.endOfHistory = true
	}
	e.mu.Unlock()
	return more, nil
}

// subscribe opens the change feed for a conversation and pumps snapshots
// into the merge path until the subscription ends. The feed resumes from
// the last merged checkpoint so a reconnect does not replay the full
// history window.
func (e *Engine) subscribe(ctx context.Context, conversationID string, epoch int) {
	var since int64
	if cp, err := e.db.GetCheckpoint("feed:" + conversationID); err == nil && cp != "" {
		since, _ = strconv.ParseInt(cp, 10, 64)
	}
	sub, err := e.remote.Subscribe(ctx, conversationID, since)
	if err != nil {
		e.logger.Warn("change feed subscribe failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}

	e.mu.Lock()
	v, ok := e.views[conversationID]
	if !ok || v.epoch != epoch {
		e.mu.Unlock()
		sub.Cancel()
		return
	}
	if v.sub != nil {
		v.sub.Cancel()
	}
	v.sub = sub
	e.mu.Unlock()

	go func() {
		for msgs := range sub.Changes {
			e.OnRemoteChange(ctx, conversationID, msgs)
		}
		e.mu.Lock()
		if v, ok := e.views[conversationID]; ok && v.sub == sub {
			v.sub = nil
		}
		e.mu.Unlock()
	}()
}

// resubscribeAll re-opens dead change feeds after connectivity returns.
func (e *Engine) resubscribeAll(ctx context.Context) {
	e.mu.Lock()
	type target struct {
		id    string
		epoch int
	}
	var targets []target
	for id, v := range e.views {
		if v.sub == nil {
			targets = append(targets, target{id: id, epoch: v.epoch})
		}
	}
	e.mu.Unlock()

	for _, t := range targets {
		e.subscribe(ctx, t.id, t.epoch)
	}
}
