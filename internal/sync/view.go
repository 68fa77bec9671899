package sync

import (
	"sort"

	"github.com/courierhq/courier/internal/remote"
	"github.com/courierhq/courier/internal/status"
	"github.com/courierhq/courier/internal/store"
)

// view is the reconciled in-memory message list for one open conversation.
// All mutation happens under the engine mutex.
type view struct {
	conversationID string
	msgs           []store.Message // ascending by CreatedAt
	index          map[string]int  // msg_id -> position in msgs
	cursor         int64           // oldest loaded CreatedAt; 0 = nothing loaded
	cursorID       string          // msg_id tiebreak at the cursor timestamp
	endOfHistory   bool
	focused        bool
	sub            *remote.Subscription
	epoch          int // bumped on Close; late results for old epochs are dropped
}

func newView(conversationID string) *view {
	return &view{
		conversationID: conversationID,
		index:          make(map[string]int),
	}
}

// upsert merges one message into the view. Status advances monotonically.
// Returns the stored message and whether anything changed.
func (v *view) upsert(m store.Message) (store.Message, bool) {
	if i, ok := v.index[m.MsgID]; ok {
		cur := &v.msgs[i]
		merged := status.Merge(cur.Status, m.Status)
		changed := false
		if merged != cur.Status {
			cur.Status = merged
			changed = true
		}
		if m.DeliveredAt > cur.DeliveredAt {
			cur.DeliveredAt = m.DeliveredAt
			changed = true
		}
		if m.ReadAt > cur.ReadAt {
			cur.ReadAt = m.ReadAt
			changed = true
		}
		return *cur, changed
	}

	v.msgs = append(v.msgs, m)
	if n := len(v.msgs); n > 1 && v.msgs[n-2].CreatedAt > m.CreatedAt {
		sort.SliceStable(v.msgs, func(i, j int) bool {
			return v.msgs[i].CreatedAt < v.msgs[j].CreatedAt
		})
		v.reindex()
	} else {
		v.index[m.MsgID] = len(v.msgs) - 1
	}
	if v.cursor == 0 || m.CreatedAt < v.cursor ||
		(m.CreatedAt == v.cursor && m.MsgID < v.cursorID) {
		v.cursor = m.CreatedAt
		v.cursorID = m.MsgID
	}
	return m, true
}

// setStatus overwrites the status of a message the view holds, without the
// monotonic guard. The engine validates transitions before calling.
func (v *view) setStatus(msgID string, st status.Status, deliveredAt, readAt int64) bool {
	i, ok := v.index[msgID]
	if !ok {
		return false
	}
	cur := &v.msgs[i]
	cur.Status = st
	if deliveredAt > cur.DeliveredAt {
		cur.DeliveredAt = deliveredAt
	}
	if readAt > cur.ReadAt {
		cur.ReadAt = readAt
	}
	return true
}

func (v *view) get(msgID string) (store.Message, bool) {
	i, ok := v.index[msgID]
	if !ok {
		return store.Message{}, false
	}
	return v.msgs[i], true
}

// snapshot returns a copy of the ordered list for consumers.
func (v *view) snapshot() []store.Message {
	out := make([]store.Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

func (v *view) reindex() {
	for i := range v.msgs {
		v.index[v.msgs[i].MsgID] = i
	}
}
