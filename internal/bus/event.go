package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter by prefix,
// e.g. "message." receives every message event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageStatus     = "message.status_changed"
	KindMessageSendFailed = "message.send_failed"
	KindConversationRead  = "conversation.read"
	KindConversationDirty = "conversation.updated"
	KindNetworkUp         = "network.up"
	KindNetworkDown       = "network.down"
	KindOutboxDrained     = "outbox.drained"
)
