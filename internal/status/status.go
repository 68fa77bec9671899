package status

import (
	"fmt"
	"slices"
)

// Status is the lifecycle state of a message.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions defines the allowed lifecycle transitions.
// Sent -> Read directly is permitted: a recipient that views the
// conversation before the delivered ack lands implies delivery.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// ranks orders statuses for the monotonic merge. Failed ranks with
// Sending: both mean "not known to the remote store yet".
var ranks = map[Status]int{
	Sending:   0,
	Failed:    0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	_, ok := ranks[s]
	return ok
}

// CanTransition reports whether from -> to is an allowed lifecycle step.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates and returns to, or an error if the step is not allowed.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid status transition from %s to %s", from, to)
	}
	return to, nil
}

// Merge combines a locally-held status with one observed remotely.
// Status only ever advances: an incoming value older than local is
// discarded, so a late "sent" event after "read" has no effect.
func Merge(local, incoming Status) Status {
	if !Valid(incoming) {
		return local
	}
	if !Valid(local) {
		return incoming
	}
	if ranks[incoming] > ranks[local] {
		return incoming
	}
	return local
}

// AtLeast reports whether s has reached the rank of min.
func AtLeast(s, min Status) bool {
	return ranks[s] >= ranks[min]
}
