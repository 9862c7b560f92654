package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRequestSubmitted
	EventTypeRequestCancelled
	EventTypeRequestRolledOver
	EventTypeEpochClosed
	EventTypeEpochProcessed
	EventTypeClaimSettled
	EventTypeQueueModeChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Event type discriminator
	EventType EventType

	// Time the operation was accepted
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement.
//
// Payloads carry the full state transition, not just the command inputs, so
// that replay can reproduce every book mutation without consulting the pool:
// settlement events embed the locked price and the per-epoch breakdown that
// was computed from it at the time.
type Event interface {
	// EventType returns the discriminator
	EventType() EventType
}

// EventTypeFromString maps a stored type name back to its discriminator.
// Returns EventTypeUnknown for names this build does not know.
func EventTypeFromString(s string) EventType {
	switch s {
	case "RequestSubmitted":
		return EventTypeRequestSubmitted
	case "RequestCancelled":
		return EventTypeRequestCancelled
	case "RequestRolledOver":
		return EventTypeRequestRolledOver
	case "EpochClosed":
		return EventTypeEpochClosed
	case "EpochProcessed":
		return EventTypeEpochProcessed
	case "ClaimSettled":
		return EventTypeClaimSettled
	case "QueueModeChanged":
		return EventTypeQueueModeChanged
	default:
		return EventTypeUnknown
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeRequestSubmitted:
		return "RequestSubmitted"
	case EventTypeRequestCancelled:
		return "RequestCancelled"
	case EventTypeRequestRolledOver:
		return "RequestRolledOver"
	case EventTypeEpochClosed:
		return "EpochClosed"
	case EventTypeEpochProcessed:
		return "EpochProcessed"
	case EventTypeClaimSettled:
		return "ClaimSettled"
	case EventTypeQueueModeChanged:
		return "QueueModeChanged"
	default:
		return "Unknown"
	}
}
