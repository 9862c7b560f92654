package event

import (
	"time"

	"github.com/google/uuid"
)

// RequestSubmitted records shares queued into the current epoch. Shares are
// already in engine custody when this event is emitted.
type RequestSubmitted struct {
	UserID    uuid.UUID
	EpochID   uint64
	Shares    uint64
	Timestamp time.Time
}

func (r *RequestSubmitted) EventType() EventType {
	return EventTypeRequestSubmitted
}

// RequestCancelled records shares withdrawn from an unprocessed request and
// returned to the user.
type RequestCancelled struct {
	UserID    uuid.UUID
	EpochID   uint64
	Shares    uint64
	Timestamp time.Time
}

func (r *RequestCancelled) EventType() EventType {
	return EventTypeRequestCancelled
}

// RequestRolledOver records shares moved from the current epoch into the next
// one. Custody is unchanged; only the epoch assignment moves.
type RequestRolledOver struct {
	UserID      uuid.UUID
	FromEpochID uint64
	ToEpochID   uint64
	Shares      uint64
	Timestamp   time.Time
}

func (r *RequestRolledOver) EventType() EventType {
	return EventTypeRequestRolledOver
}
