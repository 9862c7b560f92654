package event

import "time"

// EpochClosed records the end of a batch window: the closed epoch's
// membership is frozen and the next epoch opens, seeded with any shares that
// were rolled into it while it was still pending.
type EpochClosed struct {
	EpochID              uint64
	TotalRequestedShares uint64
	NextEpochID          uint64
	SeededShares         uint64
	Timestamp            time.Time
}

func (e *EpochClosed) EventType() EventType {
	return EventTypeEpochClosed
}

// EpochProcessed records settlement of a closed epoch: the price locked for
// every request in it, the shares retired, and the value reserved for claims.
type EpochProcessed struct {
	EpochID       uint64
	LockedPrice   uint64
	TotalShares   uint64
	ValueReserved uint64
	Timestamp     time.Time
}

func (e *EpochProcessed) EventType() EventType {
	return EventTypeEpochProcessed
}

// QueueModeChanged records the operator toggling submissions on or off.
type QueueModeChanged struct {
	Active    bool
	Timestamp time.Time
}

func (e *QueueModeChanged) EventType() EventType {
	return EventTypeQueueModeChanged
}
