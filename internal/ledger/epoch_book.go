package ledger

import "fmt"

// EpochState is the lifecycle state of an epoch.
type EpochState int32

const (
	// EpochStateActive accepts submissions, cancellations, and rollovers.
	EpochStateActive EpochState = iota
	// EpochStateClosed has frozen membership and awaits processing.
	EpochStateClosed
	// EpochStateProcessed is terminal: price locked, value reserved.
	EpochStateProcessed
)

func (s EpochState) String() string {
	switch s {
	case EpochStateActive:
		return "Active"
	case EpochStateClosed:
		return "Closed"
	case EpochStateProcessed:
		return "Processed"
	default:
		return "Unknown"
	}
}

// Epoch is one batch window for withdrawal requests.
//
// lockedPrice is meaningful only once State == Processed — the state IS the
// tag; there is no sentinel encoding. Read it through LockedPrice().
type Epoch struct {
	ID                   uint64
	State                EpochState
	TotalRequestedShares uint64
	ReservedValue        uint64

	lockedPrice uint64
}

// LockedPrice returns the price fixed at processing time, and whether the
// epoch has been processed.
func (e *Epoch) LockedPrice() (uint64, bool) {
	if e.State != EpochStateProcessed {
		return 0, false
	}
	return e.lockedPrice, true
}

// EpochBook owns epoch-identifier monotonicity and the per-epoch lifecycle.
// Exactly one epoch is Active at any time and its id equals the current id;
// every smaller id is Closed or Processed; no lifecycle record exists for ids
// beyond current. Shares rolled over into the next epoch are held in a
// pending counter and seed that epoch's total when it opens.
type EpochBook struct {
	currentID     uint64
	epochs        map[uint64]*Epoch
	nextRequested uint64 // shares rolled into epoch currentID+1 before it opens
	totalReserved uint64 // sum of reserved-not-yet-claimed over Processed epochs
}

func NewEpochBook() *EpochBook {
	book := &EpochBook{
		currentID: 1,
		epochs:    make(map[uint64]*Epoch),
	}
	book.epochs[1] = &Epoch{ID: 1, State: EpochStateActive}
	return book
}

// CurrentID returns the id of the Active epoch.
func (eb *EpochBook) CurrentID() uint64 {
	return eb.currentID
}

// Get returns the lifecycle record for an epoch id.
func (eb *EpochBook) Get(id uint64) (*Epoch, bool) {
	e, ok := eb.epochs[id]
	return e, ok
}

// TotalReserved returns the value promised to processed epochs and not yet
// paid out via claims.
func (eb *EpochBook) TotalReserved() uint64 {
	return eb.totalReserved
}

// AddRequested adds shares to the Active epoch's total.
func (eb *EpochBook) AddRequested(shares uint64) {
	eb.epochs[eb.currentID].TotalRequestedShares += shares
}

// SubRequested removes shares from the Active epoch's total.
// Underflow means a caller skipped the matching request-book check; that is a
// defect, not an input error.
func (eb *EpochBook) SubRequested(shares uint64) {
	current := eb.epochs[eb.currentID]
	if shares > current.TotalRequestedShares {
		panic(fmt.Sprintf("FATAL: epoch %d total underflow: have %d, sub %d",
			current.ID, current.TotalRequestedShares, shares))
	}
	current.TotalRequestedShares -= shares
}

// RolloverRequested moves shares from the Active epoch's total into the
// pending counter for the next epoch.
func (eb *EpochBook) RolloverRequested(shares uint64) {
	eb.SubRequested(shares)
	eb.nextRequested += shares
}

// CloseCurrent freezes the Active epoch and opens the next one, seeded with
// any rolled-over shares. Returns the closed epoch's id and frozen total.
//
// Closing does not require earlier epochs to be processed: arbitrarily many
// Closed epochs may coexist while the operator gathers liquidity, and each is
// processed independently.
func (eb *EpochBook) CloseCurrent() (closedID uint64, totalShares uint64) {
	closed := eb.epochs[eb.currentID]
	closed.State = EpochStateClosed

	eb.currentID++
	eb.epochs[eb.currentID] = &Epoch{
		ID:                   eb.currentID,
		State:                EpochStateActive,
		TotalRequestedShares: eb.nextRequested,
	}
	eb.nextRequested = 0

	return closed.ID, closed.TotalRequestedShares
}

// MarkProcessed transitions a Closed epoch to Processed, locking the price
// and reserving value. The caller has already run the liquidity gate.
func (eb *EpochBook) MarkProcessed(id uint64, price uint64, valueReserved uint64) error {
	e, ok := eb.epochs[id]
	if !ok {
		return fmt.Errorf("%w: epoch %d does not exist", ErrEpochNotClosed, id)
	}
	switch e.State {
	case EpochStateActive:
		return fmt.Errorf("%w: epoch %d is active", ErrEpochNotClosed, id)
	case EpochStateProcessed:
		return fmt.Errorf("%w: epoch %d", ErrEpochAlreadyProcessed, id)
	}

	e.State = EpochStateProcessed
	e.lockedPrice = price
	e.ReservedValue = valueReserved
	eb.totalReserved += valueReserved
	return nil
}

// ReleaseReserved decrements an epoch's reservation and the global counter as
// a claim settles. Underflow is unreachable in a correct engine (the floor
// rounding argument bounds the sum of claims by the reservation), so it trips
// a panic rather than returning an error.
func (eb *EpochBook) ReleaseReserved(id uint64, value uint64) {
	e, ok := eb.epochs[id]
	if !ok || e.State != EpochStateProcessed {
		panic(fmt.Sprintf("FATAL: release reserved on unprocessed epoch %d", id))
	}
	if value > e.ReservedValue {
		panic(fmt.Sprintf("FATAL: epoch %d reservation underflow: have %d, release %d",
			id, e.ReservedValue, value))
	}
	if value > eb.totalReserved {
		panic(fmt.Sprintf("FATAL: global reservation underflow: have %d, release %d",
			eb.totalReserved, value))
	}
	e.ReservedValue -= value
	eb.totalReserved -= value
}

// PendingNextRequested returns shares already rolled into the not-yet-open
// next epoch.
func (eb *EpochBook) PendingNextRequested() uint64 {
	return eb.nextRequested
}

// AllEpochs returns all lifecycle records (for snapshot creation and the
// invariant validator).
func (eb *EpochBook) AllEpochs() []*Epoch {
	result := make([]*Epoch, 0, len(eb.epochs))
	for _, e := range eb.epochs {
		result = append(result, e)
	}
	return result
}

// Restore rebuilds the book from snapshot data.
func (eb *EpochBook) Restore(currentID uint64, epochs []*Epoch, nextRequested, totalReserved uint64) {
	eb.currentID = currentID
	eb.epochs = make(map[uint64]*Epoch, len(epochs))
	for _, e := range epochs {
		eb.epochs[e.ID] = e
	}
	eb.nextRequested = nextRequested
	eb.totalReserved = totalReserved
}

// RestoreEpochRecord builds a lifecycle record from snapshot data, locked
// price included.
func RestoreEpochRecord(id uint64, state EpochState, totalShares, reserved, lockedPrice uint64) *Epoch {
	return &Epoch{
		ID:                   id,
		State:                state,
		TotalRequestedShares: totalShares,
		ReservedValue:        reserved,
		lockedPrice:          lockedPrice,
	}
}
