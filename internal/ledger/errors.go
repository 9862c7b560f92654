package ledger

import "errors"

// Sentinel errors for the request and epoch books. All are matchable with
// errors.Is; callers wrap them with context via fmt.Errorf("%w: ...").
var (
	// Validation — rejected before any mutation.
	ErrZeroAmount = errors.New("zero amount")

	// State preconditions — rejected before any mutation.
	ErrInsufficientRequest   = errors.New("insufficient requested shares")
	ErrNoSuchRequest         = errors.New("no such request")
	ErrEpochNotClosed        = errors.New("epoch is not closed")
	ErrEpochAlreadyProcessed = errors.New("epoch already processed")
	ErrEpochAlreadyClosed    = errors.New("epoch already closed")
	ErrEpochNotProcessed     = errors.New("epoch not processed")
)
