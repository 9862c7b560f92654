// Package pool defines the boundary between the withdrawal queue and the
// pooled fund it settles against. The engine never touches share or value
// balances directly; every movement goes through Accounting.
package pool

import "github.com/google/uuid"

// Accounting is the fund-side collaborator of the queue engine.
//
// Calls may fail (a price oracle can be stale, a transfer can bounce) and the
// engine treats any error as a full abort of the operation in flight: engine
// state never changes after a failed collaborator call. Implementations must
// therefore make each individual call atomic on their side as well.
type Accounting interface {
	// CurrentPricePerShare returns the fund's live price in value units per
	// whole share, at price scale.
	CurrentPricePerShare() (uint64, error)

	// AvailableSpendableValue returns the value the fund could pay out right
	// now, excluding anything already promised elsewhere.
	AvailableSpendableValue() (uint64, error)

	// MoveSharesIntoCustody takes shares from the user into engine custody.
	// Fails if the user does not hold that many free shares.
	MoveSharesIntoCustody(user uuid.UUID, shares uint64) error

	// ReturnSharesFromCustody gives custodied shares back to the user.
	ReturnSharesFromCustody(user uuid.UUID, shares uint64) error

	// RetireShares destroys custodied shares. Called exactly once per epoch,
	// at processing time, for the epoch's full frozen total.
	RetireShares(shares uint64) error

	// TransferValueTo pays reserved value out to a receiver.
	TransferValueTo(receiver uuid.UUID, value uint64) error
}
