package ledger

import "fmt"

// InvariantValidator checks the books' structural invariants after each
// mutating operation. A failure here is a defect in the engine, never a user
// error — callers panic on it.
type InvariantValidator struct {
	requests *RequestBook
	epochs   *EpochBook
}

func NewInvariantValidator(requests *RequestBook, epochs *EpochBook) *InvariantValidator {
	return &InvariantValidator{requests: requests, epochs: epochs}
}

// ValidateEpochTotal verifies that an unprocessed epoch's frozen or running
// total equals the sum of its live request entries. Processed epochs are
// exempt: claims clear entries without touching the frozen total.
func (v *InvariantValidator) ValidateEpochTotal(epochID uint64) error {
	e, ok := v.epochs.Get(epochID)
	if !ok {
		// Pending next epoch: total lives in the rollover counter.
		if epochID == v.epochs.CurrentID()+1 {
			if got := v.requests.EpochTotal(epochID); got != v.epochs.PendingNextRequested() {
				return fmt.Errorf("pending epoch %d: entries sum to %d, counter says %d",
					epochID, got, v.epochs.PendingNextRequested())
			}
			return nil
		}
		return fmt.Errorf("epoch %d does not exist", epochID)
	}

	if e.State == EpochStateProcessed {
		return nil
	}

	if got := v.requests.EpochTotal(epochID); got != e.TotalRequestedShares {
		return fmt.Errorf("epoch %d: entries sum to %d, counter says %d",
			epochID, got, e.TotalRequestedShares)
	}
	return nil
}

// ValidateReservedConservation verifies the primary correctness property:
// the global reservation equals the sum over Processed epochs of value
// reserved at processing time minus value already paid out.
func (v *InvariantValidator) ValidateReservedConservation() error {
	var sum uint64
	for _, e := range v.epochs.AllEpochs() {
		if e.State == EpochStateProcessed {
			sum += e.ReservedValue
		}
	}

	if sum != v.epochs.TotalReserved() {
		return fmt.Errorf("reservation conservation broken: epochs sum to %d, global counter is %d",
			sum, v.epochs.TotalReserved())
	}
	return nil
}
