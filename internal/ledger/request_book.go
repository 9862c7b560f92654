package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestKey identifies a pending withdrawal request by (user, epoch).
type RequestKey struct {
	User    uuid.UUID
	EpochID uint64
}

// RequestBook is the durable mapping from (user, epoch) to requested shares.
// Entries are strictly positive while they exist and are deleted, not zeroed,
// once fully claimed or cancelled. Multiple submissions by the same user
// within the same epoch accumulate into one entry.
//
// The book mutates only its own entries; the caller is responsible for the
// matching epoch-total adjustment (both or neither — the QueueEngine performs
// both under one critical section).
type RequestBook struct {
	entries map[RequestKey]uint64
}

func NewRequestBook() *RequestBook {
	return &RequestBook{
		entries: make(map[RequestKey]uint64),
	}
}

// Add accumulates shares onto the entry for (user, epochID), creating it if
// absent. Fails with ErrZeroAmount if shares is zero.
func (rb *RequestBook) Add(user uuid.UUID, epochID uint64, shares uint64) error {
	if shares == 0 {
		return fmt.Errorf("%w: add request for user %s epoch %d", ErrZeroAmount, user, epochID)
	}

	key := RequestKey{User: user, EpochID: epochID}
	rb.entries[key] += shares
	return nil
}

// Remove subtracts shares from the entry, deleting it when it reaches zero.
// Fails with ErrInsufficientRequest if shares exceed the stored amount.
func (rb *RequestBook) Remove(user uuid.UUID, epochID uint64, shares uint64) error {
	key := RequestKey{User: user, EpochID: epochID}
	stored := rb.entries[key]

	if shares > stored {
		return fmt.Errorf("%w: user %s epoch %d has %d, remove %d",
			ErrInsufficientRequest, user, epochID, stored, shares)
	}

	remaining := stored - shares
	if remaining == 0 {
		delete(rb.entries, key)
	} else {
		rb.entries[key] = remaining
	}
	return nil
}

// Peek returns the requested shares for (user, epochID), zero if absent.
func (rb *RequestBook) Peek(user uuid.UUID, epochID uint64) uint64 {
	return rb.entries[RequestKey{User: user, EpochID: epochID}]
}

// EpochTotal sums all live entries for an epoch. Used by the invariant
// validator and tests; the hot path reads the EpochBook counter instead.
func (rb *RequestBook) EpochTotal(epochID uint64) uint64 {
	var total uint64
	for key, shares := range rb.entries {
		if key.EpochID == epochID {
			total += shares
		}
	}
	return total
}

// Len returns the number of live entries.
func (rb *RequestBook) Len() int {
	return len(rb.entries)
}

// Snapshot returns a copy of all live entries (for snapshot creation).
func (rb *RequestBook) Snapshot() map[RequestKey]uint64 {
	result := make(map[RequestKey]uint64, len(rb.entries))
	for k, v := range rb.entries {
		result[k] = v
	}
	return result
}

// Restore directly sets an entry (used for snapshot restore).
func (rb *RequestBook) Restore(key RequestKey, shares uint64) {
	if shares == 0 {
		return
	}
	rb.entries[key] = shares
}
