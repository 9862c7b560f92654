package event

import (
	"time"

	"github.com/google/uuid"
)

// EpochSettlement is one epoch's contribution to a settled claim: the shares
// cleared from the user's request and the value owed for them at that epoch's
// locked price.
type EpochSettlement struct {
	EpochID uint64
	Shares  uint64
	Owed    uint64
}

// ClaimSettled records an atomic payout across one or more processed epochs.
// The breakdown is embedded so replay can release each epoch's reservation
// exactly as the live run did.
type ClaimSettled struct {
	UserID      uuid.UUID
	ReceiverID  uuid.UUID
	Epochs      []EpochSettlement
	TotalShares uint64
	TotalOwed   uint64
	Timestamp   time.Time
}

func (c *ClaimSettled) EventType() EventType {
	return EventTypeClaimSettled
}
