package query

import "github.com/google/uuid"

// EpochResponse represents one epoch's lifecycle record for API queries.
type EpochResponse struct {
	EpochID              uint64  `json:"epoch_id"`
	State                int32   `json:"state"`
	StateName            string  `json:"state_name"`
	TotalRequestedShares uint64  `json:"total_requested_shares"`
	ReservedValue        uint64  `json:"reserved_value"`
	LockedPrice          *uint64 `json:"locked_price,omitempty"`
	AsOfSequence         int64   `json:"as_of_sequence"`
}

// RequestResponse represents one user's pending request in an epoch.
type RequestResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	EpochID      uint64    `json:"epoch_id"`
	Shares       uint64    `json:"shares"`
	Claimable    bool      `json:"claimable"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// QueueStatusResponse summarizes the queue as a whole.
type QueueStatusResponse struct {
	CurrentEpochID     uint64 `json:"current_epoch_id"`
	TotalReservedValue uint64 `json:"total_reserved_value"`
	QueueActive        bool   `json:"queue_active"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an event-log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	ReservedDrift   int64   `json:"reserved_drift"`
}

func stateName(state int32) string {
	switch state {
	case 0:
		return "active"
	case 1:
		return "closed"
	case 2:
		return "processed"
	default:
		return "unknown"
	}
}
