package core

import (
	"sort"

	"RedeemLedger/internal/ledger"

	"github.com/google/uuid"
)

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence       int64
	StateHash      [32]byte
	QueueActive    bool
	CurrentEpochID uint64
	NextRequested  uint64
	TotalReserved  uint64
	Epochs         []EpochSnapshot
	Requests       []RequestSnapshot
}

// EpochSnapshot is one epoch lifecycle record, flattened.
type EpochSnapshot struct {
	ID                   uint64
	State                int32
	TotalRequestedShares uint64
	ReservedValue        uint64
	LockedPrice          uint64
}

// RequestSnapshot is one live request entry.
type RequestSnapshot struct {
	User    uuid.UUID
	EpochID uint64
	Shares  uint64
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Entries are sorted so identical states always serialize identically.
func (e *QueueEngine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	allEpochs := e.epochs.AllEpochs()
	sort.Slice(allEpochs, func(i, j int) bool { return allEpochs[i].ID < allEpochs[j].ID })

	epochs := make([]EpochSnapshot, 0, len(allEpochs))
	for _, ep := range allEpochs {
		price, _ := ep.LockedPrice()
		epochs = append(epochs, EpochSnapshot{
			ID:                   ep.ID,
			State:                int32(ep.State),
			TotalRequestedShares: ep.TotalRequestedShares,
			ReservedValue:        ep.ReservedValue,
			LockedPrice:          price,
		})
	}

	entries := e.requests.Snapshot()
	requests := make([]RequestSnapshot, 0, len(entries))
	for key, shares := range entries {
		requests = append(requests, RequestSnapshot{
			User:    key.User,
			EpochID: key.EpochID,
			Shares:  shares,
		})
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].EpochID != requests[j].EpochID {
			return requests[i].EpochID < requests[j].EpochID
		}
		return requests[i].User.String() < requests[j].User.String()
	})

	return &SnapshotState{
		Sequence:       e.sequence - 1, // Last assigned sequence
		StateHash:      e.hasher.GetPrevHash(),
		QueueActive:    e.queueActive,
		CurrentEpochID: e.epochs.CurrentID(),
		NextRequested:  e.epochs.PendingNextRequested(),
		TotalReserved:  e.epochs.TotalReserved(),
		Epochs:         epochs,
		Requests:       requests,
	}
}

// RestoreFromSnapshot rebuilds the engine's in-memory state. On warm restart
// the caller loads the latest snapshot, restores, then replays the event log
// from the snapshot's sequence forward.
func (e *QueueEngine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.queueActive = snap.QueueActive

	epochs := make([]*ledger.Epoch, 0, len(snap.Epochs))
	for _, es := range snap.Epochs {
		epochs = append(epochs, ledger.RestoreEpochRecord(
			es.ID,
			ledger.EpochState(es.State),
			es.TotalRequestedShares,
			es.ReservedValue,
			es.LockedPrice,
		))
	}
	e.epochs.Restore(snap.CurrentEpochID, epochs, snap.NextRequested, snap.TotalReserved)

	fresh := ledger.NewRequestBook()
	for _, rs := range snap.Requests {
		fresh.Restore(ledger.RequestKey{User: rs.User, EpochID: rs.EpochID}, rs.Shares)
	}
	e.requests = fresh
	e.validator = ledger.NewInvariantValidator(e.requests, e.epochs)
}
