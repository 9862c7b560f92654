package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"RedeemLedger/internal/core"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// On warm restart, the latest verified snapshot is loaded and the event log
// replayed from snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized queue state at a point in time.
type SnapshotData struct {
	Sequence       int64            `json:"sequence"`
	StateHash      []byte           `json:"state_hash"`
	QueueActive    bool             `json:"queue_active"`
	CurrentEpochID uint64           `json:"current_epoch_id"`
	NextRequested  uint64           `json:"next_requested"`
	TotalReserved  uint64           `json:"total_reserved"`
	Epochs         []EpochSnapRow   `json:"epochs"`
	Requests       []RequestSnapRow `json:"requests"`
	CreatedAt      time.Time        `json:"created_at"`
}

// EpochSnapRow is a serializable epoch lifecycle record.
type EpochSnapRow struct {
	ID                   uint64 `json:"id"`
	State                int32  `json:"state"`
	TotalRequestedShares uint64 `json:"total_requested_shares"`
	ReservedValue        uint64 `json:"reserved_value"`
	LockedPrice          uint64 `json:"locked_price"`
}

// RequestSnapRow is a serializable request entry.
type RequestSnapRow struct {
	UserID  string `json:"user_id"`
	EpochID uint64 `json:"epoch_id"`
	Shares  uint64 `json:"shares"`
}

// FromSnapshotState flattens engine state for storage.
func FromSnapshotState(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	stateHash := make([]byte, 32)
	copy(stateHash, state.StateHash[:])

	epochs := make([]EpochSnapRow, 0, len(state.Epochs))
	for _, e := range state.Epochs {
		epochs = append(epochs, EpochSnapRow{
			ID:                   e.ID,
			State:                e.State,
			TotalRequestedShares: e.TotalRequestedShares,
			ReservedValue:        e.ReservedValue,
			LockedPrice:          e.LockedPrice,
		})
	}

	requests := make([]RequestSnapRow, 0, len(state.Requests))
	for _, r := range state.Requests {
		requests = append(requests, RequestSnapRow{
			UserID:  r.User.String(),
			EpochID: r.EpochID,
			Shares:  r.Shares,
		})
	}

	return &SnapshotData{
		Sequence:       state.Sequence,
		StateHash:      stateHash,
		QueueActive:    state.QueueActive,
		CurrentEpochID: state.CurrentEpochID,
		NextRequested:  state.NextRequested,
		TotalReserved:  state.TotalReserved,
		Epochs:         epochs,
		Requests:       requests,
		CreatedAt:      createdAt,
	}
}

// ToSnapshotState rebuilds typed engine state from a stored snapshot.
func (s *SnapshotData) ToSnapshotState() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot at sequence %d: malformed state hash", s.Sequence)
	}

	state := &core.SnapshotState{
		Sequence:       s.Sequence,
		QueueActive:    s.QueueActive,
		CurrentEpochID: s.CurrentEpochID,
		NextRequested:  s.NextRequested,
		TotalReserved:  s.TotalReserved,
	}
	copy(state.StateHash[:], s.StateHash)

	state.Epochs = make([]core.EpochSnapshot, 0, len(s.Epochs))
	for _, e := range s.Epochs {
		state.Epochs = append(state.Epochs, core.EpochSnapshot{
			ID:                   e.ID,
			State:                e.State,
			TotalRequestedShares: e.TotalRequestedShares,
			ReservedValue:        e.ReservedValue,
			LockedPrice:          e.LockedPrice,
		})
	}

	state.Requests = make([]core.RequestSnapshot, 0, len(s.Requests))
	for _, r := range s.Requests {
		user, err := uuid.Parse(r.UserID)
		if err != nil {
			return nil, fmt.Errorf("snapshot at sequence %d: bad user id %q: %w", s.Sequence, r.UserID, err)
		}
		state.Requests = append(state.Requests, core.RequestSnapshot{
			User:    user,
			EpochID: r.EpochID,
			Shares:  r.Shares,
		})
	}

	return state, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, returning the serialized size. Snapshots
// are verified by replaying the event log forward before being trusted for
// restore.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, string(data), snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return len(data), err
}

// LoadLatestSnapshot loads the most recent verified snapshot, nil on a cold
// start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, zero when
// the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
