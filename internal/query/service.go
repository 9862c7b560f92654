package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the projection tables. All
// responses carry as_of_sequence so callers can judge freshness against the
// engine's live sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetEpoch returns one epoch's lifecycle record.
func (qs *QueryService) GetEpoch(ctx context.Context, epochID uint64) (*EpochResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var resp EpochResponse
	var lockedPrice sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT epoch_id, state, total_requested_shares, reserved_value, locked_price
		FROM projections.epochs
		WHERE epoch_id = $1
	`, epochID).Scan(
		&resp.EpochID, &resp.State, &resp.TotalRequestedShares,
		&resp.ReservedValue, &lockedPrice,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lockedPrice.Valid {
		p := uint64(lockedPrice.Int64)
		resp.LockedPrice = &p
	}
	resp.StateName = stateName(resp.State)
	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

// ListEpochs returns epochs in descending id order with cursor-based
// pagination: pass the last epoch_id of the previous page as beforeEpoch.
func (qs *QueryService) ListEpochs(
	ctx context.Context,
	limit int,
	beforeEpoch *uint64,
) ([]EpochResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT epoch_id, state, total_requested_shares, reserved_value, locked_price
		FROM projections.epochs
	`
	args := []interface{}{}
	argIdx := 1

	if beforeEpoch != nil {
		query += fmt.Sprintf(" WHERE epoch_id < $%d", argIdx)
		args = append(args, *beforeEpoch)
		argIdx++
	}

	query += " ORDER BY epoch_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []EpochResponse
	for rows.Next() {
		var e EpochResponse
		var lockedPrice sql.NullInt64
		if err := rows.Scan(
			&e.EpochID, &e.State, &e.TotalRequestedShares,
			&e.ReservedValue, &lockedPrice,
		); err != nil {
			return nil, err
		}
		if lockedPrice.Valid {
			p := uint64(lockedPrice.Int64)
			e.LockedPrice = &p
		}
		e.StateName = stateName(e.State)
		e.AsOfSequence = asOfSeq
		epochs = append(epochs, e)
	}

	return epochs, rows.Err()
}

// GetUserRequests returns all of a user's pending requests across epochs,
// flagging the ones whose epoch has been processed and can be claimed.
func (qs *QueryService) GetUserRequests(
	ctx context.Context,
	userID uuid.UUID,
) ([]RequestResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT r.epoch_id, r.shares, COALESCE(e.state, 0) = 2
		FROM projections.requests r
		LEFT JOIN projections.epochs e ON e.epoch_id = r.epoch_id
		WHERE r.user_id = $1 AND r.shares > 0
		ORDER BY r.epoch_id
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []RequestResponse
	for rows.Next() {
		var r RequestResponse
		r.UserID = userID
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(&r.EpochID, &r.Shares, &r.Claimable); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}

	return requests, rows.Err()
}

// GetQueueStatus returns the queue-wide summary row.
func (qs *QueryService) GetQueueStatus(ctx context.Context) (*QueueStatusResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var resp QueueStatusResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT current_epoch_id, total_reserved_value, queue_active
		FROM projections.queue_status
	`).Scan(&resp.CurrentEpochID, &resp.TotalReservedValue, &resp.QueueActive)
	if err == sql.ErrNoRows {
		// Fresh database: the singleton row is seeded by migrations, but
		// tolerate its absence.
		resp.CurrentEpochID = 1
		resp.QueueActive = true
	} else if err != nil {
		return nil, err
	}

	resp.AsOfSequence = asOfSeq
	return &resp, nil
}

// VerifyIntegrity checks event-log hash chain continuity and compares the
// projected per-epoch reservations against the queue-wide total.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sum of processed-epoch reservations must match the queue total.
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT SUM(reserved_value) FROM projections.epochs WHERE state = 2), 0)
		     - (SELECT total_reserved_value FROM projections.queue_status)
	`).Scan(&report.ReservedDrift)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.ReservedDrift == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'queue'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
