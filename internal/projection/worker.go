package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"RedeemLedger/internal/event"
	"RedeemLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Output is one applied event handed to the projection worker. The
// orchestrator bridges engine outputs onto this channel.
type Output struct {
	Sequence int64
	Event    event.Event
}

// Worker maintains the query-side read models (epochs, requests, queue
// status) from applied events. Its input channel is fed with non-blocking
// sends and may drop under load: projections are eventually consistent and
// can always be rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run applies events to the projection tables until ctx is cancelled or the
// channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.apply(ctx, output); err != nil {
				// Keep going: the read model lags but the rebuild path
				// recovers it from the log.
				w.logger.Warn().
					Int64("sequence", output.Sequence).
					Err(err).
					Msg("projection update failed")
				continue
			}
			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.
					WithLabelValues("queue").
					Observe(time.Since(start).Seconds())
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, output Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyEvent(ctx, tx, output.Sequence, output.Event); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('queue', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyEvent(ctx context.Context, tx *sql.Tx, seq int64, evt event.Event) error {
	switch ev := evt.(type) {
	case *event.RequestSubmitted:
		if err := addRequest(ctx, tx, seq, ev.UserID.String(), ev.EpochID, ev.Shares); err != nil {
			return err
		}
		return bumpEpochTotal(ctx, tx, seq, ev.EpochID, int64(ev.Shares))

	case *event.RequestCancelled:
		if err := subRequest(ctx, tx, seq, ev.UserID.String(), ev.EpochID, ev.Shares); err != nil {
			return err
		}
		return bumpEpochTotal(ctx, tx, seq, ev.EpochID, -int64(ev.Shares))

	case *event.RequestRolledOver:
		if err := subRequest(ctx, tx, seq, ev.UserID.String(), ev.FromEpochID, ev.Shares); err != nil {
			return err
		}
		if err := addRequest(ctx, tx, seq, ev.UserID.String(), ev.ToEpochID, ev.Shares); err != nil {
			return err
		}
		return bumpEpochTotal(ctx, tx, seq, ev.FromEpochID, -int64(ev.Shares))

	case *event.EpochClosed:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.epochs
				(epoch_id, state, total_requested_shares, reserved_value, locked_price, last_sequence)
			VALUES ($1, 1, $2, 0, NULL, $3)
			ON CONFLICT (epoch_id) DO UPDATE
				SET state = 1, total_requested_shares = $2, last_sequence = $3
		`, ev.EpochID, ev.TotalRequestedShares, seq); err != nil {
			return fmt.Errorf("close epoch: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.epochs
				(epoch_id, state, total_requested_shares, reserved_value, locked_price, last_sequence)
			VALUES ($1, 0, $2, 0, NULL, $3)
			ON CONFLICT (epoch_id) DO UPDATE
				SET state = 0, total_requested_shares = $2, last_sequence = $3
		`, ev.NextEpochID, ev.SeededShares, seq); err != nil {
			return fmt.Errorf("open next epoch: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.queue_status
			SET current_epoch_id = $1, last_sequence = $2
		`, ev.NextEpochID, seq); err != nil {
			return fmt.Errorf("advance current epoch: %w", err)
		}
		return nil

	case *event.EpochProcessed:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.epochs
			SET state = 2, locked_price = $2, reserved_value = $3, last_sequence = $4
			WHERE epoch_id = $1
		`, ev.EpochID, ev.LockedPrice, ev.ValueReserved, seq); err != nil {
			return fmt.Errorf("process epoch: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.queue_status
			SET total_reserved_value = total_reserved_value + $1, last_sequence = $2
		`, ev.ValueReserved, seq); err != nil {
			return fmt.Errorf("bump reserved: %w", err)
		}
		return nil

	case *event.ClaimSettled:
		for _, s := range ev.Epochs {
			if err := subRequest(ctx, tx, seq, ev.UserID.String(), s.EpochID, s.Shares); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE projections.epochs
				SET reserved_value = reserved_value - $2, last_sequence = $3
				WHERE epoch_id = $1
			`, s.EpochID, s.Owed, seq); err != nil {
				return fmt.Errorf("release epoch reservation: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.queue_status
			SET total_reserved_value = total_reserved_value - $1, last_sequence = $2
		`, ev.TotalOwed, seq); err != nil {
			return fmt.Errorf("release reserved: %w", err)
		}
		return nil

	case *event.QueueModeChanged:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.queue_status
			SET queue_active = $1, last_sequence = $2
		`, ev.Active, seq)
		return err

	default:
		return fmt.Errorf("unknown event type %T", evt)
	}
}

func addRequest(ctx context.Context, tx *sql.Tx, seq int64, userID string, epochID, shares uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.requests (user_id, epoch_id, shares, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, epoch_id)
		DO UPDATE SET shares = projections.requests.shares + $3, last_sequence = $4
	`, userID, epochID, shares, seq)
	if err != nil {
		return fmt.Errorf("add request: %w", err)
	}
	return nil
}

func subRequest(ctx context.Context, tx *sql.Tx, seq int64, userID string, epochID, shares uint64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.requests
		SET shares = shares - $3, last_sequence = $4
		WHERE user_id = $1 AND epoch_id = $2
	`, userID, epochID, shares, seq); err != nil {
		return fmt.Errorf("sub request: %w", err)
	}
	// Entries are removed, not zeroed, mirroring the in-memory book
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM projections.requests
		WHERE user_id = $1 AND epoch_id = $2 AND shares = 0
	`, userID, epochID); err != nil {
		return fmt.Errorf("prune request: %w", err)
	}
	return nil
}

func bumpEpochTotal(ctx context.Context, tx *sql.Tx, seq int64, epochID uint64, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.epochs
			(epoch_id, state, total_requested_shares, reserved_value, locked_price, last_sequence)
		VALUES ($1, 0, GREATEST($2, 0), 0, NULL, $3)
		ON CONFLICT (epoch_id) DO UPDATE
			SET total_requested_shares = projections.epochs.total_requested_shares + $2,
			    last_sequence = $3
	`, epochID, delta, seq)
	if err != nil {
		return fmt.Errorf("bump epoch total: %w", err)
	}
	return nil
}

// RebuildProjections truncates the read models and replays the entire event
// log through the same per-event handlers the live worker uses.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.epochs`,
		`TRUNCATE projections.requests`,
		`UPDATE projections.queue_status SET current_epoch_id = 1, total_reserved_value = 0, queue_active = TRUE, last_sequence = 0`,
		`DELETE FROM projections.watermark WHERE worker_id = 'queue'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sequence, event_type, payload
		FROM event_log.events
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("scan event log: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var seq int64
		var eventType string
		var payload []byte
		if err := rows.Scan(&seq, &eventType, &payload); err != nil {
			return err
		}

		evt, err := event.UnmarshalPayload(event.EventTypeFromString(eventType), payload)
		if err != nil {
			return fmt.Errorf("rebuild at sequence %d: %w", seq, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := applyEvent(ctx, tx, seq, evt); err != nil {
			tx.Rollback()
			return fmt.Errorf("rebuild at sequence %d: %w", seq, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	logger.Info().Int64("events", count).Msg("projection rebuild complete")
	return nil
}
