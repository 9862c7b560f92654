package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"RedeemLedger/internal/event"
)

// execer lets writer methods run against either the pool or a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes queue events to Postgres using multi-row INSERT.
// Writes are idempotent on sequence, so a retried batch that partially landed
// is safe to resend whole.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventType string
	Payload   []byte // JSON-encoded event payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// ToEventRow flattens an envelope for storage.
func ToEventRow(env *event.EventEnvelope) EventRow {
	stateHash := make([]byte, 32)
	prevHash := make([]byte, 32)
	copy(stateHash, env.StateHash[:])
	copy(prevHash, env.PrevHash[:])

	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Payload:   env.Payload,
		StateHash: stateHash,
		PrevHash:  prevHash,
		Timestamp: env.Timestamp,
	}
}

// ToEnvelope rebuilds the typed envelope from a stored row.
func (r EventRow) ToEnvelope() (*event.EventEnvelope, error) {
	et := event.EventTypeFromString(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("sequence %d: unknown event type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash columns", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:  r.Sequence,
		EventType: et,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events using a multi-row INSERT on the
// given execer (pool or open transaction).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*6)

	for i, e := range events {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		// Payload goes over as text: lib/pq would encode []byte as bytea,
		// which Postgres rejects for a jsonb column.
		args = append(args,
			e.Sequence, e.EventType, string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
