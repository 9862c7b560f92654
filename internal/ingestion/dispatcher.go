package ingestion

import (
	"context"

	"RedeemLedger/internal/core"
	"RedeemLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueAPI is the slice of the engine the dispatcher drives.
type QueueAPI interface {
	Submit(caller core.Caller, shares uint64) (uint64, error)
	Cancel(caller core.Caller, user uuid.UUID, epochID uint64) (uint64, error)
	Rollover(caller core.Caller) (uint64, error)
	CloseEpoch(caller core.Caller) (uint64, error)
	ProcessEpoch(caller core.Caller, epochID uint64) (uint64, uint64, error)
	Claim(caller core.Caller, receiver uuid.UUID, epochIDs []uint64) (uint64, error)
	ClaimBatch(caller core.Caller, users []uuid.UUID, epochID uint64) (uint64, error)
	SetQueueActive(caller core.Caller, active bool) error
}

// Dispatcher drains the raw command channel, parses and deduplicates each
// command, and applies it to the engine. Every command that reaches a
// terminal outcome is acked: malformed payloads and domain rejections will
// not succeed on redelivery, so holding them in the stream only stalls the
// consumer.
type Dispatcher struct {
	engine      QueueAPI
	dedup       *CommandDedup
	commandChan <-chan RawCommand
	logger      zerolog.Logger
}

func NewDispatcher(engine QueueAPI, commandChan <-chan RawCommand, dedupCapacity int) *Dispatcher {
	return &Dispatcher{
		engine:      engine,
		dedup:       NewCommandDedup(dedupCapacity),
		commandChan: commandChan,
		logger:      observability.NewLogger("dispatcher"),
	}
}

// Run processes commands until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.commandChan:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawCommand) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		d.logger.Warn().
			Str("subject", raw.Subject).
			Err(err).
			Msg("dropping malformed command")
		raw.AckFunc()
		return
	}

	if d.dedup.Seen(cmd.Kind(), cmd.CommandID()) {
		d.logger.Debug().
			Str("kind", cmd.Kind()).
			Str("command_id", cmd.CommandID()).
			Msg("duplicate command")
		raw.AckFunc()
		return
	}

	if err := d.apply(cmd); err != nil {
		// Domain rejection. Not marked applied: a retry with the same id is
		// a fresh attempt against the then-current state.
		d.logger.Info().
			Str("kind", cmd.Kind()).
			Str("command_id", cmd.CommandID()).
			Err(err).
			Msg("command rejected")
		raw.AckFunc()
		return
	}

	d.dedup.MarkApplied(cmd.Kind(), cmd.CommandID())
	raw.AckFunc()
}

func (d *Dispatcher) apply(cmd Command) error {
	switch c := cmd.(type) {
	case *SubmitCommand:
		_, err := d.engine.Submit(core.Caller{ID: c.User, Role: core.RoleUser}, c.Shares)
		return err

	case *CancelCommand:
		_, err := d.engine.Cancel(c.Caller, c.User, c.EpochID)
		return err

	case *RolloverCommand:
		_, err := d.engine.Rollover(core.Caller{ID: c.User, Role: core.RoleUser})
		return err

	case *CloseEpochCommand:
		_, err := d.engine.CloseEpoch(core.Caller{ID: c.Operator, Role: core.RoleOperator})
		return err

	case *ProcessEpochCommand:
		_, _, err := d.engine.ProcessEpoch(core.Caller{ID: c.Operator, Role: core.RoleOperator}, c.EpochID)
		return err

	case *ClaimCommand:
		_, err := d.engine.Claim(core.Caller{ID: c.User, Role: core.RoleUser}, c.Receiver, c.EpochIDs)
		return err

	case *ClaimBatchCommand:
		_, err := d.engine.ClaimBatch(core.Caller{ID: c.Operator, Role: core.RoleOperator}, c.Users, c.EpochID)
		return err

	case *SetQueueModeCommand:
		return d.engine.SetQueueActive(core.Caller{ID: c.Operator, Role: core.RoleOperator}, c.Active)

	default:
		// ParseCommand only produces the cases above.
		d.logger.Error().Str("kind", cmd.Kind()).Msg("unhandled command type")
		return nil
	}
}
