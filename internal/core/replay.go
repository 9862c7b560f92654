package core

import (
	"fmt"

	"RedeemLedger/internal/event"
)

// ReplayEvent applies one logged event during startup recovery. Replay goes
// straight to the books: no collaborator calls, no channel emission — the
// payload already carries every number the live run computed, locked prices
// and per-epoch claim breakdowns included.
//
// The hash chain is re-verified link by link; any divergence means the log
// and the code disagree about history and the process must not serve.
func (e *QueueEngine) ReplayEvent(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, log has %d", e.sequence, env.Sequence)
	}
	if env.PrevHash != e.hasher.GetPrevHash() {
		return fmt.Errorf("replay chain break at sequence %d: prev hash mismatch", env.Sequence)
	}

	evt, err := event.UnmarshalPayload(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	if err := e.applyReplayed(evt); err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
	}

	computed := e.hasher.ComputeHash(env.Sequence, e.computeStateDigest())
	if computed != env.StateHash {
		return fmt.Errorf("replay divergence at sequence %d: state hash mismatch", env.Sequence)
	}

	e.sequence++
	return nil
}

func (e *QueueEngine) applyReplayed(evt event.Event) error {
	switch ev := evt.(type) {
	case *event.RequestSubmitted:
		if err := e.requests.Add(ev.UserID, ev.EpochID, ev.Shares); err != nil {
			return err
		}
		e.epochs.AddRequested(ev.Shares)

	case *event.RequestCancelled:
		if err := e.requests.Remove(ev.UserID, ev.EpochID, ev.Shares); err != nil {
			return err
		}
		e.epochs.SubRequested(ev.Shares)

	case *event.RequestRolledOver:
		if err := e.requests.Remove(ev.UserID, ev.FromEpochID, ev.Shares); err != nil {
			return err
		}
		if err := e.requests.Add(ev.UserID, ev.ToEpochID, ev.Shares); err != nil {
			return err
		}
		e.epochs.RolloverRequested(ev.Shares)

	case *event.EpochClosed:
		closedID, _ := e.epochs.CloseCurrent()
		if closedID != ev.EpochID {
			return fmt.Errorf("closed epoch %d, log says %d", closedID, ev.EpochID)
		}

	case *event.EpochProcessed:
		if err := e.epochs.MarkProcessed(ev.EpochID, ev.LockedPrice, ev.ValueReserved); err != nil {
			return err
		}

	case *event.ClaimSettled:
		for _, s := range ev.Epochs {
			if err := e.requests.Remove(ev.UserID, s.EpochID, s.Shares); err != nil {
				return err
			}
			e.epochs.ReleaseReserved(s.EpochID, s.Owed)
		}

	case *event.QueueModeChanged:
		e.queueActive = ev.Active

	default:
		return fmt.Errorf("unknown event type %T", evt)
	}
	return nil
}
