package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"RedeemLedger/internal/core"
	"RedeemLedger/internal/ingestion"

	"github.com/google/uuid"
)

// fakeQueue records engine calls without real queue semantics.
type fakeQueue struct {
	submits   int
	closes    int
	submitErr error // returned once, then cleared
}

func (f *fakeQueue) Submit(caller core.Caller, shares uint64) (uint64, error) {
	f.submits++
	err := f.submitErr
	f.submitErr = nil
	return 0, err
}

func (f *fakeQueue) Cancel(caller core.Caller, user uuid.UUID, epochID uint64) (uint64, error) {
	return 0, nil
}

func (f *fakeQueue) Rollover(caller core.Caller) (uint64, error) { return 0, nil }

func (f *fakeQueue) CloseEpoch(caller core.Caller) (uint64, error) {
	f.closes++
	return 0, nil
}

func (f *fakeQueue) ProcessEpoch(caller core.Caller, epochID uint64) (uint64, uint64, error) {
	return 0, 0, nil
}

func (f *fakeQueue) Claim(caller core.Caller, receiver uuid.UUID, epochIDs []uint64) (uint64, error) {
	return 0, nil
}

func (f *fakeQueue) ClaimBatch(caller core.Caller, users []uuid.UUID, epochID uint64) (uint64, error) {
	return 0, nil
}

func (f *fakeQueue) SetQueueActive(caller core.Caller, active bool) error { return nil }

func runDispatcher(t *testing.T, engine ingestion.QueueAPI, commands []ingestion.RawCommand) {
	t.Helper()

	commandChan := make(chan ingestion.RawCommand, len(commands))
	for _, raw := range commands {
		commandChan <- raw
	}
	close(commandChan)

	d := ingestion.NewDispatcher(engine, commandChan, 1024)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
}

func submitRaw(t *testing.T, commandID string, acked *int) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"command_id": commandID,
		"user_id":    "550e8400-e29b-41d4-a716-446655440000",
		"shares":     uint64(100),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "redeem.queue.cmd.submit",
		Kind:      ingestion.KindSubmit,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { *acked++ },
		NakFunc:   func() {},
	}
}

func TestDispatcher_AppliesAndAcks(t *testing.T) {
	engine := &fakeQueue{}
	var acked int

	runDispatcher(t, engine, []ingestion.RawCommand{
		submitRaw(t, "cmd-1", &acked),
		submitRaw(t, "cmd-2", &acked),
	})

	if engine.submits != 2 {
		t.Errorf("submits: got %d, want 2", engine.submits)
	}
	if acked != 2 {
		t.Errorf("acks: got %d, want 2", acked)
	}
}

func TestDispatcher_DeduplicatesRedelivery(t *testing.T) {
	engine := &fakeQueue{}
	var acked int

	runDispatcher(t, engine, []ingestion.RawCommand{
		submitRaw(t, "cmd-1", &acked),
		submitRaw(t, "cmd-1", &acked), // redelivered
	})

	if engine.submits != 1 {
		t.Errorf("submits: got %d, want 1 (duplicate must not re-apply)", engine.submits)
	}
	if acked != 2 {
		t.Errorf("acks: got %d, want 2 (duplicate is still acked)", acked)
	}
}

func TestDispatcher_AcksMalformedCommand(t *testing.T) {
	engine := &fakeQueue{}
	var acked int

	runDispatcher(t, engine, []ingestion.RawCommand{
		{
			Subject: "redeem.queue.cmd.submit",
			Kind:    ingestion.KindSubmit,
			Data:    []byte(`{broken`),
			AckFunc: func() { acked++ },
			NakFunc: func() {},
		},
	})

	if engine.submits != 0 {
		t.Errorf("submits: got %d, want 0", engine.submits)
	}
	if acked != 1 {
		t.Errorf("acks: got %d, want 1 (poison message must be acked)", acked)
	}
}

func TestDispatcher_RejectionNotMarkedApplied(t *testing.T) {
	engine := &fakeQueue{submitErr: errors.New("queue inactive")}
	var acked int

	// Same command id twice through one dispatcher: the rejection must not
	// poison the dedup cache, so the retry reaches the engine and succeeds.
	runDispatcher(t, engine, []ingestion.RawCommand{
		submitRaw(t, "cmd-1", &acked),
		submitRaw(t, "cmd-1", &acked),
	})

	if engine.submits != 2 {
		t.Errorf("submits: got %d, want 2 (rejected command may be retried)", engine.submits)
	}
	if acked != 2 {
		t.Errorf("acks: got %d, want 2", acked)
	}
}
