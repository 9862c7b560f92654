package main

import (
	"context"
	"testing"
	"time"

	"RedeemLedger/internal/core"
	"RedeemLedger/internal/event"
	"RedeemLedger/internal/ingestion"
	"RedeemLedger/internal/persistence"
	"RedeemLedger/internal/projection"
)

func testOutput(seq int64) core.EngineOutput {
	return core.EngineOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  seq,
			EventType: event.EventTypeRequestSubmitted,
			Timestamp: time.Now(),
			Payload:   []byte(`{}`),
		},
	}
}

func TestBridge_ForwardsPersistRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persistIn := make(chan core.EngineOutput, 1)
	persistOut := make(chan persistence.EventRow, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bridgeEngineOutputs(ctx, persistIn,
			make(chan core.EngineOutput), make(chan core.EngineOutput),
			persistOut, make(chan projection.Output, 1), make(chan ingestion.PublishableEvent, 1))
	}()

	persistIn <- testOutput(7)
	select {
	case row := <-persistOut:
		if row.Sequence != 7 {
			t.Errorf("sequence: got %d, want 7", row.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge never forwarded the row")
	}

	close(persistIn)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop on input close")
	}
}

func TestBridge_StopsWhenPersistStallsOnShutdown(t *testing.T) {
	// Shutdown while the persist worker has stopped draining: the bridge must
	// park on cancellation instead of staying blocked in the send, so main can
	// wait for it before closing the worker channels.
	ctx, cancel := context.WithCancel(context.Background())

	persistIn := make(chan core.EngineOutput, 1)
	persistOut := make(chan persistence.EventRow) // nobody draining

	done := make(chan struct{})
	go func() {
		defer close(done)
		bridgeEngineOutputs(ctx, persistIn,
			make(chan core.EngineOutput), make(chan core.EngineOutput),
			persistOut, make(chan projection.Output, 1), make(chan ingestion.PublishableEvent, 1))
	}()

	persistIn <- testOutput(1)
	time.Sleep(20 * time.Millisecond) // let the bridge block on persistOut
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge stayed blocked on a stalled persist channel")
	}
}
