package ledger_test

import (
	"RedeemLedger/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: RequestBook
// ============================================================================

func TestRequestBook_AddAccumulates(t *testing.T) {
	rb := ledger.NewRequestBook()
	user := uuid.New()

	if err := rb.Add(user, 1, 300); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := rb.Add(user, 1, 700); err != nil {
		t.Fatalf("add: %v", err)
	}

	if got := rb.Peek(user, 1); got != 1000 {
		t.Errorf("peek: got %d, want 1000", got)
	}
	if rb.Len() != 1 {
		t.Errorf("entries should accumulate into one, got %d", rb.Len())
	}
}

func TestRequestBook_AddZero_Fails(t *testing.T) {
	rb := ledger.NewRequestBook()
	err := rb.Add(uuid.New(), 1, 0)
	if !errors.Is(err, ledger.ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestRequestBook_RemoveDeletesAtZero(t *testing.T) {
	rb := ledger.NewRequestBook()
	user := uuid.New()
	rb.Add(user, 1, 500)

	if err := rb.Remove(user, 1, 500); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if rb.Len() != 0 {
		t.Error("entry should be deleted, not zeroed")
	}
	if got := rb.Peek(user, 1); got != 0 {
		t.Errorf("peek after delete: got %d, want 0", got)
	}
}

func TestRequestBook_RemoveTooMuch_Fails(t *testing.T) {
	rb := ledger.NewRequestBook()
	user := uuid.New()
	rb.Add(user, 1, 100)

	err := rb.Remove(user, 1, 101)
	if !errors.Is(err, ledger.ErrInsufficientRequest) {
		t.Errorf("expected ErrInsufficientRequest, got %v", err)
	}
	// Failed remove must not mutate
	if got := rb.Peek(user, 1); got != 100 {
		t.Errorf("failed remove mutated entry: got %d, want 100", got)
	}
}

func TestRequestBook_PeekAbsent_Zero(t *testing.T) {
	rb := ledger.NewRequestBook()
	if got := rb.Peek(uuid.New(), 42); got != 0 {
		t.Errorf("peek absent: got %d, want 0", got)
	}
}

func TestRequestBook_UserInManyEpochs(t *testing.T) {
	rb := ledger.NewRequestBook()
	user := uuid.New()
	rb.Add(user, 1, 10)
	rb.Add(user, 2, 20)
	rb.Add(user, 5, 50)

	if rb.Len() != 3 {
		t.Fatalf("want 3 entries, got %d", rb.Len())
	}
	if rb.Peek(user, 2) != 20 {
		t.Error("epoch 2 entry wrong")
	}
	if rb.EpochTotal(5) != 50 {
		t.Error("epoch 5 total wrong")
	}
}

// ============================================================================
// Test: EpochBook lifecycle
// ============================================================================

func TestEpochBook_StartsAtOneActive(t *testing.T) {
	eb := ledger.NewEpochBook()

	if eb.CurrentID() != 1 {
		t.Fatalf("current id: got %d, want 1", eb.CurrentID())
	}
	e, ok := eb.Get(1)
	if !ok || e.State != ledger.EpochStateActive {
		t.Fatalf("epoch 1 should be Active, got %v", e)
	}
	if _, ok := e.LockedPrice(); ok {
		t.Error("unprocessed epoch must not expose a locked price")
	}
}

func TestEpochBook_CloseAdvancesCurrent(t *testing.T) {
	eb := ledger.NewEpochBook()
	eb.AddRequested(1000)

	closedID, total := eb.CloseCurrent()
	if closedID != 1 || total != 1000 {
		t.Fatalf("close: got (%d, %d), want (1, 1000)", closedID, total)
	}

	if eb.CurrentID() != 2 {
		t.Errorf("current should advance to 2, got %d", eb.CurrentID())
	}
	old, _ := eb.Get(1)
	if old.State != ledger.EpochStateClosed {
		t.Errorf("epoch 1 should be Closed, got %s", old.State)
	}
	next, ok := eb.Get(2)
	if !ok || next.State != ledger.EpochStateActive {
		t.Error("epoch 2 should be Active")
	}
}

func TestEpochBook_CloseEmptyEpoch(t *testing.T) {
	eb := ledger.NewEpochBook()

	closedID, total := eb.CloseCurrent()
	if closedID != 1 || total != 0 {
		t.Fatalf("closing an empty epoch must be allowed, got (%d, %d)", closedID, total)
	}
}

func TestEpochBook_BacklogOfClosedEpochs(t *testing.T) {
	// Closing does not require the previous epoch to be processed.
	eb := ledger.NewEpochBook()
	eb.CloseCurrent()
	eb.CloseCurrent()
	eb.CloseCurrent()

	if eb.CurrentID() != 4 {
		t.Fatalf("current: got %d, want 4", eb.CurrentID())
	}
	for id := uint64(1); id <= 3; id++ {
		e, _ := eb.Get(id)
		if e.State != ledger.EpochStateClosed {
			t.Errorf("epoch %d should be Closed, got %s", id, e.State)
		}
	}

	// Backlog epochs process independently and out of order.
	if err := eb.MarkProcessed(2, 1_000_000, 0); err != nil {
		t.Fatalf("process epoch 2: %v", err)
	}
	if err := eb.MarkProcessed(1, 1_000_000, 0); err != nil {
		t.Fatalf("process epoch 1 after 2: %v", err)
	}
}

func TestEpochBook_MarkProcessed(t *testing.T) {
	eb := ledger.NewEpochBook()
	eb.AddRequested(1000)
	eb.CloseCurrent()

	if err := eb.MarkProcessed(1, 1_050_000, 1050); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	e, _ := eb.Get(1)
	if e.State != ledger.EpochStateProcessed {
		t.Error("state should be Processed")
	}
	price, ok := e.LockedPrice()
	if !ok || price != 1_050_000 {
		t.Errorf("locked price: got (%d, %v), want (1_050_000, true)", price, ok)
	}
	if e.ReservedValue != 1050 {
		t.Errorf("reserved: got %d, want 1050", e.ReservedValue)
	}
	if eb.TotalReserved() != 1050 {
		t.Errorf("total reserved: got %d, want 1050", eb.TotalReserved())
	}
}

func TestEpochBook_MarkProcessedPreconditions(t *testing.T) {
	eb := ledger.NewEpochBook()

	// Active epoch cannot be processed
	if err := eb.MarkProcessed(1, 1, 0); !errors.Is(err, ledger.ErrEpochNotClosed) {
		t.Errorf("active epoch: expected ErrEpochNotClosed, got %v", err)
	}

	// Nonexistent (future) epoch cannot be processed
	if err := eb.MarkProcessed(9, 1, 0); !errors.Is(err, ledger.ErrEpochNotClosed) {
		t.Errorf("future epoch: expected ErrEpochNotClosed, got %v", err)
	}

	eb.CloseCurrent()
	if err := eb.MarkProcessed(1, 1, 0); err != nil {
		t.Fatalf("first process: %v", err)
	}

	// Processed is terminal
	if err := eb.MarkProcessed(1, 1, 0); !errors.Is(err, ledger.ErrEpochAlreadyProcessed) {
		t.Errorf("second process: expected ErrEpochAlreadyProcessed, got %v", err)
	}
}

func TestEpochBook_RolloverSeedsNextEpoch(t *testing.T) {
	eb := ledger.NewEpochBook()
	eb.AddRequested(300)
	eb.RolloverRequested(300)

	current, _ := eb.Get(eb.CurrentID())
	if current.TotalRequestedShares != 0 {
		t.Errorf("source total should drop to 0, got %d", current.TotalRequestedShares)
	}
	if eb.PendingNextRequested() != 300 {
		t.Errorf("pending next: got %d, want 300", eb.PendingNextRequested())
	}

	// No lifecycle record may exist beyond current.
	if _, ok := eb.Get(eb.CurrentID() + 1); ok {
		t.Error("future epoch must not have a lifecycle record before it opens")
	}

	eb.CloseCurrent()
	next, _ := eb.Get(2)
	if next.TotalRequestedShares != 300 {
		t.Errorf("next epoch should open seeded with 300, got %d", next.TotalRequestedShares)
	}
	if eb.PendingNextRequested() != 0 {
		t.Error("pending counter should reset after close")
	}
}

func TestEpochBook_ReleaseReserved(t *testing.T) {
	eb := ledger.NewEpochBook()
	eb.AddRequested(1000)
	eb.CloseCurrent()
	eb.MarkProcessed(1, 1_050_000, 1050)

	eb.ReleaseReserved(1, 1050)

	e, _ := eb.Get(1)
	if e.ReservedValue != 0 {
		t.Errorf("epoch reserved: got %d, want 0", e.ReservedValue)
	}
	if eb.TotalReserved() != 0 {
		t.Errorf("total reserved: got %d, want 0", eb.TotalReserved())
	}
}

func TestEpochBook_ReleaseUnderflow_Panics(t *testing.T) {
	eb := ledger.NewEpochBook()
	eb.AddRequested(10)
	eb.CloseCurrent()
	eb.MarkProcessed(1, 1_000_000, 10)

	defer func() {
		if recover() == nil {
			t.Error("reservation underflow must panic, not return")
		}
	}()
	eb.ReleaseReserved(1, 11)
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestValidator_EpochTotalMatchesEntries(t *testing.T) {
	rb := ledger.NewRequestBook()
	eb := ledger.NewEpochBook()
	v := ledger.NewInvariantValidator(rb, eb)

	u1, u2 := uuid.New(), uuid.New()
	rb.Add(u1, 1, 500)
	eb.AddRequested(500)
	rb.Add(u2, 1, 2000)
	eb.AddRequested(2000)
	rb.Remove(u1, 1, 200)
	eb.SubRequested(200)

	if err := v.ValidateEpochTotal(1); err != nil {
		t.Errorf("totals should match: %v", err)
	}

	// Desync the counter — validator must notice
	eb.AddRequested(1)
	if err := v.ValidateEpochTotal(1); err == nil {
		t.Error("validator should detect counter drift")
	}
}

func TestValidator_ReservedConservation(t *testing.T) {
	rb := ledger.NewRequestBook()
	eb := ledger.NewEpochBook()
	v := ledger.NewInvariantValidator(rb, eb)

	eb.AddRequested(100)
	eb.CloseCurrent()
	eb.MarkProcessed(1, 1_000_000, 100)

	eb.AddRequested(50)
	eb.CloseCurrent()
	eb.MarkProcessed(2, 1_000_000, 50)

	if err := v.ValidateReservedConservation(); err != nil {
		t.Errorf("conservation should hold: %v", err)
	}

	eb.ReleaseReserved(1, 40)
	if err := v.ValidateReservedConservation(); err != nil {
		t.Errorf("conservation should hold after claim: %v", err)
	}
	if eb.TotalReserved() != 110 {
		t.Errorf("total reserved: got %d, want 110", eb.TotalReserved())
	}
}
