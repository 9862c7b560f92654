package core_test

import (
	"errors"
	"math/rand"
	"testing"

	"RedeemLedger/internal/core"
	"RedeemLedger/internal/ledger"
	"RedeemLedger/internal/pool"

	"github.com/google/uuid"
)

const priceScale = 1_000_000

func newTestEngine(t *testing.T) (*core.QueueEngine, *pool.InMemoryPool, chan core.EngineOutput) {
	t.Helper()
	fund := pool.NewInMemoryPool(priceScale) // price 1.0
	persist := make(chan core.EngineOutput, 4096)
	engine := core.NewQueueEngine(0, fund, persist, nil, nil, nil)
	return engine, fund, persist
}

func operator() core.Caller {
	return core.Caller{ID: uuid.New(), Role: core.RoleOperator}
}

func asUser(id uuid.UUID) core.Caller {
	return core.Caller{ID: id, Role: core.RoleUser}
}

// ============================================================================
// Submit / Cancel / Rollover
// ============================================================================

func TestSubmit_MovesSharesIntoCustody(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 1000)

	epochID, err := engine.Submit(asUser(user), 600)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if epochID != 1 {
		t.Errorf("assigned epoch: got %d, want 1", epochID)
	}
	if fund.ShareBalance(user) != 400 {
		t.Errorf("user balance: got %d, want 400", fund.ShareBalance(user))
	}
	if fund.CustodiedShares() != 600 {
		t.Errorf("custody: got %d, want 600", fund.CustodiedShares())
	}
	if got := engine.PendingRequest(user, 1); got != 600 {
		t.Errorf("pending: got %d, want 600", got)
	}
}

func TestSubmit_Accumulates(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 1000)

	engine.Submit(asUser(user), 300)
	engine.Submit(asUser(user), 200)

	if got := engine.PendingRequest(user, 1); got != 500 {
		t.Errorf("pending: got %d, want 500", got)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 100)

	if _, err := engine.Submit(asUser(user), 0); !errors.Is(err, ledger.ErrZeroAmount) {
		t.Errorf("zero shares: expected ErrZeroAmount, got %v", err)
	}

	// More shares than held: custody fails, nothing changes
	if _, err := engine.Submit(asUser(user), 101); err == nil {
		t.Error("oversubmit should fail")
	}
	if got := engine.PendingRequest(user, 1); got != 0 {
		t.Errorf("failed submit left a request of %d", got)
	}
	if fund.ShareBalance(user) != 100 {
		t.Error("failed submit moved shares")
	}

	// Inactive queue rejects
	op := operator()
	if err := engine.SetQueueActive(op, false); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if _, err := engine.Submit(asUser(user), 50); !errors.Is(err, core.ErrQueueInactive) {
		t.Errorf("inactive queue: expected ErrQueueInactive, got %v", err)
	}

	engine.SetQueueActive(op, true)
	if _, err := engine.Submit(asUser(user), 50); err != nil {
		t.Errorf("reactivated queue should accept: %v", err)
	}
}

func TestCancel_ReturnsShares(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 1000)
	engine.Submit(asUser(user), 700)

	returned, err := engine.Cancel(asUser(user), user, 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if returned != 700 {
		t.Errorf("returned: got %d, want 700", returned)
	}
	if fund.ShareBalance(user) != 1000 {
		t.Errorf("balance after cancel: got %d, want 1000", fund.ShareBalance(user))
	}
	if engine.PendingRequest(user, 1) != 0 {
		t.Error("request should be cleared")
	}
}

func TestCancel_OnlyActiveEpoch(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 100)
	engine.Submit(asUser(user), 100)
	engine.CloseEpoch(operator())

	_, err := engine.Cancel(asUser(user), user, 1)
	if !errors.Is(err, ledger.ErrEpochAlreadyClosed) {
		t.Errorf("expected ErrEpochAlreadyClosed, got %v", err)
	}
	if engine.PendingRequest(user, 1) != 100 {
		t.Error("failed cancel must not mutate")
	}
}

func TestCancel_NoRequest(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	user := uuid.New()

	_, err := engine.Cancel(asUser(user), user, 1)
	if !errors.Is(err, ledger.ErrNoSuchRequest) {
		t.Errorf("expected ErrNoSuchRequest, got %v", err)
	}
}

func TestCancel_Authorization(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user, stranger := uuid.New(), uuid.New()
	fund.MintShares(user, 100)
	engine.Submit(asUser(user), 100)

	if _, err := engine.Cancel(asUser(stranger), user, 1); !errors.Is(err, core.ErrNotOperator) {
		t.Errorf("stranger cancel: expected ErrNotOperator, got %v", err)
	}

	// Operator acts on the user's behalf
	if _, err := engine.Cancel(operator(), user, 1); err != nil {
		t.Errorf("operator cancel: %v", err)
	}
	if fund.ShareBalance(user) != 100 {
		t.Error("operator cancel should return shares to the user")
	}
}

func TestRollover_DefersToNextEpoch(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 300)
	engine.Submit(asUser(user), 300)

	toEpoch, err := engine.Rollover(asUser(user))
	if err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if toEpoch != 2 {
		t.Errorf("destination: got %d, want 2", toEpoch)
	}
	if engine.PendingRequest(user, 1) != 0 {
		t.Error("source entry should be cleared")
	}
	if engine.PendingRequest(user, 2) != 300 {
		t.Error("destination entry should hold 300")
	}
	// Custody unchanged
	if fund.CustodiedShares() != 300 {
		t.Error("rollover must not touch custody")
	}

	// Close epoch 1: epoch 2 opens carrying the rolled shares
	engine.CloseEpoch(operator())
	ep2, ok := engine.EpochInfo(2)
	if !ok || ep2.TotalRequestedShares != 300 {
		t.Errorf("epoch 2 total: got %d, want 300", ep2.TotalRequestedShares)
	}

	// Epoch 1 closed empty, processes at zero value
	if _, _, err := engine.ProcessEpoch(operator(), 1); err != nil {
		t.Errorf("processing the emptied epoch: %v", err)
	}
}

func TestRollover_NothingPending(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Rollover(asUser(uuid.New()))
	if !errors.Is(err, core.ErrNoRequestingShares) {
		t.Errorf("expected ErrNoRequestingShares, got %v", err)
	}
}

// ============================================================================
// Close / Process
// ============================================================================

func TestCloseEpoch_OperatorOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.CloseEpoch(asUser(uuid.New())); !errors.Is(err, core.ErrNotOperator) {
		t.Errorf("expected ErrNotOperator, got %v", err)
	}

	closedID, err := engine.CloseEpoch(operator())
	if err != nil || closedID != 1 {
		t.Fatalf("close: got (%d, %v)", closedID, err)
	}
	if engine.CurrentEpochID() != 2 {
		t.Errorf("current: got %d, want 2", engine.CurrentEpochID())
	}
}

func TestProcessEpoch_WorkedScenario(t *testing.T) {
	// 1000 shares at price 1.05 reserve exactly 1050.
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 1000)
	fund.FundSpendable(10_000)
	engine.Submit(asUser(user), 1000)
	engine.CloseEpoch(operator())

	fund.SetPricePerShare(1_050_000)
	price, reserved, err := engine.ProcessEpoch(operator(), 1)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if price != 1_050_000 {
		t.Errorf("locked price: got %d, want 1_050_000", price)
	}
	if reserved != 1050 {
		t.Errorf("reserved: got %d, want 1050", reserved)
	}
	if engine.TotalReservedValue() != 1050 {
		t.Errorf("total reserved: got %d, want 1050", engine.TotalReservedValue())
	}
	// Shares retired exactly once, at processing
	if fund.CustodiedShares() != 0 {
		t.Errorf("custody after retire: got %d, want 0", fund.CustodiedShares())
	}
	if fund.ShareSupply() != 0 {
		t.Errorf("supply after retire: got %d, want 0", fund.ShareSupply())
	}

	// Claim pays 1050 and zeroes the reservation
	paid, err := engine.Claim(asUser(user), user, []uint64{1})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 1050 {
		t.Errorf("paid: got %d, want 1050", paid)
	}
	if fund.ValueBalance(user) != 1050 {
		t.Errorf("receiver balance: got %d, want 1050", fund.ValueBalance(user))
	}
	if engine.TotalReservedValue() != 0 {
		t.Errorf("reserved after claim: got %d, want 0", engine.TotalReservedValue())
	}
}

func TestProcessEpoch_Preconditions(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	fund.FundSpendable(1000)

	if _, _, err := engine.ProcessEpoch(asUser(uuid.New()), 1); !errors.Is(err, core.ErrNotOperator) {
		t.Errorf("non-operator: expected ErrNotOperator, got %v", err)
	}
	if _, _, err := engine.ProcessEpoch(operator(), 1); !errors.Is(err, ledger.ErrEpochNotClosed) {
		t.Errorf("active epoch: expected ErrEpochNotClosed, got %v", err)
	}
	if _, _, err := engine.ProcessEpoch(operator(), 7); !errors.Is(err, ledger.ErrEpochNotClosed) {
		t.Errorf("future epoch: expected ErrEpochNotClosed, got %v", err)
	}

	engine.CloseEpoch(operator())
	if _, _, err := engine.ProcessEpoch(operator(), 1); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if _, _, err := engine.ProcessEpoch(operator(), 1); !errors.Is(err, ledger.ErrEpochAlreadyProcessed) {
		t.Errorf("second process: expected ErrEpochAlreadyProcessed, got %v", err)
	}
}

func TestProcessEpoch_LiquidityGateRetry(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 1000)
	fund.FundSpendable(999) // one short of the 1000 needed at price 1.0
	engine.Submit(asUser(user), 1000)
	engine.CloseEpoch(operator())

	_, _, err := engine.ProcessEpoch(operator(), 1)
	if !errors.Is(err, core.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// No state change: epoch still Closed, nothing retired, nothing reserved
	ep, _ := engine.EpochInfo(1)
	if ep.State != ledger.EpochStateClosed {
		t.Errorf("epoch state after gate failure: got %s, want Closed", ep.State)
	}
	if engine.TotalReservedValue() != 0 {
		t.Error("gate failure must not reserve")
	}
	if fund.CustodiedShares() != 1000 {
		t.Error("gate failure must not retire shares")
	}

	// Liquidity improves, retry succeeds with the same value needed
	fund.FundSpendable(1)
	_, reserved, err := engine.ProcessEpoch(operator(), 1)
	if err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	if reserved != 1000 {
		t.Errorf("reserved on retry: got %d, want 1000", reserved)
	}
}

func TestProcessEpoch_GateCountsExistingReservations(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	u1, u2 := uuid.New(), uuid.New()
	fund.MintShares(u1, 600)
	fund.MintShares(u2, 600)
	fund.FundSpendable(1000)

	engine.Submit(asUser(u1), 600)
	engine.CloseEpoch(operator())
	engine.Submit(asUser(u2), 600)
	engine.CloseEpoch(operator())

	if _, _, err := engine.ProcessEpoch(operator(), 1); err != nil {
		t.Fatalf("process epoch 1: %v", err)
	}

	// 600 already reserved; another 600 exceeds the 1000 available.
	_, _, err := engine.ProcessEpoch(operator(), 2)
	if !errors.Is(err, core.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	fund.FundSpendable(200)
	if _, _, err := engine.ProcessEpoch(operator(), 2); err != nil {
		t.Fatalf("retry epoch 2: %v", err)
	}
}

func TestProcessEpoch_OutOfOrderBacklog(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	fund.FundSpendable(1000)
	engine.CloseEpoch(operator())
	engine.CloseEpoch(operator())
	engine.CloseEpoch(operator())

	// Backlog epochs settle independently, in any order
	if _, _, err := engine.ProcessEpoch(operator(), 3); err != nil {
		t.Errorf("process 3: %v", err)
	}
	if _, _, err := engine.ProcessEpoch(operator(), 1); err != nil {
		t.Errorf("process 1: %v", err)
	}
	if _, _, err := engine.ProcessEpoch(operator(), 2); err != nil {
		t.Errorf("process 2: %v", err)
	}
}

// ============================================================================
// Claim / ClaimBatch
// ============================================================================

func TestClaim_MultiEpochSingleTransfer(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user, receiver := uuid.New(), uuid.New()
	op := operator()
	fund.MintShares(user, 500)
	fund.FundSpendable(10_000)

	engine.Submit(asUser(user), 200)
	engine.CloseEpoch(op)
	engine.Submit(asUser(user), 300)
	engine.CloseEpoch(op)

	fund.SetPricePerShare(1_000_000)
	engine.ProcessEpoch(op, 1)
	fund.SetPricePerShare(1_100_000)
	engine.ProcessEpoch(op, 2)

	// 200*1.0 + 300*1.1 = 200 + 330
	paid, err := engine.Claim(asUser(user), receiver, []uint64{1, 2})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 530 {
		t.Errorf("paid: got %d, want 530", paid)
	}
	if fund.ValueBalance(receiver) != 530 {
		t.Errorf("receiver got %d, want 530", fund.ValueBalance(receiver))
	}
	if engine.TotalReservedValue() != 0 {
		t.Errorf("reserved: got %d, want 0", engine.TotalReservedValue())
	}
}

func TestClaim_SkipsEpochsWithoutRequest(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	op := operator()
	fund.MintShares(user, 100)
	fund.FundSpendable(1000)

	engine.CloseEpoch(op) // epoch 1 empty
	engine.Submit(asUser(user), 100)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)
	engine.ProcessEpoch(op, 2)

	// Heterogeneous batch: epoch 1 has nothing for this user, skip it
	paid, err := engine.Claim(asUser(user), user, []uint64{1, 2})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 100 {
		t.Errorf("paid: got %d, want 100", paid)
	}
}

func TestClaim_Failures(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	op := operator()
	fund.MintShares(user, 100)
	fund.FundSpendable(1000)
	engine.Submit(asUser(user), 100)

	if _, err := engine.Claim(asUser(user), user, nil); !errors.Is(err, core.ErrEmptyEpochList) {
		t.Errorf("empty list: expected ErrEmptyEpochList, got %v", err)
	}
	if _, err := engine.Claim(asUser(user), uuid.Nil, []uint64{1}); !errors.Is(err, core.ErrZeroReceiver) {
		t.Errorf("nil receiver: expected ErrZeroReceiver, got %v", err)
	}
	// Epoch 1 is still Active: not processed
	if _, err := engine.Claim(asUser(user), user, []uint64{1}); !errors.Is(err, ledger.ErrEpochNotProcessed) {
		t.Errorf("unprocessed epoch: expected ErrEpochNotProcessed, got %v", err)
	}

	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)

	if _, err := engine.Claim(asUser(user), user, []uint64{1}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Second claim on the same pair: entry cleared, nothing claimable
	if _, err := engine.Claim(asUser(user), user, []uint64{1}); !errors.Is(err, core.ErrNoClaimableRequest) {
		t.Errorf("double claim: expected ErrNoClaimableRequest, got %v", err)
	}
}

func TestClaim_UnprocessedEpochAbortsBeforeTransfer(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	user := uuid.New()
	op := operator()
	fund.MintShares(user, 200)
	fund.FundSpendable(1000)

	engine.Submit(asUser(user), 100)
	engine.CloseEpoch(op)
	engine.Submit(asUser(user), 100)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)
	// Epoch 2 stays Closed

	_, err := engine.Claim(asUser(user), user, []uint64{1, 2})
	if !errors.Is(err, ledger.ErrEpochNotProcessed) {
		t.Fatalf("expected ErrEpochNotProcessed, got %v", err)
	}
	// Whole call aborted: nothing paid, epoch 1 entry intact
	if fund.ValueBalance(user) != 0 {
		t.Error("aborted claim must not pay")
	}
	if engine.PendingRequest(user, 1) != 100 {
		t.Error("aborted claim must not clear entries")
	}
}

func TestClaimBatch_WorkedScenario(t *testing.T) {
	// Two users, 500 and 2000 shares at price 1.0: batch pays exactly 500 and
	// 2000, total reserved drops by 2500.
	engine, fund, _ := newTestEngine(t)
	u1, u2 := uuid.New(), uuid.New()
	op := operator()
	fund.MintShares(u1, 500)
	fund.MintShares(u2, 2000)
	fund.FundSpendable(2500)

	engine.Submit(asUser(u1), 500)
	engine.Submit(asUser(u2), 2000)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)

	if engine.TotalReservedValue() != 2500 {
		t.Fatalf("reserved: got %d, want 2500", engine.TotalReservedValue())
	}

	paid, err := engine.ClaimBatch(op, []uuid.UUID{u1, u2}, 1)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if paid != 2500 {
		t.Errorf("total paid: got %d, want 2500", paid)
	}
	if fund.ValueBalance(u1) != 500 {
		t.Errorf("u1 got %d, want 500", fund.ValueBalance(u1))
	}
	if fund.ValueBalance(u2) != 2000 {
		t.Errorf("u2 got %d, want 2000", fund.ValueBalance(u2))
	}
	if engine.TotalReservedValue() != 0 {
		t.Errorf("reserved after batch: got %d, want 0", engine.TotalReservedValue())
	}
}

func TestClaimBatch_SkipsUsersWithoutRequest(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	u1, u2 := uuid.New(), uuid.New()
	op := operator()
	fund.MintShares(u1, 100)
	fund.FundSpendable(1000)

	engine.Submit(asUser(u1), 100)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)

	// u2 never submitted: skipped, not an error
	paid, err := engine.ClaimBatch(op, []uuid.UUID{u1, u2}, 1)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if paid != 100 {
		t.Errorf("paid: got %d, want 100", paid)
	}

	// Nobody claimable now
	if _, err := engine.ClaimBatch(op, []uuid.UUID{u1, u2}, 1); !errors.Is(err, core.ErrNoClaimableRequest) {
		t.Errorf("expected ErrNoClaimableRequest, got %v", err)
	}
}

// bouncingFund wraps the in-memory pool and rejects transfers to one
// designated receiver, the way a frozen or blacklisted account would.
type bouncingFund struct {
	*pool.InMemoryPool
	bounce uuid.UUID
}

func (f *bouncingFund) TransferValueTo(receiver uuid.UUID, value uint64) error {
	if receiver == f.bounce {
		return errors.New("transfer bounced")
	}
	return f.InMemoryPool.TransferValueTo(receiver, value)
}

func TestClaimBatch_FailedTransferSkipsUserKeepsRest(t *testing.T) {
	// One user's transfer failing must not abort the batch: the failed user
	// keeps the request and its reservation and can claim solo later, every
	// other user settles normally.
	inner := pool.NewInMemoryPool(priceScale)
	fund := &bouncingFund{InMemoryPool: inner}
	persist := make(chan core.EngineOutput, 4096)
	engine := core.NewQueueEngine(0, fund, persist, nil, nil, nil)

	u1, u2 := uuid.New(), uuid.New()
	op := operator()
	inner.MintShares(u1, 500)
	inner.MintShares(u2, 2000)
	inner.FundSpendable(2500)

	engine.Submit(asUser(u1), 500)
	engine.Submit(asUser(u2), 2000)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)

	fund.bounce = u1
	paid, err := engine.ClaimBatch(op, []uuid.UUID{u1, u2}, 1)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if paid != 2000 {
		t.Errorf("total paid: got %d, want 2000", paid)
	}
	if inner.ValueBalance(u2) != 2000 {
		t.Errorf("u2 got %d, want 2000", inner.ValueBalance(u2))
	}
	if inner.ValueBalance(u1) != 0 {
		t.Errorf("u1 got %d, want 0", inner.ValueBalance(u1))
	}

	// u1's request and reservation are untouched by the failed attempt.
	if engine.PendingRequest(u1, 1) != 500 {
		t.Errorf("u1 pending: got %d, want 500", engine.PendingRequest(u1, 1))
	}
	if engine.TotalReservedValue() != 500 {
		t.Errorf("reserved after batch: got %d, want 500", engine.TotalReservedValue())
	}

	// Once the receiver accepts transfers again the solo claim goes through.
	fund.bounce = uuid.Nil
	paid, err = engine.Claim(asUser(u1), u1, []uint64{1})
	if err != nil {
		t.Fatalf("solo claim after bounce: %v", err)
	}
	if paid != 500 {
		t.Errorf("solo claim paid: got %d, want 500", paid)
	}
	if engine.TotalReservedValue() != 0 {
		t.Errorf("reserved after solo claim: got %d, want 0", engine.TotalReservedValue())
	}
}

func TestClaimBatch_Preconditions(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	op := operator()

	if _, err := engine.ClaimBatch(asUser(uuid.New()), []uuid.UUID{uuid.New()}, 1); !errors.Is(err, core.ErrNotOperator) {
		t.Errorf("non-operator: expected ErrNotOperator, got %v", err)
	}
	if _, err := engine.ClaimBatch(op, nil, 1); !errors.Is(err, core.ErrEmptyUserList) {
		t.Errorf("empty users: expected ErrEmptyUserList, got %v", err)
	}
	if _, err := engine.ClaimBatch(op, []uuid.UUID{uuid.New()}, 1); !errors.Is(err, ledger.ErrEpochNotProcessed) {
		t.Errorf("unprocessed epoch: expected ErrEpochNotProcessed, got %v", err)
	}
}

// ============================================================================
// Rounding property
// ============================================================================

// Randomized share splits summing to a fixed total: the sum of floored
// per-claimant payouts never exceeds the reservation computed from the whole.
func TestClaim_RoundingNeverOverpays(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		engine, fund, _ := newTestEngine(t)
		op := operator()

		nUsers := 2 + rng.Intn(20)
		total := uint64(10_000)
		fund.FundSpendable(1 << 40)

		// Random split of `total` across users, every part positive
		users := make([]uuid.UUID, nUsers)
		remaining := total
		for i := range users {
			users[i] = uuid.New()
			var part uint64
			if i == nUsers-1 {
				part = remaining
			} else {
				max := remaining - uint64(nUsers-1-i)
				part = 1 + uint64(rng.Int63n(int64(max)))
			}
			remaining -= part
			fund.MintShares(users[i], part)
			if _, err := engine.Submit(asUser(users[i]), part); err != nil {
				t.Fatalf("trial %d submit: %v", trial, err)
			}
		}

		// Awkward price with plenty of rounding residue
		price := uint64(1 + rng.Int63n(3_000_000))
		fund.SetPricePerShare(price)

		engine.CloseEpoch(op)
		if _, _, err := engine.ProcessEpoch(op, 1); err != nil {
			t.Fatalf("trial %d process: %v", trial, err)
		}
		reserved := engine.TotalReservedValue()

		var sumPaid uint64
		for _, u := range users {
			paid, err := engine.Claim(asUser(u), u, []uint64{1})
			if err != nil {
				t.Fatalf("trial %d claim: %v", trial, err)
			}
			sumPaid += paid
		}

		if sumPaid > reserved {
			t.Fatalf("trial %d: paid %d exceeds reservation %d (price %d)",
				trial, sumPaid, reserved, price)
		}
		// Residue stays reserved forever by design; it must never go negative,
		// which the engine enforces by panic.
		if got := engine.TotalReservedValue(); got != reserved-sumPaid {
			t.Fatalf("trial %d: reserved drift: got %d, want %d", trial, got, reserved-sumPaid)
		}
	}
}

// ============================================================================
// Reentrancy
// ============================================================================

// reentrantFund wraps the in-memory pool and calls back into the engine from
// inside TransferValueTo, the way a malicious receiver hook would.
type reentrantFund struct {
	*pool.InMemoryPool
	engine   *core.QueueEngine
	caller   core.Caller
	innerErr error
}

func (f *reentrantFund) TransferValueTo(receiver uuid.UUID, value uint64) error {
	if f.engine != nil {
		_, f.innerErr = f.engine.Submit(f.caller, 1)
	}
	return f.InMemoryPool.TransferValueTo(receiver, value)
}

func TestClaim_ReentrantCallRejected(t *testing.T) {
	inner := pool.NewInMemoryPool(priceScale)
	fund := &reentrantFund{InMemoryPool: inner}
	persist := make(chan core.EngineOutput, 4096)
	engine := core.NewQueueEngine(0, fund, persist, nil, nil, nil)

	user := uuid.New()
	op := operator()
	inner.MintShares(user, 200)
	inner.FundSpendable(1000)

	engine.Submit(asUser(user), 100)
	engine.CloseEpoch(op)
	engine.ProcessEpoch(op, 1)

	fund.engine = engine
	fund.caller = asUser(user)

	if _, err := engine.Claim(asUser(user), user, []uint64{1}); err != nil {
		t.Fatalf("outer claim should succeed: %v", err)
	}
	if !errors.Is(fund.innerErr, core.ErrReentrantCall) {
		t.Errorf("inner submit: expected ErrReentrantCall, got %v", fund.innerErr)
	}
}

// ============================================================================
// Replay & snapshot
// ============================================================================

func drain(ch chan core.EngineOutput) []core.EngineOutput {
	var outputs []core.EngineOutput
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func runScenario(t *testing.T, engine *core.QueueEngine, fund *pool.InMemoryPool, users []uuid.UUID) {
	t.Helper()
	op := operator()

	for i, u := range users {
		fund.MintShares(u, 10_000)
		if _, err := engine.Submit(asUser(u), uint64(100*(i+1))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := engine.Rollover(asUser(users[0])); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if _, err := engine.Cancel(asUser(users[1]), users[1], 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := engine.CloseEpoch(op); err != nil {
		t.Fatalf("close: %v", err)
	}

	fund.FundSpendable(1 << 30)
	fund.SetPricePerShare(1_234_567)
	if _, _, err := engine.ProcessEpoch(op, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := engine.Claim(asUser(users[2]), users[2], []uint64{1}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := engine.SetQueueActive(op, false); err != nil {
		t.Fatalf("set mode: %v", err)
	}
}

func TestReplay_ReproducesState(t *testing.T) {
	engine, fund, persist := newTestEngine(t)
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	runScenario(t, engine, fund, users)

	outputs := drain(persist)
	if len(outputs) == 0 {
		t.Fatal("scenario emitted no events")
	}

	// Fresh engine, no fund calls during replay
	replayed := core.NewQueueEngine(0, nil, nil, nil, nil, nil)
	for _, out := range outputs {
		if err := replayed.ReplayEvent(out.Envelope); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}

	if replayed.GetStateHash() != engine.GetStateHash() {
		t.Error("replayed state hash diverges from live run")
	}
	if replayed.GetSequence() != engine.GetSequence() {
		t.Errorf("sequence: got %d, want %d", replayed.GetSequence(), engine.GetSequence())
	}
	if replayed.CurrentEpochID() != engine.CurrentEpochID() {
		t.Error("current epoch diverges")
	}
	if replayed.TotalReservedValue() != engine.TotalReservedValue() {
		t.Error("total reserved diverges")
	}
	if replayed.IsQueueActive() != engine.IsQueueActive() {
		t.Error("queue mode diverges")
	}
	for _, u := range users {
		for epoch := uint64(1); epoch <= 2; epoch++ {
			if replayed.PendingRequest(u, epoch) != engine.PendingRequest(u, epoch) {
				t.Errorf("request (%s, %d) diverges", u, epoch)
			}
		}
	}
}

func TestReplay_DetectsTampering(t *testing.T) {
	engine, fund, persist := newTestEngine(t)
	user := uuid.New()
	fund.MintShares(user, 100)
	engine.Submit(asUser(user), 100)

	outputs := drain(persist)
	env := outputs[0].Envelope
	env.StateHash[0] ^= 0xFF

	replayed := core.NewQueueEngine(0, nil, nil, nil, nil, nil)
	if err := replayed.ReplayEvent(env); err == nil {
		t.Error("tampered state hash must fail replay")
	}
}

func TestStateHash_CoversRequestOwnership(t *testing.T) {
	// Two histories with identical per-step entry counts and epoch totals but
	// with the entries held by different users must not hash to the same
	// state: the digest folds every (user, epoch, shares) entry, not just
	// aggregates.
	u1, u2 := uuid.New(), uuid.New()

	build := func(first, second, roller uuid.UUID) *core.QueueEngine {
		fund := pool.NewInMemoryPool(priceScale)
		engine := core.NewQueueEngine(0, fund, nil, nil, nil, nil)
		fund.MintShares(u1, 100)
		fund.MintShares(u2, 100)

		if _, err := engine.Submit(asUser(first), 100); err != nil {
			t.Fatalf("submit first: %v", err)
		}
		if _, err := engine.Submit(asUser(second), 100); err != nil {
			t.Fatalf("submit second: %v", err)
		}
		if _, err := engine.Rollover(asUser(roller)); err != nil {
			t.Fatalf("rollover: %v", err)
		}
		return engine
	}

	// A: u1 in epoch 2, u2 in epoch 1. B: the mirror image.
	a := build(u1, u2, u1)
	b := build(u2, u1, u2)

	if a.GetStateHash() == b.GetStateHash() {
		t.Error("mirrored request ownership must produce distinct state hashes")
	}
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	engine, fund, _ := newTestEngine(t)
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	runScenario(t, engine, fund, users)

	snap := engine.CreateSnapshotState()

	restored := core.NewQueueEngine(0, fund, nil, nil, nil, nil)
	restored.RestoreFromSnapshot(snap)

	if restored.GetStateHash() != engine.GetStateHash() {
		t.Error("restored state hash diverges")
	}
	if restored.GetSequence() != engine.GetSequence() {
		t.Errorf("sequence: got %d, want %d", restored.GetSequence(), engine.GetSequence())
	}
	if restored.CurrentEpochID() != engine.CurrentEpochID() {
		t.Error("current epoch diverges")
	}
	if restored.TotalReservedValue() != engine.TotalReservedValue() {
		t.Error("total reserved diverges")
	}
	for _, u := range users {
		for epoch := uint64(1); epoch <= 2; epoch++ {
			if restored.PendingRequest(u, epoch) != engine.PendingRequest(u, epoch) {
				t.Errorf("request (%s, %d) diverges", u, epoch)
			}
		}
	}

	// The restored engine keeps working: reactivate and submit
	op := operator()
	if err := restored.SetQueueActive(op, true); err != nil {
		t.Fatalf("set mode on restored engine: %v", err)
	}
	if _, err := restored.Submit(asUser(users[0]), 50); err != nil {
		t.Fatalf("submit on restored engine: %v", err)
	}
}
