package core

import (
	"RedeemLedger/internal/event"
	"RedeemLedger/internal/ledger"
	fpmath "RedeemLedger/internal/math"
	"RedeemLedger/internal/observability"
	"RedeemLedger/internal/pool"
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueEngine is the single point of mutation for the withdrawal queue. Every
// mutating operation runs as one indivisible step under an exclusive lock: no
// operation observes a partially applied effect of another.
//
// External calls (custody moves, price query, liquidity query, transfers) are
// the only points where an operation may block or fail. They all happen
// BEFORE any book mutation, so a failed call aborts the whole operation with
// state untouched. A mutating call arriving while another operation is
// suspended in an external call is rejected with ErrReentrantCall instead of
// being interleaved; the caller retries.
type QueueEngine struct {
	mu         sync.Mutex
	inExternal atomic.Bool

	sequence int64
	hasher   *StateHasher

	requests  *ledger.RequestBook
	epochs    *ledger.EpochBook
	validator *ledger.InvariantValidator
	fund      pool.Accounting

	queueActive bool

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- EngineOutput
	projectionChan chan<- EngineOutput
	publishChan    chan<- EngineOutput
}

// EngineOutput is one applied event, fanned out to the persistence,
// projection, and publish workers.
type EngineOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
}

func NewQueueEngine(
	startSequence int64,
	fund pool.Accounting,
	persistChan, projectionChan, publishChan chan<- EngineOutput,
	metrics *observability.Metrics,
) *QueueEngine {
	requests := ledger.NewRequestBook()
	epochs := ledger.NewEpochBook()

	return &QueueEngine{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		requests:       requests,
		epochs:         epochs,
		validator:      ledger.NewInvariantValidator(requests, epochs),
		fund:           fund,
		queueActive:    true,
		metrics:        metrics,
		logger:         observability.NewLogger("engine"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		publishChan:    publishChan,
	}
}

// lockOp acquires the engine lock for a mutating operation. If the lock is
// held by an operation currently suspended in an external call, the new call
// is rejected as reentrant rather than queued behind it. A call that loses
// the race against an operation in its pure section simply waits.
func (e *QueueEngine) lockOp() error {
	if e.mu.TryLock() {
		return nil
	}
	if e.inExternal.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

// callExternal runs a collaborator call with the suspension flag raised.
func (e *QueueEngine) callExternal(fn func() error) error {
	e.inExternal.Store(true)
	defer e.inExternal.Store(false)
	return fn()
}

// Submit queues shares of the caller into the current epoch. The shares move
// into engine custody first; only then do the books change.
func (e *QueueEngine) Submit(caller Caller, shares uint64) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("submit", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	if !e.queueActive {
		e.reject("submit", "queue_inactive")
		return 0, ErrQueueInactive
	}
	if shares == 0 {
		e.reject("submit", "zero_amount")
		return 0, fmt.Errorf("%w: submit", ledger.ErrZeroAmount)
	}

	user := caller.ID
	if err := e.callExternal(func() error {
		return e.fund.MoveSharesIntoCustody(user, shares)
	}); err != nil {
		e.reject("submit", "custody")
		return 0, fmt.Errorf("custody transfer: %w", err)
	}

	epochID := e.epochs.CurrentID()
	if err := e.requests.Add(user, epochID, shares); err != nil {
		panic(fmt.Sprintf("FATAL: add after custody succeeded: %v", err))
	}
	e.epochs.AddRequested(shares)

	now := time.Now()
	e.emit(&event.RequestSubmitted{
		UserID:    user,
		EpochID:   epochID,
		Shares:    shares,
		Timestamp: now,
	}, now)

	e.postCheck(epochID)
	e.accept("submit", start)
	if e.metrics != nil {
		e.metrics.SharesQueued.Add(float64(shares))
	}
	return epochID, nil
}

// Cancel removes a user's entire pending request from the current epoch and
// returns the custodied shares. Only the Active epoch can be cancelled out
// of; operators may cancel on a user's behalf.
func (e *QueueEngine) Cancel(caller Caller, user uuid.UUID, epochID uint64) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("cancel", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	if !caller.mayActFor(user) {
		e.reject("cancel", "forbidden")
		return 0, ErrNotOperator
	}
	if epochID != e.epochs.CurrentID() {
		e.reject("cancel", "epoch_closed")
		return 0, fmt.Errorf("%w: epoch %d", ledger.ErrEpochAlreadyClosed, epochID)
	}

	shares := e.requests.Peek(user, epochID)
	if shares == 0 {
		e.reject("cancel", "no_request")
		return 0, fmt.Errorf("%w: user %s epoch %d", ledger.ErrNoSuchRequest, user, epochID)
	}

	if err := e.callExternal(func() error {
		return e.fund.ReturnSharesFromCustody(user, shares)
	}); err != nil {
		e.reject("cancel", "custody")
		return 0, fmt.Errorf("custody return: %w", err)
	}

	if err := e.requests.Remove(user, epochID, shares); err != nil {
		panic(fmt.Sprintf("FATAL: remove after peek: %v", err))
	}
	e.epochs.SubRequested(shares)

	now := time.Now()
	e.emit(&event.RequestCancelled{
		UserID:    user,
		EpochID:   epochID,
		Shares:    shares,
		Timestamp: now,
	}, now)

	e.postCheck(epochID)
	e.accept("cancel", start)
	if e.metrics != nil {
		e.metrics.SharesCancelled.Add(float64(shares))
	}
	return shares, nil
}

// Rollover defers the caller's entire pending request from the current epoch
// into the next one. Custody is untouched; only the epoch assignment moves.
func (e *QueueEngine) Rollover(caller Caller) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("rollover", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	user := caller.ID
	fromEpoch := e.epochs.CurrentID()
	toEpoch := fromEpoch + 1

	shares := e.requests.Peek(user, fromEpoch)
	if shares == 0 {
		e.reject("rollover", "no_request")
		return 0, fmt.Errorf("%w: user %s epoch %d", ErrNoRequestingShares, user, fromEpoch)
	}

	if err := e.requests.Remove(user, fromEpoch, shares); err != nil {
		panic(fmt.Sprintf("FATAL: remove after peek: %v", err))
	}
	if err := e.requests.Add(user, toEpoch, shares); err != nil {
		panic(fmt.Sprintf("FATAL: rollover add: %v", err))
	}
	e.epochs.RolloverRequested(shares)

	now := time.Now()
	e.emit(&event.RequestRolledOver{
		UserID:      user,
		FromEpochID: fromEpoch,
		ToEpochID:   toEpoch,
		Shares:      shares,
		Timestamp:   now,
	}, now)

	e.postCheck(fromEpoch)
	e.postCheck(toEpoch)
	e.accept("rollover", start)
	if e.metrics != nil {
		e.metrics.SharesRolledOver.Add(float64(shares))
	}
	return toEpoch, nil
}

// CloseEpoch freezes the current epoch and opens the next. Operator only.
// Empty epochs may be closed, and closing never waits on earlier epochs
// being processed.
func (e *QueueEngine) CloseEpoch(caller Caller) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("close_epoch", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	if !caller.IsOperator() {
		e.reject("close_epoch", "forbidden")
		return 0, ErrNotOperator
	}

	seeded := e.epochs.PendingNextRequested()
	closedID, total := e.epochs.CloseCurrent()

	now := time.Now()
	e.emit(&event.EpochClosed{
		EpochID:              closedID,
		TotalRequestedShares: total,
		NextEpochID:          closedID + 1,
		SeededShares:         seeded,
		Timestamp:            now,
	}, now)

	e.postCheck(closedID)
	e.postCheck(closedID + 1)
	e.accept("close_epoch", start)
	if e.metrics != nil {
		e.metrics.EpochsClosed.Inc()
		e.metrics.CurrentEpoch.Set(float64(e.epochs.CurrentID()))
	}

	e.logger.Info().
		Uint64("epoch_id", closedID).
		Uint64("total_shares", total).
		Uint64("seeded_next", seeded).
		Msg("epoch closed")
	return closedID, nil
}

// ProcessEpoch settles a Closed epoch: locks the live price for every request
// in it, runs the liquidity gate, retires the custodied shares, and reserves
// the value owed. Operator only.
//
// A liquidity-gate failure is recoverable: the epoch stays Closed and the
// call may be retried once the fund can cover it.
func (e *QueueEngine) ProcessEpoch(caller Caller, epochID uint64) (uint64, uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("process_epoch", "reentrant")
		return 0, 0, err
	}
	defer e.mu.Unlock()

	if !caller.IsOperator() {
		e.reject("process_epoch", "forbidden")
		return 0, 0, ErrNotOperator
	}

	ep, ok := e.epochs.Get(epochID)
	if !ok {
		e.reject("process_epoch", "not_closed")
		return 0, 0, fmt.Errorf("%w: epoch %d does not exist", ledger.ErrEpochNotClosed, epochID)
	}
	switch ep.State {
	case ledger.EpochStateActive:
		e.reject("process_epoch", "not_closed")
		return 0, 0, fmt.Errorf("%w: epoch %d is active", ledger.ErrEpochNotClosed, epochID)
	case ledger.EpochStateProcessed:
		e.reject("process_epoch", "already_processed")
		return 0, 0, fmt.Errorf("%w: epoch %d", ledger.ErrEpochAlreadyProcessed, epochID)
	}

	totalShares := ep.TotalRequestedShares

	var price, available uint64
	if err := e.callExternal(func() error {
		var err error
		if price, err = e.fund.CurrentPricePerShare(); err != nil {
			return fmt.Errorf("price query: %w", err)
		}
		if available, err = e.fund.AvailableSpendableValue(); err != nil {
			return fmt.Errorf("liquidity query: %w", err)
		}
		return nil
	}); err != nil {
		e.reject("process_epoch", "collaborator")
		return 0, 0, err
	}

	valueNeeded := fpmath.ShareValue(totalShares, price)

	// Liquidity gate: the fund must cover every standing reservation plus
	// this epoch's. No state change on failure.
	if available < e.epochs.TotalReserved()+valueNeeded {
		e.reject("process_epoch", "insufficient_liquidity")
		if e.metrics != nil {
			e.metrics.ProcessFailures.WithLabelValues("insufficient_liquidity").Inc()
		}
		return 0, 0, fmt.Errorf("%w: need %d on top of %d reserved, have %d",
			ErrInsufficientLiquidity, valueNeeded, e.epochs.TotalReserved(), available)
	}

	// Retirement happens exactly once, here. Claims later are value transfer
	// only.
	if totalShares > 0 {
		if err := e.callExternal(func() error {
			return e.fund.RetireShares(totalShares)
		}); err != nil {
			e.reject("process_epoch", "retire")
			return 0, 0, fmt.Errorf("share retirement: %w", err)
		}
	}

	if err := e.epochs.MarkProcessed(epochID, price, valueNeeded); err != nil {
		panic(fmt.Sprintf("FATAL: mark processed after precondition check: %v", err))
	}

	now := time.Now()
	e.emit(&event.EpochProcessed{
		EpochID:       epochID,
		LockedPrice:   price,
		TotalShares:   totalShares,
		ValueReserved: valueNeeded,
		Timestamp:     now,
	}, now)

	e.postCheckConservation()
	e.accept("process_epoch", start)
	if e.metrics != nil {
		e.metrics.EpochsProcessed.Inc()
		e.metrics.SharesRetired.Add(float64(totalShares))
		e.metrics.ValueReserved.Set(float64(e.epochs.TotalReserved()))
	}

	e.logger.Info().
		Uint64("epoch_id", epochID).
		Uint64("locked_price", price).
		Uint64("total_shares", totalShares).
		Uint64("value_reserved", valueNeeded).
		Msg("epoch processed")
	return price, valueNeeded, nil
}

// Claim settles the caller's requests across the named processed epochs with
// exactly one value transfer to the receiver. Epochs where the caller holds
// no request are skipped; an unprocessed epoch in the list fails the whole
// call before any transfer.
func (e *QueueEngine) Claim(caller Caller, receiver uuid.UUID, epochIDs []uint64) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("claim", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	if len(epochIDs) == 0 {
		e.reject("claim", "empty_epochs")
		return 0, ErrEmptyEpochList
	}
	if receiver == uuid.Nil {
		e.reject("claim", "zero_receiver")
		return 0, ErrZeroReceiver
	}

	user := caller.ID

	settlements, totalShares, totalOwed, err := e.planClaim(user, epochIDs)
	if err != nil {
		e.reject("claim", "not_processed")
		return 0, err
	}
	if totalShares == 0 {
		e.reject("claim", "nothing_claimable")
		return 0, fmt.Errorf("%w: user %s", ErrNoClaimableRequest, user)
	}

	if err := e.callExternal(func() error {
		return e.fund.TransferValueTo(receiver, totalOwed)
	}); err != nil {
		e.reject("claim", "transfer")
		return 0, fmt.Errorf("value transfer: %w", err)
	}

	e.commitClaim(user, receiver, settlements, totalShares, totalOwed, time.Now())

	e.postCheckConservation()
	e.accept("claim", start)
	if e.metrics != nil {
		e.metrics.ClaimsSettled.Inc()
		e.metrics.ValuePaidOut.Add(float64(totalOwed))
		e.metrics.ValueReserved.Set(float64(e.epochs.TotalReserved()))
	}
	return totalOwed, nil
}

// ClaimBatch settles one processed epoch for many users in a single call,
// each user paid to their own identity. A user with no request in the epoch
// is skipped, and one user's transfer failure does not abort the others.
// Fails only if nobody settles. Operator only.
func (e *QueueEngine) ClaimBatch(caller Caller, users []uuid.UUID, epochID uint64) (uint64, error) {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("claim_batch", "reentrant")
		return 0, err
	}
	defer e.mu.Unlock()

	if !caller.IsOperator() {
		e.reject("claim_batch", "forbidden")
		return 0, ErrNotOperator
	}
	if len(users) == 0 {
		e.reject("claim_batch", "empty_users")
		return 0, ErrEmptyUserList
	}

	ep, ok := e.epochs.Get(epochID)
	if !ok || ep.State != ledger.EpochStateProcessed {
		e.reject("claim_batch", "not_processed")
		return 0, fmt.Errorf("%w: epoch %d", ledger.ErrEpochNotProcessed, epochID)
	}
	price, _ := ep.LockedPrice()

	var totalPaid uint64
	settled := 0

	for _, user := range users {
		shares := e.requests.Peek(user, epochID)
		if shares == 0 {
			continue
		}
		owed := fpmath.ShareValue(shares, price)

		// Each user's transfer is independently atomic: a bounced transfer
		// skips that user, leaving their request intact for a later claim.
		if err := e.callExternal(func() error {
			return e.fund.TransferValueTo(user, owed)
		}); err != nil {
			e.logger.Warn().
				Str("user_id", user.String()).
				Uint64("epoch_id", epochID).
				Err(err).
				Msg("batch claim transfer failed, skipping user")
			continue
		}

		settlements := []event.EpochSettlement{{EpochID: epochID, Shares: shares, Owed: owed}}
		e.commitClaim(user, user, settlements, shares, owed, time.Now())
		totalPaid += owed
		settled++
	}

	if settled == 0 {
		e.reject("claim_batch", "nothing_claimable")
		return 0, fmt.Errorf("%w: epoch %d", ErrNoClaimableRequest, epochID)
	}

	e.postCheckConservation()
	e.accept("claim_batch", start)
	if e.metrics != nil {
		e.metrics.ClaimsSettled.Add(float64(settled))
		e.metrics.ValuePaidOut.Add(float64(totalPaid))
		e.metrics.ValueReserved.Set(float64(e.epochs.TotalReserved()))
	}
	return totalPaid, nil
}

// planClaim walks the epoch list read-only: dedupes ids, checks every named
// epoch is processed, and prices the caller's requests at each epoch's locked
// price. No mutation happens here.
func (e *QueueEngine) planClaim(user uuid.UUID, epochIDs []uint64) ([]event.EpochSettlement, uint64, uint64, error) {
	seen := make(map[uint64]bool, len(epochIDs))
	settlements := make([]event.EpochSettlement, 0, len(epochIDs))
	var totalShares, totalOwed uint64

	for _, id := range epochIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		ep, ok := e.epochs.Get(id)
		if !ok || ep.State != ledger.EpochStateProcessed {
			return nil, 0, 0, fmt.Errorf("%w: epoch %d", ledger.ErrEpochNotProcessed, id)
		}

		shares := e.requests.Peek(user, id)
		if shares == 0 {
			continue
		}

		price, _ := ep.LockedPrice()
		owed := fpmath.ShareValue(shares, price)

		settlements = append(settlements, event.EpochSettlement{
			EpochID: id,
			Shares:  shares,
			Owed:    owed,
		})
		totalShares += shares
		totalOwed += owed
	}

	return settlements, totalShares, totalOwed, nil
}

// commitClaim applies a settled claim to the books and emits the event. The
// transfer has already succeeded; failures past this point are defects.
func (e *QueueEngine) commitClaim(
	user, receiver uuid.UUID,
	settlements []event.EpochSettlement,
	totalShares, totalOwed uint64,
	now time.Time,
) {
	for _, s := range settlements {
		if err := e.requests.Remove(user, s.EpochID, s.Shares); err != nil {
			panic(fmt.Sprintf("FATAL: clear claimed request: %v", err))
		}
		e.epochs.ReleaseReserved(s.EpochID, s.Owed)
	}

	e.emit(&event.ClaimSettled{
		UserID:      user,
		ReceiverID:  receiver,
		Epochs:      settlements,
		TotalShares: totalShares,
		TotalOwed:   totalOwed,
		Timestamp:   now,
	}, now)
}

// SetQueueActive toggles the submission gate. Operator only. When inactive,
// submissions are rejected; pending requests, closes, processing, and claims
// all continue to work.
func (e *QueueEngine) SetQueueActive(caller Caller, active bool) error {
	start := time.Now()
	if err := e.lockOp(); err != nil {
		e.reject("set_mode", "reentrant")
		return err
	}
	defer e.mu.Unlock()

	if !caller.IsOperator() {
		e.reject("set_mode", "forbidden")
		return ErrNotOperator
	}

	if e.queueActive == active {
		return nil
	}
	e.queueActive = active

	now := time.Now()
	e.emit(&event.QueueModeChanged{
		Active:    active,
		Timestamp: now,
	}, now)

	e.accept("set_mode", start)
	e.logger.Info().Bool("active", active).Msg("queue mode changed")
	return nil
}

// IsQueueActive reports the submission gate.
func (e *QueueEngine) IsQueueActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueActive
}

// CurrentEpochID returns the Active epoch id.
func (e *QueueEngine) CurrentEpochID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs.CurrentID()
}

// TotalReservedValue returns value reserved for processed epochs and not yet
// paid out.
func (e *QueueEngine) TotalReservedValue() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochs.TotalReserved()
}

// PendingRequest returns the caller's live request for an epoch, zero if
// none.
func (e *QueueEngine) PendingRequest(user uuid.UUID, epochID uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests.Peek(user, epochID)
}

// EpochInfo returns a copy of an epoch's lifecycle record.
func (e *QueueEngine) EpochInfo(epochID uint64) (ledger.Epoch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.epochs.Get(epochID)
	if !ok {
		return ledger.Epoch{}, false
	}
	return *ep, true
}

// GetSequence returns the next sequence number to assign.
func (e *QueueEngine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *QueueEngine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// emit assigns a sequence, hashes the post-state, and fans the event out.
// Persistence gets a blocking send so no event is lost; projections and
// outbound publishing get non-blocking sends and may drop (both rebuild or
// re-read from the event log).
func (e *QueueEngine) emit(evt event.Event, now time.Time) {
	payload, err := event.MarshalPayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}

	// ComputeHash advances the chain tip, so grab the predecessor first.
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, e.computeStateDigest())

	output := EngineOutput{
		Envelope: &event.EventEnvelope{
			Sequence:  e.sequence,
			EventType: evt.EventType(),
			Timestamp: now,
			Payload:   payload,
			StateHash: stateHash,
			PrevHash:  prevHash,
		},
		Event: evt,
	}

	e.sequence++

	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			// Full persist channel: block until the worker catches up.
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}
}

// computeStateDigest builds canonical bytes over the queue's global state:
// current epoch, reservations, pending rollovers, mode, every epoch record in
// id order, then every live request entry in (epoch, user) order. Entries are
// folded in full so states differing only in who holds which request hash
// differently.
func (e *QueueEngine) computeStateDigest() []byte {
	all := e.epochs.AllEpochs()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	entries := e.requests.Snapshot()
	keys := make([]ledger.RequestKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EpochID != keys[j].EpochID {
			return keys[i].EpochID < keys[j].EpochID
		}
		return bytes.Compare(keys[i].User[:], keys[j].User[:]) < 0
	})

	digest := make([]byte, 0, 33+len(all)*40+len(keys)*32)
	digest = appendUint64LE(digest, e.epochs.CurrentID())
	digest = appendUint64LE(digest, e.epochs.TotalReserved())
	digest = appendUint64LE(digest, e.epochs.PendingNextRequested())
	digest = appendUint64LE(digest, uint64(e.requests.Len()))
	if e.queueActive {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}

	for _, ep := range all {
		digest = appendUint64LE(digest, ep.ID)
		digest = append(digest, byte(ep.State))
		digest = appendUint64LE(digest, ep.TotalRequestedShares)
		digest = appendUint64LE(digest, ep.ReservedValue)
		price, _ := ep.LockedPrice()
		digest = appendUint64LE(digest, price)
	}

	for _, k := range keys {
		digest = append(digest, k.User[:]...)
		digest = appendUint64LE(digest, k.EpochID)
		digest = appendUint64LE(digest, entries[k])
	}

	return digest
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheck panics on a broken epoch-total invariant. Engine state is
// corrupt past this point; crashing and replaying the log is the recovery.
func (e *QueueEngine) postCheck(epochID uint64) {
	if err := e.validator.ValidateEpochTotal(epochID); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
}

func (e *QueueEngine) postCheckConservation() {
	if err := e.validator.ValidateReservedConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
}

func (e *QueueEngine) accept(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpsAccepted.WithLabelValues(op).Inc()
	e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (e *QueueEngine) reject(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}
