package core

import "errors"

// Engine-level sentinel errors. Book-level sentinels (ErrZeroAmount,
// ErrEpochNotClosed, ...) live in internal/ledger and pass through unchanged.
var (
	// ErrQueueInactive rejects submissions while the queue mode is off.
	ErrQueueInactive = errors.New("queue is inactive")

	// ErrInsufficientLiquidity is the processing gate: the fund cannot cover
	// existing reservations plus the new epoch's value. Recoverable — the
	// epoch stays Closed and may be retried.
	ErrInsufficientLiquidity = errors.New("insufficient spendable liquidity")

	// ErrEmptyEpochList rejects a claim with no epochs named.
	ErrEmptyEpochList = errors.New("empty epoch list")

	// ErrEmptyUserList rejects a batch claim with no users named.
	ErrEmptyUserList = errors.New("empty user list")

	// ErrNoClaimableRequest means every named epoch was skipped: nothing to
	// pay.
	ErrNoClaimableRequest = errors.New("no claimable request")

	// ErrNoRequestingShares rejects a rollover for a user with no pending
	// request in the current epoch.
	ErrNoRequestingShares = errors.New("no requesting shares in current epoch")

	// ErrReentrantCall rejects a mutating operation invoked while another
	// operation on the same engine is suspended in an external call.
	ErrReentrantCall = errors.New("reentrant engine call")

	// ErrNotOperator rejects a privileged operation from a non-operator.
	ErrNotOperator = errors.New("caller is not an operator")

	// ErrZeroReceiver rejects a claim directed at the zero UUID.
	ErrZeroReceiver = errors.New("zero receiver")
)
