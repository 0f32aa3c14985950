package leverage

import "errors"

var (
	ErrNilLedger       = errors.New("leverage engine: ledger not configured")
	ErrNilPool         = errors.New("leverage engine: pool facade not configured")
	ErrInvalidAmount   = errors.New("leverage engine: amount must be positive")
	ErrInvalidRateMode = errors.New("leverage engine: invalid interest rate mode")
	ErrUnknownPosition = errors.New("leverage engine: unknown position")
	ErrNotOwner        = errors.New("leverage engine: caller is not the position owner")
	ErrSelfLiquidation = errors.New("leverage engine: owner cannot liquidate own position")
	ErrNotActive       = errors.New("leverage engine: position not active")
	// ErrBorrowFailed is returned when the pool rejected both the requested
	// borrow amount and the halved fallback.
	ErrBorrowFailed = errors.New("leverage engine: borrow rejected by pool")
	// ErrPositionHealthy rejects liquidation attempts against accounts whose
	// reported health factor is at or above 1.
	ErrPositionHealthy = errors.New("leverage engine: position not eligible for liquidation")
	// ErrUnhealthy gates withdrawals, borrows, and closes on accounts whose
	// reported health factor is already at or below 1.
	ErrUnhealthy = errors.New("leverage engine: account health factor at or below 1")
	// ErrUnhealthyAfter reports the post-operation solvency invariant failing
	// even though token movement already occurred. Leaving the account
	// unhealthy is never a silent outcome.
	ErrUnhealthyAfter = errors.New("leverage engine: operation left account unhealthy")
	// ErrNoBorrowCapacity rejects borrow increases when the pool reports no
	// available borrowing power.
	ErrNoBorrowCapacity       = errors.New("leverage engine: no available borrowing capacity")
	ErrWithdrawExceedsTracked = errors.New("leverage engine: amount exceeds tracked balance")
	ErrInsufficientBalance    = errors.New("leverage engine: insufficient orchestrator balance")
	ErrNotAdmin               = errors.New("leverage engine: caller lacks administrative rights")
)
