package leverage

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"levman/crypto"
	"levman/events"
	"levman/permit"
	"levman/pool"
	"levman/token"
)

// Engine orchestrates the lifecycle of leveraged positions against the
// external lending pool. It owns no custody and no valuation: token movement
// is delegated to the token layer, risk metrics are always re-read from the
// pool at decision time, and the local ledger only mirrors the amounts this
// layer attributed to each position.
//
// The engine is not internally concurrent. Operations touching the same
// owner are serialized behind a per-owner lock; the solvency checks are only
// valid when no concurrent mutation shifts the pool-reported metrics between
// the pre-check and the pool call.
type Engine struct {
	ledger  Ledger
	pool    pool.Facade
	tokens  token.Mover
	permits *permit.Adapter
	emitter events.Emitter
	pauses  PauseView

	// account is the orchestrator's pooled account: every supply, borrow,
	// and liquidation runs on behalf of this aggregate identity.
	account  crypto.Address
	admin    crypto.Address
	referral uint16

	locks *ownerLocks
}

// NewEngine constructs an engine bound to the orchestrator's pooled account
// and the administrative identity allowed to force-close positions.
func NewEngine(account, admin crypto.Address) *Engine {
	return &Engine{
		account: account,
		admin:   admin,
		locks:   newOwnerLocks(),
	}
}

// SetLedger wires the engine to the persistence layer.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetPool wires the engine to the external lending pool facade.
func (e *Engine) SetPool(facade pool.Facade) { e.pool = facade }

// SetTokenMover wires the engine to the external balance-movement layer.
func (e *Engine) SetTokenMover(mover token.Mover) { e.tokens = mover }

// SetPermitAdapter configures the authorization adapter used by the
// permit-entry operation variants.
func (e *Engine) SetPermitAdapter(adapter *permit.Adapter) {
	if e == nil {
		return
	}
	e.permits = adapter
}

// SetEmitter configures the domain event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetPauses wires the operational pause switches.
func (e *Engine) SetPauses(p PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetReferralCode sets the referral identifier forwarded on pool supply and
// borrow calls.
func (e *Engine) SetReferralCode(code uint16) {
	if e == nil {
		return
	}
	e.referral = code
}

// Account returns the orchestrator's pooled account identity.
func (e *Engine) Account() crypto.Address {
	if e == nil {
		return crypto.Address{}
	}
	return e.account
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) ready() error {
	if e == nil || e.ledger == nil {
		return ErrNilLedger
	}
	if e.pool == nil || e.tokens == nil {
		return ErrNilPool
	}
	return nil
}

// accountRisk performs a fresh read of the pool's risk metrics. Results are
// never cached across calls.
func (e *Engine) accountRisk(ctx context.Context) (pool.AccountRisk, error) {
	risk, err := e.pool.AccountRisk(ctx, e.account)
	if err != nil {
		return pool.AccountRisk{}, fmt.Errorf("query account risk: %w", err)
	}
	return risk, nil
}

func (e *Engine) loadActivePosition(id uint64, caller crypto.Address) (*Position, error) {
	position, err := e.ledger.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrUnknownPosition
	}
	position.normalize()
	if !position.Owner.Equal(caller) {
		return nil, ErrNotOwner
	}
	if !position.Active {
		return nil, ErrNotActive
	}
	return position, nil
}

// lockPosition acquires the owner lock for id and returns the record as it
// stands with the lock held. The initial read only names the lock key; the
// record is read again under the lock so that an owner operation finishing in
// between cannot be overwritten with a stale snapshot.
func (e *Engine) lockPosition(id uint64) (*Position, func(), error) {
	position, err := e.ledger.GetPosition(id)
	if err != nil {
		return nil, nil, err
	}
	if position == nil {
		return nil, nil, ErrUnknownPosition
	}
	unlock := e.locks.lock(position.Owner.String())
	position, err = e.ledger.GetPosition(id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	if position == nil {
		unlock()
		return nil, nil, ErrUnknownPosition
	}
	position.normalize()
	return position, unlock, nil
}

// CreatePosition runs the supply -> collateral-flag -> borrow sequence and
// records the resulting position. If the pool rejects the full borrow amount
// the engine retries exactly once with half the request; a second rejection
// aborts the creation. Collateral already supplied is not rolled back on
// abort; an OrphanedCollateral event flags it for operator reconciliation.
func (e *Engine) CreatePosition(ctx context.Context, caller crypto.Address, collateralAsset string, collateralAmount *big.Int, borrowAsset string, borrowAmount *big.Int, mode pool.RateMode) (*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, err
	}
	if !positive(collateralAmount) || !positive(borrowAmount) {
		return nil, ErrInvalidAmount
	}
	if !mode.Valid() {
		return nil, ErrInvalidRateMode
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	id, err := e.ledger.NextPositionID()
	if err != nil {
		return nil, fmt.Errorf("allocate position id: %w", err)
	}
	position := &Position{
		ID:               id,
		Owner:            caller,
		CollateralAsset:  collateralAsset,
		CollateralAmount: new(big.Int).Set(collateralAmount),
		BorrowAsset:      borrowAsset,
		BorrowAmount:     big.NewInt(0),
		RateMode:         mode,
		Active:           true,
	}
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, fmt.Errorf("store provisional position: %w", err)
	}

	if err := e.tokens.Pull(ctx, collateralAsset, caller, collateralAmount); err != nil {
		_ = e.ledger.DeletePosition(id)
		return nil, fmt.Errorf("pull collateral: %w", err)
	}
	if err := e.pool.Supply(ctx, collateralAsset, collateralAmount, e.account, e.referral); err != nil {
		_ = e.ledger.DeletePosition(id)
		return nil, fmt.Errorf("supply collateral: %w", err)
	}
	if err := e.pool.SetCollateralFlag(ctx, collateralAsset, true); err != nil {
		return nil, e.abortCreation(position, fmt.Errorf("enable collateral: %w", err))
	}

	borrowed, err := e.borrowWithFallback(ctx, borrowAsset, borrowAmount, mode)
	if err != nil {
		return nil, e.abortCreation(position, err)
	}
	// The debt is tracked before the funds are forwarded so a push failure
	// never leaves pool-side debt the ledger does not know about.
	position.BorrowAmount = borrowed
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, fmt.Errorf("store position: %w", err)
	}
	if err := e.tokens.Push(ctx, borrowAsset, caller, borrowed); err != nil {
		return nil, fmt.Errorf("forward borrowed funds: %w", err)
	}

	e.emit(events.PositionCreated{
		ID:               position.ID,
		Owner:            position.Owner,
		CollateralAsset:  position.CollateralAsset,
		CollateralAmount: new(big.Int).Set(position.CollateralAmount),
		BorrowAsset:      position.BorrowAsset,
		Borrowed:         new(big.Int).Set(borrowed),
		RateMode:         mode.String(),
	})
	return position.Clone(), nil
}

// abortCreation removes the provisional record and flags the collateral that
// remains supplied under the orchestrator account. The collateral is not
// withdrawn automatically; see the orphaned-collateral trade-off in DESIGN.md.
func (e *Engine) abortCreation(position *Position, cause error) error {
	_ = e.ledger.DeletePosition(position.ID)
	e.emit(events.OrphanedCollateral{
		Owner:  position.Owner,
		Asset:  position.CollateralAsset,
		Amount: new(big.Int).Set(position.CollateralAmount),
	})
	return cause
}

// borrowWithFallback asks the pool for the full amount and, if the pool
// rejects the request, retries exactly once with half. Any other failure mode
// propagates immediately.
func (e *Engine) borrowWithFallback(ctx context.Context, asset string, amount *big.Int, mode pool.RateMode) (*big.Int, error) {
	err := e.pool.Borrow(ctx, asset, amount, mode, e.referral, e.account)
	if err == nil {
		return new(big.Int).Set(amount), nil
	}
	if !errors.Is(err, pool.ErrRejected) {
		return nil, fmt.Errorf("borrow: %w", err)
	}
	half := halve(amount)
	if half.Sign() == 0 {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	if err := e.pool.Borrow(ctx, asset, half, mode, e.referral, e.account); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	return half, nil
}

// AddCollateral pulls additional collateral from the owner and supplies it to
// the pool. Re-marking the asset as collateral is idempotent pool-side.
func (e *Engine) AddCollateral(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard(e.pauses); err != nil {
		return err
	}
	if !positive(amount) {
		return ErrInvalidAmount
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActivePosition(id, caller)
	if err != nil {
		return err
	}

	if err := e.tokens.Pull(ctx, position.CollateralAsset, caller, amount); err != nil {
		return fmt.Errorf("pull collateral: %w", err)
	}
	if err := e.pool.Supply(ctx, position.CollateralAsset, amount, e.account, e.referral); err != nil {
		return fmt.Errorf("supply collateral: %w", err)
	}
	if err := e.pool.SetCollateralFlag(ctx, position.CollateralAsset, true); err != nil {
		return fmt.Errorf("enable collateral: %w", err)
	}

	position.CollateralAmount = new(big.Int).Add(position.CollateralAmount, amount)
	if err := e.ledger.PutPosition(position); err != nil {
		return fmt.Errorf("store position: %w", err)
	}

	e.emit(events.CollateralAdded{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.CollateralAsset,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// WithdrawCollateral releases collateral back to the owner. The account's
// pool-reported health factor must sit strictly above 1 both before and after
// the withdrawal; the post-check is the authoritative gate, the pre-check
// only fails fast.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActivePosition(id, caller)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(position.CollateralAmount) > 0 {
		return nil, ErrWithdrawExceedsTracked
	}

	risk, err := e.accountRisk(ctx)
	if err != nil {
		return nil, err
	}
	if !risk.Healthy() {
		return nil, ErrUnhealthy
	}

	withdrawn, err := e.pool.Withdraw(ctx, position.CollateralAsset, amount, caller)
	if err != nil {
		return nil, fmt.Errorf("withdraw collateral: %w", err)
	}

	position.CollateralAmount = satSub(position.CollateralAmount, withdrawn)
	if position.woundDown() {
		position.Active = false
	}
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, fmt.Errorf("store position: %w", err)
	}

	risk, err = e.accountRisk(ctx)
	if err != nil {
		return nil, err
	}
	if !risk.Healthy() {
		return nil, ErrUnhealthyAfter
	}

	e.emit(events.CollateralWithdrawn{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.CollateralAsset,
		Amount: new(big.Int).Set(withdrawn),
	})
	return withdrawn, nil
}

// IncreaseBorrow draws additional debt against an existing position, applying
// the same single halving retry as creation, and forwards the borrowed funds
// to the owner. A post-borrow health factor at or below 1 is reported as a
// hard failure even though the transfer already happened.
func (e *Engine) IncreaseBorrow(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActivePosition(id, caller)
	if err != nil {
		return nil, err
	}

	risk, err := e.accountRisk(ctx)
	if err != nil {
		return nil, err
	}
	if risk.AvailableBorrowValue == nil || risk.AvailableBorrowValue.Sign() <= 0 {
		return nil, ErrNoBorrowCapacity
	}
	if !risk.Healthy() {
		return nil, ErrUnhealthy
	}

	borrowed, err := e.borrowWithFallback(ctx, position.BorrowAsset, amount, position.RateMode)
	if err != nil {
		return nil, err
	}
	position.BorrowAmount = new(big.Int).Add(position.BorrowAmount, borrowed)
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, fmt.Errorf("store position: %w", err)
	}
	if err := e.tokens.Push(ctx, position.BorrowAsset, caller, borrowed); err != nil {
		return nil, fmt.Errorf("forward borrowed funds: %w", err)
	}

	risk, err = e.accountRisk(ctx)
	if err != nil {
		return nil, err
	}
	if !risk.Healthy() {
		return nil, ErrUnhealthyAfter
	}

	e.emit(events.DebtIncreased{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.BorrowAsset,
		Amount: new(big.Int).Set(borrowed),
	})
	return borrowed, nil
}

// RepayDebt pulls the repayment from the owner, forwards it to the pool, and
// decrements the tracked debt by the amount the pool actually applied. The
// applied amount can exceed the tracked remainder when interest accrued
// externally; the ledger saturates at zero.
func (e *Engine) RepayDebt(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, err
	}
	if !positive(amount) {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActivePosition(id, caller)
	if err != nil {
		return nil, err
	}

	if err := e.tokens.Pull(ctx, position.BorrowAsset, caller, amount); err != nil {
		return nil, fmt.Errorf("pull repayment: %w", err)
	}
	applied, err := e.pool.Repay(ctx, position.BorrowAsset, amount, position.RateMode, e.account)
	if err != nil {
		return nil, fmt.Errorf("repay debt: %w", err)
	}

	position.BorrowAmount = satSub(position.BorrowAmount, applied)
	if position.woundDown() {
		position.Active = false
	}
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, fmt.Errorf("store position: %w", err)
	}

	e.emit(events.DebtRepaid{
		ID:      position.ID,
		Owner:   position.Owner,
		Asset:   position.BorrowAsset,
		Applied: new(big.Int).Set(applied),
	})
	return applied, nil
}

// RepayDebtWithPermit resolves a signed delegation into a one-shot allowance
// and then runs the normal repayment path.
func (e *Engine) RepayDebtWithPermit(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int, auth permit.Authorization) (*big.Int, error) {
	if e == nil || e.permits == nil {
		return nil, fmt.Errorf("leverage engine: permit adapter not configured")
	}
	if err := e.permits.Resolve(ctx, auth); err != nil {
		return nil, err
	}
	return e.RepayDebt(ctx, caller, id, amount)
}

// ClosePosition repays everything outstanding on the debt leg, withdraws the
// full remaining collateral to the owner, and retires the position. The
// repayment requests "settle everything" semantics from the pool so interest
// accrued since the last read is absorbed.
func (e *Engine) ClosePosition(ctx context.Context, caller crypto.Address, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := guard(e.pauses); err != nil {
		return err
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActivePosition(id, caller)
	if err != nil {
		return err
	}

	risk, err := e.accountRisk(ctx)
	if err != nil {
		return err
	}
	if !risk.Healthy() {
		return ErrUnhealthy
	}

	settled := big.NewInt(0)
	if position.BorrowAmount.Sign() > 0 {
		if err := e.tokens.Pull(ctx, position.BorrowAsset, caller, position.BorrowAmount); err != nil {
			return fmt.Errorf("pull repayment: %w", err)
		}
		applied, err := e.pool.Repay(ctx, position.BorrowAsset, pool.MaxUint256, position.RateMode, e.account)
		if err != nil {
			return fmt.Errorf("repay debt: %w", err)
		}
		settled = applied
	}

	returned := big.NewInt(0)
	if position.CollateralAmount.Sign() > 0 {
		withdrawn, err := e.pool.Withdraw(ctx, position.CollateralAsset, position.CollateralAmount, caller)
		if err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
		returned = withdrawn
	}

	position.CollateralAmount = big.NewInt(0)
	position.BorrowAmount = big.NewInt(0)
	position.Active = false
	if err := e.ledger.PutPosition(position); err != nil {
		return fmt.Errorf("store position: %w", err)
	}

	risk, err = e.accountRisk(ctx)
	if err != nil {
		return err
	}
	if !risk.Healthy() {
		return ErrUnhealthyAfter
	}

	e.emit(events.PositionClosed{
		ID:                 position.ID,
		Owner:              position.Owner,
		CollateralReturned: returned,
		DebtSettled:        settled,
	})
	return nil
}

// Liquidate lets a third party cover part of an unhealthy position's debt in
// exchange for its collateral. The pool's reported settlement amounts drive
// the ledger update; nothing is estimated locally.
func (e *Engine) Liquidate(ctx context.Context, caller crypto.Address, id uint64, debtToCover *big.Int, receiveReceiptToken bool) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, nil, err
	}
	if !positive(debtToCover) {
		return nil, nil, ErrInvalidAmount
	}

	position, unlock, err := e.lockPosition(id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	if position.Owner.Equal(caller) {
		return nil, nil, ErrSelfLiquidation
	}
	if !position.Active {
		return nil, nil, ErrNotActive
	}

	risk, err := e.accountRisk(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !risk.Liquidatable() {
		return nil, nil, ErrPositionHealthy
	}

	if err := e.tokens.Pull(ctx, position.BorrowAsset, caller, debtToCover); err != nil {
		return nil, nil, fmt.Errorf("pull liquidation funds: %w", err)
	}
	result, err := e.pool.Liquidate(ctx, position.CollateralAsset, position.BorrowAsset, e.account, debtToCover, receiveReceiptToken)
	if err != nil {
		return nil, nil, fmt.Errorf("liquidate: %w", err)
	}
	seized := result.CollateralSeized
	if seized == nil {
		seized = big.NewInt(0)
	}
	covered := result.DebtCovered
	if covered == nil {
		covered = big.NewInt(0)
	}

	position.BorrowAmount = satSub(position.BorrowAmount, covered)
	position.CollateralAmount = satSub(position.CollateralAmount, seized)
	closed := position.BorrowAmount.Sign() == 0 || position.CollateralAmount.Sign() == 0
	if closed {
		position.Active = false
	}
	if err := e.ledger.PutPosition(position); err != nil {
		return nil, nil, fmt.Errorf("store position: %w", err)
	}

	// The pool may or may not settle the seized leg in its receipt token
	// automatically; when the liquidator opted in, forward it explicitly.
	if receiveReceiptToken && seized.Sign() > 0 {
		receipt, err := e.pool.ReceiptTokenAddress(ctx, position.CollateralAsset)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve receipt token: %w", err)
		}
		if err := e.tokens.Push(ctx, receipt.String(), caller, seized); err != nil {
			return nil, nil, fmt.Errorf("forward receipt tokens: %w", err)
		}
	}

	e.emit(events.PositionLiquidated{
		ID:               position.ID,
		Owner:            position.Owner,
		Liquidator:       caller,
		DebtCovered:      new(big.Int).Set(covered),
		CollateralSeized: new(big.Int).Set(seized),
		ReceiptToken:     receiveReceiptToken,
		Closed:           closed,
	})
	return new(big.Int).Set(seized), new(big.Int).Set(covered), nil
}

// AdminClosePosition force-closes a position the owner cannot or will not
// close. In normal mode it mirrors ClosePosition but covers outstanding debt
// from the orchestrator's own balance, refusing when that balance is
// insufficient. In emergency mode it best-effort repays and withdraws, then
// marks the position inactive regardless of residual pool-side risk; the
// distinct force-closed event separates it from the normal path.
func (e *Engine) AdminClosePosition(ctx context.Context, caller crypto.Address, id uint64, emergency bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if !emergency {
		if err := guard(e.pauses); err != nil {
			return err
		}
	}

	position, unlock, err := e.lockPosition(id)
	if err != nil {
		return err
	}
	defer unlock()
	if !position.Active {
		return ErrNotActive
	}

	if emergency {
		return e.emergencyClose(ctx, position)
	}

	risk, err := e.accountRisk(ctx)
	if err != nil {
		return err
	}
	if !risk.Healthy() {
		return ErrUnhealthy
	}

	settled := big.NewInt(0)
	if position.BorrowAmount.Sign() > 0 {
		balance, err := e.tokens.BalanceOf(ctx, position.BorrowAsset, e.account)
		if err != nil {
			return fmt.Errorf("query orchestrator balance: %w", err)
		}
		if balance == nil || balance.Cmp(position.BorrowAmount) < 0 {
			return ErrInsufficientBalance
		}
		applied, err := e.pool.Repay(ctx, position.BorrowAsset, pool.MaxUint256, position.RateMode, e.account)
		if err != nil {
			return fmt.Errorf("repay debt: %w", err)
		}
		settled = applied
	}

	returned := big.NewInt(0)
	if position.CollateralAmount.Sign() > 0 {
		withdrawn, err := e.pool.Withdraw(ctx, position.CollateralAsset, position.CollateralAmount, position.Owner)
		if err != nil {
			return fmt.Errorf("withdraw collateral: %w", err)
		}
		returned = withdrawn
	}

	position.CollateralAmount = big.NewInt(0)
	position.BorrowAmount = big.NewInt(0)
	position.Active = false
	if err := e.ledger.PutPosition(position); err != nil {
		return fmt.Errorf("store position: %w", err)
	}

	e.emit(events.PositionClosed{
		ID:                 position.ID,
		Owner:              position.Owner,
		CollateralReturned: returned,
		DebtSettled:        settled,
	})
	return nil
}

// emergencyClose is the degraded admin path: repay what the orchestrator
// balance allows, release what the pool will give, and force the ledger
// record inactive. Pool failures are swallowed deliberately; the residual
// amounts land in the force-closed event.
func (e *Engine) emergencyClose(ctx context.Context, position *Position) error {
	if position.BorrowAmount.Sign() > 0 {
		balance, err := e.tokens.BalanceOf(ctx, position.BorrowAsset, e.account)
		if err == nil && balance != nil && balance.Sign() > 0 {
			repay := balance
			if repay.Cmp(position.BorrowAmount) > 0 {
				repay = position.BorrowAmount
			}
			if applied, err := e.pool.Repay(ctx, position.BorrowAsset, repay, position.RateMode, e.account); err == nil {
				position.BorrowAmount = satSub(position.BorrowAmount, applied)
			}
		}
	}
	if position.CollateralAmount.Sign() > 0 {
		if withdrawn, err := e.pool.Withdraw(ctx, position.CollateralAsset, position.CollateralAmount, position.Owner); err == nil {
			position.CollateralAmount = satSub(position.CollateralAmount, withdrawn)
		}
	}

	residualCollateral := new(big.Int).Set(position.CollateralAmount)
	residualDebt := new(big.Int).Set(position.BorrowAmount)
	position.Active = false
	if err := e.ledger.PutPosition(position); err != nil {
		return fmt.Errorf("store position: %w", err)
	}

	e.emit(events.PositionForceClosed{
		ID:                 position.ID,
		Owner:              position.Owner,
		ResidualCollateral: residualCollateral,
		ResidualDebt:       residualDebt,
	})
	return nil
}
