package leverage

import (
	"context"
	"fmt"
	"math/big"

	"levman/crypto"
	"levman/events"
	"levman/permit"
)

// OpenSupply creates a deposit-only position: funds move from the owner into
// pool custody under the orchestrator account and the ledger records the
// attribution. Supply positions carry no debt leg and no health-factor
// gating.
func (e *Engine) OpenSupply(ctx context.Context, caller crypto.Address, asset string, amount *big.Int) (*SupplyPosition, error) {
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

	if err := e.tokens.Pull(ctx, asset, caller, amount); err != nil {
		return nil, fmt.Errorf("pull deposit: %w", err)
	}
	if err := e.pool.Supply(ctx, asset, amount, e.account, e.referral); err != nil {
		return nil, fmt.Errorf("supply deposit: %w", err)
	}

	id, err := e.ledger.NextSupplyID()
	if err != nil {
		return nil, fmt.Errorf("allocate supply id: %w", err)
	}
	position := &SupplyPosition{
		ID:     id,
		Owner:  caller,
		Asset:  asset,
		Amount: new(big.Int).Set(amount),
		Active: true,
	}
	if err := e.ledger.PutSupply(position); err != nil {
		return nil, fmt.Errorf("store supply position: %w", err)
	}
	if err := e.ledger.AddAggregateSupply(asset, amount); err != nil {
		return nil, fmt.Errorf("update supply aggregate: %w", err)
	}
	if err := e.ledger.AddActiveSupplyCount(1); err != nil {
		return nil, fmt.Errorf("update supply count: %w", err)
	}

	e.emit(events.SupplyPositionCreated{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.Asset,
		Amount: new(big.Int).Set(amount),
	})
	return position.Clone(), nil
}

// OpenSupplyWithPermit resolves a signed delegation into a one-shot allowance
// and then opens the deposit through the normal path.
func (e *Engine) OpenSupplyWithPermit(ctx context.Context, caller crypto.Address, asset string, amount *big.Int, auth permit.Authorization) (*SupplyPosition, error) {
	if e == nil || e.permits == nil {
		return nil, fmt.Errorf("leverage engine: permit adapter not configured")
	}
	if err := e.permits.Resolve(ctx, auth); err != nil {
		return nil, err
	}
	return e.OpenSupply(ctx, caller, asset, amount)
}

// IncreaseSupply tops up an existing deposit-only position.
func (e *Engine) IncreaseSupply(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) error {
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

	position, err := e.loadActiveSupply(id, caller)
	if err != nil {
		return err
	}

	if err := e.tokens.Pull(ctx, position.Asset, caller, amount); err != nil {
		return fmt.Errorf("pull deposit: %w", err)
	}
	if err := e.pool.Supply(ctx, position.Asset, amount, e.account, e.referral); err != nil {
		return fmt.Errorf("supply deposit: %w", err)
	}

	position.Amount = new(big.Int).Add(position.Amount, amount)
	if err := e.ledger.PutSupply(position); err != nil {
		return fmt.Errorf("store supply position: %w", err)
	}
	if err := e.ledger.AddAggregateSupply(position.Asset, amount); err != nil {
		return fmt.Errorf("update supply aggregate: %w", err)
	}

	e.emit(events.SupplyPositionIncreased{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.Asset,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// WithdrawSupply releases part of a deposit back to the owner and returns the
// amount the pool actually released. The position closes when its tracked
// amount reaches zero.
func (e *Engine) WithdrawSupply(ctx context.Context, caller crypto.Address, id uint64, amount *big.Int) (*big.Int, error) {
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

	position, err := e.loadActiveSupply(id, caller)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(position.Amount) > 0 {
		return nil, ErrWithdrawExceedsTracked
	}

	released, err := e.pool.Withdraw(ctx, position.Asset, amount, caller)
	if err != nil {
		return nil, fmt.Errorf("withdraw deposit: %w", err)
	}

	position.Amount = satSub(position.Amount, released)
	closed := position.Amount.Sign() == 0
	if closed {
		position.Active = false
	}
	if err := e.ledger.PutSupply(position); err != nil {
		return nil, fmt.Errorf("store supply position: %w", err)
	}
	if err := e.ledger.AddAggregateSupply(position.Asset, new(big.Int).Neg(released)); err != nil {
		return nil, fmt.Errorf("update supply aggregate: %w", err)
	}
	if closed {
		if err := e.ledger.AddActiveSupplyCount(-1); err != nil {
			return nil, fmt.Errorf("update supply count: %w", err)
		}
	}

	e.emit(events.SupplyPositionWithdrawn{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.Asset,
		Amount: new(big.Int).Set(released),
		Closed: closed,
	})
	return released, nil
}

// CloseSupply withdraws the full tracked amount and retires the position.
func (e *Engine) CloseSupply(ctx context.Context, caller crypto.Address, id uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := guard(e.pauses); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(caller.String())
	defer unlock()

	position, err := e.loadActiveSupply(id, caller)
	if err != nil {
		return nil, err
	}

	released := big.NewInt(0)
	if position.Amount.Sign() > 0 {
		released, err = e.pool.Withdraw(ctx, position.Asset, position.Amount, caller)
		if err != nil {
			return nil, fmt.Errorf("withdraw deposit: %w", err)
		}
	}

	tracked := new(big.Int).Set(position.Amount)
	position.Amount = big.NewInt(0)
	position.Active = false
	if err := e.ledger.PutSupply(position); err != nil {
		return nil, fmt.Errorf("store supply position: %w", err)
	}
	if tracked.Sign() > 0 {
		if err := e.ledger.AddAggregateSupply(position.Asset, new(big.Int).Neg(tracked)); err != nil {
			return nil, fmt.Errorf("update supply aggregate: %w", err)
		}
	}
	if err := e.ledger.AddActiveSupplyCount(-1); err != nil {
		return nil, fmt.Errorf("update supply count: %w", err)
	}

	e.emit(events.SupplyPositionClosed{
		ID:     position.ID,
		Owner:  position.Owner,
		Asset:  position.Asset,
		Amount: released,
	})
	return released, nil
}

func (e *Engine) loadActiveSupply(id uint64, caller crypto.Address) (*SupplyPosition, error) {
	position, err := e.ledger.GetSupply(id)
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
