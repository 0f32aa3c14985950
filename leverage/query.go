package leverage

import (
	"context"
	"math/big"

	"levman/crypto"
	"levman/pool"
)

// PositionByID returns a copy of the position, active or not.
func (e *Engine) PositionByID(id uint64) (*Position, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilLedger
	}
	position, err := e.ledger.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrUnknownPosition
	}
	position.normalize()
	return position.Clone(), nil
}

// PositionsByOwner returns copies of every position recorded for the owner,
// including retired ones.
func (e *Engine) PositionsByOwner(owner crypto.Address) ([]*Position, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilLedger
	}
	positions, err := e.ledger.PositionsByOwner(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(positions))
	for _, position := range positions {
		position.normalize()
		out = append(out, position.Clone())
	}
	return out, nil
}

// ActivePositionsByOwner filters PositionsByOwner down to open positions.
func (e *Engine) ActivePositionsByOwner(owner crypto.Address) ([]*Position, error) {
	positions, err := e.PositionsByOwner(owner)
	if err != nil {
		return nil, err
	}
	active := positions[:0]
	for _, position := range positions {
		if position.Active {
			active = append(active, position)
		}
	}
	return active, nil
}

// SupplyByID returns a copy of the deposit-only position, active or not.
func (e *Engine) SupplyByID(id uint64) (*SupplyPosition, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilLedger
	}
	position, err := e.ledger.GetSupply(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrUnknownPosition
	}
	position.normalize()
	return position.Clone(), nil
}

// SuppliesByOwner returns copies of every deposit-only position recorded for
// the owner.
func (e *Engine) SuppliesByOwner(owner crypto.Address) ([]*SupplyPosition, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilLedger
	}
	positions, err := e.ledger.SuppliesByOwner(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*SupplyPosition, 0, len(positions))
	for _, position := range positions {
		position.normalize()
		out = append(out, position.Clone())
	}
	return out, nil
}

// AggregateSupply reports the total tracked deposit amount for the asset.
func (e *Engine) AggregateSupply(asset string) (*big.Int, error) {
	if e == nil || e.ledger == nil {
		return nil, ErrNilLedger
	}
	total, err := e.ledger.AggregateSupply(asset)
	if err != nil {
		return nil, err
	}
	if total == nil {
		total = big.NewInt(0)
	}
	return total, nil
}

// ActiveSupplyCount reports the number of open deposit-only positions.
func (e *Engine) ActiveSupplyCount() (uint64, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrNilLedger
	}
	return e.ledger.ActiveSupplyCount()
}

// AccountRisk exposes a fresh read of the pool's aggregate risk metrics for
// the orchestrator account.
func (e *Engine) AccountRisk(ctx context.Context) (pool.AccountRisk, error) {
	if e == nil || e.pool == nil {
		return pool.AccountRisk{}, ErrNilPool
	}
	return e.accountRisk(ctx)
}

// ReceiptToken resolves the pool's interest-bearing receipt token for the
// asset.
func (e *Engine) ReceiptToken(ctx context.Context, asset string) (crypto.Address, error) {
	if e == nil || e.pool == nil {
		return crypto.Address{}, ErrNilPool
	}
	return e.pool.ReceiptTokenAddress(ctx, asset)
}
