package leverage

import (
	"math/big"

	"levman/crypto"
)

// Ledger is the persistence interface the engine mutates. Implementations own
// id allocation, owner indexes, and the per-asset supply aggregates; the
// engine never reaches past this interface.
type Ledger interface {
	NextPositionID() (uint64, error)
	GetPosition(id uint64) (*Position, error)
	PutPosition(position *Position) error
	DeletePosition(id uint64) error
	PositionsByOwner(owner crypto.Address) ([]*Position, error)

	NextSupplyID() (uint64, error)
	GetSupply(id uint64) (*SupplyPosition, error)
	PutSupply(position *SupplyPosition) error
	SuppliesByOwner(owner crypto.Address) ([]*SupplyPosition, error)

	// AggregateSupply reports the total amount currently supplied per asset
	// across all deposit-only positions.
	AggregateSupply(asset string) (*big.Int, error)
	// AddAggregateSupply applies a signed delta to the per-asset aggregate,
	// clamping at zero.
	AddAggregateSupply(asset string, delta *big.Int) error
	// ActiveSupplyCount reports the number of active deposit-only positions.
	ActiveSupplyCount() (uint64, error)
	AddActiveSupplyCount(delta int64) error
}
