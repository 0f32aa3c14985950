package leverage

import (
	"math/big"

	"levman/crypto"
	"levman/pool"
)

// Position tracks the collateral and debt legs of a leveraged position as this
// layer last reconciled them. Amount values are big integers in the asset's
// smallest unit; they mirror pool-side state and are a cache of intent, never
// the authority for solvency decisions.
type Position struct {
	// ID is unique and monotonically assigned; ids are never reused.
	ID uint64 `json:"id"`
	// Owner is the identity that created the position. Only the owner may
	// mutate or close it; liquidation is the sole third-party mutation.
	Owner crypto.Address `json:"owner"`
	// CollateralAsset and CollateralAmount describe the collateral leg
	// attributed to the position inside this ledger.
	CollateralAsset  string   `json:"collateralAsset"`
	CollateralAmount *big.Int `json:"collateralAmount"`
	// BorrowAsset and BorrowAmount describe the debt leg.
	BorrowAsset  string   `json:"borrowAsset"`
	BorrowAmount *big.Int `json:"borrowAmount"`
	// RateMode is fixed at creation.
	RateMode pool.RateMode `json:"rateMode"`
	// Active flips to false exactly once, when both legs reach zero or the
	// position is closed or liquidated to completion.
	Active bool `json:"active"`
}

// Clone returns a deep copy so callers can hand positions across API
// boundaries without aliasing ledger state.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	if p.CollateralAmount != nil {
		clone.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	}
	if p.BorrowAmount != nil {
		clone.BorrowAmount = new(big.Int).Set(p.BorrowAmount)
	}
	return &clone
}

func (p *Position) normalize() {
	if p.CollateralAmount == nil {
		p.CollateralAmount = big.NewInt(0)
	}
	if p.BorrowAmount == nil {
		p.BorrowAmount = big.NewInt(0)
	}
}

// woundDown reports whether both legs have reached zero.
func (p *Position) woundDown() bool {
	return p.CollateralAmount.Sign() == 0 && p.BorrowAmount.Sign() == 0
}

// SupplyPosition tracks a deposit-only position. It carries no debt leg and
// therefore no health-factor gating.
type SupplyPosition struct {
	ID     uint64         `json:"id"`
	Owner  crypto.Address `json:"owner"`
	Asset  string         `json:"asset"`
	Amount *big.Int       `json:"amount"`
	Active bool           `json:"active"`
}

// Clone returns a deep copy of the supply position.
func (s *SupplyPosition) Clone() *SupplyPosition {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Amount != nil {
		clone.Amount = new(big.Int).Set(s.Amount)
	}
	return &clone
}

func (s *SupplyPosition) normalize() {
	if s.Amount == nil {
		s.Amount = big.NewInt(0)
	}
}
