package pool

import (
	"context"
	"math/big"

	"levman/crypto"
)

// RateMode selects the interest accrual mode attached to borrowed debt. The
// numeric values follow the pool's wire encoding.
type RateMode uint8

const (
	RateModeStable   RateMode = 1
	RateModeVariable RateMode = 2
)

// Valid reports whether the mode is one the pool accepts.
func (m RateMode) Valid() bool {
	return m == RateModeStable || m == RateModeVariable
}

func (m RateMode) String() string {
	switch m {
	case RateModeStable:
		return "stable"
	case RateModeVariable:
		return "variable"
	default:
		return "unknown"
	}
}

// HealthFactorOne is the wad-scaled unit value; a reported health factor at or
// below this marks the account as eligible for liquidation.
var HealthFactorOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// MaxUint256 is the sentinel repay amount requesting settlement of everything
// outstanding, absorbing interest accrued since the last read.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// AccountRisk carries the aggregate risk metrics the pool reports for an
// account. Values are denominated in the pool's base currency; HealthFactor is
// wad-scaled (1e18 == 1.0). The position layer never derives these locally.
type AccountRisk struct {
	TotalCollateralValue *big.Int `json:"totalCollateralValue"`
	TotalDebtValue       *big.Int `json:"totalDebtValue"`
	AvailableBorrowValue *big.Int `json:"availableBorrowValue"`
	LiquidationThreshold *big.Int `json:"liquidationThreshold"`
	LoanToValue          *big.Int `json:"loanToValue"`
	HealthFactor         *big.Int `json:"healthFactor"`
}

// Healthy reports whether the account sits strictly above the liquidation
// boundary. A zero-debt account reports an unbounded health factor and is
// always healthy.
func (r AccountRisk) Healthy() bool {
	if r.TotalDebtValue == nil || r.TotalDebtValue.Sign() == 0 {
		return true
	}
	if r.HealthFactor == nil {
		return false
	}
	return r.HealthFactor.Cmp(HealthFactorOne) > 0
}

// Liquidatable reports whether the account sits strictly below the
// liquidation boundary. An account exactly at the boundary is neither healthy
// nor liquidatable.
func (r AccountRisk) Liquidatable() bool {
	if r.TotalDebtValue == nil || r.TotalDebtValue.Sign() == 0 {
		return false
	}
	if r.HealthFactor == nil {
		return false
	}
	return r.HealthFactor.Cmp(HealthFactorOne) < 0
}

// PermitData carries a signed spending delegation forwarded verbatim to the
// pool's permit-aware entry points.
type PermitData struct {
	Value     *big.Int `json:"value"`
	Deadline  int64    `json:"deadline"`
	Signature []byte   `json:"signature"`
}

// LiquidationResult reports the two legs of a settled liquidation as the pool
// accounted them.
type LiquidationResult struct {
	CollateralSeized *big.Int `json:"collateralSeized"`
	DebtCovered      *big.Int `json:"debtCovered"`
}

// Facade is the narrow interface through which the position layer talks to
// the external lending pool. Every call is potentially remote: implementations
// must honour the supplied context and surface transport failures as errors.
type Facade interface {
	// Supply moves amount of asset into pool custody for onBehalfOf.
	Supply(ctx context.Context, asset string, amount *big.Int, onBehalfOf crypto.Address, referral uint16) error
	// Withdraw asks the pool to release up to amount of asset to the given
	// recipient and returns the amount actually released.
	Withdraw(ctx context.Context, asset string, amount *big.Int, to crypto.Address) (*big.Int, error)
	// Borrow draws amount of asset against onBehalfOf's collateral. The pool
	// either lends the full amount or rejects the call; it never silently
	// truncates.
	Borrow(ctx context.Context, asset string, amount *big.Int, mode RateMode, referral uint16, onBehalfOf crypto.Address) error
	// Repay settles up to amount of onBehalfOf's debt and returns the amount
	// the pool actually applied. Passing MaxUint256 requests settlement of
	// everything outstanding.
	Repay(ctx context.Context, asset string, amount *big.Int, mode RateMode, onBehalfOf crypto.Address) (*big.Int, error)
	// SetCollateralFlag marks the asset as usable (or unusable) collateral
	// for the caller's pooled account. Enabling an already-enabled asset is
	// a no-op.
	SetCollateralFlag(ctx context.Context, asset string, enabled bool) error
	// AccountRisk returns a fresh read of the pool's aggregate risk metrics
	// for the account. Results are never cached across calls.
	AccountRisk(ctx context.Context, account crypto.Address) (AccountRisk, error)
	// Liquidate covers up to debtToCover of the account's debt in exchange
	// for collateral, optionally settling the seized leg in the pool's
	// receipt token.
	Liquidate(ctx context.Context, collateralAsset, debtAsset string, account crypto.Address, debtToCover *big.Int, receiveReceiptToken bool) (LiquidationResult, error)
	// ReceiptTokenAddress resolves the interest-bearing receipt token the
	// pool issues for the asset.
	ReceiptTokenAddress(ctx context.Context, asset string) (crypto.Address, error)
	// SupplyWithPermit behaves like Supply but consumes a signed delegation
	// instead of requiring a prior allowance.
	SupplyWithPermit(ctx context.Context, asset string, amount *big.Int, onBehalfOf crypto.Address, referral uint16, permit PermitData) error
	// RepayWithPermit behaves like Repay but consumes a signed delegation
	// instead of requiring a prior allowance.
	RepayWithPermit(ctx context.Context, asset string, amount *big.Int, mode RateMode, onBehalfOf crypto.Address, permit PermitData) (*big.Int, error)
}
