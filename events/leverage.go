package events

import (
	"math/big"

	"levman/crypto"
)

const (
	// TypePositionCreated is emitted when a borrow position is opened and the
	// borrow leg has settled.
	TypePositionCreated = "leverage.position.created"
	// TypeCollateralAdded is emitted when an owner tops up a position's
	// collateral.
	TypeCollateralAdded = "leverage.collateral.added"
	// TypeCollateralWithdrawn is emitted after the pool released collateral
	// back to the owner.
	TypeCollateralWithdrawn = "leverage.collateral.withdrawn"
	// TypeDebtIncreased is emitted when an owner draws additional debt
	// against an existing position.
	TypeDebtIncreased = "leverage.debt.increased"
	// TypeDebtRepaid is emitted when debt is repaid against a position, with
	// the amount the pool actually applied.
	TypeDebtRepaid = "leverage.debt.repaid"
	// TypePositionClosed is emitted when a position is wound down to zero on
	// both legs.
	TypePositionClosed = "leverage.position.closed"
	// TypePositionLiquidated is emitted when a third party liquidates an
	// unhealthy position.
	TypePositionLiquidated = "leverage.position.liquidated"
	// TypePositionForceClosed is emitted by the emergency admin path; it is
	// deliberately distinct from the normal close so operators can tell the
	// two transitions apart.
	TypePositionForceClosed = "leverage.position.forceclosed"
	// TypeOrphanedCollateral is emitted when position creation aborts after
	// the collateral leg settled but the borrow leg failed. The collateral
	// stays supplied under the orchestrator account and needs operator
	// reconciliation.
	TypeOrphanedCollateral = "leverage.collateral.orphaned"
)

const (
	// TypeSupplyPositionCreated is emitted when a deposit-only position is
	// opened.
	TypeSupplyPositionCreated = "leverage.supply.created"
	// TypeSupplyPositionIncreased is emitted when a deposit-only position is
	// topped up.
	TypeSupplyPositionIncreased = "leverage.supply.increased"
	// TypeSupplyPositionWithdrawn is emitted after the pool released supplied
	// funds back to the owner.
	TypeSupplyPositionWithdrawn = "leverage.supply.withdrawn"
	// TypeSupplyPositionClosed is emitted when a deposit-only position is
	// fully withdrawn.
	TypeSupplyPositionClosed = "leverage.supply.closed"
)

// PositionCreated captures the opening state of a borrow position. Borrowed
// reflects the amount actually drawn, which may be the halved fallback amount.
type PositionCreated struct {
	ID               uint64
	Owner            crypto.Address
	CollateralAsset  string
	CollateralAmount *big.Int
	BorrowAsset      string
	Borrowed         *big.Int
	RateMode         string
}

// EventType implements the Event interface.
func (PositionCreated) EventType() string { return TypePositionCreated }

// CollateralAdded records a collateral top-up.
type CollateralAdded struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (CollateralAdded) EventType() string { return TypeCollateralAdded }

// CollateralWithdrawn records the amount the pool actually released.
type CollateralWithdrawn struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

// DebtIncreased records an additional borrow against a position.
type DebtIncreased struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (DebtIncreased) EventType() string { return TypeDebtIncreased }

// DebtRepaid records a repayment; Applied is the amount the pool credited,
// which can differ from the amount the caller sent.
type DebtRepaid struct {
	ID      uint64
	Owner   crypto.Address
	Asset   string
	Applied *big.Int
}

// EventType implements the Event interface.
func (DebtRepaid) EventType() string { return TypeDebtRepaid }

// PositionClosed records a full wind-down, including the collateral returned
// to the owner.
type PositionClosed struct {
	ID                 uint64
	Owner              crypto.Address
	CollateralReturned *big.Int
	DebtSettled        *big.Int
}

// EventType implements the Event interface.
func (PositionClosed) EventType() string { return TypePositionClosed }

// PositionLiquidated records a third-party liquidation.
type PositionLiquidated struct {
	ID               uint64
	Owner            crypto.Address
	Liquidator       crypto.Address
	DebtCovered      *big.Int
	CollateralSeized *big.Int
	ReceiptToken     bool
	Closed           bool
}

// EventType implements the Event interface.
func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

// PositionForceClosed records an emergency administrative close. Residual
// amounts are whatever the ledger still tracked when the position was forced
// inactive.
type PositionForceClosed struct {
	ID                 uint64
	Owner              crypto.Address
	ResidualCollateral *big.Int
	ResidualDebt       *big.Int
}

// EventType implements the Event interface.
func (PositionForceClosed) EventType() string { return TypePositionForceClosed }

// OrphanedCollateral flags collateral supplied during an aborted creation.
type OrphanedCollateral struct {
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (OrphanedCollateral) EventType() string { return TypeOrphanedCollateral }

// SupplyPositionCreated records a new deposit-only position.
type SupplyPositionCreated struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (SupplyPositionCreated) EventType() string { return TypeSupplyPositionCreated }

// SupplyPositionIncreased records a deposit top-up.
type SupplyPositionIncreased struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (SupplyPositionIncreased) EventType() string { return TypeSupplyPositionIncreased }

// SupplyPositionWithdrawn records the amount the pool actually released.
type SupplyPositionWithdrawn struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
	Closed bool
}

// EventType implements the Event interface.
func (SupplyPositionWithdrawn) EventType() string { return TypeSupplyPositionWithdrawn }

// SupplyPositionClosed records a full withdrawal of a deposit-only position.
type SupplyPositionClosed struct {
	ID     uint64
	Owner  crypto.Address
	Asset  string
	Amount *big.Int
}

// EventType implements the Event interface.
func (SupplyPositionClosed) EventType() string { return TypeSupplyPositionClosed }
