// Package token abstracts the external balance-movement layer. The position
// layer never holds custody logic of its own; it instructs this collaborator
// to pull funds from callers into orchestrator custody and to push proceeds
// back out.
package token

import (
	"context"
	"errors"
	"math/big"

	"levman/crypto"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrAllowanceExceeded   = errors.New("token: transfer exceeds allowance")
)

// Mover moves asset balances between accounts and orchestrator custody.
type Mover interface {
	// Pull transfers amount of asset from the holder into orchestrator
	// custody. Requires a standing allowance or a previously resolved
	// authorization.
	Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error
	// Push transfers amount of asset from orchestrator custody to the
	// recipient.
	Push(ctx context.Context, asset string, to crypto.Address, amount *big.Int) error
	// BalanceOf reports the holder's spendable balance of the asset.
	BalanceOf(ctx context.Context, asset string, holder crypto.Address) (*big.Int, error)
}

// Approver submits a verified delegated authorization to the asset's own
// approval primitive, granting the spender a one-shot allowance.
type Approver interface {
	ApproveWithAuthorization(ctx context.Context, asset string, owner, spender crypto.Address, value *big.Int, deadline int64, signature []byte) error
}
