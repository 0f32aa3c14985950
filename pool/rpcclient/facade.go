package rpcclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"levman/crypto"
	"levman/pool"
	"levman/token"
)

// Error codes the pool node attaches to domain failures. Anything else is
// surfaced as an opaque RPC error.
const (
	codeRejected            = -32050
	codeUnknownAsset        = -32051
	codePermitUnsupported   = -32052
	codeInsufficientBalance = -32060
	codeAllowanceExceeded   = -32061
)

// Facade adapts the JSON-RPC client to the pool and token interfaces the
// position layer consumes. Amounts travel as decimal strings so precision
// survives JSON number handling on both sides.
type Facade struct {
	client *Client
}

// NewFacade wraps the client.
func NewFacade(client *Client) *Facade {
	return &Facade{client: client}
}

var (
	_ pool.Facade    = (*Facade)(nil)
	_ token.Mover    = (*Facade)(nil)
	_ token.Approver = (*Facade)(nil)
)

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("rpcclient: invalid amount %q", raw)
	}
	return value, nil
}

// mapError rewrites the pool node's error codes onto the sentinel errors the
// engine branches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case codeRejected:
		return fmt.Errorf("%w: %s", pool.ErrRejected, rpcErr.Message)
	case codeUnknownAsset:
		return fmt.Errorf("%w: %s", pool.ErrUnknownAsset, rpcErr.Message)
	case codePermitUnsupported:
		return fmt.Errorf("%w: %s", pool.ErrPermitUnsupported, rpcErr.Message)
	case codeInsufficientBalance:
		return fmt.Errorf("%w: %s", token.ErrInsufficientBalance, rpcErr.Message)
	case codeAllowanceExceeded:
		return fmt.Errorf("%w: %s", token.ErrAllowanceExceeded, rpcErr.Message)
	default:
		return err
	}
}

type supplyParams struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	OnBehalfOf string `json:"onBehalfOf"`
	Referral   uint16 `json:"referral,omitempty"`
}

// Supply moves amount of asset into pool custody for onBehalfOf.
func (f *Facade) Supply(ctx context.Context, asset string, amount *big.Int, onBehalfOf crypto.Address, referral uint16) error {
	params := supplyParams{Asset: asset, Amount: amountString(amount), OnBehalfOf: onBehalfOf.String(), Referral: referral}
	return mapError(f.client.Call(ctx, "pool_supply", []any{params}, nil))
}

type withdrawParams struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

type amountResult struct {
	Amount string `json:"amount"`
}

// Withdraw asks the pool to release up to amount of asset and returns the
// amount actually released.
func (f *Facade) Withdraw(ctx context.Context, asset string, amount *big.Int, to crypto.Address) (*big.Int, error) {
	params := withdrawParams{Asset: asset, Amount: amountString(amount), To: to.String()}
	var result amountResult
	if err := f.client.Call(ctx, "pool_withdraw", []any{params}, &result); err != nil {
		return nil, mapError(err)
	}
	return parseAmount(result.Amount)
}

type borrowParams struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	RateMode   uint8  `json:"rateMode"`
	Referral   uint16 `json:"referral,omitempty"`
	OnBehalfOf string `json:"onBehalfOf"`
}

// Borrow draws amount of asset against onBehalfOf's collateral.
func (f *Facade) Borrow(ctx context.Context, asset string, amount *big.Int, mode pool.RateMode, referral uint16, onBehalfOf crypto.Address) error {
	params := borrowParams{Asset: asset, Amount: amountString(amount), RateMode: uint8(mode), Referral: referral, OnBehalfOf: onBehalfOf.String()}
	return mapError(f.client.Call(ctx, "pool_borrow", []any{params}, nil))
}

type repayParams struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	RateMode   uint8  `json:"rateMode"`
	OnBehalfOf string `json:"onBehalfOf"`
}

// Repay settles up to amount of onBehalfOf's debt and returns the amount the
// pool actually applied.
func (f *Facade) Repay(ctx context.Context, asset string, amount *big.Int, mode pool.RateMode, onBehalfOf crypto.Address) (*big.Int, error) {
	params := repayParams{Asset: asset, Amount: amountString(amount), RateMode: uint8(mode), OnBehalfOf: onBehalfOf.String()}
	var result amountResult
	if err := f.client.Call(ctx, "pool_repay", []any{params}, &result); err != nil {
		return nil, mapError(err)
	}
	return parseAmount(result.Amount)
}

type collateralFlagParams struct {
	Asset   string `json:"asset"`
	Enabled bool   `json:"enabled"`
}

// SetCollateralFlag marks the asset as usable collateral for the caller's
// pooled account.
func (f *Facade) SetCollateralFlag(ctx context.Context, asset string, enabled bool) error {
	params := collateralFlagParams{Asset: asset, Enabled: enabled}
	return mapError(f.client.Call(ctx, "pool_setCollateralFlag", []any{params}, nil))
}

type accountParams struct {
	Account string `json:"account"`
}

type accountRiskResult struct {
	TotalCollateralValue string `json:"totalCollateralValue"`
	TotalDebtValue       string `json:"totalDebtValue"`
	AvailableBorrowValue string `json:"availableBorrowValue"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LoanToValue          string `json:"loanToValue"`
	HealthFactor         string `json:"healthFactor"`
}

// AccountRisk returns a fresh read of the pool's aggregate risk metrics.
func (f *Facade) AccountRisk(ctx context.Context, account crypto.Address) (pool.AccountRisk, error) {
	var result accountRiskResult
	if err := f.client.Call(ctx, "pool_accountRisk", []any{accountParams{Account: account.String()}}, &result); err != nil {
		return pool.AccountRisk{}, mapError(err)
	}
	risk := pool.AccountRisk{}
	var err error
	if risk.TotalCollateralValue, err = parseAmount(result.TotalCollateralValue); err != nil {
		return pool.AccountRisk{}, err
	}
	if risk.TotalDebtValue, err = parseAmount(result.TotalDebtValue); err != nil {
		return pool.AccountRisk{}, err
	}
	if risk.AvailableBorrowValue, err = parseAmount(result.AvailableBorrowValue); err != nil {
		return pool.AccountRisk{}, err
	}
	if risk.LiquidationThreshold, err = parseAmount(result.LiquidationThreshold); err != nil {
		return pool.AccountRisk{}, err
	}
	if risk.LoanToValue, err = parseAmount(result.LoanToValue); err != nil {
		return pool.AccountRisk{}, err
	}
	if risk.HealthFactor, err = parseAmount(result.HealthFactor); err != nil {
		return pool.AccountRisk{}, err
	}
	return risk, nil
}

type liquidateParams struct {
	CollateralAsset     string `json:"collateralAsset"`
	DebtAsset           string `json:"debtAsset"`
	Account             string `json:"account"`
	DebtToCover         string `json:"debtToCover"`
	ReceiveReceiptToken bool   `json:"receiveReceiptToken"`
}

type liquidateResult struct {
	CollateralSeized string `json:"collateralSeized"`
	DebtCovered      string `json:"debtCovered"`
}

// Liquidate covers up to debtToCover of the account's debt in exchange for
// collateral.
func (f *Facade) Liquidate(ctx context.Context, collateralAsset, debtAsset string, account crypto.Address, debtToCover *big.Int, receiveReceiptToken bool) (pool.LiquidationResult, error) {
	params := liquidateParams{
		CollateralAsset:     collateralAsset,
		DebtAsset:           debtAsset,
		Account:             account.String(),
		DebtToCover:         amountString(debtToCover),
		ReceiveReceiptToken: receiveReceiptToken,
	}
	var result liquidateResult
	if err := f.client.Call(ctx, "pool_liquidate", []any{params}, &result); err != nil {
		return pool.LiquidationResult{}, mapError(err)
	}
	seized, err := parseAmount(result.CollateralSeized)
	if err != nil {
		return pool.LiquidationResult{}, err
	}
	covered, err := parseAmount(result.DebtCovered)
	if err != nil {
		return pool.LiquidationResult{}, err
	}
	return pool.LiquidationResult{CollateralSeized: seized, DebtCovered: covered}, nil
}

type assetParams struct {
	Asset string `json:"asset"`
}

type addressResult struct {
	Address string `json:"address"`
}

// ReceiptTokenAddress resolves the pool's interest-bearing receipt token for
// the asset.
func (f *Facade) ReceiptTokenAddress(ctx context.Context, asset string) (crypto.Address, error) {
	var result addressResult
	if err := f.client.Call(ctx, "pool_receiptToken", []any{assetParams{Asset: asset}}, &result); err != nil {
		return crypto.Address{}, mapError(err)
	}
	address, err := crypto.DecodeAddress(result.Address)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("rpcclient: decode receipt token address: %w", err)
	}
	return address, nil
}

type permitPayload struct {
	Value     string `json:"value"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

func encodePermit(p pool.PermitData) permitPayload {
	return permitPayload{
		Value:     amountString(p.Value),
		Deadline:  p.Deadline,
		Signature: hex.EncodeToString(p.Signature),
	}
}

type supplyWithPermitParams struct {
	supplyParams
	Permit permitPayload `json:"permit"`
}

// SupplyWithPermit behaves like Supply but consumes a signed delegation.
func (f *Facade) SupplyWithPermit(ctx context.Context, asset string, amount *big.Int, onBehalfOf crypto.Address, referral uint16, permit pool.PermitData) error {
	params := supplyWithPermitParams{
		supplyParams: supplyParams{Asset: asset, Amount: amountString(amount), OnBehalfOf: onBehalfOf.String(), Referral: referral},
		Permit:       encodePermit(permit),
	}
	return mapError(f.client.Call(ctx, "pool_supplyWithPermit", []any{params}, nil))
}

type repayWithPermitParams struct {
	repayParams
	Permit permitPayload `json:"permit"`
}

// RepayWithPermit behaves like Repay but consumes a signed delegation.
func (f *Facade) RepayWithPermit(ctx context.Context, asset string, amount *big.Int, mode pool.RateMode, onBehalfOf crypto.Address, permit pool.PermitData) (*big.Int, error) {
	params := repayWithPermitParams{
		repayParams: repayParams{Asset: asset, Amount: amountString(amount), RateMode: uint8(mode), OnBehalfOf: onBehalfOf.String()},
		Permit:      encodePermit(permit),
	}
	var result amountResult
	if err := f.client.Call(ctx, "pool_repayWithPermit", []any{params}, &result); err != nil {
		return nil, mapError(err)
	}
	return parseAmount(result.Amount)
}

type transferParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Pull transfers amount of asset from the holder into orchestrator custody.
func (f *Facade) Pull(ctx context.Context, asset string, from crypto.Address, amount *big.Int) error {
	params := transferParams{Asset: asset, Account: from.String(), Amount: amountString(amount)}
	return mapError(f.client.Call(ctx, "token_pull", []any{params}, nil))
}

// Push transfers amount of asset from orchestrator custody to the recipient.
func (f *Facade) Push(ctx context.Context, asset string, to crypto.Address, amount *big.Int) error {
	params := transferParams{Asset: asset, Account: to.String(), Amount: amountString(amount)}
	return mapError(f.client.Call(ctx, "token_push", []any{params}, nil))
}

type balanceParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

// BalanceOf reports the holder's spendable balance of the asset.
func (f *Facade) BalanceOf(ctx context.Context, asset string, holder crypto.Address) (*big.Int, error) {
	params := balanceParams{Asset: asset, Account: holder.String()}
	var result amountResult
	if err := f.client.Call(ctx, "token_balanceOf", []any{params}, &result); err != nil {
		return nil, mapError(err)
	}
	return parseAmount(result.Amount)
}

type approveParams struct {
	Asset     string `json:"asset"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Value     string `json:"value"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

// ApproveWithAuthorization submits a verified delegated authorization to the
// asset's own approval primitive.
func (f *Facade) ApproveWithAuthorization(ctx context.Context, asset string, owner, spender crypto.Address, value *big.Int, deadline int64, signature []byte) error {
	params := approveParams{
		Asset:     asset,
		Owner:     owner.String(),
		Spender:   spender.String(),
		Value:     amountString(value),
		Deadline:  deadline,
		Signature: hex.EncodeToString(signature),
	}
	return mapError(f.client.Call(ctx, "token_approveWithAuthorization", []any{params}, nil))
}
