// Package permit implements the authorization adapter that converts a signed,
// time-bounded spending delegation into an immediate one-shot allowance,
// letting callers skip a separate pre-approval round trip.
package permit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"levman/crypto"
	"levman/token"
)

// DomainV1 is the payload domain bound into every authorization hash so
// signatures cannot be replayed against other signing schemes.
const DomainV1 = "LEVMAN_AUTH_V1"

var (
	ErrExpired          = errors.New("permit: authorization expired")
	ErrInvalidSignature = errors.New("permit: signature does not recover to owner")
	ErrNonceConsumed    = errors.New("permit: authorization nonce already consumed")
)

// Authorization is a signed, off-band delegation granting Spender a one-shot
// allowance of Value over Asset, valid until Deadline (unix seconds).
type Authorization struct {
	Asset     string         `json:"asset"`
	Owner     crypto.Address `json:"owner"`
	Spender   crypto.Address `json:"spender"`
	Value     *big.Int       `json:"value"`
	Nonce     string         `json:"nonce"`
	Deadline  int64          `json:"deadline"`
	Signature []byte         `json:"signature"`
}

// Hash derives the digest the owner is expected to have signed.
func (a Authorization) Hash() ([]byte, error) {
	if strings.TrimSpace(a.Asset) == "" {
		return nil, fmt.Errorf("asset required")
	}
	if a.Owner.IsZero() {
		return nil, fmt.Errorf("owner required")
	}
	if a.Spender.IsZero() {
		return nil, fmt.Errorf("spender required")
	}
	if a.Value == nil || a.Value.Sign() <= 0 {
		return nil, fmt.Errorf("value must be positive")
	}
	nonce := strings.ToLower(strings.TrimSpace(a.Nonce))
	if nonce == "" {
		return nil, fmt.Errorf("nonce required")
	}
	payload := fmt.Sprintf("%s|asset=%s|owner=%s|spender=%s|value=%s|nonce=%s|exp=%d",
		DomainV1,
		strings.TrimSpace(a.Asset),
		hex.EncodeToString(a.Owner.Bytes()),
		hex.EncodeToString(a.Spender.Bytes()),
		a.Value.String(),
		nonce,
		a.Deadline,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}

// RecoverSigner returns the address that produced the authorization's
// signature.
func (a Authorization) RecoverSigner() (crypto.Address, error) {
	hash, err := a.Hash()
	if err != nil {
		return crypto.Address{}, err
	}
	if len(a.Signature) != 65 {
		return crypto.Address{}, ErrInvalidSignature
	}
	pubKey, err := ethcrypto.SigToPub(hash, a.Signature)
	if err != nil {
		return crypto.Address{}, ErrInvalidSignature
	}
	return crypto.NewAddress(ethcrypto.PubkeyToAddress(*pubKey).Bytes()), nil
}

// Sign populates the authorization's signature using the owner's key.
// Primarily a test helper and SDK convenience.
func Sign(a *Authorization, key *crypto.PrivateKey) error {
	if a == nil || key == nil {
		return fmt.Errorf("authorization and key required")
	}
	hash, err := a.Hash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash, key.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign authorization: %w", err)
	}
	a.Signature = sig
	return nil
}

// NonceStore records consumed authorization nonces so a delegation can be
// redeemed at most once per (owner, nonce) pair.
type NonceStore interface {
	// ConsumeAuthorizationNonce marks the nonce as used and reports whether
	// this call was the first consumer.
	ConsumeAuthorizationNonce(owner crypto.Address, nonce string) (bool, error)
}

// Adapter resolves authorizations: it verifies expiry and signature locally,
// enforces single use, and then submits the delegation to the asset's own
// approval primitive through the token layer.
type Adapter struct {
	approver token.Approver
	nonces   NonceStore
	now      func() time.Time
}

// NewAdapter wires the adapter to the token approval layer and the nonce
// store.
func NewAdapter(approver token.Approver, nonces NonceStore) *Adapter {
	return &Adapter{approver: approver, nonces: nonces, now: time.Now}
}

// SetClock overrides the adapter clock, primarily for deterministic testing.
func (ad *Adapter) SetClock(now func() time.Time) {
	if ad == nil || now == nil {
		return
	}
	ad.now = now
}

// Resolve validates the authorization and converts it into a spending
// allowance for the spender. The asset's own rejection, if any, is propagated
// unchanged.
func (ad *Adapter) Resolve(ctx context.Context, auth Authorization) error {
	if ad == nil || ad.approver == nil {
		return fmt.Errorf("permit adapter not configured")
	}
	if auth.Deadline <= 0 || ad.now().Unix() > auth.Deadline {
		return ErrExpired
	}
	signer, err := auth.RecoverSigner()
	if err != nil {
		return err
	}
	if !signer.Equal(auth.Owner) {
		return ErrInvalidSignature
	}
	if ad.nonces != nil {
		first, err := ad.nonces.ConsumeAuthorizationNonce(auth.Owner, strings.ToLower(strings.TrimSpace(auth.Nonce)))
		if err != nil {
			return fmt.Errorf("consume nonce: %w", err)
		}
		if !first {
			return ErrNonceConsumed
		}
	}
	return ad.approver.ApproveWithAuthorization(ctx, auth.Asset, auth.Owner, auth.Spender, auth.Value, auth.Deadline, auth.Signature)
}
