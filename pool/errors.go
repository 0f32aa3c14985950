package pool

import "errors"

var (
	// ErrRejected marks a call the pool refused outright, e.g. a borrow
	// exceeding the account's borrowing power. It is the signal the
	// orchestrator's halving fallback keys off.
	ErrRejected = errors.New("pool: request rejected")
	// ErrPermitUnsupported is returned when the asset does not expose a
	// delegated-authorization primitive.
	ErrPermitUnsupported = errors.New("pool: asset does not support permits")
	// ErrUnknownAsset is returned for assets the pool has no market for.
	ErrUnknownAsset = errors.New("pool: unknown asset")
)
