package leverage

import "math/big"

// satSub returns a-b clamped at zero. Pool-reported settlement amounts can
// exceed the ledger's tracked remainder because interest accrues externally;
// the ledger clamps rather than erroring since the pool is the economic source
// of truth.
func satSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil {
		return new(big.Int).Set(a)
	}
	diff := new(big.Int).Sub(a, b)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

// halve returns amount/2 rounded down, the deterministic reduction applied by
// the single borrow retry.
func halve(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Rsh(amount, 1)
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
