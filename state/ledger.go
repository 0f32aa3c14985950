// Package state implements the persistent position ledger on top of the
// key-value storage layer. Records are stored as JSON; ids and the owner
// indexes use big-endian encoding so prefix iteration yields ascending order.
package state

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"levman/crypto"
	"levman/leverage"
	"levman/storage"
)

var (
	positionPrefix    = []byte("lev/pos/")
	supplyPrefix      = []byte("lev/sup/")
	ownerPosPrefix    = []byte("lev/idx/pos/")
	ownerSupPrefix    = []byte("lev/idx/sup/")
	aggregatePrefix   = []byte("lev/agg/")
	noncePrefix       = []byte("lev/nonce/")
	positionSeqKey    = []byte("lev/seq/pos")
	supplySeqKey      = []byte("lev/seq/sup")
	activeSupplyKey   = []byte("lev/count/sup")
	errNilRecord      = errors.New("state: nil record")
	errCorruptCounter = errors.New("state: corrupt counter value")
)

// Ledger persists positions, deposit-only positions, per-asset aggregates,
// and consumed authorization nonces. It satisfies both leverage.Ledger and
// permit.NonceStore.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger wraps the database. The caller retains ownership of the database
// handle and is responsible for closing it.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func positionKey(id uint64) []byte {
	return append(append([]byte(nil), positionPrefix...), encodeID(id)...)
}

func supplyKey(id uint64) []byte {
	return append(append([]byte(nil), supplyPrefix...), encodeID(id)...)
}

func ownerIndexKey(prefix []byte, owner crypto.Address, id uint64) []byte {
	key := append([]byte(nil), prefix...)
	key = append(key, owner.Bytes()...)
	key = append(key, '/')
	return append(key, encodeID(id)...)
}

func ownerIndexPrefix(prefix []byte, owner crypto.Address) []byte {
	key := append([]byte(nil), prefix...)
	key = append(key, owner.Bytes()...)
	return append(key, '/')
}

func aggregateKey(asset string) []byte {
	return append(append([]byte(nil), aggregatePrefix...), []byte(strings.ToUpper(strings.TrimSpace(asset)))...)
}

func nonceKey(owner crypto.Address, nonce string) []byte {
	key := append([]byte(nil), noncePrefix...)
	key = append(key, []byte(hex.EncodeToString(owner.Bytes()))...)
	key = append(key, '/')
	return append(key, []byte(strings.ToLower(strings.TrimSpace(nonce)))...)
}

func (l *Ledger) nextSequence(key []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var current uint64
	raw, err := l.db.Get(key)
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, errCorruptCounter
		}
		current = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrNotFound):
		current = 0
	default:
		return 0, fmt.Errorf("state: read sequence: %w", err)
	}
	next := current + 1
	if err := l.db.Put(key, encodeID(next)); err != nil {
		return 0, fmt.Errorf("state: advance sequence: %w", err)
	}
	return next, nil
}

// NextPositionID allocates the next position id. Ids advance monotonically
// and are never reused, including across restarts.
func (l *Ledger) NextPositionID() (uint64, error) {
	return l.nextSequence(positionSeqKey)
}

// NextSupplyID allocates the next deposit-only position id.
func (l *Ledger) NextSupplyID() (uint64, error) {
	return l.nextSequence(supplySeqKey)
}

// GetPosition loads a position by id; a missing id returns (nil, nil).
func (l *Ledger) GetPosition(id uint64) (*leverage.Position, error) {
	raw, err := l.db.Get(positionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load position %d: %w", id, err)
	}
	var position leverage.Position
	if err := json.Unmarshal(raw, &position); err != nil {
		return nil, fmt.Errorf("state: decode position %d: %w", id, err)
	}
	return &position, nil
}

// PutPosition stores the position and maintains the owner index.
func (l *Ledger) PutPosition(position *leverage.Position) error {
	if position == nil {
		return errNilRecord
	}
	raw, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("state: encode position %d: %w", position.ID, err)
	}
	if err := l.db.Put(positionKey(position.ID), raw); err != nil {
		return fmt.Errorf("state: store position %d: %w", position.ID, err)
	}
	if err := l.db.Put(ownerIndexKey(ownerPosPrefix, position.Owner, position.ID), nil); err != nil {
		return fmt.Errorf("state: index position %d: %w", position.ID, err)
	}
	return nil
}

// DeletePosition removes the record and its index entry. Deletion is reserved
// for aborted creations; retired positions stay stored with Active false.
func (l *Ledger) DeletePosition(id uint64) error {
	position, err := l.GetPosition(id)
	if err != nil {
		return err
	}
	if position == nil {
		return nil
	}
	if err := l.db.Delete(positionKey(id)); err != nil {
		return fmt.Errorf("state: delete position %d: %w", id, err)
	}
	if err := l.db.Delete(ownerIndexKey(ownerPosPrefix, position.Owner, id)); err != nil {
		return fmt.Errorf("state: unindex position %d: %w", id, err)
	}
	return nil
}

// PositionsByOwner loads every position recorded for the owner in id order.
func (l *Ledger) PositionsByOwner(owner crypto.Address) ([]*leverage.Position, error) {
	ids, err := l.indexedIDs(ownerIndexPrefix(ownerPosPrefix, owner))
	if err != nil {
		return nil, err
	}
	out := make([]*leverage.Position, 0, len(ids))
	for _, id := range ids {
		position, err := l.GetPosition(id)
		if err != nil {
			return nil, err
		}
		if position != nil {
			out = append(out, position)
		}
	}
	return out, nil
}

// GetSupply loads a deposit-only position by id; a missing id returns
// (nil, nil).
func (l *Ledger) GetSupply(id uint64) (*leverage.SupplyPosition, error) {
	raw, err := l.db.Get(supplyKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load supply %d: %w", id, err)
	}
	var position leverage.SupplyPosition
	if err := json.Unmarshal(raw, &position); err != nil {
		return nil, fmt.Errorf("state: decode supply %d: %w", id, err)
	}
	return &position, nil
}

// PutSupply stores the deposit-only position and maintains the owner index.
func (l *Ledger) PutSupply(position *leverage.SupplyPosition) error {
	if position == nil {
		return errNilRecord
	}
	raw, err := json.Marshal(position)
	if err != nil {
		return fmt.Errorf("state: encode supply %d: %w", position.ID, err)
	}
	if err := l.db.Put(supplyKey(position.ID), raw); err != nil {
		return fmt.Errorf("state: store supply %d: %w", position.ID, err)
	}
	if err := l.db.Put(ownerIndexKey(ownerSupPrefix, position.Owner, position.ID), nil); err != nil {
		return fmt.Errorf("state: index supply %d: %w", position.ID, err)
	}
	return nil
}

// SuppliesByOwner loads every deposit-only position recorded for the owner in
// id order.
func (l *Ledger) SuppliesByOwner(owner crypto.Address) ([]*leverage.SupplyPosition, error) {
	ids, err := l.indexedIDs(ownerIndexPrefix(ownerSupPrefix, owner))
	if err != nil {
		return nil, err
	}
	out := make([]*leverage.SupplyPosition, 0, len(ids))
	for _, id := range ids {
		position, err := l.GetSupply(id)
		if err != nil {
			return nil, err
		}
		if position != nil {
			out = append(out, position)
		}
	}
	return out, nil
}

func (l *Ledger) indexedIDs(prefix []byte) ([]uint64, error) {
	var ids []uint64
	err := l.db.IteratePrefix(prefix, func(key, _ []byte) bool {
		if len(key) >= 8 {
			ids = append(ids, binary.BigEndian.Uint64(key[len(key)-8:]))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("state: walk index: %w", err)
	}
	return ids, nil
}

// AggregateSupply reports the total tracked deposit amount for the asset.
func (l *Ledger) AggregateSupply(asset string) (*big.Int, error) {
	raw, err := l.db.Get(aggregateKey(asset))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load aggregate %s: %w", asset, err)
	}
	total, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt aggregate for %s", asset)
	}
	return total, nil
}

// AddAggregateSupply applies a signed delta to the per-asset total, clamping
// at zero.
func (l *Ledger) AddAggregateSupply(asset string, delta *big.Int) error {
	if delta == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	total, err := l.AggregateSupply(asset)
	if err != nil {
		return err
	}
	total = total.Add(total, delta)
	if total.Sign() < 0 {
		total = big.NewInt(0)
	}
	if err := l.db.Put(aggregateKey(asset), []byte(total.String())); err != nil {
		return fmt.Errorf("state: store aggregate %s: %w", asset, err)
	}
	return nil
}

// ActiveSupplyCount reports the number of open deposit-only positions.
func (l *Ledger) ActiveSupplyCount() (uint64, error) {
	raw, err := l.db.Get(activeSupplyKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: load supply count: %w", err)
	}
	if len(raw) != 8 {
		return 0, errCorruptCounter
	}
	return binary.BigEndian.Uint64(raw), nil
}

// AddActiveSupplyCount applies a signed delta to the open-position counter,
// clamping at zero.
func (l *Ledger) AddActiveSupplyCount(delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.ActiveSupplyCount()
	if err != nil {
		return err
	}
	var next uint64
	switch {
	case delta >= 0:
		next = current + uint64(delta)
	case uint64(-delta) > current:
		next = 0
	default:
		next = current - uint64(-delta)
	}
	if err := l.db.Put(activeSupplyKey, encodeID(next)); err != nil {
		return fmt.Errorf("state: store supply count: %w", err)
	}
	return nil
}

// ConsumeAuthorizationNonce marks the (owner, nonce) pair as used and reports
// whether this call was the first consumer.
func (l *Ledger) ConsumeAuthorizationNonce(owner crypto.Address, nonce string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := nonceKey(owner, nonce)
	used, err := l.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("state: check nonce: %w", err)
	}
	if used {
		return false, nil
	}
	if err := l.db.Put(key, []byte{1}); err != nil {
		return false, fmt.Errorf("state: store nonce: %w", err)
	}
	return true, nil
}
