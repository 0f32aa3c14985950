package leverage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"levman/crypto"
	"levman/events"
	"levman/pool"
)

func addr(last byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = last
	return crypto.NewAddress(raw)
}

func healthyRisk() pool.AccountRisk {
	return pool.AccountRisk{
		TotalDebtValue:       big.NewInt(50),
		AvailableBorrowValue: big.NewInt(40),
		HealthFactor:         new(big.Int).Mul(pool.HealthFactorOne, big.NewInt(2)),
	}
}

func unhealthyRisk() pool.AccountRisk {
	return pool.AccountRisk{
		TotalDebtValue:       big.NewInt(50),
		AvailableBorrowValue: big.NewInt(0),
		HealthFactor:         new(big.Int).Rsh(pool.HealthFactorOne, 1),
	}
}

func boundaryRisk() pool.AccountRisk {
	return pool.AccountRisk{
		TotalDebtValue: big.NewInt(50),
		HealthFactor:   new(big.Int).Set(pool.HealthFactorOne),
	}
}

type fakeLedger struct {
	nextPos   uint64
	nextSup   uint64
	positions map[uint64]*Position
	supplies  map[uint64]*SupplyPosition
	aggregate map[string]*big.Int
	active    uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		positions: make(map[uint64]*Position),
		supplies:  make(map[uint64]*SupplyPosition),
		aggregate: make(map[string]*big.Int),
	}
}

func (l *fakeLedger) NextPositionID() (uint64, error) {
	l.nextPos++
	return l.nextPos, nil
}

func (l *fakeLedger) GetPosition(id uint64) (*Position, error) {
	position, ok := l.positions[id]
	if !ok {
		return nil, nil
	}
	return position.Clone(), nil
}

func (l *fakeLedger) PutPosition(position *Position) error {
	l.positions[position.ID] = position.Clone()
	return nil
}

func (l *fakeLedger) DeletePosition(id uint64) error {
	delete(l.positions, id)
	return nil
}

func (l *fakeLedger) PositionsByOwner(owner crypto.Address) ([]*Position, error) {
	var out []*Position
	for _, position := range l.positions {
		if position.Owner.Equal(owner) {
			out = append(out, position.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *fakeLedger) NextSupplyID() (uint64, error) {
	l.nextSup++
	return l.nextSup, nil
}

func (l *fakeLedger) GetSupply(id uint64) (*SupplyPosition, error) {
	position, ok := l.supplies[id]
	if !ok {
		return nil, nil
	}
	return position.Clone(), nil
}

func (l *fakeLedger) PutSupply(position *SupplyPosition) error {
	l.supplies[position.ID] = position.Clone()
	return nil
}

func (l *fakeLedger) SuppliesByOwner(owner crypto.Address) ([]*SupplyPosition, error) {
	var out []*SupplyPosition
	for _, position := range l.supplies {
		if position.Owner.Equal(owner) {
			out = append(out, position.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *fakeLedger) AggregateSupply(asset string) (*big.Int, error) {
	total, ok := l.aggregate[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(total), nil
}

func (l *fakeLedger) AddAggregateSupply(asset string, delta *big.Int) error {
	total, ok := l.aggregate[asset]
	if !ok {
		total = big.NewInt(0)
	}
	total = new(big.Int).Add(total, delta)
	if total.Sign() < 0 {
		total = big.NewInt(0)
	}
	l.aggregate[asset] = total
	return nil
}

func (l *fakeLedger) ActiveSupplyCount() (uint64, error) { return l.active, nil }

func (l *fakeLedger) AddActiveSupplyCount(delta int64) error {
	if delta < 0 && uint64(-delta) > l.active {
		l.active = 0
		return nil
	}
	l.active = uint64(int64(l.active) + delta)
	return nil
}

type fakePool struct {
	riskQueue []pool.AccountRisk
	risk      pool.AccountRisk
	riskErr   error

	borrowRejects int
	borrowCalls   []*big.Int
	borrowErr     error
	repayApplied  *big.Int
	repayCalls    []*big.Int
	withdrawOut   *big.Int
	withdrawErr   error
	supplyErr     error
	flagErr       error
	flagCalls     int

	liqResult pool.LiquidationResult
	liqErr    error
	receipt   crypto.Address
}

func newFakePool() *fakePool {
	return &fakePool{risk: healthyRisk(), receipt: addr(0xFE)}
}

func (p *fakePool) Supply(context.Context, string, *big.Int, crypto.Address, uint16) error {
	return p.supplyErr
}

func (p *fakePool) Withdraw(_ context.Context, _ string, amount *big.Int, _ crypto.Address) (*big.Int, error) {
	if p.withdrawErr != nil {
		return nil, p.withdrawErr
	}
	if p.withdrawOut != nil {
		return new(big.Int).Set(p.withdrawOut), nil
	}
	return new(big.Int).Set(amount), nil
}

func (p *fakePool) Borrow(_ context.Context, _ string, amount *big.Int, _ pool.RateMode, _ uint16, _ crypto.Address) error {
	p.borrowCalls = append(p.borrowCalls, new(big.Int).Set(amount))
	if p.borrowErr != nil {
		return p.borrowErr
	}
	if p.borrowRejects > 0 {
		p.borrowRejects--
		return pool.ErrRejected
	}
	return nil
}

func (p *fakePool) Repay(_ context.Context, _ string, amount *big.Int, _ pool.RateMode, _ crypto.Address) (*big.Int, error) {
	p.repayCalls = append(p.repayCalls, new(big.Int).Set(amount))
	if p.repayApplied != nil {
		return new(big.Int).Set(p.repayApplied), nil
	}
	return new(big.Int).Set(amount), nil
}

func (p *fakePool) SetCollateralFlag(context.Context, string, bool) error {
	p.flagCalls++
	return p.flagErr
}

func (p *fakePool) AccountRisk(context.Context, crypto.Address) (pool.AccountRisk, error) {
	if p.riskErr != nil {
		return pool.AccountRisk{}, p.riskErr
	}
	if len(p.riskQueue) > 0 {
		risk := p.riskQueue[0]
		p.riskQueue = p.riskQueue[1:]
		return risk, nil
	}
	return p.risk, nil
}

func (p *fakePool) Liquidate(context.Context, string, string, crypto.Address, *big.Int, bool) (pool.LiquidationResult, error) {
	if p.liqErr != nil {
		return pool.LiquidationResult{}, p.liqErr
	}
	return p.liqResult, nil
}

func (p *fakePool) ReceiptTokenAddress(context.Context, string) (crypto.Address, error) {
	return p.receipt, nil
}

func (p *fakePool) SupplyWithPermit(ctx context.Context, asset string, amount *big.Int, onBehalfOf crypto.Address, referral uint16, _ pool.PermitData) error {
	return p.Supply(ctx, asset, amount, onBehalfOf, referral)
}

func (p *fakePool) RepayWithPermit(ctx context.Context, asset string, amount *big.Int, mode pool.RateMode, onBehalfOf crypto.Address, _ pool.PermitData) (*big.Int, error) {
	return p.Repay(ctx, asset, amount, mode, onBehalfOf)
}

type transfer struct {
	asset  string
	party  crypto.Address
	amount *big.Int
}

type fakeTokens struct {
	pulls    []transfer
	pushes   []transfer
	pullErr  error
	pushErr  error
	balances map[string]*big.Int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{balances: make(map[string]*big.Int)}
}

func (t *fakeTokens) Pull(_ context.Context, asset string, from crypto.Address, amount *big.Int) error {
	if t.pullErr != nil {
		return t.pullErr
	}
	t.pulls = append(t.pulls, transfer{asset: asset, party: from, amount: new(big.Int).Set(amount)})
	return nil
}

func (t *fakeTokens) Push(_ context.Context, asset string, to crypto.Address, amount *big.Int) error {
	if t.pushErr != nil {
		return t.pushErr
	}
	t.pushes = append(t.pushes, transfer{asset: asset, party: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (t *fakeTokens) BalanceOf(_ context.Context, asset string, _ crypto.Address) (*big.Int, error) {
	balance, ok := t.balances[asset]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(event events.Event) {
	c.events = append(c.events, event)
}

func (c *captureEmitter) lastType() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1].EventType()
}

type stubPauses struct{ paused bool }

func (s stubPauses) IsPaused(string) bool { return s.paused }

type testHarness struct {
	engine  *Engine
	ledger  *fakeLedger
	pool    *fakePool
	tokens  *fakeTokens
	emitter *captureEmitter
	owner   crypto.Address
	admin   crypto.Address
}

func newTestHarness() *testHarness {
	h := &testHarness{
		ledger:  newFakeLedger(),
		pool:    newFakePool(),
		tokens:  newFakeTokens(),
		emitter: &captureEmitter{},
		owner:   addr(0x01),
		admin:   addr(0xAD),
	}
	h.engine = NewEngine(addr(0xAA), h.admin)
	h.engine.SetLedger(h.ledger)
	h.engine.SetPool(h.pool)
	h.engine.SetTokenMover(h.tokens)
	h.engine.SetEmitter(h.emitter)
	return h
}

func (h *testHarness) mustCreate(t *testing.T, collateral, borrow int64) *Position {
	t.Helper()
	position, err := h.engine.CreatePosition(context.Background(), h.owner, "WETH", big.NewInt(collateral), "USDC", big.NewInt(borrow), pool.RateModeVariable)
	if err != nil {
		t.Fatalf("create position: %v", err)
	}
	return position
}

func TestCreatePosition(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	if position.ID != 1 {
		t.Fatalf("unexpected id %d", position.ID)
	}
	if position.CollateralAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected collateral %s", position.CollateralAmount)
	}
	if position.BorrowAmount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected borrow %s", position.BorrowAmount)
	}
	if !position.Active {
		t.Fatalf("expected active position")
	}
	if h.pool.flagCalls != 1 {
		t.Fatalf("expected collateral flag call, got %d", h.pool.flagCalls)
	}
	if len(h.tokens.pulls) != 1 || h.tokens.pulls[0].amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected collateral pull %+v", h.tokens.pulls)
	}
	if len(h.tokens.pushes) != 1 || h.tokens.pushes[0].amount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("unexpected borrow push %+v", h.tokens.pushes)
	}
	if h.emitter.lastType() != events.TypePositionCreated {
		t.Fatalf("unexpected event %s", h.emitter.lastType())
	}
}

func TestCreatePositionHalvingFallback(t *testing.T) {
	h := newTestHarness()
	h.pool.borrowRejects = 1

	position := h.mustCreate(t, 100, 50)
	if position.BorrowAmount.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected halved borrow 25, got %s", position.BorrowAmount)
	}
	if len(h.pool.borrowCalls) != 2 {
		t.Fatalf("expected two borrow attempts, got %d", len(h.pool.borrowCalls))
	}
	if h.pool.borrowCalls[1].Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("second attempt should ask for 25, got %s", h.pool.borrowCalls[1])
	}
	created := h.emitter.events[len(h.emitter.events)-1].(events.PositionCreated)
	if created.Borrowed.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("event should carry actual borrowed amount, got %s", created.Borrowed)
	}
}

func TestCreatePositionBorrowFailureOrphansCollateral(t *testing.T) {
	h := newTestHarness()
	h.pool.borrowRejects = 2

	_, err := h.engine.CreatePosition(context.Background(), h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(50), pool.RateModeVariable)
	if !errors.Is(err, ErrBorrowFailed) {
		t.Fatalf("expected ErrBorrowFailed, got %v", err)
	}
	if len(h.ledger.positions) != 0 {
		t.Fatalf("provisional record should be deleted")
	}
	if h.emitter.lastType() != events.TypeOrphanedCollateral {
		t.Fatalf("expected orphaned collateral event, got %s", h.emitter.lastType())
	}
	orphaned := h.emitter.events[len(h.emitter.events)-1].(events.OrphanedCollateral)
	if orphaned.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("orphaned amount should be 100, got %s", orphaned.Amount)
	}
}

func TestCreatePositionSingleBorrowerFallbackOnly(t *testing.T) {
	h := newTestHarness()
	// Transport failure, not a pool rejection: no retry.
	h.pool.borrowErr = fmt.Errorf("connection reset")

	_, err := h.engine.CreatePosition(context.Background(), h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(50), pool.RateModeVariable)
	if err == nil || errors.Is(err, ErrBorrowFailed) {
		t.Fatalf("transport failure should propagate unchanged, got %v", err)
	}
	if len(h.pool.borrowCalls) != 1 {
		t.Fatalf("expected a single borrow attempt, got %d", len(h.pool.borrowCalls))
	}
}

func TestCreatePositionValidation(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	if _, err := h.engine.CreatePosition(ctx, h.owner, "WETH", big.NewInt(0), "USDC", big.NewInt(50), pool.RateModeVariable); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero collateral: %v", err)
	}
	if _, err := h.engine.CreatePosition(ctx, h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(-1), pool.RateModeVariable); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative borrow: %v", err)
	}
	if _, err := h.engine.CreatePosition(ctx, h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(50), pool.RateMode(9)); !errors.Is(err, ErrInvalidRateMode) {
		t.Fatalf("bad mode: %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	h := newTestHarness()
	h.engine.SetPauses(stubPauses{paused: true})

	if _, err := h.engine.CreatePosition(context.Background(), h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(50), pool.RateModeVariable); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if _, err := h.engine.OpenSupply(context.Background(), h.owner, "USDC", big.NewInt(10)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
}

func TestAddCollateralOwnership(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	if err := h.engine.AddCollateral(context.Background(), addr(0x02), position.ID, big.NewInt(10)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := h.engine.AddCollateral(context.Background(), h.owner, 99, big.NewInt(10)); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}

	if err := h.engine.AddCollateral(context.Background(), h.owner, position.ID, big.NewInt(10)); err != nil {
		t.Fatalf("add collateral: %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.CollateralAmount.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("expected 110 collateral, got %s", stored.CollateralAmount)
	}
}

func TestWithdrawCollateralHealthGates(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	h.pool.risk = unhealthyRisk()
	if _, err := h.engine.WithdrawCollateral(context.Background(), h.owner, position.ID, big.NewInt(10)); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy pre-check, got %v", err)
	}

	// Healthy before, unhealthy after: the funds moved but the failure is
	// still surfaced.
	h.pool.risk = healthyRisk()
	h.pool.riskQueue = []pool.AccountRisk{healthyRisk(), unhealthyRisk()}
	if _, err := h.engine.WithdrawCollateral(context.Background(), h.owner, position.ID, big.NewInt(10)); !errors.Is(err, ErrUnhealthyAfter) {
		t.Fatalf("expected ErrUnhealthyAfter, got %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.CollateralAmount.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("ledger should reflect the withdrawal, got %s", stored.CollateralAmount)
	}
}

func TestWithdrawCollateralBounds(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	if _, err := h.engine.WithdrawCollateral(context.Background(), h.owner, position.ID, big.NewInt(101)); !errors.Is(err, ErrWithdrawExceedsTracked) {
		t.Fatalf("expected ErrWithdrawExceedsTracked, got %v", err)
	}

	released, err := h.engine.WithdrawCollateral(context.Background(), h.owner, position.ID, big.NewInt(40))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if released.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected 40 released, got %s", released)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.CollateralAmount.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected 60 tracked, got %s", stored.CollateralAmount)
	}
}

func TestIncreaseBorrow(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	borrowed, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20))
	if err != nil {
		t.Fatalf("increase borrow: %v", err)
	}
	if borrowed.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("expected 20 borrowed, got %s", borrowed)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("expected 70 tracked debt, got %s", stored.BorrowAmount)
	}
}

func TestIncreaseBorrowCapacityGate(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	risk := healthyRisk()
	risk.AvailableBorrowValue = big.NewInt(0)
	h.pool.risk = risk
	if _, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20)); !errors.Is(err, ErrNoBorrowCapacity) {
		t.Fatalf("expected ErrNoBorrowCapacity, got %v", err)
	}

	h.pool.risk = unhealthyRisk()
	h.pool.risk.AvailableBorrowValue = big.NewInt(40)
	if _, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20)); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
}

func TestIncreaseBorrowHalvingFallback(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	h.pool.borrowRejects = 1
	borrowed, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20))
	if err != nil {
		t.Fatalf("increase borrow: %v", err)
	}
	if borrowed.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected halved borrow 10, got %s", borrowed)
	}
}

func TestRepayDebtSaturates(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	// Pool applies more than the tracked remainder (accrued interest).
	h.pool.repayApplied = big.NewInt(60)
	applied, err := h.engine.RepayDebt(context.Background(), h.owner, position.ID, big.NewInt(60))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected 60 applied, got %s", applied)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Sign() != 0 {
		t.Fatalf("tracked debt should clamp to zero, got %s", stored.BorrowAmount)
	}
	if !stored.Active {
		t.Fatalf("position keeps collateral, should stay active")
	}
}

func TestPositionLifecycle(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	position := h.mustCreate(t, 100, 50)

	if _, err := h.engine.IncreaseBorrow(ctx, h.owner, position.ID, big.NewInt(20)); err != nil {
		t.Fatalf("increase borrow: %v", err)
	}
	if _, err := h.engine.RepayDebt(ctx, h.owner, position.ID, big.NewInt(30)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected 40 tracked debt, got %s", stored.BorrowAmount)
	}

	if err := h.engine.ClosePosition(ctx, h.owner, position.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	stored, _ = h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("closed position should be inactive")
	}
	if stored.CollateralAmount.Sign() != 0 || stored.BorrowAmount.Sign() != 0 {
		t.Fatalf("closed position should track zero on both legs")
	}
	// The full-settlement sentinel absorbs externally accrued interest.
	last := h.pool.repayCalls[len(h.pool.repayCalls)-1]
	if last.Cmp(pool.MaxUint256) != 0 {
		t.Fatalf("close should repay with the settle-all sentinel")
	}

	if err := h.engine.ClosePosition(ctx, h.owner, position.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("double close should fail with ErrNotActive, got %v", err)
	}
}

func TestClosePositionUnhealthy(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)

	h.pool.risk = unhealthyRisk()
	if err := h.engine.ClosePosition(context.Background(), h.owner, position.ID); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}
}

func TestLiquidateRequiresUnhealthy(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	liquidator := addr(0x02)

	if _, _, err := h.engine.Liquidate(context.Background(), h.owner, position.ID, big.NewInt(10), false); !errors.Is(err, ErrSelfLiquidation) {
		t.Fatalf("expected ErrSelfLiquidation, got %v", err)
	}
	if _, _, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(10), false); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("healthy account: expected ErrPositionHealthy, got %v", err)
	}

	// Exactly at the boundary is not liquidatable either.
	h.pool.risk = boundaryRisk()
	if _, _, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(10), false); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("boundary account: expected ErrPositionHealthy, got %v", err)
	}
}

func TestLiquidate(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	liquidator := addr(0x02)

	h.pool.risk = unhealthyRisk()
	h.pool.liqResult = pool.LiquidationResult{
		CollateralSeized: big.NewInt(30),
		DebtCovered:      big.NewInt(20),
	}

	seized, covered, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(20), false)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(big.NewInt(30)) != 0 || covered.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("unexpected settlement %s/%s", seized, covered)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected 30 residual debt, got %s", stored.BorrowAmount)
	}
	if stored.CollateralAmount.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("expected 70 residual collateral, got %s", stored.CollateralAmount)
	}
	if !stored.Active {
		t.Fatalf("partially liquidated position should stay active")
	}
}

func TestLiquidateClosesOnZeroLeg(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	liquidator := addr(0x02)

	h.pool.risk = unhealthyRisk()
	h.pool.liqResult = pool.LiquidationResult{
		CollateralSeized: big.NewInt(100),
		DebtCovered:      big.NewInt(40),
	}

	_, _, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(40), false)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("position with a zeroed leg should close")
	}
	event := h.emitter.events[len(h.emitter.events)-1].(events.PositionLiquidated)
	if !event.Closed {
		t.Fatalf("liquidation event should mark the close")
	}
}

func TestLiquidateForwardsReceiptTokens(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	liquidator := addr(0x02)

	h.pool.risk = unhealthyRisk()
	h.pool.liqResult = pool.LiquidationResult{
		CollateralSeized: big.NewInt(30),
		DebtCovered:      big.NewInt(20),
	}

	if _, _, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(20), true); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	last := h.tokens.pushes[len(h.tokens.pushes)-1]
	if last.asset != h.pool.receipt.String() {
		t.Fatalf("expected receipt token push, got asset %s", last.asset)
	}
	if !last.party.Equal(liquidator) || last.amount.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected receipt forward %+v", last)
	}
}

func TestAdminClose(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	position := h.mustCreate(t, 100, 50)

	if err := h.engine.AdminClosePosition(ctx, h.owner, position.ID, false); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}

	// Orchestrator balance too small to cover the debt leg.
	h.tokens.balances["USDC"] = big.NewInt(10)
	if err := h.engine.AdminClosePosition(ctx, h.admin, position.ID, false); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	h.tokens.balances["USDC"] = big.NewInt(100)
	if err := h.engine.AdminClosePosition(ctx, h.admin, position.ID, false); err != nil {
		t.Fatalf("admin close: %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("position should be closed")
	}
	if h.emitter.lastType() != events.TypePositionClosed {
		t.Fatalf("expected normal close event, got %s", h.emitter.lastType())
	}
}

func TestAdminCloseEmergency(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	position := h.mustCreate(t, 100, 50)

	// The pool is down and the orchestrator holds nothing; emergency mode
	// still forces the record inactive.
	h.engine.SetPauses(stubPauses{paused: true})
	h.pool.withdrawErr = fmt.Errorf("pool unavailable")
	h.pool.riskErr = fmt.Errorf("pool unavailable")

	if err := h.engine.AdminClosePosition(ctx, h.admin, position.ID, true); err != nil {
		t.Fatalf("emergency close: %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("emergency close must force the position inactive")
	}
	if h.emitter.lastType() != events.TypePositionForceClosed {
		t.Fatalf("expected force-closed event, got %s", h.emitter.lastType())
	}
	event := h.emitter.events[len(h.emitter.events)-1].(events.PositionForceClosed)
	if event.ResidualDebt.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 50 residual debt, got %s", event.ResidualDebt)
	}
	if event.ResidualCollateral.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected 100 residual collateral, got %s", event.ResidualCollateral)
	}
}

func TestAdminCloseEmergencyPartialRecovery(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	position := h.mustCreate(t, 100, 50)

	h.tokens.balances["USDC"] = big.NewInt(20)
	if err := h.engine.AdminClosePosition(ctx, h.admin, position.ID, true); err != nil {
		t.Fatalf("emergency close: %v", err)
	}
	event := h.emitter.events[len(h.emitter.events)-1].(events.PositionForceClosed)
	if event.ResidualDebt.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected 30 residual debt after partial repay, got %s", event.ResidualDebt)
	}
	if event.ResidualCollateral.Sign() != 0 {
		t.Fatalf("collateral should be fully withdrawn, got %s", event.ResidualCollateral)
	}
}

func TestMonotonicIDs(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()

	first := h.mustCreate(t, 100, 50)
	if err := h.engine.ClosePosition(ctx, h.owner, first.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	second := h.mustCreate(t, 100, 50)
	if second.ID <= first.ID {
		t.Fatalf("ids must be monotonic, got %d after %d", second.ID, first.ID)
	}
}

func TestProjections(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	first := h.mustCreate(t, 100, 50)
	second := h.mustCreate(t, 200, 80)
	if err := h.engine.ClosePosition(ctx, h.owner, first.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	all, err := h.engine.PositionsByOwner(h.owner)
	if err != nil {
		t.Fatalf("positions by owner: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(all))
	}
	active, err := h.engine.ActivePositionsByOwner(h.owner)
	if err != nil {
		t.Fatalf("active positions: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("expected only position %d active, got %+v", second.ID, active)
	}
	if _, err := h.engine.PositionByID(99); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
}

// hookLedger runs a callback once after the first position read, standing in
// for an owner operation that completes between a lookup and the lock
// acquisition that follows it.
type hookLedger struct {
	*fakeLedger
	afterGet func()
	fired    bool
}

func (l *hookLedger) GetPosition(id uint64) (*Position, error) {
	position, err := l.fakeLedger.GetPosition(id)
	if !l.fired && l.afterGet != nil {
		l.fired = true
		l.afterGet()
	}
	return position, err
}

func TestLiquidateRevalidatesUnderLock(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	liquidator := addr(0x02)

	hooked := &hookLedger{fakeLedger: h.ledger}
	hooked.afterGet = func() {
		if err := h.engine.ClosePosition(context.Background(), h.owner, position.ID); err != nil {
			t.Fatalf("close position: %v", err)
		}
	}
	h.engine.SetLedger(hooked)

	_, _, err := h.engine.Liquidate(context.Background(), liquidator, position.ID, big.NewInt(20), false)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	stored, err := h.ledger.GetPosition(position.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if stored.Active {
		t.Fatalf("closed position came back active: %+v", stored)
	}
	if stored.CollateralAmount.Sign() != 0 || stored.BorrowAmount.Sign() != 0 {
		t.Fatalf("closed position regained amounts: collateral=%s debt=%s", stored.CollateralAmount, stored.BorrowAmount)
	}
}

func TestAdminCloseRevalidatesUnderLock(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	h.tokens.balances["USDC"] = big.NewInt(100)

	hooked := &hookLedger{fakeLedger: h.ledger}
	hooked.afterGet = func() {
		if err := h.engine.ClosePosition(context.Background(), h.owner, position.ID); err != nil {
			t.Fatalf("close position: %v", err)
		}
	}
	h.engine.SetLedger(hooked)

	err := h.engine.AdminClosePosition(context.Background(), h.admin, position.ID, false)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("closed position came back active: %+v", stored)
	}
}

func TestCreatePositionPushFailureTracksDebt(t *testing.T) {
	h := newTestHarness()
	h.tokens.pushErr = errors.New("bridge unavailable")

	_, err := h.engine.CreatePosition(context.Background(), h.owner, "WETH", big.NewInt(100), "USDC", big.NewInt(50), pool.RateModeVariable)
	if err == nil {
		t.Fatal("expected push failure to surface")
	}

	stored, lerr := h.ledger.GetPosition(1)
	if lerr != nil || stored == nil {
		t.Fatalf("get position: %v %v", stored, lerr)
	}
	if !stored.Active {
		t.Fatalf("position should remain active, got %+v", stored)
	}
	if stored.BorrowAmount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("pool-side debt not tracked: %s", stored.BorrowAmount)
	}
}

func TestIncreaseBorrowPushFailureTracksDebt(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	h.tokens.pushErr = errors.New("bridge unavailable")

	_, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20))
	if err == nil {
		t.Fatal("expected push failure to surface")
	}

	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("pool-side debt not tracked: %s", stored.BorrowAmount)
	}
}

func TestIncreaseBorrowUnhealthyAfter(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	h.pool.riskQueue = []pool.AccountRisk{healthyRisk(), unhealthyRisk()}

	_, err := h.engine.IncreaseBorrow(context.Background(), h.owner, position.ID, big.NewInt(20))
	if !errors.Is(err, ErrUnhealthyAfter) {
		t.Fatalf("expected ErrUnhealthyAfter, got %v", err)
	}

	// The funds already moved; the ledger keeps the increased debt.
	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.BorrowAmount.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("unexpected tracked debt %s", stored.BorrowAmount)
	}
}

func TestClosePositionUnhealthyAfter(t *testing.T) {
	h := newTestHarness()
	position := h.mustCreate(t, 100, 50)
	h.pool.riskQueue = []pool.AccountRisk{healthyRisk(), unhealthyRisk()}

	err := h.engine.ClosePosition(context.Background(), h.owner, position.ID)
	if !errors.Is(err, ErrUnhealthyAfter) {
		t.Fatalf("expected ErrUnhealthyAfter, got %v", err)
	}

	stored, _ := h.ledger.GetPosition(position.ID)
	if stored.Active {
		t.Fatalf("position should be closed in the ledger, got %+v", stored)
	}
	if stored.CollateralAmount.Sign() != 0 || stored.BorrowAmount.Sign() != 0 {
		t.Fatalf("unexpected residual amounts: %+v", stored)
	}
}
