package lending

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

var errPriceUnavailable = errors.New("price unavailable")

type priceBook struct {
	mu     sync.Mutex
	prices map[string]*big.Rat
	last   map[string]*big.Rat
}

func newPriceBook() *priceBook {
	return &priceBook{prices: make(map[string]*big.Rat), last: make(map[string]*big.Rat)}
}

func (p *priceBook) set(asset string, price *big.Rat) {
	p.mu.Lock()
	p.prices[asset] = price
	p.last[asset] = price
	p.mu.Unlock()
}

// unset makes the current price unavailable while keeping the last good one.
func (p *priceBook) unset(asset string) {
	p.mu.Lock()
	delete(p.prices, asset)
	p.mu.Unlock()
}

func (p *priceBook) Price(asset string, now time.Time) (*big.Rat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[asset]
	if !ok {
		return nil, errPriceUnavailable
	}
	return new(big.Rat).Set(price), nil
}

func (p *priceBook) LastGood(asset string) (*big.Rat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.last[asset]
	if !ok {
		return nil, false
	}
	return new(big.Rat).Set(price), true
}

type testConfig struct {
	mu          sync.Mutex
	rates       map[string]RateParams
	collateral  map[string]CollateralParams
	assessments map[string]CreditAssessment
}

func newTestConfig() *testConfig {
	return &testConfig{
		rates:       make(map[string]RateParams),
		collateral:  make(map[string]CollateralParams),
		assessments: make(map[string]CreditAssessment),
	}
}

func (c *testConfig) PoolParams(poolID string) (RateParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	params, ok := c.rates[poolID]
	if !ok {
		return RateParams{}, ErrPoolNotFound
	}
	return params, nil
}

func (c *testConfig) CollateralParams(assetID string) (CollateralParams, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	params, ok := c.collateral[assetID]
	if !ok {
		return CollateralParams{}, errors.New("collateral not configured")
	}
	return params, nil
}

func (c *testConfig) CreditTierParams(tier CreditTier) (CreditTierParams, error) {
	return CreditTierParams{Tier: tier}, nil
}

func (c *testConfig) CreditAssessment(ownerID string) (CreditAssessment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	assessment, ok := c.assessments[ownerID]
	if !ok {
		return CreditAssessment{OwnerID: ownerID, Tier: TierUnrated}, nil
	}
	return assessment, nil
}

var baseRateParams = RateParams{
	BaseRateBps:      200,
	Slope1Bps:        700,
	Slope2Bps:        6000,
	KinkBps:          8000,
	ReserveFactorBps: 1000,
}

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newTestEngine(t *testing.T) (*Engine, *testConfig, *priceBook) {
	t.Helper()
	cfg := newTestConfig()
	cfg.rates["USDX"] = baseRateParams
	cfg.collateral["WETH"] = CollateralParams{
		Tier:                    CollateralCrypto,
		LTVBps:                  8500,
		LiquidationThresholdBps: 8500,
		HaircutBps:              0,
		LiquidationPenaltyBps:   0,
		Version:                 1,
	}
	prices := newPriceBook()
	prices.set("USDX", big.NewRat(1, 1))
	prices.set("WETH", big.NewRat(1, 1))

	engine := NewEngine(cfg, cfg, prices)
	if err := engine.RegisterPool("USDX", t0); err != nil {
		t.Fatalf("register pool: %v", err)
	}
	return engine, cfg, prices
}

func mustSupply(t *testing.T, e *Engine, pool, owner string, amount int64, at time.Time) *PositionSnapshot {
	t.Helper()
	snap, err := e.Supply(pool, owner, big.NewInt(amount), at)
	if err != nil {
		t.Fatalf("supply %d to %s: %v", amount, pool, err)
	}
	return snap
}

func mustBorrow(t *testing.T, e *Engine, pool, owner string, amount int64, at time.Time) *PositionSnapshot {
	t.Helper()
	snap, err := e.Borrow(pool, owner, big.NewInt(amount), at)
	if err != nil {
		t.Fatalf("borrow %d from %s: %v", amount, pool, err)
	}
	return snap
}

func mustAddCollateral(t *testing.T, e *Engine, owner, asset string, amount int64) {
	t.Helper()
	if _, err := e.AddCollateral(owner, asset, big.NewInt(amount)); err != nil {
		t.Fatalf("add collateral %d %s: %v", amount, asset, err)
	}
}

func TestSupplyWithdrawRoundTrip(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	snap := mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	if snap.Supplied.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("supplied = %s, want 1000000", snap.Supplied)
	}
	if snap.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", snap.Sequence)
	}

	snap, err := engine.Withdraw("USDX", "lp", big.NewInt(400_000), t0)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if snap.Supplied.Cmp(big.NewInt(600_000)) != 0 {
		t.Fatalf("supplied after withdraw = %s, want 600000", snap.Supplied)
	}
	if snap.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", snap.Sequence)
	}

	if _, err := engine.Withdraw("USDX", "lp", big.NewInt(600_001), t0); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("over-withdraw error = %v, want ErrInsufficientFunds", err)
	}
}

func TestWithdrawBlockedByUtilisation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "bob", "WETH", 2_000_000)
	mustBorrow(t, engine, "USDX", "bob", 800_000, t0)

	if _, err := engine.Withdraw("USDX", "lp", big.NewInt(300_000), t0); !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("withdraw beyond liquidity = %v, want ErrInsufficientCash", err)
	}
}

func TestBorrowRepayLifecycle(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "bob", "WETH", 100_000)

	snap := mustBorrow(t, engine, "USDX", "bob", 50_000, t0)
	if snap.Debt.Cmp(big.NewInt(50_000)) != 0 {
		t.Fatalf("debt = %s, want 50000", snap.Debt)
	}
	if snap.HealthFactor == nil {
		t.Fatal("borrow snapshot missing health factor")
	}

	// Over-repayment is capped at the outstanding balance.
	snap, err := engine.Repay("USDX", "bob", big.NewInt(70_000), t0)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if snap.Debt.Sign() != 0 {
		t.Fatalf("debt after full repay = %s, want 0", snap.Debt)
	}

	if _, err := engine.Repay("USDX", "bob", big.NewInt(1), t0); !errors.Is(err, ErrNoDebtToRepay) {
		t.Fatalf("repay with no debt = %v, want ErrNoDebtToRepay", err)
	}
}

func TestBorrowRejectionLeavesStateUntouched(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "bob", "WETH", 100_000)

	before, seqBefore, err := engine.PoolState("USDX")
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}

	// 100k collateral at LTV 85% caps capacity at 85000.
	if _, err := engine.Borrow("USDX", "bob", big.NewInt(90_000), t0); err == nil {
		t.Fatal("expected borrow above capacity to fail")
	}

	after, seqAfter, err := engine.PoolState("USDX")
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if seqAfter != seqBefore {
		t.Fatalf("sequence moved on rejected borrow: %d -> %d", seqBefore, seqAfter)
	}
	if after.TotalBorrow.Cmp(before.TotalBorrow) != 0 {
		t.Fatalf("total borrow mutated on rejection: %s -> %s", before.TotalBorrow, after.TotalBorrow)
	}
	if hf, err := engine.GetHealthFactor("bob", t0); err != nil || !hf.Infinite {
		t.Fatalf("health factor after rejection = %v (%v), want infinite", hf, err)
	}
}

func TestInactivePoolRejectsMutations(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)

	if err := engine.SetPoolActive("USDX", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := engine.Supply("USDX", "lp", big.NewInt(1), t0); !errors.Is(err, ErrPoolInactive) {
		t.Fatalf("supply on paused pool = %v, want ErrPoolInactive", err)
	}
	if _, err := engine.Borrow("USDX", "bob", big.NewInt(1), t0); !errors.Is(err, ErrPoolInactive) {
		t.Fatalf("borrow on paused pool = %v, want ErrPoolInactive", err)
	}

	if err := engine.SetPoolActive("USDX", true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	mustSupply(t, engine, "USDX", "lp", 1, t0)
}

func TestAccrualRegressionFaultsPool(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0.Add(time.Hour))

	_, _, err := engine.AccruePool("USDX", t0)
	var outOfOrder *AccrualOutOfOrderError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("backwards accrual = %v, want AccrualOutOfOrderError", err)
	}

	if _, err := engine.Supply("USDX", "lp", big.NewInt(1), t0.Add(2*time.Hour)); !errors.Is(err, ErrPoolFaulted) {
		t.Fatalf("mutation on faulted pool = %v, want ErrPoolFaulted", err)
	}

	if err := engine.ClearFault("USDX"); err != nil {
		t.Fatalf("clear fault: %v", err)
	}
	mustSupply(t, engine, "USDX", "lp", 1, t0.Add(2*time.Hour))
}

func TestSequenceNumbersAdvancePerMutation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	mustAddCollateral(t, engine, "bob", "WETH", 100_000)

	snaps := []*PositionSnapshot{
		mustSupply(t, engine, "USDX", "lp", 1_000_000, t0),
		mustBorrow(t, engine, "USDX", "bob", 10_000, t0),
	}
	repaid, err := engine.Repay("USDX", "bob", big.NewInt(10_000), t0)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	snaps = append(snaps, repaid)

	for i, snap := range snaps {
		if snap.Sequence != uint64(i+1) {
			t.Fatalf("mutation %d sequence = %d, want %d", i, snap.Sequence, i+1)
		}
	}
}

func TestCreditDiscountFrozenAtOpen(t *testing.T) {
	engine, cfg, _ := newTestEngine(t)
	cfg.assessments["alice"] = CreditAssessment{
		OwnerID:         "alice",
		Tier:            TierDiamond,
		RateDiscountBps: 2500,
	}
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "alice", "WETH", 100_000)
	mustBorrow(t, engine, "USDX", "alice", 50_000, t0)

	// The discount captured at open survives a later downgrade.
	cfg.mu.Lock()
	cfg.assessments["alice"] = CreditAssessment{OwnerID: "alice", Tier: TierUnrated}
	cfg.mu.Unlock()

	handle, err := engine.handle("USDX")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	handle.mu.Lock()
	pos := handle.borrows["alice"]
	handle.mu.Unlock()
	if pos == nil {
		t.Fatal("missing borrow position")
	}
	if pos.RateDiscountBps != 2500 {
		t.Fatalf("frozen discount = %d bps, want 2500", pos.RateDiscountBps)
	}
	if pos.Tier != TierDiamond {
		t.Fatalf("frozen tier = %s, want diamond", pos.Tier)
	}
}

func TestRebateSettledOnFullRepay(t *testing.T) {
	engine, cfg, _ := newTestEngine(t)
	cfg.assessments["alice"] = CreditAssessment{
		OwnerID:         "alice",
		Tier:            TierDiamond,
		RateDiscountBps: 2500,
	}
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "alice", "WETH", 2_000_000)
	mustBorrow(t, engine, "USDX", "alice", 500_000, t0)

	later := t0.Add(365 * 24 * time.Hour)
	accrued, _, err := engine.AccruePool("USDX", later)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	interest := new(big.Int).Sub(accrued.TotalBorrow, big.NewInt(500_000))
	if interest.Sign() <= 0 {
		t.Fatal("expected a year of interest to accrue")
	}
	rebate := mulBpsFloor(interest, 2500)

	snap, err := engine.Repay("USDX", "alice", big.NewInt(600_000), later)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if snap.Debt.Sign() != 0 {
		t.Fatalf("debt after full repay = %s, want 0", snap.Debt)
	}

	// Accrual grew TotalBorrow at the full rate; the discounted slice must not
	// survive as phantom debt once the only borrower settles.
	pool, _, err := engine.PoolState("USDX")
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if pool.TotalBorrow.Sign() != 0 {
		t.Fatalf("total borrow = %s after full repay of the only position, want 0", pool.TotalBorrow)
	}

	// The rebate is funded by reserves first, bad debt for the remainder.
	drained := new(big.Int).Sub(accrued.Reserves, pool.Reserves)
	covered := new(big.Int).Add(drained, pool.BadDebt)
	if covered.Cmp(rebate) != 0 {
		t.Fatalf("reserves drawn %s + bad debt %s != rebate %s", drained, pool.BadDebt, rebate)
	}
}

func TestRebateSettledOnPartialRepay(t *testing.T) {
	engine, cfg, _ := newTestEngine(t)
	cfg.assessments["alice"] = CreditAssessment{
		OwnerID:         "alice",
		Tier:            TierDiamond,
		RateDiscountBps: 2500,
	}
	mustSupply(t, engine, "USDX", "lp", 1_000_000, t0)
	mustAddCollateral(t, engine, "alice", "WETH", 2_000_000)
	mustBorrow(t, engine, "USDX", "alice", 500_000, t0)

	later := t0.Add(365 * 24 * time.Hour)
	snap, err := engine.Repay("USDX", "alice", big.NewInt(100_000), later)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if snap.Debt.Sign() <= 0 {
		t.Fatalf("debt after partial repay = %s, want positive", snap.Debt)
	}

	// After the re-base the pool aggregate matches the position exactly.
	pool, _, err := engine.PoolState("USDX")
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if pool.TotalBorrow.Cmp(snap.Debt) != 0 {
		t.Fatalf("total borrow = %s, want remaining debt %s", pool.TotalBorrow, snap.Debt)
	}
}

func TestEventListing(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	sink := NewMemorySink()
	engine.SetEventSink(sink)

	for i := 0; i < 3; i++ {
		if err := sink.Append(LiquidationEvent{ID: "e", Borrower: "bob", PoolID: "USDX", Tier: TierMarginCall}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Append(LiquidationEvent{ID: "x", Borrower: "carol", PoolID: "USDX", Tier: TierSoftLiquidation}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := engine.ListLiquidationEvents(EventFilter{Borrower: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events for bob = %d, want 3", len(events))
	}

	events, err = engine.ListLiquidationEvents(EventFilter{PoolID: "USDX", Limit: 2, Offset: 3})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(events) != 1 || events[0].Borrower != "carol" {
		t.Fatalf("paged listing = %+v, want single carol event", events)
	}
}
