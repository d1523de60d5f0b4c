package lending

import (
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"dualis/observability"
	"dualis/oracle"
)

// PriceSource resolves asset prices for risk computations. Price fails while
// the asset is unpriceable (breaker open, stale, never observed); LastGood
// returns the most recent accepted price regardless of availability so debt
// valuation never understates outstanding exposure.
type PriceSource interface {
	Price(assetID string, now time.Time) (*big.Rat, error)
	LastGood(assetID string) (*big.Rat, bool)
}

// GateSource adapts an oracle gate to the engine's price interface.
type GateSource struct {
	Gate *oracle.Gate
}

func (s GateSource) Price(assetID string, now time.Time) (*big.Rat, error) {
	quote, err := s.Gate.Price(assetID, now)
	if err != nil {
		return nil, err
	}
	return quote.Price, nil
}

func (s GateSource) LastGood(assetID string) (*big.Rat, bool) {
	quote, ok := s.Gate.LastGood(assetID)
	if !ok {
		return nil, false
	}
	return quote.Price, true
}

type poolHandle struct {
	mu       sync.Mutex
	pool     *Pool
	seq      uint64
	faulted  bool
	supplies map[string]*SupplyPosition
	borrows  map[string]*BorrowPosition
}

type cooldownEntry struct {
	until time.Time
	tier  LiquidationTier
}

// Engine is the pool ledger: the sole writer of pool aggregates and position
// records. Each pool's mutable state is updated under an exclusive per-pool
// critical section; every mutating call accrues first, then applies its own
// delta, so concurrent operations on one pool see a total order over
// consistent post-accrual state. Operations on different pools proceed in
// parallel. Multi-pool operations (borrow, health evaluation, liquidation)
// acquire every contributing pool's lock in sorted order, which rules out
// lock cycles between concurrent evaluations.
type Engine struct {
	mu            sync.RWMutex
	pools         map[string]*poolHandle
	collateral    map[string]map[string]*CollateralDeposit
	borrowerPools map[string]map[string]struct{}

	params ParamSource
	credit CreditSource
	prices PriceSource
	sink   EventSink
	logger *slog.Logger

	cooldownWindow time.Duration
	cooldownMu     sync.Mutex
	cooldowns      map[string]cooldownEntry

	minHealthFactor *big.Rat
}

// NewEngine constructs an engine wired to its configuration, credit and price
// collaborators. Events default to an in-memory sink.
func NewEngine(params ParamSource, credit CreditSource, prices PriceSource) *Engine {
	return &Engine{
		pools:           make(map[string]*poolHandle),
		collateral:      make(map[string]map[string]*CollateralDeposit),
		borrowerPools:   make(map[string]map[string]struct{}),
		params:          params,
		credit:          credit,
		prices:          prices,
		sink:            NewMemorySink(),
		logger:          slog.Default(),
		cooldownWindow:  time.Hour,
		cooldowns:       make(map[string]cooldownEntry),
		minHealthFactor: big.NewRat(1, 1),
	}
}

// SetLogger wires the structured logger used for engine decisions.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetEventSink replaces the liquidation event sink.
func (e *Engine) SetEventSink(sink EventSink) {
	if e == nil || sink == nil {
		return
	}
	e.sink = sink
}

// SetCooldownWindow configures the per (owner, pool) liquidation cooldown.
func (e *Engine) SetCooldownWindow(window time.Duration) {
	if e == nil || window <= 0 {
		return
	}
	e.cooldownWindow = window
}

// RegisterPool creates the pool for an asset from the configured rate
// parameters. Pools are created once at genesis and never deleted.
func (e *Engine) RegisterPool(assetID string, now time.Time) error {
	asset := strings.TrimSpace(assetID)
	if asset == "" {
		return ErrPoolNotFound
	}
	params, err := e.params.PoolParams(asset)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	pool := &Pool{
		AssetID:     asset,
		Params:      params,
		LastAccrual: uint64(now.Unix()),
		Active:      true,
	}
	ensurePoolDefaults(pool)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pools[asset]; exists {
		return nil
	}
	e.pools[asset] = &poolHandle{
		pool:     pool,
		supplies: make(map[string]*SupplyPosition),
		borrows:  make(map[string]*BorrowPosition),
	}
	return nil
}

// SetPoolActive pauses or resumes a pool. Mutating operations on a paused
// pool are rejected with ErrPoolInactive.
func (e *Engine) SetPoolActive(poolID string, active bool) error {
	h, err := e.handle(poolID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.pool.Active = active
	h.mu.Unlock()
	return nil
}

// ClearFault is the operator action that re-enables a pool refused after a
// fatal data-integrity signal.
func (e *Engine) ClearFault(poolID string) error {
	h, err := e.handle(poolID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.faulted = false
	h.mu.Unlock()
	return nil
}

func (e *Engine) handle(poolID string) (*poolHandle, error) {
	e.mu.RLock()
	h, ok := e.pools[strings.TrimSpace(poolID)]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrPoolNotFound
	}
	return h, nil
}

// lockBorrowerPools locks, in sorted pool order, every pool contributing to
// the owner's debt plus any explicitly included pools. The returned release
// function unlocks in reverse order.
func (e *Engine) lockBorrowerPools(owner string, include ...string) (map[string]*poolHandle, func(), error) {
	e.mu.RLock()
	ids := make(map[string]struct{}, len(include)+2)
	for poolID := range e.borrowerPools[owner] {
		ids[poolID] = struct{}{}
	}
	for _, poolID := range include {
		if trimmed := strings.TrimSpace(poolID); trimmed != "" {
			ids[trimmed] = struct{}{}
		}
	}
	handles := make(map[string]*poolHandle, len(ids))
	ordered := make([]string, 0, len(ids))
	for poolID := range ids {
		h, ok := e.pools[poolID]
		if !ok {
			e.mu.RUnlock()
			return nil, nil, ErrPoolNotFound
		}
		handles[poolID] = h
		ordered = append(ordered, poolID)
	}
	e.mu.RUnlock()

	sort.Strings(ordered)
	for _, poolID := range ordered {
		handles[poolID].mu.Lock()
	}
	release := func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			handles[ordered[i]].mu.Unlock()
		}
	}
	return handles, release, nil
}

// accrueLocked advances the pool's indices; the caller holds the handle lock.
// Accrual failures fault the pool: the regression indicates upstream
// corruption that masking would compound.
func (e *Engine) accrueLocked(h *poolHandle, now time.Time) error {
	if h.faulted {
		return ErrPoolFaulted
	}
	interest, err := accruePool(h.pool, uint64(now.Unix()))
	if err != nil {
		h.faulted = true
		e.logger.Error("pool faulted during accrual", "pool", h.pool.AssetID, "error", err)
		return err
	}
	if interest.Sign() > 0 {
		observability.Risk().RecordAccrual(h.pool.AssetID)
	}
	return nil
}

// accrueSidePools refreshes every locked pool other than the target. Side
// pools that are faulted keep their current state; their debt still counts.
func (e *Engine) accrueSidePools(handles map[string]*poolHandle, target string, now time.Time) {
	for poolID, h := range handles {
		if poolID == target {
			continue
		}
		if err := e.accrueLocked(h, now); err != nil {
			e.logger.Warn("side pool accrual skipped", "pool", poolID, "error", err)
		}
	}
}

// AccruePool advances the pool's indices to now and returns a snapshot of the
// pool together with its operation sequence number.
func (e *Engine) AccruePool(poolID string, now time.Time) (Pool, uint64, error) {
	h, err := e.handle(poolID)
	if err != nil {
		return Pool{}, 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := e.accrueLocked(h, now); err != nil {
		return Pool{}, 0, err
	}
	return clonePool(h.pool), h.seq, nil
}

// PoolState returns a snapshot of the pool without accruing.
func (e *Engine) PoolState(poolID string) (Pool, uint64, error) {
	h, err := e.handle(poolID)
	if err != nil {
		return Pool{}, 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return clonePool(h.pool), h.seq, nil
}

// Supply deposits liquidity into a pool and returns the supplier's updated
// position snapshot.
func (e *Engine) Supply(poolID, owner string, amount *big.Int, now time.Time) (*PositionSnapshot, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	h, err := e.handle(poolID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pool.Active {
		return nil, ErrPoolInactive
	}
	if err := e.accrueLocked(h, now); err != nil {
		return nil, err
	}

	pos := h.supplies[owner]
	if pos == nil {
		pos = &SupplyPosition{Owner: owner, Shares: big.NewInt(0), SnapshotIndex: cloneInt(h.pool.SupplyIndex)}
		h.supplies[owner] = pos
	}
	value := pos.Value(h.pool.SupplyIndex)
	pos.Shares = new(big.Int).Add(value, amount)
	pos.SnapshotIndex = cloneInt(h.pool.SupplyIndex)

	h.pool.TotalSupply = new(big.Int).Add(h.pool.TotalSupply, amount)
	h.seq++
	return e.snapshotLocked(h, owner, nil), nil
}

// Withdraw redeems supplied liquidity. Zeroed positions are retained, not
// deleted.
func (e *Engine) Withdraw(poolID, owner string, amount *big.Int, now time.Time) (*PositionSnapshot, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	h, err := e.handle(poolID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pool.Active {
		return nil, ErrPoolInactive
	}
	if err := e.accrueLocked(h, now); err != nil {
		return nil, err
	}

	pos := h.supplies[owner]
	if pos == nil {
		return nil, ErrPositionNotFound
	}
	value := pos.Value(h.pool.SupplyIndex)
	if value.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	if availableLiquidity(h.pool).Cmp(amount) < 0 {
		return nil, ErrInsufficientCash
	}

	pos.Shares = new(big.Int).Sub(value, amount)
	pos.SnapshotIndex = cloneInt(h.pool.SupplyIndex)
	h.pool.TotalSupply = new(big.Int).Sub(h.pool.TotalSupply, amount)
	h.seq++
	return e.snapshotLocked(h, owner, nil), nil
}

// Borrow originates or extends a loan. The borrower's current credit-tier
// discount is resolved once at position-open time and frozen; the projected
// post-borrow health factor and borrow capacity must both clear before any
// state changes.
func (e *Engine) Borrow(poolID, owner string, amount *big.Int, now time.Time) (*PositionSnapshot, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	handles, release, err := e.lockBorrowerPools(owner, poolID)
	if err != nil {
		return nil, err
	}
	defer release()

	h := handles[strings.TrimSpace(poolID)]
	if !h.pool.Active {
		return nil, ErrPoolInactive
	}
	if err := e.accrueLocked(h, now); err != nil {
		return nil, err
	}
	e.accrueSidePools(handles, h.pool.AssetID, now)
	if availableLiquidity(h.pool).Cmp(amount) < 0 {
		return nil, ErrInsufficientCash
	}

	pos := h.borrows[owner]
	currentDebt := big.NewInt(0)
	if pos != nil {
		currentDebt = pos.Debt(h.pool.BorrowIndex)
	}
	projected := new(big.Int).Add(currentDebt, amount)

	assessment := e.resolveAssessment(owner)
	override := debtOverride{poolID: h.pool.AssetID, debt: projected}
	hf, err := e.healthFactorLocked(owner, now, handles, &override, nil)
	if err != nil {
		return nil, err
	}
	if hf.Cmp(e.minHealthFactor) < 0 {
		return nil, &HealthFactorError{Current: hf, Required: e.minHealthFactor.FloatString(2)}
	}
	if err := e.checkBorrowCapacity(owner, now, handles, &override, assessment.MaxLTVBps); err != nil {
		return nil, err
	}

	if pos == nil {
		tier, discount := assessment.DiscountAt(now)
		pos = &BorrowPosition{
			Owner:           owner,
			Shares:          big.NewInt(0),
			SnapshotIndex:   cloneInt(h.pool.BorrowIndex),
			OpenedAt:        now,
			RateDiscountBps: discount,
			Tier:            tier,
		}
		h.borrows[owner] = pos
		e.indexBorrower(owner, h.pool.AssetID, true)
	} else {
		e.settleRebateLocked(h, pos)
	}
	pos.Shares = projected
	pos.SnapshotIndex = cloneInt(h.pool.BorrowIndex)

	h.pool.TotalBorrow = new(big.Int).Add(h.pool.TotalBorrow, amount)
	h.seq++

	return e.snapshotLocked(h, owner, &hf), nil
}

// Repay settles outstanding debt, capped at the accrued balance. The position
// closes when debt reaches zero.
func (e *Engine) Repay(poolID, owner string, amount *big.Int, now time.Time) (*PositionSnapshot, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	handles, release, err := e.lockBorrowerPools(owner, poolID)
	if err != nil {
		return nil, err
	}
	defer release()

	h := handles[strings.TrimSpace(poolID)]
	if !h.pool.Active {
		return nil, ErrPoolInactive
	}
	if err := e.accrueLocked(h, now); err != nil {
		return nil, err
	}
	e.accrueSidePools(handles, h.pool.AssetID, now)

	pos := h.borrows[owner]
	if pos == nil {
		return nil, ErrNoDebtToRepay
	}
	debt := pos.Debt(h.pool.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, ErrNoDebtToRepay
	}
	repaid := cloneInt(amount)
	if repaid.Cmp(debt) > 0 {
		repaid = cloneInt(debt)
	}
	e.settleRebateLocked(h, pos)

	remaining := new(big.Int).Sub(debt, repaid)
	if remaining.Sign() == 0 {
		delete(h.borrows, owner)
		e.indexBorrower(owner, h.pool.AssetID, false)
	} else {
		pos.Shares = remaining
		pos.SnapshotIndex = cloneInt(h.pool.BorrowIndex)
	}

	h.pool.TotalBorrow = new(big.Int).Sub(h.pool.TotalBorrow, repaid)
	if h.pool.TotalBorrow.Sign() < 0 {
		h.pool.TotalBorrow = big.NewInt(0)
	}
	h.seq++

	snap := e.snapshotLocked(h, owner, nil)
	if hf, err := e.healthFactorLocked(owner, now, handles, nil, nil); err == nil {
		snap.HealthFactor = &hf
	}
	return snap, nil
}

// AddCollateral pledges collateral for a borrower. The asset's risk
// parameters are pinned at the configuration version active now.
func (e *Engine) AddCollateral(owner, assetID string, amount *big.Int) (*CollateralDeposit, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	params, err := e.params.CollateralParams(assetID)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	deposits := e.collateral[owner]
	if deposits == nil {
		deposits = make(map[string]*CollateralDeposit)
		e.collateral[owner] = deposits
	}
	deposit := deposits[assetID]
	if deposit == nil {
		deposit = &CollateralDeposit{Owner: owner, AssetID: assetID, Amount: big.NewInt(0)}
		deposits[assetID] = deposit
	}
	deposit.Amount = new(big.Int).Add(deposit.Amount, amount)
	deposit.Params = params
	deposit.ParamVersion = params.Version

	out := *deposit
	out.Amount = cloneInt(deposit.Amount)
	return &out, nil
}

// WithdrawCollateral releases pledged collateral provided the projected
// health factor stays above the minimum. The projection is evaluated before
// any state mutation.
func (e *Engine) WithdrawCollateral(owner, assetID string, amount *big.Int, now time.Time) (*CollateralDeposit, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	handles, release, err := e.lockBorrowerPools(owner)
	if err != nil {
		return nil, err
	}
	defer release()
	e.accrueSidePools(handles, "", now)

	reduction := &collateralReduction{assetID: assetID, amount: amount}
	hf, err := e.healthFactorLocked(owner, now, handles, nil, reduction)
	if err != nil {
		return nil, err
	}
	if hf.Cmp(e.minHealthFactor) < 0 {
		return nil, &HealthFactorError{Current: hf, Required: e.minHealthFactor.FloatString(2)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	deposit := e.collateral[owner][assetID]
	if deposit == nil || deposit.Amount.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	deposit.Amount = new(big.Int).Sub(deposit.Amount, amount)
	out := *deposit
	out.Amount = cloneInt(deposit.Amount)
	return &out, nil
}

// GetHealthFactor recomputes the borrower's health factor over freshly
// accrued debt and current non-stale prices. It is never cached across ticks.
func (e *Engine) GetHealthFactor(owner string, now time.Time) (HealthFactor, error) {
	handles, release, err := e.lockBorrowerPools(owner)
	if err != nil {
		return HealthFactor{}, err
	}
	defer release()
	e.accrueSidePools(handles, "", now)
	return e.healthFactorLocked(owner, now, handles, nil, nil)
}

// ListLiquidationEvents pages through recorded liquidation events.
func (e *Engine) ListLiquidationEvents(filter EventFilter) ([]LiquidationEvent, error) {
	lister, ok := e.sink.(EventLister)
	if !ok {
		return nil, ErrEventsUnavailable
	}
	return lister.List(filter)
}

func (e *Engine) resolveAssessment(owner string) CreditAssessment {
	if e.credit == nil {
		return CreditAssessment{OwnerID: owner, Tier: TierUnrated}
	}
	assessment, err := e.credit.CreditAssessment(owner)
	if err != nil {
		return CreditAssessment{OwnerID: owner, Tier: TierUnrated}
	}
	return assessment
}

func (e *Engine) indexBorrower(owner, poolID string, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.borrowerPools[owner]
	if active {
		if set == nil {
			set = make(map[string]struct{})
			e.borrowerPools[owner] = set
		}
		set[poolID] = struct{}{}
		return
	}
	if set != nil {
		delete(set, poolID)
		if len(set) == 0 {
			delete(e.borrowerPools, owner)
		}
	}
}

// settleRebateLocked charges a position's accumulated rate rebate to the pool.
// Accrual grows TotalBorrow at the full curve rate for every borrower; the
// discounted slice is never owed by anyone, so it must leave TotalBorrow when
// the position re-bases, funded from reserves and spilling into bad debt once
// reserves run dry. Callers invoke this before mutating the position's shares
// or snapshot index.
func (e *Engine) settleRebateLocked(h *poolHandle, pos *BorrowPosition) {
	rebate := new(big.Int).Sub(pos.grossDebt(h.pool.BorrowIndex), pos.Debt(h.pool.BorrowIndex))
	if rebate.Sign() <= 0 {
		return
	}
	h.pool.TotalBorrow = new(big.Int).Sub(h.pool.TotalBorrow, rebate)
	if h.pool.TotalBorrow.Sign() < 0 {
		h.pool.TotalBorrow = big.NewInt(0)
	}
	fromReserves := cloneInt(rebate)
	if fromReserves.Cmp(h.pool.Reserves) > 0 {
		fromReserves = cloneInt(h.pool.Reserves)
	}
	h.pool.Reserves = new(big.Int).Sub(h.pool.Reserves, fromReserves)
	if unfunded := new(big.Int).Sub(rebate, fromReserves); unfunded.Sign() > 0 {
		h.pool.BadDebt = new(big.Int).Add(h.pool.BadDebt, unfunded)
		e.logger.Warn("rate rebate exceeded reserves",
			"pool", h.pool.AssetID, "borrower", pos.Owner, "unfunded", unfunded.String())
	}
}

func (e *Engine) snapshotLocked(h *poolHandle, owner string, hf *HealthFactor) *PositionSnapshot {
	snap := &PositionSnapshot{
		PoolID:       h.pool.AssetID,
		Owner:        owner,
		Supplied:     big.NewInt(0),
		Debt:         big.NewInt(0),
		Sequence:     h.seq,
		HealthFactor: hf,
	}
	if pos := h.supplies[owner]; pos != nil {
		snap.Supplied = pos.Value(h.pool.SupplyIndex)
	}
	if pos := h.borrows[owner]; pos != nil {
		snap.Debt = pos.Debt(h.pool.BorrowIndex)
	}
	return snap
}

// sortedDeposits returns copies of the borrower's collateral deposits ordered
// by asset identifier. The copies are taken under the engine lock so valuation
// never observes a concurrent deposit write; seizure walks the live records
// separately under the exclusive lock.
func (e *Engine) sortedDeposits(owner string) []CollateralDeposit {
	e.mu.RLock()
	deposits := make([]CollateralDeposit, 0, len(e.collateral[owner]))
	for _, deposit := range e.collateral[owner] {
		out := *deposit
		out.Amount = cloneInt(deposit.Amount)
		deposits = append(deposits, out)
	}
	e.mu.RUnlock()
	sort.Slice(deposits, func(i, j int) bool { return deposits[i].AssetID < deposits[j].AssetID })
	return deposits
}

func clonePool(p *Pool) Pool {
	out := *p
	out.TotalSupply = cloneInt(p.TotalSupply)
	out.TotalBorrow = cloneInt(p.TotalBorrow)
	out.Reserves = cloneInt(p.Reserves)
	out.LiquidatorRewards = cloneInt(p.LiquidatorRewards)
	out.BadDebt = cloneInt(p.BadDebt)
	out.SupplyIndex = cloneInt(p.SupplyIndex)
	out.BorrowIndex = cloneInt(p.BorrowIndex)
	return out
}
