package lending

import (
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"dualis/observability"
)

// Cascade bounds over the health factor. Boundaries belong to the less severe
// tier: a health factor of exactly 0.95 is a margin call, not a soft
// liquidation.
var (
	marginCallBound = big.NewRat(1, 1)
	softBound       = big.NewRat(95, 100)
	forcedBound     = big.NewRat(90, 100)
	fullBound       = big.NewRat(85, 100)
)

func cascadeTier(hf HealthFactor) LiquidationTier {
	if hf.Infinite {
		return TierNone
	}
	switch {
	case hf.Cmp(fullBound) < 0:
		return TierFullLiquidation
	case hf.Cmp(forcedBound) < 0:
		return TierForcedLiquidation
	case hf.Cmp(softBound) < 0:
		return TierSoftLiquidation
	case hf.Cmp(marginCallBound) < 0:
		return TierMarginCall
	default:
		return TierNone
	}
}

func repayFraction(tier LiquidationTier) *big.Rat {
	switch tier {
	case TierSoftLiquidation:
		return big.NewRat(1, 4)
	case TierForcedLiquidation:
		return big.NewRat(1, 2)
	case TierFullLiquidation:
		return big.NewRat(1, 1)
	default:
		return new(big.Rat)
	}
}

// EvaluateBorrower runs one pass of the liquidation cascade for a borrower's
// position in the target pool. The health factor is computed over freshly
// accrued state under the pool's own lock, so the seize-and-repay step is
// atomic with respect to ordinary mutations.
//
// A healthy position returns (nil, nil). An evaluation blocked by the
// per-owner-per-pool cooldown also returns (nil, nil) unless the newly
// computed tier is strictly more severe than the one that set the cooldown,
// in which case the cooldown is overridden. An evaluation that cannot price
// the position is deferred with an error; it never defaults the borrower on
// unverifiable data.
func (e *Engine) EvaluateBorrower(poolID, owner string, now time.Time) (*LiquidationEvent, error) {
	handles, release, err := e.lockBorrowerPools(owner, poolID)
	if err != nil {
		return nil, err
	}
	defer release()

	h := handles[strings.TrimSpace(poolID)]
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

	hfBefore, err := e.healthFactorLocked(owner, now, handles, nil, nil)
	if err != nil {
		e.logger.Warn("liquidation deferred: debt unpriceable",
			"borrower", owner, "pool", h.pool.AssetID, "error", err)
		return nil, err
	}
	tier := cascadeTier(hfBefore)
	if tier == TierNone {
		return nil, nil
	}

	if blocked, blockingTier := e.cooldownActive(owner, h.pool.AssetID, now); blocked {
		if !tier.MoreSevere(blockingTier) {
			e.logger.Info("liquidation deferred: cooldown active",
				"borrower", owner, "pool", h.pool.AssetID,
				"tier", tier.String(), "cooldown_tier", blockingTier.String())
			return nil, nil
		}
		e.logger.Info("liquidation cooldown overridden by severity",
			"borrower", owner, "pool", h.pool.AssetID,
			"tier", tier.String(), "cooldown_tier", blockingTier.String())
	}

	// Margin calls are pure alerts: they repeat on every pass and never arm
	// the cooldown. Only seizing actions start the timer.
	if tier == TierMarginCall {
		event := e.newEvent(owner, h.pool.AssetID, tier, now)
		event.HealthFactorBefore = hfBefore.String()
		event.HealthFactorAfter = hfBefore.String()
		e.emit(h, event)
		return event, nil
	}

	// Seizing tiers need a usable price for the pool asset and for every
	// pledged collateral asset; otherwise the pass is deferred.
	poolPrice, err := e.prices.Price(h.pool.AssetID, now)
	if err != nil {
		e.logger.Warn("liquidation deferred: pool asset unpriceable",
			"borrower", owner, "pool", h.pool.AssetID, "error", err)
		return nil, wrapOracleErr(h.pool.AssetID, err)
	}
	deposits := e.sortedDeposits(owner)
	collateralPrices := make(map[string]*big.Rat, len(deposits))
	for _, deposit := range deposits {
		if deposit.Amount.Sign() <= 0 {
			continue
		}
		price, err := e.prices.Price(deposit.AssetID, now)
		if err != nil {
			e.logger.Warn("liquidation deferred: collateral unpriceable",
				"borrower", owner, "pool", h.pool.AssetID,
				"collateral", deposit.AssetID, "error", err)
			return nil, wrapOracleErr(deposit.AssetID, err)
		}
		collateralPrices[deposit.AssetID] = price
	}

	repayUnits := ratMulInt(debt, repayFraction(tier))
	if tier == TierFullLiquidation {
		repayUnits = cloneInt(debt)
	}
	if repayUnits.Sign() == 0 {
		return nil, nil
	}
	repayValue := new(big.Rat).SetInt(repayUnits)
	repayValue.Mul(repayValue, poolPrice)

	seizedValue, penaltyValue, remaining := e.seize(owner, collateralPrices, repayValue)
	e.settleRebateLocked(h, pos)

	// The debt is reduced by the full tranche regardless of seizure outcome.
	// Any unrecovered value is charged to reserves first; the remainder is
	// recorded as bad debt, never silently absorbed.
	shortfallUnits := ratDivIntRat(remaining, poolPrice)
	fromReserves := cloneInt(shortfallUnits)
	if fromReserves.Cmp(h.pool.Reserves) > 0 {
		fromReserves = cloneInt(h.pool.Reserves)
	}
	badDebtDelta := new(big.Int).Sub(shortfallUnits, fromReserves)

	h.pool.Reserves = new(big.Int).Sub(h.pool.Reserves, fromReserves)
	h.pool.BadDebt = new(big.Int).Add(h.pool.BadDebt, badDebtDelta)
	h.pool.LiquidatorRewards = new(big.Int).Add(h.pool.LiquidatorRewards, ratDivIntRat(penaltyValue, poolPrice))
	h.pool.TotalBorrow = new(big.Int).Sub(h.pool.TotalBorrow, repayUnits)
	if h.pool.TotalBorrow.Sign() < 0 {
		h.pool.TotalBorrow = big.NewInt(0)
	}

	newDebt := new(big.Int).Sub(debt, repayUnits)
	if newDebt.Sign() <= 0 {
		delete(h.borrows, owner)
		e.indexBorrower(owner, h.pool.AssetID, false)
	} else {
		pos.Shares = newDebt
		pos.SnapshotIndex = cloneInt(h.pool.BorrowIndex)
	}
	h.seq++

	event := e.newEvent(owner, h.pool.AssetID, tier, now)
	event.CollateralSeized = ratToInt(seizedValue)
	event.DebtRepaid = repayUnits
	event.Penalty = ratToInt(penaltyValue)
	event.BadDebt = badDebtDelta
	event.HealthFactorBefore = hfBefore.String()
	if after, err := e.healthFactorLocked(owner, now, handles, nil, nil); err == nil {
		event.HealthFactorAfter = after.String()
	} else {
		event.HealthFactorAfter = "unavailable"
	}

	e.setCooldown(owner, h.pool.AssetID, tier, now)
	e.emit(h, event)
	if badDebtDelta.Sign() > 0 {
		units, _ := new(big.Float).SetInt(h.pool.BadDebt).Float64()
		observability.Risk().SetBadDebt(h.pool.AssetID, units)
		e.logger.Error("bad debt recorded",
			"borrower", owner, "pool", h.pool.AssetID,
			"amount", badDebtDelta.String(), "total", h.pool.BadDebt.String())
	}
	return event, nil
}

// seize walks the borrower's live collateral records in deterministic asset
// order under the exclusive engine lock, taking value until the repay tranche
// plus per-asset penalty is covered or the collateral runs out. Returns the
// seized value, the penalty premium and the uncovered remainder, all in
// quote-currency terms. A deposit added after the price pass simply has no
// price entry and is skipped.
func (e *Engine) seize(owner string, prices map[string]*big.Rat, repayValue *big.Rat) (*big.Rat, *big.Rat, *big.Rat) {
	seized := new(big.Rat)
	penalty := new(big.Rat)
	remaining := new(big.Rat).Set(repayValue)

	e.mu.Lock()
	defer e.mu.Unlock()
	deposits := make([]*CollateralDeposit, 0, len(e.collateral[owner]))
	for _, deposit := range e.collateral[owner] {
		deposits = append(deposits, deposit)
	}
	sort.Slice(deposits, func(i, j int) bool { return deposits[i].AssetID < deposits[j].AssetID })
	for _, deposit := range deposits {
		if remaining.Sign() <= 0 {
			break
		}
		if deposit.Amount.Sign() <= 0 {
			continue
		}
		price, ok := prices[deposit.AssetID]
		if !ok {
			continue
		}

		multiplier := new(big.Rat).Add(big.NewRat(1, 1), bpsRat(deposit.Params.LiquidationPenaltyBps))
		grossNeeded := new(big.Rat).Mul(remaining, multiplier)
		takeUnits := ratDivIntRat(grossNeeded, price)
		if takeUnits.Cmp(deposit.Amount) > 0 {
			takeUnits = cloneInt(deposit.Amount)
		}
		if takeUnits.Sign() == 0 {
			continue
		}

		takeValue := new(big.Rat).SetInt(takeUnits)
		takeValue.Mul(takeValue, price)
		covered := new(big.Rat).Quo(takeValue, multiplier)
		if covered.Cmp(remaining) > 0 {
			covered = new(big.Rat).Set(remaining)
		}

		deposit.Amount = new(big.Int).Sub(deposit.Amount, takeUnits)
		seized.Add(seized, takeValue)
		penalty.Add(penalty, new(big.Rat).Sub(takeValue, covered))
		remaining.Sub(remaining, covered)
	}
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return seized, penalty, remaining
}

func (e *Engine) newEvent(owner, poolID string, tier LiquidationTier, now time.Time) *LiquidationEvent {
	return &LiquidationEvent{
		ID:               uuid.NewString(),
		Borrower:         owner,
		PoolID:           poolID,
		Tier:             tier,
		CollateralSeized: big.NewInt(0),
		DebtRepaid:       big.NewInt(0),
		Penalty:          big.NewInt(0),
		BadDebt:          big.NewInt(0),
		Timestamp:        now,
	}
}

func (e *Engine) emit(h *poolHandle, event *LiquidationEvent) {
	if err := e.sink.Append(*event); err != nil {
		e.logger.Error("liquidation event append failed", "event", event.ID, "error", err)
	}
	observability.Risk().RecordLiquidation(event.PoolID, event.Tier.String())
	e.logger.Info("liquidation action",
		"event", event.ID, "borrower", event.Borrower, "pool", event.PoolID,
		"tier", event.Tier.String(), "repaid", event.DebtRepaid.String(),
		"seized", event.CollateralSeized.String(),
		"hf_before", event.HealthFactorBefore, "hf_after", event.HealthFactorAfter)
}

func cooldownKey(owner, poolID string) string {
	return owner + "|" + poolID
}

func (e *Engine) cooldownActive(owner, poolID string, now time.Time) (bool, LiquidationTier) {
	e.cooldownMu.Lock()
	defer e.cooldownMu.Unlock()
	entry, ok := e.cooldowns[cooldownKey(owner, poolID)]
	if !ok || !now.Before(entry.until) {
		return false, TierNone
	}
	return true, entry.tier
}

func (e *Engine) setCooldown(owner, poolID string, tier LiquidationTier, now time.Time) {
	e.cooldownMu.Lock()
	e.cooldowns[cooldownKey(owner, poolID)] = cooldownEntry{until: now.Add(e.cooldownWindow), tier: tier}
	e.cooldownMu.Unlock()
}
