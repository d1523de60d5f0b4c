package lending

import (
	"errors"
	"math/big"
	"time"

	"dualis/oracle"
)

// debtOverride substitutes a projected debt figure for one pool while the
// caller evaluates a not-yet-applied borrow.
type debtOverride struct {
	poolID string
	debt   *big.Int
}

// collateralReduction subtracts a pending withdrawal from one collateral
// asset while the caller evaluates a not-yet-applied release.
type collateralReduction struct {
	assetID string
	amount  *big.Int
}

// healthFactorLocked computes the owner's health factor over the supplied,
// already-locked pool handles:
//
//	HF = sum(collateralValue_i * liquidationThreshold_i * (1 - haircut_i)) / totalDebtValue
//
// Debt valuation requires a price: the gated price when usable, otherwise the
// last accepted one, so an unpriceable asset never understates exposure. If
// neither exists the computation fails rather than guess. Collateral whose
// price is unavailable contributes zero; the asset still exists but cannot be
// counted on while its feed is stale or tripped.
func (e *Engine) healthFactorLocked(owner string, now time.Time, handles map[string]*poolHandle, override *debtOverride, reduction *collateralReduction) (HealthFactor, error) {
	totalDebt := new(big.Rat)
	for poolID, h := range handles {
		debtUnits := big.NewInt(0)
		if override != nil && override.poolID == poolID {
			debtUnits = override.debt
		} else if pos := h.borrows[owner]; pos != nil {
			debtUnits = pos.Debt(h.pool.BorrowIndex)
		}
		if debtUnits.Sign() == 0 {
			continue
		}
		price, err := e.debtPrice(poolID, now)
		if err != nil {
			return HealthFactor{}, err
		}
		value := new(big.Rat).SetInt(debtUnits)
		totalDebt.Add(totalDebt, value.Mul(value, price))
	}
	if totalDebt.Sign() == 0 {
		return HealthFactor{Infinite: true}, nil
	}

	adjusted := new(big.Rat)
	for _, deposit := range e.sortedDeposits(owner) {
		qty := e.effectiveQuantity(deposit, reduction)
		if qty.Sign() <= 0 {
			continue
		}
		price, err := e.prices.Price(deposit.AssetID, now)
		if err != nil {
			continue
		}
		value := new(big.Rat).SetInt(qty)
		value.Mul(value, price)
		value.Mul(value, bpsRat(deposit.Params.LiquidationThresholdBps))
		value.Mul(value, oneMinusBps(deposit.Params.HaircutBps))
		adjusted.Add(adjusted, value)
	}

	return HealthFactor{Value: new(big.Rat).Quo(adjusted, totalDebt)}, nil
}

// checkBorrowCapacity enforces the loan-to-value ceiling on origination: the
// projected total debt value must stay within the haircut-adjusted collateral
// value scaled by each deposit's LTV, further capped by any per-borrower
// override from the credit assessment.
func (e *Engine) checkBorrowCapacity(owner string, now time.Time, handles map[string]*poolHandle, override *debtOverride, maxLTVOverrideBps uint64) error {
	totalDebt := new(big.Rat)
	for poolID, h := range handles {
		debtUnits := big.NewInt(0)
		if override != nil && override.poolID == poolID {
			debtUnits = override.debt
		} else if pos := h.borrows[owner]; pos != nil {
			debtUnits = pos.Debt(h.pool.BorrowIndex)
		}
		if debtUnits.Sign() == 0 {
			continue
		}
		price, err := e.debtPrice(poolID, now)
		if err != nil {
			return err
		}
		value := new(big.Rat).SetInt(debtUnits)
		totalDebt.Add(totalDebt, value.Mul(value, price))
	}

	capacity := new(big.Rat)
	for _, deposit := range e.sortedDeposits(owner) {
		if deposit.Amount.Sign() <= 0 {
			continue
		}
		price, err := e.prices.Price(deposit.AssetID, now)
		if err != nil {
			continue
		}
		ltv := deposit.Params.LTVBps
		if maxLTVOverrideBps > 0 && maxLTVOverrideBps < ltv {
			ltv = maxLTVOverrideBps
		}
		value := new(big.Rat).SetInt(deposit.Amount)
		value.Mul(value, price)
		value.Mul(value, oneMinusBps(deposit.Params.HaircutBps))
		value.Mul(value, bpsRat(ltv))
		capacity.Add(capacity, value)
	}

	if totalDebt.Cmp(capacity) > 0 {
		return ErrInsufficientCollateral
	}
	return nil
}

// debtPrice resolves the valuation price for a pool's underlying asset. Debt
// always gets a price: current when usable, last accepted otherwise.
func (e *Engine) debtPrice(assetID string, now time.Time) (*big.Rat, error) {
	price, err := e.prices.Price(assetID, now)
	if err == nil {
		return price, nil
	}
	if last, ok := e.prices.LastGood(assetID); ok {
		return last, nil
	}
	return nil, wrapOracleErr(assetID, err)
}

func (e *Engine) effectiveQuantity(deposit CollateralDeposit, reduction *collateralReduction) *big.Int {
	if reduction == nil || reduction.assetID != deposit.AssetID {
		return deposit.Amount
	}
	return new(big.Int).Sub(deposit.Amount, reduction.amount)
}

func wrapOracleErr(assetID string, err error) *OracleError {
	wrapped := &OracleError{AssetID: assetID, Err: err}
	var stale *oracle.StaleError
	switch {
	case errors.As(err, &stale):
		wrapped.Staleness = stale.Age
	case errors.Is(err, oracle.ErrBreakerOpen):
		wrapped.Breaker = true
	}
	return wrapped
}
