package lending

import (
	"math/big"
	"time"
)

// Pool captures the aggregate accounting state for one underlying asset.
// Amounts are denominated in the asset's smallest unit and expressed as big
// integers; indices are ray scaled and start at 1.0.
type Pool struct {
	// AssetID identifies the underlying asset of the pool.
	AssetID string
	// TotalSupply is the aggregate supplied liquidity including accrued
	// supplier interest.
	TotalSupply *big.Int
	// TotalBorrow tracks the outstanding borrowed amount including accrued
	// interest.
	TotalBorrow *big.Int
	// Reserves holds the protocol share of accrued interest.
	Reserves *big.Int
	// LiquidatorRewards accumulates liquidation penalty premiums pending
	// claim by liquidators.
	LiquidatorRewards *big.Int
	// BadDebt records value the pool could not recover after reserves were
	// exhausted, from liquidation shortfalls and unfunded rate rebates. It
	// is an externally reportable figure, never silently absorbed.
	BadDebt *big.Int
	// SupplyIndex is the cumulative interest index applied to supplier
	// balances, monotonically non-decreasing.
	SupplyIndex *big.Int
	// BorrowIndex is the cumulative interest index applied to borrower
	// debt, monotonically non-decreasing.
	BorrowIndex *big.Int
	// LastAccrual records the unix timestamp of the last index refresh.
	LastAccrual uint64
	// Params holds the rate-curve configuration active for this pool.
	Params RateParams
	// Active gates all mutating operations; pools are deactivated, never
	// deleted.
	Active bool
}

// SupplyPosition records a supplier's claim against one pool. The current
// value is Shares scaled by the growth of the supply index since
// SnapshotIndex.
type SupplyPosition struct {
	Owner         string
	Shares        *big.Int
	SnapshotIndex *big.Int
}

// Value returns the position's current claim under the given supply index.
func (p *SupplyPosition) Value(supplyIndex *big.Int) *big.Int {
	if p == nil || p.Shares == nil || p.Shares.Sign() == 0 {
		return big.NewInt(0)
	}
	if p.SnapshotIndex == nil || p.SnapshotIndex.Sign() == 0 {
		return cloneInt(p.Shares)
	}
	grown := new(big.Int).Mul(p.Shares, supplyIndex)
	return grown.Quo(grown, p.SnapshotIndex)
}

// BorrowPosition records a borrower's outstanding debt against one pool. The
// rate discount captured at open time is frozen for the position's lifetime.
type BorrowPosition struct {
	Owner         string
	Shares        *big.Int
	SnapshotIndex *big.Int
	OpenedAt      time.Time
	// RateDiscountBps is the credit-tier discount resolved when the
	// position was opened.
	RateDiscountBps uint64
	// Tier is the credit tier the discount was derived from, kept for
	// reporting.
	Tier CreditTier
}

// Debt returns the current debt under the given borrow index, with the
// position's frozen rate discount applied to the accrued-interest portion.
func (p *BorrowPosition) Debt(borrowIndex *big.Int) *big.Int {
	grown := p.grossDebt(borrowIndex)
	if grown.Sign() == 0 || p.RateDiscountBps == 0 {
		return grown
	}
	interest := new(big.Int).Sub(grown, p.Shares)
	if interest.Sign() <= 0 {
		return grown
	}
	rebate := mulBpsFloor(interest, p.RateDiscountBps)
	return grown.Sub(grown, rebate)
}

// grossDebt returns the debt grown by the borrow index before the rate
// discount is applied. Pool aggregates accrue at this gross rate; the gap
// between gross and discounted debt must be settled against the pool whenever
// the position re-bases.
func (p *BorrowPosition) grossDebt(borrowIndex *big.Int) *big.Int {
	if p == nil || p.Shares == nil || p.Shares.Sign() == 0 {
		return big.NewInt(0)
	}
	if p.SnapshotIndex == nil || p.SnapshotIndex.Sign() == 0 {
		return cloneInt(p.Shares)
	}
	grown := new(big.Int).Mul(p.Shares, borrowIndex)
	return grown.Quo(grown, p.SnapshotIndex)
}

// CollateralDeposit records collateral pledged by an owner in one asset. The
// parameter version pins the configuration snapshot the deposit references at
// evaluation time.
type CollateralDeposit struct {
	Owner        string
	AssetID      string
	Amount       *big.Int
	Params       CollateralParams
	ParamVersion uint64
}

// CreditAssessment carries a borrower's composite score and tier together
// with the downgrade grace window. A downgrade takes effect for new positions
// only after GraceUntil; existing positions retain the parameters captured at
// their own open time.
type CreditAssessment struct {
	OwnerID         string
	Score           uint32
	Tier            CreditTier
	RateDiscountBps uint64
	MaxLTVBps       uint64
	EffectiveFrom   time.Time
	GraceUntil      time.Time
	// PreviousTier holds the tier in force before a downgrade, applied to
	// new positions until the grace period expires.
	PreviousTier            CreditTier
	PreviousRateDiscountBps uint64
}

// DiscountAt resolves the rate discount applicable to a position opened at
// the given instant, honouring the downgrade grace period.
func (a CreditAssessment) DiscountAt(at time.Time) (CreditTier, uint64) {
	if !a.GraceUntil.IsZero() && at.Before(a.GraceUntil) {
		return a.PreviousTier, a.PreviousRateDiscountBps
	}
	return a.Tier, a.RateDiscountBps
}

// HealthFactor is the ratio of risk-adjusted collateral value to total debt
// value. A borrower with zero debt has an infinite health factor and can
// never be liquidated.
type HealthFactor struct {
	Infinite bool
	Value    *big.Rat
}

// Cmp compares the health factor against a rational bound, treating the
// infinite form as greater than everything.
func (h HealthFactor) Cmp(bound *big.Rat) int {
	if h.Infinite {
		return 1
	}
	if h.Value == nil {
		return -1
	}
	return h.Value.Cmp(bound)
}

// String renders the health factor as a fixed-precision decimal.
func (h HealthFactor) String() string {
	if h.Infinite {
		return "inf"
	}
	if h.Value == nil {
		return "0"
	}
	return h.Value.FloatString(6)
}

// LiquidationEvent is the immutable record of one cascade action. Events are
// append-only and never mutated after emission.
type LiquidationEvent struct {
	ID                 string
	Borrower           string
	PoolID             string
	Tier               LiquidationTier
	CollateralSeized   *big.Int
	DebtRepaid         *big.Int
	Penalty            *big.Int
	BadDebt            *big.Int
	HealthFactorBefore string
	HealthFactorAfter  string
	Timestamp          time.Time
}

// PositionSnapshot is returned from every mutating operation together with
// the pool's monotonically increasing sequence number, letting external
// indexers replay and resume.
type PositionSnapshot struct {
	PoolID   string
	Owner    string
	Supplied *big.Int
	Debt     *big.Int
	// HealthFactor is populated for debt-affecting operations only.
	HealthFactor *HealthFactor
	Sequence     uint64
}
