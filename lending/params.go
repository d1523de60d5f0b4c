package lending

import (
	"fmt"
	"time"
)

// CreditTier classifies a borrower's credit standing. The zero value is
// Unrated, which carries no discount and no LTV override.
type CreditTier uint8

const (
	TierUnrated CreditTier = iota
	TierBronze
	TierSilver
	TierGold
	TierDiamond
)

// String renders the tier for logs and events.
func (t CreditTier) String() string {
	switch t {
	case TierDiamond:
		return "diamond"
	case TierGold:
		return "gold"
	case TierSilver:
		return "silver"
	case TierBronze:
		return "bronze"
	default:
		return "unrated"
	}
}

// Valid reports whether the tier is a member of the closed enumeration.
func (t CreditTier) Valid() bool { return t <= TierDiamond }

// CollateralTier classifies a collateral asset by liquidity and credit
// characteristics. Tier parameters are resolved through a single lookup so
// call sites never compare tier strings.
type CollateralTier uint8

const (
	CollateralCrypto CollateralTier = iota
	CollateralRWA
	CollateralReceivable
)

func (t CollateralTier) String() string {
	switch t {
	case CollateralRWA:
		return "rwa"
	case CollateralReceivable:
		return "receivable"
	default:
		return "crypto"
	}
}

// LiquidationTier identifies which stage of the cascade an evaluation
// triggered. Ordering is by increasing severity.
type LiquidationTier uint8

const (
	TierNone LiquidationTier = iota
	TierMarginCall
	TierSoftLiquidation
	TierForcedLiquidation
	TierFullLiquidation
)

func (t LiquidationTier) String() string {
	switch t {
	case TierMarginCall:
		return "margin_call"
	case TierSoftLiquidation:
		return "soft_liquidation"
	case TierForcedLiquidation:
		return "forced_liquidation"
	case TierFullLiquidation:
		return "full_liquidation"
	default:
		return "none"
	}
}

// MoreSevere reports whether t outranks other on the severity axis.
func (t LiquidationTier) MoreSevere(other LiquidationTier) bool { return t > other }

// RateParams bundles the rate-curve and reserve configuration for one pool.
type RateParams struct {
	BaseRateBps      uint64
	Slope1Bps        uint64
	Slope2Bps        uint64
	KinkBps          uint64
	ReserveFactorBps uint64
}

// Model materialises the interest model for these parameters.
func (p RateParams) Model() *InterestModel {
	return NewInterestModel(p.BaseRateBps, p.Slope1Bps, p.Slope2Bps, p.KinkBps)
}

// Validate rejects parameter combinations the curve cannot price.
func (p RateParams) Validate() error {
	if p.KinkBps == 0 || p.KinkBps > 10_000 {
		return fmt.Errorf("rate params: kink %d bps outside (0, 10000]", p.KinkBps)
	}
	if p.ReserveFactorBps > 10_000 {
		return fmt.Errorf("rate params: reserve factor %d bps exceeds 100%%", p.ReserveFactorBps)
	}
	return nil
}

// CollateralParams carries the risk parameters for one collateral asset,
// versioned so a configuration change never retroactively alters an
// in-flight computation.
type CollateralParams struct {
	Tier                    CollateralTier
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	HaircutBps              uint64
	LiquidationPenaltyBps   uint64
	Version                 uint64
}

// Validate rejects internally inconsistent collateral parameters.
func (p CollateralParams) Validate() error {
	if p.LTVBps > 10_000 || p.LiquidationThresholdBps > 10_000 || p.HaircutBps > 10_000 {
		return fmt.Errorf("collateral params: ratio exceeds 100%%")
	}
	if p.LiquidationThresholdBps < p.LTVBps {
		return fmt.Errorf("collateral params: liquidation threshold %d below ltv %d", p.LiquidationThresholdBps, p.LTVBps)
	}
	return nil
}

// CreditTierParams describes the pricing adjustments attached to one credit
// tier.
type CreditTierParams struct {
	Tier            CreditTier
	RateDiscountBps uint64
	MaxLTVBps       uint64
	GracePeriod     time.Duration
}

// ParamSource supplies versioned risk configuration to the engine. The engine
// resolves every parameter used within a single evaluation against the same
// source snapshot.
type ParamSource interface {
	PoolParams(poolID string) (RateParams, error)
	CollateralParams(assetID string) (CollateralParams, error)
	CreditTierParams(tier CreditTier) (CreditTierParams, error)
}

// CreditSource resolves the current credit assessment for a borrower.
type CreditSource interface {
	CreditAssessment(ownerID string) (CreditAssessment, error)
}
