package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the engine cannot safely run with. It
// reports the first violation found; fixing configuration is an operator
// loop, not a batch job.
func (f *File) Validate() error {
	if len(f.Pools) == 0 {
		return fmt.Errorf("config: at least one pool is required")
	}

	seenPools := make(map[string]struct{}, len(f.Pools))
	for _, pool := range f.Pools {
		asset := normalizeAsset(pool.Asset)
		if asset == "" {
			return fmt.Errorf("config: pool with empty asset")
		}
		if _, dup := seenPools[asset]; dup {
			return fmt.Errorf("config: duplicate pool %s", asset)
		}
		seenPools[asset] = struct{}{}
		if pool.KinkBps == 0 || pool.KinkBps > 10_000 {
			return fmt.Errorf("config: pool %s kink %d bps outside (0, 10000]", asset, pool.KinkBps)
		}
		if pool.ReserveFactorBps > 10_000 {
			return fmt.Errorf("config: pool %s reserve factor %d bps exceeds 100%%", asset, pool.ReserveFactorBps)
		}
	}

	seenCollateral := make(map[string]struct{}, len(f.Collateral))
	for _, col := range f.Collateral {
		asset := normalizeAsset(col.Asset)
		if asset == "" {
			return fmt.Errorf("config: collateral with empty asset")
		}
		if _, dup := seenCollateral[asset]; dup {
			return fmt.Errorf("config: duplicate collateral %s", asset)
		}
		seenCollateral[asset] = struct{}{}
		if _, err := parseCollateralTier(col.Tier); err != nil {
			return err
		}
		if col.LTVBps > 10_000 || col.LiquidationThresholdBps > 10_000 || col.HaircutBps > 10_000 {
			return fmt.Errorf("config: collateral %s ratio exceeds 100%%", asset)
		}
		if col.LiquidationThresholdBps < col.LTVBps {
			return fmt.Errorf("config: collateral %s threshold %d below ltv %d", asset, col.LiquidationThresholdBps, col.LTVBps)
		}
	}

	seenTiers := make(map[string]struct{}, len(f.CreditTiers))
	for _, tier := range f.CreditTiers {
		name := strings.ToLower(strings.TrimSpace(tier.Tier))
		if _, err := parseCreditTier(tier.Tier); err != nil {
			return err
		}
		if _, dup := seenTiers[name]; dup {
			return fmt.Errorf("config: duplicate credit tier %s", name)
		}
		seenTiers[name] = struct{}{}
		if tier.RateDiscountBps > 10_000 || tier.MaxLTVBps > 10_000 {
			return fmt.Errorf("config: credit tier %s bps value exceeds 100%%", name)
		}
	}

	for _, feed := range f.Oracle {
		if normalizeAsset(feed.Asset) == "" {
			return fmt.Errorf("config: oracle feed with empty asset")
		}
		if feed.MaxDeviationBps > 10_000 {
			return fmt.Errorf("config: oracle feed %s deviation bound exceeds 100%%", feed.Asset)
		}
	}
	return nil
}
