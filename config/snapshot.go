package config

import (
	"fmt"
	"sort"
	"sync"

	"dualis/lending"
	"dualis/oracle"
)

// Snapshot is an immutable parameter view. It satisfies the engine's
// parameter source interface; a deployed snapshot is never mutated, only
// replaced wholesale through the store.
type Snapshot struct {
	version    uint64
	pools      map[string]lending.RateParams
	collateral map[string]lending.CollateralParams
	tiers      map[lending.CreditTier]lending.CreditTierParams
	oracle     map[string]oracle.Params
}

// Version reports the monotonically increasing configuration version.
func (s *Snapshot) Version() uint64 { return s.version }

// PoolParams resolves the rate curve for a pool.
func (s *Snapshot) PoolParams(poolID string) (lending.RateParams, error) {
	params, ok := s.pools[normalizeAsset(poolID)]
	if !ok {
		return lending.RateParams{}, fmt.Errorf("config: pool %s not configured", poolID)
	}
	return params, nil
}

// CollateralParams resolves the risk parameters for a collateral asset.
func (s *Snapshot) CollateralParams(assetID string) (lending.CollateralParams, error) {
	params, ok := s.collateral[normalizeAsset(assetID)]
	if !ok {
		return lending.CollateralParams{}, fmt.Errorf("config: collateral %s not configured", assetID)
	}
	return params, nil
}

// CreditTierParams resolves the pricing adjustments for a credit tier.
// Unconfigured tiers carry no discount and no override.
func (s *Snapshot) CreditTierParams(tier lending.CreditTier) (lending.CreditTierParams, error) {
	params, ok := s.tiers[tier]
	if !ok {
		return lending.CreditTierParams{Tier: tier}, nil
	}
	return params, nil
}

// OracleParams resolves the feed bounds for an asset, reporting whether a
// feed is configured at all.
func (s *Snapshot) OracleParams(assetID string) (oracle.Params, bool) {
	params, ok := s.oracle[normalizeAsset(assetID)]
	return params, ok
}

// Pools lists the configured pool assets in sorted order.
func (s *Snapshot) Pools() []string {
	assets := make([]string, 0, len(s.pools))
	for asset := range s.pools {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// OracleAssets lists the configured feed assets in sorted order.
func (s *Snapshot) OracleAssets() []string {
	assets := make([]string, 0, len(s.oracle))
	for asset := range s.oracle {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Store hands out the current snapshot and swaps in replacements atomically.
// It implements the engine's parameter source by delegating to whichever
// snapshot is current at call time.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore seeds a store with its initial snapshot.
func NewStore(initial *Snapshot) *Store {
	return &Store{current: initial}
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Swap replaces the active snapshot. The incoming version must be strictly
// greater than the current one so a stale deploy can never roll parameters
// backwards.
func (st *Store) Swap(next *Snapshot) error {
	if next == nil {
		return fmt.Errorf("config: nil snapshot")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current != nil && next.version <= st.current.version {
		return fmt.Errorf("config: snapshot version %d not above current %d", next.version, st.current.version)
	}
	st.current = next
	return nil
}

// PoolParams implements lending.ParamSource.
func (st *Store) PoolParams(poolID string) (lending.RateParams, error) {
	return st.Current().PoolParams(poolID)
}

// CollateralParams implements lending.ParamSource.
func (st *Store) CollateralParams(assetID string) (lending.CollateralParams, error) {
	return st.Current().CollateralParams(assetID)
}

// CreditTierParams implements lending.ParamSource.
func (st *Store) CreditTierParams(tier lending.CreditTier) (lending.CreditTierParams, error) {
	return st.Current().CreditTierParams(tier)
}
