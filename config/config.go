// Package config loads the risk-parameter configuration and exposes it as
// immutable versioned snapshots. A snapshot is swapped in atomically; a
// computation resolves every parameter it needs against the snapshot it
// started with and never observes a half-applied change.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dualis/lending"
	"dualis/oracle"
)

// File mirrors the on-disk TOML layout.
type File struct {
	Version     uint64             `toml:"Version"`
	Service     ServiceConfig      `toml:"Service"`
	Pools       []PoolConfig       `toml:"Pools"`
	Collateral  []CollateralConfig `toml:"Collateral"`
	CreditTiers []CreditTierConfig `toml:"CreditTiers"`
	Oracle      []OracleConfig     `toml:"Oracle"`
}

// ServiceConfig carries the daemon-level settings.
type ServiceConfig struct {
	ListenAddress           string `toml:"ListenAddress"`
	Environment             string `toml:"Environment"`
	LogFile                 string `toml:"LogFile"`
	RateLimitPerSecond      int    `toml:"RateLimitPerSecond"`
	RateLimitBurst          int    `toml:"RateLimitBurst"`
	CooldownSeconds         int64  `toml:"CooldownSeconds"`
	EventStoreDSN           string `toml:"EventStoreDSN"`
	ShutdownTimeoutSeconds  int64  `toml:"ShutdownTimeoutSeconds"`
	EvaluationIntervalSecs  int64  `toml:"EvaluationIntervalSeconds"`
	MetricsEnabled          bool   `toml:"MetricsEnabled"`
	AllowUnauthenticatedOps bool   `toml:"AllowUnauthenticatedOps"`
}

// PoolConfig declares one lending pool and its rate curve.
type PoolConfig struct {
	Asset            string `toml:"Asset"`
	BaseRateBps      uint64 `toml:"BaseRateBps"`
	Slope1Bps        uint64 `toml:"Slope1Bps"`
	Slope2Bps        uint64 `toml:"Slope2Bps"`
	KinkBps          uint64 `toml:"KinkBps"`
	ReserveFactorBps uint64 `toml:"ReserveFactorBps"`
}

// CollateralConfig declares the risk parameters of one collateral asset.
type CollateralConfig struct {
	Asset                   string `toml:"Asset"`
	Tier                    string `toml:"Tier"`
	LTVBps                  uint64 `toml:"LTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	HaircutBps              uint64 `toml:"HaircutBps"`
	LiquidationPenaltyBps   uint64 `toml:"LiquidationPenaltyBps"`
}

// CreditTierConfig declares the pricing adjustments of one credit tier.
type CreditTierConfig struct {
	Tier               string `toml:"Tier"`
	RateDiscountBps    uint64 `toml:"RateDiscountBps"`
	MaxLTVBps          uint64 `toml:"MaxLTVBps"`
	GracePeriodSeconds int64  `toml:"GracePeriodSeconds"`
}

// OracleConfig declares the validation bounds for one price feed.
type OracleConfig struct {
	Asset               string `toml:"Asset"`
	MaxStalenessSeconds int64  `toml:"MaxStalenessSeconds"`
	MaxDeviationBps     uint64 `toml:"MaxDeviationBps"`
	TWAPWindowSeconds   int64  `toml:"TWAPWindowSeconds"`
	SampleCap           int    `toml:"SampleCap"`
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	file := &File{}
	meta, err := toml.DecodeFile(path, file)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}
	file.applyDefaults()
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) applyDefaults() {
	if strings.TrimSpace(f.Service.ListenAddress) == "" {
		f.Service.ListenAddress = ":8445"
	}
	if strings.TrimSpace(f.Service.Environment) == "" {
		f.Service.Environment = "dev"
	}
	if f.Service.RateLimitPerSecond <= 0 {
		f.Service.RateLimitPerSecond = 50
	}
	if f.Service.RateLimitBurst <= 0 {
		f.Service.RateLimitBurst = 2 * f.Service.RateLimitPerSecond
	}
	if f.Service.CooldownSeconds <= 0 {
		f.Service.CooldownSeconds = 3600
	}
	if f.Service.ShutdownTimeoutSeconds <= 0 {
		f.Service.ShutdownTimeoutSeconds = 15
	}
	if f.Version == 0 {
		f.Version = 1
	}
}

// Snapshot materialises the immutable parameter view handed to the engine.
func (f *File) Snapshot() (*Snapshot, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	snap := &Snapshot{
		version:    f.Version,
		pools:      make(map[string]lending.RateParams, len(f.Pools)),
		collateral: make(map[string]lending.CollateralParams, len(f.Collateral)),
		tiers:      make(map[lending.CreditTier]lending.CreditTierParams, len(f.CreditTiers)),
		oracle:     make(map[string]oracle.Params, len(f.Oracle)),
	}
	for _, pool := range f.Pools {
		snap.pools[normalizeAsset(pool.Asset)] = lending.RateParams{
			BaseRateBps:      pool.BaseRateBps,
			Slope1Bps:        pool.Slope1Bps,
			Slope2Bps:        pool.Slope2Bps,
			KinkBps:          pool.KinkBps,
			ReserveFactorBps: pool.ReserveFactorBps,
		}
	}
	for _, col := range f.Collateral {
		tier, err := parseCollateralTier(col.Tier)
		if err != nil {
			return nil, err
		}
		snap.collateral[normalizeAsset(col.Asset)] = lending.CollateralParams{
			Tier:                    tier,
			LTVBps:                  col.LTVBps,
			LiquidationThresholdBps: col.LiquidationThresholdBps,
			HaircutBps:              col.HaircutBps,
			LiquidationPenaltyBps:   col.LiquidationPenaltyBps,
			Version:                 f.Version,
		}
	}
	for _, tier := range f.CreditTiers {
		credit, err := parseCreditTier(tier.Tier)
		if err != nil {
			return nil, err
		}
		snap.tiers[credit] = lending.CreditTierParams{
			Tier:            credit,
			RateDiscountBps: tier.RateDiscountBps,
			MaxLTVBps:       tier.MaxLTVBps,
			GracePeriod:     time.Duration(tier.GracePeriodSeconds) * time.Second,
		}
	}
	for _, feed := range f.Oracle {
		snap.oracle[normalizeAsset(feed.Asset)] = oracle.Params{
			MaxStaleness:    time.Duration(feed.MaxStalenessSeconds) * time.Second,
			MaxDeviationBps: feed.MaxDeviationBps,
			TWAPWindow:      time.Duration(feed.TWAPWindowSeconds) * time.Second,
			SampleCap:       feed.SampleCap,
		}
	}
	return snap, nil
}

func parseCollateralTier(value string) (lending.CollateralTier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "crypto":
		return lending.CollateralCrypto, nil
	case "rwa":
		return lending.CollateralRWA, nil
	case "receivable":
		return lending.CollateralReceivable, nil
	default:
		return 0, fmt.Errorf("config: unknown collateral tier %q", value)
	}
}

func parseCreditTier(value string) (lending.CreditTier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "unrated":
		return lending.TierUnrated, nil
	case "bronze":
		return lending.TierBronze, nil
	case "silver":
		return lending.TierSilver, nil
	case "gold":
		return lending.TierGold, nil
	case "diamond":
		return lending.TierDiamond, nil
	default:
		return 0, fmt.Errorf("config: unknown credit tier %q", value)
	}
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
