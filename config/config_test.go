package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dualis/lending"
)

const sampleConfig = `
Version = 3

[Service]
ListenAddress = ":9000"
Environment = "staging"
RateLimitPerSecond = 25
CooldownSeconds = 1800

[[Pools]]
Asset = "usdx"
BaseRateBps = 200
Slope1Bps = 700
Slope2Bps = 6000
KinkBps = 8000
ReserveFactorBps = 1000

[[Collateral]]
Asset = "WETH"
Tier = "crypto"
LTVBps = 8000
LiquidationThresholdBps = 8500
HaircutBps = 500
LiquidationPenaltyBps = 500

[[Collateral]]
Asset = "TBILL"
Tier = "rwa"
LTVBps = 9000
LiquidationThresholdBps = 9500
HaircutBps = 1000

[[CreditTiers]]
Tier = "diamond"
RateDiscountBps = 2500
MaxLTVBps = 9000
GracePeriodSeconds = 259200

[[Oracle]]
Asset = "WETH"
MaxStalenessSeconds = 300
MaxDeviationBps = 500
TWAPWindowSeconds = 1800
SampleCap = 128
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "riskd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSample(t *testing.T) {
	file, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, uint64(3), file.Version)
	require.Equal(t, ":9000", file.Service.ListenAddress)
	require.Equal(t, 25, file.Service.RateLimitPerSecond)
	// Burst defaults to twice the rate when unset.
	require.Equal(t, 50, file.Service.RateLimitBurst)

	snap, err := file.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Version())
	require.Equal(t, []string{"USDX"}, snap.Pools())

	pool, err := snap.PoolParams("USDX")
	require.NoError(t, err)
	require.Equal(t, uint64(8000), pool.KinkBps)

	// Asset lookup is case-insensitive.
	_, err = snap.PoolParams("usdx")
	require.NoError(t, err)

	weth, err := snap.CollateralParams("WETH")
	require.NoError(t, err)
	require.Equal(t, lending.CollateralCrypto, weth.Tier)
	require.Equal(t, uint64(3), weth.Version)

	tbill, err := snap.CollateralParams("TBILL")
	require.NoError(t, err)
	require.Equal(t, lending.CollateralRWA, tbill.Tier)

	diamond, err := snap.CreditTierParams(lending.TierDiamond)
	require.NoError(t, err)
	require.Equal(t, uint64(2500), diamond.RateDiscountBps)
	require.Equal(t, 72*time.Hour, diamond.GracePeriod)

	// Unconfigured tiers resolve to a zero adjustment, not an error.
	bronze, err := snap.CreditTierParams(lending.TierBronze)
	require.NoError(t, err)
	require.Zero(t, bronze.RateDiscountBps)

	feed, ok := snap.OracleParams("weth")
	require.True(t, ok)
	require.Equal(t, 5*time.Minute, feed.MaxStaleness)
	_, ok = snap.OracleParams("TBILL")
	require.False(t, ok)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, sampleConfig+"\nBogusKey = true\n"))
	require.ErrorContains(t, err, "unknown key")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	cases := map[string]func(*File){
		"no pools": func(f *File) { f.Pools = nil },
		"zero kink": func(f *File) {
			f.Pools[0].KinkBps = 0
		},
		"threshold below ltv": func(f *File) {
			f.Collateral[0].LiquidationThresholdBps = f.Collateral[0].LTVBps - 1
		},
		"duplicate pool": func(f *File) {
			f.Pools = append(f.Pools, f.Pools[0])
		},
		"unknown collateral tier": func(f *File) {
			f.Collateral[0].Tier = "beanie-babies"
		},
		"oracle deviation above 100%": func(f *File) {
			f.Oracle[0].MaxDeviationBps = 10_001
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			file, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			mutate(file)
			require.Error(t, file.Validate())
		})
	}
}

func TestStoreSwapRequiresNewerVersion(t *testing.T) {
	file, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	first, err := file.Snapshot()
	require.NoError(t, err)

	store := NewStore(first)
	require.Equal(t, uint64(3), store.Current().Version())

	// Same version is refused.
	require.Error(t, store.Swap(first))

	file.Version = 4
	second, err := file.Snapshot()
	require.NoError(t, err)
	require.NoError(t, store.Swap(second))
	require.Equal(t, uint64(4), store.Current().Version())

	// Collateral params in the new snapshot carry the new version.
	weth, err := store.CollateralParams("WETH")
	require.NoError(t, err)
	require.Equal(t, uint64(4), weth.Version)
}
