// Package oracle validates incoming price observations and guards dependent
// risk computations behind a per-asset circuit breaker.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"dualis/observability"
)

// BreakerState tracks the per-asset circuit breaker:
// Closed -> Open -> HalfOpen -> Closed.
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Observation is one price report for an asset. Staleness is measured from
// SourceTime, the moment the upstream source produced the price, not from
// ingestion.
type Observation struct {
	AssetID    string
	Price      *big.Rat
	Confidence *big.Rat
	SourceTime time.Time
	IngestTime time.Time
}

// Quote is the usable price view handed to risk computations.
type Quote struct {
	Price *big.Rat
	At    time.Time
	Age   time.Duration
}

// Params bounds what the gate accepts for one asset.
type Params struct {
	// MaxStaleness rejects observations whose source timestamp lags now by
	// more than this amount, and marks cached prices unusable once they age
	// past it.
	MaxStaleness time.Duration
	// MaxDeviationBps trips the breaker when a new price deviates from the
	// rolling TWAP by more than this fraction.
	MaxDeviationBps uint64
	// TWAPWindow is the rolling window observations contribute to the TWAP.
	TWAPWindow time.Duration
	// SampleCap bounds the stored history per asset.
	SampleCap int
}

func (p Params) normalised() Params {
	if p.MaxStaleness <= 0 {
		p.MaxStaleness = 5 * time.Minute
	}
	if p.MaxDeviationBps == 0 {
		p.MaxDeviationBps = 500
	}
	if p.TWAPWindow <= 0 {
		p.TWAPWindow = 30 * time.Minute
	}
	if p.SampleCap <= 0 {
		p.SampleCap = 128
	}
	return p
}

var (
	// ErrUnknownAsset is returned for assets the gate was never configured
	// to track.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
	// ErrBreakerOpen is returned while an asset's breaker is open; callers
	// must treat the price as unavailable, never substitute an estimate.
	ErrBreakerOpen = errors.New("oracle: circuit breaker open")
	// ErrNoPrice is returned before any observation has been accepted.
	ErrNoPrice = errors.New("oracle: no usable price")
	// ErrInvalidObservation rejects malformed observations.
	ErrInvalidObservation = errors.New("oracle: invalid observation")
)

// StaleError reports by how much an observation or cached price exceeded the
// staleness bound.
type StaleError struct {
	AssetID string
	Age     time.Duration
	MaxAge  time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("oracle: price for %s stale by %s (max %s)", e.AssetID, e.Age, e.MaxAge)
}

// DeviationError reports a TWAP deviation breach. Emitting it always trips
// the asset's breaker.
type DeviationError struct {
	AssetID      string
	DeviationBps uint64
	BoundBps     uint64
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("oracle: price for %s deviates %d bps from TWAP (bound %d)", e.AssetID, e.DeviationBps, e.BoundBps)
}

type feed struct {
	mu       sync.Mutex
	params   Params
	state    BreakerState
	history  []Observation
	lastGood *Observation
}

// Gate validates observations per asset and exposes breaker-aware reads.
// Ingestion for different assets proceeds concurrently; per-asset state is
// serialised behind the feed mutex.
type Gate struct {
	mu    sync.RWMutex
	feeds map[string]*feed
}

// NewGate constructs an empty gate. Assets must be registered via Track
// before observations are accepted.
func NewGate() *Gate {
	return &Gate{feeds: make(map[string]*feed)}
}

// Track registers an asset with its validation parameters. Re-tracking an
// asset replaces the parameters but preserves history and breaker state.
func (g *Gate) Track(assetID string, params Params) {
	asset := normaliseAsset(assetID)
	if asset == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.feeds[asset]; ok {
		existing.mu.Lock()
		existing.params = params.normalised()
		existing.mu.Unlock()
		return
	}
	g.feeds[asset] = &feed{params: params.normalised()}
}

func (g *Gate) feed(assetID string) (*feed, error) {
	g.mu.RLock()
	f, ok := g.feeds[normaliseAsset(assetID)]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownAsset
	}
	return f, nil
}

// Ingest validates one observation. Stale observations are rejected without
// touching the usable price; a deviation breach rejects the observation and
// trips the breaker to Open. While the breaker is open all observations are
// rejected until a manual Reset moves the feed to HalfOpen, where one fresh
// in-bound observation closes it again.
func (g *Gate) Ingest(obs Observation) error {
	if obs.Price == nil || obs.Price.Sign() <= 0 {
		return ErrInvalidObservation
	}
	f, err := g.feed(obs.AssetID)
	if err != nil {
		return err
	}

	asset := normaliseAsset(obs.AssetID)
	now := obs.IngestTime
	if now.IsZero() {
		now = time.Now().UTC()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	age := now.Sub(obs.SourceTime)
	if age > f.params.MaxStaleness {
		observability.Risk().RecordOracleRejection(asset, "stale")
		return &StaleError{AssetID: asset, Age: age, MaxAge: f.params.MaxStaleness}
	}

	if f.state == BreakerOpen {
		observability.Risk().RecordOracleRejection(asset, "breaker_open")
		return ErrBreakerOpen
	}

	if twap := f.twapLocked(now); twap != nil && twap.Sign() > 0 {
		devBps := deviationBps(obs.Price, twap)
		if devBps > f.params.MaxDeviationBps {
			f.state = BreakerOpen
			observability.Risk().RecordOracleRejection(asset, "deviation")
			observability.Risk().SetBreakerState(asset, int(BreakerOpen))
			return &DeviationError{AssetID: asset, DeviationBps: devBps, BoundBps: f.params.MaxDeviationBps}
		}
	}

	accepted := obs
	accepted.AssetID = asset
	accepted.IngestTime = now
	accepted.Price = new(big.Rat).Set(obs.Price)
	f.history = append(f.history, accepted)
	f.trimLocked(now)
	f.lastGood = &accepted
	if f.state == BreakerHalfOpen {
		f.state = BreakerClosed
		observability.Risk().SetBreakerState(asset, int(BreakerClosed))
	}
	return nil
}

// Price returns the usable price for risk computations. It fails while the
// breaker is open and once the last good observation ages past the staleness
// bound; callers must value affected collateral at zero rather than estimate.
func (g *Gate) Price(assetID string, now time.Time) (Quote, error) {
	f, err := g.feed(assetID)
	if err != nil {
		return Quote{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == BreakerOpen || f.state == BreakerHalfOpen {
		return Quote{}, ErrBreakerOpen
	}
	if f.lastGood == nil {
		return Quote{}, ErrNoPrice
	}
	age := now.Sub(f.lastGood.SourceTime)
	if age > f.params.MaxStaleness {
		return Quote{}, &StaleError{AssetID: normaliseAsset(assetID), Age: age, MaxAge: f.params.MaxStaleness}
	}
	return Quote{Price: new(big.Rat).Set(f.lastGood.Price), At: f.lastGood.SourceTime, Age: age}, nil
}

// LastGood returns the most recently accepted price regardless of breaker
// state or age. Debt valuation falls back to it so an unpriceable asset never
// understates outstanding debt.
func (g *Gate) LastGood(assetID string) (Quote, bool) {
	f, err := g.feed(assetID)
	if err != nil {
		return Quote{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastGood == nil {
		return Quote{}, false
	}
	return Quote{Price: new(big.Rat).Set(f.lastGood.Price), At: f.lastGood.SourceTime}, true
}

// TWAP reports the rolling average price over the configured window.
func (g *Gate) TWAP(assetID string, now time.Time) (*big.Rat, error) {
	f, err := g.feed(assetID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	twap := f.twapLocked(now)
	if twap == nil {
		return nil, ErrNoPrice
	}
	return twap, nil
}

// State reports the breaker state for an asset.
func (g *Gate) State(assetID string) (BreakerState, error) {
	f, err := g.feed(assetID)
	if err != nil {
		return BreakerClosed, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

// Reset is the manual governance action moving an open breaker to HalfOpen.
// The gate then requires one fresh in-bound observation before fully closing.
// Resetting a feed that is not open is a no-op.
func (g *Gate) Reset(assetID string) error {
	f, err := g.feed(assetID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == BreakerOpen {
		f.state = BreakerHalfOpen
		observability.Risk().SetBreakerState(normaliseAsset(assetID), int(BreakerHalfOpen))
	}
	return nil
}

// FeedStatus summarises one tracked asset for health reporting.
type FeedStatus struct {
	AssetID      string
	State        BreakerState
	LastObserved time.Time
	Observations int
}

// Health reports per-asset feed status, sorted by asset for stable output.
func (g *Gate) Health() []FeedStatus {
	g.mu.RLock()
	assets := make([]string, 0, len(g.feeds))
	for asset := range g.feeds {
		assets = append(assets, asset)
	}
	g.mu.RUnlock()
	sort.Strings(assets)

	statuses := make([]FeedStatus, 0, len(assets))
	for _, asset := range assets {
		f, err := g.feed(asset)
		if err != nil {
			continue
		}
		f.mu.Lock()
		status := FeedStatus{AssetID: asset, State: f.state, Observations: len(f.history)}
		if f.lastGood != nil {
			status.LastObserved = f.lastGood.SourceTime
		}
		f.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

func (f *feed) twapLocked(now time.Time) *big.Rat {
	if len(f.history) == 0 {
		return nil
	}
	cutoff := now.Add(-f.params.TWAPWindow)
	sum := new(big.Rat)
	used := 0
	for _, entry := range f.history {
		if entry.SourceTime.Before(cutoff) {
			continue
		}
		sum.Add(sum, entry.Price)
		used++
	}
	if used == 0 {
		return nil
	}
	return sum.Quo(sum, new(big.Rat).SetInt64(int64(used)))
}

func (f *feed) trimLocked(now time.Time) {
	cutoff := now.Add(-f.params.TWAPWindow)
	filtered := f.history[:0]
	for _, entry := range f.history {
		if entry.SourceTime.Before(cutoff) {
			continue
		}
		filtered = append(filtered, entry)
	}
	f.history = filtered
	if len(f.history) > f.params.SampleCap {
		f.history = append([]Observation{}, f.history[len(f.history)-f.params.SampleCap:]...)
	}
}

func deviationBps(price, twap *big.Rat) uint64 {
	diff := new(big.Rat).Sub(price, twap)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	ratio := diff.Quo(diff, twap)
	ratio.Mul(ratio, new(big.Rat).SetInt64(10_000))
	bps := new(big.Int).Quo(ratio.Num(), ratio.Denom())
	if !bps.IsUint64() {
		return ^uint64(0)
	}
	return bps.Uint64()
}

func normaliseAsset(assetID string) string {
	return strings.ToUpper(strings.TrimSpace(assetID))
}
