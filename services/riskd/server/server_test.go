package server

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dualis/config"
	"dualis/lending"
	"dualis/oracle"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newTestServer(t *testing.T) *Server {
	t.Helper()
	file := &config.File{
		Version: 1,
		Pools: []config.PoolConfig{{
			Asset:            "USDX",
			BaseRateBps:      200,
			Slope1Bps:        700,
			Slope2Bps:        6000,
			KinkBps:          8000,
			ReserveFactorBps: 1000,
		}},
		Collateral: []config.CollateralConfig{{
			Asset:                   "WETH",
			Tier:                    "crypto",
			LTVBps:                  8500,
			LiquidationThresholdBps: 8500,
		}},
		CreditTiers: []config.CreditTierConfig{{
			Tier:            "diamond",
			RateDiscountBps: 2500,
			MaxLTVBps:       9000,
		}},
		Oracle: []config.OracleConfig{
			{Asset: "USDX", MaxStalenessSeconds: 3600, MaxDeviationBps: 500, TWAPWindowSeconds: 1800},
			{Asset: "WETH", MaxStalenessSeconds: 3600, MaxDeviationBps: 500, TWAPWindowSeconds: 1800},
		},
	}
	snapshot, err := file.Snapshot()
	require.NoError(t, err)
	store := config.NewStore(snapshot)

	gate := oracle.NewGate()
	for _, asset := range snapshot.OracleAssets() {
		params, _ := snapshot.OracleParams(asset)
		gate.Track(asset, params)
	}
	for _, asset := range []string{"USDX", "WETH"} {
		require.NoError(t, gate.Ingest(oracle.Observation{
			AssetID:    asset,
			Price:      big.NewRat(1, 1),
			SourceTime: t0,
			IngestTime: t0,
		}))
	}

	credit := lending.NewCreditRegistry(store)
	engine := lending.NewEngine(store, credit, lending.GateSource{Gate: gate})
	require.NoError(t, engine.RegisterPool("USDX", t0))

	return New(Config{
		Engine: engine,
		Gate:   gate,
		Credit: credit,
		Now:    func() time.Time { return t0 },
	})
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestLedgerLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/pools/USDX/supply", map[string]any{"owner": "lp", "amount": "1000000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "1000000", body["supplied"])
	require.Equal(t, float64(1), body["sequence"])

	rec = do(t, srv, http.MethodPost, "/v1/collateral", map[string]any{"owner": "bob", "asset": "WETH", "amount": "100000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/borrow", map[string]any{"owner": "bob", "amount": "50000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	require.Equal(t, "50000", body["debt"])
	require.NotNil(t, body["healthFactor"])

	rec = do(t, srv, http.MethodGet, "/v1/borrowers/bob/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "1.700000", body["healthFactor"])

	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/repay", map[string]any{"owner": "bob", "amount": "50000"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", decode(t, rec)["debt"])

	rec = do(t, srv, http.MethodGet, "/v1/pools/USDX/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "1000000", body["totalSupply"])
	require.Equal(t, "0", body["totalBorrow"])
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/v1/pools/NOPE/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode(t, rec)["code"])

	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/supply", map[string]any{"owner": "lp", "amount": "-5"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// A borrow with no collateral is rejected with structured detail.
	do(t, srv, http.MethodPost, "/v1/pools/USDX/supply", map[string]any{"owner": "lp", "amount": "1000000"})
	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/borrow", map[string]any{"owner": "bob", "amount": "1000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "health_factor_too_low", decode(t, rec)["code"])

	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/active", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodPost, "/v1/pools/USDX/supply", map[string]any{"owner": "lp", "amount": "1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "pool_inactive", decode(t, rec)["code"])
}

func TestOracleEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/oracle/observations", map[string]any{
		"asset":      "WETH",
		"price":      "1.01",
		"sourceTime": t0.Unix(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// A 20% jump against the TWAP trips the breaker.
	rec = do(t, srv, http.MethodPost, "/v1/oracle/observations", map[string]any{
		"asset":      "WETH",
		"price":      "1.25",
		"sourceTime": t0.Unix(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "price_deviation", decode(t, rec)["code"])

	rec = do(t, srv, http.MethodPost, "/v1/oracle/WETH/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "half_open", decode(t, rec)["state"])

	rec = do(t, srv, http.MethodGet, "/v1/oracle/feeds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feeds := decode(t, rec)["feeds"].([]any)
	require.Len(t, feeds, 2)

	rec = do(t, srv, http.MethodPost, "/v1/oracle/observations", map[string]any{
		"asset":      "NOPE",
		"price":      "1",
		"sourceTime": t0.Unix(),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateHealthyReturnsNoAction(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPost, "/v1/pools/USDX/supply", map[string]any{"owner": "lp", "amount": "1000000"})
	do(t, srv, http.MethodPost, "/v1/collateral", map[string]any{"owner": "bob", "asset": "WETH", "amount": "100000"})
	do(t, srv, http.MethodPost, "/v1/pools/USDX/borrow", map[string]any{"owner": "bob", "amount": "50000"})

	rec := do(t, srv, http.MethodPost, "/v1/liquidations/USDX/bob/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Nil(t, decode(t, rec)["action"])

	rec = do(t, srv, http.MethodGet, "/v1/liquidations?borrower=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode(t, rec)["events"])
}

func TestCreditUpsertOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/borrowers/alice/credit", map[string]any{"score": 850, "tier": "diamond"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "diamond", body["tier"])
	require.Equal(t, float64(2500), body["rateDiscountBps"])

	rec = do(t, srv, http.MethodPost, "/v1/borrowers/alice/credit", map[string]any{"score": 850, "tier": "platinum"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
}
