// Package server exposes the risk engine over HTTP for operators, indexers
// and the liquidation keeper.
package server

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dualis/lending"
	"dualis/oracle"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine    *lending.Engine
	Gate      *oracle.Gate
	Credit    *lending.CreditRegistry
	Logger    *slog.Logger
	RateLimit int
	Burst     int
	Now       func() time.Time
}

// Server wires the engine, oracle gate and credit registry behind a chi
// router.
type Server struct {
	engine *lending.Engine
	gate   *oracle.Gate
	credit *lending.CreditRegistry
	logger *slog.Logger
	now    func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Server{
		engine: cfg.Engine,
		gate:   cfg.Gate,
		credit: cfg.Credit,
		logger: cfg.Logger,
		now:    cfg.Now,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.RateLimit > 0 {
		r.Use(rateLimit(cfg.RateLimit, cfg.Burst, cfg.Logger))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pools/{pool}", func(r chi.Router) {
			r.Get("/", s.handlePoolState)
			r.Post("/accrue", s.handleAccrue)
			r.Post("/supply", s.handleSupply)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/borrow", s.handleBorrow)
			r.Post("/repay", s.handleRepay)
			r.Post("/active", s.handleSetActive)
			r.Post("/clear-fault", s.handleClearFault)
		})
		r.Post("/collateral", s.handleAddCollateral)
		r.Post("/collateral/withdraw", s.handleWithdrawCollateral)
		r.Get("/borrowers/{owner}/health", s.handleHealthFactor)
		r.Post("/borrowers/{owner}/credit", s.handleUpsertCredit)
		r.Post("/liquidations/{pool}/{owner}/evaluate", s.handleEvaluate)
		r.Get("/liquidations", s.handleListEvents)
		r.Route("/oracle", func(r chi.Router) {
			r.Get("/feeds", s.handleFeeds)
			r.Post("/observations", s.handleObservation)
			r.Post("/{asset}/reset", s.handleReset)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "feeds": s.gate.Health()})
}

type poolResponse struct {
	Asset             string `json:"asset"`
	TotalSupply       string `json:"totalSupply"`
	TotalBorrow       string `json:"totalBorrow"`
	Reserves          string `json:"reserves"`
	LiquidatorRewards string `json:"liquidatorRewards"`
	BadDebt           string `json:"badDebt"`
	SupplyIndex       string `json:"supplyIndex"`
	BorrowIndex       string `json:"borrowIndex"`
	LastAccrual       uint64 `json:"lastAccrual"`
	Active            bool   `json:"active"`
	Sequence          uint64 `json:"sequence"`
}

func poolView(pool lending.Pool, seq uint64) poolResponse {
	return poolResponse{
		Asset:             pool.AssetID,
		TotalSupply:       pool.TotalSupply.String(),
		TotalBorrow:       pool.TotalBorrow.String(),
		Reserves:          pool.Reserves.String(),
		LiquidatorRewards: pool.LiquidatorRewards.String(),
		BadDebt:           pool.BadDebt.String(),
		SupplyIndex:       pool.SupplyIndex.String(),
		BorrowIndex:       pool.BorrowIndex.String(),
		LastAccrual:       pool.LastAccrual,
		Active:            pool.Active,
		Sequence:          seq,
	}
}

func (s *Server) handlePoolState(w http.ResponseWriter, r *http.Request) {
	pool, seq, err := s.engine.PoolState(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool, seq))
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	pool, seq, err := s.engine.AccruePool(chi.URLParam(r, "pool"), s.requestTime(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView(pool, seq))
}

type amountRequest struct {
	Owner     string `json:"owner"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type snapshotResponse struct {
	Pool         string  `json:"pool"`
	Owner        string  `json:"owner"`
	Supplied     string  `json:"supplied"`
	Debt         string  `json:"debt"`
	HealthFactor *string `json:"healthFactor,omitempty"`
	Sequence     uint64  `json:"sequence"`
}

func snapshotView(snap *lending.PositionSnapshot) snapshotResponse {
	out := snapshotResponse{
		Pool:     snap.PoolID,
		Owner:    snap.Owner,
		Supplied: snap.Supplied.String(),
		Debt:     snap.Debt.String(),
		Sequence: snap.Sequence,
	}
	if snap.HealthFactor != nil {
		hf := snap.HealthFactor.String()
		out.HealthFactor = &hf
	}
	return out
}

type ledgerOp func(pool, owner string, amount *big.Int, at time.Time) (*lending.PositionSnapshot, error)

func (s *Server) handleLedgerOp(w http.ResponseWriter, r *http.Request, op ledgerOp) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		writeBadRequest(w, "owner is required")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeBadRequest(w, "amount must be a positive integer")
		return
	}
	snap, err := op(chi.URLParam(r, "pool"), owner, amount, s.timeOrNow(req.Timestamp))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.engine.Supply)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.engine.Withdraw)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.engine.Borrow)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.handleLedgerOp(w, r, s.engine.Repay)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	if err := s.engine.SetPoolActive(chi.URLParam(r, "pool"), req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (s *Server) handleClearFault(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearFault(chi.URLParam(r, "pool")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type collateralRequest struct {
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type collateralResponse struct {
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	ParamVersion uint64 `json:"paramVersion"`
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeBadRequest(w, "amount must be a positive integer")
		return
	}
	deposit, err := s.engine.AddCollateral(strings.TrimSpace(req.Owner), strings.TrimSpace(req.Asset), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collateralResponse{
		Owner:        deposit.Owner,
		Asset:        deposit.AssetID,
		Amount:       deposit.Amount.String(),
		ParamVersion: deposit.ParamVersion,
	})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeBadRequest(w, "amount must be a positive integer")
		return
	}
	deposit, err := s.engine.WithdrawCollateral(strings.TrimSpace(req.Owner), strings.TrimSpace(req.Asset), amount, s.timeOrNow(req.Timestamp))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collateralResponse{
		Owner:        deposit.Owner,
		Asset:        deposit.AssetID,
		Amount:       deposit.Amount.String(),
		ParamVersion: deposit.ParamVersion,
	})
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	hf, err := s.engine.GetHealthFactor(chi.URLParam(r, "owner"), s.requestTime(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthFactor": hf.String(),
		"infinite":     hf.Infinite,
	})
}

type creditRequest struct {
	Score     uint32 `json:"score"`
	Tier      string `json:"tier"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (s *Server) handleUpsertCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	tier, ok := parseCreditTier(req.Tier)
	if !ok {
		writeBadRequest(w, "unknown credit tier")
		return
	}
	assessment, err := s.credit.Upsert(chi.URLParam(r, "owner"), req.Score, tier, s.timeOrNow(req.Timestamp))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":           assessment.OwnerID,
		"tier":            assessment.Tier.String(),
		"score":           assessment.Score,
		"rateDiscountBps": assessment.RateDiscountBps,
		"maxLtvBps":       assessment.MaxLTVBps,
		"graceUntil":      timeOrNull(assessment.GraceUntil),
	})
}

type eventResponse struct {
	ID                 string `json:"id"`
	Borrower           string `json:"borrower"`
	Pool               string `json:"pool"`
	Tier               string `json:"tier"`
	CollateralSeized   string `json:"collateralSeized"`
	DebtRepaid         string `json:"debtRepaid"`
	Penalty            string `json:"penalty"`
	BadDebt            string `json:"badDebt"`
	HealthFactorBefore string `json:"healthFactorBefore"`
	HealthFactorAfter  string `json:"healthFactorAfter"`
	Timestamp          int64  `json:"timestamp"`
}

func eventView(event lending.LiquidationEvent) eventResponse {
	return eventResponse{
		ID:                 event.ID,
		Borrower:           event.Borrower,
		Pool:               event.PoolID,
		Tier:               event.Tier.String(),
		CollateralSeized:   event.CollateralSeized.String(),
		DebtRepaid:         event.DebtRepaid.String(),
		Penalty:            event.Penalty.String(),
		BadDebt:            event.BadDebt.String(),
		HealthFactorBefore: event.HealthFactorBefore,
		HealthFactorAfter:  event.HealthFactorAfter,
		Timestamp:          event.Timestamp.Unix(),
	}
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	event, err := s.engine.EvaluateBorrower(chi.URLParam(r, "pool"), chi.URLParam(r, "owner"), s.requestTime(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if event == nil {
		writeJSON(w, http.StatusOK, map[string]any{"action": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": eventView(*event)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := lending.EventFilter{
		Borrower: query.Get("borrower"),
		PoolID:   query.Get("pool"),
	}
	if limit := query.Get("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = parsed
	}
	if offset := query.Get("offset"); offset != "" {
		parsed, err := strconv.Atoi(offset)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = parsed
	}
	events, err := s.engine.ListLiquidationEvents(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]eventResponse, 0, len(events))
	for _, event := range events {
		views = append(views, eventView(event))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

type observationRequest struct {
	Asset      string `json:"asset"`
	Price      string `json:"price"`
	Confidence string `json:"confidence,omitempty"`
	SourceTime int64  `json:"sourceTime"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	price, ok := new(big.Rat).SetString(strings.TrimSpace(req.Price))
	if !ok {
		writeBadRequest(w, "price must be a decimal number")
		return
	}
	obs := oracle.Observation{
		AssetID:    req.Asset,
		Price:      price,
		SourceTime: time.Unix(req.SourceTime, 0).UTC(),
		IngestTime: s.timeOrNow(req.Timestamp),
	}
	if confidence := strings.TrimSpace(req.Confidence); confidence != "" {
		if parsed, ok := new(big.Rat).SetString(confidence); ok {
			obs.Confidence = parsed
		}
	}
	if err := s.gate.Ingest(obs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"feeds": s.gate.Health()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	if err := s.gate.Reset(asset); err != nil {
		writeError(w, err)
		return
	}
	state, err := s.gate.State(asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) requestTime(r *http.Request) time.Time {
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil && unix > 0 {
			return time.Unix(unix, 0).UTC()
		}
	}
	return s.now()
}

func (s *Server) timeOrNow(unix int64) time.Time {
	if unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	return s.now()
}

func parseAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

func parseCreditTier(raw string) (lending.CreditTier, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unrated":
		return lending.TierUnrated, true
	case "bronze":
		return lending.TierBronze, true
	case "silver":
		return lending.TierSilver, true
	case "gold":
		return lending.TierGold, true
	case "diamond":
		return lending.TierDiamond, true
	default:
		return 0, false
	}
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
