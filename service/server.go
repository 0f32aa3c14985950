// Package service exposes the position tracking engine over a REST API.
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"levman/crypto"
	"levman/leverage"
	"levman/permit"
	"levman/pool"
)

const shutdownGrace = 10 * time.Second

// Server wires the engine to HTTP handlers, authentication, and rate
// limiting.
type Server struct {
	engine  *leverage.Engine
	logger  *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
}

// Config collects the server dependencies.
type Config struct {
	Engine            *leverage.Engine
	Logger            *slog.Logger
	Auth              AuthConfig
	RequestsPerSecond float64
	Burst             int
}

// NewServer builds the server. The engine is required; a nil logger falls
// back to slog.Default.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("service: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  cfg.Engine,
		logger:  logger,
		auth:    newAuthenticator(cfg.Auth, logger),
		limiter: newRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
	}, nil
}

// Handler assembles the route tree. Health and metrics stay outside the
// authenticated surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.middleware)
		v1.Use(s.auth.middleware)

		v1.Post("/positions", s.handleCreatePosition)
		v1.Get("/positions", s.handleListPositions)
		v1.Get("/positions/{id}", s.handleGetPosition)
		v1.Post("/positions/{id}/collateral", s.handleAddCollateral)
		v1.Post("/positions/{id}/collateral/withdraw", s.handleWithdrawCollateral)
		v1.Post("/positions/{id}/borrow", s.handleIncreaseBorrow)
		v1.Post("/positions/{id}/repay", s.handleRepayDebt)
		v1.Post("/positions/{id}/close", s.handleClosePosition)
		v1.Post("/positions/{id}/liquidate", s.handleLiquidate)

		v1.Post("/supplies", s.handleOpenSupply)
		v1.Get("/supplies", s.handleListSupplies)
		v1.Get("/supplies/stats", s.handleSupplyStats)
		v1.Get("/supplies/{id}", s.handleGetSupply)
		v1.Post("/supplies/{id}/increase", s.handleIncreaseSupply)
		v1.Post("/supplies/{id}/withdraw", s.handleWithdrawSupply)
		v1.Post("/supplies/{id}/close", s.handleCloseSupply)

		v1.Get("/risk", s.handleAccountRisk)
		v1.Get("/receipt-token", s.handleReceiptToken)

		v1.Post("/admin/positions/{id}/close", s.handleAdminClose)
	})

	return otelhttp.NewHandler(r, "levman.api")
}

type permitBody struct {
	Asset     string `json:"asset"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Value     string `json:"value"`
	Nonce     string `json:"nonce"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

func (p *permitBody) authorization() (permit.Authorization, error) {
	owner, err := crypto.DecodeAddress(p.Owner)
	if err != nil {
		return permit.Authorization{}, fmt.Errorf("permit owner: %w", err)
	}
	spender, err := crypto.DecodeAddress(p.Spender)
	if err != nil {
		return permit.Authorization{}, fmt.Errorf("permit spender: %w", err)
	}
	value, err := parseAmount(p.Value)
	if err != nil {
		return permit.Authorization{}, fmt.Errorf("permit value: %w", err)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(p.Signature), "0x"))
	if err != nil {
		return permit.Authorization{}, fmt.Errorf("permit signature: %w", err)
	}
	return permit.Authorization{
		Asset:     strings.TrimSpace(p.Asset),
		Owner:     owner,
		Spender:   spender,
		Value:     value,
		Nonce:     p.Nonce,
		Deadline:  p.Deadline,
		Signature: signature,
	}, nil
}

type positionResponse struct {
	ID               uint64 `json:"id"`
	Owner            string `json:"owner"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	BorrowAsset      string `json:"borrowAsset"`
	BorrowAmount     string `json:"borrowAmount"`
	RateMode         string `json:"rateMode"`
	Active           bool   `json:"active"`
}

func renderPosition(p *leverage.Position) positionResponse {
	return positionResponse{
		ID:               p.ID,
		Owner:            p.Owner.String(),
		CollateralAsset:  p.CollateralAsset,
		CollateralAmount: p.CollateralAmount.String(),
		BorrowAsset:      p.BorrowAsset,
		BorrowAmount:     p.BorrowAmount.String(),
		RateMode:         p.RateMode.String(),
		Active:           p.Active,
	}
}

type supplyResponse struct {
	ID     uint64 `json:"id"`
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Active bool   `json:"active"`
}

func renderSupply(p *leverage.SupplyPosition) supplyResponse {
	return supplyResponse{
		ID:     p.ID,
		Owner:  p.Owner.String(),
		Asset:  p.Asset,
		Amount: p.Amount.String(),
		Active: p.Active,
	}
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid position id %q", raw)
	}
	return id, nil
}

func parseRateMode(raw string) (pool.RateMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "stable":
		return pool.RateModeStable, nil
	case "variable", "":
		return pool.RateModeVariable, nil
	default:
		return 0, fmt.Errorf("invalid rate mode %q", raw)
	}
}

type createPositionRequest struct {
	Caller           string `json:"caller"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	BorrowAsset      string `json:"borrowAsset"`
	BorrowAmount     string `json:"borrowAmount"`
	RateMode         string `json:"rateMode"`
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	collateral, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("collateral amount: %v", err))
		return
	}
	borrow, err := parseAmount(req.BorrowAmount)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("borrow amount: %v", err))
		return
	}
	mode, err := parseRateMode(req.RateMode)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	position, err := s.engine.CreatePosition(r.Context(), caller, strings.TrimSpace(req.CollateralAsset), collateral, strings.TrimSpace(req.BorrowAsset), borrow, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPosition(position))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	position, err := s.engine.PositionByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(position))
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("owner: %v", err))
		return
	}
	var positions []*leverage.Position
	if r.URL.Query().Get("active") == "true" {
		positions, err = s.engine.ActivePositionsByOwner(owner)
	} else {
		positions, err = s.engine.PositionsByOwner(owner)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, position := range positions {
		out = append(out, renderPosition(position))
	}
	writeJSON(w, http.StatusOK, out)
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) decodeAmountRequest(w http.ResponseWriter, r *http.Request) (crypto.Address, uint64, *big.Int, bool) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return crypto.Address{}, 0, nil, false
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return crypto.Address{}, 0, nil, false
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return crypto.Address{}, 0, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return crypto.Address{}, 0, nil, false
	}
	return caller, id, amount, true
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	caller, id, amount, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.AddCollateral(r.Context(), caller, id, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	caller, id, amount, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	released, err := s.engine.WithdrawCollateral(r.Context(), caller, id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released": released.String()})
}

func (s *Server) handleIncreaseBorrow(w http.ResponseWriter, r *http.Request) {
	caller, id, amount, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	borrowed, err := s.engine.IncreaseBorrow(r.Context(), caller, id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"borrowed": borrowed.String()})
}

type repayRequest struct {
	Caller string      `json:"caller"`
	Amount string      `json:"amount"`
	Permit *permitBody `json:"permit,omitempty"`
}

func (s *Server) handleRepayDebt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req repayRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var applied *big.Int
	if req.Permit != nil {
		auth, err := req.Permit.authorization()
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		applied, err = s.engine.RepayDebtWithPermit(r.Context(), caller, id, amount, auth)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		applied, err = s.engine.RepayDebt(r.Context(), caller, id, amount)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"applied": applied.String()})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	if err := s.engine.ClosePosition(r.Context(), caller, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type liquidateRequest struct {
	Caller              string `json:"caller"`
	DebtToCover         string `json:"debtToCover"`
	ReceiveReceiptToken bool   `json:"receiveReceiptToken"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req liquidateRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	debtToCover, err := parseAmount(req.DebtToCover)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	seized, covered, err := s.engine.Liquidate(r.Context(), caller, id, debtToCover, req.ReceiveReceiptToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"collateralSeized": seized.String(),
		"debtCovered":      covered.String(),
	})
}

type adminCloseRequest struct {
	Caller    string `json:"caller"`
	Emergency bool   `json:"emergency"`
}

func (s *Server) handleAdminClose(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req adminCloseRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	if err := s.engine.AdminClosePosition(r.Context(), caller, id, req.Emergency); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type openSupplyRequest struct {
	Caller string      `json:"caller"`
	Asset  string      `json:"asset"`
	Amount string      `json:"amount"`
	Permit *permitBody `json:"permit,omitempty"`
}

func (s *Server) handleOpenSupply(w http.ResponseWriter, r *http.Request) {
	var req openSupplyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var position *leverage.SupplyPosition
	if req.Permit != nil {
		auth, err := req.Permit.authorization()
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		position, err = s.engine.OpenSupplyWithPermit(r.Context(), caller, strings.TrimSpace(req.Asset), amount, auth)
		if err != nil {
			writeError(w, err)
			return
		}
	} else {
		position, err = s.engine.OpenSupply(r.Context(), caller, strings.TrimSpace(req.Asset), amount)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, renderSupply(position))
}

func (s *Server) handleGetSupply(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	position, err := s.engine.SupplyByID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderSupply(position))
}

func (s *Server) handleListSupplies(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.DecodeAddress(r.URL.Query().Get("owner"))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("owner: %v", err))
		return
	}
	positions, err := s.engine.SuppliesByOwner(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]supplyResponse, 0, len(positions))
	for _, position := range positions {
		out = append(out, renderSupply(position))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSupplyStats(w http.ResponseWriter, r *http.Request) {
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		writeBadRequest(w, "asset query parameter required")
		return
	}
	total, err := s.engine.AggregateSupply(asset)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.engine.ActiveSupplyCount()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":           asset,
		"aggregateSupply": total.String(),
		"activePositions": count,
	})
}

func (s *Server) handleIncreaseSupply(w http.ResponseWriter, r *http.Request) {
	caller, id, amount, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.IncreaseSupply(r.Context(), caller, id, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdrawSupply(w http.ResponseWriter, r *http.Request) {
	caller, id, amount, ok := s.decodeAmountRequest(w, r)
	if !ok {
		return
	}
	released, err := s.engine.WithdrawSupply(r.Context(), caller, id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released": released.String()})
}

func (s *Server) handleCloseSupply(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	caller, err := crypto.DecodeAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("caller: %v", err))
		return
	}
	released, err := s.engine.CloseSupply(r.Context(), caller, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"released": released.String()})
}

func (s *Server) handleAccountRisk(w http.ResponseWriter, r *http.Request) {
	risk, err := s.engine.AccountRisk(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"totalCollateralValue": amountOrZero(risk.TotalCollateralValue),
		"totalDebtValue":       amountOrZero(risk.TotalDebtValue),
		"availableBorrowValue": amountOrZero(risk.AvailableBorrowValue),
		"liquidationThreshold": amountOrZero(risk.LiquidationThreshold),
		"loanToValue":          amountOrZero(risk.LoanToValue),
		"healthFactor":         amountOrZero(risk.HealthFactor),
	})
}

func amountOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) handleReceiptToken(w http.ResponseWriter, r *http.Request) {
	asset := strings.TrimSpace(r.URL.Query().Get("asset"))
	if asset == "" {
		writeBadRequest(w, "asset query parameter required")
		return
	}
	address, err := s.engine.ReceiptToken(r.Context(), asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "receiptToken": address.String()})
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, listen string, certPath, keyPath string) error {
	server := &http.Server{Addr: listen, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if certPath != "" && keyPath != "" {
			err = server.ListenAndServeTLS(certPath, keyPath)
		} else {
			err = server.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
