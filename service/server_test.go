package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"levman/crypto"
	"levman/leverage"
	"levman/pool"
	"levman/state"
	"levman/storage"
)

const testToken = "test-token"

type stubPool struct {
	risk pool.AccountRisk
}

func (p *stubPool) Supply(context.Context, string, *big.Int, crypto.Address, uint16) error {
	return nil
}

func (p *stubPool) Withdraw(_ context.Context, _ string, amount *big.Int, _ crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (p *stubPool) Borrow(context.Context, string, *big.Int, pool.RateMode, uint16, crypto.Address) error {
	return nil
}

func (p *stubPool) Repay(_ context.Context, _ string, amount *big.Int, _ pool.RateMode, _ crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

func (p *stubPool) SetCollateralFlag(context.Context, string, bool) error { return nil }

func (p *stubPool) AccountRisk(context.Context, crypto.Address) (pool.AccountRisk, error) {
	return p.risk, nil
}

func (p *stubPool) Liquidate(context.Context, string, string, crypto.Address, *big.Int, bool) (pool.LiquidationResult, error) {
	return pool.LiquidationResult{CollateralSeized: big.NewInt(0), DebtCovered: big.NewInt(0)}, nil
}

func (p *stubPool) ReceiptTokenAddress(context.Context, string) (crypto.Address, error) {
	raw := make([]byte, 20)
	raw[19] = 0xFE
	return crypto.NewAddress(raw), nil
}

func (p *stubPool) SupplyWithPermit(context.Context, string, *big.Int, crypto.Address, uint16, pool.PermitData) error {
	return nil
}

func (p *stubPool) RepayWithPermit(_ context.Context, _ string, amount *big.Int, _ pool.RateMode, _ crypto.Address, _ pool.PermitData) (*big.Int, error) {
	return new(big.Int).Set(amount), nil
}

type stubMover struct{}

func (stubMover) Pull(context.Context, string, crypto.Address, *big.Int) error { return nil }
func (stubMover) Push(context.Context, string, crypto.Address, *big.Int) error { return nil }
func (stubMover) BalanceOf(context.Context, string, crypto.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func serverAddr(last byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = last
	return crypto.NewAddress(raw)
}

func newTestServer(t *testing.T) (*httptest.Server, crypto.Address) {
	t.Helper()
	engine := leverage.NewEngine(serverAddr(0xAA), serverAddr(0xAD))
	engine.SetLedger(state.NewLedger(storage.NewMemDB()))
	engine.SetPool(&stubPool{risk: pool.AccountRisk{
		TotalDebtValue:       big.NewInt(10),
		AvailableBorrowValue: big.NewInt(100),
		HealthFactor:         new(big.Int).Mul(pool.HealthFactorOne, big.NewInt(2)),
	}})
	engine.SetTokenMover(stubMover{})

	server, err := NewServer(Config{
		Engine:            engine,
		Auth:              AuthConfig{APITokens: []string{testToken}},
		RequestsPerSecond: 100,
		Burst:             100,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, serverAddr(0x01)
}

func doJSON(t *testing.T, method, url string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthzIsOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, owner := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/positions?owner="+owner.String(), nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/positions?owner="+owner.String(), nil, "wrong-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestCreatePositionEndToEnd(t *testing.T) {
	ts, owner := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/positions", map[string]string{
		"caller":           owner.String(),
		"collateralAsset":  "WETH",
		"collateralAmount": "100",
		"borrowAsset":      "USDC",
		"borrowAmount":     "50",
		"rateMode":         "variable",
	}, testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created positionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID != 1 || created.BorrowAmount != "50" || !created.Active {
		t.Fatalf("unexpected position %+v", created)
	}

	get := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/positions/%d", ts.URL, created.ID), nil, testToken)
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode)
	}

	list := doJSON(t, http.MethodGet, ts.URL+"/v1/positions?owner="+owner.String()+"&active=true", nil, testToken)
	defer list.Body.Close()
	var positions []positionResponse
	if err := json.NewDecoder(list.Body).Decode(&positions); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 active position, got %d", len(positions))
	}
}

func TestUnknownPositionIs404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/positions/99", nil, testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	ts, owner := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/positions", map[string]string{
		"caller":           owner.String(),
		"collateralAsset":  "WETH",
		"collateralAmount": "not-a-number",
		"borrowAsset":      "USDC",
		"borrowAmount":     "50",
	}, testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/positions", map[string]string{
		"caller":           "bogus",
		"collateralAsset":  "WETH",
		"collateralAmount": "100",
		"borrowAsset":      "USDC",
		"borrowAmount":     "50",
	}, testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad caller, got %d", resp.StatusCode)
	}
}

func TestForbiddenMutationIs403(t *testing.T) {
	ts, owner := newTestServer(t)

	create := doJSON(t, http.MethodPost, ts.URL+"/v1/positions", map[string]string{
		"caller":           owner.String(),
		"collateralAsset":  "WETH",
		"collateralAmount": "100",
		"borrowAsset":      "USDC",
		"borrowAmount":     "50",
	}, testToken)
	create.Body.Close()

	stranger := serverAddr(0x02)
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/positions/1/collateral", map[string]string{
		"caller": stranger.String(),
		"amount": "10",
	}, testToken)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestSupplyLifecycleOverHTTP(t *testing.T) {
	ts, owner := newTestServer(t)

	create := doJSON(t, http.MethodPost, ts.URL+"/v1/supplies", map[string]string{
		"caller": owner.String(),
		"asset":  "USDC",
		"amount": "10",
	}, testToken)
	defer create.Body.Close()
	if create.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", create.StatusCode)
	}
	var supply supplyResponse
	if err := json.NewDecoder(create.Body).Decode(&supply); err != nil {
		t.Fatalf("decode supply: %v", err)
	}

	withdraw := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/supplies/%d/withdraw", ts.URL, supply.ID), map[string]string{
		"caller": owner.String(),
		"amount": "4",
	}, testToken)
	defer withdraw.Body.Close()
	if withdraw.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", withdraw.StatusCode)
	}

	stats := doJSON(t, http.MethodGet, ts.URL+"/v1/supplies/stats?asset=USDC", nil, testToken)
	defer stats.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if payload["aggregateSupply"] != "6" {
		t.Fatalf("expected aggregate 6, got %v", payload["aggregateSupply"])
	}
}

func TestRateLimiting(t *testing.T) {
	engine := leverage.NewEngine(serverAddr(0xAA), serverAddr(0xAD))
	engine.SetLedger(state.NewLedger(storage.NewMemDB()))
	engine.SetPool(&stubPool{})
	engine.SetTokenMover(stubMover{})

	server, err := NewServer(Config{
		Engine:            engine,
		Auth:              AuthConfig{APITokens: []string{testToken}},
		RequestsPerSecond: 1,
		Burst:             1,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	owner := serverAddr(0x01)
	url := ts.URL + "/v1/positions?owner=" + owner.String()
	first := doJSON(t, http.MethodGet, url, nil, testToken)
	first.Body.Close()
	second := doJSON(t, http.MethodGet, url, nil, testToken)
	defer second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}
