package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/api"
	"github.com/yieldedge/yield-engine/internal/flash"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/ledger"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/prediction"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestRouter wires the whole engine over an in-memory ledger.
func newTestRouter(t *testing.T, withAdmin bool) chi.Router {
	t.Helper()
	calc := flash.DefaultCalculator()
	ml := ledger.NewMemoryLedger(calc.YieldForPrincipal)
	locker := lock.NewLocalLocker()

	engine := accrual.NewEngine(ml, nil)
	g := guard.New(engine, ml)
	cfg := api.Config{
		Assets:      []string{model.AssetUSDY, model.AssetMETH},
		Ledger:      ml,
		Deposits:    engine,
		Guard:       g,
		Flash:       flash.NewService(calc, ml, locker, nil),
		Predictions: prediction.NewService(ml, g, locker, nil),
		Vault:       ml,
	}
	if withAdmin {
		cfg.Admin = ml
	}

	r := chi.NewRouter()
	r.Mount("/api/v1", api.NewServer(cfg).Routes())
	return r
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d: %s", w.Code, want, w.Body.String())
	}
}

// seed gives alice 10 unlocked usdy yield and creates markets A and B.
func seed(t *testing.T, router http.Handler) {
	t.Helper()
	expectStatus(t, do(t, router, "POST", "/api/v1/deposits", map[string]any{"user": "alice", "asset": "usdy", "amount": "1000"}), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/yield", map[string]any{"user": "alice", "asset": "usdy", "amount": "10"}), http.StatusOK)
	for _, id := range []string{"A", "B"} {
		w := do(t, router, "POST", "/api/v1/dev/markets", map[string]any{"id": id, "asset": "usdy", "question": "Will " + id + " happen?", "duration_hours": 24})
		expectStatus(t, w, http.StatusCreated)
	}
}

func TestGetDeposit(t *testing.T) {
	router := newTestRouter(t, true)
	seed(t, router)

	w := do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice?elapsed_days=365", nil)
	expectStatus(t, w, http.StatusOK)
	resp := decode[api.DepositResponse](t, w)
	if !resp.UnlockedYield.Equal(d("10")) || !resp.Principal.Equal(d("1000")) {
		t.Errorf("unexpected deposit %+v", resp.DepositInfo)
	}
	if resp.ImpliedAPY == nil || !resp.ImpliedAPY.Equal(d("1")) {
		t.Errorf("implied apy = %v, want 1", resp.ImpliedAPY)
	}

	// Unknown users have an all-zero deposit.
	w = do(t, router, "GET", "/api/v1/assets/meth/deposits/bob", nil)
	expectStatus(t, w, http.StatusOK)
	if resp := decode[api.DepositResponse](t, w); !resp.CurrentValue.IsZero() || resp.ImpliedAPY != nil {
		t.Errorf("expected empty deposit, got %+v", resp)
	}
}

func TestGetDeposit_BadInput(t *testing.T) {
	router := newTestRouter(t, true)

	expectStatus(t, do(t, router, "GET", "/api/v1/assets/doge/deposits/alice", nil), http.StatusNotFound)
	expectStatus(t, do(t, router, "GET", "/api/v1/assets/usdy/deposits/0x123", nil), http.StatusBadRequest)
	expectStatus(t, do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice?elapsed_days=soon", nil), http.StatusBadRequest)
}

func TestStakeFlow(t *testing.T) {
	router := newTestRouter(t, true)
	seed(t, router)

	w := do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "A", "choice": "YES", "amount": "6"})
	expectStatus(t, w, http.StatusCreated)
	receipt := decode[model.StakeReceipt](t, w)
	if !receipt.AvailableBefore.Equal(d("10")) || !receipt.AvailableAfter.Equal(d("4")) {
		t.Errorf("available %s -> %s, want 10 -> 4", receipt.AvailableBefore, receipt.AvailableAfter)
	}

	w = do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice/available", nil)
	expectStatus(t, w, http.StatusOK)
	if power := decode[guard.Power](t, w); !power.Available.Equal(d("4")) || power.OpenMarkets != 1 {
		t.Errorf("unexpected power %+v", power)
	}

	w = do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "B", "choice": "NO", "amount": "5"})
	expectStatus(t, w, http.StatusConflict)
	if body := decode[map[string]string](t, w); body["reason"] != guard.ReasonInsufficientYield {
		t.Errorf("reason = %q, want %q", body["reason"], guard.ReasonInsufficientYield)
	}

	w = do(t, router, "POST", "/api/v1/stakes/validate", map[string]any{"user": "alice", "market_id": "B", "choice": "NO", "amount": "5"})
	expectStatus(t, w, http.StatusOK)
	v := decode[api.ValidationResponse](t, w)
	if v.Valid || v.Reason != guard.ReasonInsufficientYield || !v.AvailableYield.Equal(d("4")) {
		t.Errorf("unexpected validation %+v", v)
	}

	w = do(t, router, "POST", "/api/v1/stakes/validate", map[string]any{"user": "alice", "market_id": "B", "choice": "NO", "amount": "4"})
	expectStatus(t, w, http.StatusOK)
	if v := decode[api.ValidationResponse](t, w); !v.Valid {
		t.Errorf("expected valid, got %+v", v)
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "A", "choice": "NO", "amount": "1"}), http.StatusConflict)
	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "A", "choice": "MAYBE", "amount": "1"}), http.StatusBadRequest)
	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "Z", "choice": "YES", "amount": "1"}), http.StatusNotFound)
	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "B", "choice": "YES", "amount": "0"}), http.StatusBadRequest)
}

func TestMarketsAndClaims(t *testing.T) {
	router := newTestRouter(t, true)
	seed(t, router)
	expectStatus(t, do(t, router, "POST", "/api/v1/deposits", map[string]any{"user": "bob", "asset": "usdy", "amount": "500"}), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/yield", map[string]any{"user": "bob", "asset": "usdy", "amount": "20"}), http.StatusOK)

	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "alice", "market_id": "A", "choice": "YES", "amount": "10"}), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/stakes", map[string]any{"user": "bob", "market_id": "A", "choice": "NO", "amount": "20"}), http.StatusCreated)

	w := do(t, router, "GET", "/api/v1/markets/A", nil)
	expectStatus(t, w, http.StatusOK)
	m := decode[api.MarketResponse](t, w)
	if !m.TotalPool.Equal(d("30")) || !m.YesPercentage.Equal(d("33.3")) {
		t.Errorf("pool=%s yes%%=%s, want 30/33.3", m.TotalPool, m.YesPercentage)
	}

	w = do(t, router, "GET", "/api/v1/assets/usdy/markets", nil)
	expectStatus(t, w, http.StatusOK)
	if list := decode[[]api.MarketResponse](t, w); len(list) != 2 {
		t.Errorf("listed %d markets, want 2", len(list))
	}

	w = do(t, router, "GET", "/api/v1/markets/A/winnings?choice=yes&amount=10", nil)
	expectStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["potential_winnings"] != "20" {
		t.Errorf("potential winnings = %v, want 20", body["potential_winnings"])
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/claims", map[string]any{"user": "alice", "market_id": "A"}), http.StatusConflict)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/markets/A/resolve", map[string]any{"outcome": "YES"}), http.StatusOK)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/markets/A/resolve", map[string]any{"outcome": "NO"}), http.StatusConflict)

	w = do(t, router, "POST", "/api/v1/claims", map[string]any{"user": "alice", "market_id": "A"})
	expectStatus(t, w, http.StatusOK)
	if c := decode[model.ClaimReceipt](t, w); !c.Payout.Equal(d("30")) {
		t.Errorf("payout = %s, want 30", c.Payout)
	}
	expectStatus(t, do(t, router, "POST", "/api/v1/claims", map[string]any{"user": "alice", "market_id": "A"}), http.StatusConflict)

	w = do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice", nil)
	expectStatus(t, w, http.StatusOK)
	if dep := decode[api.DepositResponse](t, w); !dep.UnlockedYield.Equal(d("30")) {
		t.Errorf("alice unlocked = %s, want 30", dep.UnlockedYield)
	}
}

func TestFlash(t *testing.T) {
	router := newTestRouter(t, true)

	w := do(t, router, "GET", "/api/v1/flash/quote?target_yield=25&days=30", nil)
	expectStatus(t, w, http.StatusOK)
	q := decode[model.FlashAdvanceQuote](t, w)
	if !q.RequiredPrincipal.Equal(d("608.333333333333333334")) {
		t.Errorf("required principal = %s", q.RequiredPrincipal)
	}

	expectStatus(t, do(t, router, "GET", "/api/v1/flash/quote?target_yield=25&days=400", nil), http.StatusBadRequest)
	expectStatus(t, do(t, router, "GET", "/api/v1/flash/quote?days=30", nil), http.StatusBadRequest)

	w = do(t, router, "GET", "/api/v1/flash/yield?principal=730&days=30", nil)
	expectStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["yield"] != "30" {
		t.Errorf("yield = %v, want 30", body["yield"])
	}

	w = do(t, router, "POST", "/api/v1/flash/commit", map[string]any{"user": "alice", "asset": "usdy", "target_yield": "25", "lock_duration_days": 30})
	expectStatus(t, w, http.StatusCreated)

	w = do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice", nil)
	expectStatus(t, w, http.StatusOK)
	dep := decode[api.DepositResponse](t, w)
	if !dep.LockedYield.IsPositive() || !dep.UnlockedYield.IsZero() {
		t.Errorf("advance should be locked: %+v", dep.DepositInfo)
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/withdrawals", map[string]any{"user": "alice", "asset": "usdy"}), http.StatusConflict)
	expectStatus(t, do(t, router, "POST", "/api/v1/flash/commit", map[string]any{"user": "alice", "asset": "usdy", "target_yield": "-1", "lock_duration_days": 30}), http.StatusBadRequest)
}

func TestDevRoutesRequireAdmin(t *testing.T) {
	router := newTestRouter(t, false)
	expectStatus(t, do(t, router, "POST", "/api/v1/deposits", map[string]any{"user": "alice", "asset": "usdy", "amount": "1"}), http.StatusCreated)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/yield", map[string]any{"user": "alice", "asset": "usdy", "amount": "1"}), http.StatusNotFound)
	expectStatus(t, do(t, router, "POST", "/api/v1/dev/markets", map[string]any{"id": "A", "asset": "usdy", "question": "?", "duration_hours": 1}), http.StatusNotFound)
}

func TestDepositAndWithdraw(t *testing.T) {
	router := newTestRouter(t, true)
	seed(t, router)

	w := do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice", nil)
	expectStatus(t, w, http.StatusOK)
	if dep := decode[api.DepositResponse](t, w); !dep.TotalYield.Equal(d("10")) {
		t.Errorf("total yield = %s, want 10", dep.TotalYield)
	}

	expectStatus(t, do(t, router, "POST", "/api/v1/deposits", map[string]any{"user": "alice", "asset": "usdy", "amount": "0"}), http.StatusBadRequest)
	expectStatus(t, do(t, router, "POST", "/api/v1/deposits", map[string]any{"user": "alice", "asset": "doge", "amount": "1"}), http.StatusNotFound)

	w = do(t, router, "POST", "/api/v1/withdrawals", map[string]any{"user": "alice", "asset": "usdy"})
	expectStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["withdrawn"] != "1010" {
		t.Errorf("withdrawn = %v, want 1010", body["withdrawn"])
	}

	w = do(t, router, "GET", "/api/v1/assets/usdy/deposits/alice", nil)
	expectStatus(t, w, http.StatusOK)
	if dep := decode[api.DepositResponse](t, w); !dep.CurrentValue.IsZero() {
		t.Errorf("deposit should be closed, got %+v", dep.DepositInfo)
	}
}

func TestFlashTerms(t *testing.T) {
	router := newTestRouter(t, false)
	w := do(t, router, "GET", "/api/v1/flash/terms", nil)
	expectStatus(t, w, http.StatusOK)
	terms := decode[api.FlashTermsResponse](t, w)
	if !terms.InstantYieldRate.Equal(d("0.5")) || terms.MinLockDays != 7 || terms.MaxLockDays != 365 {
		t.Errorf("unexpected terms %+v", terms)
	}
}

func TestGetWinnings_UnknownMarket(t *testing.T) {
	router := newTestRouter(t, true)
	seed(t, router)

	expectStatus(t, do(t, router, "GET", "/api/v1/markets/Z/winnings?choice=yes&amount=0", nil), http.StatusNotFound)
	expectStatus(t, do(t, router, "GET", "/api/v1/markets/Z/winnings?choice=yes&amount=5", nil), http.StatusNotFound)

	w := do(t, router, "GET", "/api/v1/markets/A/winnings?choice=yes&amount=0", nil)
	expectStatus(t, w, http.StatusOK)
	if body := decode[map[string]any](t, w); body["potential_winnings"] != "0" {
		t.Errorf("potential winnings = %v, want 0", body["potential_winnings"])
	}
}

func TestListAssets(t *testing.T) {
	router := newTestRouter(t, false)
	w := do(t, router, "GET", "/api/v1/assets", nil)
	expectStatus(t, w, http.StatusOK)
	if assets := decode[[]string](t, w); len(assets) != 2 || assets[0] != "meth" {
		t.Errorf("assets = %v", assets)
	}
}
