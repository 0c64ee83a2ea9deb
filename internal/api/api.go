// Package api exposes the yield engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/flash"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/ledger"
	"github.com/yieldedge/yield-engine/internal/ledger/evm"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/prediction"
)

const maxBodyBytes = 1 << 20

// Config wires the engine's services into the HTTP layer.
type Config struct {
	Assets      []string
	Ledger      ledger.Reader
	Deposits    *accrual.Engine
	Guard       *guard.Guard
	Flash       *flash.Service
	Predictions *prediction.Service

	// Vault enables /deposits and /withdrawals; nil leaves them to the
	// user's wallet.
	Vault ledger.Vault

	// Admin enables the /dev routes. Leave nil for ledgers administered
	// elsewhere, e.g. on chain.
	Admin ledger.Admin

	// WS serves the event stream; nil disables /ws.
	WS http.HandlerFunc
}

// Server holds the HTTP handlers.
type Server struct {
	assets      map[string]bool
	ledger      ledger.Reader
	deposits    *accrual.Engine
	guard       *guard.Guard
	flash       *flash.Service
	predictions *prediction.Service
	vault       ledger.Vault
	admin       ledger.Admin
	ws          http.HandlerFunc
}

// NewServer creates the HTTP server.
func NewServer(cfg Config) *Server {
	assets := make(map[string]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a] = true
	}
	return &Server{
		assets:      assets,
		ledger:      cfg.Ledger,
		deposits:    cfg.Deposits,
		guard:       cfg.Guard,
		flash:       cfg.Flash,
		predictions: cfg.Predictions,
		vault:       cfg.Vault,
		admin:       cfg.Admin,
		ws:          cfg.WS,
	}
}

// Routes returns the /api/v1 router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	if s.ws != nil {
		// WebSocket endpoint for boundary events.
		r.Get("/ws", s.ws)
	}

	// Deposits and betting power.
	r.Get("/assets", s.ListAssets)
	r.Get("/assets/{asset}/deposits/{user}", s.GetDeposit)
	r.Get("/assets/{asset}/deposits/{user}/available", s.GetAvailable)
	r.Get("/assets/{asset}/markets", s.ListMarkets)

	if s.vault != nil {
		r.Post("/deposits", s.Deposit)
		r.Post("/withdrawals", s.Withdraw)
	}

	// Markets.
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/winnings", s.GetWinnings)

	// Flash advances.
	r.Get("/flash/terms", s.FlashTerms)
	r.Get("/flash/quote", s.FlashQuote)
	r.Get("/flash/yield", s.FlashYield)
	r.Post("/flash/commit", s.FlashCommit)

	// Stakes and claims.
	r.Post("/stakes/validate", s.ValidateStake)
	r.Post("/stakes", s.SubmitStake)
	r.Post("/claims", s.Claim)

	if s.admin != nil {
		r.Route("/dev", func(r chi.Router) {
			r.Post("/yield", s.DevAccrueYield)
			r.Post("/markets", s.DevCreateMarket)
			r.Post("/markets/{marketID}/resolve", s.DevResolveMarket)
		})
	}
	return r
}

// --- request helpers ---

func (s *Server) assetParam(r *http.Request) (string, error) {
	asset, err := model.ParseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		return "", err
	}
	return asset, s.checkAsset(asset)
}

func (s *Server) checkAsset(asset string) error {
	if !s.assets[asset] {
		return fmt.Errorf("asset %s: %w", asset, model.ErrNotFound)
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

func queryDecimal(r *http.Request, key string) (decimal.Decimal, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", errBadRequest, key)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s must be a decimal", errBadRequest, key)
	}
	return v, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", errBadRequest, key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return v, nil
}

// --- responses ---

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the status err maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	body := map[string]string{"error": err.Error()}
	if rej, ok := guard.IsRejection(err); ok {
		body["reason"] = rej.Reason
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrRange),
		errors.Is(err, model.ErrInvalidAsset),
		errors.Is(err, model.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, evm.ErrSignerMismatch):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, evm.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientYield),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrMarketNotResolved),
		errors.Is(err, ledger.ErrChoiceConflict),
		errors.Is(err, ledger.ErrNothingToClaim),
		errors.Is(err, ledger.ErrOpenPredictions),
		errors.Is(err, ledger.ErrPrincipalLocked),
		errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrMarketExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, lock.ErrNotAcquired),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	// Anything else is the external ledger failing.
	return http.StatusBadGateway
}
