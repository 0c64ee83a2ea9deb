package api

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/prediction"
)

// DepositResponse is a deposit split plus the optional display APY.
type DepositResponse struct {
	model.DepositInfo
	TotalYield decimal.Decimal  `json:"total_yield"`
	ImpliedAPY *decimal.Decimal `json:"implied_apy,omitempty"`
}

// FlashTermsResponse describes the advances the calculator will quote.
type FlashTermsResponse struct {
	InstantYieldRate decimal.Decimal `json:"instant_yield_rate"`
	MinLockDays      int             `json:"min_lock_days"`
	MaxLockDays      int             `json:"max_lock_days"`
}

// MarketResponse is a market snapshot with derived pool stats.
type MarketResponse struct {
	model.Market
	TotalPool     decimal.Decimal `json:"total_pool"`
	YesPercentage decimal.Decimal `json:"yes_percentage"`
}

func marketResponse(m model.Market) MarketResponse {
	return MarketResponse{Market: m, TotalPool: m.TotalPool(), YesPercentage: m.YesPercentage()}
}

// FlashCommitRequest asks for a flash advance of TargetYield.
type FlashCommitRequest struct {
	User             string          `json:"user"`
	Asset            string          `json:"asset"`
	TargetYield      decimal.Decimal `json:"target_yield"`
	LockDurationDays int             `json:"lock_duration_days"`
}

// ClaimRequest asks for the payout of one resolved market.
type ClaimRequest struct {
	User     string `json:"user"`
	MarketID string `json:"market_id"`
}

// ValidationResponse reports whether a stake would pass the guard.
type ValidationResponse struct {
	Valid          bool            `json:"valid"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	AvailableYield decimal.Decimal `json:"available_yield"`
}

// ListAssets handles GET /api/v1/assets
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets := make([]string, 0, len(s.assets))
	for a := range s.assets {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	writeJSON(w, http.StatusOK, assets)
}

// GetDeposit handles GET /api/v1/assets/{asset}/deposits/{user}
// With ?elapsed_days=N the response carries the display-only implied APY.
func (s *Server) GetDeposit(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assetParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := model.ParseUser(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	info, err := s.deposits.GetDepositInfo(r.Context(), user, asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := DepositResponse{DepositInfo: info, TotalYield: info.TotalYield()}
	if r.URL.Query().Has("elapsed_days") {
		days, err := queryInt(r, "elapsed_days")
		if err != nil {
			writeError(w, r, err)
			return
		}
		apy := accrual.ImpliedAPY(info.Principal, info.CurrentValue, days)
		resp.ImpliedAPY = &apy
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAvailable handles GET /api/v1/assets/{asset}/deposits/{user}/available
func (s *Server) GetAvailable(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assetParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := model.ParseUser(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	power, err := s.guard.BettingPower(r.Context(), user, asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, power)
}

// ListMarkets handles GET /api/v1/assets/{asset}/markets
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assetParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	markets, err := s.ledger.ListMarkets(r.Context(), asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]MarketResponse, 0, len(markets))
	for _, m := range markets {
		resp = append(resp, marketResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.ledger.ReadMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse(m))
}

// GetWinnings handles GET /api/v1/markets/{marketID}/winnings?choice=&amount=
// The figure is a preview against the current pools.
func (s *Server) GetWinnings(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	choice, err := model.ParseChoice(r.URL.Query().Get("choice"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := queryDecimal(r, "amount")
	if err != nil {
		writeError(w, r, err)
		return
	}

	payout, err := s.predictions.PotentialWinnings(r.Context(), marketID, choice, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":          marketID,
		"choice":             choice,
		"amount":             amount,
		"potential_winnings": payout,
	})
}

// Deposit handles POST /api/v1/deposits
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBalance(w, r)
	if !ok {
		return
	}
	dep, err := s.vault.Deposit(r.Context(), req.User, req.Asset, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("deposit made", "user", req.User, "asset", req.Asset, "amount", req.Amount.String())
	writeJSON(w, http.StatusCreated, dep)
}

// Withdraw handles POST /api/v1/withdrawals
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBalance(w, r)
	if !ok {
		return
	}
	out, err := s.vault.Withdraw(r.Context(), req.User, req.Asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("deposit withdrawn", "user", req.User, "asset", req.Asset, "amount", out.String())
	writeJSON(w, http.StatusOK, map[string]any{"user": req.User, "asset": req.Asset, "withdrawn": out})
}

// FlashTerms handles GET /api/v1/flash/terms
func (s *Server) FlashTerms(w http.ResponseWriter, r *http.Request) {
	calc := s.flash.Calculator()
	minDays, maxDays := calc.Bounds()
	writeJSON(w, http.StatusOK, FlashTermsResponse{
		InstantYieldRate: calc.Rate(),
		MinLockDays:      minDays,
		MaxLockDays:      maxDays,
	})
}

// FlashQuote handles GET /api/v1/flash/quote?target_yield=&days=
func (s *Server) FlashQuote(w http.ResponseWriter, r *http.Request) {
	target, err := queryDecimal(r, "target_yield")
	if err != nil {
		writeError(w, r, err)
		return
	}
	days, err := queryInt(r, "days")
	if err != nil {
		writeError(w, r, err)
		return
	}

	quote, err := s.flash.Calculator().Quote(target, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// FlashYield handles GET /api/v1/flash/yield?principal=&days=
// It is the inverse of the quote: the advance a given principal buys.
func (s *Server) FlashYield(w http.ResponseWriter, r *http.Request) {
	principal, err := queryDecimal(r, "principal")
	if err != nil {
		writeError(w, r, err)
		return
	}
	days, err := queryInt(r, "days")
	if err != nil {
		writeError(w, r, err)
		return
	}

	advance, err := s.flash.Calculator().YieldForPrincipal(principal, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":          principal,
		"lock_duration_days": days,
		"yield":              advance,
		"instant_yield_rate": s.flash.Calculator().Rate(),
	})
}

// FlashCommit handles POST /api/v1/flash/commit
func (s *Server) FlashCommit(w http.ResponseWriter, r *http.Request) {
	var req FlashCommitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := model.ParseUser(req.User)
	if err != nil {
		writeError(w, r, err)
		return
	}
	asset, err := model.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.checkAsset(asset); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := s.flash.Commit(r.Context(), user, asset, req.TargetYield, req.LockDurationDays)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ValidateStake handles POST /api/v1/stakes/validate
// A guard rejection is a normal answer here, not an error.
func (s *Server) ValidateStake(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStake(w, r)
	if !ok {
		return
	}
	m, err := s.ledger.ReadMarket(r.Context(), req.MarketID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ValidationResponse{Valid: true}
	if err := s.guard.ValidateStake(r.Context(), req.User, m, req.Amount); err != nil {
		rej, ok := guard.IsRejection(err)
		if !ok {
			writeError(w, r, err)
			return
		}
		resp = ValidationResponse{Reason: rej.Reason, Error: rej.Error()}
	}

	avail, err := s.guard.AvailableYield(r.Context(), req.User, m.Asset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp.AvailableYield = avail
	writeJSON(w, http.StatusOK, resp)
}

// SubmitStake handles POST /api/v1/stakes
func (s *Server) SubmitStake(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeStake(w, r)
	if !ok {
		return
	}
	receipt, err := s.predictions.SubmitStake(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// Claim handles POST /api/v1/claims
func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := model.ParseUser(req.User)
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := s.predictions.Claim(r.Context(), user, req.MarketID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) decodeStake(w http.ResponseWriter, r *http.Request) (prediction.StakeRequest, bool) {
	var req prediction.StakeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return req, false
	}
	user, err := model.ParseUser(req.User)
	if err != nil {
		writeError(w, r, err)
		return req, false
	}
	req.User = user
	return req, true
}
