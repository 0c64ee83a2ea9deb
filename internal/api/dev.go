package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/model"
)

// Dev routes drive a self-hosted ledger the way the market contracts and
// the vault's strategy would: share-price growth and market resolution.

// BalanceRequest names a deposit and, where relevant, an amount.
type BalanceRequest struct {
	User   string          `json:"user"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// CreateMarketRequest describes a new market. ClosesAt wins over
// DurationHours when both are set.
type CreateMarketRequest struct {
	ID            string    `json:"id"`
	Asset         string    `json:"asset"`
	Question      string    `json:"question"`
	ClosesAt      time.Time `json:"closes_at"`
	DurationHours int       `json:"duration_hours"`
}

// ResolveRequest carries the winning side.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

func (s *Server) decodeBalance(w http.ResponseWriter, r *http.Request) (BalanceRequest, bool) {
	var req BalanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return req, false
	}
	user, err := model.ParseUser(req.User)
	if err != nil {
		writeError(w, r, err)
		return req, false
	}
	asset, err := model.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, r, err)
		return req, false
	}
	if err := s.checkAsset(asset); err != nil {
		writeError(w, r, err)
		return req, false
	}
	req.User, req.Asset = user, asset
	return req, true
}

// DevAccrueYield handles POST /api/v1/dev/yield
func (s *Server) DevAccrueYield(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBalance(w, r)
	if !ok {
		return
	}
	dep, err := s.admin.AccrueYield(r.Context(), req.User, req.Asset, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// DevCreateMarket handles POST /api/v1/dev/markets
func (s *Server) DevCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
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
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, r, fmt.Errorf("%w: question is required", errBadRequest))
		return
	}

	closesAt := req.ClosesAt
	if closesAt.IsZero() {
		if req.DurationHours <= 0 {
			writeError(w, r, fmt.Errorf("%w: closes_at or a positive duration_hours is required", errBadRequest))
			return
		}
		closesAt = time.Now().Add(time.Duration(req.DurationHours) * time.Hour)
	}

	m, err := s.admin.CreateMarket(r.Context(), model.Market{
		ID:       req.ID,
		Asset:    asset,
		Question: question,
		ClosesAt: closesAt.UTC(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("market created", "id", m.ID, "asset", asset, "closes_at", m.ClosesAt)
	writeJSON(w, http.StatusCreated, marketResponse(m))
}

// DevResolveMarket handles POST /api/v1/dev/markets/{marketID}/resolve
func (s *Server) DevResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.admin.ResolveMarket(r.Context(), chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("market resolved", "id", m.ID, "outcome", m.Outcome.String())
	writeJSON(w, http.StatusOK, marketResponse(m))
}
