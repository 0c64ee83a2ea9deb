// Package guard computes how much yield a user may put at risk and
// validates stake requests before anything is sent to the ledger.
//
// Available yield is unlocked yield minus what the user already has riding
// on open predictions of the same asset, so one unit of yield cannot back
// two concurrent markets. Every figure is re-read from the ledger on each
// call. The guard is an optimistic pre-check: the ledger re-checks at commit.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/model"
)

// Rejection reasons.
const (
	ReasonNonPositiveAmount = "non_positive_amount"
	ReasonMarketNotOpen     = "market_not_open"
	ReasonMarketExpired     = "market_expired"
	ReasonInsufficientYield = "insufficient_yield"
)

// Rejection is a local, side-effect-free refusal of a stake.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("stake rejected (%s): %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// IsRejection reports whether err is a guard rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// DepositSource returns the principal / unlocked / locked split.
type DepositSource interface {
	GetDepositInfo(ctx context.Context, user, asset string) (model.DepositInfo, error)
}

// Ledger is the read slice the guard needs for open positions.
type Ledger interface {
	ReadUserPredictions(ctx context.Context, user string) ([]model.Prediction, error)
	ReadMarket(ctx context.Context, marketID string) (model.Market, error)
}

// Power is the breakdown behind a user's available yield on one asset.
type Power struct {
	User          string          `json:"user"`
	Asset         string          `json:"asset"`
	UnlockedYield decimal.Decimal `json:"unlocked_yield"`
	Committed     decimal.Decimal `json:"committed"`
	Available     decimal.Decimal `json:"available_yield"`
	OpenMarkets   int             `json:"open_markets"`
}

// Guard is the single choke point for stake validation.
type Guard struct {
	deposits DepositSource
	ledger   Ledger
	now      func() time.Time
}

// New creates a guard.
func New(deposits DepositSource, ledger Ledger) *Guard {
	return &Guard{deposits: deposits, ledger: ledger, now: time.Now}
}

// WithClock overrides the guard's time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// BettingPower returns unlocked yield, the stake committed to open
// predictions of asset, and their difference floored at zero.
func (g *Guard) BettingPower(ctx context.Context, user, asset string) (Power, error) {
	info, err := g.deposits.GetDepositInfo(ctx, user, asset)
	if err != nil {
		return Power{}, err
	}

	start := time.Now()
	preds, err := g.ledger.ReadUserPredictions(ctx, user)
	metrics.ObserveLedgerCall("read_user_predictions", start, err)
	if err != nil {
		return Power{}, fmt.Errorf("read predictions %s: %w", user, err)
	}

	committed := decimal.Zero
	open := 0
	for _, p := range preds {
		if p.Asset != asset || p.Claimed || !p.YieldStaked.IsPositive() {
			continue
		}
		start := time.Now()
		m, err := g.ledger.ReadMarket(ctx, p.MarketID)
		metrics.ObserveLedgerCall("read_market", start, err)
		if err != nil {
			return Power{}, fmt.Errorf("read market %s: %w", p.MarketID, err)
		}
		if m.Status == model.StatusResolved {
			continue
		}
		committed = committed.Add(p.YieldStaked)
		open++
	}

	avail := info.UnlockedYield.Sub(committed)
	if avail.IsNegative() {
		avail = decimal.Zero
	}
	return Power{
		User:          user,
		Asset:         asset,
		UnlockedYield: info.UnlockedYield,
		Committed:     committed,
		Available:     avail,
		OpenMarkets:   open,
	}, nil
}

// AvailableYield returns the yield user may still stake on markets of asset.
// It never exceeds the deposit's unlocked yield.
func (g *Guard) AvailableYield(ctx context.Context, user, asset string) (decimal.Decimal, error) {
	p, err := g.BettingPower(ctx, user, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Available, nil
}

// ValidateStake re-reads the user's available yield and checks amount
// against it and the market snapshot. It returns a *Rejection, a ledger
// read error, or nil.
func (g *Guard) ValidateStake(ctx context.Context, user string, market model.Market, amount decimal.Decimal) error {
	now := g.now()
	if r := checkStatic(market, amount, now); r != nil {
		return g.reject(user, market, amount, r)
	}

	avail, err := g.AvailableYield(ctx, user, market.Asset)
	if err != nil {
		return err
	}
	if r := CheckStake(avail, market, amount, now); r != nil {
		return g.reject(user, market, amount, r)
	}
	return nil
}

// CheckStake is the pure validation rule. Checks run in order: amount,
// market status, market deadline, available yield. The deadline is
// authoritative over a possibly stale Open status.
func CheckStake(available decimal.Decimal, market model.Market, amount decimal.Decimal, now time.Time) *Rejection {
	if r := checkStatic(market, amount, now); r != nil {
		return r
	}
	if amount.GreaterThan(available) {
		return &Rejection{
			Reason: ReasonInsufficientYield,
			Err:    fmt.Errorf("%w: requested %s, available %s", model.ErrInsufficientYield, amount, available),
		}
	}
	return nil
}

func checkStatic(market model.Market, amount decimal.Decimal, now time.Time) *Rejection {
	if !amount.IsPositive() {
		return &Rejection{
			Reason: ReasonNonPositiveAmount,
			Err:    &model.RangeError{Field: "amount", Value: amount.String()},
		}
	}
	if market.Status != model.StatusOpen {
		return &Rejection{
			Reason: ReasonMarketNotOpen,
			Err:    fmt.Errorf("%w: status %s", model.ErrMarketClosed, market.Status),
		}
	}
	if !now.Before(market.ClosesAt) {
		return &Rejection{
			Reason: ReasonMarketExpired,
			Err:    fmt.Errorf("%w: closed at %s", model.ErrMarketClosed, market.ClosesAt.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

func (g *Guard) reject(user string, market model.Market, amount decimal.Decimal, r *Rejection) *Rejection {
	metrics.StakeRejections.WithLabelValues(r.Reason).Inc()
	slog.Warn("stake rejected",
		"user", user,
		"market_id", market.ID,
		"amount", amount.String(),
		"reason", r.Reason,
	)
	return r
}
