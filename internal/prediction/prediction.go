// Package prediction translates validated stakes into ledger commits and
// exposes the market's payout preview.
//
// Every stake passes through the betting-power guard first. A rejected
// stake makes no ledger call. An accepted one is committed by the ledger,
// which re-checks the same condition atomically.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/model"
)

// Ledger is the market side of the external ledger.
type Ledger interface {
	ReadMarket(ctx context.Context, marketID string) (model.Market, error)
	PotentialWinnings(ctx context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error)
	CommitStake(ctx context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error
	CommitClaim(ctx context.Context, user, marketID string) (decimal.Decimal, error)
}

// Guard validates stakes against available yield.
type Guard interface {
	AvailableYield(ctx context.Context, user, asset string) (decimal.Decimal, error)
	ValidateStake(ctx context.Context, user string, market model.Market, amount decimal.Decimal) error
}

// StakeRequest is a request to put yield on one side of a market.
type StakeRequest struct {
	User     string          `json:"user"`
	MarketID string          `json:"market_id"`
	Choice   model.Choice    `json:"choice"`
	Amount   decimal.Decimal `json:"amount"`
}

// Service handles stakes and claims.
type Service struct {
	ledger   Ledger
	guard    Guard
	locker   lock.Locker
	notifier events.Notifier
}

// NewService creates a prediction service. A nil locker or notifier falls
// back to a no-op.
func NewService(ledger Ledger, g Guard, locker lock.Locker, notifier events.Notifier) *Service {
	if locker == nil {
		locker = lock.Nop{}
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Service{ledger: ledger, guard: g, locker: locker, notifier: notifier}
}

// PotentialWinnings previews what amount on choice would pay if choice
// wins, using the market's current pools. The final payout depends on the
// pools at resolution.
func (s *Service) PotentialWinnings(ctx context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error) {
	if !choice.Valid() {
		return decimal.Zero, &model.RangeError{Field: "choice", Value: choice.String()}
	}
	if !amount.IsPositive() {
		// Nothing to preview, but an unknown market is still an error.
		start := time.Now()
		_, err := s.ledger.ReadMarket(ctx, marketID)
		metrics.ObserveLedgerCall("read_market", start, err)
		if err != nil {
			return decimal.Zero, fmt.Errorf("potential winnings on %s: %w", marketID, err)
		}
		return decimal.Zero, nil
	}
	start := time.Now()
	payout, err := s.ledger.PotentialWinnings(ctx, marketID, choice, amount)
	metrics.ObserveLedgerCall("potential_winnings", start, err)
	if err != nil {
		return decimal.Zero, fmt.Errorf("potential winnings on %s: %w", marketID, err)
	}
	return payout, nil
}

// SubmitStake validates req and forwards it to the ledger. Guard rejections
// come back as *guard.Rejection; ledger failures are wrapped unchanged.
func (s *Service) SubmitStake(ctx context.Context, req StakeRequest) (*model.StakeReceipt, error) {
	if !req.Choice.Valid() {
		return nil, &model.RangeError{Field: "choice", Value: req.Choice.String()}
	}

	release, err := s.locker.Acquire(ctx, lock.UserKey(req.User))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", req.User, err)
	}
	defer release()

	start := time.Now()
	market, err := s.ledger.ReadMarket(ctx, req.MarketID)
	metrics.ObserveLedgerCall("read_market", start, err)
	if err != nil {
		return nil, fmt.Errorf("read market %s: %w", req.MarketID, err)
	}

	before, err := s.guard.AvailableYield(ctx, req.User, market.Asset)
	if err != nil {
		return nil, err
	}
	if err := s.guard.ValidateStake(ctx, req.User, market, req.Amount); err != nil {
		if r, ok := guard.IsRejection(err); ok {
			s.notifier.Notify(events.Event{
				Type:     events.TypeStakeRejected,
				User:     req.User,
				Asset:    market.Asset,
				MarketID: market.ID,
				Choice:   req.Choice.String(),
				Amount:   events.Amount(req.Amount),
				Detail:   r.Reason,
			})
		}
		return nil, err
	}

	// Preview against the pools before this stake lands in them.
	preview, err := s.PotentialWinnings(ctx, market.ID, req.Choice, req.Amount)
	if err != nil {
		slog.Warn("payout preview unavailable", "market_id", market.ID, "err", err)
		preview = decimal.Zero
	}

	start = time.Now()
	err = s.ledger.CommitStake(ctx, req.User, market.ID, req.Choice, req.Amount)
	metrics.ObserveLedgerCall("commit_stake", start, err)
	if err != nil {
		slog.Error("stake commit failed",
			"user", req.User,
			"market_id", market.ID,
			"amount", req.Amount.String(),
			"err", err,
		)
		return nil, fmt.Errorf("commit stake on %s: %w", market.ID, err)
	}

	after, err := s.guard.AvailableYield(ctx, req.User, market.Asset)
	if err != nil {
		// The stake is committed; report the expected figure rather than fail.
		slog.Warn("available yield re-read failed after stake", "user", req.User, "err", err)
		after = before.Sub(req.Amount)
		if after.IsNegative() {
			after = decimal.Zero
		}
	}

	receipt := &model.StakeReceipt{
		ID:              uuid.New().String(),
		User:            req.User,
		MarketID:        market.ID,
		Asset:           market.Asset,
		Choice:          req.Choice,
		Amount:          req.Amount,
		AvailableBefore: before,
		AvailableAfter:  after,
		PotentialPayout: preview,
		Timestamp:       time.Now().UTC(),
	}

	metrics.StakesTotal.WithLabelValues(market.Asset, req.Choice.String()).Inc()
	metrics.StakeVolume.WithLabelValues(market.Asset).Add(req.Amount.InexactFloat64())
	slog.Info("stake committed",
		"receipt_id", receipt.ID,
		"user", req.User,
		"market_id", market.ID,
		"choice", req.Choice.String(),
		"amount", req.Amount.String(),
		"available_after", after.String(),
	)
	s.notifier.Notify(events.Event{
		ID:       receipt.ID,
		Type:     events.TypeStakeCommitted,
		User:     req.User,
		Asset:    market.Asset,
		MarketID: market.ID,
		Choice:   req.Choice.String(),
		Amount:   events.Amount(req.Amount),
	})
	return receipt, nil
}

// Claim collects the payout of a resolved market. Claiming an unresolved
// market fails without a ledger call.
func (s *Service) Claim(ctx context.Context, user, marketID string) (*model.ClaimReceipt, error) {
	start := time.Now()
	market, err := s.ledger.ReadMarket(ctx, marketID)
	metrics.ObserveLedgerCall("read_market", start, err)
	if err != nil {
		return nil, fmt.Errorf("read market %s: %w", marketID, err)
	}
	if market.Status != model.StatusResolved {
		return nil, fmt.Errorf("claim on %s: %w", marketID, model.ErrMarketNotResolved)
	}

	release, err := s.locker.Acquire(ctx, lock.UserKey(user))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", user, err)
	}
	defer release()

	start = time.Now()
	payout, err := s.ledger.CommitClaim(ctx, user, marketID)
	metrics.ObserveLedgerCall("commit_claim", start, err)
	if err != nil {
		if !errors.Is(err, model.ErrMarketNotResolved) {
			slog.Error("claim commit failed", "user", user, "market_id", marketID, "err", err)
		}
		return nil, fmt.Errorf("commit claim on %s: %w", marketID, err)
	}

	receipt := &model.ClaimReceipt{
		ID:        uuid.New().String(),
		User:      user,
		MarketID:  marketID,
		Asset:     market.Asset,
		Payout:    payout,
		Timestamp: time.Now().UTC(),
	}
	metrics.ClaimsTotal.Inc()
	slog.Info("reward claimed", "user", user, "market_id", marketID, "payout", payout.String())
	s.notifier.Notify(events.Event{
		ID:       receipt.ID,
		Type:     events.TypeRewardClaimed,
		User:     user,
		Asset:    market.Asset,
		MarketID: marketID,
		Amount:   events.Amount(payout),
	})
	return receipt, nil
}
