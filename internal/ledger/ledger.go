// Package ledger defines the boundary to the external ledger that holds
// deposits, flash locks, markets and predictions. The engine derives every
// yield figure from these raw reads and never caches them.
//
// Implementations include an on-chain ledger (package evm), PostgreSQL and an
// in-memory ledger for tests and development. Every Writer must re-check the
// over-stake condition atomically when it commits: the engine's guard is only
// an optimistic pre-check.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/model"
)

var (
	// ErrChoiceConflict is returned when a user stakes again on a market with
	// the opposite choice.
	ErrChoiceConflict = errors.New("ledger: prediction already placed on the other side")

	// ErrNothingToClaim is returned for claims on a losing or already claimed
	// prediction, or when the user never staked.
	ErrNothingToClaim = errors.New("ledger: nothing to claim")

	// ErrOpenPredictions is returned when withdrawing while predictions on
	// the asset are still open.
	ErrOpenPredictions = errors.New("ledger: deposit has open predictions")

	// ErrPrincipalLocked is returned when withdrawing while a flash lock is
	// still active.
	ErrPrincipalLocked = errors.New("ledger: principal is flash-locked")

	// ErrMarketExists is returned when creating a market whose id is taken.
	ErrMarketExists = errors.New("ledger: market already exists")

	// ErrAlreadyResolved is returned when resolving a market twice.
	ErrAlreadyResolved = errors.New("ledger: market already resolved")
)

// Reader is the read side of the external ledger.
type Reader interface {
	// ReadDeposit returns the raw principal and current value. A user with no
	// deposit gets zero values, not an error.
	ReadDeposit(ctx context.Context, user, asset string) (model.RawDeposit, error)

	// ReadFlashLocks returns the user's flash-lock commitments on asset.
	ReadFlashLocks(ctx context.Context, user, asset string) ([]model.FlashLock, error)

	// ReadMarket returns a market snapshot, or an error wrapping
	// model.ErrNotFound.
	ReadMarket(ctx context.Context, marketID string) (model.Market, error)

	// ListMarkets returns every market of one asset.
	ListMarkets(ctx context.Context, asset string) ([]model.Market, error)

	// ReadUserPredictions returns every prediction the user holds.
	ReadUserPredictions(ctx context.Context, user string) ([]model.Prediction, error)

	// PotentialWinnings previews the market's own payout formula for a
	// candidate stake against the current pools.
	PotentialWinnings(ctx context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error)
}

// Writer is the mutating side of the external ledger.
type Writer interface {
	// CommitStake records amount of yield on choice. It must reject an
	// over-stake even if the engine's pre-check passed.
	CommitStake(ctx context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error

	// CommitFlashLock locks principal for days and credits the advance.
	CommitFlashLock(ctx context.Context, user, asset string, principal decimal.Decimal, days int) (model.FlashLock, error)

	// CommitClaim pays out a resolved market and returns the payout.
	CommitClaim(ctx context.Context, user, marketID string) (decimal.Decimal, error)
}

// Ledger is the full boundary the engine needs.
type Ledger interface {
	Reader
	Writer
}

// Vault moves principal in and out of a deposit. Every ledger implements it;
// the on-chain one only for the account it signs with.
type Vault interface {
	Deposit(ctx context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error)

	// Withdraw closes the deposit and returns its current value. It fails
	// with ErrPrincipalLocked or ErrOpenPredictions while either applies.
	Withdraw(ctx context.Context, user, asset string) (decimal.Decimal, error)
}

// Admin is implemented by ledgers the engine hosts itself. On-chain ledgers
// are administered through their own contracts.
type Admin interface {
	Vault
	CreateMarket(ctx context.Context, m model.Market) (model.Market, error)
	AccrueYield(ctx context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error)
	ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome) (model.Market, error)
}

// AdvanceFunc returns the yield advanced for locking principal for days.
// Self-hosted ledgers credit it when committing a flash lock.
type AdvanceFunc func(principal decimal.Decimal, days int) (decimal.Decimal, error)

// stakeable is the ledger's own view of how much yield a user can still put
// at risk: unlocked yield minus stakes on open predictions of the same asset.
func stakeable(
	dep model.RawDeposit,
	locks []model.FlashLock,
	preds []model.Prediction,
	markets map[string]model.Market,
	now time.Time,
) decimal.Decimal {
	info, err := accrual.Split(dep, locks, now)
	if err != nil && info.Clamped {
		return decimal.Zero
	}
	avail := info.UnlockedYield
	for _, p := range preds {
		if p.Asset != dep.Asset || p.Claimed {
			continue
		}
		if m, ok := markets[p.MarketID]; ok && m.Status == model.StatusResolved {
			continue
		}
		avail = avail.Sub(p.YieldStaked)
	}
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// checkStakeable validates a stake against the ledger state under the
// writer's own serialization.
func checkStakeable(m model.Market, choice model.Choice, amount, available decimal.Decimal, existing *model.Prediction, now time.Time) error {
	if !amount.IsPositive() {
		return &model.RangeError{Field: "amount", Value: amount.String()}
	}
	if !choice.Valid() {
		return &model.RangeError{Field: "choice", Value: choice.String()}
	}
	if m.Status != model.StatusOpen || !now.Before(m.ClosesAt) {
		return model.ErrMarketClosed
	}
	if existing != nil && existing.Choice != choice {
		return ErrChoiceConflict
	}
	if amount.GreaterThan(available) {
		return model.ErrInsufficientYield
	}
	return nil
}
