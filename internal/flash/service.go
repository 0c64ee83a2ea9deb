package flash

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/model"
)

// LockCommitter is the ledger operation that locks principal and starts the
// duration timer.
type LockCommitter interface {
	CommitFlashLock(ctx context.Context, user, asset string, principal decimal.Decimal, days int) (model.FlashLock, error)
}

// Commitment is the outcome of a committed flash advance.
type Commitment struct {
	Quote model.FlashAdvanceQuote `json:"quote"`
	Lock  model.FlashLock         `json:"lock"`
}

// Service commits flash advances against the ledger.
type Service struct {
	calc     *Calculator
	ledger   LockCommitter
	locker   lock.Locker
	notifier events.Notifier
}

// NewService creates a flash advance service. A nil locker or notifier
// falls back to a no-op.
func NewService(calc *Calculator, ledger LockCommitter, locker lock.Locker, notifier events.Notifier) *Service {
	if locker == nil {
		locker = lock.Nop{}
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Service{calc: calc, ledger: ledger, locker: locker, notifier: notifier}
}

// Calculator returns the service's quote calculator.
func (s *Service) Calculator() *Calculator { return s.calc }

// Commit quotes the principal needed for targetYield over days and asks the
// ledger to lock it. Ledger failures are returned unchanged in the chain.
func (s *Service) Commit(ctx context.Context, user, asset string, targetYield decimal.Decimal, days int) (*Commitment, error) {
	quote, err := s.calc.Quote(targetYield, days)
	if err != nil {
		return nil, err
	}
	if !quote.RequiredPrincipal.IsPositive() {
		return nil, &model.RangeError{Field: "target_yield", Value: targetYield.String()}
	}

	release, err := s.locker.Acquire(ctx, lock.UserKey(user))
	if err != nil {
		return nil, fmt.Errorf("flash: lock user %s: %w", user, err)
	}
	defer release()

	start := time.Now()
	fl, err := s.ledger.CommitFlashLock(ctx, user, asset, quote.RequiredPrincipal, days)
	metrics.ObserveLedgerCall("commit_flash_lock", start, err)
	if err != nil {
		slog.Error("flash lock commit failed",
			"user", user,
			"asset", asset,
			"principal", quote.RequiredPrincipal.String(),
			"days", days,
			"err", err,
		)
		return nil, fmt.Errorf("flash: commit lock: %w", err)
	}

	metrics.FlashLocks.WithLabelValues(asset).Inc()
	slog.Info("flash lock committed",
		"user", user,
		"asset", asset,
		"principal", quote.RequiredPrincipal.String(),
		"advance", quote.RequestedYield.String(),
		"days", days,
		"unlocks_at", fl.UnlocksAt,
	)
	s.notifier.Notify(events.Event{
		ID:     fl.ID,
		Type:   events.TypeFlashLocked,
		User:   user,
		Asset:  asset,
		Amount: events.Amount(quote.RequiredPrincipal),
		Detail: fmt.Sprintf("advance %s for %d days", quote.RequestedYield, days),
	})

	return &Commitment{Quote: quote, Lock: fl}, nil
}
