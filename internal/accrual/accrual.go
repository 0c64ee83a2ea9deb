// Package accrual splits a deposit's current value into principal, unlocked
// yield and locked yield.
//
// The split is a pure function of the ledger's raw figures and outstanding
// flash-lock commitments at a given instant. Nothing is cached: every query
// goes back to the ledger, so a failed external commit can never leave a stale
// derived value behind.
//
// All monetary values use shopspring/decimal, never float64 for money.
package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/model"
)

// DepositReader is the slice of the external ledger the engine reads.
type DepositReader interface {
	ReadDeposit(ctx context.Context, user, asset string) (model.RawDeposit, error)
	ReadFlashLocks(ctx context.Context, user, asset string) ([]model.FlashLock, error)
}

// Split derives the four-field deposit view at instant now.
//
//	accrued  = currentValue - principal
//	locked   = Σ reservedYield of locks active at now
//	unlocked = accrued - locked
//
// When the ledger reports currentValue < principal, or active reservations
// larger than the accrued yield, the yield fields are clamped so the
// invariant still holds and a *model.ConsistencyError is returned alongside
// the clamped view. The returned DepositInfo is always usable.
func Split(raw model.RawDeposit, locks []model.FlashLock, now time.Time) (model.DepositInfo, error) {
	info := model.DepositInfo{
		User:          raw.User,
		Asset:         raw.Asset,
		CurrentValue:  nonNegative(raw.CurrentValue),
		Principal:     nonNegative(raw.Principal),
		UnlockedYield: decimal.Zero,
		LockedYield:   decimal.Zero,
	}

	if raw.Principal.IsNegative() || raw.CurrentValue.IsNegative() {
		info.CurrentValue = info.Principal
		info.Clamped = true
		return info, &model.ConsistencyError{
			User:   raw.User,
			Asset:  raw.Asset,
			Detail: fmt.Sprintf("negative balance (principal=%s current_value=%s)", raw.Principal, raw.CurrentValue),
		}
	}

	if raw.CurrentValue.LessThan(raw.Principal) {
		// Raised to principal so the invariant holds with zero yield.
		info.CurrentValue = info.Principal
		info.Clamped = true
		return info, &model.ConsistencyError{
			User:   raw.User,
			Asset:  raw.Asset,
			Detail: fmt.Sprintf("current_value %s below principal %s", raw.CurrentValue, raw.Principal),
		}
	}

	accrued := raw.CurrentValue.Sub(raw.Principal)

	reserved := decimal.Zero
	for _, l := range locks {
		if !l.ActiveAt(now) || !l.ReservedYield.IsPositive() {
			continue
		}
		reserved = reserved.Add(l.ReservedYield)
	}

	if reserved.GreaterThan(accrued) {
		info.LockedYield = accrued
		info.Clamped = true
		return info, &model.ConsistencyError{
			User:   raw.User,
			Asset:  raw.Asset,
			Detail: fmt.Sprintf("reserved yield %s exceeds accrued yield %s", reserved, accrued),
		}
	}

	info.LockedYield = reserved
	info.UnlockedYield = accrued.Sub(reserved)
	return info, nil
}

// ImpliedAPY is a display-only annualized extrapolation of the yield earned
// so far:
//
//	apy = (currentValue - principal) / principal * 365 / elapsedDays * 100
//
// Returns 0 when principal or elapsedDays is not positive. It is not a rate
// any financial decision may rely on.
func ImpliedAPY(principal, currentValue decimal.Decimal, elapsedDays int) decimal.Decimal {
	if !principal.IsPositive() || elapsedDays <= 0 {
		return decimal.Zero
	}
	gain := currentValue.Sub(principal)
	return gain.Div(principal).
		Mul(decimal.NewFromInt(365)).
		Div(decimal.NewFromInt(int64(elapsedDays))).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

// Engine answers deposit queries against the external ledger.
type Engine struct {
	ledger   DepositReader
	notifier events.Notifier
	now      func() time.Time
}

// NewEngine creates an accrual engine. Pass nil for notifier if consistency
// signals only need to be logged.
func NewEngine(ledger DepositReader, notifier events.Notifier) *Engine {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Engine{
		ledger:   ledger,
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GetDepositInfo returns the deposit split for (user, asset). A missing
// deposit yields all-zero fields. Ledger consistency problems are logged and
// signalled, and the clamped view is returned with a nil error; only ledger
// read failures are returned as errors.
func (e *Engine) GetDepositInfo(ctx context.Context, user, asset string) (model.DepositInfo, error) {
	start := time.Now()
	raw, err := e.ledger.ReadDeposit(ctx, user, asset)
	metrics.ObserveLedgerCall("read_deposit", start, err)
	if err != nil {
		return model.DepositInfo{}, fmt.Errorf("read deposit %s/%s: %w", user, asset, err)
	}
	raw.User, raw.Asset = user, asset

	start = time.Now()
	locks, err := e.ledger.ReadFlashLocks(ctx, user, asset)
	metrics.ObserveLedgerCall("read_flash_locks", start, err)
	if err != nil {
		return model.DepositInfo{}, fmt.Errorf("read flash locks %s/%s: %w", user, asset, err)
	}

	info, err := Split(raw, locks, e.now())
	if err != nil {
		metrics.ConsistencyErrors.WithLabelValues(asset).Inc()
		slog.Warn("ledger consistency problem, yield clamped",
			"user", user,
			"asset", asset,
			"principal", raw.Principal.String(),
			"current_value", raw.CurrentValue.String(),
			"err", err,
		)
		e.notifier.Notify(events.Event{
			Type:   events.TypeConsistencyError,
			User:   user,
			Asset:  asset,
			Detail: err.Error(),
		})
	}
	return info, nil
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
