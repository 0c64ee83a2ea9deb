// Package flash converts between a desired immediate yield advance and the
// principal lock that backs it, at a fixed annualized instant-yield rate:
//
//	requiredPrincipal = targetYield / (rate * days / 365)
//	receivableYield   = principal * rate * days / 365
//
// The Calculator is stateless: market and user state are never stored, so a
// quote that is abandoned needs no cleanup. Committing a lock is a separate
// ledger operation performed by Service.
//
// All monetary values use shopspring/decimal, never float64 for money.
package flash

import (
	"errors"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/metrics"
	"github.com/yieldedge/yield-engine/internal/model"
)

var (
	// ErrInvalidRate is returned when the instant-yield rate is not in (0, 10].
	ErrInvalidRate = errors.New("flash: instant yield rate must be in (0, 10]")

	// ErrInvalidBounds is returned when the lock duration bounds are unusable.
	ErrInvalidBounds = errors.New("flash: lock duration bounds must satisfy 1 <= min <= max")

	// DefaultRate is the protocol's instant-yield rate (50% annualized).
	DefaultRate = decimal.NewFromFloat(0.50)

	// DefaultMinDays and DefaultMaxDays bound the lock duration inclusively.
	DefaultMinDays = 7
	DefaultMaxDays = 365

	daysPerYear = decimal.NewFromInt(365)
	maxRate     = decimal.NewFromInt(10)
	unit        = decimal.New(1, -model.Scale)
)

// Calculator quotes flash advances. Results are truncated to model.Scale
// places: receivable yield rounds down and required principal rounds up, so
// the protocol never advances more yield than the locked principal backs.
type Calculator struct {
	rate    decimal.Decimal
	minDays int
	maxDays int
}

// NewCalculator creates a calculator for the given rate and inclusive day range.
func NewCalculator(rate decimal.Decimal, minDays, maxDays int) (*Calculator, error) {
	if !rate.IsPositive() || rate.GreaterThan(maxRate) {
		return nil, ErrInvalidRate
	}
	if minDays < 1 || maxDays < minDays {
		return nil, ErrInvalidBounds
	}
	return &Calculator{rate: rate, minDays: minDays, maxDays: maxDays}, nil
}

// DefaultCalculator returns a calculator at 0.50 over 7..365 days.
func DefaultCalculator() *Calculator {
	return &Calculator{rate: DefaultRate, minDays: DefaultMinDays, maxDays: DefaultMaxDays}
}

// Rate returns the instant-yield rate.
func (c *Calculator) Rate() decimal.Decimal { return c.rate }

// Bounds returns the inclusive lock duration range in days.
func (c *Calculator) Bounds() (minDays, maxDays int) { return c.minDays, c.maxDays }

// PrincipalForYield returns the principal that must be locked for days to
// receive targetYield immediately. A non-positive target needs no principal.
// A duration outside the configured range is rejected, never clamped.
func (c *Calculator) PrincipalForYield(targetYield decimal.Decimal, days int) (decimal.Decimal, error) {
	if err := c.checkDays(days); err != nil {
		return decimal.Zero, err
	}
	targetYield = targetYield.Truncate(model.Scale)
	if !targetYield.IsPositive() {
		return decimal.Zero, nil
	}

	num := targetYield.Mul(daysPerYear)
	den := c.rate.Mul(decimal.NewFromInt(int64(days)))
	q, r := num.QuoRem(den, model.Scale)
	if !r.IsZero() {
		q = q.Add(unit)
	}
	return q, nil
}

// YieldForPrincipal returns the yield advanced immediately for locking
// principal for days.
func (c *Calculator) YieldForPrincipal(principal decimal.Decimal, days int) (decimal.Decimal, error) {
	if err := c.checkDays(days); err != nil {
		return decimal.Zero, err
	}
	if !principal.IsPositive() {
		return decimal.Zero, nil
	}

	num := principal.Mul(c.rate).Mul(decimal.NewFromInt(int64(days)))
	q, _ := num.QuoRem(daysPerYear, model.Scale)
	return q, nil
}

// Quote computes the principal required for targetYield over days.
func (c *Calculator) Quote(targetYield decimal.Decimal, days int) (model.FlashAdvanceQuote, error) {
	principal, err := c.PrincipalForYield(targetYield, days)
	if err != nil {
		return model.FlashAdvanceQuote{}, err
	}
	metrics.FlashQuotes.Inc()

	requested := targetYield.Truncate(model.Scale)
	if requested.IsNegative() {
		requested = decimal.Zero
	}
	return model.FlashAdvanceQuote{
		RequestedYield:    requested,
		LockDurationDays:  days,
		RequiredPrincipal: principal,
		InstantYieldRate:  c.rate,
	}, nil
}

func (c *Calculator) checkDays(days int) error {
	if days < c.minDays || days > c.maxDays {
		return &model.RangeError{
			Field: "lock_duration_days",
			Value: strconv.Itoa(days),
			Min:   strconv.Itoa(c.minDays),
			Max:   strconv.Itoa(c.maxDays),
		}
	}
	return nil
}
