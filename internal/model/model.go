// Package model defines the core domain types shared across the yield engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places amounts are truncated to. The vault
// tokens are 18-decimal ERC-20s, so one unit at this scale is one wei.
const Scale int32 = 18

// RawDeposit is the ledger's view of one (user, asset) deposit. The split of
// yield into unlocked and locked portions is derived, never fetched.
type RawDeposit struct {
	User         string          `json:"user" db:"user_id"`
	Asset        string          `json:"asset" db:"asset"`
	Principal    decimal.Decimal `json:"principal" db:"principal"`
	CurrentValue decimal.Decimal `json:"current_value" db:"current_value"`
}

// FlashLock is an outstanding flash-advance commitment. ReservedYield is the
// slice of the deposit's yield held back until UnlocksAt. A zero UnlocksAt
// means the ledger did not report an expiry; the reservation then stays
// active until the ledger stops reporting it.
type FlashLock struct {
	ID               string          `json:"id" db:"id"`
	User             string          `json:"user" db:"user_id"`
	Asset            string          `json:"asset" db:"asset"`
	LockedPrincipal  decimal.Decimal `json:"locked_principal" db:"locked_principal"`
	ReservedYield    decimal.Decimal `json:"reserved_yield" db:"reserved_yield"`
	LockDurationDays int             `json:"lock_duration_days" db:"lock_duration_days"`
	LockedAt         time.Time       `json:"locked_at" db:"locked_at"`
	UnlocksAt        time.Time       `json:"unlocks_at" db:"unlocks_at"`
}

// ActiveAt reports whether the lock still reserves yield at t.
func (l FlashLock) ActiveAt(t time.Time) bool {
	return l.UnlocksAt.IsZero() || t.Before(l.UnlocksAt)
}

// DepositInfo is the principal / unlocked / locked split of a deposit.
// Invariant: CurrentValue >= Principal and
// UnlockedYield + LockedYield == CurrentValue - Principal, all non-negative.
type DepositInfo struct {
	User          string          `json:"user"`
	Asset         string          `json:"asset"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	Principal     decimal.Decimal `json:"principal"`
	UnlockedYield decimal.Decimal `json:"unlocked_yield"`
	LockedYield   decimal.Decimal `json:"locked_yield"`
	Clamped       bool            `json:"clamped"` // ledger state was inconsistent and yield was clamped
}

// TotalYield returns unlocked + locked yield.
func (d DepositInfo) TotalYield() decimal.Decimal {
	return d.UnlockedYield.Add(d.LockedYield)
}

// MarketStatus mirrors the market contract's status enum.
type MarketStatus uint8

const (
	StatusOpen MarketStatus = iota
	StatusClosed
	StatusResolved
)

func (s MarketStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusResolved:
		return "resolved"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s MarketStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MarketStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "open":
		*s = StatusOpen
	case "closed":
		*s = StatusClosed
	case "resolved":
		*s = StatusResolved
	default:
		return fmt.Errorf("model: unknown market status %q", b)
	}
	return nil
}

// Choice is a side of a binary market. Outcome uses the same encoding with
// ChoiceNone meaning "undecided".
type Choice uint8

const (
	ChoiceNone Choice = iota
	ChoiceYes
	ChoiceNo
)

// Outcome is the resolved side of a market.
type Outcome = Choice

const OutcomeUndecided = ChoiceNone

// ParseChoice accepts "yes"/"no" in any case.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return ChoiceYes, nil
	case "NO":
		return ChoiceNo, nil
	}
	return ChoiceNone, fmt.Errorf("%w: choice must be YES or NO, got %q", ErrRange, s)
}

// Valid reports whether c is a stakeable side.
func (c Choice) Valid() bool { return c == ChoiceYes || c == ChoiceNo }

func (c Choice) String() string {
	switch c {
	case ChoiceYes:
		return "YES"
	case ChoiceNo:
		return "NO"
	}
	return "NONE"
}

func (c Choice) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Choice) UnmarshalText(b []byte) error {
	if strings.EqualFold(string(b), "NONE") || len(b) == 0 {
		*c = ChoiceNone
		return nil
	}
	parsed, err := ParseChoice(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Market is a read-only snapshot of a binary prediction market.
type Market struct {
	ID            string          `json:"id" db:"id"`
	Asset         string          `json:"asset" db:"asset"`
	Question      string          `json:"question" db:"question"`
	Status        MarketStatus    `json:"status" db:"status"`
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	TotalYesStake decimal.Decimal `json:"total_yes_stake" db:"total_yes"`
	TotalNoStake  decimal.Decimal `json:"total_no_stake" db:"total_no"`
	ClosesAt      time.Time       `json:"closes_at" db:"closes_at"`
}

// Pools returns (pool for c, pool for the opposite side).
func (m Market) Pools(c Choice) (mine, opposite decimal.Decimal) {
	if c == ChoiceNo {
		return m.TotalNoStake, m.TotalYesStake
	}
	return m.TotalYesStake, m.TotalNoStake
}

// TotalPool returns the sum of both sides.
func (m Market) TotalPool() decimal.Decimal {
	return m.TotalYesStake.Add(m.TotalNoStake)
}

// YesPercentage is the share of the pool on YES, 50 when the pool is empty.
func (m Market) YesPercentage() decimal.Decimal {
	total := m.TotalPool()
	if !total.IsPositive() {
		return decimal.NewFromInt(50)
	}
	return m.TotalYesStake.Div(total).Mul(decimal.NewFromInt(100)).Round(1)
}

// Prediction is a user's position in one market.
type Prediction struct {
	User        string          `json:"user" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Asset       string          `json:"asset" db:"asset"`
	YieldStaked decimal.Decimal `json:"yield_staked" db:"yield_staked"`
	Choice      Choice          `json:"choice" db:"choice"`
	Claimed     bool            `json:"claimed" db:"claimed"`
}

// FlashAdvanceQuote is an ephemeral flash-advance calculation. Never persisted.
type FlashAdvanceQuote struct {
	RequestedYield    decimal.Decimal `json:"requested_yield"`
	LockDurationDays  int             `json:"lock_duration_days"`
	RequiredPrincipal decimal.Decimal `json:"required_principal"`
	InstantYieldRate  decimal.Decimal `json:"instant_yield_rate"`
}

// StakeReceipt describes a stake the ledger accepted.
type StakeReceipt struct {
	ID              string          `json:"id"`
	User            string          `json:"user"`
	MarketID        string          `json:"market_id"`
	Asset           string          `json:"asset"`
	Choice          Choice          `json:"choice"`
	Amount          decimal.Decimal `json:"amount"`
	AvailableBefore decimal.Decimal `json:"available_before"`
	AvailableAfter  decimal.Decimal `json:"available_after"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ClaimReceipt describes a payout the ledger made.
type ClaimReceipt struct {
	ID        string          `json:"id"`
	User      string          `json:"user"`
	MarketID  string          `json:"market_id"`
	Asset     string          `json:"asset"`
	Payout    decimal.Decimal `json:"payout"`
	Timestamp time.Time       `json:"timestamp"`
}
