// Package events is the engine's explicit notification boundary. Operations
// that change external state, or detect an inconsistent ledger, report an
// Event to a Notifier supplied by the caller instead of relying on any
// implicit refresh loop.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types.
const (
	TypeStakeCommitted   = "stake_committed"
	TypeStakeRejected    = "stake_rejected"
	TypeFlashLocked      = "flash_locked"
	TypeRewardClaimed    = "reward_claimed"
	TypeConsistencyError = "consistency_error"
)

// Event is a JSON-serializable boundary notification.
type Event struct {
	ID        string           `json:"id,omitempty"`
	Type      string           `json:"type"`
	User      string           `json:"user,omitempty"`
	Asset     string           `json:"asset,omitempty"`
	MarketID  string           `json:"market_id,omitempty"`
	Choice    string           `json:"choice,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier receives boundary events. Implementations must not block the
// caller for long; the engine calls Notify on the request path.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Amount returns a pointer to v for Event.Amount.
func Amount(v decimal.Decimal) *decimal.Decimal {
	return &v
}
