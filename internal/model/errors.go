package model

import (
	"errors"
	"fmt"
)

// Error taxonomy of the engine. Rejections built on these are local,
// synchronous and leave no partial state behind.
var (
	// ErrConsistency is signalled when the ledger reports an impossible state,
	// e.g. currentValue < principal. Callers get clamped values, not a crash.
	ErrConsistency = errors.New("ledger reported an inconsistent state")

	// ErrRange is returned for a duration or amount outside configured bounds.
	ErrRange = errors.New("value out of range")

	// ErrInsufficientYield is returned when a stake exceeds available yield.
	ErrInsufficientYield = errors.New("insufficient available yield")

	// ErrMarketClosed is returned when a market's deadline passed or its
	// status is not open.
	ErrMarketClosed = errors.New("market is closed")

	// ErrMarketNotResolved is returned when claiming on an unresolved market.
	ErrMarketNotResolved = errors.New("market is not resolved")

	// ErrNotFound is returned when a market or asset does not exist.
	ErrNotFound = errors.New("not found")
)

// RangeError describes which bound a value violated.
type RangeError struct {
	Field string
	Value string
	Min   string
	Max   string
}

func (e *RangeError) Error() string {
	switch {
	case e.Min != "" && e.Max != "":
		return fmt.Sprintf("%s %s outside [%s, %s]", e.Field, e.Value, e.Min, e.Max)
	case e.Min != "":
		return fmt.Sprintf("%s %s below minimum %s", e.Field, e.Value, e.Min)
	}
	return fmt.Sprintf("%s %s invalid", e.Field, e.Value)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// ConsistencyError carries the raw figures behind an ErrConsistency signal.
type ConsistencyError struct {
	User   string
	Asset  string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.User, e.Asset, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }
