// Package parimutuel implements the pool payout rule of the prediction
// markets: winners split the losing pool in proportion to their stake.
//
//	payout = stake + stake / winningPool * losingPool
//
// It is the market's own formula, used by ledgers that host markets
// themselves. The prediction service never reimplements it; it asks the
// ledger for the payout instead.
package parimutuel

import (
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/model"
)

// Payout returns what stake on choice receives if choice wins, given the
// final pools of m. The stake is expected to already be part of its own
// pool. Results are truncated to model.Scale places, so the pools are never
// overpaid.
func Payout(m model.Market, choice model.Choice, stake decimal.Decimal) decimal.Decimal {
	if !stake.IsPositive() || !choice.Valid() {
		return decimal.Zero
	}
	mine, opposite := m.Pools(choice)
	if !mine.IsPositive() {
		return stake
	}
	winnings, _ := stake.Mul(opposite).QuoRem(mine, model.Scale)
	return stake.Add(winnings)
}

// Preview returns the payout a new stake of amount on choice would receive
// if the market resolved now, adding the stake to its pool first.
func Preview(m model.Market, choice model.Choice, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || !choice.Valid() {
		return decimal.Zero
	}
	if choice == model.ChoiceYes {
		m.TotalYesStake = m.TotalYesStake.Add(amount)
	} else {
		m.TotalNoStake = m.TotalNoStake.Add(amount)
	}
	return Payout(m, choice, amount)
}

// Settle returns the payout owed on a resolved market for one prediction:
// the pool payout on the winning side, zero on the losing side.
func Settle(m model.Market, p model.Prediction) decimal.Decimal {
	if m.Status != model.StatusResolved || p.Choice != m.Outcome {
		return decimal.Zero
	}
	return Payout(m, p.Choice, p.YieldStaked)
}
