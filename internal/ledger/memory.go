package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/parimutuel"
)

type depositKey struct {
	user  string
	asset string
}

type predictionKey struct {
	user     string
	marketID string
}

// MemoryLedger implements Ledger and Admin with in-memory maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu          sync.RWMutex
	deposits    map[depositKey]*model.RawDeposit
	locks       map[depositKey][]model.FlashLock
	markets     map[string]*model.Market
	predictions map[predictionKey]*model.Prediction
	advance     AdvanceFunc
	now         func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger. advance prices the
// yield credited by CommitFlashLock.
func NewMemoryLedger(advance AdvanceFunc) *MemoryLedger {
	return &MemoryLedger{
		deposits:    make(map[depositKey]*model.RawDeposit),
		locks:       make(map[depositKey][]model.FlashLock),
		markets:     make(map[string]*model.Market),
		predictions: make(map[predictionKey]*model.Prediction),
		advance:     advance,
		now:         time.Now,
	}
}

// WithClock overrides the ledger's time source.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

// --- Reader ---

func (l *MemoryLedger) ReadDeposit(_ context.Context, user, asset string) (model.RawDeposit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.deposit(user, asset), nil
}

func (l *MemoryLedger) ReadFlashLocks(_ context.Context, user, asset string) ([]model.FlashLock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	src := l.locks[depositKey{user, asset}]
	out := make([]model.FlashLock, len(src))
	copy(out, src)
	return out, nil
}

func (l *MemoryLedger) ReadMarket(_ context.Context, marketID string) (model.Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.markets[marketID]
	if !ok {
		return model.Market{}, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	return *m, nil
}

func (l *MemoryLedger) ListMarkets(_ context.Context, asset string) ([]model.Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	markets := make([]model.Market, 0, len(l.markets))
	for _, m := range l.markets {
		if m.Asset == asset {
			markets = append(markets, *m)
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].ClosesAt.Equal(markets[j].ClosesAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].ClosesAt.Before(markets[j].ClosesAt)
	})
	return markets, nil
}

func (l *MemoryLedger) ReadUserPredictions(_ context.Context, user string) ([]model.Prediction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userPredictions(user), nil
}

func (l *MemoryLedger) PotentialWinnings(_ context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.markets[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	return parimutuel.Preview(*m, choice, amount), nil
}

// --- Writer ---

// CommitStake re-checks available yield under the write lock, so two
// concurrent stakes can never both spend the same yield.
func (l *MemoryLedger) CommitStake(_ context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}

	key := depositKey{user, m.Asset}
	avail := stakeable(l.deposit(user, m.Asset), l.locks[key], l.userPredictions(user), l.marketSnapshot(), l.now())
	existing := l.predictions[predictionKey{user, marketID}]
	if err := checkStakeable(*m, choice, amount, avail, existing, l.now()); err != nil {
		return fmt.Errorf("stake %s on %s: %w", amount, marketID, err)
	}

	if existing == nil {
		existing = &model.Prediction{
			User:        user,
			MarketID:    marketID,
			Asset:       m.Asset,
			YieldStaked: decimal.Zero,
			Choice:      choice,
		}
		l.predictions[predictionKey{user, marketID}] = existing
	}
	existing.YieldStaked = existing.YieldStaked.Add(amount)

	if choice == model.ChoiceYes {
		m.TotalYesStake = m.TotalYesStake.Add(amount)
	} else {
		m.TotalNoStake = m.TotalNoStake.Add(amount)
	}
	return nil
}

func (l *MemoryLedger) CommitFlashLock(_ context.Context, user, asset string, principal decimal.Decimal, days int) (model.FlashLock, error) {
	if !principal.IsPositive() {
		return model.FlashLock{}, &model.RangeError{Field: "principal", Value: principal.String()}
	}
	advance, err := l.advance(principal, days)
	if err != nil {
		return model.FlashLock{}, fmt.Errorf("price advance: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	fl := model.FlashLock{
		ID:               uuid.New().String(),
		User:             user,
		Asset:            asset,
		LockedPrincipal:  principal,
		ReservedYield:    advance,
		LockDurationDays: days,
		LockedAt:         now,
		UnlocksAt:        now.AddDate(0, 0, days),
	}

	key := depositKey{user, asset}
	dep := l.mutableDeposit(user, asset)
	dep.Principal = dep.Principal.Add(principal)
	dep.CurrentValue = dep.CurrentValue.Add(principal).Add(advance)
	l.locks[key] = append(l.locks[key], fl)
	return fl, nil
}

func (l *MemoryLedger) CommitClaim(_ context.Context, user, marketID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	if m.Status != model.StatusResolved {
		return decimal.Zero, fmt.Errorf("claim on %s: %w", marketID, model.ErrMarketNotResolved)
	}
	p, ok := l.predictions[predictionKey{user, marketID}]
	if !ok || p.Claimed || p.Choice != m.Outcome {
		return decimal.Zero, fmt.Errorf("claim on %s: %w", marketID, ErrNothingToClaim)
	}

	payout := parimutuel.Settle(*m, *p)
	dep := l.mutableDeposit(user, m.Asset)
	dep.CurrentValue = dep.CurrentValue.Add(payout.Sub(p.YieldStaked))
	p.Claimed = true
	return payout, nil
}

// --- Admin ---

func (l *MemoryLedger) CreateMarket(_ context.Context, m model.Market) (model.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if _, ok := l.markets[m.ID]; ok {
		return model.Market{}, fmt.Errorf("market %s: %w", m.ID, ErrMarketExists)
	}
	m.Status = model.StatusOpen
	m.Outcome = model.OutcomeUndecided
	m.TotalYesStake = decimal.Zero
	m.TotalNoStake = decimal.Zero

	// Store a copy to avoid external mutation.
	stored := m
	l.markets[m.ID] = &stored
	return m, nil
}

func (l *MemoryLedger) Deposit(_ context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error) {
	if !amount.IsPositive() {
		return model.RawDeposit{}, &model.RangeError{Field: "amount", Value: amount.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dep := l.mutableDeposit(user, asset)
	dep.Principal = dep.Principal.Add(amount)
	dep.CurrentValue = dep.CurrentValue.Add(amount)
	return *dep, nil
}

// Withdraw pays out the whole current value and closes the deposit.
func (l *MemoryLedger) Withdraw(_ context.Context, user, asset string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, fl := range l.locks[depositKey{user, asset}] {
		if fl.ActiveAt(now) {
			return decimal.Zero, fmt.Errorf("withdraw %s/%s: %w", user, asset, ErrPrincipalLocked)
		}
	}
	for _, p := range l.userPredictions(user) {
		if p.Asset != asset || p.Claimed {
			continue
		}
		if m := l.markets[p.MarketID]; m != nil && m.Status != model.StatusResolved {
			return decimal.Zero, fmt.Errorf("withdraw %s/%s: %w", user, asset, ErrOpenPredictions)
		}
	}

	key := depositKey{user, asset}
	dep, ok := l.deposits[key]
	if !ok {
		return decimal.Zero, nil
	}
	out := dep.CurrentValue
	delete(l.deposits, key)
	delete(l.locks, key)
	return out, nil
}

// AccrueYield simulates the vault's share price growing for one deposit.
func (l *MemoryLedger) AccrueYield(_ context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error) {
	if !amount.IsPositive() {
		return model.RawDeposit{}, &model.RangeError{Field: "amount", Value: amount.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := depositKey{user, asset}
	dep, ok := l.deposits[key]
	if !ok {
		return model.RawDeposit{}, fmt.Errorf("deposit %s/%s: %w", user, asset, model.ErrNotFound)
	}
	dep.CurrentValue = dep.CurrentValue.Add(amount)
	return *dep, nil
}

// ResolveMarket settles a market and debits every losing stake from its
// owner's deposit. A market nobody won refunds the losers instead.
func (l *MemoryLedger) ResolveMarket(_ context.Context, marketID string, outcome model.Outcome) (model.Market, error) {
	if !outcome.Valid() {
		return model.Market{}, &model.RangeError{Field: "outcome", Value: outcome.String()}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.markets[marketID]
	if !ok {
		return model.Market{}, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	if m.Status == model.StatusResolved {
		return model.Market{}, fmt.Errorf("resolve %s: %w", marketID, ErrAlreadyResolved)
	}
	m.Status = model.StatusResolved
	m.Outcome = outcome

	// With nobody on the winning side there is no one to pay, so the losing
	// stakes stay with their owners.
	if winners, _ := m.Pools(outcome); !winners.IsPositive() {
		return *m, nil
	}
	for k, p := range l.predictions {
		if k.marketID != marketID || p.Choice == outcome {
			continue
		}
		dep := l.mutableDeposit(p.User, p.Asset)
		dep.CurrentValue = dep.CurrentValue.Sub(p.YieldStaked)
	}
	return *m, nil
}

// --- helpers (callers hold l.mu) ---

func (l *MemoryLedger) deposit(user, asset string) model.RawDeposit {
	if dep, ok := l.deposits[depositKey{user, asset}]; ok {
		return *dep
	}
	return model.RawDeposit{User: user, Asset: asset, Principal: decimal.Zero, CurrentValue: decimal.Zero}
}

func (l *MemoryLedger) mutableDeposit(user, asset string) *model.RawDeposit {
	key := depositKey{user, asset}
	dep, ok := l.deposits[key]
	if !ok {
		dep = &model.RawDeposit{User: user, Asset: asset, Principal: decimal.Zero, CurrentValue: decimal.Zero}
		l.deposits[key] = dep
	}
	return dep
}

func (l *MemoryLedger) userPredictions(user string) []model.Prediction {
	var out []model.Prediction
	for k, p := range l.predictions {
		if k.user == user {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

func (l *MemoryLedger) marketSnapshot() map[string]model.Market {
	out := make(map[string]model.Market, len(l.markets))
	for id, m := range l.markets {
		out[id] = *m
	}
	return out
}
