package prediction_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/accrual"
	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/flash"
	"github.com/yieldedge/yield-engine/internal/guard"
	"github.com/yieldedge/yield-engine/internal/ledger"
	"github.com/yieldedge/yield-engine/internal/lock"
	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/prediction"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// spyLedger counts the mutating calls that reach the ledger.
type spyLedger struct {
	*ledger.MemoryLedger
	mu      sync.Mutex
	commits int
	claims  int
}

func (s *spyLedger) CommitStake(ctx context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return s.MemoryLedger.CommitStake(ctx, user, marketID, choice, amount)
}

func (s *spyLedger) CommitClaim(ctx context.Context, user, marketID string) (decimal.Decimal, error) {
	s.mu.Lock()
	s.claims++
	s.mu.Unlock()
	return s.MemoryLedger.CommitClaim(ctx, user, marketID)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	svc    *prediction.Service
	ledger *spyLedger
	events *recorder
}

// newTestEnv gives alice and bob 10 unlocked usdy yield and opens markets A and B.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	spy := &spyLedger{MemoryLedger: ledger.NewMemoryLedger(flash.DefaultCalculator().YieldForPrincipal).WithClock(clock)}

	for _, u := range []string{"alice", "bob"} {
		if _, err := spy.Deposit(ctx, u, "usdy", d(1000)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if _, err := spy.AccrueYield(ctx, u, "usdy", d(10)); err != nil {
			t.Fatalf("accrue: %v", err)
		}
	}
	for _, id := range []string{"A", "B"} {
		if _, err := spy.CreateMarket(ctx, model.Market{ID: id, Asset: "usdy", Question: id, ClosesAt: now.Add(time.Hour)}); err != nil {
			t.Fatalf("create market: %v", err)
		}
	}

	rec := &recorder{}
	engine := accrual.NewEngine(spy, rec).WithClock(clock)
	g := guard.New(engine, spy).WithClock(clock)
	svc := prediction.NewService(spy, g, lock.NewLocalLocker(), rec)
	return testEnv{svc: svc, ledger: spy, events: rec}
}

func TestSubmitStake_Accepted(t *testing.T) {
	env := newTestEnv(t)

	receipt, err := env.svc.SubmitStake(context.Background(), prediction.StakeRequest{
		User: "alice", MarketID: "A", Choice: model.ChoiceYes, Amount: d(6),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.AvailableBefore.Equal(d(10)) || !receipt.AvailableAfter.Equal(d(4)) {
		t.Errorf("available %s -> %s, want 10 -> 4", receipt.AvailableBefore, receipt.AvailableAfter)
	}
	if !receipt.AvailableBefore.Sub(receipt.AvailableAfter).Equal(receipt.Amount) {
		t.Error("available yield must drop by exactly the staked amount")
	}
	// Empty market: the only stake wins back just itself.
	if !receipt.PotentialPayout.Equal(d(6)) {
		t.Errorf("payout preview = %s, want 6", receipt.PotentialPayout)
	}
	if receipt.ID == "" || receipt.Asset != "usdy" {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if got := env.events.types(); len(got) != 1 || got[0] != events.TypeStakeCommitted {
		t.Errorf("events = %v, want [stake_committed]", got)
	}
}

func TestSubmitStake_RejectedMakesNoLedgerCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: "A", Choice: model.ChoiceYes, Amount: d(6)}); err != nil {
		t.Fatalf("first stake: %v", err)
	}

	_, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: "B", Choice: model.ChoiceNo, Amount: d(5)})
	if !errors.Is(err, model.ErrInsufficientYield) {
		t.Fatalf("expected ErrInsufficientYield, got %v", err)
	}
	if env.ledger.commits != 1 {
		t.Errorf("ledger saw %d commits, want 1", env.ledger.commits)
	}

	_, err = env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: "B", Choice: model.ChoiceNo, Amount: decimal.Zero})
	if !errors.Is(err, model.ErrRange) {
		t.Errorf("zero amount: expected ErrRange, got %v", err)
	}
	_, err = env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: "B", Choice: model.ChoiceNone, Amount: d(1)})
	if !errors.Is(err, model.ErrRange) {
		t.Errorf("no choice: expected ErrRange, got %v", err)
	}
	if env.ledger.commits != 1 {
		t.Errorf("ledger saw %d commits after rejections, want 1", env.ledger.commits)
	}

	got := env.events.types()
	if len(got) != 3 || got[1] != events.TypeStakeRejected || got[2] != events.TypeStakeRejected {
		t.Errorf("events = %v", got)
	}
}

func TestSubmitStake_UnknownMarket(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SubmitStake(context.Background(), prediction.StakeRequest{User: "alice", MarketID: "nope", Choice: model.ChoiceYes, Amount: d(1)})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitStake_ConcurrentNeverOverspends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		market := "A"
		if i%2 == 1 {
			market = "B"
		}
		go func() {
			defer wg.Done()
			_, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: market, Choice: model.ChoiceYes, Amount: d(2)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, model.ErrInsufficientYield):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 5 || rejected != 7 {
		t.Errorf("accepted=%d rejected=%d, want 5/7", accepted, rejected)
	}
}

func TestClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "alice", MarketID: "A", Choice: model.ChoiceYes, Amount: d(4)}); err != nil {
		t.Fatalf("alice stake: %v", err)
	}
	if _, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "bob", MarketID: "A", Choice: model.ChoiceNo, Amount: d(8)}); err != nil {
		t.Fatalf("bob stake: %v", err)
	}

	if _, err := env.svc.Claim(ctx, "alice", "A"); !errors.Is(err, model.ErrMarketNotResolved) {
		t.Fatalf("expected ErrMarketNotResolved, got %v", err)
	}
	if env.ledger.claims != 0 {
		t.Errorf("claim on open market reached the ledger")
	}

	if _, err := env.ledger.ResolveMarket(ctx, "A", model.ChoiceYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	receipt, err := env.svc.Claim(ctx, "alice", "A")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !receipt.Payout.Equal(d(12)) {
		t.Errorf("payout = %s, want 12", receipt.Payout)
	}

	if _, err := env.svc.Claim(ctx, "bob", "A"); !errors.Is(err, ledger.ErrNothingToClaim) {
		t.Errorf("loser claim: expected ErrNothingToClaim, got %v", err)
	}
}

func TestPotentialWinnings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.svc.SubmitStake(ctx, prediction.StakeRequest{User: "bob", MarketID: "A", Choice: model.ChoiceNo, Amount: d(9)}); err != nil {
		t.Fatalf("stake: %v", err)
	}

	got, err := env.svc.PotentialWinnings(ctx, "A", model.ChoiceYes, d(3))
	if err != nil {
		t.Fatalf("winnings: %v", err)
	}
	// 3 + 3/3 * 9
	if !got.Equal(d(12)) {
		t.Errorf("winnings = %s, want 12", got)
	}

	got, err = env.svc.PotentialWinnings(ctx, "A", model.ChoiceYes, decimal.Zero)
	if err != nil || !got.IsZero() {
		t.Errorf("zero amount = %s, %v; want 0", got, err)
	}
	if _, err := env.svc.PotentialWinnings(ctx, "A", model.ChoiceNone, d(1)); !errors.Is(err, model.ErrRange) {
		t.Errorf("no choice: expected ErrRange, got %v", err)
	}
}

func TestPotentialWinnings_UnknownMarket(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, amount := range []decimal.Decimal{d(3), decimal.Zero, d(-1)} {
		if _, err := env.svc.PotentialWinnings(ctx, "Z", model.ChoiceYes, amount); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("amount %s: expected ErrNotFound, got %v", amount, err)
		}
	}
}
