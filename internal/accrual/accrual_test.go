package accrual

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/events"
	"github.com/yieldedge/yield-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func raw(principal, current float64) model.RawDeposit {
	return model.RawDeposit{User: "alice", Asset: "usdy", Principal: d(principal), CurrentValue: d(current)}
}

// assertInvariant checks unlocked + locked == current - principal with all fields non-negative.
func assertInvariant(t *testing.T, info model.DepositInfo) {
	t.Helper()
	for name, v := range map[string]decimal.Decimal{
		"current_value":  info.CurrentValue,
		"principal":      info.Principal,
		"unlocked_yield": info.UnlockedYield,
		"locked_yield":   info.LockedYield,
	} {
		if v.IsNegative() {
			t.Errorf("%s = %s, want >= 0", name, v)
		}
	}
	if !info.TotalYield().Equal(info.CurrentValue.Sub(info.Principal)) {
		t.Errorf("unlocked %s + locked %s != current %s - principal %s",
			info.UnlockedYield, info.LockedYield, info.CurrentValue, info.Principal)
	}
}

func TestSplit_NoLocks(t *testing.T) {
	info, err := Split(raw(1000, 1050), nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.UnlockedYield.Equal(d(50)) {
		t.Errorf("unlocked = %s, want 50", info.UnlockedYield)
	}
	if !info.LockedYield.IsZero() {
		t.Errorf("locked = %s, want 0", info.LockedYield)
	}
	if info.Clamped {
		t.Error("should not be clamped")
	}
	assertInvariant(t, info)
}

func TestSplit_ZeroDeposit(t *testing.T) {
	info, err := Split(model.RawDeposit{}, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.CurrentValue.IsZero() || !info.Principal.IsZero() || !info.TotalYield().IsZero() {
		t.Errorf("expected all-zero info, got %+v", info)
	}
}

func TestSplit_ActiveAndExpiredLocks(t *testing.T) {
	locks := []model.FlashLock{
		{ID: "a", ReservedYield: d(20), UnlocksAt: now.Add(24 * time.Hour)},
		{ID: "b", ReservedYield: d(5), UnlocksAt: now},                 // expired exactly now
		{ID: "c", ReservedYield: d(7), UnlocksAt: now.Add(-time.Hour)}, // expired
		{ID: "d", ReservedYield: d(3)},                                 // no expiry reported
	}
	info, err := Split(raw(1000, 1050), locks, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.LockedYield.Equal(d(23)) {
		t.Errorf("locked = %s, want 23", info.LockedYield)
	}
	if !info.UnlockedYield.Equal(d(27)) {
		t.Errorf("unlocked = %s, want 27", info.UnlockedYield)
	}
	assertInvariant(t, info)
}

func TestSplit_LockExpiryReleasesYield(t *testing.T) {
	locks := []model.FlashLock{{ID: "a", ReservedYield: d(40), UnlocksAt: now.Add(time.Hour)}}

	before, _ := Split(raw(1000, 1050), locks, now)
	after, _ := Split(raw(1000, 1050), locks, now.Add(2*time.Hour))

	if !before.UnlockedYield.Equal(d(10)) {
		t.Errorf("unlocked before expiry = %s, want 10", before.UnlockedYield)
	}
	if !after.UnlockedYield.Equal(d(50)) || !after.LockedYield.IsZero() {
		t.Errorf("after expiry: unlocked=%s locked=%s, want 50/0", after.UnlockedYield, after.LockedYield)
	}
}

func TestSplit_CurrentBelowPrincipal(t *testing.T) {
	info, err := Split(raw(1000, 990), nil, now)
	if !errors.Is(err, model.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	var ce *model.ConsistencyError
	if !errors.As(err, &ce) || ce.User != "alice" || ce.Asset != "usdy" {
		t.Errorf("expected ConsistencyError for alice/usdy, got %v", err)
	}
	if !info.Clamped {
		t.Error("expected Clamped")
	}
	if !info.TotalYield().IsZero() {
		t.Errorf("yield = %s, want 0", info.TotalYield())
	}
	assertInvariant(t, info)
}

func TestSplit_NegativeBalance(t *testing.T) {
	info, err := Split(raw(-5, 10), nil, now)
	if !errors.Is(err, model.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	assertInvariant(t, info)
}

func TestSplit_ReservationsExceedYield(t *testing.T) {
	locks := []model.FlashLock{{ID: "a", ReservedYield: d(80), UnlocksAt: now.Add(time.Hour)}}
	info, err := Split(raw(1000, 1050), locks, now)
	if !errors.Is(err, model.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	if !info.LockedYield.Equal(d(50)) || !info.UnlockedYield.IsZero() {
		t.Errorf("locked=%s unlocked=%s, want 50/0", info.LockedYield, info.UnlockedYield)
	}
	assertInvariant(t, info)
}

func TestSplit_InvariantGrid(t *testing.T) {
	principals := []float64{0, 1, 1000, 123456.789}
	gains := []float64{0, 0.000001, 12.5, 5000}
	reserves := []float64{0, 0.5, 12.5, 10000}

	for _, p := range principals {
		for _, g := range gains {
			for _, r := range reserves {
				locks := []model.FlashLock{{ReservedYield: d(r), UnlocksAt: now.Add(time.Hour)}}
				info, _ := Split(raw(p, p+g), locks, now)
				assertInvariant(t, info)
			}
		}
	}
}

func TestImpliedAPY(t *testing.T) {
	tests := []struct {
		name      string
		principal float64
		current   float64
		days      int
		want      string
	}{
		{"thirty days", 1000, 1050, 30, "60.83"},
		{"one year", 1000, 1100, 365, "10"},
		{"zero principal", 0, 50, 30, "0"},
		{"zero days", 1000, 1050, 0, "0"},
		{"negative days", 1000, 1050, -3, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ImpliedAPY(d(tt.principal), d(tt.current), tt.days)
			want, _ := decimal.NewFromString(tt.want)
			if !got.Equal(want) {
				t.Errorf("ImpliedAPY = %s, want %s", got, want)
			}
		})
	}
}

// --- Engine ---

type fakeReader struct {
	deposit model.RawDeposit
	locks   []model.FlashLock
	err     error
}

func (f *fakeReader) ReadDeposit(_ context.Context, _, _ string) (model.RawDeposit, error) {
	return f.deposit, f.err
}

func (f *fakeReader) ReadFlashLocks(_ context.Context, _, _ string) ([]model.FlashLock, error) {
	return f.locks, nil
}

func TestEngine_GetDepositInfo(t *testing.T) {
	reader := &fakeReader{deposit: model.RawDeposit{Principal: d(1000), CurrentValue: d(1050)}}
	eng := NewEngine(reader, nil).WithClock(func() time.Time { return now })

	info, err := eng.GetDepositInfo(context.Background(), "alice", "usdy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.User != "alice" || info.Asset != "usdy" {
		t.Errorf("identity = %s/%s, want alice/usdy", info.User, info.Asset)
	}
	if !info.UnlockedYield.Equal(d(50)) {
		t.Errorf("unlocked = %s, want 50", info.UnlockedYield)
	}
}

func TestEngine_ConsistencyIsSignalledNotReturned(t *testing.T) {
	reader := &fakeReader{deposit: model.RawDeposit{Principal: d(1000), CurrentValue: d(900)}}
	var got []events.Event
	eng := NewEngine(reader, events.NotifierFunc(func(e events.Event) { got = append(got, e) }))

	info, err := eng.GetDepositInfo(context.Background(), "alice", "usdy")
	if err != nil {
		t.Fatalf("consistency problems must not fail the caller: %v", err)
	}
	if !info.Clamped || !info.TotalYield().IsZero() {
		t.Errorf("expected clamped zero yield, got %+v", info)
	}
	if len(got) != 1 || got[0].Type != events.TypeConsistencyError {
		t.Fatalf("expected one consistency_error event, got %+v", got)
	}
}

func TestEngine_LedgerErrorPropagates(t *testing.T) {
	boom := errors.New("rpc unavailable")
	eng := NewEngine(&fakeReader{err: boom}, nil)

	_, err := eng.GetDepositInfo(context.Background(), "alice", "usdy")
	if !errors.Is(err, boom) {
		t.Fatalf("expected ledger error to be wrapped, got %v", err)
	}
}
