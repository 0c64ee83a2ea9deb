package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yieldedge/yield-engine/internal/model"
	"github.com/yieldedge/yield-engine/internal/parimutuel"
)

//go:embed schema.sql
var schema string

// PostgresLedger implements Ledger and Admin on PostgreSQL. All monetary
// values are stored as NUMERIC for exact decimal precision. Writers run in
// a transaction that locks the user's deposit row, which makes the deposit
// row the serialization point for stakes.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	advance AdvanceFunc
	now     func() time.Time
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool, advance AdvanceFunc) *PostgresLedger {
	return &PostgresLedger{pool: pool, advance: advance, now: time.Now}
}

// Migrate creates the ledger tables if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const marketColumns = `id, asset, question, status, outcome, total_yes::TEXT, total_no::TEXT, closes_at`

// --- Reader ---

func (l *PostgresLedger) ReadDeposit(ctx context.Context, user, asset string) (model.RawDeposit, error) {
	return readDeposit(ctx, l.pool, user, asset, false)
}

func (l *PostgresLedger) ReadFlashLocks(ctx context.Context, user, asset string) ([]model.FlashLock, error) {
	return readFlashLocks(ctx, l.pool, user, asset)
}

func (l *PostgresLedger) ReadMarket(ctx context.Context, marketID string) (model.Market, error) {
	return readMarket(ctx, l.pool, marketID, false)
}

func (l *PostgresLedger) ListMarkets(ctx context.Context, asset string) ([]model.Market, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE asset = $1 ORDER BY closes_at, id`, asset)
	if err != nil {
		return nil, fmt.Errorf("list markets %s: %w", asset, err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (l *PostgresLedger) ReadUserPredictions(ctx context.Context, user string) ([]model.Prediction, error) {
	return readPredictions(ctx, l.pool, user)
}

func (l *PostgresLedger) PotentialWinnings(ctx context.Context, marketID string, choice model.Choice, amount decimal.Decimal) (decimal.Decimal, error) {
	m, err := l.ReadMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	return parimutuel.Preview(m, choice, amount), nil
}

// --- Writer ---

func (l *PostgresLedger) CommitStake(ctx context.Context, user, marketID string, choice model.Choice, amount decimal.Decimal) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		// Lock order is market then deposit, the same as ResolveMarket.
		m, err := readMarket(ctx, tx, marketID, true)
		if err != nil {
			return err
		}
		dep, err := readDeposit(ctx, tx, user, m.Asset, true)
		if err != nil {
			return err
		}
		locks, err := readFlashLocks(ctx, tx, user, m.Asset)
		if err != nil {
			return err
		}
		preds, err := readPredictions(ctx, tx, user)
		if err != nil {
			return err
		}
		statuses, err := readMarketsByID(ctx, tx, preds)
		if err != nil {
			return err
		}

		now := l.now()
		var existing *model.Prediction
		for i := range preds {
			if preds[i].MarketID == marketID {
				existing = &preds[i]
			}
		}
		avail := stakeable(dep, locks, preds, statuses, now)
		if err := checkStakeable(m, choice, amount, avail, existing, now); err != nil {
			return fmt.Errorf("stake %s on %s: %w", amount, marketID, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO predictions (user_id, market_id, asset, yield_staked, choice)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)
			 ON CONFLICT (user_id, market_id)
			 DO UPDATE SET yield_staked = predictions.yield_staked + EXCLUDED.yield_staked`,
			user, marketID, m.Asset, amount.String(), int16(choice),
		); err != nil {
			return fmt.Errorf("insert prediction: %w", err)
		}

		column := "total_yes"
		if choice == model.ChoiceNo {
			column = "total_no"
		}
		if _, err := tx.Exec(ctx,
			`UPDATE markets SET `+column+` = `+column+` + $2::NUMERIC WHERE id = $1`,
			marketID, amount.String(),
		); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
		return nil
	})
}

func (l *PostgresLedger) CommitFlashLock(ctx context.Context, user, asset string, principal decimal.Decimal, days int) (model.FlashLock, error) {
	if !principal.IsPositive() {
		return model.FlashLock{}, &model.RangeError{Field: "principal", Value: principal.String()}
	}
	advance, err := l.advance(principal, days)
	if err != nil {
		return model.FlashLock{}, fmt.Errorf("price advance: %w", err)
	}

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

	err = pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := addToDeposit(ctx, tx, user, asset, principal, principal.Add(advance)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO flash_locks (id, user_id, asset, locked_principal, reserved_yield, lock_duration_days, locked_at, unlocks_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
			fl.ID, user, asset, principal.String(), advance.String(), days, fl.LockedAt, fl.UnlocksAt,
		)
		if err != nil {
			return fmt.Errorf("insert flash lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.FlashLock{}, err
	}
	return fl, nil
}

func (l *PostgresLedger) CommitClaim(ctx context.Context, user, marketID string) (decimal.Decimal, error) {
	var payout decimal.Decimal
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		m, err := readMarket(ctx, tx, marketID, false)
		if err != nil {
			return err
		}
		if m.Status != model.StatusResolved {
			return fmt.Errorf("claim on %s: %w", marketID, model.ErrMarketNotResolved)
		}

		var p model.Prediction
		var stakedS string
		var choice int16
		err = tx.QueryRow(ctx,
			`SELECT yield_staked::TEXT, choice, claimed FROM predictions
			 WHERE user_id = $1 AND market_id = $2 FOR UPDATE`, user, marketID).
			Scan(&stakedS, &choice, &p.Claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("claim on %s: %w", marketID, ErrNothingToClaim)
		}
		if err != nil {
			return fmt.Errorf("read prediction: %w", err)
		}
		p.YieldStaked, _ = decimal.NewFromString(stakedS)
		p.Choice = model.Choice(choice)
		if p.Claimed || p.Choice != m.Outcome {
			return fmt.Errorf("claim on %s: %w", marketID, ErrNothingToClaim)
		}

		payout = parimutuel.Settle(m, p)
		if err := addToDeposit(ctx, tx, user, m.Asset, decimal.Zero, payout.Sub(p.YieldStaked)); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE predictions SET claimed = TRUE WHERE user_id = $1 AND market_id = $2`, user, marketID)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return payout, nil
}

// --- Admin ---

func (l *PostgresLedger) CreateMarket(ctx context.Context, m model.Market) (model.Market, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = model.StatusOpen
	m.Outcome = model.OutcomeUndecided
	m.TotalYesStake = decimal.Zero
	m.TotalNoStake = decimal.Zero

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO markets (id, asset, question, status, outcome, total_yes, total_no, closes_at)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, $6)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Asset, m.Question, int16(m.Status), int16(m.Outcome), m.ClosesAt,
	)
	if err != nil {
		return model.Market{}, fmt.Errorf("create market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.Market{}, fmt.Errorf("market %s: %w", m.ID, ErrMarketExists)
	}
	return m, nil
}

func (l *PostgresLedger) Deposit(ctx context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error) {
	if !amount.IsPositive() {
		return model.RawDeposit{}, &model.RangeError{Field: "amount", Value: amount.String()}
	}
	var dep model.RawDeposit
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := addToDeposit(ctx, tx, user, asset, amount, amount); err != nil {
			return err
		}
		var err error
		dep, err = readDeposit(ctx, tx, user, asset, false)
		return err
	})
	return dep, err
}

func (l *PostgresLedger) Withdraw(ctx context.Context, user, asset string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		dep, err := readDeposit(ctx, tx, user, asset, true)
		if err != nil {
			return err
		}

		var active bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM flash_locks WHERE user_id = $1 AND asset = $2 AND unlocks_at > $3)`,
			user, asset, l.now()).Scan(&active); err != nil {
			return fmt.Errorf("check flash locks: %w", err)
		}
		if active {
			return fmt.Errorf("withdraw %s/%s: %w", user, asset, ErrPrincipalLocked)
		}

		var open bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			    SELECT 1 FROM predictions p JOIN markets m ON m.id = p.market_id
			    WHERE p.user_id = $1 AND p.asset = $2 AND NOT p.claimed AND m.status <> $3)`,
			user, asset, int16(model.StatusResolved)).Scan(&open); err != nil {
			return fmt.Errorf("check open predictions: %w", err)
		}
		if open {
			return fmt.Errorf("withdraw %s/%s: %w", user, asset, ErrOpenPredictions)
		}

		out = dep.CurrentValue
		if _, err := tx.Exec(ctx, `DELETE FROM flash_locks WHERE user_id = $1 AND asset = $2`, user, asset); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM deposits WHERE user_id = $1 AND asset = $2`, user, asset)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

func (l *PostgresLedger) AccrueYield(ctx context.Context, user, asset string, amount decimal.Decimal) (model.RawDeposit, error) {
	if !amount.IsPositive() {
		return model.RawDeposit{}, &model.RangeError{Field: "amount", Value: amount.String()}
	}
	tag, err := l.pool.Exec(ctx,
		`UPDATE deposits SET current_value = current_value + $3::NUMERIC, updated_at = now()
		 WHERE user_id = $1 AND asset = $2`,
		user, asset, amount.String())
	if err != nil {
		return model.RawDeposit{}, fmt.Errorf("accrue yield %s/%s: %w", user, asset, err)
	}
	if tag.RowsAffected() == 0 {
		return model.RawDeposit{}, fmt.Errorf("deposit %s/%s: %w", user, asset, model.ErrNotFound)
	}
	return l.ReadDeposit(ctx, user, asset)
}

func (l *PostgresLedger) ResolveMarket(ctx context.Context, marketID string, outcome model.Outcome) (model.Market, error) {
	if !outcome.Valid() {
		return model.Market{}, &model.RangeError{Field: "outcome", Value: outcome.String()}
	}
	var resolved model.Market
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		m, err := readMarket(ctx, tx, marketID, true)
		if err != nil {
			return err
		}
		if m.Status == model.StatusResolved {
			return fmt.Errorf("resolve %s: %w", marketID, ErrAlreadyResolved)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE markets SET status = $2, outcome = $3 WHERE id = $1`,
			marketID, int16(model.StatusResolved), int16(outcome)); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		m.Status = model.StatusResolved
		m.Outcome = outcome
		resolved = m

		// Losing stakes leave their owners' deposits, unless nobody backed
		// the winning side and there is no one to pay.
		if winners, _ := m.Pools(outcome); !winners.IsPositive() {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE deposits d SET current_value = d.current_value - p.yield_staked, updated_at = now()
			 FROM predictions p
			 WHERE p.market_id = $1 AND p.choice <> $2
			   AND d.user_id = p.user_id AND d.asset = p.asset`,
			marketID, int16(outcome)); err != nil {
			return fmt.Errorf("debit losing stakes: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Market{}, err
	}
	return resolved, nil
}

// --- row helpers ---

func readDeposit(ctx context.Context, q querier, user, asset string, forUpdate bool) (model.RawDeposit, error) {
	sql := `SELECT principal::TEXT, current_value::TEXT FROM deposits WHERE user_id = $1 AND asset = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var principalS, currentS string
	err := q.QueryRow(ctx, sql, user, asset).Scan(&principalS, &currentS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RawDeposit{User: user, Asset: asset, Principal: decimal.Zero, CurrentValue: decimal.Zero}, nil
	}
	if err != nil {
		return model.RawDeposit{}, fmt.Errorf("read deposit %s/%s: %w", user, asset, err)
	}

	dep := model.RawDeposit{User: user, Asset: asset}
	dep.Principal, _ = decimal.NewFromString(principalS)
	dep.CurrentValue, _ = decimal.NewFromString(currentS)
	return dep, nil
}

func addToDeposit(ctx context.Context, tx pgx.Tx, user, asset string, principal, value decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO deposits (user_id, asset, principal, current_value)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (user_id, asset) DO UPDATE
		 SET principal = deposits.principal + EXCLUDED.principal,
		     current_value = deposits.current_value + EXCLUDED.current_value,
		     updated_at = now()`,
		user, asset, principal.String(), value.String(),
	)
	if err != nil {
		return fmt.Errorf("update deposit %s/%s: %w", user, asset, err)
	}
	return nil
}

func readFlashLocks(ctx context.Context, q querier, user, asset string) ([]model.FlashLock, error) {
	rows, err := q.Query(ctx,
		`SELECT id, locked_principal::TEXT, reserved_yield::TEXT, lock_duration_days, locked_at, unlocks_at
		 FROM flash_locks WHERE user_id = $1 AND asset = $2 ORDER BY locked_at`, user, asset)
	if err != nil {
		return nil, fmt.Errorf("read flash locks %s/%s: %w", user, asset, err)
	}
	defer rows.Close()

	var locks []model.FlashLock
	for rows.Next() {
		fl := model.FlashLock{User: user, Asset: asset}
		var principalS, reservedS string
		if err := rows.Scan(&fl.ID, &principalS, &reservedS, &fl.LockDurationDays, &fl.LockedAt, &fl.UnlocksAt); err != nil {
			return nil, err
		}
		fl.LockedPrincipal, _ = decimal.NewFromString(principalS)
		fl.ReservedYield, _ = decimal.NewFromString(reservedS)
		locks = append(locks, fl)
	}
	return locks, rows.Err()
}

func readMarket(ctx context.Context, q querier, marketID string, forUpdate bool) (model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Market{}, fmt.Errorf("market %s: %w", marketID, model.ErrNotFound)
	}
	if err != nil {
		return model.Market{}, fmt.Errorf("read market %s: %w", marketID, err)
	}
	return m, nil
}

func readMarketsByID(ctx context.Context, q querier, preds []model.Prediction) (map[string]model.Market, error) {
	ids := make([]string, 0, len(preds))
	for _, p := range preds {
		ids = append(ids, p.MarketID)
	}
	rows, err := q.Query(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("read markets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Market, len(ids))
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

func readPredictions(ctx context.Context, q querier, user string) ([]model.Prediction, error) {
	rows, err := q.Query(ctx,
		`SELECT market_id, asset, yield_staked::TEXT, choice, claimed
		 FROM predictions WHERE user_id = $1 ORDER BY market_id`, user)
	if err != nil {
		return nil, fmt.Errorf("read predictions %s: %w", user, err)
	}
	defer rows.Close()

	var preds []model.Prediction
	for rows.Next() {
		p := model.Prediction{User: user}
		var stakedS string
		var choice int16
		if err := rows.Scan(&p.MarketID, &p.Asset, &stakedS, &choice, &p.Claimed); err != nil {
			return nil, err
		}
		p.YieldStaked, _ = decimal.NewFromString(stakedS)
		p.Choice = model.Choice(choice)
		preds = append(preds, p)
	}
	return preds, rows.Err()
}

func scanMarket(row pgx.Row) (model.Market, error) {
	var m model.Market
	var status, outcome int16
	var yesS, noS string
	if err := row.Scan(&m.ID, &m.Asset, &m.Question, &status, &outcome, &yesS, &noS, &m.ClosesAt); err != nil {
		return model.Market{}, err
	}
	m.Status = model.MarketStatus(status)
	m.Outcome = model.Choice(outcome)
	m.TotalYesStake, _ = decimal.NewFromString(yesS)
	m.TotalNoStake, _ = decimal.NewFromString(noS)
	return m, nil
}
