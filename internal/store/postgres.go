package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Settlement scopes run as SERIALIZABLE transactions; a serialization
// failure surfaces as ErrVersionConflict so the orchestrator's retry loop
// handles both conflict flavors the same way.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ExecTx runs fn inside one serializable transaction.
func (s *PostgresStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return mapPgErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgErr(err)
	}
	return nil
}

// mapPgErr converts serialization failures (SQLSTATE 40001) into
// ErrVersionConflict and unique violations into ErrDuplicate.
func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001":
			return ErrVersionConflict
		case "23505":
			return ErrDuplicate
		}
	}
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// Reader and Tx implementations share scan helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Reader ---

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, selectMarket+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range markets {
		if markets[i].OutcomeType == model.OutcomeTypeMultipleChoice {
			answers, err := getAnswers(ctx, s.pool, markets[i].ID)
			if err != nil {
				return nil, err
			}
			markets[i].Answers = answers
		}
	}
	return markets, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id)
}

func (s *PostgresStore) GetBetsByMarket(ctx context.Context, marketID string, limit, offset int) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		selectBet+` WHERE market_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		marketID, pageLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresStore) GetBetsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		selectBet+` WHERE user_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		userID, pageLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (s *PostgresStore) GetTxnsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Txn, error) {
	rows, err := s.pool.Query(ctx,
		selectTxn+` WHERE (from_type = 'USER' AND from_id = $1) OR (to_type = 'USER' AND to_id = $1)
		 ORDER BY created_at LIMIT $2 OFFSET $3`,
		userID, pageLimit(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTxns(rows)
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

// --- Tx ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id)
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, creator_id, question, outcome_type,
		        pool_yes, pool_no, probability, total_liquidity, volume,
		        unique_bettor_count, status, close_time, version, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)`,
		m.ID, m.CreatorID, m.Question, m.OutcomeType,
		m.Pool.Yes.String(), m.Pool.No.String(), m.Probability.String(),
		m.TotalLiquidity.String(), m.Volume.String(),
		m.UniqueBettorCount, m.Status, m.CloseTime, m.Version, m.CreatedAt,
	)
	if err != nil {
		return mapPgErr(err)
	}
	for _, a := range m.Answers {
		_, err := t.q.Exec(ctx,
			`INSERT INTO answers (id, market_id, text, pool_yes, pool_no, probability)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)`,
			a.ID, m.ID, a.Text, a.Pool.Yes.String(), a.Pool.No.String(), a.Probability.String(),
		)
		if err != nil {
			return mapPgErr(err)
		}
	}
	return nil
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market, expectedVersion int64) error {
	var resProb *string
	if m.ResolutionProbability != nil {
		s := m.ResolutionProbability.String()
		resProb = &s
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC, probability = $4::NUMERIC,
		     total_liquidity = $5::NUMERIC, volume = $6::NUMERIC,
		     unique_bettor_count = $7, status = $8, close_time = $9,
		     resolution = $10, resolution_answer_id = $11,
		     resolution_probability = $12::NUMERIC, resolution_time = $13,
		     version = version + 1
		 WHERE id = $1 AND version = $14`,
		m.ID, m.Pool.Yes.String(), m.Pool.No.String(), m.Probability.String(),
		m.TotalLiquidity.String(), m.Volume.String(),
		m.UniqueBettorCount, m.Status, m.CloseTime,
		nullIfEmpty(string(m.Resolution)), nullIfEmpty(m.ResolutionAnswerID),
		resProb, m.ResolutionTime, expectedVersion,
	)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	m.Version = expectedVersion + 1

	for _, a := range m.Answers {
		_, err := t.q.Exec(ctx,
			`UPDATE answers SET pool_yes = $2::NUMERIC, pool_no = $3::NUMERIC, probability = $4::NUMERIC
			 WHERE id = $1`,
			a.ID, a.Pool.Yes.String(), a.Pool.No.String(), a.Probability.String(),
		)
		if err != nil {
			return mapPgErr(err)
		}
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.q, id)
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, name, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.CreatedAt,
	)
	return mapPgErr(err)
}

func (t *pgTx) SetUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
		userID, balance.String(),
	)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (id, market_id, answer_id, user_id, amount, outcome,
		        shares, prob_before, prob_after, is_redemption,
		        creator_fee, platform_fee, liquidity_fee, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		b.ID, b.MarketID, nullIfEmpty(b.AnswerID), b.UserID,
		b.Amount.String(), b.Outcome, b.Shares.String(),
		b.ProbBefore.String(), b.ProbAfter.String(), b.IsRedemption,
		b.Fees.Creator.String(), b.Fees.Platform.String(), b.Fees.Liquidity.String(),
		b.CreatedAt,
	)
	return mapPgErr(err)
}

func (t *pgTx) GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := t.q.Query(ctx, selectBet+` WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (t *pgTx) GetUserBets(ctx context.Context, marketID, userID string) ([]model.Bet, error) {
	rows, err := t.q.Query(ctx,
		selectBet+` WHERE market_id = $1 AND user_id = $2 ORDER BY created_at`,
		marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBets(rows)
}

func (t *pgTx) CountNonRedemptionBets(ctx context.Context, marketID, userID string) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM bets
		 WHERE market_id = $1 AND user_id = $2 AND NOT is_redemption`,
		marketID, userID).Scan(&n)
	return n, err
}

func (t *pgTx) InsertTxn(ctx context.Context, txn *model.Txn) error {
	data, err := json.Marshal(txn.Data)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO txns (id, from_type, from_id, to_type, to_id, amount, category, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		txn.ID, txn.FromType, txn.FromID, txn.ToType, txn.ToID,
		txn.Amount.String(), txn.Category, data, txn.CreatedAt,
	)
	return mapPgErr(err)
}

func (t *pgTx) HasPayoutTxn(ctx context.Context, marketID, userID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM txns
		   WHERE category = $1 AND to_type = 'USER' AND to_id = $2
		     AND data->>'market_id' = $3
		 )`,
		model.CategoryResolutionPayout, userID, marketID).Scan(&exists)
	return exists, err
}

// --- Shared scan helpers ---

const selectMarket = `
	SELECT id, creator_id, question, outcome_type,
	       pool_yes::TEXT, pool_no::TEXT, probability::TEXT,
	       total_liquidity::TEXT, volume::TEXT, unique_bettor_count,
	       status, close_time, resolution, resolution_answer_id,
	       resolution_probability::TEXT, resolution_time, version, created_at
	FROM markets`

const selectBet = `
	SELECT id, market_id, answer_id, user_id, amount::TEXT, outcome,
	       shares::TEXT, prob_before::TEXT, prob_after::TEXT, is_redemption,
	       creator_fee::TEXT, platform_fee::TEXT, liquidity_fee::TEXT, created_at
	FROM bets`

const selectTxn = `
	SELECT id, from_type, from_id, to_type, to_id, amount::TEXT, category, data, created_at
	FROM txns`

func getMarket(ctx context.Context, q querier, id string) (*model.Market, error) {
	row := q.QueryRow(ctx, selectMarket+` WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	if m.OutcomeType == model.OutcomeTypeMultipleChoice {
		answers, err := getAnswers(ctx, q, id)
		if err != nil {
			return nil, err
		}
		m.Answers = answers
	}
	return m, nil
}

func getAnswers(ctx context.Context, q querier, marketID string) ([]model.Answer, error) {
	rows, err := q.Query(ctx,
		`SELECT id, market_id, text, pool_yes::TEXT, pool_no::TEXT, probability::TEXT
		 FROM answers WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		var yes, no, prob string
		if err := rows.Scan(&a.ID, &a.MarketID, &a.Text, &yes, &no, &prob); err != nil {
			return nil, err
		}
		var ds decimalScanner
		a.Pool.Yes = ds.parse("pool_yes", yes)
		a.Pool.No = ds.parse("pool_no", no)
		a.Probability = ds.parse("probability", prob)
		if ds.err != nil {
			return nil, ds.err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func getUser(ctx context.Context, q querier, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := q.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	var ds decimalScanner
	u.Balance = ds.parse("balance", balance)
	if ds.err != nil {
		return nil, ds.err
	}
	return &u, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var poolYes, poolNo, prob, liq, vol string
	var resolution, resAnswerID, resProb *string

	err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.OutcomeType,
		&poolYes, &poolNo, &prob, &liq, &vol, &m.UniqueBettorCount,
		&m.Status, &m.CloseTime, &resolution, &resAnswerID,
		&resProb, &m.ResolutionTime, &m.Version, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	var ds decimalScanner
	m.Pool.Yes = ds.parse("pool_yes", poolYes)
	m.Pool.No = ds.parse("pool_no", poolNo)
	m.Probability = ds.parse("probability", prob)
	m.TotalLiquidity = ds.parse("total_liquidity", liq)
	m.Volume = ds.parse("volume", vol)
	if resolution != nil {
		m.Resolution = model.ResolutionKind(*resolution)
	}
	if resAnswerID != nil {
		m.ResolutionAnswerID = *resAnswerID
	}
	if resProb != nil {
		p := ds.parse("resolution_probability", *resProb)
		m.ResolutionProbability = &p
	}
	if ds.err != nil {
		return nil, ds.err
	}
	return &m, nil
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var answerID *string
		var amount, shares, probBefore, probAfter, cFee, pFee, lFee string

		if err := rows.Scan(&b.ID, &b.MarketID, &answerID, &b.UserID,
			&amount, &b.Outcome, &shares, &probBefore, &probAfter,
			&b.IsRedemption, &cFee, &pFee, &lFee, &b.CreatedAt); err != nil {
			return nil, err
		}
		if answerID != nil {
			b.AnswerID = *answerID
		}
		var ds decimalScanner
		b.Amount = ds.parse("amount", amount)
		b.Shares = ds.parse("shares", shares)
		b.ProbBefore = ds.parse("prob_before", probBefore)
		b.ProbAfter = ds.parse("prob_after", probAfter)
		b.Fees = model.Fees{
			Creator:   ds.parse("creator_fee", cFee),
			Platform:  ds.parse("platform_fee", pFee),
			Liquidity: ds.parse("liquidity_fee", lFee),
		}
		if ds.err != nil {
			return nil, ds.err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func scanTxns(rows pgx.Rows) ([]model.Txn, error) {
	var txns []model.Txn
	for rows.Next() {
		var t model.Txn
		var amount string
		var data []byte

		if err := rows.Scan(&t.ID, &t.FromType, &t.FromID, &t.ToType, &t.ToID,
			&amount, &t.Category, &data, &t.CreatedAt); err != nil {
			return nil, err
		}
		var ds decimalScanner
		t.Amount = ds.parse("amount", amount)
		if ds.err != nil {
			return nil, ds.err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &t.Data); err != nil {
				return nil, err
			}
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// decimalScanner parses NUMERIC columns scanned as TEXT, holding the
// first parse failure so callers check once per row. A column that does
// not parse is a corrupted row and must surface as an error, never as a
// zero amount.
type decimalScanner struct {
	err error
}

func (ds *decimalScanner) parse(col, s string) decimal.Decimal {
	if ds.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		ds.err = fmt.Errorf("parse numeric column %s %q: %w", col, s, err)
		return decimal.Zero
	}
	return d
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
