package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m *model.MarketRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, owner, treasury, collateral_token_id, debt_token_id, oracle_spec,
		                      max_loan_to_value, borrow_rate, liquidation_penalty,
		                      last_price, fees_collected, frozen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   treasury = EXCLUDED.treasury, oracle_spec = EXCLUDED.oracle_spec,
		   last_price = EXCLUDED.last_price, fees_collected = EXCLUDED.fees_collected,
		   frozen = EXCLUDED.frozen`,
		m.ID, m.Owner, m.Treasury, m.CollateralTokenID, m.DebtTokenID, m.OracleSpec,
		m.MaxLoanToValue, m.BorrowRate, m.LiquidationPenalty,
		m.LastPrice.String(), m.FeesCollected.String(), m.Frozen, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, treasury, collateral_token_id, debt_token_id, oracle_spec,
		        max_loan_to_value, borrow_rate, liquidation_penalty,
		        last_price::TEXT, fees_collected::TEXT, frozen, created_at
		 FROM markets WHERE id = $1`, id)

	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, treasury, collateral_token_id, debt_token_id, oracle_spec,
		        max_loan_to_value, borrow_rate, liquidation_penalty,
		        last_price::TEXT, fees_collected::TEXT, frozen, created_at
		 FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketRecord
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, id string, lastPrice, feesCollected decimal.Decimal, frozen bool, treasury, oracleSpec string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET last_price = $2::NUMERIC, fees_collected = $3::NUMERIC,
		     frozen = $4, treasury = $5, oracle_spec = $6
		 WHERE id = $1`,
		id, lastPrice.String(), feesCollected.String(), frozen, treasury, oracleSpec,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertPSM(ctx context.Context, m *model.PSMRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO psms (id, owner, treasury, debt_token_id, reserve_token_id,
		                   buy_fee, sell_fee, fees_collected, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   buy_fee = EXCLUDED.buy_fee, sell_fee = EXCLUDED.sell_fee,
		   fees_collected = EXCLUDED.fees_collected`,
		m.ID, m.Owner, m.Treasury, m.DebtTokenID, m.ReserveTokenID,
		m.BuyFee, m.SellFee, m.FeesCollected.String(), m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPSM(ctx context.Context, id string) (*model.PSMRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, treasury, debt_token_id, reserve_token_id,
		        buy_fee, sell_fee, fees_collected::TEXT, created_at
		 FROM psms WHERE id = $1`, id)

	m, err := scanPSM(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("psm %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get psm %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListPSMs(ctx context.Context) ([]model.PSMRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, treasury, debt_token_id, reserve_token_id,
		        buy_fee, sell_fee, fees_collected::TEXT, created_at
		 FROM psms ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var psms []model.PSMRecord
	for rows.Next() {
		m, err := scanPSM(rows)
		if err != nil {
			return nil, err
		}
		psms = append(psms, *m)
	}
	return psms, rows.Err()
}

func (s *PostgresStore) UpdatePSMState(ctx context.Context, id string, feesCollected decimal.Decimal, buyFee, sellFee uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE psms SET fees_collected = $2::NUMERIC, buy_fee = $3, sell_fee = $4 WHERE id = $1`,
		id, feesCollected.String(), buyFee, sellFee,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("psm %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *model.TokenRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tokens (id, owner, treasury, name, symbol, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Owner, t.Treasury, t.Name, t.Symbol, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]model.TokenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, treasury, name, symbol, created_at FROM tokens ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []model.TokenRecord
	for rows.Next() {
		var t model.TokenRecord
		if err := rows.Scan(&t.ID, &t.Owner, &t.Treasury, &t.Name, &t.Symbol, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.PositionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_id, account, collateral, debt, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (market_id, account) DO UPDATE SET
		   collateral = EXCLUDED.collateral, debt = EXCLUDED.debt, updated_at = EXCLUDED.updated_at`,
		p.MarketID, p.Account, p.Collateral.String(), p.Debt.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, account string) (*model.PositionRecord, error) {
	var p model.PositionRecord
	var collateral, debt string

	err := s.pool.QueryRow(ctx,
		`SELECT market_id, account, collateral::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE market_id = $1 AND account = $2`, marketID, account).
		Scan(&p.MarketID, &p.Account, &collateral, &debt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, account, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", marketID, account, err)
	}

	p.Collateral, _ = decimal.NewFromString(collateral)
	p.Debt, _ = decimal.NewFromString(debt)
	return &p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, account, collateral::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE market_id = $1 ORDER BY account`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, account string) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, account, collateral::TEXT, debt::TEXT, updated_at
		 FROM positions WHERE account = $1 ORDER BY market_id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.EventRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, market_id, kind, from_account, to_account, amount, amount2, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.MarketID, e.Kind, e.FromAccount, e.ToAccount,
		e.Amount.String(), e.Amount2.String(), e.Price.String(), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetEventsByMarket(ctx context.Context, marketID string) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, kind, from_account, to_account,
		        amount::TEXT, amount2::TEXT, price::TEXT, timestamp
		 FROM events WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByAccount(ctx context.Context, account string) ([]model.EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, kind, from_account, to_account,
		        amount::TEXT, amount2::TEXT, price::TEXT, timestamp
		 FROM events WHERE from_account = $1 OR to_account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanMarket(row pgxRow) (*model.MarketRecord, error) {
	var m model.MarketRecord
	var lastPrice, fees string

	if err := row.Scan(&m.ID, &m.Owner, &m.Treasury, &m.CollateralTokenID, &m.DebtTokenID, &m.OracleSpec,
		&m.MaxLoanToValue, &m.BorrowRate, &m.LiquidationPenalty,
		&lastPrice, &fees, &m.Frozen, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.LastPrice, _ = decimal.NewFromString(lastPrice)
	m.FeesCollected, _ = decimal.NewFromString(fees)
	return &m, nil
}

func scanPSM(row pgxRow) (*model.PSMRecord, error) {
	var m model.PSMRecord
	var fees string

	if err := row.Scan(&m.ID, &m.Owner, &m.Treasury, &m.DebtTokenID, &m.ReserveTokenID,
		&m.BuyFee, &m.SellFee, &fees, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.FeesCollected, _ = decimal.NewFromString(fees)
	return &m, nil
}

func scanPositions(rows pgxRows) ([]model.PositionRecord, error) {
	var positions []model.PositionRecord
	for rows.Next() {
		var p model.PositionRecord
		var collateral, debt string

		if err := rows.Scan(&p.MarketID, &p.Account, &collateral, &debt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Collateral, _ = decimal.NewFromString(collateral)
		p.Debt, _ = decimal.NewFromString(debt)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanEvents(rows pgxRows) ([]model.EventRecord, error) {
	var entries []model.EventRecord
	for rows.Next() {
		var e model.EventRecord
		var amount, amount2, price string

		if err := rows.Scan(&e.ID, &e.MarketID, &e.Kind, &e.FromAccount, &e.ToAccount,
			&amount, &amount2, &price, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Amount2, _ = decimal.NewFromString(amount2)
		e.Price, _ = decimal.NewFromString(price)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
