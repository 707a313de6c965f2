// Package model defines the persisted record types shared across the
// lending engine. All monetary values use shopspring/decimal — never
// float64 for money. Amounts are stored in base units (1e18 per whole
// token) with exponent zero, so NUMERIC round-trips are exact.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketRecord is the persisted configuration and mutable tail state of one
// collateralized-debt market. Positions live in their own records.
type MarketRecord struct {
	ID                 string          `json:"id" db:"id"`
	Owner              string          `json:"owner" db:"owner"`
	Treasury           string          `json:"treasury" db:"treasury"`
	CollateralTokenID  string          `json:"collateral_token_id" db:"collateral_token_id"`
	DebtTokenID        string          `json:"debt_token_id" db:"debt_token_id"`
	OracleSpec         string          `json:"oracle_spec" db:"oracle_spec"`
	MaxLoanToValue     uint64          `json:"max_loan_to_value" db:"max_loan_to_value"`
	BorrowRate         uint64          `json:"borrow_rate" db:"borrow_rate"`
	LiquidationPenalty uint64          `json:"liquidation_penalty" db:"liquidation_penalty"`
	LastPrice          decimal.Decimal `json:"last_price" db:"last_price"`
	FeesCollected      decimal.Decimal `json:"fees_collected" db:"fees_collected"`
	Frozen             bool            `json:"frozen" db:"frozen"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// PSMRecord is the persisted state of one peg stability module.
type PSMRecord struct {
	ID             string          `json:"id" db:"id"`
	Owner          string          `json:"owner" db:"owner"`
	Treasury       string          `json:"treasury" db:"treasury"`
	DebtTokenID    string          `json:"debt_token_id" db:"debt_token_id"`
	ReserveTokenID string          `json:"reserve_token_id" db:"reserve_token_id"`
	BuyFee         uint64          `json:"buy_fee" db:"buy_fee"`
	SellFee        uint64          `json:"sell_fee" db:"sell_fee"`
	FeesCollected  decimal.Decimal `json:"fees_collected" db:"fees_collected"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// TokenRecord is the persisted identity of a factory-created debt token.
type TokenRecord struct {
	ID        string    `json:"id" db:"id"`
	Owner     string    `json:"owner" db:"owner"`
	Treasury  string    `json:"treasury" db:"treasury"`
	Name      string    `json:"name" db:"name"`
	Symbol    string    `json:"symbol" db:"symbol"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PositionRecord is one account's collateral and debt inside one market.
// Upserted after every operation that touches the account.
type PositionRecord struct {
	MarketID   string          `json:"market_id" db:"market_id"`
	Account    string          `json:"account" db:"account"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"`
	Debt       decimal.Decimal `json:"debt" db:"debt"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// EventRecord is an immutable journal entry for one domain event.
// Once created, these are never modified or deleted.
type EventRecord struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Kind        string          `json:"kind" db:"kind"`
	FromAccount string          `json:"from_account" db:"from_account"`
	ToAccount   string          `json:"to_account" db:"to_account"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Amount2     decimal.Decimal `json:"amount2" db:"amount2"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
