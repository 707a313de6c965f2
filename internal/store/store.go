// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node runs).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/model"
)

// ErrNotFound is returned for lookups of unknown records.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engines hold the authoritative
// in-memory state; the store mirrors it for boot rehydration and serving
// history.
type Store interface {
	// --- Markets ---

	// UpsertMarket persists a market's configuration and tail state.
	UpsertMarket(ctx context.Context, m *model.MarketRecord) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.MarketRecord, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.MarketRecord, error)

	// UpdateMarketState updates the mutable tail after an operation.
	UpdateMarketState(ctx context.Context, id string, lastPrice, feesCollected decimal.Decimal, frozen bool, treasury, oracleSpec string) error

	// --- Peg stability modules ---

	UpsertPSM(ctx context.Context, m *model.PSMRecord) error
	GetPSM(ctx context.Context, id string) (*model.PSMRecord, error)
	ListPSMs(ctx context.Context) ([]model.PSMRecord, error)

	// UpdatePSMState updates fees and fee rates after an operation.
	UpdatePSMState(ctx context.Context, id string, feesCollected decimal.Decimal, buyFee, sellFee uint64) error

	// --- Tokens ---

	CreateToken(ctx context.Context, t *model.TokenRecord) error
	ListTokens(ctx context.Context) ([]model.TokenRecord, error)

	// --- Positions ---

	// UpsertPosition records an account's collateral and debt in a market.
	UpsertPosition(ctx context.Context, p *model.PositionRecord) error

	// GetPosition retrieves one account's position in one market.
	GetPosition(ctx context.Context, marketID, account string) (*model.PositionRecord, error)

	// ListPositionsByMarket returns every recorded position in a market.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.PositionRecord, error)

	// ListPositionsByAccount returns an account's positions across markets.
	ListPositionsByAccount(ctx context.Context, account string) ([]model.PositionRecord, error)

	// --- Immutable event journal ---

	// InsertEvent appends an immutable journal entry.
	InsertEvent(ctx context.Context, e *model.EventRecord) error

	// GetEventsByMarket returns a market's journal in time order.
	GetEventsByMarket(ctx context.Context, marketID string) ([]model.EventRecord, error)

	// GetEventsByAccount returns all journal entries touching an account.
	GetEventsByAccount(ctx context.Context, account string) ([]model.EventRecord, error)
}
