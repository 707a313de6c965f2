package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, m *model.MarketRecord) error {
	if err := s.primary.UpsertMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketState(ctx context.Context, id string, lastPrice, feesCollected decimal.Decimal, frozen bool, treasury, oracleSpec string) error {
	if err := s.primary.UpdateMarketState(ctx, id, lastPrice, feesCollected, frozen, treasury, oracleSpec); err != nil {
		return err
	}
	// Invalidate; the next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.PositionRecord) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.MarketID, p.Account), accountPositionsKey(p.Account))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.MarketRecord, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.MarketRecord
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, account string) (*model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionKey(marketID, account)).Bytes()
	if err == nil {
		var p model.PositionRecord
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, marketID, account)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(marketID, account), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, account string) ([]model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, accountPositionsKey(account)).Bytes()
	if err == nil {
		var positions []model.PositionRecord
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, accountPositionsKey(account), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketRecord, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) UpsertPSM(ctx context.Context, m *model.PSMRecord) error {
	return s.primary.UpsertPSM(ctx, m)
}

func (s *CachedStore) GetPSM(ctx context.Context, id string) (*model.PSMRecord, error) {
	return s.primary.GetPSM(ctx, id)
}

func (s *CachedStore) ListPSMs(ctx context.Context) ([]model.PSMRecord, error) {
	return s.primary.ListPSMs(ctx)
}

func (s *CachedStore) UpdatePSMState(ctx context.Context, id string, feesCollected decimal.Decimal, buyFee, sellFee uint64) error {
	return s.primary.UpdatePSMState(ctx, id, feesCollected, buyFee, sellFee)
}

func (s *CachedStore) CreateToken(ctx context.Context, t *model.TokenRecord) error {
	return s.primary.CreateToken(ctx, t)
}

func (s *CachedStore) ListTokens(ctx context.Context) ([]model.TokenRecord, error) {
	return s.primary.ListTokens(ctx)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.PositionRecord, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.EventRecord) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) GetEventsByMarket(ctx context.Context, marketID string) ([]model.EventRecord, error) {
	return s.primary.GetEventsByMarket(ctx, marketID)
}

func (s *CachedStore) GetEventsByAccount(ctx context.Context, account string) ([]model.EventRecord, error) {
	return s.primary.GetEventsByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.MarketRecord) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func positionKey(marketID, account string) string {
	return fmt.Sprintf("position:%s:%s", marketID, account)
}

func accountPositionsKey(account string) string {
	return fmt.Sprintf("positions:%s", account)
}
