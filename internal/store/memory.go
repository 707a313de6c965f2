package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-node development runs; state is gone on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.MarketRecord
	psms      map[string]*model.PSMRecord
	tokens    map[string]*model.TokenRecord
	positions map[string]map[string]*model.PositionRecord // marketID -> account
	journal   []model.EventRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.MarketRecord),
		psms:      make(map[string]*model.PSMRecord),
		tokens:    make(map[string]*model.TokenRecord),
		positions: make(map[string]map[string]*model.PositionRecord),
	}
}

func (s *MemoryStore) UpsertMarket(_ context.Context, m *model.MarketRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MarketRecord, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, id string, lastPrice, feesCollected decimal.Decimal, frozen bool, treasury, oracleSpec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.LastPrice = lastPrice
	m.FeesCollected = feesCollected
	m.Frozen = frozen
	m.Treasury = treasury
	m.OracleSpec = oracleSpec
	return nil
}

func (s *MemoryStore) UpsertPSM(_ context.Context, m *model.PSMRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.psms[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPSM(_ context.Context, id string) (*model.PSMRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.psms[id]
	if !ok {
		return nil, fmt.Errorf("psm %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListPSMs(_ context.Context) ([]model.PSMRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PSMRecord, 0, len(s.psms))
	for _, m := range s.psms {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdatePSMState(_ context.Context, id string, feesCollected decimal.Decimal, buyFee, sellFee uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.psms[id]
	if !ok {
		return fmt.Errorf("psm %s: %w", id, ErrNotFound)
	}
	m.FeesCollected = feesCollected
	m.BuyFee = buyFee
	m.SellFee = sellFee
	return nil
}

func (s *MemoryStore) CreateToken(_ context.Context, t *model.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[t.ID]; exists {
		return fmt.Errorf("token %s already exists", t.ID)
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTokens(_ context.Context) ([]model.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TokenRecord, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAccount, ok := s.positions[p.MarketID]
	if !ok {
		byAccount = make(map[string]*model.PositionRecord)
		s.positions[p.MarketID] = byAccount
	}
	cp := *p
	byAccount[p.Account] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, account string) (*model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byAccount, ok := s.positions[marketID]; ok {
		if p, ok := byAccount[account]; ok {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("position %s/%s: %w", marketID, account, ErrNotFound)
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PositionRecord
	for _, p := range s.positions[marketID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, account string) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PositionRecord
	for _, byAccount := range s.positions {
		if p, ok := byAccount[account]; ok {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, *e)
	return nil
}

func (s *MemoryStore) GetEventsByMarket(_ context.Context, marketID string) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EventRecord
	for _, e := range s.journal {
		if e.MarketID == marketID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByAccount(_ context.Context, account string) ([]model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EventRecord
	for _, e := range s.journal {
		if e.FromAccount == account || e.ToAccount == account {
			out = append(out, e)
		}
	}
	return out, nil
}
