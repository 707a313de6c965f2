// Package api provides the HTTP handlers and service glue for the lending
// engine: market and PSM lifecycle, account operations, liquidations, and
// history queries.
//
// Monetary values are big integers in base units; the store mirrors them
// as exponent-zero decimals. The engines own the authoritative state; the
// service mirrors every committed operation into the store and fans events
// out to the journal, the WebSocket hub, and Prometheus.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/event"
	"github.com/argolabs/market-engine/internal/factory"
	"github.com/argolabs/market-engine/internal/market"
	"github.com/argolabs/market-engine/internal/metrics"
	"github.com/argolabs/market-engine/internal/model"
	"github.com/argolabs/market-engine/internal/oracle"
	"github.com/argolabs/market-engine/internal/psm"
	"github.com/argolabs/market-engine/internal/store"
	"github.com/argolabs/market-engine/internal/token"
)

// Service wires the factory-built engines to persistence and transport.
// Engines serialize their own operations; the service only guards its asset
// registry.
type Service struct {
	store   store.Store
	factory *factory.Factory
	hub     *WSHub // optional WebSocket hub for real-time broadcasts

	mu     sync.Mutex
	assets map[string]token.Asset
}

// NewService creates the service and the factory it fronts. Pass nil for
// hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *WSHub) *Service {
	s := &Service{
		store:  st,
		hub:    hub,
		assets: make(map[string]token.Asset),
	}
	s.factory = factory.New(&journalSink{store: st, hub: hub})
	return s
}

// Factory exposes the underlying registry, mainly for tests and boot code.
func (s *Service) Factory() *factory.Factory { return s.factory }

// RegisterAsset adds an asset to the resolver registry.
func (s *Service) RegisterAsset(a token.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID()] = a
}

func (s *Service) asset(id string) token.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets[id]
}

// journalSink is the event fan-out: store journal, WebSocket, metrics, log.
// Emit never fails the emitting operation; the engine state is already
// final when events arrive.
type journalSink struct {
	store store.Store
	hub   *WSHub
}

func (j *journalSink) Emit(ctx context.Context, e event.Event) {
	rec := &model.EventRecord{
		ID:          uuid.New().String(),
		MarketID:    e.MarketID,
		Kind:        string(e.Kind),
		FromAccount: e.From,
		ToAccount:   e.To,
		Amount:      decFromBig(e.Amount),
		Amount2:     decFromBig(e.Amount2),
		Price:       decFromBig(e.Price),
		Timestamp:   e.At,
	}
	if err := j.store.InsertEvent(ctx, rec); err != nil {
		slog.Error("journal insert failed", "kind", rec.Kind, "market", rec.MarketID, "err", err)
	}

	metrics.OperationsTotal.WithLabelValues(rec.Kind).Inc()
	if e.Kind == event.KindLiquidate {
		metrics.LiquidationsTotal.Inc()
	}
	if e.Amount != nil {
		amt, _ := new(big.Float).SetInt(e.Amount).Float64()
		metrics.MarketVolume.WithLabelValues(e.MarketID, rec.Kind).Add(amt)
	}

	slog.Info("event committed",
		"kind", rec.Kind,
		"market", rec.MarketID,
		"from", rec.FromAccount,
		"to", rec.ToAccount,
		"amount", rec.Amount.String(),
	)

	if j.hub != nil {
		j.hub.Broadcast(WSMessage{
			Type:     "event",
			MarketID: e.MarketID,
			Kind:     rec.Kind,
			From:     e.From,
			To:       e.To,
			Amount:   rec.Amount.String(),
			Amount2:  rec.Amount2.String(),
			Price:    rec.Price.String(),
		})
	}
}

func decFromBig(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

// --- persistence mirroring ---

func marketRecord(eng *market.Engine) *model.MarketRecord {
	p := eng.Params()
	return &model.MarketRecord{
		ID:                 eng.ID(),
		Owner:              eng.Owner(),
		Treasury:           eng.Treasury(),
		CollateralTokenID:  eng.CollateralAsset().ID(),
		DebtTokenID:        eng.DebtAsset().ID(),
		OracleSpec:         eng.OracleSpec(),
		MaxLoanToValue:     p.MaxLoanToValue,
		BorrowRate:         p.BorrowRate,
		LiquidationPenalty: p.LiquidationPenalty,
		LastPrice:          decFromBig(eng.LastPrice()),
		FeesCollected:      decFromBig(eng.FeesCollected()),
		Frozen:             eng.Frozen(),
		CreatedAt:          eng.CreatedAt(),
	}
}

func psmRecord(m *psm.Module) *model.PSMRecord {
	return &model.PSMRecord{
		ID:             m.ID(),
		Owner:          m.Owner(),
		Treasury:       m.Treasury(),
		DebtTokenID:    m.DebtAsset().ID(),
		ReserveTokenID: m.ReserveAsset().ID(),
		BuyFee:         m.BuyFee(),
		SellFee:        m.SellFee(),
		FeesCollected:  decFromBig(m.FeesCollected()),
		CreatedAt:      m.CreatedAt(),
	}
}

// syncMarket mirrors the engine tail state and the named positions into the
// store after a committed operation. Mirror failures are logged, not
// surfaced; the engine remains the source of truth until the next write.
func (s *Service) syncMarket(ctx context.Context, eng *market.Engine, accounts ...string) {
	if err := s.store.UpdateMarketState(ctx, eng.ID(),
		decFromBig(eng.LastPrice()), decFromBig(eng.FeesCollected()),
		eng.Frozen(), eng.Treasury(), eng.OracleSpec()); err != nil {
		slog.Error("market mirror failed", "market", eng.ID(), "err", err)
	}
	now := time.Now().UTC()
	for _, acct := range accounts {
		if acct == "" {
			continue
		}
		if err := s.store.UpsertPosition(ctx, &model.PositionRecord{
			MarketID:   eng.ID(),
			Account:    acct,
			Collateral: decFromBig(eng.Collateral(acct)),
			Debt:       decFromBig(eng.Debt(acct)),
			UpdatedAt:  now,
		}); err != nil {
			slog.Error("position mirror failed", "market", eng.ID(), "account", acct, "err", err)
		}
	}
	s.updateMarketGauges()
}

func (s *Service) syncPSM(ctx context.Context, m *psm.Module) {
	if err := s.store.UpdatePSMState(ctx, m.ID(), decFromBig(m.FeesCollected()), m.BuyFee(), m.SellFee()); err != nil {
		slog.Error("psm mirror failed", "psm", m.ID(), "err", err)
	}
}

func (s *Service) updateMarketGauges() {
	markets := s.factory.Markets()
	frozen := 0
	for _, m := range markets {
		if m.Frozen() {
			frozen++
		}
	}
	metrics.ActiveMarkets.Set(float64(len(markets)))
	metrics.FrozenMarkets.Set(float64(frozen))
}

// --- boot rehydration ---

// Rehydrate rebuilds tokens, markets, and PSMs from the store on boot.
// Token balances are not part of the persisted state; the balance authority
// is external in multi-node deployments and fixtures re-mint in dev runs.
func (s *Service) Rehydrate(ctx context.Context) error {
	tokens, err := s.store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate tokens: %w", err)
	}
	for _, rec := range tokens {
		if rec.Owner == "" {
			// Plain asset registered through the API.
			s.RegisterAsset(token.RestoreBank(rec.ID, rec.Name, rec.Symbol))
			continue
		}
		tok, err := token.RestoreDebtToken(rec.ID, rec.Owner, rec.Treasury, rec.Name, rec.Symbol)
		if err != nil {
			return fmt.Errorf("rehydrate token %s: %w", rec.ID, err)
		}
		s.factory.RegisterToken(tok)
		s.RegisterAsset(tok)
	}

	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate markets: %w", err)
	}
	for _, rec := range markets {
		collateral := s.asset(rec.CollateralTokenID)
		debt := s.asset(rec.DebtTokenID)
		if collateral == nil || debt == nil {
			slog.Warn("skipping market with unknown assets", "market", rec.ID)
			continue
		}
		orc, err := oracle.New(rec.OracleSpec)
		if err != nil {
			return fmt.Errorf("rehydrate market %s: %w", rec.ID, err)
		}
		positions, err := s.store.ListPositionsByMarket(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("rehydrate positions %s: %w", rec.ID, err)
		}
		restored := make([]market.Position, 0, len(positions))
		for _, p := range positions {
			restored = append(restored, market.Position{
				Account:    p.Account,
				Collateral: p.Collateral.BigInt(),
				Debt:       p.Debt.BigInt(),
			})
		}
		eng, err := market.Restore(rec.ID, rec.Owner, rec.Treasury, collateral, debt, orc,
			market.Params{
				MaxLoanToValue:     rec.MaxLoanToValue,
				BorrowRate:         rec.BorrowRate,
				LiquidationPenalty: rec.LiquidationPenalty,
			},
			&journalSink{store: s.store, hub: s.hub},
			rec.LastPrice.BigInt(), rec.FeesCollected.BigInt(), rec.Frozen, restored)
		if err != nil {
			return fmt.Errorf("rehydrate market %s: %w", rec.ID, err)
		}
		s.factory.RegisterMarket(eng)
	}

	psms, err := s.store.ListPSMs(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate psms: %w", err)
	}
	for _, rec := range psms {
		debt := s.asset(rec.DebtTokenID)
		reserve := s.asset(rec.ReserveTokenID)
		if debt == nil || reserve == nil {
			slog.Warn("skipping psm with unknown assets", "psm", rec.ID)
			continue
		}
		m, err := psm.Restore(rec.ID, rec.Owner, rec.Treasury, debt, reserve,
			rec.BuyFee, rec.SellFee,
			&journalSink{store: s.store, hub: s.hub},
			rec.FeesCollected.BigInt())
		if err != nil {
			return fmt.Errorf("rehydrate psm %s: %w", rec.ID, err)
		}
		s.factory.RegisterModule(m)
	}

	s.updateMarketGauges()
	slog.Info("state rehydrated",
		"tokens", len(tokens),
		"markets", s.factory.NumMarkets(),
		"psms", s.factory.NumModules(),
	)
	return nil
}
