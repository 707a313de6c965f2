// Package factory constructs markets, peg stability modules, and debt
// tokens, and keeps the append-only registries the service serves from.
package factory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/argolabs/market-engine/internal/event"
	"github.com/argolabs/market-engine/internal/market"
	"github.com/argolabs/market-engine/internal/oracle"
	"github.com/argolabs/market-engine/internal/psm"
	"github.com/argolabs/market-engine/internal/token"
)

// ErrIndexOutOfRange is returned for registry lookups past the end.
var ErrIndexOutOfRange = errors.New("factory: index out of range")

// Factory creates and registers the protocol's building blocks. Registries
// only ever grow; an index handed out once stays valid forever.
type Factory struct {
	mu      sync.Mutex
	events  event.Sink
	markets []*market.Engine
	psms    []*psm.Module
	tokens  []*token.DebtToken
}

// New returns an empty factory emitting creation events to sink.
func New(sink event.Sink) *Factory {
	if sink == nil {
		sink = event.NopSink{}
	}
	return &Factory{events: sink}
}

// CreateZeroInterestMarket builds a market, registers it, and emits a
// creation event. Validation failures come back from the market constructor
// with nothing registered.
func (f *Factory) CreateZeroInterestMarket(ctx context.Context, owner, treasury string, collateral, debt token.Asset, orc oracle.Oracle, params market.Params) (*market.Engine, error) {
	m, err := market.New(owner, treasury, collateral, debt, orc, params, f.events)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.markets = append(f.markets, m)
	f.mu.Unlock()
	f.events.Emit(ctx, event.Event{
		Kind:     event.KindCreateMarket,
		MarketID: m.ID(),
		To:       owner,
		At:       time.Now().UTC(),
	})
	return m, nil
}

// CreatePegStabilityModule builds a PSM, registers it, and emits a creation
// event.
func (f *Factory) CreatePegStabilityModule(ctx context.Context, owner, treasury string, debt, reserve token.Asset, buyFee, sellFee uint64) (*psm.Module, error) {
	m, err := psm.New(owner, treasury, debt, reserve, buyFee, sellFee, f.events)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.psms = append(f.psms, m)
	f.mu.Unlock()
	f.events.Emit(ctx, event.Event{
		Kind:     event.KindCreatePSM,
		MarketID: m.ID(),
		To:       owner,
		At:       time.Now().UTC(),
	})
	return m, nil
}

// CreateToken builds an owner-gated debt token, registers it, and emits a
// creation event.
func (f *Factory) CreateToken(ctx context.Context, owner, treasury, name, symbol string) (*token.DebtToken, error) {
	tok, err := token.NewDebtToken(owner, treasury, name, symbol)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.tokens = append(f.tokens, tok)
	f.mu.Unlock()
	f.events.Emit(ctx, event.Event{
		Kind:     event.KindCreateToken,
		MarketID: tok.ID(),
		To:       owner,
		At:       time.Now().UTC(),
	})
	return tok, nil
}

// RegisterMarket adds an already-constructed market, used when rehydrating
// persisted state on boot. No creation event is emitted.
func (f *Factory) RegisterMarket(m *market.Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, m)
}

// RegisterModule adds an already-constructed PSM on boot.
func (f *Factory) RegisterModule(m *psm.Module) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.psms = append(f.psms, m)
}

// RegisterToken adds an already-constructed debt token on boot.
func (f *Factory) RegisterToken(tok *token.DebtToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tok)
}

func (f *Factory) NumMarkets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markets)
}

// Market returns the i-th registered market.
func (f *Factory) Market(i int) (*market.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.markets) {
		return nil, ErrIndexOutOfRange
	}
	return f.markets[i], nil
}

// MarketByID finds a market by its identity, or nil.
func (f *Factory) MarketByID(id string) *market.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markets {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// Markets snapshots the market registry.
func (f *Factory) Markets() []*market.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*market.Engine, len(f.markets))
	copy(out, f.markets)
	return out
}

func (f *Factory) NumModules() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.psms)
}

// Module returns the i-th registered PSM.
func (f *Factory) Module(i int) (*psm.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.psms) {
		return nil, ErrIndexOutOfRange
	}
	return f.psms[i], nil
}

// ModuleByID finds a PSM by its identity, or nil.
func (f *Factory) ModuleByID(id string) *psm.Module {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.psms {
		if m.ID() == id {
			return m
		}
	}
	return nil
}

// Modules snapshots the PSM registry.
func (f *Factory) Modules() []*psm.Module {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*psm.Module, len(f.psms))
	copy(out, f.psms)
	return out
}

func (f *Factory) NumTokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

// Token returns the i-th registered debt token.
func (f *Factory) Token(i int) (*token.DebtToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.tokens) {
		return nil, ErrIndexOutOfRange
	}
	return f.tokens[i], nil
}

// TokenByID finds a debt token by its identity, or nil.
func (f *Factory) TokenByID(id string) *token.DebtToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tok := range f.tokens {
		if tok.ID() == id {
			return tok
		}
	}
	return nil
}

// Tokens snapshots the token registry.
func (f *Factory) Tokens() []*token.DebtToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*token.DebtToken, len(f.tokens))
	copy(out, f.tokens)
	return out
}
