// Package event defines the domain events the engines emit. Event names and
// field order are the wire contract for downstream indexers; renaming a kind
// is a breaking change.
package event

import (
	"context"
	"math/big"
	"time"
)

// Kind identifies a domain event.
type Kind string

const (
	KindDeposit         Kind = "deposit"
	KindWithdraw        Kind = "withdraw"
	KindBorrow          Kind = "borrow"
	KindRepay           Kind = "repay"
	KindLiquidate       Kind = "liquidate"
	KindFeesHarvested   Kind = "fees_harvested"
	KindTreasuryUpdated Kind = "treasury_updated"
	KindOracleUpdated   Kind = "oracle_updated"
	KindCreateMarket    Kind = "create_market"
	KindCreatePSM       Kind = "create_psm"
	KindCreateToken     Kind = "create_token"

	KindReservesBought      Kind = "reserves_bought"
	KindReservesSold        Kind = "reserves_sold"
	KindReservesWithdrawn   Kind = "reserves_withdrawn"
	KindDebtTokensWithdrawn Kind = "debt_tokens_withdrawn"
)

// Event is one emitted domain event. Amount fields are optional depending on
// the kind; Liquidate carries both the repaid debt (Amount) and the seized
// collateral (Amount2) plus the price used.
type Event struct {
	MarketID string
	Kind     Kind
	From     string
	To       string
	Amount   *big.Int
	Amount2  *big.Int
	Price    *big.Int
	At       time.Time
}

// Sink receives events as each operation commits. Implementations must not
// fail the emitting operation; delivery is best effort once state is final.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Recorder is a Sink for tests, capturing events in order.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.Events = append(r.Events, e)
}

// Last returns the most recent event of the given kind, or nil.
func (r *Recorder) Last(kind Kind) *Event {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind == kind {
			return &r.Events[i]
		}
	}
	return nil
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
