// Package oracle defines the price-source capability markets consult before
// every price-dependent write.
//
// A fetch either succeeds with a 1e18-scaled price or reports failure; the
// price carried by a failed fetch must never be used. Markets translate a
// failed fetch into their Frozen state.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/argolabs/market-engine/internal/fixedpoint"
)

// ErrUnknownSpec is returned when an oracle spec string names no known kind.
var ErrUnknownSpec = errors.New("oracle: unknown spec")

// Oracle returns the collateral price in debt-token terms at 1e18 scale.
type Oracle interface {
	// FetchPrice returns the latest price and whether the fetch succeeded.
	// ok == false means stale or invalid; the returned price is meaningless.
	FetchPrice(ctx context.Context) (price *big.Int, ok bool)

	// Spec returns a descriptor from which New can reconstruct the oracle,
	// persisted alongside the market record.
	Spec() string
}

// New reconstructs an oracle from its persisted spec string.
// Formats: "static:<1e18 integer price>" and "feed:<url>".
func New(spec string) (Oracle, error) {
	switch {
	case strings.HasPrefix(spec, "static:"):
		raw := strings.TrimPrefix(spec, "static:")
		price, okParse := new(big.Int).SetString(raw, 10)
		if !okParse {
			return nil, fmt.Errorf("%w: bad static price %q", ErrUnknownSpec, raw)
		}
		return NewStatic(price), nil
	case strings.HasPrefix(spec, "feed:"):
		return NewFeed(strings.TrimPrefix(spec, "feed:")), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSpec, spec)
}

// Static is a settable fixed-price oracle used by fixtures and tests. It can
// be switched into a failing state to exercise frozen-market behavior.
type Static struct {
	mu      sync.Mutex
	price   *big.Int
	healthy bool
}

// NewStatic returns a healthy oracle reporting price.
func NewStatic(price *big.Int) *Static {
	return &Static{price: new(big.Int).Set(price), healthy: true}
}

func (s *Static) FetchPrice(context.Context) (*big.Int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return big.NewInt(0), false
	}
	return new(big.Int).Set(s.price), true
}

// SetPrice updates the reported price and marks the oracle healthy.
func (s *Static) SetPrice(price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price.Set(price)
	s.healthy = true
}

// Fail makes every subsequent fetch report failure until SetPrice is called.
func (s *Static) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
}

func (s *Static) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "static:" + s.price.String()
}

// Feed polls an HTTP endpoint returning {"price": "<decimal>"} and scales
// the quote to 1e18. Any transport, decode, or range problem is reported as
// a failed fetch, never as a zero price.
type Feed struct {
	url    string
	client *http.Client
}

// NewFeed creates a feed oracle for the given URL.
func NewFeed(url string) *Feed {
	return &Feed{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *Feed) FetchPrice(ctx context.Context) (*big.Int, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return big.NewInt(0), false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return big.NewInt(0), false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return big.NewInt(0), false
	}

	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return big.NewInt(0), false
	}
	if body.Price.Sign() <= 0 {
		return big.NewInt(0), false
	}
	return fixedpoint.FromDecimal(body.Price, 18), true
}

func (f *Feed) Spec() string { return "feed:" + f.url }
