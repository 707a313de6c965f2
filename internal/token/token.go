// Package token models the asset-transfer capability the engines consume.
//
// An Asset is an atomic balance book: a transfer either fully moves value
// between two accounts or fails without effect. Engines treat any transfer
// error as a failed external call and unwind the whole operation.
package token

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when a transfer or burn exceeds the
	// sender's balance.
	ErrInsufficientFunds = errors.New("token: amount exceeds balance")

	// ErrZeroAccount is returned for transfers naming an empty account.
	ErrZeroAccount = errors.New("token: zero account")
)

// Asset is the balance-transfer capability. Markets hold funds under their
// own account ID and move value with the same primitive users do.
type Asset interface {
	// ID is the unique identity of the asset, used by recovery guards to
	// refuse siphoning managed funds.
	ID() string
	Symbol() string
	Decimals() int32
	BalanceOf(account string) *big.Int
	// Transfer atomically moves amount from one account to the other.
	// A non-nil error means nothing moved.
	Transfer(ctx context.Context, from, to string, amount *big.Int) error
}

// Bank is an in-process Asset backed by a map of balances. It is the test
// and single-node implementation; a remote settlement adapter satisfies the
// same interface in multi-node deployments.
type Bank struct {
	id       string
	name     string
	symbol   string
	decimals int32

	mu          sync.Mutex
	balances    map[string]*big.Int
	totalSupply *big.Int
}

// NewBank creates an empty 18-decimal asset.
func NewBank(name, symbol string) *Bank {
	return &Bank{
		id:          uuid.New().String(),
		name:        name,
		symbol:      symbol,
		decimals:    18,
		balances:    make(map[string]*big.Int),
		totalSupply: big.NewInt(0),
	}
}

func (b *Bank) ID() string      { return b.id }
func (b *Bank) Name() string    { return b.name }
func (b *Bank) Symbol() string  { return b.symbol }
func (b *Bank) Decimals() int32 { return b.decimals }

// BalanceOf returns account's balance.
func (b *Bank) BalanceOf(account string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.balances[account]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}

// TotalSupply returns the total minted supply.
func (b *Bank) TotalSupply() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.totalSupply)
}

// Transfer moves amount from one account to the other, atomically.
func (b *Bank) Transfer(_ context.Context, from, to string, amount *big.Int) error {
	if from == "" || to == "" {
		return ErrZeroAccount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.balances[from]
	if amount.Sign() > 0 && (!ok || src.Cmp(amount) < 0) {
		return ErrInsufficientFunds
	}
	if amount.Sign() == 0 {
		return nil
	}
	src.Sub(src, amount)
	dst, ok := b.balances[to]
	if !ok {
		dst = big.NewInt(0)
		b.balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

// mint credits freshly created supply to an account.
func (b *Bank) mint(to string, amount *big.Int) error {
	if to == "" {
		return ErrZeroAccount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.balances[to]
	if !ok {
		cur = big.NewInt(0)
		b.balances[to] = cur
	}
	cur.Add(cur, amount)
	b.totalSupply.Add(b.totalSupply, amount)
	return nil
}

// burn destroys amount from holder's balance. Anyone may burn their own.
func (b *Bank) burn(holder string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.balances[holder]
	if !ok || cur.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	cur.Sub(cur, amount)
	b.totalSupply.Sub(b.totalSupply, amount)
	return nil
}

// Mint credits supply on a plain Bank with no authorization gate. Fixtures
// and reserve assets use it; debt tokens gate minting behind an owner.
func (b *Bank) Mint(to string, amount *big.Int) error { return b.mint(to, amount) }

// RestoreBank rebuilds a bank under a persisted identity. Balances are not
// restored; in-process banks are not the balance authority across restarts.
func RestoreBank(id, name, symbol string) *Bank {
	b := NewBank(name, symbol)
	b.id = id
	return b
}
