// Package psm implements the peg stability module: a fixed 1:1 exchange
// window between the debt token and an external reserve asset, with
// independent buy and sell fees.
//
// The module never consults an oracle; the peg is the whole point. Fees
// accumulate in a single counter and are harvested in debt tokens, which is
// sound precisely because both legs trade at par.
package psm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argolabs/market-engine/internal/event"
	"github.com/argolabs/market-engine/internal/fixedpoint"
	"github.com/argolabs/market-engine/internal/ownable"
	"github.com/argolabs/market-engine/internal/token"
)

var (
	// ErrZeroAddress rejects empty accounts and nil asset references.
	ErrZeroAddress = errors.New("psm: zero address")

	// ErrInsufficientBalance rejects buys beyond the module's unreserved
	// debt-token float.
	ErrInsufficientBalance = errors.New("psm: insufficient balance")

	// ErrZeroWithdraw rejects zero-amount owner withdrawals.
	ErrZeroWithdraw = errors.New("psm: zero withdraw")

	// ErrInvalidAmount rejects nil or negative amounts.
	ErrInvalidAmount = errors.New("psm: invalid amount")

	// ErrTransferFailed wraps a failed asset-transfer capability call.
	ErrTransferFailed = errors.New("psm: transfer failed")

	// ErrManagedAsset rejects recovery of the module's own holdings.
	ErrManagedAsset = errors.New("psm: cannot recover managed asset")
)

// Module is one peg stability window.
type Module struct {
	mu sync.Mutex

	id      string
	account string
	own     *ownable.Ownable

	treasury string
	debt     token.Asset
	reserve  token.Asset
	buyFee   uint64
	sellFee  uint64

	feesCollected *big.Int

	events    event.Sink
	createdAt time.Time
}

// New constructs a peg stability module. Fees are in basis points
// (100000 = 100%).
func New(owner, treasury string, debt, reserve token.Asset, buyFee, sellFee uint64, sink event.Sink) (*Module, error) {
	own, err := ownable.New(owner)
	if err != nil {
		return nil, err
	}
	if debt == nil {
		return nil, fmt.Errorf("%w: debt token", ErrZeroAddress)
	}
	if reserve == nil {
		return nil, fmt.Errorf("%w: reserve token", ErrZeroAddress)
	}
	if treasury == "" {
		return nil, fmt.Errorf("%w: treasury", ErrZeroAddress)
	}
	if sink == nil {
		sink = event.NopSink{}
	}

	id := uuid.New().String()
	return &Module{
		id:            id,
		account:       "psm:" + id,
		own:           own,
		treasury:      treasury,
		debt:          debt,
		reserve:       reserve,
		buyFee:        buyFee,
		sellFee:       sellFee,
		feesCollected: big.NewInt(0),
		events:        sink,
		createdAt:     time.Now().UTC(),
	}, nil
}

// Restore rebuilds a module from persisted state. Used on boot.
func Restore(id, owner, treasury string, debt, reserve token.Asset, buyFee, sellFee uint64, sink event.Sink, feesCollected *big.Int) (*Module, error) {
	m, err := New(owner, treasury, debt, reserve, buyFee, sellFee, sink)
	if err != nil {
		return nil, err
	}
	m.id = id
	m.account = "psm:" + id
	if feesCollected != nil {
		m.feesCollected.Set(feesCollected)
	}
	return m, nil
}

// --- accessors ---

func (m *Module) ID() string                { return m.id }
func (m *Module) Account() string           { return m.account }
func (m *Module) Owner() string             { return m.own.Owner() }
func (m *Module) DebtAsset() token.Asset    { return m.debt }
func (m *Module) ReserveAsset() token.Asset { return m.reserve }
func (m *Module) CreatedAt() time.Time      { return m.createdAt }

func (m *Module) Treasury() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.treasury
}

func (m *Module) BuyFee() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buyFee
}

func (m *Module) SellFee() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sellFee
}

func (m *Module) FeesCollected() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.feesCollected)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Buy sells amount of debt tokens to buyer at par, pulling amount plus the
// buy fee in reserve tokens. Fees already collected are reserved out of the
// sellable float.
func (m *Module) Buy(ctx context.Context, buyer string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if buyer == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	available := new(big.Int).Sub(m.debt.BalanceOf(m.account), m.feesCollected)
	if amount.Cmp(available) > 0 {
		return ErrInsufficientBalance
	}

	fee := fixedpoint.MulBps(amount, m.buyFee)
	cost := new(big.Int).Add(amount, fee)

	if err := m.reserve.Transfer(ctx, buyer, m.account, cost); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := m.debt.Transfer(ctx, m.account, buyer, amount); err != nil {
		m.reserve.Transfer(ctx, m.account, buyer, cost)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.feesCollected.Add(m.feesCollected, fee)
	m.emit(ctx, event.Event{Kind: event.KindReservesBought, From: buyer, Amount: amount, Amount2: fee})
	return nil
}

// Sell buys amount of debt tokens from seller at par, pulling amount plus
// the sell fee in debt tokens and paying out amount in reserve tokens.
func (m *Module) Sell(ctx context.Context, seller string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seller == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}

	fee := fixedpoint.MulBps(amount, m.sellFee)
	cost := new(big.Int).Add(amount, fee)

	if err := m.debt.Transfer(ctx, seller, m.account, cost); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := m.reserve.Transfer(ctx, m.account, seller, amount); err != nil {
		m.debt.Transfer(ctx, m.account, seller, cost)
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.feesCollected.Add(m.feesCollected, fee)
	m.emit(ctx, event.Event{Kind: event.KindReservesSold, From: seller, Amount: amount, Amount2: fee})
	return nil
}

// WithdrawReserves moves reserve tokens to the owner. Owner only, non-zero.
func (m *Module) WithdrawReserves(ctx context.Context, caller string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return ErrZeroWithdraw
	}
	if err := m.reserve.Transfer(ctx, m.account, m.own.Owner(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.emit(ctx, event.Event{Kind: event.KindReservesWithdrawn, To: m.own.Owner(), Amount: amount})
	return nil
}

// WithdrawDebtTokens moves debt tokens to the owner. Owner only, non-zero.
func (m *Module) WithdrawDebtTokens(ctx context.Context, caller string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return ErrZeroWithdraw
	}
	if err := m.debt.Transfer(ctx, m.account, m.own.Owner(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.emit(ctx, event.Event{Kind: event.KindDebtTokensWithdrawn, To: m.own.Owner(), Amount: amount})
	return nil
}

// SetBuyFee updates the buy fee. Owner only.
func (m *Module) SetBuyFee(caller string, fee uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	m.buyFee = fee
	return nil
}

// SetSellFee updates the sell fee. Owner only.
func (m *Module) SetSellFee(caller string, fee uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	m.sellFee = fee
	return nil
}

// SetTreasury changes the fee recipient. Owner only, never empty.
func (m *Module) SetTreasury(ctx context.Context, caller, treasury string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	if treasury == "" {
		return fmt.Errorf("%w: treasury", ErrZeroAddress)
	}
	m.treasury = treasury
	m.emit(ctx, event.Event{Kind: event.KindTreasuryUpdated, To: treasury})
	return nil
}

// HarvestFees sends the accrued fees to the treasury in debt tokens.
// Callable by anyone; a zero balance is a no-op with no event.
func (m *Module) HarvestFees(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.feesCollected.Sign() == 0 {
		return nil
	}
	amount := new(big.Int).Set(m.feesCollected)
	if err := m.debt.Transfer(ctx, m.account, m.treasury, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	m.feesCollected.SetInt64(0)
	m.emit(ctx, event.Event{Kind: event.KindFeesHarvested, To: m.treasury, Amount: amount})
	return nil
}

// RecoverAsset returns stray tokens to the owner. The module's debt and
// reserve holdings are off limits.
func (m *Module) RecoverAsset(ctx context.Context, caller string, asset token.Asset, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.own.RequireOwner(caller); err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("%w: asset", ErrZeroAddress)
	}
	if asset.ID() == m.debt.ID() || asset.ID() == m.reserve.ID() {
		return ErrManagedAsset
	}
	if err := asset.Transfer(ctx, m.account, m.own.Owner(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// TransferOwnership hands the module to a new owner.
func (m *Module) TransferOwnership(caller, newOwner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.own.TransferOwnership(caller, newOwner)
}

func (m *Module) emit(ctx context.Context, ev event.Event) {
	ev.MarketID = m.id
	ev.At = time.Now().UTC()
	m.events.Emit(ctx, ev)
}
