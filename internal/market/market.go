// Package market implements the collateralized-debt market engine: the
// per-account ledger of collateral and debt, loan-to-value enforcement, flat
// origination fees, and single-shot liquidation pricing.
//
// Each engine serializes its public operations with a mutex, so every
// operation is all-or-nothing against both the ledger and the asset
// transfers: external-call failures unwind anything already moved. The
// engine is Frozen whenever the most recent oracle fetch failed; all
// price-dependent writes refuse while Frozen, repayment never does.
package market

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
	"github.com/argolabs/market-engine/internal/ledger"
	"github.com/argolabs/market-engine/internal/oracle"
	"github.com/argolabs/market-engine/internal/ownable"
	"github.com/argolabs/market-engine/internal/token"
)

var (
	// ErrMarketFrozen gates every price-dependent write while the last
	// oracle fetch failed.
	ErrMarketFrozen = errors.New("market: frozen")

	// ErrExceedsLoanToValue rejects borrows and withdrawals that would
	// push the account past the market's LTV ceiling.
	ErrExceedsLoanToValue = errors.New("market: exceeds loan-to-value")

	// ErrAmountTooLarge rejects withdrawals beyond recorded collateral.
	ErrAmountTooLarge = errors.New("market: amount too large")

	// ErrUserSolvent rejects liquidation of accounts within LTV limits.
	ErrUserSolvent = errors.New("market: user solvent")

	// ErrCannotLiquidateSelf rejects self-liquidation.
	ErrCannotLiquidateSelf = errors.New("market: cannot liquidate self")

	// ErrTransferFailed wraps a failed asset-transfer capability call.
	ErrTransferFailed = errors.New("market: transfer failed")

	// ErrZeroAddress rejects empty accounts and nil capability references.
	ErrZeroAddress = errors.New("market: zero address")

	// ErrInvalidAmount rejects nil or negative amounts.
	ErrInvalidAmount = errors.New("market: invalid amount")

	// ErrManagedAsset rejects recovery of the market's own collateral or
	// debt holdings.
	ErrManagedAsset = errors.New("market: cannot recover managed asset")

	// ErrInvalidParams rejects unusable market parameters at creation.
	ErrInvalidParams = errors.New("market: invalid parameters")
)

// Swapper is the optional liquidation sink: it receives the seized
// collateral and must source the repaid debt tokens back to the market.
// Its internal behavior is opaque to the engine.
type Swapper interface {
	Swap(ctx context.Context, collateral, debt token.Asset, recipient string, debtAmount, collateralAmount *big.Int) error
}

// Params are the immutable risk parameters of a market, in basis points
// (100000 = 100%).
type Params struct {
	MaxLoanToValue     uint64 `json:"max_loan_to_value"`
	BorrowRate         uint64 `json:"borrow_rate"`
	LiquidationPenalty uint64 `json:"liquidation_penalty"`
}

// Position is one account's snapshot within a market.
type Position struct {
	Account    string
	Collateral *big.Int
	Debt       *big.Int
}

// Engine is one collateral/debt market.
type Engine struct {
	mu sync.Mutex

	id      string
	account string
	own     *ownable.Ownable

	treasury   string
	collateral token.Asset
	debt       token.Asset
	orc        oracle.Oracle
	params     Params

	book          *ledger.Ledger
	feesCollected *big.Int
	lastPrice     *big.Int
	frozen        bool

	events    event.Sink
	createdAt time.Time
}

// New constructs a fully initialized market. There is no separate
// initialize step; a half-configured engine cannot exist.
func New(owner, treasury string, collateral, debt token.Asset, orc oracle.Oracle, params Params, sink event.Sink) (*Engine, error) {
	own, err := ownable.New(owner)
	if err != nil {
		return nil, err
	}
	if treasury == "" {
		return nil, fmt.Errorf("%w: treasury", ErrZeroAddress)
	}
	if collateral == nil {
		return nil, fmt.Errorf("%w: collateral token", ErrZeroAddress)
	}
	if debt == nil {
		return nil, fmt.Errorf("%w: debt token", ErrZeroAddress)
	}
	if orc == nil {
		return nil, fmt.Errorf("%w: oracle", ErrZeroAddress)
	}
	if params.LiquidationPenalty >= fixedpoint.BpsDenominator {
		return nil, fmt.Errorf("%w: liquidation penalty at or above 100%%", ErrInvalidParams)
	}
	if sink == nil {
		sink = event.NopSink{}
	}

	id := uuid.New().String()
	return &Engine{
		id:            id,
		account:       "market:" + id,
		own:           own,
		treasury:      treasury,
		collateral:    collateral,
		debt:          debt,
		orc:           orc,
		params:        params,
		book:          ledger.New(),
		feesCollected: big.NewInt(0),
		lastPrice:     big.NewInt(0),
		events:        sink,
		createdAt:     time.Now().UTC(),
	}, nil
}

// Restore rebuilds an engine from persisted state. Used on boot.
func Restore(id, owner, treasury string, collateral, debt token.Asset, orc oracle.Oracle, params Params, sink event.Sink,
	lastPrice, feesCollected *big.Int, frozen bool, positions []Position) (*Engine, error) {

	e, err := New(owner, treasury, collateral, debt, orc, params, sink)
	if err != nil {
		return nil, err
	}
	e.id = id
	e.account = "market:" + id
	if lastPrice != nil {
		e.lastPrice.Set(lastPrice)
	}
	if feesCollected != nil {
		e.feesCollected.Set(feesCollected)
	}
	e.frozen = frozen
	for _, p := range positions {
		if p.Collateral != nil && p.Collateral.Sign() > 0 {
			e.book.Credit(p.Account, p.Collateral)
		}
		if p.Debt != nil && p.Debt.Sign() > 0 {
			e.book.AccrueDebt(p.Account, p.Debt)
		}
	}
	return e, nil
}

// --- accessors ---

func (e *Engine) ID() string                   { return e.id }
func (e *Engine) Account() string              { return e.account }
func (e *Engine) Owner() string                { return e.own.Owner() }
func (e *Engine) CollateralAsset() token.Asset { return e.collateral }
func (e *Engine) DebtAsset() token.Asset       { return e.debt }
func (e *Engine) Params() Params               { return e.params }
func (e *Engine) CreatedAt() time.Time         { return e.createdAt }

func (e *Engine) Treasury() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.treasury
}

// OracleSpec returns the persisted descriptor of the current oracle.
func (e *Engine) OracleSpec() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orc.Spec()
}

func (e *Engine) TotalCollateral() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.TotalCollateral()
}

func (e *Engine) TotalDebt() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.TotalDebt()
}

func (e *Engine) FeesCollected() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.feesCollected)
}

func (e *Engine) LastPrice() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.lastPrice)
}

func (e *Engine) Frozen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen
}

func (e *Engine) Collateral(account string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Collateral(account)
}

func (e *Engine) Debt(account string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Debt(account)
}

// Positions snapshots every account the market has ever touched.
func (e *Engine) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	accounts := e.book.Accounts()
	out := make([]Position, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, Position{
			Account:    acct,
			Collateral: e.book.Collateral(acct),
			Debt:       e.book.Debt(acct),
		})
	}
	return out
}

// UserLTV reports the account's loan-to-value in basis points against the
// most recently fetched price. Values above 100000 are valid for underwater
// positions.
func (e *Engine) UserLTV(account string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fixedpoint.LTVBps(e.book.Debt(account), e.book.Collateral(account), e.lastPrice)
}

// --- price handling ---

// refreshPrice consults the oracle and flips the frozen flag accordingly.
// Caller holds the lock.
func (e *Engine) refreshPrice(ctx context.Context) (*big.Int, error) {
	price, ok := e.orc.FetchPrice(ctx)
	if !ok || price.Sign() <= 0 {
		e.frozen = true
		return nil, ErrMarketFrozen
	}
	e.frozen = false
	e.lastPrice.Set(price)
	return new(big.Int).Set(price), nil
}

// UpdatePrice refreshes lastPrice from the oracle, freezing or thawing the
// market as a side effect.
func (e *Engine) UpdatePrice(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.refreshPrice(ctx)
	return err
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// --- operations ---

// Deposit pulls amount of collateral from depositor and credits it to
// onBehalfOf. A zero amount is a permitted no-op. The whole write path is
// gated on a live oracle even though no price is consumed.
func (e *Engine) Deposit(ctx context.Context, depositor, onBehalfOf string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deposit(ctx, depositor, onBehalfOf, amount)
}

func (e *Engine) deposit(ctx context.Context, depositor, onBehalfOf string, amount *big.Int) error {
	if depositor == "" || onBehalfOf == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if _, err := e.refreshPrice(ctx); err != nil {
		return err
	}
	if err := e.collateral.Transfer(ctx, depositor, e.account, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.book.Credit(onBehalfOf, amount)
	e.emit(ctx, event.Event{Kind: event.KindDeposit, From: depositor, To: onBehalfOf, Amount: amount})
	return nil
}

// Borrow charges the origination fee, checks the post-borrow LTV, and
// transfers amount of debt tokens to recipient. The account's debt grows by
// amount plus fee; the fee accrues to the protocol until harvested.
func (e *Engine) Borrow(ctx context.Context, borrower, recipient string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.borrow(ctx, borrower, recipient, amount)
}

func (e *Engine) borrow(ctx context.Context, borrower, recipient string, amount *big.Int) error {
	if borrower == "" || recipient == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	price, err := e.refreshPrice(ctx)
	if err != nil {
		return err
	}

	fee := fixedpoint.MulBps(amount, e.params.BorrowRate)
	debtIncrease := new(big.Int).Add(amount, fee)
	newDebt := new(big.Int).Add(e.book.Debt(borrower), debtIncrease)

	ltv, err := fixedpoint.LTVBps(newDebt, e.book.Collateral(borrower), price)
	if err != nil {
		return ErrExceedsLoanToValue
	}
	if ltv.Cmp(new(big.Int).SetUint64(e.params.MaxLoanToValue)) > 0 {
		return ErrExceedsLoanToValue
	}

	if err := e.debt.Transfer(ctx, e.account, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.book.AccrueDebt(borrower, debtIncrease)
	e.feesCollected.Add(e.feesCollected, fee)
	e.emit(ctx, event.Event{Kind: event.KindBorrow, From: borrower, To: recipient, Amount: debtIncrease})
	return nil
}

// Withdraw releases amount of account's collateral to recipient, provided
// the remaining position stays within the LTV ceiling.
func (e *Engine) Withdraw(ctx context.Context, account, recipient string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.withdraw(ctx, account, recipient, amount)
}

func (e *Engine) withdraw(ctx context.Context, account, recipient string, amount *big.Int) error {
	if account == "" || recipient == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	price, err := e.refreshPrice(ctx)
	if err != nil {
		return err
	}

	held := e.book.Collateral(account)
	if amount.Cmp(held) > 0 {
		return ErrAmountTooLarge
	}
	remaining := new(big.Int).Sub(held, amount)
	debt := e.book.Debt(account)
	if debt.Sign() > 0 {
		ltv, err := fixedpoint.LTVBps(debt, remaining, price)
		if err != nil {
			return ErrExceedsLoanToValue
		}
		if ltv.Cmp(new(big.Int).SetUint64(e.params.MaxLoanToValue)) > 0 {
			return ErrExceedsLoanToValue
		}
	}

	if err := e.collateral.Transfer(ctx, e.account, recipient, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.book.Debit(account, amount); err != nil {
		// Unreachable after the balance check; restore the transfer if
		// it ever happens.
		e.collateral.Transfer(ctx, recipient, e.account, amount)
		return err
	}
	e.emit(ctx, event.Event{Kind: event.KindWithdraw, From: account, To: recipient, Amount: amount})
	return nil
}

// Repay pulls amount of debt tokens from payer and reduces account's debt.
// Repaying more than is owed fails rather than clamping; a zero amount is a
// harmless no-op. Never consults the oracle.
func (e *Engine) Repay(ctx context.Context, payer, account string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repay(ctx, payer, account, amount)
}

func (e *Engine) repay(ctx context.Context, payer, account string, amount *big.Int) error {
	if payer == "" || account == "" {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	if amount.Cmp(e.book.Debt(account)) > 0 {
		return ledger.ErrInsufficientBalance
	}
	if err := e.debt.Transfer(ctx, payer, e.account, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.book.ReduceDebt(account, amount); err != nil {
		e.debt.Transfer(ctx, e.account, payer, amount)
		return err
	}
	e.emit(ctx, event.Event{Kind: event.KindRepay, From: payer, To: account, Amount: amount})
	return nil
}

// DepositAndBorrow composes Deposit then Borrow for the caller's own
// account. Each leg keeps its individual all-or-nothing guarantee; a
// successful deposit stands if the borrow then fails.
func (e *Engine) DepositAndBorrow(ctx context.Context, caller string, depositAmount, borrowAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.deposit(ctx, caller, caller, depositAmount); err != nil {
		return err
	}
	return e.borrow(ctx, caller, caller, borrowAmount)
}

// RepayAndWithdraw composes Repay then Withdraw for the caller's own
// account, with the same sequential semantics as DepositAndBorrow.
func (e *Engine) RepayAndWithdraw(ctx context.Context, caller string, repayAmount, withdrawAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.repay(ctx, caller, caller, repayAmount); err != nil {
		return err
	}
	return e.withdraw(ctx, caller, caller, withdrawAmount)
}

// Liquidate lets liquidator repay an underwater account's debt in exchange
// for its collateral, priced at the penalty discount. When the discounted
// collateral cannot cover repayAmount, the liquidator takes everything the
// account holds and the repaid debt shrinks proportionally; the residual
// stays on the books as bad debt.
//
// With a nil swapper the seized collateral goes to recipient and the repay
// amount is pulled from the liquidator. With a swapper, the collateral is
// delivered first and the swapper must source the debt tokens.
//
// Returns the debt actually repaid and the collateral actually transferred.
func (e *Engine) Liquidate(ctx context.Context, liquidator, account string, repayAmount *big.Int, recipient string, sw Swapper) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if liquidator == "" || account == "" || recipient == "" {
		return nil, nil, ErrZeroAddress
	}
	if err := checkAmount(repayAmount); err != nil {
		return nil, nil, err
	}
	if liquidator == account {
		return nil, nil, ErrCannotLiquidateSelf
	}
	price, err := e.refreshPrice(ctx)
	if err != nil {
		return nil, nil, err
	}

	held := e.book.Collateral(account)
	owed := e.book.Debt(account)
	ltv, err := fixedpoint.LTVBps(owed, held, price)
	if err != nil {
		return nil, nil, err
	}
	if ltv.Cmp(new(big.Int).SetUint64(e.params.MaxLoanToValue)) <= 0 {
		return nil, nil, ErrUserSolvent
	}

	discounted := fixedpoint.DiscountPrice(price, e.params.LiquidationPenalty)
	seized := fixedpoint.MulDiv(repayAmount, fixedpoint.PriceScale, discounted)
	repaid := new(big.Int).Set(repayAmount)
	if seized.Cmp(held) > 0 {
		// Rekt branch: all remaining collateral at the discounted
		// price, the debt shortfall stays on the account.
		seized = new(big.Int).Set(held)
		repaid = fixedpoint.MulDiv(held, discounted, fixedpoint.PriceScale)
	}
	if repaid.Cmp(owed) > 0 {
		return nil, nil, ledger.ErrInsufficientBalance
	}

	if sw == nil {
		if err := e.debt.Transfer(ctx, liquidator, e.account, repaid); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if err := e.collateral.Transfer(ctx, e.account, recipient, seized); err != nil {
			e.debt.Transfer(ctx, e.account, liquidator, repaid)
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	} else {
		if err := e.collateral.Transfer(ctx, e.account, recipient, seized); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		if err := sw.Swap(ctx, e.collateral, e.debt, recipient, repaid, seized); err != nil {
			e.collateral.Transfer(ctx, recipient, e.account, seized)
			return nil, nil, fmt.Errorf("%w: swapper: %v", ErrTransferFailed, err)
		}
		if err := e.debt.Transfer(ctx, liquidator, e.account, repaid); err != nil {
			e.collateral.Transfer(ctx, recipient, e.account, seized)
			return nil, nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	e.book.ReduceDebt(account, repaid)
	e.book.Debit(account, seized)

	e.emit(ctx, event.Event{Kind: event.KindRepay, From: liquidator, To: account, Amount: repaid})
	e.emit(ctx, event.Event{Kind: event.KindWithdraw, From: account, To: recipient, Amount: seized})
	e.emit(ctx, event.Event{Kind: event.KindLiquidate, From: account, To: recipient, Amount: repaid, Amount2: seized, Price: price})
	return repaid, seized, nil
}

// HarvestFees sends the accrued origination fees to the treasury. Callable
// by anyone; a zero balance is a no-op with no event.
func (e *Engine) HarvestFees(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.feesCollected.Sign() == 0 {
		return nil
	}
	amount := new(big.Int).Set(e.feesCollected)
	if err := e.debt.Transfer(ctx, e.account, e.treasury, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.feesCollected.SetInt64(0)
	e.emit(ctx, event.Event{Kind: event.KindFeesHarvested, To: e.treasury, Amount: amount})
	return nil
}

// ReduceSupply moves amount of the market's debt-token float to the owner.
// Owner only; no ledger interaction.
func (e *Engine) ReduceSupply(ctx context.Context, caller string, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.own.RequireOwner(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := e.debt.Transfer(ctx, e.account, e.own.Owner(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// SetTreasury changes the fee recipient. Owner only, never empty.
func (e *Engine) SetTreasury(ctx context.Context, caller, treasury string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.own.RequireOwner(caller); err != nil {
		return err
	}
	if treasury == "" {
		return fmt.Errorf("%w: treasury", ErrZeroAddress)
	}
	e.treasury = treasury
	e.emit(ctx, event.Event{Kind: event.KindTreasuryUpdated, To: treasury})
	return nil
}

// SetOracle swaps the price source. Owner only, never nil.
func (e *Engine) SetOracle(ctx context.Context, caller string, orc oracle.Oracle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.own.RequireOwner(caller); err != nil {
		return err
	}
	if orc == nil {
		return fmt.Errorf("%w: oracle", ErrZeroAddress)
	}
	e.orc = orc
	e.emit(ctx, event.Event{Kind: event.KindOracleUpdated, To: orc.Spec()})
	return nil
}

// RecoverAsset returns stray tokens to the owner. The market's own
// collateral and debt holdings are off limits.
func (e *Engine) RecoverAsset(ctx context.Context, caller string, asset token.Asset, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.own.RequireOwner(caller); err != nil {
		return err
	}
	if asset == nil {
		return fmt.Errorf("%w: asset", ErrZeroAddress)
	}
	if asset.ID() == e.debt.ID() || asset.ID() == e.collateral.ID() {
		return ErrManagedAsset
	}
	if err := asset.Transfer(ctx, e.account, e.own.Owner(), amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// TransferOwnership hands the market to a new owner.
func (e *Engine) TransferOwnership(caller, newOwner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.own.TransferOwnership(caller, newOwner)
}

func (e *Engine) emit(ctx context.Context, ev event.Event) {
	ev.MarketID = e.id
	ev.At = time.Now().UTC()
	e.events.Emit(ctx, ev)
}
