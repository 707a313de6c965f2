package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/argolabs/market-engine/internal/event"
	"github.com/argolabs/market-engine/internal/fixedpoint"
	"github.com/argolabs/market-engine/internal/ledger"
	"github.com/argolabs/market-engine/internal/oracle"
	"github.com/argolabs/market-engine/internal/ownable"
	"github.com/argolabs/market-engine/internal/token"
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.PriceScale)
}

func wei(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big.Int literal %q", s)
	}
	return v
}

type fixture struct {
	m    *Engine
	coll *token.Bank
	debt *token.Bank
	orc  *oracle.Static
	rec  *event.Recorder
}

// Standard market: collateral at $100, 60% max LTV, 1.5% borrow rate,
// 10% liquidation penalty.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	coll := token.NewBank("Wrapped Gov", "wGOV")
	debt := token.NewBank("SIN USD", "SIN")
	orc := oracle.NewStatic(e18(100))
	rec := &event.Recorder{}

	m, err := New("owner", "treasury", coll, debt, orc, Params{
		MaxLoanToValue:     60000,
		BorrowRate:         1500,
		LiquidationPenalty: 10000,
	}, rec)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}

	coll.Mint("borrower", e18(100))
	debt.Mint(m.Account(), e18(1_000_000))
	debt.Mint("liquidator", e18(10_000))
	debt.Mint("other", e18(10_000))
	return &fixture{m: m, coll: coll, debt: debt, orc: orc, rec: rec}
}

// checkBooks verifies the ledger totals equal the sum over all positions.
func checkBooks(t *testing.T, m *Engine) {
	t.Helper()
	sumColl, sumDebt := big.NewInt(0), big.NewInt(0)
	for _, p := range m.Positions() {
		sumColl.Add(sumColl, p.Collateral)
		sumDebt.Add(sumDebt, p.Debt)
	}
	if m.TotalCollateral().Cmp(sumColl) != 0 {
		t.Errorf("totalCollateral = %s, positions sum to %s", m.TotalCollateral(), sumColl)
	}
	if m.TotalDebt().Cmp(sumDebt) != 0 {
		t.Errorf("totalDebt = %s, positions sum to %s", m.TotalDebt(), sumDebt)
	}
}

func TestNew_Validation(t *testing.T) {
	coll := token.NewBank("c", "C")
	debt := token.NewBank("d", "D")
	orc := oracle.NewStatic(e18(1))
	params := Params{MaxLoanToValue: 60000, BorrowRate: 1500, LiquidationPenalty: 10000}

	if _, err := New("", "treasury", coll, debt, orc, params, nil); !errors.Is(err, ownable.ErrZeroOwner) {
		t.Errorf("empty owner: %v", err)
	}
	if _, err := New("owner", "", coll, debt, orc, params, nil); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("empty treasury: %v", err)
	}
	if _, err := New("owner", "treasury", nil, debt, orc, params, nil); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("nil collateral: %v", err)
	}
	if _, err := New("owner", "treasury", coll, nil, orc, params, nil); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("nil debt: %v", err)
	}
	if _, err := New("owner", "treasury", coll, debt, nil, params, nil); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("nil oracle: %v", err)
	}
	params.LiquidationPenalty = 100000
	if _, err := New("owner", "treasury", coll, debt, orc, params, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("100%% penalty: %v", err)
	}
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.Deposit(ctx, "borrower", "borrower", e18(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.m.Collateral("borrower").Cmp(e18(10)) != 0 {
		t.Errorf("collateral = %s", f.m.Collateral("borrower"))
	}
	if f.m.TotalCollateral().Cmp(e18(10)) != 0 {
		t.Errorf("totalCollateral = %s", f.m.TotalCollateral())
	}
	if f.coll.BalanceOf(f.m.Account()).Cmp(e18(10)) != 0 {
		t.Errorf("market holds %s collateral", f.coll.BalanceOf(f.m.Account()))
	}
	ev := f.rec.Last(event.KindDeposit)
	if ev == nil || ev.From != "borrower" || ev.To != "borrower" || ev.Amount.Cmp(e18(10)) != 0 {
		t.Errorf("deposit event = %+v", ev)
	}
	checkBooks(t, f.m)
}

func TestDeposit_OnBehalfOf(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Deposit(context.Background(), "borrower", "other", e18(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.m.Collateral("other").Cmp(e18(10)) != 0 || f.m.Collateral("borrower").Sign() != 0 {
		t.Error("deposit credited the wrong account")
	}
}

func TestDeposit_ZeroAmountIsNoOp(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Deposit(context.Background(), "borrower", "borrower", big.NewInt(0)); err != nil {
		t.Errorf("zero deposit: %v", err)
	}

	f.orc.Fail()
	err := f.m.Deposit(context.Background(), "borrower", "borrower", big.NewInt(0))
	if !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("zero deposit with dead oracle: %v", err)
	}
}

func TestDeposit_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	err := f.m.Deposit(context.Background(), "pauper", "pauper", e18(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("expected transfer failure, got %v", err)
	}
	if f.m.TotalCollateral().Sign() != 0 {
		t.Error("failed deposit credited collateral")
	}
}

func TestBorrow_AccruesFeeOntoDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.Deposit(ctx, "borrower", "borrower", e18(10))

	if err := f.m.Borrow(ctx, "borrower", "borrower", e18(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// $10 at 1.5% origination: debt $10.15, fee $0.15.
	if f.m.Debt("borrower").Cmp(wei(t, "10150000000000000000")) != 0 {
		t.Errorf("debt = %s", f.m.Debt("borrower"))
	}
	if f.m.TotalDebt().Cmp(wei(t, "10150000000000000000")) != 0 {
		t.Errorf("totalDebt = %s", f.m.TotalDebt())
	}
	if f.m.FeesCollected().Cmp(wei(t, "150000000000000000")) != 0 {
		t.Errorf("feesCollected = %s", f.m.FeesCollected())
	}
	if f.debt.BalanceOf("borrower").Cmp(e18(10)) != 0 {
		t.Errorf("borrower received %s", f.debt.BalanceOf("borrower"))
	}

	ltv, err := f.m.UserLTV("borrower")
	if err != nil || ltv.Cmp(big.NewInt(1015)) != 0 {
		t.Errorf("LTV = %s, %v, want 1015", ltv, err)
	}

	// The event carries the full debt increase, fee included.
	ev := f.rec.Last(event.KindBorrow)
	if ev == nil || ev.Amount.Cmp(wei(t, "10150000000000000000")) != 0 {
		t.Errorf("borrow event = %+v", ev)
	}
	checkBooks(t, f.m)
}

func TestBorrow_ToAnotherAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.Deposit(ctx, "borrower", "borrower", e18(10))

	if err := f.m.Borrow(ctx, "borrower", "other", e18(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if f.m.Debt("borrower").Cmp(wei(t, "10150000000000000000")) != 0 {
		t.Error("debt not booked to borrower")
	}
	if f.debt.BalanceOf("other").Cmp(new(big.Int).Add(e18(10_000), e18(10))) != 0 {
		t.Errorf("recipient balance = %s", f.debt.BalanceOf("other"))
	}
}

func TestBorrow_LTVBounds(t *testing.T) {
	ctx := context.Background()

	// 591.14 * 1.015 = 600.0071 against $1000 of collateral: LTV floors
	// to exactly 60000.
	f := newFixture(t)
	f.m.Deposit(ctx, "borrower", "borrower", e18(10))
	if err := f.m.Borrow(ctx, "borrower", "borrower", wei(t, "591140000000000000000")); err != nil {
		t.Fatalf("borrow at limit: %v", err)
	}
	ltv, _ := f.m.UserLTV("borrower")
	if ltv.Cmp(big.NewInt(60000)) != 0 {
		t.Errorf("LTV = %s, want 60000", ltv)
	}

	// One cent more floors to 60001 and must fail without booking debt.
	f = newFixture(t)
	f.m.Deposit(ctx, "borrower", "borrower", e18(10))
	err := f.m.Borrow(ctx, "borrower", "borrower", wei(t, "591150000000000000000"))
	if !errors.Is(err, ErrExceedsLoanToValue) {
		t.Fatalf("borrow over limit: %v", err)
	}
	if f.m.TotalDebt().Sign() != 0 {
		t.Errorf("failed borrow left totalDebt = %s", f.m.TotalDebt())
	}

	f = newFixture(t)
	f.m.Deposit(ctx, "borrower", "borrower", e18(10))
	if err := f.m.Borrow(ctx, "borrower", "borrower", e18(1000)); !errors.Is(err, ErrExceedsLoanToValue) {
		t.Errorf("way over limit: %v", err)
	}
}

func TestBorrow_NoCollateral(t *testing.T) {
	f := newFixture(t)
	err := f.m.Borrow(context.Background(), "borrower", "borrower", e18(1))
	if !errors.Is(err, ErrExceedsLoanToValue) {
		t.Errorf("borrow without collateral: %v", err)
	}
}

// withdrawFixture has $1000 of collateral deposited and $500 borrowed,
// so debt is $507.50.
func withdrawFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	if err := f.m.Deposit(ctx, "borrower", "borrower", e18(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.m.Borrow(ctx, "borrower", "borrower", e18(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if f.m.Debt("borrower").Cmp(wei(t, "507500000000000000000")) != 0 {
		t.Fatalf("debt = %s", f.m.Debt("borrower"))
	}
	return f
}

func TestWithdraw(t *testing.T) {
	f := withdrawFixture(t)
	ctx := context.Background()

	if err := f.m.Withdraw(ctx, "borrower", "borrower", e18(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if f.m.Collateral("borrower").Cmp(e18(9)) != 0 {
		t.Errorf("collateral = %s", f.m.Collateral("borrower"))
	}
	if f.m.TotalCollateral().Cmp(e18(9)) != 0 {
		t.Errorf("totalCollateral = %s", f.m.TotalCollateral())
	}
	if f.coll.BalanceOf("borrower").Cmp(e18(91)) != 0 {
		t.Errorf("borrower wallet = %s", f.coll.BalanceOf("borrower"))
	}
	ev := f.rec.Last(event.KindWithdraw)
	if ev == nil || ev.Amount.Cmp(e18(1)) != 0 {
		t.Errorf("withdraw event = %+v", ev)
	}
	checkBooks(t, f.m)
}

func TestWithdraw_LTVBounds(t *testing.T) {
	ctx := context.Background()

	// Withdrawing 1.5418 leaves $845.82 of collateral against $507.50 of
	// debt: LTV floors to exactly 60000.
	f := withdrawFixture(t)
	if err := f.m.Withdraw(ctx, "borrower", "borrower", wei(t, "1541800000000000000")); err != nil {
		t.Fatalf("withdraw at limit: %v", err)
	}
	ltv, _ := f.m.UserLTV("borrower")
	if ltv.Cmp(big.NewInt(60000)) != 0 {
		t.Errorf("LTV = %s, want 60000", ltv)
	}

	f = withdrawFixture(t)
	err := f.m.Withdraw(ctx, "borrower", "borrower", wei(t, "1541900000000000000"))
	if !errors.Is(err, ErrExceedsLoanToValue) {
		t.Fatalf("withdraw over limit: %v", err)
	}
	if f.m.Collateral("borrower").Cmp(e18(10)) != 0 {
		t.Error("failed withdraw moved collateral")
	}

	f = withdrawFixture(t)
	if err := f.m.Withdraw(ctx, "borrower", "borrower", e18(9)); !errors.Is(err, ErrExceedsLoanToValue) {
		t.Errorf("deep withdraw: %v", err)
	}
}

func TestWithdraw_AmountTooLarge(t *testing.T) {
	f := withdrawFixture(t)
	err := f.m.Withdraw(context.Background(), "borrower", "borrower", e18(11))
	if !errors.Is(err, ErrAmountTooLarge) {
		t.Errorf("expected ErrAmountTooLarge, got %v", err)
	}
}

func TestWithdraw_ToAnotherAccount(t *testing.T) {
	f := withdrawFixture(t)
	if err := f.m.Withdraw(context.Background(), "borrower", "other", e18(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if f.coll.BalanceOf("other").Cmp(e18(1)) != 0 {
		t.Errorf("recipient got %s", f.coll.BalanceOf("other"))
	}
	if f.m.Collateral("borrower").Cmp(e18(9)) != 0 {
		t.Error("position not reduced")
	}
}

func TestRepay(t *testing.T) {
	f := withdrawFixture(t)
	ctx := context.Background()
	debt := wei(t, "507500000000000000000")

	// Borrower holds $500; top up the missing fee portion.
	f.debt.Mint("borrower", e18(10))

	if err := f.m.Repay(ctx, "borrower", "borrower", debt); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if f.m.Debt("borrower").Sign() != 0 || f.m.TotalDebt().Sign() != 0 {
		t.Error("repay did not clear debt")
	}
	ev := f.rec.Last(event.KindRepay)
	if ev == nil || ev.Amount.Cmp(debt) != 0 {
		t.Errorf("repay event = %+v", ev)
	}
	checkBooks(t, f.m)
}

func TestRepay_MoreThanOwed(t *testing.T) {
	f := withdrawFixture(t)
	f.debt.Mint("borrower", e18(10))
	err := f.m.Repay(context.Background(), "borrower", "borrower", wei(t, "507500000000000000001"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overpay: %v", err)
	}
	if f.m.Debt("borrower").Cmp(wei(t, "507500000000000000000")) != 0 {
		t.Error("failed repay changed debt")
	}
}

func TestRepay_OnBehalfOf(t *testing.T) {
	f := withdrawFixture(t)
	debt := wei(t, "507500000000000000000")

	if err := f.m.Repay(context.Background(), "other", "borrower", debt); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if f.m.Debt("borrower").Sign() != 0 {
		t.Error("debt not cleared")
	}
	ev := f.rec.Last(event.KindRepay)
	if ev.From != "other" || ev.To != "borrower" {
		t.Errorf("repay event = %+v", ev)
	}
}

func TestRepay_ZeroIsNoOp(t *testing.T) {
	f := withdrawFixture(t)
	before := f.rec.Count(event.KindRepay)
	if err := f.m.Repay(context.Background(), "borrower", "borrower", big.NewInt(0)); err != nil {
		t.Errorf("zero repay: %v", err)
	}
	if f.rec.Count(event.KindRepay) != before {
		t.Error("zero repay emitted an event")
	}
}

func TestRepay_IgnoresOracle(t *testing.T) {
	f := withdrawFixture(t)
	f.orc.Fail()
	if err := f.m.Repay(context.Background(), "borrower", "borrower", e18(100)); err != nil {
		t.Errorf("repay with dead oracle: %v", err)
	}
}

func TestDepositAndBorrow(t *testing.T) {
	f := newFixture(t)
	if err := f.m.DepositAndBorrow(context.Background(), "borrower", e18(10), e18(300)); err != nil {
		t.Fatalf("depositAndBorrow: %v", err)
	}
	if f.m.Collateral("borrower").Cmp(e18(10)) != 0 {
		t.Errorf("collateral = %s", f.m.Collateral("borrower"))
	}
	if f.m.Debt("borrower").Cmp(wei(t, "304500000000000000000")) != 0 {
		t.Errorf("debt = %s", f.m.Debt("borrower"))
	}
	checkBooks(t, f.m)
}

func TestRepayAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.DepositAndBorrow(ctx, "borrower", e18(10), e18(300))
	f.debt.Mint("borrower", e18(10))

	if err := f.m.RepayAndWithdraw(ctx, "borrower", wei(t, "304500000000000000000"), e18(10)); err != nil {
		t.Fatalf("repayAndWithdraw: %v", err)
	}
	if f.m.Collateral("borrower").Sign() != 0 || f.m.Debt("borrower").Sign() != 0 {
		t.Error("position not closed")
	}
	checkBooks(t, f.m)
}

func TestRepayAndWithdraw_FrozenOracle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.DepositAndBorrow(ctx, "borrower", e18(10), e18(300))
	f.debt.Mint("borrower", e18(10))

	f.orc.Fail()
	err := f.m.RepayAndWithdraw(ctx, "borrower", wei(t, "304500000000000000000"), e18(10))
	if !errors.Is(err, ErrMarketFrozen) {
		t.Fatalf("expected ErrMarketFrozen, got %v", err)
	}
	// The repay leg is oracle-independent and stands; the withdraw leg
	// never happened.
	if f.m.Debt("borrower").Sign() != 0 {
		t.Errorf("repay leg did not stand, debt = %s", f.m.Debt("borrower"))
	}
	if f.m.Collateral("borrower").Cmp(e18(10)) != 0 {
		t.Error("withdraw leg moved collateral while frozen")
	}
	checkBooks(t, f.m)
}

// liquidationFixture has $1000 of collateral and $507.50 of debt at $100,
// then moves the price so the position is underwater.
func liquidationFixture(t *testing.T, newPrice *big.Int) *fixture {
	t.Helper()
	f := withdrawFixture(t)
	f.orc.SetPrice(newPrice)
	if err := f.m.UpdatePrice(context.Background()); err != nil {
		t.Fatalf("updatePrice: %v", err)
	}
	return f
}

func TestLiquidate_Full(t *testing.T) {
	f := liquidationFixture(t, e18(80))
	ctx := context.Background()

	ltv, _ := f.m.UserLTV("borrower")
	if ltv.Cmp(big.NewInt(63437)) != 0 {
		t.Fatalf("LTV = %s, want 63437", ltv)
	}

	// Penalty 10%: collateral priced at $72. $507.50 / $72 = 7.048611...
	debt := wei(t, "507500000000000000000")
	wantSeized := wei(t, "7048611111111111111")

	repaid, seized, err := f.m.Liquidate(ctx, "liquidator", "borrower", debt, "liquidator", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(debt) != 0 {
		t.Errorf("repaid = %s, want %s", repaid, debt)
	}
	if seized.Cmp(wantSeized) != 0 {
		t.Errorf("seized = %s, want %s", seized, wantSeized)
	}

	if f.m.Debt("borrower").Sign() != 0 {
		t.Errorf("residual debt = %s", f.m.Debt("borrower"))
	}
	if f.m.Collateral("borrower").Cmp(new(big.Int).Sub(e18(10), wantSeized)) != 0 {
		t.Errorf("residual collateral = %s", f.m.Collateral("borrower"))
	}
	if f.coll.BalanceOf("liquidator").Cmp(wantSeized) != 0 {
		t.Errorf("liquidator collateral = %s", f.coll.BalanceOf("liquidator"))
	}
	if f.debt.BalanceOf("liquidator").Cmp(new(big.Int).Sub(e18(10_000), debt)) != 0 {
		t.Errorf("liquidator debt balance = %s", f.debt.BalanceOf("liquidator"))
	}

	ev := f.rec.Last(event.KindLiquidate)
	if ev == nil || ev.From != "borrower" || ev.To != "liquidator" {
		t.Fatalf("liquidate event = %+v", ev)
	}
	if ev.Amount.Cmp(debt) != 0 || ev.Amount2.Cmp(wantSeized) != 0 || ev.Price.Cmp(e18(80)) != 0 {
		t.Errorf("liquidate event amounts = %s %s %s", ev.Amount, ev.Amount2, ev.Price)
	}
	if rp := f.rec.Last(event.KindRepay); rp.From != "liquidator" || rp.To != "borrower" {
		t.Errorf("repay event = %+v", rp)
	}
	if wd := f.rec.Last(event.KindWithdraw); wd.From != "borrower" || wd.To != "liquidator" {
		t.Errorf("withdraw event = %+v", wd)
	}
	checkBooks(t, f.m)
}

func TestLiquidate_Partial(t *testing.T) {
	f := liquidationFixture(t, e18(80))

	// $100 of debt at the discounted $72: 1.38888... collateral.
	repaid, seized, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", e18(100), "liquidator", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(e18(100)) != 0 {
		t.Errorf("repaid = %s", repaid)
	}
	if seized.Cmp(wei(t, "1388888888888888888")) != 0 {
		t.Errorf("seized = %s", seized)
	}
	if f.m.Debt("borrower").Cmp(wei(t, "407500000000000000000")) != 0 {
		t.Errorf("residual debt = %s", f.m.Debt("borrower"))
	}
	checkBooks(t, f.m)
}

func TestLiquidate_Solvent(t *testing.T) {
	f := withdrawFixture(t)

	ltv, _ := f.m.UserLTV("borrower")
	if ltv.Cmp(big.NewInt(50750)) != 0 {
		t.Fatalf("LTV = %s, want 50750", ltv)
	}
	_, _, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", wei(t, "507500000000000000000"), "liquidator", nil)
	if !errors.Is(err, ErrUserSolvent) {
		t.Errorf("expected ErrUserSolvent, got %v", err)
	}
}

func TestLiquidate_Rekt(t *testing.T) {
	// Price collapses from $100 to $1: $507.50 owed against $10 of
	// collateral.
	f := liquidationFixture(t, e18(1))
	ctx := context.Background()

	ltv, _ := f.m.UserLTV("borrower")
	if ltv.Cmp(big.NewInt(5_075_000)) != 0 {
		t.Fatalf("LTV = %s, want 5075000", ltv)
	}

	// All 10 collateral at the discounted $0.90 repays only $9; the rest
	// stays behind as bad debt.
	repaid, seized, err := f.m.Liquidate(ctx, "liquidator", "borrower", wei(t, "507500000000000000000"), "liquidator", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if seized.Cmp(e18(10)) != 0 {
		t.Errorf("seized = %s, want all 10", seized)
	}
	if repaid.Cmp(e18(9)) != 0 {
		t.Errorf("repaid = %s, want 9", repaid)
	}
	if f.m.Collateral("borrower").Sign() != 0 {
		t.Error("collateral not fully seized")
	}
	if f.m.Debt("borrower").Cmp(wei(t, "498500000000000000000")) != 0 {
		t.Errorf("bad debt = %s, want 498.5", f.m.Debt("borrower"))
	}
	checkBooks(t, f.m)
}

func TestLiquidate_RektPartial(t *testing.T) {
	f := liquidationFixture(t, e18(1))

	// $5 of debt buys 5.5555... collateral at $0.90.
	repaid, seized, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", e18(5), "liquidator", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(e18(5)) != 0 {
		t.Errorf("repaid = %s", repaid)
	}
	if seized.Cmp(wei(t, "5555555555555555555")) != 0 {
		t.Errorf("seized = %s", seized)
	}
	checkBooks(t, f.m)
}

func TestLiquidate_Self(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.m.Liquidate(context.Background(), "liquidator", "liquidator", big.NewInt(1), "liquidator", nil)
	if !errors.Is(err, ErrCannotLiquidateSelf) {
		t.Errorf("expected ErrCannotLiquidateSelf, got %v", err)
	}
}

func TestLiquidate_ToAnotherAccount(t *testing.T) {
	f := liquidationFixture(t, e18(80))
	debt := wei(t, "507500000000000000000")
	wantSeized := wei(t, "7048611111111111111")

	_, _, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", debt, "other", nil)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if f.coll.BalanceOf("other").Cmp(wantSeized) != 0 {
		t.Errorf("recipient collateral = %s", f.coll.BalanceOf("other"))
	}
	if f.debt.BalanceOf("liquidator").Cmp(new(big.Int).Sub(e18(10_000), debt)) != 0 {
		t.Error("repay not pulled from liquidator")
	}
	if wd := f.rec.Last(event.KindWithdraw); wd.To != "other" {
		t.Errorf("withdraw event recipient = %q", wd.To)
	}
}

type stubSwapper struct {
	calls      int
	recipient  string
	debtAmount *big.Int
	collAmount *big.Int
	fail       bool
}

func (s *stubSwapper) Swap(_ context.Context, _, _ token.Asset, recipient string, debtAmount, collateralAmount *big.Int) error {
	if s.fail {
		return errors.New("no route")
	}
	s.calls++
	s.recipient = recipient
	s.debtAmount = new(big.Int).Set(debtAmount)
	s.collAmount = new(big.Int).Set(collateralAmount)
	return nil
}

func TestLiquidate_WithSwapper(t *testing.T) {
	f := liquidationFixture(t, e18(80))
	debt := wei(t, "507500000000000000000")
	wantSeized := wei(t, "7048611111111111111")
	sw := &stubSwapper{}

	repaid, seized, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", debt, "liquidator", sw)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if repaid.Cmp(debt) != 0 || seized.Cmp(wantSeized) != 0 {
		t.Errorf("repaid=%s seized=%s", repaid, seized)
	}
	if sw.calls != 1 || sw.recipient != "liquidator" {
		t.Fatalf("swapper calls=%d recipient=%q", sw.calls, sw.recipient)
	}
	if sw.debtAmount.Cmp(debt) != 0 || sw.collAmount.Cmp(wantSeized) != 0 {
		t.Errorf("swapper args: debt=%s coll=%s", sw.debtAmount, sw.collAmount)
	}
	if f.coll.BalanceOf("liquidator").Cmp(wantSeized) != 0 {
		t.Error("collateral not delivered before swap")
	}
	if f.debt.BalanceOf("liquidator").Cmp(new(big.Int).Sub(e18(10_000), debt)) != 0 {
		t.Error("repay not pulled from liquidator")
	}
	checkBooks(t, f.m)
}

func TestLiquidate_SwapperFailureUnwinds(t *testing.T) {
	f := liquidationFixture(t, e18(80))
	sw := &stubSwapper{fail: true}

	_, _, err := f.m.Liquidate(context.Background(), "liquidator", "borrower", e18(100), "liquidator", sw)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected wrapped transfer failure, got %v", err)
	}
	if f.coll.BalanceOf("liquidator").Sign() != 0 {
		t.Error("collateral not returned after failed swap")
	}
	if f.m.Debt("borrower").Cmp(wei(t, "507500000000000000000")) != 0 {
		t.Error("failed liquidation touched the books")
	}
	if f.m.Collateral("borrower").Cmp(e18(10)) != 0 {
		t.Error("failed liquidation touched collateral")
	}
	checkBooks(t, f.m)
}

func TestFrozenMarket(t *testing.T) {
	f := withdrawFixture(t)
	ctx := context.Background()
	f.orc.Fail()

	if err := f.m.Deposit(ctx, "borrower", "borrower", e18(1)); !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("deposit: %v", err)
	}
	if err := f.m.Borrow(ctx, "borrower", "borrower", e18(1)); !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("borrow: %v", err)
	}
	if err := f.m.Withdraw(ctx, "borrower", "borrower", e18(1)); !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("withdraw: %v", err)
	}
	if err := f.m.DepositAndBorrow(ctx, "borrower", e18(1), e18(1)); !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("depositAndBorrow: %v", err)
	}
	if _, _, err := f.m.Liquidate(ctx, "liquidator", "borrower", e18(1), "liquidator", nil); !errors.Is(err, ErrMarketFrozen) {
		t.Errorf("liquidate: %v", err)
	}
	if !f.m.Frozen() {
		t.Error("market not flagged frozen")
	}

	// Repayment is the escape hatch.
	if err := f.m.Repay(ctx, "borrower", "borrower", e18(100)); err != nil {
		t.Errorf("repay while frozen: %v", err)
	}

	// A recovered oracle thaws on the next operation.
	f.orc.SetPrice(e18(100))
	if err := f.m.Deposit(ctx, "borrower", "borrower", e18(1)); err != nil {
		t.Errorf("deposit after recovery: %v", err)
	}
	if f.m.Frozen() {
		t.Error("market still flagged frozen after recovery")
	}
}

func TestHarvestFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.DepositAndBorrow(ctx, "borrower", e18(10), e18(200))
	if f.m.FeesCollected().Cmp(e18(3)) != 0 {
		t.Fatalf("feesCollected = %s, want 3", f.m.FeesCollected())
	}

	if err := f.m.HarvestFees(ctx); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if f.m.FeesCollected().Sign() != 0 {
		t.Error("fees not cleared")
	}
	if f.debt.BalanceOf("treasury").Cmp(e18(3)) != 0 {
		t.Errorf("treasury = %s", f.debt.BalanceOf("treasury"))
	}
	ev := f.rec.Last(event.KindFeesHarvested)
	if ev == nil || ev.To != "treasury" || ev.Amount.Cmp(e18(3)) != 0 {
		t.Errorf("harvest event = %+v", ev)
	}

	// Harvesting again with nothing accrued moves no tokens and stays quiet.
	harvested := f.rec.Count(event.KindFeesHarvested)
	if err := f.m.HarvestFees(ctx); err != nil {
		t.Fatalf("empty harvest: %v", err)
	}
	if f.debt.BalanceOf("treasury").Cmp(e18(3)) != 0 {
		t.Errorf("treasury after empty harvest = %s", f.debt.BalanceOf("treasury"))
	}
	if f.rec.Count(event.KindFeesHarvested) != harvested {
		t.Error("empty harvest emitted an event")
	}
}

func TestReduceSupply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.ReduceSupply(ctx, "owner", e18(1000)); err != nil {
		t.Fatalf("reduceSupply: %v", err)
	}
	if f.debt.BalanceOf("owner").Cmp(e18(1000)) != 0 {
		t.Errorf("owner balance = %s", f.debt.BalanceOf("owner"))
	}

	if err := f.m.ReduceSupply(ctx, "other", e18(1)); !errors.Is(err, ownable.ErrUnauthorized) {
		t.Errorf("non-owner: %v", err)
	}
}

func TestSetTreasury(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.SetTreasury(ctx, "owner", "other"); err != nil {
		t.Fatalf("setTreasury: %v", err)
	}
	if f.m.Treasury() != "other" {
		t.Errorf("treasury = %q", f.m.Treasury())
	}
	if ev := f.rec.Last(event.KindTreasuryUpdated); ev == nil || ev.To != "other" {
		t.Errorf("event = %+v", ev)
	}

	if err := f.m.SetTreasury(ctx, "other", "other"); !errors.Is(err, ownable.ErrUnauthorized) {
		t.Errorf("non-owner: %v", err)
	}
	if err := f.m.SetTreasury(ctx, "owner", ""); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("empty treasury: %v", err)
	}
}

func TestSetOracle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.m.SetOracle(ctx, "owner", oracle.NewStatic(e18(42))); err != nil {
		t.Fatalf("setOracle: %v", err)
	}
	if f.m.OracleSpec() != "static:"+e18(42).String() {
		t.Errorf("oracle spec = %q", f.m.OracleSpec())
	}
	if ev := f.rec.Last(event.KindOracleUpdated); ev == nil {
		t.Error("no oracle event")
	}

	if err := f.m.SetOracle(ctx, "other", oracle.NewStatic(e18(1))); !errors.Is(err, ownable.ErrUnauthorized) {
		t.Errorf("non-owner: %v", err)
	}
	if err := f.m.SetOracle(ctx, "owner", nil); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("nil oracle: %v", err)
	}
}

func TestRecoverAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stray := token.NewBank("Stray", "STRAY")
	stray.Mint(f.m.Account(), big.NewInt(100))

	if err := f.m.RecoverAsset(ctx, "owner", stray, big.NewInt(100)); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stray.BalanceOf("owner").Cmp(big.NewInt(100)) != 0 {
		t.Errorf("owner stray balance = %s", stray.BalanceOf("owner"))
	}

	if err := f.m.RecoverAsset(ctx, "owner", f.debt, big.NewInt(1)); !errors.Is(err, ErrManagedAsset) {
		t.Errorf("debt token: %v", err)
	}
	if err := f.m.RecoverAsset(ctx, "owner", f.coll, big.NewInt(1)); !errors.Is(err, ErrManagedAsset) {
		t.Errorf("collateral token: %v", err)
	}
	if err := f.m.RecoverAsset(ctx, "other", stray, big.NewInt(1)); !errors.Is(err, ownable.ErrUnauthorized) {
		t.Errorf("non-owner: %v", err)
	}
}

func TestRestore(t *testing.T) {
	f := withdrawFixture(t)

	restored, err := Restore(f.m.ID(), "owner", "treasury", f.coll, f.debt, f.orc,
		f.m.Params(), nil, f.m.LastPrice(), f.m.FeesCollected(), false, f.m.Positions())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID() != f.m.ID() || restored.Account() != f.m.Account() {
		t.Error("identity not preserved")
	}
	if restored.TotalCollateral().Cmp(f.m.TotalCollateral()) != 0 {
		t.Errorf("totalCollateral = %s", restored.TotalCollateral())
	}
	if restored.TotalDebt().Cmp(f.m.TotalDebt()) != 0 {
		t.Errorf("totalDebt = %s", restored.TotalDebt())
	}
	if restored.Debt("borrower").Cmp(f.m.Debt("borrower")) != 0 {
		t.Error("position debt not restored")
	}
	if restored.FeesCollected().Cmp(f.m.FeesCollected()) != 0 {
		t.Error("fees not restored")
	}
	if restored.LastPrice().Cmp(f.m.LastPrice()) != 0 {
		t.Error("price not restored")
	}
	checkBooks(t, restored)
}
