// Package ledger keeps the per-account collateral and debt balances for one
// market together with their running totals.
//
// Every mutation updates the account entry and the matching total in the
// same call or not at all, so totalCollateral == Σ userCollateral and
// totalDebt == Σ userDebt hold at every return, including error returns.
package ledger

import (
	"errors"
	"math/big"
)

// ErrInsufficientBalance is returned when a debit or debt reduction exceeds
// the recorded balance. Balances are unsigned; nothing ever wraps.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// Ledger is the bookkeeping state of a single market. It is not safe for
// concurrent use; the owning engine serializes access.
type Ledger struct {
	collateral map[string]*big.Int
	debt       map[string]*big.Int

	totalCollateral *big.Int
	totalDebt       *big.Int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		collateral:      make(map[string]*big.Int),
		debt:            make(map[string]*big.Int),
		totalCollateral: big.NewInt(0),
		totalDebt:       big.NewInt(0),
	}
}

// Credit adds delta collateral to account and to the global total.
func (l *Ledger) Credit(account string, delta *big.Int) {
	cur, ok := l.collateral[account]
	if !ok {
		cur = big.NewInt(0)
		l.collateral[account] = cur
	}
	cur.Add(cur, delta)
	l.totalCollateral.Add(l.totalCollateral, delta)
}

// Debit removes delta collateral from account and from the global total.
// Fails with ErrInsufficientBalance, touching nothing, if the account holds
// less than delta.
func (l *Ledger) Debit(account string, delta *big.Int) error {
	cur, ok := l.collateral[account]
	if !ok || cur.Cmp(delta) < 0 {
		return ErrInsufficientBalance
	}
	cur.Sub(cur, delta)
	l.totalCollateral.Sub(l.totalCollateral, delta)
	return nil
}

// AccrueDebt adds delta debt to account and to the global total.
func (l *Ledger) AccrueDebt(account string, delta *big.Int) {
	cur, ok := l.debt[account]
	if !ok {
		cur = big.NewInt(0)
		l.debt[account] = cur
	}
	cur.Add(cur, delta)
	l.totalDebt.Add(l.totalDebt, delta)
}

// ReduceDebt removes delta debt from account and from the global total.
// Fails with ErrInsufficientBalance, touching nothing, if the account owes
// less than delta.
func (l *Ledger) ReduceDebt(account string, delta *big.Int) error {
	cur, ok := l.debt[account]
	if !ok || cur.Cmp(delta) < 0 {
		return ErrInsufficientBalance
	}
	cur.Sub(cur, delta)
	l.totalDebt.Sub(l.totalDebt, delta)
	return nil
}

// Collateral returns account's recorded collateral. The caller must not
// mutate the result.
func (l *Ledger) Collateral(account string) *big.Int {
	if cur, ok := l.collateral[account]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}

// Debt returns account's recorded debt.
func (l *Ledger) Debt(account string) *big.Int {
	if cur, ok := l.debt[account]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}

// TotalCollateral returns the sum of all account collateral.
func (l *Ledger) TotalCollateral() *big.Int {
	return new(big.Int).Set(l.totalCollateral)
}

// TotalDebt returns the sum of all account debt.
func (l *Ledger) TotalDebt() *big.Int {
	return new(big.Int).Set(l.totalDebt)
}

// Accounts returns every account that has ever held collateral or debt.
func (l *Ledger) Accounts() []string {
	seen := make(map[string]bool, len(l.collateral))
	var out []string
	for acct := range l.collateral {
		if !seen[acct] {
			seen[acct] = true
			out = append(out, acct)
		}
	}
	for acct := range l.debt {
		if !seen[acct] {
			seen[acct] = true
			out = append(out, acct)
		}
	}
	return out
}
