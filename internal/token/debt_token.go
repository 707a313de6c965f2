package token

import (
	"errors"
	"math/big"

	"github.com/argolabs/market-engine/internal/ownable"
)

var (
	// ErrZeroTreasury is returned when a debt token is created without a
	// fee-recipient account.
	ErrZeroTreasury = errors.New("token: zero treasury")
)

// DebtToken is the protocol-issued stable asset. Supply creation is gated
// behind the owner; burning is open to any holder. Markets are funded by the
// owner minting to the market account, then trimmed via reduceSupply.
type DebtToken struct {
	*Bank
	own      *ownable.Ownable
	treasury string
}

// NewDebtToken creates an empty debt token held by owner.
func NewDebtToken(owner, treasury, name, symbol string) (*DebtToken, error) {
	own, err := ownable.New(owner)
	if err != nil {
		return nil, err
	}
	if treasury == "" {
		return nil, ErrZeroTreasury
	}
	return &DebtToken{
		Bank:     NewBank(name, symbol),
		own:      own,
		treasury: treasury,
	}, nil
}

// RestoreDebtToken rebuilds a debt token under a persisted identity.
// Balances are not restored.
func RestoreDebtToken(id, owner, treasury, name, symbol string) (*DebtToken, error) {
	t, err := NewDebtToken(owner, treasury, name, symbol)
	if err != nil {
		return nil, err
	}
	t.Bank.id = id
	return t, nil
}

// Owner returns the minting authority.
func (t *DebtToken) Owner() string { return t.own.Owner() }

// Treasury returns the configured fee-recipient account.
func (t *DebtToken) Treasury() string { return t.treasury }

// TransferOwnership hands the minting authority to newOwner.
func (t *DebtToken) TransferOwnership(caller, newOwner string) error {
	return t.own.TransferOwnership(caller, newOwner)
}

// Mint creates amount new tokens credited to the given account. Owner only.
func (t *DebtToken) Mint(caller, to string, amount *big.Int) error {
	if err := t.own.RequireOwner(caller); err != nil {
		return err
	}
	return t.mint(to, amount)
}

// Burn destroys amount of the caller's own balance. Open to anyone.
func (t *DebtToken) Burn(caller string, amount *big.Int) error {
	return t.burn(caller, amount)
}
