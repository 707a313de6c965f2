// Package ownable provides the single-owner authorization check shared by
// markets, peg-stability modules, debt tokens, and the factory. One mutable
// owner, checked at the top of each privileged operation; no role hierarchy.
package ownable

import "errors"

var (
	// ErrUnauthorized is returned when a privileged operation is invoked
	// by anyone other than the current owner.
	ErrUnauthorized = errors.New("ownable: caller is not the owner")

	// ErrZeroOwner is returned when ownership would be transferred to an
	// empty account, which would brick every privileged operation.
	ErrZeroOwner = errors.New("ownable: zero owner address")
)

// Ownable tracks a single transferable owner account. Embedding types are
// responsible for serializing access alongside their other state.
type Ownable struct {
	owner string
}

// New creates an Ownable held by owner.
func New(owner string) (*Ownable, error) {
	if owner == "" {
		return nil, ErrZeroOwner
	}
	return &Ownable{owner: owner}, nil
}

// Owner returns the current owner account.
func (o *Ownable) Owner() string { return o.owner }

// RequireOwner returns ErrUnauthorized unless caller is the owner.
func (o *Ownable) RequireOwner(caller string) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	return nil
}

// TransferOwnership moves ownership to newOwner. Only the current owner may
// transfer, and never to an empty account.
func (o *Ownable) TransferOwnership(caller, newOwner string) error {
	if err := o.RequireOwner(caller); err != nil {
		return err
	}
	if newOwner == "" {
		return ErrZeroOwner
	}
	o.owner = newOwner
	return nil
}
