package access

import "errors"

var (
	// ErrNoCaller is returned when a mutation reaches an owned store without a
	// principal in its context.
	ErrNoCaller = errors.New("no caller principal")
	// ErrNotOwner is returned when the caller is not the store owner.
	ErrNotOwner = errors.New("caller is not the owner")
)
