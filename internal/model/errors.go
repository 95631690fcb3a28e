package model

import "errors"

// Error kinds returned by the core components. The HTTP layer maps each kind
// to a status code; callers match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidOption          = errors.New("invalid option")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrNotReady               = errors.New("not ready for settlement")
	ErrAlreadySettled         = errors.New("already settled")
)
