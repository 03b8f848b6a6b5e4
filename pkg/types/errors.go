package types

import "errors"

// Error taxonomy of the engine. Callers match with errors.Is; only
// ErrTryAgain is meant to be retried.
var (
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrAlreadyMember   = errors.New("already a member")
	ErrNotMember       = errors.New("not a member")
	ErrDuplicateMember = errors.New("duplicate member")
	ErrTooBig          = errors.New("too big")
	ErrUnsupported     = errors.New("unsupported")
	ErrTryAgain        = errors.New("try again")
	ErrNoMemory        = errors.New("no memory")
	ErrLibrary         = errors.New("library error")
)
