package marketplace

import "errors"

var (
	ErrNoCandidate      = errors.New("no host satisfies the requirements")
	ErrClaimConflict    = errors.New("host was claimed concurrently")
	ErrHostNotFound     = errors.New("host not found")
	ErrHostExists       = errors.New("host already registered")
	ErrNotOwner         = errors.New("caller does not own this host")
	ErrVerifyMismatch   = errors.New("reported specs do not match registration")
	ErrInvalidAccessKey = errors.New("invalid host access key")
	ErrNothingToClaim   = errors.New("no earnings to claim")
)
