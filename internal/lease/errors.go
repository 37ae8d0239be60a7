package lease

import "errors"

var (
	ErrLeaseNotFound  = errors.New("lease not found")
	ErrDuplicateLease = errors.New("a live lease with this id already exists")
	ErrLeaseNotActive = errors.New("lease is not active")
	ErrNotEscrow      = errors.New("lease is not escrow funded")
	ErrTopUpTooSmall  = errors.New("top-up amount below minimum")
	ErrInvalidRequest = errors.New("invalid lease request")
	ErrTeardownFailed = errors.New("resource teardown failed")
)
