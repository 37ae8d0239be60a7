package settlement

import "errors"

var (
	ErrSettlementFailed   = errors.New("settlement call failed")
	ErrSettlementTimeout  = errors.New("settlement call timed out")
	ErrNotConfirmed       = errors.New("settlement transaction not confirmed")
	ErrInvalidOperatorKey = errors.New("invalid operator key")
	ErrInvalidProgram     = errors.New("invalid vault program id")
	ErrInvalidIdentity    = errors.New("invalid owner identity")
)
