package relay

import "errors"

var (
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrTokenInvalid     = errors.New("invalid or expired credential")
	ErrRefNotAllowed    = errors.New("resource is outside the credential's scope")
	ErrSessionExpired   = errors.New("session expired")
	ErrNoTunnel         = errors.New("no open tunnel")
	ErrAlreadyTunneled  = errors.New("session already has an open tunnel")
	ErrTunnelFailed     = errors.New("tunnel connection failed")
)
