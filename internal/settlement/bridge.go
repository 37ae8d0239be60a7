package settlement

import "context"

// TxRef is an opaque transaction reference returned by the settlement
// authority, kept for audit
type TxRef string

// Bridge translates lease and marketplace events into calls against the
// external settlement authority. Every call is idempotent per lease/host id
// on the authority side; the bridge never retries a call it cannot prove was
// not applied.
type Bridge interface {
	// DepositAndLease locks funds for a fixed-duration lease
	DepositAndLease(ctx context.Context, tenantKey string, amount uint64, durationSeconds int64, leaseID string) (TxRef, error)

	// OpenEscrow starts an escrow session funded with amount
	OpenEscrow(ctx context.Context, tenantKey string, amount uint64, leaseID string) (TxRef, error)

	// ExtendEscrow adds funds to an existing escrow session
	ExtendEscrow(ctx context.Context, tenantKey string, leaseID string, amount uint64) (TxRef, error)

	// Finalize settles a lease: for DURATION it releases the held funds to
	// the payee, for ESCROW it settles accrued usage and refunds the rest
	Finalize(ctx context.Context, tenantKey string, leaseID string, settledAmount uint64) (TxRef, error)

	// RewardHost pays out accrued earnings to a marketplace host owner
	RewardHost(ctx context.Context, ownerKey string, hostID string, amount uint64) (TxRef, error)

	// PenalizeHost forfeits a host's standing with the authority
	PenalizeHost(ctx context.Context, ownerKey string, hostID string) (TxRef, error)
}
