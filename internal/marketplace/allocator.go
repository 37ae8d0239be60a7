package marketplace

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/decloud-network/decloud-node/internal/database"
	"github.com/decloud-network/decloud-node/internal/settlement"
	"github.com/decloud-network/decloud-node/internal/types"
	"github.com/decloud-network/decloud-node/internal/utils"
)

// claimAttempts bounds the find-claim loop when claims keep losing races
const claimAttempts = 5

// Allocator manages the capacity marketplace: host registration and
// verification, race-free matching, occupancy, penalties and earnings.
// Occupancy claims are single compare-and-set updates, so two concurrent
// allocations of the same host cannot both succeed.
type Allocator struct {
	db     *database.SQLiteManager
	bridge settlement.Bridge
	logger *utils.LogsManager
}

// NewAllocator creates a marketplace allocator
func NewAllocator(db *database.SQLiteManager, bridge settlement.Bridge, logger *utils.LogsManager) *Allocator {
	return &Allocator{
		db:     db,
		bridge: bridge,
		logger: logger,
	}
}

// RegisterRequest carries a host owner's registration
type RegisterRequest struct {
	OwnerKey    string `json:"owner_key"`
	MachineType string `json:"machine_type"`
	OS          string `json:"os"`
	CPU         int    `json:"cpu"`
	RAM         int    `json:"ram"`
	DiskSize    int    `json:"disk_size"`
	Region      string `json:"region"`
	IPAddress   string `json:"ip_address"`
	AccessKey   string `json:"access_key"`
}

// VerifyReport is what the agent running on the host reports back during
// verification
type VerifyReport struct {
	IPAddress string `json:"ip_address"`
	AccessKey string `json:"access_key"`
	CPU       int    `json:"cpu"`
	RAM       int    `json:"ram"`
	DiskSize  int    `json:"disk_size"`
}

// Register records a new host as unverified. The access key is stored as a
// bcrypt hash and checked again during verification.
func (a *Allocator) Register(req RegisterRequest) (*types.HostMachine, error) {
	existing, err := a.db.Hosts.GetHostByIP(req.IPAddress)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrHostExists
	}

	keyHash, err := bcrypt.GenerateFromPassword([]byte(req.AccessKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	h := &types.HostMachine{
		ID:            uuid.NewString(),
		OwnerKey:      req.OwnerKey,
		MachineType:   req.MachineType,
		OS:            req.OS,
		CPU:           req.CPU,
		RAM:           req.RAM,
		DiskSize:      req.DiskSize,
		Region:        req.Region,
		IPAddress:     req.IPAddress,
		AccessKeyHash: string(keyHash),
	}
	if err := a.db.Hosts.RegisterHost(h); err != nil {
		return nil, err
	}

	a.logger.Info(fmt.Sprintf("Host %s registered by %s (%d cpu / %d GB ram / %d GB disk, key %s)",
		h.ID, h.OwnerKey, h.CPU, h.RAM, h.DiskSize, utils.Fingerprint(req.AccessKey)), "marketplace")
	return h, nil
}

// Verify checks the agent's report against the registration. The access key
// must match its stored hash and the measured specs must cover what the owner
// registered; a mismatch removes the registration entirely. On success the
// host is priced and becomes eligible for matching once activated.
func (a *Allocator) Verify(report VerifyReport) (*types.HostMachine, error) {
	h, err := a.db.Hosts.GetHostByIP(report.IPAddress)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrHostNotFound
	}

	if bcrypt.CompareHashAndPassword([]byte(h.AccessKeyHash), []byte(report.AccessKey)) != nil {
		return nil, ErrInvalidAccessKey
	}

	if report.CPU < h.CPU || report.RAM < h.RAM || report.DiskSize < h.DiskSize {
		a.logger.Warn(fmt.Sprintf("Host %s verification mismatch (reported %d/%d/%d, registered %d/%d/%d), removing",
			h.ID, report.CPU, report.RAM, report.DiskSize, h.CPU, h.RAM, h.DiskSize), "marketplace")
		if err := a.db.Hosts.DeleteHost(h.ID); err != nil {
			return nil, err
		}
		return nil, ErrVerifyMismatch
	}

	price := PerHourPrice(h.CPU, h.RAM, h.DiskSize)
	if err := a.db.Hosts.SetVerified(h.ID, price); err != nil {
		return nil, err
	}
	if err := a.db.Hosts.SetActive(h.ID, true); err != nil {
		return nil, err
	}

	h.Verified = true
	h.Active = true
	h.PerHourPrice = price
	a.logger.Info(fmt.Sprintf("Host %s verified at %d lamports/hour", h.ID, price), "marketplace")
	return h, nil
}

// SetVisibility toggles whether an owner's host is offered for matching
func (a *Allocator) SetVisibility(ownerKey, hostID string, active bool) error {
	h, err := a.db.Hosts.GetHost(hostID)
	if err != nil {
		return err
	}
	if h == nil {
		return ErrHostNotFound
	}
	if h.OwnerKey != ownerKey {
		return ErrNotOwner
	}
	return a.db.Hosts.SetActive(hostID, active)
}

// Find returns the first eligible host matching the requirements without
// claiming it
func (a *Allocator) Find(req types.Requirements) (*types.HostMachine, error) {
	h, err := a.db.Hosts.FindCandidate(req)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrNoCandidate
	}
	return h, nil
}

// Claim flips a specific host to occupied. Fails with ErrClaimConflict when
// a concurrent claim already won.
func (a *Allocator) Claim(hostID string) error {
	won, err := a.db.Hosts.ClaimOccupancy(hostID)
	if err != nil {
		return err
	}
	if !won {
		return ErrClaimConflict
	}
	return nil
}

// Allocate finds and claims a host in one call, retrying past lost claim
// races until no candidate remains
func (a *Allocator) Allocate(req types.Requirements) (*types.HostMachine, error) {
	for i := 0; i < claimAttempts; i++ {
		h, err := a.Find(req)
		if err != nil {
			return nil, err
		}
		if err := a.Claim(h.ID); err == ErrClaimConflict {
			continue
		} else if err != nil {
			return nil, err
		}
		h.Occupied = true
		a.logger.Info(fmt.Sprintf("Host %s claimed for %d cpu / %d GB ram / %d GB disk",
			h.ID, req.CPU, req.RAM, req.DiskSize), "marketplace")
		return h, nil
	}
	return nil, ErrNoCandidate
}

// Release frees a host for new matches. Idempotent.
func (a *Allocator) Release(hostID string) error {
	return a.db.Hosts.ReleaseOccupancy(hostID)
}

// CreditEarnings accrues settled lease usage as claimable host earnings
func (a *Allocator) CreditEarnings(hostID string, amount uint64) error {
	return a.db.Hosts.AddEarnings(hostID, amount)
}

// Penalize excludes a misbehaving host from matching and forfeits its
// standing with the settlement authority. Local exclusion comes first so the
// host stops matching even when the authority call fails.
func (a *Allocator) Penalize(ctx context.Context, hostID string) error {
	h, err := a.db.Hosts.GetHost(hostID)
	if err != nil {
		return err
	}
	if h == nil {
		return ErrHostNotFound
	}

	if err := a.db.Hosts.Penalize(hostID); err != nil {
		return err
	}

	if _, err := a.bridge.PenalizeHost(ctx, h.OwnerKey, hostID); err != nil {
		a.logger.Error(fmt.Sprintf("Host %s penalized locally but authority call failed: %v",
			hostID, err), "marketplace")
		return err
	}

	a.logger.Info(fmt.Sprintf("Host %s penalized", hostID), "marketplace")
	return nil
}

// ClaimEarnings pays out a host's accrued balance. The payout transaction
// must confirm before the local balance is deducted; a failed payout leaves
// the balance intact.
func (a *Allocator) ClaimEarnings(ctx context.Context, ownerKey, hostID string) (uint64, settlement.TxRef, error) {
	h, err := a.db.Hosts.GetHost(hostID)
	if err != nil {
		return 0, "", err
	}
	if h == nil {
		return 0, "", ErrHostNotFound
	}
	if h.OwnerKey != ownerKey {
		return 0, "", ErrNotOwner
	}
	if h.EarnedBalance == 0 {
		return 0, "", ErrNothingToClaim
	}

	amount := h.EarnedBalance
	txRef, err := a.bridge.RewardHost(ctx, h.OwnerKey, hostID, amount)
	if err != nil {
		a.logger.Error(fmt.Sprintf("Payout failed for host %s, balance untouched: %v", hostID, err), "marketplace")
		return 0, "", err
	}

	deducted, err := a.db.Hosts.DeductEarnings(hostID, amount)
	if err != nil {
		return 0, "", err
	}
	if !deducted {
		a.logger.Warn(fmt.Sprintf("Earnings for host %s changed during payout, deduction skipped", hostID), "marketplace")
	}

	a.logger.Info(fmt.Sprintf("Host %s claimed %d lamports (%s)", hostID, amount, txRef), "marketplace")
	return amount, txRef, nil
}

// GetHost returns a host by id
func (a *Allocator) GetHost(hostID string) (*types.HostMachine, error) {
	h, err := a.db.Hosts.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrHostNotFound
	}
	return h, nil
}

// ListByOwner returns every host an owner registered
func (a *Allocator) ListByOwner(ownerKey string) ([]*types.HostMachine, error) {
	return a.db.Hosts.ListByOwner(ownerKey)
}
