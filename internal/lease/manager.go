package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/decloud-network/decloud-node/internal/database"
	"github.com/decloud-network/decloud-node/internal/provision"
	"github.com/decloud-network/decloud-node/internal/queue"
	"github.com/decloud-network/decloud-node/internal/settlement"
	"github.com/decloud-network/decloud-node/internal/types"
	"github.com/decloud-network/decloud-node/internal/utils"
)

const (
	jobKeyExpiry        = "lease-expiry"
	jobKeyTeardownRetry = "lease-teardown-retry"
)

// HostPool is the marketplace surface the lease manager needs during
// teardown: freeing the claimed machine and crediting the owner's earnings.
type HostPool interface {
	Release(hostID string) error
	CreditEarnings(hostID string, amount uint64) error
}

// SessionCloser force-closes any live relay sessions bound to a lease
type SessionCloser interface {
	CloseLeaseSessions(leaseID string) int
}

// CreateRequest carries everything needed to open a lease
type CreateRequest struct {
	TenantID        string
	LeaseID         string
	PaymentMode     types.PaymentMode
	Funding         uint64 // lamports
	DurationSeconds int64  // DURATION mode only
	PerHourPrice    uint64 // ESCROW burn rate, lamports per hour
	Region          string
	HostID          string
	OwnerIdentity   string
	Spec            provision.Spec
}

// Manager owns the lease lifecycle: funding, provisioning, the delayed
// expiry schedule and the settle-then-teardown sequence. All mutations of a
// single lease are serialized through a per-lease mutex; external calls
// (settlement, provisioning) run outside it.
type Manager struct {
	ctx    context.Context
	cm     *utils.ConfigManager
	logger *utils.LogsManager
	db     *database.SQLiteManager
	bridge settlement.Bridge
	prov   provision.Provisioner
	queue  *queue.DelayedQueue
	locks  *keyedMutex
	now    func() time.Time

	hosts    HostPool
	sessions SessionCloser

	minTopUp           uint64
	minLeaseSeconds    int64
	teardownRetryLimit int
	teardownRetryDelay time.Duration
}

// NewManager creates a lease manager with its own delayed queue
func NewManager(ctx context.Context, cm *utils.ConfigManager, logger *utils.LogsManager,
	db *database.SQLiteManager, bridge settlement.Bridge, prov provision.Provisioner) *Manager {

	m := &Manager{
		ctx:                ctx,
		cm:                 cm,
		logger:             logger,
		db:                 db,
		bridge:             bridge,
		prov:               prov,
		locks:              newKeyedMutex(),
		now:                time.Now,
		minTopUp:           uint64(cm.GetConfigInt64("min_topup_lamports", 100000, 0, math.MaxInt64)),
		minLeaseSeconds:    cm.GetConfigInt64("min_lease_seconds", 60, 1, math.MaxInt64),
		teardownRetryLimit: cm.GetConfigInt("teardown_retry_limit", 5, 1, 100),
		teardownRetryDelay: cm.GetConfigDuration("teardown_retry_delay", 30*time.Second),
	}
	m.queue = queue.NewDelayedQueue(ctx, cm, logger, m.handleJob)
	return m
}

// SetHostPool wires the marketplace allocator, called once during startup
func (m *Manager) SetHostPool(hosts HostPool) {
	m.hosts = hosts
}

// SetSessionCloser wires the relay registry, called once during startup
func (m *Manager) SetSessionCloser(sessions SessionCloser) {
	m.sessions = sessions
}

// SetNowFunc overrides the clock, used by tests
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.now = now
	m.queue.SetNowFunc(now)
}

// Queue exposes the delayed queue for inspection in tests
func (m *Manager) Queue() *queue.DelayedQueue {
	return m.queue
}

// Start launches the delayed queue and replays persisted schedule state
func (m *Manager) Start() error {
	m.queue.Start()
	return m.recover()
}

// Stop drains the delayed queue
func (m *Manager) Stop() {
	m.queue.Stop()
}

// CreateLease funds a lease with the settlement authority, persists it,
// schedules its expiry job and provisions the backing resource. The lease
// record and expiry job exist before provisioning starts, so a provisioning
// failure still expires and settles cleanly later.
func (m *Manager) CreateLease(ctx context.Context, req CreateRequest) (*types.Lease, error) {
	if req.TenantID == "" || req.Funding == 0 {
		return nil, ErrInvalidRequest
	}
	if req.LeaseID == "" {
		req.LeaseID = uuid.NewString()
	}

	var horizonSeconds int64
	switch req.PaymentMode {
	case types.PaymentModeDuration:
		horizonSeconds = req.DurationSeconds
	case types.PaymentModeEscrow:
		if req.PerHourPrice == 0 {
			return nil, ErrInvalidRequest
		}
		horizonSeconds = int64(req.Funding * 3600 / req.PerHourPrice)
	default:
		return nil, ErrInvalidRequest
	}
	if horizonSeconds < m.minLeaseSeconds {
		return nil, ErrInvalidRequest
	}

	live, err := m.db.Leases.HasLiveLease(req.TenantID, req.LeaseID)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, ErrDuplicateLease
	}

	switch req.PaymentMode {
	case types.PaymentModeDuration:
		_, err = m.bridge.DepositAndLease(ctx, req.TenantID, req.Funding, horizonSeconds, req.LeaseID)
	case types.PaymentModeEscrow:
		_, err = m.bridge.OpenEscrow(ctx, req.TenantID, req.Funding, req.LeaseID)
	}
	if err != nil {
		m.logger.Error(fmt.Sprintf("Funding failed for lease %s: %v", req.LeaseID, err), "lease-manager")
		return nil, err
	}

	startTime := m.now()
	endTime := startTime.Add(time.Duration(horizonSeconds) * time.Second)
	jobID := uuid.NewString()

	l := &types.Lease{
		ID:            req.LeaseID,
		TenantID:      req.TenantID,
		HostID:        req.HostID,
		OwnerIdentity: req.OwnerIdentity,
		PaymentMode:   req.PaymentMode,
		Balance:       req.Funding,
		Region:        req.Region,
		StartTime:     startTime,
		EndTime:       endTime,
		Status:        types.LeaseStatusStarting,
		PendingJobID:  jobID,
	}
	if err := m.db.Leases.CreateLease(l); err != nil {
		if errors.Is(err, database.ErrLeaseExists) {
			return nil, ErrDuplicateLease
		}
		return nil, err
	}

	m.enqueueExpiry(l, jobID, endTime.Sub(startTime))

	instance, err := m.prov.Create(ctx, req.Spec)
	if err != nil {
		m.logger.Error(fmt.Sprintf("Provisioning failed for lease %s: %v", req.LeaseID, err), "lease-manager")
		return l, err
	}

	if err := m.db.Leases.SetResourceRef(l.ID, instance.ResourceRef, types.LeaseStatusRunning); err != nil {
		return l, err
	}
	l.ResourceRef = instance.ResourceRef
	l.Status = types.LeaseStatusRunning

	m.logger.Info(fmt.Sprintf("Lease %s running on %s until %s",
		l.ID, instance.ResourceRef, endTime.Format(time.RFC3339)), "lease-manager")
	return l, nil
}

// TopUp adds funds to an escrow lease and pushes its expiry out by the time
// those funds buy at the lease's burn rate. The old expiry job is cancelled
// and replaced; the persisted horizon and job handle change together.
func (m *Manager) TopUp(ctx context.Context, tenantID, leaseID string, amount uint64) (*types.Lease, error) {
	if amount < m.minTopUp {
		return nil, ErrTopUpTooSmall
	}

	l, err := m.db.Leases.GetLease(leaseID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.TenantID != tenantID {
		return nil, ErrLeaseNotFound
	}
	if l.PaymentMode != types.PaymentModeEscrow {
		return nil, ErrNotEscrow
	}
	if l.Status != types.LeaseStatusStarting && l.Status != types.LeaseStatusRunning {
		return nil, ErrLeaseNotActive
	}

	if _, err := m.bridge.ExtendEscrow(ctx, tenantID, leaseID, amount); err != nil {
		m.logger.Error(fmt.Sprintf("Escrow extension failed for lease %s: %v", leaseID, err), "lease-manager")
		return nil, err
	}

	unlock := m.locks.Lock(leaseID)
	defer unlock()

	l, err = m.db.Leases.GetLease(leaseID)
	if err != nil {
		return nil, err
	}
	if l == nil || (l.Status != types.LeaseStatusStarting && l.Status != types.LeaseStatusRunning) {
		m.logger.Warn(fmt.Sprintf("Lease %s terminated while its top-up settled", leaseID), "lease-manager")
		return nil, ErrLeaseNotActive
	}

	extension := m.extensionFor(l, amount)
	newEnd := l.EndTime.Add(extension)
	newJobID := uuid.NewString()

	if l.PendingJobID != "" {
		m.queue.Cancel(l.PendingJobID)
	}
	if err := m.db.Leases.UpdateSchedule(leaseID, newEnd, newJobID); err != nil {
		return nil, err
	}
	if err := m.db.Leases.AddBalance(leaseID, amount); err != nil {
		return nil, err
	}

	l.Balance += amount
	l.EndTime = newEnd
	l.PendingJobID = newJobID
	m.enqueueExpiry(l, newJobID, newEnd.Sub(m.now()))

	m.logger.Info(fmt.Sprintf("Lease %s topped up by %d, expiry moved to %s",
		leaseID, amount, newEnd.Format(time.RFC3339)), "lease-manager")
	return l, nil
}

// extensionFor converts a top-up amount into lease time using the burn rate
// implied by the funds and horizon already on the lease
func (m *Manager) extensionFor(l *types.Lease, amount uint64) time.Duration {
	horizon := l.EndTime.Sub(l.StartTime)
	if l.Balance == 0 || horizon <= 0 {
		return 0
	}
	return time.Duration(int64(amount) * int64(horizon.Seconds()) / int64(l.Balance) * int64(time.Second))
}

// Terminate tears a lease down. Safe to call repeatedly: only the caller
// that wins the TERMINATING transition runs settlement and teardown, every
// other caller returns success with no side effects.
func (m *Manager) Terminate(ctx context.Context, leaseID string, reason types.TerminateReason) error {
	return m.terminate(ctx, leaseID, reason, "")
}

// terminate is the guarded teardown entry. A non-empty expectJobID pins the
// termination to a specific expiry job: the comparison against the lease's
// current PendingJobID happens inside the per-lease critical section, so a
// top-up that swapped the job handle after the job fired still wins.
func (m *Manager) terminate(ctx context.Context, leaseID string, reason types.TerminateReason, expectJobID string) error {
	unlock := m.locks.Lock(leaseID)

	l, err := m.db.Leases.GetLease(leaseID)
	if err != nil {
		unlock()
		return err
	}
	if l == nil {
		unlock()
		return ErrLeaseNotFound
	}
	if l.Status == types.LeaseStatusDeleted || l.Status == types.LeaseStatusTerminating {
		unlock()
		return nil
	}
	if expectJobID != "" && l.PendingJobID != expectJobID {
		unlock()
		m.logger.Debug(fmt.Sprintf("Discarding superseded expiry job %s for lease %s", expectJobID, leaseID), "lease-manager")
		return nil
	}

	won, err := m.db.Leases.MarkTerminating(leaseID)
	if err != nil {
		unlock()
		return err
	}
	if !won {
		unlock()
		return nil
	}
	if l.PendingJobID != "" {
		m.queue.Cancel(l.PendingJobID)
	}
	l.Status = types.LeaseStatusTerminating
	unlock()

	m.logger.Info(fmt.Sprintf("Terminating lease %s (%s)", leaseID, reason), "lease-manager")
	return m.teardown(ctx, l)
}

// teardown runs the settle-then-release sequence. Settlement always precedes
// resource deletion; a settlement failure leaves the lease TERMINATING and is
// surfaced rather than retried, while deletion, host release and earnings
// credit failures schedule a bounded retry job. The settled and host_credited
// flags make every step skippable on resumption.
func (m *Manager) teardown(ctx context.Context, l *types.Lease) error {
	accrued := l.PriceAccrued

	if !l.Settled {
		accrued = m.accruedUsage(l)
		if _, err := m.bridge.Finalize(ctx, l.TenantID, l.ID, accrued); err != nil {
			m.logger.Error(fmt.Sprintf("Settlement failed for lease %s, teardown halted: %v", l.ID, err), "lease-manager")
			return fmt.Errorf("settle lease %s: %w", l.ID, err)
		}
		if err := m.db.Leases.MarkSettled(l.ID, accrued); err != nil {
			return err
		}
		l.Settled = true
		l.PriceAccrued = accrued
	}

	if l.ResourceRef != "" {
		if err := m.prov.Delete(ctx, l.ResourceRef); err != nil && err != provision.ErrInstanceNotFound {
			return m.retryTeardown(l, fmt.Errorf("delete %s: %v", l.ResourceRef, err))
		}
	}

	if l.HostID != "" && m.hosts != nil {
		if accrued > 0 && !l.HostCredited {
			if err := m.hosts.CreditEarnings(l.HostID, accrued); err != nil {
				return m.retryTeardown(l, fmt.Errorf("credit host %s: %v", l.HostID, err))
			}
			if err := m.db.Leases.MarkHostCredited(l.ID); err != nil {
				return err
			}
			l.HostCredited = true
		}
		if err := m.hosts.Release(l.HostID); err != nil {
			return m.retryTeardown(l, fmt.Errorf("release host %s: %v", l.HostID, err))
		}
	}

	if err := m.db.Leases.MarkDeleted(l.ID, accrued); err != nil {
		return err
	}

	if m.sessions != nil {
		if closed := m.sessions.CloseLeaseSessions(l.ID); closed > 0 {
			m.logger.Info(fmt.Sprintf("Closed %d relay sessions for lease %s", closed, l.ID), "lease-manager")
		}
	}

	m.logger.Info(fmt.Sprintf("Lease %s deleted, settled %d lamports", l.ID, accrued), "lease-manager")
	return nil
}

// retryTeardown schedules a bounded retry for a failed teardown step. Once
// the limit is exhausted the failure is surfaced for operator action; the
// lease stays TERMINATING and restart recovery will try again.
func (m *Manager) retryTeardown(l *types.Lease, cause error) error {
	tries, err := m.db.Leases.IncrementTeardownTries(l.ID)
	if err != nil {
		return err
	}
	if tries < m.teardownRetryLimit {
		m.logger.Warn(fmt.Sprintf("Teardown of lease %s failed (attempt %d), retrying in %s: %v",
			l.ID, tries, m.teardownRetryDelay, cause), "lease-manager")
		payload, _ := json.Marshal(types.ExpiryJobPayload{
			LeaseID:       l.ID,
			ResourceRef:   l.ResourceRef,
			OwnerIdentity: l.OwnerIdentity,
		})
		m.queue.Enqueue(jobKeyTeardownRetry, payload, m.teardownRetryDelay)
		return nil
	}
	m.logger.Error(fmt.Sprintf("Teardown of lease %s exhausted %d attempts, operator action required: %v",
		l.ID, tries, cause), "lease-manager")
	return fmt.Errorf("%w: %s", ErrTeardownFailed, l.ID)
}

// accruedUsage computes the settled amount. DURATION leases settle the full
// held funds; ESCROW leases settle the elapsed share of the funded horizon,
// never exceeding the balance.
func (m *Manager) accruedUsage(l *types.Lease) uint64 {
	if l.PaymentMode == types.PaymentModeDuration {
		return l.Balance
	}
	horizon := l.EndTime.Sub(l.StartTime)
	if horizon <= 0 {
		return l.Balance
	}
	elapsed := m.now().Sub(l.StartTime)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= horizon {
		return l.Balance
	}
	return uint64(int64(l.Balance) * int64(elapsed.Seconds()) / int64(horizon.Seconds()))
}

// Get returns a tenant's lease
func (m *Manager) Get(tenantID, leaseID string) (*types.Lease, error) {
	l, err := m.db.Leases.GetLease(leaseID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.TenantID != tenantID {
		return nil, ErrLeaseNotFound
	}
	return l, nil
}

// RefreshStatus polls the provisioning collaborator for the lease's backing
// resource. A STARTING lease whose resource reports running is promoted and
// persisted; polling failures leave the record untouched.
func (m *Manager) RefreshStatus(ctx context.Context, tenantID, leaseID string) (*types.Lease, string, error) {
	l, err := m.Get(tenantID, leaseID)
	if err != nil {
		return nil, "", err
	}
	if l.ResourceRef == "" {
		return l, "", nil
	}
	if l.Status != types.LeaseStatusStarting && l.Status != types.LeaseStatusRunning {
		return l, "", nil
	}

	status, err := m.prov.Status(ctx, l.ResourceRef)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Status poll failed for lease %s: %v", leaseID, err), "lease-manager")
		return l, "", nil
	}

	if l.Status == types.LeaseStatusStarting && strings.EqualFold(status, "running") {
		if err := m.db.Leases.SetStatus(l.ID, types.LeaseStatusRunning); err != nil {
			return l, status, err
		}
		l.Status = types.LeaseStatusRunning
	}
	return l, status, nil
}

// List returns a tenant's live leases
func (m *Manager) List(tenantID string) ([]*types.Lease, error) {
	return m.db.Leases.ListByTenant(tenantID)
}

func (m *Manager) enqueueExpiry(l *types.Lease, jobID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	payload, _ := json.Marshal(types.ExpiryJobPayload{
		LeaseID:       l.ID,
		JobID:         jobID,
		ResourceRef:   l.ResourceRef,
		OwnerIdentity: l.OwnerIdentity,
	})
	m.queue.EnqueueWithID(jobID, jobKeyExpiry, payload, delay)
}

// handleJob dispatches fired queue jobs
func (m *Manager) handleJob(job *queue.Job) error {
	var payload types.ExpiryJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		m.logger.Error(fmt.Sprintf("Malformed payload on job %s, dropping: %v", job.ID, err), "lease-manager")
		return nil
	}

	switch job.Key {
	case jobKeyExpiry:
		return m.handleExpiry(job, payload)
	case jobKeyTeardownRetry:
		return m.handleTeardownRetry(payload)
	default:
		m.logger.Warn(fmt.Sprintf("Unknown job key %s", job.Key), "lease-manager")
		return nil
	}
}

// handleExpiry terminates an expired lease, unless the job was superseded by
// a top-up that moved the expiry and replaced the job handle. The cheap
// unlocked check filters obviously stale jobs; the authoritative comparison
// runs under the per-lease mutex inside terminate.
func (m *Manager) handleExpiry(job *queue.Job, payload types.ExpiryJobPayload) error {
	l, err := m.db.Leases.GetLease(payload.LeaseID)
	if err != nil {
		return err
	}
	if l == nil || l.PendingJobID != payload.JobID {
		m.logger.Debug(fmt.Sprintf("Discarding stale expiry job %s for lease %s", job.ID, payload.LeaseID), "lease-manager")
		return nil
	}
	return m.terminate(m.ctx, payload.LeaseID, types.TerminateReasonExpired, payload.JobID)
}

// handleTeardownRetry resumes a halted teardown for a TERMINATING lease
func (m *Manager) handleTeardownRetry(payload types.ExpiryJobPayload) error {
	l, err := m.db.Leases.GetLease(payload.LeaseID)
	if err != nil {
		return err
	}
	if l == nil || l.Status != types.LeaseStatusTerminating {
		return nil
	}
	return m.teardown(m.ctx, l)
}

// recover replays persisted schedule state after a restart: live leases get
// their expiry jobs re-enqueued under their stored handles, and leases caught
// mid-teardown resume it
func (m *Manager) recover() error {
	scheduled, err := m.db.Leases.ListScheduled()
	if err != nil {
		return err
	}
	for _, l := range scheduled {
		m.enqueueExpiry(l, l.PendingJobID, l.EndTime.Sub(m.now()))
	}
	if len(scheduled) > 0 {
		m.logger.Info(fmt.Sprintf("Re-enqueued %d expiry jobs after restart", len(scheduled)), "lease-manager")
	}

	terminating, err := m.db.Leases.ListByStatus(types.LeaseStatusTerminating)
	if err != nil {
		return err
	}
	for _, l := range terminating {
		payload, _ := json.Marshal(types.ExpiryJobPayload{
			LeaseID:       l.ID,
			ResourceRef:   l.ResourceRef,
			OwnerIdentity: l.OwnerIdentity,
		})
		m.queue.Enqueue(jobKeyTeardownRetry, payload, 0)
	}
	if len(terminating) > 0 {
		m.logger.Info(fmt.Sprintf("Resuming teardown for %d leases", len(terminating)), "lease-manager")
	}
	return nil
}
