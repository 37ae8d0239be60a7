package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decloud-network/decloud-node/internal/types"
)

// ErrLeaseExists is returned when an insert collides with an existing lease id
var ErrLeaseExists = errors.New("lease already exists")

// LeasesDB manages lease records
type LeasesDB struct {
	db     *sql.DB
	logger Logger
}

// NewLeasesDB creates a new lease database manager
func NewLeasesDB(db *sql.DB, logger Logger) (*LeasesDB, error) {
	ldb := &LeasesDB{
		db:     db,
		logger: logger,
	}

	if err := ldb.createTables(); err != nil {
		return nil, err
	}

	logger.Info("Lease database manager initialized", "leases-db")
	return ldb, nil
}

func (ldb *LeasesDB) createTables() error {
	createLeasesTableSQL := `
	CREATE TABLE IF NOT EXISTS leases (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		resource_ref TEXT NOT NULL DEFAULT '',
		host_id TEXT NOT NULL DEFAULT '',
		owner_identity TEXT NOT NULL DEFAULT '',
		payment_mode TEXT NOT NULL CHECK(payment_mode IN ('DURATION', 'ESCROW')),
		balance INTEGER NOT NULL DEFAULT 0,
		price_accrued INTEGER NOT NULL DEFAULT 0,
		region TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('STARTING', 'RUNNING', 'TERMINATING', 'DELETED')),
		pending_job_id TEXT NOT NULL DEFAULT '',
		teardown_tries INTEGER NOT NULL DEFAULT 0,
		settled INTEGER NOT NULL DEFAULT 0,
		host_credited INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		PRIMARY KEY (tenant_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_leases_status ON leases(status);
	CREATE INDEX IF NOT EXISTS idx_leases_host ON leases(host_id);
	CREATE INDEX IF NOT EXISTS idx_leases_pending_job ON leases(pending_job_id);
	`

	if _, err := ldb.db.Exec(createLeasesTableSQL); err != nil {
		return fmt.Errorf("failed to create leases table: %v", err)
	}

	return nil
}

func scanLeaseRow(row *sql.Row) (*types.Lease, error) {
	var l types.Lease
	var startTime, endTime, updatedAt int64
	err := row.Scan(&l.ID, &l.TenantID, &l.ResourceRef, &l.HostID, &l.OwnerIdentity,
		&l.PaymentMode, &l.Balance, &l.PriceAccrued, &l.Region, &startTime, &endTime,
		&l.Status, &l.PendingJobID, &l.TeardownTries, &l.Settled, &l.HostCredited, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.StartTime = time.Unix(startTime, 0)
	l.EndTime = time.Unix(endTime, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}

func scanLeaseRows(rows *sql.Rows) (*types.Lease, error) {
	var l types.Lease
	var startTime, endTime, updatedAt int64
	err := rows.Scan(&l.ID, &l.TenantID, &l.ResourceRef, &l.HostID, &l.OwnerIdentity,
		&l.PaymentMode, &l.Balance, &l.PriceAccrued, &l.Region, &startTime, &endTime,
		&l.Status, &l.PendingJobID, &l.TeardownTries, &l.Settled, &l.HostCredited, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.StartTime = time.Unix(startTime, 0)
	l.EndTime = time.Unix(endTime, 0)
	l.UpdatedAt = time.Unix(updatedAt, 0)
	return &l, nil
}

const leaseColumns = `id, tenant_id, resource_ref, host_id, owner_identity, payment_mode,
	balance, price_accrued, region, start_time, end_time, status, pending_job_id,
	teardown_tries, settled, host_credited, updated_at`

// CreateLease persists a new lease record. An id collision reports
// ErrLeaseExists so concurrent creates with the same tenant-chosen id fail
// cleanly for the race loser.
func (ldb *LeasesDB) CreateLease(l *types.Lease) error {
	query := `INSERT INTO leases (id, tenant_id, resource_ref, host_id, owner_identity,
		payment_mode, balance, price_accrued, region, start_time, end_time, status, pending_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := ldb.db.Exec(query, l.ID, l.TenantID, l.ResourceRef, l.HostID,
		l.OwnerIdentity, l.PaymentMode, l.Balance, l.PriceAccrued, l.Region,
		l.StartTime.Unix(), l.EndTime.Unix(), l.Status, l.PendingJobID)
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return ErrLeaseExists
		}
		ldb.logger.Error(fmt.Sprintf("Failed to create lease %s: %v", l.ID, err), "leases-db")
		return err
	}
	return nil
}

// GetLease returns a lease by id, nil if not found
func (ldb *LeasesDB) GetLease(leaseID string) (*types.Lease, error) {
	query := fmt.Sprintf("SELECT %s FROM leases WHERE id = ?", leaseColumns)
	return QueryRowSingle(ldb.db, query, scanLeaseRow, ldb.logger, "leases-db", leaseID)
}

// HasLiveLease reports whether the tenant already has a non-DELETED lease
// with this id
func (ldb *LeasesDB) HasLiveLease(tenantID, leaseID string) (bool, error) {
	var count int
	err := ldb.db.QueryRow(
		`SELECT COUNT(*) FROM leases WHERE tenant_id = ? AND id = ? AND status != 'DELETED'`,
		tenantID, leaseID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateSchedule persists a new expiry horizon and job handle together.
// The two columns are never written independently.
func (ldb *LeasesDB) UpdateSchedule(leaseID string, endTime time.Time, jobID string) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET end_time = ?, pending_job_id = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		endTime.Unix(), jobID, leaseID)
	return err
}

// AddBalance increases the escrow balance after a confirmed top-up
func (ldb *LeasesDB) AddBalance(leaseID string, amount uint64) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET balance = balance + ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		amount, leaseID)
	return err
}

// SetStatus updates the lease status unconditionally
func (ldb *LeasesDB) SetStatus(leaseID string, status types.LeaseStatus) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET status = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		status, leaseID)
	return err
}

// SetResourceRef records the provider-assigned handle once provisioning
// signals readiness
func (ldb *LeasesDB) SetResourceRef(leaseID, resourceRef string, status types.LeaseStatus) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET resource_ref = ?, status = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		resourceRef, status, leaseID)
	return err
}

// MarkTerminating transitions a lease into TERMINATING. Returns false when
// the lease is already TERMINATING or DELETED, which makes terminate
// idempotent: only the caller that wins this update runs the teardown
// sequence.
func (ldb *LeasesDB) MarkTerminating(leaseID string) (bool, error) {
	return ExecAffecting(ldb.db,
		`UPDATE leases SET status = 'TERMINATING', updated_at = strftime('%s', 'now')
		 WHERE id = ? AND status NOT IN ('TERMINATING', 'DELETED')`,
		leaseID)
}

// MarkSettled records that the settlement authority accepted the final
// settlement for this lease, so a resumed teardown skips it
func (ldb *LeasesDB) MarkSettled(leaseID string, priceAccrued uint64) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET settled = 1, price_accrued = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		priceAccrued, leaseID)
	return err
}

// MarkHostCredited records that the host's earnings for this lease were
// credited, so a resumed teardown never credits twice
func (ldb *LeasesDB) MarkHostCredited(leaseID string) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET host_credited = 1, updated_at = strftime('%s', 'now') WHERE id = ?`,
		leaseID)
	return err
}

// MarkDeleted finalizes a lease after settlement and resource release both
// succeeded
func (ldb *LeasesDB) MarkDeleted(leaseID string, priceAccrued uint64) error {
	_, err := ldb.db.Exec(
		`UPDATE leases SET status = 'DELETED', price_accrued = ?, pending_job_id = '',
		 updated_at = strftime('%s', 'now') WHERE id = ?`,
		priceAccrued, leaseID)
	return err
}

// IncrementTeardownTries bumps the retry counter for a TERMINATING lease and
// returns the new value
func (ldb *LeasesDB) IncrementTeardownTries(leaseID string) (int, error) {
	_, err := ldb.db.Exec(
		`UPDATE leases SET teardown_tries = teardown_tries + 1 WHERE id = ?`, leaseID)
	if err != nil {
		return 0, err
	}
	var tries int
	err = ldb.db.QueryRow(`SELECT teardown_tries FROM leases WHERE id = ?`, leaseID).Scan(&tries)
	return tries, err
}

// ListByStatus returns all leases in a given status
func (ldb *LeasesDB) ListByStatus(status types.LeaseStatus) ([]*types.Lease, error) {
	query := fmt.Sprintf("SELECT %s FROM leases WHERE status = ? ORDER BY end_time", leaseColumns)
	return QueryRows(ldb.db, query, scanLeaseRows, ldb.logger, "leases-db", status)
}

// ListScheduled returns live leases that carry a pending expiry job, used to
// re-enqueue jobs after a restart
func (ldb *LeasesDB) ListScheduled() ([]*types.Lease, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM leases WHERE pending_job_id != '' AND status IN ('STARTING', 'RUNNING') ORDER BY end_time`,
		leaseColumns)
	return QueryRows(ldb.db, query, scanLeaseRows, ldb.logger, "leases-db")
}

// ListByTenant returns all non-deleted leases owned by a tenant
func (ldb *LeasesDB) ListByTenant(tenantID string) ([]*types.Lease, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM leases WHERE tenant_id = ? AND status != 'DELETED' ORDER BY start_time DESC`,
		leaseColumns)
	return QueryRows(ldb.db, query, scanLeaseRows, ldb.logger, "leases-db", tenantID)
}
