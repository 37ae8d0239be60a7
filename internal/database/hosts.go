package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/decloud-network/decloud-node/internal/types"
)

// HostsDB manages marketplace host machine records
type HostsDB struct {
	db     *sql.DB
	logger Logger
}

// NewHostsDB creates a new host database manager
func NewHostsDB(db *sql.DB, logger Logger) (*HostsDB, error) {
	hdb := &HostsDB{
		db:     db,
		logger: logger,
	}

	if err := hdb.createTables(); err != nil {
		return nil, err
	}

	logger.Info("Host database manager initialized", "hosts-db")
	return hdb, nil
}

func (hdb *HostsDB) createTables() error {
	createHostsTableSQL := `
	CREATE TABLE IF NOT EXISTS host_machines (
		rowid_order INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		owner_key TEXT NOT NULL,
		machine_type TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		cpu INTEGER NOT NULL,
		ram INTEGER NOT NULL,
		disk_size INTEGER NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		occupied INTEGER NOT NULL DEFAULT 0,
		penalized INTEGER NOT NULL DEFAULT 0,
		per_hour_price INTEGER NOT NULL DEFAULT 0,
		earned_balance INTEGER NOT NULL DEFAULT 0,
		access_key_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_owner ON host_machines(owner_key);
	CREATE INDEX IF NOT EXISTS idx_hosts_matching ON host_machines(active, verified, occupied, penalized);
	`

	if _, err := hdb.db.Exec(createHostsTableSQL); err != nil {
		return fmt.Errorf("failed to create host_machines table: %v", err)
	}

	return nil
}

const hostColumns = `id, owner_key, machine_type, os, cpu, ram, disk_size, region,
	ip_address, verified, active, occupied, penalized, per_hour_price,
	earned_balance, access_key_hash, created_at`

func scanHostRow(row *sql.Row) (*types.HostMachine, error) {
	var h types.HostMachine
	var createdAt int64
	err := row.Scan(&h.ID, &h.OwnerKey, &h.MachineType, &h.OS, &h.CPU, &h.RAM,
		&h.DiskSize, &h.Region, &h.IPAddress, &h.Verified, &h.Active,
		&h.Occupied, &h.Penalized, &h.PerHourPrice, &h.EarnedBalance,
		&h.AccessKeyHash, &createdAt)
	if err != nil {
		return nil, err
	}
	h.CreatedAt = time.Unix(createdAt, 0)
	return &h, nil
}

func scanHostRows(rows *sql.Rows) (*types.HostMachine, error) {
	var h types.HostMachine
	var createdAt int64
	err := rows.Scan(&h.ID, &h.OwnerKey, &h.MachineType, &h.OS, &h.CPU, &h.RAM,
		&h.DiskSize, &h.Region, &h.IPAddress, &h.Verified, &h.Active,
		&h.Occupied, &h.Penalized, &h.PerHourPrice, &h.EarnedBalance,
		&h.AccessKeyHash, &createdAt)
	if err != nil {
		return nil, err
	}
	h.CreatedAt = time.Unix(createdAt, 0)
	return &h, nil
}

// RegisterHost persists a new (unverified) host machine
func (hdb *HostsDB) RegisterHost(h *types.HostMachine) error {
	query := `INSERT INTO host_machines (id, owner_key, machine_type, os, cpu, ram,
		disk_size, region, ip_address, access_key_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := hdb.db.Exec(query, h.ID, h.OwnerKey, h.MachineType, h.OS, h.CPU,
		h.RAM, h.DiskSize, h.Region, h.IPAddress, h.AccessKeyHash)
	if err != nil {
		hdb.logger.Error(fmt.Sprintf("Failed to register host %s: %v", h.ID, err), "hosts-db")
		return err
	}
	return nil
}

// GetHost returns a host by id, nil if not found
func (hdb *HostsDB) GetHost(hostID string) (*types.HostMachine, error) {
	query := fmt.Sprintf("SELECT %s FROM host_machines WHERE id = ?", hostColumns)
	return QueryRowSingle(hdb.db, query, scanHostRow, hdb.logger, "hosts-db", hostID)
}

// GetHostByIP returns a host by its reported IP address, nil if not found
func (hdb *HostsDB) GetHostByIP(ipAddress string) (*types.HostMachine, error) {
	query := fmt.Sprintf("SELECT %s FROM host_machines WHERE ip_address = ?", hostColumns)
	return QueryRowSingle(hdb.db, query, scanHostRow, hdb.logger, "hosts-db", ipAddress)
}

// ListByOwner returns all hosts registered by an owner
func (hdb *HostsDB) ListByOwner(ownerKey string) ([]*types.HostMachine, error) {
	query := fmt.Sprintf("SELECT %s FROM host_machines WHERE owner_key = ? ORDER BY rowid_order", hostColumns)
	return QueryRows(hdb.db, query, scanHostRows, hdb.logger, "hosts-db", ownerKey)
}

// FindCandidate returns the first eligible host whose capacity covers the
// requirements. Selection is first-match in record order; no scoring.
func (hdb *HostsDB) FindCandidate(req types.Requirements) (*types.HostMachine, error) {
	query := fmt.Sprintf(`SELECT %s FROM host_machines
		WHERE active = 1 AND verified = 1 AND occupied = 0 AND penalized = 0
		  AND cpu >= ? AND ram >= ? AND disk_size >= ?
		ORDER BY rowid_order LIMIT 1`, hostColumns)
	return QueryRowSingle(hdb.db, query, scanHostRow, hdb.logger, "hosts-db",
		req.CPU, req.RAM, req.DiskSize)
}

// ClaimOccupancy atomically flips occupied false -> true. Returns false when
// a concurrent claim won the race.
func (hdb *HostsDB) ClaimOccupancy(hostID string) (bool, error) {
	return ExecAffecting(hdb.db,
		`UPDATE host_machines SET occupied = 1 WHERE id = ? AND occupied = 0`, hostID)
}

// ReleaseOccupancy clears the occupancy claim. No-op if already unoccupied.
func (hdb *HostsDB) ReleaseOccupancy(hostID string) error {
	_, err := hdb.db.Exec(`UPDATE host_machines SET occupied = 0 WHERE id = ?`, hostID)
	return err
}

// SetVerified marks a host verified and records its per-hour price
func (hdb *HostsDB) SetVerified(hostID string, perHourPrice uint64) error {
	_, err := hdb.db.Exec(
		`UPDATE host_machines SET verified = 1, per_hour_price = ? WHERE id = ?`,
		perHourPrice, hostID)
	return err
}

// SetActive toggles owner-controlled visibility
func (hdb *HostsDB) SetActive(hostID string, active bool) error {
	_, err := hdb.db.Exec(`UPDATE host_machines SET active = ? WHERE id = ?`, active, hostID)
	return err
}

// Penalize excludes a host from matching until manually reinstated
func (hdb *HostsDB) Penalize(hostID string) error {
	_, err := hdb.db.Exec(
		`UPDATE host_machines SET penalized = 1, active = 0 WHERE id = ?`, hostID)
	return err
}

// DeleteHost removes a host registration (verification mismatch)
func (hdb *HostsDB) DeleteHost(hostID string) error {
	_, err := hdb.db.Exec(`DELETE FROM host_machines WHERE id = ?`, hostID)
	return err
}

// AddEarnings accrues claimable balance for a host
func (hdb *HostsDB) AddEarnings(hostID string, amount uint64) error {
	_, err := hdb.db.Exec(
		`UPDATE host_machines SET earned_balance = earned_balance + ? WHERE id = ?`,
		amount, hostID)
	return err
}

// DeductEarnings removes a confirmed payout from the claimable balance.
// Guarded so a racing claim cannot drive the balance negative.
func (hdb *HostsDB) DeductEarnings(hostID string, amount uint64) (bool, error) {
	return ExecAffecting(hdb.db,
		`UPDATE host_machines SET earned_balance = earned_balance - ?
		 WHERE id = ? AND earned_balance >= ?`,
		amount, hostID, amount)
}
