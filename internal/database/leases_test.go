package database

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/decloud-network/decloud-node/internal/types"
)

type testLogger struct{}

func (testLogger) Error(message, category string) {}
func (testLogger) Info(message, category string)  {}
func (testLogger) Warn(message, category string)  {}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLeasesDB(t *testing.T) *LeasesDB {
	t.Helper()
	ldb, err := NewLeasesDB(openTestDB(t), testLogger{})
	if err != nil {
		t.Fatalf("failed to create leases db: %v", err)
	}
	return ldb
}

func sampleLease(id string) *types.Lease {
	now := time.Now()
	return &types.Lease{
		ID:           id,
		TenantID:     "tenant-1",
		PaymentMode:  types.PaymentModeEscrow,
		Balance:      1_000_000,
		StartTime:    now,
		EndTime:      now.Add(time.Hour),
		Status:       types.LeaseStatusStarting,
		PendingJobID: "job-1",
	}
}

func TestCreateAndGetLease(t *testing.T) {
	ldb := newTestLeasesDB(t)

	l := sampleLease("lease-1")
	if err := ldb.CreateLease(l); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	got, err := ldb.GetLease("lease-1")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected lease, got nil")
	}
	if got.TenantID != "tenant-1" || got.Balance != 1_000_000 {
		t.Errorf("unexpected lease: %+v", got)
	}
	if got.Status != types.LeaseStatusStarting {
		t.Errorf("expected STARTING, got %s", got.Status)
	}
	if got.PendingJobID != "job-1" {
		t.Errorf("expected pending job id job-1, got %q", got.PendingJobID)
	}
}

func TestGetLeaseNotFound(t *testing.T) {
	ldb := newTestLeasesDB(t)

	got, err := ldb.GetLease("missing")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing lease, got %+v", got)
	}
}

func TestHasLiveLease(t *testing.T) {
	ldb := newTestLeasesDB(t)

	l := sampleLease("lease-1")
	if err := ldb.CreateLease(l); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	live, err := ldb.HasLiveLease("tenant-1", "lease-1")
	if err != nil {
		t.Fatalf("HasLiveLease failed: %v", err)
	}
	if !live {
		t.Error("expected live lease")
	}

	if err := ldb.MarkDeleted("lease-1", 0); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	live, err = ldb.HasLiveLease("tenant-1", "lease-1")
	if err != nil {
		t.Fatalf("HasLiveLease failed: %v", err)
	}
	if live {
		t.Error("deleted lease should not count as live")
	}
}

func TestMarkTerminatingIdempotent(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	won, err := ldb.MarkTerminating("lease-1")
	if err != nil {
		t.Fatalf("MarkTerminating failed: %v", err)
	}
	if !won {
		t.Fatal("first transition should win")
	}

	won, err = ldb.MarkTerminating("lease-1")
	if err != nil {
		t.Fatalf("MarkTerminating failed: %v", err)
	}
	if won {
		t.Error("second transition should not win")
	}

	if err := ldb.MarkDeleted("lease-1", 500); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	won, err = ldb.MarkTerminating("lease-1")
	if err != nil {
		t.Fatalf("MarkTerminating failed: %v", err)
	}
	if won {
		t.Error("deleted lease should not transition to TERMINATING")
	}
}

func TestUpdateScheduleMovesBothColumns(t *testing.T) {
	ldb := newTestLeasesDB(t)

	l := sampleLease("lease-1")
	if err := ldb.CreateLease(l); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	newEnd := l.EndTime.Add(2 * time.Hour)
	if err := ldb.UpdateSchedule("lease-1", newEnd, "job-2"); err != nil {
		t.Fatalf("UpdateSchedule failed: %v", err)
	}

	got, err := ldb.GetLease("lease-1")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if got.PendingJobID != "job-2" {
		t.Errorf("expected job-2, got %q", got.PendingJobID)
	}
	if got.EndTime.Unix() != newEnd.Unix() {
		t.Errorf("expected end time %v, got %v", newEnd, got.EndTime)
	}
}

func TestMarkSettledAndDeleted(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	if err := ldb.MarkSettled("lease-1", 750_000); err != nil {
		t.Fatalf("MarkSettled failed: %v", err)
	}
	got, _ := ldb.GetLease("lease-1")
	if !got.Settled {
		t.Error("expected settled flag")
	}
	if got.PriceAccrued != 750_000 {
		t.Errorf("expected accrued 750000, got %d", got.PriceAccrued)
	}

	if err := ldb.MarkDeleted("lease-1", 750_000); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	got, _ = ldb.GetLease("lease-1")
	if got.Status != types.LeaseStatusDeleted {
		t.Errorf("expected DELETED, got %s", got.Status)
	}
	if got.PendingJobID != "" {
		t.Errorf("deleted lease should carry no pending job, got %q", got.PendingJobID)
	}
}

func TestListScheduledSkipsTerminalLeases(t *testing.T) {
	ldb := newTestLeasesDB(t)

	running := sampleLease("lease-running")
	running.Status = types.LeaseStatusRunning
	if err := ldb.CreateLease(running); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	done := sampleLease("lease-done")
	if err := ldb.CreateLease(done); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}
	if _, err := ldb.MarkTerminating("lease-done"); err != nil {
		t.Fatalf("MarkTerminating failed: %v", err)
	}

	scheduled, err := ldb.ListScheduled()
	if err != nil {
		t.Fatalf("ListScheduled failed: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].ID != "lease-running" {
		t.Errorf("expected only lease-running, got %+v", scheduled)
	}
}

func TestIncrementTeardownTries(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		tries, err := ldb.IncrementTeardownTries("lease-1")
		if err != nil {
			t.Fatalf("IncrementTeardownTries failed: %v", err)
		}
		if tries != want {
			t.Errorf("expected %d tries, got %d", want, tries)
		}
	}
}

func TestAddBalance(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}
	if err := ldb.AddBalance("lease-1", 250_000); err != nil {
		t.Fatalf("AddBalance failed: %v", err)
	}

	got, _ := ldb.GetLease("lease-1")
	if got.Balance != 1_250_000 {
		t.Errorf("expected balance 1250000, got %d", got.Balance)
	}
}

func TestCreateLeaseDuplicateIDReportsLeaseExists(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}
	if err := ldb.CreateLease(sampleLease("lease-1")); !errors.Is(err, ErrLeaseExists) {
		t.Errorf("expected ErrLeaseExists, got %v", err)
	}

	// Deleting the first record frees nothing: the id stays taken
	if err := ldb.MarkDeleted("lease-1", 0); err != nil {
		t.Fatalf("MarkDeleted failed: %v", err)
	}
	if err := ldb.CreateLease(sampleLease("lease-1")); !errors.Is(err, ErrLeaseExists) {
		t.Errorf("expected ErrLeaseExists for a reused id, got %v", err)
	}
}

func TestOwnerIdentityRoundTrip(t *testing.T) {
	ldb := newTestLeasesDB(t)

	l := sampleLease("lease-1")
	l.HostID = "host-1"
	l.OwnerIdentity = "owner-wallet-1"
	if err := ldb.CreateLease(l); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	got, err := ldb.GetLease("lease-1")
	if err != nil {
		t.Fatalf("GetLease failed: %v", err)
	}
	if got.OwnerIdentity != "owner-wallet-1" {
		t.Errorf("expected owner-wallet-1, got %q", got.OwnerIdentity)
	}
}

func TestMarkHostCredited(t *testing.T) {
	ldb := newTestLeasesDB(t)

	if err := ldb.CreateLease(sampleLease("lease-1")); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	got, _ := ldb.GetLease("lease-1")
	if got.HostCredited {
		t.Error("new lease must not carry the credited flag")
	}

	if err := ldb.MarkHostCredited("lease-1"); err != nil {
		t.Fatalf("MarkHostCredited failed: %v", err)
	}
	got, _ = ldb.GetLease("lease-1")
	if !got.HostCredited {
		t.Error("expected credited flag after MarkHostCredited")
	}
}
