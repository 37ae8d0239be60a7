package marketplace

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/decloud-network/decloud-node/internal/database"
	"github.com/decloud-network/decloud-node/internal/settlement"
	"github.com/decloud-network/decloud-node/internal/types"
	"github.com/decloud-network/decloud-node/internal/utils"
)

// fakeBridge implements only the marketplace-facing settlement calls
type fakeBridge struct {
	mu        sync.Mutex
	rewards   int
	penalties int
	rewardErr error
}

func (b *fakeBridge) DepositAndLease(ctx context.Context, tenantKey string, amount uint64, durationSeconds int64, leaseID string) (settlement.TxRef, error) {
	return "", errors.New("not used")
}

func (b *fakeBridge) OpenEscrow(ctx context.Context, tenantKey string, amount uint64, leaseID string) (settlement.TxRef, error) {
	return "", errors.New("not used")
}

func (b *fakeBridge) ExtendEscrow(ctx context.Context, tenantKey string, leaseID string, amount uint64) (settlement.TxRef, error) {
	return "", errors.New("not used")
}

func (b *fakeBridge) Finalize(ctx context.Context, tenantKey string, leaseID string, settledAmount uint64) (settlement.TxRef, error) {
	return "", errors.New("not used")
}

func (b *fakeBridge) RewardHost(ctx context.Context, ownerKey string, hostID string, amount uint64) (settlement.TxRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rewardErr != nil {
		return "", b.rewardErr
	}
	b.rewards++
	return "tx-reward", nil
}

func (b *fakeBridge) PenalizeHost(ctx context.Context, ownerKey string, hostID string) (settlement.TxRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.penalties++
	return "tx-penalize", nil
}

func newTestAllocator(t *testing.T) (*Allocator, *fakeBridge, *database.SQLiteManager) {
	t.Helper()

	cm := utils.NewConfigManager("")
	logger := utils.NewLogsManager(cm)
	t.Cleanup(func() { logger.Close() })

	rawDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	rawDB.SetMaxOpenConns(1)
	t.Cleanup(func() { rawDB.Close() })

	dbManager, err := database.NewSQLiteManagerWithDB(rawDB, logger)
	if err != nil {
		t.Fatalf("failed to create database manager: %v", err)
	}

	bridge := &fakeBridge{}
	return NewAllocator(dbManager, bridge, logger), bridge, dbManager
}

func registerVerified(t *testing.T, a *Allocator, ip string, cpu, ram, disk int) *types.HostMachine {
	t.Helper()

	h, err := a.Register(RegisterRequest{
		OwnerKey:  "owner-1",
		CPU:       cpu,
		RAM:       ram,
		DiskSize:  disk,
		IPAddress: ip,
		AccessKey: "host-key",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	verified, err := a.Verify(VerifyReport{
		IPAddress: ip,
		AccessKey: "host-key",
		CPU:       cpu,
		RAM:       ram,
		DiskSize:  disk,
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if verified.ID != h.ID {
		t.Fatalf("verify returned a different host")
	}
	return verified
}

func TestRegisterAndVerify(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)
	if !h.Verified || !h.Active {
		t.Errorf("expected verified active host, got %+v", h)
	}
	if h.PerHourPrice != PerHourPrice(4, 8, 100) {
		t.Errorf("expected price %d, got %d", PerHourPrice(4, 8, 100), h.PerHourPrice)
	}
}

func TestVerifyRejectsBadAccessKey(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	if _, err := a.Register(RegisterRequest{
		OwnerKey: "owner-1", CPU: 4, RAM: 8, DiskSize: 100,
		IPAddress: "10.0.0.1", AccessKey: "host-key",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := a.Verify(VerifyReport{
		IPAddress: "10.0.0.1", AccessKey: "wrong-key",
		CPU: 4, RAM: 8, DiskSize: 100,
	})
	if !errors.Is(err, ErrInvalidAccessKey) {
		t.Errorf("expected ErrInvalidAccessKey, got %v", err)
	}
}

func TestVerifyMismatchRemovesRegistration(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	h, err := a.Register(RegisterRequest{
		OwnerKey: "owner-1", CPU: 8, RAM: 16, DiskSize: 200,
		IPAddress: "10.0.0.1", AccessKey: "host-key",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Reported specs fall short of the registration
	_, err = a.Verify(VerifyReport{
		IPAddress: "10.0.0.1", AccessKey: "host-key",
		CPU: 2, RAM: 4, DiskSize: 50,
	})
	if !errors.Is(err, ErrVerifyMismatch) {
		t.Fatalf("expected ErrVerifyMismatch, got %v", err)
	}

	if _, err := a.GetHost(h.ID); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("mismatched host should be removed, got %v", err)
	}
}

func TestConcurrentAllocateSingleWinner(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	registerVerified(t, a, "10.0.0.1", 4, 8, 100)

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan *types.HostMachine, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10}); err == nil {
				wins <- h
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("expected exactly one winning allocation, got %d", winners)
	}
}

func TestAllocateSkipsToNextCandidate(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	first := registerVerified(t, a, "10.0.0.1", 4, 8, 100)
	second := registerVerified(t, a, "10.0.0.2", 4, 8, 100)

	if err := a.Claim(first.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	got, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected the unclaimed host, got %s", got.ID)
	}

	if _, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10}); !errors.Is(err, ErrNoCandidate) {
		t.Errorf("expected ErrNoCandidate with the pool exhausted, got %v", err)
	}
}

func TestReleaseMakesHostMatchableAgain(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)

	if _, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10}); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := a.Release(h.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	got, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10})
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if got.ID != h.ID {
		t.Errorf("expected the released host, got %s", got.ID)
	}
}

func TestPenalizeExcludesHost(t *testing.T) {
	a, bridge, _ := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)

	if err := a.Penalize(context.Background(), h.ID); err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	if bridge.penalties != 1 {
		t.Errorf("expected one authority penalty, got %d", bridge.penalties)
	}

	if _, err := a.Allocate(types.Requirements{CPU: 2, RAM: 2, DiskSize: 10}); !errors.Is(err, ErrNoCandidate) {
		t.Errorf("penalized host must not match, got %v", err)
	}
}

func TestClaimEarningsConfirmBeforeZero(t *testing.T) {
	a, bridge, db := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)
	if err := a.CreditEarnings(h.ID, 1_500_000); err != nil {
		t.Fatalf("CreditEarnings failed: %v", err)
	}

	// A failed payout must leave the balance untouched
	bridge.rewardErr = errors.New("authority unavailable")
	if _, _, err := a.ClaimEarnings(context.Background(), "owner-1", h.ID); err == nil {
		t.Fatal("expected payout failure to surface")
	}
	got, _ := db.Hosts.GetHost(h.ID)
	if got.EarnedBalance != 1_500_000 {
		t.Errorf("failed payout must not deduct, balance %d", got.EarnedBalance)
	}

	bridge.rewardErr = nil
	amount, txRef, err := a.ClaimEarnings(context.Background(), "owner-1", h.ID)
	if err != nil {
		t.Fatalf("ClaimEarnings failed: %v", err)
	}
	if amount != 1_500_000 || txRef == "" {
		t.Errorf("unexpected payout: %d (%s)", amount, txRef)
	}
	got, _ = db.Hosts.GetHost(h.ID)
	if got.EarnedBalance != 0 {
		t.Errorf("expected zero balance after payout, got %d", got.EarnedBalance)
	}

	if _, _, err := a.ClaimEarnings(context.Background(), "owner-1", h.ID); !errors.Is(err, ErrNothingToClaim) {
		t.Errorf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestClaimEarningsOwnerCheck(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)
	if err := a.CreditEarnings(h.ID, 100); err != nil {
		t.Fatalf("CreditEarnings failed: %v", err)
	}

	if _, _, err := a.ClaimEarnings(context.Background(), "someone-else", h.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestPerHourPrice(t *testing.T) {
	cases := []struct {
		cpu, ram, disk int
		want           uint64
	}{
		{2, 1, 10, basePriceLamports},
		{4, 1, 10, basePriceLamports + 2*cpuPriceLamports},
		{2, 5, 10, basePriceLamports + 4*ramPriceLamports},
		{2, 1, 30, basePriceLamports + 20*diskPriceLamports},
		{1, 1, 1, basePriceLamports},
		{1024, 1024, 100000, priceCapLamports},
	}

	for _, tc := range cases {
		if got := PerHourPrice(tc.cpu, tc.ram, tc.disk); got != tc.want {
			t.Errorf("PerHourPrice(%d, %d, %d) = %d, want %d", tc.cpu, tc.ram, tc.disk, got, tc.want)
		}
	}
}

func TestSetVisibility(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	h := registerVerified(t, a, "10.0.0.1", 4, 8, 100)

	if err := a.SetVisibility("someone-else", h.ID, false); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if err := a.SetVisibility("owner-1", h.ID, false); err != nil {
		t.Fatalf("SetVisibility failed: %v", err)
	}

	if _, err := a.Find(types.Requirements{CPU: 1, RAM: 1, DiskSize: 1}); !errors.Is(err, ErrNoCandidate) {
		t.Errorf("hidden host must not match, got %v", err)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	a, _, _ := newTestAllocator(t)

	req := RegisterRequest{
		OwnerKey: "owner-1", CPU: 4, RAM: 8, DiskSize: 100,
		IPAddress: "10.0.0.1", AccessKey: "host-key",
	}
	if _, err := a.Register(req); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := a.Register(req); !errors.Is(err, ErrHostExists) {
		t.Errorf("expected ErrHostExists, got %v", err)
	}
}
