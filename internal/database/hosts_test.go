package database

import (
	"fmt"
	"sync"
	"testing"

	"github.com/decloud-network/decloud-node/internal/types"
)

func newTestHostsDB(t *testing.T) *HostsDB {
	t.Helper()
	hdb, err := NewHostsDB(openTestDB(t), testLogger{})
	if err != nil {
		t.Fatalf("failed to create hosts db: %v", err)
	}
	return hdb
}

func sampleHost(id, ip string) *types.HostMachine {
	return &types.HostMachine{
		ID:        id,
		OwnerKey:  "owner-1",
		CPU:       4,
		RAM:       8,
		DiskSize:  100,
		IPAddress: ip,
	}
}

func makeEligible(t *testing.T, hdb *HostsDB, hostID string) {
	t.Helper()
	if err := hdb.SetVerified(hostID, 1_000_000); err != nil {
		t.Fatalf("SetVerified failed: %v", err)
	}
	if err := hdb.SetActive(hostID, true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
}

func TestFindCandidateMatchesCapacity(t *testing.T) {
	hdb := newTestHostsDB(t)

	small := sampleHost("host-small", "10.0.0.1")
	small.CPU, small.RAM, small.DiskSize = 2, 2, 20
	if err := hdb.RegisterHost(small); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	makeEligible(t, hdb, "host-small")

	big := sampleHost("host-big", "10.0.0.2")
	if err := hdb.RegisterHost(big); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	makeEligible(t, hdb, "host-big")

	got, err := hdb.FindCandidate(types.Requirements{CPU: 4, RAM: 4, DiskSize: 50})
	if err != nil {
		t.Fatalf("FindCandidate failed: %v", err)
	}
	if got == nil || got.ID != "host-big" {
		t.Errorf("expected host-big, got %+v", got)
	}
}

func TestFindCandidateRecordOrder(t *testing.T) {
	hdb := newTestHostsDB(t)

	for i, id := range []string{"host-a", "host-b", "host-c"} {
		h := sampleHost(id, fmt.Sprintf("10.0.1.%d", i+1))
		if err := hdb.RegisterHost(h); err != nil {
			t.Fatalf("RegisterHost failed: %v", err)
		}
		makeEligible(t, hdb, id)
	}

	got, err := hdb.FindCandidate(types.Requirements{CPU: 1, RAM: 1, DiskSize: 1})
	if err != nil {
		t.Fatalf("FindCandidate failed: %v", err)
	}
	if got.ID != "host-a" {
		t.Errorf("expected first registered host, got %s", got.ID)
	}
}

func TestFindCandidateExcludesIneligible(t *testing.T) {
	hdb := newTestHostsDB(t)

	h := sampleHost("host-1", "10.0.0.1")
	if err := hdb.RegisterHost(h); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	// Unverified
	got, _ := hdb.FindCandidate(types.Requirements{CPU: 1, RAM: 1, DiskSize: 1})
	if got != nil {
		t.Error("unverified host should not match")
	}

	makeEligible(t, hdb, "host-1")
	if err := hdb.Penalize("host-1"); err != nil {
		t.Fatalf("Penalize failed: %v", err)
	}
	got, _ = hdb.FindCandidate(types.Requirements{CPU: 1, RAM: 1, DiskSize: 1})
	if got != nil {
		t.Error("penalized host should not match")
	}
}

func TestClaimOccupancyRace(t *testing.T) {
	hdb := newTestHostsDB(t)

	h := sampleHost("host-1", "10.0.0.1")
	if err := hdb.RegisterHost(h); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	makeEligible(t, hdb, "host-1")

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := hdb.ClaimOccupancy("host-1")
			if err != nil {
				t.Errorf("ClaimOccupancy failed: %v", err)
				return
			}
			if won {
				wins <- true
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
		t.Errorf("expected exactly one winning claim, got %d", winners)
	}
}

func TestReleaseOccupancyIdempotent(t *testing.T) {
	hdb := newTestHostsDB(t)

	h := sampleHost("host-1", "10.0.0.1")
	if err := hdb.RegisterHost(h); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	if won, _ := hdb.ClaimOccupancy("host-1"); !won {
		t.Fatal("claim should succeed")
	}

	if err := hdb.ReleaseOccupancy("host-1"); err != nil {
		t.Fatalf("ReleaseOccupancy failed: %v", err)
	}
	if err := hdb.ReleaseOccupancy("host-1"); err != nil {
		t.Fatalf("repeated ReleaseOccupancy failed: %v", err)
	}

	won, err := hdb.ClaimOccupancy("host-1")
	if err != nil {
		t.Fatalf("ClaimOccupancy failed: %v", err)
	}
	if !won {
		t.Error("released host should be claimable again")
	}
}

func TestDeductEarningsGuarded(t *testing.T) {
	hdb := newTestHostsDB(t)

	h := sampleHost("host-1", "10.0.0.1")
	if err := hdb.RegisterHost(h); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	if err := hdb.AddEarnings("host-1", 100); err != nil {
		t.Fatalf("AddEarnings failed: %v", err)
	}

	ok, err := hdb.DeductEarnings("host-1", 200)
	if err != nil {
		t.Fatalf("DeductEarnings failed: %v", err)
	}
	if ok {
		t.Error("overdraw should not succeed")
	}

	ok, err = hdb.DeductEarnings("host-1", 100)
	if err != nil {
		t.Fatalf("DeductEarnings failed: %v", err)
	}
	if !ok {
		t.Error("exact deduction should succeed")
	}

	got, _ := hdb.GetHost("host-1")
	if got.EarnedBalance != 0 {
		t.Errorf("expected zero balance, got %d", got.EarnedBalance)
	}
}
