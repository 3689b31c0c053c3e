package segmgr_test

import (
	"errors"
	"testing"

	"github.com/downfa11-org/segmentmanager/pkg/epoch"
	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
)

// TestAllocHeadRollsBackOnHeaderAppendFailure drives the fatal
// writeHeaderLocked failure path and checks that the partially
// constructed new head is freed rather than left behind as a second
// live StateHead segment with a leaked slot.
func TestAllocHeadRollsBackOnHeaderAppendFailure(t *testing.T) {
	m, alloc, _, _ := newManager(t, 4)

	first, err := m.AllocHead(true)
	if err != nil || first == nil {
		t.Fatalf("initial AllocHead: seg=%v err=%v", first, err)
	}

	alloc.failNextBuffer = true
	second, err := m.AllocHead(true)
	if !errors.Is(err, segmgr.ErrHeaderAppend) {
		t.Fatalf("expected ErrHeaderAppend, got seg=%v err=%v", second, err)
	}
	if second != nil {
		t.Fatalf("expected no segment returned on header append failure, got %+v", second)
	}

	if got := m.GetAllocatedSegmentCount(); got != 1 {
		t.Fatalf("expected the failed allocation to be rolled back, got %d live segments", got)
	}
	if !m.DoesIDExist(first.ID) {
		t.Fatalf("expected the original head to remain untouched after the failed rotation")
	}

	// The freed slot must be usable again.
	third, err := m.AllocHead(true)
	if err != nil || third == nil {
		t.Fatalf("retry AllocHead: seg=%v err=%v", third, err)
	}
	if third.ID == first.ID {
		t.Fatalf("retry should allocate a fresh segment id, not reuse the original head's")
	}
}

// TestAllocHeadRollsBackOnReplicaFailure drives the fatal
// ReplicaManager.AllocateHead failure path and checks the same rollback.
func TestAllocHeadRollsBackOnReplicaFailure(t *testing.T) {
	m, _, repl, _ := newManager(t, 4)

	first, err := m.AllocHead(true)
	if err != nil || first == nil {
		t.Fatalf("initial AllocHead: seg=%v err=%v", first, err)
	}

	repl.failAllocate = true
	second, err := m.AllocHead(true)
	if !errors.Is(err, segmgr.ErrReplicaFailure) {
		t.Fatalf("expected ErrReplicaFailure, got seg=%v err=%v", second, err)
	}
	if second != nil {
		t.Fatalf("expected no segment returned on replica failure, got %+v", second)
	}

	if got := m.GetAllocatedSegmentCount(); got != 1 {
		t.Fatalf("expected the failed allocation to be rolled back, got %d live segments", got)
	}
	if !m.DoesIDExist(first.ID) {
		t.Fatalf("expected the original head to remain untouched after the failed rotation")
	}

	repl.failAllocate = false
	third, err := m.AllocHead(true)
	if err != nil || third == nil {
		t.Fatalf("retry AllocHead: seg=%v err=%v", third, err)
	}

	var cleanable []*segmgr.Segment
	m.CleanableSegments(&cleanable)
	if len(cleanable) != 1 || cleanable[0].ID != first.ID {
		t.Fatalf("expected the original head to retire normally once the retry succeeds, got %+v", cleanable)
	}
}

// TestCleaningWithRealEpochTrackerReclaimsAcrossMultipleCycles wires the
// production epoch.Tracker instead of the fake and runs two full
// cleaning cycles. Conflating IncrementCurrentEpoch with RPC
// registration would permanently pin the first cycle's epoch and stall
// reclamation from the second cycle onward; this confirms that doesn't
// happen.
func TestCleaningWithRealEpochTrackerReclaimsAcrossMultipleCycles(t *testing.T) {
	alloc := newFakeAllocator(20)
	repl := &fakeReplicaManager{}
	tracker := epoch.NewTracker()

	m, err := segmgr.New(segmgr.Config{
		LogID:               1,
		Allocator:           alloc,
		Replicas:            repl,
		Epochs:              tracker,
		DiskExpansionFactor: 1.0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !m.IncreaseSurvivorReserve(2) {
		t.Fatalf("IncreaseSurvivorReserve(2) should succeed with plenty of free segments")
	}

	if _, err := m.AllocHead(true); err != nil {
		t.Fatalf("initial AllocHead: %v", err)
	}

	runCleaningCycle := func() uint64 {
		if _, err := m.AllocHead(true); err != nil {
			t.Fatalf("rotate: %v", err)
		}
		var cleanable []*segmgr.Segment
		m.CleanableSegments(&cleanable)
		if len(cleanable) == 0 {
			t.Fatalf("expected at least one cleanable segment")
		}
		victimID := cleanable[0].ID
		if _, err := m.AllocSurvivor(segmgr.InvalidSegmentID); err != nil {
			t.Fatalf("AllocSurvivor: %v", err)
		}
		if err := m.CleaningComplete(cleanable); err != nil {
			t.Fatalf("CleaningComplete: %v", err)
		}
		return victimID
	}

	victim1 := runCleaningCycle()
	if _, err := m.AllocHead(false); err != nil { // digest-move rotation
		t.Fatalf("first digest-move rotation: %v", err)
	}
	if _, err := m.AllocHead(false); err != nil { // reclaiming rotation
		t.Fatalf("first reclaiming rotation: %v", err)
	}
	if m.DoesIDExist(victim1) {
		t.Fatalf("expected the first cleaning cycle's victim to be reclaimed")
	}

	victim2 := runCleaningCycle()
	if _, err := m.AllocHead(false); err != nil { // digest-move rotation
		t.Fatalf("second digest-move rotation: %v", err)
	}
	if _, err := m.AllocHead(false); err != nil { // reclaiming rotation
		t.Fatalf("second reclaiming rotation: %v", err)
	}
	if m.DoesIDExist(victim2) {
		t.Fatalf("expected the second cleaning cycle's victim to be reclaimed too; conflating IncrementCurrentEpoch with RPC registration would pin the first cycle's epoch forever and stall this")
	}
}
