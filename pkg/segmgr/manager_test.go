package segmgr_test

import (
	"errors"
	"testing"

	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
)

func TestNewRejectsBadExpansionFactor(t *testing.T) {
	_, err := segmgr.New(segmgr.Config{
		Allocator:           newFakeAllocator(4),
		Replicas:            &fakeReplicaManager{},
		Epochs:              &fakeEpochSource{},
		DiskExpansionFactor: 0.5,
	})
	if !errors.Is(err, segmgr.ErrBadFactor) {
		t.Fatalf("got %v, want ErrBadFactor", err)
	}
}

func TestNewRejectsTooFewSegments(t *testing.T) {
	_, err := segmgr.New(segmgr.Config{
		Allocator:           newFakeAllocator(1),
		Replicas:            &fakeReplicaManager{},
		Epochs:              &fakeEpochSource{},
		DiskExpansionFactor: 1.0,
	})
	if !errors.Is(err, segmgr.ErrTooFewSegments) {
		t.Fatalf("got %v, want ErrTooFewSegments", err)
	}
}

// TestAtMostOneHead checks that at any instant, no more than one
// segment holds StateHead.
func TestAtMostOneHead(t *testing.T) {
	m, _, _, _ := newManager(t, 8)

	first, err := m.AllocHead(true)
	if err != nil || first == nil {
		t.Fatalf("first AllocHead: seg=%v err=%v", first, err)
	}

	var active []*segmgr.Segment
	m.LogIteratorCreated()
	if err := m.GetActiveSegments(0, &active); err != nil {
		t.Fatalf("GetActiveSegments: %v", err)
	}
	m.LogIteratorDestroyed()

	heads := 0
	for _, s := range active {
		if s.ID == first.ID {
			heads++
		}
	}
	if heads != 1 {
		t.Fatalf("expected exactly 1 head reachable, got %d", heads)
	}

	second, err := m.AllocHead(true)
	if err != nil || second == nil {
		t.Fatalf("second AllocHead: seg=%v err=%v", second, err)
	}
	if second.ID == first.ID {
		t.Fatalf("rotation did not allocate a new segment id")
	}
}

// TestSegmentIDsStrictlyIncrease checks that segment ids never repeat
// or go backwards.
func TestSegmentIDsStrictlyIncrease(t *testing.T) {
	m, _, _, _ := newManager(t, 8)

	var last uint64
	for i := 0; i < 4; i++ {
		s, err := m.AllocHead(true)
		if err != nil || s == nil {
			t.Fatalf("AllocHead[%d]: seg=%v err=%v", i, s, err)
		}
		if i > 0 && s.ID <= last {
			t.Fatalf("segment id did not strictly increase: %d -> %d", last, s.ID)
		}
		last = s.ID
	}
}

// TestAllocatedSegmentCountTracksLiveSegments checks that the
// allocated-segment accounting matches list membership.
func TestAllocatedSegmentCountTracksLiveSegments(t *testing.T) {
	m, _, _, _ := newManager(t, 8)

	if got := m.GetAllocatedSegmentCount(); got != 0 {
		t.Fatalf("expected 0 allocated segments initially, got %d", got)
	}

	if _, err := m.AllocHead(true); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}
	if got := m.GetAllocatedSegmentCount(); got != 1 {
		t.Fatalf("expected 1 allocated segment, got %d", got)
	}

	if _, err := m.AllocHead(true); err != nil {
		t.Fatalf("second AllocHead: %v", err)
	}
	if got := m.GetAllocatedSegmentCount(); got != 2 {
		t.Fatalf("expected 2 allocated segments after rotation, got %d", got)
	}
}

// TestIncreaseSurvivorReserveBounds checks the reserve-growth bounds.
func TestIncreaseSurvivorReserveBounds(t *testing.T) {
	m, _, _, _ := newManager(t, 8)

	if !m.IncreaseSurvivorReserve(2) {
		t.Fatalf("expected IncreaseSurvivorReserve(2) to succeed with 8 free segments")
	}
	if got := m.GetFreeSurvivorCount(); got != 2 {
		t.Fatalf("expected survivor reserve of 2, got %d", got)
	}

	if m.IncreaseSurvivorReserve(1) {
		t.Fatalf("expected IncreaseSurvivorReserve to refuse shrinking the reserve")
	}

	if m.IncreaseSurvivorReserve(100) {
		t.Fatalf("expected IncreaseSurvivorReserve to refuse exceeding free capacity")
	}
}

// TestIteratorFreezeInvariant checks that GetActiveSegments refuses to
// run outside of iteration, runs while an iterator is outstanding, and
// that LogIteratorCount tracks created and destroyed iterators.
func TestIteratorFreezeInvariant(t *testing.T) {
	m, _, _, _ := newManager(t, 8)

	var out []*segmgr.Segment
	if err := m.GetActiveSegments(0, &out); !errors.Is(err, segmgr.ErrNotIterating) {
		t.Fatalf("expected ErrNotIterating outside of iteration, got %v", err)
	}

	if m.LogIteratorCount() != 0 {
		t.Fatalf("expected 0 outstanding iterators initially")
	}
	m.LogIteratorCreated()
	if m.LogIteratorCount() != 1 {
		t.Fatalf("expected 1 outstanding iterator after LogIteratorCreated")
	}
	if err := m.GetActiveSegments(0, &out); err != nil {
		t.Fatalf("GetActiveSegments while iterating: %v", err)
	}
	m.LogIteratorDestroyed()
	if m.LogIteratorCount() != 0 {
		t.Fatalf("expected 0 outstanding iterators after LogIteratorDestroyed")
	}
}

// TestEpochGatedReclamation checks that a cleaned segment is not freed
// back to the allocator until the earliest outstanding epoch has passed
// its cleaned epoch.
func TestEpochGatedReclamation(t *testing.T) {
	m, alloc, _, epochs := newManager(t, 8)

	head, err := m.AllocHead(true)
	if err != nil || head == nil {
		t.Fatalf("AllocHead: seg=%v err=%v", head, err)
	}
	// Rotate so head becomes cleanable.
	if _, err := m.AllocHead(true); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	var cleanable []*segmgr.Segment
	m.CleanableSegments(&cleanable)
	if len(cleanable) != 1 || cleanable[0].ID != head.ID {
		t.Fatalf("expected previous head to be cleanable, got %+v", cleanable)
	}

	if !m.IncreaseSurvivorReserve(1) {
		t.Fatalf("IncreaseSurvivorReserve(1) should succeed with segments free")
	}

	survivor, err := m.AllocSurvivor(segmgr.InvalidSegmentID)
	if err != nil || survivor == nil {
		t.Fatalf("AllocSurvivor: seg=%v err=%v", survivor, err)
	}

	if err := m.CleaningComplete(cleanable); err != nil {
		t.Fatalf("CleaningComplete: %v", err)
	}

	// This rotation's digest moves the cleaned segment to
	// FREEABLE_PENDING_REFERENCES; the next rotation's reclamation pass
	// then finds it there. The epoch has not yet advanced past the cleaned
	// epoch, so that pass must not reclaim it.
	if _, err := m.AllocHead(false); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}
	if _, err := m.AllocHead(false); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}
	if !m.DoesIDExist(head.ID) {
		t.Fatalf("expected cleaned segment to remain referenced before epoch advance")
	}

	// Advance the earliest-outstanding-epoch watermark past the cleaned
	// stamp and retry.
	epochs.earliest = epochs.current + 1
	if _, err := m.AllocHead(false); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}
	if m.DoesIDExist(head.ID) {
		t.Fatalf("expected cleaned segment to be reclaimed after epoch advance")
	}
	_ = alloc
}

// TestCleaningRoundTrip checks that a segment that enters cleaning and
// is reported cleaned eventually reaches FREED and its slot becomes
// reusable.
func TestCleaningRoundTrip(t *testing.T) {
	m, alloc, _, epochs := newManager(t, 8)

	victim, err := m.AllocHead(true)
	if err != nil || victim == nil {
		t.Fatalf("AllocHead: seg=%v err=%v", victim, err)
	}
	if _, err := m.AllocHead(true); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	var cleanable []*segmgr.Segment
	m.CleanableSegments(&cleanable)

	if !m.IncreaseSurvivorReserve(1) {
		t.Fatalf("IncreaseSurvivorReserve(1) should succeed with segments free")
	}

	survivor, err := m.AllocSurvivor(segmgr.InvalidSegmentID)
	if err != nil || survivor == nil {
		t.Fatalf("AllocSurvivor: seg=%v err=%v", survivor, err)
	}

	if err := m.CleaningComplete(cleanable); err != nil {
		t.Fatalf("CleaningComplete: %v", err)
	}

	epochs.earliest = epochs.current + 1

	// The digest written by this rotation moves the victim from
	// FREEABLE_PENDING_DIGEST_AND_REFERENCES to FREEABLE_PENDING_REFERENCES.
	if _, err := m.AllocHead(false); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}
	// The next rotation's reclamation pass finds it there and frees it.
	if _, err := m.AllocHead(false); err != nil {
		t.Fatalf("AllocHead: %v", err)
	}

	if m.DoesIDExist(victim.ID) {
		t.Fatalf("expected victim segment to be freed after epoch advance")
	}
	_ = alloc
}
