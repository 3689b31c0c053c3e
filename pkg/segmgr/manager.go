// Package segmgr implements the Segment Manager: the bookkeeper of a
// log-structured, in-memory storage engine. It owns the lifecycle of
// every in-memory log segment, including allocation, identifier
// assignment, the eight-state machine, head rotation, survivor
// placement during cleaning, the log-digest protocol, iterator
// coordination, and epoch-gated reclamation back to the seglet
// allocator.
//
// The seglet allocator, replica manager, epoch source, segment append
// mechanics, and cleaner victim-selection policy are all external
// collaborators, represented here only as interfaces.
package segmgr

import (
	"fmt"
	"sync"

	"github.com/downfa11-org/segmentmanager/util"
)

// SegmentManager is the central bookkeeper described above. All mutation
// of the segment table, state lists, reserve counters, and id-to-slot map
// happens under a single global mutex; this is a deliberate design choice
// to keep the state machine auditable.
type SegmentManager struct {
	mu sync.Mutex

	logID     uint64
	allocator SegletAllocator
	replicas  ReplicaManager
	epochs    EpochSource

	maxSegments uint32
	segletSize  uint32
	segmentSize uint32

	numEmergencyHeads       uint32
	numEmergencyHeadsAlloced uint32
	numSurvivorSegments      uint32
	numSurvivorSegmentsAlloced uint32

	segments []*Segment // dense table, nil where empty
	states   []State    // parallel state array, meaningful only where segments[i] != nil

	freeSlots []uint32 // stack of free slot indices

	idToSlot map[uint64]uint32

	allSegments      []bool // slot -> is-live, used only to maintain allSegmentsCount
	allSegmentsCount int

	lists [numStates]stateList

	nextSegmentID uint64

	logIteratorCount int
}

// Config bundles the construction-time tunables for a SegmentManager.
type Config struct {
	LogID               uint64
	Allocator           SegletAllocator
	Replicas            ReplicaManager
	Epochs              EpochSource
	DiskExpansionFactor float64
}

// New constructs a segment manager. It fails with ErrBadFactor if the
// expansion factor is below 1.0, and ErrTooFewSegments if the allocator
// cannot offer the two-segment emergency reserve.
func New(cfg Config) (*SegmentManager, error) {
	if cfg.DiskExpansionFactor < 1.0 {
		return nil, ErrBadFactor
	}

	const numEmergencyHeads = 2
	initialFree := cfg.Allocator.FreeSegmentCount()
	if initialFree < numEmergencyHeads {
		return nil, ErrTooFewSegments
	}

	maxSegments := uint32(float64(initialFree) * cfg.DiskExpansionFactor)
	if maxSegments < initialFree {
		maxSegments = initialFree
	}

	m := &SegmentManager{
		logID:             cfg.LogID,
		allocator:         cfg.Allocator,
		replicas:          cfg.Replicas,
		epochs:            cfg.Epochs,
		maxSegments:       maxSegments,
		segletSize:        cfg.Allocator.SegletSize(),
		segmentSize:       cfg.Allocator.SegmentSize(),
		numEmergencyHeads: numEmergencyHeads,
		segments:          make([]*Segment, maxSegments),
		states:            make([]State, maxSegments),
		freeSlots:         make([]uint32, 0, maxSegments),
		idToSlot:          make(map[uint64]uint32, maxSegments),
		allSegments:       make([]bool, maxSegments),
	}
	for i := range m.lists {
		m.lists[i] = newStateList()
	}

	// Push in descending order so slot 0 is allocated first, matching the
	// LIFO-stack-as-free-list convention used throughout.
	for i := int(maxSegments) - 1; i >= 0; i-- {
		m.freeSlots = append(m.freeSlots, uint32(i))
	}

	m.allocator.RegisterMemory(cfg.Allocator.BaseAddress(), cfg.Allocator.TotalBytes())

	util.Info("segmgr: constructed log=%d maxSegments=%d emergencyReserve=%d", cfg.LogID, maxSegments, numEmergencyHeads)
	segMgrConstructedTotal.Inc()

	return m, nil
}

// AllocHead rotates to a new head segment. When ordinary allocation is
// refused it falls back to the emergency reserve if mustNotFail is true
// or a segment is waiting in FREEABLE_PENDING_DIGEST_AND_REFERENCES, and
// returns an error if that reserve is exhausted too. Otherwise it
// returns (nil, nil), not an error; the caller is expected to continue
// using the existing head.
func (m *SegmentManager) AllocHead(mustNotFail bool) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeUnreferencedSegmentsLocked()

	prevHead := m.headSegmentLocked()

	newHead, err := m.allocLocked(allocHead)
	if err != nil {
		return nil, err
	}
	if newHead == nil {
		cleanerBlocked := m.listLen(StateFreeablePendingDigestAndReferences) > 0
		if mustNotFail || cleanerBlocked {
			newHead, err = m.allocLocked(allocEmergencyHead)
			if err != nil {
				return nil, err
			}
			if newHead == nil {
				return nil, fmt.Errorf("segmgr: %w (emergency reserve exhausted)", ErrOutOfMemory)
			}
		} else {
			return nil, nil
		}
	}

	if err := m.writeHeaderLocked(newHead, InvalidSegmentID); err != nil {
		m.abortNewHeadLocked(newHead)
		return nil, err
	}

	if prevHead != nil && !prevHead.IsEmergencyHead {
		if err := m.writeDigestLocked(newHead, prevHead); err != nil {
			m.abortNewHeadLocked(newHead)
			return nil, err
		}
	} else {
		if err := m.writeDigestLocked(newHead, nil); err != nil {
			m.abortNewHeadLocked(newHead)
			return nil, err
		}
	}

	if newHead.IsEmergencyHead {
		newHead.Buffer.DisableAppends()
	}

	var prevReplicated ReplicatedSegment
	if prevHead != nil {
		prevReplicated = prevHead.Replicated
	}

	replicated, err := m.replicas.AllocateHead(newHead.ID, newHead.Buffer, prevReplicated)
	if err != nil {
		m.abortNewHeadLocked(newHead)
		return nil, fmt.Errorf("%w: %v", ErrReplicaFailure, err)
	}
	newHead.Replicated = replicated

	if prevHead != nil {
		if err := prevHead.Replicated.Close(); err != nil {
			m.abortNewHeadLocked(newHead)
			return nil, fmt.Errorf("%w: close previous head: %v", ErrReplicaFailure, err)
		}
		if err := prevHead.Replicated.Sync(prevHead.GetAppendedLength()); err != nil {
			m.abortNewHeadLocked(newHead)
			return nil, fmt.Errorf("%w: sync previous head: %v", ErrReplicaFailure, err)
		}

		if prevHead.IsEmergencyHead {
			m.freeLocked(prevHead)
		} else {
			m.changeState(prevHead, StateNewlyCleanable)
		}
	}

	segHeadRotationsTotal.Inc()
	util.Debug("segmgr: rotated head to segment %d (emergency=%v)", newHead.ID, newHead.IsEmergencyHead)

	return newHead, nil
}

// AllocSurvivor allocates a segment for a cleaner to write survivor
// data into during cleaning.
func (m *SegmentManager) AllocSurvivor(headIDDuringCleaning uint64) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.freeUnreferencedSegmentsLocked()

	s, err := m.allocLocked(allocSurvivor)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	if err := m.writeHeaderLocked(s, headIDDuringCleaning); err != nil {
		return nil, err
	}

	replicated, err := m.replicas.AllocateNonHead(s.ID, s.Buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplicaFailure, err)
	}
	s.Replicated = replicated

	segSurvivorAllocTotal.Inc()
	return s, nil
}

// CleaningComplete moves the survivor segments a cleaning pass produced
// to CLEANABLE_PENDING_DIGEST, and retires the segments it cleaned,
// tagging each with the epoch at which it became obsolete.
func (m *SegmentManager) CleaningComplete(cleaned []*Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var segletsUsed, segletsFreed uint32

	m.drainInto(StateCleaningInto, func(s *Segment) {
		segletsUsed += s.SegletsAllocated
		m.changeState(s, StateCleanablePendingDigest)
	})

	epoch := m.epochs.IncrementCurrentEpoch() - 1

	for _, s := range cleaned {
		segletsFreed += s.SegletsAllocated
		s.CleanedEpoch = epoch
		m.changeState(s, StateFreeablePendingDigestAndReferences)
	}

	if segletsUsed > segletsFreed {
		util.Error("segmgr: cleaning used %d seglets to free %d; cleaner enlarged the log", segletsUsed, segletsFreed)
	}

	util.Debug("segmgr: cleaning complete, used=%d freed=%d epoch=%d", segletsUsed, segletsFreed, epoch)
	segCleaningCyclesTotal.Inc()

	return nil
}

// CleanableSegments drains NEWLY_CLEANABLE into CLEANABLE and returns
// the drained segments to the cleaner.
func (m *SegmentManager) CleanableSegments(out *[]*Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drainInto(StateNewlyCleanable, func(s *Segment) {
		*out = append(*out, s)
		m.changeState(s, StateCleanable)
	})
}

// IncreaseSurvivorReserve grows the survivor reserve to n segments,
// failing if the allocator cannot back the new reserve size.
func (m *SegmentManager) IncreaseSurvivorReserve(n uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < m.numSurvivorSegments {
		return false
	}
	if n > m.allocator.FreeSegmentCount()-m.numEmergencyHeads {
		return false
	}

	m.numSurvivorSegments = n
	segReserveSize.WithLabelValues("survivor").Set(float64(n))
	return true
}

// Segments returns the segment occupying slot, if any.
func (m *SegmentManager) Segments(slot uint32) (*Segment, error) {
	if slot >= uint32(len(m.segments)) || m.segments[slot] == nil {
		return nil, ErrInvalidSlot
	}
	return m.segments[slot], nil
}

// DoesIDExist reports whether a segment with the given id is currently
// live.
func (m *SegmentManager) DoesIDExist(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.idToSlot[id]
	return ok
}

// GetAllocatedSegmentCount reports how many segments are currently live.
func (m *SegmentManager) GetAllocatedSegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allSegmentsCount
}

// GetFreeSegmentCount reports how many segments the allocator can still
// hand out.
func (m *SegmentManager) GetFreeSegmentCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocator.FreeSegmentCount()
}

// GetFreeSurvivorCount reports how many survivor reserve slots remain
// unconsumed.
func (m *SegmentManager) GetFreeSurvivorCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numSurvivorSegments - m.numSurvivorSegmentsAlloced
}

// GetMaximumSegmentCount returns the fixed segment capacity chosen at
// construction time.
func (m *SegmentManager) GetMaximumSegmentCount() uint32 { return m.maxSegments }

// GetSegletSize returns the allocator's fixed seglet size.
func (m *SegmentManager) GetSegletSize() uint32 { return m.segletSize }

// GetSegmentSize returns the fixed segment size.
func (m *SegmentManager) GetSegmentSize() uint32 { return m.segmentSize }

func (m *SegmentManager) headSegmentLocked() *Segment {
	list := m.listFor(StateHead)
	if list.head == -1 {
		return nil
	}
	return m.segments[list.head]
}
