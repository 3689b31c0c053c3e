package segmgr

import "github.com/downfa11-org/segmentmanager/util"

// mayAllocLocked checks reserve availability for the requested
// allocation kind. Must be called with m.mu held.
func (m *SegmentManager) mayAllocLocked(kind allocationType) bool {
	emergencyReserved := m.numEmergencyHeads - m.numEmergencyHeadsAlloced
	survivorReserved := m.numSurvivorSegments - m.numSurvivorSegmentsAlloced

	switch kind {
	case allocEmergencyHead:
		return emergencyReserved > 0
	case allocSurvivor:
		return survivorReserved > 0
	default: // allocHead
		free := m.allocator.FreeSegmentCount()
		total := emergencyReserved + survivorReserved
		return free > total
	}
}

// allocLocked performs one allocation of the given kind. It does not run
// the reclamation pass itself; AllocHead and AllocSurvivor call
// freeUnreferencedSegmentsLocked before calling it. Returns (nil, nil) when the allocation cannot be satisfied due to reserve
// exhaustion. This is not an error, it is how callers learn to retry
// with a different allocation kind or give up.
func (m *SegmentManager) allocLocked(kind allocationType) (*Segment, error) {
	if !m.mayAllocLocked(kind) {
		return nil, nil
	}
	if len(m.freeSlots) == 0 {
		return nil, nil
	}

	buf, ok := m.allocator.NewBuffer()
	if !ok {
		return nil, nil
	}

	slot := m.freeSlots[len(m.freeSlots)-1]
	m.freeSlots = m.freeSlots[:len(m.freeSlots)-1]

	id := m.nextSegmentID
	m.nextSegmentID++

	s := &Segment{
		ID:               id,
		Slot:             slot,
		IsEmergencyHead:  kind == allocEmergencyHead,
		Buffer:           buf,
		SegletsAllocated: 1,
	}

	var state State
	switch kind {
	case allocSurvivor:
		state = StateCleaningInto
		s.reserve = reserveSurvivor
		m.numSurvivorSegmentsAlloced++
	case allocEmergencyHead:
		state = StateHead
		s.reserve = reserveEmergency
		m.numEmergencyHeadsAlloced++
	default:
		state = StateHead
		s.reserve = reserveNone
	}

	m.segments[slot] = s
	m.states[slot] = state
	m.idToSlot[id] = slot
	m.addToLists(s)

	segAllocTotal.WithLabelValues(kind.String()).Inc()

	return s, nil
}

// freeLocked retires a segment and returns its slot to the free list.
// The tagged reserveKind on the segment (stamped at allocation time in
// allocLocked) determines which reserve counter, if any, gets
// decremented: a freed HEAD segment never decrements the survivor
// reserve, because it never consumed it.
func (m *SegmentManager) freeLocked(s *Segment) {
	slot := s.Slot
	id := s.ID

	m.freeSlots = append(m.freeSlots, slot)
	delete(m.idToSlot, id)

	m.removeFromLists(s)
	m.segments[slot] = nil

	if rb, ok := s.Buffer.(releasableBuffer); ok {
		rb.Release()
	}

	switch s.reserve {
	case reserveEmergency:
		m.numEmergencyHeadsAlloced--
	case reserveSurvivor:
		if m.numSurvivorSegmentsAlloced > 0 {
			m.numSurvivorSegmentsAlloced--
		}
	}

	segFreeTotal.Inc()
	util.Debug("segmgr: freed segment %d (slot %d)", id, slot)
}

// abortNewHeadLocked undoes a partially-constructed head allocation
// after a fatal failure partway through AllocHead (header/digest write,
// or replica registration). The previous head, if any, is never touched
// on these paths, so freeing newHead alone restores the at-most-one-head
// invariant rather than leaving two segments in StateHead and a slot
// leaked.
func (m *SegmentManager) abortNewHeadLocked(newHead *Segment) {
	if newHead.Replicated != nil {
		_ = newHead.Replicated.Close()
	}
	m.freeLocked(newHead)
}

// freeUnreferencedSegmentsLocked walks FREEABLE_PENDING_REFERENCES and
// frees every segment whose cleaned epoch has fallen behind the
// earliest outstanding epoch.
func (m *SegmentManager) freeUnreferencedSegmentsLocked() {
	if m.listLen(StateFreeablePendingReferences) == 0 {
		return
	}

	earliest := m.epochs.EarliestOutstandingEpoch()

	list := m.listFor(StateFreeablePendingReferences)
	for slot := list.head; slot != -1; {
		s := m.segments[slot]
		next := s.next
		if s.CleanedEpoch < earliest {
			m.freeLocked(s)
		}
		slot = next
	}
}

func (k allocationType) String() string {
	switch k {
	case allocHead:
		return "head"
	case allocEmergencyHead:
		return "emergency_head"
	case allocSurvivor:
		return "survivor"
	default:
		return "unknown"
	}
}
