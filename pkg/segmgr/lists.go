package segmgr

// stateList is an intrusive, slot-indexed doubly-linked list. Rather than
// heap-allocated list nodes, membership is tracked via the prev/next
// fields embedded directly in each Segment, keyed by its slot. This keeps
// every list transition O(1) and allocation-free, matching the zero-copy
// discipline the log itself requires.
type stateList struct {
	head int32 // slot index, or -1 if empty
	tail int32
	size int
}

func newStateList() stateList {
	return stateList{head: -1, tail: -1}
}

func (m *SegmentManager) listFor(state State) *stateList {
	return &m.lists[int(state)]
}

// addToLists places s onto allSegments and the list for its current state.
// Precondition: m.states[s.Slot] already holds s's state, and s is not
// presently linked into any list.
func (m *SegmentManager) addToLists(s *Segment) {
	s.prev = -1
	s.next = -1

	list := m.listFor(m.states[s.Slot])
	if list.tail == -1 {
		list.head = int32(s.Slot)
		list.tail = int32(s.Slot)
	} else {
		tail := m.segments[list.tail]
		tail.next = int32(s.Slot)
		s.prev = list.tail
		list.tail = int32(s.Slot)
	}
	list.size++

	m.allSegments[s.Slot] = true
	m.allSegmentsCount++
}

// removeFromLists unlinks s from whichever list it currently occupies.
func (m *SegmentManager) removeFromLists(s *Segment) {
	list := m.listFor(m.states[s.Slot])

	if s.prev != -1 {
		m.segments[s.prev].next = s.next
	} else {
		list.head = s.next
	}
	if s.next != -1 {
		m.segments[s.next].prev = s.prev
	} else {
		list.tail = s.prev
	}
	list.size--
	s.prev, s.next = -1, -1

	m.allSegments[s.Slot] = false
	m.allSegmentsCount--
}

// changeState moves s from its current list to the list for newState.
func (m *SegmentManager) changeState(s *Segment, newState State) {
	m.removeFromLists(s)
	m.states[s.Slot] = newState
	m.addToLists(s)
}

// forEach walks the list for the given state front-to-back, calling fn on
// each segment. fn must not mutate list membership of the state being
// walked; callers that need to drain a list (moving every member
// elsewhere) should use drainInto instead.
func (m *SegmentManager) forEach(state State, fn func(*Segment)) {
	list := m.listFor(state)
	for slot := list.head; slot != -1; {
		s := m.segments[slot]
		next := s.next
		fn(s)
		slot = next
	}
}

// drainInto repeatedly pops the front of the list for `from` and calls fn,
// which is expected to transition the segment out of `from` (typically
// via changeState). Safe against the mutation that changeState performs.
func (m *SegmentManager) drainInto(from State, fn func(*Segment)) {
	list := m.listFor(from)
	for list.head != -1 {
		s := m.segments[list.head]
		fn(s)
	}
}

func (m *SegmentManager) listLen(state State) int {
	return m.listFor(state).size
}
