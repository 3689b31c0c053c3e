package segmgr

// LogIteratorCreated increments the iterator count under the lock,
// suspending the destructive transitions writeDigest would otherwise
// perform.
func (m *SegmentManager) LogIteratorCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logIteratorCount++
	segIteratorCount.Set(float64(m.logIteratorCount))
}

// LogIteratorDestroyed is LogIteratorCreated's counterpart.
func (m *SegmentManager) LogIteratorDestroyed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logIteratorCount--
	segIteratorCount.Set(float64(m.logIteratorCount))
}

// LogIteratorCount reports the current number of outstanding iterators.
// Exposed so a call site can impose its own iteration deadline, which
// this component deliberately does not enforce itself.
func (m *SegmentManager) LogIteratorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logIteratorCount
}

// GetActiveSegments returns the sanctioned walk over segments an
// iterator may observe. It refuses to run outside of iteration. Only
// segments with ID >= minID are appended to out. Order is unspecified,
// and successive calls can return the same segment again, so callers
// must tolerate duplicates across calls.
func (m *SegmentManager) GetActiveSegments(minID uint64, out *[]*Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logIteratorCount == 0 {
		return ErrNotIterating
	}

	activeStates := [...]State{
		StateNewlyCleanable,
		StateCleanable,
		StateFreeablePendingDigestAndReferences,
	}

	for _, state := range activeStates {
		m.forEach(state, func(s *Segment) {
			if s.ID >= minID {
				*out = append(*out, s)
			}
		})
	}

	if head := m.headSegmentLocked(); head != nil && head.ID >= minID {
		*out = append(*out, head)
	}

	return nil
}
