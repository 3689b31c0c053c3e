package segmgr

import (
	"bytes"
	"encoding/binary"
)

// encodeSegmentHeader lays out a SegmentHeader in the fixed binary format
// persisted as entry type SEGHEADER: logId, segmentId, segmentSize,
// headSegmentIdDuringCleaning, each a big-endian fixed-width field.
func encodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, 8+8+4+8)
	binary.BigEndian.PutUint64(buf[0:8], h.LogID)
	binary.BigEndian.PutUint64(buf[8:16], h.SegmentID)
	binary.BigEndian.PutUint32(buf[16:20], h.SegmentSize)
	binary.BigEndian.PutUint64(buf[20:28], h.HeadSegmentIDDuringCleaning)
	return buf
}

// encodeLogDigest lays out a LOGDIGEST entry as a sequence of big-endian
// 64-bit segment identifiers.
func encodeLogDigest(ids []uint64) []byte {
	var buf bytes.Buffer
	buf.Grow(8 * len(ids))
	var tmp [8]byte
	for _, id := range ids {
		binary.BigEndian.PutUint64(tmp[:], id)
		buf.Write(tmp[:])
	}
	return buf.Bytes()
}

// writeHeaderLocked writes the segment header entry. Failure is fatal:
// a fresh, empty segment must always be able to fit its own header.
func (m *SegmentManager) writeHeaderLocked(s *Segment, headSegmentIDDuringCleaning uint64) error {
	header := SegmentHeader{
		LogID:                       m.logID,
		SegmentID:                   s.ID,
		SegmentSize:                 m.segmentSize,
		HeadSegmentIDDuringCleaning: headSegmentIDDuringCleaning,
	}
	if !s.Buffer.Append(EntrySegHeader, encodeSegmentHeader(header)) {
		return ErrHeaderAppend
	}
	return nil
}

// writeDigestLocked writes a new log digest during head rotation. While
// logIteratorCount > 0, segments are not moved out of
// CLEANABLE_PENDING_DIGEST or FREEABLE_PENDING_DIGEST_AND_REFERENCES, and
// the latter's identifiers are still included in the digest so the log
// membership an iterator observes cannot shrink mid-iteration.
func (m *SegmentManager) writeDigestLocked(newHead *Segment, prevHead *Segment) error {
	var ids []uint64

	iterating := m.logIteratorCount > 0

	if !iterating {
		m.drainInto(StateCleanablePendingDigest, func(s *Segment) {
			m.changeState(s, StateNewlyCleanable)
		})
	}

	m.forEach(StateCleanable, func(s *Segment) { ids = append(ids, s.ID) })
	m.forEach(StateNewlyCleanable, func(s *Segment) { ids = append(ids, s.ID) })

	if prevHead != nil {
		ids = append(ids, prevHead.ID)
	}
	ids = append(ids, newHead.ID)

	if !iterating {
		m.drainInto(StateFreeablePendingDigestAndReferences, func(s *Segment) {
			m.changeState(s, StateFreeablePendingReferences)
		})
	} else {
		m.forEach(StateFreeablePendingDigestAndReferences, func(s *Segment) {
			ids = append(ids, s.ID)
		})
	}

	if !newHead.Buffer.Append(EntryLogDigest, encodeLogDigest(ids)) {
		return ErrDigestAppend
	}

	segDigestSize.Observe(float64(len(ids)))

	return nil
}
