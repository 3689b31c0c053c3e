package segmgr

// State is the lifecycle stage of a live segment. Exactly eight states
// exist; a segment occupies exactly one state list at any time.
type State int

const (
	StateHead State = iota
	StateNewlyCleanable
	StateCleanable
	StateCleaningInto
	StateCleanablePendingDigest
	StateFreeablePendingDigestAndReferences
	StateFreeablePendingReferences
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateHead:
		return "HEAD"
	case StateNewlyCleanable:
		return "NEWLY_CLEANABLE"
	case StateCleanable:
		return "CLEANABLE"
	case StateCleaningInto:
		return "CLEANING_INTO"
	case StateCleanablePendingDigest:
		return "CLEANABLE_PENDING_DIGEST"
	case StateFreeablePendingDigestAndReferences:
		return "FREEABLE_PENDING_DIGEST_AND_REFERENCES"
	case StateFreeablePendingReferences:
		return "FREEABLE_PENDING_REFERENCES"
	case StateFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

// numStates is the number of live-segment states; StateFreed is terminal
// and never has a list of its own (a freed segment's slot is already back
// on the free-slot stack).
const numStates = int(StateFreed)

// reserveKind records which reserve (emergency or survivor), if any, a segment's
// allocation consumed. free() decrements exactly the reserve a segment
// was tagged with at allocation time, rather than inferring it from
// isEmergencyHead plus a zero-check.
type reserveKind int

const (
	reserveNone reserveKind = iota
	reserveEmergency
	reserveSurvivor
)

// allocationType is the kind of allocation requested of alloc().
type allocationType int

const (
	allocHead allocationType = iota
	allocEmergencyHead
	allocSurvivor
)

// InvalidSegmentID marks the absence of a "head segment during cleaning"
// stamp on a segment header, i.e. this segment is itself a head.
const InvalidSegmentID uint64 = ^uint64(0)

// Entry type tags used when appending framed records into a segment's
// buffer. These are the only two record kinds the segment manager itself
// ever writes; all other log entries are the concern of the log layer.
type EntryType uint8

const (
	EntrySegHeader EntryType = iota + 1
	EntryLogDigest
)

// SegmentHeader is the fixed-layout record stamped as the first entry of
// every segment.
type SegmentHeader struct {
	LogID                      uint64
	SegmentID                  uint64
	SegmentSize                uint32
	HeadSegmentIDDuringCleaning uint64
}

// Segment is an in-memory log segment under the exclusive ownership of a
// SegmentManager. External callers only ever see borrowed references to
// values of this type; the manager alone mutates them.
type Segment struct {
	ID              uint64
	Slot            uint32
	IsEmergencyHead bool

	Buffer     AppendBuffer
	Replicated ReplicatedSegment

	// CleanedEpoch is only meaningful once the segment has been cleaned,
	// i.e. once it has transitioned to FREEABLE_PENDING_DIGEST_AND_REFERENCES
	// or later.
	CleanedEpoch uint64

	// SegletsAllocated is fixed at allocation time. Every allocation takes
	// one whole segment-sized buffer from the allocator, so it is always 1:
	// it counts segment-sized units, not seglets. Used only to validate
	// that cleaning never enlarges the log (cleaningComplete checks
	// segletsUsed <= segletsFreed).
	SegletsAllocated uint32

	reserve reserveKind

	// intrusive list links, keyed by slot index; -1 means "no link".
	prev int32
	next int32
}

// GetAppendedLength reports the number of bytes appended to the segment
// so far, delegating to the opaque append buffer.
func (s *Segment) GetAppendedLength() uint32 {
	return s.Buffer.GetAppendedLength()
}
