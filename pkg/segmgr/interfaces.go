package segmgr

// AppendBuffer is the opaque, fixed-size append buffer backing a segment.
// It is supplied by the log layer (external to this component); the
// segment manager only ever appends framed header/digest records to it
// and queries its length.
type AppendBuffer interface {
	Append(entryType EntryType, payload []byte) bool
	GetAppendedLength() uint32
	DisableAppends()
}

// SegletAllocator is the external fixed-pool allocator of raw segment
// memory. A segment occupies one or more seglets; the segment manager
// never allocates seglets directly. It asks the allocator for
// counts/sizes, for one buffer per segment through NewBuffer and, on
// construction, passes the allocator's base memory region to
// RegisterMemory.
type SegletAllocator interface {
	FreeSegmentCount() uint32
	SegletSize() uint32
	SegmentSize() uint32
	TotalBytes() uint64
	BaseAddress() uintptr

	// NewBuffer reserves enough seglets for one full segment and returns
	// an append buffer backed by them, or ok=false if memory is exhausted.
	NewBuffer() (buf AppendBuffer, ok bool)

	// RegisterMemory performs the one-time hand-off of the allocator's
	// base memory region to the transport layer.
	RegisterMemory(base uintptr, total uint64)
}

// releasableBuffer is an optional extension an AppendBuffer
// implementation can satisfy to reclaim its physical backing storage
// once freeLocked has confirmed the segment is truly gone. The segment
// manager checks for it with a type assertion rather than adding
// Release to the AppendBuffer contract, since not every allocator backs
// its buffers with reclaimable physical storage (the in-memory test
// doubles have nothing to release).
type releasableBuffer interface {
	Release()
}

// ReplicatedSegment is the handle returned by the ReplicaManager for a
// segment that has been (or is being) replicated to backups.
type ReplicatedSegment interface {
	Close() error
	Sync(uptoLength uint32) error
}

// ReplicaManager durably replicates segments to backups. AllocateHead is
// synchronous: it does not return until the header and digest have been
// replicated to the required replication factor.
type ReplicaManager interface {
	AllocateHead(segmentID uint64, buf AppendBuffer, previous ReplicatedSegment) (ReplicatedSegment, error)
	AllocateNonHead(segmentID uint64, buf AppendBuffer) (ReplicatedSegment, error)
}

// EpochSource is the lock-free, monotonic RPC epoch counter used for
// epoch-based reclamation. IncrementCurrentEpoch returns the new epoch;
// callers stamp cleanedEpoch with new-1.
type EpochSource interface {
	IncrementCurrentEpoch() uint64
	EarliestOutstandingEpoch() uint64
}
