package segmgr_test

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
)

// fakeBuffer is an in-memory stand-in for the log layer's append buffer.
type fakeBuffer struct {
	mu       sync.Mutex
	data     [][]byte
	length   uint32
	disabled bool
	// failAppend, if set, makes every future Append call fail. Used to
	// exercise the fatal header/digest append paths.
	failAppend bool
}

func (b *fakeBuffer) Append(_ segmgr.EntryType, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled || b.failAppend {
		return false
	}
	b.data = append(b.data, payload)
	b.length += uint32(len(payload))
	return true
}

func (b *fakeBuffer) GetAppendedLength() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

func (b *fakeBuffer) DisableAppends() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disabled = true
}

// fakeAllocator is a fixed-pool seglet allocator double. free starts at
// the configured count and is decremented as buffers are handed out; it
// is never incremented, because fakeBuffer does not implement Release,
// so freeing a segment in SegmentManager returns nothing to this pool.
type fakeAllocator struct {
	free        int64
	segletSize  uint32
	segmentSize uint32
	totalBytes  uint64
	registered  bool
	// failNextBuffer, if set, makes the next buffer NewBuffer hands out
	// fail every Append call. Used to exercise the fatal header/digest
	// append paths in AllocHead/AllocSurvivor without failing the
	// allocation itself.
	failNextBuffer bool
}

func newFakeAllocator(free int) *fakeAllocator {
	return &fakeAllocator{
		free:        int64(free),
		segletSize:  1024,
		segmentSize: 8192,
		totalBytes:  uint64(free) * 8192,
	}
}

func (a *fakeAllocator) FreeSegmentCount() uint32 {
	n := atomic.LoadInt64(&a.free)
	if n < 0 {
		return 0
	}
	return uint32(n)
}
func (a *fakeAllocator) SegletSize() uint32  { return a.segletSize }
func (a *fakeAllocator) SegmentSize() uint32 { return a.segmentSize }
func (a *fakeAllocator) TotalBytes() uint64  { return a.totalBytes }
func (a *fakeAllocator) BaseAddress() uintptr { return 0x1000 }

func (a *fakeAllocator) RegisterMemory(uintptr, uint64) { a.registered = true }

func (a *fakeAllocator) NewBuffer() (segmgr.AppendBuffer, bool) {
	for {
		cur := atomic.LoadInt64(&a.free)
		if cur <= 0 {
			return nil, false
		}
		if atomic.CompareAndSwapInt64(&a.free, cur, cur-1) {
			buf := &fakeBuffer{failAppend: a.failNextBuffer}
			a.failNextBuffer = false
			return buf, true
		}
	}
}

// fakeReplicatedSegment tracks close/sync calls for assertions.
type fakeReplicatedSegment struct {
	id     uint64
	closed bool
	synced uint32
}

func (r *fakeReplicatedSegment) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReplicatedSegment) Sync(uptoLength uint32) error {
	r.synced = uptoLength
	return nil
}

// fakeReplicaManager is a thread-safe in-memory replica manager double.
type fakeReplicaManager struct {
	mu           sync.Mutex
	failAllocate bool
	heads        []uint64
	nonHeads     []uint64
}

func (r *fakeReplicaManager) AllocateHead(segmentID uint64, _ segmgr.AppendBuffer, _ segmgr.ReplicatedSegment) (segmgr.ReplicatedSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAllocate {
		return nil, fmt.Errorf("simulated replica failure")
	}
	r.heads = append(r.heads, segmentID)
	return &fakeReplicatedSegment{id: segmentID}, nil
}

func (r *fakeReplicaManager) AllocateNonHead(segmentID uint64, _ segmgr.AppendBuffer) (segmgr.ReplicatedSegment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAllocate {
		return nil, fmt.Errorf("simulated replica failure")
	}
	r.nonHeads = append(r.nonHeads, segmentID)
	return &fakeReplicatedSegment{id: segmentID}, nil
}

// fakeEpochSource is a simple monotonic counter double.
type fakeEpochSource struct {
	current  uint64
	earliest uint64
}

func (e *fakeEpochSource) IncrementCurrentEpoch() uint64 {
	e.current++
	return e.current
}

func (e *fakeEpochSource) EarliestOutstandingEpoch() uint64 {
	return e.earliest
}

func newManager(t interface {
	Fatalf(format string, args ...any)
}, free int) (*segmgr.SegmentManager, *fakeAllocator, *fakeReplicaManager, *fakeEpochSource) {
	alloc := newFakeAllocator(free)
	repl := &fakeReplicaManager{}
	epochs := &fakeEpochSource{}

	m, err := segmgr.New(segmgr.Config{
		LogID:               1,
		Allocator:           alloc,
		Replicas:            repl,
		Epochs:              epochs,
		DiskExpansionFactor: 1.0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, alloc, repl, epochs
}
