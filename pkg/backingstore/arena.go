// Package backingstore provides a file-backed SegletAllocator: seglets
// are fixed-size windows carved out of a single preallocated arena file,
// read back through a memory mapping and written through a regular file
// handle so durability does not depend on the mapping staying valid.
package backingstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
	"github.com/downfa11-org/segmentmanager/util"
	"golang.org/x/exp/mmap"
)

// Arena is a concrete segmgr.SegletAllocator backed by one preallocated
// file, divided into fixed-size segment-sized windows. It never grows;
// GetMaximumSegmentCount at the segment manager level is derived from
// FreeSegmentCount() at construction time.
type Arena struct {
	mu sync.Mutex

	path        string
	file        *os.File
	reader      *mmap.ReaderAt
	segmentSize uint32
	segletSize  uint32
	numSegments uint32

	free []uint32 // stack of free window indices

	registeredBase  uintptr
	registeredTotal uint64
}

// OpenArena creates or reopens the arena file at path, sized to hold
// numSegments windows of segmentSize bytes apiece. segletSize is
// reported to callers as an accounting unit only. This allocator hands
// out whole segment-sized windows regardless of how a caller chooses to
// subdivide it into seglets.
func OpenArena(path string, numSegments int, segmentSize, segletSize uint32) (*Arena, error) {
	total := int64(numSegments) * int64(segmentSize)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backingstore: open arena %s: %w", path, err)
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() < total {
		if err := f.Truncate(total); err != nil {
			f.Close()
			return nil, fmt.Errorf("backingstore: truncate arena %s: %w", path, err)
		}
	}

	reader, err := mmap.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backingstore: mmap arena %s: %w", path, err)
	}

	a := &Arena{
		path:        path,
		file:        f,
		reader:      reader,
		segmentSize: segmentSize,
		segletSize:  segletSize,
		numSegments: uint32(numSegments),
		free:        make([]uint32, 0, numSegments),
	}
	for i := numSegments - 1; i >= 0; i-- {
		a.free = append(a.free, uint32(i))
	}

	util.Info("backingstore: arena %s opened, %d windows of %d bytes", path, numSegments, segmentSize)
	return a, nil
}

func (a *Arena) FreeSegmentCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(len(a.free))
}

func (a *Arena) SegletSize() uint32  { return a.segletSize }
func (a *Arena) SegmentSize() uint32 { return a.segmentSize }

func (a *Arena) TotalBytes() uint64 {
	return uint64(a.numSegments) * uint64(a.segmentSize)
}

// BaseAddress always returns 0. golang.org/x/exp/mmap does not expose
// the mapping's raw pointer, so this allocator treats registration as a
// bookkeeping event rather than a real pointer hand-off: RegisterMemory
// only records the values it is given and never dereferences them.
func (a *Arena) BaseAddress() uintptr { return 0 }

func (a *Arena) RegisterMemory(base uintptr, total uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registeredBase = base
	a.registeredTotal = total
	util.Debug("backingstore: registered arena memory base=%#x total=%d", base, total)
}

// NewBuffer reserves one window and returns an append buffer over it.
func (a *Arena) NewBuffer() (segmgr.AppendBuffer, bool) {
	a.mu.Lock()
	if len(a.free) == 0 {
		a.mu.Unlock()
		return nil, false
	}
	window := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.mu.Unlock()

	return &fileBuffer{
		file:   a.file,
		reader: a.reader,
		base:   int64(window) * int64(a.segmentSize),
		size:   a.segmentSize,
		arena:  a,
		window: window,
	}, true
}

// release returns a window to the free stack. Not part of the
// SegletAllocator interface; the segment manager only reaches it
// indirectly, through fileBuffer.Release, once freeLocked has confirmed
// a segment is truly unreferenced and type-asserts its buffer against
// the optional releasable interface.
func (a *Arena) release(window uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, window)
}

func (a *Arena) Close() error {
	a.reader.Close()
	return a.file.Close()
}
