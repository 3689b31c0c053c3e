package backingstore

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
	"github.com/downfa11-org/segmentmanager/util"
)

// fileBuffer is the append buffer backing one arena window. Appends are
// framed as a 4-byte big-endian length prefix, a 1-byte entry type, then
// the payload, written with WriteAt so concurrent buffers over distinct
// windows never contend on a shared file offset.
type fileBuffer struct {
	mu sync.Mutex

	file   writerAt
	reader *mmap.ReaderAt
	base   int64
	size   uint32

	arena  *Arena
	window uint32

	length   uint32
	disabled atomic.Bool
	released atomic.Bool
}

type writerAt interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

const frameHeaderSize = 5 // 4-byte length + 1-byte entry type

func (b *fileBuffer) Append(entryType segmgr.EntryType, payload []byte) bool {
	if b.disabled.Load() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	frame[4] = byte(entryType)
	copy(frame[frameHeaderSize:], payload)

	if b.length+uint32(len(frame)) > b.size {
		util.Warn("backingstore: append of %d bytes would overflow segment window (used %d/%d)", len(frame), b.length, b.size)
		return false
	}

	if _, err := b.file.WriteAt(frame, b.base+int64(b.length)); err != nil {
		util.Error("backingstore: append failed: %v", err)
		return false
	}
	if err := b.file.Sync(); err != nil {
		util.Error("backingstore: sync after append failed: %v", err)
		return false
	}

	b.length += uint32(len(frame))
	return true
}

func (b *fileBuffer) GetAppendedLength() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

func (b *fileBuffer) DisableAppends() {
	b.disabled.Store(true)
}

// ReadAt exposes the buffer's bytes through the arena's memory mapping,
// for a replica manager that needs to ship appended bytes to backups
// without going through the write-side file handle.
func (b *fileBuffer) ReadAt(p []byte, off int64) (int, error) {
	return b.reader.ReadAt(p, b.base+off)
}

// Release returns this buffer's window to the owning arena's free
// stack. Guarded by released so a segment manager bug that frees the
// same segment twice can't double-push the window onto the free stack
// and hand the same physical window out to two live segments at once.
func (b *fileBuffer) Release() {
	if b.arena == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.arena.release(b.window)
}
