package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// event is the raft log payload for a segment lifecycle transition. It
// carries just enough for a follower to reconstruct which segment ids
// the cluster has agreed are open or closed, mirroring the leader's
// segment manager bookkeeping without replicating segment bytes through
// raft itself (those travel over the direct backup transport instead).
type event struct {
	Kind      string `json:"kind"` // "open_head", "open_survivor", "close"
	SegmentID uint64 `json:"segment_id"`
}

// SegmentFSM is the raft finite-state machine backing the digest mirror:
// it tracks which segment ids the cluster has committed as open, so a
// newly-elected leader or a lagging follower can answer "what segments
// exist" without re-deriving it from local disk state.
type SegmentFSM struct {
	mu   sync.RWMutex
	open map[uint64]bool
}

func NewSegmentFSM() *SegmentFSM {
	return &SegmentFSM{open: make(map[uint64]bool)}
}

func (f *SegmentFSM) Apply(log *raft.Log) interface{} {
	var e event
	if err := json.Unmarshal(log.Data, &e); err != nil {
		return fmt.Errorf("segmentfsm: bad log entry at index %d: %w", log.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch e.Kind {
	case "open_head", "open_survivor":
		f.open[e.SegmentID] = true
	case "close":
		delete(f.open, e.SegmentID)
	default:
		return fmt.Errorf("segmentfsm: unknown event kind %q", e.Kind)
	}
	return nil
}

func (f *SegmentFSM) OpenSegmentIDs() []uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]uint64, 0, len(f.open))
	for id := range f.open {
		ids = append(ids, id)
	}
	return ids
}

func (f *SegmentFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snapshot := make(map[uint64]bool, len(f.open))
	for id := range f.open {
		snapshot[id] = true
	}
	return &fsmSnapshot{open: snapshot}, nil
}

func (f *SegmentFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var open map[uint64]bool
	if err := json.NewDecoder(rc).Decode(&open); err != nil {
		return fmt.Errorf("segmentfsm: restore: %w", err)
	}
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	open map[uint64]bool
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s.open)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
