package replication

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/segmentmanager/pkg/cluster/transport"
	"github.com/downfa11-org/segmentmanager/pkg/config"
	"github.com/downfa11-org/segmentmanager/pkg/metrics"
	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
	"github.com/downfa11-org/segmentmanager/util"
	"github.com/hashicorp/raft"
)

type RaftInterface interface {
	Apply([]byte, time.Duration) raft.ApplyFuture
	AddVoter(raft.ServerID, raft.ServerAddress, uint64, time.Duration) raft.IndexFuture
	RemoveServer(raft.ServerID, uint64, time.Duration) raft.IndexFuture
	Leader() raft.ServerAddress
	State() raft.RaftState
	GetConfiguration() raft.ConfigurationFuture
	BootstrapCluster(raft.Configuration) raft.Future
	Shutdown() raft.Future
}

// readerAt is satisfied by an AppendBuffer that can also serve its bytes
// back out, such as backingstore's fileBuffer. A buffer that doesn't
// implement it still gets its open/close events committed to raft; it
// just skips shipping bytes to the transport-level backups.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Manager is a raft-backed segmgr.ReplicaManager: it commits segment
// open/close events through raft consensus so every cluster member
// agrees on which segments exist, then ships the segment's actual bytes
// to backups over a direct TCP transport once that commit lands. It
// deliberately does not replicate segment payloads through raft itself.
// Raft's log is for small, ordered metadata events, not multi-megabyte
// segment contents.
type Manager struct {
	raft      RaftInterface
	fsm       *SegmentFSM
	transport *transport.Transport

	nodeID    string
	localAddr string
	peers     map[string]string
	mu        sync.RWMutex

	isLeader atomic.Bool
	leaderCh chan bool
}

func NewManager(cfg *config.Config, nodeID string) (*Manager, error) {
	segmentFSM := NewSegmentFSM()

	localAddr := fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.RaftPort)
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)
	raftCfg.ProtocolVersion = raft.ProtocolVersionMax
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 1500 * time.Millisecond
	raftCfg.CommitTimeout = 100 * time.Millisecond
	raftCfg.LogLevel = "Debug"

	notifyCh := make(chan bool, 10)
	raftCfg.NotifyCh = notifyCh

	if len(cfg.StaticClusterMembers) >= 3 {
		raftCfg.PreVoteDisabled = true
	}

	if err := os.MkdirAll(cfg.RaftDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("replication: create raft data dir %s: %w", cfg.RaftDataDir, err)
	}

	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()

	snapshots, err := raft.NewFileSnapshotStore(cfg.RaftDataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create snapshot store: %w", err)
	}

	advertiseAddr, err := net.ResolveTCPAddr("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("replication: resolve advertised address %s: %w", localAddr, err)
	}

	bindAddr := fmt.Sprintf("0.0.0.0:%d", cfg.RaftPort)
	raftTransport, err := raft.NewTCPTransport(bindAddr, advertiseAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replication: create raft transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, segmentFSM, logStore, stableStore, snapshots, raftTransport)
	if err != nil {
		return nil, fmt.Errorf("replication: create raft: %w", err)
	}

	if cfg.BootstrapCluster {
		if err := bootstrapStatic(r, cfg.StaticClusterMembers); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		raft:      r,
		fsm:       segmentFSM,
		transport: transport.NewTransport(5 * time.Second),
		nodeID:    nodeID,
		localAddr: localAddr,
		peers:     make(map[string]string),
		leaderCh:  make(chan bool, 10),
	}

	go m.observeLeadership(notifyCh)

	util.Info("replication: node %s listening on %s", nodeID, localAddr)
	return m, nil
}

func bootstrapStatic(r *raft.Raft, members []string) error {
	confFuture := r.GetConfiguration()
	if confFuture.Error() != nil {
		return confFuture.Error()
	}
	if len(confFuture.Configuration().Servers) > 0 {
		return nil
	}

	var servers []raft.Server
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		var id, addr string
		if strings.Contains(member, "@") {
			parts := strings.SplitN(member, "@", 2)
			id, addr = parts[0], parts[1]
		} else {
			addr = member
			id = strings.Split(addr, ":")[0]
		}
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(id),
			Address:  raft.ServerAddress(addr),
			Suffrage: raft.Voter,
		})
	}
	if len(servers) == 0 {
		return fmt.Errorf("replication: no valid servers in static_cluster_members")
	}

	util.Info("replication: bootstrapping static raft cluster with %d members", len(servers))
	future := r.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

func (m *Manager) observeLeadership(notifyCh <-chan bool) {
	for isLeader := range notifyCh {
		m.isLeader.Store(isLeader)
		metrics.ReplicationLeaderElectionsTotal.Inc()
		metrics.ReplicationNodeHealth.Set(1)
		select {
		case m.leaderCh <- isLeader:
		default:
			util.Warn("replication: leadership notification dropped, channel full")
		}
	}
}

func (m *Manager) IsLeader() bool           { return m.isLeader.Load() }
func (m *Manager) LeaderCh() <-chan bool    { return m.leaderCh }
func (m *Manager) GetLeaderAddress() string { return string(m.raft.Leader()) }
func (m *Manager) OpenSegmentIDs() []uint64 { return m.fsm.OpenSegmentIDs() }

func (m *Manager) AddVoter(id, addr string) error {
	future := m.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return err
	}
	m.mu.Lock()
	m.peers[id] = addr
	m.mu.Unlock()
	return nil
}

// AllocateHead commits an open_head event for the new head segment and
// returns its handle, leaving the previous head's teardown to the
// caller's own Close/Sync ordering. It implements the
// segmgr.ReplicaManager method, but it sends no segment bytes to
// backups: the header and digest reach backups only on the handle's
// first Sync call, and Sync logs a failed send to a backup instead of
// returning an error.
func (m *Manager) AllocateHead(segmentID uint64, buf segmgr.AppendBuffer, prevHead segmgr.ReplicatedSegment) (segmgr.ReplicatedSegment, error) {
	if err := m.commit(event{Kind: "open_head", SegmentID: segmentID}); err != nil {
		return nil, fmt.Errorf("replication: commit open_head for segment %d: %w", segmentID, err)
	}
	return m.newReplicatedSegment(segmentID, buf), nil
}

// AllocateNonHead commits an open_survivor event for a segment allocated
// outside the head-rotation path (a cleaner survivor segment).
func (m *Manager) AllocateNonHead(segmentID uint64, buf segmgr.AppendBuffer) (segmgr.ReplicatedSegment, error) {
	if err := m.commit(event{Kind: "open_survivor", SegmentID: segmentID}); err != nil {
		return nil, fmt.Errorf("replication: commit open_survivor for segment %d: %w", segmentID, err)
	}
	return m.newReplicatedSegment(segmentID, buf), nil
}

func (m *Manager) commit(e event) error {
	data, err := json.Marshal(e)
	if err != nil {
		metrics.ReplicationCommitOperations.WithLabelValues(e.Kind, "failure").Inc()
		return fmt.Errorf("replication: marshal event: %w", err)
	}
	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		metrics.ReplicationCommitOperations.WithLabelValues(e.Kind, "failure").Inc()
		return err
	}
	metrics.ReplicationCommitOperations.WithLabelValues(e.Kind, "success").Inc()
	return nil
}

func (m *Manager) newReplicatedSegment(segmentID uint64, buf segmgr.AppendBuffer) *replicatedSegment {
	var reader readerAt
	if r, ok := buf.(readerAt); ok {
		reader = r
	}
	m.mu.RLock()
	backups := make([]string, 0, len(m.peers))
	for _, addr := range m.peers {
		backups = append(backups, addr)
	}
	m.mu.RUnlock()

	return &replicatedSegment{
		manager:   m,
		segmentID: segmentID,
		reader:    reader,
		backups:   backups,
	}
}

func (m *Manager) Shutdown() error {
	if m.raft == nil {
		return nil
	}
	return m.raft.Shutdown().Error()
}

// replicatedSegment is the per-segment handle a segment manager holds
// while a segment is open. Sync ships newly-appended bytes to every
// known backup over the direct transport; Close commits the segment's
// retirement to raft so the cluster stops considering it open.
type replicatedSegment struct {
	manager   *Manager
	segmentID uint64
	reader    readerAt
	backups   []string

	mu     sync.Mutex
	synced uint32
}

func (rs *replicatedSegment) Sync(length uint32) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if length <= rs.synced || rs.reader == nil || len(rs.backups) == 0 {
		rs.synced = length
		return nil
	}

	span := length - rs.synced
	chunk := make([]byte, span)
	if _, err := rs.reader.ReadAt(chunk, int64(rs.synced)); err != nil {
		return fmt.Errorf("replication: read segment %d bytes [%d,%d): %w", rs.segmentID, rs.synced, length, err)
	}

	command := fmt.Sprintf("SYNC %d %d %s", rs.segmentID, rs.synced, string(chunk))
	for _, addr := range rs.backups {
		if _, err := rs.manager.transport.SendRequest(addr, command); err != nil {
			util.Warn("replication: sync of segment %d to backup %s failed: %v", rs.segmentID, addr, err)
		}
	}

	rs.synced = length
	return nil
}

func (rs *replicatedSegment) Close() error {
	return rs.manager.commit(event{Kind: "close", SegmentID: rs.segmentID})
}
