package main

import (
	"fmt"
	"log"

	"github.com/downfa11-org/segmentmanager/pkg/backingstore"
	"github.com/downfa11-org/segmentmanager/pkg/config"
	"github.com/downfa11-org/segmentmanager/pkg/epoch"
	"github.com/downfa11-org/segmentmanager/pkg/metrics"
	"github.com/downfa11-org/segmentmanager/pkg/replication"
	"github.com/downfa11-org/segmentmanager/pkg/segmgr"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	fmt.Printf("🚀 Starting segmentmanagerd (log %d) arena=%s segments=%d\n", cfg.LogID, cfg.ArenaPath, cfg.NumSegments)
	fmt.Printf("📊 Exporter: %v | Raft: %s\n", cfg.EnableExporter, fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.RaftPort))

	arena, err := backingstore.OpenArena(cfg.ArenaPath, cfg.NumSegments, uint32(cfg.SegmentSize), uint32(cfg.SegletSize))
	if err != nil {
		log.Fatalf("❌ Failed to open backing arena: %v", err)
	}
	defer arena.Close()

	nodeID := uuid.NewString()
	replicas, err := replication.NewManager(cfg, nodeID)
	if err != nil {
		log.Fatalf("❌ Failed to start raft digest mirror: %v", err)
	}
	defer replicas.Shutdown()

	epochs := epoch.NewTracker()

	mgr, err := segmgr.New(segmgr.Config{
		LogID:               cfg.LogID,
		Allocator:           arena,
		Replicas:            replicas,
		Epochs:              epochs,
		DiskExpansionFactor: cfg.DiskExpansionFactor,
	})
	if err != nil {
		log.Fatalf("❌ Failed to construct segment manager: %v", err)
	}

	if cfg.InitialSurvivorReserve > 0 {
		if !mgr.IncreaseSurvivorReserve(uint32(cfg.InitialSurvivorReserve)) {
			log.Printf("⚠️ Could not satisfy initial survivor reserve of %d", cfg.InitialSurvivorReserve)
		}
	}

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	if _, err := mgr.AllocHead(true); err != nil {
		log.Fatalf("❌ Failed to allocate first head segment: %v", err)
	}

	select {}
}
