package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/segmentmanager/util"
)

// Normalize fills in defaults for anything a config file or flag left
// unset or set to a nonsensical value. It logs a warning when it corrects
// num_segments, segment_size, seglet_size or bootstrap_cluster; the other
// fields are corrected without a warning.
func (cfg *Config) Normalize() {
	if cfg.NumSegments <= 1 {
		util.Warn("invalid num_segments (%d), defaulting to 256", cfg.NumSegments)
		cfg.NumSegments = 256
	}
	if cfg.SegmentSize <= 0 {
		util.Warn("invalid segment_size (%d), defaulting to 8MB", cfg.SegmentSize)
		cfg.SegmentSize = 8 << 20
	}
	if cfg.SegletSize <= 0 || cfg.SegletSize > cfg.SegmentSize {
		util.Warn("invalid seglet_size (%d), defaulting to 64KB", cfg.SegletSize)
		cfg.SegletSize = 64 << 10
	}
	if cfg.DiskExpansionFactor <= 0 {
		cfg.DiskExpansionFactor = 1.0
	}
	if cfg.InitialSurvivorReserve < 0 {
		cfg.InitialSurvivorReserve = 0
	}

	if strings.TrimSpace(cfg.ArenaPath) == "" {
		cfg.ArenaPath = "segmentmanager.arena"
	}
	if strings.TrimSpace(cfg.RaftDataDir) == "" {
		cfg.RaftDataDir = "segmentmanager-raft"
	}
	if cfg.RaftPort <= 0 {
		cfg.RaftPort = 9001
	}
	if strings.TrimSpace(cfg.AdvertisedHost) == "" {
		cfg.AdvertisedHost = "localhost"
	}
	if cfg.BootstrapCluster && len(cfg.StaticClusterMembers) == 0 {
		util.Warn("bootstrap_cluster set but static_cluster_members is empty, disabling bootstrap")
		cfg.BootstrapCluster = false
	}

	if cfg.HealthCheckPort <= 0 {
		cfg.HealthCheckPort = 9080
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
}

// applyEnvOverrides lets an operator override any file/flag value except
// log_level without editing either, for container deployments where env vars are the only
// knob. Env wins over file and flag defaults but not an explicit flag,
// consistent with LoadConfig's precedence: flag default < file < env <
// explicit flag.
func (cfg *Config) applyEnvOverrides() {
	overrideEnvUint64(&cfg.LogID, "SEGMGR_LOG_ID")
	overrideEnvString(&cfg.ArenaPath, "SEGMGR_ARENA_PATH")
	overrideEnvInt(&cfg.NumSegments, "SEGMGR_NUM_SEGMENTS")
	overrideEnvInt(&cfg.SegmentSize, "SEGMGR_SEGMENT_SIZE")
	overrideEnvInt(&cfg.SegletSize, "SEGMGR_SEGLET_SIZE")
	overrideEnvFloat64(&cfg.DiskExpansionFactor, "SEGMGR_DISK_EXPANSION_FACTOR")
	overrideEnvInt(&cfg.InitialSurvivorReserve, "SEGMGR_INITIAL_SURVIVOR_RESERVE")
	overrideEnvInt(&cfg.RaftPort, "SEGMGR_RAFT_PORT")
	overrideEnvString(&cfg.AdvertisedHost, "SEGMGR_ADVERTISED_HOST")
	overrideEnvBool(&cfg.BootstrapCluster, "SEGMGR_BOOTSTRAP_CLUSTER")
	overrideEnvStringSlice(&cfg.StaticClusterMembers, "SEGMGR_STATIC_CLUSTER_MEMBERS")
	overrideEnvString(&cfg.RaftDataDir, "SEGMGR_RAFT_DATA_DIR")
	overrideEnvBool(&cfg.EnableExporter, "SEGMGR_ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "SEGMGR_EXPORTER_PORT")
	overrideEnvInt(&cfg.HealthCheckPort, "SEGMGR_HEALTH_PORT")
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvUint64(target *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			*target = u
		}
	}
}

func overrideEnvFloat64(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideEnvStringSlice(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, s := range parts {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		*target = result
	}
}
