package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/segmentmanager/util"
	"gopkg.in/yaml.v3"
)

// Config bundles every tunable of a segmentmanagerd process: the backing
// arena's geometry, the reserve policy, the raft digest mirror's cluster
// membership, and the ambient logging/exporter settings.
type Config struct {
	// Identity
	LogID uint64 `yaml:"log_id" json:"log_id"`

	// Backing arena
	ArenaPath           string  `yaml:"arena_path" json:"arena_path"`
	NumSegments         int     `yaml:"num_segments" json:"num_segments"`
	SegmentSize         int     `yaml:"segment_size" json:"segment_size"`
	SegletSize          int     `yaml:"seglet_size" json:"seglet_size"`
	DiskExpansionFactor float64 `yaml:"disk_expansion_factor" json:"disk_expansion_factor"`

	// Reserve policy
	InitialSurvivorReserve int `yaml:"initial_survivor_reserve" json:"initial_survivor_reserve"`

	// Raft digest mirror
	RaftPort             int      `yaml:"raft_port" json:"raft_port"`
	AdvertisedHost       string   `yaml:"advertised_host" json:"advertised_host"`
	BootstrapCluster     bool     `yaml:"bootstrap_cluster" json:"bootstrap_cluster"`
	StaticClusterMembers []string `yaml:"static_cluster_members" json:"static_cluster_members"`
	RaftDataDir          string   `yaml:"raft_data_dir" json:"raft_data_dir"`

	// Observability
	LogLevel        util.LogLevel `yaml:"log_level" json:"log_level"`
	EnableExporter  bool          `yaml:"enable_exporter" json:"enable_exporter"`
	ExporterPort    int           `yaml:"exporter_port" json:"exporter_port"`
	HealthCheckPort int           `yaml:"health_check_port" json:"health_check_port"`
}

// LoadConfig parses flags, layers a YAML/JSON config file over the
// defaults if one is given, then re-applies any flag the caller set
// explicitly, so command-line overrides always win over the file.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	configPath := flag.String("config", "", "Path to YAML/JSON config file")
	logIDStr := flag.String("log-id", "1", "Log identifier")
	arenaPathStr := flag.String("arena-path", "segmentmanager.arena", "Path to the backing arena file")
	numSegmentsStr := flag.String("num-segments", "256", "Number of segment-sized windows in the arena")
	segmentSizeStr := flag.String("segment-size", "8388608", "Segment size in bytes (default: 8MB)")
	segletSizeStr := flag.String("seglet-size", "65536", "Seglet accounting unit in bytes (default: 64KB)")
	expansionFactorStr := flag.String("disk-expansion-factor", "1.0", "Ratio of maximum to minimum segment count")
	survivorReserveStr := flag.String("initial-survivor-reserve", "0", "Segments reserved for the cleaner at startup")

	raftPortStr := flag.String("raft-port", "9001", "Raft transport port")
	advertisedHostStr := flag.String("advertised-host", "localhost", "Host advertised to raft peers")
	bootstrapStr := flag.String("bootstrap-cluster", "false", "Bootstrap a new raft cluster from static-cluster-members")
	staticMembersStr := flag.String("static-cluster-members", "", "Comma-separated id@addr raft bootstrap peers")
	raftDataDirStr := flag.String("raft-data-dir", "segmentmanager-raft", "Directory for raft log/snapshot state")

	logLevelStr := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	exporterStr := flag.String("exporter", "true", "Enable Prometheus exporter")
	exporterPortStr := flag.String("exporter-port", "9100", "Exporter port")
	healthPortStr := flag.String("health-port", "9080", "Health check server port")

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()

	applyDefaults(cfg, logIDStr, arenaPathStr, numSegmentsStr, segmentSizeStr, segletSizeStr,
		expansionFactorStr, survivorReserveStr, raftPortStr, advertisedHostStr, bootstrapStr,
		staticMembersStr, raftDataDirStr, logLevelStr, exporterStr, exporterPortStr, healthPortStr)

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	applyExplicitFlags(cfg, logIDStr, arenaPathStr, numSegmentsStr, segmentSizeStr, segletSizeStr,
		expansionFactorStr, survivorReserveStr, raftPortStr, advertisedHostStr, bootstrapStr,
		staticMembersStr, raftDataDirStr, logLevelStr, exporterStr, exporterPortStr, healthPortStr)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)

	if cfg.DiskExpansionFactor < 1.0 {
		return nil, fmt.Errorf("config: disk_expansion_factor must be >= 1.0, got %f", cfg.DiskExpansionFactor)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config, logIDStr, arenaPathStr, numSegmentsStr, segmentSizeStr, segletSizeStr,
	expansionFactorStr, survivorReserveStr, raftPortStr, advertisedHostStr, bootstrapStr,
	staticMembersStr, raftDataDirStr, logLevelStr, exporterStr, exporterPortStr, healthPortStr *string) {

	cfg.LogID = util.ParseUint64(*logIDStr, 1)
	cfg.ArenaPath = *arenaPathStr
	cfg.NumSegments = util.ParseInt(*numSegmentsStr, 256)
	cfg.SegmentSize = util.ParseInt(*segmentSizeStr, 8<<20)
	cfg.SegletSize = util.ParseInt(*segletSizeStr, 64<<10)
	if f, err := strconv.ParseFloat(*expansionFactorStr, 64); err == nil {
		cfg.DiskExpansionFactor = f
	}
	cfg.InitialSurvivorReserve = util.ParseInt(*survivorReserveStr, 0)

	cfg.RaftPort = util.ParseInt(*raftPortStr, 9001)
	cfg.AdvertisedHost = *advertisedHostStr
	cfg.BootstrapCluster = util.ParseBool(*bootstrapStr, false)
	if *staticMembersStr != "" {
		cfg.StaticClusterMembers = splitAndTrim(*staticMembersStr)
	}
	cfg.RaftDataDir = *raftDataDirStr

	switch strings.ToLower(*logLevelStr) {
	case "debug":
		cfg.LogLevel = util.LogLevelDebug
	case "warn", "warning":
		cfg.LogLevel = util.LogLevelWarn
	case "error":
		cfg.LogLevel = util.LogLevelError
	default:
		cfg.LogLevel = util.LogLevelInfo
	}

	cfg.EnableExporter = util.ParseBool(*exporterStr, true)
	cfg.ExporterPort = util.ParseInt(*exporterPortStr, 9100)
	cfg.HealthCheckPort = util.ParseInt(*healthPortStr, 9080)
}

// applyExplicitFlags re-applies any flag the user actually passed on the
// command line, so a loaded config file can be overridden per-field
// without the flag package's zero-value defaults silently winning.
func applyExplicitFlags(cfg *Config, logIDStr, arenaPathStr, numSegmentsStr, segmentSizeStr, segletSizeStr,
	expansionFactorStr, survivorReserveStr, raftPortStr, advertisedHostStr, bootstrapStr,
	staticMembersStr, raftDataDirStr, logLevelStr, exporterStr, exporterPortStr, healthPortStr *string) {

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["log-id"] {
		cfg.LogID = util.ParseUint64(*logIDStr, cfg.LogID)
	}
	if set["arena-path"] {
		cfg.ArenaPath = *arenaPathStr
	}
	if set["num-segments"] {
		cfg.NumSegments = util.ParseInt(*numSegmentsStr, cfg.NumSegments)
	}
	if set["segment-size"] {
		cfg.SegmentSize = util.ParseInt(*segmentSizeStr, cfg.SegmentSize)
	}
	if set["seglet-size"] {
		cfg.SegletSize = util.ParseInt(*segletSizeStr, cfg.SegletSize)
	}
	if set["disk-expansion-factor"] {
		if f, err := strconv.ParseFloat(*expansionFactorStr, 64); err == nil {
			cfg.DiskExpansionFactor = f
		}
	}
	if set["initial-survivor-reserve"] {
		cfg.InitialSurvivorReserve = util.ParseInt(*survivorReserveStr, cfg.InitialSurvivorReserve)
	}
	if set["raft-port"] {
		cfg.RaftPort = util.ParseInt(*raftPortStr, cfg.RaftPort)
	}
	if set["advertised-host"] {
		cfg.AdvertisedHost = *advertisedHostStr
	}
	if set["bootstrap-cluster"] {
		cfg.BootstrapCluster = util.ParseBool(*bootstrapStr, cfg.BootstrapCluster)
	}
	if set["static-cluster-members"] {
		cfg.StaticClusterMembers = splitAndTrim(*staticMembersStr)
	}
	if set["raft-data-dir"] {
		cfg.RaftDataDir = *raftDataDirStr
	}
	if set["exporter"] {
		cfg.EnableExporter = util.ParseBool(*exporterStr, cfg.EnableExporter)
	}
	if set["exporter-port"] {
		cfg.ExporterPort = util.ParseInt(*exporterPortStr, cfg.ExporterPort)
	}
	if set["health-port"] {
		cfg.HealthCheckPort = util.ParseInt(*healthPortStr, cfg.HealthCheckPort)
	}
	if set["log-level"] {
		switch strings.ToLower(*logLevelStr) {
		case "debug":
			cfg.LogLevel = util.LogLevelDebug
		case "warn", "warning":
			cfg.LogLevel = util.LogLevelWarn
		case "error":
			cfg.LogLevel = util.LogLevelError
		default:
			cfg.LogLevel = util.LogLevelInfo
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
