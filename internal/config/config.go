// Package config loads a broker's static cluster/storage settings from a
// YAML file, with environment overrides, the same
// env-var-takes-precedence-over-default shape as the teacher's
// config/files.go cert-path resolver, generalized from PKI paths to the
// cluster settings spec.md §6 requires.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bounds one broker process: where it stores data, where it listens
// for client and peer traffic, its place in the static node map, and its
// segment/Raft timing knobs (spec.md §6 "configuration options").
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	PeerAddr   string `yaml:"peer_addr"`
	NodeId     uint64 `yaml:"node_id"`
	// Peers is the full static node map (this broker's own id/address
	// included), keyed by node id, mirroring internal/raft.Config.Peers.
	Peers map[uint64]string `yaml:"peers"`

	SegmentMaxBytes    uint64 `yaml:"segment_max_bytes"`
	IndexIntervalBytes uint64 `yaml:"index_interval_bytes"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
}

// defaults mirrors internal/raft.DefaultConfig's timers and sets 1 MiB
// segments with a 4 KiB index interval (internal/log.Config's zero values
// would instead mean 1024-byte segments and a dense index), so a YAML file
// only needs to set what it wants to override.
func defaults() Config {
	return Config{
		DataDir:            dataDir(),
		SegmentMaxBytes:    1024 * 1024,
		IndexIntervalBytes: 4096,
		HeartbeatInterval:  50 * time.Millisecond,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
	}
}

func dataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".gumraft"
	}
	return homeDir + "/.gumraft"
}

// Load reads path as YAML into a Config seeded with defaults, then applies
// GUMRAFT_*-prefixed environment overrides (env wins over file, matching
// the teacher's CONFIG_DIR-wins-over-default precedence). An empty path
// skips the file read and returns defaults-plus-env only.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("GUMRAFT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GUMRAFT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GUMRAFT_PEER_ADDR"); v != "" {
		cfg.PeerAddr = v
	}
	if v := os.Getenv("GUMRAFT_NODE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_NODE_ID: %w", err)
		}
		cfg.NodeId = id
	}
	if v := os.Getenv("GUMRAFT_PEERS"); v != "" {
		peers, err := parsePeers(v)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_PEERS: %w", err)
		}
		cfg.Peers = peers
	}
	if v := os.Getenv("GUMRAFT_SEGMENT_MAX_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_SEGMENT_MAX_BYTES: %w", err)
		}
		cfg.SegmentMaxBytes = n
	}
	if v := os.Getenv("GUMRAFT_INDEX_INTERVAL_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_INDEX_INTERVAL_BYTES: %w", err)
		}
		cfg.IndexIntervalBytes = n
	}
	if v := os.Getenv("GUMRAFT_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if v := os.Getenv("GUMRAFT_ELECTION_TIMEOUT_MIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_ELECTION_TIMEOUT_MIN: %w", err)
		}
		cfg.ElectionTimeoutMin = d
	}
	if v := os.Getenv("GUMRAFT_ELECTION_TIMEOUT_MAX"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GUMRAFT_ELECTION_TIMEOUT_MAX: %w", err)
		}
		cfg.ElectionTimeoutMax = d
	}
	return nil
}

// parsePeers parses a "1=host:port,2=host:port" list, the env-friendly form
// of the YAML peers map.
func parsePeers(raw string) (map[uint64]string, error) {
	peers := make(map[uint64]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idStr, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("malformed peer entry %q, want id=addr", entry)
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed peer id in %q: %w", entry, err)
		}
		peers[id] = addr
	}
	return peers, nil
}
