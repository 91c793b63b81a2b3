package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYamlOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gumraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/gumraft
listen_addr: 127.0.0.1:9000
peer_addr: 127.0.0.1:9001
node_id: 1
peers:
  1: 127.0.0.1:9001
  2: 127.0.0.1:9011
segment_max_bytes: 2048
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gumraft", cfg.DataDir)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, uint64(1), cfg.NodeId)
	require.Equal(t, "127.0.0.1:9011", cfg.Peers[2])
	require.Equal(t, uint64(2048), cfg.SegmentMaxBytes)
	// untouched by the file, so still the value set by defaults()
	require.Equal(t, uint64(4096), cfg.IndexIntervalBytes)
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.HeartbeatInterval)
	require.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin)
}

func TestEnvOverridesWinOverYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gumraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: 1\n"), 0o644))

	t.Setenv("GUMRAFT_NODE_ID", "9")
	t.Setenv("GUMRAFT_PEERS", "1=a:1,2=b:2")
	t.Setenv("GUMRAFT_HEARTBEAT_INTERVAL", "25ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(9), cfg.NodeId)
	require.Equal(t, "b:2", cfg.Peers[2])
	require.Equal(t, 25*time.Millisecond, cfg.HeartbeatInterval)
}

func TestEnvOverrideRejectsMalformedPeers(t *testing.T) {
	t.Setenv("GUMRAFT_PEERS", "garbage")
	_, err := Load("")
	require.Error(t, err)
}

func TestEnvOverrideRejectsMalformedDuration(t *testing.T) {
	t.Setenv("GUMRAFT_ELECTION_TIMEOUT_MAX", "not-a-duration")
	_, err := Load("")
	require.Error(t, err)
}
