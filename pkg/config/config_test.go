package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 75, cfg.Libp2p.TargetPeerCount)
	assert.Equal(t, 20*time.Second, cfg.Libp2p.UpgradeTimeout)
	assert.False(t, cfg.Libp2p.TopicScoring)

	addr, err := cfg.Libp2p.ListenAddr()
	require.NoError(t, err)
	assert.Equal(t, DefaultListeningMultiaddr, addr.String())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
network_name = "calibnet"

[libp2p]
listening_multiaddr = "/ip4/127.0.0.1/tcp/1347"
bootstrap_peers = ["/dns4/bootstrap.example.org/tcp/1347/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"]
target_peer_count = 20
upgrade_timeout = "5s"
topic_scoring = true

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "calibnet", cfg.NetworkName)
	assert.Equal(t, 20, cfg.Libp2p.TargetPeerCount)
	assert.Equal(t, 5*time.Second, cfg.Libp2p.UpgradeTimeout)
	assert.True(t, cfg.Libp2p.TopicScoring)
	assert.Len(t, cfg.Libp2p.BootstrapPeers, 1)
	assert.Equal(t, 10, cfg.Libp2p.MaxPendingIncoming)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[libp2p]
target_peers = 3
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadRejectsBadBootstrapAddr(t *testing.T) {
	path := writeConfig(t, `
[libp2p]
bootstrap_peers = ["not-a-multiaddr"]
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateEmptyNetwork(t *testing.T) {
	cfg := Default()
	cfg.NetworkName = " "
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
