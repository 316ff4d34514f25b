package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingKeyReturnsNoIdentity(t *testing.T) {
	key, ok := Load(filepath.Join(t.TempDir(), "keypair"), "", nil)
	assert.False(t, ok)
	assert.Nil(t, key)
}

func TestSaveLoadPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypair")
	key, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(path, key, ""))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, ok := Load(path, "", nil)
	require.True(t, ok)
	assert.True(t, key.Equals(loaded))
}

func TestSaveLoadEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypair")
	key, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(path, key, "hunter2"))

	_, ok := Load(path, "wrong", nil)
	assert.False(t, ok)

	loaded, ok := Load(path, "hunter2", nil)
	require.True(t, ok)

	want, err := peer.IDFromPrivateKey(key)
	require.NoError(t, err)
	got, err := peer.IDFromPrivateKey(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypair")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, ok := Load(path, "", nil)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(`{"crypto":{"cipher":"none","ciphertext":"00ff"}}`), 0o600))
	_, ok = Load(path, "", nil)
	assert.False(t, ok)
}

func TestLoadRejectsOversizedScryptParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypair")
	key, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Save(path, key, "hunter2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file KeystoreFile
	require.NoError(t, json.Unmarshal(data, &file))

	tampered := map[string]func(*KDFParams){
		"n":     func(p *KDFParams) { p.N = 1 << 30 },
		"n odd": func(p *KDFParams) { p.N = 1000 },
		"r":     func(p *KDFParams) { p.R = 1 << 20 },
		"p":     func(p *KDFParams) { p.P = 1 << 20 },
		"dklen": func(p *KDFParams) { p.DKLen = 1 << 30 },
	}
	for name, tamper := range tampered {
		t.Run(name, func(t *testing.T) {
			bad := file
			tamper(&bad.Crypto.KDFParams)
			raw, err := json.Marshal(bad)
			require.NoError(t, err)

			_, err = decode(raw, "hunter2")
			assert.ErrorIs(t, err, ErrUnsafeKDFParams)
		})
	}

	loaded, err := decode(data, "hunter2")
	require.NoError(t, err)
	assert.True(t, key.Equals(loaded))
}
