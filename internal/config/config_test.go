package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Kernel.Socket)
	assert.Equal(t, 1000, cfg.IPC.RecvCapacity)
	assert.Zero(t, cfg.IPC.TimeoutMillis)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MACHIPC_KERNEL_SOCKET", "/run/machipc.sock")
	t.Setenv("MACHIPC_RECV_CAPACITY", "4096")
	t.Setenv("MACHIPC_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/run/machipc.sock", cfg.Kernel.Socket)
	assert.Equal(t, 4096, cfg.IPC.RecvCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machipc.toml")
	content := `
[Kernel]
Socket = "/run/from-file.sock"

[IPC]
RecvCapacity = 2048
TimeoutMillis = 500

[Logging]
Level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/from-file.sock", cfg.Kernel.Socket)
	assert.Equal(t, 2048, cfg.IPC.RecvCapacity)
	assert.Equal(t, 500, cfg.IPC.TimeoutMillis)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
