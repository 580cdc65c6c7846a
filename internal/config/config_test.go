package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestLoadFileOverlaysOntoBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tftpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 6969\nroot: /srv/tftp\n"), 0644))

	loaded, err := LoadFile(path, Default())
	require.NoError(t, err)
	require.Equal(t, 6969, loaded.Port)
	require.Equal(t, "/srv/tftp", loaded.Root)
	require.Equal(t, Default().BindAddr, loaded.BindAddr) // unset field keeps base value
	require.Equal(t, 4*time.Second, loaded.RetryDelay)
}

func TestLoadFileMissingReturnsError(t *testing.T) {
	_, err := LoadFile("/nonexistent/tftpd.yaml", Default())
	require.Error(t, err)
}
