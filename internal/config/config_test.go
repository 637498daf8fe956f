package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "amdtpd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeTemp(t, "sample_rate: 48000\nchannels: 2\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.Period)
	require.Equal(t, 3, cfg.NbBuffers)
	require.True(t, cfg.AutoRecover)
}

func TestLoadRejectsUnsupportedRate(t *testing.T) {
	p := writeTemp(t, "sample_rate: 12345\nchannels: 2\n")
	_, err := Load(p)
	require.Error(t, err)
}

func TestLoadRejectsMissingSampleRate(t *testing.T) {
	p := writeTemp(t, "channels: 2\n")
	_, err := Load(p)
	require.Error(t, err)
}
