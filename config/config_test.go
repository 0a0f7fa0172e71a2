package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCommand(t *testing.T) {
	cmd := DefaultCommand()
	require.Len(t, cmd, 2)
	assert.Equal(t, "app-server", cmd[1])
	if runtime.GOOS == "windows" {
		assert.Equal(t, "codex.cmd", cmd[0])
	} else {
		assert.Equal(t, "codex", cmd[0])
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: gpt-5
auto_approve: true
working_dir: /srv/vault
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Model = "gpt-5"
	want.AutoApprove = true
	want.WorkingDir = "/srv/vault"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_ExplicitCommandWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
command: ["/opt/agent/bin/host", "--serve"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/agent/bin/host", "--serve"}, cfg.Command)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestProvider_Settings(t *testing.T) {
	cfg := Default()
	cfg.Model = "gpt-5"
	cfg.AutoApprove = true
	p := NewProvider(cfg, func() string { return "th_saved" })

	s := p.Settings()
	assert.Equal(t, cfg.Command, s.Command)
	assert.Equal(t, "gpt-5", s.Model)
	assert.True(t, s.AutoApprove)
	assert.True(t, s.PersistThreads)
	assert.Equal(t, "th_saved", s.LastThreadID)
}

func TestProvider_NoPersistenceSkipsThreadID(t *testing.T) {
	cfg := Default()
	cfg.PersistThreads = false
	p := NewProvider(cfg, func() string { return "th_saved" })

	assert.Empty(t, p.Settings().LastThreadID)
}

func TestProvider_UpdateVisibleToLaterReads(t *testing.T) {
	p := NewProvider(Default(), nil)
	p.Update(func(c *Config) { c.Model = "o4-mini" })
	assert.Equal(t, "o4-mini", p.Settings().Model)
}
