package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, "dev", cfg.Gateway.Mode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workdir: /srv/dominds
gateway:
  port: 9090
  mode: prod
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/dominds", cfg.Workdir)
	assert.Equal(t, 9090, cfg.Gateway.Port)
	assert.Equal(t, "prod", cfg.Gateway.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep defaults
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Gateway.Port)
}

func TestLoadMalformedFileFails(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("DOMINDS_GATEWAY_PORT", "7777")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Gateway.Port)
}

func TestSaveToRoundTrip(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{Workdir: "/data", Team: "crew.yaml"}
	cfg.Gateway.Port = 1234
	require.NoError(t, SaveTo(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data", loaded.Workdir)
	assert.Equal(t, 1234, loaded.Gateway.Port)
	assert.Equal(t, "crew.yaml", loaded.Team)
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{Workdir: "/srv/dominds", Team: "team.yaml"}
	assert.Equal(t, "/srv/dominds/team.yaml", cfg.TeamPath())
	assert.Equal(t, "/srv/dominds/audit.db", cfg.AuditPath())

	cfg.Team = "/etc/dominds/team.yaml"
	assert.Equal(t, "/etc/dominds/team.yaml", cfg.TeamPath())
	cfg.Audit.Path = "/var/lib/dominds/audit.db"
	assert.Equal(t, "/var/lib/dominds/audit.db", cfg.AuditPath())
}
