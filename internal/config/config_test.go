package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	assert.Equal(t, 4, c.Capture.MaxComboConcurrency)
	assert.Equal(t, 2, c.Capture.MaxWorkersPerCombo)
	assert.Equal(t, 60, c.HLS.IdleTimeoutSec)
	assert.Equal(t, "Asia/Shanghai", c.WallZone)
}

func TestLoadYamlOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
capture:
  max_combo_concurrency: 8
db:
  host: pg.internal
`), 0o644))

	c := Load(path)
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, 8, c.Capture.MaxComboConcurrency)
	assert.Equal(t, "pg.internal", c.DB.Host)
	// Untouched keys keep defaults.
	assert.Equal(t, 2, c.Capture.MaxWorkersPerCombo)
}

func TestEnvWinsOverYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\n"), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("MAX_WORKERS_PER_COMBO", "3")
	t.Setenv("DB_PASSWORD", "secret")

	c := Load(path)
	assert.Equal(t, 9100, c.Port)
	assert.Equal(t, 3, c.Capture.MaxWorkersPerCombo)
	assert.Contains(t, c.DSN(), "password=secret")
}

func TestBadEnvIntIgnored(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	c := Load("")
	assert.Equal(t, 8080, c.Port)
}
