package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/regionsync/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(cfg.DataDir, "staging"), cfg.StagingDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "quarantine"), cfg.QuarantineDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "logs", "regionsync.log"), cfg.Log.File)
	assert.Equal(t, filepath.Join(cfg.DataDir, "ledger.db"), cfg.LedgerPath())
	assert.False(t, cfg.RetryFailedOnRestart)

	// sftp needs a host
	assert.Error(t, cfg.ValidateRemote())
}

func TestConfig_Validate_Errors(t *testing.T) {
	cases := map[string]func(c *Config){
		"pool smaller than workers": func(c *Config) { c.Workers = 4; c.Remote.PoolSize = 2 },
		"bad policy":                func(c *Config) { c.QueueFullPolicy = "spill" },
		"bad cleanup":               func(c *Config) { c.LocalCleanup = "shred" },
		"bad codec":                 func(c *Config) { c.Compression.Codec = "gzip" },
		"bad checksum":              func(c *Config) { c.Compression.Checksum = "md5" },
		"backoff inverted":          func(c *Config) { c.BackoffMax = time.Millisecond },
		"jitter too large":          func(c *Config) { c.BackoffJitter = 2 },
		"bad rate":                  func(c *Config) { c.ControlPlane.RateLimit = "fast" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.DataDir = t.TempDir()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_ClampsLevel(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.Compression.Level = 42
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 19, cfg.Compression.Level)
}

func TestLoad_FileEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regionsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
workers: 3
backoff_base: 500ms
compression:
  codec: lz4
remote:
  type: sftp
  host: backup.example.com
  username: minecraft
  pool_size: 4
watch:
  include: ["world/**/r.*.mca"]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REGIONSYNC_REMOTE_PASSWORD=hunter2\n"), 0o644))
	t.Setenv("REGIONSYNC_MAX_ATTEMPTS", "7")
	t.Cleanup(func() { os.Unsetenv("REGIONSYNC_REMOTE_PASSWORD") })

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffMax)
	assert.Equal(t, "lz4", cfg.Compression.Codec)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, "backup.example.com", cfg.Remote.Host)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, "hunter2", cfg.Remote.Password)
	assert.Equal(t, []string{"world/**/r.*.mca"}, cfg.Watch.Include)
	assert.NoError(t, cfg.ValidateRemote())
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.DataDir = dir
	cfg.Remote = transfer.Config{
		Type:           transfer.TypeLocal,
		BasePath:       filepath.Join(dir, "remote"),
		PoolSize:       2,
		ConnectTimeout: time.Second,
		OpTimeout:      time.Minute,
	}
	cfg.SummaryInterval = 90 * time.Second

	path := filepath.Join(dir, "regionsync.yaml")
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "summary_interval: 1m30s")

	loaded, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, loaded.SummaryInterval)
	assert.Equal(t, transfer.TypeLocal, loaded.Remote.Type)
	assert.NoError(t, loaded.ValidateRemote())
}
