// Package config loads the regionsync configuration from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/transfer"
	"github.com/openmined/regionsync/internal/utils"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix      = "REGIONSYNC"
	ConfigFileName = "regionsync"
	LedgerFileName = "ledger.db"
	LockFileName   = "regionsync.lock"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".regionsync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, ConfigFileName+".yaml")
)

type CompressionConfig struct {
	Codec    string `mapstructure:"codec"`
	Level    int    `mapstructure:"level"`
	Checksum string `mapstructure:"checksum"`
}

type WatchConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Include    []string      `mapstructure:"include"`
	SettleTime time.Duration `mapstructure:"settle_time"`
}

type ControlPlaneConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	RateLimit string `mapstructure:"rate_limit"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Config struct {
	DataDir              string        `mapstructure:"data_dir"`
	WorldsDir            string        `mapstructure:"worlds_dir"`
	StagingDir           string        `mapstructure:"staging_dir"`
	ArchiveDir           string        `mapstructure:"archive_dir"`
	QuarantineDir        string        `mapstructure:"quarantine_dir"`
	Workers              int           `mapstructure:"workers"`
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	QueueFullPolicy      string        `mapstructure:"queue_full_policy"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	BackoffJitter        float64       `mapstructure:"backoff_jitter"`
	LocalCleanup         string        `mapstructure:"local_cleanup"`
	RetryFailedOnRestart bool          `mapstructure:"retry_failed_on_restart"`
	SummaryInterval      time.Duration `mapstructure:"summary_interval"`

	Compression  CompressionConfig  `mapstructure:"compression"`
	Watch        WatchConfig        `mapstructure:"watch"`
	Remote       transfer.Config    `mapstructure:"remote"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Log          LogConfig          `mapstructure:"log"`

	// Path is the file the config was read from, if any.
	Path string `mapstructure:"-"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DataDir:         DefaultDataDir,
		WorldsDir:       ".",
		Workers:         2,
		QueueCapacity:   256,
		QueueFullPolicy: "block",
		MaxAttempts:     3,
		BackoffBase:     2 * time.Second,
		BackoffMax:      5 * time.Minute,
		BackoffJitter:   0.2,
		LocalCleanup:    "delete",
		SummaryInterval: 5 * time.Minute,
		Compression: CompressionConfig{
			Codec:    string(compress.CodecZstd),
			Level:    compress.DefaultLevel,
			Checksum: string(compress.ChecksumSHA256),
		},
		Watch: WatchConfig{
			Enabled:    true,
			Include:    []string{"**/region/r.*.mca"},
			SettleTime: 10 * time.Second,
		},
		Remote: transfer.Config{
			Type:           transfer.TypeSFTP,
			BasePath:       "backups/{world}",
			PoolSize:       2,
			ConnectTimeout: 30 * time.Second,
			OpTimeout:      10 * time.Minute,
			VerifyReadback: true,
			Resume:         true,
			Port:           22,
			AuthMethod:     transfer.AuthPassword,
			KnownHostsPath: "~/.ssh/known_hosts",
		},
		ControlPlane: ControlPlaneConfig{
			Enabled:   true,
			Addr:      "127.0.0.1:7939",
			RateLimit: "20-S",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// Validate normalizes paths, fills directories derived from DataDir and
// rejects inconsistent settings. The remote target is checked separately by
// ValidateRemote so that offline commands work without credentials.
func (c *Config) Validate() error {
	var err error
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if c.WorldsDir, err = utils.ResolvePath(c.WorldsDir); err != nil {
		return fmt.Errorf("worlds dir: %w", err)
	}

	derived := []struct {
		dst  *string
		name string
	}{
		{&c.StagingDir, "staging"},
		{&c.ArchiveDir, "archive"},
		{&c.QuarantineDir, "quarantine"},
		{&c.Log.File, filepath.Join("logs", "regionsync.log")},
	}
	for _, d := range derived {
		if *d.dst == "" {
			*d.dst = filepath.Join(c.DataDir, d.name)
			continue
		}
		if *d.dst, err = utils.ResolvePath(*d.dst); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.Remote.PoolSize < c.Workers {
		return fmt.Errorf("remote.pool_size (%d) must be at least workers (%d)", c.Remote.PoolSize, c.Workers)
	}
	if c.QueueCapacity < 1 {
		return errors.New("queue_capacity must be at least 1")
	}
	switch c.QueueFullPolicy {
	case "block", "drop":
	default:
		return fmt.Errorf("queue_full_policy must be block or drop, got %q", c.QueueFullPolicy)
	}
	switch c.LocalCleanup {
	case "delete", "archive", "keep":
	default:
		return fmt.Errorf("local_cleanup must be delete, archive or keep, got %q", c.LocalCleanup)
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_max (%s) must be >= backoff_base (%s) > 0", c.BackoffMax, c.BackoffBase)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("backoff_jitter must be within [0, 1], got %v", c.BackoffJitter)
	}

	if _, err := compress.ParseCodec(c.Compression.Codec); err != nil {
		return err
	}
	if _, err := compress.ParseChecksumAlgorithm(c.Compression.Checksum); err != nil {
		return err
	}
	c.Compression.Level = compress.ClampLevel(c.Compression.Level)

	if c.Watch.Enabled && len(c.Watch.Include) == 0 {
		return errors.New("watch.include needs at least one pattern")
	}

	if c.ControlPlane.Enabled {
		if c.ControlPlane.Addr == "" {
			return errors.New("control_plane.addr is required")
		}
		if _, err := limiter.NewRateFromFormatted(c.ControlPlane.RateLimit); err != nil {
			return fmt.Errorf("control_plane.rate_limit: %w", err)
		}
	}
	return nil
}

func (c *Config) ValidateRemote() error {
	if c.Remote.Type == transfer.TypeLocal {
		var err error
		if c.Remote.BasePath, err = utils.ResolvePath(c.Remote.BasePath); err != nil {
			return fmt.Errorf("remote.base_path: %w", err)
		}
	}
	return c.Remote.Validate()
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, LedgerFileName)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFileName)
}

// NewViper returns a viper instance with every key defaulted, so that each
// one can be overridden from the environment (REGIONSYNC_REMOTE_PASSWORD etc).
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, "", Default().AsMap())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads configPath (or searches the default locations when empty),
// applies a `.env` file found next to it and returns the validated config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir)
		v.AddConfigPath(filepath.Join(home, ".config", "regionsync"))
		v.SetConfigName(ConfigFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	envDir := "."
	if used := v.ConfigFileUsed(); used != "" {
		envDir = filepath.Dir(used)
	}
	if err := godotenv.Load(filepath.Join(envDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML. Secrets are written as given, so the file is private.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := yaml.Marshal(c.AsMap())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// AsMap is the file layout of the config. Durations are written in their
// string form so the file stays readable.
func (c *Config) AsMap() map[string]any {
	r := c.Remote
	return map[string]any{
		"data_dir":                c.DataDir,
		"worlds_dir":              c.WorldsDir,
		"staging_dir":             c.StagingDir,
		"archive_dir":             c.ArchiveDir,
		"quarantine_dir":          c.QuarantineDir,
		"workers":                 c.Workers,
		"queue_capacity":          c.QueueCapacity,
		"queue_full_policy":       c.QueueFullPolicy,
		"max_attempts":            c.MaxAttempts,
		"backoff_base":            c.BackoffBase.String(),
		"backoff_max":             c.BackoffMax.String(),
		"backoff_jitter":          c.BackoffJitter,
		"local_cleanup":           c.LocalCleanup,
		"retry_failed_on_restart": c.RetryFailedOnRestart,
		"summary_interval":        c.SummaryInterval.String(),
		"compression": map[string]any{
			"codec":    c.Compression.Codec,
			"level":    c.Compression.Level,
			"checksum": c.Compression.Checksum,
		},
		"watch": map[string]any{
			"enabled":     c.Watch.Enabled,
			"include":     c.Watch.Include,
			"settle_time": c.Watch.SettleTime.String(),
		},
		"remote": map[string]any{
			"type":                     r.Type,
			"base_path":                r.BasePath,
			"pool_size":                r.PoolSize,
			"connect_timeout":          r.ConnectTimeout.String(),
			"op_timeout":               r.OpTimeout.String(),
			"verify_readback":          r.VerifyReadback,
			"resume":                   r.Resume,
			"host":                     r.Host,
			"port":                     r.Port,
			"username":                 r.Username,
			"auth_method":              r.AuthMethod,
			"password":                 r.Password,
			"private_key_path":         r.PrivateKeyPath,
			"private_key_passphrase":   r.PrivateKeyPassphrase,
			"known_hosts_path":         r.KnownHostsPath,
			"insecure_ignore_host_key": r.InsecureIgnoreHostKey,
			"bucket":                   r.Bucket,
			"region":                   r.Region,
			"endpoint":                 r.Endpoint,
			"access_key":               r.AccessKey,
			"secret_key":               r.SecretKey,
		},
		"control_plane": map[string]any{
			"enabled":    c.ControlPlane.Enabled,
			"addr":       c.ControlPlane.Addr,
			"token":      c.ControlPlane.Token,
			"rate_limit": c.ControlPlane.RateLimit,
		},
		"log": map[string]any{
			"file":        c.Log.File,
			"level":       c.Log.Level,
			"max_size_mb": c.Log.MaxSizeMB,
			"max_backups": c.Log.MaxBackups,
		},
	}
}
