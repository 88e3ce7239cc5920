// Package transfer moves compressed region artifacts to a remote store.
//
// Every backend writes to a temporary name and renames it into place, so a
// reader never sees a partial file at the final path. The temporary name
// carries a prefix of the artifact checksum, which lets an interrupted upload
// of the same bytes continue where it stopped.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/openmined/regionsync/internal/compress"
)

// Source describes a local artifact to upload.
type Source struct {
	Path      string
	Size      int64
	Checksum  string
	Algorithm compress.ChecksumAlgorithm
	// Progress, if set, is called with the total bytes present at the remote
	// temp file, including any resumed prefix.
	Progress func(written int64)
}

// Receipt is what the remote reports back after a completed upload.
type Receipt struct {
	RemotePath string        `json:"remotePath"`
	Size       int64         `json:"size"`
	Checksum   string        `json:"checksum,omitempty"`
	Resumed    bool          `json:"resumed"`
	Offset     int64         `json:"offset,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Client is one authenticated connection to the remote store. A Client is
// used by one worker at a time; the Pool hands them out.
type Client interface {
	Upload(ctx context.Context, src Source, remotePath string) (*Receipt, error)
	Exists(ctx context.Context, remotePath string) (bool, error)
	// Size returns ErrNotFound when the file does not exist.
	Size(ctx context.Context, remotePath string) (int64, error)
	// Checksum returns ErrChecksumUnsupported when the backend cannot compute one.
	Checksum(ctx context.Context, remotePath string, algo compress.ChecksumAlgorithm) (string, error)
	Remove(ctx context.Context, remotePath string) error
	// Ping checks that the base path is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new Client.
type Dialer func(ctx context.Context) (Client, error)

const (
	TypeSFTP  = "sftp"
	TypeS3    = "s3"
	TypeLocal = "local"
)

// Config describes the remote target. It is immutable once the pipeline
// starts and shared by every connection.
type Config struct {
	Type           string        `mapstructure:"type" json:"type"`
	BasePath       string        `mapstructure:"base_path" json:"base_path"`
	PoolSize       int           `mapstructure:"pool_size" json:"pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	OpTimeout      time.Duration `mapstructure:"op_timeout" json:"op_timeout"`
	VerifyReadback bool          `mapstructure:"verify_readback" json:"verify_readback"`
	Resume         bool          `mapstructure:"resume" json:"resume"`

	// sftp
	Host                  string `mapstructure:"host" json:"host,omitempty"`
	Port                  int    `mapstructure:"port" json:"port,omitempty"`
	Username              string `mapstructure:"username" json:"username,omitempty"`
	AuthMethod            string `mapstructure:"auth_method" json:"auth_method,omitempty"`
	Password              string `mapstructure:"password" json:"-"`
	PrivateKeyPath        string `mapstructure:"private_key_path" json:"private_key_path,omitempty"`
	PrivateKeyPassphrase  string `mapstructure:"private_key_passphrase" json:"-"`
	KnownHostsPath        string `mapstructure:"known_hosts_path" json:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key" json:"insecure_ignore_host_key,omitempty"`

	// s3
	Bucket    string `mapstructure:"bucket" json:"bucket,omitempty"`
	Region    string `mapstructure:"region" json:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
}

const (
	AuthPassword  = "password"
	AuthPublicKey = "public_key"
	AuthAgent     = "agent"
)

func (c *Config) Validate() error {
	switch c.Type {
	case TypeSFTP:
		if c.Host == "" {
			return fmt.Errorf("remote.host is required for sftp")
		}
		if c.Username == "" {
			return fmt.Errorf("remote.username is required for sftp")
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("remote.port %d out of range", c.Port)
		}
		switch c.AuthMethod {
		case AuthPassword, AuthAgent:
		case AuthPublicKey:
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("remote.private_key_path is required for public_key auth")
			}
		default:
			return fmt.Errorf("remote.auth_method must be one of %q, %q, %q", AuthPassword, AuthPublicKey, AuthAgent)
		}
	case TypeS3:
		if c.Bucket == "" {
			return fmt.Errorf("remote.bucket is required for s3")
		}
	case TypeLocal:
		if c.BasePath == "" {
			return fmt.Errorf("remote.base_path is required for local")
		}
	default:
		return fmt.Errorf("unknown remote type %q", c.Type)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("remote.pool_size must be at least 1")
	}
	return nil
}

// NewDialer returns the Dialer for the configured backend.
func NewDialer(cfg Config) (Dialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeSFTP:
		return func(ctx context.Context) (Client, error) { return DialSFTP(ctx, cfg) }, nil
	case TypeS3:
		return func(ctx context.Context) (Client, error) { return NewS3Client(ctx, cfg) }, nil
	default:
		return func(ctx context.Context) (Client, error) { return NewLocalClient(cfg) }, nil
	}
}

// TestConnection dials once, checks the base path and closes the connection.
func TestConnection(ctx context.Context, cfg Config) error {
	dial, err := NewDialer(cfg)
	if err != nil {
		return err
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.OpTimeout)
		defer cancel()
	}
	client, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Ping(ctx)
}
