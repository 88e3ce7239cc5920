package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/regionsync/internal/utils"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultKnownHosts = "~/.ssh/known_hosts"
	mkdirCacheSize    = 4096
	posixRenameExt    = "posix-rename@openssh.com"
)

type sftpFS struct {
	conn   net.Conn
	ssh    *ssh.Client
	client *sftp.Client
	dirs   *lru.Cache[string, struct{}]
	posix  bool

	closeOnce sync.Once
}

// DialSFTP opens an authenticated SFTP session described by cfg.
func DialSFTP(ctx context.Context, cfg Config) (Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	auth, err := sshAuthMethods(cfg)
	if err != nil {
		return nil, &Error{Kind: AuthFailure, Op: "dial", Path: addr, Err: err}
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, &Error{Kind: AuthFailure, Op: "dial", Path: addr, Err: err}
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Classify(ctx, "dial", addr, err)
	}

	// handshake must finish within the connect timeout
	conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	stop()
	if err != nil {
		conn.Close()
		return nil, Classify(ctx, "handshake", addr, err)
	}
	conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient, sftp.UseConcurrentWrites(true))
	if err != nil {
		sshClient.Close()
		return nil, Classify(ctx, "sftp session", addr, err)
	}

	dirs, _ := lru.New[string, struct{}](mkdirCacheSize)
	_, posix := client.HasExtension(posixRenameExt)

	slog.Debug("sftp connected", "addr", addr, "user", cfg.Username, "posixRename", posix)
	return &fsClient{
		name: TypeSFTP,
		base: cfg.BasePath,
		fs: &sftpFS{
			conn:   conn,
			ssh:    sshClient,
			client: client,
			dirs:   dirs,
			posix:  posix,
		},
		resume:   cfg.Resume,
		readback: cfg.VerifyReadback,
	}, nil
}

func sshAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	switch cfg.AuthMethod {
	case AuthPassword:
		password := cfg.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthPublicKey:
		keyPath, err := utils.ResolvePath(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", filepath.Base(keyPath), err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method %q", cfg.AuthMethod)
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		slog.Warn("sftp host key verification disabled", "host", cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	knownHostsPath := cfg.KnownHostsPath
	if knownHostsPath == "" {
		knownHostsPath = defaultKnownHosts
	}
	resolved, err := utils.ResolvePath(knownHostsPath)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(resolved)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func (s *sftpFS) Stat(p string) (fs.FileInfo, error) {
	return s.client.Stat(p)
}

func (s *sftpFS) Open(p string) (io.ReadCloser, error) {
	return s.client.Open(p)
}

func (s *sftpFS) OpenAt(p string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := s.client.OpenFile(p, flags)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s *sftpFS) MkdirAll(p string) error {
	p = path.Clean(p)
	if _, ok := s.dirs.Get(p); ok {
		return nil
	}
	if err := s.client.MkdirAll(p); err != nil {
		return err
	}
	s.dirs.Add(p, struct{}{})
	return nil
}

func (s *sftpFS) Rename(oldPath, newPath string) error {
	if s.posix {
		return s.client.PosixRename(oldPath, newPath)
	}
	// plain SFTP rename refuses to overwrite
	if err := s.client.Remove(newPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return s.client.Rename(oldPath, newPath)
}

func (s *sftpFS) Remove(p string) error {
	return s.client.Remove(p)
}

// Abort closes the TCP connection under the session. Blocked reads and writes
// return immediately and the pool discards the client.
func (s *sftpFS) Abort() {
	s.conn.Close()
}

func (s *sftpFS) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.client.Close()
		err = s.ssh.Close()
	})
	return err
}
