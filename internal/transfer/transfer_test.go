package transfer

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/knownhosts"
)

func writeArtifact(t *testing.T, size int) Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "r.0.0.mca.zst.artifact")
	data := bytes.Repeat([]byte("0123456789abcdef"), size/16)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sum, err := compress.Checksum(path, compress.ChecksumSHA256)
	require.NoError(t, err)
	return Source{Path: path, Size: int64(len(data)), Checksum: sum, Algorithm: compress.ChecksumSHA256}
}

func localClient(t *testing.T, base string, readback bool) Client {
	t.Helper()
	c, err := NewLocalClient(Config{Type: TypeLocal, BasePath: base, PoolSize: 1, Resume: true, VerifyReadback: readback})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLayout_Path(t *testing.T) {
	key := region.NewKey("survival", region.Nether, 1, -2)

	l := Layout{BasePath: "backups/{world}/regions", Suffix: ".zst"}
	assert.Equal(t, "backups/survival/regions/DIM-1/region/r.1.-2.mca.zst", l.Path(key))

	l = Layout{BasePath: "/srv/backups", Suffix: ".lz4"}
	assert.Equal(t, "/srv/backups/survival/DIM-1/region/r.1.-2.mca.lz4", l.Path(region.NewKey("survival", region.Nether, 1, -2)))
	assert.Equal(t, "/srv/backups/survival/region/r.0.0.mca.lz4", l.Path(region.NewKey("survival", "", 0, 0)))
}

func TestTempPath(t *testing.T) {
	assert.Equal(t, "a/r.0.0.mca.zst.abcdef012345.part", TempPath("a/r.0.0.mca.zst", "abcdef0123456789"))
	assert.Equal(t, "a/b.zst.nosum.part", TempPath("a/b.zst", ""))
}

func TestLocalClient_Upload(t *testing.T) {
	base := t.TempDir()
	c := localClient(t, base, true)
	src := writeArtifact(t, 64*1024)

	var progress int64
	src.Progress = func(n int64) { progress = n }

	remote := Layout{BasePath: base, Suffix: ".zst"}.Path(region.NewKey("world", "", 0, 0))
	receipt, err := c.Upload(context.Background(), src, remote)
	require.NoError(t, err)

	assert.Equal(t, src.Size, receipt.Size)
	assert.Equal(t, src.Checksum, receipt.Checksum)
	assert.False(t, receipt.Resumed)
	assert.Equal(t, src.Size, progress)
	assert.FileExists(t, remote)
	assert.NoFileExists(t, TempPath(remote, src.Checksum))

	size, err := c.Size(context.Background(), remote)
	require.NoError(t, err)
	assert.Equal(t, src.Size, size)

	sum, err := c.Checksum(context.Background(), remote, compress.ChecksumSHA256)
	require.NoError(t, err)
	assert.Equal(t, src.Checksum, sum)
}

func TestLocalClient_ResumesPartialUpload(t *testing.T) {
	base := t.TempDir()
	c := localClient(t, base, true)
	src := writeArtifact(t, 32*1024)

	remote := filepath.ToSlash(filepath.Join(base, "world", "region", "r.0.0.mca.zst"))
	require.NoError(t, os.MkdirAll(filepath.Dir(remote), 0o755))

	data, err := os.ReadFile(src.Path)
	require.NoError(t, err)
	half := len(data) / 2
	require.NoError(t, os.WriteFile(TempPath(remote, src.Checksum), data[:half], 0o644))

	receipt, err := c.Upload(context.Background(), src, remote)
	require.NoError(t, err)
	assert.True(t, receipt.Resumed)
	assert.Equal(t, int64(half), receipt.Offset)
	assert.Equal(t, src.Checksum, receipt.Checksum)

	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalClient_ReplacesExisting(t *testing.T) {
	base := t.TempDir()
	c := localClient(t, base, false)
	src := writeArtifact(t, 1024)

	remote := filepath.ToSlash(filepath.Join(base, "r.0.0.mca.zst"))
	require.NoError(t, os.WriteFile(remote, []byte("stale"), 0o644))

	receipt, err := c.Upload(context.Background(), src, remote)
	require.NoError(t, err)
	assert.Equal(t, src.Size, receipt.Size)
	assert.Empty(t, receipt.Checksum)
}

func TestLocalClient_MissingAndUnsupported(t *testing.T) {
	base := t.TempDir()
	c := localClient(t, base, false)
	missing := filepath.ToSlash(filepath.Join(base, "nope.zst"))

	_, err := c.Size(context.Background(), missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := c.Exists(context.Background(), missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Checksum(context.Background(), missing, compress.ChecksumSHA256)
	assert.ErrorIs(t, err, ErrChecksumUnsupported)

	assert.NoError(t, c.Remove(context.Background(), missing))
}

func TestLocalClient_CancelledUpload(t *testing.T) {
	base := t.TempDir()
	c := localClient(t, base, false)
	src := writeArtifact(t, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote := filepath.ToSlash(filepath.Join(base, "r.0.0.mca.zst"))
	_, err := c.Upload(ctx, src, remote)
	require.Error(t, err)
	assert.NoFileExists(t, remote)
}

func TestLocalClient_PingPlaceholderBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "backups")
	c := localClient(t, filepath.ToSlash(base)+"/{world}/regions", false)
	require.NoError(t, c.Ping(context.Background()))
	assert.DirExists(t, base)
}

func TestTestConnection_Local(t *testing.T) {
	err := TestConnection(context.Background(), Config{Type: TypeLocal, BasePath: t.TempDir(), PoolSize: 1})
	assert.NoError(t, err)

	err = TestConnection(context.Background(), Config{Type: "ftp", PoolSize: 1})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Type: TypeSFTP, Host: "backup.example.com", Port: 22, Username: "mc", AuthMethod: AuthPublicKey, PoolSize: 2}
	assert.Error(t, cfg.Validate(), "public key auth needs a key path")

	cfg.PrivateKeyPath = "~/.ssh/id_ed25519"
	assert.NoError(t, cfg.Validate())

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	assert.Error(t, (&Config{Type: TypeS3, PoolSize: 1}).Validate())
	assert.NoError(t, (&Config{Type: TypeS3, Bucket: "regions", PoolSize: 1}).Validate())
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	deadline, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want Kind
	}{
		{"deadline on ctx", deadline, net.ErrClosed, Timeout},
		{"deadline error", ctx, context.DeadlineExceeded, Timeout},
		{"closed conn", ctx, net.ErrClosed, ConnectionLost},
		{"dial refused", ctx, &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ConnectionLost},
		{"host key", ctx, &knownhosts.KeyError{}, AuthFailure},
		{"ssh auth", ctx, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), AuthFailure},
		{"s3 access denied", ctx, &smithy.GenericAPIError{Code: "AccessDenied"}, AuthFailure},
		{"s3 slow down", ctx, &smithy.GenericAPIError{Code: "SlowDown"}, RemoteIOFailure},
		{"other", ctx, errors.New("disk quota exceeded"), RemoteIOFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify(tc.ctx, "op", "path", tc.err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tc.want, kind)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	// already classified errors pass through
	orig := &Error{Kind: AuthFailure, Op: "dial", Err: errors.New("denied")}
	assert.Same(t, orig, Classify(ctx, "upload", "x", orig))
	assert.Nil(t, Classify(ctx, "op", "", nil))
	assert.False(t, orig.Retryable())
	assert.True(t, IsAuthFailure(orig))
}
