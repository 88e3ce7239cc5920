package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/compress"
)

// fileSystem is the small set of remote file operations shared by the sftp
// and local backends.
type fileSystem interface {
	Stat(p string) (fs.FileInfo, error)
	Open(p string) (io.ReadCloser, error)
	// OpenAt opens p for writing at offset. Offset 0 truncates.
	OpenAt(p string, offset int64) (io.WriteCloser, error)
	MkdirAll(p string) error
	// Rename replaces newPath if it exists.
	Rename(oldPath, newPath string) error
	Remove(p string) error
	// Abort breaks any blocked operation. Called when the context ends.
	Abort()
	Close() error
}

// fsClient implements Client on top of a fileSystem.
type fsClient struct {
	name     string
	base     string
	fs       fileSystem
	resume   bool
	readback bool
}

func (c *fsClient) Upload(ctx context.Context, src Source, remotePath string) (*Receipt, error) {
	start := time.Now()
	stop := context.AfterFunc(ctx, c.fs.Abort)
	defer stop()

	dir := path.Dir(remotePath)
	if err := c.fs.MkdirAll(dir); err != nil {
		return nil, Classify(ctx, "mkdir", dir, err)
	}

	tmp := TempPath(remotePath, src.Checksum)
	var offset int64
	if c.resume {
		if info, err := c.fs.Stat(tmp); err == nil && info.Size() <= src.Size {
			offset = info.Size()
		}
	}

	if offset < src.Size || src.Size == 0 {
		if err := c.write(ctx, src, tmp, offset); err != nil {
			return nil, err
		}
	}

	if err := c.fs.Rename(tmp, remotePath); err != nil {
		return nil, Classify(ctx, "rename", remotePath, err)
	}

	info, err := c.fs.Stat(remotePath)
	if err != nil {
		return nil, Classify(ctx, "stat", remotePath, err)
	}

	receipt := &Receipt{
		RemotePath: remotePath,
		Size:       info.Size(),
		Resumed:    offset > 0,
		Offset:     offset,
	}
	if c.readback {
		sum, err := c.hash(remotePath, src.Algorithm)
		if err != nil {
			return nil, Classify(ctx, "readback", remotePath, err)
		}
		receipt.Checksum = sum
	}
	receipt.Duration = time.Since(start)

	slog.Debug("upload complete", "backend", c.name, "path", remotePath,
		"size", humanize.Bytes(uint64(receipt.Size)), "resumedAt", offset, "took", receipt.Duration)
	return receipt, nil
}

func (c *fsClient) write(ctx context.Context, src Source, tmp string, offset int64) error {
	f, err := os.Open(src.Path)
	if err != nil {
		// local side; not a remote failure but still worth a retry
		return &Error{Kind: RemoteIOFailure, Op: "open source", Path: src.Path, Err: err}
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return &Error{Kind: RemoteIOFailure, Op: "seek source", Path: src.Path, Err: err}
		}
		slog.Info("upload resume", "backend", c.name, "path", tmp, "offset", humanize.Bytes(uint64(offset)))
	}

	w, err := c.fs.OpenAt(tmp, offset)
	if err != nil {
		return Classify(ctx, "create", tmp, err)
	}

	reader := &progressReader{ctx: ctx, r: f, written: offset, fn: src.Progress}
	if _, err := io.Copy(w, reader); err != nil {
		w.Close()
		return Classify(ctx, "write", tmp, err)
	}
	if err := w.Close(); err != nil {
		return Classify(ctx, "close", tmp, err)
	}
	return nil
}

func (c *fsClient) hash(remotePath string, algo compress.ChecksumAlgorithm) (string, error) {
	r, err := c.fs.Open(remotePath)
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := algo.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *fsClient) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := c.Size(ctx, remotePath)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *fsClient) Size(ctx context.Context, remotePath string) (int64, error) {
	stop := context.AfterFunc(ctx, c.fs.Abort)
	defer stop()

	info, err := c.fs.Stat(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, Classify(ctx, "stat", remotePath, err)
	}
	return info.Size(), nil
}

func (c *fsClient) Checksum(ctx context.Context, remotePath string, algo compress.ChecksumAlgorithm) (string, error) {
	if !c.readback {
		return "", ErrChecksumUnsupported
	}
	stop := context.AfterFunc(ctx, c.fs.Abort)
	defer stop()

	sum, err := c.hash(remotePath, algo)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", Classify(ctx, "checksum", remotePath, err)
	}
	return sum, nil
}

func (c *fsClient) Remove(ctx context.Context, remotePath string) error {
	stop := context.AfterFunc(ctx, c.fs.Abort)
	defer stop()

	if err := c.fs.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Classify(ctx, "remove", remotePath, err)
	}
	return nil
}

func (c *fsClient) Ping(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.fs.Abort)
	defer stop()

	base := c.base
	if base == "" {
		base = "."
	}
	// the {world} part does not exist yet; check the deepest fixed parent
	if i := indexPlaceholder(base); i >= 0 {
		base = path.Dir(base[:i] + "x")
	}
	if err := c.fs.MkdirAll(base); err != nil {
		return Classify(ctx, "ping", base, err)
	}
	info, err := c.fs.Stat(base)
	if err != nil {
		return Classify(ctx, "ping", base, err)
	}
	if !info.IsDir() {
		return &Error{Kind: RemoteIOFailure, Op: "ping", Path: base, Err: fmt.Errorf("not a directory")}
	}
	return nil
}

func (c *fsClient) Close() error {
	return c.fs.Close()
}

// progressReader stops the copy when ctx ends and reports progress.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	written int64
	fn      func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.fn != nil {
			p.fn(p.written)
		}
	}
	return n, err
}
