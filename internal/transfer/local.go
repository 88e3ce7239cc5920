package transfer

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// localFS writes to a directory on a local or mounted filesystem.
type localFS struct{}

func (localFS) Stat(p string) (fs.FileInfo, error) {
	return os.Stat(filepath.FromSlash(p))
}

func (localFS) Open(p string) (io.ReadCloser, error) {
	return os.Open(filepath.FromSlash(p))
}

func (localFS) OpenAt(p string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.FromSlash(p), flags, 0o644)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &syncCloser{f}, nil
}

func (localFS) MkdirAll(p string) error {
	return os.MkdirAll(filepath.FromSlash(p), 0o755)
}

func (localFS) Rename(oldPath, newPath string) error {
	return os.Rename(filepath.FromSlash(oldPath), filepath.FromSlash(newPath))
}

func (localFS) Remove(p string) error {
	return os.Remove(filepath.FromSlash(p))
}

func (localFS) Abort() {}

func (localFS) Close() error {
	return nil
}

// syncCloser fsyncs before closing so the rename never exposes unflushed data.
type syncCloser struct {
	*os.File
}

func (s *syncCloser) Close() error {
	if err := s.File.Sync(); err != nil {
		s.File.Close()
		return err
	}
	return s.File.Close()
}

// NewLocalClient returns a Client writing below cfg.BasePath on this machine.
func NewLocalClient(cfg Config) (Client, error) {
	return &fsClient{
		name:     TypeLocal,
		base:     filepath.ToSlash(cfg.BasePath),
		fs:       localFS{},
		resume:   cfg.Resume,
		readback: cfg.VerifyReadback,
	}, nil
}
