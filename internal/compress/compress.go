package compress

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/regionsync/internal/utils"
)

const (
	// BlockSize is the read size used while streaming a region file.
	BlockSize = 1 << 20

	// region files are a 8 KiB header followed by whole 4 KiB sectors
	regionHeaderSize = 8192
	regionSectorSize = 4096

	artifactPattern = "*.artifact"
)

type Config struct {
	StagingDir string
	Codec      Codec
	Level      int
	Checksum   ChecksumAlgorithm
}

// Artifact is a compressed region file waiting in the staging directory.
type Artifact struct {
	Path          string
	Size          int64
	Checksum      string
	Algorithm     ChecksumAlgorithm
	Codec         Codec
	SourcePath    string
	SourceSize    int64
	SourceModTime time.Time
}

// Remove deletes the staged file. Missing files are not an error.
func (a *Artifact) Remove() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Ratio is compressed size over source size, in percent.
func (a *Artifact) Ratio() float64 {
	if a.SourceSize == 0 {
		return 0
	}
	return float64(a.Size) / float64(a.SourceSize) * 100
}

type Compressor struct {
	stagingDir string
	codec      Codec
	level      int
	checksum   ChecksumAlgorithm
}

func New(cfg Config) (*Compressor, error) {
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging dir is required")
	}
	if err := utils.EnsureDir(cfg.StagingDir); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", cfg.StagingDir, err)
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecZstd
	}
	if cfg.Checksum == "" {
		cfg.Checksum = ChecksumSHA256
	}
	if cfg.Level == 0 {
		cfg.Level = DefaultLevel
	}

	return &Compressor{
		stagingDir: cfg.StagingDir,
		codec:      cfg.Codec,
		level:      ClampLevel(cfg.Level),
		checksum:   cfg.Checksum,
	}, nil
}

func (c *Compressor) Codec() Codec {
	return c.codec
}

func (c *Compressor) ChecksumAlgorithm() ChecksumAlgorithm {
	return c.checksum
}

// Compress streams src through the codec into a new artifact in the staging directory.
// The checksum covers the compressed bytes.
func (c *Compressor) Compress(ctx context.Context, src string) (*Artifact, error) {
	start := time.Now()

	in, err := os.Open(src)
	if err != nil {
		return nil, ioFailure(src, err)
	}
	defer in.Close()

	before, err := in.Stat()
	if err != nil {
		return nil, ioFailure(src, err)
	}
	if err := validateRegionSize(before.Size()); err != nil {
		return nil, corruptInput(src, err)
	}

	name := fmt.Sprintf("%s.%s%s.artifact", filepath.Base(src), uuid.NewString()[:8], c.codec.Suffix())
	outPath := filepath.Join(c.stagingDir, name)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ioFailure(src, err)
	}

	artifact, err := c.stream(ctx, in, out, src, before.Size())
	if cerr := out.Close(); err == nil && cerr != nil {
		err = ioFailure(src, cerr)
	}
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}
	artifact.Path = outPath
	artifact.SourceModTime = before.ModTime()

	// a generator still writing the file invalidates what we just read
	after, err := os.Stat(src)
	if err != nil {
		os.Remove(outPath)
		return nil, ioFailure(src, err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		os.Remove(outPath)
		return nil, ioFailure(src, fmt.Errorf("source changed while compressing"))
	}

	slog.Debug("compressed",
		"path", src,
		"codec", c.codec,
		"size", humanize.IBytes(uint64(artifact.SourceSize)),
		"compressed", humanize.IBytes(uint64(artifact.Size)),
		"ratio", fmt.Sprintf("%.1f%%", artifact.Ratio()),
		"took", time.Since(start),
	)
	return artifact, nil
}

func (c *Compressor) stream(ctx context.Context, in io.Reader, out io.Writer, src string, size int64) (*Artifact, error) {
	hasher := c.checksum.New()
	counter := &countingWriter{}
	sink := io.MultiWriter(out, hasher, counter)

	enc, err := c.codec.newWriter(sink, c.level)
	if err != nil {
		return nil, ioFailure(src, err)
	}

	buf := make([]byte, BlockSize)
	var read int64
	for {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return nil, ioFailure(src, err)
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			read += int64(n)
			if _, err := enc.Write(buf[:n]); err != nil {
				enc.Close()
				return nil, ioFailure(src, err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			enc.Close()
			return nil, ioFailure(src, rerr)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, ioFailure(src, err)
	}
	if read != size {
		return nil, ioFailure(src, fmt.Errorf("read %d bytes, expected %d", read, size))
	}

	return &Artifact{
		Size:       counter.n,
		Checksum:   hex.EncodeToString(hasher.Sum(nil)),
		Algorithm:  c.checksum,
		Codec:      c.codec,
		SourcePath: src,
		SourceSize: size,
	}, nil
}

// CleanStaging removes artifacts left behind by a previous run.
func (c *Compressor) CleanStaging() (int, error) {
	matches, err := filepath.Glob(filepath.Join(c.stagingDir, artifactPattern))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Checksum hashes a file with the given algorithm.
func Checksum(path string, algo ChecksumAlgorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := algo.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decompress restores a compressed region file. The codec is taken from the src suffix.
func Decompress(src, dst string) (int64, error) {
	codec, ok := CodecForName(src)
	if !ok {
		return 0, fmt.Errorf("%s: unknown compressed file suffix", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	dec, err := codec.newReader(in)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", src, err)
	}
	defer dec.Close()

	if err := utils.EnsureParent(dst); err != nil {
		return 0, err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.CopyBuffer(out, dec, make([]byte, BlockSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("decompress %s: %w", src, err)
	}
	return n, os.Rename(tmp, dst)
}

func validateRegionSize(size int64) error {
	if size == 0 {
		return fmt.Errorf("empty region file")
	}
	if size < regionHeaderSize {
		return fmt.Errorf("region file smaller than header (%d bytes)", size)
	}
	if size%regionSectorSize != 0 {
		return fmt.Errorf("region file size %d is not sector aligned", size)
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
