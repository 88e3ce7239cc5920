package compress

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Codec is the block-compression codec applied to region files.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
)

const (
	minLevel     = 1
	maxLevel     = 19
	DefaultLevel = 3
)

func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "zstd", "zst":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression codec: %q", name)
	}
}

// Suffix is appended to the region file name of compressed artifacts.
func (c Codec) Suffix() string {
	switch c {
	case CodecLZ4:
		return ".lz4"
	default:
		return ".zst"
	}
}

// CodecForName returns the codec a compressed file name was produced with.
func CodecForName(name string) (Codec, bool) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		return CodecZstd, true
	case strings.HasSuffix(name, ".lz4"):
		return CodecLZ4, true
	}
	return "", false
}

// ClampLevel bounds a zstd-style level to 1..19.
func ClampLevel(level int) int {
	return max(minLevel, min(maxLevel, level))
}

func (c Codec) newWriter(w io.Writer, level int) (io.WriteCloser, error) {
	switch c {
	case CodecZstd:
		// single goroutine keeps memory bounded and output deterministic
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("lz4 options: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unsupported codec: %q", c)
	}
}

func (c Codec) newReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %q", c)
	}
}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// lz4Level maps 1..19 onto lz4's fast mode and its nine HC levels.
func lz4Level(level int) lz4.CompressionLevel {
	idx := (ClampLevel(level) - 1) / 2
	return lz4Levels[min(idx, len(lz4Levels)-1)]
}

// ChecksumAlgorithm names the content hash computed over compressed bytes.
type ChecksumAlgorithm string

const (
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
	ChecksumBlake3 ChecksumAlgorithm = "blake3"
)

func ParseChecksumAlgorithm(name string) (ChecksumAlgorithm, error) {
	switch strings.ToLower(name) {
	case "", "sha256":
		return ChecksumSHA256, nil
	case "blake3":
		return ChecksumBlake3, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm: %q", name)
	}
}

func (a ChecksumAlgorithm) New() hash.Hash {
	if a == ChecksumBlake3 {
		return blake3.New()
	}
	return sha256.New()
}
