package compress

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRegion writes a sector aligned, compressible fake region file.
func writeRegion(t *testing.T, dir string, sectors int) string {
	t.Helper()
	path := filepath.Join(dir, "r.0.0.mca")
	data := bytes.Repeat([]byte("minecraft:stone;"), sectors*regionSectorSize/16)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newCompressor(t *testing.T, codec Codec, algo ChecksumAlgorithm) *Compressor {
	t.Helper()
	c, err := New(Config{
		StagingDir: filepath.Join(t.TempDir(), "staging"),
		Codec:      codec,
		Level:      3,
		Checksum:   algo,
	})
	require.NoError(t, err)
	return c
}

func TestCompress_RoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecZstd, CodecLZ4} {
		for _, algo := range []ChecksumAlgorithm{ChecksumSHA256, ChecksumBlake3} {
			t.Run(string(codec)+"/"+string(algo), func(t *testing.T) {
				src := writeRegion(t, t.TempDir(), 64)
				c := newCompressor(t, codec, algo)

				artifact, err := c.Compress(context.Background(), src)
				require.NoError(t, err)
				defer artifact.Remove()

				info, err := os.Stat(artifact.Path)
				require.NoError(t, err)
				assert.Equal(t, info.Size(), artifact.Size)
				assert.Less(t, artifact.Size, artifact.SourceSize)
				assert.Equal(t, int64(64*regionSectorSize), artifact.SourceSize)
				srcInfo, err := os.Stat(src)
				require.NoError(t, err)
				assert.True(t, srcInfo.ModTime().Equal(artifact.SourceModTime))

				// checksum is over the compressed bytes
				sum, err := Checksum(artifact.Path, algo)
				require.NoError(t, err)
				assert.Equal(t, sum, artifact.Checksum)

				restored := filepath.Join(t.TempDir(), "r.0.0.mca")
				compressed := filepath.Join(t.TempDir(), "r.0.0.mca"+codec.Suffix())
				require.NoError(t, os.Rename(artifact.Path, compressed))

				n, err := Decompress(compressed, restored)
				require.NoError(t, err)
				assert.Equal(t, artifact.SourceSize, n)

				want, _ := os.ReadFile(src)
				got, _ := os.ReadFile(restored)
				assert.Equal(t, want, got)
			})
		}
	}
}

func TestCompress_CorruptInput(t *testing.T) {
	c := newCompressor(t, CodecZstd, ChecksumSHA256)
	dir := t.TempDir()

	cases := map[string][]byte{
		"empty":     {},
		"short":     make([]byte, 100),
		"unaligned": make([]byte, regionHeaderSize+10),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".mca")
			require.NoError(t, os.WriteFile(path, data, 0o644))

			_, err := c.Compress(context.Background(), path)
			require.Error(t, err)
			assert.True(t, IsCorrupt(err))

			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			assert.False(t, cerr.Retryable())
			assert.Equal(t, "CorruptInput", cerr.Kind.String())
		})
	}
}

func TestCompress_MissingFileIsRetryable(t *testing.T) {
	c := newCompressor(t, CodecZstd, ChecksumSHA256)

	_, err := c.Compress(context.Background(), filepath.Join(t.TempDir(), "r.9.9.mca"))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, IOFailure, cerr.Kind)
	assert.Equal(t, "IOFailure", cerr.Kind.String())
	assert.True(t, cerr.Retryable())
}

func TestCompress_CancelledContext(t *testing.T) {
	src := writeRegion(t, t.TempDir(), 4)
	c := newCompressor(t, CodecZstd, ChecksumSHA256)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Compress(ctx, src)
	require.Error(t, err)

	// nothing left behind in staging
	left, err := filepath.Glob(filepath.Join(c.stagingDir, artifactPattern))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCompressor_CleanStaging(t *testing.T) {
	c := newCompressor(t, CodecZstd, ChecksumSHA256)
	require.NoError(t, os.WriteFile(filepath.Join(c.stagingDir, "r.0.0.mca.abcd.zst.artifact"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(c.stagingDir, "keep.txt"), []byte("x"), 0o644))

	removed, err := c.CleanStaging()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.FileExists(t, filepath.Join(c.stagingDir, "keep.txt"))
}

func TestClampLevel(t *testing.T) {
	assert.Equal(t, 1, ClampLevel(-5))
	assert.Equal(t, 3, ClampLevel(3))
	assert.Equal(t, 19, ClampLevel(40))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	c, err = ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, ".lz4", c.Suffix())

	_, err = ParseCodec("gzip")
	assert.Error(t, err)
}
