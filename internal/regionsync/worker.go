package regionsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/transfer"
	"github.com/openmined/regionsync/internal/utils"
)

func (c *Coordinator) worker(id int) {
	slog.Debug("worker started", "worker", id)
	defer slog.Debug("worker stopped", "worker", id)

	for {
		if c.isHalted() {
			return
		}
		_, job, err := c.queue.Pop(c.runCtx)
		if err != nil {
			return
		}
		// a slot opened; let dispatch refill it from the backlog
		c.notify()
		if c.isHalted() {
			return
		}
		c.process(c.workCtx, job)
	}
}

// process runs one attempt for a job: compress, upload, verify, then local cleanup.
func (c *Coordinator) process(ctx context.Context, job *Job) {
	key := job.Key
	if !c.inFlight.Add(key) {
		return
	}
	defer func() {
		c.inFlight.Remove(key)
		c.mu.Lock()
		delete(c.progress, key)
		c.mu.Unlock()
	}()

	entry := c.Entry(key)
	if entry == nil || entry.State != ledger.StatePending {
		return
	}

	entry.Attempts++
	if err := c.advance(entry, ledger.StateCompressing); err != nil {
		c.halt(err)
		return
	}

	artifact, err := c.compressor.Compress(ctx, entry.LocalPath)
	if err != nil {
		c.fail(ctx, entry, err)
		return
	}
	// the artifact never outlives the attempt
	defer artifact.Remove()

	if job.ExpectedSize > 0 && artifact.SourceSize != job.ExpectedSize {
		c.fail(ctx, entry, &compress.Error{
			Kind: compress.IOFailure,
			Path: entry.LocalPath,
			Err:  fmt.Errorf("read %d bytes, producer reported %d", artifact.SourceSize, job.ExpectedSize),
		})
		return
	}

	entry.SourceSize = artifact.SourceSize
	entry.SourceModTime = artifact.SourceModTime
	entry.CompressedSize = artifact.Size
	entry.Checksum = artifact.Checksum
	entry.RemotePath = c.opts.Layout.Path(key)
	if err := c.advance(entry, ledger.StateUploading); err != nil {
		c.halt(err)
		return
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		c.fail(ctx, entry, err)
		return
	}

	receipt, err := c.upload(ctx, lease, artifact, entry)
	if err != nil {
		lease.Release(err)
		c.fail(ctx, entry, err)
		return
	}

	if err := c.advance(entry, ledger.StateVerifying); err != nil {
		lease.Release(nil)
		c.halt(err)
		return
	}

	err = c.verify(ctx, lease, artifact, receipt)
	lease.Release(err)
	if err != nil {
		c.fail(ctx, entry, err)
		return
	}

	attempts := entry.Attempts
	entry.Attempts = 0
	if err := c.advance(entry, ledger.StateDone); err != nil {
		c.halt(err)
		return
	}
	c.uploaded.Add(1)
	c.synced.Add(artifact.SourceSize)

	slog.Info("region synced",
		"key", key,
		"remote", receipt.RemotePath,
		"size", humanize.IBytes(uint64(artifact.SourceSize)),
		"compressed", humanize.IBytes(uint64(artifact.Size)),
		"attempts", attempts,
		"resumed", receipt.Resumed,
		"took", receipt.Duration,
	)
	c.cleanupLocal(entry)
}

func (c *Coordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OpTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.OpTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Coordinator) upload(ctx context.Context, client transfer.Client, artifact *compress.Artifact, entry *ledger.Entry) (*transfer.Receipt, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	key := entry.Key
	src := transfer.Source{
		Path:      artifact.Path,
		Size:      artifact.Size,
		Checksum:  artifact.Checksum,
		Algorithm: artifact.Algorithm,
		Progress: func(n int64) {
			c.mu.Lock()
			c.progress[key] = n
			c.mu.Unlock()
		},
	}
	return client.Upload(opCtx, src, entry.RemotePath)
}

// verify checks the receipt against the local artifact. When the receipt has
// no checksum the remote is asked for one; backends that cannot compute it
// are verified by size alone.
func (c *Coordinator) verify(ctx context.Context, client transfer.Client, artifact *compress.Artifact, receipt *transfer.Receipt) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	var verr *VerificationError
	if receipt.Size != artifact.Size {
		verr = &VerificationError{
			Kind:       SizeMismatch,
			RemotePath: receipt.RemotePath,
			Expected:   strconv.FormatInt(artifact.Size, 10),
			Actual:     strconv.FormatInt(receipt.Size, 10),
		}
	} else {
		sum := receipt.Checksum
		if sum == "" {
			remote, err := client.Checksum(opCtx, receipt.RemotePath, artifact.Algorithm)
			switch {
			case errors.Is(err, transfer.ErrChecksumUnsupported):
				slog.Debug("remote checksum unavailable, verified by size", "remote", receipt.RemotePath)
			case err != nil:
				return err
			default:
				sum = remote
			}
		}
		if sum != "" && sum != artifact.Checksum {
			verr = &VerificationError{
				Kind:       ChecksumMismatch,
				RemotePath: receipt.RemotePath,
				Expected:   artifact.Checksum,
				Actual:     sum,
			}
		}
	}

	if verr != nil {
		// a bad copy must not be mistaken for a good one during recovery
		if err := client.Remove(opCtx, receipt.RemotePath); err != nil {
			slog.Warn("remove mismatched remote copy", "remote", receipt.RemotePath, "error", err)
		}
		return verr
	}
	return nil
}

// fail records a failed attempt and schedules the retry, if any.
func (c *Coordinator) fail(ctx context.Context, entry *ledger.Entry, err error) {
	if ctx.Err() != nil {
		// shutting down; the entry stays where it is and recovery resolves it
		slog.Info("region sync interrupted", "key", entry.Key, "state", entry.State)
		return
	}
	if ledger.IsLedgerError(err) {
		c.halt(err)
		return
	}

	kind, retryable := failureKind(err)
	auth := transfer.IsAuthFailure(err)
	if auth && entry.Attempts > 0 {
		// the pipeline halts; the attempt is not the region's fault
		entry.Attempts--
	}
	terminal := !auth && (!retryable || entry.Attempts >= c.opts.MaxAttempts)

	if ferr := entry.Fail(kind, err.Error(), terminal); ferr != nil {
		slog.Error("record failure", "key", entry.Key, "error", ferr)
		return
	}
	if compress.IsCorrupt(err) {
		if moved, qerr := c.quarantine(entry); qerr != nil {
			slog.Warn("quarantine region file", "key", entry.Key, "error", qerr)
		} else {
			entry.LocalPath = moved
		}
	}
	if cerr := c.commit(entry); cerr != nil {
		c.halt(cerr)
		return
	}
	c.failures.Add(1)

	switch {
	case auth:
		c.halt(err)
	case terminal:
		slog.Error("region sync failed permanently", "key", entry.Key, "attempts", entry.Attempts,
			"kind", kind, "reason", err)
	default:
		delay := c.opts.Backoff.Delay(entry.Attempts)
		slog.Warn("region sync attempt failed", "key", entry.Key, "attempt", entry.Attempts,
			"kind", kind, "error", err, "retryIn", delay)
		c.schedule(entry.Key, delay)
	}
}

// cleanupLocal reclaims the local region file of a done entry. A file whose
// size or modification time differs from the synced source is kept.
func (c *Coordinator) cleanupLocal(entry *ledger.Entry) {
	if entry.State != ledger.StateDone || c.opts.LocalCleanup == CleanupKeep {
		return
	}
	info, err := os.Stat(entry.LocalPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("stat synced region file", "path", entry.LocalPath, "error", err)
		}
		return
	}
	if info.Size() != entry.SourceSize ||
		(!entry.SourceModTime.IsZero() && !info.ModTime().Equal(entry.SourceModTime)) {
		slog.Warn("region file changed after sync, kept", "key", entry.Key, "path", entry.LocalPath,
			"size", info.Size(), "syncedSize", entry.SourceSize,
			"modTime", info.ModTime(), "syncedModTime", entry.SourceModTime)
		return
	}

	switch c.opts.LocalCleanup {
	case CleanupDelete:
		if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("delete synced region file", "path", entry.LocalPath, "error", err)
			return
		}
		slog.Debug("deleted synced region file", "path", entry.LocalPath)
	case CleanupArchive:
		dst := localDest(c.opts.ArchiveDir, entry.Key)
		if err := utils.MoveFile(entry.LocalPath, dst); err != nil {
			slog.Warn("archive synced region file", "path", entry.LocalPath, "error", err)
			return
		}
		slog.Debug("archived synced region file", "path", entry.LocalPath, "archive", dst)
	}
}

func (c *Coordinator) quarantine(entry *ledger.Entry) (string, error) {
	if c.opts.QuarantineDir == "" {
		return entry.LocalPath, nil
	}
	dst := localDest(c.opts.QuarantineDir, entry.Key)
	if err := utils.MoveFile(entry.LocalPath, dst); err != nil {
		return "", err
	}
	slog.Warn("region file quarantined", "key", entry.Key, "path", dst)
	return dst, nil
}

func localDest(dir string, key region.Key) string {
	return filepath.Join(dir, key.World, filepath.FromSlash(key.RelativePath()))
}
