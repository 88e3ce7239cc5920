package regionsync

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/transfer"
)

type stagingCleaner interface {
	CleanStaging() (int, error)
}

// recover rebuilds in-memory state from the ledger and resolves entries a
// previous run left mid-flight. Compressing goes back to pending. Uploading
// and verifying are checked against the remote and become done when the
// remote copy is intact, pending otherwise. Nothing is re-uploaded blindly.
// An interrupted attempt is not charged against the entry.
func (c *Coordinator) recover(ctx context.Context) error {
	if cleaner, ok := c.compressor.(stagingCleaner); ok {
		if n, err := cleaner.CleanStaging(); err != nil {
			slog.Warn("clean staging", "error", err)
		} else if n > 0 {
			slog.Info("removed stale artifacts", "count", n)
		}
	}

	stored, err := c.ledger.Load()
	if err != nil {
		return err
	}
	entries := make([]*ledger.Entry, 0, len(stored))
	for _, e := range stored {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, bySeq)

	c.mu.Lock()
	for _, e := range entries {
		c.entries[e.Key] = e.Clone()
	}
	c.mu.Unlock()

	r := &recovery{c: c}
	defer r.release()

	for _, e := range entries {
		if err := r.resolve(ctx, e); err != nil {
			return err
		}
	}

	// rebuild the backlog from what the ledger now holds
	work, err := c.ledger.AllPendingOrFailed()
	if err != nil {
		return err
	}
	failed := 0
	for _, e := range work {
		switch e.State {
		case ledger.StatePending:
			c.enqueueBacklog(&Job{Key: e.Key, LocalPath: e.LocalPath})
		case ledger.StateFailed:
			failed++
		}
	}

	slog.Info("ledger recovered", "entries", len(entries), "pending", c.backlog.Len(), "failed", failed,
		"resumed", r.resumed, "verified", r.verified, "exhausted", r.exhausted)
	return nil
}

// recovery holds one lease across all remote checks.
type recovery struct {
	c         *Coordinator
	lease     *transfer.Lease
	resumed   int
	verified  int
	exhausted int
}

func (r *recovery) resolve(ctx context.Context, e *ledger.Entry) error {
	c := r.c
	switch e.State {
	case ledger.StateCompressing:
		r.resumed++
		refund(e)
		return c.advance(e, ledger.StatePending)

	case ledger.StateUploading, ledger.StateVerifying:
		r.resumed++
		intact := r.remoteIntact(ctx, e)
		if !intact {
			refund(e)
			return c.advance(e, ledger.StatePending)
		}
		r.verified++
		e.Attempts = 0
		if err := c.advance(e, ledger.StateDone); err != nil {
			return err
		}
		slog.Info("region verified after restart", "key", e.Key, "remote", e.RemotePath)
		c.cleanupLocal(e)

	case ledger.StateFailed:
		if !e.Terminal && e.Attempts >= c.opts.MaxAttempts {
			// budget spent before the retry ran
			r.exhausted++
			e.Terminal = true
			slog.Error("region sync failed permanently", "key", e.Key, "attempts", e.Attempts,
				"kind", e.FailureKind, "reason", e.Reason)
			if err := c.commit(e); err != nil {
				return err
			}
		}
		if e.Terminal {
			if !c.opts.RetryFailedOnRestart {
				return nil
			}
			e.Attempts = 0
		}
		return c.advance(e, ledger.StatePending)

	case ledger.StateDone:
		// crashed between commit and cleanup
		c.cleanupLocal(e)
	}
	return nil
}

// refund takes back the attempt a restart interrupted.
func refund(e *ledger.Entry) {
	if e.Attempts > 0 {
		e.Attempts--
	}
}

// remoteIntact reports whether the remote copy matches the recorded artifact.
// Any doubt, including an unreachable remote, counts as not intact.
func (r *recovery) remoteIntact(ctx context.Context, e *ledger.Entry) bool {
	c := r.c
	if e.RemotePath == "" || e.CompressedSize == 0 || c.isHalted() {
		return false
	}

	if r.lease == nil {
		lease, err := c.pool.Acquire(ctx)
		if err != nil {
			r.checkFatal(err)
			slog.Warn("remote unavailable during recovery", "key", e.Key, "error", err)
			return false
		}
		r.lease = lease
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	size, err := r.lease.Size(opCtx, e.RemotePath)
	if errors.Is(err, transfer.ErrNotFound) {
		return false
	}
	if err != nil {
		r.drop(err)
		return false
	}
	if size != e.CompressedSize {
		return false
	}

	sum, err := r.lease.Checksum(opCtx, e.RemotePath, c.opts.Checksum)
	switch {
	case errors.Is(err, transfer.ErrChecksumUnsupported):
		return true
	case errors.Is(err, transfer.ErrNotFound):
		return false
	case err != nil:
		r.drop(err)
		return false
	}
	return sum == e.Checksum
}

func (r *recovery) drop(err error) {
	r.lease.Release(err)
	r.lease = nil
	r.checkFatal(err)
	slog.Warn("remote check failed during recovery", "error", err)
}

func (r *recovery) checkFatal(err error) {
	if transfer.IsAuthFailure(err) {
		r.c.halt(err)
	}
}

func (r *recovery) release() {
	if r.lease != nil {
		r.lease.Release(nil)
		r.lease = nil
	}
}
