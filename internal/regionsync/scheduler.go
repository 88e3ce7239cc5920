package regionsync

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/queue"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/utils"
)

func (c *Coordinator) schedule(key region.Key, delay time.Duration) {
	due := time.Now().Add(delay)
	c.mu.Lock()
	c.scheduled[key] = due
	c.mu.Unlock()
	c.retries.Enqueue(key, due.UnixNano())
	c.notify()
}

// dispatch moves due retries back to pending and keeps the transfer queue
// topped up from the backlog until shutdown or halt.
func (c *Coordinator) dispatch() {
	ticker := time.NewTicker(c.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		c.promoteDue(time.Now())
		c.fill()

		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Coordinator) promoteDue(now time.Time) {
	for _, key := range c.retries.DequeueUntil(now.UnixNano()) {
		c.mu.Lock()
		due, ok := c.scheduled[key]
		if !ok || due.After(now) {
			// superseded by a manual retry or a later schedule
			c.mu.Unlock()
			continue
		}
		delete(c.scheduled, key)
		c.mu.Unlock()

		ok, err := c.requeue(key, false)
		if err != nil {
			c.halt(err)
			return
		}
		if ok {
			slog.Debug("retry due", "key", key)
		}
	}
}

// fill moves backlog jobs onto the transfer queue, oldest first, while it has room.
func (c *Coordinator) fill() {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()

	for c.queue.Len() < c.queue.Cap() {
		job, ok := c.backlog.Dequeue()
		if !ok {
			return
		}
		if state, known := c.Status(job.Key); !known || state != ledger.StatePending {
			job.markAdmitted()
			continue
		}
		_, err := c.queue.TryPush(job.Key, job)
		if errors.Is(err, queue.ErrFull) {
			c.backlog.Enqueue(job, job.order)
			return
		}
		job.markAdmitted()
		if err != nil {
			return
		}
	}
}

func (c *Coordinator) summaryLoop() {
	ticker := time.NewTicker(c.opts.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.logSummary()
		}
	}
}

func (c *Coordinator) logSummary() {
	s := c.Summary()
	args := []any{
		"pending", s.Counts[ledger.StatePending],
		"inFlight", s.InFlight,
		"queued", s.Queued,
		"retrying", s.RetryScheduled,
		"done", s.Counts[ledger.StateDone],
		"failed", s.Counts[ledger.StateFailed],
		"terminal", s.TerminalFailures,
		"synced", humanize.IBytes(uint64(s.BytesSynced)),
		"uploaded", humanize.IBytes(uint64(s.BytesCompressed)),
	}
	if c.opts.DiskPath != "" {
		if free, err := utils.DiskFree(c.opts.DiskPath); err == nil {
			args = append(args, "diskFree", humanize.IBytes(free))
		}
	}
	if s.Fatal != "" {
		args = append(args, "fatal", s.Fatal)
		slog.Error("region sync summary", args...)
		return
	}
	slog.Info("region sync summary", args...)
}
