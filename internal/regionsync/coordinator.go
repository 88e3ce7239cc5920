// Package regionsync runs the region sync pipeline: completed region files
// are queued, compressed, uploaded, verified and then removed locally, with
// every step recorded in the ledger first.
package regionsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/queue"
	"github.com/openmined/regionsync/internal/region"
	"github.com/openmined/regionsync/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	QueueBlock = "block"
	QueueDrop  = "drop"

	CleanupDelete  = "delete"
	CleanupArchive = "archive"
	CleanupKeep    = "keep"
)

// Compressor produces the artifact for one region file.
type Compressor interface {
	Compress(ctx context.Context, path string) (*compress.Artifact, error)
}

// Job is one unit of work on the transfer queue.
type Job struct {
	Key       region.Key
	LocalPath string
	// ExpectedSize is the size reported with the completion event, zero when
	// unknown or when the job comes from a retry.
	ExpectedSize int64

	// order is the position in the backlog, taken when the job entered pending.
	order int64
	// admitted is closed once a deferred job leaves the backlog.
	admitted chan struct{}
}

func (j *Job) markAdmitted() {
	if j.admitted != nil {
		close(j.admitted)
	}
}

type Options struct {
	Workers              int
	QueueCapacity        int
	QueueFullPolicy      string
	MaxAttempts          int
	Backoff              Backoff
	LocalCleanup         string
	ArchiveDir           string
	QuarantineDir        string
	RetryFailedOnRestart bool
	SummaryInterval      time.Duration
	DispatchInterval     time.Duration
	OpTimeout            time.Duration
	Layout               transfer.Layout
	Checksum             compress.ChecksumAlgorithm
	// DiskPath is reported in the periodic summary with its free space.
	DiskPath string
	// WorldsDir confines completion events: a local path must be the region
	// file of the event's key under this directory. Empty accepts any path
	// whose file name matches the key.
	WorldsDir string
}

func (o *Options) applyDefaults() {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.QueueCapacity < 1 {
		o.QueueCapacity = 256
	}
	if o.QueueFullPolicy == "" {
		o.QueueFullPolicy = QueueBlock
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = time.Second
	}
	if o.Backoff.Max < o.Backoff.Base {
		o.Backoff.Max = o.Backoff.Base
	}
	if o.LocalCleanup == "" {
		o.LocalCleanup = CleanupDelete
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 250 * time.Millisecond
	}
	if o.Checksum == "" {
		o.Checksum = compress.ChecksumSHA256
	}
}

// Coordinator owns the ledger, the queue and the worker pool.
type Coordinator struct {
	opts       Options
	ledger     *ledger.Ledger
	compressor Compressor
	pool       *transfer.Pool

	queue    *queue.Bounded[region.Key, *Job]
	backlog  *queue.PriorityQueue[*Job]
	admitMu  sync.Mutex
	order    atomic.Int64
	retries  *queue.PriorityQueue[region.Key]
	inFlight mapset.Set[region.Key]

	mu        sync.Mutex
	entries   map[region.Key]*ledger.Entry
	scheduled map[region.Key]time.Time
	progress  map[region.Key]int64

	runCtx       context.Context
	stopDispatch context.CancelFunc
	workCtx      context.Context
	cancelWork   context.CancelFunc
	wake         chan struct{}
	group        errgroup.Group
	started      atomic.Bool
	recovered    atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	halted   chan struct{}
	haltOnce sync.Once
	fatal    atomic.Pointer[error]

	synced   atomic.Int64
	uploaded atomic.Int64
	failures atomic.Int64
}

// New builds a coordinator around an open ledger. The coordinator takes
// ownership of the ledger and the pool and closes both on Shutdown.
func New(opts Options, l *ledger.Ledger, c Compressor, pool *transfer.Pool) *Coordinator {
	opts.applyDefaults()

	runCtx, stopDispatch := context.WithCancel(context.Background())
	workCtx, cancelWork := context.WithCancel(context.Background())

	return &Coordinator{
		opts:         opts,
		ledger:       l,
		compressor:   c,
		pool:         pool,
		queue:        queue.NewBounded[region.Key, *Job](opts.QueueCapacity),
		backlog:      queue.NewPriorityQueue[*Job](),
		retries:      queue.NewPriorityQueue[region.Key](),
		inFlight:     mapset.NewSet[region.Key](),
		entries:      make(map[region.Key]*ledger.Entry),
		scheduled:    make(map[region.Key]time.Time),
		progress:     make(map[region.Key]int64),
		runCtx:       runCtx,
		stopDispatch: stopDispatch,
		workCtx:      workCtx,
		cancelWork:   cancelWork,
		wake:         make(chan struct{}, 1),
		halted:       make(chan struct{}),
	}
}

// Start recovers interrupted work from the ledger and starts the workers.
// ctx bounds recovery only; the pipeline runs until Shutdown.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := c.recover(ctx); err != nil {
		c.halt(err)
		return fmt.Errorf("recover: %w", err)
	}
	c.recovered.Store(true)

	for i := 0; i < c.opts.Workers; i++ {
		c.group.Go(func() error {
			c.worker(i)
			return nil
		})
	}
	c.group.Go(func() error {
		c.dispatch()
		return nil
	})
	if c.opts.SummaryInterval > 0 {
		c.group.Go(func() error {
			c.summaryLoop()
			return nil
		})
	}

	slog.Info("region sync started", "workers", c.opts.Workers, "queueCapacity", c.opts.QueueCapacity,
		"maxAttempts", c.opts.MaxAttempts, "cleanup", c.opts.LocalCleanup)
	c.notify()
	return nil
}

// Shutdown stops dispatching new jobs. With drain, workers finish the job
// they hold; without it their network operations are cancelled and the
// interrupted entries are resolved by recovery on the next Start.
func (c *Coordinator) Shutdown(drain bool) error {
	c.shutdownOnce.Do(func() {
		slog.Info("region sync stopping", "drain", drain)
		c.stopDispatch()
		c.queue.Close()
		if !drain {
			c.cancelWork()
		}
		c.group.Wait()
		c.cancelWork()

		c.pool.Close()
		c.logSummary()
		c.shutdownErr = c.ledger.Close()
	})
	return c.shutdownErr
}

// OnRegionFileCompleted records a finished region file and queues it. It is
// idempotent on the region key: a key that is already known is left alone.
// It never performs network I/O. With the block policy it waits for queue space.
func (c *Coordinator) OnRegionFileCompleted(ev region.Completed) error {
	key := ev.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	localPath, err := c.checkLocalPath(key, ev.LocalPath)
	if err != nil {
		return err
	}

	c.mu.Lock()
	existing, ok := c.entries[key]
	if !ok && !c.recovered.Load() {
		// recovery has not loaded the ledger yet
		stored, err := c.ledger.Get(key)
		if err != nil {
			c.mu.Unlock()
			c.halt(err)
			return err
		}
		existing, ok = stored, stored != nil
	}
	if ok {
		c.mu.Unlock()
		slog.Debug("region already tracked", "key", key, "state", existing.State)
		return nil
	}
	entry := &ledger.Entry{
		Key:          key,
		State:        ledger.StatePending,
		LocalPath:    localPath,
		SourceSize:   ev.Size,
		LastModified: time.Now(),
	}
	if err := c.ledger.Put(entry); err != nil {
		c.mu.Unlock()
		c.halt(err)
		return err
	}
	c.entries[key] = entry.Clone()
	c.mu.Unlock()

	if c.Fatal() != nil {
		return ErrPipelineHalted
	}

	job := &Job{Key: key, LocalPath: localPath, ExpectedSize: ev.Size}
	if err := c.admit(job); err != nil {
		// still pending in the ledger; recovery will pick it up
		slog.Debug("enqueue interrupted", "key", key, "error", err)
	}
	return nil
}

// checkLocalPath returns the cleaned local path of an event, or an error when
// the path is not the region file of key.
func (c *Coordinator) checkLocalPath(key region.Key, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s: local path is required", key)
	}
	p := filepath.Clean(path)
	if filepath.Base(p) != key.FileName() {
		return "", fmt.Errorf("%s: local path %q is not a %s file", key, path, key.FileName())
	}
	if c.opts.WorldsDir == "" {
		return p, nil
	}
	found, err := region.FromPath(c.opts.WorldsDir, p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	if found != key {
		return "", fmt.Errorf("%s: local path %q belongs to %s", key, path, found)
	}
	return p, nil
}

// admit hands job to the transfer queue unless earlier jobs are still waiting
// in the backlog, in which case it joins the backlog behind them. With the
// block policy admit returns once dispatch has moved the job onto the queue.
func (c *Coordinator) admit(job *Job) error {
	block := c.opts.QueueFullPolicy == QueueBlock

	c.admitMu.Lock()
	if c.backlog.Len() == 0 {
		_, err := c.queue.TryPush(job.Key, job)
		if !errors.Is(err, queue.ErrFull) {
			c.admitMu.Unlock()
			return err
		}
		if !block {
			slog.Warn("transfer queue full, region deferred", "key", job.Key, "capacity", c.queue.Cap())
		}
	}
	job.admitted = make(chan struct{})
	c.deferLocked(job)
	c.admitMu.Unlock()
	c.notify()

	if !block {
		return nil
	}
	select {
	case <-job.admitted:
		return nil
	case <-c.runCtx.Done():
		return c.runCtx.Err()
	}
}

// enqueueBacklog defers job behind every job that entered pending before it.
func (c *Coordinator) enqueueBacklog(job *Job) {
	c.admitMu.Lock()
	defer c.admitMu.Unlock()
	c.deferLocked(job)
}

// deferLocked must hold admitMu.
func (c *Coordinator) deferLocked(job *Job) {
	job.order = c.order.Add(1)
	c.backlog.Enqueue(job, job.order)
}

// requeue returns a failed entry to pending and defers it to the backlog.
// The entry is re-read under mu, so racing callers requeue it once. fresh
// resets the attempt budget and also requeues terminal failures.
func (c *Coordinator) requeue(key region.Key, fresh bool) (bool, error) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok || cur.State != ledger.StateFailed || (cur.Terminal && !fresh) {
		c.mu.Unlock()
		return false, nil
	}
	e := cur.Clone()
	if fresh {
		e.Attempts = 0
	}
	if err := e.Transition(ledger.StatePending); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if err := c.commitLocked(e); err != nil {
		c.mu.Unlock()
		return false, err
	}
	delete(c.scheduled, key)
	c.mu.Unlock()

	c.enqueueBacklog(&Job{Key: key, LocalPath: e.LocalPath})
	return true, nil
}

// Status returns the sync state of a region.
func (c *Coordinator) Status(key region.Key) (ledger.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return e.State, true
}

// Entry returns a copy of the ledger entry for key, or nil.
func (c *Coordinator) Entry(key region.Key) *ledger.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].Clone()
}

// Progress is the live state of an in-flight upload.
type Progress struct {
	Key   region.Key   `json:"key"`
	State ledger.State `json:"state"`
	Sent  int64        `json:"sent"`
	Total int64        `json:"total"`
}

type Summary struct {
	Counts           map[ledger.State]int `json:"counts"`
	Queued           int                  `json:"queued"`
	InFlight         int                  `json:"inFlight"`
	RetryScheduled   int                  `json:"retryScheduled"`
	TerminalFailures int                  `json:"terminalFailures"`
	BytesSynced      int64                `json:"bytesSynced"`
	BytesCompressed  int64                `json:"bytesCompressed"`
	SessionUploads   int64                `json:"sessionUploads"`
	SessionFailures  int64                `json:"sessionFailures"`
	Active           []Progress           `json:"active,omitempty"`
	Fatal            string               `json:"fatal,omitempty"`
}

func (c *Coordinator) Summary() Summary {
	s := Summary{
		Counts:          make(map[ledger.State]int, len(ledger.AllStates)),
		Queued:          c.queue.Len() + c.backlog.Len(),
		InFlight:        c.inFlight.Cardinality(),
		SessionUploads:  c.uploaded.Load(),
		SessionFailures: c.failures.Load(),
	}
	if err := c.Fatal(); err != nil {
		s.Fatal = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.RetryScheduled = len(c.scheduled)
	for _, e := range c.entries {
		s.Counts[e.State]++
		switch {
		case e.State == ledger.StateDone:
			s.BytesSynced += e.SourceSize
			s.BytesCompressed += e.CompressedSize
		case e.State == ledger.StateFailed && e.Terminal:
			s.TerminalFailures++
		case e.State.InProgress():
			s.Active = append(s.Active, Progress{
				Key:   e.Key,
				State: e.State,
				Sent:  c.progress[e.Key],
				Total: e.CompressedSize,
			})
		}
	}
	slices.SortFunc(s.Active, func(a, b Progress) int { return compareKeys(a.Key, b.Key) })
	return s
}

// Failed returns the failed entries, oldest first.
func (c *Coordinator) Failed() []*ledger.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range c.entries {
		if e.State == ledger.StateFailed {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

// RetryFailed returns every failed entry to pending with a fresh attempt budget.
func (c *Coordinator) RetryFailed() (int, error) {
	failed := c.Failed()

	n := 0
	for _, e := range failed {
		ok, err := c.requeue(e.Key, true)
		if err != nil {
			c.halt(err)
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		slog.Info("retrying failed regions", "count", n)
		c.notify()
	}
	return n, nil
}

// ClearFinished forgets done entries and failures that will not be retried.
func (c *Coordinator) ClearFinished() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.ledger.ClearFinished()
	if err != nil {
		return 0, err
	}
	for key, e := range c.entries {
		if e.State == ledger.StateDone || (e.State == ledger.StateFailed && e.Terminal) {
			delete(c.entries, key)
		}
	}
	slog.Info("cleared finished regions", "count", n)
	return n, nil
}

// Fatal returns the error that halted the pipeline, if any.
func (c *Coordinator) Fatal() error {
	if p := c.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Halted is closed when the pipeline stops dispatching because of a fatal error.
func (c *Coordinator) Halted() <-chan struct{} {
	return c.halted
}

func (c *Coordinator) halt(err error) {
	c.haltOnce.Do(func() {
		c.fatal.Store(&err)
		slog.Error("region sync halted, no new jobs will be dispatched", "error", err)
		close(c.halted)
		c.stopDispatch()
	})
}

func (c *Coordinator) isHalted() bool {
	select {
	case <-c.halted:
		return true
	default:
		return false
	}
}

func (c *Coordinator) commit(e *ledger.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked(e)
}

// commitLocked persists e and then publishes it. The ledger write is the
// commit point. Must hold mu.
func (c *Coordinator) commitLocked(e *ledger.Entry) error {
	e.LastModified = time.Now()
	if err := c.ledger.Put(e); err != nil {
		return err
	}
	c.entries[e.Key] = e.Clone()
	return nil
}

func (c *Coordinator) advance(e *ledger.Entry, next ledger.State) error {
	if err := e.Transition(next); err != nil {
		return err
	}
	return c.commit(e)
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func compareKeys(a, b region.Key) int {
	return cmp.Compare(a.String(), b.String())
}

func bySeq(a, b *ledger.Entry) int {
	return cmp.Compare(a.Seq, b.Seq)
}
