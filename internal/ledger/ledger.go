package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/regionsync/internal/db"
	"github.com/openmined/regionsync/internal/region"
)

// migrations[i] brings the schema to version i+1.
var migrations = []string{`
CREATE TABLE IF NOT EXISTS sync_ledger (
    world TEXT NOT NULL,
    dimension TEXT NOT NULL,
    x INTEGER NOT NULL,
    z INTEGER NOT NULL,
    state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    failure_kind TEXT NOT NULL DEFAULT '',
    terminal INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    local_path TEXT NOT NULL,
    source_size INTEGER NOT NULL DEFAULT 0,
    compressed_size INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    remote_path TEXT NOT NULL DEFAULT '',
    seq INTEGER NOT NULL,
    last_modified TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (world, dimension, x, z)
);

CREATE INDEX IF NOT EXISTS idx_ledger_state ON sync_ledger(state);
CREATE INDEX IF NOT EXISTS idx_ledger_seq ON sync_ledger(seq);
`, `
ALTER TABLE sync_ledger ADD COLUMN source_mtime TEXT NOT NULL DEFAULT ''; -- RFC3339, empty when unknown
`}

const selectColumns = `SELECT world, dimension, x, z, state, reason, failure_kind, terminal, attempts,
	local_path, source_size, source_mtime, compressed_size, checksum, remote_path, seq, last_modified FROM sync_ledger`

// dbEntry is the row form of Entry; time is stored as TEXT.
type dbEntry struct {
	World          string `db:"world"`
	Dimension      string `db:"dimension"`
	X              int    `db:"x"`
	Z              int    `db:"z"`
	State          string `db:"state"`
	Reason         string `db:"reason"`
	FailureKind    string `db:"failure_kind"`
	Terminal       bool   `db:"terminal"`
	Attempts       int    `db:"attempts"`
	LocalPath      string `db:"local_path"`
	SourceSize     int64  `db:"source_size"`
	SourceModTime  string `db:"source_mtime"`
	CompressedSize int64  `db:"compressed_size"`
	Checksum       string `db:"checksum"`
	RemotePath     string `db:"remote_path"`
	Seq            int64  `db:"seq"`
	LastModified   string `db:"last_modified"`
}

func toRow(e *Entry) dbEntry {
	return dbEntry{
		World:          e.Key.World,
		Dimension:      e.Key.Dimension,
		X:              e.Key.X,
		Z:              e.Key.Z,
		State:          string(e.State),
		Reason:         e.Reason,
		FailureKind:    e.FailureKind,
		Terminal:       e.Terminal,
		Attempts:       e.Attempts,
		LocalPath:      e.LocalPath,
		SourceSize:     e.SourceSize,
		SourceModTime:  formatTime(e.SourceModTime),
		CompressedSize: e.CompressedSize,
		Checksum:       e.Checksum,
		RemotePath:     e.RemotePath,
		Seq:            e.Seq,
		LastModified:   e.LastModified.UTC().Format(time.RFC3339Nano),
	}
}

func (r dbEntry) toEntry() (*Entry, error) {
	state, err := ParseState(r.State)
	if err != nil {
		return nil, err
	}
	modTime, err := time.Parse(time.RFC3339Nano, r.LastModified)
	if err != nil {
		return nil, fmt.Errorf("parse last_modified %q: %w", r.LastModified, err)
	}
	var sourceModTime time.Time
	if r.SourceModTime != "" {
		if sourceModTime, err = time.Parse(time.RFC3339Nano, r.SourceModTime); err != nil {
			return nil, fmt.Errorf("parse source_mtime %q: %w", r.SourceModTime, err)
		}
	}
	return &Entry{
		Key:            region.Key{World: r.World, Dimension: r.Dimension, X: r.X, Z: r.Z},
		State:          state,
		Reason:         r.Reason,
		FailureKind:    r.FailureKind,
		Terminal:       r.Terminal,
		Attempts:       r.Attempts,
		LocalPath:      r.LocalPath,
		SourceSize:     r.SourceSize,
		SourceModTime:  sourceModTime,
		CompressedSize: r.CompressedSize,
		Checksum:       r.Checksum,
		RemotePath:     r.RemotePath,
		Seq:            r.Seq,
		LastModified:   modTime,
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Ledger persists per-region sync state in SQLite. Every Put is a single
// autocommit statement, durable when it returns.
type Ledger struct {
	db     *sqlx.DB
	dbPath string
	seq    atomic.Int64
}

func NewLedger(dbPath string) *Ledger {
	return &Ledger{dbPath: dbPath}
}

// Open opens the underlying database and creates the schema.
func (l *Ledger) Open() error {
	if l.db != nil {
		return fmt.Errorf("ledger already open")
	}

	conn, err := db.Open(l.dbPath)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}
	if err := db.CheckIntegrity(conn); err != nil {
		conn.Close()
		return &Error{Op: "open", Err: err}
	}
	if err := db.Migrate(conn, migrations); err != nil {
		conn.Close()
		return &Error{Op: "open", Err: err}
	}

	var maxSeq sql.NullInt64
	if err := conn.Get(&maxSeq, "SELECT MAX(seq) FROM sync_ledger"); err != nil {
		conn.Close()
		return &Error{Op: "open", Err: err}
	}
	l.seq.Store(maxSeq.Int64)

	l.db = conn
	slog.Debug("ledger open", "path", l.dbPath, "seq", maxSeq.Int64)
	return nil
}

func (l *Ledger) Close() error {
	if l.db == nil {
		return ErrNotOpen
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("ledger close", "error", err)
		return err
	}
	return nil
}

// Put inserts or replaces the entry. New entries get the next enqueue sequence
// number; an existing row keeps its original sequence.
func (l *Ledger) Put(e *Entry) error {
	if l.db == nil {
		return ErrNotOpen
	}
	if e == nil {
		return fmt.Errorf("cannot put nil entry")
	}
	if e.Seq == 0 {
		e.Seq = l.seq.Add(1)
	}
	if e.LastModified.IsZero() {
		e.LastModified = time.Now()
	}

	query := `INSERT INTO sync_ledger (world, dimension, x, z, state, reason, failure_kind, terminal, attempts,
			local_path, source_size, source_mtime, compressed_size, checksum, remote_path, seq, last_modified)
		VALUES (:world, :dimension, :x, :z, :state, :reason, :failure_kind, :terminal, :attempts,
			:local_path, :source_size, :source_mtime, :compressed_size, :checksum, :remote_path, :seq, :last_modified)
		ON CONFLICT(world, dimension, x, z) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			failure_kind = excluded.failure_kind,
			terminal = excluded.terminal,
			attempts = excluded.attempts,
			local_path = excluded.local_path,
			source_size = excluded.source_size,
			source_mtime = excluded.source_mtime,
			compressed_size = excluded.compressed_size,
			checksum = excluded.checksum,
			remote_path = excluded.remote_path,
			last_modified = excluded.last_modified`
	if _, err := l.db.NamedExec(query, toRow(e)); err != nil {
		return &Error{Op: "put", Key: e.Key.String(), Err: err}
	}
	slog.Debug("ledger put", "key", e.Key, "state", e.State, "attempts", e.Attempts)
	return nil
}

// Get returns the entry for key, or nil if the key is unknown.
func (l *Ledger) Get(key region.Key) (*Entry, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}
	var row dbEntry
	err := l.db.Get(&row, selectColumns+" WHERE world = ? AND dimension = ? AND x = ? AND z = ?",
		key.World, key.Dimension, key.X, key.Z)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &Error{Op: "get", Key: key.String(), Err: err}
	}
	e, err := row.toEntry()
	if err != nil {
		return nil, &Error{Op: "get", Key: key.String(), Err: err}
	}
	return e, nil
}

// Load returns every entry keyed by region.
func (l *Ledger) Load() (map[region.Key]*Entry, error) {
	entries, err := l.query("load", selectColumns+" ORDER BY seq")
	if err != nil {
		return nil, err
	}
	m := make(map[region.Key]*Entry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m, nil
}

// AllPendingOrFailed returns entries that still need work, in enqueue order.
// Entries left mid-flight by a crash are included.
func (l *Ledger) AllPendingOrFailed() ([]*Entry, error) {
	return l.query("pending", selectColumns+" WHERE state != ? ORDER BY seq", string(StateDone))
}

// ListByState returns entries in any of the given states, in enqueue order.
func (l *Ledger) ListByState(states ...State) ([]*Entry, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	return l.query("list", selectColumns+" WHERE state IN ("+placeholders+") ORDER BY seq", args...)
}

func (l *Ledger) query(op, q string, args ...any) ([]*Entry, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}
	var rows []dbEntry
	if err := l.db.Select(&rows, q, args...); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			slog.Error("ledger skip corrupt row", "world", row.World, "dimension", row.Dimension,
				"x", row.X, "z", row.Z, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Summary counts entries per state and totals the bytes synced.
func (l *Ledger) Summary() (Summary, error) {
	summary := Summary{Counts: make(map[State]int, len(AllStates))}
	if l.db == nil {
		return summary, ErrNotOpen
	}

	var counts []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}
	if err := l.db.Select(&counts, "SELECT state, COUNT(*) AS count FROM sync_ledger GROUP BY state"); err != nil {
		return summary, &Error{Op: "summary", Err: err}
	}
	for _, c := range counts {
		summary.Counts[State(c.State)] = c.Count
	}

	var totals struct {
		Source     sql.NullInt64 `db:"source"`
		Compressed sql.NullInt64 `db:"compressed"`
	}
	err := l.db.Get(&totals, "SELECT SUM(source_size) AS source, SUM(compressed_size) AS compressed FROM sync_ledger WHERE state = ?",
		string(StateDone))
	if err != nil {
		return summary, &Error{Op: "summary", Err: err}
	}
	summary.BytesSynced = totals.Source.Int64
	summary.BytesCompressed = totals.Compressed.Int64

	if err := l.db.Get(&summary.TerminalFailures, "SELECT COUNT(*) FROM sync_ledger WHERE state = ? AND terminal = 1",
		string(StateFailed)); err != nil {
		return summary, &Error{Op: "summary", Err: err}
	}
	return summary, nil
}

// ResetFailed moves every failed entry back to pending with a fresh attempt budget.
func (l *Ledger) ResetFailed() (int, error) {
	return l.exec("reset", `UPDATE sync_ledger SET state = ?, attempts = 0, terminal = 0, reason = '', failure_kind = '',
		last_modified = ? WHERE state = ?`,
		string(StatePending), time.Now().UTC().Format(time.RFC3339Nano), string(StateFailed))
}

// ClearFinished drops done entries and failures that will not be retried.
func (l *Ledger) ClearFinished() (int, error) {
	return l.exec("clear", "DELETE FROM sync_ledger WHERE state = ? OR (state = ? AND terminal = 1)",
		string(StateDone), string(StateFailed))
}

func (l *Ledger) Count() (int, error) {
	if l.db == nil {
		return 0, ErrNotOpen
	}
	var count int
	if err := l.db.Get(&count, "SELECT COUNT(*) FROM sync_ledger"); err != nil {
		return 0, &Error{Op: "count", Err: err}
	}
	return count, nil
}

func (l *Ledger) exec(op, q string, args ...any) (int, error) {
	if l.db == nil {
		return 0, ErrNotOpen
	}
	res, err := l.db.Exec(q, args...)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	return int(n), nil
}
