package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/regionsync/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T, path string) *Ledger {
	t.Helper()
	l := NewLedger(path)
	require.NoError(t, l.Open())
	t.Cleanup(func() { l.Close() })
	return l
}

func pendingEntry(world string, x, z int) *Entry {
	key := region.NewKey(world, region.Overworld, x, z)
	return &Entry{
		Key:        key,
		State:      StatePending,
		LocalPath:  filepath.Join("/worlds", world, key.RelativePath()),
		SourceSize: 64 << 20,
	}
}

func TestLedger_PutGet(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	e := pendingEntry("world", 0, 0)
	require.NoError(t, l.Put(e))
	assert.Equal(t, int64(1), e.Seq)

	got, err := l.Get(e.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, e.LocalPath, got.LocalPath)
	assert.Equal(t, int64(64<<20), got.SourceSize)
	assert.WithinDuration(t, e.LastModified, got.LastModified, time.Millisecond)

	missing, err := l.Get(region.NewKey("world", region.Nether, 5, 5))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedger_UpdateKeepsSeq(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	a := pendingEntry("world", 0, 0)
	b := pendingEntry("world", 1, 0)
	require.NoError(t, l.Put(a))
	require.NoError(t, l.Put(b))

	require.NoError(t, a.Transition(StateCompressing))
	a.Attempts = 1
	require.NoError(t, l.Put(a))

	got, err := l.Get(a.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, StateCompressing, got.State)
	assert.Equal(t, 1, got.Attempts)

	count, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l := NewLedger(path)
	require.NoError(t, l.Open())
	e := pendingEntry("world", -3, 7)
	require.NoError(t, l.Put(e))
	require.NoError(t, e.Transition(StateCompressing))
	require.NoError(t, e.Transition(StateUploading))
	e.Checksum = "abc123"
	e.SourceModTime = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	e.RemotePath = "backups/world/region/r.-3.7.mca.zst"
	require.NoError(t, l.Put(e))
	require.NoError(t, l.Close())

	reopened := openLedger(t, path)
	entries, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[e.Key]
	require.NotNil(t, got)
	assert.Equal(t, StateUploading, got.State)
	assert.Equal(t, "abc123", got.Checksum)
	assert.Equal(t, e.RemotePath, got.RemotePath)
	assert.True(t, e.SourceModTime.Equal(got.SourceModTime), "source mtime %v", got.SourceModTime)

	// sequence continues after reopen
	next := pendingEntry("world", 9, 9)
	require.NoError(t, reopened.Put(next))
	assert.Equal(t, int64(2), next.Seq)
}

func TestLedger_AllPendingOrFailedOrdered(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	var entries []*Entry
	for i := range 4 {
		e := pendingEntry("world", i, 0)
		require.NoError(t, l.Put(e))
		entries = append(entries, e)
	}

	// entry 0 done, entry 2 failed
	done := entries[0]
	require.NoError(t, done.Transition(StateCompressing))
	require.NoError(t, done.Transition(StateUploading))
	require.NoError(t, done.Transition(StateVerifying))
	require.NoError(t, done.Transition(StateDone))
	require.NoError(t, l.Put(done))

	failed := entries[2]
	require.NoError(t, failed.Fail("ConnectionLost", "reset by peer", false))
	require.NoError(t, l.Put(failed))

	// re-put entry 1 last; its order must not change
	require.NoError(t, l.Put(entries[1]))

	todo, err := l.AllPendingOrFailed()
	require.NoError(t, err)
	require.Len(t, todo, 3)
	assert.Equal(t, entries[1].Key, todo[0].Key)
	assert.Equal(t, entries[2].Key, todo[1].Key)
	assert.Equal(t, StateFailed, todo[1].State)
	assert.Equal(t, "ConnectionLost", todo[1].FailureKind)
	assert.Equal(t, entries[3].Key, todo[2].Key)
}

func TestLedger_SummaryResetClear(t *testing.T) {
	l := openLedger(t, filepath.Join(t.TempDir(), "ledger.db"))

	done := pendingEntry("world", 0, 0)
	done.State = StateDone
	done.CompressedSize = 20 << 20
	require.NoError(t, l.Put(done))

	terminal := pendingEntry("world", 1, 0)
	require.NoError(t, terminal.Fail("CorruptInput", "short file", true))
	terminal.Attempts = 1
	require.NoError(t, l.Put(terminal))

	retrying := pendingEntry("world", 2, 0)
	require.NoError(t, retrying.Fail("Timeout", "op timed out", false))
	retrying.Attempts = 2
	require.NoError(t, l.Put(retrying))

	require.NoError(t, l.Put(pendingEntry("world", 3, 0)))

	s, err := l.Summary()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total())
	assert.Equal(t, 1, s.Counts[StateDone])
	assert.Equal(t, 2, s.Counts[StateFailed])
	assert.Equal(t, 1, s.Counts[StatePending])
	assert.Equal(t, 1, s.TerminalFailures)
	assert.Equal(t, int64(64<<20), s.BytesSynced)
	assert.Equal(t, int64(20<<20), s.BytesCompressed)

	cleared, err := l.ClearFinished()
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	reset, err := l.ResetFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	got, err := l.Get(retrying.Key)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Reason)

	pending, err := l.ListByState(StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestLedger_NotOpen(t *testing.T) {
	l := NewLedger(filepath.Join(t.TempDir(), "ledger.db"))
	assert.ErrorIs(t, l.Put(pendingEntry("world", 0, 0)), ErrNotOpen)
	_, err := l.Load()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestState_CanTransition(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateCompressing))
	assert.True(t, StateFailed.CanTransition(StatePending))
	assert.True(t, StateUploading.CanTransition(StateDone))
	assert.False(t, StateDone.CanTransition(StatePending))
	assert.False(t, StatePending.CanTransition(StateDone))
	assert.False(t, StateFailed.CanTransition(StateUploading))

	e := pendingEntry("world", 0, 0)
	assert.Error(t, e.Transition(StateVerifying))

	require.NoError(t, e.Fail("Timeout", "slow", false))
	require.NoError(t, e.Transition(StatePending))
	assert.Empty(t, e.FailureKind)
}
