package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/regionsync/internal/region"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultInclude = []string{"**/region/r.*.mca"}

func worldsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWatcher_Matches(t *testing.T) {
	dir := worldsDir(t)
	w := New(dir, defaultInclude, time.Second)

	assert.True(t, w.Matches(filepath.Join(dir, "world", "region", "r.0.0.mca")))
	assert.True(t, w.Matches(filepath.Join(dir, "world", "DIM-1", "region", "r.-1.3.mca")))
	assert.False(t, w.Matches(filepath.Join(dir, "world", "region", "r.0.0.mca.tmp")))
	assert.False(t, w.Matches(filepath.Join(dir, "world", "entities", "r.0.0.mca")))
	assert.False(t, w.Matches(filepath.Join(dir, "world", "level.dat")))
	assert.False(t, w.Matches("/elsewhere/world/region/r.0.0.mca"))

	overworld := New(dir, []string{"*/region/r.*.mca"}, time.Second)
	assert.True(t, overworld.Matches(filepath.Join(dir, "world", "region", "r.0.0.mca")))
	assert.False(t, overworld.Matches(filepath.Join(dir, "world", "DIM1", "region", "r.0.0.mca")))
}

func TestWatcher_Scan(t *testing.T) {
	dir := worldsDir(t)
	old := time.Now().Add(-time.Hour)

	settledPath := filepath.Join(dir, "world", "region", "r.1.2.mca")
	writeFile(t, settledPath, make([]byte, 8192))
	require.NoError(t, os.Chtimes(settledPath, old, old))

	netherPath := filepath.Join(dir, "world", "DIM-1", "region", "r.0.-1.mca")
	writeFile(t, netherPath, make([]byte, 4096))
	require.NoError(t, os.Chtimes(netherPath, old, old))

	// still being written
	writeFile(t, filepath.Join(dir, "world", "region", "r.5.5.mca"), make([]byte, 4096))
	// not a region file
	writeFile(t, filepath.Join(dir, "world", "region", "notes.txt"), []byte("x"))

	w := New(dir, defaultInclude, time.Minute)
	found, err := w.Scan()
	require.NoError(t, err)
	require.Len(t, found, 2)

	byKey := map[region.Key]region.Completed{}
	for _, ev := range found {
		byKey[ev.Key()] = ev
	}

	ev, ok := byKey[region.NewKey("world", region.Overworld, 1, 2)]
	require.True(t, ok)
	assert.Equal(t, settledPath, ev.LocalPath)
	assert.Equal(t, int64(8192), ev.Size)

	_, ok = byKey[region.NewKey("world", region.Nether, 0, -1)]
	assert.True(t, ok)
}

func TestWatcher_EmitsSettledRegion(t *testing.T) {
	dir := worldsDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "world", "region"), 0o755))

	w := New(dir, defaultInclude, 100*time.Millisecond)
	require.NoError(t, w.Start(testContext(t)))
	defer w.Stop()

	path := filepath.Join(dir, "world", "region", "r.0.0.mca")
	writeFile(t, path, make([]byte, 4096))
	// ignored
	writeFile(t, filepath.Join(dir, "world", "region", "r.0.0.mca.tmp"), []byte("x"))

	select {
	case ev := <-w.Events():
		assert.Equal(t, region.NewKey("world", region.Overworld, 0, 0), ev.Key())
		assert.Equal(t, path, ev.LocalPath)
		assert.Equal(t, int64(4096), ev.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for region event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := worldsDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "world", "region"), 0o755))

	w := New(dir, defaultInclude, 200*time.Millisecond)
	require.NoError(t, w.Start(testContext(t)))
	defer w.Stop()

	path := filepath.Join(dir, "world", "region", "r.3.4.mca")
	for i := 1; i <= 4; i++ {
		writeFile(t, path, make([]byte, 4096*i))
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		assert.Equal(t, int64(4096*4), ev.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for region event")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second event %v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

// testContext stands in for testing.T.Context (Go 1.24+): a context
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
