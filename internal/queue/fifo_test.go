package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_FIFO(t *testing.T) {
	q := NewBounded[string, int](4)
	ctx := context.Background()

	for i, k := range []string{"a", "b", "c"} {
		added, err := q.TryPush(k, i)
		require.NoError(t, err)
		assert.True(t, added)
	}

	for want := 0; want < 3; want++ {
		_, v, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestBounded_Dedupe(t *testing.T) {
	q := NewBounded[string, int](4)

	added, err := q.TryPush("r.0.0", 1)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.TryPush("r.0.0", 2)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, q.Len())

	// once popped, the key may be queued again
	_, v, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	added, err = q.TryPush("r.0.0", 3)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestBounded_TryPushFull(t *testing.T) {
	q := NewBounded[int, int](2)
	_, err := q.TryPush(1, 1)
	require.NoError(t, err)
	_, err = q.TryPush(2, 2)
	require.NoError(t, err)

	_, err = q.TryPush(3, 3)
	assert.ErrorIs(t, err, ErrFull)
}

func TestBounded_PopWaitsForPush(t *testing.T) {
	q := NewBounded[int, int](1)

	popped := make(chan int, 1)
	go func() {
		_, v, err := q.Pop(context.Background())
		if err == nil {
			popped <- v
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop should wait while the queue is empty")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.TryPush(7, 7)
	require.NoError(t, err)

	select {
	case v := <-popped:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("pop did not resume after push")
	}
	assert.Equal(t, 0, q.Len())
}

func TestBounded_PopRespectsContext(t *testing.T) {
	q := NewBounded[int, int](1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBounded_CloseWakesPoppers(t *testing.T) {
	q := NewBounded[int, int](2)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err := q.TryPush(1, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
