package transfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool hands out at most size clients at once. Connections are dialed
// lazily and reused; a connection that failed with AuthFailure,
// ConnectionLost or Timeout is closed instead of being reused.
type Pool struct {
	dial  Dialer
	slots chan struct{}
	idle  chan Client

	mu     sync.Mutex
	closed bool
}

func NewPool(size int, dial Dialer) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		dial:  dial,
		slots: make(chan struct{}, size),
		idle:  make(chan Client, size),
	}
}

func (p *Pool) Size() int {
	return cap(p.slots)
}

// Lease is exclusive use of one Client until Release.
type Lease struct {
	Client
	pool     *Pool
	released atomic.Bool
}

// Acquire waits for a free slot and returns an idle or freshly dialed client.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		<-p.slots
		return nil, ErrPoolClosed
	}

	select {
	case client := <-p.idle:
		return &Lease{Client: client, pool: p}, nil
	default:
	}

	client, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		return nil, Classify(ctx, "dial", "", err)
	}
	return &Lease{Client: client, pool: p}, nil
}

// Release gives the client back. err is the outcome of the last operation
// on it and decides whether the connection is kept.
func (l *Lease) Release(err error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	p := l.pool
	defer func() { <-p.slots }()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || destroysConnection(err) {
		if err != nil {
			slog.Debug("transfer connection discarded", "error", err)
		}
		l.Client.Close()
		return
	}

	select {
	case p.idle <- l.Client:
	default:
		l.Client.Close()
	}
}

// Close closes idle clients. Leased clients are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case client := <-p.idle:
			client.Close()
		default:
			return nil
		}
	}
}
