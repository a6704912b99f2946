package engine

import (
	"context"
	"net/netip"
	"sync"
)

// Listener queues connections established on a passive endpoint.
type Listener struct {
	stack *Stack
	local netip.AddrPort
	queue chan *Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newListener(s *Stack, local netip.AddrPort, backlog int) *Listener {
	return &Listener{
		stack: s,
		local: local,
		queue: make(chan *Conn, backlog),
		done:  make(chan struct{}),
	}
}

// Addr returns the listening endpoint.
func (l *Listener) Addr() netip.AddrPort { return l.local }

// Accept returns the next established connection, or false when none is
// waiting.
func (l *Listener) Accept() (*Conn, bool) {
	select {
	case c := <-l.queue:
		return c, true
	default:
		return nil, false
	}
}

// AcceptContext waits for the next established connection.
func (l *Listener) AcceptContext(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.queue:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new connections. Connections already queued stay
// available to Accept.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	l.stack.removeListener(l)
}

func (l *Listener) full() bool {
	return len(l.queue) >= cap(l.queue)
}

func (l *Listener) push(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- c:
		return true
	default:
		return false
	}
}
