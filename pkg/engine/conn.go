package engine

import (
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/irctrakz/tcpcore/pkg/tcp"
)

// Conn is the user handle of one connection. Its methods never block on the
// network: Write returns how much was queued and Read returns what is
// already buffered.
type Conn struct {
	stack    *Stack
	id       tcp.FourTuple
	listener *Listener

	mu          sync.Mutex
	tcb         *tcp.ControlBlock
	established bool
	queued      bool
}

func newConn(s *Stack, tcb *tcp.ControlBlock, l *Listener) *Conn {
	return &Conn{stack: s, id: tcb.ID(), listener: l, tcb: tcb}
}

// LocalAddr returns the local endpoint.
func (c *Conn) LocalAddr() netip.AddrPort { return c.id.Local }

// RemoteAddr returns the remote endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.id.Remote }

// Write queues b for transmission. A short count means the send buffer is
// full; tcp.ErrBufferFull is returned when nothing fit.
func (c *Conn) Write(b []byte) (int, error) {
	var n int
	err := c.stack.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
		var err error
		n, err = tcb.Send(b, now)
		return err
	})
	return n, err
}

// Read copies received bytes into b. It returns 0 and a nil error when
// nothing is buffered yet, and io.EOF after the peer closed its side.
func (c *Conn) Read(b []byte) (int, error) {
	var n int
	err := c.stack.event(c, func(tcb *tcp.ControlBlock, _ time.Time) error {
		var err error
		n, err = tcb.Read(b)
		return err
	})
	return n, err
}

// ReadAll returns every byte currently buffered.
func (c *Conn) ReadAll() []byte {
	var out []byte
	buf := make([]byte, 16*1024)
	for {
		n, err := c.Read(buf)
		out = append(out, buf[:n]...)
		if n == 0 || err != nil {
			return out
		}
	}
}

// Close starts an orderly release; queued data is still delivered.
func (c *Conn) Close() error {
	return c.stack.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
		return tcb.Close(now)
	})
}

// Abort resets the connection at once.
func (c *Conn) Abort() {
	_ = c.stack.event(c, func(tcb *tcp.ControlBlock, _ time.Time) error {
		tcb.Abort()
		return nil
	})
}

// Status returns the connection state.
func (c *Conn) Status() tcp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.State()
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.Err()
}

// Stats returns the connection counters.
func (c *Conn) Stats() tcp.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.Stats()
}

// EOF reports whether Read has reached the end of the stream.
func (c *Conn) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tcb.Buffered() > 0 {
		return false
	}
	_, err := c.tcb.Read(nil)
	return err == io.EOF
}
