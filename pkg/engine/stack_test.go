package engine

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpcore/pkg/link"
	"github.com/irctrakz/tcpcore/pkg/segment"
	"github.com/irctrakz/tcpcore/pkg/tcp"
	"github.com/irctrakz/tcpcore/pkg/timer"
)

var (
	ipA   = netip.MustParseAddr("10.0.0.1")
	ipB   = netip.MustParseAddr("10.0.0.2")
	start = time.Unix(5000, 0)
)

type harness struct {
	t     *testing.T
	pipe  *link.Pipe
	clock *timer.ManualClock
	a, b  *Stack
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TCP.MSL = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	p := link.NewPipe()
	clk := timer.NewManualClock(start)
	h := &harness{t: t, pipe: p, clock: clk, a: New(cfg, p, clk), b: New(cfg, p, clk)}
	p.Attach(ipA, h.a)
	p.Attach(ipB, h.b)
	return h
}

// run delivers segments and, whenever the pipe is idle, jumps the clock to
// the next timer, until done reports true.
func (h *harness) run(done func() bool) {
	h.t.Helper()
	for i := 0; i < 200000; i++ {
		if done() {
			return
		}
		if h.pipe.Pending() > 0 {
			h.pipe.Step()
			continue
		}
		next, ok := h.a.NextDeadline()
		if nb, okb := h.b.NextDeadline(); okb && (!ok || nb.Before(next)) {
			next, ok = nb, true
		}
		if !ok {
			h.t.Fatal("stalled with no traffic and no timers")
		}
		if next.Before(h.clock.Now()) {
			next = h.clock.Now()
		}
		h.clock.Set(next)
		h.a.Tick(next)
		h.b.Tick(next)
	}
	h.t.Fatal("did not converge")
}

func (h *harness) connect(port uint16) (*Listener, *Conn, *Conn) {
	h.t.Helper()
	l, err := h.b.OpenPassive(netip.AddrPortFrom(ipB, port))
	require.NoError(h.t, err)
	c, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), netip.AddrPortFrom(ipB, port))
	require.NoError(h.t, err)
	var srv *Conn
	h.run(func() bool {
		var ok bool
		if srv == nil {
			srv, _ = l.Accept()
		}
		ok = srv != nil && c.Status() == tcp.StateEstablished
		return ok
	})
	return l, c, srv
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + i/251)
	}
	return b
}

func reverse(batch []link.Frame) {
	for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
		batch[i], batch[j] = batch[j], batch[i]
	}
}

func TestHandshakeAndEcho(t *testing.T) {
	h := newHarness(t, testConfig())
	_, c, srv := h.connect(80)
	assert.Equal(t, netip.AddrPortFrom(ipB, 80), c.RemoteAddr())
	assert.Equal(t, uint16(ephemeralFirst), c.LocalAddr().Port())
	assert.Equal(t, c.LocalAddr(), srv.RemoteAddr())

	n, err := c.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	var got []byte
	h.run(func() bool {
		got = append(got, srv.ReadAll()...)
		return len(got) == 4
	})
	assert.Equal(t, "ping", string(got))

	_, err = srv.Write([]byte("pong"))
	require.NoError(t, err)
	got = nil
	h.run(func() bool {
		got = append(got, c.ReadAll()...)
		return len(got) == 4
	})
	assert.Equal(t, "pong", string(got))
	assert.Equal(t, 1, h.a.Connections())
	assert.Equal(t, 1, h.b.Connections())
}

func TestBulkTransferOverLossyReorderingPipe(t *testing.T) {
	h := newHarness(t, testConfig())
	frames := 0
	h.pipe.SetDropFunc(func(f link.Frame) bool {
		frames++
		return frames%9 == 0
	})
	h.pipe.SetReorderFunc(reverse)

	_, c, srv := h.connect(80)
	data := pattern(300 * 1024)
	sent := 0
	var got []byte
	h.run(func() bool {
		if sent < len(data) {
			n, _ := c.Write(data[sent:])
			sent += n
		}
		got = append(got, srv.ReadAll()...)
		return len(got) >= len(data)
	})
	require.True(t, bytes.Equal(data, got), "stream delivered intact and in order")

	require.NoError(t, c.Close())
	h.run(func() bool { return srv.EOF() })
	require.NoError(t, srv.Close())
	h.run(func() bool { return h.a.Connections() == 0 && h.b.Connections() == 0 })

	ma, mb := h.a.Metrics(), h.b.Metrics()
	assert.Equal(t, uint64(1), ma.ConnectionsOpened)
	assert.Equal(t, uint64(1), ma.ConnectionsClosed)
	assert.Equal(t, uint64(1), mb.ConnectionsClosed)
	assert.NotZero(t, ma.Retransmits+ma.FastRetransmits, "losses were repaired")
	assert.NotZero(t, h.pipe.Metrics().PacketsDropped)
	assert.GreaterOrEqual(t, ma.BytesSent, uint64(len(data)))
}

func TestConnectToClosedPortIsRefused(t *testing.T) {
	h := newHarness(t, testConfig())
	c, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), netip.AddrPortFrom(ipB, 81))
	require.NoError(t, err)
	h.run(func() bool { return c.Status() == tcp.StateClosed })

	assert.True(t, errors.Is(c.Err(), tcp.ErrConnectionRefused))
	_, err = c.Write([]byte("x"))
	assert.True(t, errors.Is(err, tcp.ErrConnectionRefused))
	assert.Equal(t, 0, h.a.Connections())
	assert.Equal(t, uint64(1), h.b.Metrics().ResetsSent)
	assert.Equal(t, uint64(1), h.a.Metrics().ResetsReceived)
	assert.Zero(t, h.a.Metrics().ConnectionsClosed, "never established")
}

func TestAbortResetsPeer(t *testing.T) {
	h := newHarness(t, testConfig())
	_, c, srv := h.connect(80)
	srv.Abort()
	assert.Equal(t, tcp.StateClosed, srv.Status())
	h.run(func() bool { return c.Status() == tcp.StateClosed })

	_, err := c.Read(make([]byte, 8))
	assert.True(t, errors.Is(err, tcp.ErrConnectionReset))
	assert.Equal(t, 0, h.a.Connections())
	assert.Equal(t, 0, h.b.Connections())
}

func TestConnectionTimeoutAbortsAndRemoves(t *testing.T) {
	cfg := testConfig()
	cfg.TCP.MaxRetries = 2
	h := newHarness(t, cfg)
	_, c, _ := h.connect(80)
	h.pipe.SetDropFunc(func(link.Frame) bool { return true })

	_, err := c.Write([]byte("into the void"))
	require.NoError(t, err)
	h.run(func() bool { return c.Status() == tcp.StateClosed })
	assert.True(t, errors.Is(c.Err(), tcp.ErrConnectionTimeout))
	assert.Equal(t, uint64(1), h.a.Metrics().Timeouts)
	assert.Equal(t, uint64(2), h.a.Metrics().Retransmits)
	assert.Equal(t, 0, h.a.Connections())
}

func TestListenerLifecycle(t *testing.T) {
	h := newHarness(t, testConfig())
	local := netip.AddrPortFrom(ipB, 80)
	l, err := h.b.OpenPassive(local)
	require.NoError(t, err)
	_, err = h.b.OpenPassive(local)
	assert.True(t, errors.Is(err, ErrAddressInUse))
	assert.Equal(t, local, l.Addr())

	_, ok := l.Accept()
	assert.False(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.AcceptContext(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	l.Close()
	l.Close()
	_, err = l.AcceptContext(context.Background())
	assert.Equal(t, ErrListenerClosed, err)

	// The port is free again and a SYN now draws a reset.
	c, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), local)
	require.NoError(t, err)
	h.run(func() bool { return c.Status() == tcp.StateClosed })
	assert.True(t, errors.Is(c.Err(), tcp.ErrConnectionRefused))
	_, err = h.b.OpenPassive(local)
	assert.NoError(t, err)
}

func TestWildcardListener(t *testing.T) {
	h := newHarness(t, testConfig())
	l, err := h.b.OpenPassive(netip.AddrPortFrom(netip.IPv4Unspecified(), 443))
	require.NoError(t, err)
	c, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), netip.AddrPortFrom(ipB, 443))
	require.NoError(t, err)
	var srv *Conn
	h.run(func() bool {
		srv, _ = l.Accept()
		return srv != nil
	})
	assert.Equal(t, netip.AddrPortFrom(ipB, 443), srv.LocalAddr())
	assert.Equal(t, tcp.StateEstablished, c.Status())
}

func TestAcceptBacklogDefersHandshakes(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptBacklog = 1
	h := newHarness(t, cfg)
	local := netip.AddrPortFrom(ipB, 80)
	l, err := h.b.OpenPassive(local)
	require.NoError(t, err)

	c1, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), local)
	require.NoError(t, err)
	h.pipe.Flush(10)
	require.Equal(t, tcp.StateEstablished, c1.Status())

	c2, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), local)
	require.NoError(t, err)
	h.pipe.Flush(10)
	assert.Equal(t, tcp.StateSynSent, c2.Status())
	assert.Equal(t, uint64(1), h.b.Metrics().Dropped)

	first, ok := l.Accept()
	require.True(t, ok)
	assert.Equal(t, c1.LocalAddr(), first.RemoteAddr())

	// The retransmitted SYN gets through once the queue has room.
	var second *Conn
	h.run(func() bool {
		second, _ = l.Accept()
		return second != nil
	})
	assert.Equal(t, c2.LocalAddr(), second.RemoteAddr())
}

func TestCorruptSegmentsAreDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.b.OnReceive(ipB, ipA, []byte{1, 2, 3})

	raw := segment.EncodeWithChecksum(&segment.Segment{SrcPort: 1, DstPort: 2, Seq: 9, Flags: segment.FlagSYN}, ipA, ipB)
	raw[len(raw)-1] ^= 0xff
	h.b.OnReceive(ipB, ipA, raw)

	assert.Equal(t, uint64(2), h.b.Metrics().Dropped)
	assert.Zero(t, h.pipe.Pending(), "no reset for undecodable input")
}

func TestStrayResetIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	raw := segment.EncodeWithChecksum(&segment.Segment{SrcPort: 1, DstPort: 2, Seq: 9, Flags: segment.FlagRST}, ipA, ipB)
	h.b.OnReceive(ipB, ipA, raw)
	assert.Zero(t, h.pipe.Pending())
	assert.Equal(t, uint64(1), h.b.Metrics().SegmentsReceived)
}

func TestDuplicateActiveOpen(t *testing.T) {
	h := newHarness(t, testConfig())
	local := netip.AddrPortFrom(ipA, 1234)
	remote := netip.AddrPortFrom(ipB, 80)
	_, err := h.a.OpenActive(local, remote)
	require.NoError(t, err)
	_, err = h.a.OpenActive(local, remote)
	assert.True(t, errors.Is(err, ErrAddressInUse))

	c, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), remote)
	require.NoError(t, err)
	c2, err := h.a.OpenActive(netip.AddrPortFrom(ipA, 0), remote)
	require.NoError(t, err)
	assert.NotEqual(t, c.LocalAddr().Port(), c2.LocalAddr().Port())
}

func TestShutdownAbortsEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	_, c, _ := h.connect(80)
	h.b.Shutdown()
	assert.Equal(t, 0, h.b.Connections())
	h.run(func() bool { return c.Status() == tcp.StateClosed })
	assert.True(t, errors.Is(c.Err(), tcp.ErrConnectionReset))
}

func TestRunWithRealClock(t *testing.T) {
	p := link.NewPipe()
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	a, b := New(cfg, p, nil), New(cfg, p, nil)
	p.Attach(ipA, a)
	p.Attach(ipB, b)
	require.NoError(t, p.Start())
	defer p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- a.Run(ctx) }()
	go func() { errc <- b.Run(ctx) }()

	l, err := b.OpenPassive(netip.AddrPortFrom(ipB, 80))
	require.NoError(t, err)
	c, err := a.OpenActive(netip.AddrPortFrom(ipA, 0), netip.AddrPortFrom(ipB, 80))
	require.NoError(t, err)

	actx, acancel := context.WithTimeout(ctx, 5*time.Second)
	defer acancel()
	srv, err := l.AcceptContext(actx)
	require.NoError(t, err)

	_, err = c.Write([]byte("over the wire"))
	require.NoError(t, err)
	var got []byte
	require.Eventually(t, func() bool {
		got = append(got, srv.ReadAll()...)
		return string(got) == "over the wire"
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.Equal(t, context.Canceled, <-errc)
	assert.Equal(t, context.Canceled, <-errc)
}
