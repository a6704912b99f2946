// Package engine hosts TCP connections on top of a lower transport. A Stack
// demultiplexes inbound segments by 4-tuple, owns every ControlBlock, drains
// their outboxes through the transport and drives their timers.
package engine

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/segment"
	"github.com/irctrakz/tcpcore/pkg/tcp"
	"github.com/irctrakz/tcpcore/pkg/timer"
)

var (
	// ErrAddressInUse is returned when a listener or connection already
	// occupies the requested endpoint.
	ErrAddressInUse = errors.New("address already in use")
	// ErrNoEphemeralPort is returned when every ephemeral port is taken.
	ErrNoEphemeralPort = errors.New("no ephemeral port available")
	// ErrListenerClosed is returned by AcceptContext after Close.
	ErrListenerClosed = errors.New("listener closed")
)

const (
	ephemeralFirst = 49152
	ephemeralLast  = 65535
)

// Config configures a Stack.
type Config struct {
	// TCP is applied to every connection.
	TCP tcp.Config
	// AcceptBacklog bounds the established connections waiting in each
	// listener's accept queue.
	AcceptBacklog int
	// TickInterval is the timer resolution of Run.
	TickInterval time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TCP:           tcp.DefaultConfig(),
		AcceptBacklog: 128,
		TickInterval:  10 * time.Millisecond,
	}
}

// Stack is a TCP endpoint. It is safe for concurrent use: the connection
// table is guarded by a read-write mutex and each connection by its own
// mutex, so distinct connections make progress in parallel.
type Stack struct {
	cfg       Config
	transport core.SegmentTransport
	clock     timer.Clock
	metrics   *core.EngineMetrics
	timers    *timer.Queue[tcp.FourTuple]
	log       *logrus.Entry

	mu        sync.RWMutex
	conns     map[tcp.FourTuple]*Conn
	listeners map[netip.AddrPort]*Listener
	nextPort  uint16
}

// New returns a Stack sending through transport. A nil clock uses the wall
// clock.
func New(cfg Config, transport core.SegmentTransport, clock timer.Clock) *Stack {
	if clock == nil {
		clock = timer.RealClock{}
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultConfig().AcceptBacklog
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.TCP.ISS == nil {
		cfg.TCP.ISS = tcp.NewISSGenerator()
	}
	metrics := cfg.TCP.Metrics
	if metrics == nil {
		metrics = &core.EngineMetrics{}
		cfg.TCP.Metrics = metrics
	}
	return &Stack{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		metrics:   metrics,
		timers:    timer.NewQueue[tcp.FourTuple](),
		log:       logging.ForComponent("engine"),
		conns:     make(map[tcp.FourTuple]*Conn),
		listeners: make(map[netip.AddrPort]*Listener),
		nextPort:  ephemeralFirst,
	}
}

// OpenActive connects from local to remote. A zero local port selects an
// ephemeral port.
func (s *Stack) OpenActive(local, remote netip.AddrPort) (*Conn, error) {
	s.mu.Lock()
	if local.Port() == 0 {
		port, err := s.allocatePortLocked(local.Addr(), remote)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		local = netip.AddrPortFrom(local.Addr(), port)
	}
	id := tcp.FourTuple{Local: local, Remote: remote}
	if _, ok := s.conns[id]; ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(ErrAddressInUse, "%s", id)
	}
	c := newConn(s, tcp.NewControlBlock(id, s.cfg.TCP), nil)
	s.conns[id] = c
	s.mu.Unlock()

	err := s.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
		return tcb.OpenActive(remote, s.cfg.TCP.ISS.Next(now), now)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Stack) allocatePortLocked(addr netip.Addr, remote netip.AddrPort) (uint16, error) {
	for i := 0; i <= ephemeralLast-ephemeralFirst; i++ {
		port := s.nextPort
		if s.nextPort == ephemeralLast {
			s.nextPort = ephemeralFirst
		} else {
			s.nextPort++
		}
		id := tcp.FourTuple{Local: netip.AddrPortFrom(addr, port), Remote: remote}
		if _, used := s.conns[id]; !used {
			return port, nil
		}
	}
	return 0, ErrNoEphemeralPort
}

// OpenPassive listens on local. An unspecified address matches every local
// address for that port.
func (s *Stack) OpenPassive(local netip.AddrPort) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[local]; ok {
		return nil, errors.Wrapf(ErrAddressInUse, "listen %s", local)
	}
	l := newListener(s, local, s.cfg.AcceptBacklog)
	s.listeners[local] = l
	s.log.Debugf("listening on %s", local)
	return l, nil
}

func (s *Stack) removeListener(l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners[l.local] == l {
		delete(s.listeners, l.local)
	}
}

func (s *Stack) lookup(id tcp.FourTuple) (*Conn, *Listener) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.conns[id]; ok {
		return c, nil
	}
	if l, ok := s.listeners[id.Local]; ok {
		return nil, l
	}
	if id.Local.Addr().Is4() {
		return nil, s.listeners[netip.AddrPortFrom(netip.IPv4Unspecified(), id.Local.Port())]
	}
	return nil, s.listeners[netip.AddrPortFrom(netip.IPv6Unspecified(), id.Local.Port())]
}

// OnReceive processes one raw segment sent from remote to local. It does not
// retain seg.
func (s *Stack) OnReceive(local, remote netip.Addr, seg []byte) {
	in, err := segment.DecodeVerified(seg, remote, local)
	if err != nil {
		s.metrics.IncDropped()
		if logging.IsDebug() {
			s.log.Debugf("drop segment %s -> %s: %v", remote, local, err)
		}
		return
	}
	s.metrics.IncReceived(len(seg))
	// Payload aliases the transport's buffer.
	if len(in.Payload) > 0 {
		in.Payload = append([]byte(nil), in.Payload...)
	}

	id := tcp.FourTuple{
		Local:  netip.AddrPortFrom(local, in.DstPort),
		Remote: netip.AddrPortFrom(remote, in.SrcPort),
	}
	c, l := s.lookup(id)
	switch {
	case c != nil:
		_ = s.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
			return tcb.OnSegment(in, now)
		})
	case l != nil && in.Flags.HasAny(segment.FlagSYN) && !in.Flags.HasAny(segment.FlagACK|segment.FlagRST):
		s.spawn(l, id, in)
	case l != nil && !in.Flags.HasAny(segment.FlagRST|segment.FlagACK):
		// Neither SYN nor ACK: LISTEN discards it silently.
		s.metrics.IncDropped()
	case !in.Flags.HasAny(segment.FlagRST):
		if logging.IsDebug() {
			s.log.Debugf("no connection for %s, sending reset", id)
		}
		s.transmit(id, []segment.Segment{tcp.ResetFor(&in)})
	default:
		s.metrics.IncDropped()
	}
}

// spawn creates the connection for a SYN reaching a listener.
func (s *Stack) spawn(l *Listener, id tcp.FourTuple, syn segment.Segment) {
	if l.full() {
		s.metrics.IncDropped()
		s.log.Warnf("accept queue of %s full, dropping SYN from %s", l.local, id.Remote)
		return
	}
	s.mu.Lock()
	c, exists := s.conns[id]
	if !exists {
		c = newConn(s, tcp.NewControlBlock(id, s.cfg.TCP), l)
		s.conns[id] = c
	}
	s.mu.Unlock()

	_ = s.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
		if !exists {
			if err := tcb.OpenPassive(id.Local); err != nil {
				return err
			}
		}
		return tcb.OnSegment(syn, now)
	})
}

// event runs fn on the connection's control block, then publishes the
// resulting segments, reschedules its timer and retires it when closed.
func (s *Stack) event(c *Conn, fn func(tcb *tcp.ControlBlock, now time.Time) error) error {
	c.mu.Lock()
	err := fn(c.tcb, s.clock.Now())
	s.transmit(c.id, c.tcb.Outbox())
	state := c.tcb.State()
	if state.IsSynchronized() {
		c.established = true
	}
	closed := state == tcp.StateClosed
	if !closed {
		if d, ok := c.tcb.NextDeadline(); ok {
			s.timers.Schedule(c.id, d)
		} else {
			s.timers.Cancel(c.id)
		}
	}
	enqueue := c.listener != nil && c.established && !c.queued
	if enqueue {
		c.queued = true
	}
	c.mu.Unlock()

	if err != nil {
		s.logEventError(c, err)
	}
	if enqueue && !c.listener.push(c) {
		s.log.Warnf("accept queue of %s full, aborting %s", c.listener.local, c.id)
		c.Abort()
		return err
	}
	if closed {
		s.remove(c)
	}
	return err
}

func (s *Stack) logEventError(c *Conn, err error) {
	switch {
	case tcp.IsTerminal(err):
		if errors.Is(err, tcp.ErrListenReturn) {
			c.tcb.Log().Debugf("handshake abandoned: %v", err)
			return
		}
		c.tcb.Log().Infof("connection closed: %v", err)
	case logging.IsDebug():
		c.tcb.Log().Debugf("segment rejected: %v", err)
	}
}

func (s *Stack) remove(c *Conn) {
	s.mu.Lock()
	cur, ok := s.conns[c.id]
	if ok && cur == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	if !ok || cur != c {
		return
	}
	s.timers.Cancel(c.id)
	if c.established {
		s.metrics.IncClosed()
	}
}

// transmit encodes segs for id and hands them to the transport.
func (s *Stack) transmit(id tcp.FourTuple, segs []segment.Segment) {
	for i := range segs {
		seg := &segs[i]
		raw := segment.EncodeWithChecksum(seg, id.Local.Addr(), id.Remote.Addr())
		if err := s.transport.SendSegment(id.Local, id.Remote, raw); err != nil {
			s.metrics.IncErrors()
			logging.DebugWithFields(logrus.Fields{"component": "engine", "conn": id.String(), "seg": seg.String()}, "send failed: %v", err)
			continue
		}
		s.metrics.IncSent(len(raw))
		if seg.Flags.HasAny(segment.FlagRST) {
			s.metrics.IncResetSent()
		}
	}
}

// Tick services every connection timer due at now.
func (s *Stack) Tick(now time.Time) {
	for _, id := range s.timers.PopExpired(now) {
		s.mu.RLock()
		c := s.conns[id]
		s.mu.RUnlock()
		if c == nil {
			continue
		}
		_ = s.event(c, func(tcb *tcp.ControlBlock, now time.Time) error {
			return tcb.OnTick(now)
		})
	}
}

// NextDeadline returns the earliest armed connection timer.
func (s *Stack) NextDeadline() (time.Time, bool) {
	return s.timers.Next()
}

// Run drives Tick from a ticker until ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(s.clock.Now())
		}
	}
}

// Shutdown closes every listener and aborts every connection.
func (s *Stack) Shutdown() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	listeners := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.Abort()
	}
}

// Connections returns the number of live connections.
func (s *Stack) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Metrics returns a snapshot of the engine counters.
func (s *Stack) Metrics() core.EngineMetrics {
	return s.metrics.Snapshot()
}
