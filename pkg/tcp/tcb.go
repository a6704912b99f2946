// Package tcp implements the per-connection TCP machinery: the transmission
// control block, the RFC 9293 state machine and segment processing, RFC 5681
// congestion control and the RFC 6298 retransmission timer.
//
// A ControlBlock performs no I/O. Every call that can produce segments queues
// them in an outbox that the owner drains with Outbox, and every timer is a
// deadline reported by NextDeadline and serviced by OnTick.
package tcp

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpcore/pkg/buffer"
	"github.com/irctrakz/tcpcore/pkg/congestion"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/retransmit"
	"github.com/irctrakz/tcpcore/pkg/rtt"
	"github.com/irctrakz/tcpcore/pkg/segment"
	"github.com/irctrakz/tcpcore/pkg/seq"
)

// FourTuple identifies a connection.
type FourTuple struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s->%s", t.Local, t.Remote)
}

// Reverse returns the tuple as seen from the remote end.
func (t FourTuple) Reverse() FourTuple {
	return FourTuple{Local: t.Remote, Remote: t.Local}
}

// sendSpace holds the send sequence variables of RFC 9293 §3.3.1.
type sendSpace struct {
	ISS seq.Value
	UNA seq.Value
	NXT seq.Value
	WND seq.Size
	WL1 seq.Value
	WL2 seq.Value
	// MSS is the effective send MSS.
	MSS int
	// maxWND is the largest window the peer has offered.
	maxWND seq.Size
}

// recvSpace holds the receive variables not kept by the receive buffer.
type recvSpace struct {
	IRS seq.Value
}

// Stats is a per-connection counter snapshot.
type Stats struct {
	Retransmits     int
	FastRetransmits int
	WindowProbes    int
	SRTT            time.Duration
	RTO             time.Duration
	Cwnd            int
	Ssthresh        int
	DupAcks         int
	SendWindow      int
	RecvWindow      int
}

// ControlBlock is the transmission control block of one connection. It is not
// safe for concurrent use.
type ControlBlock struct {
	id      FourTuple
	cfg     Config
	state   State
	passive bool
	log     *logrus.Entry

	snd sendSpace
	rcv recvSpace

	sendBuf *buffer.SendBuffer
	recvBuf *buffer.RecvBuffer
	// sendBufSeq is the sequence number of the first byte in sendBuf.
	sendBufSeq seq.Value

	rtxQueue *retransmit.Queue
	cc       congestion.Controller
	rto      *rtt.Estimator

	// closeRequested is set by Close before the FIN can be sent.
	closeRequested bool
	finSent        bool
	finSeq         seq.Value
	finReceived    bool

	// recoverSeq is SND.NXT at the last retransmission timeout. While
	// SND.UNA is below it, each new ACK resends the next outstanding segment.
	recoverSeq   seq.Value
	inRTORecover bool

	rtxDeadline      time.Time
	persistDeadline  time.Time
	persistBackoff   time.Duration
	overrideDeadline time.Time
	timeWaitDeadline time.Time
	ackDeadline      time.Time
	retries          int

	// probeOutstanding is set while a window probe byte beyond SND.NXT is
	// unacknowledged.
	probeOutstanding bool

	ackPending     bool
	lastAdvertised seq.Size

	err    error
	outbox []segment.Segment
	stats  Stats
}

// NewControlBlock returns a CLOSED control block for the given endpoints.
func NewControlBlock(id FourTuple, cfg Config) *ControlBlock {
	cfg = cfg.withDefaults()
	return &ControlBlock{
		id:      id,
		cfg:     cfg,
		state:   StateClosed,
		log:     logging.ForConnection(id.Local.String(), id.Remote.String()),
		sendBuf: buffer.NewSendBuffer(cfg.SendBufferSize),
		recvBuf: buffer.NewRecvBuffer(cfg.RecvBufferSize, cfg.MSS),
		rto:     rtt.New(cfg.RTO),
		snd:     sendSpace{MSS: DefaultMSS},
	}
}

// ID returns the connection's 4-tuple.
func (c *ControlBlock) ID() FourTuple { return c.id }

// State returns the current state.
func (c *ControlBlock) State() State { return c.state }

// Passive reports whether the connection was created by a listener.
func (c *ControlBlock) Passive() bool { return c.passive }

// Log returns the connection's logger.
func (c *ControlBlock) Log() *logrus.Entry { return c.log }

// Err returns the terminal error, if any.
func (c *ControlBlock) Err() error { return c.err }

// SendNext returns SND.NXT.
func (c *ControlBlock) SendNext() seq.Value { return c.snd.NXT }

// SendUnacked returns SND.UNA.
func (c *ControlBlock) SendUnacked() seq.Value { return c.snd.UNA }

// RecvNext returns RCV.NXT.
func (c *ControlBlock) RecvNext() seq.Value { return c.recvBuf.Next() }

// Buffered returns the number of bytes ready for Read.
func (c *ControlBlock) Buffered() int { return c.recvBuf.Buffered() }

// SendQueued returns the number of bytes in the send buffer, sent or not.
func (c *ControlBlock) SendQueued() int { return c.sendBuf.Len() }

// Stats returns a snapshot of the connection's counters.
func (c *ControlBlock) Stats() Stats {
	s := c.stats
	s.SRTT = c.rto.SRTT()
	s.RTO = c.rto.RTO()
	if c.cc != nil {
		s.Cwnd = c.cc.Cwnd()
		s.Ssthresh = c.cc.Ssthresh()
		s.DupAcks = c.cc.DupAcks()
	}
	s.SendWindow = int(c.snd.WND)
	s.RecvWindow = int(c.recvBuf.Window())
	return s
}

func (c *ControlBlock) setState(s State) {
	if c.state == s {
		return
	}
	if logging.IsDebug() {
		c.log.Debugf("state %s -> %s", c.state, s)
	}
	if s == StateEstablished {
		c.cfg.Metrics.IncOpened()
	}
	c.state = s
}

// initSend prepares the send side for a fresh ISS.
func (c *ControlBlock) initSend(iss seq.Value) {
	c.snd.ISS = iss
	c.snd.UNA = iss
	c.snd.NXT = iss
	c.sendBufSeq = seq.Add(iss, 1)
	c.rtxQueue = retransmit.New(iss)
	c.newController(0)
}

func (c *ControlBlock) newController(initialWindow int) {
	if initialWindow <= 0 {
		initialWindow = c.cfg.InitialWindow
	}
	c.cc = congestion.New(c.cfg.CongestionControl, congestion.Config{
		MSS:             c.snd.MSS,
		InitialWindow:   initialWindow,
		InitialSsthresh: c.cfg.InitialSsthresh,
	})
}

// initRecv records the peer's SYN.
func (c *ControlBlock) initRecv(syn *segment.Segment) {
	c.rcv.IRS = syn.Seq
	c.recvBuf.Reset(seq.Add(syn.Seq, 1))
	if syn.MSS != 0 {
		c.snd.MSS = int(syn.MSS)
	}
	if c.snd.MSS > c.cfg.MSS {
		c.snd.MSS = c.cfg.MSS
	}
	c.recvBuf.SetMSS(c.snd.MSS)
	// A lost SYN limits the initial window to one segment (RFC 5681 §3.1).
	iw := 0
	if e, ok := c.oldestUnacked(); ok && e.SYN && e.Retransmits > 0 {
		iw = c.snd.MSS
	}
	c.newController(iw)
}

// OpenActive starts a three-way handshake towards remote.
func (c *ControlBlock) OpenActive(remote netip.AddrPort, iss seq.Value, now time.Time) error {
	if c.state != StateClosed {
		return errors.Wrapf(ErrConnectionNotOpen, "open in state %s", c.state)
	}
	c.id.Remote = remote
	c.initSend(iss)
	c.setState(StateSynSent)
	c.sendSYN(now)
	return nil
}

// OpenPassive puts the control block in LISTEN for local.
func (c *ControlBlock) OpenPassive(local netip.AddrPort) error {
	if c.state != StateClosed {
		return errors.Wrapf(ErrConnectionNotOpen, "listen in state %s", c.state)
	}
	c.id.Local = local
	c.passive = true
	c.setState(StateListen)
	return nil
}

// Send queues b for transmission and returns how many bytes were accepted.
// A short count means the send buffer filled; ErrBufferFull is returned only
// when nothing could be queued.
func (c *ControlBlock) Send(b []byte, now time.Time) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	switch {
	case c.state == StateClosed || c.state == StateListen:
		return 0, ErrConnectionNotOpen
	case c.closeRequested || !c.state.CanSend():
		return 0, ErrConnectionClosing
	}
	if len(b) == 0 {
		return 0, nil
	}
	n := c.sendBuf.Write(b)
	if n == 0 {
		return 0, ErrBufferFull
	}
	c.output(now)
	return n, nil
}

// Read copies received in-order bytes into b. It returns io.EOF once the
// peer's FIN has been consumed and every byte before it read. With nothing to
// read it returns 0 and a nil error.
func (c *ControlBlock) Read(b []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.recvBuf.Buffered() > 0 {
		n := c.recvBuf.Read(b)
		c.maybeWindowUpdate()
		return n, nil
	}
	switch {
	case c.finReceived:
		return 0, io.EOF
	case c.state == StateClosed:
		return 0, ErrConnectionNotOpen
	}
	return 0, nil
}

// maybeWindowUpdate sends an ACK after a read reopened the window by at
// least one segment or from zero.
func (c *ControlBlock) maybeWindowUpdate() {
	if !c.state.IsSynchronized() || c.state == StateTimeWait {
		return
	}
	wnd := c.advertisedWindow()
	if wnd > c.lastAdvertised && (c.lastAdvertised == 0 || int(wnd-c.lastAdvertised) >= c.snd.MSS) {
		c.sendACK()
	}
}

// Close starts an orderly release. Queued data is sent before the FIN.
func (c *ControlBlock) Close(now time.Time) error {
	switch c.state {
	case StateClosed:
		return ErrConnectionNotOpen
	case StateListen, StateSynSent:
		c.teardown()
		return nil
	case StateSynReceived:
		c.closeRequested = true
		return nil
	case StateEstablished:
		c.closeRequested = true
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.closeRequested = true
		c.setState(StateLastAck)
	default:
		return ErrConnectionClosing
	}
	c.output(now)
	return nil
}

// Abort resets the connection immediately, discarding all queued and
// received data. Later reads and sends fail with ErrConnectionReset.
func (c *ControlBlock) Abort() {
	switch c.state {
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.emit(segment.Segment{Seq: c.snd.NXT, Flags: segment.FlagRST})
	}
	if c.state != StateClosed && c.err == nil {
		c.err = ErrConnectionReset
	}
	c.discard()
	c.teardown()
}

// discard drops unread received data.
func (c *ControlBlock) discard() {
	c.recvBuf.Reset(c.recvBuf.Next())
}

// teardown discards all state and moves to CLOSED.
func (c *ControlBlock) teardown() {
	c.sendBuf.Clear()
	if c.rtxQueue != nil {
		c.rtxQueue.Clear()
	}
	c.rtxDeadline = time.Time{}
	c.persistDeadline = time.Time{}
	c.overrideDeadline = time.Time{}
	c.timeWaitDeadline = time.Time{}
	c.ackDeadline = time.Time{}
	c.ackPending = false
	c.setState(StateClosed)
}

// fail tears the connection down with a terminal error.
func (c *ControlBlock) fail(err error) error {
	c.err = err
	c.discard()
	c.teardown()
	return err
}

// Outbox returns and clears the segments queued for transmission.
func (c *ControlBlock) Outbox() []segment.Segment {
	out := c.outbox
	c.outbox = nil
	return out
}

// NextDeadline returns the earliest armed timer.
func (c *ControlBlock) NextDeadline() (time.Time, bool) {
	var next time.Time
	for _, d := range []time.Time{c.rtxDeadline, c.persistDeadline, c.overrideDeadline, c.timeWaitDeadline, c.ackDeadline} {
		if d.IsZero() {
			continue
		}
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}
	return next, !next.IsZero()
}

func (c *ControlBlock) flightSize() int {
	return int(seq.Sub(c.snd.NXT, c.snd.UNA))
}

func (c *ControlBlock) advertisedWindow() seq.Size {
	w := c.recvBuf.Window()
	if w > 0xffff {
		w = 0xffff
	}
	return w
}
