package tcp

import (
	"time"

	"github.com/pkg/errors"

	"github.com/irctrakz/tcpcore/pkg/congestion"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/segment"
	"github.com/irctrakz/tcpcore/pkg/seq"
)

// OnSegment processes one inbound segment following RFC 9293 §3.10.7.
// Segments that are merely dropped return nil or ErrSequenceOutOfWindow;
// errors for which IsTerminal holds mean the connection is gone.
func (c *ControlBlock) OnSegment(seg segment.Segment, now time.Time) error {
	if logging.IsDebug() {
		c.log.Debugf("%s rcv %s", c.state, seg)
	}
	switch c.state {
	case StateClosed:
		if !seg.Flags.HasAny(segment.FlagRST) {
			c.emitRaw(ResetFor(&seg))
		}
		return ErrConnectionNotOpen
	case StateListen:
		return c.onListen(&seg, now)
	case StateSynSent:
		return c.onSynSent(&seg, now)
	}
	return c.onSynchronized(&seg, now)
}

func (c *ControlBlock) onListen(seg *segment.Segment, now time.Time) error {
	switch {
	case seg.Flags.HasAny(segment.FlagRST):
		return nil
	case seg.Flags.HasAny(segment.FlagACK):
		c.emitRaw(ResetFor(seg))
		return errors.Wrap(ErrListenReturn, "ACK in LISTEN")
	case !seg.Flags.HasAny(segment.FlagSYN):
		return nil
	}

	c.initSend(c.cfg.ISS.Next(now))
	c.initRecv(seg)
	c.snd.WND = seq.Size(seg.Window)
	c.snd.maxWND = c.snd.WND
	c.snd.WL1 = seg.Seq
	c.setState(StateSynReceived)
	c.sendSYN(now)
	return nil
}

func (c *ControlBlock) onSynSent(seg *segment.Segment, now time.Time) error {
	hasACK := seg.Flags.HasAny(segment.FlagACK)
	if hasACK && (seq.LessThanEq(seg.Ack, c.snd.ISS) || seq.GreaterThan(seg.Ack, c.snd.NXT)) {
		if !seg.Flags.HasAny(segment.FlagRST) {
			c.emitRaw(ResetFor(seg))
		}
		return errors.Wrapf(ErrProtocolViolation, "SYN-SENT: unacceptable ack %d", seg.Ack)
	}
	if seg.Flags.HasAny(segment.FlagRST) {
		if !hasACK {
			return nil
		}
		c.cfg.Metrics.IncResetReceived()
		return c.fail(ErrConnectionRefused)
	}
	if !seg.Flags.HasAny(segment.FlagSYN) {
		return nil
	}

	c.initRecv(seg)
	if !hasACK {
		// Simultaneous open.
		c.snd.WND = seq.Size(seg.Window)
		c.snd.maxWND = c.snd.WND
		c.snd.WL1 = seg.Seq
		c.setState(StateSynReceived)
		c.sendSYN(now)
		return nil
	}

	c.establish(seg, now)
	if len(seg.Payload) > 0 {
		c.recvBuf.Insert(seq.Add(seg.Seq, 1), seg.Payload)
	}
	c.sendACK()
	c.output(now)
	return nil
}

// establish completes the handshake on an ACK of our SYN.
func (c *ControlBlock) establish(seg *segment.Segment, now time.Time) {
	c.setState(StateEstablished)
	c.onNewAck(seg, now)
	c.snd.WND = seq.Size(seg.Window)
	c.snd.maxWND = c.snd.WND
	c.snd.WL1 = seg.Seq
	c.snd.WL2 = seg.Ack
	if c.closeRequested {
		c.setState(StateFinWait1)
	}
}

// acceptable applies the four-case test of RFC 9293 §3.10.7.4. A zero
// window still admits a segment starting exactly at RCV.NXT so that its
// control bits and acknowledgment are processed; its text is discarded.
func (c *ControlBlock) acceptable(seg *segment.Segment) bool {
	n := seg.Len()
	nxt := c.recvBuf.Next()
	wnd := c.recvBuf.Window()
	switch {
	case wnd == 0:
		return seg.Seq == nxt
	case n == 0:
		return seq.InWindow(seg.Seq, nxt, wnd)
	}
	return seq.Overlaps(seg.Seq, n, nxt, wnd)
}

func (c *ControlBlock) onSynchronized(seg *segment.Segment, now time.Time) error {
	flags := seg.Flags

	// A retransmitted SYN, or the peer's SYN,ACK in a simultaneous open.
	if c.state == StateSynReceived && flags.HasAny(segment.FlagSYN) && seg.Seq == c.rcv.IRS && !flags.HasAny(segment.FlagRST) {
		if flags.HasAny(segment.FlagACK) && seq.GreaterThan(seg.Ack, c.snd.UNA) && seq.LessThanEq(seg.Ack, c.snd.NXT) {
			c.establish(seg, now)
			c.sendACK()
			c.output(now)
			return nil
		}
		c.sendSYN(now)
		return nil
	}

	// Only the peer's retransmitted FIN restarts TIME-WAIT; any other FIN
	// goes through the acceptability test below.
	if c.state == StateTimeWait && flags.HasAny(segment.FlagFIN) && !flags.HasAny(segment.FlagRST) &&
		seq.Add(seg.Seq, seq.Size(len(seg.Payload))) == seq.Add(c.recvBuf.Next(), ^seq.Size(0)) {
		c.sendACK()
		c.timeWaitDeadline = now.Add(2 * c.cfg.MSL)
		return nil
	}

	if !c.acceptable(seg) {
		if flags.HasAny(segment.FlagRST) {
			return nil
		}
		c.sendACK()
		return errors.Wrapf(ErrSequenceOutOfWindow, "seq %d len %d, rcv.nxt %d wnd %d",
			seg.Seq, seg.Len(), c.recvBuf.Next(), c.recvBuf.Window())
	}

	if flags.HasAny(segment.FlagRST) {
		return c.onReset(seg)
	}

	if flags.HasAny(segment.FlagSYN) {
		if c.state == StateSynReceived && c.passive {
			c.teardown()
			return errors.Wrap(ErrListenReturn, "SYN in window")
		}
		c.challengeACK()
		return nil
	}

	if !flags.HasAny(segment.FlagACK) {
		return nil
	}

	if c.state == StateSynReceived {
		if !seq.GreaterThan(seg.Ack, c.snd.UNA) || seq.GreaterThan(seg.Ack, c.snd.NXT) {
			c.emitRaw(ResetFor(seg))
			return errors.Wrapf(ErrProtocolViolation, "SYN-RECEIVED: unacceptable ack %d", seg.Ack)
		}
		c.establish(seg, now)
	} else if !c.processAck(seg, now) {
		return nil
	}

	switch c.state {
	case StateFinWait1:
		if c.finAcked() {
			c.setState(StateFinWait2)
		}
	case StateClosing:
		if c.finAcked() {
			c.enterTimeWait(now)
		}
	case StateLastAck:
		if c.finAcked() {
			c.teardown()
			return nil
		}
	}

	if len(seg.Payload) > 0 {
		if c.state.acceptsText() {
			before := c.recvBuf.Next()
			advanced := c.recvBuf.Insert(seg.Seq, seg.Payload) > 0
			c.scheduleAck(advanced && seg.Seq == before, now)
		} else {
			c.sendACK()
		}
	}

	if flags.HasAny(segment.FlagFIN) {
		c.onFIN(seg, now)
	}

	c.output(now)
	return nil
}

// onReset handles an in-window RST (RFC 9293 §3.10.7.4 and RFC 5961 §3.2).
func (c *ControlBlock) onReset(seg *segment.Segment) error {
	if seg.Seq != c.recvBuf.Next() {
		c.challengeACK()
		return nil
	}
	c.cfg.Metrics.IncResetReceived()
	switch c.state {
	case StateSynReceived:
		if c.passive {
			c.teardown()
			return ErrListenReturn
		}
		return c.fail(ErrConnectionRefused)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		return c.fail(ErrConnectionReset)
	case StateClosing, StateLastAck:
		c.discard()
		c.teardown()
	}
	// TIME-WAIT ignores RST (RFC 1337).
	return nil
}

// processAck applies the acknowledgment and window fields. It returns false
// when the segment must be dropped.
func (c *ControlBlock) processAck(seg *segment.Segment, now time.Time) bool {
	ack := seg.Ack
	if seq.GreaterThan(ack, c.snd.NXT) {
		if c.probeOutstanding && ack == seq.Add(c.snd.NXT, 1) {
			// The peer took the window probe byte.
			c.snd.NXT = ack
			c.probeOutstanding = false
		} else {
			c.sendACK()
			return false
		}
	}

	if seq.GreaterThan(ack, c.snd.UNA) {
		c.onNewAck(seg, now)
	} else if ack == c.snd.UNA && c.isDuplicateAck(seg) {
		c.onDupAck(now)
	}

	if seq.LessThanEq(c.snd.UNA, ack) &&
		(seq.LessThan(c.snd.WL1, seg.Seq) || (c.snd.WL1 == seg.Seq && seq.LessThanEq(c.snd.WL2, ack))) {
		c.snd.WND = seq.Size(seg.Window)
		c.snd.WL1 = seg.Seq
		c.snd.WL2 = ack
		if c.snd.WND > c.snd.maxWND {
			c.snd.maxWND = c.snd.WND
		}
		if c.snd.WND > 0 {
			c.persistDeadline = time.Time{}
			c.probeOutstanding = false
		}
	}
	return true
}

// isDuplicateAck applies the RFC 5681 §2 definition.
func (c *ControlBlock) isDuplicateAck(seg *segment.Segment) bool {
	return c.flightSize() > 0 &&
		len(seg.Payload) == 0 &&
		!seg.Flags.HasAny(segment.FlagSYN|segment.FlagFIN) &&
		seq.Size(seg.Window) == c.snd.WND
}

// onNewAck handles an ACK that moves SND.UNA forward.
func (c *ControlBlock) onNewAck(seg *segment.Segment, now time.Time) {
	ack := seg.Ack
	flight := c.flightSize()
	acked := c.rtxQueue.Ack(ack)

	dataAcked := 0
	if seq.GreaterThan(ack, c.sendBufSeq) {
		dataAcked = int(seq.Sub(ack, c.sendBufSeq))
		if dataAcked > c.sendBuf.Len() {
			dataAcked = c.sendBuf.Len()
		}
		c.sendBuf.Ack(dataAcked)
		c.sendBufSeq = seq.Add(c.sendBufSeq, seq.Size(dataAcked))
	}
	c.snd.UNA = ack

	// Karn: no sample when any covered segment was retransmitted.
	if len(acked) > 0 {
		sample := true
		for _, e := range acked {
			if e.Retransmits > 0 {
				sample = false
				break
			}
		}
		if sample {
			c.rto.Sample(now.Sub(acked[len(acked)-1].SentAt))
		}
	}
	c.retries = 0
	c.cc.OnAck(dataAcked, flight)

	if c.flightSize() == 0 {
		c.rtxDeadline = time.Time{}
		c.inRTORecover = false
	} else {
		c.rtxDeadline = now.Add(c.rto.RTO())
	}

	if c.inRTORecover {
		if seq.LessThan(c.snd.UNA, c.recoverSeq) {
			if e, ok := c.rtxQueue.Oldest(); ok {
				c.retransmit(e, now)
			}
		} else {
			c.inRTORecover = false
		}
	}
}

func (c *ControlBlock) onDupAck(now time.Time) {
	if c.cc.OnDupAck(c.flightSize()) != congestion.FastRetransmit {
		return
	}
	e, ok := c.rtxQueue.Oldest()
	if !ok {
		return
	}
	if logging.IsDebug() {
		c.log.Debugf("fast retransmit seq=%d cwnd=%d ssthresh=%d", e.Seq, c.cc.Cwnd(), c.cc.Ssthresh())
	}
	c.retransmit(e, now)
	c.stats.FastRetransmits++
	c.cfg.Metrics.IncFastRetransmit()
	c.rtxDeadline = now.Add(c.rto.RTO())
}

func (c *ControlBlock) finAcked() bool {
	return c.finSent && seq.GreaterThan(c.snd.UNA, c.finSeq)
}

// scheduleAck acknowledges received text, delaying the ACK for in-order
// data when configured. Every second delayed segment is acknowledged at once.
func (c *ControlBlock) scheduleAck(inOrder bool, now time.Time) {
	if !inOrder || c.cfg.AckDelay <= 0 || c.ackPending {
		c.sendACK()
		return
	}
	c.ackPending = true
	c.ackDeadline = now.Add(c.cfg.AckDelay)
}

// onFIN consumes the peer's FIN once every byte before it has arrived.
func (c *ControlBlock) onFIN(seg *segment.Segment, now time.Time) {
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		// A retransmitted FIN after ours was seen.
		c.sendACK()
		return
	}
	finSeq := seq.Add(seg.Seq, seq.Size(len(seg.Payload)))
	if finSeq != c.recvBuf.Next() {
		return
	}
	c.recvBuf.Advance(1)
	c.finReceived = true
	c.sendACK()

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.finAcked() {
			c.enterTimeWait(now)
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait(now)
	}
}

func (c *ControlBlock) enterTimeWait(now time.Time) {
	c.setState(StateTimeWait)
	c.rtxQueue.Clear()
	c.rtxDeadline = time.Time{}
	c.persistDeadline = time.Time{}
	c.overrideDeadline = time.Time{}
	c.timeWaitDeadline = now.Add(2 * c.cfg.MSL)
}
