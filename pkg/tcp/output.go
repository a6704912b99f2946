package tcp

import (
	"time"

	"github.com/irctrakz/tcpcore/pkg/buffer"
	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/retransmit"
	"github.com/irctrakz/tcpcore/pkg/rtt"
	"github.com/irctrakz/tcpcore/pkg/segment"
	"github.com/irctrakz/tcpcore/pkg/seq"
)

// ResetFor builds the RST answering seg (RFC 9293 §3.10.7.1). Ports are
// swapped so the result can be sent straight back.
func ResetFor(seg *segment.Segment) segment.Segment {
	rst := segment.Segment{
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Flags:   segment.FlagRST,
	}
	if seg.Flags.HasAny(segment.FlagACK) {
		rst.Seq = seg.Ack
	} else {
		rst.Ack = seq.Add(seg.Seq, seg.Len())
		rst.Flags |= segment.FlagACK
	}
	return rst
}

// emit stamps ports, acknowledgment and window on s and queues it.
func (c *ControlBlock) emit(s segment.Segment) {
	s.SrcPort = c.id.Local.Port()
	s.DstPort = c.id.Remote.Port()
	if s.Flags.HasAny(segment.FlagRST) {
		s.Window = 0
		c.outbox = append(c.outbox, s)
		return
	}
	w := c.advertisedWindow()
	s.Window = uint16(w)
	c.lastAdvertised = w
	if s.Flags.HasAny(segment.FlagACK) {
		s.Ack = c.recvBuf.Next()
		c.ackPending = false
		c.ackDeadline = time.Time{}
	}
	c.outbox = append(c.outbox, s)
}

// emitRaw queues a fully formed segment, such as a reply RST.
func (c *ControlBlock) emitRaw(s segment.Segment) {
	c.outbox = append(c.outbox, s)
}

func (c *ControlBlock) sendACK() {
	c.emit(segment.Segment{Seq: c.snd.NXT, Flags: segment.FlagACK})
}

func (c *ControlBlock) challengeACK() {
	c.cfg.Metrics.IncChallengeACK()
	c.sendACK()
}

func (c *ControlBlock) synSegment() segment.Segment {
	s := segment.Segment{
		Seq:   c.snd.ISS,
		Flags: segment.FlagSYN,
		MSS:   uint16(c.cfg.MSS),
	}
	if c.state != StateSynSent {
		s.Flags |= segment.FlagACK
	}
	return s
}

// sendSYN sends our SYN (or SYN,ACK). The first call occupies the ISS;
// later calls resend it.
func (c *ControlBlock) sendSYN(now time.Time) {
	if c.snd.NXT == c.snd.ISS {
		c.transmitNew(c.synSegment(), now)
		return
	}
	if e, ok := c.oldestUnacked(); ok && e.SYN {
		c.retransmit(e, now)
	}
}

// transmitNew sends a segment occupying new sequence space and records it
// for retransmission.
func (c *ControlBlock) transmitNew(s segment.Segment, now time.Time) {
	c.emit(s)
	c.rtxQueue.Push(retransmit.Entry{
		Seq:    s.Seq,
		Len:    s.Len(),
		SYN:    s.Flags.HasAny(segment.FlagSYN),
		FIN:    s.Flags.HasAny(segment.FlagFIN),
		SentAt: now,
	})
	c.snd.NXT = seq.Add(c.snd.NXT, s.Len())
	if c.rtxDeadline.IsZero() {
		c.rtxDeadline = now.Add(c.rto.RTO())
	}
}

// retransmit resends the segment described by e.
func (c *ControlBlock) retransmit(e retransmit.Entry, now time.Time) {
	var s segment.Segment
	if e.SYN {
		s = c.synSegment()
	} else {
		s.Seq = e.Seq
		s.Flags = segment.FlagACK
		n := int(e.Len)
		if e.FIN {
			n--
			s.Flags |= segment.FlagFIN
		}
		if n > 0 {
			s.Payload = c.sendBuf.Peek(int(seq.Sub(e.Seq, c.sendBufSeq)), n)
			s.Flags |= segment.FlagPSH
		}
	}
	if logging.IsDebug() {
		c.log.Debugf("retransmit %s", s)
	}
	c.emit(s)
	c.rtxQueue.MarkRetransmitted(e.Seq, now)
	c.stats.Retransmits++
}

func (c *ControlBlock) oldestUnacked() (retransmit.Entry, bool) {
	if c.rtxQueue == nil {
		return retransmit.Entry{}, false
	}
	return c.rtxQueue.Oldest()
}

// output sends as much queued data as the windows allow, followed by the FIN
// once every byte has gone out.
func (c *ControlBlock) output(now time.Time) {
	if c.finSent {
		return
	}
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateLastAck:
	default:
		return
	}

	for {
		off := int(seq.Sub(c.snd.NXT, c.sendBufSeq))
		unsent := c.sendBuf.Len() - off
		if unsent <= 0 {
			break
		}
		if c.snd.WND == 0 {
			if c.flightSize() == 0 {
				c.armPersist(now)
			}
			break
		}
		wnd := int(c.snd.WND)
		if cw := c.cc.Cwnd(); cw < wnd {
			wnd = cw
		}
		usable := wnd - c.flightSize()
		if !buffer.SenderMaySend(unsent, usable, c.snd.MSS, int(c.snd.maxWND), c.flightSize() == 0) {
			if c.flightSize() == 0 {
				c.armOverride(now)
			}
			break
		}
		c.overrideDeadline = time.Time{}
		c.sendData(off, min(unsent, usable, c.snd.MSS), unsent, now)
	}

	if c.closeRequested && int(seq.Sub(c.snd.NXT, c.sendBufSeq)) >= c.sendBuf.Len() {
		c.finSeq = c.snd.NXT
		c.finSent = true
		c.transmitNew(segment.Segment{Seq: c.snd.NXT, Flags: segment.FlagFIN | segment.FlagACK}, now)
	}
}

// sendData transmits n new bytes starting at offset off of the send buffer.
func (c *ControlBlock) sendData(off, n, unsent int, now time.Time) {
	s := segment.Segment{
		Seq:     c.snd.NXT,
		Flags:   segment.FlagACK,
		Payload: c.sendBuf.Peek(off, n),
	}
	if n == unsent {
		s.Flags |= segment.FlagPSH
	}
	c.transmitNew(s, now)
}

// armOverride starts the RFC 9293 §3.8.6.2.1 override timeout for data held
// back by sender-side SWS avoidance while nothing is in flight.
func (c *ControlBlock) armOverride(now time.Time) {
	if c.overrideDeadline.IsZero() {
		c.overrideDeadline = now.Add(swsOverrideTimeout)
	}
}

// onOverride sends what the usable window allows, even below one segment.
func (c *ControlBlock) onOverride(now time.Time) {
	c.overrideDeadline = time.Time{}
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateLastAck:
	default:
		return
	}
	off := int(seq.Sub(c.snd.NXT, c.sendBufSeq))
	unsent := c.sendBuf.Len() - off
	usable := min(int(c.snd.WND), c.cc.Cwnd()) - c.flightSize()
	if unsent <= 0 || usable <= 0 || c.flightSize() > 0 {
		return
	}
	c.sendData(off, min(unsent, usable, c.snd.MSS), unsent, now)
	c.output(now)
}

func (c *ControlBlock) armPersist(now time.Time) {
	if !c.persistDeadline.IsZero() {
		return
	}
	c.persistBackoff = c.rto.RTO()
	c.persistDeadline = now.Add(c.persistBackoff)
}

// onPersist sends a one-byte probe into a zero window. Probing continues
// with exponential backoff for as long as the window stays closed.
func (c *ControlBlock) onPersist(now time.Time) {
	off := int(seq.Sub(c.snd.NXT, c.sendBufSeq))
	if c.snd.WND != 0 || c.sendBuf.Len() <= off {
		c.persistDeadline = time.Time{}
		return
	}
	c.emit(segment.Segment{
		Seq:     c.snd.NXT,
		Flags:   segment.FlagACK,
		Payload: c.sendBuf.Peek(off, 1),
	})
	c.probeOutstanding = true
	c.stats.WindowProbes++
	c.cfg.Metrics.IncWindowProbe()

	c.persistBackoff *= 2
	limit := c.cfg.RTO.MaxRTO
	if limit <= 0 {
		limit = rtt.DefaultMaxRTO
	}
	if c.persistBackoff > limit {
		c.persistBackoff = limit
	}
	c.persistDeadline = now.Add(c.persistBackoff)
}
