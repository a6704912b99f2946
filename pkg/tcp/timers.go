package tcp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tcpcore/pkg/logging"
	"github.com/irctrakz/tcpcore/pkg/segment"
)

func due(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

// OnTick services every timer whose deadline is not after now. It returns
// ErrConnectionTimeout when retransmission limits abort the connection.
func (c *ControlBlock) OnTick(now time.Time) error {
	if due(c.timeWaitDeadline, now) {
		c.teardown()
		return nil
	}
	if due(c.ackDeadline, now) {
		c.sendACK()
	}
	if due(c.rtxDeadline, now) {
		if err := c.onRetransmitTimeout(now); err != nil {
			return err
		}
	}
	if due(c.persistDeadline, now) {
		c.onPersist(now)
	}
	if due(c.overrideDeadline, now) {
		c.onOverride(now)
	}
	return nil
}

// onRetransmitTimeout resends the oldest outstanding segment (RFC 6298 §5)
// or gives up once the retry count or the R2 time bound is exceeded.
func (c *ControlBlock) onRetransmitTimeout(now time.Time) error {
	e, ok := c.oldestUnacked()
	if !ok {
		c.rtxDeadline = time.Time{}
		return nil
	}

	elapsed := now.Sub(e.FirstSentAt)
	r2 := c.cfg.R2
	if e.SYN {
		r2 = c.cfg.SynR2
	}
	if c.retries >= c.cfg.MaxRetries || (r2 > 0 && elapsed >= r2) {
		logging.WarnWithFields(logrus.Fields{
			"local":   c.id.Local.String(),
			"remote":  c.id.Remote.String(),
			"seq":     e.Seq,
			"retries": c.retries,
			"elapsed": elapsed,
		}, "retransmission limit reached, aborting")
		c.cfg.Metrics.IncTimeout()
		switch c.state {
		case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
			c.emit(segment.Segment{Seq: c.snd.NXT, Flags: segment.FlagRST})
		}
		return c.fail(errors.Wrapf(ErrConnectionTimeout, "after %d retransmissions in %s", c.retries, elapsed))
	}

	c.retries++
	if c.retries == c.cfg.R1 {
		c.log.Warnf("segment seq=%d retransmitted %d times, rto=%s", e.Seq, c.retries, c.rto.RTO())
	}
	c.cc.OnTimeout(c.flightSize())
	c.rto.Backoff()
	c.recoverSeq = c.snd.NXT
	c.inRTORecover = true
	c.retransmit(e, now)
	c.cfg.Metrics.IncRetransmit()
	c.rtxDeadline = now.Add(c.rto.RTO())
	return nil
}
