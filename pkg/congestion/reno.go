package congestion

// Reno is the RFC 5681 algorithm.
type Reno struct {
	mss      int
	cwnd     int
	ssthresh int
	dupAcks  int
	recovery bool
}

// NewReno returns a Reno controller in slow start.
func NewReno(cfg Config) *Reno {
	mss := cfg.MSS
	if mss <= 0 {
		mss = 536
	}
	iw := InitialWindow(mss)
	if cfg.InitialWindow > 0 {
		iw = cfg.InitialWindow
	}
	ssthresh := cfg.InitialSsthresh
	if ssthresh <= 0 {
		ssthresh = DefaultSsthresh
	}
	return &Reno{
		mss:      mss,
		cwnd:     iw,
		ssthresh: ssthresh,
	}
}

func (r *Reno) Cwnd() int        { return r.cwnd }
func (r *Reno) Ssthresh() int    { return r.ssthresh }
func (r *Reno) InRecovery() bool { return r.recovery }
func (r *Reno) DupAcks() int     { return r.dupAcks }

// OnAck handles an ACK that covers new data.
func (r *Reno) OnAck(acked, flightSize int) {
	r.dupAcks = 0
	if acked <= 0 {
		return
	}
	if r.recovery {
		// Deflate the window and go straight to congestion avoidance.
		r.recovery = false
		r.cwnd = r.ssthresh
		return
	}
	if r.cwnd < r.ssthresh {
		// Slow start: at most one MSS per ACK.
		inc := acked
		if inc > r.mss {
			inc = r.mss
		}
		r.cwnd += inc
		return
	}
	// Congestion avoidance: cwnd += SMSS*SMSS/cwnd, at least one byte.
	inc := r.mss * r.mss / r.cwnd
	if inc < 1 {
		inc = 1
	}
	r.cwnd += inc
}

// OnDupAck counts a duplicate ACK and enters fast recovery on the third.
func (r *Reno) OnDupAck(flightSize int) Action {
	r.dupAcks++
	switch {
	case r.recovery:
		r.cwnd += r.mss
		return None
	case r.dupAcks == 3:
		r.ssthresh = r.halfFlight(flightSize)
		r.cwnd = r.ssthresh + 3*r.mss
		r.recovery = true
		return FastRetransmit
	}
	return None
}

// OnTimeout collapses the window to one segment and restarts slow start.
func (r *Reno) OnTimeout(flightSize int) {
	r.ssthresh = r.halfFlight(flightSize)
	r.cwnd = r.mss
	r.dupAcks = 0
	r.recovery = false
}

func (r *Reno) halfFlight(flightSize int) int {
	half := flightSize / 2
	if half < 2*r.mss {
		half = 2 * r.mss
	}
	return half
}
