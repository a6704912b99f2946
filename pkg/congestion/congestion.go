// Package congestion implements RFC 5681 congestion control for the TCP
// sender: slow start, congestion avoidance, fast retransmit and fast
// recovery.
package congestion

import "strings"

// DefaultSsthresh is the initial slow-start threshold when none is configured.
const DefaultSsthresh = 65535

// Action tells the caller what to do after a duplicate ACK.
type Action int

const (
	// None means no retransmission is required.
	None Action = iota
	// FastRetransmit means the oldest unacknowledged segment must be resent now.
	FastRetransmit
)

// Controller is the interface for pluggable congestion algorithms governing
// how much unacknowledged data a connection may have outstanding.
type Controller interface {
	// Cwnd returns the current congestion window in bytes.
	Cwnd() int
	// Ssthresh returns the current slow-start threshold in bytes.
	Ssthresh() int
	// OnAck informs the controller that acked bytes of new data were
	// cumulatively acknowledged while flightSize bytes were outstanding.
	OnAck(acked, flightSize int)
	// OnDupAck informs the controller of a duplicate ACK.
	OnDupAck(flightSize int) Action
	// OnTimeout informs the controller that the retransmission timer expired.
	OnTimeout(flightSize int)
	// InRecovery reports whether fast recovery is in progress.
	InRecovery() bool
	// DupAcks returns the number of consecutive duplicate ACKs seen.
	DupAcks() int
}

// Config holds the congestion parameters for one connection.
type Config struct {
	// MSS is the sender maximum segment size in bytes.
	MSS int
	// InitialWindow overrides the RFC 5681 initial window when > 0.
	InitialWindow int
	// InitialSsthresh is the starting slow-start threshold. Zero selects
	// DefaultSsthresh.
	InitialSsthresh int
}

// New constructs a controller by name. Currently supports "reno" (default).
func New(name string, cfg Config) Controller {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reno", "newreno", "new-reno":
		return NewReno(cfg)
	default:
		return NewReno(cfg)
	}
}

// InitialWindow returns the RFC 5681 §3.1 style initial window
// min(4*MSS, max(2*MSS, 4380)).
func InitialWindow(mss int) int {
	iw := 4380
	if iw < 2*mss {
		iw = 2 * mss
	}
	if iw > 4*mss {
		iw = 4 * mss
	}
	return iw
}
