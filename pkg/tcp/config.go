package tcp

import (
	"time"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/rtt"
)

// DefaultMSS is the send MSS assumed when the peer announces none
// (RFC 9293 §3.7.1).
const DefaultMSS = 536

// swsOverrideTimeout bounds how long sender-side SWS avoidance may hold data
// back while nothing is in flight (0.1 to 1 s per RFC 9293 §3.8.6.2.1).
const swsOverrideTimeout = 200 * time.Millisecond

// Config holds the tunables of a control block.
type Config struct {
	// MSS is the largest segment payload this endpoint accepts. It is
	// announced in the MSS option of SYN segments.
	MSS int

	// SendBufferSize and RecvBufferSize bound the per-connection buffers.
	SendBufferSize int
	RecvBufferSize int

	// RTO configures the retransmission timer.
	RTO rtt.Config

	// MaxRetries is the number of consecutive retransmissions of one
	// segment after which the connection is aborted.
	MaxRetries int

	// R1 is the retransmission count after which a warning is logged.
	R1 int

	// R2 and SynR2 bound the time spent retransmitting one data or SYN
	// segment. Zero disables the bound.
	R2    time.Duration
	SynR2 time.Duration

	// MSL is the maximum segment lifetime. TIME-WAIT lasts 2*MSL.
	MSL time.Duration

	// AckDelay delays pure ACKs for in-order data. Zero acknowledges at once.
	AckDelay time.Duration

	// CongestionControl names the congestion algorithm.
	CongestionControl string

	// InitialWindow overrides the initial congestion window in bytes when > 0.
	InitialWindow int

	// InitialSsthresh is the initial slow-start threshold in bytes.
	InitialSsthresh int

	// ISS generates initial send sequence numbers for passive opens.
	ISS *ISSGenerator

	// Metrics, when set, receives engine-wide counters.
	Metrics *core.EngineMetrics
}

// DefaultConfig returns the defaults used by the engine.
func DefaultConfig() Config {
	return Config{
		MSS:             1460,
		SendBufferSize:  64 * 1024,
		RecvBufferSize:  65535,
		RTO:             rtt.Config{InitialRTO: time.Second, MinRTO: time.Second, MaxRTO: 60 * time.Second},
		MaxRetries:      12,
		R1:              3,
		R2:              100 * time.Second,
		SynR2:           180 * time.Second,
		MSL:             30 * time.Second,
		InitialSsthresh: 65535,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.RecvBufferSize > 65535 {
		// Without window scaling the window field caps what can be offered.
		c.RecvBufferSize = 65535
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.R1 <= 0 {
		c.R1 = d.R1
	}
	if c.MSL <= 0 {
		c.MSL = d.MSL
	}
	if c.InitialSsthresh <= 0 {
		c.InitialSsthresh = d.InitialSsthresh
	}
	if c.ISS == nil {
		c.ISS = NewISSGenerator()
	}
	return c
}
