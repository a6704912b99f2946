package core

import "sync/atomic"

// EngineMetrics contains counters for a TCP engine. Fields are updated
// atomically; read them through Snapshot.
type EngineMetrics struct {
	// ConnectionsOpened is the number of connections that reached ESTABLISHED.
	ConnectionsOpened uint64

	// ConnectionsClosed is the number of connections removed from the table.
	ConnectionsClosed uint64

	// SegmentsSent is the number of segments handed to the transport.
	SegmentsSent uint64

	// SegmentsReceived is the number of segments decoded from the transport.
	SegmentsReceived uint64

	// BytesSent is the number of payload bytes sent, retransmissions included.
	BytesSent uint64

	// BytesReceived is the number of payload bytes received.
	BytesReceived uint64

	// Retransmits counts segments resent after a retransmission timeout.
	Retransmits uint64

	// FastRetransmits counts segments resent after three duplicate ACKs.
	FastRetransmits uint64

	// Timeouts counts connections aborted by the retransmission limits.
	Timeouts uint64

	// ResetsSent counts RST segments emitted.
	ResetsSent uint64

	// ResetsReceived counts acceptable RST segments processed.
	ResetsReceived uint64

	// ChallengeACKs counts ACKs sent in answer to a SYN or RST that was in
	// window but not exact.
	ChallengeACKs uint64

	// WindowProbes counts zero-window probes.
	WindowProbes uint64

	// Dropped counts segments discarded as malformed, out of window or
	// unroutable.
	Dropped uint64

	// Errors counts transport send failures.
	Errors uint64
}

func add(p *uint64, n uint64) { atomic.AddUint64(p, n) }

// The Inc helpers accept a nil receiver so that callers without metrics
// need no checks.

func (m *EngineMetrics) IncOpened() {
	if m != nil {
		add(&m.ConnectionsOpened, 1)
	}
}

func (m *EngineMetrics) IncClosed() {
	if m != nil {
		add(&m.ConnectionsClosed, 1)
	}
}

// IncSent records one outbound segment carrying n payload bytes.
func (m *EngineMetrics) IncSent(n int) {
	if m != nil {
		add(&m.SegmentsSent, 1)
		add(&m.BytesSent, uint64(n))
	}
}

// IncReceived records one inbound segment carrying n payload bytes.
func (m *EngineMetrics) IncReceived(n int) {
	if m != nil {
		add(&m.SegmentsReceived, 1)
		add(&m.BytesReceived, uint64(n))
	}
}

func (m *EngineMetrics) IncRetransmit() {
	if m != nil {
		add(&m.Retransmits, 1)
	}
}

func (m *EngineMetrics) IncFastRetransmit() {
	if m != nil {
		add(&m.FastRetransmits, 1)
	}
}

func (m *EngineMetrics) IncTimeout() {
	if m != nil {
		add(&m.Timeouts, 1)
	}
}

func (m *EngineMetrics) IncResetSent() {
	if m != nil {
		add(&m.ResetsSent, 1)
	}
}

func (m *EngineMetrics) IncResetReceived() {
	if m != nil {
		add(&m.ResetsReceived, 1)
	}
}

func (m *EngineMetrics) IncChallengeACK() {
	if m != nil {
		add(&m.ChallengeACKs, 1)
	}
}

func (m *EngineMetrics) IncWindowProbe() {
	if m != nil {
		add(&m.WindowProbes, 1)
	}
}

func (m *EngineMetrics) IncDropped() {
	if m != nil {
		add(&m.Dropped, 1)
	}
}

func (m *EngineMetrics) IncErrors() {
	if m != nil {
		add(&m.Errors, 1)
	}
}

// Snapshot returns a consistent-per-field copy of the counters.
func (m *EngineMetrics) Snapshot() EngineMetrics {
	if m == nil {
		return EngineMetrics{}
	}
	load := atomic.LoadUint64
	return EngineMetrics{
		ConnectionsOpened: load(&m.ConnectionsOpened),
		ConnectionsClosed: load(&m.ConnectionsClosed),
		SegmentsSent:      load(&m.SegmentsSent),
		SegmentsReceived:  load(&m.SegmentsReceived),
		BytesSent:         load(&m.BytesSent),
		BytesReceived:     load(&m.BytesReceived),
		Retransmits:       load(&m.Retransmits),
		FastRetransmits:   load(&m.FastRetransmits),
		Timeouts:          load(&m.Timeouts),
		ResetsSent:        load(&m.ResetsSent),
		ResetsReceived:    load(&m.ResetsReceived),
		ChallengeACKs:     load(&m.ChallengeACKs),
		WindowProbes:      load(&m.WindowProbes),
		Dropped:           load(&m.Dropped),
		Errors:            load(&m.Errors),
	}
}

// Reset zeroes every counter.
func (m *EngineMetrics) Reset() {
	*m = EngineMetrics{}
}
