// Package core holds the interfaces shared between the TCP engine and the
// lower transports that carry its segments, plus the engine metrics.
package core

import "net/netip"

// SegmentTransport carries encoded TCP segments to a remote endpoint. The
// segment is a complete TCP header plus payload with the checksum filled in.
// Implementations must not retain seg after returning, and must not call
// back into the engine synchronously.
type SegmentTransport interface {
	SendSegment(local, remote netip.AddrPort, seg []byte) error
}

// SegmentHandler receives inbound segments from a transport. local and
// remote are the IP addresses the segment was sent to and from; ports are
// read from the TCP header.
type SegmentHandler interface {
	OnReceive(local, remote netip.Addr, seg []byte)
}

// SegmentHandlerFunc adapts a function to SegmentHandler.
type SegmentHandlerFunc func(local, remote netip.Addr, seg []byte)

// OnReceive calls f.
func (f SegmentHandlerFunc) OnReceive(local, remote netip.Addr, seg []byte) {
	f(local, remote, seg)
}

// TransportMetrics contains counters kept by a lower transport.
type TransportMetrics struct {
	// PacketsSent is the number of packets sent.
	PacketsSent uint64

	// PacketsReceived is the number of packets received.
	PacketsReceived uint64

	// PacketsDropped is the number of packets discarded by the transport.
	PacketsDropped uint64

	// BytesSent is the number of bytes sent.
	BytesSent uint64

	// BytesReceived is the number of bytes received.
	BytesReceived uint64

	// Errors is the number of errors encountered.
	Errors uint64
}
