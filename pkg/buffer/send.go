// Package buffer holds the sliding-window byte buffers of a connection: the
// send buffer of data not yet acknowledged by the peer and the receive buffer
// that reassembles out-of-order segments.
package buffer

// SendBuffer is a bounded queue of bytes whose first byte corresponds to
// SND.UNA. Bytes stay in the buffer until acknowledged so that they can be
// retransmitted.
type SendBuffer struct {
	data     []byte
	capacity int
}

// NewSendBuffer returns an empty buffer that holds at most capacity bytes.
func NewSendBuffer(capacity int) *SendBuffer {
	return &SendBuffer{capacity: capacity}
}

// Write appends as much of p as fits and returns the number of bytes accepted.
func (b *SendBuffer) Write(p []byte) int {
	n := b.Free()
	if n > len(p) {
		n = len(p)
	}
	if n > 0 {
		b.data = append(b.data, p[:n]...)
	}
	return n
}

// Peek copies up to n bytes starting off bytes past SND.UNA.
func (b *SendBuffer) Peek(off, n int) []byte {
	if off >= len(b.data) || n <= 0 {
		return nil
	}
	end := off + n
	if end > len(b.data) {
		end = len(b.data)
	}
	out := make([]byte, end-off)
	copy(out, b.data[off:end])
	return out
}

// Ack evicts the first n bytes.
func (b *SendBuffer) Ack(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	// Compact so the backing array does not grow without bound.
	m := copy(b.data, b.data[n:])
	b.data = b.data[:m]
}

// Len returns the number of buffered bytes, sent or not.
func (b *SendBuffer) Len() int { return len(b.data) }

// Free returns the remaining capacity.
func (b *SendBuffer) Free() int { return b.capacity - len(b.data) }

// Cap returns the capacity.
func (b *SendBuffer) Cap() int { return b.capacity }

// Clear discards every byte.
func (b *SendBuffer) Clear() { b.data = nil }

// SenderMaySend applies sender-side silly window syndrome avoidance
// (RFC 9293 §3.8.6.2.1). queued is the amount of unsent data D, usable the
// usable window U. Data may be sent when a full segment fits, when everything
// queued fits and nothing is in flight, or when at least half of the largest
// window the peer has offered fits.
func SenderMaySend(queued, usable, mss, maxWindow int, idle bool) bool {
	if queued <= 0 || usable <= 0 {
		return false
	}
	m := queued
	if usable < m {
		m = usable
	}
	switch {
	case m >= mss:
		return true
	case idle && queued <= usable:
		return true
	case maxWindow > 0 && m >= maxWindow/2:
		return true
	}
	return false
}
