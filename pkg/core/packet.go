package core

import (
	"sync"
	"sync/atomic"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// SetDebugMode sets the global debug mode flag.
// When enabled, NewPacket copies the bytes it is given so that a buffer
// reused by a transport cannot change a packet still being processed.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Packet is a datagram read from or written to a lower transport.
type Packet interface {
	// Data returns the packet bytes. Callers must not modify them.
	Data() []byte

	// Length returns the packet length
	Length() int
}

// pooledPacket is a Packet backed by a buffer from GetBuffer. ReleasePacket
// returns the buffer once the engine is done with it.
type pooledPacket struct {
	data     []byte
	releaser func([]byte)
}

// NewPooledPacket wraps data as a Packet with an optional releaser.
// Do not mutate data after passing it in.
func NewPooledPacket(data []byte, releaser func([]byte)) Packet {
	if data == nil {
		data = make([]byte, 0)
	}
	return &pooledPacket{data: data, releaser: releaser}
}

func (p *pooledPacket) Data() []byte { return p.data }
func (p *pooledPacket) Length() int  { return len(p.data) }

// Released reports whether the buffer has gone back to its pool.
func (p *pooledPacket) Released() bool { return p.data == nil }

// ReleasePacket returns a packet's underlying buffer to its pool if it was
// created via NewPooledPacket with a releaser. Releasing twice is a no-op.
func ReleasePacket(p Packet) {
	if pp, ok := p.(*pooledPacket); ok {
		if pp.releaser != nil && pp.data != nil {
			pp.releaser(pp.data)
			pp.data = nil
			pp.releaser = nil
		}
	}
}

// SimplePacket is a Packet over a plain byte slice.
type SimplePacket struct {
	data []byte
}

// NewPacket creates a new packet
func NewPacket(data []byte) Packet {
	if data == nil {
		return &SimplePacket{data: make([]byte, 0)}
	}
	if IsDebugMode() {
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		return &SimplePacket{data: dataCopy}
	}
	return &SimplePacket{data: data}
}

// Data returns the packet data
func (p *SimplePacket) Data() []byte { return p.data }

// Length returns the packet length
func (p *SimplePacket) Length() int { return len(p.data) }

// Buffer pools for datagrams. A TCP segment with a full-size MSS fits the
// small class; the large class holds any UDP datagram.
const (
	bufSmall = 2048
	bufLarge = 65536
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

// GetBuffer returns a buffer of length n, pooled when n fits a size class.
func GetBuffer(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers of any other
// capacity are left to the garbage collector.
func PutBuffer(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}
