package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

// ISSGenerator produces initial sequence numbers from a clock that ticks
// every 4 microseconds (RFC 9293 §3.4.1), offset by a random secret so that
// numbers are not predictable across restarts.
type ISSGenerator struct {
	mu     sync.Mutex
	offset uint32
	last   seq.Value
	used   bool
}

// NewISSGenerator returns a generator with a random offset.
func NewISSGenerator() *ISSGenerator {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return &ISSGenerator{offset: binary.BigEndian.Uint32(b[:])}
}

// NewFixedISSGenerator returns a generator with the given offset.
func NewFixedISSGenerator(offset uint32) *ISSGenerator {
	return &ISSGenerator{offset: offset}
}

// Next returns the ISS for a connection opened at now. Successive calls
// never return the same value.
func (g *ISSGenerator) Next(now time.Time) seq.Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := seq.Value(uint32(now.UnixNano()/4000) + g.offset)
	if g.used && seq.LessThanEq(v, g.last) {
		v = g.last + 1
	}
	g.last = v
	g.used = true
	return v
}
