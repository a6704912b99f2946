package buffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

func TestSendBufferBackpressure(t *testing.T) {
	b := NewSendBuffer(10)
	assert.Equal(t, 6, b.Write([]byte("abcdef")))
	assert.Equal(t, 4, b.Write([]byte("ghijkl")))
	assert.Equal(t, 0, b.Write([]byte("x")))
	assert.Equal(t, 0, b.Free())

	assert.Equal(t, []byte("cde"), b.Peek(2, 3))
	assert.Equal(t, []byte("ij"), b.Peek(8, 10))
	assert.Nil(t, b.Peek(10, 1))

	b.Ack(4)
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, []byte("efghij"), b.Peek(0, 6))
	assert.Equal(t, 2, b.Write([]byte("kl")))
	b.Ack(100)
	assert.Equal(t, 0, b.Len())
}

func TestSenderMaySend(t *testing.T) {
	// Full segment fits.
	assert.True(t, SenderMaySend(2000, 1460, 1460, 65535, false))
	// Small tail with nothing in flight.
	assert.True(t, SenderMaySend(10, 1000, 1460, 65535, true))
	// Small tail with data in flight is held back.
	assert.False(t, SenderMaySend(10, 1000, 1460, 65535, false))
	// Half the peer's largest window.
	assert.True(t, SenderMaySend(600, 600, 1460, 1000, false))
	assert.False(t, SenderMaySend(100, 0, 1460, 65535, true))
	assert.False(t, SenderMaySend(0, 1000, 1460, 65535, true))
}

func TestRecvInOrder(t *testing.T) {
	r := NewRecvBuffer(100, 10)
	r.Reset(1000)
	assert.Equal(t, 5, r.Insert(1000, []byte("hello")))
	assert.Equal(t, seq.Value(1005), r.Next())
	assert.Equal(t, seq.Size(95), r.Window())

	p := make([]byte, 10)
	n := r.Read(p)
	assert.Equal(t, "hello", string(p[:n]))
}

func TestRecvDuplicateAndOverlap(t *testing.T) {
	r := NewRecvBuffer(100, 10)
	r.Reset(0)
	r.Insert(0, []byte("abcd"))
	assert.Equal(t, 0, r.Insert(0, []byte("abcd")), "duplicate delivers nothing")
	assert.Equal(t, 2, r.Insert(2, []byte("cdef")), "overlap delivers only new bytes")

	p := make([]byte, 10)
	n := r.Read(p)
	assert.Equal(t, "abcdef", string(p[:n]))
}

func TestRecvReassembly(t *testing.T) {
	r := NewRecvBuffer(100, 10)
	r.Reset(0)
	assert.Equal(t, 0, r.Insert(6, []byte("ghi")))
	assert.Equal(t, 0, r.Insert(3, []byte("def")))
	assert.Equal(t, 6, r.OutOfOrder(), "adjacent chunks coalesce")
	assert.Equal(t, 9, r.Insert(0, []byte("abc")))
	assert.Equal(t, 0, r.OutOfOrder())

	p := make([]byte, 20)
	n := r.Read(p)
	assert.Equal(t, "abcdefghi", string(p[:n]))
}

func TestRecvRandomPermutationDeliversExactlyOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 4000)
	rng.Read(data)

	const iss = seq.Value(0xFFFFF000)
	r := NewRecvBuffer(8000, 100)
	r.Reset(iss)

	type piece struct {
		off int
		n   int
	}
	var pieces []piece
	for off := 0; off < len(data); {
		n := 1 + rng.Intn(150)
		if off+n > len(data) {
			n = len(data) - off
		}
		pieces = append(pieces, piece{off, n})
		off += n
	}
	// Duplicate a few pieces and shuffle.
	pieces = append(pieces, pieces[3], pieces[10], pieces[0])
	rng.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

	total := 0
	for _, pc := range pieces {
		total += r.Insert(seq.Add(iss, seq.Size(pc.off)), data[pc.off:pc.off+pc.n])
	}
	assert.Equal(t, len(data), total)
	assert.Equal(t, seq.Add(iss, seq.Size(len(data))), r.Next())

	out := make([]byte, 8000)
	n := r.Read(out)
	require.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, out[:n]))
}

func TestRecvWindowLimitsAcceptance(t *testing.T) {
	r := NewRecvBuffer(10, 5)
	r.Reset(0)
	assert.Equal(t, 10, r.Insert(0, []byte("0123456789abc")))
	assert.Equal(t, seq.Size(0), r.Window())
	assert.Equal(t, 0, r.Insert(10, []byte("x")))
	assert.Equal(t, 0, r.Insert(12, []byte("x")))
	assert.Equal(t, 0, r.OutOfOrder())
}

func TestRecvWindowSillyWindowAvoidance(t *testing.T) {
	r := NewRecvBuffer(1000, 100)
	r.Reset(0)
	r.Insert(0, make([]byte, 1000))
	require.Equal(t, seq.Size(0), r.Window())

	r.Read(make([]byte, 50))
	assert.Equal(t, seq.Size(0), r.Window(), "50 bytes freed is below one MSS")

	r.Read(make([]byte, 60))
	assert.Equal(t, seq.Size(110), r.Window())
}

func TestRecvAdvanceForFIN(t *testing.T) {
	r := NewRecvBuffer(100, 10)
	r.Reset(5)
	r.Insert(5, []byte("ab"))
	r.Advance(1)
	assert.Equal(t, seq.Value(8), r.Next())
	assert.Equal(t, seq.Size(98), r.Window())
}
