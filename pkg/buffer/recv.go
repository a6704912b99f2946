package buffer

import (
	"github.com/google/btree"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

// chunk is a run of out-of-order bytes starting at start.
type chunk struct {
	start seq.Value
	data  []byte
}

func (c chunk) end() seq.Value { return seq.Add(c.start, seq.Size(len(c.data))) }

// RecvBuffer reassembles inbound data. Bytes at RCV.NXT move to the readable
// queue; bytes beyond it are kept, coalesced, in a tree keyed by sequence
// number until the gap before them fills. Each byte becomes readable exactly
// once.
//
// The advertised window keeps its right edge fixed as data arrives and only
// reopens when the freed space reaches min(capacity/2, MSS).
type RecvBuffer struct {
	capacity int
	mss      int

	nxt  seq.Value
	wnd  seq.Size
	base seq.Value

	readable []byte
	ooo      *btree.BTreeG[chunk]
	oooBytes int
}

// NewRecvBuffer returns a buffer of the given capacity. Reset must be called
// with the initial RCV.NXT before use.
func NewRecvBuffer(capacity, mss int) *RecvBuffer {
	r := &RecvBuffer{capacity: capacity, mss: mss}
	r.ooo = btree.NewG(8, func(a, b chunk) bool {
		return seq.Sub(a.start, r.base) < seq.Sub(b.start, r.base)
	})
	r.Reset(0)
	return r
}

// Reset discards all data and sets RCV.NXT.
func (r *RecvBuffer) Reset(nxt seq.Value) {
	r.nxt = nxt
	r.base = nxt
	r.wnd = seq.Size(r.capacity)
	r.readable = nil
	r.ooo.Clear(false)
	r.oooBytes = 0
}

// SetMSS sets the segment size used by the window update rule.
func (r *RecvBuffer) SetMSS(mss int) { r.mss = mss }

// Next returns RCV.NXT.
func (r *RecvBuffer) Next() seq.Value { return r.nxt }

// Window returns RCV.WND.
func (r *RecvBuffer) Window() seq.Size { return r.wnd }

// Buffered returns the number of readable bytes.
func (r *RecvBuffer) Buffered() int { return len(r.readable) }

// OutOfOrder returns the number of bytes held beyond a gap.
func (r *RecvBuffer) OutOfOrder() int { return r.oooBytes }

// Insert places data starting at sequence number start. Bytes outside
// [RCV.NXT, RCV.NXT+RCV.WND) are discarded. It returns how far RCV.NXT
// advanced.
func (r *RecvBuffer) Insert(start seq.Value, data []byte) int {
	if len(data) == 0 {
		return 0
	}
	end := seq.Add(start, seq.Size(len(data)))
	if seq.LessThan(start, r.nxt) {
		if seq.LessThanEq(end, r.nxt) {
			return 0
		}
		data = data[seq.Sub(r.nxt, start):]
		start = r.nxt
	}
	right := seq.Add(r.nxt, r.wnd)
	if seq.GreaterThan(end, right) {
		if seq.GreaterThanEq(start, right) {
			return 0
		}
		data = data[:seq.Sub(right, start)]
	}
	if len(data) == 0 {
		return 0
	}

	before := r.nxt
	if start == r.nxt {
		r.deliver(data)
		r.drain()
	} else {
		r.store(chunk{start: start, data: append([]byte(nil), data...)})
	}
	r.base = r.nxt
	return int(seq.Sub(r.nxt, before))
}

// Advance moves RCV.NXT past n control octets (a FIN) without consuming
// buffer space.
func (r *RecvBuffer) Advance(n seq.Size) {
	r.nxt = seq.Add(r.nxt, n)
	if r.ooo.Len() == 0 {
		r.base = r.nxt
	}
}

// Read copies readable bytes into p and reopens the window when enough space
// has been freed.
func (r *RecvBuffer) Read(p []byte) int {
	n := copy(p, r.readable)
	r.readable = r.readable[n:]
	if len(r.readable) == 0 {
		r.readable = nil
	}
	if n > 0 {
		r.updateWindow()
	}
	return n
}

func (r *RecvBuffer) updateWindow() {
	threshold := r.capacity / 2
	if r.mss > 0 && r.mss < threshold {
		threshold = r.mss
	}
	reduction := r.capacity - len(r.readable) - int(r.wnd)
	if reduction >= threshold {
		r.wnd = seq.Size(r.capacity - len(r.readable))
	}
}

func (r *RecvBuffer) deliver(data []byte) {
	r.readable = append(r.readable, data...)
	r.nxt = seq.Add(r.nxt, seq.Size(len(data)))
	r.wnd -= seq.Size(len(data))
}

// drain releases stored chunks that have become contiguous with RCV.NXT.
func (r *RecvBuffer) drain() {
	for {
		c, ok := r.ooo.Min()
		if !ok || seq.GreaterThan(c.start, r.nxt) {
			return
		}
		r.ooo.DeleteMin()
		r.oooBytes -= len(c.data)
		if seq.GreaterThan(c.end(), r.nxt) {
			r.deliver(c.data[seq.Sub(r.nxt, c.start):])
		}
	}
}

// store inserts c, merging it with every stored chunk it overlaps or touches.
func (r *RecvBuffer) store(c chunk) {
	var merge []chunk
	r.ooo.Ascend(func(o chunk) bool {
		if seq.LessThan(o.end(), c.start) {
			return true
		}
		if seq.GreaterThan(o.start, c.end()) {
			return false
		}
		merge = append(merge, o)
		return true
	})
	if len(merge) == 0 {
		r.ooo.ReplaceOrInsert(c)
		r.oooBytes += len(c.data)
		return
	}

	start := seq.Min(c.start, merge[0].start)
	end := seq.Max(c.end(), merge[len(merge)-1].end())
	buf := make([]byte, seq.Sub(end, start))
	for _, o := range merge {
		copy(buf[seq.Sub(o.start, start):], o.data)
		r.ooo.Delete(o)
		r.oooBytes -= len(o.data)
	}
	copy(buf[seq.Sub(c.start, start):], c.data)
	r.ooo.ReplaceOrInsert(chunk{start: start, data: buf})
	r.oooBytes += len(buf)
}
