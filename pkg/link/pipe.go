// Package link provides lower transports that carry encoded TCP segments
// between engines: an in-memory Pipe for tests and simulations, and UDPLink,
// which tunnels IPv4 packets over UDP.
package link

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/logging"
)

// Frame is one segment in flight on a Pipe.
type Frame struct {
	Src  netip.AddrPort
	Dst  netip.AddrPort
	Data []byte
}

// DropFunc decides whether a frame is lost. It is called once per frame
// at delivery time.
type DropFunc func(f Frame) bool

// ReorderFunc may permute a batch of frames before delivery.
type ReorderFunc func(batch []Frame)

// ErrPipeClosed is returned by SendSegment after Stop.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe is an in-memory SegmentTransport connecting any number of endpoints
// by IP address. Sent segments are queued; nothing is delivered until Step
// or Flush is called, or the background loop started by Start runs. Handlers
// may therefore send from inside OnReceive without deadlocking.
type Pipe struct {
	mu       sync.Mutex
	handlers map[netip.Addr]core.SegmentHandler
	queue    []Frame
	drop     DropFunc
	reorder  ReorderFunc
	written  [][]byte
	record   bool
	closed   bool

	notify  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	metrics core.TransportMetrics
}

// NewPipe returns an empty pipe.
func NewPipe() *Pipe {
	return &Pipe{
		handlers: make(map[netip.Addr]core.SegmentHandler),
		notify:   make(chan struct{}, 1),
	}
}

// Attach routes segments addressed to addr to h.
func (p *Pipe) Attach(addr netip.Addr, h core.SegmentHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[addr] = h
}

// SetDropFunc installs a loss model. nil disables loss.
func (p *Pipe) SetDropFunc(f DropFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = f
}

// SetReorderFunc installs a reordering model. nil keeps FIFO order.
func (p *Pipe) SetReorderFunc(f ReorderFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reorder = f
}

// RecordWritten keeps a copy of every sent segment for inspection.
func (p *Pipe) RecordWritten(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record = enabled
}

// SendSegment queues a copy of seg for delivery to remote.
func (p *Pipe) SendSegment(local, remote netip.AddrPort, seg []byte) error {
	data := make([]byte, len(seg))
	copy(data, seg)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipeClosed
	}
	p.queue = append(p.queue, Frame{Src: local, Dst: remote, Data: data})
	if p.record {
		p.written = append(p.written, data)
	}
	p.mu.Unlock()

	atomic.AddUint64(&p.metrics.PacketsSent, 1)
	atomic.AddUint64(&p.metrics.BytesSent, uint64(len(data)))

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued frames.
func (p *Pipe) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Step delivers the frames queued at the time of the call and returns how
// many reached a handler. Frames sent by handlers during delivery wait for
// the next Step.
func (p *Pipe) Step() int {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	drop, reorder := p.drop, p.reorder
	p.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}
	if reorder != nil {
		reorder(batch)
	}

	delivered := 0
	for _, f := range batch {
		if drop != nil && drop(f) {
			atomic.AddUint64(&p.metrics.PacketsDropped, 1)
			continue
		}
		p.mu.Lock()
		h := p.handlers[f.Dst.Addr()]
		p.mu.Unlock()
		if h == nil {
			logging.Debugf("pipe: no endpoint for %s, dropping %d bytes", f.Dst, len(f.Data))
			atomic.AddUint64(&p.metrics.PacketsDropped, 1)
			continue
		}
		atomic.AddUint64(&p.metrics.PacketsReceived, 1)
		atomic.AddUint64(&p.metrics.BytesReceived, uint64(len(f.Data)))
		h.OnReceive(f.Dst.Addr(), f.Src.Addr(), f.Data)
		delivered++
	}
	return delivered
}

// Flush steps until the queue stays empty or maxRounds batches have been
// delivered, and returns the number of frames delivered.
func (p *Pipe) Flush(maxRounds int) int {
	total := 0
	for i := 0; i < maxRounds && p.Pending() > 0; i++ {
		total += p.Step()
	}
	return total
}

// Start delivers frames from a background goroutine as they are sent.
func (p *Pipe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipe already running")
	}
	p.running = true
	p.closed = false
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.deliverLoop()
	return nil
}

// Stop ends background delivery and rejects further sends.
func (p *Pipe) Stop() error {
	p.mu.Lock()
	p.closed = true
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pipe) deliverLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notify:
			for p.Step() > 0 || p.Pending() > 0 {
				select {
				case <-p.stopCh:
					return
				default:
				}
			}
		}
	}
}

// Written returns copies of the recorded segments.
func (p *Pipe) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	for i, b := range p.written {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// ClearWritten discards the recorded segments.
func (p *Pipe) ClearWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = nil
}

// Metrics returns a snapshot of the pipe's counters.
func (p *Pipe) Metrics() core.TransportMetrics {
	return core.TransportMetrics{
		PacketsSent:     atomic.LoadUint64(&p.metrics.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&p.metrics.PacketsReceived),
		PacketsDropped:  atomic.LoadUint64(&p.metrics.PacketsDropped),
		BytesSent:       atomic.LoadUint64(&p.metrics.BytesSent),
		BytesReceived:   atomic.LoadUint64(&p.metrics.BytesReceived),
		Errors:          atomic.LoadUint64(&p.metrics.Errors),
	}
}
