// Package wireguard runs the engine over a userspace WireGuard device. Tun
// is the plaintext side of the device: the engine's IPv4 packets are read by
// wireguard-go for encryption, and decrypted packets written by wireguard-go
// are handed to a segment handler.
package wireguard

import (
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/link"
	"github.com/irctrakz/tcpcore/pkg/logging"
)

const (
	defaultMTU      = 1420
	defaultQueueCap = 1024
	defaultTTL      = 64
)

var (
	// ErrTunClosed is returned once the tun has been closed.
	ErrTunClosed = errors.New("wireguard: tun closed")
	// ErrQueueFull is returned by SendSegment when wireguard-go is not
	// draining packets fast enough.
	ErrQueueFull = errors.New("wireguard: tun queue full")
)

// Tun is a tun.Device with no kernel interface behind it.
type Tun struct {
	name     string
	mtu      int
	ttl      int
	handler  core.SegmentHandler
	capture  *link.PcapWriter
	ipID     uint32
	outCh    chan []byte
	events   chan wtun.Event
	closed   chan struct{}
	closeMu  sync.Mutex
	isClosed bool

	metrics core.TransportMetrics
	log     *logrus.Entry
}

// NewTun creates a Tun delivering decrypted segments to h. A queueCap of
// zero uses the default outbound queue size.
func NewTun(name string, mtu, queueCap int, h core.SegmentHandler) *Tun {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	t := &Tun{
		name:    name,
		mtu:     mtu,
		ttl:     defaultTTL,
		handler: h,
		outCh:   make(chan []byte, queueCap),
		events:  make(chan wtun.Event, 2),
		closed:  make(chan struct{}),
		log:     logging.ForComponent("wgtun"),
	}
	t.events <- wtun.EventUp
	return t
}

// SetHandler replaces the inbound segment handler. It must be called before
// the device is started.
func (t *Tun) SetHandler(h core.SegmentHandler) { t.handler = h }

// SetCapture records plaintext packets in both directions to p.
func (t *Tun) SetCapture(p *link.PcapWriter) { t.capture = p }

// SetTTL sets the TTL written into outgoing IPv4 headers.
func (t *Tun) SetTTL(ttl int) {
	if ttl > 0 {
		t.ttl = ttl
	}
}

// SendSegment wraps seg in an IPv4 header and queues it for encryption.
func (t *Tun) SendSegment(local, remote netip.AddrPort, seg []byte) error {
	select {
	case <-t.closed:
		return ErrTunClosed
	default:
	}
	id := int(atomic.AddUint32(&t.ipID, 1))
	pkt, err := link.EncapsulateIPv4(local.Addr(), remote.Addr(), id, t.ttl, seg)
	if err != nil {
		atomic.AddUint64(&t.metrics.Errors, 1)
		return err
	}
	if len(pkt) > t.mtu {
		atomic.AddUint64(&t.metrics.PacketsDropped, 1)
		return errors.Wrapf(link.ErrBadPacket, "packet of %d bytes exceeds MTU %d", len(pkt), t.mtu)
	}
	select {
	case t.outCh <- pkt:
		atomic.AddUint64(&t.metrics.PacketsSent, 1)
		atomic.AddUint64(&t.metrics.BytesSent, uint64(len(pkt)))
		t.record(pkt)
		return nil
	default:
		atomic.AddUint64(&t.metrics.PacketsDropped, 1)
		return ErrQueueFull
	}
}

// File returns nil; there is no file descriptor behind a Tun.
func (t *Tun) File() *os.File { return nil }

// Read hands one queued packet to wireguard-go.
func (t *Tun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrTunClosed
	case pkt := <-t.outCh:
		if len(bufs) == 0 || len(sizes) == 0 {
			return 0, nil
		}
		if offset > len(bufs[0]) {
			return 0, errors.New("wireguard: offset beyond buffer")
		}
		sizes[0] = copy(bufs[0][offset:], pkt)
		return 1, nil
	}
}

// Write takes decrypted packets from wireguard-go. Packets that are not
// IPv4/TCP are counted and dropped.
func (t *Tun) Write(bufs [][]byte, offset int) (int, error) {
	for i, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		atomic.AddUint64(&t.metrics.PacketsReceived, 1)
		atomic.AddUint64(&t.metrics.BytesReceived, uint64(len(pkt)))
		src, dst, seg, err := link.DecapsulateIPv4(pkt)
		if err != nil {
			atomic.AddUint64(&t.metrics.PacketsDropped, 1)
			if logging.IsDebug() {
				t.log.Debugf("drop packet %d of %d: %v", i+1, len(bufs), err)
			}
			continue
		}
		t.record(pkt)
		if t.handler != nil {
			t.handler.OnReceive(dst, src, seg)
		}
	}
	return len(bufs), nil
}

func (t *Tun) record(pkt []byte) {
	if err := t.capture.WritePacket(pkt); err != nil {
		t.log.Debugf("capture: %v", err)
	}
}

// MTU returns the plaintext MTU.
func (t *Tun) MTU() (int, error) { return t.mtu, nil }

// Name returns the interface name.
func (t *Tun) Name() (string, error) { return t.name, nil }

// Events returns the device event stream.
func (t *Tun) Events() <-chan wtun.Event { return t.events }

// BatchSize returns 1; packets are exchanged one at a time.
func (t *Tun) BatchSize() int { return 1 }

// Close stops the Tun. Packets still queued are discarded.
func (t *Tun) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.isClosed {
		return nil
	}
	t.isClosed = true
	close(t.closed)
	select {
	case t.events <- wtun.EventDown:
	default:
	}
	close(t.events)
	for {
		select {
		case <-t.outCh:
		default:
			return nil
		}
	}
}

// Metrics returns a snapshot of the Tun's counters. Sent counts packets
// handed to wireguard-go and received counts decrypted packets.
func (t *Tun) Metrics() core.TransportMetrics {
	return core.TransportMetrics{
		PacketsSent:     atomic.LoadUint64(&t.metrics.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&t.metrics.PacketsReceived),
		PacketsDropped:  atomic.LoadUint64(&t.metrics.PacketsDropped),
		BytesSent:       atomic.LoadUint64(&t.metrics.BytesSent),
		BytesReceived:   atomic.LoadUint64(&t.metrics.BytesReceived),
		Errors:          atomic.LoadUint64(&t.metrics.Errors),
	}
}

var _ wtun.Device = (*Tun)(nil)
var _ core.SegmentTransport = (*Tun)(nil)
