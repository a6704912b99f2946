package link

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/tcpcore/pkg/core"
	"github.com/irctrakz/tcpcore/pkg/logging"
)

const (
	protocolTCP = 6
	defaultTTL  = 64
	maxDatagram = 65535
)

var (
	// ErrNoRoute is returned when no UDP endpoint is known for a remote IP.
	ErrNoRoute = errors.New("no route to host")
	// ErrNotTCP is returned for packets that do not carry TCP.
	ErrNotTCP = errors.New("not a TCP packet")
	// ErrBadPacket is returned for malformed IPv4 packets.
	ErrBadPacket = errors.New("malformed IPv4 packet")
)

// EncapsulateIPv4 prefixes seg with an IPv4 header from src to dst.
func EncapsulateIPv4(src, dst netip.Addr, id, ttl int, seg []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, errors.Wrapf(ErrBadPacket, "non-IPv4 endpoints %s -> %s", src, dst)
	}
	total := ipv4.HeaderLen + len(seg)
	if total > maxDatagram {
		return nil, errors.Wrapf(ErrBadPacket, "packet of %d bytes too large", total)
	}
	s, d := src.As4(), dst.As4()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: total,
		ID:       id & 0xffff,
		Flags:    ipv4.DontFragment,
		TTL:      ttl,
		Protocol: protocolTCP,
		Src:      net.IP(s[:]),
		Dst:      net.IP(d[:]),
	}
	hb, err := h.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	// Marshal writes length and fragment fields in host order on some
	// platforms; the wire format is always big endian.
	binary.BigEndian.PutUint16(hb[2:4], uint16(total))
	binary.BigEndian.PutUint16(hb[6:8], uint16(ipv4.DontFragment)<<13)
	binary.BigEndian.PutUint16(hb[10:12], 0)
	binary.BigEndian.PutUint16(hb[10:12], ^header.Checksum(hb, 0))

	pkt := make([]byte, 0, total)
	pkt = append(pkt, hb...)
	return append(pkt, seg...), nil
}

// DecapsulateIPv4 validates an IPv4 packet carrying TCP and returns its
// addresses and the TCP segment, which aliases pkt.
func DecapsulateIPv4(pkt []byte) (src, dst netip.Addr, seg []byte, err error) {
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return src, dst, nil, errors.Wrap(ErrBadPacket, err.Error())
	}
	if h.Version != ipv4.Version || h.Len < ipv4.HeaderLen || h.Len > len(pkt) {
		return src, dst, nil, errors.Wrapf(ErrBadPacket, "version %d header length %d", h.Version, h.Len)
	}
	if header.Checksum(pkt[:h.Len], 0) != 0xffff {
		return src, dst, nil, errors.Wrap(ErrBadPacket, "header checksum")
	}
	total := int(binary.BigEndian.Uint16(pkt[2:4]))
	if total < h.Len || total > len(pkt) {
		return src, dst, nil, errors.Wrapf(ErrBadPacket, "total length %d of %d", total, len(pkt))
	}
	if h.Protocol != protocolTCP {
		return src, dst, nil, errors.Wrapf(ErrNotTCP, "protocol %d", h.Protocol)
	}
	var ok bool
	if src, ok = netip.AddrFromSlice(h.Src.To4()); !ok {
		return src, dst, nil, errors.Wrap(ErrBadPacket, "source address")
	}
	if dst, ok = netip.AddrFromSlice(h.Dst.To4()); !ok {
		return src, dst, nil, errors.Wrap(ErrBadPacket, "destination address")
	}
	return src, dst, pkt[h.Len:total], nil
}

// UDPConfig configures a UDPLink.
type UDPConfig struct {
	// ListenAddr is the local UDP address, for example "0.0.0.0:7000".
	ListenAddr string
	// TTL is written into every IPv4 header. Zero means 64.
	TTL int
	// Peers maps tunnel IP addresses to the UDP endpoints that serve them.
	Peers map[netip.Addr]netip.AddrPort
}

// UDPLink carries IPv4/TCP packets inside UDP datagrams. Each datagram holds
// exactly one IPv4 packet. Peers not configured up front are learned from
// the source of the datagrams they send.
type UDPLink struct {
	conn    *net.UDPConn
	handler core.SegmentHandler
	ttl     int
	ipID    uint32

	peersMu sync.RWMutex
	peers   map[netip.Addr]netip.AddrPort

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	capture       *PcapWriter
	captureFailed uint32

	metrics core.TransportMetrics
	log     *logrus.Entry
}

// ListenUDP binds a UDP socket and returns a link delivering inbound
// segments to h. Call Start to begin reading.
func ListenUDP(cfg UDPConfig, h core.SegmentHandler) (*UDPLink, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", cfg.ListenAddr)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %q", cfg.ListenAddr)
	}
	l := &UDPLink{
		conn:    conn,
		handler: h,
		ttl:     cfg.TTL,
		peers:   make(map[netip.Addr]netip.AddrPort),
		log:     logging.ForComponent("udplink"),
	}
	if l.ttl <= 0 {
		l.ttl = defaultTTL
	}
	for ip, ep := range cfg.Peers {
		l.peers[ip] = ep
	}
	return l, nil
}

// SetHandler replaces the inbound segment handler. It must be called before
// Start.
func (l *UDPLink) SetHandler(h core.SegmentHandler) { l.handler = h }

// SetCapture records every IPv4 packet sent or received to p. It must be
// called before Start.
func (l *UDPLink) SetCapture(p *PcapWriter) { l.capture = p }

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() netip.AddrPort {
	return l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// AddPeer routes packets for ip to the UDP endpoint ep.
func (l *UDPLink) AddPeer(ip netip.Addr, ep netip.AddrPort) {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	l.peers[ip] = ep
}

func (l *UDPLink) peer(ip netip.Addr) (netip.AddrPort, bool) {
	l.peersMu.RLock()
	defer l.peersMu.RUnlock()
	ep, ok := l.peers[ip]
	return ep, ok
}

// SendSegment wraps seg in an IPv4 header and sends it to the peer serving
// remote's address.
func (l *UDPLink) SendSegment(local, remote netip.AddrPort, seg []byte) error {
	ep, ok := l.peer(remote.Addr())
	if !ok {
		atomic.AddUint64(&l.metrics.PacketsDropped, 1)
		return errors.Wrapf(ErrNoRoute, "%s", remote.Addr())
	}
	id := int(atomic.AddUint32(&l.ipID, 1))
	pkt, err := EncapsulateIPv4(local.Addr(), remote.Addr(), id, l.ttl, seg)
	if err != nil {
		atomic.AddUint64(&l.metrics.Errors, 1)
		return err
	}
	l.record(pkt)
	if _, err := l.conn.WriteToUDPAddrPort(pkt, ep); err != nil {
		atomic.AddUint64(&l.metrics.Errors, 1)
		return errors.Wrapf(err, "write to %s", ep)
	}
	atomic.AddUint64(&l.metrics.PacketsSent, 1)
	atomic.AddUint64(&l.metrics.BytesSent, uint64(len(pkt)))
	return nil
}

// Start begins reading datagrams.
func (l *UDPLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return errors.New("udp link already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.wg.Add(1)
	go l.readLoop()
	l.log.Infof("listening on %s", l.LocalAddr())
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (l *UDPLink) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return l.conn.Close()
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *UDPLink) readLoop() {
	defer l.wg.Done()
	for {
		buf := core.GetBuffer(maxDatagram)
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			core.PutBuffer(buf)
			select {
			case <-l.stopCh:
				return
			default:
			}
			atomic.AddUint64(&l.metrics.Errors, 1)
			l.log.Warnf("read: %v", err)
			continue
		}
		// Debug mode copies the datagram so the buffer can go straight
		// back to the pool.
		var pkt core.Packet
		if core.IsDebugMode() {
			pkt = core.NewPacket(buf[:n])
			core.PutBuffer(buf)
		} else {
			pkt = core.NewPooledPacket(buf[:n], core.PutBuffer)
		}
		l.handle(pkt, from)
		core.ReleasePacket(pkt)
	}
}

func (l *UDPLink) handle(pkt core.Packet, from netip.AddrPort) {
	atomic.AddUint64(&l.metrics.PacketsReceived, 1)
	atomic.AddUint64(&l.metrics.BytesReceived, uint64(pkt.Length()))

	src, dst, seg, err := DecapsulateIPv4(pkt.Data())
	if err != nil {
		atomic.AddUint64(&l.metrics.PacketsDropped, 1)
		if logging.IsDebug() {
			l.log.Debugf("drop datagram from %s: %v", from, err)
		}
		return
	}
	l.record(pkt.Data())
	if _, ok := l.peer(src); !ok {
		l.AddPeer(src, from)
		l.log.WithField("peer", from.String()).Infof("learned route for %s", src)
	}
	if l.handler != nil {
		l.handler.OnReceive(dst, src, seg)
	}
}

func (l *UDPLink) record(pkt []byte) {
	if err := l.capture.WritePacket(pkt); err != nil && atomic.CompareAndSwapUint32(&l.captureFailed, 0, 1) {
		l.log.Warnf("capture: %v", err)
	}
}

// Metrics returns a snapshot of the link's counters.
func (l *UDPLink) Metrics() core.TransportMetrics {
	return core.TransportMetrics{
		PacketsSent:     atomic.LoadUint64(&l.metrics.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&l.metrics.PacketsReceived),
		PacketsDropped:  atomic.LoadUint64(&l.metrics.PacketsDropped),
		BytesSent:       atomic.LoadUint64(&l.metrics.BytesSent),
		BytesReceived:   atomic.LoadUint64(&l.metrics.BytesReceived),
		Errors:          atomic.LoadUint64(&l.metrics.Errors),
	}
}
