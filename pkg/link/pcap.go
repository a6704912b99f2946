package link

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	pcapMagic     = 0xa1b2c3d4
	pcapSnapLen   = 65535
	linkTypeRaw   = 101
	pcapHdrLen    = 24
	pcapRecHdrLen = 16
)

// PcapWriter records raw IPv4 packets in libpcap format (LINKTYPE_RAW).
// It is safe for concurrent use.
type PcapWriter struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	hdr [pcapRecHdrLen]byte
}

// NewPcapWriter writes the global header to w and returns a writer for the
// packet records.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	var hdr [pcapHdrLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	// thiszone and sigfigs stay zero
	binary.LittleEndian.PutUint32(hdr[16:20], pcapSnapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeRaw)
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &PcapWriter{w: w, now: time.Now}, nil
}

// CreatePcap creates the file at path and returns a writer on it.
func CreatePcap(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	p, err := NewPcapWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// WritePacket appends one packet record. A nil writer discards.
func (p *PcapWriter) WritePacket(b []byte) error {
	if p == nil || len(b) == 0 {
		return nil
	}
	incl := len(b)
	if incl > pcapSnapLen {
		incl = pcapSnapLen
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := p.now()
	binary.LittleEndian.PutUint32(p.hdr[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(p.hdr[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(p.hdr[8:12], uint32(incl))
	binary.LittleEndian.PutUint32(p.hdr[12:16], uint32(len(b)))
	if _, err := p.w.Write(p.hdr[:]); err != nil {
		return errors.Wrap(err, "write pcap record")
	}
	if _, err := p.w.Write(b[:incl]); err != nil {
		return errors.Wrap(err, "write pcap record")
	}
	return nil
}

// Close closes the underlying writer when it is an io.Closer.
func (p *PcapWriter) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
