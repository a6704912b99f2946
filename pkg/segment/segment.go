// Package segment encodes and decodes TCP segments using the RFC 9293 §3.1
// header layout.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|          Source Port          |       Destination Port        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        Sequence Number                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                    Acknowledgment Number                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Data |       |C|E|U|A|P|R|S|F|                               |
//	| Offset| Rsrvd |W|C|R|C|S|S|Y|I|            Window             |
//	|       |       |R|E|G|K|H|T|N|N|                               |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           Checksum            |         Urgent Pointer        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           [Options]                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                             Data                              :
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
package segment

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

// HeaderLen is the size of a TCP header without options.
const HeaderLen = header.TCPMinimumSize

// Option kinds understood by the codec.
const (
	optionEOL = 0
	optionNOP = 1
	optionMSS = 2
)

var (
	// ErrMalformed is returned when a buffer does not hold a well-formed TCP segment.
	ErrMalformed = errors.New("malformed segment")
	// ErrChecksum is returned when a segment fails checksum validation.
	ErrChecksum = errors.New("bad segment checksum")
)

// Flags holds the TCP control bits.
type Flags uint8

// Control bits.
const (
	FlagFIN Flags = header.TCPFlagFin
	FlagSYN Flags = header.TCPFlagSyn
	FlagRST Flags = header.TCPFlagRst
	FlagPSH Flags = header.TCPFlagPsh
	FlagACK Flags = header.TCPFlagAck
	FlagURG Flags = header.TCPFlagUrg
)

// HasAll reports whether every bit in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether at least one bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"},
		{FlagPSH, "PSH"}, {FlagACK, "ACK"}, {FlagURG, "URG"},
	}
	var parts []string
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Segment is a decoded TCP segment.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seq.Value
	Ack      seq.Value
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	// MSS is the maximum segment size option. Zero means absent.
	MSS     uint16
	Payload []byte
}

// Len returns the length of the segment in sequence space, counting SYN and
// FIN as one octet each.
func (s *Segment) Len() seq.Size {
	n := seq.Size(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// Last returns the sequence number of the last octet occupied by the segment.
// For zero-length segments it returns Seq.
func (s *Segment) Last() seq.Value {
	n := s.Len()
	if n == 0 {
		return s.Seq
	}
	return seq.Add(s.Seq, n-1)
}

func (s Segment) String() string {
	var b strings.Builder
	b.WriteString("<SEQ=")
	b.WriteString(strconv.FormatUint(uint64(s.Seq), 10))
	b.WriteString("><ACK=")
	b.WriteString(strconv.FormatUint(uint64(s.Ack), 10))
	b.WriteString("><WND=")
	b.WriteString(strconv.Itoa(int(s.Window)))
	b.WriteString(">")
	if len(s.Payload) > 0 {
		b.WriteString("<DATA=")
		b.WriteString(strconv.Itoa(len(s.Payload)))
		b.WriteString(">")
	}
	b.WriteString(s.Flags.String())
	return b.String()
}

// Encode serializes the segment into a new buffer. The checksum field is
// written as held in s.Checksum; use EncodeWithChecksum to compute it.
func Encode(s *Segment) []byte {
	optLen := 0
	if s.MSS != 0 {
		optLen = 4
	}
	hdrLen := HeaderLen + optLen
	b := make([]byte, hdrLen+len(s.Payload))
	tcp := header.TCP(b)
	tcp.Encode(&header.TCPFields{
		SrcPort:       s.SrcPort,
		DstPort:       s.DstPort,
		SeqNum:        uint32(s.Seq),
		AckNum:        uint32(s.Ack),
		DataOffset:    uint8(hdrLen),
		Flags:         uint8(s.Flags),
		WindowSize:    s.Window,
		Checksum:      s.Checksum,
		UrgentPointer: s.Urgent,
	})
	if s.MSS != 0 {
		header.EncodeMSSOption(uint32(s.MSS), b[HeaderLen:hdrLen])
	}
	copy(b[hdrLen:], s.Payload)
	return b
}

// Decode parses a TCP segment. The returned payload aliases b.
func Decode(b []byte) (Segment, error) {
	if len(b) < HeaderLen {
		return Segment{}, errors.Wrapf(ErrMalformed, "short header: %d bytes", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < HeaderLen || off > len(b) {
		return Segment{}, errors.Wrapf(ErrMalformed, "data offset %d out of range (len=%d)", off, len(b))
	}
	s := Segment{
		SrcPort:  tcp.SourcePort(),
		DstPort:  tcp.DestinationPort(),
		Seq:      seq.Value(tcp.SequenceNumber()),
		Ack:      seq.Value(tcp.AckNumber()),
		Flags:    Flags(tcp.Flags()),
		Window:   tcp.WindowSize(),
		Checksum: tcp.Checksum(),
		Urgent:   binary.BigEndian.Uint16(b[18:20]),
		Payload:  b[off:],
	}
	mss, err := parseOptions(b[HeaderLen:off])
	if err != nil {
		return Segment{}, err
	}
	s.MSS = mss
	return s, nil
}

// parseOptions walks the option list and returns the MSS option if present.
// Unknown options are skipped.
func parseOptions(opts []byte) (mss uint16, err error) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case optionEOL:
			return mss, nil
		case optionNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return 0, errors.Wrap(ErrMalformed, "truncated option")
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return 0, errors.Wrapf(ErrMalformed, "bad option length %d for kind %d", l, kind)
		}
		if kind == optionMSS {
			if l != 4 {
				return 0, errors.Wrapf(ErrMalformed, "bad MSS option length %d", l)
			}
			mss = binary.BigEndian.Uint16(opts[i+2 : i+4])
		}
		i += l
	}
	return mss, nil
}
