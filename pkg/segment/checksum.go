package segment

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

const protocolTCP = 6

// pseudoHeaderSum returns the one's complement sum of the IPv4 or IPv6
// pseudo-header for a TCP segment of the given length.
func pseudoHeaderSum(src, dst netip.Addr, length int) uint16 {
	var ph []byte
	if src.Is4() && dst.Is4() {
		ph = make([]byte, 12)
		s, d := src.As4(), dst.As4()
		copy(ph[0:4], s[:])
		copy(ph[4:8], d[:])
		ph[9] = protocolTCP
		binary.BigEndian.PutUint16(ph[10:12], uint16(length))
	} else {
		ph = make([]byte, 40)
		s, d := src.As16(), dst.As16()
		copy(ph[0:16], s[:])
		copy(ph[16:32], d[:])
		binary.BigEndian.PutUint32(ph[32:36], uint32(length))
		ph[39] = protocolTCP
	}
	return header.Checksum(ph, 0)
}

// Checksum computes the TCP checksum of an encoded segment. The checksum field
// of b is treated as zero.
func Checksum(b []byte, src, dst netip.Addr) uint16 {
	saved := binary.BigEndian.Uint16(b[16:18])
	binary.BigEndian.PutUint16(b[16:18], 0)
	sum := ^header.Checksum(b, pseudoHeaderSum(src, dst, len(b)))
	binary.BigEndian.PutUint16(b[16:18], saved)
	return sum
}

// EncodeWithChecksum encodes s and fills in the checksum for the given
// endpoints.
func EncodeWithChecksum(s *Segment, src, dst netip.Addr) []byte {
	b := Encode(s)
	header.TCP(b).SetChecksum(Checksum(b, src, dst))
	return b
}

// Verify reports whether the checksum carried by b is valid for the given
// endpoints.
func Verify(b []byte, src, dst netip.Addr) bool {
	if len(b) < HeaderLen {
		return false
	}
	return header.Checksum(b, pseudoHeaderSum(src, dst, len(b))) == 0xffff
}

// DecodeVerified checks the checksum and then decodes b.
func DecodeVerified(b []byte, src, dst netip.Addr) (Segment, error) {
	if !Verify(b, src, dst) {
		return Segment{}, ErrChecksum
	}
	return Decode(b)
}
