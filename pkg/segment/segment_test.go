package segment

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

func TestEncodeLayout(t *testing.T) {
	s := &Segment{
		SrcPort: 12345,
		DstPort: 80,
		Seq:     1000,
		Ack:     2000,
		Flags:   FlagSYN | FlagACK,
		Window:  4096,
		Urgent:  7,
		Payload: []byte("hi"),
	}
	b := Encode(s)
	require.Len(t, b, HeaderLen+2)
	assert.Equal(t, uint16(12345), binary.BigEndian.Uint16(b[0:2]))
	assert.Equal(t, uint16(80), binary.BigEndian.Uint16(b[2:4]))
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(b[4:8]))
	assert.Equal(t, uint32(2000), binary.BigEndian.Uint32(b[8:12]))
	assert.Equal(t, byte(5<<4), b[12], "data offset of a bare header is five words")
	assert.Equal(t, byte(0x12), b[13])
	assert.Equal(t, uint16(4096), binary.BigEndian.Uint16(b[14:16]))
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(b[18:20]))
	assert.Equal(t, "hi", string(b[20:]))
}

func TestDecodeWithMSSOption(t *testing.T) {
	in := &Segment{SrcPort: 1, DstPort: 2, Seq: 0xFFFFFFFF, Flags: FlagSYN, Window: 65535, MSS: 1460}
	b := Encode(in)
	require.Len(t, b, HeaderLen+4)
	assert.Equal(t, byte(6<<4), b[12])

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(1460), out.MSS)
	assert.Equal(t, seq.Value(0xFFFFFFFF), out.Seq)
	assert.Equal(t, FlagSYN, out.Flags)
	assert.Empty(t, out.Payload)
}

func TestDecodeSkipsUnknownOptions(t *testing.T) {
	b := make([]byte, HeaderLen+12)
	copy(b, Encode(&Segment{SrcPort: 5, DstPort: 6, Flags: FlagSYN}))
	b[12] = byte((HeaderLen+12)/4) << 4
	opts := b[HeaderLen:]
	// NOP, window scale (ignored), NOP, MSS 536, EOL padding
	copy(opts, []byte{1, 3, 3, 7, 1, 2, 4, 0x02, 0x18, 0, 0, 0})

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(536), out.MSS)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.True(t, errors.Is(err, ErrMalformed))

	b := Encode(&Segment{})
	b[12] = 15 << 4 // 60-byte header in a 20-byte buffer
	_, err = Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))

	b = Encode(&Segment{MSS: 1000})
	b[HeaderLen+1] = 9 // option length past the header
	_, err = Decode(b)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestChecksumRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	s := &Segment{SrcPort: 40000, DstPort: 9, Seq: 77, Ack: 99, Flags: FlagACK | FlagPSH, Window: 1024, Payload: []byte("payload!")}
	b := EncodeWithChecksum(s, src, dst)
	assert.True(t, Verify(b, src, dst))
	assert.False(t, Verify(b, src, netip.MustParseAddr("10.0.0.3")))

	got, err := DecodeVerified(b, src, dst)
	require.NoError(t, err)
	assert.Equal(t, "payload!", string(got.Payload))

	b[len(b)-1] ^= 0xff
	_, err = DecodeVerified(b, src, dst)
	assert.Equal(t, ErrChecksum, err)
}

func TestChecksumIPv6(t *testing.T) {
	src := netip.MustParseAddr("fd00::1")
	dst := netip.MustParseAddr("fd00::2")
	b := EncodeWithChecksum(&Segment{SrcPort: 1, DstPort: 2, Flags: FlagRST}, src, dst)
	assert.True(t, Verify(b, src, dst))
}

func TestLenAndLast(t *testing.T) {
	s := Segment{Seq: 0xFFFFFFFE, Flags: FlagSYN | FlagFIN, Payload: []byte{1, 2}}
	assert.Equal(t, seq.Size(4), s.Len())
	assert.Equal(t, seq.Value(1), s.Last())

	empty := Segment{Seq: 42, Flags: FlagACK}
	assert.Equal(t, seq.Size(0), empty.Len())
	assert.Equal(t, seq.Value(42), empty.Last())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "[SYN,ACK]", (FlagSYN | FlagACK).String())
	assert.Equal(t, "[]", Flags(0).String())
	assert.Equal(t, "<SEQ=1><ACK=2><WND=3><DATA=1>[PSH,ACK]",
		Segment{Seq: 1, Ack: 2, Window: 3, Flags: FlagPSH | FlagACK, Payload: []byte{0}}.String())
}
