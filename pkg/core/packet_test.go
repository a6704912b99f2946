package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacketDebugModeCopies(t *testing.T) {
	defer SetDebugMode(false)

	for _, debug := range []bool{true, false} {
		SetDebugMode(debug)
		data := []byte{0x01, 0x02, 0x03}
		p := NewPacket(data)
		assert.Equal(t, 3, p.Length())
		data[0] = 0xff
		if debug {
			assert.Equal(t, byte(0x01), p.Data()[0], "debug mode copies")
		} else {
			assert.Equal(t, byte(0xff), p.Data()[0], "normal mode aliases")
		}
	}

	assert.Equal(t, 0, NewPacket(nil).Length())
}

func TestPooledPacketRelease(t *testing.T) {
	var released [][]byte
	buf := GetBuffer(100)
	p := NewPooledPacket(buf, func(b []byte) { released = append(released, b) })
	assert.Equal(t, 100, p.Length())

	ReleasePacket(p)
	ReleasePacket(p)
	require.Len(t, released, 1)
	assert.True(t, p.(*pooledPacket).Released())

	// Packets without a releaser are ignored.
	ReleasePacket(NewPacket([]byte{1}))
	ReleasePacket(NewPooledPacket(nil, nil))
}

func TestBufferPoolSizeClasses(t *testing.T) {
	small := GetBuffer(60)
	assert.Len(t, small, 60)
	assert.Equal(t, bufSmall, cap(small))
	PutBuffer(small)

	large := GetBuffer(9000)
	assert.Len(t, large, 9000)
	assert.Equal(t, bufLarge, cap(large))
	PutBuffer(large)

	huge := GetBuffer(bufLarge + 1)
	assert.Len(t, huge, bufLarge+1)
	PutBuffer(huge)
}
