package seq

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLessThanAcrossWrap(t *testing.T) {
	assert.True(t, LessThan(0xFFFFFFF0, 0x00000010))
	assert.False(t, LessThan(0x00000010, 0xFFFFFFF0))
	assert.True(t, LessThanEq(0x10, 0x10))
	assert.False(t, LessThan(0x10, 0x10))
	assert.True(t, GreaterThan(0x00000010, 0xFFFFFFF0))
	assert.True(t, GreaterThanEq(5, 5))
}

// Overlaps must agree with a sequence-by-sequence membership test,
// including windows and segments that straddle the wrap point.
func TestOverlapsMatchesMembership(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		first := Value(0xFFFFFF00 + r.Uint32()%0x200)
		size := Size(r.Uint32() % 64)
		start := Add(first, Size(r.Uint32()%128)) - 32
		length := Size(r.Uint32() % 64)

		want := false
		for k := Size(0); k < length; k++ {
			if InWindow(Add(start, k), first, size) {
				want = true
				break
			}
		}
		assert.Equal(t, want, Overlaps(start, length, first, size),
			"seg [%#x,+%d) window [%#x,+%d)", start, length, first, size)
	}
}

func TestModularOrdering(t *testing.T) {
	// For all a, c with c-a < 2**31, every b in [a, c] orders between them.
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		a := Value(r.Uint32())
		span := Size(r.Uint32() % (1 << 31))
		c := Add(a, span)
		b := Add(a, Size(uint64(r.Uint32())%uint64(span+1)))
		assert.True(t, LessThanEq(a, b))
		assert.True(t, LessThanEq(b, c))
	}
}

func TestInRangeAndWindow(t *testing.T) {
	assert.True(t, InRange(0xFFFFFFFF, 0xFFFFFFFE, 2))
	assert.True(t, InRange(1, 0xFFFFFFFE, 2))
	assert.False(t, InRange(2, 0xFFFFFFFE, 2))
	assert.True(t, InWindow(3, 0xFFFFFFFE, 10))
	assert.False(t, InWindow(0xFFFFFFFE, 0xFFFFFFFE, 0))
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name   string
		start  Value
		length Size
		first  Value
		size   Size
		want   bool
	}{
		{"inside", 105, 10, 100, 100, true},
		{"straddles left edge", 90, 20, 100, 100, true},
		{"straddles right edge", 190, 20, 100, 100, true},
		{"covers window", 50, 300, 100, 100, true},
		{"entirely before", 50, 50, 100, 100, false},
		{"entirely after", 200, 10, 100, 100, false},
		{"wraps", 0xFFFFFFF8, 16, 2, 10, true},
		{"empty segment", 110, 0, 100, 100, false},
		{"zero window", 110, 10, 100, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.start, tt.length, tt.first, tt.size))
		})
	}
}

func TestAddSubMinMax(t *testing.T) {
	assert.Equal(t, Value(0x0F), Add(0xFFFFFFF0, 0x1F))
	assert.Equal(t, Size(0x20), Sub(0x10, 0xFFFFFFF0))
	assert.Equal(t, Value(0x10), Max(0xFFFFFFF0, 0x10))
	assert.Equal(t, Value(0xFFFFFFF0), Min(0xFFFFFFF0, 0x10))
}
