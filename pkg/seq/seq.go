// Package seq provides wraparound-safe arithmetic over 32-bit TCP sequence
// numbers. The types are those of netstack's seqnum package; the functions
// add the comparisons and the overlap test in the argument order the TCP
// engine uses.
//
// All comparisons are modulo 2**32 and are only meaningful when the two
// values being compared are less than 2**31 apart.
package seq

import "github.com/google/netstack/tcpip/seqnum"

// Value is a sequence number.
type Value = seqnum.Value

// Size is a length in sequence space (a window or a segment length).
type Size = seqnum.Size

// LessThan reports whether v is before w.
func LessThan(v, w Value) bool { return v.LessThan(w) }

// LessThanEq reports whether v is before w or equal to it.
func LessThanEq(v, w Value) bool { return v.LessThanEq(w) }

// GreaterThan reports whether v is after w.
func GreaterThan(v, w Value) bool { return w.LessThan(v) }

// GreaterThanEq reports whether v is after w or equal to it.
func GreaterThanEq(v, w Value) bool { return w.LessThanEq(v) }

// InRange reports whether a <= v < b.
func InRange(v, a, b Value) bool { return v.InRange(a, b) }

// InWindow reports whether v lies in the window that starts at first and
// spans size sequence numbers.
func InWindow(v, first Value, size Size) bool { return v.InWindow(first, size) }

// Overlaps reports whether the segment [segStart, segStart+segLen) shares at
// least one sequence number with the window [first, first+size). Empty
// segments and empty windows overlap nothing.
func Overlaps(segStart Value, segLen Size, first Value, size Size) bool {
	if segLen == 0 || size == 0 {
		return false
	}
	return seqnum.Overlap(segStart, segLen, first, size)
}

// Add returns the sequence number that follows the window [v, v+s).
func Add(v Value, s Size) Value { return v.Add(s) }

// Sub returns the distance from w to v, i.e. v-w. It is only meaningful when
// w is not after v.
func Sub(v, w Value) Size { return w.Size(v) }

// Max returns the later of v and w.
func Max(v, w Value) Value {
	if v.LessThan(w) {
		return w
	}
	return v
}

// Min returns the earlier of v and w.
func Min(v, w Value) Value {
	if v.LessThan(w) {
		return v
	}
	return w
}
