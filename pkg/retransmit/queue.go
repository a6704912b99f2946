// Package retransmit keeps the segments a connection has sent but not yet
// seen acknowledged, ordered by sequence number.
package retransmit

import (
	"time"

	"github.com/google/btree"

	"github.com/irctrakz/tcpcore/pkg/seq"
)

// Entry describes one transmitted segment awaiting acknowledgment.
type Entry struct {
	Seq         seq.Value
	Len         seq.Size // sequence space consumed, including SYN and FIN
	SYN         bool
	FIN         bool
	FirstSentAt time.Time
	SentAt      time.Time
	Retransmits int
}

// End returns the sequence number following the entry.
func (e Entry) End() seq.Value { return seq.Add(e.Seq, e.Len) }

// Queue is a sequence-ordered set of outstanding entries. Ordering is taken
// relative to a base so that sequence wraparound does not break the tree.
// It is not safe for concurrent use.
type Queue struct {
	base  seq.Value
	tree  *btree.BTreeG[Entry]
	bytes int
}

// New returns an empty queue whose ordering is anchored at iss.
func New(iss seq.Value) *Queue {
	q := &Queue{base: iss}
	q.tree = btree.NewG(16, func(a, b Entry) bool {
		return seq.Sub(a.Seq, q.base) < seq.Sub(b.Seq, q.base)
	})
	return q
}

// Push records a newly sent segment. Zero-length entries are ignored.
func (q *Queue) Push(e Entry) {
	if e.Len == 0 {
		return
	}
	if e.FirstSentAt.IsZero() {
		e.FirstSentAt = e.SentAt
	}
	if old, ok := q.tree.ReplaceOrInsert(e); ok {
		q.bytes -= int(old.Len)
	}
	q.bytes += int(e.Len)
}

// Ack removes every entry wholly covered by una and returns them in
// sequence order. A partially covered entry is trimmed in place.
func (q *Queue) Ack(una seq.Value) []Entry {
	var acked []Entry
	for {
		e, ok := q.tree.Min()
		if !ok {
			break
		}
		if seq.LessThanEq(e.End(), una) {
			q.tree.DeleteMin()
			q.bytes -= int(e.Len)
			acked = append(acked, e)
			continue
		}
		if seq.LessThan(e.Seq, una) {
			q.tree.DeleteMin()
			cut := seq.Sub(una, e.Seq)
			q.bytes -= int(cut)
			e.Seq = una
			e.Len -= cut
			e.SYN = false
			q.tree.ReplaceOrInsert(e)
		}
		break
	}
	if len(acked) > 0 {
		q.base = una
	}
	return acked
}

// Oldest returns the lowest-sequence outstanding entry.
func (q *Queue) Oldest() (Entry, bool) {
	return q.tree.Min()
}

// MarkRetransmitted bumps the retransmit count of the entry starting at s.
func (q *Queue) MarkRetransmitted(s seq.Value, now time.Time) (Entry, bool) {
	e, ok := q.tree.Get(Entry{Seq: s})
	if !ok {
		return Entry{}, false
	}
	e.Retransmits++
	e.SentAt = now
	q.tree.ReplaceOrInsert(e)
	return e, true
}

// Ascend calls fn for each entry in sequence order until fn returns false.
func (q *Queue) Ascend(fn func(Entry) bool) {
	q.tree.Ascend(fn)
}

// Len returns the number of outstanding entries.
func (q *Queue) Len() int { return q.tree.Len() }

// Bytes returns the sequence space covered by outstanding entries.
func (q *Queue) Bytes() int { return q.bytes }

// Clear drops every entry.
func (q *Queue) Clear() {
	q.tree.Clear(false)
	q.bytes = 0
}
