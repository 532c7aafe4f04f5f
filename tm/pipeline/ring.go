package pipeline

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// entryTable maps commit ids to entries. A finite table reuses capacity
// slots indexed by id; an unbounded one keeps a contiguous window of ids
// that is trimmed from the front. Looking up an id outside the window is a
// fatal error.
type entryTable struct {
	finite   bool
	capacity int
	slots    []*Entry
	// front is the id of slots[0] in an unbounded table.
	front int
	head  int
}

func newEntryTable(finite bool, capacity int) *entryTable {
	t := &entryTable{finite: finite, capacity: capacity, head: -1}
	if finite {
		t.slots = make([]*Entry, capacity)
	}
	return t
}

// oldest returns the smallest id still held.
func (t *entryTable) oldest() int {
	if t.finite {
		if o := t.head - t.capacity + 1; o > 0 {
			return o
		}
		return 0
	}
	return t.front
}

func (t *entryTable) get(id int) *Entry {
	if id < t.oldest() || id > t.head {
		log.Panic("commit id outside entry window", zap.Int("commit-id", id),
			zap.Int("oldest", t.oldest()), zap.Int("head", t.head))
	}
	if t.finite {
		return t.slots[id%t.capacity]
	}
	return t.slots[id-t.front]
}

// push appends the entry for id head+1.
func (t *entryTable) push(e *Entry) {
	if e.id != t.head+1 {
		log.Panic("entries must be appended in id order", zap.Int("commit-id", e.id), zap.Int("head", t.head))
	}
	t.head++
	if t.finite {
		t.slots[e.id%t.capacity] = e
		return
	}
	t.slots = append(t.slots, e)
}

// scrub drops entries with ids below limit from an unbounded table.
func (t *entryTable) scrub(limit int) int {
	if t.finite {
		return 0
	}
	n := 0
	for t.front < limit && len(t.slots) > 1 {
		t.slots[0] = nil
		t.slots = t.slots[1:]
		t.front++
		n++
	}
	if n > 0 && cap(t.slots) > 2*len(t.slots)+64 {
		t.slots = append(make([]*Entry, 0, len(t.slots)*2), t.slots...)
	}
	return n
}

func (t *entryTable) len() int {
	return t.head - t.oldest() + 1
}
