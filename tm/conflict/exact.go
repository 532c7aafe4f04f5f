package conflict

import (
	"fmt"
	"strings"

	"github.com/pingcap-incubator/tinycommit/tm/signature"
)

type line struct {
	addr  uint64
	cid   int
	valid bool
}

// ExactTable is a set-associative table of the last writer per address.
// Sets are indexed with H3 function 0; a full set evicts its oldest writer.
type ExactTable struct {
	sets  int
	ways  int
	hash  signature.HashFunc
	lines []line
}

func NewExactTable(reg *signature.Registry, sets, ways int) (*ExactTable, error) {
	f, err := reg.Func(signature.HashSetH3, 0, uint64(sets))
	if err != nil {
		return nil, err
	}
	return &ExactTable{
		sets:  sets,
		ways:  ways,
		hash:  f,
		lines: make([]line, sets*ways),
	}, nil
}

func (t *ExactTable) set(addr uint64) []line {
	s := int(t.hash(addr))
	return t.lines[s*t.ways : (s+1)*t.ways]
}

// Probe returns the writer recorded for addr.
func (t *ExactTable) Probe(addr uint64) (int, bool) {
	for _, l := range t.set(addr) {
		if l.valid && l.addr == addr {
			return l.cid, true
		}
	}
	return 0, false
}

// CheckReadConflict reports the recorded writer of addr if it is at least
// threshold.
func (t *ExactTable) CheckReadConflict(addr uint64, threshold int) (int, bool) {
	cid, ok := t.Probe(addr)
	if ok && cid >= threshold {
		return cid, true
	}
	return 0, false
}

// StoreWrite records cid as the last writer of addr. When the set is full the
// line with the smallest id is replaced and returned.
func (t *ExactTable) StoreWrite(addr uint64, cid int) (evictedAddr uint64, evictedCID int, evicted bool) {
	set := t.set(addr)
	for i := range set {
		if set[i].valid && set[i].addr == addr {
			set[i].cid = cid
			return 0, 0, false
		}
	}
	victim := -1
	for i := range set {
		if !set[i].valid {
			set[i] = line{addr: addr, cid: cid, valid: true}
			return 0, 0, false
		}
		if victim == -1 || set[victim].cid > set[i].cid {
			victim = i
		}
	}
	evictedAddr, evictedCID = set[victim].addr, set[victim].cid
	set[victim].addr = addr
	set[victim].cid = cid
	return evictedAddr, evictedCID, true
}

// Describe prints the set addr maps to.
func (t *ExactTable) Describe(addr uint64) string {
	var b strings.Builder
	for _, l := range t.set(addr) {
		fmt.Fprintf(&b, "[v=%t addr=%#x cid=%d] ", l.valid, l.addr, l.cid)
	}
	return b.String()
}
