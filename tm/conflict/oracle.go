package conflict

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Committer is the view of a retiring transaction the detector needs to
// release its footprint.
type Committer interface {
	CommitID() int
	ReadAddresses() []uint64
	WriteAddresses() []uint64
	// WritesStored reports whether hazard detection published any of the
	// transaction's writes.
	WritesStored() bool
}

type oracleEntry struct {
	cid     int
	readers int
	active  bool
}

// OracleTable tracks the exact last writer of every address still referenced
// by an in-flight transaction.
type OracleTable struct {
	entries map[uint64]*oracleEntry
	active  int
	mask    uint64
}

func NewOracleTable(granularity uint64) *OracleTable {
	return &OracleTable{
		entries: make(map[uint64]*oracleEntry),
		mask:    ^(granularity - 1),
	}
}

func (t *OracleTable) quantize(addr uint64) uint64 {
	return addr & t.mask
}

// CheckReadConflict reports the last writer of addr if it is at least
// threshold. addr must have been registered as read.
func (t *OracleTable) CheckReadConflict(addr uint64, threshold int) (int, bool) {
	e, ok := t.entries[addr]
	if !ok {
		log.Panic("conflict check on an unregistered address", zap.Uint64("addr", addr))
	}
	if e.cid >= threshold {
		return e.cid, true
	}
	return 0, false
}

func (t *OracleTable) activate(e *oracleEntry) {
	if !e.active {
		if e.readers != 0 {
			log.Panic("inactive oracle entry still has readers", zap.Int("readers", e.readers))
		}
		t.active++
	}
	e.active = true
}

func (t *OracleTable) StoreWrite(addr uint64, cid int) {
	e, ok := t.entries[addr]
	if !ok {
		t.entries[addr] = &oracleEntry{cid: cid, active: true}
		t.active++
		return
	}
	e.cid = cid
	t.activate(e)
}

func (t *OracleTable) RegisterRead(addr uint64) {
	e, ok := t.entries[addr]
	if !ok {
		t.entries[addr] = &oracleEntry{cid: -1, readers: 1, active: true}
		t.active++
		return
	}
	t.activate(e)
	e.readers++
}

func (t *OracleTable) deactivate(e *oracleEntry) {
	e.active = false
	t.active--
	if t.active < 0 {
		log.Panic("oracle active entry count below zero")
	}
}

// ClearWrites releases a retiring transaction: its own unread writes become
// inactive and every read it registered is dropped.
func (t *OracleTable) ClearWrites(c Committer) {
	if c.WritesStored() {
		for _, a := range c.WriteAddresses() {
			e, ok := t.entries[t.quantize(a)]
			if ok && e.active && e.cid == c.CommitID() && e.readers == 0 {
				t.deactivate(e)
			}
		}
	}
	for _, a := range c.ReadAddresses() {
		addr := t.quantize(a)
		e, ok := t.entries[addr]
		if !ok || e.readers <= 0 || !e.active {
			log.Panic("release of an unregistered read", zap.Int("commit-id", c.CommitID()), zap.Uint64("addr", addr))
		}
		e.readers--
		if e.readers == 0 {
			t.deactivate(e)
		}
	}
}

// Size is the number of active entries.
func (t *OracleTable) Size() int { return t.active }

func (t *OracleTable) CountActive() int {
	n := 0
	for _, e := range t.entries {
		if e.active {
			n++
		}
	}
	return n
}

// CheckEntry reports whether cid is the recorded writer of addr.
func (t *OracleTable) CheckEntry(addr uint64, cid int) bool {
	e, ok := t.entries[addr]
	return ok && e.cid == cid
}

func (t *OracleTable) Describe(addr uint64) string {
	e, ok := t.entries[addr]
	if !ok {
		return fmt.Sprintf("addr=%#x absent", addr)
	}
	return fmt.Sprintf("[addr=%#x cid=%d active=%t rc=%d]", addr, e.cid, e.active, e.readers)
}
