package signature

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// NullPos is returned by Add when no position changed.
const NullPos uint64 = 0xDEADBEEF

// MaxLanes bounds the number of lanes a PerLaneSignature tracks.
const MaxLanes = 64

// Kind selects the storage of a signature table.
type Kind int

const (
	KindBit Kind = iota
	KindCounting
	KindPerLane
)

func (k Kind) String() string {
	switch k {
	case KindBit:
		return "bit"
	case KindCounting:
		return "counting"
	case KindPerLane:
		return "per-lane"
	}
	return "unknown"
}

// Table is one hashed signature: a fixed number of positions addressed
// through a single hash function.
type Table interface {
	Size() uint64
	FuncID() int
	Kind() Kind
	Hash(addr uint64) uint64
	// Add inserts addr, returning the position it newly set or NullPos.
	Add(addr uint64) uint64
	SetPos(pos uint64)
	Match(addr uint64) bool
	// MatchTable reports whether any position is set in both tables.
	MatchTable(other Table) bool
	Remove(addr uint64)
	RemoveTable(other Table)
	Clear()
	IsSet(pos uint64) bool
}

// NewTable builds a table of the given kind around a resolved hash function.
func NewTable(kind Kind, size uint64, id int, f HashFunc) Table {
	base := tableBase{size: size, id: id, hash: f}
	switch kind {
	case KindCounting:
		return &CountingSignature{tableBase: base, counters: make([]int, size)}
	case KindPerLane:
		return &PerLaneSignature{tableBase: base, lanes: make([]uint64, size), selected: -1}
	default:
		return &BitSignature{tableBase: base, bits: make([]uint64, (size+63)/64)}
	}
}

type tableBase struct {
	size uint64
	id   int
	hash HashFunc
}

func (t *tableBase) Size() uint64 { return t.size }

func (t *tableBase) FuncID() int { return t.id }

func (t *tableBase) Hash(addr uint64) uint64 { return t.hash(addr) }

func (t *tableBase) checkPos(pos uint64) {
	if pos >= t.size {
		log.Panic("signature position out of range", zap.Uint64("pos", pos), zap.Uint64("size", t.size))
	}
}

func matchTables(a, b Table) bool {
	if a.Size() != b.Size() {
		log.Panic("signature sizes differ", zap.Uint64("left", a.Size()), zap.Uint64("right", b.Size()))
	}
	for pos := uint64(0); pos < a.Size(); pos++ {
		if a.IsSet(pos) && b.IsSet(pos) {
			return true
		}
	}
	return false
}

// BitSignature holds one bit per position. Removal is not supported.
type BitSignature struct {
	tableBase
	bits []uint64
}

func (t *BitSignature) Kind() Kind { return KindBit }

func (t *BitSignature) IsSet(pos uint64) bool {
	return t.bits[pos/64]&(1<<(pos%64)) != 0
}

func (t *BitSignature) Add(addr uint64) uint64 {
	pos := t.hash(addr)
	if t.IsSet(pos) {
		return NullPos
	}
	t.bits[pos/64] |= 1 << (pos % 64)
	return pos
}

func (t *BitSignature) SetPos(pos uint64) {
	t.checkPos(pos)
	t.bits[pos/64] |= 1 << (pos % 64)
}

func (t *BitSignature) Match(addr uint64) bool {
	return t.IsSet(t.hash(addr))
}

func (t *BitSignature) MatchTable(other Table) bool {
	return matchTables(t, other)
}

func (t *BitSignature) Remove(addr uint64) {
	log.Panic("remove from a bit signature", zap.Uint64("addr", addr))
}

func (t *BitSignature) RemoveTable(other Table) {
	log.Panic("remove from a bit signature")
}

func (t *BitSignature) Clear() {
	for i := range t.bits {
		t.bits[i] = 0
	}
}

// CountingSignature keeps a counter per position so that entries can be
// removed again. A position is set while its counter is positive.
type CountingSignature struct {
	tableBase
	counters []int
}

func (t *CountingSignature) Kind() Kind { return KindCounting }

func (t *CountingSignature) IsSet(pos uint64) bool {
	return t.counters[pos] > 0
}

// Count returns the counter at pos.
func (t *CountingSignature) Count(pos uint64) int {
	return t.counters[pos]
}

func (t *CountingSignature) Add(addr uint64) uint64 {
	pos := t.hash(addr)
	t.counters[pos]++
	if t.counters[pos] == 1 {
		return pos
	}
	return NullPos
}

func (t *CountingSignature) SetPos(pos uint64) {
	t.checkPos(pos)
	t.counters[pos]++
}

func (t *CountingSignature) Match(addr uint64) bool {
	return t.IsSet(t.hash(addr))
}

func (t *CountingSignature) MatchTable(other Table) bool {
	return matchTables(t, other)
}

func (t *CountingSignature) dec(pos uint64) {
	t.counters[pos]--
	if t.counters[pos] < 0 {
		log.Panic("signature counter below zero", zap.Uint64("pos", pos))
	}
}

func (t *CountingSignature) Remove(addr uint64) {
	t.dec(t.hash(addr))
}

// RemoveTable decrements every position set in other.
func (t *CountingSignature) RemoveTable(other Table) {
	if other.Size() != t.size {
		log.Panic("signature sizes differ", zap.Uint64("left", t.size), zap.Uint64("right", other.Size()))
	}
	for pos := uint64(0); pos < t.size; pos++ {
		if other.IsSet(pos) {
			t.dec(pos)
		}
	}
}

func (t *CountingSignature) Clear() {
	for i := range t.counters {
		t.counters[i] = 0
	}
}

// PerLaneSignature records, per position, which lanes inserted into it.
// Inserts go to the selected lane; lookups test the selected lane, or any
// lane when none is selected.
type PerLaneSignature struct {
	tableBase
	lanes    []uint64
	selected int
}

func (t *PerLaneSignature) Kind() Kind { return KindPerLane }

func (t *PerLaneSignature) SelectLane(lane int) {
	if lane < 0 || lane >= MaxLanes {
		log.Panic("lane out of range", zap.Int("lane", lane))
	}
	t.selected = lane
}

func (t *PerLaneSignature) UnselectLane() {
	t.selected = -1
}

func (t *PerLaneSignature) IsSet(pos uint64) bool {
	if t.selected < 0 {
		return t.lanes[pos] != 0
	}
	return t.lanes[pos]&(1<<uint(t.selected)) != 0
}

func (t *PerLaneSignature) Add(addr uint64) uint64 {
	if t.selected < 0 {
		log.Panic("add to a per-lane signature without a selected lane", zap.Uint64("addr", addr))
	}
	pos := t.hash(addr)
	if t.IsSet(pos) {
		return NullPos
	}
	t.lanes[pos] |= 1 << uint(t.selected)
	return pos
}

func (t *PerLaneSignature) SetPos(pos uint64) {
	log.Panic("set position on a per-lane signature", zap.Uint64("pos", pos))
}

func (t *PerLaneSignature) Match(addr uint64) bool {
	return t.IsSet(t.hash(addr))
}

func (t *PerLaneSignature) MatchTable(other Table) bool {
	return matchTables(t, other)
}

func (t *PerLaneSignature) Remove(addr uint64) {
	log.Panic("remove from a per-lane signature", zap.Uint64("addr", addr))
}

func (t *PerLaneSignature) RemoveTable(other Table) {
	log.Panic("remove from a per-lane signature")
}

// Clear drops the selected lane, or every lane when none is selected.
func (t *PerLaneSignature) Clear() {
	if t.selected < 0 {
		t.ClearAll()
		return
	}
	for i := range t.lanes {
		t.lanes[i] &^= 1 << uint(t.selected)
	}
}

func (t *PerLaneSignature) ClearAll() {
	for i := range t.lanes {
		t.lanes[i] = 0
	}
}
