package signature

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// BloomFilter is a set of signature tables of equal size, one per hash
// function. An address matches when every table matches it.
type BloomFilter struct {
	size   uint64
	kind   Kind
	tables []Table
}

// NewBloomFilter builds a filter with one table per function id.
func NewBloomFilter(reg *Registry, set HashSet, size uint64, funcIDs []int, kind Kind) (*BloomFilter, error) {
	if len(funcIDs) == 0 {
		return nil, errors.New("bloom filter needs at least one hash function")
	}
	bf := &BloomFilter{size: size, kind: kind, tables: make([]Table, 0, len(funcIDs))}
	for _, id := range funcIDs {
		f, err := reg.Func(set, id, size)
		if err != nil {
			return nil, errors.Trace(err)
		}
		bf.tables = append(bf.tables, NewTable(kind, size, id, f))
	}
	return bf, nil
}

// FuncIDs returns n consecutive function ids starting at 0.
func FuncIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (bf *BloomFilter) Size() uint64 { return bf.size }

func (bf *BloomFilter) Kind() Kind { return bf.kind }

func (bf *BloomFilter) NumTables() int { return len(bf.tables) }

func (bf *BloomFilter) Table(i int) Table { return bf.tables[i] }

// Bits is the storage footprint of the filter in bits.
func (bf *BloomFilter) Bits() uint64 {
	return bf.size * uint64(len(bf.tables))
}

// Add inserts addr and reports whether any table changed.
func (bf *BloomFilter) Add(addr uint64) bool {
	return bf.AddPositions(addr, nil)
}

// AddPositions inserts addr and stores, per table, the position it newly set
// (or NullPos) into modified when it is non-nil.
func (bf *BloomFilter) AddPositions(addr uint64, modified []uint64) bool {
	changed := false
	for i, t := range bf.tables {
		pos := t.Add(addr)
		if pos != NullPos {
			changed = true
		}
		if modified != nil {
			modified[i] = pos
		}
	}
	return changed
}

// SetPositions sets the given position in each table, skipping NullPos.
func (bf *BloomFilter) SetPositions(positions []uint64) {
	if len(positions) != len(bf.tables) {
		log.Panic("position count differs from table count",
			zap.Int("positions", len(positions)), zap.Int("tables", len(bf.tables)))
	}
	for i, pos := range positions {
		if pos != NullPos {
			bf.tables[i].SetPos(pos)
		}
	}
}

func (bf *BloomFilter) Match(addr uint64) bool {
	for _, t := range bf.tables {
		if !t.Match(addr) {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) checkCompatible(other *BloomFilter) {
	if len(bf.tables) != len(other.tables) {
		log.Panic("bloom filters have different table counts",
			zap.Int("left", len(bf.tables)), zap.Int("right", len(other.tables)))
	}
	for i := range bf.tables {
		if bf.tables[i].FuncID() != other.tables[i].FuncID() {
			log.Panic("bloom filters use different hash functions", zap.Int("table", i),
				zap.Int("left", bf.tables[i].FuncID()), zap.Int("right", other.tables[i].FuncID()))
		}
	}
}

// MatchFilter reports whether the two filters may share an address: every
// pair of tables must intersect.
func (bf *BloomFilter) MatchFilter(other *BloomFilter) bool {
	bf.checkCompatible(other)
	for i, t := range bf.tables {
		if !t.MatchTable(other.tables[i]) {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) Remove(addr uint64) {
	if bf.kind != KindCounting {
		log.Panic("remove from a non-counting bloom filter", zap.Stringer("kind", bf.kind))
	}
	for _, t := range bf.tables {
		t.Remove(addr)
	}
}

func (bf *BloomFilter) RemoveFilter(other *BloomFilter) {
	if bf.kind != KindCounting {
		log.Panic("remove from a non-counting bloom filter", zap.Stringer("kind", bf.kind))
	}
	bf.checkCompatible(other)
	for i, t := range bf.tables {
		t.RemoveTable(other.tables[i])
	}
}

func (bf *BloomFilter) Clear() {
	for _, t := range bf.tables {
		t.Clear()
	}
}

func (bf *BloomFilter) SelectLane(lane int) {
	for _, t := range bf.lanes() {
		t.SelectLane(lane)
	}
}

func (bf *BloomFilter) UnselectLane() {
	for _, t := range bf.lanes() {
		t.UnselectLane()
	}
}

func (bf *BloomFilter) ClearAll() {
	for _, t := range bf.lanes() {
		t.ClearAll()
	}
}

func (bf *BloomFilter) lanes() []*PerLaneSignature {
	if bf.kind != KindPerLane {
		log.Panic("lane operation on a bloom filter without lanes", zap.Stringer("kind", bf.kind))
	}
	tables := make([]*PerLaneSignature, len(bf.tables))
	for i, t := range bf.tables {
		tables[i] = t.(*PerLaneSignature)
	}
	return tables
}
