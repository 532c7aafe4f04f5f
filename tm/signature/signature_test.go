package signature

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDeterministic(t *testing.T) {
	r1, r2 := NewRegistry(), NewRegistry()
	for _, set := range []HashSet{HashSetToy, HashSetGSkew, HashSetH3} {
		for id := 0; id <= MaxFuncID; id++ {
			f1, err := r1.Func(set, id, 256)
			require.Nil(t, err)
			f2, err := r2.Func(set, id, 256)
			require.Nil(t, err)
			for addr := uint64(0); addr < 4096; addr += 7 {
				pos := f1(addr)
				assert.True(t, pos < 256)
				assert.Equal(t, pos, f2(addr))
			}
		}
	}
}

func TestRegistryRejects(t *testing.T) {
	r := NewRegistry()
	_, err := r.Func(HashSetGSkew, 0, 100)
	assert.NotNil(t, err)
	_, err = r.Func(HashSetH3, 0, 100)
	assert.NotNil(t, err)
	_, err = r.Func(HashSetToy, MaxFuncID+1, 64)
	assert.NotNil(t, err)
	_, err = r.Func(HashSetToy, 0, 0)
	assert.NotNil(t, err)

	// Toy functions accept any size.
	_, err = r.Func(HashSetToy, 0, 100)
	assert.Nil(t, err)
}

func TestToyHash(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, uint64(300%64), r.MustFunc(HashSetToy, 0, 64)(300))
	assert.Equal(t, uint64((300+1)%64), r.MustFunc(HashSetToy, 1, 64)(300))
	assert.Equal(t, uint64((300^1)%64), r.MustFunc(HashSetToy, 2, 64)(300))
	assert.Equal(t, uint64((300+18)%64), r.MustFunc(HashSetToy, 3, 64)(300))
}

func TestH3Linear(t *testing.T) {
	// H3 is linear over xor.
	f := NewRegistry().MustFunc(HashSetH3, 2, 1024)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		a, b := rng.Uint64(), rng.Uint64()
		assert.Equal(t, f(a)^f(b), f(a^b))
	}
	assert.Equal(t, uint64(0), f(0))
}

func TestBitSignature(t *testing.T) {
	r := NewRegistry()
	tbl := NewTable(KindBit, 64, 0, r.MustFunc(HashSetToy, 0, 64))
	assert.Equal(t, uint64(5), tbl.Add(5))
	assert.Equal(t, NullPos, tbl.Add(5))
	assert.Equal(t, NullPos, tbl.Add(69))
	assert.True(t, tbl.Match(133))
	assert.False(t, tbl.Match(6))

	tbl.SetPos(6)
	assert.True(t, tbl.Match(6))
	assert.Panics(t, func() { tbl.Remove(5) })

	tbl.Clear()
	assert.False(t, tbl.Match(5))
}

func TestCountingSignature(t *testing.T) {
	r := NewRegistry()
	tbl := NewTable(KindCounting, 64, 0, r.MustFunc(HashSetToy, 0, 64))
	assert.Equal(t, uint64(3), tbl.Add(3))
	assert.Equal(t, NullPos, tbl.Add(67))
	tbl.Remove(3)
	assert.True(t, tbl.Match(3))
	tbl.Remove(67)
	assert.False(t, tbl.Match(3))
	assert.Panics(t, func() { tbl.Remove(3) })
}

func TestCountingRemoveTable(t *testing.T) {
	r := NewRegistry()
	f := r.MustFunc(HashSetToy, 0, 64)
	all := NewTable(KindCounting, 64, 0, f)
	part := NewTable(KindBit, 64, 0, f)
	for _, a := range []uint64{1, 2, 3} {
		all.Add(a)
	}
	part.Add(2)
	part.Add(3)
	all.RemoveTable(part)
	assert.True(t, all.Match(1))
	assert.False(t, all.Match(2))
	assert.False(t, all.Match(3))
}

func TestPerLaneSignature(t *testing.T) {
	r := NewRegistry()
	tbl := NewTable(KindPerLane, 64, 0, r.MustFunc(HashSetToy, 0, 64)).(*PerLaneSignature)
	assert.Panics(t, func() { tbl.Add(1) })

	tbl.SelectLane(1)
	assert.Equal(t, uint64(1), tbl.Add(1))
	tbl.SelectLane(2)
	assert.False(t, tbl.Match(1))
	tbl.Add(2)

	// No lane selected matches any lane.
	tbl.UnselectLane()
	assert.True(t, tbl.Match(1))

	tbl.SelectLane(1)
	tbl.Clear()
	tbl.UnselectLane()
	assert.False(t, tbl.Match(1))
	assert.True(t, tbl.Match(2))

	tbl.ClearAll()
	assert.False(t, tbl.Match(2))
	assert.Panics(t, func() { tbl.SetPos(0) })
}

func TestBloomFilterNoFalseNegative(t *testing.T) {
	r := NewRegistry()
	for _, set := range []HashSet{HashSetToy, HashSetGSkew, HashSetH3} {
		bf, err := NewBloomFilter(r, set, 128, FuncIDs(4), KindBit)
		require.Nil(t, err)
		rng := rand.New(rand.NewSource(int64(set)))
		var added []uint64
		for i := 0; i < 50; i++ {
			a := rng.Uint64()
			bf.Add(a)
			added = append(added, a)
		}
		for _, a := range added {
			assert.True(t, bf.Match(a), "set %s addr %x", set, a)
		}
	}
}

func TestBloomFilterAddPositions(t *testing.T) {
	r := NewRegistry()
	src, err := NewBloomFilter(r, HashSetH3, 64, FuncIDs(3), KindBit)
	require.Nil(t, err)
	dst, err := NewBloomFilter(r, HashSetH3, 64, FuncIDs(3), KindBit)
	require.Nil(t, err)

	mod := make([]uint64, 3)
	assert.True(t, src.AddPositions(42, mod))
	dst.SetPositions(mod)
	assert.True(t, dst.Match(42))

	// A repeated insert changes nothing.
	assert.False(t, src.AddPositions(42, mod))
	for _, pos := range mod {
		assert.Equal(t, NullPos, pos)
	}
	dst.SetPositions(mod)
}

func TestBloomFilterMatchFilter(t *testing.T) {
	r := NewRegistry()
	a, _ := NewBloomFilter(r, HashSetH3, 256, FuncIDs(4), KindBit)
	b, _ := NewBloomFilter(r, HashSetH3, 256, FuncIDs(4), KindBit)
	assert.False(t, a.MatchFilter(b))

	a.Add(0x1000)
	b.Add(0x2000)
	b.Add(0x1000)
	assert.True(t, a.MatchFilter(b))

	c, _ := NewBloomFilter(r, HashSetH3, 256, []int{1, 0, 2, 3}, KindBit)
	assert.Panics(t, func() { a.MatchFilter(c) })
	d, _ := NewBloomFilter(r, HashSetH3, 256, FuncIDs(2), KindBit)
	assert.Panics(t, func() { a.MatchFilter(d) })
}

func TestBloomFilterRemove(t *testing.T) {
	r := NewRegistry()
	bit, _ := NewBloomFilter(r, HashSetH3, 64, FuncIDs(2), KindBit)
	assert.Panics(t, func() { bit.Remove(1) })

	cnt, _ := NewBloomFilter(r, HashSetH3, 64, FuncIDs(2), KindCounting)
	cnt.Add(7)
	cnt.Add(7)
	cnt.Remove(7)
	assert.True(t, cnt.Match(7))
	cnt.Remove(7)
	assert.False(t, cnt.Match(7))

	other, _ := NewBloomFilter(r, HashSetH3, 64, FuncIDs(2), KindCounting)
	cnt.Add(9)
	other.Add(9)
	cnt.RemoveFilter(other)
	assert.False(t, cnt.Match(9))
}

func TestVersioningFilter(t *testing.T) {
	r := NewRegistry()
	vf, err := NewVersioningFilter(r, 16, 4)
	require.Nil(t, err)
	assert.Equal(t, NoVersion, vf.Version(123))

	// Small table forces collisions; the answer may be too high, never too low.
	truth := make(map[uint64]int)
	rng := rand.New(rand.NewSource(7))
	for v := 0; v < 500; v++ {
		addr := uint64(rng.Intn(200))
		vf.UpdateVersion(addr, v)
		truth[addr] = v
	}
	for addr, v := range truth {
		assert.True(t, vf.Version(addr) >= v)
	}

	vf.Clear()
	assert.Equal(t, NoVersion, vf.Version(3))

	_, err = NewVersioningFilter(r, 16, 5)
	assert.NotNil(t, err)
}
