package signature

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/cznic/mathutil"
	"github.com/pingcap/errors"
)

// HashSet selects a family of hash functions. Every family offers four
// functions, addressed by a function id in [0, MaxFuncID].
type HashSet int

const (
	HashSetToy HashSet = iota
	HashSetGSkew
	HashSetH3
)

// MaxFuncID is the largest function id offered by every hash set.
const MaxFuncID = 3

func (s HashSet) String() string {
	switch s {
	case HashSetToy:
		return "toy"
	case HashSetGSkew:
		return "gskew"
	case HashSetH3:
		return "h3"
	}
	return fmt.Sprintf("HashSet(%d)", int(s))
}

// HashFunc maps an address to a position in [0, size).
type HashFunc func(addr uint64) uint64

var h3Seeds = [MaxFuncID + 1]int64{0x10203040, 0x20304010, 0x30401020, 0x40102030}

type funcKey struct {
	set  HashSet
	id   int
	size uint64
}

// Registry hands out hash functions and owns the random masks of the H3
// family. The same (set, id, size) always resolves to the same function, so
// two signatures built from one registry are comparable position by position.
type Registry struct {
	mu    sync.Mutex
	funcs map[funcKey]HashFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[funcKey]HashFunc)}
}

func isPow2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func log2(n uint64) uint {
	return uint(mathutil.BitLenUint64(n) - 1)
}

// Func resolves a hash function, building and caching it on first use.
func (r *Registry) Func(set HashSet, id int, size uint64) (HashFunc, error) {
	if size == 0 {
		return nil, errors.New("signature size must be positive")
	}
	if id < 0 || id > MaxFuncID {
		return nil, errors.Errorf("hash function id %d out of range [0, %d]", id, MaxFuncID)
	}
	if set != HashSetToy && !isPow2(size) {
		return nil, errors.Errorf("%s hash needs a power of two size, got %d", set, size)
	}
	key := funcKey{set: set, id: id, size: size}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.funcs[key]; ok {
		return f, nil
	}
	var f HashFunc
	switch set {
	case HashSetToy:
		f = toyFunc(id, size)
	case HashSetGSkew:
		f = gskewFunc(id, size)
	case HashSetH3:
		f = h3Func(id, size)
	default:
		return nil, errors.Errorf("unknown hash set %d", int(set))
	}
	r.funcs[key] = f
	return f, nil
}

// MustFunc is Func for callers whose parameters were validated up front.
func (r *Registry) MustFunc(set HashSet, id int, size uint64) HashFunc {
	f, err := r.Func(set, id, size)
	if err != nil {
		panic(err)
	}
	return f
}

func toyFunc(id int, size uint64) HashFunc {
	switch id {
	case 0:
		return func(addr uint64) uint64 { return addr % size }
	case 1:
		return func(addr uint64) uint64 { return (addr + addr>>8) % size }
	case 2:
		return func(addr uint64) uint64 { return (addr ^ addr>>8) % size }
	default:
		return func(addr uint64) uint64 { return (addr + addr>>4) % size }
	}
}

var gskewOperands = [MaxFuncID + 1][3]int{{0, 1, 1}, {0, 1, 0}, {1, 0, 1}, {1, 0, 0}}

func gskewFunc(id int, size uint64) HashFunc {
	bits := log2(size)
	mask := size - 1
	bit := func(x uint64, n int) uint64 {
		if n < 0 {
			return 0
		}
		return (x >> uint(n)) & 1
	}
	msb := int(bits) - 1
	// h1 shifts right, the new msb is msb^bit0.
	h1 := func(x uint64) uint64 {
		x &= mask
		return x>>1 | (bit(x, msb)^bit(x, 0))<<uint(msb)
	}
	// h2 shifts left, the new lsb is msb^(msb-1).
	h2 := func(x uint64) uint64 {
		x &= mask
		return (x<<1)&mask | (bit(x, msb) ^ bit(x, msb-1))
	}
	ops := gskewOperands[id]
	return func(addr uint64) uint64 {
		if bits == 0 {
			return 0
		}
		s := addr ^ addr>>16
		sub := [2]uint64{s & mask, (s >> bits) & mask}
		return (h1(sub[ops[0]]) ^ h2(sub[ops[1]]) ^ sub[ops[2]]) & mask
	}
}

func h3Func(id int, size uint64) HashFunc {
	bits := log2(size)
	rng := rand.New(rand.NewSource(h3Seeds[id]))
	masks := make([]uint64, bits)
	for i := range masks {
		masks[i] = rng.Uint64()
	}
	return func(addr uint64) uint64 {
		var out uint64
		for n, m := range masks {
			out |= uint64(mathutil.PopCountUint64(addr&m)&1) << uint(n)
		}
		return out
	}
}
