package conflict

import (
	"math/rand"
	"testing"

	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTxn struct {
	cid          int
	reads        []uint64
	writes       []uint64
	writesStored bool
}

func (t *testTxn) CommitID() int            { return t.cid }
func (t *testTxn) ReadAddresses() []uint64  { return t.reads }
func (t *testTxn) WriteAddresses() []uint64 { return t.writes }
func (t *testTxn) WritesStored() bool       { return t.writesStored }

func testConfig() Config {
	return Config{Sets: 4, Ways: 2, BFSize: 64, BFFuncs: 4, Granularity: 4, Mode: ModeHashed}
}

func TestExactTableEviction(t *testing.T) {
	tbl, err := NewExactTable(signature.NewRegistry(), 1, 2)
	require.Nil(t, err)

	_, _, evicted := tbl.StoreWrite(0x10, 5)
	assert.False(t, evicted)
	_, _, evicted = tbl.StoreWrite(0x20, 3)
	assert.False(t, evicted)

	// A hit overwrites in place.
	_, _, evicted = tbl.StoreWrite(0x10, 6)
	assert.False(t, evicted)
	cid, ok := tbl.Probe(0x10)
	assert.True(t, ok)
	assert.Equal(t, 6, cid)

	// The oldest writer goes first.
	addr, cid, evicted := tbl.StoreWrite(0x30, 9)
	assert.True(t, evicted)
	assert.Equal(t, uint64(0x20), addr)
	assert.Equal(t, 3, cid)

	_, ok = tbl.CheckReadConflict(0x10, 7)
	assert.False(t, ok)
	cid, ok = tbl.CheckReadConflict(0x30, 7)
	assert.True(t, ok)
	assert.Equal(t, 9, cid)
}

func TestOracleTable(t *testing.T) {
	o := NewOracleTable(4)
	o.RegisterRead(0x100)
	o.RegisterRead(0x100)
	assert.Equal(t, 1, o.Size())
	_, hit := o.CheckReadConflict(0x100, 0)
	assert.False(t, hit)

	o.StoreWrite(0x100, 4)
	o.StoreWrite(0x200, 4)
	assert.Equal(t, 2, o.Size())
	cid, hit := o.CheckReadConflict(0x100, 3)
	assert.True(t, hit)
	assert.Equal(t, 4, cid)
	assert.Panics(t, func() { o.CheckReadConflict(0x300, 0) })

	// The writer retires: its unread write goes away, the read one stays.
	o.ClearWrites(&testTxn{cid: 4, writes: []uint64{0x100, 0x200}, writesStored: true})
	assert.Equal(t, 1, o.Size())

	// Readers retire; addresses are quantized to the granularity.
	o.ClearWrites(&testTxn{cid: 2, reads: []uint64{0x101}})
	assert.Equal(t, 1, o.Size())
	o.ClearWrites(&testTxn{cid: 3, reads: []uint64{0x102}})
	assert.Equal(t, 0, o.Size())
	assert.Equal(t, 0, o.CountActive())
	assert.Panics(t, func() { o.ClearWrites(&testTxn{cid: 3, reads: []uint64{0x100}}) })

	// Inactive entries keep their last writer.
	assert.True(t, o.CheckEntry(0x100, 4))
}

func TestDetectorConfig(t *testing.T) {
	cfg := testConfig()
	assert.Nil(t, cfg.Validate())
	cfg.Sets = 6
	assert.NotNil(t, cfg.Validate())
	cfg = testConfig()
	cfg.BFFuncs = 5
	assert.NotNil(t, cfg.Validate())
	cfg = testConfig()
	cfg.Granularity = 3
	assert.NotNil(t, cfg.Validate())
}

func TestDetectorAgreesWithOracle(t *testing.T) {
	for _, mode := range []Mode{ModeOracle, ModeHashed} {
		cfg := testConfig()
		cfg.Mode = mode
		d, err := NewDetector(signature.NewRegistry(), cfg)
		require.Nil(t, err)

		rng := rand.New(rand.NewSource(42))
		lastWriter := make(map[uint64]int)
		for cid := 1; cid < 400; cid++ {
			addr := uint64(rng.Intn(64)) * 4
			if rng.Intn(2) == 0 {
				d.StoreWrite(addr, cid)
				lastWriter[addr] = cid
				continue
			}
			d.RegisterRead(addr)
			threshold := cid - rng.Intn(50)
			got, hit := d.CheckReadConflict(addr, threshold)
			w, written := lastWriter[addr]
			want := written && w >= threshold
			if mode == ModeOracle {
				assert.Equal(t, want, hit)
				if want {
					assert.Equal(t, w, got)
				}
			} else if want {
				// No false negatives, never an older writer.
				assert.True(t, hit)
				assert.True(t, got >= w)
			}
		}
		st := d.Stats()
		assert.True(t, st.Evictions > 0)
		if mode == ModeHashed {
			assert.True(t, st.HashHits > 0)
		}
	}
}

func TestDetectorQuantizes(t *testing.T) {
	d, err := NewDetector(signature.NewRegistry(), testConfig())
	require.Nil(t, err)
	d.StoreWrite(0x41, 7)
	d.RegisterRead(0x43)
	cid, hit := d.CheckReadConflict(0x42, 5)
	assert.True(t, hit)
	assert.Equal(t, 7, cid)
	assert.Equal(t, 1, d.Size())

	// A write that is still read outlives its writer.
	d.ClearWrites(&testTxn{cid: 7, writes: []uint64{0x40}, writesStored: true})
	assert.Equal(t, 1, d.Size())
	d.ClearWrites(&testTxn{cid: 9, reads: []uint64{0x40}})
	assert.Equal(t, 0, d.Size())
}
