package workload

import (
	"testing"

	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedVersions map[uint64]int

func (v fixedVersions) Version(addr uint64) int {
	if ver, ok := v[addr]; ok {
		return ver
	}
	return -1
}

func readers(n int) []VersionReader {
	rs := make([]VersionReader, n)
	for i := range rs {
		rs[i] = fixedVersions{}
	}
	return rs
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Cores = 1
	cfg.WarpsPerCore = 1
	cfg.Lanes = 2
	cfg.Transactions = 2
	cfg.AddressSpace = 64
	cfg.Interleave = 4
	return cfg
}

// flush drains every outbox and returns the messages per partition.
func flush(t *testing.T, w *Workload) [][]*pipeline.Message {
	out := make([][]*pipeline.Message, len(w.mems))
	for p := range w.mems {
		require.NoError(t, w.Flush(p, func(m *pipeline.Message) error {
			out[p] = append(out[p], m)
			return nil
		}))
	}
	return out
}

func lanes(msgs []*pipeline.Message) []*pipeline.Message {
	var all []*pipeline.Message
	for _, m := range msgs {
		if len(m.Coalesced) > 0 {
			all = append(all, m.Coalesced...)
		} else {
			all = append(all, m)
		}
	}
	return all
}

// touched returns, per commit id, whether the partition got its read or
// write set.
func touched(msgs []*pipeline.Message) map[int]bool {
	r := make(map[int]bool)
	for _, m := range lanes(msgs) {
		switch m.Type {
		case pipeline.MsgDoneFill:
			r[m.CommitID] = true
		case pipeline.MsgSkip:
			r[m.CommitID] = false
		}
	}
	return r
}

func wrote(msgs []*pipeline.Message, cid int) bool {
	for _, m := range lanes(msgs) {
		if m.Type == pipeline.MsgWriteSet && m.CommitID == cid {
			return true
		}
	}
	return false
}

func reply(t pipeline.ReplyType, cid, part int) *pipeline.Reply {
	return &pipeline.Reply{Type: t, CommitID: cid, Partition: part}
}

func TestPartitionMapping(t *testing.T) {
	w, err := New(smallConfig(), readers(4))
	require.NoError(t, err)
	seen := make(map[int]bool)
	for addr := uint64(0); addr < 4096; addr += 4 {
		p := w.Partition(addr)
		require.True(t, p >= 0 && p < 4)
		seen[p] = true
		assert.Equal(t, p, w.Partition(addr))
	}
	assert.Len(t, seen, 4)

	cfg := smallConfig()
	cfg.Interleave = 256
	w, err = New(cfg, readers(4))
	require.NoError(t, err)
	assert.Equal(t, w.Partition(0x100), w.Partition(0x1fc))
}

func TestEveryPartitionSeesEveryCommitID(t *testing.T) {
	cfg := smallConfig()
	cfg.Lanes = 4
	cfg.Transactions = 4
	w, err := New(cfg, readers(3))
	require.NoError(t, err)
	w.Tick(0)
	out := flush(t, w)
	for p := range out {
		seen := touched(out[p])
		assert.Len(t, seen, 4, "partition %d", p)
		for cid := 1; cid <= 4; cid++ {
			_, ok := seen[cid]
			assert.True(t, ok)
		}
	}
	assert.Equal(t, 4, w.LastCommitID())
	assert.Equal(t, 4, w.Stats().Issued)
	assert.False(t, w.Done())
}

func TestReadsCarryObservedVersion(t *testing.T) {
	cfg := smallConfig()
	mems := readers(1)
	versions := mems[0].(fixedVersions)
	for addr := uint64(0); addr < cfg.AddressSpace*wordSize; addr += wordSize {
		versions[addr] = int(addr)
	}
	w, err := New(cfg, mems)
	require.NoError(t, err)
	w.Tick(0)
	for _, m := range flush(t, w)[0] {
		if m.Type == pipeline.MsgReadSet {
			assert.Equal(t, int(m.Addr), m.Version)
		}
	}
}

func TestCommitWaitsForAcks(t *testing.T) {
	cfg := smallConfig()
	cfg.MaxWrites = 3
	w, err := New(cfg, readers(2))
	require.NoError(t, err)
	w.Tick(0)
	out := flush(t, w)

	for p := range out {
		for cid, ok := range touched(out[p]) {
			if ok {
				w.Deliver(reply(pipeline.ReplyPass, cid, p))
			}
		}
	}
	txs := flush(t, w)
	for p := range txs {
		for _, m := range txs[p] {
			assert.Equal(t, pipeline.MsgTxPass, m.Type)
			assert.True(t, touched(out[p])[m.CommitID])
		}
	}
	for p := range out {
		for cid := 1; cid <= 2; cid++ {
			if wrote(out[p], cid) {
				assert.False(t, w.Done())
				w.Deliver(reply(pipeline.ReplyDoneCommit, cid, p))
			}
		}
	}
	assert.True(t, w.Done())
	st := w.Stats()
	assert.Equal(t, 2, st.Committed)
	assert.Equal(t, 0, st.Aborted)
	assert.Len(t, st.Latencies, 2)
	assert.Panics(t, func() { w.Deliver(reply(pipeline.ReplyPass, 1, 0)) })
}

func TestAbortReleasesPassedPartitions(t *testing.T) {
	cfg := smallConfig()
	cfg.Lanes = 1
	cfg.Transactions = 1
	cfg.MaxReads = 8
	var w *Workload
	var out [][]*pipeline.Message
	// Find a seed whose transaction spans both partitions.
	for seed := int64(1); ; seed++ {
		cfg.Seed = seed
		var err error
		w, err = New(cfg, readers(2))
		require.NoError(t, err)
		w.Tick(0)
		out = flush(t, w)
		if touched(out[0])[1] && touched(out[1])[1] {
			break
		}
	}
	w.Deliver(reply(pipeline.ReplyPass, 1, 0))
	assert.False(t, w.Done())
	w.Deliver(reply(pipeline.ReplyFail, 1, 1))

	txs := flush(t, w)
	require.Len(t, txs[0], 1)
	assert.Equal(t, pipeline.MsgTxFail, txs[0][0].Type)
	assert.Empty(t, txs[1])
	assert.True(t, w.Done())
	assert.Equal(t, 1, w.Stats().Aborted)
}

func TestCoalescedBatch(t *testing.T) {
	cfg := smallConfig()
	cfg.Lanes = 8
	cfg.Transactions = 8
	cfg.Coalesced = true
	w, err := New(cfg, readers(2))
	require.NoError(t, err)
	w.Tick(0)
	out := flush(t, w)
	for p := range out {
		last := out[p][len(out[p])-1]
		assert.Equal(t, pipeline.MsgDoneFill, last.Type)
		assert.Len(t, last.Coalesced, 8)
		for _, m := range out[p] {
			assert.NotEmpty(t, m.Coalesced)
		}
	}

	// Lane 3 fails at partition 1; partition 0 passes everything.
	spans := touched(out[1])
	waitsOnOne := false
	for _, ok := range spans {
		waitsOnOne = waitsOnOne || ok
	}
	failed := func(cid int) bool { return cid == 3 && spans[3] }
	for p := range out {
		r := &pipeline.Reply{Type: pipeline.ReplyPass, Partition: p}
		for cid, ok := range touched(out[p]) {
			if !ok {
				continue
			}
			typ := pipeline.ReplyPass
			if p == 1 && failed(cid) {
				typ = pipeline.ReplyFail
			}
			r.Coalesced = append(r.Coalesced, reply(typ, cid, p))
		}
		if len(r.Coalesced) == 0 {
			continue
		}
		w.Deliver(r)
		if p == 0 && waitsOnOne {
			// Lanes still waiting on partition 1 hold the whole warp back.
			for _, q := range flush(t, w) {
				assert.Empty(t, q)
			}
		}
	}

	txs := flush(t, w)
	for p := range txs {
		want := make(map[int]pipeline.MessageType)
		for cid, ok := range touched(out[p]) {
			switch {
			case ok && !failed(cid):
				want[cid] = pipeline.MsgTxPass
			case ok && p == 0:
				want[cid] = pipeline.MsgTxFail
			}
		}
		got := make(map[int]pipeline.MessageType)
		for _, m := range lanes(txs[p]) {
			got[m.CommitID] = m.Type
		}
		assert.Equal(t, want, got, "partition %d", p)
		assert.True(t, len(txs[p]) <= 1)
	}
}

func TestFiniteAllocation(t *testing.T) {
	cfg := smallConfig()
	cfg.Finite = true
	cfg.AllocRetry = 5
	w, err := New(cfg, readers(2))
	require.NoError(t, err)
	w.Tick(0)
	out := flush(t, w)
	for p := range out {
		require.Len(t, out[p], 2)
		for _, m := range out[p] {
			assert.Equal(t, pipeline.MsgAlloc, m.Type)
		}
	}

	w.Deliver(reply(pipeline.ReplyAllocPass, 1, 0))
	w.Deliver(reply(pipeline.ReplyAllocPass, 1, 1))
	w.Deliver(reply(pipeline.ReplyAllocPass, 2, 0))
	w.Deliver(reply(pipeline.ReplyAllocFail, 2, 1))
	assert.Equal(t, 1, w.Stats().AllocRetries)
	w.Tick(4)
	assert.Equal(t, 0, w.Queued(1))
	w.Tick(5)
	retry := flush(t, w)
	require.Len(t, retry[1], 1)
	assert.Equal(t, pipeline.MsgAlloc, retry[1][0].Type)
	assert.Equal(t, 2, retry[1][0].CommitID)

	w.Deliver(reply(pipeline.ReplyAllocPass, 2, 1))
	assert.Panics(t, func() { w.Deliver(reply(pipeline.ReplyAllocPass, 2, 1)) })
	batch := flush(t, w)
	for p := range batch {
		assert.Len(t, touched(batch[p]), 2)
	}
}

func TestIssueRate(t *testing.T) {
	cfg := smallConfig()
	cfg.WarpsPerCore = 4
	cfg.Transactions = 100
	cfg.IssueInterval = 10
	cfg.IssueBurst = 1
	w, err := New(cfg, readers(1))
	require.NoError(t, err)
	w.Tick(0)
	assert.Equal(t, 2, w.Stats().Issued)
	w.Tick(5)
	assert.Equal(t, 2, w.Stats().Issued)
	w.Tick(10)
	assert.Equal(t, 4, w.Stats().Issued)
}

func TestFlushStopsWhenFull(t *testing.T) {
	cfg := smallConfig()
	w, err := New(cfg, readers(1))
	require.NoError(t, err)
	w.Tick(0)
	queued := w.Queued(0)
	require.True(t, queued > 1)

	n := 0
	require.NoError(t, w.Flush(0, func(*pipeline.Message) error {
		if n == 1 {
			return errors.Trace(pipeline.ErrInputFull)
		}
		n++
		return nil
	}))
	assert.Equal(t, queued-1, w.Queued(0))

	err = w.Flush(0, func(*pipeline.Message) error { return errors.New("broken") })
	assert.Error(t, err)
	assert.Equal(t, queued-1, w.Queued(0))
}

func TestValidate(t *testing.T) {
	cases := []func(c *Config){
		func(c *Config) { c.Cores = 0 },
		func(c *Config) { c.Lanes = pipeline.WarpSize + 1 },
		func(c *Config) { c.MaxReads = 0 },
		func(c *Config) { c.Interleave = 6 },
		func(c *Config) { c.IssueInterval = 0 },
		func(c *Config) { c.Finite = true; c.AllocRetry = 0 },
	}
	for i, mutate := range cases {
		c := DefaultConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), "case %d", i)
	}
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}
