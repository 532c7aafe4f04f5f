package sim

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Partitions = 2
	cfg.Memory.Latency = 5
	cfg.Memory.Jitter = 3
	cfg.Workload.Cores = 2
	cfg.Workload.WarpsPerCore = 2
	cfg.Workload.Lanes = 8
	cfg.Workload.Transactions = 200
	cfg.Workload.AddressSpace = 256
	cfg.Workload.IssueInterval = 2
	cfg.Pipeline.CheckReadSetVersion = true
	cfg.MaxCycles = 200000
	cfg.ProgressInterval = 0
	return cfg
}

func TestRunVariants(t *testing.T) {
	variants := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"stall-serialized", func(c *Config) {}},
		{"nostall-serialized", func(c *Config) { c.Pipeline.Algorithm = pipeline.AlgorithmNoStall }},
		{"stall-delayed", func(c *Config) { c.Pipeline.FCDMode = pipeline.FCDDelayed }},
		{"nostall-delayed", func(c *Config) {
			c.Pipeline.Algorithm = pipeline.AlgorithmNoStall
			c.Pipeline.FCDMode = pipeline.FCDDelayed
		}},
		{"fail-at-revalidation", func(c *Config) { c.Pipeline.FailAtRevalidation = true }},
		{"warp-coalesced", func(c *Config) {
			c.Workload.Coalesced = true
			c.Pipeline.FCDMode = pipeline.FCDDelayed
			c.Pipeline.ParallelCoalescedInput = true
			c.Pipeline.WarpLevelHazardDetect = true
			c.Pipeline.CoalesceReply = true
			c.Pipeline.CoalesceMemOp = true
		}},
		{"serial-coalesced", func(c *Config) { c.Workload.Coalesced = true }},
		{"finite", func(c *Config) {
			c.Pipeline.Finite = true
			c.Pipeline.Capacity = 32
		}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			cfg := testConfig()
			v.mutate(&cfg)
			s, err := New(cfg)
			require.NoError(t, err)
			r, err := s.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 200, r.Issued)
			assert.Equal(t, 200, r.Committed+r.Aborted)
			assert.True(t, r.Committed > 0)
			assert.True(t, r.LatencyP50 <= r.LatencyP99)
			require.Len(t, r.Partitions, 2)

			st := s.Status()
			assert.False(t, st.Running)
			assert.Equal(t, r.Cycles, st.Cycle)
			for _, p := range st.Partitions {
				assert.Equal(t, p.Head+1, p.Retire)
				assert.Zero(t, p.InFlight)
			}
			assert.NotEmpty(t, r.String())
		})
	}
}

func TestRunDummyMode(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.DummyMode = true
	cfg.Pipeline.CheckReadSetVersion = false
	s, err := New(cfg)
	require.NoError(t, err)
	r, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, r.Committed)
	for _, p := range r.Partitions {
		assert.Zero(t, p.Memory.Validations)
	}
}

func TestRunStopsAtMaxCycles(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCycles = 10
	s, err := New(cfg)
	require.NoError(t, err)
	r, err := s.Run(context.Background())
	assert.Equal(t, ErrNotFinished, errors.Cause(err))
	assert.Equal(t, uint64(10), r.Cycles)
}

func TestRunCancelled(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestValidateCrossChecks(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ParallelCoalescedInput = true
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Pipeline.Finite = true
	cfg.Pipeline.Capacity = 4
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Partitions = 0
	_, err = New(cfg)
	assert.Error(t, err)
}
