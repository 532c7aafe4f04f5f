package pipeline

import (
	"github.com/pingcap-incubator/tinycommit/tm/accessset"
	"github.com/pingcap-incubator/tinycommit/tm/conflict"
	"github.com/pingcap/errors"
)

// Algorithm selects how the pass pointer treats entries still validating.
type Algorithm int

const (
	// AlgorithmStall holds the pass pointer on an entry until it passes or
	// fails.
	AlgorithmStall Algorithm = iota
	// AlgorithmNoStall lets the pass pointer move past validating entries;
	// they reply as soon as their validation finishes, and a revalidation
	// table restarts them when their conflictor retires.
	AlgorithmNoStall
)

func (a Algorithm) String() string {
	if a == AlgorithmNoStall {
		return "nostall"
	}
	return "stall"
}

// FCDMode selects how conflicts between in-flight transactions are found.
type FCDMode int

const (
	// FCDSerialized checks each new address against older write sets and
	// younger read sets as it arrives.
	FCDSerialized FCDMode = iota
	// FCDDelayed runs hazard detection in commit order behind a dedicated
	// pointer, against the conflict detector.
	FCDDelayed
)

const (
	DefaultHistoryWindow     = 23040
	DefaultCoalesceBlockSize = 32
	DefaultInputQueueLength  = 64
	DefaultReplyQueueLength  = 8
	scrubInterval            = 1000
	statBlockSize            = 128
)

// Config holds the options of one commit pipeline.
type Config struct {
	Partition int
	Algorithm Algorithm
	FCDMode   FCDMode
	Detector  conflict.Config
	AccessSet accessset.Options

	// DetectConflictingCID enables the serialized conflict scans.
	DetectConflictingCID bool
	// FailAtRevalidation fails conflicting transactions instead of
	// revalidating them.
	FailAtRevalidation bool
	// GenMemAccess is a mask of GenValidate and GenCommitWrite. Ops of a
	// kind not in the mask complete in the cycle they are drained.
	GenMemAccess uint
	// CheckReadSetVersion verifies at commit that no read was overwritten
	// after validation.
	CheckReadSetVersion bool
	// DummyMode reflects DONE_FILL as PASS and ignores everything else.
	DummyMode        bool
	CommitAckTraffic bool
	InputQueueLength int
	ReplyQueueLength int
	// Overclock is the number of hazard detection steps per cycle.
	Overclock              int
	WarpLevelHazardDetect  bool
	ParallelCoalescedInput bool
	CoalesceReply          bool
	CoalesceMemOp          bool
	CoalesceBlockSize      uint64
	Finite                 bool
	Capacity               int
	HistoryWindow          int
}

func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmStall,
		FCDMode:   FCDSerialized,
		Detector: conflict.Config{
			Sets:        256,
			Ways:        4,
			BFSize:      256,
			BFFuncs:     4,
			Granularity: 4,
			Mode:        conflict.ModeHashed,
		},
		AccessSet:            accessset.DefaultOptions(),
		DetectConflictingCID: true,
		GenMemAccess:         GenValidate | GenCommitWrite,
		CommitAckTraffic:     true,
		InputQueueLength:     DefaultInputQueueLength,
		ReplyQueueLength:     DefaultReplyQueueLength,
		Overclock:            1,
		CoalesceBlockSize:    DefaultCoalesceBlockSize,
		Capacity:             2048,
		HistoryWindow:        DefaultHistoryWindow,
	}
}

func (c *Config) Validate() error {
	if c.Algorithm != AlgorithmStall && c.Algorithm != AlgorithmNoStall {
		return errors.Errorf("unknown commit algorithm %d", c.Algorithm)
	}
	switch c.FCDMode {
	case FCDSerialized:
	case FCDDelayed:
		if err := c.Detector.Validate(); err != nil {
			return errors.Trace(err)
		}
	default:
		return errors.Errorf("unknown hazard detection mode %d", c.FCDMode)
	}
	if c.InputQueueLength <= 0 {
		return errors.Errorf("input queue length must be positive, got %d", c.InputQueueLength)
	}
	if c.ReplyQueueLength <= 0 {
		return errors.Errorf("reply queue length must be positive, got %d", c.ReplyQueueLength)
	}
	if c.Overclock <= 0 {
		return errors.Errorf("hazard detection overclock must be positive, got %d", c.Overclock)
	}
	if c.GenMemAccess&^(GenValidate|GenCommitWrite) != 0 {
		return errors.Errorf("unknown bits in memory access mask %#x", c.GenMemAccess)
	}
	if c.CoalesceBlockSize == 0 || c.CoalesceBlockSize&(c.CoalesceBlockSize-1) != 0 {
		return errors.Errorf("coalesce block size must be a power of two, got %d", c.CoalesceBlockSize)
	}
	if c.AccessSet.BloomFuncs < 1 || c.AccessSet.BloomFuncs > 4 || c.AccessSet.BloomSize == 0 {
		return errors.Errorf("access set signature needs 1 to 4 functions and a positive size")
	}
	if c.CoalesceReply && !c.ParallelCoalescedInput {
		return errors.New("coalesced replies need parallel coalesced input")
	}
	if c.WarpLevelHazardDetect && !c.ParallelCoalescedInput {
		return errors.New("warp level hazard detection needs parallel coalesced input")
	}
	if c.WarpLevelHazardDetect && c.FCDMode != FCDDelayed {
		return errors.New("warp level hazard detection needs delayed hazard detection")
	}
	if c.ParallelCoalescedInput && !c.CommitAckTraffic {
		return errors.New("parallel coalesced input needs commit acknowledgements to release warps")
	}
	if c.DummyMode && c.ParallelCoalescedInput {
		return errors.New("dummy mode replies carry no warp and cannot be used with parallel input")
	}
	if c.CheckReadSetVersion && c.FCDMode == FCDSerialized && !c.DetectConflictingCID {
		return errors.New("read set version checks need conflict detection")
	}
	if c.Finite && c.Capacity <= 0 {
		return errors.Errorf("finite commit unit needs a positive capacity, got %d", c.Capacity)
	}
	if !c.Finite && c.HistoryWindow <= 0 {
		return errors.Errorf("history window must be positive, got %d", c.HistoryWindow)
	}
	return nil
}
