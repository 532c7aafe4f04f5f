package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinycommit/tm/accessset"
	"github.com/pingcap-incubator/tinycommit/tm/conflict"
	"github.com/pingcap-incubator/tinycommit/tm/memory"
	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap-incubator/tinycommit/tm/sim"
	"github.com/pingcap-incubator/tinycommit/tm/workload"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultPartitions       = 4
	defaultStatusAddr       = "127.0.0.1:20180"
	defaultMaxCycles        = 10000000
	defaultProgressInterval = 100000
	wordSize                = 4
)

// ByteSize is a size in bytes that reads and writes human units ("64KiB").
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Annotatef(err, "bad size %q", text)
	}
	if v < 0 {
		return errors.Errorf("negative size %q", text)
	}
	*b = ByteSize(v)
	return nil
}

// Config is the configuration of a commit simulation.
type Config struct {
	Log           log.Config          `toml:"log" json:"log"`
	CommitUnit    CommitUnitConfig    `toml:"commit-unit" json:"commit-unit"`
	ConflictTable ConflictTableConfig `toml:"conflict-table" json:"conflict-table"`
	Signature     SignatureConfig     `toml:"signature" json:"signature"`
	Memory        MemoryConfig        `toml:"memory" json:"memory"`
	Workload      WorkloadConfig      `toml:"workload" json:"workload"`
	Sim           SimConfig           `toml:"sim" json:"sim"`
	Status        StatusConfig        `toml:"status" json:"status"`

	// For all warnings during parsing.
	WarningMsgs []string `toml:"-" json:"-"`

	configFile string
	meta       *toml.MetaData
}

type CommitUnitConfig struct {
	Algorithm              string `toml:"algorithm" json:"algorithm"`
	HazardDetection        string `toml:"hazard-detection" json:"hazard-detection"`
	DetectConflictingCID   bool   `toml:"detect-conflicting-cid" json:"detect-conflicting-cid"`
	FailAtRevalidation     bool   `toml:"fail-at-revalidation" json:"fail-at-revalidation"`
	GenMemAccess           uint   `toml:"gen-mem-access" json:"gen-mem-access"`
	CheckReadSetVersion    bool   `toml:"check-read-set-version" json:"check-read-set-version"`
	DummyMode              bool   `toml:"dummy-mode" json:"dummy-mode"`
	CommitAckTraffic       bool   `toml:"commit-ack-traffic" json:"commit-ack-traffic"`
	InputQueueLength       int    `toml:"input-queue-length" json:"input-queue-length"`
	ReplyQueueLength       int    `toml:"reply-queue-length" json:"reply-queue-length"`
	Overclock              int    `toml:"overclock" json:"overclock"`
	WarpLevelHazardDetect  bool   `toml:"warp-level-hazard-detect" json:"warp-level-hazard-detect"`
	ParallelCoalescedInput bool   `toml:"parallel-coalesced-input" json:"parallel-coalesced-input"`
	CoalesceReply          bool   `toml:"coalesce-reply" json:"coalesce-reply"`
	CoalesceMemOp          bool   `toml:"coalesce-mem-op" json:"coalesce-mem-op"`
	// CoalesceBlockSize is the block memory ops are merged into.
	CoalesceBlockSize ByteSize `toml:"coalesce-block-size" json:"coalesce-block-size"`
	Finite            bool     `toml:"finite" json:"finite"`
	Capacity          int      `toml:"capacity" json:"capacity"`
	HistoryWindow     int      `toml:"history-window" json:"history-window"`
}

type ConflictTableConfig struct {
	Sets        int      `toml:"sets" json:"sets"`
	Ways        int      `toml:"ways" json:"ways"`
	BloomSize   uint64   `toml:"bloom-size" json:"bloom-size"`
	BloomFuncs  int      `toml:"bloom-funcs" json:"bloom-funcs"`
	Granularity ByteSize `toml:"granularity" json:"granularity"`
	// Mode is "oracle" or "hashed".
	Mode string `toml:"mode" json:"mode"`
}

type SignatureConfig struct {
	UseBloomFilter bool   `toml:"use-bloom-filter" json:"use-bloom-filter"`
	FastMatch      bool   `toml:"fast-match" json:"fast-match"`
	BloomSize      uint64 `toml:"bloom-size" json:"bloom-size"`
	BloomFuncs     int    `toml:"bloom-funcs" json:"bloom-funcs"`
	// HashSet is "toy", "gskew" or "h3".
	HashSet string `toml:"hash-set" json:"hash-set"`
}

type MemoryConfig struct {
	Latency     uint64 `toml:"latency" json:"latency"`
	Jitter      uint64 `toml:"jitter" json:"jitter"`
	QueueLength int    `toml:"queue-length" json:"queue-length"`
	Seed        int64  `toml:"seed" json:"seed"`
}

type WorkloadConfig struct {
	Cores         int      `toml:"cores" json:"cores"`
	CoresPerTPC   int      `toml:"cores-per-tpc" json:"cores-per-tpc"`
	WarpsPerCore  int      `toml:"warps-per-core" json:"warps-per-core"`
	Lanes         int      `toml:"lanes" json:"lanes"`
	Transactions  int      `toml:"transactions" json:"transactions"`
	MaxReads      int      `toml:"max-reads" json:"max-reads"`
	MaxWrites     int      `toml:"max-writes" json:"max-writes"`
	AddressSpace  ByteSize `toml:"address-space" json:"address-space"`
	Interleave    ByteSize `toml:"interleave" json:"interleave"`
	IssueInterval uint64   `toml:"issue-interval" json:"issue-interval"`
	IssueBurst    int64    `toml:"issue-burst" json:"issue-burst"`
	Coalesced     bool     `toml:"coalesced" json:"coalesced"`
	AllocRetry    uint64   `toml:"alloc-retry" json:"alloc-retry"`
	Seed          int64    `toml:"seed" json:"seed"`
}

type SimConfig struct {
	Partitions       int    `toml:"partitions" json:"partitions"`
	MaxCycles        uint64 `toml:"max-cycles" json:"max-cycles"`
	ProgressInterval uint64 `toml:"progress-interval" json:"progress-interval"`
}

type StatusConfig struct {
	// Addr is where the status server listens; empty disables it.
	Addr string `toml:"addr" json:"addr"`
	// KeepAlive keeps serving status after the simulation ends.
	KeepAlive bool `toml:"keep-alive" json:"keep-alive"`
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

// NewDefaultConfig returns the configuration of a default run.
func NewDefaultConfig() *Config {
	pc := pipeline.DefaultConfig()
	mc := memory.DefaultConfig()
	wc := workload.DefaultConfig()
	ao := accessset.DefaultOptions()
	return &Config{
		Log: log.Config{Level: getLogLevel()},
		CommitUnit: CommitUnitConfig{
			Algorithm:            pc.Algorithm.String(),
			HazardDetection:      "serialized",
			DetectConflictingCID: pc.DetectConflictingCID,
			GenMemAccess:         pc.GenMemAccess,
			CheckReadSetVersion:  true,
			CommitAckTraffic:     pc.CommitAckTraffic,
			InputQueueLength:     pc.InputQueueLength,
			ReplyQueueLength:     pc.ReplyQueueLength,
			Overclock:            pc.Overclock,
			CoalesceBlockSize:    ByteSize(pc.CoalesceBlockSize),
			Capacity:             pc.Capacity,
			HistoryWindow:        pc.HistoryWindow,
		},
		ConflictTable: ConflictTableConfig{
			Sets:        pc.Detector.Sets,
			Ways:        pc.Detector.Ways,
			BloomSize:   pc.Detector.BFSize,
			BloomFuncs:  pc.Detector.BFFuncs,
			Granularity: ByteSize(pc.Detector.Granularity),
			Mode:        "hashed",
		},
		Signature: SignatureConfig{
			FastMatch:  ao.FastMatch,
			BloomSize:  ao.BloomSize,
			BloomFuncs: ao.BloomFuncs,
			HashSet:    ao.HashSet.String(),
		},
		Memory: MemoryConfig{
			Latency:     mc.Latency,
			Jitter:      mc.Jitter,
			QueueLength: mc.QueueLength,
			Seed:        mc.Seed,
		},
		Workload: WorkloadConfig{
			Cores:         wc.Cores,
			CoresPerTPC:   wc.CoresPerTPC,
			WarpsPerCore:  wc.WarpsPerCore,
			Lanes:         wc.Lanes,
			Transactions:  wc.Transactions,
			MaxReads:      wc.MaxReads,
			MaxWrites:     wc.MaxWrites,
			AddressSpace:  ByteSize(wc.AddressSpace * wordSize),
			Interleave:    ByteSize(wc.Interleave),
			IssueInterval: wc.IssueInterval,
			IssueBurst:    wc.IssueBurst,
			AllocRetry:    wc.AllocRetry,
			Seed:          wc.Seed,
		},
		Sim: SimConfig{
			Partitions:       defaultPartitions,
			MaxCycles:        defaultMaxCycles,
			ProgressInterval: defaultProgressInterval,
		},
		Status: StatusConfig{Addr: defaultStatusAddr},
	}
}

// NewTestConfig returns a small configuration that finishes quickly.
func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.Workload.Cores = 2
	c.Workload.WarpsPerCore = 2
	c.Workload.Lanes = 8
	c.Workload.Transactions = 128
	c.Workload.AddressSpace = 1 * units.KiB
	c.Sim.Partitions = 2
	c.Sim.ProgressInterval = 0
	c.Status.Addr = ""
	return c
}

// Load decodes the toml file at path over the defaults. The result still
// needs Adjust once command line overrides are applied.
func Load(path string) (*Config, error) {
	c := NewDefaultConfig()
	c.configFile = path
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	c.meta = &meta
	return c, nil
}

// File is the path c was loaded from, if any.
func (c *Config) File() string { return c.configFile }

// BindFlags registers the command line overrides of c on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Log.Level, "log-level", "L", c.Log.Level, "log level: debug, info, warn, error, fatal")
	fs.StringVar(&c.Log.File.Filename, "log-file", c.Log.File.Filename, "log file path")
	fs.StringVar(&c.CommitUnit.Algorithm, "algorithm", c.CommitUnit.Algorithm, "pass pointer discipline: stall or nostall")
	fs.StringVar(&c.CommitUnit.HazardDetection, "hazard-detection", c.CommitUnit.HazardDetection, "serialized or delayed")
	fs.BoolVar(&c.CommitUnit.Finite, "finite", c.CommitUnit.Finite, "admit transactions through ALLOC into a bounded window")
	fs.IntVar(&c.CommitUnit.Capacity, "capacity", c.CommitUnit.Capacity, "entries of a finite commit unit")
	fs.IntVar(&c.Sim.Partitions, "partitions", c.Sim.Partitions, "number of memory partitions")
	fs.Uint64Var(&c.Sim.MaxCycles, "max-cycles", c.Sim.MaxCycles, "give up after this many cycles, 0 for no limit")
	fs.IntVar(&c.Workload.Transactions, "transactions", c.Workload.Transactions, "transactions to run")
	fs.Int64Var(&c.Workload.Seed, "seed", c.Workload.Seed, "workload seed")
	fs.BoolVar(&c.Workload.Coalesced, "coalesced", c.Workload.Coalesced, "send warp-coalesced messages")
	fs.StringVar(&c.Status.Addr, "status-addr", c.Status.Addr, "status server address, empty to disable")
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustByteSize(v *ByteSize, defValue ByteSize) {
	if *v == 0 {
		*v = defValue
	}
}

// Adjust fills unset values with defaults and validates the result.
func (c *Config) Adjust() error {
	configMetaData := newConfigMetadata(c.meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	def := NewDefaultConfig()
	adjustString(&c.Log.Level, def.Log.Level)
	adjustString(&c.CommitUnit.Algorithm, def.CommitUnit.Algorithm)
	adjustString(&c.CommitUnit.HazardDetection, def.CommitUnit.HazardDetection)
	adjustInt(&c.CommitUnit.InputQueueLength, def.CommitUnit.InputQueueLength)
	adjustInt(&c.CommitUnit.ReplyQueueLength, def.CommitUnit.ReplyQueueLength)
	adjustInt(&c.CommitUnit.Overclock, def.CommitUnit.Overclock)
	adjustByteSize(&c.CommitUnit.CoalesceBlockSize, def.CommitUnit.CoalesceBlockSize)
	adjustInt(&c.CommitUnit.Capacity, def.CommitUnit.Capacity)
	adjustInt(&c.CommitUnit.HistoryWindow, def.CommitUnit.HistoryWindow)
	adjustString(&c.ConflictTable.Mode, def.ConflictTable.Mode)
	adjustString(&c.Signature.HashSet, def.Signature.HashSet)
	adjustInt(&c.Memory.QueueLength, def.Memory.QueueLength)
	adjustInt(&c.Workload.Lanes, def.Workload.Lanes)
	adjustByteSize(&c.Workload.AddressSpace, def.Workload.AddressSpace)
	adjustByteSize(&c.Workload.Interleave, def.Workload.Interleave)
	adjustUint64(&c.Workload.IssueInterval, def.Workload.IssueInterval)
	adjustUint64(&c.Workload.AllocRetry, def.Workload.AllocRetry)
	adjustInt(&c.Sim.Partitions, def.Sim.Partitions)

	if c.CommitUnit.ParallelCoalescedInput && !c.Workload.Coalesced {
		c.Workload.Coalesced = true
		c.WarningMsgs = append(c.WarningMsgs, "parallel coalesced input forces a coalescing workload")
	}
	if configMetaData.Child("commit-unit").IsDefined("capacity") && !c.CommitUnit.Finite {
		c.WarningMsgs = append(c.WarningMsgs, "commit-unit.capacity is ignored unless commit-unit.finite is set")
	}
	if configMetaData.Child("workload").IsDefined("alloc-retry") && !c.CommitUnit.Finite {
		c.WarningMsgs = append(c.WarningMsgs, "workload.alloc-retry is ignored unless commit-unit.finite is set")
	}
	return c.Validate()
}

// Validate checks c and every configuration derived from it.
func (c *Config) Validate() error {
	sc, err := c.SimConfig()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sc.Validate())
}

func parseAlgorithm(s string) (pipeline.Algorithm, error) {
	switch strings.ToLower(s) {
	case "stall":
		return pipeline.AlgorithmStall, nil
	case "nostall":
		return pipeline.AlgorithmNoStall, nil
	}
	return 0, errors.Errorf("unknown commit algorithm %q", s)
}

func parseHazardDetection(s string) (pipeline.FCDMode, error) {
	switch strings.ToLower(s) {
	case "serialized":
		return pipeline.FCDSerialized, nil
	case "delayed":
		return pipeline.FCDDelayed, nil
	}
	return 0, errors.Errorf("unknown hazard detection mode %q", s)
}

func parseDetectorMode(s string) (conflict.Mode, error) {
	switch strings.ToLower(s) {
	case "oracle":
		return conflict.ModeOracle, nil
	case "hashed":
		return conflict.ModeHashed, nil
	}
	return 0, errors.Errorf("unknown conflict table mode %q", s)
}

func parseHashSet(s string) (signature.HashSet, error) {
	for _, h := range []signature.HashSet{signature.HashSetToy, signature.HashSetGSkew, signature.HashSetH3} {
		if strings.EqualFold(s, h.String()) {
			return h, nil
		}
	}
	return 0, errors.Errorf("unknown hash set %q", s)
}

// SimConfig converts c into the configuration the simulator runs with.
func (c *Config) SimConfig() (sim.Config, error) {
	var sc sim.Config
	alg, err := parseAlgorithm(c.CommitUnit.Algorithm)
	if err != nil {
		return sc, err
	}
	fcd, err := parseHazardDetection(c.CommitUnit.HazardDetection)
	if err != nil {
		return sc, err
	}
	mode, err := parseDetectorMode(c.ConflictTable.Mode)
	if err != nil {
		return sc, err
	}
	hs, err := parseHashSet(c.Signature.HashSet)
	if err != nil {
		return sc, err
	}
	if c.Workload.AddressSpace < wordSize {
		return sc, errors.Errorf("address space %s holds no word", units.BytesSize(float64(c.Workload.AddressSpace)))
	}

	cu := c.CommitUnit
	sc.Partitions = c.Sim.Partitions
	sc.MaxCycles = c.Sim.MaxCycles
	sc.ProgressInterval = c.Sim.ProgressInterval
	sc.Pipeline = pipeline.Config{
		Algorithm: alg,
		FCDMode:   fcd,
		Detector: conflict.Config{
			Sets:        c.ConflictTable.Sets,
			Ways:        c.ConflictTable.Ways,
			BFSize:      c.ConflictTable.BloomSize,
			BFFuncs:     c.ConflictTable.BloomFuncs,
			Granularity: uint64(c.ConflictTable.Granularity),
			Mode:        mode,
		},
		AccessSet: accessset.Options{
			UseBloomFilter: c.Signature.UseBloomFilter,
			FastMatch:      c.Signature.FastMatch,
			BloomSize:      c.Signature.BloomSize,
			BloomFuncs:     c.Signature.BloomFuncs,
			HashSet:        hs,
		},
		DetectConflictingCID:   cu.DetectConflictingCID,
		FailAtRevalidation:     cu.FailAtRevalidation,
		GenMemAccess:           cu.GenMemAccess,
		CheckReadSetVersion:    cu.CheckReadSetVersion,
		DummyMode:              cu.DummyMode,
		CommitAckTraffic:       cu.CommitAckTraffic,
		InputQueueLength:       cu.InputQueueLength,
		ReplyQueueLength:       cu.ReplyQueueLength,
		Overclock:              cu.Overclock,
		WarpLevelHazardDetect:  cu.WarpLevelHazardDetect,
		ParallelCoalescedInput: cu.ParallelCoalescedInput,
		CoalesceReply:          cu.CoalesceReply,
		CoalesceMemOp:          cu.CoalesceMemOp,
		CoalesceBlockSize:      uint64(cu.CoalesceBlockSize),
		Finite:                 cu.Finite,
		Capacity:               cu.Capacity,
		HistoryWindow:          cu.HistoryWindow,
	}
	sc.Memory = memory.Config{
		Latency:     c.Memory.Latency,
		Jitter:      c.Memory.Jitter,
		QueueLength: c.Memory.QueueLength,
		Seed:        c.Memory.Seed,
	}
	w := c.Workload
	sc.Workload = workload.Config{
		Cores:         w.Cores,
		CoresPerTPC:   w.CoresPerTPC,
		WarpsPerCore:  w.WarpsPerCore,
		Lanes:         w.Lanes,
		Transactions:  w.Transactions,
		MaxReads:      w.MaxReads,
		MaxWrites:     w.MaxWrites,
		AddressSpace:  uint64(w.AddressSpace) / wordSize,
		Interleave:    uint64(w.Interleave),
		IssueInterval: w.IssueInterval,
		IssueBurst:    w.IssueBurst,
		Coalesced:     w.Coalesced,
		Finite:        cu.Finite,
		AllocRetry:    w.AllocRetry,
		CommitAcks:    cu.CommitAckTraffic && !cu.DummyMode,
		Seed:          w.Seed,
	}
	return sc, nil
}

// SetupLogger initializes the global logger from c.Log.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}
