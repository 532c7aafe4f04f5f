package pipeline

import (
	"fmt"
	"strings"

	"github.com/pingcap-incubator/tinycommit/tm/accessset"
	"github.com/pingcap-incubator/tinycommit/tm/conflict"
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Pipeline is the commit unit of one memory partition. It orders the
// validation, commit and retirement of transactions by commit id, driven one
// cycle at a time. A Pipeline is not safe for concurrent use.
type Pipeline struct {
	cfg      Config
	reg      *signature.Registry
	mem      Memory
	detector *conflict.Detector
	entries  *entryTable
	warps    map[warpKey]*WarpEntry
	reval    *revalidationTable
	// memVersion is the id of the last commit write applied per address.
	memVersion map[uint64]int

	retire int
	commit int
	pass   int
	fcd    int

	input       []*Message
	inputCursor int
	responses   []*Reply
	replies     chan *Reply

	validationCoalescing memOpQueue
	commitCoalescing     memOpQueue
	validationQueue      memOpQueue
	commitQueue          memOpQueue

	active int
	haveRS int
	haveWS int
	needRS int
	needWS int

	now     uint64
	stats   Stats
	metrics *pipelineMetrics
}

// New builds a pipeline. mem may be nil when cfg.GenMemAccess is zero.
func New(cfg Config, reg *signature.Registry, mem Memory) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if mem == nil && cfg.GenMemAccess != 0 {
		return nil, errors.New("memory access enabled without a memory")
	}
	p := &Pipeline{
		cfg:        cfg,
		reg:        reg,
		mem:        mem,
		entries:    newEntryTable(cfg.Finite, cfg.Capacity),
		warps:      make(map[warpKey]*WarpEntry),
		reval:      newRevalidationTable(),
		memVersion: make(map[uint64]int),
		replies:    make(chan *Reply, cfg.ReplyQueueLength),
		metrics:    newPipelineMetrics(cfg.Partition),
	}
	p.cfg.AccessSet.Stats = &p.stats.AccessSet
	if _, err := signature.NewBloomFilter(reg, p.cfg.AccessSet.HashSet, p.cfg.AccessSet.BloomSize,
		signature.FuncIDs(p.cfg.AccessSet.BloomFuncs), signature.KindBit); err != nil {
		return nil, errors.Annotate(err, "access set signature")
	}
	if cfg.FCDMode == FCDDelayed {
		d, err := conflict.NewDetector(reg, cfg.Detector)
		if err != nil {
			return nil, errors.Trace(err)
		}
		p.detector = d
	}

	// Id 0 is reserved and starts retired so that the first cycle moves
	// every pointer to 1.
	e := p.newEntry(0)
	e.skip = true
	e.setState(StateRetired, 0)
	p.entries.push(e)
	p.Cycle(0)

	log.Info("commit unit started", zap.Int("partition", cfg.Partition), zap.Stringer("algorithm", cfg.Algorithm),
		zap.Int("fcd-mode", int(cfg.FCDMode)), zap.Bool("finite", cfg.Finite))
	return p, nil
}

func (p *Pipeline) newEntry(id int) *Entry {
	return newEntry(id, accessset.New(p.reg, p.cfg.AccessSet), accessset.New(p.reg, p.cfg.AccessSet), p.now)
}

// Push queues an input message. It returns ErrInputFull when the input
// queue is at capacity.
func (p *Pipeline) Push(m *Message) error {
	if p.Full() {
		return ErrInputFull
	}
	p.input = append(p.input, m)
	return nil
}

// Replies delivers responses in the order they were produced. The channel
// is bounded; while it is full responses wait inside the pipeline.
func (p *Pipeline) Replies() <-chan *Reply {
	return p.replies
}

// Full reports whether Push would be refused.
func (p *Pipeline) Full() bool {
	return len(p.input) >= p.cfg.InputQueueLength
}

// Busy reports whether any transaction is not yet retired or input is
// pending.
func (p *Pipeline) Busy() bool {
	return p.retire <= p.entries.head || len(p.input) > 0
}

func (p *Pipeline) Partition() int { return p.cfg.Partition }

func (p *Pipeline) Config() Config { return p.cfg }

func (p *Pipeline) Head() int { return p.entries.head }

func (p *Pipeline) Retire() int { return p.retire }

func (p *Pipeline) Commit() int { return p.commit }

func (p *Pipeline) Pass() int { return p.pass }

// FCD returns the hazard detection pointer. Serialized detection has none
// and reports the pass pointer.
func (p *Pipeline) FCD() int {
	if p.cfg.FCDMode == FCDSerialized {
		return p.pass
	}
	return p.fcd
}

// Entry returns the entry for id. Ids outside the held window are fatal.
func (p *Pipeline) Entry(id int) *Entry {
	return p.entries.get(id)
}

// Warp returns the warp entry of (core, warp), creating it if needed.
func (p *Pipeline) Warp(core, warp int) *WarpEntry {
	k := warpKey{core: core, warp: warp}
	w, ok := p.warps[k]
	if !ok {
		w = newWarpEntry()
		p.warps[k] = w
	}
	return w
}

func (p *Pipeline) warpOf(e *Entry) *WarpEntry {
	return p.Warp(e.origin.Core, e.origin.Warp)
}

// ActiveEntries returns the active entry counters: active, with a read set,
// with a write set, still needing the read set, still needing the write set.
func (p *Pipeline) ActiveEntries() (active, haveRS, haveWS, needRS, needWS int) {
	return p.active, p.haveRS, p.haveWS, p.needRS, p.needWS
}

// MemVersion returns the id of the last commit write to addr, or -1.
func (p *Pipeline) MemVersion(addr uint64) int {
	if v, ok := p.memVersion[addr]; ok {
		return v
	}
	return signature.NoVersion
}

func (p *Pipeline) Stats() Stats {
	st := p.stats
	if p.detector != nil {
		st.Detector = p.detector.Stats()
	}
	return st
}

// Cycle advances the pipeline by one cycle at time now.
func (p *Pipeline) Cycle(now uint64) {
	p.now = now

	p.sendResponse()
	p.drain(&p.commitQueue, GenCommitWrite)
	p.drain(&p.validationQueue, GenValidate)

	if p.cfg.Algorithm == AlgorithmNoStall {
		p.advanceFCDOverclocked()
		p.advancePassNoStall()
		p.advanceCommit(true)
		p.advanceRetire(true)
	} else {
		p.advanceFCDOverclocked()
		p.advancePass()
		p.advanceCommit(false)
		p.advanceRetire(false)
	}

	p.sample()
	p.checkInvariants()

	p.processNextInput()

	if now%scrubInterval == 0 && !p.cfg.Finite {
		if n := p.entries.scrub(p.retire - p.cfg.HistoryWindow); n > 0 {
			log.Debug("scrubbed retired entries", zap.Int("partition", p.cfg.Partition), zap.Int("count", n))
		}
	}
}

func (p *Pipeline) sendResponse() {
	if len(p.responses) == 0 {
		return
	}
	select {
	case p.replies <- p.responses[0]:
		p.responses[0] = nil
		p.responses = p.responses[1:]
		p.stats.RepliesSent++
	default:
	}
}

// drain hands the oldest op of q to memory, or completes it in place when
// memory traffic of its kind is disabled.
func (p *Pipeline) drain(q *memOpQueue, bit uint) {
	if q.len() == 0 {
		return
	}
	op := q.front()
	if p.cfg.GenMemAccess&bit != 0 {
		if !p.mem.Send(op) {
			p.stats.MemRetries++
			return
		}
	} else {
		for _, s := range op.Scalars() {
			s.Valid = true
			p.memReply(s)
		}
	}
	if op.Kind == MemValidate {
		p.stats.Validations++
	} else {
		p.stats.CommitWrites++
	}
	q.pop()
}

// MemReply completes an op returned by memory.
func (p *Pipeline) MemReply(op *MemOp) {
	for _, s := range op.Scalars() {
		p.memReply(s)
	}
}

func (p *Pipeline) memReply(op *MemOp) {
	if len(op.Coalesced) > 0 {
		log.Panic("scalar reply expected", zap.Int("commit-id", op.CommitID), zap.Uint64("addr", op.Addr))
	}
	switch op.Kind {
	case MemValidate:
		p.validationReply(op)
	case MemCommitWrite:
		p.commitReply(op)
	}
	lat := p.now - op.Issue
	p.stats.addLatency(op.Kind, lat)
	p.metrics.latency[op.Kind].Observe(float64(lat))
}

func (p *Pipeline) sample() {
	head := p.entries.head
	if p.retire <= head {
		p.stats.DistanceRetireHead.Add(uint64(head - p.retire))
	} else {
		p.stats.DistanceRetireHead.Add(0)
	}
	if p.cfg.FCDMode == FCDDelayed && p.pass <= head {
		p.stats.DistanceFCDPass.Add(uint64(p.fcd - p.pass))
		p.stats.ConflictTableSize.Add(uint64(p.detector.Size()))
	}
	p.stats.ActiveEntries.Add(uint64(p.active))
	p.stats.InputQueueSize.Add(uint64(len(p.input)))
	p.stats.ResponseQueueSize.Add(uint64(len(p.responses)))
	p.stats.ValidationQueueSize.Add(uint64(p.validationQueue.len()))
	p.stats.CommitQueueSize.Add(uint64(p.commitQueue.len()))
	p.metrics.active.Set(float64(p.active))
}

func (p *Pipeline) checkInvariants() {
	fcd := p.FCD()
	if !(p.retire <= p.commit && p.commit <= p.pass && p.pass <= fcd && fcd <= p.entries.head+1) {
		log.Panic("commit pointers out of order", zap.Int("partition", p.cfg.Partition),
			zap.Int("retire", p.retire), zap.Int("commit", p.commit), zap.Int("pass", p.pass),
			zap.Int("fcd", fcd), zap.Int("head", p.entries.head))
	}
	if p.haveRS > p.active || p.haveWS > p.active || p.needRS > p.haveRS || p.needWS > p.haveWS ||
		p.active < 0 || p.needRS < 0 || p.needWS < 0 {
		log.Panic("active entry counters inconsistent", zap.Int("partition", p.cfg.Partition),
			zap.Int("active", p.active), zap.Int("have-rs", p.haveRS), zap.Int("have-ws", p.haveWS),
			zap.Int("need-rs", p.needRS), zap.Int("need-ws", p.needWS))
	}
}

func (p *Pipeline) processNextInput() {
	if len(p.input) == 0 {
		return
	}
	m := p.input[0]
	switch {
	case len(m.Coalesced) == 0:
		p.processInput(m)
		p.validationCoalescing.transferTo(&p.validationQueue)
		p.popInput()
	case p.cfg.ParallelCoalescedInput:
		p.processCoalescedParallel(m)
		p.popInput()
	default:
		// One lane per cycle.
		p.processInput(m.Coalesced[p.inputCursor])
		p.inputCursor++
		if p.inputCursor == len(m.Coalesced) {
			p.popInput()
		}
		p.validationCoalescing.transferTo(&p.validationQueue)
	}
	p.stats.InputProcessed++
}

func (p *Pipeline) popInput() {
	p.input[0] = nil
	p.input = p.input[1:]
	p.inputCursor = 0
}

// Dump describes the pointers and every entry from retire to head.
func (p *Pipeline) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partition=%d retire=%d commit=%d pass=%d fcd=%d head=%d input=%d responses=%d\n",
		p.cfg.Partition, p.retire, p.commit, p.pass, p.FCD(), p.entries.head, len(p.input), len(p.responses))
	for id := p.retire; id <= p.entries.head; id++ {
		b.WriteString(p.entries.get(id).String())
		b.WriteByte('\n')
	}
	return b.String()
}
