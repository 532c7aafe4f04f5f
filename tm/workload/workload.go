package workload

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const wordSize = 4

// VersionReader exposes the committed version of a word, the value a
// transaction observes when it reads.
type VersionReader interface {
	Version(addr uint64) int
}

type Config struct {
	Cores        int
	CoresPerTPC  int
	WarpsPerCore int
	// Lanes is the number of transactions a warp commits together.
	Lanes        int
	Transactions int
	MaxReads     int
	MaxWrites    int
	// AddressSpace is the number of distinct words transactions touch.
	AddressSpace uint64
	// Interleave is the number of bytes mapped to a partition at a time.
	Interleave uint64
	// IssueInterval is the number of cycles between warp batch starts on a
	// core, with up to IssueBurst starts banked.
	IssueInterval uint64
	IssueBurst    int64
	Coalesced     bool
	Finite        bool
	AllocRetry    uint64
	// CommitAcks makes a committed transaction wait for DONE_COMMIT from
	// every partition it wrote.
	CommitAcks bool
	Seed       int64
}

func DefaultConfig() Config {
	return Config{
		Cores:         4,
		CoresPerTPC:   2,
		WarpsPerCore:  4,
		Lanes:         pipeline.WarpSize,
		Transactions:  4096,
		MaxReads:      4,
		MaxWrites:     2,
		AddressSpace:  1 << 14,
		Interleave:    256,
		IssueInterval: 4,
		IssueBurst:    4,
		AllocRetry:    16,
		CommitAcks:    true,
		Seed:          1,
	}
}

func (c *Config) Validate() error {
	if c.Cores <= 0 || c.CoresPerTPC <= 0 || c.WarpsPerCore <= 0 {
		return errors.New("cores, cores per cluster and warps per core must be positive")
	}
	if c.Lanes <= 0 || c.Lanes > pipeline.WarpSize {
		return errors.Errorf("lanes must be in [1, %d], got %d", pipeline.WarpSize, c.Lanes)
	}
	if c.Transactions < 0 {
		return errors.Errorf("transaction count must not be negative, got %d", c.Transactions)
	}
	if c.MaxReads <= 0 || c.MaxWrites < 0 {
		return errors.Errorf("need at least one read and no negative writes, got %d/%d", c.MaxReads, c.MaxWrites)
	}
	if c.AddressSpace == 0 {
		return errors.New("address space must not be empty")
	}
	if c.Interleave < wordSize || c.Interleave&(c.Interleave-1) != 0 {
		return errors.Errorf("interleave must be a power of two of at least %d, got %d", wordSize, c.Interleave)
	}
	if c.IssueInterval == 0 || c.IssueBurst <= 0 {
		return errors.New("issue interval and burst must be positive")
	}
	if c.Finite && c.AllocRetry == 0 {
		return errors.New("finite allocation needs a positive retry interval")
	}
	return nil
}

type Stats struct {
	Issued       int
	Committed    int
	Aborted      int
	AllocRetries int
	Messages     map[pipeline.MessageType]int
	// Latencies holds the cycles from batch start to completion of every
	// finished transaction.
	Latencies []float64
}

type phase int

const (
	phaseAlloc phase = iota
	phaseVote
	phaseDecided
	phaseCommit
	phaseDone
)

type access struct {
	addr    uint64
	part    int
	version int
}

type txn struct {
	cid    int
	origin pipeline.Origin
	warp   *warp
	phase  phase
	reads  []access
	writes []access

	touched    []bool
	wrote      []bool
	allocWait  []bool
	allocRetry []uint64
	allocs     int
	votes      int
	passed     []bool
	failed     bool
	acks       int
}

type warp struct {
	origin  pipeline.Origin
	batch   []*txn
	start   uint64
	busy    bool
	pending int
}

// cycleClock lets the token bucket run on simulated cycles; one cycle is one
// nanosecond.
type cycleClock struct {
	now uint64
}

func (c *cycleClock) Now() time.Time { return time.Unix(0, int64(c.now)) }

func (c *cycleClock) Sleep(time.Duration) {}

// Workload plays the transaction-execution side: warps start batches of
// transactions, send their read and write sets to the partitions, collect
// the votes and finish each transaction with TX_PASS or TX_FAIL.
type Workload struct {
	cfg   Config
	mems  []VersionReader
	rnd   *rand.Rand
	clock *cycleClock
	// One issue bucket per core.
	buckets []*ratelimit.Bucket

	warps   []*warp
	byCID   map[int]*txn
	nextCID int
	now     uint64
	outbox  [][]*pipeline.Message
	stats   Stats
}

// New builds a workload over one VersionReader per partition.
func New(cfg Config, mems []VersionReader) (*Workload, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(mems) == 0 {
		return nil, errors.New("workload needs at least one partition")
	}
	clock := &cycleClock{}
	w := &Workload{
		cfg:     cfg,
		mems:    mems,
		rnd:     rand.New(rand.NewSource(cfg.Seed)),
		clock:   clock,
		byCID:   make(map[int]*txn),
		nextCID: 1,
		outbox:  make([][]*pipeline.Message, len(mems)),
		stats:   Stats{Messages: make(map[pipeline.MessageType]int)},
	}
	for core := 0; core < cfg.Cores; core++ {
		w.buckets = append(w.buckets, ratelimit.NewBucketWithClock(time.Duration(cfg.IssueInterval), cfg.IssueBurst, clock))
		for id := 0; id < cfg.WarpsPerCore; id++ {
			w.warps = append(w.warps, &warp{origin: pipeline.Origin{Core: core, TPC: core / cfg.CoresPerTPC, Warp: id}})
		}
	}
	return w, nil
}

// Partition maps addr to the partition that owns it.
func (w *Workload) Partition(addr uint64) int {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], addr/w.cfg.Interleave)
	return int(farm.Hash64(b[:]) % uint64(len(w.mems)))
}

// Tick starts new warp batches as the issue rate allows and resends
// allocation requests that are due.
func (w *Workload) Tick(now uint64) {
	w.now = now
	w.clock.now = now
	for _, wp := range w.warps {
		if wp.busy {
			w.retryAllocs(wp)
			continue
		}
		if w.stats.Issued >= w.cfg.Transactions {
			continue
		}
		if w.buckets[wp.origin.Core].TakeAvailable(1) == 0 {
			continue
		}
		w.startBatch(wp)
	}
}

func (w *Workload) startBatch(wp *warp) {
	n := w.cfg.Lanes
	if left := w.cfg.Transactions - w.stats.Issued; left < n {
		n = left
	}
	wp.batch = wp.batch[:0]
	wp.busy = true
	wp.start = w.now
	wp.pending = n
	for lane := 0; lane < n; lane++ {
		t := w.newTxn(wp)
		wp.batch = append(wp.batch, t)
		w.byCID[t.cid] = t
	}
	w.stats.Issued += n
	log.Debug("warp batch started", zap.Int("core", wp.origin.Core), zap.Int("warp", wp.origin.Warp),
		zap.Int("first-commit-id", wp.batch[0].cid), zap.Int("lanes", n))

	if !w.cfg.Finite {
		w.sendBatch(wp)
		return
	}
	for _, t := range wp.batch {
		for p := range w.mems {
			t.allocWait[p] = true
			t.allocs++
			w.send(p, &pipeline.Message{Type: pipeline.MsgAlloc, CommitID: t.cid, Origin: t.origin})
		}
	}
}

func (w *Workload) newTxn(wp *warp) *txn {
	parts := len(w.mems)
	t := &txn{
		cid:        w.nextCID,
		origin:     wp.origin,
		warp:       wp,
		touched:    make([]bool, parts),
		wrote:      make([]bool, parts),
		allocWait:  make([]bool, parts),
		allocRetry: make([]uint64, parts),
		passed:     make([]bool, parts),
	}
	w.nextCID++
	for i := 1 + w.rnd.Intn(w.cfg.MaxReads); i > 0; i-- {
		a := w.access()
		t.reads = append(t.reads, a)
		t.touched[a.part] = true
	}
	for i := w.rnd.Intn(w.cfg.MaxWrites + 1); i > 0; i-- {
		a := w.access()
		t.writes = append(t.writes, a)
		t.touched[a.part] = true
		t.wrote[a.part] = true
	}
	return t
}

func (w *Workload) access() access {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(w.rnd.Int63n(int64(w.cfg.AddressSpace))))
	addr := farm.Fingerprint64(b[:]) % w.cfg.AddressSpace * wordSize
	p := w.Partition(addr)
	return access{addr: addr, part: p, version: w.mems[p].Version(addr)}
}

func (w *Workload) send(p int, m *pipeline.Message) {
	w.outbox[p] = append(w.outbox[p], m)
	w.stats.Messages[m.Type]++
}

func (w *Workload) retryAllocs(wp *warp) {
	if !w.cfg.Finite {
		return
	}
	for _, t := range wp.batch {
		if t.phase != phaseAlloc {
			continue
		}
		for p, due := range t.allocRetry {
			if due != 0 && due <= w.now {
				t.allocRetry[p] = 0
				w.send(p, &pipeline.Message{Type: pipeline.MsgAlloc, CommitID: t.cid, Origin: t.origin})
			}
		}
	}
}

// sendBatch sends the read sets, write sets and fill markers of every lane
// of the batch to every partition. Partitions a lane does not touch get a
// SKIP so that every partition sees every commit id.
func (w *Workload) sendBatch(wp *warp) {
	for _, t := range wp.batch {
		t.phase = phaseVote
		for p := range w.mems {
			if t.touched[p] {
				t.votes++
			}
		}
	}
	for p := range w.mems {
		if w.cfg.Coalesced {
			w.sendCoalesced(p, wp)
			continue
		}
		for _, t := range wp.batch {
			for _, m := range w.laneMessages(p, t) {
				w.send(p, m)
			}
		}
	}
}

func (w *Workload) laneMessages(p int, t *txn) []*pipeline.Message {
	if !t.touched[p] {
		return []*pipeline.Message{{Type: pipeline.MsgSkip, CommitID: t.cid, Origin: t.origin}}
	}
	var msgs []*pipeline.Message
	for _, a := range t.reads {
		if a.part == p {
			msgs = append(msgs, &pipeline.Message{Type: pipeline.MsgReadSet, CommitID: t.cid, Addr: a.addr, Version: a.version, Origin: t.origin})
		}
	}
	for _, a := range t.writes {
		if a.part == p {
			msgs = append(msgs, &pipeline.Message{Type: pipeline.MsgWriteSet, CommitID: t.cid, Addr: a.addr, Origin: t.origin})
		}
	}
	return append(msgs, &pipeline.Message{Type: pipeline.MsgDoneFill, CommitID: t.cid, Origin: t.origin})
}

func (w *Workload) sendCoalesced(p int, wp *warp) {
	rs := &pipeline.Message{Type: pipeline.MsgReadSet, Origin: wp.origin}
	ws := &pipeline.Message{Type: pipeline.MsgWriteSet, Origin: wp.origin}
	fill := &pipeline.Message{Type: pipeline.MsgDoneFill, Origin: wp.origin}
	for _, t := range wp.batch {
		for _, m := range w.laneMessages(p, t) {
			switch m.Type {
			case pipeline.MsgReadSet:
				rs.Coalesced = append(rs.Coalesced, m)
			case pipeline.MsgWriteSet:
				ws.Coalesced = append(ws.Coalesced, m)
			default:
				fill.Coalesced = append(fill.Coalesced, m)
			}
		}
	}
	for _, m := range []*pipeline.Message{rs, ws, fill} {
		if len(m.Coalesced) > 0 {
			w.send(p, m)
		}
	}
}

// Flush pushes the queued messages of partition p in order until push
// reports the input queue full.
func (w *Workload) Flush(p int, push func(*pipeline.Message) error) error {
	q := w.outbox[p]
	for len(q) > 0 {
		if err := push(q[0]); err != nil {
			if errors.Cause(err) == pipeline.ErrInputFull {
				break
			}
			return errors.Trace(err)
		}
		q[0] = nil
		q = q[1:]
	}
	w.outbox[p] = q
	return nil
}

// Queued is the number of messages waiting for partition p.
func (w *Workload) Queued(p int) int { return len(w.outbox[p]) }

// Deliver handles a reply from a partition.
func (w *Workload) Deliver(r *pipeline.Reply) {
	for _, s := range r.Flatten() {
		t, ok := w.byCID[s.CommitID]
		if !ok {
			log.Panic("reply for an unknown transaction", zap.Int("commit-id", s.CommitID), zap.Stringer("type", s.Type))
		}
		switch s.Type {
		case pipeline.ReplyAllocPass:
			w.allocPass(t, s.Partition)
		case pipeline.ReplyAllocFail:
			t.allocRetry[s.Partition] = w.now + w.cfg.AllocRetry
			w.stats.AllocRetries++
		case pipeline.ReplyPass, pipeline.ReplyFail:
			w.vote(t, s.Partition, s.Type == pipeline.ReplyPass)
		case pipeline.ReplyDoneCommit:
			if t.phase != phaseCommit {
				log.Panic("commit ack for a transaction not committing", zap.Int("commit-id", t.cid))
			}
			t.acks--
			if t.acks == 0 {
				w.done(t)
			}
		}
	}
}

func (w *Workload) allocPass(t *txn, p int) {
	if !t.allocWait[p] {
		log.Panic("duplicate allocation reply", zap.Int("commit-id", t.cid), zap.Int("partition", p))
	}
	t.allocWait[p] = false
	t.allocs--
	if t.allocs > 0 {
		return
	}
	for _, l := range t.warp.batch {
		if l.allocs > 0 {
			return
		}
	}
	w.sendBatch(t.warp)
}

func (w *Workload) vote(t *txn, p int, pass bool) {
	if t.phase != phaseVote || !t.touched[p] {
		log.Panic("unexpected vote", zap.Int("commit-id", t.cid), zap.Int("partition", p))
	}
	t.votes--
	t.passed[p] = pass
	t.failed = t.failed || !pass
	if t.votes > 0 {
		return
	}
	t.phase = phaseDecided
	if !w.cfg.Coalesced {
		for p := range w.mems {
			if m := w.outcome(p, t); m != nil {
				w.send(p, m)
			}
		}
		w.afterOutcome(t)
		return
	}
	for _, l := range t.warp.batch {
		if l.phase == phaseVote {
			return
		}
	}
	// Every lane has decided: one outcome message per partition.
	var decided []*txn
	for _, l := range t.warp.batch {
		if l.phase == phaseDecided {
			decided = append(decided, l)
		}
	}
	for p := range w.mems {
		tx := &pipeline.Message{Type: pipeline.MsgTxPass, Origin: t.warp.origin}
		for _, l := range decided {
			if m := w.outcome(p, l); m != nil {
				tx.Coalesced = append(tx.Coalesced, m)
			}
		}
		if len(tx.Coalesced) > 0 {
			w.send(p, tx)
		}
	}
	for _, l := range decided {
		w.afterOutcome(l)
	}
}

// outcome is the TX_PASS or TX_FAIL partition p needs for t, if any.
func (w *Workload) outcome(p int, t *txn) *pipeline.Message {
	switch {
	case !t.failed && t.touched[p]:
		return &pipeline.Message{Type: pipeline.MsgTxPass, CommitID: t.cid, Origin: t.origin}
	case t.failed && t.passed[p]:
		return &pipeline.Message{Type: pipeline.MsgTxFail, CommitID: t.cid, Origin: t.origin}
	}
	return nil
}

func (w *Workload) afterOutcome(t *txn) {
	if t.failed {
		w.done(t)
		return
	}
	t.phase = phaseCommit
	if w.cfg.CommitAcks {
		for _, wrote := range t.wrote {
			if wrote {
				t.acks++
			}
		}
	}
	if t.acks == 0 {
		w.done(t)
	}
}

func (w *Workload) done(t *txn) {
	if t.failed {
		w.stats.Aborted++
	} else {
		w.stats.Committed++
	}
	t.phase = phaseDone
	delete(w.byCID, t.cid)
	wp := t.warp
	w.stats.Latencies = append(w.stats.Latencies, float64(w.now-wp.start))
	wp.pending--
	if wp.pending == 0 {
		wp.busy = false
	}
}

// Done reports whether every transaction has been issued and finished.
func (w *Workload) Done() bool {
	if w.stats.Issued < w.cfg.Transactions {
		return false
	}
	for _, wp := range w.warps {
		if wp.busy {
			return false
		}
	}
	for p := range w.outbox {
		if len(w.outbox[p]) > 0 {
			return false
		}
	}
	return true
}

// LastCommitID is the largest commit id handed out so far.
func (w *Workload) LastCommitID() int { return w.nextCID - 1 }

func (w *Workload) Stats() Stats { return w.stats }
