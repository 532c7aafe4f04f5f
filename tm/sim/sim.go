package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinycommit/tm/memory"
	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap-incubator/tinycommit/tm/util/worker"
	"github.com/pingcap-incubator/tinycommit/tm/workload"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrNotFinished is returned by Run when the workload is still in flight
// after MaxCycles.
var ErrNotFinished = errors.New("simulation did not finish")

type Config struct {
	Partitions int
	Pipeline   pipeline.Config
	Memory     memory.Config
	Workload   workload.Config
	// MaxCycles bounds a run; zero means no bound.
	MaxCycles uint64
	// ProgressInterval is the number of cycles between progress logs; zero
	// disables them.
	ProgressInterval uint64
}

func DefaultConfig() Config {
	return Config{
		Partitions:       4,
		Pipeline:         pipeline.DefaultConfig(),
		Memory:           memory.DefaultConfig(),
		Workload:         workload.DefaultConfig(),
		MaxCycles:        10000000,
		ProgressInterval: 100000,
	}
}

func (c *Config) Validate() error {
	if c.Partitions <= 0 {
		return errors.Errorf("need at least one partition, got %d", c.Partitions)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return errors.Annotate(err, "commit unit")
	}
	if err := c.Memory.Validate(); err != nil {
		return errors.Annotate(err, "memory")
	}
	if err := c.Workload.Validate(); err != nil {
		return errors.Annotate(err, "workload")
	}
	if c.Pipeline.ParallelCoalescedInput && !c.Workload.Coalesced {
		return errors.New("parallel coalesced input needs a coalescing workload")
	}
	if c.Pipeline.Finite && c.Pipeline.Capacity < c.Workload.Lanes {
		return errors.Errorf("capacity %d cannot hold a warp of %d lanes", c.Pipeline.Capacity, c.Workload.Lanes)
	}
	return nil
}

// PartitionStatus is a snapshot of the pointers of one commit unit.
type PartitionStatus struct {
	ID       int   `json:"id"`
	Head     int64 `json:"head"`
	Retire   int64 `json:"retire"`
	Commit   int64 `json:"commit"`
	Pass     int64 `json:"pass"`
	FCD      int64 `json:"fcd"`
	InFlight int64 `json:"mem-in-flight"`
}

// Status is a snapshot of a running simulation, safe to take from any
// goroutine.
type Status struct {
	Running    bool              `json:"running"`
	Cycle      uint64            `json:"cycle"`
	Issued     int64             `json:"issued"`
	Committed  int64             `json:"committed"`
	Aborted    int64             `json:"aborted"`
	Partitions []PartitionStatus `json:"partitions"`
}

type cycleTask struct {
	now  uint64
	done *sync.WaitGroup
}

// unit is one memory partition and its commit pipeline, stepped by its own
// worker.
type unit struct {
	id      int
	pipe    *pipeline.Pipeline
	mem     *memory.Partition
	replies []*pipeline.Reply

	head, retire, commit, pass, fcd, inFlight atomic.Int64
}

func (u *unit) Handle(t worker.Task) {
	task := t.(cycleTask)
	defer task.done.Done()
	for _, op := range u.mem.Tick(task.now) {
		u.pipe.MemReply(op)
	}
	u.pipe.Cycle(task.now)
	for drained := false; !drained; {
		select {
		case r := <-u.pipe.Replies():
			u.replies = append(u.replies, r)
		default:
			drained = true
		}
	}
	u.head.Store(int64(u.pipe.Head()))
	u.retire.Store(int64(u.pipe.Retire()))
	u.commit.Store(int64(u.pipe.Commit()))
	u.pass.Store(int64(u.pipe.Pass()))
	u.fcd.Store(int64(u.pipe.FCD()))
	u.inFlight.Store(int64(u.mem.InFlight()))
}

func (u *unit) status() PartitionStatus {
	return PartitionStatus{
		ID:       u.id,
		Head:     u.head.Load(),
		Retire:   u.retire.Load(),
		Commit:   u.commit.Load(),
		Pass:     u.pass.Load(),
		FCD:      u.fcd.Load(),
		InFlight: u.inFlight.Load(),
	}
}

// Sim runs a workload against a set of commit units, one goroutine per
// partition, in lock step.
type Sim struct {
	cfg   Config
	units []*unit
	load  *workload.Workload

	workers []*worker.Worker
	wg      sync.WaitGroup
	now     uint64

	running   atomic.Bool
	cycle     atomic.Uint64
	issued    atomic.Int64
	committed atomic.Int64
	aborted   atomic.Int64
}

func New(cfg Config) (*Sim, error) {
	cfg.Workload.Finite = cfg.Pipeline.Finite
	cfg.Workload.CommitAcks = cfg.Pipeline.CommitAckTraffic && !cfg.Pipeline.DummyMode
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Sim{cfg: cfg}
	reg := signature.NewRegistry()
	readers := make([]workload.VersionReader, 0, cfg.Partitions)
	for i := 0; i < cfg.Partitions; i++ {
		mem, err := memory.New(i, cfg.Memory)
		if err != nil {
			return nil, errors.Trace(err)
		}
		pcfg := cfg.Pipeline
		pcfg.Partition = i
		pipe, err := pipeline.New(pcfg, reg, mem)
		if err != nil {
			return nil, errors.Annotatef(err, "partition %d", i)
		}
		s.units = append(s.units, &unit{id: i, pipe: pipe, mem: mem})
		readers = append(readers, mem)
	}
	load, err := workload.New(cfg.Workload, readers)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.load = load
	return s, nil
}

func (s *Sim) start() {
	for _, u := range s.units {
		w := worker.NewWorker("partition-"+strconv.Itoa(u.id), 1, &s.wg)
		w.Start(u)
		s.workers = append(s.workers, w)
	}
	s.running.Store(true)
}

func (s *Sim) stop() {
	for _, w := range s.workers {
		w.Stop()
	}
	s.wg.Wait()
	s.workers = nil
	s.running.Store(false)
}

// step advances every partition by one cycle.
func (s *Sim) step() error {
	s.now++
	s.load.Tick(s.now)
	for _, u := range s.units {
		if err := s.load.Flush(u.id, u.pipe.Push); err != nil {
			return errors.Annotatef(err, "partition %d", u.id)
		}
	}

	var barrier sync.WaitGroup
	barrier.Add(len(s.workers))
	for _, w := range s.workers {
		w.Sender() <- cycleTask{now: s.now, done: &barrier}
	}
	barrier.Wait()

	for _, u := range s.units {
		for _, r := range u.replies {
			s.load.Deliver(r)
		}
		u.replies = u.replies[:0]
	}
	st := s.load.Stats()
	s.issued.Store(int64(st.Issued))
	s.committed.Store(int64(st.Committed))
	s.aborted.Store(int64(st.Aborted))
	s.cycle.Store(s.now)
	return nil
}

func (s *Sim) finished() bool {
	if !s.load.Done() {
		return false
	}
	if s.cfg.Pipeline.DummyMode {
		return true
	}
	for _, u := range s.units {
		if u.pipe.Busy() || u.mem.InFlight() > 0 {
			return false
		}
	}
	return true
}

// Run steps the simulation until the workload has finished and every
// commit unit has drained, ctx is done, or MaxCycles is reached.
func (s *Sim) Run(ctx context.Context) (*Report, error) {
	begin := time.Now()
	s.start()
	defer s.stop()
	log.Info("simulation started", zap.Int("partitions", len(s.units)),
		zap.Stringer("algorithm", s.cfg.Pipeline.Algorithm), zap.Int("transactions", s.cfg.Workload.Transactions))

	var err error
	for !s.finished() {
		if s.cfg.MaxCycles > 0 && s.now >= s.cfg.MaxCycles {
			for _, u := range s.units {
				log.Warn("commit unit still busy", zap.Int("partition", u.id), zap.String("dump", u.pipe.Dump()))
			}
			err = errors.Annotatef(ErrNotFinished, "after %d cycles", s.now)
			break
		}
		if s.now%1024 == 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = errors.Trace(ctxErr)
				break
			}
		}
		if err = s.step(); err != nil {
			break
		}
		if s.cfg.ProgressInterval > 0 && s.now%s.cfg.ProgressInterval == 0 {
			log.Info("simulation progress", zap.Uint64("cycle", s.now),
				zap.Int64("committed", s.committed.Load()), zap.Int64("aborted", s.aborted.Load()))
		}
	}
	report := s.report(time.Since(begin))
	log.Info("simulation finished", zap.Uint64("cycles", report.Cycles), zap.Int("committed", report.Committed),
		zap.Int("aborted", report.Aborted), zap.Duration("elapsed", report.Elapsed), zap.Error(err))
	return report, err
}

func (s *Sim) Status() Status {
	st := Status{
		Running:   s.running.Load(),
		Cycle:     s.cycle.Load(),
		Issued:    s.issued.Load(),
		Committed: s.committed.Load(),
		Aborted:   s.aborted.Load(),
	}
	for _, u := range s.units {
		st.Partitions = append(st.Partitions, u.status())
	}
	return st
}

func (s *Sim) Config() Config { return s.cfg }

func (s *Sim) String() string {
	st := s.Status()
	return fmt.Sprintf("cycle=%d issued=%d committed=%d aborted=%d", st.Cycle, st.Issued, st.Committed, st.Aborted)
}
