package memory

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sort"

	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
	"github.com/pingcap-incubator/tinycommit/tm/signature"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	DefaultLatency     = 20
	DefaultJitter      = 10
	DefaultQueueLength = 64

	keyLen = 16
)

type Config struct {
	// Latency is the minimum number of cycles before an op is answered.
	Latency uint64
	// Jitter adds up to this many cycles to validation reads. Commit writes
	// always complete in the order they were accepted.
	Jitter uint64
	// QueueLength bounds the ops in flight; Send refuses more.
	QueueLength int
	Seed        int64
}

func DefaultConfig() Config {
	return Config{
		Latency:     DefaultLatency,
		Jitter:      DefaultJitter,
		QueueLength: DefaultQueueLength,
		Seed:        1,
	}
}

func (c *Config) Validate() error {
	if c.QueueLength <= 0 {
		return errors.Errorf("memory queue length must be positive, got %d", c.QueueLength)
	}
	return nil
}

type Stats struct {
	Validations     uint64
	Invalid         uint64
	CommitWrites    uint64
	Rejected        uint64
	CoalescedBlocks uint64
}

type inflight struct {
	ready uint64
	op    *pipeline.MemOp
}

// Partition is one memory partition. It keeps every committed version of
// every word, keyed by address then commit id, so a validation can ask which
// version a transaction should have seen.
type Partition struct {
	id  int
	cfg Config
	db  *memdb.DB
	rnd *rand.Rand

	now        uint64
	queue      []inflight
	lastCommit uint64
	stats      Stats
}

func New(id int, cfg Config) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Partition{
		id:  id,
		cfg: cfg,
		db:  memdb.New(comparer.DefaultComparer, 0),
		rnd: rand.New(rand.NewSource(cfg.Seed + int64(id))),
	}, nil
}

func versionKey(addr uint64, cid uint64) []byte {
	k := make([]byte, keyLen)
	binary.BigEndian.PutUint64(k, addr)
	binary.BigEndian.PutUint64(k[8:], cid)
	return k
}

// Send accepts op for this partition, or reports false when the partition
// is saturated.
func (p *Partition) Send(op *pipeline.MemOp) bool {
	if len(p.queue) >= p.cfg.QueueLength {
		p.stats.Rejected++
		return false
	}
	if op.Partition != p.id {
		log.Panic("memory op routed to the wrong partition", zap.Int("partition", p.id), zap.Int("op-partition", op.Partition))
	}
	ready := p.now + p.cfg.Latency
	if op.Kind == pipeline.MemCommitWrite {
		if ready < p.lastCommit {
			ready = p.lastCommit
		}
		p.lastCommit = ready
	} else if p.cfg.Jitter > 0 {
		ready += uint64(p.rnd.Int63n(int64(p.cfg.Jitter) + 1))
	}
	if len(op.Coalesced) > 0 {
		p.stats.CoalescedBlocks++
	}
	i := sort.Search(len(p.queue), func(i int) bool { return p.queue[i].ready > ready })
	p.queue = append(p.queue, inflight{})
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = inflight{ready: ready, op: op}
	return true
}

// Tick advances the partition to now and returns the ops completed by then,
// in completion order. Validations carry their outcome in Valid.
func (p *Partition) Tick(now uint64) []*pipeline.MemOp {
	p.now = now
	n := 0
	for n < len(p.queue) && p.queue[n].ready <= now {
		n++
	}
	if n == 0 {
		return nil
	}
	done := make([]*pipeline.MemOp, 0, n)
	for _, f := range p.queue[:n] {
		for _, s := range f.op.Scalars() {
			p.complete(s)
		}
		done = append(done, f.op)
	}
	p.queue = append(p.queue[:0], p.queue[n:]...)
	return done
}

func (p *Partition) complete(op *pipeline.MemOp) {
	switch op.Kind {
	case pipeline.MemValidate:
		op.Valid = p.VersionBefore(op.Addr, op.CommitID) == op.Version
		p.stats.Validations++
		if !op.Valid {
			p.stats.Invalid++
		}
	case pipeline.MemCommitWrite:
		if op.CommitID < 0 {
			log.Panic("commit write without a commit id", zap.Uint64("addr", op.Addr))
		}
		if err := p.db.Put(versionKey(op.Addr, uint64(op.CommitID)), nil); err != nil {
			log.Panic("store committed version", zap.Uint64("addr", op.Addr), zap.Error(err))
		}
		p.stats.CommitWrites++
	}
}

// VersionBefore returns the newest committed version of addr older than cid,
// or -1.
func (p *Partition) VersionBefore(addr uint64, cid int) int {
	if cid <= 0 {
		return signature.NoVersion
	}
	return p.lastIn(&util.Range{Start: versionKey(addr, 0), Limit: versionKey(addr, uint64(cid))})
}

// Version returns the newest committed version of addr, or -1.
func (p *Partition) Version(addr uint64) int {
	return p.lastIn(&util.Range{Start: versionKey(addr, 0), Limit: versionKey(addr, math.MaxUint64)})
}

func (p *Partition) lastIn(r *util.Range) int {
	it := p.db.NewIterator(r)
	defer it.Release()
	if !it.Last() {
		return signature.NoVersion
	}
	return int(binary.BigEndian.Uint64(it.Key()[8:]))
}

// Versions is the number of committed versions held.
func (p *Partition) Versions() int { return p.db.Len() }

// InFlight is the number of accepted ops not yet completed.
func (p *Partition) InFlight() int { return len(p.queue) }

func (p *Partition) ID() int { return p.id }

func (p *Partition) Stats() Stats { return p.stats }
