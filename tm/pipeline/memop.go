package pipeline

import (
	"sort"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type MemOpKind int

const (
	MemValidate MemOpKind = iota
	MemCommitWrite
)

func (k MemOpKind) String() string {
	if k == MemValidate {
		return "validate"
	}
	return "commit-write"
}

// Generate-memory-access mask bits.
const (
	GenValidate uint = 1 << iota
	GenCommitWrite
)

const wordSize = 4

// MemOp is a validation read or commit write sent to the memory partition.
// Memory returns each op through Pipeline.MemReply, in any order. A coalesced
// op covers one block and carries the scalar ops inside it.
type MemOp struct {
	Kind      MemOpKind
	CommitID  int
	Addr      uint64
	Size      uint64
	Partition int
	// Issue is the cycle the op was created.
	Issue uint64
	// Version is, for validations, the version the transaction observed.
	Version int
	// Valid is filled in by memory for validations.
	Valid     bool
	Coalesced []*MemOp
}

// Scalars returns the scalar ops carried by op.
func (op *MemOp) Scalars() []*MemOp {
	if len(op.Coalesced) == 0 {
		return []*MemOp{op}
	}
	return op.Coalesced
}

// Memory accepts memory operations. Send returns false when the op could not
// be accepted this cycle; the pipeline retries it later.
type Memory interface {
	Send(op *MemOp) bool
}

type memOpQueue struct {
	ops []*MemOp
}

func (q *memOpQueue) push(op *MemOp) { q.ops = append(q.ops, op) }

func (q *memOpQueue) front() *MemOp { return q.ops[0] }

func (q *memOpQueue) pop() {
	q.ops[0] = nil
	q.ops = q.ops[1:]
}

func (q *memOpQueue) len() int { return len(q.ops) }

// transferTo moves every op to dst unchanged.
func (q *memOpQueue) transferTo(dst *memOpQueue) {
	dst.ops = append(dst.ops, q.ops...)
	q.ops = q.ops[:0]
}

// coalesceTo groups ops by block and moves one op per block to dst, in block
// address order.
func (q *memOpQueue) coalesceTo(dst *memOpQueue, blockSize uint64, partition int) {
	blocks := make(map[uint64]*MemOp)
	addrs := make([]uint64, 0, len(q.ops))
	for _, op := range q.ops {
		block := op.Addr &^ (blockSize - 1)
		c, ok := blocks[block]
		if !ok {
			c = &MemOp{
				Kind:      op.Kind,
				CommitID:  op.CommitID,
				Addr:      block,
				Size:      blockSize,
				Partition: partition,
				Issue:     op.Issue,
			}
			blocks[block] = c
			addrs = append(addrs, block)
		} else if c.Kind != op.Kind {
			log.Panic("coalescing ops of different kinds", zap.Stringer("block-kind", c.Kind), zap.Stringer("op-kind", op.Kind))
		}
		c.Coalesced = append(c.Coalesced, op)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		dst.push(blocks[a])
	}
	q.ops = q.ops[:0]
}

// countBlocks returns how many distinct blockSize blocks the messages touch.
func countBlocks(msgs []*Message, blockSize uint64) int {
	blocks := make(map[uint64]struct{})
	for _, m := range msgs {
		blocks[m.Addr&^(blockSize-1)] = struct{}{}
	}
	return len(blocks)
}
