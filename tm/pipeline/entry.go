package pipeline

import (
	"fmt"

	"github.com/pingcap-incubator/tinycommit/tm/accessset"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Entry tracks one transaction at this memory partition, from its first
// message until the retire pointer passes it.
type Entry struct {
	id     int
	origin Origin
	state  State

	readSet  *accessset.AccessSet
	writeSet *accessset.AccessSet
	// observed holds the version each read address saw during execution.
	observed map[uint64]int

	validationPending int
	commitPending     int
	fail              bool
	revalidate        bool
	revalidateSet     bool
	youngest          int
	retireAtFill      int

	replySent     bool
	final         bool
	skip          bool
	commitAckSent bool

	readsChecked int
	writesStored int

	allocTime uint64
	stamps    [NumStates]uint64
	stamped   [NumStates]bool
}

func newEntry(id int, rs, ws *accessset.AccessSet, now uint64) *Entry {
	return &Entry{
		id:           id,
		origin:       Origin{Core: -1, TPC: -1, Warp: -1},
		readSet:      rs,
		writeSet:     ws,
		observed:     make(map[uint64]int),
		youngest:     -1,
		retireAtFill: -1,
		allocTime:    now,
	}
}

func (e *Entry) CommitID() int { return e.id }

func (e *Entry) State() State { return e.state }

func (e *Entry) Origin() Origin { return e.origin }

func (e *Entry) ReadSet() *accessset.AccessSet { return e.readSet }

func (e *Entry) WriteSet() *accessset.AccessSet { return e.writeSet }

func (e *Entry) ReadAddresses() []uint64 { return e.readSet.Addresses() }

func (e *Entry) WriteAddresses() []uint64 { return e.writeSet.Addresses() }

// WritesStored reports whether hazard detection published any write.
func (e *Entry) WritesStored() bool { return e.writesStored > 0 }

func (e *Entry) Fail() bool { return e.fail }

func (e *Entry) Final() bool { return e.final }

func (e *Entry) Skip() bool { return e.skip }

func (e *Entry) Revalidate() bool { return e.revalidate }

func (e *Entry) YoungestConflicting() int { return e.youngest }

func (e *Entry) RetireAtFill() int { return e.retireAtFill }

func (e *Entry) ValidationPending() bool { return e.validationPending != 0 }

func (e *Entry) CommitWritePending() bool { return e.commitPending != 0 }

// setOrigin records the origin on first use; later messages must agree. A
// warp of -1 carries no information.
func (e *Entry) setOrigin(o Origin) {
	if e.origin.Core == -1 {
		e.origin.Core = o.Core
	} else if e.origin.Core != o.Core {
		log.Panic("transaction origin core changed", zap.Int("commit-id", e.id), zap.Int("old", e.origin.Core), zap.Int("new", o.Core))
	}
	if e.origin.TPC == -1 {
		e.origin.TPC = o.TPC
	} else if e.origin.TPC != o.TPC {
		log.Panic("transaction origin cluster changed", zap.Int("commit-id", e.id), zap.Int("old", e.origin.TPC), zap.Int("new", o.TPC))
	}
	if o.Warp == -1 {
		return
	}
	if e.origin.Warp == -1 {
		e.origin.Warp = o.Warp
	} else if e.origin.Warp != o.Warp {
		log.Panic("transaction origin warp changed", zap.Int("commit-id", e.id), zap.Int("old", e.origin.Warp), zap.Int("new", o.Warp))
	}
}

func (e *Entry) setState(s State, now uint64) {
	e.state = s
	e.stamps[s] = now
	e.stamped[s] = true
	if s == StateRetired {
		e.readSet.DeleteBloomFilter()
		e.writeSet.DeleteBloomFilter()
	}
}

// stamp returns when the entry last entered s.
func (e *Entry) stamp(s State) (uint64, bool) {
	return e.stamps[s], e.stamped[s]
}

func (e *Entry) setYoungest(cid int) {
	if cid > e.youngest {
		e.youngest = cid
	}
}

func (e *Entry) setRevalidate(v bool) {
	e.revalidate = v
	e.revalidateSet = e.revalidateSet || v
}

func (e *Entry) validationReturn(pass bool) {
	e.fail = e.fail || !pass
	e.validationPending--
	if e.validationPending < 0 {
		log.Panic("validation pending count below zero", zap.Int("commit-id", e.id))
	}
}

func (e *Entry) commitWriteDone() {
	e.commitPending--
	if e.commitPending < 0 {
		log.Panic("commit write pending count below zero", zap.Int("commit-id", e.id))
	}
}

func (e *Entry) markReplySent() {
	if e.replySent {
		log.Panic("second pass/fail reply", zap.Int("commit-id", e.id), zap.Stringer("state", e.state))
	}
	e.replySent = true
}

func (e *Entry) readsDone() bool { return e.readsChecked == e.readSet.Len() }

func (e *Entry) writesDone() bool { return e.writesStored == e.writeSet.Len() }

func (e *Entry) nextRead() uint64 {
	if e.readsDone() {
		log.Panic("no read left to check", zap.Int("commit-id", e.id))
	}
	addr := e.readSet.Addresses()[e.readsChecked]
	e.readsChecked++
	return addr
}

func (e *Entry) nextWrite() uint64 {
	if e.writesDone() {
		log.Panic("no write left to store", zap.Int("commit-id", e.id))
	}
	addr := e.writeSet.Addresses()[e.writesStored]
	e.writesStored++
	return addr
}

// atRetire samples the entry's lifetime once the retire pointer passes it.
func (e *Entry) atRetire(st *Stats, now uint64) {
	st.EntryLifetime.Add(now - e.allocTime)
	retired, _ := e.stamp(StateRetired)
	since := func(from uint64, to State) uint64 {
		t, _ := e.stamp(to)
		return t - from
	}

	if !e.skip {
		fill, _ := e.stamp(StateFill)
		vwait, _ := e.stamp(StateValidationWait)
		rwait, revalidated := e.stamp(StateRevalidationWait)
		passFail := e.stamps[StatePass]
		if e.stamped[StateFail] && e.stamps[StateFail] > passFail {
			passFail = e.stamps[StateFail]
		}
		ackWait, acked := e.stamp(StatePassAckWait)
		commitReady, committed := e.stamp(StateCommitReady)

		st.UnusedTime.Add(fill - e.allocTime)
		st.FillTime.Add(vwait - fill)
		if revalidated {
			st.ValidationWaitTime.Add(rwait - vwait)
			if acked {
				st.RevalidationWaitTime.Add(ackWait - rwait)
			} else {
				st.RevalidationWaitTime.Add(retired - rwait)
			}
			st.PassFailTime.Add(0)
		} else {
			st.ValidationWaitTime.Add(passFail - vwait)
			st.RevalidationWaitTime.Add(0)
			if acked {
				st.PassFailTime.Add(ackWait - passFail)
			} else {
				st.PassFailTime.Add(retired - passFail)
			}
		}
		if acked {
			if committed {
				st.AckWaitTime.Add(commitReady - ackWait)
			} else {
				st.AckWaitTime.Add(retired - ackWait)
			}
		} else {
			st.AckWaitTime.Add(0)
		}
		if committed {
			st.CommitTime.Add(since(commitReady, StateRetired))
		} else {
			st.CommitTime.Add(0)
		}
		st.ReadBufferUsage.Add(uint64(e.readSet.Usage()))
		st.WriteBufferUsage.Add(uint64(e.writeSet.Usage()))
		if e.revalidateSet {
			st.RevalidationDistance.Add(uint64(e.id - e.youngest))
		}
	} else {
		st.UnusedTime.Add(retired - e.allocTime)
		st.FillTime.Add(0)
		st.ValidationWaitTime.Add(0)
		st.RevalidationWaitTime.Add(0)
		st.PassFailTime.Add(0)
		st.AckWaitTime.Add(0)
		st.CommitTime.Add(0)
	}
	st.RetireTime.Add(now - retired)
}

func (e *Entry) String() string {
	return fmt.Sprintf("cid=%d; wst=(%d,%d,%d); state=%s; vp=%d; fail=%t; rv=%t; cp=%d; rs=%d; ws=%d; reply_sent=%t; final=%t; rvset=%t",
		e.id, e.origin.Warp, e.origin.Core, e.origin.TPC, e.state, e.validationPending, e.fail, e.revalidate,
		e.commitPending, e.readSet.Usage(), e.writeSet.Usage(), e.replySent, e.final, e.revalidateSet)
}
