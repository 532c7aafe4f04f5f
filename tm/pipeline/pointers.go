package pipeline

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

func (p *Pipeline) pointerStats(ptr int) *PointerStats {
	switch ptr {
	case pointerFCD:
		return &p.stats.FCD
	case pointerPass:
		return &p.stats.Pass
	case pointerCommit:
		return &p.stats.Commit
	default:
		return &p.stats.Retire
	}
}

func (p *Pipeline) stall(ptr int, reason State) {
	p.pointerStats(ptr).stall(reason)
	p.metrics.stalls[ptr][reason].Inc()
}

func (p *Pipeline) advanced(ptr int) {
	p.pointerStats(ptr).advanced()
}

// hazardReason refines the stall reason of an entry whose hazard detection
// is incomplete.
func (p *Pipeline) hazardReason(e *Entry) State {
	if p.cfg.FCDMode == FCDDelayed && (e.state == StateValidationWait || e.state == StatePass) &&
		(!e.readsDone() || !e.writesDone()) {
		return StateHazardDetect
	}
	return e.state
}

func (p *Pipeline) advanceFCDOverclocked() {
	if p.cfg.FCDMode != FCDDelayed {
		return
	}
	for i := 0; i < p.cfg.Overclock; i++ {
		if p.cfg.WarpLevelHazardDetect {
			p.advanceFCDWarp()
		} else {
			p.advanceFCD()
		}
	}
}

// hazardCheckRead checks the next unchecked read of e against the writes
// published by older transactions.
func (p *Pipeline) hazardCheckRead(e *Entry) {
	addr := e.nextRead()
	if cid, hit := p.detector.CheckReadConflict(addr, e.retireAtFill); hit {
		p.updateYoungest(cid, e)
		e.setRevalidate(true)
		if e.state == StatePass {
			e.setState(StateValidationWait, p.now)
		}
	}
	p.stats.HazardActivity++
}

// hazardStoreWrite publishes the next unstored write of e.
func (p *Pipeline) hazardStoreWrite(e *Entry) {
	p.detector.StoreWrite(e.nextWrite(), e.id)
	p.stats.HazardActivity++
}

// advanceFCD performs one step of hazard detection on the entry under the
// fcd pointer: all reads are checked, then all writes stored, one address per
// step.
func (p *Pipeline) advanceFCD() {
	if p.fcd > p.entries.head {
		p.stall(pointerFCD, StateUnused)
		return
	}
	e := p.entries.get(p.fcd)
	switch e.state {
	case StateValidationWait, StatePass:
		if !e.readsDone() {
			p.hazardCheckRead(e)
		} else if !e.writesDone() {
			p.hazardStoreWrite(e)
		} else {
			p.fcd++
			p.advanced(pointerFCD)
			return
		}
	case StateRetired, StateFail:
		p.fcd++
		p.advanced(pointerFCD)
		return
	}
	p.stall(pointerFCD, p.hazardReason(e))
}

// advanceFCDWarp performs hazard detection for every lane of the warp under
// the fcd pointer at once, then moves the pointer past the warp.
func (p *Pipeline) advanceFCDWarp() {
	if p.fcd > p.entries.head {
		p.stall(pointerFCD, StateUnused)
		return
	}
	if p.fcd == 0 {
		p.fcd++
		p.advanced(pointerFCD)
		return
	}
	e := p.entries.get(p.fcd)
	switch e.state {
	case StateUnused, StateFill:
		p.stall(pointerFCD, e.state)
		return
	case StateRetired:
		// Skips, and lanes of a warp batch that has been reused already.
		p.fcd++
		p.advanced(pointerFCD)
		return
	}

	w := p.warpOf(e)
	if w.MaxCommitIDWithSkip() < p.fcd {
		log.Panic("fcd pointer entry not linked to its warp", zap.Int("commit-id", e.id), zap.String("warp", w.String()))
	}
	if !w.HazardReadsDone() {
		for _, id := range w.CommitIDs() {
			le := p.entries.get(id)
			if le.state == StateValidationWait || le.state == StatePass {
				if !le.readsDone() {
					p.hazardCheckRead(le)
				}
				if le.readsDone() {
					w.SignalHazardReadDone(le)
				}
			} else {
				w.SignalHazardReadDone(le)
			}
		}
	} else if !w.HazardWritesDone() {
		for _, id := range w.CommitIDs() {
			le := p.entries.get(id)
			if le.state == StateValidationWait || le.state == StatePass {
				if !le.writesDone() {
					p.hazardStoreWrite(le)
				}
				if le.writesDone() {
					w.SignalHazardWriteDone(le)
				}
			} else {
				w.SignalHazardWriteDone(le)
			}
		}
	}

	if w.HazardReadsDone() && w.HazardWritesDone() {
		p.fcd = w.MaxCommitIDWithSkip() + 1
		p.advanced(pointerFCD)
		return
	}
	p.stall(pointerFCD, StateHazardDetect)
}

// passLimit reports whether the pass pointer may examine its entry: behind
// fcd with delayed detection, or up to head otherwise.
func (p *Pipeline) passLimit() bool {
	if p.cfg.FCDMode == FCDDelayed {
		return p.pass < p.fcd
	}
	return p.pass <= p.entries.head
}

func (p *Pipeline) replyPassAtPointer(e *Entry) {
	p.sendReply(e.id, e.origin, ReplyPass)
	e.markReplySent()
	e.setState(StatePassAckWait, p.now)
	if !e.readSet.Empty() {
		p.needRS--
	}
}

func (p *Pipeline) replyFailAtPointer(e *Entry) {
	p.sendReply(e.id, e.origin, ReplyFail)
	e.markReplySent()
	e.setState(StateRetired, p.now)
}

// advancePass moves the pass pointer over entries that passed or failed,
// sending their replies in commit order. It holds on an entry still
// validating unless the entry can be revalidated now.
func (p *Pipeline) advancePass() {
	if !p.passLimit() {
		p.stall(pointerPass, StateUnused)
		return
	}
	e := p.entries.get(p.pass)
	switch e.state {
	case StatePass:
		if e.revalidate {
			log.Panic("passing an entry marked for revalidation", zap.String("entry", e.String()))
		}
		p.replyPassAtPointer(e)
	case StateFail:
		p.replyFailAtPointer(e)
	case StateRetired:
	case StateValidationWait:
		if !(e.revalidate && p.retire > e.youngest) {
			p.stall(pointerPass, p.hazardReason(e))
			return
		}
		p.revalidation(e)
	default:
		p.stall(pointerPass, p.hazardReason(e))
		return
	}
	p.pass++
	p.advanced(pointerPass)
}

// advancePassNoStall is advancePass for the non-stalling algorithm: entries
// still validating are left behind and reply on their own.
func (p *Pipeline) advancePassNoStall() {
	if !p.passLimit() {
		p.stall(pointerPass, StateUnused)
		return
	}
	e := p.entries.get(p.pass)
	switch e.state {
	case StatePass:
		if e.revalidate {
			log.Panic("passing an entry marked for revalidation", zap.String("entry", e.String()))
		}
		p.replyPassAtPointer(e)
	case StateFail:
		p.replyFailAtPointer(e)
	case StateRetired, StatePassAckWait:
	case StateValidationWait:
		if e.revalidate && p.retire > e.youngest {
			p.revalidation(e)
		}
	default:
		p.stall(pointerPass, p.hazardReason(e))
		return
	}
	p.pass++
	p.advanced(pointerPass)
}

// advanceCommit starts the commit writes of finalized transactions in commit
// order.
func (p *Pipeline) advanceCommit(nostall bool) {
	if p.commit >= p.pass {
		p.stall(pointerCommit, StateUnused)
		return
	}
	e := p.entries.get(p.commit)
	moved := false
	switch e.state {
	case StateCommitReady:
		p.startCommit(e)
		moved = true
	case StateRetired:
		moved = true
	case StateValidationWait:
		if nostall && e.revalidate && p.retire > e.youngest {
			p.revalidation(e)
		}
	}
	if moved {
		p.commit++
	}

	if p.cfg.CoalesceMemOp {
		if w := p.warpOf(e); p.commit > w.MaxCommitID() {
			p.commitCoalescing.coalesceTo(&p.commitQueue, p.cfg.CoalesceBlockSize, p.cfg.Partition)
		}
	} else {
		p.commitCoalescing.transferTo(&p.commitQueue)
	}

	if moved {
		p.advanced(pointerCommit)
	} else {
		p.stall(pointerCommit, e.state)
	}
}

// advanceRetire releases entries that are done, in commit order.
func (p *Pipeline) advanceRetire(nostall bool) {
	if p.retire > p.commit || p.retire > p.pass || p.retire > p.entries.head {
		p.stall(pointerRetire, StateUnused)
		return
	}
	e := p.entries.get(p.retire)
	if e.state != StateRetired {
		p.stall(pointerRetire, e.state)
		return
	}
	e.atRetire(&p.stats, p.now)
	p.retire++
	if p.detector != nil {
		p.detector.ClearWrites(e)
	}
	if !e.skip {
		p.active--
		if !e.readSet.Empty() {
			p.haveRS--
		}
		if !e.writeSet.Empty() {
			p.haveWS--
		}
		// Entries failed by TX_FAIL released their write set already.
		if !e.fail && !e.writeSet.Empty() && e.final {
			p.needWS--
		}
		if p.active < 0 || p.haveRS < 0 || p.haveWS < 0 || p.needWS < 0 {
			log.Panic("active entry counters below zero", zap.String("entry", e.String()))
		}
		if nostall {
			for _, id := range p.reval.take(e.id) {
				re := p.entries.get(id)
				if id < p.pass && re.revalidate && re.state == StateValidationWait && p.retire > re.youngest {
					p.revalidation(re)
				}
			}
		}
	}
	p.advanced(pointerRetire)
}
