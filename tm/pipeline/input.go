package pipeline

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// allocateTo makes sure an entry exists for cid. The first message other
// than SKIP for an unused entry makes it active.
func (p *Pipeline) allocateTo(cid int, t MessageType) {
	for p.entries.head < cid {
		if p.cfg.Finite && p.entries.head+1-p.retire+1 > p.cfg.Capacity {
			log.Panic("finite commit unit overflow", zap.Int("partition", p.cfg.Partition),
				zap.Int("commit-id", cid), zap.Int("retire", p.retire), zap.Int("capacity", p.cfg.Capacity))
		}
		p.entries.push(p.newEntry(p.entries.head + 1))
	}
	e := p.entries.get(cid)
	if e.state == StateUnused && t != MsgSkip {
		p.active++
	}
}

// fill returns the entry a READ_SET, WRITE_SET or DONE_FILL message belongs
// to, moving it from UNUSED to FILL on the first message.
func (p *Pipeline) fill(m *Message) *Entry {
	p.allocateTo(m.CommitID, m.Type)
	e := p.entries.get(m.CommitID)
	if e.state == StateUnused {
		e.setState(StateFill, p.now)
		e.retireAtFill = p.retire
	}
	if e.state != StateFill {
		log.Panic("message for an entry past fill", zap.Stringer("message", m), zap.String("entry", e.String()))
	}
	e.setOrigin(m.Origin)
	return e
}

// processInput handles one scalar message.
func (p *Pipeline) processInput(m *Message) {
	if e, ready := p.processMessage(m); ready {
		p.doneValidationWait(e)
	}
}

// processMessage handles one scalar message. A DONE_FILL whose validations
// are already complete is returned as ready instead of being settled, so a
// warp can link all its lanes first.
func (p *Pipeline) processMessage(m *Message) (*Entry, bool) {
	p.stats.Messages[m.Type]++
	p.metrics.messages[m.Type].Inc()
	log.Debug("commit unit input", zap.Int("partition", p.cfg.Partition), zap.Stringer("message", m))

	switch m.Type {
	case MsgAlloc:
		if !p.cfg.Finite {
			log.Panic("ALLOC sent to an unbounded commit unit", zap.Stringer("message", m))
		}
		t := ReplyAllocFail
		if m.CommitID-p.retire+1 <= p.cfg.Capacity {
			t = ReplyAllocPass
		}
		p.sendReply(m.CommitID, m.Origin, t)

	case MsgReadSet:
		if p.cfg.DummyMode {
			break
		}
		e := p.fill(m)
		if e.readSet.Empty() {
			p.haveRS++
			p.needRS++
		}
		e.readSet.Append(m.Addr)
		if _, ok := e.observed[m.Addr]; !ok {
			e.observed[m.Addr] = m.Version
		}
		if p.cfg.FCDMode == FCDSerialized {
			if p.checkConflictForRead(e, m.Addr) {
				if p.cfg.FailAtRevalidation {
					e.fail = true
				} else {
					e.setRevalidate(true)
				}
			}
		} else {
			p.detector.RegisterRead(m.Addr)
		}
		if !e.revalidate {
			p.validationCoalescing.push(p.newValidation(e, m.Addr))
			e.validationPending++
		} else if p.cfg.FCDMode == FCDDelayed {
			log.Panic("revalidation marked before hazard detection", zap.String("entry", e.String()))
		}

	case MsgWriteSet:
		if p.cfg.DummyMode {
			break
		}
		e := p.fill(m)
		if e.writeSet.Empty() {
			p.haveWS++
			p.needWS++
		}
		e.writeSet.Append(m.Addr)
		if p.cfg.FCDMode == FCDSerialized {
			p.checkConflictForWrite(e, m.Addr)
		}

	case MsgDoneFill:
		if p.cfg.DummyMode {
			p.sendReply(m.CommitID, Origin{Core: m.Core, TPC: m.TPC, Warp: -1}, ReplyPass)
			break
		}
		e := p.fill(m)
		e.setState(StateValidationWait, p.now)
		if p.cfg.FCDMode == FCDDelayed && e.revalidate {
			log.Panic("revalidation marked before hazard detection", zap.String("entry", e.String()))
		}
		return e, !e.ValidationPending() && !e.revalidate

	case MsgSkip:
		if p.cfg.DummyMode {
			break
		}
		p.allocateTo(m.CommitID, m.Type)
		e := p.entries.get(m.CommitID)
		if e.state != StateUnused {
			log.Panic("skip for a used entry", zap.Stringer("message", m), zap.String("entry", e.String()))
		}
		e.setOrigin(m.Origin)
		e.skip = true
		e.setState(StateRetired, p.now)

	case MsgTxPass:
		if p.cfg.DummyMode {
			break
		}
		e := p.entries.get(m.CommitID)
		if e.state != StatePassAckWait {
			log.Panic("TX_PASS for an entry not waiting for it", zap.String("entry", e.String()))
		}
		e.final = true
		e.setState(StateCommitReady, p.now)

	case MsgTxFail:
		if p.cfg.DummyMode {
			break
		}
		e := p.entries.get(m.CommitID)
		if e.state != StatePassAckWait && e.state != StateRetired {
			log.Panic("TX_FAIL for an entry not waiting for it", zap.String("entry", e.String()))
		}
		e.final = false
		if !e.fail && !e.writeSet.Empty() {
			p.needWS--
			if p.needWS < 0 {
				log.Panic("need counters below zero", zap.String("entry", e.String()))
			}
		}
		if e.state == StatePassAckWait {
			e.setState(StateRetired, p.now)
		}

	default:
		log.Panic("unknown message type", zap.Stringer("message", m))
	}
	return nil, false
}

// processCoalescedParallel handles every lane of a coalesced message in one
// cycle.
func (p *Pipeline) processCoalescedParallel(m *Message) {
	lanes := m.Coalesced
	switch m.Type {
	case MsgReadSet, MsgWriteSet:
		raw, blocks := uint64(len(lanes)), uint64(countBlocks(lanes, statBlockSize))
		if m.Type == MsgReadSet {
			p.stats.ReadSetRaw += raw
			p.stats.ReadSetCoalesced += blocks
		} else {
			p.stats.WriteSetRaw += raw
			p.stats.WriteSetCoalesced += blocks
		}
		for _, l := range lanes {
			p.processInput(l)
		}
		if p.cfg.CoalesceMemOp {
			p.validationCoalescing.coalesceTo(&p.validationQueue, p.cfg.CoalesceBlockSize, p.cfg.Partition)
		} else {
			p.validationCoalescing.transferTo(&p.validationQueue)
		}

	case MsgDoneFill, MsgSkip:
		w := p.Warp(lanes[0].Core, lanes[0].Warp)
		w.Reset()
		var ready []*Entry
		for _, l := range lanes {
			e, ok := p.processMessage(l)
			if ok {
				ready = append(ready, e)
			}
			if !p.cfg.DummyMode {
				w.Link(p.entries.get(l.CommitID))
			}
		}
		for _, e := range ready {
			p.doneValidationWait(e)
		}

	case MsgTxPass, MsgTxFail:
		for _, l := range lanes {
			p.processInput(l)
			p.Warp(l.Core, l.Warp).SignalFinalOutcome(p.entries.get(l.CommitID))
		}

	default:
		log.Panic("coalesced message of unexpected type", zap.Stringer("message", m))
	}
}

// checkConflictForRead scans older transactions for a write to addr. The
// youngest such writer is recorded on e.
func (p *Pipeline) checkConflictForRead(e *Entry, addr uint64) bool {
	if !p.cfg.DetectConflictingCID {
		return false
	}
	if e.id <= 0 {
		log.Panic("conflict check for reserved commit id", zap.Int("commit-id", e.id))
	}
	p.stats.ConflictScans++
	for c := e.id - 1; c >= p.retire; c-- {
		ce := p.entries.get(c)
		if ce.state != StateFail && ce.state != StateRetired && ce.writeSet.Match(addr) {
			p.updateYoungest(c, e)
			return true
		}
	}
	return false
}

// checkConflictForWrite scans younger transactions that read addr and marks
// them for revalidation, or fails them outright.
func (p *Pipeline) checkConflictForWrite(e *Entry, addr uint64) {
	if !p.cfg.DetectConflictingCID {
		return
	}
	p.stats.ConflictScans++
	for c := e.id + 1; c <= p.entries.head; c++ {
		ce := p.entries.get(c)
		if ce.state == StateFail || ce.state == StateRetired || !ce.readSet.Match(addr) {
			continue
		}
		if p.cfg.FailAtRevalidation {
			if e.fail {
				continue
			}
			ce.fail = true
			if ce.state == StatePass {
				ce.setState(StateFail, p.now)
				p.releaseFailed(ce)
			}
			continue
		}
		if ce.state == StatePass {
			ce.setState(StateValidationWait, p.now)
		}
		if ce.state != StateFill && ce.state != StateValidationWait {
			log.Panic("younger reader past validation", zap.String("writer", e.String()), zap.String("reader", ce.String()))
		}
		ce.setRevalidate(true)
		p.updateYoungest(e.id, ce)
	}
}
