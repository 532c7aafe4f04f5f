package pipeline

import (
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

func (p *Pipeline) queueReply(r *Reply) {
	p.responses = append(p.responses, r)
}

// sendReply answers the transaction cid. With parallel input the lane is
// marked in its warp first; with coalesced replies only the last lane of the
// warp to finish produces a reply, carrying every lane.
func (p *Pipeline) sendReply(cid int, o Origin, t ReplyType) {
	p.stats.Replies[t]++
	p.metrics.replies[t].Inc()

	coalescable := t == ReplyPass || t == ReplyFail || t == ReplyDoneCommit
	if p.cfg.ParallelCoalescedInput && coalescable {
		if o.Warp == -1 {
			log.Panic("parallel reply without a warp", zap.Int("commit-id", cid), zap.Stringer("type", t))
		}
		w := p.Warp(o.Core, o.Warp)
		e := p.entries.get(cid)
		if t == ReplyDoneCommit {
			w.SignalCommitDone(e)
		} else {
			w.SignalValidationDone(e)
		}
	}
	if p.cfg.CoalesceReply && coalescable {
		w := p.Warp(o.Core, o.Warp)
		if t == ReplyDoneCommit && w.AllCommitDone() || t != ReplyDoneCommit && w.AllValidationDone() {
			p.sendCoalescedReply(cid, o, t, w)
		}
		return
	}
	p.queueReply(&Reply{Type: t, CommitID: cid, Partition: p.cfg.Partition, Origin: o})
}

func (p *Pipeline) sendCoalescedReply(cid int, o Origin, t ReplyType, w *WarpEntry) {
	ct := t
	if ct == ReplyFail {
		ct = ReplyPass
	}
	r := &Reply{Type: ct, CommitID: cid, Partition: p.cfg.Partition, Origin: o}
	for _, id := range w.CommitIDs() {
		e := p.entries.get(id)
		st := ct
		if ct == ReplyDoneCommit {
			if !w.CommitAckPending(e) {
				continue
			}
		} else if e.fail {
			st = ReplyFail
		}
		r.Coalesced = append(r.Coalesced, &Reply{Type: st, CommitID: id, Partition: p.cfg.Partition, Origin: e.origin})
	}
	p.queueReply(r)
}

// releaseFailed drops a failed entry from the counts of entries still
// needing their sets.
func (p *Pipeline) releaseFailed(e *Entry) {
	if !e.readSet.Empty() {
		p.needRS--
	}
	if !e.writeSet.Empty() {
		p.needWS--
	}
	if p.needRS < 0 || p.needWS < 0 {
		log.Panic("need counters below zero", zap.String("entry", e.String()))
	}
}

// doneValidationWait settles an entry whose validations all returned. With
// the non-stalling algorithm an entry the pass pointer already moved past
// replies immediately.
func (p *Pipeline) doneValidationWait(e *Entry) {
	if e.state != StateValidationWait {
		log.Panic("validation done outside validation wait", zap.String("entry", e.String()))
	}
	if p.cfg.Algorithm != AlgorithmNoStall || e.id > p.pass {
		if e.fail {
			e.setState(StateFail, p.now)
			p.releaseFailed(e)
		} else {
			e.setState(StatePass, p.now)
		}
		return
	}
	if e.fail {
		e.setState(StateFail, p.now)
		p.releaseFailed(e)
		p.sendReply(e.id, e.origin, ReplyFail)
		e.markReplySent()
		e.setState(StateRetired, p.now)
		return
	}
	e.setState(StatePass, p.now)
	p.sendReply(e.id, e.origin, ReplyPass)
	e.markReplySent()
	e.setState(StatePassAckWait, p.now)
	if !e.readSet.Empty() {
		p.needRS--
	}
}

// doneRevalidationWait replies as soon as a revalidation finishes; the pass
// pointer has already moved past the entry.
func (p *Pipeline) doneRevalidationWait(e *Entry) {
	if e.state != StateRevalidationWait {
		log.Panic("revalidation done outside revalidation wait", zap.String("entry", e.String()))
	}
	if e.fail {
		p.sendReply(e.id, e.origin, ReplyFail)
		e.markReplySent()
		e.setState(StateRetired, p.now)
		p.releaseFailed(e)
		return
	}
	p.sendReply(e.id, e.origin, ReplyPass)
	e.markReplySent()
	e.setState(StatePassAckWait, p.now)
	if !e.readSet.Empty() {
		p.needRS--
	}
}

// revalidation validates the whole read set of e again.
func (p *Pipeline) revalidation(e *Entry) {
	if e.state != StateValidationWait || !e.revalidate {
		log.Panic("revalidation of an entry not waiting for it", zap.String("entry", e.String()))
	}
	for _, addr := range e.readSet.Addresses() {
		p.validationQueue.push(p.newValidation(e, addr))
		e.validationPending++
	}
	p.stats.Revalidations++
	e.setRevalidate(false)
	e.setState(StateRevalidationWait, p.now)
	log.Debug("revalidating", zap.Int("partition", p.cfg.Partition), zap.Int("commit-id", e.id),
		zap.Int("conflictor", e.youngest))
}

// updateYoungest records that e conflicts with the writer conflictor. The
// non-stalling algorithm also files e under its youngest conflictor so that
// retiring the conflictor revalidates it.
func (p *Pipeline) updateYoungest(conflictor int, e *Entry) {
	if p.cfg.Algorithm == AlgorithmNoStall && conflictor >= e.youngest {
		if e.youngest != -1 && e.youngest != conflictor {
			p.reval.remove(e.youngest, e.id)
		}
		if conflictor >= p.retire {
			p.reval.insert(conflictor, e.id)
		}
	}
	e.setYoungest(conflictor)
}

// startCommit issues the commit writes of e.
func (p *Pipeline) startCommit(e *Entry) {
	if e.state != StateCommitReady {
		log.Panic("commit of an entry not ready", zap.String("entry", e.String()))
	}
	for _, addr := range e.writeSet.Addresses() {
		p.commitCoalescing.push(&MemOp{
			Kind:      MemCommitWrite,
			CommitID:  e.id,
			Addr:      addr,
			Size:      wordSize,
			Partition: p.cfg.Partition,
			Issue:     p.now,
		})
		e.commitPending++
	}
	e.setState(StateCommitSent, p.now)
	if !e.CommitWritePending() {
		p.checkReadSetVersion(e)
		e.setState(StateRetired, p.now)
	}
}

func (p *Pipeline) commitDoneAck(e *Entry) {
	if !p.cfg.CommitAckTraffic {
		return
	}
	p.sendReply(e.id, e.origin, ReplyDoneCommit)
	e.commitAckSent = true
}

// checkReadSetVersion verifies that every read of e still sees the version
// recorded at validation, or a write of e itself.
func (p *Pipeline) checkReadSetVersion(e *Entry) {
	if !p.cfg.CheckReadSetVersion {
		return
	}
	for _, addr := range e.readSet.Addresses() {
		existing := p.MemVersion(addr)
		buffered := e.readSet.Version(addr)
		if existing != buffered && existing != e.id {
			log.Panic("data race detected", zap.Int("partition", p.cfg.Partition), zap.Int("commit-id", e.id),
				zap.Uint64("addr", addr), zap.Int("existing", existing), zap.Int("buffered", buffered))
		}
	}
}

func (p *Pipeline) newValidation(e *Entry, addr uint64) *MemOp {
	return &MemOp{
		Kind:      MemValidate,
		CommitID:  e.id,
		Addr:      addr,
		Size:      wordSize,
		Partition: p.cfg.Partition,
		Issue:     p.now,
		Version:   e.observed[addr],
	}
}

func (p *Pipeline) validationReply(op *MemOp) {
	e := p.entries.get(op.CommitID)
	e.readSet.UpdateVersion(op.Addr, p.MemVersion(op.Addr))
	valid := op.Valid
	failpoint.Inject("validationFails", func() {
		valid = false
	})
	e.validationReturn(valid)
	p.stats.ValidationsDone++

	switch {
	case e.state == StateValidationWait && !e.ValidationPending() && !e.revalidate:
		p.doneValidationWait(e)
	case e.state == StateRevalidationWait && !e.ValidationPending():
		if e.revalidate {
			log.Panic("revalidation finished with revalidate set", zap.String("entry", e.String()))
		}
		p.doneRevalidationWait(e)
	}
}

func (p *Pipeline) commitReply(op *MemOp) {
	e := p.entries.get(op.CommitID)
	p.checkReadSetVersion(e)
	if existing := p.MemVersion(op.Addr); op.CommitID < existing {
		log.Panic("commit write older than memory", zap.Int("commit-id", op.CommitID),
			zap.Uint64("addr", op.Addr), zap.Int("existing", existing))
	}
	p.memVersion[op.Addr] = op.CommitID
	e.commitWriteDone()
	p.stats.CommitWritesDone++
	if e.state == StateCommitSent && !e.CommitWritePending() {
		e.setState(StateRetired, p.now)
		p.commitDoneAck(e)
	}
}
