package pipeline

import (
	"fmt"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// WarpSize is the number of lanes in a warp.
const WarpSize = 32

type warpKey struct {
	core int
	warp int
}

// WarpEntry groups the transactions one warp committed together. Their
// commit ids are contiguous, so a transaction's lane is its offset from the
// first linked id.
type WarpEntry struct {
	core      int
	warp      int
	commitIDs []int
	maxCID    int
	maxCIDAll int

	active         uint32
	validationDone uint32
	ackPending     uint32
	commitDone     uint32
	hdReadDone     uint32
	hdWriteDone    uint32
}

func newWarpEntry() *WarpEntry {
	return &WarpEntry{core: -1, warp: -1, maxCID: -1, maxCIDAll: -1}
}

func (w *WarpEntry) CommitIDs() []int { return w.commitIDs }

// MaxCommitID is the largest linked id that was not a skip, or -1.
func (w *WarpEntry) MaxCommitID() int { return w.maxCID }

// MaxCommitIDWithSkip is the largest linked id, skips included, or -1.
func (w *WarpEntry) MaxCommitIDWithSkip() int { return w.maxCIDAll }

// Reset clears the warp for its next batch. The previous batch must be done.
func (w *WarpEntry) Reset() {
	if !w.AllValidationDone() || !w.AllCommitDone() {
		log.Panic("reset of a warp with outstanding work", zap.String("warp", w.String()))
	}
	*w = WarpEntry{core: -1, warp: -1, maxCID: -1, maxCIDAll: -1, commitIDs: w.commitIDs[:0]}
}

// Lane returns the lane of e within the warp.
func (w *WarpEntry) Lane(e *Entry) int {
	if len(w.commitIDs) == 0 {
		log.Panic("lane lookup in an empty warp", zap.Int("commit-id", e.id))
	}
	lane := e.id - w.commitIDs[0]
	if lane < 0 || lane >= WarpSize {
		log.Panic("commit id outside warp", zap.Int("commit-id", e.id), zap.Int("first", w.commitIDs[0]))
	}
	return lane
}

func (w *WarpEntry) bit(e *Entry) uint32 {
	return 1 << uint(w.Lane(e))
}

// Link adds e to the warp. Retired (skipped) entries only extend the id range.
func (w *WarpEntry) Link(e *Entry) {
	if w.core == -1 {
		w.core = e.origin.Core
	} else if w.core != e.origin.Core {
		log.Panic("warp linked across cores", zap.Int("commit-id", e.id), zap.Int("warp-core", w.core), zap.Int("entry-core", e.origin.Core))
	}
	if w.warp == -1 {
		w.warp = e.origin.Warp
	} else if e.origin.Warp != -1 && w.warp != e.origin.Warp {
		log.Panic("warp linked across warps", zap.Int("commit-id", e.id), zap.Int("warp", w.warp), zap.Int("entry-warp", e.origin.Warp))
	}
	if e.state != StateRetired {
		w.commitIDs = append(w.commitIDs, e.id)
		w.active |= w.bit(e)
		if e.id > w.maxCID {
			w.maxCID = e.id
		}
	}
	if e.id > w.maxCIDAll {
		w.maxCIDAll = e.id
	}
}

func (w *WarpEntry) SignalValidationDone(e *Entry) {
	b := w.bit(e)
	if w.active&b == 0 || w.validationDone&b != 0 {
		log.Panic("unexpected validation done", zap.Int("commit-id", e.id), zap.String("warp", w.String()))
	}
	w.validationDone |= b
}

// SignalFinalOutcome records whether e still owes a commit acknowledgement.
func (w *WarpEntry) SignalFinalOutcome(e *Entry) {
	b := w.bit(e)
	if w.active&b == 0 || w.ackPending&b != 0 {
		log.Panic("unexpected final outcome", zap.Int("commit-id", e.id), zap.String("warp", w.String()))
	}
	if e.final && !e.writeSet.Empty() {
		w.ackPending |= b
	}
}

func (w *WarpEntry) SignalCommitDone(e *Entry) {
	b := w.bit(e)
	if w.ackPending&b == 0 || w.commitDone&b != 0 {
		log.Panic("unexpected commit done", zap.Int("commit-id", e.id), zap.String("warp", w.String()))
	}
	w.commitDone |= b
}

func (w *WarpEntry) SignalHazardReadDone(e *Entry) {
	b := w.bit(e)
	if w.active&b == 0 {
		log.Panic("hazard read done for inactive lane", zap.Int("commit-id", e.id))
	}
	w.hdReadDone |= b
}

func (w *WarpEntry) SignalHazardWriteDone(e *Entry) {
	b := w.bit(e)
	if w.active&b == 0 {
		log.Panic("hazard write done for inactive lane", zap.Int("commit-id", e.id))
	}
	w.hdWriteDone |= b
}

func (w *WarpEntry) AllValidationDone() bool { return w.active == w.validationDone }

func (w *WarpEntry) AllCommitDone() bool { return w.ackPending == w.commitDone }

func (w *WarpEntry) CommitAckPending(e *Entry) bool { return w.ackPending&w.bit(e) != 0 }

func (w *WarpEntry) HazardReadsDone() bool { return w.active == w.hdReadDone }

func (w *WarpEntry) HazardWritesDone() bool { return w.active == w.hdWriteDone }

func (w *WarpEntry) String() string {
	return fmt.Sprintf("(core=%d,warp=%d) ids=%v active=%08x validation=%08x ack_pending=%08x commit=%08x",
		w.core, w.warp, w.commitIDs, w.active, w.validationDone, w.ackPending, w.commitDone)
}
