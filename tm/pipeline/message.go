package pipeline

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrInputFull is returned by Push when the input queue is at capacity.
var ErrInputFull = errors.New("commit unit input queue is full")

type MessageType int

const (
	MsgAlloc MessageType = iota
	MsgReadSet
	MsgWriteSet
	MsgDoneFill
	MsgSkip
	MsgTxPass
	MsgTxFail
	numMessageTypes
)

var messageTypeNames = [numMessageTypes]string{"ALLOC", "READ_SET", "WRITE_SET", "DONE_FILL", "SKIP", "TX_PASS", "TX_FAIL"}

func (t MessageType) String() string {
	if t >= 0 && t < numMessageTypes {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Origin names the hardware thread a transaction runs on. Warp is -1 when
// unknown.
type Origin struct {
	Core int
	TPC  int
	Warp int
}

// Message is one request from the transaction-execution side. A message with
// Coalesced sub-messages carries one message per lane of a warp; its own
// CommitID and Addr are unused. Each lane is handled by its own type, so a
// coalesced DONE_FILL also carries the SKIP lanes of the warp.
type Message struct {
	Type     MessageType
	CommitID int
	Addr     uint64
	// Version is the commit id whose value a READ_SET address observed.
	Version int
	Origin
	Coalesced []*Message
}

func (m *Message) String() string {
	if len(m.Coalesced) > 0 {
		return fmt.Sprintf("%s x%d (core=%d warp=%d)", m.Type, len(m.Coalesced), m.Core, m.Warp)
	}
	return fmt.Sprintf("%s cid=%d addr=%#x (core=%d warp=%d)", m.Type, m.CommitID, m.Addr, m.Core, m.Warp)
}

type ReplyType int

const (
	ReplyPass ReplyType = iota
	ReplyFail
	ReplyDoneCommit
	ReplyAllocPass
	ReplyAllocFail
	numReplyTypes
)

var replyTypeNames = [numReplyTypes]string{"PASS", "FAIL", "DONE_COMMIT", "ALLOC_PASS", "ALLOC_FAIL"}

func (t ReplyType) String() string {
	if t >= 0 && t < numReplyTypes {
		return replyTypeNames[t]
	}
	return fmt.Sprintf("ReplyType(%d)", int(t))
}

// Reply is one response to the transaction-execution side. A coalesced PASS
// reply carries a PASS or FAIL per lane; a coalesced DONE_COMMIT carries one
// per lane still waiting for its commit acknowledgement.
type Reply struct {
	Type      ReplyType
	CommitID  int
	Partition int
	Origin
	Coalesced []*Reply
}

// Flatten returns the scalar replies carried by r.
func (r *Reply) Flatten() []*Reply {
	if len(r.Coalesced) == 0 {
		return []*Reply{r}
	}
	return r.Coalesced
}
