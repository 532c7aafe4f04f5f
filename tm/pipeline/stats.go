package pipeline

import (
	"github.com/pingcap-incubator/tinycommit/tm/accessset"
	"github.com/pingcap-incubator/tinycommit/tm/conflict"
)

// maxLatencySamples bounds the raw latency samples kept per op kind.
const maxLatencySamples = 1 << 16

// Distribution summarizes a sampled quantity.
type Distribution struct {
	Count uint64
	Sum   uint64
	Max   uint64
}

func (d *Distribution) Add(v uint64) {
	d.Count++
	d.Sum += v
	if v > d.Max {
		d.Max = v
	}
}

func (d *Distribution) Mean() float64 {
	if d.Count == 0 {
		return 0
	}
	return float64(d.Sum) / float64(d.Count)
}

// PointerStats records why a pointer did not move and for how long.
type PointerStats struct {
	StallReasons  [NumStates]uint64
	StallDuration Distribution
	stalled       uint64
}

func (p *PointerStats) advanced() {
	p.StallDuration.Add(p.stalled)
	p.stalled = 0
}

// Stalls is the number of cycles the pointer did not move.
func (p *PointerStats) Stalls() uint64 {
	var n uint64
	for _, c := range p.StallReasons {
		n += c
	}
	return n
}

func (p *PointerStats) stall(reason State) {
	p.StallReasons[reason]++
	p.stalled++
}

// Stats holds the counters of one pipeline.
type Stats struct {
	FCD    PointerStats
	Pass   PointerStats
	Commit PointerStats
	Retire PointerStats

	Messages         [numMessageTypes]uint64
	InputProcessed   uint64
	Replies          [numReplyTypes]uint64
	RepliesSent      uint64
	Validations      uint64
	ValidationsDone  uint64
	CommitWrites     uint64
	CommitWritesDone uint64
	Revalidations    uint64
	HazardActivity   uint64
	ConflictScans    uint64
	MemRetries       uint64

	ReadSetRaw        uint64
	ReadSetCoalesced  uint64
	WriteSetRaw       uint64
	WriteSetCoalesced uint64

	ValidationLatency Distribution
	CommitLatency     Distribution
	// Raw latency samples, capped at maxLatencySamples each.
	ValidationLatencySamples []float64
	CommitLatencySamples     []float64

	EntryLifetime        Distribution
	UnusedTime           Distribution
	FillTime             Distribution
	ValidationWaitTime   Distribution
	RevalidationWaitTime Distribution
	PassFailTime         Distribution
	AckWaitTime          Distribution
	CommitTime           Distribution
	RetireTime           Distribution
	ReadBufferUsage      Distribution
	WriteBufferUsage     Distribution
	RevalidationDistance Distribution

	DistanceRetireHead  Distribution
	DistanceFCDPass     Distribution
	ActiveEntries       Distribution
	ConflictTableSize   Distribution
	InputQueueSize      Distribution
	ResponseQueueSize   Distribution
	ValidationQueueSize Distribution
	CommitQueueSize     Distribution

	AccessSet accessset.MatchStats
	Detector  conflict.Stats
}

func (s *Stats) addLatency(kind MemOpKind, v uint64) {
	if kind == MemValidate {
		s.ValidationLatency.Add(v)
		if len(s.ValidationLatencySamples) < maxLatencySamples {
			s.ValidationLatencySamples = append(s.ValidationLatencySamples, float64(v))
		}
		return
	}
	s.CommitLatency.Add(v)
	if len(s.CommitLatencySamples) < maxLatencySamples {
		s.CommitLatencySamples = append(s.CommitLatencySamples, float64(v))
	}
}
