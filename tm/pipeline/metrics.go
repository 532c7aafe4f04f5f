package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycommit",
			Subsystem: "commit_unit",
			Name:      "messages_total",
			Help:      "Counter of input messages processed by type.",
		}, []string{"partition", "type"})

	replyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycommit",
			Subsystem: "commit_unit",
			Name:      "replies_total",
			Help:      "Counter of replies queued by type.",
		}, []string{"partition", "type"})

	stallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycommit",
			Subsystem: "commit_unit",
			Name:      "pointer_stalls_total",
			Help:      "Counter of cycles a pointer did not advance, by blocking state.",
		}, []string{"partition", "pointer", "reason"})

	memOpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinycommit",
			Subsystem: "commit_unit",
			Name:      "mem_op_latency_cycles",
			Help:      "Bucketed histogram of memory operation round trips in cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"partition", "op"})

	activeEntriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinycommit",
			Subsystem: "commit_unit",
			Name:      "active_entries",
			Help:      "Number of entries between retire and head that are not skips.",
		}, []string{"partition"})
)

func init() {
	prometheus.MustRegister(messageCounter)
	prometheus.MustRegister(replyCounter)
	prometheus.MustRegister(stallCounter)
	prometheus.MustRegister(memOpLatency)
	prometheus.MustRegister(activeEntriesGauge)
}

const (
	pointerFCD = iota
	pointerPass
	pointerCommit
	pointerRetire
	numPointers
)

var pointerNames = [numPointers]string{"fcd", "pass", "commit", "retire"}

// pipelineMetrics holds the children of the metric vectors for one
// partition, resolved once.
type pipelineMetrics struct {
	messages [numMessageTypes]prometheus.Counter
	replies  [numReplyTypes]prometheus.Counter
	stalls   [numPointers][NumStates]prometheus.Counter
	latency  [2]prometheus.Observer
	active   prometheus.Gauge
}

func newPipelineMetrics(partition int) *pipelineMetrics {
	p := strconv.Itoa(partition)
	m := &pipelineMetrics{active: activeEntriesGauge.WithLabelValues(p)}
	for t := MessageType(0); t < numMessageTypes; t++ {
		m.messages[t] = messageCounter.WithLabelValues(p, t.String())
	}
	for t := ReplyType(0); t < numReplyTypes; t++ {
		m.replies[t] = replyCounter.WithLabelValues(p, t.String())
	}
	for ptr := 0; ptr < numPointers; ptr++ {
		for s := State(0); s < NumStates; s++ {
			m.stalls[ptr][s] = stallCounter.WithLabelValues(p, pointerNames[ptr], s.String())
		}
	}
	m.latency[MemValidate] = memOpLatency.WithLabelValues(p, MemValidate.String())
	m.latency[MemCommitWrite] = memOpLatency.WithLabelValues(p, MemCommitWrite.String())
	return m
}
