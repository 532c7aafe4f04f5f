package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinycommit/tm/memory"
	"github.com/pingcap-incubator/tinycommit/tm/pipeline"
)

const wordBytes = 4

type PartitionReport struct {
	ID       int
	Pipeline pipeline.Stats
	Memory   memory.Stats
	Versions int
	// ValidationP99 is the 99th percentile validation round trip in cycles.
	ValidationP99 float64
}

type Report struct {
	Cycles    uint64
	Elapsed   time.Duration
	Issued    int
	Committed int
	Aborted   int
	// Latency of finished transactions in cycles.
	LatencyMean float64
	LatencyP50  float64
	LatencyP99  float64
	LatencyMax  float64
	Partitions  []PartitionReport
}

func (s *Sim) report(elapsed time.Duration) *Report {
	st := s.load.Stats()
	r := &Report{
		Cycles:    s.now,
		Elapsed:   elapsed,
		Issued:    st.Issued,
		Committed: st.Committed,
		Aborted:   st.Aborted,
	}
	lat := stats.Float64Data(st.Latencies)
	if lat.Len() > 0 {
		r.LatencyMean, _ = stats.Mean(lat)
		r.LatencyP50, _ = stats.Percentile(lat, 50)
		r.LatencyP99, _ = stats.Percentile(lat, 99)
		r.LatencyMax, _ = stats.Max(lat)
	}
	for _, u := range s.units {
		pr := PartitionReport{
			ID:       u.id,
			Pipeline: u.pipe.Stats(),
			Memory:   u.mem.Stats(),
			Versions: u.mem.Versions(),
		}
		if samples := stats.Float64Data(pr.Pipeline.ValidationLatencySamples); samples.Len() > 0 {
			pr.ValidationP99, _ = stats.Percentile(samples, 99)
		}
		r.Partitions = append(r.Partitions, pr)
	}
	return r
}

// AbortRate is the share of finished transactions that aborted.
func (r *Report) AbortRate() float64 {
	done := r.Committed + r.Aborted
	if done == 0 {
		return 0
	}
	return float64(r.Aborted) / float64(done)
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycles: %d (%s)\n", r.Cycles, units.HumanDuration(r.Elapsed))
	fmt.Fprintf(&b, "transactions: issued %d, committed %d, aborted %d (%.2f%%)\n",
		r.Issued, r.Committed, r.Aborted, 100*r.AbortRate())
	fmt.Fprintf(&b, "latency (cycles): mean %.1f, p50 %.0f, p99 %.0f, max %.0f\n",
		r.LatencyMean, r.LatencyP50, r.LatencyP99, r.LatencyMax)
	for _, p := range r.Partitions {
		ps := p.Pipeline
		fmt.Fprintf(&b, "partition %d: replies pass=%d fail=%d, revalidations %d, validations %d, commit writes %s, versions %d\n",
			p.ID, ps.Replies[pipeline.ReplyPass], ps.Replies[pipeline.ReplyFail], ps.Revalidations,
			p.Memory.Validations, units.BytesSize(float64(p.Memory.CommitWrites*wordBytes)), p.Versions)
		fmt.Fprintf(&b, "  stalls: fcd %d, pass %d, commit %d, retire %d; validation p99 %.0f cycles\n",
			ps.FCD.Stalls(), ps.Pass.Stalls(), ps.Commit.Stalls(), ps.Retire.Stalls(), p.ValidationP99)
	}
	return b.String()
}
