package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// PIDsUnavailable is reported in place of a process count the runtime did not publish.
const PIDsUnavailable = "Not available"

// PIDCount is a live process count that may be unavailable.
type PIDCount struct {
	Count     uint64
	Available bool
}

func (p PIDCount) MarshalJSON() ([]byte, error) {
	if !p.Available {
		return json.Marshal(PIDsUnavailable)
	}
	return json.Marshal(p.Count)
}

func (p PIDCount) String() string {
	if !p.Available {
		return PIDsUnavailable
	}
	return fmt.Sprintf("%d", p.Count)
}

// Telemetry is the normalised view of one stats snapshot.
type Telemetry struct {
	MemoryUsageMB    float64  `json:"memory_usage"`
	MemoryLimitMB    float64  `json:"memory_limit"`
	MemoryPercentage float64  `json:"memory_percentage"`
	CPUPercentage    float64  `json:"cpu_percentage"`
	NetIO            uint64   `json:"net_io"`
	BlockIO          uint64   `json:"block_io"`
	PIDs             PIDCount `json:"pids"`
	ExecutionTime    float64  `json:"execution_time"`
	Degraded         bool     `json:"degraded,omitempty"`
	Gaps             []string `json:"gaps,omitempty"`
}

// Collector samples container counters after a run and derives Telemetry.
type Collector struct {
	runtime Runtime
	settle  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewCollector returns a Collector that waits settle before every sample.
// Short-lived containers can exit before the runtime publishes any counters.
func NewCollector(logger *zap.Logger, rt Runtime, settle time.Duration) *Collector {
	return &Collector{
		runtime: rt,
		settle:  settle,
		logger:  logger,
		now:     time.Now,
	}
}

// Sample fetches one snapshot for container id and derives Telemetry.
// It never fails: missing counters and stats errors degrade the result, and
// ExecutionTime is always filled in.
func (c *Collector) Sample(ctx context.Context, id string, start time.Time) Telemetry {
	if c.settle > 0 {
		timer := time.NewTimer(c.settle)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	snap, err := c.runtime.Stats(ctx, id)
	if err != nil {
		c.logger.Warn("failed to read container stats", zap.String("container", shortID(id)), zap.Error(err))
		return Telemetry{
			ExecutionTime: c.now().Sub(start).Seconds(),
			Degraded:      true,
			Gaps:          []string{"stats"},
		}
	}
	return c.Derive(snap, start)
}

// Derive turns a snapshot into Telemetry with execution time measured from start.
func (c *Collector) Derive(snap *Snapshot, start time.Time) Telemetry {
	tel := Derive(snap)
	tel.ExecutionTime = c.now().Sub(start).Seconds()
	if len(tel.Gaps) > 0 {
		c.logger.Debug("telemetry gaps", zap.Strings("fields", tel.Gaps))
	}
	return tel
}

// Derive computes every metric of a snapshot except execution time.
func Derive(snap *Snapshot) Telemetry {
	var tel Telemetry
	var gaps []string
	if snap == nil {
		snap = &Snapshot{}
	}

	usage, limit, memGaps := memoryCounters(snap.MemoryStats)
	gaps = append(gaps, memGaps...)
	tel.MemoryUsageMB = float64(usage) / BytesPerMB
	tel.MemoryLimitMB = float64(limit) / BytesPerMB
	tel.MemoryPercentage = MemoryPercent(usage, limit)

	cpu, cpuGaps := CPUPercent(snap.CPUStats, snap.PreCPUStats)
	gaps = append(gaps, cpuGaps...)
	tel.CPUPercentage = cpu

	net, netGaps := networkBytes(snap.Networks)
	gaps = append(gaps, netGaps...)
	tel.NetIO = net

	tel.BlockIO = blockIOBytes(snap.BlkioStats)

	if snap.PidsStats != nil && snap.PidsStats.Current != nil {
		tel.PIDs = PIDCount{Count: *snap.PidsStats.Current, Available: true}
	}

	if len(gaps) > 0 {
		sort.Strings(gaps)
		tel.Gaps = gaps
		tel.Degraded = true
	}
	return tel
}

// MemoryPercent is usage/limit*100, or 0 when the limit is unknown or zero.
func MemoryPercent(usage, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(usage) / float64(limit) * 100
}

// CPUPercent derives CPU utilisation from the cumulative counters in cur and
// the baseline in pre. Both come from the same snapshot, so the figure is an
// average over the container's lifetime rather than an instantaneous rate.
// It is 0 unless both the container and system deltas are strictly positive.
func CPUPercent(cur, pre *CPUStats) (float64, []string) {
	var gaps []string
	total, ok := cpuTotal(cur)
	if !ok {
		gaps = append(gaps, "cpu_stats.cpu_usage.total_usage")
	}
	preTotal, ok := cpuTotal(pre)
	if !ok {
		gaps = append(gaps, "precpu_stats.cpu_usage.total_usage")
	}
	system, ok := systemUsage(cur)
	if !ok {
		gaps = append(gaps, "cpu_stats.system_cpu_usage")
	}
	preSystem, ok := systemUsage(pre)
	if !ok {
		gaps = append(gaps, "precpu_stats.system_cpu_usage")
	}
	var online uint32
	if cur != nil && cur.OnlineCPUs != nil {
		online = *cur.OnlineCPUs
	} else {
		gaps = append(gaps, "cpu_stats.online_cpus")
	}
	if len(gaps) > 0 {
		return 0, gaps
	}

	// Subtract before converting: host counters exceed 2^53 and a small
	// delta would round away in float64.
	if total <= preTotal || system <= preSystem {
		return 0, nil
	}
	cpuDelta := float64(total - preTotal)
	systemDelta := float64(system - preSystem)
	return cpuDelta / systemDelta * float64(online) * 100, nil
}

func cpuTotal(s *CPUStats) (uint64, bool) {
	if s == nil || s.CPUUsage == nil || s.CPUUsage.TotalUsage == nil {
		return 0, false
	}
	return *s.CPUUsage.TotalUsage, true
}

func systemUsage(s *CPUStats) (uint64, bool) {
	if s == nil || s.SystemUsage == nil {
		return 0, false
	}
	return *s.SystemUsage, true
}

func memoryCounters(m *MemoryStats) (usage, limit uint64, gaps []string) {
	if m == nil {
		return 0, 0, []string{"memory_stats.usage", "memory_stats.limit"}
	}
	if m.Usage != nil {
		usage = *m.Usage
	} else {
		gaps = append(gaps, "memory_stats.usage")
	}
	if m.Limit != nil {
		limit = *m.Limit
	} else {
		gaps = append(gaps, "memory_stats.limit")
	}
	return usage, limit, gaps
}

// networkBytes sums rx and tx over all interfaces. No interfaces at all means
// the runtime does not report networking, which is not a gap.
func networkBytes(networks map[string]NetworkStats) (uint64, []string) {
	var total uint64
	var gaps []string
	for name, n := range networks {
		if n.RxBytes != nil {
			total += *n.RxBytes
		} else {
			gaps = append(gaps, "networks."+name+".rx_bytes")
		}
		if n.TxBytes != nil {
			total += *n.TxBytes
		} else {
			gaps = append(gaps, "networks."+name+".tx_bytes")
		}
	}
	return total, gaps
}

func blockIOBytes(b *BlkioStats) uint64 {
	if b == nil {
		return 0
	}
	var total uint64
	for _, e := range b.IoServiceBytesRecursive {
		total += e.Value
	}
	return total
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
