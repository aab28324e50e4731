package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/cpu/classes/total:cpu-seconds"

// resourceTracker samples process CPU and heap usage. CPU percent is derived
// from the delta between two consecutive samples, so the first one reads 0.
type resourceTracker struct {
	mu          sync.Mutex
	samples     []metrics.Sample
	lastCPU     float64
	lastSampled time.Time
	numCPU      float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(r.samples)

	now := time.Now()
	var usage ResourceUsage
	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastSampled.IsZero() && r.numCPU > 0 {
			if wall := now.Sub(r.lastSampled).Seconds(); wall > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastSampled = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.HeapAlloc
	usage.Goroutines = runtime.NumGoroutine()
	return usage
}
