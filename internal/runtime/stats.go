package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// PipelineStats aggregates finished invocations of one pipeline kind.
type PipelineStats struct {
	mu sync.Mutex `json:"-"`

	kind string `json:"-"`

	Invocations     uint64    `json:"invocations"`
	Failed          uint64    `json:"failed"`
	TotalDurationNs int64     `json:"total_duration_ns"`
	LastInvokedAt   time.Time `json:"last_invoked_at"`

	Latency    LatencyMetrics       `json:"latency"`
	Throughput ThroughputMetrics    `json:"throughput"`
	Errors     ErrorBreakdown       `json:"errors"`
	Resource   ResourceUsage        `json:"resource"`
	Steps      map[string]StepStats `json:"steps"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// StepStats counts executions of one behavior. Only successful steps carry a
// duration.
type StepStats struct {
	Executions      uint64 `json:"executions"`
	TotalDurationNs int64  `json:"total_duration_ns"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS          float64 `json:"current_rps"`
	WindowSeconds       float64 `json:"window_seconds"`
	InvocationsInWindow uint64  `json:"invocations_in_window"`
	TotalInvocations    uint64  `json:"total_invocations"`
}

type ErrorBreakdown struct {
	Resolution    uint64 `json:"resolution"`
	Unprocessable uint64 `json:"unprocessable"`
	Panic         uint64 `json:"panic"`
	InvalidState  uint64 `json:"invalid_state"`
	Canceled      uint64 `json:"canceled"`
	Other         uint64 `json:"other"`
	LastError     string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryResolution    ErrorCategory = "resolution"
	ErrorCategoryUnprocessable ErrorCategory = "unprocessable"
	ErrorCategoryPanic         ErrorCategory = "panic"
	ErrorCategoryInvalidState  ErrorCategory = "invalid_state"
	ErrorCategoryCanceled      ErrorCategory = "canceled"
	ErrorCategoryOther         ErrorCategory = "other"
)

func newPipelineStats(kind string, sampler *resourceTracker) *PipelineStats {
	return &PipelineStats{
		kind:             kind,
		Steps:            make(map[string]StepStats),
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *PipelineStats) record(p *Pipe) {
	duration := p.Duration()
	err := p.Err()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Invocations++
	if err != nil {
		s.Failed++
	}
	s.TotalDurationNs += int64(duration)
	s.LastInvokedAt = time.Now().UTC()

	for _, step := range p.Steps() {
		name := step.Behavior.String()
		st := s.Steps[name]
		st.Executions++
		st.TotalDurationNs += int64(step.Duration)
		s.Steps[name] = st
	}

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.TotalDurationNs / int64(s.Invocations)
	s.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.InvocationsInWindow = uint64(tp.Count)
	s.Throughput.TotalInvocations = s.Invocations

	s.Errors.Record(classifyError(err), err)

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

// clone returns a copy safe to hand out while recording continues.
func (s *PipelineStats) clone() *PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &PipelineStats{
		kind:            s.kind,
		Invocations:     s.Invocations,
		Failed:          s.Failed,
		TotalDurationNs: s.TotalDurationNs,
		LastInvokedAt:   s.LastInvokedAt,
		Latency:         s.Latency,
		Throughput:      s.Throughput,
		Errors:          s.Errors,
		Resource:        s.Resource,
		Steps:           make(map[string]StepStats, len(s.Steps)),
	}
	for k, v := range s.Steps {
		out.Steps[k] = v
	}
	return out
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryResolution:
		e.Resolution++
	case ErrorCategoryUnprocessable:
		e.Unprocessable++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryInvalidState:
		e.InvalidState++
	case ErrorCategoryCanceled:
		e.Canceled++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

func classifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var (
		resolution    *errspkg.ResolutionError
		unprocessable *errspkg.UnprocessableMessageError
		panicked      *errspkg.PanicError
		invalid       *errspkg.InvalidStateError
	)
	switch {
	case errors.As(err, &resolution):
		return ErrorCategoryResolution
	case errors.As(err, &unprocessable):
		return ErrorCategoryUnprocessable
	case errors.As(err, &panicked):
		return ErrorCategoryPanic
	case errors.As(err, &invalid),
		errors.Is(err, errspkg.ErrContinuationReused),
		errors.Is(err, errspkg.ErrSnapshotUnderflow):
		return ErrorCategoryInvalidState
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	}
	return ErrorCategoryOther
}

// latencyWindow keeps the most recent durations in a fixed ring.
type latencyWindow struct {
	ring []time.Duration
	pos  int
	full bool
	last time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.ring) == 0 {
		return
	}
	lw.last = d
	lw.ring[lw.pos] = d
	if lw.pos++; lw.pos == len(lw.ring) {
		lw.pos, lw.full = 0, true
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw == nil {
		return LatencyMetrics{}
	}
	kept := lw.ring[:lw.pos]
	if lw.full {
		kept = lw.ring
	}
	metrics := LatencyMetrics{LastNs: int64(lw.last), SampleSize: len(kept)}
	if len(kept) == 0 {
		return metrics
	}

	sorted := slices.Clone(kept)
	slices.Sort(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	metrics.AverageNs = int64(total) / int64(len(sorted))
	metrics.P50Ns = int64(percentile(sorted, 0.50))
	metrics.P95Ns = int64(percentile(sorted, 0.95))
	metrics.P99Ns = int64(percentile(sorted, 0.99))
	return metrics
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []time.Duration, q float64) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(float64(sorted[lo+1]-sorted[lo])*frac)
}

// throughputWindow counts invocations finished within horizon.
type throughputWindow struct {
	horizon time.Duration
	times   []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon}
}

// AddAndSnapshot records an invocation finished at now and reports the rate
// over the span of the retained ones.
func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	cutoff := now.Add(-tw.horizon)
	keep := slices.IndexFunc(tw.times, func(t time.Time) bool { return !t.Before(cutoff) })
	if keep < 0 {
		keep = len(tw.times)
	}
	tw.times = append(slices.Delete(tw.times, 0, keep), now)

	span := max(now.Sub(tw.times[0]), time.Nanosecond)
	return throughputSnapshot{
		Count:         len(tw.times),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.times)) / span.Seconds(),
	}
}
