package runtime

import (
	"sync"
	"time"

	builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"
	idspkg "github.com/drblury/behaviorflow/internal/runtime/ids"
	"github.com/drblury/behaviorflow/internal/runtime/stream"
)

// Step records one behavior execution. Duration covers the behavior's body
// and everything it invoked downstream; it stays zero when the behavior failed.
type Step struct {
	ID       string                `json:"id"`
	Behavior builderpkg.Descriptor `json:"behavior"`
	Duration time.Duration         `json:"duration_ns"`
}

// Pipe is the execution trace of one chain invocation. Steps are published
// to subscribers as they are added, and the trace completes exactly once.
type Pipe struct {
	id        string
	kind      ContextKind
	startedAt time.Time
	steps     *stream.Stream[Step]

	mu          sync.RWMutex
	log         []Step
	completedAt time.Time
	finishedAt  time.Time
	err         error
}

func newPipe(kind ContextKind) *Pipe {
	return &Pipe{
		id:        idspkg.CreateULID(),
		kind:      kind,
		startedAt: time.Now(),
		steps:     stream.New[Step](),
	}
}

func (p *Pipe) ID() string           { return p.id }
func (p *Pipe) Kind() ContextKind    { return p.kind }
func (p *Pipe) StartedAt() time.Time { return p.startedAt }

// Subscribe observes steps added from now on and the completion signal.
func (p *Pipe) Subscribe(observer stream.Observer[Step]) stream.Subscription {
	return p.steps.Subscribe(observer)
}

// Steps returns the recorded steps with their final durations.
func (p *Pipe) Steps() []Step {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Step, len(p.log))
	copy(out, p.log)
	return out
}

// Completed reports whether the trace signalled completion.
func (p *Pipe) Completed() bool {
	return p.steps.Completed()
}

// Finished reports whether the owning chain has returned; unlike Completed,
// step durations are final once this is true.
func (p *Pipe) Finished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.finishedAt.IsZero()
}

// Duration is the wall time from start to chain return, or zero while running.
func (p *Pipe) Duration() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.finishedAt.IsZero() {
		return 0
	}
	return p.finishedAt.Sub(p.startedAt)
}

// Err is the error the invocation surfaced, if any.
func (p *Pipe) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *Pipe) addStep(descriptor builderpkg.Descriptor) int {
	step := Step{ID: idspkg.CreateULID(), Behavior: descriptor}
	p.mu.Lock()
	p.log = append(p.log, step)
	index := len(p.log) - 1
	p.mu.Unlock()

	p.steps.Publish(step)
	return index
}

func (p *Pipe) finishStep(index int, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log[index].Duration = d
}

func (p *Pipe) complete() {
	p.mu.Lock()
	if p.completedAt.IsZero() {
		p.completedAt = time.Now()
	}
	p.mu.Unlock()
	p.steps.Complete()
}

func (p *Pipe) finish(err error) {
	p.complete()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishedAt = time.Now()
	p.err = err
}

// PipeSnapshot is a serializable view of a Pipe.
type PipeSnapshot struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	StartedAt  time.Time     `json:"started_at"`
	DurationNs time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
	Steps      []Step        `json:"steps"`
}

// Snapshot captures the pipe's current state.
func (p *Pipe) Snapshot() PipeSnapshot {
	snap := PipeSnapshot{
		ID:         p.id,
		Kind:       p.kind.String(),
		StartedAt:  p.startedAt,
		DurationNs: p.Duration(),
		Steps:      p.Steps(),
	}
	if err := p.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// InvocationRegistry broadcasts pipeline invocations: Subscribe observes
// invocations as they start, Finished observes them once their chain returned.
// Neither stream replays past invocations.
type InvocationRegistry struct {
	started  *stream.Stream[*Pipe]
	finished *stream.Stream[*Pipe]
}

// NewInvocationRegistry returns a registry with no subscribers.
func NewInvocationRegistry() *InvocationRegistry {
	return &InvocationRegistry{
		started:  stream.New[*Pipe](),
		finished: stream.New[*Pipe](),
	}
}

// Subscribe observes new pipeline invocations.
func (r *InvocationRegistry) Subscribe(observer stream.Observer[*Pipe]) stream.Subscription {
	return r.started.Subscribe(observer)
}

// Finished exposes invocations whose chain has returned, successfully or not.
func (r *InvocationRegistry) Finished() stream.Observable[*Pipe] {
	return r.finished
}

// Close completes both streams.
func (r *InvocationRegistry) Close() {
	r.started.Complete()
	r.finished.Complete()
}

func (r *InvocationRegistry) add(p *Pipe) {
	if r != nil {
		r.started.Publish(p)
	}
}

func (r *InvocationRegistry) done(p *Pipe) {
	if r != nil {
		r.finished.Publish(p)
	}
}
