package runtime

import builderpkg "github.com/drblury/behaviorflow/internal/runtime/builder"

// Descriptor names a behavior registered on the builder.
type Descriptor = builderpkg.Descriptor

// Behavior is one pluggable pipeline step. It may run logic before and after
// calling next, or skip next to short-circuit the rest of the chain.
//
// next must be called at most once. A second call returns
// ErrContinuationReused without running anything.
type Behavior interface {
	Invoke(ctx *BehaviorContext, next func() error) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx *BehaviorContext, next func() error) error

func (f BehaviorFunc) Invoke(ctx *BehaviorContext, next func() error) error {
	return f(ctx, next)
}

// BehaviorRegistration binds a descriptor to the factory building its behavior.
type BehaviorRegistration struct {
	Descriptor Descriptor
	Factory    builderpkg.Factory
}

// RegisterBehaviors adds every registration to r.
func RegisterBehaviors(r *builderpkg.Registry, regs ...BehaviorRegistration) error {
	for _, reg := range regs {
		if err := r.Register(reg.Descriptor, reg.Factory); err != nil {
			return err
		}
	}
	return nil
}

// StaticBehavior registers a behavior value shared by every invocation.
func StaticBehavior(descriptor Descriptor, b Behavior) BehaviorRegistration {
	return BehaviorRegistration{
		Descriptor: descriptor,
		Factory:    func(builderpkg.Builder) (any, error) { return b, nil },
	}
}

func asBehavior(instance any) (Behavior, bool) {
	switch b := instance.(type) {
	case Behavior:
		return b, true
	case func(*BehaviorContext, func() error) error:
		return BehaviorFunc(b), true
	default:
		return nil, false
	}
}
