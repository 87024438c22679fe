// Package stage defines the boundary between the orchestrator and the
// content-generation stages. The orchestrator treats every adapter
// identically; what a stage does internally is its own business.
package stage

import (
	"context"
	"fmt"

	"draftline/internal/domain"
)

// Input is the opaque document an adapter receives. Fields are filled in
// as earlier stages produce them.
type Input struct {
	TaskID     string
	Topic      string
	ParamsJSON string
	Research   string
	Draft      string
	// Feedback carries evaluator output into a refinement re-draft.
	Feedback string
}

// Output is a stage's success payload.
type Output struct {
	Content string
	// Ref points at an external artifact (image stage).
	Ref string
}

// Adapter runs one pipeline stage. Adapters must tolerate re-invocation
// with the same input: a crashed step may be retried.
type Adapter interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, in Input) (Output, error)

func (f Func) Run(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

// Evaluator scores a draft against a fixed rubric, returning a 0-10 score
// and free-text feedback.
type Evaluator interface {
	Evaluate(ctx context.Context, draft string) (float64, string, error)
}

// Registry selects adapters by stage. Selection is by enum key, never by
// runtime type inspection.
type Registry struct {
	adapters map[domain.Stage]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.Stage]Adapter{}}
}

func (r *Registry) Register(s domain.Stage, a Adapter) {
	r.adapters[s] = a
}

func (r *Registry) Get(s domain.Stage) (Adapter, error) {
	a, ok := r.adapters[s]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for stage %s", s)
	}
	return a, nil
}
