package stage

import (
	"context"
	"fmt"
	"strings"

	"draftline/internal/domain"
)

// NewLocalRegistry returns deterministic placeholder adapters so the CLI
// and server run without any external generation backend wired in.
// Production deployments register real adapters instead.
func NewLocalRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.StageResearch, Func(func(ctx context.Context, in Input) (Output, error) {
		return Output{Content: fmt.Sprintf("Key points on %q:\n- background\n- current state\n- open questions", in.Topic)}, nil
	}))
	r.Register(domain.StageDraft, Func(func(ctx context.Context, in Input) (Output, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", in.Topic)
		b.WriteString(in.Research)
		if in.Feedback != "" {
			fmt.Fprintf(&b, "\n\nRevised per feedback: %s", in.Feedback)
		}
		return Output{Content: b.String()}, nil
	}))
	r.Register(domain.StageImage, Func(func(ctx context.Context, in Input) (Output, error) {
		return Output{Ref: "placeholder://" + in.TaskID}, nil
	}))
	r.Register(domain.StageFormat, Func(func(ctx context.Context, in Input) (Output, error) {
		return Output{Content: strings.TrimSpace(in.Draft) + "\n"}, nil
	}))
	return r
}

// StaticEvaluator returns a fixed score for every draft. Useful for local
// runs and tests.
type StaticEvaluator struct {
	Score    float64
	Feedback string
}

func (e StaticEvaluator) Evaluate(ctx context.Context, draft string) (float64, string, error) {
	return e.Score, e.Feedback, nil
}
