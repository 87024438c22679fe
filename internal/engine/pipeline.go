package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"draftline/internal/audit"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/repo"
	"draftline/internal/stage"
	"draftline/internal/state"
)

// Progress checkpoints per pipeline step.
const (
	progressResearch = 10
	progressDraft    = 25
	progressQuality  = 45
	progressImage    = 60
	progressFormat   = 75
	progressGated    = 100
)

// Run is an accepted pipeline run holding the task's exclusive lease.
type Run struct {
	e      Engine
	TaskID string
	runID  string
	actor  string
	from   domain.Stage
}

// Start accepts a pipeline run for a pending task: it claims the per-task
// lease and moves the task to in_progress in one transaction. Exactly one
// of two concurrent Start calls can succeed; the other gets ErrTaskRunning
// or the recorded validation failure.
func (e Engine) Start(ctx context.Context, taskID, actor string) (*Run, error) {
	return e.acquireRun(ctx, taskID, actor, domain.StatusPending, "pipeline_started")
}

// Resume restarts a held task. Where it picks up is a config policy:
// resume continues from the interrupted stage, restart reruns from research.
func (e Engine) Resume(ctx context.Context, taskID, actor string) (*Run, error) {
	return e.acquireRun(ctx, taskID, actor, domain.StatusOnHold, "resumed")
}

func (e Engine) acquireRun(ctx context.Context, taskID, actor string, expect domain.Status, reason string) (*Run, error) {
	runID := uuid.New().String()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	if lease, err := e.Repo.GetLeaseTx(ctx, tx, taskID); err == nil {
		if exp, perr := time.Parse(time.RFC3339, lease.ExpiresAt); perr == nil && now.Before(exp) {
			return nil, ErrTaskRunning
		}
	} else if err != repo.ErrNotFound {
		return nil, err
	}
	if t.Status != expect {
		tx.Rollback()
		f := &state.Failure{
			From: t.Status, To: domain.StatusInProgress,
			Severity: state.SeverityError, Cause: state.CauseConstraint,
			Recommendation: fmt.Sprintf("a pipeline run requires status %s, task is %s", expect, t.Status),
		}
		if rerr := e.Audit.RecordFailure(ctx, taskID, actor, f); rerr != nil {
			return nil, fmt.Errorf("record validation failure: %w", rerr)
		}
		return nil, f
	}
	if f := state.Validate(t.Status, domain.StatusInProgress, state.Metadata{Actor: actor}); f != nil {
		tx.Rollback()
		if rerr := e.Audit.RecordFailure(ctx, taskID, actor, f); rerr != nil {
			return nil, fmt.Errorf("record validation failure: %w", rerr)
		}
		return nil, f
	}

	from := domain.StageResearch
	if expect == domain.StatusOnHold && t.Stage != nil && e.Config.Pipeline.ResumePolicy == config.ResumeFromStage {
		from = *t.Stage
	}
	old := t.Status
	t.Status = domain.StatusInProgress
	t.Stage = &from
	t.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	expires := now.Add(time.Duration(e.Config.Pipeline.LeaseSeconds) * time.Second)
	if err := e.Repo.UpsertLease(ctx, tx, domain.Lease{
		TaskID:     taskID,
		OwnerID:    runID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  expires.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	if err := e.appendAudit(ctx, tx, audit.Record{
		TaskID:    taskID,
		OldStatus: &old,
		NewStatus: domain.StatusInProgress,
		Stage:     &from,
		Reason:    reason,
		Actor:     actor,
		Payload:   audit.Payload{"run_id": runID},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Run{e: e, TaskID: taskID, runID: runID, actor: actor, from: from}, nil
}

// Execute drives the accepted run stage by stage until the task is gated
// at awaiting_approval, fails, or is abandoned because an operator moved
// it elsewhere. Every step persists before the next begins.
func (r *Run) Execute(ctx context.Context) (domain.Task, error) {
	started := false
	for _, s := range domain.PipelineStages {
		if s == r.from {
			started = true
		}
		if !started {
			continue
		}
		t, proceed, err := r.step(ctx, s)
		if err != nil || !proceed {
			return t, err
		}
	}
	return r.gate(ctx)
}

// step runs one stage. proceed=false means the run ends here without an
// error: the task failed fatally or was taken over by an operator.
func (r *Run) step(ctx context.Context, s domain.Stage) (domain.Task, bool, error) {
	t, ok, err := r.checkpoint(ctx)
	if err != nil || !ok {
		return t, false, err
	}
	switch s {
	case domain.StageResearch:
		out, err := r.invoke(ctx, s, stage.Input{TaskID: t.ID, Topic: t.Topic, ParamsJSON: deref(t.ParamsJSON)})
		if err != nil {
			ft, ferr := r.fail(ctx, s, err)
			return ft, false, ferr
		}
		return r.advance(ctx, s, progressResearch, func(t *domain.Task) {
			t.ResearchNotes = &out.Content
		})
	case domain.StageDraft:
		out, err := r.invoke(ctx, s, stage.Input{TaskID: t.ID, Topic: t.Topic, ParamsJSON: deref(t.ParamsJSON), Research: deref(t.ResearchNotes)})
		if err != nil {
			ft, ferr := r.fail(ctx, s, err)
			return ft, false, ferr
		}
		return r.advance(ctx, s, progressDraft, func(t *domain.Task) {
			t.ContentDraft = &out.Content
		})
	case domain.StageQuality:
		return r.refine(ctx, t)
	case domain.StageImage:
		out, err := r.invoke(ctx, s, stage.Input{TaskID: t.ID, Topic: t.Topic, Draft: deref(t.ContentDraft)})
		if err != nil {
			// Non-fatal: proceed without an image, leaving a warning
			// in the trail.
			return r.persist(ctx, domain.StatusInProgress, transitionOptions{
				reason: "image_stage_failed",
				actor:  "system",
				stage:  &s,
				payload: audit.Payload{
					"severity": "warning",
					"error":    err.Error(),
				},
				mutate: func(t *domain.Task) {
					t.ProgressPercent = maxInt(t.ProgressPercent, progressImage)
				},
			})
		}
		return r.advance(ctx, s, progressImage, func(t *domain.Task) {
			if out.Ref != "" {
				t.ImageRef = &out.Ref
			}
		})
	case domain.StageFormat:
		out, err := r.invoke(ctx, s, stage.Input{TaskID: t.ID, Topic: t.Topic, Draft: deref(t.ContentDraft)})
		if err != nil {
			ft, ferr := r.fail(ctx, s, err)
			return ft, false, ferr
		}
		return r.advance(ctx, s, progressFormat, func(t *domain.Task) {
			t.ContentDraft = &out.Content
		})
	default:
		return t, false, fmt.Errorf("unknown pipeline stage %s", s)
	}
}

// refine is the bounded draft-then-evaluate loop. It improves, it does not
// gate: the task moves on with its final score either way, and the human
// approver decides. An evaluator error consumes one attempt.
func (r *Run) refine(ctx context.Context, t domain.Task) (domain.Task, bool, error) {
	threshold := r.e.Config.Pipeline.QualityThreshold
	maxRefinements := r.e.Config.Pipeline.MaxRefinements
	qualityStage := domain.StageQuality
	for {
		if t2, ok, err := r.checkpoint(ctx); err != nil || !ok {
			return t2, false, err
		}
		score, feedback, evalErr := r.e.Evaluator.Evaluate(ctx, deref(t.ContentDraft))
		if evalErr != nil {
			if t.RefinementCount >= maxRefinements {
				break
			}
			var ok bool
			var err error
			t, ok, err = r.persist(ctx, domain.StatusInProgress, transitionOptions{
				reason: "refinement_iteration",
				actor:  "system",
				stage:  &qualityStage,
				payload: audit.Payload{
					"evaluator_error": evalErr.Error(),
				},
				mutate: func(t *domain.Task) {
					t.RefinementCount++
				},
			})
			if err != nil || !ok {
				return t, false, err
			}
			if t.RefinementCount >= maxRefinements {
				break
			}
			continue
		}
		var ok bool
		var err error
		t, ok, err = r.persist(ctx, domain.StatusInProgress, transitionOptions{
			reason: "quality_evaluated",
			actor:  "system",
			stage:  &qualityStage,
			payload: audit.Payload{
				"score":            score,
				"refinement_count": t.RefinementCount,
			},
			mutate: func(t *domain.Task) {
				t.QualityScore = &score
				t.QualityFeedback = &feedback
			},
		})
		if err != nil || !ok {
			return t, false, err
		}
		if score >= threshold || t.RefinementCount >= maxRefinements {
			break
		}
		out, draftErr := r.invoke(ctx, domain.StageDraft, stage.Input{
			TaskID:   t.ID,
			Topic:    t.Topic,
			Research: deref(t.ResearchNotes),
			Draft:    deref(t.ContentDraft),
			Feedback: feedback,
		})
		if draftErr != nil {
			ft, ferr := r.fail(ctx, domain.StageDraft, draftErr)
			return ft, false, ferr
		}
		t, ok, err = r.persist(ctx, domain.StatusInProgress, transitionOptions{
			reason: "refinement_iteration",
			actor:  "system",
			stage:  &qualityStage,
			payload: audit.Payload{
				"score":    score,
				"feedback": feedback,
			},
			mutate: func(t *domain.Task) {
				t.RefinementCount++
				t.ContentDraft = &out.Content
			},
		})
		if err != nil || !ok {
			return t, false, err
		}
	}
	return r.advance(ctx, domain.StageQuality, progressQuality, nil)
}

// gate is the hard stop: awaiting_approval, lease released. No code path
// in the orchestrator goes past it.
func (r *Run) gate(ctx context.Context) (domain.Task, error) {
	t, ok, err := r.checkpoint(ctx)
	if err != nil || !ok {
		return t, err
	}
	t, _, err = r.persist(ctx, domain.StatusAwaitingApproval, transitionOptions{
		reason:       "pipeline_completed",
		actor:        "system",
		payload:      audit.Payload{"run_id": r.runID},
		releaseLease: true,
		mutate: func(t *domain.Task) {
			t.ProgressPercent = progressGated
		},
	})
	return t, err
}

// persist applies a run transition guarded on the task still being
// in_progress. proceed=false with a nil error means an operator took the
// task over and the run has released its lease and must stop.
func (r *Run) persist(ctx context.Context, to domain.Status, opts transitionOptions) (domain.Task, bool, error) {
	opts.onlyFrom = domain.StatusInProgress
	t, err := r.e.applyTransition(ctx, r.TaskID, to, opts)
	if errors.Is(err, errTakenOver) {
		t, rerr := r.release(ctx)
		return t, false, rerr
	}
	if err != nil {
		return t, false, err
	}
	return t, true, nil
}

// checkpoint re-reads the task between suspension points. ok=false means
// the run must abandon: the context was cancelled or an operator moved the
// task out of in_progress. The lease is dropped on abandon.
func (r *Run) checkpoint(ctx context.Context) (domain.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		t, rerr := r.release(context.WithoutCancel(ctx))
		if rerr != nil {
			return t, false, rerr
		}
		return t, false, err
	}
	t, err := r.e.Repo.GetTask(ctx, r.TaskID)
	if err != nil {
		return t, false, err
	}
	if t.Status != domain.StatusInProgress {
		t, err = r.release(ctx)
		return t, false, err
	}
	return t, true, nil
}

func (r *Run) release(ctx context.Context) (domain.Task, error) {
	tx, err := r.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := r.e.Repo.DeleteLease(ctx, tx, r.TaskID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return r.e.Repo.GetTask(ctx, r.TaskID)
}

// invoke dispatches to the registered adapter for the stage. The adapter
// call is the orchestrator's only suspension point besides the evaluator.
func (r *Run) invoke(ctx context.Context, s domain.Stage, in stage.Input) (stage.Output, error) {
	adapter, err := r.e.Stages.Get(s)
	if err != nil {
		return stage.Output{}, err
	}
	return adapter.Run(ctx, in)
}

// advance records a completed stage as an in_progress self-loop with the
// stage field moved forward and progress bumped (never down).
func (r *Run) advance(ctx context.Context, s domain.Stage, progress int, mutate func(*domain.Task)) (domain.Task, bool, error) {
	return r.persist(ctx, domain.StatusInProgress, transitionOptions{
		reason:  "stage_completed",
		actor:   "system",
		stage:   &s,
		payload: audit.Payload{"stage": string(s), "progress": progress},
		mutate: func(t *domain.Task) {
			t.ProgressPercent = maxInt(t.ProgressPercent, progress)
			if mutate != nil {
				mutate(t)
			}
		},
	})
}

// fail is the fatal path for research, draft, and format errors. The lease
// is released with the failed transition in one unit of work.
func (r *Run) fail(ctx context.Context, s domain.Stage, cause error) (domain.Task, error) {
	t, _, err := r.persist(ctx, domain.StatusFailed, transitionOptions{
		reason: "stage_failed",
		actor:  "system",
		stage:  &s,
		payload: audit.Payload{
			"stage": string(s),
			"error": cause.Error(),
		},
		releaseLease: true,
	})
	return t, err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
