package engine

import (
	"context"
	"database/sql"
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

// ErrTaskRunning is returned when a pipeline run is requested for a task
// that already holds an active run lease.
var ErrTaskRunning = errors.New("task already running")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Writer
	Config    *config.Config
	Stages    *stage.Registry
	Evaluator stage.Evaluator
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, stages *stage.Registry, eval stage.Evaluator) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Audit:     audit.Writer{DB: db},
		Config:    cfg,
		Stages:    stages,
		Evaluator: eval,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateTask registers a new unit of work in pending. The very first audit
// row has no old status.
func (e Engine) CreateTask(ctx context.Context, topic, paramsJSON string) (domain.Task, error) {
	if topic == "" {
		return domain.Task{}, errors.New("topic is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             uuid.New().String(),
		Topic:          topic,
		Status:         domain.StatusPending,
		ApprovalStatus: domain.ApprovalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if paramsJSON != "" {
		t.ParamsJSON = &paramsJSON
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.appendAudit(ctx, tx, audit.Record{
		TaskID:    t.ID,
		NewStatus: domain.StatusPending,
		Reason:    "task_created",
		Actor:     "system",
		Payload:   audit.Payload{"topic": topic},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// transitionOptions parameterizes one validated status change.
type transitionOptions struct {
	reason  string
	actor   string
	stage   *domain.Stage
	payload audit.Payload
	md      state.Metadata
	// mutate edits the task after status/stage are applied, inside the tx.
	mutate func(*domain.Task)
	// releaseLease drops the run lease in the same tx.
	releaseLease bool
	// onlyFrom, when set, turns a status mismatch into errTakenOver
	// instead of a recorded validation failure. Pipeline runs use it to
	// detect that an operator moved the task out from under them.
	onlyFrom domain.Status
}

// errTakenOver signals that the task left the expected status between
// pipeline steps. The run abandons; nothing is recorded.
var errTakenOver = errors.New("task status changed by another writer")

// applyTransition validates, mutates, and audits a status change in one
// transaction. Rejections are recorded as validation failures and returned.
func (e Engine) applyTransition(ctx context.Context, taskID string, to domain.Status, opts transitionOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return t, err
	}
	if opts.onlyFrom != "" && t.Status != opts.onlyFrom {
		return t, errTakenOver
	}
	if f := state.Validate(t.Status, to, opts.md); f != nil {
		tx.Rollback()
		if rerr := e.Audit.RecordFailure(ctx, taskID, opts.actor, f); rerr != nil {
			return t, fmt.Errorf("record validation failure: %w", rerr)
		}
		return t, f
	}
	old := t.Status
	t.Status = to
	t.Stage = opts.stage
	if opts.mutate != nil {
		opts.mutate(&t)
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.appendAudit(ctx, tx, audit.Record{
		TaskID:    t.ID,
		OldStatus: &old,
		NewStatus: to,
		Stage:     opts.stage,
		Reason:    opts.reason,
		Actor:     opts.actor,
		Payload:   opts.payload,
	}); err != nil {
		return t, err
	}
	if opts.releaseLease {
		if err := e.Repo.DeleteLease(ctx, tx, t.ID); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) appendAudit(ctx context.Context, tx *sql.Tx, rec audit.Record) error {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.Now
	}
	return w.Append(ctx, tx, rec)
}

// Decision values accepted by Decide.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Decide is the approval gate: the only legal path out of
// awaiting_approval. No content reaches the publish boundary without this
// having been called with an approve decision by an identified reviewer.
func (e Engine) Decide(ctx context.Context, taskID, decision, reviewer, feedback string) (domain.Task, error) {
	var to domain.Status
	switch decision {
	case DecisionApprove:
		to = domain.StatusApproved
	case DecisionReject:
		to = domain.StatusRejected
	default:
		return domain.Task{}, fmt.Errorf("decision must be %q or %q", DecisionApprove, DecisionReject)
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.applyTransition(ctx, taskID, to, transitionOptions{
		reason: "approval_decision",
		actor:  reviewer,
		md:     state.Metadata{Actor: reviewer, Feedback: feedback},
		payload: audit.Payload{
			"decision": decision,
			"reviewer": reviewer,
			"feedback": feedback,
		},
		mutate: func(t *domain.Task) {
			t.ApprovedBy = &reviewer
			t.ApprovalTimestamp = &now
			if feedback != "" {
				t.HumanFeedback = &feedback
			}
			if to == domain.StatusApproved {
				t.ApprovalStatus = domain.ApprovalApproved
			} else {
				t.ApprovalStatus = domain.ApprovalRejected
			}
		},
	})
}

// Publish moves an approved task to published and records the artifact
// reference. It is an explicit step, never triggered by approval itself.
func (e Engine) Publish(ctx context.Context, taskID, reference, actor string) (domain.Task, error) {
	return e.applyTransition(ctx, taskID, domain.StatusPublished, transitionOptions{
		reason:  "published",
		actor:   actor,
		md:      state.Metadata{Actor: actor, PublishedReference: reference},
		payload: audit.Payload{"published_reference": reference},
		mutate: func(t *domain.Task) {
			t.PublishedReference = &reference
		},
	})
}

// Hold pauses a task at its current point.
func (e Engine) Hold(ctx context.Context, taskID, actor string) (domain.Task, error) {
	var held *domain.Stage
	tGet, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return tGet, err
	}
	held = tGet.Stage
	return e.applyTransition(ctx, taskID, domain.StatusOnHold, transitionOptions{
		reason: "hold",
		actor:  actor,
		stage:  held,
		md:     state.Metadata{Actor: actor},
	})
}

// Cancel marks a task cancelled. A running pipeline notices at its next
// persistence point and abandons; the run lease is dropped then.
func (e Engine) Cancel(ctx context.Context, taskID, actor, reason string) (domain.Task, error) {
	return e.applyTransition(ctx, taskID, domain.StatusCancelled, transitionOptions{
		reason:  "cancel",
		actor:   actor,
		md:      state.Metadata{Actor: actor},
		payload: audit.Payload{"operator_reason": reason},
	})
}

// --- query surface ---

func (e Engine) GetStatus(ctx context.Context, taskID string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) GetHistory(ctx context.Context, taskID string, category repo.TransitionCategory) ([]domain.StatusTransition, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, taskID, category)
}

func (e Engine) GetFailures(ctx context.Context, taskID string) ([]domain.ValidationFailure, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListFailures(ctx, taskID)
}

func (e Engine) GetMetrics(ctx context.Context, f repo.MetricsFilters) (domain.Metrics, error) {
	return e.Repo.Metrics(ctx, f)
}
