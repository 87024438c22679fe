package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/engine"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/stage"
	"draftline/internal/state"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// scriptedEvaluator returns one scripted result per call, in order. The
// last entry repeats once the script runs out.
type scriptedEvaluator struct {
	results []evalResult
	calls   int
}

type evalResult struct {
	score    float64
	feedback string
	err      error
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, draft string) (float64, string, error) {
	i := e.calls
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	e.calls++
	r := e.results[i]
	return r.score, r.feedback, r.err
}

func newTestEnv(t *testing.T, eval stage.Evaluator) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if eval == nil {
		eval = stage.StaticEvaluator{Score: 8.5, Feedback: "solid"}
	}
	eng := engine.New(conn, config.Default(), stage.NewLocalRegistry(), eval)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func runPipeline(t *testing.T, env testEnv, taskID string) domain.Task {
	t.Helper()
	run, err := env.Engine.Start(env.Ctx, taskID, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	task, err := run.Execute(env.Ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return task
}

func TestCreateTaskWritesFirstAuditRow(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, "heat pumps", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	hist, err := env.Engine.GetHistory(env.Ctx, task.ID, repo.CategoryAll)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(hist))
	}
	first := hist[0]
	if first.OldStatus != nil {
		t.Fatalf("first transition old status = %v, want nil", *first.OldStatus)
	}
	if first.NewStatus != domain.StatusPending || first.Seq != 1 {
		t.Fatalf("first transition = %s seq %d, want pending seq 1", first.NewStatus, first.Seq)
	}
}

func TestPipelineFirstPassGatesAtApproval(t *testing.T) {
	env := newTestEnv(t, stage.StaticEvaluator{Score: 8.5, Feedback: "solid"})
	created, err := env.Engine.CreateTask(env.Ctx, "heat pumps", "")
	if err != nil {
		t.Fatal(err)
	}
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", task.Status)
	}
	if task.ProgressPercent != 100 {
		t.Fatalf("progress = %d, want 100", task.ProgressPercent)
	}
	if task.RefinementCount != 0 {
		t.Fatalf("refinement count = %d, want 0", task.RefinementCount)
	}
	if task.QualityScore == nil || *task.QualityScore != 8.5 {
		t.Fatalf("quality score = %v, want 8.5", task.QualityScore)
	}
	if task.ContentDraft == nil || task.ImageRef == nil {
		t.Fatal("expected draft content and image ref")
	}
	// lease released at the gate
	if _, err := env.Engine.Repo.GetLease(env.Ctx, task.ID); err != repo.ErrNotFound {
		t.Fatalf("expected lease gone, got %v", err)
	}
}

func TestHistoryIsOrderedAndComplete(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "ordered", "")
	runPipeline(t, env, created.ID)

	hist, err := env.Engine.GetHistory(env.Ctx, created.ID, repo.CategoryAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) < 7 {
		t.Fatalf("expected full trail, got %d rows", len(hist))
	}
	for i, tr := range hist {
		if tr.Seq != int64(i+1) {
			t.Fatalf("row %d has seq %d, want contiguous from 1", i, tr.Seq)
		}
		if i > 0 {
			prev := hist[i-1]
			if tr.OldStatus == nil || *tr.OldStatus != prev.NewStatus {
				t.Fatalf("row %d old status does not chain from previous new status", i)
			}
		}
	}
	last := hist[len(hist)-1]
	if last.NewStatus != domain.StatusAwaitingApproval || last.Reason != "pipeline_completed" {
		t.Fatalf("last row = %s/%s, want awaiting_approval/pipeline_completed", last.NewStatus, last.Reason)
	}
}

func TestRefinementLoopImprovesThenPasses(t *testing.T) {
	eval := &scriptedEvaluator{results: []evalResult{
		{score: 6.0, feedback: "tighten the intro"},
		{score: 7.2, feedback: "good enough"},
	}}
	env := newTestEnv(t, eval)
	created, _ := env.Engine.CreateTask(env.Ctx, "needs a pass", "")
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", task.Status)
	}
	if task.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want 1", task.RefinementCount)
	}
	if task.QualityScore == nil || *task.QualityScore != 7.2 {
		t.Fatalf("quality score = %v, want final 7.2", task.QualityScore)
	}

	refinements, err := env.Engine.GetHistory(env.Ctx, created.ID, repo.CategoryRefinement)
	if err != nil {
		t.Fatal(err)
	}
	if len(refinements) != 1 {
		t.Fatalf("expected 1 refinement row, got %d", len(refinements))
	}
}

func TestStuckDraftStillGates(t *testing.T) {
	env := newTestEnv(t, stage.StaticEvaluator{Score: 4.0, Feedback: "weak"})
	created, _ := env.Engine.CreateTask(env.Ctx, "stubborn", "")
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval even below threshold", task.Status)
	}
	max := env.Engine.Config.Pipeline.MaxRefinements
	if task.RefinementCount != max {
		t.Fatalf("refinement count = %d, want max %d", task.RefinementCount, max)
	}
	if task.QualityScore == nil || *task.QualityScore != 4.0 {
		t.Fatalf("quality score = %v, want 4.0 preserved for the reviewer", task.QualityScore)
	}
}

func TestEvaluatorErrorConsumesAttempt(t *testing.T) {
	eval := &scriptedEvaluator{results: []evalResult{
		{err: errors.New("evaluator timeout")},
		{score: 9.0, feedback: "fine"},
	}}
	env := newTestEnv(t, eval)
	created, _ := env.Engine.CreateTask(env.Ctx, "flaky evaluator", "")
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", task.Status)
	}
	if task.RefinementCount != 1 {
		t.Fatalf("refinement count = %d, want 1 consumed by the error", task.RefinementCount)
	}
	if task.QualityScore == nil || *task.QualityScore != 9.0 {
		t.Fatalf("quality score = %v, want 9.0 from the retry", task.QualityScore)
	}
}

func TestImageFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Stages.Register(domain.StageImage, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{}, errors.New("image backend down")
	}))
	created, _ := env.Engine.CreateTask(env.Ctx, "no picture", "")
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval despite image failure", task.Status)
	}
	if task.ImageRef != nil {
		t.Fatalf("image ref = %v, want none", *task.ImageRef)
	}
	hist, _ := env.Engine.GetHistory(env.Ctx, created.ID, repo.CategoryAll)
	found := false
	for _, tr := range hist {
		if tr.Reason == "image_stage_failed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an image_stage_failed warning row in the trail")
	}
}

func TestResearchFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Engine.Stages.Register(domain.StageResearch, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{}, errors.New("source unavailable")
	}))
	created, _ := env.Engine.CreateTask(env.Ctx, "doomed", "")
	task := runPipeline(t, env, created.ID)

	if task.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, task.ID); err != repo.ErrNotFound {
		t.Fatalf("expected lease released on failure, got %v", err)
	}
	// terminal: no restart
	if _, err := env.Engine.Start(env.Ctx, task.ID, "tester"); err == nil {
		t.Fatal("expected start of a failed task to be rejected")
	}
}

func TestStartIsExclusive(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "contended", "")
	if _, err := env.Engine.Start(env.Ctx, created.ID, "runner-a"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := env.Engine.Start(env.Ctx, created.ID, "runner-b")
	if !errors.Is(err, engine.ErrTaskRunning) {
		t.Fatalf("second start: got %v, want ErrTaskRunning", err)
	}
}

func TestApproveThenPublish(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "approved path", "")
	runPipeline(t, env, created.ID)

	task, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionApprove, "reviewer-1", "ship it")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if task.Status != domain.StatusApproved || task.ApprovalStatus != domain.ApprovalApproved {
		t.Fatalf("status = %s/%s, want approved/approved", task.Status, task.ApprovalStatus)
	}
	if task.ApprovedBy == nil || *task.ApprovedBy != "reviewer-1" {
		t.Fatal("expected approved_by recorded")
	}
	if task.ApprovalTimestamp == nil {
		t.Fatal("expected approval timestamp recorded")
	}

	task, err = env.Engine.Publish(env.Ctx, created.ID, "posts/2026/approved-path", "ops-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if task.Status != domain.StatusPublished {
		t.Fatalf("status = %s, want published", task.Status)
	}
	if task.PublishedReference == nil || *task.PublishedReference != "posts/2026/approved-path" {
		t.Fatal("expected published reference recorded")
	}
}

func TestPublishWithoutApprovalRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "eager publisher", "")
	runPipeline(t, env, created.ID)

	_, err := env.Engine.Publish(env.Ctx, created.ID, "posts/early", "ops-1")
	var f *state.Failure
	if !errors.As(err, &f) {
		t.Fatalf("got %v, want a validation failure", err)
	}
	failures, err := env.Engine.GetFailures(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", len(failures))
	}
	if failures[0].Cause != string(state.CauseInvalidTransition) {
		t.Fatalf("cause = %s, want invalid_transition", failures[0].Cause)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "rejected", "")
	runPipeline(t, env, created.ID)

	task, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionReject, "reviewer-1", "off brand")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if task.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", task.Status)
	}
	if task.HumanFeedback == nil || *task.HumanFeedback != "off brand" {
		t.Fatal("expected reviewer feedback stored")
	}
	// a later approve attempt must fail and be recorded
	if _, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionApprove, "reviewer-2", ""); err == nil {
		t.Fatal("expected approve after reject to be rejected")
	}
	failures, _ := env.Engine.GetFailures(env.Ctx, created.ID)
	if len(failures) != 1 {
		t.Fatalf("expected the failed approve recorded, got %d failures", len(failures))
	}
}

func TestRejectRequiresFeedback(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "silent reject", "")
	runPipeline(t, env, created.ID)

	_, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionReject, "reviewer-1", "")
	var f *state.Failure
	if !errors.As(err, &f) || f.Cause != state.CauseMissingMetadata {
		t.Fatalf("got %v, want missing metadata failure", err)
	}
	task, _ := env.Engine.GetStatus(env.Ctx, created.ID)
	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want unchanged awaiting_approval", task.Status)
	}
}

func TestCancelAbandonsRunningPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "cancelled mid-run", "")
	// the draft adapter cancels the task out from under the run
	env.Engine.Stages.Register(domain.StageDraft, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		if _, err := env.Engine.Cancel(ctx, in.TaskID, "operator-1", "pulled"); err != nil {
			return stage.Output{}, err
		}
		return stage.Output{Content: "never persisted"}, nil
	}))
	run, err := env.Engine.Start(env.Ctx, created.ID, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	task, err := run.Execute(env.Ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}
	if _, err := env.Engine.Repo.GetLease(env.Ctx, created.ID); err != repo.ErrNotFound {
		t.Fatalf("expected lease released on abandon, got %v", err)
	}
}

func TestHoldAndResumeFromStage(t *testing.T) {
	env := newTestEnv(t, nil)
	created, _ := env.Engine.CreateTask(env.Ctx, "paused", "")
	// hold the task during the image stage
	env.Engine.Stages.Register(domain.StageImage, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		if _, err := env.Engine.Hold(ctx, in.TaskID, "operator-1"); err != nil {
			return stage.Output{}, err
		}
		return stage.Output{Ref: "placeholder://held"}, nil
	}))
	run, err := env.Engine.Start(env.Ctx, created.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	task, err := run.Execute(env.Ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if task.Status != domain.StatusOnHold {
		t.Fatalf("status = %s, want on_hold", task.Status)
	}
	// the stage field records the last completed stage; resume reruns from it
	if task.Stage == nil || *task.Stage != domain.StageQuality {
		t.Fatalf("stage = %v, want quality preserved on hold", task.Stage)
	}

	// restore a working image adapter, then resume from where it stopped
	env.Engine.Stages.Register(domain.StageImage, stage.Func(func(ctx context.Context, in stage.Input) (stage.Output, error) {
		return stage.Output{Ref: "placeholder://resumed"}, nil
	}))
	resumed, err := env.Engine.Resume(env.Ctx, created.ID, "operator-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	task, err = resumed.Execute(env.Ctx)
	if err != nil {
		t.Fatalf("resumed execute: %v", err)
	}
	if task.Status != domain.StatusAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval after resume", task.Status)
	}
	if task.ImageRef == nil || *task.ImageRef != "placeholder://resumed" {
		t.Fatalf("image ref = %v, want the resumed run's ref", task.ImageRef)
	}
}

func TestHistoryCategories(t *testing.T) {
	env := newTestEnv(t, stage.StaticEvaluator{Score: 4.0, Feedback: "weak"})
	created, _ := env.Engine.CreateTask(env.Ctx, "categorized", "")
	runPipeline(t, env, created.ID)
	if _, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionApprove, "reviewer-1", ""); err != nil {
		t.Fatal(err)
	}

	refinements, err := env.Engine.GetHistory(env.Ctx, created.ID, repo.CategoryRefinement)
	if err != nil {
		t.Fatal(err)
	}
	if len(refinements) != env.Engine.Config.Pipeline.MaxRefinements {
		t.Fatalf("refinement rows = %d, want %d", len(refinements), env.Engine.Config.Pipeline.MaxRefinements)
	}
	approvals, err := env.Engine.GetHistory(env.Ctx, created.ID, repo.CategoryApproval)
	if err != nil {
		t.Fatal(err)
	}
	if len(approvals) != 1 || approvals[0].Reason != "approval_decision" {
		t.Fatalf("approval rows = %v, want the single decision", approvals)
	}
}

func TestMetricsAggregation(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, topic := range []string{"a", "b"} {
		created, _ := env.Engine.CreateTask(env.Ctx, topic, "")
		runPipeline(t, env, created.ID)
		if _, err := env.Engine.Decide(env.Ctx, created.ID, engine.DecisionApprove, "reviewer-1", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Publish(env.Ctx, created.ID, "posts/"+topic, "ops-1"); err != nil {
			t.Fatal(err)
		}
	}
	rejectedTask, _ := env.Engine.CreateTask(env.Ctx, "c", "")
	runPipeline(t, env, rejectedTask.ID)
	if _, err := env.Engine.Decide(env.Ctx, rejectedTask.ID, engine.DecisionReject, "reviewer-1", "no"); err != nil {
		t.Fatal(err)
	}

	m, err := env.Engine.GetMetrics(env.Ctx, repo.MetricsFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Total != 3 {
		t.Fatalf("total = %d, want 3", m.Total)
	}
	if m.Published != 2 || m.Rejected != 1 {
		t.Fatalf("published/rejected = %d/%d, want 2/1", m.Published, m.Rejected)
	}
	want := 2.0 / 3.0
	if diff := m.SuccessRate - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("success rate = %v, want %v", m.SuccessRate, want)
	}
	if len(m.AvgSecondsInState) == 0 {
		t.Fatal("expected time-in-state aggregates")
	}
}
