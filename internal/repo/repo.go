package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"draftline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,topic,params_json,status,stage,progress_percent,research_notes,content_draft,image_ref,quality_score,quality_feedback,refinement_count,approval_status,approved_by,approval_timestamp,human_feedback,published_reference,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var stage, paramsJSON, research, draft, imageRef, feedback, approvedBy, approvalTS, humanFeedback, publishedRef sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&t.ID, &t.Topic, &paramsJSON, &t.Status, &stage, &t.ProgressPercent,
		&research, &draft, &imageRef, &score, &feedback, &t.RefinementCount,
		&t.ApprovalStatus, &approvedBy, &approvalTS, &humanFeedback, &publishedRef,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if paramsJSON.Valid {
		t.ParamsJSON = &paramsJSON.String
	}
	if stage.Valid {
		s := domain.Stage(stage.String)
		t.Stage = &s
	}
	if research.Valid {
		t.ResearchNotes = &research.String
	}
	if draft.Valid {
		t.ContentDraft = &draft.String
	}
	if imageRef.Valid {
		t.ImageRef = &imageRef.String
	}
	if score.Valid {
		t.QualityScore = &score.Float64
	}
	if feedback.Valid {
		t.QualityFeedback = &feedback.String
	}
	if approvedBy.Valid {
		t.ApprovedBy = &approvedBy.String
	}
	if approvalTS.Valid {
		t.ApprovalTimestamp = &approvalTS.String
	}
	if humanFeedback.Valid {
		t.HumanFeedback = &humanFeedback.String
	}
	if publishedRef.Valid {
		t.PublishedReference = &publishedRef.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Topic, nullableStringPtr(t.ParamsJSON), t.Status, nullableStagePtr(t.Stage), t.ProgressPercent,
		nullableStringPtr(t.ResearchNotes), nullableStringPtr(t.ContentDraft), nullableStringPtr(t.ImageRef),
		nullableFloatPtr(t.QualityScore), nullableStringPtr(t.QualityFeedback), t.RefinementCount,
		t.ApprovalStatus, nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.ApprovalTimestamp),
		nullableStringPtr(t.HumanFeedback), nullableStringPtr(t.PublishedReference), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET topic=?, params_json=?, status=?, stage=?, progress_percent=?, research_notes=?, content_draft=?, image_ref=?, quality_score=?, quality_feedback=?, refinement_count=?, approval_status=?, approved_by=?, approval_timestamp=?, human_feedback=?, published_reference=?, updated_at=? WHERE id=?`,
		t.Topic, nullableStringPtr(t.ParamsJSON), t.Status, nullableStagePtr(t.Stage), t.ProgressPercent,
		nullableStringPtr(t.ResearchNotes), nullableStringPtr(t.ContentDraft), nullableStringPtr(t.ImageRef),
		nullableFloatPtr(t.QualityScore), nullableStringPtr(t.QualityFeedback), t.RefinementCount,
		t.ApprovalStatus, nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.ApprovalTimestamp),
		nullableStringPtr(t.HumanFeedback), nullableStringPtr(t.PublishedReference), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status          string
	ApprovalStatus  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ApprovalStatus != "" {
		clauses = append(clauses, "approval_status=?")
		args = append(args, f.ApprovalStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- leases ---

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(task_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.TaskID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id=?`, taskID)
	return err
}

func (r Repo) GetLease(ctx context.Context, taskID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, taskID string) (domain.Lease, error) {
	var l domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT task_id,owner_id,acquired_at,expires_at FROM leases WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// --- transitions ---

// TransitionCategory filters the audit trail by what kind of transition a
// row records.
type TransitionCategory string

const (
	CategoryAll        TransitionCategory = ""
	CategoryPipeline   TransitionCategory = "pipeline"
	CategoryRefinement TransitionCategory = "refinement"
	CategoryApproval   TransitionCategory = "approval"
	CategoryOperator   TransitionCategory = "operator"
)

// ListTransitions returns a task's transitions in strict write order.
func (r Repo) ListTransitions(ctx context.Context, taskID string, category TransitionCategory) ([]domain.StatusTransition, error) {
	clauses := []string{"task_id=?"}
	args := []any{taskID}
	switch category {
	case CategoryAll:
	case CategoryRefinement:
		clauses = append(clauses, "reason=?")
		args = append(args, "refinement_iteration")
	case CategoryApproval:
		clauses = append(clauses, "new_status IN ('approved','rejected','published')")
	case CategoryOperator:
		clauses = append(clauses, "(new_status IN ('on_hold','cancelled') OR reason='resumed')")
	case CategoryPipeline:
		clauses = append(clauses, "(new_status IN ('in_progress','awaiting_approval','failed') AND reason NOT IN ('refinement_iteration','resumed'))")
	default:
		return nil, fmt.Errorf("unknown transition category %q", category)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,task_id,seq,old_status,new_status,stage,reason,actor,ts,payload_json FROM status_transitions `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusTransition
	for rows.Next() {
		var tr domain.StatusTransition
		var oldStatus, stage, payload sql.NullString
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.Seq, &oldStatus, &tr.NewStatus, &stage, &tr.Reason, &tr.Actor, &tr.TS, &payload); err != nil {
			return nil, err
		}
		if oldStatus.Valid {
			s := domain.Status(oldStatus.String)
			tr.OldStatus = &s
		}
		if stage.Valid {
			s := domain.Stage(stage.String)
			tr.Stage = &s
		}
		if payload.Valid {
			tr.Payload = payload.String
		}
		res = append(res, tr)
	}
	return res, rows.Err()
}

func (r Repo) ListFailures(ctx context.Context, taskID string) ([]domain.ValidationFailure, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,task_id,from_status,to_status,severity,cause,recommendation,actor,ts FROM validation_failures WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationFailure
	for rows.Next() {
		var f domain.ValidationFailure
		if err := rows.Scan(&f.ID, &f.TaskID, &f.FromStatus, &f.ToStatus, &f.Severity, &f.Cause, &f.Recommendation, &f.Actor, &f.TS); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// --- metrics ---

type MetricsFilters struct {
	Since  string
	Until  string
	Status string
}

// Metrics aggregates task counts and average time-in-state over transitions.
// Time in a state is measured from entering it to the next transition for
// the same task (open intervals are excluded).
func (r Repo) Metrics(ctx context.Context, f MetricsFilters) (domain.Metrics, error) {
	m := domain.Metrics{
		ByStatus:          map[string]int{},
		AvgSecondsInState: map[string]float64{},
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.Until)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks `+where+` GROUP BY status`, args...)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return m, err
		}
		m.ByStatus[status] = count
		m.Total += count
	}
	if err := rows.Err(); err != nil {
		return m, err
	}
	m.Published = m.ByStatus[string(domain.StatusPublished)]
	m.Rejected = m.ByStatus[string(domain.StatusRejected)]
	m.Failed = m.ByStatus[string(domain.StatusFailed)]
	decided := m.Published + m.Rejected + m.Failed
	if decided > 0 {
		m.SuccessRate = float64(m.Published) / float64(decided)
	}

	stateClauses := []string{"1=1"}
	var stateArgs []any
	if f.Since != "" {
		stateClauses = append(stateClauses, "cur.ts >= ?")
		stateArgs = append(stateArgs, f.Since)
	}
	if f.Until != "" {
		stateClauses = append(stateClauses, "cur.ts <= ?")
		stateArgs = append(stateArgs, f.Until)
	}
	stateWhere := "WHERE " + strings.Join(stateClauses, " AND ")
	stateRows, err := r.DB.QueryContext(ctx, `
SELECT cur.new_status, AVG(strftime('%s', nxt.ts) - strftime('%s', cur.ts))
FROM status_transitions cur
JOIN status_transitions nxt ON nxt.task_id = cur.task_id AND nxt.seq = cur.seq + 1
`+stateWhere+`
GROUP BY cur.new_status`, stateArgs...)
	if err != nil {
		return m, err
	}
	defer stateRows.Close()
	for stateRows.Next() {
		var status string
		var avg sql.NullFloat64
		if err := stateRows.Scan(&status, &avg); err != nil {
			return m, err
		}
		if avg.Valid {
			m.AvgSecondsInState[status] = avg.Float64
		}
	}
	return m, stateRows.Err()
}

// --- helpers ---

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableStagePtr(v *domain.Stage) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
