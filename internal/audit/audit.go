// Package audit writes the append-only trail. Rows are inserted inside the
// caller's transaction so a status mutation and its audit entry commit or
// roll back together. Nothing here updates or deletes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"draftline/internal/domain"
	"draftline/internal/state"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Record captures one transition to append.
type Record struct {
	ID        string
	TaskID    string
	OldStatus *domain.Status
	NewStatus domain.Status
	Stage     *domain.Stage
	Reason    string
	Actor     string
	Payload   Payload
}

// Append writes one transition row with the next per-task sequence number.
// Retries with the same Record.ID are no-ops.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Payload == nil {
		rec.Payload = Payload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal transition payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM status_transitions WHERE task_id=?`, rec.TaskID).Scan(&seq); err != nil {
		return fmt.Errorf("next transition seq: %w", err)
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO status_transitions(id,task_id,seq,old_status,new_status,stage,reason,actor,ts,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, seq, nullableStatus(rec.OldStatus), string(rec.NewStatus), nullableStage(rec.Stage),
		rec.Reason, rec.Actor, ts, string(data))
	return err
}

// RecordFailure persists a rejected transition attempt so repeated invalid
// requests stay auditable. Runs on the raw connection, not a task tx: the
// task row itself is unchanged.
func (w Writer) RecordFailure(ctx context.Context, taskID, actor string, f *state.Failure) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO validation_failures(task_id,from_status,to_status,severity,cause,recommendation,actor,ts)
VALUES (?,?,?,?,?,?,?,?)`,
		taskID, string(f.From), string(f.To), string(f.Severity), string(f.Cause), f.Recommendation, actor, ts)
	return err
}

func nullableStatus(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableStage(s *domain.Stage) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
