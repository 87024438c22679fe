package server

import (
	"encoding/json"
	"strings"

	"draftline/internal/domain"
)

type CreateTaskRequest struct {
	Topic  string         `json:"topic" example:"Why heat pumps win"`
	Params map[string]any `json:"params,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Feedback string `json:"feedback,omitempty"`
}

type PublishRequest struct {
	Reference string `json:"reference" example:"posts/2026/heat-pumps"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type TaskResponse struct {
	ID                 string         `json:"id"`
	Topic              string         `json:"topic"`
	Params             map[string]any `json:"params,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Status             string         `json:"status"`
	Stage              *string        `json:"stage,omitempty"`
	ProgressPercent    int            `json:"progress_percent"`
	ContentDraft       *string        `json:"content_draft,omitempty"`
	ImageRef           *string        `json:"image_ref,omitempty"`
	QualityScore       *float64       `json:"quality_score,omitempty"`
	QualityFeedback    *string        `json:"quality_feedback,omitempty"`
	RefinementCount    int            `json:"refinement_count"`
	ApprovalStatus     string         `json:"approval_status"`
	ApprovedBy         *string        `json:"approved_by,omitempty"`
	ApprovalTimestamp  *string        `json:"approval_timestamp,omitempty"`
	HumanFeedback      *string        `json:"human_feedback,omitempty"`
	PublishedReference *string        `json:"published_reference,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
}

type TransitionResponse struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	OldStatus *string        `json:"old_status,omitempty"`
	NewStatus string         `json:"new_status"`
	Stage     *string        `json:"stage,omitempty"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor"`
	TS        string         `json:"ts"`
	Metadata  map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type FailureResponse struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	Severity       string `json:"severity"`
	Cause          string `json:"cause"`
	Recommendation string `json:"recommendation"`
	Actor          string `json:"actor"`
	TS             string `json:"ts"`
}

type MetricsResponse struct {
	Total             int                `json:"total"`
	ByStatus          map[string]int     `json:"by_status"`
	Published         int                `json:"published"`
	Rejected          int                `json:"rejected"`
	Failed            int                `json:"failed"`
	SuccessRate       float64            `json:"success_rate"`
	AvgSecondsInState map[string]float64 `json:"avg_seconds_in_state"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                 t.ID,
		Topic:              t.Topic,
		Status:             string(t.Status),
		ProgressPercent:    t.ProgressPercent,
		ContentDraft:       t.ContentDraft,
		ImageRef:           t.ImageRef,
		QualityScore:       t.QualityScore,
		QualityFeedback:    t.QualityFeedback,
		RefinementCount:    t.RefinementCount,
		ApprovalStatus:     string(t.ApprovalStatus),
		ApprovedBy:         t.ApprovedBy,
		ApprovalTimestamp:  t.ApprovalTimestamp,
		HumanFeedback:      t.HumanFeedback,
		PublishedReference: t.PublishedReference,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if t.Stage != nil {
		s := string(*t.Stage)
		resp.Stage = &s
	}
	if t.ParamsJSON != nil {
		var params map[string]any
		if err := json.Unmarshal([]byte(*t.ParamsJSON), &params); err == nil {
			resp.Params = params
		}
	}
	return resp
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskResponse(t))
	}
	return res
}

func transitionResponse(tr domain.StatusTransition) TransitionResponse {
	resp := TransitionResponse{
		ID:        tr.ID,
		TaskID:    tr.TaskID,
		Seq:       tr.Seq,
		NewStatus: string(tr.NewStatus),
		Reason:    tr.Reason,
		Actor:     tr.Actor,
		TS:        tr.TS,
	}
	if tr.OldStatus != nil {
		s := string(*tr.OldStatus)
		resp.OldStatus = &s
	}
	if tr.Stage != nil {
		s := string(*tr.Stage)
		resp.Stage = &s
	}
	if tr.Payload != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(tr.Payload), &md); err == nil && len(md) > 0 {
			resp.Metadata = md
		}
	}
	return resp
}

func failureResponse(f domain.ValidationFailure) FailureResponse {
	return FailureResponse(f)
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errInvalidCursor
	}
	return parts[0], parts[1], nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
