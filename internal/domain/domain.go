package domain

// Status is the canonical lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusPublished        Status = "published"
	StatusOnHold           Status = "on_hold"
	StatusCancelled        Status = "cancelled"
	StatusFailed           Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAwaitingApproval, StatusApproved,
		StatusRejected, StatusPublished, StatusOnHold, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPublished, StatusRejected, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Stage is one discrete step of content production.
type Stage string

const (
	StageResearch Stage = "research"
	StageDraft    Stage = "draft"
	StageQuality  Stage = "quality"
	StageImage    Stage = "image"
	StageFormat   Stage = "format"
)

// PipelineStages lists the stages in execution order.
var PipelineStages = []Stage{StageResearch, StageDraft, StageQuality, StageImage, StageFormat}

// ApprovalStatus is the human-decision view of a task.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Task struct {
	ID                 string         `json:"id"`
	Topic              string         `json:"topic"`
	ParamsJSON         *string        `json:"params_json,omitempty"`
	Status             Status         `json:"status" enum:"pending,in_progress,awaiting_approval,approved,rejected,published,on_hold,cancelled,failed"`
	Stage              *Stage         `json:"stage,omitempty"`
	ProgressPercent    int            `json:"progress_percent"`
	ResearchNotes      *string        `json:"research_notes,omitempty"`
	ContentDraft       *string        `json:"content_draft,omitempty"`
	ImageRef           *string        `json:"image_ref,omitempty"`
	QualityScore       *float64       `json:"quality_score,omitempty"`
	QualityFeedback    *string        `json:"quality_feedback,omitempty"`
	RefinementCount    int            `json:"refinement_count"`
	ApprovalStatus     ApprovalStatus `json:"approval_status" enum:"pending,approved,rejected"`
	ApprovedBy         *string        `json:"approved_by,omitempty"`
	ApprovalTimestamp  *string        `json:"approval_timestamp,omitempty" format:"date-time"`
	HumanFeedback      *string        `json:"human_feedback,omitempty"`
	PublishedReference *string        `json:"published_reference,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// StatusTransition is one immutable audit record of a status change.
// Seq is a per-task monotonic write-order counter; two rows with the same
// timestamp are still totally ordered by it.
type StatusTransition struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Seq       int64   `json:"seq"`
	OldStatus *Status `json:"old_status,omitempty"`
	NewStatus Status  `json:"new_status"`
	Stage     *Stage  `json:"stage,omitempty"`
	Reason    string  `json:"reason"`
	Actor     string  `json:"actor"`
	TS        string  `json:"ts" format:"date-time"`
	Payload   string  `json:"payload_json,omitempty"`
}

// ValidationFailure is a recorded rejection of an illegal or malformed
// transition request.
type ValidationFailure struct {
	ID             int64  `json:"id"`
	TaskID         string `json:"task_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	Severity       string `json:"severity" enum:"critical,error,warning"`
	Cause          string `json:"cause" enum:"invalid_transition,missing_required_metadata,constraint_violation"`
	Recommendation string `json:"recommendation"`
	Actor          string `json:"actor"`
	TS             string `json:"ts" format:"date-time"`
}

// Lease marks exclusive ownership of a task's pipeline run.
type Lease struct {
	TaskID     string `json:"task_id"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

// Metrics aggregates task outcomes over a time range.
type Metrics struct {
	Total             int                `json:"total"`
	ByStatus          map[string]int     `json:"by_status"`
	Published         int                `json:"published"`
	Rejected          int                `json:"rejected"`
	Failed            int                `json:"failed"`
	SuccessRate       float64            `json:"success_rate"`
	AvgSecondsInState map[string]float64 `json:"avg_seconds_in_state"`
}
