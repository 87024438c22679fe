// Package state owns the task status allow-list. It is a pure validator:
// every writer consults it, none of it mutates anything.
package state

import (
	"fmt"

	"draftline/internal/domain"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

type Cause string

const (
	CauseInvalidTransition Cause = "invalid_transition"
	CauseMissingMetadata   Cause = "missing_required_metadata"
	CauseConstraint        Cause = "constraint_violation"
)

// Metadata carries the request context a transition may require.
type Metadata struct {
	Actor              string
	Feedback           string
	PublishedReference string
}

// Failure is a structured rejection. It implements error so callers can
// return it directly, but it is classified, not opaque.
type Failure struct {
	From           domain.Status
	To             domain.Status
	Severity       Severity
	Cause          Cause
	Recommendation string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected (%s): %s", f.From, f.To, f.Cause, f.Recommendation)
}

// allowed holds the directed transition edges. The in_progress self-loop
// covers stage-to-stage advances and refinement iterations.
var allowed = map[domain.Status][]domain.Status{
	domain.StatusPending: {
		domain.StatusInProgress, domain.StatusOnHold, domain.StatusCancelled,
	},
	domain.StatusInProgress: {
		domain.StatusInProgress, domain.StatusAwaitingApproval, domain.StatusFailed,
		domain.StatusOnHold, domain.StatusCancelled,
	},
	domain.StatusAwaitingApproval: {
		domain.StatusApproved, domain.StatusRejected, domain.StatusOnHold, domain.StatusCancelled,
	},
	domain.StatusApproved: {
		domain.StatusPublished,
	},
	domain.StatusOnHold: {
		domain.StatusInProgress, domain.StatusCancelled,
	},
}

// Validate checks a requested transition against the allow-list and the
// metadata each edge requires. A nil return means the transition is legal.
func Validate(current, requested domain.Status, md Metadata) *Failure {
	if !requested.Valid() {
		return &Failure{
			From: current, To: requested,
			Severity: SeverityCritical, Cause: CauseInvalidTransition,
			Recommendation: fmt.Sprintf("%q is not a known status", requested),
		}
	}
	if current.Terminal() {
		return &Failure{
			From: current, To: requested,
			Severity: SeverityError, Cause: CauseInvalidTransition,
			Recommendation: fmt.Sprintf("task is terminal in %s; no further transitions are possible", current),
		}
	}
	if !edgeAllowed(current, requested) {
		return &Failure{
			From: current, To: requested,
			Severity: SeverityError, Cause: CauseInvalidTransition,
			Recommendation: fmt.Sprintf("allowed from %s: %v", current, allowed[current]),
		}
	}
	return checkMetadata(current, requested, md)
}

func edgeAllowed(current, requested domain.Status) bool {
	for _, to := range allowed[current] {
		if to == requested {
			return true
		}
	}
	return false
}

func checkMetadata(current, requested domain.Status, md Metadata) *Failure {
	switch requested {
	case domain.StatusApproved, domain.StatusRejected:
		if md.Actor == "" {
			return &Failure{
				From: current, To: requested,
				Severity: SeverityError, Cause: CauseMissingMetadata,
				Recommendation: "an identified reviewer is required for approval decisions",
			}
		}
		if requested == domain.StatusRejected && md.Feedback == "" {
			return &Failure{
				From: current, To: requested,
				Severity: SeverityError, Cause: CauseMissingMetadata,
				Recommendation: "feedback is required when rejecting",
			}
		}
	case domain.StatusPublished:
		if md.PublishedReference == "" {
			return &Failure{
				From: current, To: requested,
				Severity: SeverityError, Cause: CauseMissingMetadata,
				Recommendation: "a published reference is required to mark a task published",
			}
		}
	}
	return nil
}
