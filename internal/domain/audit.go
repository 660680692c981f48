package domain

import (
	"encoding/json"
	"time"
)

// Audit event tags written by the completion pipeline.
const (
	EventProcessStart         = "process_start"
	EventProcessRejected      = "process_rejected"
	EventAssignmentsFetched   = "assignments_fetched"
	EventAssignmentProcessing = "assignment_processing"
	EventAssignmentSkipped    = "assignment_skipped"
	EventAssignmentCompleted  = "assignment_completed"
	EventAssignmentSubmitted  = "assignment_submitted"
	EventAssignmentError      = "assignment_error"
	EventProcessComplete      = "process_complete"
	EventProcessError         = "process_error"
)

// AuditLogEntry is one immutable step of the forensic trail.
type AuditLogEntry struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	AssignmentID string    `json:"assignmentId,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	RunID        string    `json:"runId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogQuery selects one page of the audit log. Page is 1-based.
type LogQuery struct {
	Page         int
	PageSize     int
	UserID       string
	AssignmentID string
	Type         string
}

// LogPage is a newest-first slice of the audit log.
type LogPage struct {
	Entries    []AuditLogEntry `json:"entries"`
	TotalCount int             `json:"totalCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
}

// Pages is the number of pages TotalCount spans at PageSize.
func (p LogPage) Pages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.TotalCount + p.PageSize - 1) / p.PageSize
}

// RunStatus enumerates completion run states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunTrigger records who started a run.
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
)

// CompletionRun aggregates one execution of the completion pipeline.
// It is created in the running state and leaves it exactly once.
type CompletionRun struct {
	ID        string          `json:"id"`
	Status    RunStatus       `json:"status"`
	Trigger   RunTrigger      `json:"trigger"`
	UserID    string          `json:"userId,omitempty"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`
}

// RunSummary is serialized into CompletionRun.Results.
type RunSummary struct {
	ProcessedCount int    `json:"processedCount"`
	Skipped        int    `json:"skipped"`
	Completed      int    `json:"completed"`
	Submitted      int    `json:"submitted"`
	Failed         int    `json:"failed"`
	Error          string `json:"error,omitempty"`
}

// User is the local record of someone who logged in with an LMS key.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SavedResponse is the latest draft a user keeps for an assignment.
type SavedResponse struct {
	UserID       string    `json:"userId"`
	AssignmentID string    `json:"assignmentId"`
	CourseID     string    `json:"courseId"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
