package ports

import (
	"context"
	"time"

	"CanvasPilot/internal/domain"
)

// AssignmentSource is the part of the LMS the completion pipeline needs.
type AssignmentSource interface {
	GetIncompleteAssignments(ctx context.Context) ([]domain.Assignment, error)
	SubmitAssignment(ctx context.Context, courseID, assignmentID, content string) (domain.SubmissionReceipt, error)
}

// LMS is the full upstream course/assignment API bound to one credential.
type LMS interface {
	AssignmentSource
	GetUserProfile(ctx context.Context) (domain.UserProfile, error)
	GetCourses(ctx context.Context) ([]domain.Course, error)
	GetAssignmentsForCourse(ctx context.Context, course domain.Course) ([]domain.Assignment, error)
	GetAllAssignments(ctx context.Context) ([]domain.Assignment, error)
}

// LMSFactory binds an LMS client to a per-user API key.
type LMSFactory func(apiKey string) LMS

// TextGenerator is a single-shot text-generation backend (Gemini, ChatGPT).
type TextGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

// AssignmentCompleter drafts answers for assignments.
type AssignmentCompleter interface {
	CompleteAssignment(ctx context.Context, assignment domain.Assignment) (string, error)
	CompleteWithInstructions(ctx context.Context, assignment domain.Assignment, userPrompt string) (string, error)
}

// AuditLog is the append-only forensic trail.
type AuditLog interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error)
	List(ctx context.Context, query domain.LogQuery) (domain.LogPage, error)
}

// RunRepository persists completion runs and doubles as the run lock.
type RunRepository interface {
	// Start inserts a running run unless another run younger than staleBefore is still running.
	Start(ctx context.Context, run domain.CompletionRun, staleBefore time.Time) error
	Finish(ctx context.Context, runID string, status domain.RunStatus, results []byte, endTime time.Time) error
	List(ctx context.Context, limit int) ([]domain.CompletionRun, error)
}

// UserRepository keeps the profile of users who logged in.
type UserRepository interface {
	Upsert(ctx context.Context, user domain.User) error
	Get(ctx context.Context, id string) (domain.User, error)
}

// ResponseRepository stores the latest draft per user and assignment.
type ResponseRepository interface {
	Save(ctx context.Context, resp domain.SavedResponse) error
	Get(ctx context.Context, userID, assignmentID string) (domain.SavedResponse, error)
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
