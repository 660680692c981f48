package domain

import "time"

// AssignmentStatus mirrors the upstream submission state of an assignment.
type AssignmentStatus string

const (
	StatusCompleted  AssignmentStatus = "completed"
	StatusIncomplete AssignmentStatus = "incomplete"
	StatusInProgress AssignmentStatus = "in_progress"
	StatusError      AssignmentStatus = "error"
)

// Assignment is a read-through projection of an upstream LMS assignment.
// Status is derived once at fetch time and never mutated locally.
type Assignment struct {
	ID              string           `json:"id"`
	CourseID        string           `json:"courseId"`
	CourseName      string           `json:"courseName"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	DueDate         *time.Time       `json:"dueDate"`
	Status          AssignmentStatus `json:"status"`
	Points          float64          `json:"points"`
	URL             string           `json:"url"`
	SubmissionTypes []string         `json:"submissionTypes"`
}

// Course is a visible (favorite or active) upstream course.
type Course struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
	Term string `json:"term"`
}

// UserProfile is what the LMS reports for the owner of an API key.
type UserProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

// SubmissionReceipt acknowledges a text submission accepted upstream.
type SubmissionReceipt struct {
	ID            string     `json:"id"`
	AssignmentID  string     `json:"assignmentId"`
	WorkflowState string     `json:"workflowState"`
	SubmittedAt   *time.Time `json:"submittedAt"`
	Attempt       int        `json:"attempt"`
}
