package canvas

import (
	"bytes"
	"strings"
	"time"

	"CanvasPilot/internal/domain"
)

// flexID accepts Canvas ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	*f = flexID(strings.Trim(string(b), `"`))
	return nil
}

type profileJSON struct {
	ID           flexID `json:"id"`
	Name         string `json:"name"`
	PrimaryEmail string `json:"primary_email"`
	Email        string `json:"email"`
	AvatarURL    string `json:"avatar_url"`
}

func (p profileJSON) toDomain() domain.UserProfile {
	email := p.Email
	if email == "" {
		email = p.PrimaryEmail
	}
	if email == "" {
		email = string(p.ID) + "@canvas.user"
	}
	return domain.UserProfile{
		ID:        string(p.ID),
		Name:      p.Name,
		Email:     email,
		AvatarURL: p.AvatarURL,
	}
}

type courseJSON struct {
	ID         flexID `json:"id"`
	Name       string `json:"name"`
	CourseCode string `json:"course_code"`
	Term       *struct {
		Name string `json:"name"`
	} `json:"term"`
}

func (c courseJSON) toDomain() domain.Course {
	name := c.Name
	if name == "" {
		name = c.CourseCode
	}
	term := "No term"
	if c.Term != nil && c.Term.Name != "" {
		term = c.Term.Name
	}
	return domain.Course{
		ID:   string(c.ID),
		Name: name,
		Code: c.CourseCode,
		Term: term,
	}
}

type assignmentJSON struct {
	ID                      flexID     `json:"id"`
	Name                    string     `json:"name"`
	Description             *string    `json:"description"`
	DueAt                   *time.Time `json:"due_at"`
	HasSubmittedSubmissions bool       `json:"has_submitted_submissions"`
	PointsPossible          *float64   `json:"points_possible"`
	HTMLURL                 string     `json:"html_url"`
	SubmissionTypes         []string   `json:"submission_types"`
}

func (a assignmentJSON) toDomain(course domain.Course) domain.Assignment {
	status := domain.StatusIncomplete
	if a.HasSubmittedSubmissions {
		status = domain.StatusCompleted
	}

	var description string
	if a.Description != nil {
		description = *a.Description
	}

	var points float64
	if a.PointsPossible != nil && *a.PointsPossible > 0 {
		points = *a.PointsPossible
	}

	var due *time.Time
	if a.DueAt != nil && !a.DueAt.IsZero() {
		t := a.DueAt.UTC()
		due = &t
	}

	types := a.SubmissionTypes
	if types == nil {
		types = []string{}
	}

	return domain.Assignment{
		ID:              string(a.ID),
		CourseID:        course.ID,
		CourseName:      course.Name,
		Title:           a.Name,
		Description:     description,
		DueDate:         due,
		Status:          status,
		Points:          points,
		URL:             a.HTMLURL,
		SubmissionTypes: types,
	}
}

type submissionJSON struct {
	ID            flexID     `json:"id"`
	AssignmentID  flexID     `json:"assignment_id"`
	WorkflowState string     `json:"workflow_state"`
	SubmittedAt   *time.Time `json:"submitted_at"`
	Attempt       *int       `json:"attempt"`
}

func (s submissionJSON) toDomain() domain.SubmissionReceipt {
	var attempt int
	if s.Attempt != nil {
		attempt = *s.Attempt
	}
	return domain.SubmissionReceipt{
		ID:            string(s.ID),
		AssignmentID:  string(s.AssignmentID),
		WorkflowState: s.WorkflowState,
		SubmittedAt:   s.SubmittedAt,
		Attempt:       attempt,
	}
}
