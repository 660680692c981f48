package server

import (
	"time"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/usecase"
)

// Request payloads

type LoginRequest struct {
	APIKey string `json:"apiKey" minLength:"1" doc:"Canvas access token"`
}

type SubmitRequest struct {
	Content string `json:"content" minLength:"1"`
}

type GenerateRequest struct {
	AssignmentID string `json:"assignmentId" minLength:"1"`
	UserPrompt   string `json:"userPrompt,omitempty"`
}

type SaveResponseRequest struct {
	CourseID string `json:"courseId,omitempty"`
	Content  string `json:"content"`
}

type RunRequest struct {
	Submit bool `json:"submit,omitempty" doc:"Submit generated answers upstream instead of saving drafts"`
}

// Response payloads

type SessionResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      domain.User `json:"user"`
}

type ScheduleItem struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	DueDate    *time.Time `json:"dueDate"`
	CourseName string     `json:"courseName"`
	CourseID   string     `json:"courseId"`
}

type GenerateResponse struct {
	Response string `json:"response"`
}

type LogsResponse struct {
	Entries    []domain.AuditLogEntry `json:"entries"`
	TotalCount int                    `json:"totalCount"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"pageSize"`
	Pages      int                    `json:"pages"`
}

type CronResponse struct {
	Message string          `json:"message"`
	Result  *usecase.Result `json:"result,omitempty"`
}

func toScheduleItems(list []domain.Assignment) []ScheduleItem {
	out := make([]ScheduleItem, 0, len(list))
	for _, a := range list {
		out = append(out, ScheduleItem{
			ID:         a.ID,
			Title:      a.Title,
			DueDate:    a.DueDate,
			CourseName: a.CourseName,
			CourseID:   a.CourseID,
		})
	}
	return out
}

func toLogsResponse(page domain.LogPage) LogsResponse {
	entries := page.Entries
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	return LogsResponse{
		Entries:    entries,
		TotalCount: page.TotalCount,
		Page:       page.Page,
		PageSize:   page.PageSize,
		Pages:      page.Pages(),
	}
}
