package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"CanvasPilot/internal/assignments"
	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/usecase"
)

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type assignmentPath struct {
	ID string `path:"id"`
}

func (a *api) registerAuth(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in with a Canvas API key",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*output[SessionResponse], error) {
		return a.login(ctx, strings.TrimSpace(input.Body.APIKey))
	})

	huma.Register(g, huma.Operation{
		OperationID: "guest-login",
		Method:      http.MethodPost,
		Path:        "/auth/guest",
		Summary:     "Log in with the demo Canvas account",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*output[SessionResponse], error) {
		if a.cfg.DemoAPIKey == "" {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "guest login is not configured")
		}
		return a.login(ctx, a.cfg.DemoAPIKey)
	})

	huma.Register(g, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.User], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.Users != nil {
			user, err := a.cfg.Users.Get(ctx, s.User.ID)
			if err == nil {
				return reply(user), nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, a.handleError(ctx, "get user", err)
			}
		}
		return reply(s.User), nil
	})
}

func (a *api) login(ctx context.Context, apiKey string) (*output[SessionResponse], error) {
	if apiKey == "" {
		return nil, newAPIError(http.StatusBadRequest, "", "apiKey is required")
	}
	profile, err := a.cfg.LMS(apiKey).GetUserProfile(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "Invalid Canvas API key")
		}
		return nil, a.handleError(ctx, "verify api key", err)
	}

	now := a.now().UTC()
	user := domain.User{
		ID:        "canvas_" + profile.ID,
		Name:      profile.Name,
		Email:     profile.Email,
		AvatarURL: profile.AvatarURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.cfg.Users != nil {
		if err := a.cfg.Users.Upsert(ctx, user); err != nil {
			return nil, a.handleError(ctx, "upsert user", err)
		}
	}
	token, expires, err := a.cfg.Sessions.Issue(user, apiKey)
	if err != nil {
		return nil, a.handleError(ctx, "issue session", err)
	}
	a.logger.InfoContext(ctx, "user logged in", "user_id", user.ID)
	return reply(SessionResponse{Token: token, ExpiresAt: expires, User: user}), nil
}

func (a *api) registerCourses(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-courses",
		Method:      http.MethodGet,
		Path:        "/courses",
		Summary:     "Visible courses",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Course], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		courses, err := a.cfg.LMS(s.APIKey).GetCourses(ctx)
		if err != nil {
			return nil, a.handleError(ctx, "get courses", err)
		}
		return reply(courses), nil
	})

	huma.Register(g, huma.Operation{
		OperationID:   "submit-assignment",
		Method:        http.MethodPost,
		Path:          "/courses/{courseId}/assignments/{id}/submissions",
		Summary:       "Submit a text answer",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		CourseID string `path:"courseId"`
		ID       string `path:"id"`
		Body     SubmitRequest
	}) (*output[domain.SubmissionReceipt], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		receipt, err := a.cfg.LMS(s.APIKey).SubmitAssignment(ctx, input.CourseID, input.ID, input.Body.Content)
		if err != nil {
			return nil, a.handleError(ctx, "submit assignment", err)
		}
		a.audit(ctx, domain.AuditLogEntry{
			Type:         domain.EventAssignmentSubmitted,
			Message:      fmt.Sprintf("Submitted assignment %s from the editor", input.ID),
			AssignmentID: input.ID,
			UserID:       s.User.ID,
		})
		return reply(receipt), nil
	})
}

func (a *api) registerAssignments(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "Assignments across visible courses, in priority order",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"all,incomplete" default:"all"`
	}) (*output[[]domain.Assignment], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		lms := a.cfg.LMS(s.APIKey)
		var (
			list []domain.Assignment
			err  error
		)
		if input.Status == "incomplete" {
			list, err = lms.GetIncompleteAssignments(ctx)
		} else {
			list, err = lms.GetAllAssignments(ctx)
		}
		if err != nil {
			return nil, a.handleError(ctx, "get assignments", err)
		}
		if list == nil {
			list = []domain.Assignment{}
		}
		return reply(list), nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "One assignment",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *assignmentPath) (*output[domain.Assignment], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		assignment, err := a.findAssignment(ctx, s, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, "get assignment", err)
		}
		return reply(assignment), nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Upcoming incomplete assignments",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*output[[]ScheduleItem], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		list, err := a.cfg.LMS(s.APIKey).GetIncompleteAssignments(ctx)
		if err != nil {
			return nil, a.handleError(ctx, "get schedule", err)
		}
		return reply(toScheduleItems(list)), nil
	})
}

func (a *api) findAssignment(ctx context.Context, s Session, id string) (domain.Assignment, error) {
	list, err := a.cfg.LMS(s.APIKey).GetAllAssignments(ctx)
	if err != nil {
		return domain.Assignment{}, err
	}
	assignment, ok := assignments.Find(list, id)
	if !ok {
		return domain.Assignment{}, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	return assignment, nil
}

func (a *api) registerGenerate(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "generate",
		Method:      http.MethodPost,
		Path:        "/generate",
		Summary:     "Draft an answer with extra instructions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest
	}) (*output[GenerateResponse], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.Completer == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "generation backend is not configured")
		}
		assignment, err := a.findAssignment(ctx, s, input.Body.AssignmentID)
		if err != nil {
			return nil, a.handleError(ctx, "generate", err)
		}
		text, err := a.cfg.Completer.CompleteWithInstructions(ctx, assignment, input.Body.UserPrompt)
		if err != nil {
			return nil, a.handleError(ctx, "generate", err)
		}
		return reply(GenerateResponse{Response: text}), nil
	})
}

func (a *api) registerResponses(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "get-response",
		Method:      http.MethodGet,
		Path:        "/responses/{assignmentId}",
		Summary:     "Saved draft for an assignment",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignmentId"`
	}) (*output[domain.SavedResponse], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.Responses == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "response store is not configured")
		}
		resp, err := a.cfg.Responses.Get(ctx, s.User.ID, input.AssignmentID)
		if err != nil {
			return nil, a.handleError(ctx, "get response", err)
		}
		return reply(resp), nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "save-response",
		Method:      http.MethodPut,
		Path:        "/responses/{assignmentId}",
		Summary:     "Save a draft for an assignment",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignmentId"`
		Body         SaveResponseRequest
	}) (*output[domain.SavedResponse], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.Responses == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "response store is not configured")
		}
		resp := domain.SavedResponse{
			UserID:       s.User.ID,
			AssignmentID: input.AssignmentID,
			CourseID:     input.Body.CourseID,
			Content:      input.Body.Content,
		}
		if err := a.cfg.Responses.Save(ctx, resp); err != nil {
			return nil, a.handleError(ctx, "save response", err)
		}
		saved, err := a.cfg.Responses.Get(ctx, s.User.ID, input.AssignmentID)
		if err != nil {
			return nil, a.handleError(ctx, "reload response", err)
		}
		return reply(saved), nil
	})
}

func (a *api) registerRuns(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "start-run",
		Method:      http.MethodPost,
		Path:        "/runs",
		Summary:     "Run the completion pipeline now",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *RunRequest `required:"false"`
	}) (*output[usecase.Result], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.Pipeline == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "completion pipeline is not configured")
		}
		submit := input.Body != nil && input.Body.Submit
		// the run outlives a client that disconnects mid-way
		res := a.cfg.Pipeline.Run(context.WithoutCancel(ctx), usecase.RunRequest{
			Source:  a.cfg.LMS(s.APIKey),
			UserID:  s.User.ID,
			Trigger: domain.TriggerManual,
			Submit:  submit,
		})
		if errors.Is(res.Err, domain.ErrRunInProgress) {
			return nil, a.handleError(ctx, "start run", res.Err)
		}
		return reply(res), nil
	})

	huma.Register(g, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "Recent completion runs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"100"`
	}) (*output[[]domain.CompletionRun], error) {
		if _, serr := currentSession(ctx); serr != nil {
			return nil, serr
		}
		if a.cfg.Runs == nil {
			return reply([]domain.CompletionRun{}), nil
		}
		runs, err := a.cfg.Runs.List(ctx, input.Limit)
		if err != nil {
			return nil, a.handleError(ctx, "list runs", err)
		}
		if runs == nil {
			runs = []domain.CompletionRun{}
		}
		return reply(runs), nil
	})
}

func (a *api) registerLogs(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Page         int    `query:"page" default:"1" minimum:"1" maximum:"1000000"`
		PageSize     int    `query:"pageSize" default:"50" minimum:"1" maximum:"200"`
		AssignmentID string `query:"assignmentId"`
		Type         string `query:"type"`
		Mine         bool   `query:"mine"`
	}) (*output[LogsResponse], error) {
		s, serr := currentSession(ctx)
		if serr != nil {
			return nil, serr
		}
		if a.cfg.AuditLog == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "audit log is not configured")
		}
		q := domain.LogQuery{
			Page:         input.Page,
			PageSize:     input.PageSize,
			AssignmentID: input.AssignmentID,
			Type:         input.Type,
		}
		if input.Mine {
			q.UserID = s.User.ID
		}
		page, err := a.cfg.AuditLog.List(ctx, q)
		if err != nil {
			return nil, a.handleError(ctx, "list logs", err)
		}
		return reply(toLogsResponse(page)), nil
	})
}

func (a *api) registerCron(g huma.API) {
	huma.Register(g, huma.Operation{
		OperationID: "cron",
		Method:      http.MethodGet,
		Path:        "/cron",
		Summary:     "Hour-gated scheduled run",
		Errors:      []int{http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Secret string `header:"X-Cron-Secret"`
	}) (*output[CronResponse], error) {
		if a.cfg.CronSecret != "" && subtle.ConstantTimeCompare([]byte(input.Secret), []byte(a.cfg.CronSecret)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "", "invalid cron secret")
		}
		if a.cfg.Scheduler == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "scheduled runs are not configured")
		}
		now := a.now()
		if !a.cfg.Scheduler.Due(now) {
			return reply(CronResponse{
				Message: fmt.Sprintf("Not scheduled time. This job runs at %02d:00.", a.cfg.Scheduler.Hour()),
			}), nil
		}
		res, ran := a.cfg.Scheduler.Trigger(context.WithoutCancel(ctx), now)
		if !ran {
			return reply(CronResponse{Message: "Scheduled run already fired this hour."}), nil
		}
		if errors.Is(res.Err, domain.ErrRunInProgress) {
			return nil, a.handleError(ctx, "cron run", res.Err)
		}
		return reply(CronResponse{Message: "Scheduled run finished.", Result: &res}), nil
	})
}

// audit appends a best-effort entry for actions outside a completion run.
func (a *api) audit(ctx context.Context, entry domain.AuditLogEntry) {
	if a.cfg.AuditLog == nil {
		return
	}
	if _, err := a.cfg.AuditLog.Append(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.ErrorContext(ctx, "audit append failed", "type", entry.Type, "error", err)
	}
}
