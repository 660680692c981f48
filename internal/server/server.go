package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/logging"
	"CanvasPilot/internal/metrics"
	"CanvasPilot/internal/ports"
	"CanvasPilot/internal/usecase"
)

// Config for the HTTP API handler.
type Config struct {
	Pipeline  *usecase.Pipeline
	Scheduler *usecase.Scheduler
	LMS       ports.LMSFactory
	Completer ports.AssignmentCompleter
	AuditLog  ports.AuditLog
	Runs      ports.RunRepository
	Users     ports.UserRepository
	Responses ports.ResponseRepository
	Sessions  *Sessions

	DemoAPIKey string
	CronSecret string
	BasePath   string
	Logger     *slog.Logger
	Now        func() time.Time
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"assignment not found"`
}

// apiError is the error envelope every failed request returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var overrideErrors sync.Once

type api struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns an HTTP handler exposing the CanvasPilot API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: sessions required")
	}
	if cfg.LMS == nil {
		return nil, errors.New("server: lms factory required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	overrideErrors.Do(func() {
		huma.DefaultArrayNullable = false
		huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
			if status == http.StatusUnprocessableEntity {
				status = http.StatusBadRequest
			}
			if len(errs) > 0 && errs[0] != nil {
				msg = msg + ": " + errs[0].Error()
			}
			return newAPIError(status, "", msg)
		}
	})

	a := &api{cfg: cfg, logger: cfg.Logger.With("component", "http"), now: cfg.Now}

	metrics.Register()
	router := chi.NewRouter()
	router.Use(metrics.Instrument)
	router.Use(newAuthMiddleware(basePath, cfg.Sessions, a.logger))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("CanvasPilot API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerHealth(group)
	a.registerAuth(group)
	a.registerCourses(group)
	a.registerAssignments(group)
	a.registerGenerate(group)
	a.registerResponses(group)
	a.registerRuns(group)
	a.registerLogs(group)
	a.registerCron(group)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func (a *api) handleError(ctx context.Context, op string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrAuth):
		return newAPIError(http.StatusUnauthorized, "lms_unauthorized", "Canvas API key missing or rejected")
	case errors.As(err, &upstream):
		return newAPIError(http.StatusBadGateway, "upstream_error", upstream.Error())
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrRunInProgress):
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error())
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled")
	default:
		a.logger.ErrorContext(ctx, "request failed", "op", op, "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func newAuthMiddleware(basePath string, sessions *Sessions, logger *slog.Logger) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
		path.Join(basePath, "auth/guest"): true,
		path.Join(basePath, "cron"):       true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required"))
				return
			}
			session, err := sessions.Parse(token)
			if err != nil {
				logger.Debug("session rejected", "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials"))
				return
			}
			next.ServeHTTP(w, req.WithContext(withSession(req.Context(), session)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func currentSession(ctx context.Context) (Session, huma.StatusError) {
	if s, ok := sessionFromContext(ctx); ok && s.User.ID != "" {
		return s, nil
	}
	return Session{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
