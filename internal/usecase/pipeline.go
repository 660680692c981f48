package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ids"
	"CanvasPilot/internal/logging"
	"CanvasPilot/internal/metrics"
	"CanvasPilot/internal/ports"
	"CanvasPilot/internal/richtext"
)

const (
	DefaultMinDescriptionLength = 200
	DefaultRunLockTTL           = time.Hour
)

// PipelineDeps wires all driven adapters into the completion pipeline.
type PipelineDeps struct {
	Completer ports.AssignmentCompleter
	AuditLog  ports.AuditLog
	Runs      ports.RunRepository
	Responses ports.ResponseRepository
	Logger    *slog.Logger

	MinDescriptionLength int
	RunLockTTL           time.Duration
	Now                  func() time.Time
}

// Pipeline runs the completion workflow: fetch, generate, optionally submit, audit every step.
type Pipeline struct {
	completer ports.AssignmentCompleter
	audit     ports.AuditLog
	runs      ports.RunRepository
	responses ports.ResponseRepository
	logger    *slog.Logger
	minLength int
	lockTTL   time.Duration
	now       func() time.Time
}

// RunRequest describes one run. Source is bound to the credential the run acts with.
type RunRequest struct {
	Source  ports.AssignmentSource
	UserID  string
	Trigger domain.RunTrigger
	Submit  bool
}

// Result is the final summary handed back to the caller of Run.
type Result struct {
	Success        bool              `json:"success"`
	ProcessedCount int               `json:"processedCount"`
	Error          string            `json:"error,omitempty"`
	RunID          string            `json:"runId,omitempty"`
	Summary        domain.RunSummary `json:"summary"`

	// Err is the cause behind Error, kept for callers that map it to a status.
	Err error `json:"-"`
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		completer: deps.Completer,
		audit:     deps.AuditLog,
		runs:      deps.Runs,
		responses: deps.Responses,
		logger:    deps.Logger,
		minLength: deps.MinDescriptionLength,
		lockTTL:   deps.RunLockTTL,
		now:       deps.Now,
	}
	if p.minLength <= 0 {
		p.minLength = DefaultMinDescriptionLength
	}
	if p.lockTTL <= 0 {
		p.lockTTL = DefaultRunLockTTL
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	return p
}

// run carries the per-execution state so the Pipeline itself stays shareable.
type run struct {
	id      string
	req     RunRequest
	start   time.Time
	summary domain.RunSummary
	logger  *slog.Logger
}

// Run executes one completion run. It never returns an error: every failure ends
// up in Result.Error and in the audit log.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) Result {
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}
	r := &run{
		id:    ids.RunID(),
		req:   req,
		start: p.now(),
	}
	r.logger = p.logger.With("run_id", r.id, "trigger", string(req.Trigger))

	if p.runs != nil {
		err := p.runs.Start(ctx, domain.CompletionRun{
			ID:        r.id,
			Status:    domain.RunRunning,
			Trigger:   req.Trigger,
			UserID:    req.UserID,
			StartTime: r.start,
		}, r.start.Add(-p.lockTTL))
		if errors.Is(err, domain.ErrRunInProgress) {
			r.logger.Warn("run refused", "reason", err)
			if appendErr := p.emit(context.WithoutCancel(ctx), r, domain.EventProcessRejected, "Refused to start: another completion run is in progress", ""); appendErr != nil {
				r.logger.Error("audit append failed", "error", appendErr)
			}
			metrics.ObserveRun(string(req.Trigger), "rejected", 0)
			return Result{Success: false, Error: err.Error(), Err: err}
		}
		if err != nil {
			r.logger.Error("run start failed", "error", err)
			if appendErr := p.emit(context.WithoutCancel(ctx), r, domain.EventProcessError, "Error in assignment completion process: "+err.Error(), ""); appendErr != nil {
				r.logger.Error("audit append failed", "error", appendErr)
			}
			metrics.ObserveRun(string(req.Trigger), string(domain.RunFailed), 0)
			return Result{Success: false, Error: err.Error(), Err: err}
		}
	}

	r.logger.Info("run started", "submit", req.Submit, "user_id", req.UserID)
	if err := p.emit(ctx, r, domain.EventProcessStart, "Starting automated assignment completion process", ""); err != nil {
		return p.abort(ctx, r, err)
	}

	if req.Source == nil {
		return p.abort(ctx, r, fmt.Errorf("fetch assignments: %w", domain.ErrAuth))
	}
	var list []domain.Assignment
	err := guard(func() error {
		var err error
		list, err = req.Source.GetIncompleteAssignments(ctx)
		return err
	})
	if err != nil {
		return p.abort(ctx, r, fmt.Errorf("fetch assignments: %w", err))
	}
	if err := p.emit(ctx, r, domain.EventAssignmentsFetched, fmt.Sprintf("Fetched %d incomplete assignments", len(list)), ""); err != nil {
		return p.abort(ctx, r, err)
	}

	for _, a := range list {
		r.summary.ProcessedCount++
		if err := p.processAssignment(ctx, r, a); err != nil {
			return p.abort(ctx, r, err)
		}
	}

	if err := p.emit(ctx, r, domain.EventProcessComplete, fmt.Sprintf("Completed processing %d assignments", r.summary.ProcessedCount), ""); err != nil {
		return p.abort(ctx, r, err)
	}

	p.finish(ctx, r, domain.RunCompleted)
	r.logger.Info("run completed",
		"processed", r.summary.ProcessedCount,
		"skipped", r.summary.Skipped,
		"failed", r.summary.Failed,
	)
	return Result{
		Success:        true,
		ProcessedCount: r.summary.ProcessedCount,
		RunID:          r.id,
		Summary:        r.summary,
	}
}

// processAssignment handles one item. Upstream and generation failures are recorded
// and swallowed; only an audit persistence failure is returned.
func (p *Pipeline) processAssignment(ctx context.Context, r *run, a domain.Assignment) error {
	if err := p.emit(ctx, r, domain.EventAssignmentProcessing, "Processing assignment: "+a.Title, a.ID); err != nil {
		return err
	}

	if length := richtext.Length(a.Description); length < p.minLength {
		r.summary.Skipped++
		metrics.CountAssignment(metrics.OutcomeSkipped)
		msg := fmt.Sprintf("Skipped assignment %s: description has %d characters, below %d", a.Title, length, p.minLength)
		return p.emit(ctx, r, domain.EventAssignmentSkipped, msg, a.ID)
	}

	var content string
	err := guard(func() error {
		var genErr error
		content, genErr = p.completer.CompleteAssignment(ctx, a)
		return genErr
	})
	if err != nil {
		return p.assignmentFailed(ctx, r, a, err)
	}

	if r.req.Submit {
		var receipt domain.SubmissionReceipt
		err := guard(func() error {
			var subErr error
			receipt, subErr = r.req.Source.SubmitAssignment(ctx, a.CourseID, a.ID, content)
			return subErr
		})
		if err != nil {
			return p.assignmentFailed(ctx, r, a, fmt.Errorf("submit: %w", err))
		}
		r.summary.Submitted++
		metrics.CountAssignment(metrics.OutcomeSubmitted)
		r.logger.Debug("assignment submitted", "assignment_id", a.ID, "submission_id", receipt.ID)
		return p.emit(ctx, r, domain.EventAssignmentSubmitted, "Successfully submitted assignment: "+a.Title, a.ID)
	}

	if p.responses != nil && r.req.UserID != "" {
		err := p.responses.Save(ctx, domain.SavedResponse{
			UserID:       r.req.UserID,
			AssignmentID: a.ID,
			CourseID:     a.CourseID,
			Content:      content,
		})
		if err != nil {
			return p.assignmentFailed(ctx, r, a, fmt.Errorf("save draft: %w", err))
		}
	}
	r.summary.Completed++
	metrics.CountAssignment(metrics.OutcomeCompleted)
	return p.emit(ctx, r, domain.EventAssignmentCompleted, "Successfully generated solution: "+a.Title, a.ID)
}

func (p *Pipeline) assignmentFailed(ctx context.Context, r *run, a domain.Assignment, cause error) error {
	r.summary.Failed++
	metrics.CountAssignment(metrics.OutcomeError)
	r.logger.Warn("assignment failed", "assignment_id", a.ID, "error", cause)
	msg := fmt.Sprintf("Error processing assignment %s: %v", a.Title, cause)
	return p.emit(ctx, r, domain.EventAssignmentError, msg, a.ID)
}

// abort records a run-level failure. The process_error append is best effort.
func (p *Pipeline) abort(ctx context.Context, r *run, cause error) Result {
	r.summary.Error = cause.Error()
	r.logger.Error("run aborted", "error", cause)

	if err := p.emit(context.WithoutCancel(ctx), r, domain.EventProcessError, "Error in assignment completion process: "+cause.Error(), ""); err != nil {
		r.logger.Error("audit append failed", "error", err)
	}
	p.finish(ctx, r, domain.RunFailed)

	return Result{
		Success:        false,
		ProcessedCount: r.summary.ProcessedCount,
		Error:          cause.Error(),
		RunID:          r.id,
		Summary:        r.summary,
		Err:            cause,
	}
}

func (p *Pipeline) finish(ctx context.Context, r *run, status domain.RunStatus) {
	metrics.ObserveRun(string(r.req.Trigger), string(status), p.now().Sub(r.start))
	if p.runs == nil {
		return
	}
	results, err := json.Marshal(r.summary)
	if err != nil {
		r.logger.Error("marshal run results", "error", err)
	}
	if err := p.runs.Finish(context.WithoutCancel(ctx), r.id, status, results, p.now()); err != nil {
		r.logger.Error("finish run", "error", err)
	}
}

func (p *Pipeline) emit(ctx context.Context, r *run, eventType, message, assignmentID string) error {
	if p.audit == nil {
		return nil
	}
	_, err := p.audit.Append(ctx, domain.AuditLogEntry{
		Type:         eventType,
		Message:      message,
		AssignmentID: assignmentID,
		UserID:       r.req.UserID,
		RunID:        r.id,
	})
	if err != nil {
		var perr *domain.PersistenceError
		if !errors.As(err, &perr) {
			err = &domain.PersistenceError{Op: "append audit log", Err: err}
		}
		return err
	}
	return nil
}

// guard turns a panic inside an adapter call into an ordinary error.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
