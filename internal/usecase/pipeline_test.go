package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"CanvasPilot/internal/domain"
)

type fakeSource struct {
	list      []domain.Assignment
	err       error
	submitErr map[string]error
	submitted []string
	fetches   int
	explode   bool
}

func (f *fakeSource) GetIncompleteAssignments(context.Context) ([]domain.Assignment, error) {
	f.fetches++
	if f.explode {
		panic("lms client exploded")
	}
	return f.list, f.err
}

func (f *fakeSource) SubmitAssignment(_ context.Context, courseID, assignmentID, content string) (domain.SubmissionReceipt, error) {
	if err := f.submitErr[assignmentID]; err != nil {
		return domain.SubmissionReceipt{}, err
	}
	f.submitted = append(f.submitted, assignmentID)
	return domain.SubmissionReceipt{ID: "sub-" + assignmentID, AssignmentID: assignmentID, WorkflowState: "submitted"}, nil
}

type fakeCompleter struct {
	calls []string
	fail  map[string]error
	panic map[string]bool
}

func (f *fakeCompleter) CompleteAssignment(_ context.Context, a domain.Assignment) (string, error) {
	f.calls = append(f.calls, a.ID)
	if f.panic[a.ID] {
		panic("backend exploded")
	}
	if err := f.fail[a.ID]; err != nil {
		return "", &domain.GenerationError{Err: err}
	}
	return "answer for " + a.ID, nil
}

func (f *fakeCompleter) CompleteWithInstructions(ctx context.Context, a domain.Assignment, _ string) (string, error) {
	return f.CompleteAssignment(ctx, a)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
	failOn  func(domain.AuditLogEntry) bool
}

func (m *memAudit) Append(_ context.Context, e domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn != nil && m.failOn(e) {
		return domain.AuditLogEntry{}, &domain.PersistenceError{Op: "append audit log", Err: errors.New("disk full")}
	}
	e.Timestamp = time.Now()
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memAudit) List(context.Context, domain.LogQuery) (domain.LogPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.LogPage{Entries: append([]domain.AuditLogEntry(nil), m.entries...), TotalCount: len(m.entries)}, nil
}

func (m *memAudit) ofType(eventType string) []domain.AuditLogEntry {
	var out []domain.AuditLogEntry
	for _, e := range m.entries {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memRuns struct {
	startErr error
	started  []domain.CompletionRun
	finished map[string]domain.RunStatus
	results  map[string][]byte
}

func (m *memRuns) Start(_ context.Context, run domain.CompletionRun, _ time.Time) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, run)
	return nil
}

func (m *memRuns) Finish(_ context.Context, runID string, status domain.RunStatus, results []byte, _ time.Time) error {
	if m.finished == nil {
		m.finished = map[string]domain.RunStatus{}
		m.results = map[string][]byte{}
	}
	m.finished[runID] = status
	m.results[runID] = results
	return nil
}

func (m *memRuns) List(context.Context, int) ([]domain.CompletionRun, error) { return m.started, nil }

type memResponses struct {
	saved map[string]domain.SavedResponse
}

func (m *memResponses) Save(_ context.Context, r domain.SavedResponse) error {
	if m.saved == nil {
		m.saved = map[string]domain.SavedResponse{}
	}
	m.saved[r.UserID+"/"+r.AssignmentID] = r
	return nil
}

func (m *memResponses) Get(_ context.Context, userID, assignmentID string) (domain.SavedResponse, error) {
	r, ok := m.saved[userID+"/"+assignmentID]
	if !ok {
		return domain.SavedResponse{}, domain.ErrNotFound
	}
	return r, nil
}

func longAssignment(id string) domain.Assignment {
	return domain.Assignment{
		ID:          id,
		CourseID:    "c1",
		Title:       "Assignment " + id,
		Description: "<p>" + gofakeit.Sentence(80) + "</p>",
		Status:      domain.StatusIncomplete,
	}
}

type harness struct {
	source    *fakeSource
	completer *fakeCompleter
	audit     *memAudit
	runs      *memRuns
	responses *memResponses
	pipeline  *Pipeline
}

func newHarness(list ...domain.Assignment) *harness {
	h := &harness{
		source:    &fakeSource{list: list},
		completer: &fakeCompleter{},
		audit:     &memAudit{},
		runs:      &memRuns{},
		responses: &memResponses{},
	}
	h.pipeline = NewPipeline(PipelineDeps{
		Completer:            h.completer,
		AuditLog:             h.audit,
		Runs:                 h.runs,
		Responses:            h.responses,
		MinDescriptionLength: 200,
	})
	return h
}

func (h *harness) run(submit bool) Result {
	return h.pipeline.Run(context.Background(), RunRequest{Source: h.source, UserID: "canvas_1", Submit: submit})
}

func TestRunSkipsShortDescriptions(t *testing.T) {
	t.Parallel()

	short := domain.Assignment{ID: "short", Title: "Short", Description: "<p>" + strings.Repeat("a", 50) + "</p>", Status: domain.StatusIncomplete}
	long := domain.Assignment{ID: "long", Title: "Long", Description: "<p>" + strings.Repeat("b", 500) + "</p>", Status: domain.StatusIncomplete}
	h := newHarness(short, long)

	res := h.run(false)
	if !res.Success || res.ProcessedCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.completer.calls) != 1 || h.completer.calls[0] != "long" {
		t.Fatalf("expected only the long assignment to be generated, got %v", h.completer.calls)
	}
	skipped := h.audit.ofType(domain.EventAssignmentSkipped)
	if len(skipped) != 1 || skipped[0].AssignmentID != "short" {
		t.Fatalf("expected one skip entry for short, got %+v", skipped)
	}
	if res.Summary.Skipped != 1 || res.Summary.Completed != 1 {
		t.Fatalf("unexpected summary: %+v", res.Summary)
	}
}

func TestRunSkipThresholdIgnoresMarkup(t *testing.T) {
	t.Parallel()

	padded := domain.Assignment{
		ID:          "markup",
		Description: `<div class="` + strings.Repeat("x", 400) + `"><p>tiny</p></div>`,
		Status:      domain.StatusIncomplete,
	}
	h := newHarness(padded)

	h.run(false)
	if len(h.completer.calls) != 0 {
		t.Fatalf("expected markup-heavy short text to be skipped")
	}
}

func TestRunIsolatesAssignmentFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"), longAssignment("2"), longAssignment("3"))
	h.completer.fail = map[string]error{"2": errors.New("model overloaded")}

	res := h.run(false)
	if !res.Success || res.ProcessedCount != 3 {
		t.Fatalf("expected successful run over 3 assignments, got %+v", res)
	}
	if strings.Join(h.completer.calls, ",") != "1,2,3" {
		t.Fatalf("expected all assignments attempted in order, got %v", h.completer.calls)
	}

	errs := h.audit.ofType(domain.EventAssignmentError)
	if len(errs) != 1 || errs[0].AssignmentID != "2" {
		t.Fatalf("expected a single error entry for #2, got %+v", errs)
	}
	if !strings.Contains(errs[0].Message, "model overloaded") {
		t.Fatalf("error entry lacks reason: %s", errs[0].Message)
	}
	if got := len(h.audit.ofType(domain.EventAssignmentCompleted)); got != 2 {
		t.Fatalf("expected 2 completed entries, got %d", got)
	}
	if h.runs.finished[res.RunID] != domain.RunCompleted {
		t.Fatalf("expected run to be completed, got %s", h.runs.finished[res.RunID])
	}

	var summary domain.RunSummary
	if err := json.Unmarshal(h.runs.results[res.RunID], &summary); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if summary.ProcessedCount != 3 || summary.Failed != 1 || summary.Completed != 2 {
		t.Fatalf("unexpected stored summary: %+v", summary)
	}
}

func TestRunAbortsWhenFetchFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.source.err = &domain.UpstreamError{Status: 500, Body: "oops"}

	res := h.run(false)
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if !strings.Contains(res.Error, "lms error 500") {
		t.Fatalf("unexpected error text: %s", res.Error)
	}
	if got := len(h.audit.ofType(domain.EventProcessError)); got != 1 {
		t.Fatalf("expected exactly one process_error, got %d", got)
	}
	for _, e := range h.audit.entries {
		if e.AssignmentID != "" {
			t.Fatalf("expected no per-assignment entries, got %+v", e)
		}
	}
	if h.runs.finished[res.RunID] != domain.RunFailed {
		t.Fatalf("expected run to be failed, got %s", h.runs.finished[res.RunID])
	}
}

func TestRunRefusedWhileAnotherRunIsActive(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"))
	h.runs.startErr = domain.ErrRunInProgress

	res := h.run(true)
	if res.Success || res.Error != domain.ErrRunInProgress.Error() {
		t.Fatalf("expected refusal, got %+v", res)
	}
	if h.source.fetches != 0 || len(h.completer.calls) != 0 {
		t.Fatalf("refused run must not touch upstream or generation")
	}
	if got := len(h.audit.ofType(domain.EventProcessRejected)); got != 1 {
		t.Fatalf("expected one process_rejected entry, got %d", got)
	}
	if got := len(h.audit.ofType(domain.EventProcessStart)); got != 0 {
		t.Fatalf("refused run must not log process_start")
	}
}

func TestRunSubmitsWhenRequested(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"), longAssignment("2"))
	h.source.submitErr = map[string]error{"2": &domain.UpstreamError{Status: 403, Body: "locked"}}

	res := h.run(true)
	if !res.Success || res.Summary.Submitted != 1 || res.Summary.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Join(h.source.submitted, ",") != "1" {
		t.Fatalf("unexpected submissions: %v", h.source.submitted)
	}
	submitted := h.audit.ofType(domain.EventAssignmentSubmitted)
	if len(submitted) != 1 || submitted[0].AssignmentID != "1" {
		t.Fatalf("unexpected submitted entries: %+v", submitted)
	}
	if len(h.responses.saved) != 0 {
		t.Fatalf("submit runs must not store drafts")
	}
}

func TestDraftRunSavesResponses(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("7"))
	h.run(false)

	saved, err := h.responses.Get(context.Background(), "canvas_1", "7")
	if err != nil {
		t.Fatalf("expected saved draft: %v", err)
	}
	if saved.Content != "answer for 7" || saved.CourseID != "c1" {
		t.Fatalf("unexpected draft: %+v", saved)
	}
	if len(h.source.submitted) != 0 {
		t.Fatalf("draft run must not submit")
	}
}

func TestRunAbortsOnAuditFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"), longAssignment("2"))
	h.audit.failOn = func(e domain.AuditLogEntry) bool {
		return e.Type == domain.EventAssignmentProcessing && e.AssignmentID == "2"
	}

	res := h.run(false)
	if res.Success {
		t.Fatalf("expected persistence failure to abort the run")
	}
	if len(h.completer.calls) != 1 {
		t.Fatalf("expected processing to stop after the failed append, got %v", h.completer.calls)
	}
	if h.runs.finished[res.RunID] != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", h.runs.finished[res.RunID])
	}
	if got := len(h.audit.ofType(domain.EventProcessError)); got != 1 {
		t.Fatalf("expected best-effort process_error, got %d", got)
	}
}

func TestRunContainsPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"), longAssignment("2"))
	h.completer.panic = map[string]bool{"1": true}

	res := h.run(false)
	if !res.Success || res.Summary.Failed != 1 || res.Summary.Completed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	errs := h.audit.ofType(domain.EventAssignmentError)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "panic") {
		t.Fatalf("expected panic to be logged as assignment error, got %+v", errs)
	}
}

func TestRunContainsFetchPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"))
	h.source.explode = true

	res := h.run(false)
	if res.Success || !strings.Contains(res.Error, "panic") {
		t.Fatalf("expected failed run carrying the panic, got %+v", res)
	}
	if len(h.runs.started) != 1 {
		t.Fatalf("expected one started run, got %d", len(h.runs.started))
	}
	if h.runs.finished[res.RunID] != domain.RunFailed {
		t.Fatalf("expected run lock to be released as failed, got %q", h.runs.finished[res.RunID])
	}
	if got := len(h.audit.ofType(domain.EventProcessError)); got != 1 {
		t.Fatalf("expected exactly one process_error, got %d", got)
	}
	if len(h.completer.calls) != 0 {
		t.Fatalf("expected no generation after failed fetch")
	}
}

func TestRunEntriesCarryRunAndUser(t *testing.T) {
	t.Parallel()

	h := newHarness(longAssignment("1"))
	res := h.run(false)

	wantOrder := []string{
		domain.EventProcessStart,
		domain.EventAssignmentsFetched,
		domain.EventAssignmentProcessing,
		domain.EventAssignmentCompleted,
		domain.EventProcessComplete,
	}
	if len(h.audit.entries) != len(wantOrder) {
		t.Fatalf("expected %d entries, got %d", len(wantOrder), len(h.audit.entries))
	}
	for i, e := range h.audit.entries {
		if e.Type != wantOrder[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, wantOrder[i], e.Type)
		}
		if e.RunID != res.RunID || e.UserID != "canvas_1" {
			t.Fatalf("entry %d lacks run/user: %+v", i, e)
		}
	}
}
