package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"CanvasPilot/internal/assignments"
	"CanvasPilot/internal/domain"
	"CanvasPilot/internal/ports"
)

const (
	ScopeFavorites = "favorites"
	ScopeActive    = "active"

	maxErrorBody = 1024
	maxPages     = 50
)

// Client talks to the Canvas REST API on behalf of one API key.
// Every call is a fresh round trip; nothing is cached.
type Client struct {
	baseURL     string
	apiKey      string
	scope       string
	pageSize    int
	concurrency int
	http        *http.Client
	limiter     *rate.Limiter
	now         func() time.Time
	logger      *slog.Logger
}

var _ ports.LMS = (*Client)(nil)

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL     string
	APIKey      string
	CourseScope string
	PageSize    int
	Concurrency int
	HTTPClient  *http.Client
	Limiter     *rate.Limiter
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewClient wires an HTTP client with the credential attached to every request.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:      strings.TrimSpace(opts.APIKey),
		scope:       opts.CourseScope,
		pageSize:    opts.PageSize,
		concurrency: opts.Concurrency,
		http:        opts.HTTPClient,
		limiter:     opts.Limiter,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if c.scope == "" {
		c.scope = ScopeFavorites
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	if c.concurrency <= 0 {
		c.concurrency = 4
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 20 * time.Second}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// GetUserProfile returns the owner of the API key; used to verify a credential.
func (c *Client) GetUserProfile(ctx context.Context) (domain.UserProfile, error) {
	var raw profileJSON
	if err := c.getJSON(ctx, "/users/self", nil, &raw); err != nil {
		return domain.UserProfile{}, fmt.Errorf("get user profile: %w", err)
	}
	if raw.ID == "" {
		return domain.UserProfile{}, fmt.Errorf("get user profile: %w", domain.ErrAuth)
	}
	return raw.toDomain(), nil
}

// GetCourses fetches the caller's favorite or actively enrolled courses.
func (c *Client) GetCourses(ctx context.Context) ([]domain.Course, error) {
	path := "/users/self/favorites/courses"
	query := url.Values{}
	query.Add("include[]", "term")
	if c.scope == ScopeActive {
		path = "/courses"
		query.Set("enrollment_state", "active")
	}

	raw, err := fetchAll[courseJSON](ctx, c, path, query)
	if err != nil {
		return nil, fmt.Errorf("get courses: %w", err)
	}

	courses := make([]domain.Course, 0, len(raw))
	for _, rc := range raw {
		courses = append(courses, rc.toDomain())
	}
	c.debug("courses fetched", "scope", c.scope, "count", len(courses))
	return courses, nil
}

// GetAssignmentsForCourse fetches and maps every assignment of one course.
func (c *Client) GetAssignmentsForCourse(ctx context.Context, course domain.Course) ([]domain.Assignment, error) {
	path := "/courses/" + url.PathEscape(course.ID) + "/assignments"
	raw, err := fetchAll[assignmentJSON](ctx, c, path, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("get assignments for course %s: %w", course.ID, err)
	}

	out := make([]domain.Assignment, 0, len(raw))
	for _, ra := range raw {
		out = append(out, ra.toDomain(course))
	}
	return out, nil
}

// GetAllAssignments fans out over every visible course concurrently and
// returns the merged list in priority order.
func (c *Client) GetAllAssignments(ctx context.Context) ([]domain.Assignment, error) {
	courses, err := c.GetCourses(ctx)
	if err != nil {
		return nil, err
	}

	perCourse := make([][]domain.Assignment, len(courses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, course := range courses {
		i, course := i, course
		g.Go(func() error {
			list, err := c.GetAssignmentsForCourse(gctx, course)
			if err != nil {
				return err
			}
			perCourse[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []domain.Assignment
	for _, list := range perCourse {
		merged = append(merged, list...)
	}
	c.debug("assignments merged", "courses", len(courses), "assignments", len(merged))
	return assignments.Sort(merged, c.now()), nil
}

// GetIncompleteAssignments keeps unsubmitted assignments due in the future.
func (c *Client) GetIncompleteAssignments(ctx context.Context) ([]domain.Assignment, error) {
	all, err := c.GetAllAssignments(ctx)
	if err != nil {
		return nil, err
	}
	return assignments.Incomplete(all, c.now()), nil
}

// SubmitAssignment posts an online text entry for the assignment.
func (c *Client) SubmitAssignment(ctx context.Context, courseID, assignmentID, content string) (domain.SubmissionReceipt, error) {
	body, err := json.Marshal(map[string]any{
		"submission": map[string]string{
			"submission_type": "online_text_entry",
			"body":            content,
		},
	})
	if err != nil {
		return domain.SubmissionReceipt{}, fmt.Errorf("marshal submission: %w", err)
	}

	endpoint := c.baseURL + "/courses/" + url.PathEscape(courseID) + "/assignments/" + url.PathEscape(assignmentID) + "/submissions"
	resp, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return domain.SubmissionReceipt{}, fmt.Errorf("submit assignment %s: %w", assignmentID, err)
	}
	defer resp.Body.Close()

	var raw submissionJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.SubmissionReceipt{}, fmt.Errorf("decode submission: %w", err)
	}
	receipt := raw.toDomain()
	if receipt.AssignmentID == "" {
		receipt.AssignmentID = assignmentID
	}
	return receipt, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fetchAll walks a paginated collection by following the Link rel="next" header.
func fetchAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(c.pageSize))
	next := c.baseURL + path + "?" + query.Encode()

	var all []T
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("%s: more than %d pages", path, maxPages)
		}
		resp, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}

		var batch []T
		decodeErr := json.NewDecoder(resp.Body).Decode(&batch)
		_ = resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode page %d: %w", page+1, decodeErr)
		}

		all = append(all, batch...)
		next, err = c.resolveNext(nextLink(resp.Header.Get("Link")))
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

// resolveNext resolves a pagination link against the base URL. The API key
// is only ever sent to the configured origin.
func (c *Client) resolveNext(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	target := base.ResolveReference(ref)
	if !strings.EqualFold(target.Scheme, base.Scheme) || !strings.EqualFold(target.Host, base.Host) {
		return "", &domain.UpstreamError{Err: fmt.Errorf("next link points to foreign origin %s", target.Host)}
	}
	return target.String(), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, domain.ErrAuth
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &domain.UpstreamError{Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CanvasPilot/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		c.debug("lms request failed", "method", method, "status", resp.StatusCode)
		return nil, &domain.UpstreamError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(payload)),
		}
	}
	return resp, nil
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if strings.EqualFold(param, `rel="next"`) || strings.EqualFold(param, "rel=next") {
				return strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
			}
		}
	}
	return ""
}

func (c *Client) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
