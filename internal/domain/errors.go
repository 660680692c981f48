package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the LMS credential is missing or was rejected.
	ErrAuth = errors.New("lms credential missing or invalid")
	// ErrNotFound is returned by stores and lookups for absent records.
	ErrNotFound = errors.New("not found")
	// ErrRunInProgress is returned when another completion run holds the run lock.
	ErrRunInProgress = errors.New("completion run already in progress")
)

// UpstreamError wraps a failed LMS round trip. Status is 0 for transport failures.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("lms request failed: %v", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("lms error %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("lms error %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets a rejected credential (401) match ErrAuth.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrAuth && e.Status == http.StatusUnauthorized
}

// GenerationError wraps a failure of the text-generation backend.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed write or read against the log/run store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
