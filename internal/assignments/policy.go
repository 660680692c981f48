// Package assignments holds the pure ordering and filtering rules applied to
// assignments merged from every course.
package assignments

import (
	"sort"
	"time"

	"CanvasPilot/internal/domain"
)

// StaleAfter is how long past its due date an incomplete assignment stays "recent".
const StaleAfter = 10 * 24 * time.Hour

// Priority categories, lower sorts first.
const (
	CategoryUpcoming  = 1
	CategoryRecent    = 2
	CategoryCompleted = 3
	CategoryUndated   = 4
	CategoryStale     = 5
)

// Category places an assignment in its priority tier relative to now.
// Statuses other than completed are treated as not yet done.
func Category(a domain.Assignment, now time.Time) int {
	if a.Status == domain.StatusCompleted {
		return CategoryCompleted
	}
	if a.DueDate == nil {
		return CategoryUndated
	}
	if a.DueDate.After(now) {
		return CategoryUpcoming
	}
	if now.Sub(*a.DueDate) <= StaleAfter {
		return CategoryRecent
	}
	return CategoryStale
}

// Sort returns a new slice ordered by category, then by ascending due date.
// Dated items precede undated ones and ties keep their input order.
func Sort(list []domain.Assignment, now time.Time) []domain.Assignment {
	sorted := make([]domain.Assignment, len(list))
	keyed := make([]keyedAssignment, len(list))
	for i, a := range list {
		keyed[i] = keyedAssignment{a: a, cat: Category(a, now)}
	}

	sort.SliceStable(keyed, func(i, j int) bool {
		return keyed[i].less(keyed[j])
	})

	for i := range keyed {
		sorted[i] = keyed[i].a
	}
	return sorted
}

type keyedAssignment struct {
	a   domain.Assignment
	cat int
}

func (k keyedAssignment) less(o keyedAssignment) bool {
	if k.cat != o.cat {
		return k.cat < o.cat
	}
	switch {
	case k.a.DueDate != nil && o.a.DueDate != nil:
		return k.a.DueDate.Before(*o.a.DueDate)
	case k.a.DueDate != nil:
		return true
	default:
		return false
	}
}

// Incomplete keeps assignments that are not submitted and due in the future.
func Incomplete(list []domain.Assignment, now time.Time) []domain.Assignment {
	out := make([]domain.Assignment, 0, len(list))
	for _, a := range list {
		if a.Status != domain.StatusIncomplete || a.DueDate == nil {
			continue
		}
		if a.DueDate.After(now) {
			out = append(out, a)
		}
	}
	return out
}

// Find returns the assignment with the given id.
func Find(list []domain.Assignment, id string) (domain.Assignment, bool) {
	for _, a := range list {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Assignment{}, false
}
