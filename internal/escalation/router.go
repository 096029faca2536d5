// Package escalation picks the human a live call is handed to.
package escalation

import (
	"context"
	"math/rand/v2"
	"strings"

	"feecall/internal/domain"
	"feecall/internal/repo"
)

// MentorSource lists mentors currently marked available.
type MentorSource interface {
	ListMentors(ctx context.Context, f repo.MentorFilters) ([]domain.Mentor, error)
}

type Router struct {
	Mentors MentorSource
	// Intn defaults to math/rand.
	Intn func(n int) int
}

// PickMentor returns a uniformly random available mentor, or nil when none is.
// A non-empty department narrows the draw to that department when any mentor
// there is available. Availability is advisory; two calls may be routed to the
// same mentor.
func (r *Router) PickMentor(ctx context.Context, department string) (*domain.Mentor, error) {
	all, err := r.Mentors.ListMentors(ctx, repo.MentorFilters{AvailableOnly: true})
	if err != nil {
		return nil, err
	}
	pool := all
	if strings.TrimSpace(department) != "" {
		var same []domain.Mentor
		for _, m := range all {
			if strings.EqualFold(m.Department, department) {
				same = append(same, m)
			}
		}
		if len(same) > 0 {
			pool = same
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}
	intn := r.Intn
	if intn == nil {
		intn = rand.IntN
	}
	m := pool[intn(len(pool))]
	return &m, nil
}
