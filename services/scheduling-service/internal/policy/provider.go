// Package policy answers service-category questions for the scheduler: which
// staff role serves a service, and whether completing it collects the
// vaccination payload. The capability lives on the category, never on a
// screen.
package policy

import (
	"context"
	"errors"
)

var ErrUnknownService = errors.New("unknown service")

// Staff roles matching service categories.
const (
	RoleDoctor = "doctor"
	RoleSpa    = "spa"
)

type Category struct {
	Code string
	// RequiredRole is the staff role whose queue this category's
	// appointments appear in.
	RequiredRole string
	// RequiresCompletionDetails marks medical categories: the COMPLETED
	// transition collects the vaccination payload. Grooming categories skip
	// it and default vaccinationGiven=false.
	RequiresCompletionDetails bool
}

type Provider interface {
	ServiceCategory(ctx context.Context, serviceID string) (Category, error)
}

type staticProvider struct {
	categories map[string]Category
}

// NewStaticProvider serves categories from a fixed map. Used in tests and as
// the fallback when no catalog backend is configured.
func NewStaticProvider(categories map[string]Category) Provider {
	return &staticProvider{categories: categories}
}

func (p *staticProvider) ServiceCategory(_ context.Context, serviceID string) (Category, error) {
	c, ok := p.categories[serviceID]
	if !ok {
		return Category{}, ErrUnknownService
	}
	return c, nil
}
