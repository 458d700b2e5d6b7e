package policy

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/petlor/petlor-clinic/libs/db"
)

// StoreProvider resolves service categories from the service catalog tables.
type StoreProvider struct {
	pool *db.Pool
}

func NewStoreProvider(pool *db.Pool) *StoreProvider {
	return &StoreProvider{pool: pool}
}

func (p *StoreProvider) ServiceCategory(ctx context.Context, serviceID string) (Category, error) {
	var c Category
	err := p.pool.QueryRow(ctx, `
		SELECT c.code, c.required_role, c.requires_completion_details
		FROM services s
		JOIN service_categories c ON c.id = s.category_id
		WHERE s.id = $1
	`, serviceID).Scan(&c.Code, &c.RequiredRole, &c.RequiresCompletionDetails)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Category{}, ErrUnknownService
		}
		return Category{}, err
	}
	return c, nil
}
