//go:build protogen

package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/petlor/petlor-clinic/libs/db"
	"github.com/petlor/petlor-clinic/libs/grpcx"
	catalogv1 "github.com/petlor/petlor-clinic/protos/gen/catalog/v1"
)

type grpcProvider struct {
	client catalogv1.CatalogServiceClient
}

// NewCatalogProvider dials the catalog service when an address is configured,
// falling back to the store-backed provider otherwise.
func NewCatalogProvider(logger *slog.Logger, pool *db.Pool, addr string) (Provider, error) {
	if addr == "" {
		return NewStoreProvider(pool), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpcx.Dial(ctx, addr, grpcx.DialOptions{Timeout: 5 * time.Second})
	if err != nil {
		logger.Warn("grpc catalog provider unavailable, using store provider", "err", err)
		return NewStoreProvider(pool), nil
	}

	logger.Info("grpc catalog provider enabled", "addr", addr)
	return &grpcProvider{client: catalogv1.NewCatalogServiceClient(conn)}, nil
}

func (p *grpcProvider) ServiceCategory(ctx context.Context, serviceID string) (Category, error) {
	resp, err := p.client.GetService(ctx, &catalogv1.ServiceRequest{ServiceId: serviceID})
	if err != nil {
		return Category{}, err
	}
	return Category{
		Code:                      resp.GetCategoryCode(),
		RequiredRole:              resp.GetRequiredRole(),
		RequiresCompletionDetails: resp.GetRequiresCompletionDetails(),
	}, nil
}
