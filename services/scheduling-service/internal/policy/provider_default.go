//go:build !protogen

package policy

import (
	"log/slog"

	"github.com/petlor/petlor-clinic/libs/db"
)

// NewCatalogProvider returns the store-backed provider. The gRPC catalog
// variant requires generated stubs and is only compiled under the protogen
// tag.
func NewCatalogProvider(_ *slog.Logger, pool *db.Pool, _ string) (Provider, error) {
	return NewStoreProvider(pool), nil
}
