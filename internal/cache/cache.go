package cache

import (
	"context"
	"time"

	"tokoku/backend/internal/domain"
)

// ProductCache holds per-owner product catalogs. The dashboard reads the
// catalog on every page load while writes are rare, so a short TTL cache in
// front of the remote store saves most of the read traffic.
type ProductCache interface {
	Get(ctx context.Context, ownerID string) ([]domain.Product, bool, error)
	Set(ctx context.Context, ownerID string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, ownerID string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
