// Package idemcache fronts the repository's action-result log with a
// fast-path lookup so hot retries (a client replaying an unacknowledged
// batch) do not hit the database.
package idemcache

import (
	"context"
	"time"

	"rutapos/core/internal/domain"
)

type ResultCache interface {
	Get(ctx context.Context, actionID string) (*domain.SubmitResponse, bool, error)
	Set(ctx context.Context, actionID string, resp *domain.SubmitResponse, ttl time.Duration) error
}

type NoopResultCache struct{}

func (NoopResultCache) Get(_ context.Context, _ string) (*domain.SubmitResponse, bool, error) {
	return nil, false, nil
}

func (NoopResultCache) Set(_ context.Context, _ string, _ *domain.SubmitResponse, _ time.Duration) error {
	return nil
}
