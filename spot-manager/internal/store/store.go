// Package store persists the price sample cache and the no-capacity
// backoff table between runs.
package store

import (
	"context"
	"time"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

type Store interface {
	// LoadPrices returns every cached sample, oldest first
	LoadPrices(ctx context.Context) ([]provider.PriceSample, error)
	// SavePrices replaces the cached samples
	SavePrices(ctx context.Context, samples []provider.PriceSample) error
	LoadBackoff(ctx context.Context) (map[string]time.Time, error)
	SaveBackoff(ctx context.Context, records map[string]time.Time) error
}
