// Package analytics serves dashboard aggregates, reading through a TTL cache.
package analytics

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/domain"
)

const keyPrefix = "backoffice:dashboard:"

// Source is the subset of the repository the dashboard reads from.
type Source interface {
	GetDashboardSummary(ctx context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error)
	ListTopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error)
	ListTopCategories(ctx context.Context, limit int) ([]domain.TopCategory, error)
	GetSalesSeries(ctx context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error)
}

type Engine struct {
	source   Source
	cache    cache.DashboardCache
	cacheTTL time.Duration
}

func NewEngine(source Source, cacheStore cache.DashboardCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopDashboardCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

func (e *Engine) Summary(ctx context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error) {
	key := buildCacheKey("summary", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	return readThrough(ctx, e, key, func() (domain.DashboardSummary, error) {
		return e.source.GetDashboardSummary(ctx, from, to)
	})
}

func (e *Engine) TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	key := buildCacheKey("top-products", fmt.Sprintf("l:%d", limit))
	return readThrough(ctx, e, key, func() ([]domain.TopProduct, error) {
		return e.source.ListTopProducts(ctx, limit)
	})
}

func (e *Engine) TopCategories(ctx context.Context, limit int) ([]domain.TopCategory, error) {
	key := buildCacheKey("top-categories", fmt.Sprintf("l:%d", limit))
	return readThrough(ctx, e, key, func() ([]domain.TopCategory, error) {
		return e.source.ListTopCategories(ctx, limit)
	})
}

func (e *Engine) SalesSeries(ctx context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error) {
	key := buildCacheKey("sales-series", from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	return readThrough(ctx, e, key, func() ([]domain.SalesSeriesPoint, error) {
		return e.source.GetSalesSeries(ctx, from, to)
	})
}

// Invalidate drops every cached dashboard result. Cache failures are logged
// and otherwise ignored.
func (e *Engine) Invalidate(ctx context.Context) {
	if err := e.cache.Invalidate(ctx, keyPrefix); err != nil {
		log.Warn().Err(err).Msg("dashboard cache invalidate failed")
	}
}

func readThrough[T any](ctx context.Context, e *Engine, key string, load func() (T, error)) (T, error) {
	if raw, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	} else if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dashboard cache read failed")
	}

	value, err := load()
	if err != nil {
		var zero T
		return zero, err
	}

	if payload, err := json.Marshal(value); err == nil {
		if err := e.cache.Set(ctx, key, payload, e.cacheTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("dashboard cache write failed")
		}
	}
	return value, nil
}

func buildCacheKey(kind string, parts ...string) string {
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return keyPrefix + kind + ":" + hex.EncodeToString(hash[:])
}
