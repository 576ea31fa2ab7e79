package analytics

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice/backend/internal/domain"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

type countingSource struct {
	summaryCalls int
	topCalls     int
}

func (s *countingSource) GetDashboardSummary(_ context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error) {
	s.summaryCalls++
	return domain.DashboardSummary{ConfirmedSales: int64(s.summaryCalls), GrossAmount: decimal.RequireFromString("12.50")}, nil
}

func (s *countingSource) ListTopProducts(_ context.Context, limit int) ([]domain.TopProduct, error) {
	s.topCalls++
	return []domain.TopProduct{{ProductID: "prd-milk", QuantitySold: 6, Revenue: decimal.RequireFromString("10.80")}}, nil
}

func (s *countingSource) ListTopCategories(_ context.Context, limit int) ([]domain.TopCategory, error) {
	return nil, nil
}

func (s *countingSource) GetSalesSeries(_ context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error) {
	return nil, nil
}

func TestSummaryIsServedFromCacheUntilInvalidated(t *testing.T) {
	src := &countingSource{}
	engine := NewEngine(src, newMapCache(), time.Minute)
	ctx := context.Background()
	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	first, err := engine.Summary(ctx, from, to)
	require.NoError(t, err)
	second, err := engine.Summary(ctx, from, to)
	require.NoError(t, err)

	assert.Equal(t, 1, src.summaryCalls)
	assert.Equal(t, first.ConfirmedSales, second.ConfirmedSales)
	assert.True(t, second.GrossAmount.Equal(decimal.RequireFromString("12.50")))

	engine.Invalidate(ctx)
	third, err := engine.Summary(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, 2, src.summaryCalls)
	assert.Equal(t, int64(2), third.ConfirmedSales)
}

func TestCacheKeysSeparateLimits(t *testing.T) {
	src := &countingSource{}
	engine := NewEngine(src, newMapCache(), time.Minute)
	ctx := context.Background()

	_, err := engine.TopProducts(ctx, 5)
	require.NoError(t, err)
	_, err = engine.TopProducts(ctx, 10)
	require.NoError(t, err)
	top, err := engine.TopProducts(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, 2, src.topCalls)
	require.Len(t, top, 1)
	assert.Equal(t, 6, top[0].QuantitySold)
}

func TestNilCacheFallsBackToNoop(t *testing.T) {
	src := &countingSource{}
	engine := NewEngine(src, nil, 0)

	_, err := engine.Summary(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	_, err = engine.Summary(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, src.summaryCalls)
}
