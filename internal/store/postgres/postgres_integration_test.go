//go:build integration

package postgres

// Run with: go test -tags integration ./internal/store/postgres/...

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

func newContainerStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.Run(ctx, "postgres:16-alpine",
		tcPostgres.WithDatabase("backoffice_test"),
		tcPostgres.WithUsername("backoffice"),
		tcPostgres.WithPassword("backoffice"),
		tcPostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	url, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.VerifySchema(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, price string, stock int) domain.Product {
	t.Helper()
	p, err := s.CreateProduct(context.Background(), domain.Product{
		Name:     "Flat White Beans",
		Category: "beverage",
		Price:    decimal.RequireFromString(price),
		Cost:     decimal.RequireFromString("1.00"),
	}, stock)
	require.NoError(t, err)
	return *p
}

func TestRefundLifecycleAgainstPostgres(t *testing.T) {
	s := newContainerStore(t)
	ctx := context.Background()
	product := seedProduct(t, s, "5.00", 50)

	sale, err := s.CreateSale(ctx, domain.SaleDraft{
		EmployeeID:     "cashier",
		PaymentTypeID:  "pay-cash",
		TaxRatePercent: decimal.NewFromInt(10),
		Items:          []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 10}},
	})
	require.NoError(t, err)
	assert.True(t, sale.Amount.Equal(decimal.RequireFromString("50.00")))
	lineID := sale.Items[0].ID

	first, err := s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID, ProcessedBy: "cashier",
		Lines: []domain.RefundLineRequest{{SaleItemID: lineID, QuantityRefunded: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundTypePartial, first.RefundType)
	assert.True(t, first.TotalRefundAmount.Equal(decimal.RequireFromString("20.00")))

	_, err = s.SetSaleStatus(ctx, sale.ID, "voided")
	require.ErrorIs(t, err, store.ErrInvalidStatus)

	second, err := s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID, ProcessedBy: "cashier",
		Lines: []domain.RefundLineRequest{{SaleItemID: lineID, QuantityRefunded: 6}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundTypeFull, second.RefundType)
	assert.True(t, second.TotalRefundAmount.Equal(decimal.RequireFromString("30.00")))

	_, err = s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID, ProcessedBy: "cashier",
		Lines: []domain.RefundLineRequest{{SaleItemID: lineID, QuantityRefunded: 1}},
	})
	require.ErrorIs(t, err, store.ErrOverRefund)

	refunds, err := s.ListRefunds(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Len(t, refunds[0].Items, 1)
}

func TestConcurrentRefundsSerializeOnSaleLock(t *testing.T) {
	s := newContainerStore(t)
	ctx := context.Background()
	product := seedProduct(t, s, "2.50", 20)

	sale, err := s.CreateSale(ctx, domain.SaleDraft{
		EmployeeID:    "cashier",
		PaymentTypeID: "pay-card",
		Items:         []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 5}},
	})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for n := 0; n < 12; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateRefund(ctx, domain.RefundDraft{
				SaleID: sale.ID, ProcessedBy: "cashier",
				Lines: []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 1}},
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrOverRefund) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
}

func TestVoidRestocksAndDashboardViews(t *testing.T) {
	s := newContainerStore(t)
	ctx := context.Background()
	product := seedProduct(t, s, "3.00", 10)

	kept, err := s.CreateSale(ctx, domain.SaleDraft{
		EmployeeID: "cashier", PaymentTypeID: "pay-cash",
		Items: []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	voided, err := s.CreateSale(ctx, domain.SaleDraft{
		EmployeeID: "cashier", PaymentTypeID: "pay-cash",
		Items: []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 3}},
	})
	require.NoError(t, err)

	res, err := s.SetSaleStatus(ctx, voided.ID, "VOIDED")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	inventory, err := s.ListInventory(ctx)
	require.NoError(t, err)
	require.Len(t, inventory, 1)
	assert.Equal(t, 8, inventory[0].Quantity)

	top, err := s.ListTopProducts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].QuantitySold)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	summary, err := s.GetDashboardSummary(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ConfirmedSales)
	assert.True(t, summary.GrossAmount.Equal(kept.Amount))

	series, err := s.GetSalesSeries(ctx, from, to)
	require.NoError(t, err)
	assert.NotEmpty(t, series)
}
