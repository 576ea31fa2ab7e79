package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

func createSale(t *testing.T, s *Store, items ...domain.SaleItemRequest) *domain.Sale {
	t.Helper()
	sale, err := s.CreateSale(context.Background(), domain.SaleDraft{
		EmployeeID:     "cashier",
		PaymentTypeID:  "pay-cash",
		TaxRatePercent: decimal.NewFromInt(10),
		Items:          items,
	})
	require.NoError(t, err)
	return sale
}

func stockOf(t *testing.T, s *Store, productID string) int {
	t.Helper()
	items, err := s.ListInventory(context.Background())
	require.NoError(t, err)
	for _, item := range items {
		if item.ProductID == productID {
			return item.Quantity
		}
	}
	t.Fatalf("product %s not in inventory", productID)
	return 0
}

func TestCreateSaleComputesTotalsAndMovesStock(t *testing.T) {
	s := NewSeeded()

	sale := createSale(t, s,
		domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10},
		domain.SaleItemRequest{ProductID: "prd-croissant", Quantity: 2},
	)

	assert.Equal(t, domain.SaleStatusConfirmed, sale.Status)
	assert.True(t, sale.Amount.Equal(decimal.RequireFromString("23.50")), "amount %s", sale.Amount)
	assert.True(t, sale.Tax.Equal(decimal.RequireFromString("2.35")), "tax %s", sale.Tax)
	require.Len(t, sale.Items, 2)
	assert.Equal(t, 1, sale.Items[0].LineNo)
	assert.Equal(t, "Whole Milk 1L", sale.Items[0].ProductName)
	assert.Equal(t, 110, stockOf(t, s, "prd-milk"))
}

func TestCreateSaleRejectsInsufficientStock(t *testing.T) {
	s := NewSeeded()

	_, err := s.CreateSale(context.Background(), domain.SaleDraft{
		PaymentTypeID: "pay-cash",
		Items:         []domain.SaleItemRequest{{ProductID: "prd-milk", Quantity: 100}, {ProductID: "prd-milk", Quantity: 21}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 120, stockOf(t, s, "prd-milk"))
}

func TestCreateSaleRejectsQuantitiesThatWouldWrapStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateSale(ctx, domain.SaleDraft{
		PaymentTypeID: "pay-cash",
		Items:         []domain.SaleItemRequest{{ProductID: "prd-milk", Quantity: math.MaxInt}, {ProductID: "prd-milk", Quantity: 2}},
	})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = s.CreateSale(ctx, domain.SaleDraft{
		PaymentTypeID: "pay-cash",
		Items:         []domain.SaleItemRequest{{ProductID: "prd-milk", Quantity: 2}, {ProductID: "prd-milk", Quantity: math.MaxInt32}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 120, stockOf(t, s, "prd-milk"))
}

func TestCreateRefundRejectsWrappingDuplicates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	sale := createSale(t, s,
		domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 2},
		domain.SaleItemRequest{ProductID: "prd-muffin", Quantity: 1},
	)

	_, err := s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID,
		Lines: []domain.RefundLineRequest{
			{SaleItemID: sale.Items[0].ID, QuantityRefunded: math.MaxInt},
			{SaleItemID: sale.Items[0].ID, QuantityRefunded: 2},
			{SaleItemID: sale.Items[1].ID, QuantityRefunded: 1},
		},
		ProcessedBy: "cashier",
	})
	require.ErrorIs(t, err, store.ErrOverRefund)

	refunds, err := s.ListRefunds(ctx, sale.ID)
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func TestAdjustStockCapsAtColumnRange(t *testing.T) {
	s := NewSeeded()

	_, err := s.AdjustStock(context.Background(), "prd-milk", math.MaxInt32)
	require.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, 120, stockOf(t, s, "prd-milk"))
}

func TestCreateRefundRestockPolicy(t *testing.T) {
	for _, restock := range []bool{false, true} {
		s := NewSeeded()
		sale := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-muffin", Quantity: 10})
		require.Equal(t, 110, stockOf(t, s, "prd-muffin"))

		refund, err := s.CreateRefund(context.Background(), domain.RefundDraft{
			SaleID:      sale.ID,
			Lines:       []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 4}},
			ProcessedBy: "cashier",
			Restock:     restock,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.RefundTypePartial, refund.RefundType)

		want := 110
		if restock {
			want = 114
		}
		assert.Equal(t, want, stockOf(t, s, "prd-muffin"), "restock=%v", restock)
	}
}

func TestCreateRefundChecksClientExpectation(t *testing.T) {
	s := NewSeeded()
	sale := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 2})
	wrong := decimal.RequireFromString("1.00")

	_, err := s.CreateRefund(context.Background(), domain.RefundDraft{
		SaleID:        sale.ID,
		Lines:         []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 1}},
		ExpectedTotal: &wrong,
	})
	require.ErrorIs(t, err, store.ErrValidation)

	refunds, err := s.ListRefunds(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func TestConcurrentRefundsNeverOverRefund(t *testing.T) {
	s := NewSeeded()
	sale := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-cookies", Quantity: 10})
	lineID := sale.Items[0].ID

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for n := 0; n < 25; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateRefund(context.Background(), domain.RefundDraft{
				SaleID: sale.ID,
				Lines:  []domain.RefundLineRequest{{SaleItemID: lineID, QuantityRefunded: 1}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrOverRefund) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	ledger, err := s.GetSaleLedger(context.Background(), sale.ID)
	require.NoError(t, err)
	total := 0
	for _, item := range ledger.History {
		total += item.QuantityRefunded
	}
	assert.Equal(t, 10, total)
}

func TestVoidRestocksAndBlocksRefunds(t *testing.T) {
	s := NewSeeded()
	sale := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-espresso", Quantity: 3})
	require.Equal(t, 117, stockOf(t, s, "prd-espresso"))

	res, err := s.SetSaleStatus(context.Background(), sale.ID, "VOIDED")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.SaleStatusVoided, res.Status)
	assert.Equal(t, 120, stockOf(t, s, "prd-espresso"))

	res, err = s.SetSaleStatus(context.Background(), sale.ID, "voided")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 120, stockOf(t, s, "prd-espresso"))

	_, err = s.CreateRefund(context.Background(), domain.RefundDraft{
		SaleID: sale.ID,
		Lines:  []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 1}},
	})
	require.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestLineItemGuards(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	sale := createSale(t, s,
		domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10},
		domain.SaleItemRequest{ProductID: "prd-muffin", Quantity: 1},
	)
	milkLine := sale.Items[0].ID

	_, err := s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID,
		Lines:  []domain.RefundLineRequest{{SaleItemID: milkLine, QuantityRefunded: 4}},
	})
	require.NoError(t, err)

	three := 3
	_, err = s.UpdateLineItem(ctx, milkLine, &three, nil)
	require.ErrorIs(t, err, store.ErrValidation)

	six := 6
	updated, err := s.UpdateLineItem(ctx, milkLine, &six, nil)
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(decimal.RequireFromString("13.90")), "amount %s", updated.Amount)
	assert.Equal(t, 114, stockOf(t, s, "prd-milk"))

	_, err = s.DeleteLineItem(ctx, sale.Items[1].ID)
	require.ErrorIs(t, err, store.ErrInvalidStatus)

	_, err = s.AddLineItem(ctx, domain.SaleLineItem{SaleID: sale.ID, ProductID: "prd-cookies", Quantity: 1, UnitPrice: decimal.NewFromInt(2)})
	require.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestDashboardAggregatesNetOfRefunds(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	sale := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})
	voided := createSale(t, s, domain.SaleItemRequest{ProductID: "prd-espresso", Quantity: 1})
	_, err := s.SetSaleStatus(ctx, voided.ID, "voided")
	require.NoError(t, err)
	_, err = s.CreateRefund(ctx, domain.RefundDraft{
		SaleID: sale.ID,
		Lines:  []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 4}},
	})
	require.NoError(t, err)

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	summary, err := s.GetDashboardSummary(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.ConfirmedSales)
	assert.True(t, summary.GrossAmount.Equal(decimal.RequireFromString("18.00")))
	assert.True(t, summary.RefundedAmount.Equal(decimal.RequireFromString("7.20")))
	assert.True(t, summary.NetAmount.Equal(decimal.RequireFromString("10.80")))

	top, err := s.ListTopProducts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "prd-milk", top[0].ProductID)
	assert.Equal(t, 6, top[0].QuantitySold)

	series, err := s.GetSalesSeries(ctx, from, to)
	require.NoError(t, err)
	var sales int64
	for _, point := range series {
		sales += point.Sales
	}
	assert.Equal(t, int64(1), sales)
}

func TestImportProductsIsAllOrNothing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	before, err := s.ListProducts(ctx, "")
	require.NoError(t, err)

	_, err = s.ImportProducts(ctx, []domain.ProductImportRow{
		{Line: 2, Name: "Rye Bread", Category: "bakery", Price: decimal.NewFromInt(4), Quantity: 5},
		{Line: 3, Name: "", Category: "bakery", Price: decimal.NewFromInt(4)},
	})
	require.ErrorIs(t, err, store.ErrValidation)

	after, err := s.ListProducts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}
