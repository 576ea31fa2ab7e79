package ledger

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func singleLineSale(t *testing.T) domain.Sale {
	return domain.Sale{
		ID:     "sale-1",
		Status: domain.SaleStatusConfirmed,
		Items: []domain.SaleLineItem{
			{ID: "line-1", SaleID: "sale-1", ProductID: "prd-1", Quantity: 10, UnitPrice: dec(t, "5.00")},
		},
	}
}

func applied(plan RefundPlan) []domain.RefundItem {
	return append([]domain.RefundItem(nil), plan.Items...)
}

func TestPlanRefundFullInOneRequest(t *testing.T) {
	sale := singleLineSale(t)

	plan, err := PlanRefund(sale, nil, []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 10}})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundTypeFull, plan.Type)
	assert.True(t, plan.Total.Equal(dec(t, "50.00")), "total %s", plan.Total)
	assert.Equal(t, 0, Refundable(sale.Items[0], applied(plan)))
}

func TestPlanRefundPartialThenFullThenOverRefund(t *testing.T) {
	sale := singleLineSale(t)

	first, err := PlanRefund(sale, nil, []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 4}})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundTypePartial, first.Type)
	assert.True(t, first.Total.Equal(dec(t, "20.00")))
	history := applied(first)

	second, err := PlanRefund(sale, history, []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 6}})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundTypeFull, second.Type)
	assert.True(t, second.Total.Equal(dec(t, "30.00")))
	history = append(history, second.Items...)

	_, err = PlanRefund(sale, history, []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 1}})
	require.ErrorIs(t, err, store.ErrOverRefund)
}

func TestPlanRefundErrors(t *testing.T) {
	sale := singleLineSale(t)
	voided := singleLineSale(t)
	voided.Status = domain.SaleStatusVoided

	tests := []struct {
		name  string
		sale  domain.Sale
		lines []domain.RefundLineRequest
		want  error
	}{
		{name: "empty request", sale: sale, lines: nil, want: store.ErrValidation},
		{name: "all zero", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1"}}, want: store.ErrValidation},
		{name: "unknown line", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-9", QuantityRefunded: 1}}, want: store.ErrNotFound},
		{name: "negative", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: -1}}, want: store.ErrOverRefund},
		{name: "above purchased", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 11}}, want: store.ErrOverRefund},
		{name: "duplicates summed", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 6}, {SaleItemID: "line-1", QuantityRefunded: 5}}, want: store.ErrOverRefund},
		{name: "duplicate near max int", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: math.MaxInt}, {SaleItemID: "line-1", QuantityRefunded: 2}}, want: store.ErrOverRefund},
		{name: "duplicate wraps to negative", sale: sale, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 2}, {SaleItemID: "line-1", QuantityRefunded: math.MaxInt}}, want: store.ErrOverRefund},
		{name: "voided sale", sale: voided, lines: []domain.RefundLineRequest{{SaleItemID: "line-1", QuantityRefunded: 1}}, want: store.ErrInvalidStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanRefund(tc.sale, nil, tc.lines)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClassifyRefundConsidersEveryLine(t *testing.T) {
	items := []domain.SaleLineItem{
		{ID: "a", Quantity: 2, UnitPrice: decimal.NewFromInt(3)},
		{ID: "b", Quantity: 1, UnitPrice: decimal.NewFromInt(7)},
	}

	assert.Equal(t, domain.RefundTypePartial, ClassifyRefund(items, nil, map[string]int{"a": 2}))
	assert.Equal(t, domain.RefundTypeFull, ClassifyRefund(items, nil, map[string]int{"a": 2, "b": 1}))

	history := []domain.RefundItem{{SaleItemID: "b", QuantityRefunded: 1}}
	assert.Equal(t, domain.RefundTypeFull, ClassifyRefund(items, history, map[string]int{"a": 2}))
}

func TestPlanRefundUsesLinePriceAndSaleOrder(t *testing.T) {
	sale := domain.Sale{
		ID:     "sale-2",
		Status: "confirmed",
		Items: []domain.SaleLineItem{
			{ID: "a", Quantity: 3, UnitPrice: dec(t, "1.10")},
			{ID: "b", Quantity: 2, UnitPrice: dec(t, "2.25")},
		},
	}

	plan, err := PlanRefund(sale, nil, []domain.RefundLineRequest{
		{SaleItemID: "b", QuantityRefunded: 1},
		{SaleItemID: "a", QuantityRefunded: 3},
	})
	require.NoError(t, err)
	require.Len(t, plan.Items, 2)
	assert.Equal(t, "a", plan.Items[0].SaleItemID)
	assert.True(t, plan.Items[0].Subtotal.Equal(dec(t, "3.30")))
	assert.True(t, plan.Items[1].PricePerUnit.Equal(dec(t, "2.25")))
	assert.True(t, plan.Total.Equal(dec(t, "5.55")))
	assert.Equal(t, domain.RefundTypePartial, plan.Type)
}

func TestCheckClientExpectation(t *testing.T) {
	plan := RefundPlan{Type: domain.RefundTypePartial, Total: dec(t, "20.00")}
	matching := dec(t, "20")
	wrong := dec(t, "19.99")

	require.NoError(t, CheckClientExpectation(plan, "", nil))
	require.NoError(t, CheckClientExpectation(plan, "Partial", &matching))
	require.ErrorIs(t, CheckClientExpectation(plan, "full", nil), store.ErrValidation)
	require.ErrorIs(t, CheckClientExpectation(plan, "", &wrong), store.ErrValidation)
}

func TestAnnotateFloorsRefundable(t *testing.T) {
	items := []domain.SaleLineItem{{ID: "a", Quantity: 2}}
	history := []domain.RefundItem{{SaleItemID: "a", QuantityRefunded: 2}, {SaleItemID: "a", QuantityRefunded: 1}}

	views := Annotate(items, history)
	require.Len(t, views, 1)
	assert.Equal(t, 3, views[0].AlreadyRefundedQuantity)
	assert.Equal(t, 0, views[0].RefundableQuantity)
}

func TestNormalizeStatus(t *testing.T) {
	for _, raw := range []string{"voided", "VOIDED", " Voided "} {
		got, err := NormalizeStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, domain.SaleStatusVoided, got)
	}
	_, err := NormalizeStatus("pending")
	require.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestStatusTransition(t *testing.T) {
	sale := singleLineSale(t)
	refunded := []domain.RefundItem{{SaleItemID: "line-1", QuantityRefunded: 4}}
	voided := singleLineSale(t)
	voided.Status = domain.SaleStatusVoided

	next, changed, err := StatusTransition(sale, nil, "voided")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, next)
	assert.True(t, changed)

	_, _, err = StatusTransition(sale, refunded, "voided")
	require.ErrorIs(t, err, store.ErrInvalidStatus)

	next, changed, err = StatusTransition(sale, refunded, "CONFIRMED")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusConfirmed, next)
	assert.False(t, changed)

	_, changed, err = StatusTransition(voided, nil, "voided")
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = StatusTransition(voided, nil, "confirmed")
	require.ErrorIs(t, err, store.ErrInvalidStatus)
}

func TestValidateLineItem(t *testing.T) {
	valid := domain.SaleLineItem{SaleID: "s", ProductID: "p", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}
	require.NoError(t, ValidateLineItem(valid))

	zero := valid
	zero.Quantity = 0
	require.ErrorIs(t, ValidateLineItem(zero), store.ErrValidation)

	missing := valid
	missing.ProductID = ""
	require.ErrorIs(t, ValidateLineItem(missing), store.ErrValidation)

	negTax := valid
	negTax.TaxAmount = decimal.NewFromInt(-1)
	require.ErrorIs(t, ValidateLineItem(negTax), store.ErrValidation)
}

func TestValidateLineItemChange(t *testing.T) {
	sale := singleLineSale(t)
	item := sale.Items[0]
	history := []domain.RefundItem{{SaleItemID: "line-1", QuantityRefunded: 4}}

	three, four := 3, 4
	require.ErrorIs(t, ValidateLineItemChange(sale, item, history, &three, nil), store.ErrValidation)
	require.NoError(t, ValidateLineItemChange(sale, item, history, &four, nil))
	require.ErrorIs(t, ValidateLineItemChange(sale, item, history, nil, nil), store.ErrValidation)

	sale.Status = domain.SaleStatusVoided
	require.ErrorIs(t, ValidateLineItemChange(sale, item, nil, &four, nil), store.ErrInvalidStatus)
}

func TestValidateLineItemRemoval(t *testing.T) {
	sale := singleLineSale(t)
	require.ErrorIs(t, ValidateLineItemRemoval(sale, nil), store.ErrValidation)

	sale.Items = append(sale.Items, domain.SaleLineItem{ID: "line-2", Quantity: 1})
	require.NoError(t, ValidateLineItemRemoval(sale, nil))
	require.ErrorIs(t, ValidateLineItemRemoval(sale, []domain.RefundItem{{SaleItemID: "line-2", QuantityRefunded: 1}}), store.ErrInvalidStatus)
}

func TestLineTaxAndTotals(t *testing.T) {
	tax := LineTax(dec(t, "3.33"), 3, dec(t, "11"))
	assert.Equal(t, "1.1", tax.String())

	items := []domain.SaleLineItem{
		{Quantity: 10, UnitPrice: dec(t, "5.00"), TaxAmount: dec(t, "5.50")},
		{Quantity: 2, UnitPrice: dec(t, "1.25"), TaxAmount: dec(t, "0.28")},
	}
	amount, total := Totals(items)
	assert.True(t, amount.Equal(dec(t, "52.50")))
	assert.True(t, total.Equal(dec(t, "5.78")))
}

func TestPlanRefundHugeDuplicateLeavesHistoryIntact(t *testing.T) {
	sale := domain.Sale{
		ID:     "sale-3",
		Status: domain.SaleStatusConfirmed,
		Items: []domain.SaleLineItem{
			{ID: "a", Quantity: 2, UnitPrice: dec(t, "3.00")},
			{ID: "b", Quantity: 1, UnitPrice: dec(t, "7.00")},
		},
	}

	_, err := PlanRefund(sale, nil, []domain.RefundLineRequest{
		{SaleItemID: "a", QuantityRefunded: math.MaxInt},
		{SaleItemID: "a", QuantityRefunded: 2},
		{SaleItemID: "b", QuantityRefunded: 1},
	})
	require.ErrorIs(t, err, store.ErrOverRefund)

	plan, err := PlanRefund(sale, nil, []domain.RefundLineRequest{{SaleItemID: "a", QuantityRefunded: 1}, {SaleItemID: "a", QuantityRefunded: 1}})
	require.NoError(t, err)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, 2, plan.Items[0].QuantityRefunded)
	assert.True(t, plan.Total.Equal(dec(t, "6.00")), "total %s", plan.Total)
}

func TestValidateLineItemRejectsOversizedQuantity(t *testing.T) {
	item := domain.SaleLineItem{SaleID: "sale-1", ProductID: "prd-1", Quantity: MaxQuantity + 1, UnitPrice: dec(t, "1.00")}
	require.ErrorIs(t, ValidateLineItem(item), store.ErrValidation)

	item.Quantity = MaxQuantity
	require.NoError(t, ValidateLineItem(item))
}
