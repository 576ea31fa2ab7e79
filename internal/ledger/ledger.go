// Package ledger holds the sale and refund reconciliation rules. Everything
// here is a pure function of a sale, its line items and the complete refund
// history; callers run it inside the storage transaction that holds the
// sale's row lock.
package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

// MaxQuantity is the largest quantity a line or refund line may carry. It
// matches the INTEGER columns that store quantities.
const MaxQuantity = math.MaxInt32

var hundred = decimal.NewFromInt(100)

// RefundedByLine sums quantity_refunded per sale line item.
func RefundedByLine(history []domain.RefundItem) map[string]int {
	out := make(map[string]int, len(history))
	for _, item := range history {
		out[item.SaleItemID] += item.QuantityRefunded
	}
	return out
}

// AlreadyRefunded sums quantity_refunded for one line item across the history.
func AlreadyRefunded(lineItemID string, history []domain.RefundItem) int {
	total := 0
	for _, item := range history {
		if item.SaleItemID == lineItemID {
			total += item.QuantityRefunded
		}
	}
	return total
}

// Refundable is the purchased quantity minus everything already refunded,
// floored at zero.
func Refundable(item domain.SaleLineItem, history []domain.RefundItem) int {
	return remaining(item.Quantity, AlreadyRefunded(item.ID, history))
}

func remaining(quantity int, refunded int) int {
	left := quantity - refunded
	if left < 0 {
		return 0
	}
	return left
}

// Annotate decorates line items with their refunded and refundable quantities.
func Annotate(items []domain.SaleLineItem, history []domain.RefundItem) []domain.LineItemView {
	refunded := RefundedByLine(history)
	views := make([]domain.LineItemView, 0, len(items))
	for _, item := range items {
		views = append(views, domain.LineItemView{
			SaleLineItem:            item,
			AlreadyRefundedQuantity: refunded[item.ID],
			RefundableQuantity:      remaining(item.Quantity, refunded[item.ID]),
		})
	}
	return views
}

// ClassifyRefund reports full when every line item of the sale ends up with
// nothing left to refund once requested is applied. Items absent from
// requested count as zero.
func ClassifyRefund(items []domain.SaleLineItem, history []domain.RefundItem, requested map[string]int) string {
	refunded := RefundedByLine(history)
	for _, item := range items {
		if refunded[item.ID]+requested[item.ID] != item.Quantity {
			return domain.RefundTypePartial
		}
	}
	return domain.RefundTypeFull
}

// RefundPlan is the validated result of a refund request, ready to persist.
type RefundPlan struct {
	Type  string
	Total decimal.Decimal
	Items []domain.RefundItem
}

// PlanRefund validates a refund request against the sale and its refund
// history and computes type, total and refund items. Nothing is written, so
// every error here leaves storage untouched.
func PlanRefund(sale domain.Sale, history []domain.RefundItem, lines []domain.RefundLineRequest) (RefundPlan, error) {
	if NormalizeStatusOrEmpty(sale.Status) != domain.SaleStatusConfirmed {
		return RefundPlan{}, fmt.Errorf("%w: sale %s is %s", store.ErrInvalidStatus, sale.ID, sale.Status)
	}
	if len(lines) == 0 {
		return RefundPlan{}, fmt.Errorf("%w: refund must include at least one item", store.ErrValidation)
	}

	byID := make(map[string]domain.SaleLineItem, len(sale.Items))
	for _, item := range sale.Items {
		byID[item.ID] = item
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.SaleItemID)
		if id == "" {
			return RefundPlan{}, fmt.Errorf("%w: sale_item_id is required", store.ErrValidation)
		}
		item, ok := byID[id]
		if !ok {
			return RefundPlan{}, fmt.Errorf("%w: line item %s does not belong to sale %s", store.ErrNotFound, id, sale.ID)
		}
		if line.QuantityRefunded < 0 {
			return RefundPlan{}, fmt.Errorf("%w: negative quantity for line item %s", store.ErrOverRefund, id)
		}
		// requested[id] never exceeds item.Quantity, so the subtraction is safe.
		if line.QuantityRefunded > item.Quantity-requested[id] {
			return RefundPlan{}, fmt.Errorf("%w: line item %s: request exceeds the %d purchased", store.ErrOverRefund, id, item.Quantity)
		}
		requested[id] += line.QuantityRefunded
	}

	refunded := RefundedByLine(history)
	nonZero := 0
	for id, qty := range requested {
		item := byID[id]
		left := remaining(item.Quantity, refunded[id])
		if qty > left {
			return RefundPlan{}, fmt.Errorf("%w: line item %s has %d refundable, %d requested", store.ErrOverRefund, id, left, qty)
		}
		if qty > 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		return RefundPlan{}, fmt.Errorf("%w: refund quantities are all zero", store.ErrValidation)
	}

	plan := RefundPlan{
		Type:  ClassifyRefund(sale.Items, history, requested),
		Total: decimal.Zero,
	}
	for _, item := range sale.Items {
		qty := requested[item.ID]
		if qty == 0 {
			continue
		}
		subtotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))
		plan.Total = plan.Total.Add(subtotal)
		plan.Items = append(plan.Items, domain.RefundItem{
			SaleItemID:       item.ID,
			QuantityRefunded: qty,
			PricePerUnit:     item.UnitPrice,
			Subtotal:         subtotal,
		})
	}
	return plan, nil
}

// CheckClientExpectation rejects a request whose caller-supplied type or
// total disagrees with the computed plan.
func CheckClientExpectation(plan RefundPlan, refundType string, total *decimal.Decimal) error {
	if t := strings.ToLower(strings.TrimSpace(refundType)); t != "" && t != plan.Type {
		return fmt.Errorf("%w: refund_type %q does not match computed %q", store.ErrValidation, refundType, plan.Type)
	}
	if total != nil && !total.Equal(plan.Total) {
		return fmt.Errorf("%w: total_refund_amount %s does not match computed %s", store.ErrValidation, total.StringFixed(2), plan.Total.StringFixed(2))
	}
	return nil
}

// NormalizeStatus maps a case-insensitive status to its canonical form.
func NormalizeStatus(raw string) (string, error) {
	status := NormalizeStatusOrEmpty(raw)
	if status == "" {
		return "", fmt.Errorf("%w: unknown sale status %q", store.ErrInvalidStatus, raw)
	}
	return status, nil
}

// NormalizeStatusOrEmpty is NormalizeStatus returning "" for unknown input.
func NormalizeStatusOrEmpty(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "confirmed":
		return domain.SaleStatusConfirmed
	case "voided":
		return domain.SaleStatusVoided
	default:
		return ""
	}
}

// StatusTransition decides the outcome of setting a sale's status. A refunded
// sale cannot be voided and a voided sale stays voided. Same-status requests
// are accepted without a change.
func StatusTransition(sale domain.Sale, history []domain.RefundItem, target string) (string, bool, error) {
	next, err := NormalizeStatus(target)
	if err != nil {
		return "", false, err
	}
	current := NormalizeStatusOrEmpty(sale.Status)
	if current == next {
		return next, false, nil
	}
	switch {
	case current == domain.SaleStatusConfirmed && next == domain.SaleStatusVoided:
		if HasRefunds(sale.Items, history) {
			return "", false, fmt.Errorf("%w: sale %s has refunds and cannot be voided", store.ErrInvalidStatus, sale.ID)
		}
		return next, true, nil
	default:
		return "", false, fmt.Errorf("%w: sale %s cannot move from %s to %s", store.ErrInvalidStatus, sale.ID, sale.Status, next)
	}
}

// HasRefunds reports whether any line item of the sale appears in history
// with a positive quantity.
func HasRefunds(items []domain.SaleLineItem, history []domain.RefundItem) bool {
	refunded := RefundedByLine(history)
	for _, item := range items {
		if refunded[item.ID] > 0 {
			return true
		}
	}
	return false
}

// ValidateLineItem checks a line item before it is recorded.
func ValidateLineItem(item domain.SaleLineItem) error {
	switch {
	case strings.TrimSpace(item.SaleID) == "":
		return fmt.Errorf("%w: sale_id is required", store.ErrValidation)
	case strings.TrimSpace(item.ProductID) == "":
		return fmt.Errorf("%w: product_id is required", store.ErrValidation)
	case item.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be greater than zero", store.ErrValidation)
	case item.Quantity > MaxQuantity:
		return fmt.Errorf("%w: quantity must not exceed %d", store.ErrValidation, MaxQuantity)
	case item.UnitPrice.IsNegative():
		return fmt.Errorf("%w: unit_price must not be negative", store.ErrValidation)
	case item.TaxAmount.IsNegative():
		return fmt.Errorf("%w: tax_amount must not be negative", store.ErrValidation)
	}
	return nil
}

// ValidateLineItemChange guards a post-creation edit of a line item. The sale
// must still be confirmed and the new quantity cannot drop below what has
// already been refunded.
func ValidateLineItemChange(sale domain.Sale, item domain.SaleLineItem, history []domain.RefundItem, qty *int, tax *decimal.Decimal) error {
	if NormalizeStatusOrEmpty(sale.Status) != domain.SaleStatusConfirmed {
		return fmt.Errorf("%w: sale %s is %s", store.ErrInvalidStatus, sale.ID, sale.Status)
	}
	if qty == nil && tax == nil {
		return fmt.Errorf("%w: nothing to update", store.ErrValidation)
	}
	if qty != nil {
		if *qty <= 0 {
			return fmt.Errorf("%w: quantity must be greater than zero", store.ErrValidation)
		}
		if *qty > MaxQuantity {
			return fmt.Errorf("%w: quantity must not exceed %d", store.ErrValidation, MaxQuantity)
		}
		if refunded := AlreadyRefunded(item.ID, history); *qty < refunded {
			return fmt.Errorf("%w: quantity %d is below the %d already refunded", store.ErrValidation, *qty, refunded)
		}
	}
	if tax != nil && tax.IsNegative() {
		return fmt.Errorf("%w: tax_amount must not be negative", store.ErrValidation)
	}
	return nil
}

// ValidateLineItemRemoval allows deleting a line only from a confirmed sale
// with no refunds that keeps at least one other line.
func ValidateLineItemRemoval(sale domain.Sale, history []domain.RefundItem) error {
	if NormalizeStatusOrEmpty(sale.Status) != domain.SaleStatusConfirmed {
		return fmt.Errorf("%w: sale %s is %s", store.ErrInvalidStatus, sale.ID, sale.Status)
	}
	if HasRefunds(sale.Items, history) {
		return fmt.Errorf("%w: sale %s has refunds and its line items are locked", store.ErrInvalidStatus, sale.ID)
	}
	if len(sale.Items) <= 1 {
		return fmt.Errorf("%w: a sale must keep at least one line item", store.ErrValidation)
	}
	return nil
}

// ValidateLineItemAddition allows adding a line only to a confirmed sale with
// no refunds.
func ValidateLineItemAddition(sale domain.Sale, history []domain.RefundItem) error {
	if NormalizeStatusOrEmpty(sale.Status) != domain.SaleStatusConfirmed {
		return fmt.Errorf("%w: sale %s is %s", store.ErrInvalidStatus, sale.ID, sale.Status)
	}
	if HasRefunds(sale.Items, history) {
		return fmt.Errorf("%w: sale %s has refunds and its line items are locked", store.ErrInvalidStatus, sale.ID)
	}
	return nil
}

// LineTax is round(quantity × unit price × rate / 100, 2).
func LineTax(unitPrice decimal.Decimal, quantity int, ratePercent decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Mul(ratePercent).Div(hundred).Round(2)
}

// Totals computes a sale's amount (Σ quantity × unit price) and tax (Σ line tax).
func Totals(items []domain.SaleLineItem) (decimal.Decimal, decimal.Decimal) {
	amount := decimal.Zero
	tax := decimal.Zero
	for _, item := range items {
		amount = amount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		tax = tax.Add(item.TaxAmount)
	}
	return amount, tax
}
