package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/analytics"
	"backoffice/backend/internal/assistant"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
)

func newTestService(opts Options) (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	if opts.DefaultTaxRatePercent.IsZero() {
		opts.DefaultTaxRatePercent = decimal.NewFromInt(10)
	}
	return New(repo, analytics.NewEngine(repo, nil, time.Minute), nil, opts), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func mustSale(t *testing.T, svc *Service, items ...domain.SaleItemRequest) domain.Sale {
	t.Helper()
	resp, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		PaymentTypeID: "pay-cash",
		Items:         items,
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	return resp.Sale
}

func TestCreateSaleUsesCatalogPriceAndDefaultTax(t *testing.T) {
	svc, _ := newTestService(Options{})

	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})

	if sale.EmployeeID != "cashier" {
		t.Fatalf("expected employee cashier, got %s", sale.EmployeeID)
	}
	if !sale.Amount.Equal(decimal.RequireFromString("18.00")) {
		t.Fatalf("expected amount 18.00, got %s", sale.Amount)
	}
	if !sale.Tax.Equal(decimal.RequireFromString("1.80")) {
		t.Fatalf("expected tax 1.80, got %s", sale.Tax)
	}
	if sale.Status != domain.SaleStatusConfirmed {
		t.Fatalf("expected confirmed sale, got %s", sale.Status)
	}
}

func TestCreateSaleRejectsBadTaxRate(t *testing.T) {
	svc, _ := newTestService(Options{})
	rate := decimal.NewFromInt(150)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		PaymentTypeID:  "pay-cash",
		TaxRatePercent: &rate,
		Items:          []domain.SaleItemRequest{{ProductID: "prd-milk", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRefundRecordsProcessorAndApprover(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})

	_, err := svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
		SaleID:     sale.ID,
		ApprovedBy: "nobody",
		Items:      []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 4}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected unknown approver to fail validation, got %v", err)
	}

	resp, err := svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
		SaleID:     sale.ID,
		ApprovedBy: "Admin",
		Reason:     "damaged carton",
		Items:      []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 4}},
	})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if resp.Refund.ProcessedBy != "cashier" || resp.Refund.ApprovedBy != "admin" {
		t.Fatalf("unexpected refund principals: %+v", resp.Refund)
	}
	if resp.Refund.RefundType != domain.RefundTypePartial {
		t.Fatalf("expected partial refund, got %s", resp.Refund.RefundType)
	}
	if !resp.Refund.TotalRefundAmount.Equal(decimal.RequireFromString("7.20")) {
		t.Fatalf("expected total 7.20, got %s", resp.Refund.TotalRefundAmount)
	}

	lines, err := svc.ListLineItems(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("list line items failed: %v", err)
	}
	if lines.Items[0].AlreadyRefundedQuantity != 4 || lines.Items[0].RefundableQuantity != 6 {
		t.Fatalf("unexpected annotation: %+v", lines.Items[0])
	}
}

func TestRefundRejectsMismatchedClientTotal(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})
	claimed := decimal.RequireFromString("99.00")

	_, err := svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
		SaleID:            sale.ID,
		TotalRefundAmount: &claimed,
		Items:             []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 10}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	refunds, err := svc.ListRefunds(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("list refunds failed: %v", err)
	}
	if len(refunds.Refunds) != 0 {
		t.Fatalf("expected no refunds after rejection, got %d", len(refunds.Refunds))
	}
}

func TestRefundRestockFollowsOption(t *testing.T) {
	for _, tc := range []struct {
		restock bool
		want    int
	}{
		{restock: false, want: 110},
		{restock: true, want: 113},
	} {
		svc, _ := newTestService(Options{RefundRestock: tc.restock})
		sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})

		if _, err := svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
			SaleID: sale.ID,
			Items:  []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 3}},
		}); err != nil {
			t.Fatalf("refund failed: %v", err)
		}

		if got := stockOf(t, svc, "prd-milk"); got != tc.want {
			t.Fatalf("restock=%t: expected stock %d, got %d", tc.restock, tc.want, got)
		}
	}
}

func TestSetSaleStatusIsCaseInsensitiveAndBlocksRefunds(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-croissant", Quantity: 2})

	resp, err := svc.SetSaleStatus(cashierCtx(), domain.SaleStatusRequest{SalesID: sale.ID, Status: "voided"})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if resp.Status != domain.SaleStatusVoided || !resp.Changed {
		t.Fatalf("unexpected status response: %+v", resp)
	}

	again, err := svc.SetSaleStatus(cashierCtx(), domain.SaleStatusRequest{SalesID: sale.ID, Status: "VOIDED"})
	if err != nil || again.Changed {
		t.Fatalf("expected a no-op re-void, got %+v, %v", again, err)
	}

	_, err = svc.SetSaleStatus(cashierCtx(), domain.SaleStatusRequest{SalesID: sale.ID, Status: "Confirmed"})
	if !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected invalid status reviving a voided sale, got %v", err)
	}

	_, err = svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
		SaleID: sale.ID,
		Items:  []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 1}},
	})
	if !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected invalid status refunding a voided sale, got %v", err)
	}

	_, err = svc.SetSaleStatus(cashierCtx(), domain.SaleStatusRequest{SalesID: sale.ID, Status: "pending"})
	if !errors.Is(err, store.ErrInvalidStatus) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}
}

func TestLineItemMutationRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 2})

	_, err := svc.AddLineItem(cashierCtx(), domain.LineItemCreateRequest{SaleID: sale.ID, ProductID: "prd-muffin", Quantity: 1})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for cashier, got %v", err)
	}

	resp, err := svc.AddLineItem(adminCtx(), domain.LineItemCreateRequest{SaleID: sale.ID, ProductID: "prd-muffin", Quantity: 2})
	if err != nil {
		t.Fatalf("add line item failed: %v", err)
	}
	if len(resp.Sale.Items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(resp.Sale.Items))
	}
	added := resp.Sale.Items[1]
	if !added.UnitPrice.Equal(decimal.RequireFromString("3.10")) || !added.TaxAmount.Equal(decimal.RequireFromString("0.62")) {
		t.Fatalf("expected catalogue price and default tax, got %+v", added)
	}
	if !resp.Sale.Amount.Equal(decimal.RequireFromString("9.80")) {
		t.Fatalf("expected recomputed amount 9.80, got %s", resp.Sale.Amount)
	}

	deleted, err := svc.DeleteLineItem(adminCtx(), domain.LineItemDeleteRequest{SaleItemID: added.ID})
	if err != nil {
		t.Fatalf("delete line item failed: %v", err)
	}
	if len(deleted.Sale.Items) != 1 {
		t.Fatalf("expected 1 line after delete, got %d", len(deleted.Sale.Items))
	}
}

func TestCreateExpenseComputesTotal(t *testing.T) {
	svc, _ := newTestService(Options{})

	resp, err := svc.CreateExpense(cashierCtx(), domain.ExpenseCreateRequest{
		Description: "Cleaning supplies",
		Category:    "operations",
		Items: []domain.ExpenseItemRequest{
			{Description: "Detergent", Quantity: 2, UnitCost: decimal.RequireFromString("4.25")},
			{Description: "Sponges", Quantity: 3, UnitCost: decimal.RequireFromString("1.10")},
		},
	})
	if err != nil {
		t.Fatalf("create expense failed: %v", err)
	}
	if !resp.Expense.Total.Equal(decimal.RequireFromString("11.80")) {
		t.Fatalf("expected total 11.80, got %s", resp.Expense.Total)
	}

	if err := svc.DeleteExpense(cashierCtx(), resp.Expense.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected cashier delete to be forbidden, got %v", err)
	}
	if err := svc.DeleteExpense(adminCtx(), resp.Expense.ID); err != nil {
		t.Fatalf("delete expense failed: %v", err)
	}
	if _, err := svc.GetExpense(context.Background(), resp.Expense.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMutationsWriteAuditLogs(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 1})

	logs, err := svc.ListAuditLogs(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_create" && entry.EntityID == sale.ID && entry.ActorUsername == "cashier" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sale_create audit log for %s", sale.ID)
	}

	if _, err := svc.ListAuditLogs(context.Background(), "17/10/2026", 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected bad date to fail validation, got %v", err)
	}
}

func TestDeactivatedProductLeavesCatalogue(t *testing.T) {
	svc, _ := newTestService(Options{})

	if _, err := svc.DeactivateProduct(cashierCtx(), "prd-milk"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	product, err := svc.DeactivateProduct(adminCtx(), "prd-milk")
	if err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if product.Active {
		t.Fatalf("expected product to be inactive")
	}

	products, err := svc.ListProducts(context.Background(), "")
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, p := range products {
		if p.ID == "prd-milk" {
			t.Fatalf("inactive product still listed")
		}
	}
}

func TestAnalyzeDegradesWithoutGenerator(t *testing.T) {
	svc, _ := newTestService(Options{})

	resp := svc.Analyze(adminCtx(), domain.AnalysisRequest{Prompt: "What should I restock?"})
	if !resp.Degraded || resp.Reply != assistant.TryAgainMessage {
		t.Fatalf("expected degraded reply, got %+v", resp)
	}
}

type echoGenerator struct{ prompt string }

func (g *echoGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return "Restock milk.", nil
}

func TestAnalyzeSendsDashboardContext(t *testing.T) {
	repo := memory.NewSeeded()
	gen := &echoGenerator{}
	svc := New(repo, nil, assistant.New(gen, time.Second), Options{})
	mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 3})

	resp := svc.Analyze(adminCtx(), domain.AnalysisRequest{Prompt: "What should I restock?"})
	if resp.Degraded || resp.Reply != "Restock milk." {
		t.Fatalf("unexpected reply: %+v", resp)
	}
	if !strings.Contains(gen.prompt, "prd-milk") || !strings.Contains(gen.prompt, "top_products") {
		t.Fatalf("expected dashboard context in prompt, got %s", gen.prompt)
	}
}

func TestParseProductCSV(t *testing.T) {
	rows, err := ParseProductCSV(strings.NewReader("name,category,price,cost,quantity\nOat Milk 1L,Dairy,2.40,1.30,24\nBagel,Bakery,1.95,0.60,40\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rows) != 2 || rows[1].Line != 3 || rows[1].Quantity != 40 {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	_, err = ParseProductCSV(strings.NewReader("name,category,price,cost,quantity\nOat Milk 1L,Dairy,2.40,1.30,24\nBagel,Bakery,-1,0.60,40\n"))
	if !errors.Is(err, store.ErrValidation) || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected line 3 validation error, got %v", err)
	}

	_, err = ParseProductCSV(strings.NewReader("sku,name\nA,B\n"))
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected header validation error, got %v", err)
	}
}

func TestImportProductsAddsCatalogueAndStock(t *testing.T) {
	svc, _ := newTestService(Options{})
	rows, err := ParseProductCSV(strings.NewReader("name,category,price,cost,quantity\nOat Milk 1L,Dairy,2.40,1.30,24\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	resp, err := svc.ImportProducts(adminCtx(), rows)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if resp.Imported != 1 {
		t.Fatalf("expected 1 imported, got %d", resp.Imported)
	}

	products, err := svc.ListProducts(context.Background(), "dairy")
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	var oatID string
	for _, p := range products {
		if p.Name == "Oat Milk 1L" {
			oatID = p.ID
		}
	}
	if oatID == "" {
		t.Fatalf("imported product not listed")
	}
	if got := stockOf(t, svc, oatID); got != 24 {
		t.Fatalf("expected imported stock 24, got %d", got)
	}
}

func TestExportSalesCSVIncludesRefundedTotals(t *testing.T) {
	svc, _ := newTestService(Options{})
	sale := mustSale(t, svc, domain.SaleItemRequest{ProductID: "prd-milk", Quantity: 10})
	if _, err := svc.CreateRefund(cashierCtx(), domain.RefundCreateRequest{
		SaleID: sale.ID,
		Items:  []domain.RefundLineRequest{{SaleItemID: sale.Items[0].ID, QuantityRefunded: 4}},
	}); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	from, to, err := ParseDateRange("", "")
	if err != nil {
		t.Fatalf("parse range failed: %v", err)
	}
	var buf bytes.Buffer
	if err := svc.ExportCSV(adminCtx(), "sales", from, to, &buf); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read export failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header and one sale, got %d records", len(records))
	}
	if records[1][0] != sale.ID || records[1][5] != "18.00" || records[1][7] != "7.20" {
		t.Fatalf("unexpected sale record: %v", records[1])
	}

	if err := svc.ExportCSV(adminCtx(), "invoices", from, to, &buf); !errors.Is(err, ErrUnknownExport) {
		t.Fatalf("expected unknown export, got %v", err)
	}
}

func TestParseDateRange(t *testing.T) {
	from, to, err := ParseDateRange("2026-10-01", "2026-10-07")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !from.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) || !to.Equal(time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected range %s .. %s", from, to)
	}

	if _, _, err := ParseDateRange("2026-10-08", "2026-10-07"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected inverted range to fail, got %v", err)
	}
}

func stockOf(t *testing.T, svc *Service, productID string) int {
	t.Helper()
	items, err := svc.ListInventory(context.Background())
	if err != nil {
		t.Fatalf("list inventory failed: %v", err)
	}
	for _, item := range items {
		if item.ProductID == productID {
			return item.Quantity
		}
	}
	t.Fatalf("product %s not in inventory", productID)
	return 0
}
