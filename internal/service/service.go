package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"backoffice/backend/internal/analytics"
	"backoffice/backend/internal/assistant"
	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultTaxRatePercent decimal.Decimal
	RefundRestock         bool
}

type Service struct {
	repo           store.Repository
	dashboard      *analytics.Engine
	advisor        *assistant.Assistant
	defaultTaxRate decimal.Decimal
	refundRestock  bool
}

func New(repo store.Repository, dashboard *analytics.Engine, advisor *assistant.Assistant, opts Options) *Service {
	if dashboard == nil {
		dashboard = analytics.NewEngine(repo, nil, 0)
	}
	if advisor == nil {
		advisor = assistant.New(nil, 0)
	}

	return &Service{
		repo:           repo,
		dashboard:      dashboard,
		advisor:        advisor,
		defaultTaxRate: opts.DefaultTaxRatePercent,
		refundRestock:  opts.RefundRestock,
	}
}

func (s *Service) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, category)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Category == "" {
		return domain.Product{}, fmt.Errorf("%w: name and category are required", store.ErrValidation)
	}
	if !req.Price.IsPositive() || req.Cost.IsNegative() || req.InitialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: price must be positive, cost and stock non-negative", store.ErrValidation)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prd"),
		Name:      req.Name,
		Category:  req.Category,
		Price:     req.Price.Round(2),
		Cost:      req.Cost.Round(2),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}, req.InitialStock)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.Price.StringFixed(2), req.InitialStock))
	s.dashboard.Invalidate(ctx)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: name must not be empty", store.ErrValidation)
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, fmt.Errorf("%w: category must not be empty", store.ErrValidation)
		}
		updated.Category = category
	}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return domain.Product{}, fmt.Errorf("%w: price must be positive", store.ErrValidation)
		}
		updated.Price = req.Price.Round(2)
	}
	if req.Cost != nil {
		if req.Cost.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: cost must not be negative", store.ErrValidation)
		}
		updated.Cost = req.Cost.Round(2)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%s,cost=%s", saved.Active, saved.Price.StringFixed(2), saved.Cost.StringFixed(2)))
	s.dashboard.Invalidate(ctx)
	return *saved, nil
}

// DeactivateProduct hides a product from the catalogue. Products stay in
// storage because historical sale lines reference them.
func (s *Service) DeactivateProduct(ctx context.Context, id string) (domain.Product, error) {
	inactive := false
	return s.UpdateProduct(ctx, id, domain.ProductUpdateRequest{Active: &inactive})
}

func (s *Service) ImportProducts(ctx context.Context, rows []domain.ProductImportRow) (domain.ProductImportResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.ProductImportResponse{}, err
	}
	if len(rows) == 0 {
		return domain.ProductImportResponse{}, fmt.Errorf("%w: import file has no rows", store.ErrValidation)
	}

	imported, err := s.repo.ImportProducts(ctx, rows)
	if err != nil {
		return domain.ProductImportResponse{}, err
	}

	s.logAudit(ctx, "product_import", "product", "", fmt.Sprintf("rows=%d", imported))
	s.dashboard.Invalidate(ctx)
	return domain.ProductImportResponse{Imported: imported}, nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	return s.repo.ListInventory(ctx)
}

func (s *Service) SetStock(ctx context.Context, productID string, req domain.InventorySetRequest) (domain.InventoryItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.Quantity < 0 {
		return domain.InventoryItem{}, fmt.Errorf("%w: quantity must not be negative", store.ErrValidation)
	}

	item, err := s.repo.SetStock(ctx, strings.TrimSpace(productID), req.Quantity)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, "inventory_set", "product", item.ProductID, fmt.Sprintf("qty=%d", item.Quantity))
	return *item, nil
}

func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.InventoryAdjustRequest) (domain.InventoryItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.Delta == 0 {
		return domain.InventoryItem{}, fmt.Errorf("%w: delta must not be zero", store.ErrValidation)
	}

	item, err := s.repo.AdjustStock(ctx, strings.TrimSpace(productID), req.Delta)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, "inventory_adjust", "product", item.ProductID, fmt.Sprintf("delta=%d,qty=%d,reason=%s", req.Delta, item.Quantity, strings.TrimSpace(req.Reason)))
	return *item, nil
}

func (s *Service) ListPaymentTypes(ctx context.Context) ([]domain.PaymentType, error) {
	return s.repo.ListPaymentTypes(ctx)
}

func (s *Service) CreatePaymentType(ctx context.Context, req domain.PaymentTypeCreateRequest) (domain.PaymentType, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PaymentType{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.PaymentType{}, fmt.Errorf("%w: name is required", store.ErrValidation)
	}

	created, err := s.repo.CreatePaymentType(ctx, domain.PaymentType{
		ID:        xid.New("pay"),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.PaymentType{}, err
	}

	s.logAudit(ctx, "payment_type_create", "payment_type", created.ID, created.Name)
	return *created, nil
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.SaleResponse{}, fmt.Errorf("%w: an authenticated employee is required", store.ErrValidation)
	}
	if strings.TrimSpace(req.PaymentTypeID) == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: payment_type_id is required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.SaleResponse{}, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}

	rate := s.defaultTaxRate
	if req.TaxRatePercent != nil {
		rate = *req.TaxRatePercent
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return domain.SaleResponse{}, fmt.Errorf("%w: tax_rate_percent must be between 0 and 100", store.ErrValidation)
	}

	items := make([]domain.SaleItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Quantity <= 0 {
			return domain.SaleResponse{}, fmt.Errorf("%w: each item needs a product_id and a positive quantity", store.ErrValidation)
		}
		items = append(items, item)
	}

	sale, err := s.repo.CreateSale(ctx, domain.SaleDraft{
		ID:             xid.New("sale"),
		EmployeeID:     actor.Username,
		PaymentTypeID:  strings.TrimSpace(req.PaymentTypeID),
		TaxRatePercent: rate,
		Items:          items,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_create", "sale", sale.ID, fmt.Sprintf("amount=%s,tax=%s,lines=%d", sale.Amount.StringFixed(2), sale.Tax.StringFixed(2), len(sale.Items)))
	s.dashboard.Invalidate(ctx)
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	sl, err := s.repo.GetSaleLedger(ctx, saleID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: sl.Sale}, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) (domain.SaleListResponse, error) {
	if filter.Status != "" {
		status, err := ledger.NormalizeStatus(filter.Status)
		if err != nil {
			return domain.SaleListResponse{}, fmt.Errorf("%w: unknown status filter %q", store.ErrValidation, filter.Status)
		}
		filter.Status = status
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 200
	}

	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, err
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

// ListLineItems returns a sale's lines annotated with refunded and refundable
// quantities derived from the complete refund history.
func (s *Service) ListLineItems(ctx context.Context, saleID string) (domain.LineItemListResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.LineItemListResponse{}, fmt.Errorf("%w: saleId is required", store.ErrValidation)
	}
	sl, err := s.repo.GetSaleLedger(ctx, saleID)
	if err != nil {
		return domain.LineItemListResponse{}, err
	}
	return domain.LineItemListResponse{
		SaleID: sl.Sale.ID,
		Items:  ledger.Annotate(sl.Sale.Items, sl.History),
	}, nil
}

// AddLineItem records one more line on an existing sale. The unit price
// defaults to the catalogue price and the tax to the default rate.
func (s *Service) AddLineItem(ctx context.Context, req domain.LineItemCreateRequest) (domain.SaleResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.SaleResponse{}, err
	}

	item := domain.SaleLineItem{
		ID:        xid.New("item"),
		SaleID:    strings.TrimSpace(req.SaleID),
		ProductID: strings.TrimSpace(req.ProductID),
		Quantity:  req.Quantity,
	}
	if item.ProductID != "" && req.UnitPrice == nil {
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		item.UnitPrice = product.Price
	} else if req.UnitPrice != nil {
		item.UnitPrice = req.UnitPrice.Round(2)
	}
	if req.TaxAmount != nil {
		item.TaxAmount = req.TaxAmount.Round(2)
	} else if item.Quantity > 0 {
		item.TaxAmount = ledger.LineTax(item.UnitPrice, item.Quantity, s.defaultTaxRate)
	}
	if err := ledger.ValidateLineItem(item); err != nil {
		return domain.SaleResponse{}, err
	}

	sale, err := s.repo.AddLineItem(ctx, item)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_item_add", "sale", sale.ID, fmt.Sprintf("item=%s,product=%s,qty=%d", item.ID, item.ProductID, item.Quantity))
	s.dashboard.Invalidate(ctx)
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) UpdateLineItem(ctx context.Context, req domain.LineItemUpdateRequest) (domain.SaleResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.SaleResponse{}, err
	}
	itemID := strings.TrimSpace(req.SaleItemID)
	if itemID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale_item_id is required", store.ErrValidation)
	}
	if req.TaxAmount != nil {
		rounded := req.TaxAmount.Round(2)
		req.TaxAmount = &rounded
	}

	sale, err := s.repo.UpdateLineItem(ctx, itemID, req.Quantity, req.TaxAmount)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_item_update", "sale", sale.ID, fmt.Sprintf("item=%s,amount=%s,tax=%s", itemID, sale.Amount.StringFixed(2), sale.Tax.StringFixed(2)))
	s.dashboard.Invalidate(ctx)
	return domain.SaleResponse{Sale: *sale}, nil
}

func (s *Service) DeleteLineItem(ctx context.Context, req domain.LineItemDeleteRequest) (domain.SaleResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.SaleResponse{}, err
	}
	itemID := strings.TrimSpace(req.SaleItemID)
	if itemID == "" {
		return domain.SaleResponse{}, fmt.Errorf("%w: sale_item_id is required", store.ErrValidation)
	}

	sale, err := s.repo.DeleteLineItem(ctx, itemID)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale_item_delete", "sale", sale.ID, "item="+itemID)
	s.dashboard.Invalidate(ctx)
	return domain.SaleResponse{Sale: *sale}, nil
}

// SetSaleStatus applies a status change. The status gate runs inside the
// store transaction that performs the write.
func (s *Service) SetSaleStatus(ctx context.Context, req domain.SaleStatusRequest) (domain.SaleStatusResponse, error) {
	saleID := strings.TrimSpace(req.SalesID)
	if saleID == "" {
		return domain.SaleStatusResponse{}, fmt.Errorf("%w: sales_id is required", store.ErrValidation)
	}
	status, err := ledger.NormalizeStatus(req.Status)
	if err != nil {
		return domain.SaleStatusResponse{}, err
	}

	resp, err := s.repo.SetSaleStatus(ctx, saleID, status)
	if err != nil {
		return domain.SaleStatusResponse{}, err
	}

	if resp.Changed {
		s.logAudit(ctx, "sale_status", "sale", resp.SaleID, "status="+resp.Status)
		s.dashboard.Invalidate(ctx)
	}
	return *resp, nil
}

// CreateRefund files a refund header and its lines in one call. The refund
// type and total are always computed by the store from the sale's history.
func (s *Service) CreateRefund(ctx context.Context, req domain.RefundCreateRequest) (domain.RefundResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.RefundResponse{}, fmt.Errorf("%w: an authenticated employee is required", store.ErrValidation)
	}
	saleID := strings.TrimSpace(req.SaleID)
	if saleID == "" {
		return domain.RefundResponse{}, fmt.Errorf("%w: sale_id is required", store.ErrValidation)
	}

	approvedBy := strings.ToLower(strings.TrimSpace(req.ApprovedBy))
	if approvedBy != "" {
		approver, err := s.repo.GetUser(ctx, approvedBy)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !approver.Active) {
			return domain.RefundResponse{}, fmt.Errorf("%w: approved_by %q is not an active employee", store.ErrValidation, approvedBy)
		}
		if err != nil {
			return domain.RefundResponse{}, err
		}
	}

	expectedType := strings.ToLower(strings.TrimSpace(req.RefundType))
	if expectedType != "" && expectedType != domain.RefundTypeFull && expectedType != domain.RefundTypePartial {
		return domain.RefundResponse{}, fmt.Errorf("%w: refund_type must be full or partial", store.ErrValidation)
	}

	lines := make([]domain.RefundLineRequest, 0, len(req.Items))
	for _, line := range req.Items {
		line.SaleItemID = strings.TrimSpace(line.SaleItemID)
		lines = append(lines, line)
	}

	refund, err := s.repo.CreateRefund(ctx, domain.RefundDraft{
		ID:            xid.New("refund"),
		SaleID:        saleID,
		Lines:         lines,
		ProcessedBy:   actor.Username,
		ApprovedBy:    approvedBy,
		Reason:        strings.TrimSpace(req.Reason),
		Restock:       s.refundRestock,
		ExpectedType:  expectedType,
		ExpectedTotal: req.TotalRefundAmount,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund_create", "sale", saleID, fmt.Sprintf("refund=%s,type=%s,total=%s,restock=%t", refund.ID, refund.RefundType, refund.TotalRefundAmount.StringFixed(2), s.refundRestock))
	s.dashboard.Invalidate(ctx)
	return domain.RefundResponse{Refund: *refund}, nil
}

func (s *Service) ListRefunds(ctx context.Context, saleID string) (domain.RefundListResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.RefundListResponse{}, fmt.Errorf("%w: sale_id is required", store.ErrValidation)
	}
	refunds, err := s.repo.ListRefunds(ctx, saleID)
	if err != nil {
		return domain.RefundListResponse{}, err
	}
	return domain.RefundListResponse{SaleID: saleID, Refunds: refunds}, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.ExpenseResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ExpenseResponse{}, fmt.Errorf("%w: an authenticated employee is required", store.ErrValidation)
	}
	description := strings.TrimSpace(req.Description)
	if description == "" || len(req.Items) == 0 {
		return domain.ExpenseResponse{}, fmt.Errorf("%w: an expense needs a description and at least one item", store.ErrValidation)
	}

	expense := domain.Expense{
		ID:          xid.New("exp"),
		Description: description,
		Category:    strings.TrimSpace(req.Category),
		Total:       decimal.Zero,
		EmployeeID:  actor.Username,
		CreatedAt:   time.Now().UTC(),
		Items:       make([]domain.ExpenseItem, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.Description) == "" || item.Quantity <= 0 || item.UnitCost.IsNegative() {
			return domain.ExpenseResponse{}, fmt.Errorf("%w: each expense item needs a description, a positive quantity and a non-negative unit_cost", store.ErrValidation)
		}
		unitCost := item.UnitCost.Round(2)
		subtotal := unitCost.Mul(decimal.NewFromInt(int64(item.Quantity)))
		expense.Items = append(expense.Items, domain.ExpenseItem{
			ID:          xid.New("eitem"),
			ExpenseID:   expense.ID,
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitCost:    unitCost,
			Subtotal:    subtotal,
		})
		expense.Total = expense.Total.Add(subtotal)
	}

	created, err := s.repo.CreateExpense(ctx, expense)
	if err != nil {
		return domain.ExpenseResponse{}, err
	}

	s.logAudit(ctx, "expense_create", "expense", created.ID, "total="+created.Total.StringFixed(2))
	s.dashboard.Invalidate(ctx)
	return domain.ExpenseResponse{Expense: *created}, nil
}

func (s *Service) GetExpense(ctx context.Context, id string) (domain.ExpenseResponse, error) {
	expense, err := s.repo.GetExpense(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ExpenseResponse{}, err
	}
	return domain.ExpenseResponse{Expense: *expense}, nil
}

func (s *Service) ListExpenses(ctx context.Context, from time.Time, to time.Time) (domain.ExpenseListResponse, error) {
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return domain.ExpenseListResponse{}, err
	}
	return domain.ExpenseListResponse{Expenses: expenses}, nil
}

func (s *Service) DeleteExpense(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if err := s.repo.DeleteExpense(ctx, id); err != nil {
		return err
	}

	s.logAudit(ctx, "expense_delete", "expense", id, "")
	s.dashboard.Invalidate(ctx)
	return nil
}

func (s *Service) DashboardSummary(ctx context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error) {
	return s.dashboard.Summary(ctx, from, to)
}

func (s *Service) TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	return s.dashboard.TopProducts(ctx, clampLimit(limit, 10, 100))
}

func (s *Service) TopCategories(ctx context.Context, limit int) ([]domain.TopCategory, error) {
	return s.dashboard.TopCategories(ctx, clampLimit(limit, 10, 100))
}

func (s *Service) SalesSeries(ctx context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error) {
	if to.Sub(from) > 366*24*time.Hour {
		return nil, fmt.Errorf("%w: sales series range is limited to one year", store.ErrValidation)
	}
	return s.dashboard.SalesSeries(ctx, from, to)
}

// Analyze answers a business question with the current dashboard as context.
// It never fails: a missing context is sent empty and generator problems
// come back as a degraded reply.
func (s *Service) Analyze(ctx context.Context, req domain.AnalysisRequest) domain.AnalysisResponse {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)

	var snapshot assistant.Snapshot
	if summary, err := s.dashboard.Summary(ctx, from, to); err == nil {
		snapshot.Summary = summary
	} else {
		log.Warn().Err(err).Msg("ai analysis: dashboard summary unavailable")
	}
	if top, err := s.dashboard.TopProducts(ctx, 10); err == nil {
		snapshot.TopProducts = top
	} else {
		log.Warn().Err(err).Msg("ai analysis: top products unavailable")
	}
	if top, err := s.dashboard.TopCategories(ctx, 10); err == nil {
		snapshot.TopCategories = top
	} else {
		log.Warn().Err(err).Msg("ai analysis: top categories unavailable")
	}

	resp := s.advisor.Analyze(ctx, req.Prompt, snapshot)
	s.logAudit(ctx, "ai_analysis", "assistant", "", fmt.Sprintf("degraded=%t", resp.Degraded))
	return resp
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := time.Now().UTC()
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrValidation)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, from, from.AddDate(0, 0, 1), clampLimit(limit, 100, 500))
}

// ParseDateRange reads an inclusive YYYY-MM-DD range and returns the half-open
// UTC interval [from, to+1day). Missing bounds default to the last 30 days.
func ParseDateRange(rawFrom string, rawTo string) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	to := today
	if strings.TrimSpace(rawTo) != "" {
		parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(rawTo))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to must be YYYY-MM-DD", store.ErrValidation)
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -29)
	if strings.TrimSpace(rawFrom) != "" {
		parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(rawFrom))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be YYYY-MM-DD", store.ErrValidation)
		}
		from = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must not be after to", store.ErrValidation)
	}
	return from, to.AddDate(0, 0, 1), nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func clampLimit(limit int, fallback int, max int) int {
	if limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
