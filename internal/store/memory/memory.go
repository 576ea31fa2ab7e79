package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

// Store is an in-memory Repository. A single mutex serializes every write,
// which also gives per-sale serialization of refunds and status changes.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	stock            map[string]int
	stockUpdatedAt   map[string]time.Time
	paymentTypesByID map[string]domain.PaymentType
	salesByID        map[string]*domain.Sale
	saleIDByLineID   map[string]string
	refundsBySale    map[string][]domain.Refund
	expensesByID     map[string]domain.Expense
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to fixed dev
// defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small demo catalogue, 120 units of stock per
// product, three payment types and the seed accounts.
func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-espresso", Name: "Espresso Beans 1kg", Category: "beverage", Price: decimal.RequireFromString("24.50"), Cost: decimal.RequireFromString("15.00")},
		{ID: "prd-green-tea", Name: "Green Tea 20pk", Category: "beverage", Price: decimal.RequireFromString("4.20"), Cost: decimal.RequireFromString("2.10")},
		{ID: "prd-milk", Name: "Whole Milk 1L", Category: "dairy", Price: decimal.RequireFromString("1.80"), Cost: decimal.RequireFromString("1.10")},
		{ID: "prd-croissant", Name: "Butter Croissant", Category: "bakery", Price: decimal.RequireFromString("2.75"), Cost: decimal.RequireFromString("1.20")},
		{ID: "prd-muffin", Name: "Blueberry Muffin", Category: "bakery", Price: decimal.RequireFromString("3.10"), Cost: decimal.RequireFromString("1.40")},
		{ID: "prd-cookies", Name: "Oat Cookies", Category: "snack", Price: decimal.RequireFromString("2.40"), Cost: decimal.RequireFromString("0.90")},
	}

	s := &Store{
		products:         make(map[string]domain.Product, len(products)),
		stock:            make(map[string]int, len(products)),
		stockUpdatedAt:   make(map[string]time.Time, len(products)),
		paymentTypesByID: make(map[string]domain.PaymentType),
		salesByID:        make(map[string]*domain.Sale),
		saleIDByLineID:   make(map[string]string),
		refundsBySale:    make(map[string][]domain.Refund),
		expensesByID:     make(map[string]domain.Expense),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		s.products[p.ID] = p
		s.stock[p.ID] = 120
		s.stockUpdatedAt[p.ID] = now
	}
	for _, pt := range []domain.PaymentType{
		{ID: "pay-cash", Name: "Cash"},
		{ID: "pay-card", Name: "Card"},
		{ID: "pay-ewallet", Name: "E-Wallet"},
	} {
		pt.CreatedAt = now
		s.paymentTypesByID[pt.ID] = pt
	}
	return s
}

func (s *Store) ListProducts(_ context.Context, category string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category = strings.TrimSpace(category)
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	return &product, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.insertProductLocked(product, initialStock)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) insertProductLocked(product domain.Product, initialStock int) (domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return domain.Product{}, fmt.Errorf("%w: product name and category are required", store.ErrValidation)
	}
	if !product.Price.IsPositive() || product.Cost.IsNegative() || initialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: invalid price, cost or stock", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return domain.Product{}, fmt.Errorf("%w: product %s already exists", store.ErrValidation, product.ID)
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	s.products[product.ID] = product
	s.stock[product.ID] = initialStock
	s.stockUpdatedAt[product.ID] = product.CreatedAt
	return product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[product.ID]; !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

// ImportProducts inserts every row or none of them.
func (s *Store) ImportProducts(_ context.Context, rows []domain.ProductImportRow) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if strings.TrimSpace(row.Name) == "" || strings.TrimSpace(row.Category) == "" || !row.Price.IsPositive() || row.Cost.IsNegative() || row.Quantity < 0 {
			return 0, fmt.Errorf("%w: line %d is invalid", store.ErrValidation, row.Line)
		}
	}
	now := time.Now().UTC()
	for _, row := range rows {
		if _, err := s.insertProductLocked(domain.Product{
			Name:      row.Name,
			Category:  row.Category,
			Price:     row.Price,
			Cost:      row.Cost,
			CreatedAt: now,
		}, row.Quantity); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

func (s *Store) ListInventory(_ context.Context) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.stock))
	for productID, qty := range s.stock {
		product, ok := s.products[productID]
		if !ok || !product.Active {
			continue
		}
		items = append(items, s.inventoryItemLocked(product, qty))
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return strings.Compare(a.ProductName, b.ProductName)
	})
	return items, nil
}

func (s *Store) inventoryItemLocked(product domain.Product, qty int) domain.InventoryItem {
	return domain.InventoryItem{
		ProductID:   product.ID,
		ProductName: product.Name,
		Category:    product.Category,
		Quantity:    qty,
		UpdatedAt:   s.stockUpdatedAt[product.ID],
	}
}

func (s *Store) SetStock(_ context.Context, productID string, qty int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	if qty < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", store.ErrValidation)
	}
	s.stock[productID] = qty
	s.stockUpdatedAt[productID] = time.Now().UTC()
	item := s.inventoryItemLocked(product, qty)
	return &item, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	next := s.stock[productID] + delta
	if next < 0 {
		return nil, fmt.Errorf("%w: adjustment would leave %d units", store.ErrValidation, next)
	}
	if next > ledger.MaxQuantity {
		return nil, fmt.Errorf("%w: stock must not exceed %d", store.ErrValidation, ledger.MaxQuantity)
	}
	s.stock[productID] = next
	s.stockUpdatedAt[productID] = time.Now().UTC()
	item := s.inventoryItemLocked(product, next)
	return &item, nil
}

func (s *Store) moveStockLocked(productID string, delta int) {
	s.stock[productID] += delta
	s.stockUpdatedAt[productID] = time.Now().UTC()
}

func (s *Store) ListPaymentTypes(_ context.Context) ([]domain.PaymentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]domain.PaymentType, 0, len(s.paymentTypesByID))
	for _, pt := range s.paymentTypesByID {
		types = append(types, pt)
	}
	slices.SortFunc(types, func(a, b domain.PaymentType) int {
		return strings.Compare(a.Name, b.Name)
	})
	return types, nil
}

func (s *Store) CreatePaymentType(_ context.Context, paymentType domain.PaymentType) (*domain.PaymentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.TrimSpace(paymentType.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: payment type name is required", store.ErrValidation)
	}
	for _, existing := range s.paymentTypesByID {
		if strings.EqualFold(existing.Name, name) {
			return nil, fmt.Errorf("%w: payment type %q already exists", store.ErrValidation, name)
		}
	}
	paymentType.Name = name
	if paymentType.ID == "" {
		paymentType.ID = xid.New("pay")
	}
	if paymentType.CreatedAt.IsZero() {
		paymentType.CreatedAt = time.Now().UTC()
	}
	s.paymentTypesByID[paymentType.ID] = paymentType
	return &paymentType, nil
}

func (s *Store) CreateSale(_ context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(draft.Items) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}
	if draft.TaxRatePercent.IsNegative() || draft.TaxRatePercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: tax rate must be between 0 and 100", store.ErrValidation)
	}
	if _, ok := s.paymentTypesByID[draft.PaymentTypeID]; !ok {
		return nil, fmt.Errorf("%w: payment type %s", store.ErrNotFound, draft.PaymentTypeID)
	}

	if draft.ID == "" {
		draft.ID = xid.New("sale")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	needed := map[string]int{}
	items := make([]domain.SaleLineItem, 0, len(draft.Items))
	for i, req := range draft.Items {
		product, ok := s.products[req.ProductID]
		if !ok || !product.Active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
		}
		item := domain.SaleLineItem{
			ID:          xid.New("item"),
			SaleID:      draft.ID,
			LineNo:      i + 1,
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    req.Quantity,
			UnitPrice:   product.Price,
			TaxAmount:   ledger.LineTax(product.Price, req.Quantity, draft.TaxRatePercent),
		}
		if err := ledger.ValidateLineItem(item); err != nil {
			return nil, err
		}
		if req.Quantity > s.stock[product.ID]-needed[product.ID] {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.ID)
		}
		needed[product.ID] += req.Quantity
		items = append(items, item)
	}

	amount, tax := ledger.Totals(items)
	sale := &domain.Sale{
		ID:            draft.ID,
		CreatedAt:     draft.CreatedAt,
		EmployeeID:    draft.EmployeeID,
		PaymentTypeID: draft.PaymentTypeID,
		Amount:        amount,
		Tax:           tax,
		Status:        domain.SaleStatusConfirmed,
		Items:         items,
	}
	for productID, qty := range needed {
		s.moveStockLocked(productID, -qty)
	}
	for _, item := range items {
		s.saleIDByLineID[item.ID] = sale.ID
	}
	s.salesByID[sale.ID] = sale
	return s.cloneSaleLocked(sale), nil
}

func (s *Store) GetSaleLedger(_ context.Context, saleID string) (*domain.SaleLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	return &domain.SaleLedger{
		Sale:    *s.cloneSaleLocked(sale),
		History: s.historyLocked(saleID),
	}, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := ledger.NormalizeStatusOrEmpty(filter.Status)
	sales := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		if status != "" && sale.Status != status {
			continue
		}
		header := *sale
		header.Items = nil
		sales = append(sales, header)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(sales) > filter.Limit {
		sales = sales[:filter.Limit]
	}
	return sales, nil
}

func (s *Store) AddLineItem(_ context.Context, item domain.SaleLineItem) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ledger.ValidateLineItem(item); err != nil {
		return nil, err
	}
	sale, ok := s.salesByID[item.SaleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, item.SaleID)
	}
	if err := ledger.ValidateLineItemAddition(*sale, s.historyLocked(sale.ID)); err != nil {
		return nil, err
	}
	if _, ok := s.products[item.ProductID]; !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
	}
	if s.stock[item.ProductID] < item.Quantity {
		return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, item.ProductID)
	}

	if item.ID == "" {
		item.ID = xid.New("item")
	}
	item.LineNo = 1
	for _, existing := range sale.Items {
		if existing.LineNo >= item.LineNo {
			item.LineNo = existing.LineNo + 1
		}
	}
	item.ProductName = ""
	sale.Items = append(sale.Items, item)
	sale.Amount, sale.Tax = ledger.Totals(sale.Items)
	s.saleIDByLineID[item.ID] = sale.ID
	s.moveStockLocked(item.ProductID, -item.Quantity)
	return s.cloneSaleLocked(sale), nil
}

func (s *Store) UpdateLineItem(_ context.Context, saleItemID string, qty *int, tax *decimal.Decimal) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, idx, err := s.lineLocked(saleItemID)
	if err != nil {
		return nil, err
	}
	item := sale.Items[idx]
	if err := ledger.ValidateLineItemChange(*sale, item, s.historyLocked(sale.ID), qty, tax); err != nil {
		return nil, err
	}
	if qty != nil {
		delta := *qty - item.Quantity
		if delta > 0 && s.stock[item.ProductID] < delta {
			return nil, fmt.Errorf("%w: product %s", store.ErrInsufficientStock, item.ProductID)
		}
		s.moveStockLocked(item.ProductID, -delta)
		item.Quantity = *qty
	}
	if tax != nil {
		item.TaxAmount = *tax
	}
	sale.Items[idx] = item
	sale.Amount, sale.Tax = ledger.Totals(sale.Items)
	return s.cloneSaleLocked(sale), nil
}

func (s *Store) DeleteLineItem(_ context.Context, saleItemID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, idx, err := s.lineLocked(saleItemID)
	if err != nil {
		return nil, err
	}
	if err := ledger.ValidateLineItemRemoval(*sale, s.historyLocked(sale.ID)); err != nil {
		return nil, err
	}
	item := sale.Items[idx]
	s.moveStockLocked(item.ProductID, item.Quantity)
	sale.Items = slices.Delete(sale.Items, idx, idx+1)
	sale.Amount, sale.Tax = ledger.Totals(sale.Items)
	delete(s.saleIDByLineID, saleItemID)
	return s.cloneSaleLocked(sale), nil
}

func (s *Store) lineLocked(saleItemID string) (*domain.Sale, int, error) {
	saleID, ok := s.saleIDByLineID[saleItemID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: line item %s", store.ErrNotFound, saleItemID)
	}
	sale := s.salesByID[saleID]
	for i, item := range sale.Items {
		if item.ID == saleItemID {
			return sale, i, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: line item %s", store.ErrNotFound, saleItemID)
}

func (s *Store) SetSaleStatus(_ context.Context, saleID string, status string) (*domain.SaleStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	next, changed, err := ledger.StatusTransition(*sale, s.historyLocked(saleID), status)
	if err != nil {
		return nil, err
	}
	if changed {
		if next == domain.SaleStatusVoided {
			for _, item := range sale.Items {
				s.moveStockLocked(item.ProductID, item.Quantity)
			}
		}
		sale.Status = next
	}
	return &domain.SaleStatusResponse{SaleID: saleID, Status: next, Changed: changed}, nil
}

func (s *Store) CreateRefund(_ context.Context, draft domain.RefundDraft) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[draft.SaleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, draft.SaleID)
	}
	plan, err := ledger.PlanRefund(*sale, s.historyLocked(sale.ID), draft.Lines)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckClientExpectation(plan, draft.ExpectedType, draft.ExpectedTotal); err != nil {
		return nil, err
	}

	if draft.ID == "" {
		draft.ID = xid.New("refund")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	refund := domain.Refund{
		ID:                draft.ID,
		SaleID:            sale.ID,
		RefundType:        plan.Type,
		TotalRefundAmount: plan.Total,
		ProcessedBy:       draft.ProcessedBy,
		ApprovedBy:        draft.ApprovedBy,
		Reason:            draft.Reason,
		CreatedAt:         draft.CreatedAt,
		Items:             make([]domain.RefundItem, 0, len(plan.Items)),
	}
	for _, item := range plan.Items {
		item.ID = xid.New("ritem")
		item.RefundID = refund.ID
		refund.Items = append(refund.Items, item)
	}
	if draft.Restock {
		productByLine := make(map[string]string, len(sale.Items))
		for _, line := range sale.Items {
			productByLine[line.ID] = line.ProductID
		}
		for _, item := range refund.Items {
			s.moveStockLocked(productByLine[item.SaleItemID], item.QuantityRefunded)
		}
	}
	s.refundsBySale[sale.ID] = append(s.refundsBySale[sale.ID], refund)
	return cloneRefund(refund), nil
}

func (s *Store) ListRefunds(_ context.Context, saleID string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.salesByID[saleID]; !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	refunds := make([]domain.Refund, 0, len(s.refundsBySale[saleID]))
	for _, refund := range s.refundsBySale[saleID] {
		refunds = append(refunds, *cloneRefund(refund))
	}
	return refunds, nil
}

func (s *Store) historyLocked(saleID string) []domain.RefundItem {
	history := make([]domain.RefundItem, 0)
	for _, refund := range s.refundsBySale[saleID] {
		history = append(history, refund.Items...)
	}
	return history
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(expense.Description) == "" || len(expense.Items) == 0 {
		return nil, fmt.Errorf("%w: expense needs a description and items", store.ErrValidation)
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	items := make([]domain.ExpenseItem, len(expense.Items))
	for i, item := range expense.Items {
		if item.ID == "" {
			item.ID = xid.New("eitem")
		}
		item.ExpenseID = expense.ID
		items[i] = item
	}
	expense.Items = items
	s.expensesByID[expense.ID] = expense
	return cloneExpense(expense), nil
}

func (s *Store) GetExpense(_ context.Context, id string) (*domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expense, ok := s.expensesByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
	}
	return cloneExpense(expense), nil
}

func (s *Store) ListExpenses(_ context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expenses := make([]domain.Expense, 0, 32)
	for _, expense := range s.expensesByID {
		if expense.CreatedAt.Before(from) || !expense.CreatedAt.Before(to) {
			continue
		}
		header := expense
		header.Items = nil
		expenses = append(expenses, header)
	}
	slices.SortFunc(expenses, func(a, b domain.Expense) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return expenses, nil
}

func (s *Store) DeleteExpense(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.expensesByID[id]; !ok {
		return fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
	}
	delete(s.expensesByID, id)
	return nil
}

func (s *Store) GetDashboardSummary(_ context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.DashboardSummary{
		From:           from.Format(time.RFC3339),
		To:             to.Format(time.RFC3339),
		GrossAmount:    decimal.Zero,
		TaxAmount:      decimal.Zero,
		RefundedAmount: decimal.Zero,
		ExpensesAmount: decimal.Zero,
	}
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusConfirmed {
			continue
		}
		if !sale.CreatedAt.Before(from) && sale.CreatedAt.Before(to) {
			summary.ConfirmedSales++
			summary.GrossAmount = summary.GrossAmount.Add(sale.Amount)
			summary.TaxAmount = summary.TaxAmount.Add(sale.Tax)
		}
		for _, refund := range s.refundsBySale[sale.ID] {
			if !refund.CreatedAt.Before(from) && refund.CreatedAt.Before(to) {
				summary.RefundedAmount = summary.RefundedAmount.Add(refund.TotalRefundAmount)
			}
		}
	}
	for _, expense := range s.expensesByID {
		if !expense.CreatedAt.Before(from) && expense.CreatedAt.Before(to) {
			summary.ExpensesAmount = summary.ExpensesAmount.Add(expense.Total)
		}
	}
	summary.NetAmount = summary.GrossAmount.Sub(summary.RefundedAmount)
	return summary, nil
}

// soldLinesLocked yields every line of a confirmed sale with its quantity and
// revenue net of refunds.
func (s *Store) soldLinesLocked(yield func(product domain.Product, qty int, revenue decimal.Decimal)) {
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusConfirmed {
			continue
		}
		refunded := ledger.RefundedByLine(s.historyLocked(sale.ID))
		for _, item := range sale.Items {
			qty := item.Quantity - refunded[item.ID]
			if qty <= 0 {
				continue
			}
			product := s.products[item.ProductID]
			yield(product, qty, item.UnitPrice.Mul(decimal.NewFromInt(int64(qty))))
		}
	}
}

func (s *Store) ListTopProducts(_ context.Context, limit int) ([]domain.TopProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := map[string]*domain.TopProduct{}
	s.soldLinesLocked(func(product domain.Product, qty int, revenue decimal.Decimal) {
		entry := byProduct[product.ID]
		if entry == nil {
			entry = &domain.TopProduct{ProductID: product.ID, ProductName: product.Name, Category: product.Category, Revenue: decimal.Zero}
			byProduct[product.ID] = entry
		}
		entry.QuantitySold += qty
		entry.Revenue = entry.Revenue.Add(revenue)
	})

	result := make([]domain.TopProduct, 0, len(byProduct))
	for _, entry := range byProduct {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.TopProduct) int {
		if a.QuantitySold != b.QuantitySold {
			return b.QuantitySold - a.QuantitySold
		}
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return strings.Compare(a.ProductName, b.ProductName)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListTopCategories(_ context.Context, limit int) ([]domain.TopCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCategory := map[string]*domain.TopCategory{}
	s.soldLinesLocked(func(product domain.Product, qty int, revenue decimal.Decimal) {
		entry := byCategory[product.Category]
		if entry == nil {
			entry = &domain.TopCategory{Category: product.Category, Revenue: decimal.Zero}
			byCategory[product.Category] = entry
		}
		entry.QuantitySold += qty
		entry.Revenue = entry.Revenue.Add(revenue)
	})

	result := make([]domain.TopCategory, 0, len(byCategory))
	for _, entry := range byCategory {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.TopCategory) int {
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return strings.Compare(a.Category, b.Category)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetSalesSeries returns one point per UTC day in [from, to), zero-filled.
func (s *Store) GetSalesSeries(_ context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := dayUTC(from)
	points := make([]domain.SalesSeriesPoint, 0, 31)
	index := map[string]int{}
	for day := start; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		index[key] = len(points)
		points = append(points, domain.SalesSeriesPoint{Date: key, Amount: decimal.Zero})
	}
	for _, sale := range s.salesByID {
		if sale.Status != domain.SaleStatusConfirmed || sale.CreatedAt.Before(start) || !sale.CreatedAt.Before(to) {
			continue
		}
		i, ok := index[sale.CreatedAt.UTC().Format(time.DateOnly)]
		if !ok {
			continue
		}
		points[i].Sales++
		points[i].Amount = points[i].Amount.Add(sale.Amount)
	}
	return points, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s is taken", store.ErrValidation, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func dayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// cloneSaleLocked copies a sale and resolves product names onto its lines.
func (s *Store) cloneSaleLocked(src *domain.Sale) *domain.Sale {
	dup := *src
	dup.Items = make([]domain.SaleLineItem, len(src.Items))
	for i, item := range src.Items {
		item.ProductName = s.products[item.ProductID].Name
		dup.Items[i] = item
	}
	return &dup
}

func cloneRefund(src domain.Refund) *domain.Refund {
	dup := src
	dup.Items = make([]domain.RefundItem, len(src.Items))
	copy(dup.Items, src.Items)
	return &dup
}

func cloneExpense(src domain.Expense) *domain.Expense {
	dup := src
	dup.Items = make([]domain.ExpenseItem, len(src.Items))
	copy(dup.Items, src.Items)
	return &dup
}
