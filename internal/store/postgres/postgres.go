package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/ledger"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a read-committed transaction. Callers take the row locks
// they need with SELECT ... FOR UPDATE.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, cost, active, created_at
		FROM products
		WHERE active = true AND ($1 = '' OR lower(category) = lower($1))
		ORDER BY category, name
	`, strings.TrimSpace(category))
	if err != nil {
		return nil, storageErr("list products", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Active, &p.CreatedAt); err != nil {
			return nil, storageErr("scan product", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list products", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price, cost, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return nil, storageErr("get product", err)
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error) {
	var created domain.Product
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertProduct(ctx, tx, product, initialStock)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func insertProduct(ctx context.Context, q querier, product domain.Product, initialStock int) (domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || strings.TrimSpace(product.Category) == "" {
		return domain.Product{}, fmt.Errorf("%w: product name and category are required", store.ErrValidation)
	}
	if !product.Price.IsPositive() || product.Cost.IsNegative() || initialStock < 0 {
		return domain.Product{}, fmt.Errorf("%w: invalid price, cost or stock", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	_, err := q.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, cost, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, product.ID, product.Name, product.Category, product.Price, product.Cost, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, fmt.Errorf("%w: product %s already exists", store.ErrValidation, product.ID)
		}
		return domain.Product{}, storageErr("insert product", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO inventory (product_id, quantity, updated_at)
		VALUES ($1,$2,$3)
	`, product.ID, initialStock, product.CreatedAt)
	if err != nil {
		return domain.Product{}, storageErr("insert inventory", err)
	}
	return product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, cost = $5, active = $6
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.Price, product.Cost, product.Active)
	if err != nil {
		return nil, storageErr("update product", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	updated := product
	return &updated, nil
}

func (s *Store) ImportProducts(ctx context.Context, rows []domain.ProductImportRow) (int, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, row := range rows {
			_, err := insertProduct(ctx, tx, domain.Product{
				Name:      row.Name,
				Category:  row.Category,
				Price:     row.Price,
				Cost:      row.Cost,
				CreatedAt: now,
			}, row.Quantity)
			if err != nil {
				if errors.Is(err, store.ErrValidation) {
					return fmt.Errorf("%w: line %d is invalid", store.ErrValidation, row.Line)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.category, i.quantity, i.updated_at
		FROM inventory i
		JOIN products p ON p.id = i.product_id
		WHERE p.active = true
		ORDER BY p.name
	`)
	if err != nil {
		return nil, storageErr("list inventory", err)
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 128)
	for rows.Next() {
		var item domain.InventoryItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Category, &item.Quantity, &item.UpdatedAt); err != nil {
			return nil, storageErr("scan inventory", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list inventory", err)
	}
	return items, nil
}

func (s *Store) SetStock(ctx context.Context, productID string, qty int) (*domain.InventoryItem, error) {
	if qty < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", store.ErrValidation)
	}
	return s.writeStock(ctx, productID, func(current int) (int, error) { return qty, nil })
}

func (s *Store) AdjustStock(ctx context.Context, productID string, delta int) (*domain.InventoryItem, error) {
	return s.writeStock(ctx, productID, func(current int) (int, error) {
		next := current + delta
		if next < 0 {
			return 0, fmt.Errorf("%w: adjustment would leave %d units", store.ErrValidation, next)
		}
		if next > ledger.MaxQuantity {
			return 0, fmt.Errorf("%w: stock must not exceed %d", store.ErrValidation, ledger.MaxQuantity)
		}
		return next, nil
	})
}

func (s *Store) writeStock(ctx context.Context, productID string, next func(current int) (int, error)) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT p.id, p.name, p.category, i.quantity
			FROM inventory i
			JOIN products p ON p.id = i.product_id
			WHERE i.product_id = $1
			FOR UPDATE OF i
		`, productID).Scan(&item.ProductID, &item.ProductName, &item.Category, &item.Quantity)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
			}
			return storageErr("lock inventory", err)
		}
		qty, err := next(item.Quantity)
		if err != nil {
			return err
		}
		item.Quantity = qty
		item.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE inventory SET quantity = $2, updated_at = $3 WHERE product_id = $1
		`, productID, qty, item.UpdatedAt)
		return storageErr("update inventory", err)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// lockStock locks inventory rows in product-id order and returns quantities.
func lockStock(ctx context.Context, tx *sql.Tx, productIDs []string) (map[string]int, error) {
	ids := slices.Clone(productIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	stock := make(map[string]int, len(ids))
	for _, id := range ids {
		var qty int
		err := tx.QueryRowContext(ctx, `
			SELECT quantity FROM inventory WHERE product_id = $1 FOR UPDATE
		`, id).Scan(&qty)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
			}
			return nil, storageErr("lock inventory", err)
		}
		stock[id] = qty
	}
	return stock, nil
}

func moveStock(ctx context.Context, tx *sql.Tx, productID string, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE inventory SET quantity = quantity + $2, updated_at = now() WHERE product_id = $1
	`, productID, delta)
	return storageErr("move stock", err)
}

func (s *Store) ListPaymentTypes(ctx context.Context) ([]domain.PaymentType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM paymenttypes ORDER BY name`)
	if err != nil {
		return nil, storageErr("list payment types", err)
	}
	defer rows.Close()

	types := make([]domain.PaymentType, 0, 8)
	for rows.Next() {
		var pt domain.PaymentType
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.CreatedAt); err != nil {
			return nil, storageErr("scan payment type", err)
		}
		types = append(types, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list payment types", err)
	}
	return types, nil
}

func (s *Store) CreatePaymentType(ctx context.Context, paymentType domain.PaymentType) (*domain.PaymentType, error) {
	paymentType.Name = strings.TrimSpace(paymentType.Name)
	if paymentType.Name == "" {
		return nil, fmt.Errorf("%w: payment type name is required", store.ErrValidation)
	}
	if paymentType.ID == "" {
		paymentType.ID = xid.New("pay")
	}
	if paymentType.CreatedAt.IsZero() {
		paymentType.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO paymenttypes (id, name, created_at) VALUES ($1,$2,$3)
	`, paymentType.ID, paymentType.Name, paymentType.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: payment type %q already exists", store.ErrValidation, paymentType.Name)
		}
		return nil, storageErr("insert payment type", err)
	}
	return &paymentType, nil
}

func (s *Store) CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error) {
	if len(draft.Items) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}
	if draft.TaxRatePercent.IsNegative() || draft.TaxRatePercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: tax rate must be between 0 and 100", store.ErrValidation)
	}
	if draft.ID == "" {
		draft.ID = xid.New("sale")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	var sale *domain.Sale
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM paymenttypes WHERE id = $1)`, draft.PaymentTypeID).Scan(&exists); err != nil {
			return storageErr("check payment type", err)
		}
		if !exists {
			return fmt.Errorf("%w: payment type %s", store.ErrNotFound, draft.PaymentTypeID)
		}

		productIDs := make([]string, 0, len(draft.Items))
		for _, item := range draft.Items {
			productIDs = append(productIDs, item.ProductID)
		}
		stock, err := lockStock(ctx, tx, productIDs)
		if err != nil {
			return err
		}

		needed := map[string]int{}
		items := make([]domain.SaleLineItem, 0, len(draft.Items))
		for i, req := range draft.Items {
			var product domain.Product
			err := tx.QueryRowContext(ctx, `
				SELECT id, name, price, active FROM products WHERE id = $1
			`, req.ProductID).Scan(&product.ID, &product.Name, &product.Price, &product.Active)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
				}
				return storageErr("load product", err)
			}
			if !product.Active {
				return fmt.Errorf("%w: product %s", store.ErrNotFound, req.ProductID)
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
				return err
			}
			if req.Quantity > stock[product.ID]-needed[product.ID] {
				return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, product.ID)
			}
			needed[product.ID] += req.Quantity
			items = append(items, item)
		}

		amount, tax := ledger.Totals(items)
		sale = &domain.Sale{
			ID:            draft.ID,
			CreatedAt:     draft.CreatedAt,
			EmployeeID:    draft.EmployeeID,
			PaymentTypeID: draft.PaymentTypeID,
			Amount:        amount,
			Tax:           tax,
			Status:        domain.SaleStatusConfirmed,
			Items:         items,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sales (id, created_at, employee_id, payment_type_id, amount, tax, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, sale.ID, sale.CreatedAt, sale.EmployeeID, sale.PaymentTypeID, sale.Amount, sale.Tax, sale.Status)
		if err != nil {
			return storageErr("insert sale", err)
		}
		for _, item := range items {
			if err := insertLineItem(ctx, tx, item); err != nil {
				return err
			}
		}
		for productID, qty := range needed {
			if err := moveStock(ctx, tx, productID, -qty); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func insertLineItem(ctx context.Context, tx *sql.Tx, item domain.SaleLineItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sales_items (id, sale_id, line_no, product_id, quantity, unit_price, tax_amount)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.SaleID, item.LineNo, item.ProductID, item.Quantity, item.UnitPrice, item.TaxAmount)
	return storageErr("insert line item", err)
}

// loadSale reads a sale with its line items in line order. forUpdate takes
// the sale's row lock, which serializes refunds, status changes and line
// edits for that sale.
func loadSale(ctx context.Context, q querier, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `
		SELECT id, created_at, employee_id, payment_type_id, amount, tax, status
		FROM sales
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var sale domain.Sale
	err := q.QueryRowContext(ctx, query, saleID).Scan(
		&sale.ID, &sale.CreatedAt, &sale.EmployeeID, &sale.PaymentTypeID, &sale.Amount, &sale.Tax, &sale.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, storageErr("load sale", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT si.id, si.sale_id, si.line_no, si.product_id, p.name, si.quantity, si.unit_price, si.tax_amount
		FROM sales_items si
		JOIN products p ON p.id = si.product_id
		WHERE si.sale_id = $1
		ORDER BY si.line_no
	`, saleID)
	if err != nil {
		return nil, storageErr("load line items", err)
	}
	defer rows.Close()

	sale.Items = make([]domain.SaleLineItem, 0, 8)
	for rows.Next() {
		var item domain.SaleLineItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.LineNo, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.TaxAmount); err != nil {
			return nil, storageErr("scan line item", err)
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load line items", err)
	}
	return &sale, nil
}

func loadHistory(ctx context.Context, q querier, saleID string) ([]domain.RefundItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ri.id, ri.refund_id, ri.sale_item_id, ri.quantity_refunded, ri.price_per_unit, ri.subtotal
		FROM refund_items ri
		JOIN refunds r ON r.id = ri.refund_id
		WHERE r.sale_id = $1
		ORDER BY r.created_at, ri.id
	`, saleID)
	if err != nil {
		return nil, storageErr("load refund history", err)
	}
	defer rows.Close()

	history := make([]domain.RefundItem, 0, 8)
	for rows.Next() {
		var item domain.RefundItem
		if err := rows.Scan(&item.ID, &item.RefundID, &item.SaleItemID, &item.QuantityRefunded, &item.PricePerUnit, &item.Subtotal); err != nil {
			return nil, storageErr("scan refund item", err)
		}
		history = append(history, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load refund history", err)
	}
	return history, nil
}

func (s *Store) GetSaleLedger(ctx context.Context, saleID string) (*domain.SaleLedger, error) {
	sale, err := loadSale(ctx, s.db, saleID, false)
	if err != nil {
		return nil, err
	}
	history, err := loadHistory(ctx, s.db, saleID)
	if err != nil {
		return nil, err
	}
	return &domain.SaleLedger{Sale: *sale, History: history}, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, employee_id, payment_type_id, amount, tax, status
		FROM sales
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
			AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, from, to, ledger.NormalizeStatusOrEmpty(filter.Status), limit)
	if err != nil {
		return nil, storageErr("list sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.CreatedAt, &sale.EmployeeID, &sale.PaymentTypeID, &sale.Amount, &sale.Tax, &sale.Status); err != nil {
			return nil, storageErr("scan sale", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sales", err)
	}
	return sales, nil
}

func (s *Store) AddLineItem(ctx context.Context, item domain.SaleLineItem) (*domain.Sale, error) {
	if err := ledger.ValidateLineItem(item); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}

	var result *domain.Sale
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSale(ctx, tx, item.SaleID, true)
		if err != nil {
			return err
		}
		history, err := loadHistory(ctx, tx, sale.ID)
		if err != nil {
			return err
		}
		if err := ledger.ValidateLineItemAddition(*sale, history); err != nil {
			return err
		}
		stock, err := lockStock(ctx, tx, []string{item.ProductID})
		if err != nil {
			return err
		}
		if stock[item.ProductID] < item.Quantity {
			return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, item.ProductID)
		}

		item.LineNo = 1
		for _, existing := range sale.Items {
			if existing.LineNo >= item.LineNo {
				item.LineNo = existing.LineNo + 1
			}
		}
		if err := insertLineItem(ctx, tx, item); err != nil {
			return err
		}
		if err := moveStock(ctx, tx, item.ProductID, -item.Quantity); err != nil {
			return err
		}
		result, err = refreshTotals(ctx, tx, sale.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateLineItem(ctx context.Context, saleItemID string, qty *int, tax *decimal.Decimal) (*domain.Sale, error) {
	var result *domain.Sale
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, idx, err := lockLine(ctx, tx, saleItemID)
		if err != nil {
			return err
		}
		history, err := loadHistory(ctx, tx, sale.ID)
		if err != nil {
			return err
		}
		item := sale.Items[idx]
		if err := ledger.ValidateLineItemChange(*sale, item, history, qty, tax); err != nil {
			return err
		}
		if qty != nil {
			delta := *qty - item.Quantity
			stock, err := lockStock(ctx, tx, []string{item.ProductID})
			if err != nil {
				return err
			}
			if delta > 0 && stock[item.ProductID] < delta {
				return fmt.Errorf("%w: product %s", store.ErrInsufficientStock, item.ProductID)
			}
			if err := moveStock(ctx, tx, item.ProductID, -delta); err != nil {
				return err
			}
			item.Quantity = *qty
		}
		if tax != nil {
			item.TaxAmount = *tax
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sales_items SET quantity = $2, tax_amount = $3 WHERE id = $1
		`, item.ID, item.Quantity, item.TaxAmount)
		if err != nil {
			return storageErr("update line item", err)
		}
		result, err = refreshTotals(ctx, tx, sale.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteLineItem(ctx context.Context, saleItemID string) (*domain.Sale, error) {
	var result *domain.Sale
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, idx, err := lockLine(ctx, tx, saleItemID)
		if err != nil {
			return err
		}
		history, err := loadHistory(ctx, tx, sale.ID)
		if err != nil {
			return err
		}
		if err := ledger.ValidateLineItemRemoval(*sale, history); err != nil {
			return err
		}
		item := sale.Items[idx]
		if _, err := tx.ExecContext(ctx, `DELETE FROM sales_items WHERE id = $1`, item.ID); err != nil {
			return storageErr("delete line item", err)
		}
		if err := moveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
		result, err = refreshTotals(ctx, tx, sale.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockLine resolves a line item to its sale, locks the sale and returns the
// line's index within it.
func lockLine(ctx context.Context, tx *sql.Tx, saleItemID string) (*domain.Sale, int, error) {
	var saleID string
	err := tx.QueryRowContext(ctx, `SELECT sale_id FROM sales_items WHERE id = $1`, saleItemID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: line item %s", store.ErrNotFound, saleItemID)
		}
		return nil, 0, storageErr("resolve line item", err)
	}
	sale, err := loadSale(ctx, tx, saleID, true)
	if err != nil {
		return nil, 0, err
	}
	idx := slices.IndexFunc(sale.Items, func(item domain.SaleLineItem) bool { return item.ID == saleItemID })
	if idx < 0 {
		return nil, 0, fmt.Errorf("%w: line item %s", store.ErrNotFound, saleItemID)
	}
	return sale, idx, nil
}

func refreshTotals(ctx context.Context, tx *sql.Tx, saleID string) (*domain.Sale, error) {
	sale, err := loadSale(ctx, tx, saleID, false)
	if err != nil {
		return nil, err
	}
	sale.Amount, sale.Tax = ledger.Totals(sale.Items)
	_, err = tx.ExecContext(ctx, `UPDATE sales SET amount = $2, tax = $3 WHERE id = $1`, sale.ID, sale.Amount, sale.Tax)
	if err != nil {
		return nil, storageErr("update sale totals", err)
	}
	return sale, nil
}

func (s *Store) SetSaleStatus(ctx context.Context, saleID string, status string) (*domain.SaleStatusResponse, error) {
	var res *domain.SaleStatusResponse
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSale(ctx, tx, saleID, true)
		if err != nil {
			return err
		}
		history, err := loadHistory(ctx, tx, saleID)
		if err != nil {
			return err
		}
		next, changed, err := ledger.StatusTransition(*sale, history, status)
		if err != nil {
			return err
		}
		res = &domain.SaleStatusResponse{SaleID: saleID, Status: next, Changed: changed}
		if !changed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = $2 WHERE id = $1`, saleID, next); err != nil {
			return storageErr("update sale status", err)
		}
		if next == domain.SaleStatusVoided {
			for _, item := range sale.Items {
				if err := moveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) CreateRefund(ctx context.Context, draft domain.RefundDraft) (*domain.Refund, error) {
	if draft.ID == "" {
		draft.ID = xid.New("refund")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	var refund domain.Refund
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, err := loadSale(ctx, tx, draft.SaleID, true)
		if err != nil {
			return err
		}
		history, err := loadHistory(ctx, tx, sale.ID)
		if err != nil {
			return err
		}
		plan, err := ledger.PlanRefund(*sale, history, draft.Lines)
		if err != nil {
			return err
		}
		if err := ledger.CheckClientExpectation(plan, draft.ExpectedType, draft.ExpectedTotal); err != nil {
			return err
		}

		refund = domain.Refund{
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
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refunds (id, sale_id, refund_type, total_refund_amount, processed_by, approved_by, reason, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, refund.ID, refund.SaleID, refund.RefundType, refund.TotalRefundAmount, refund.ProcessedBy, nullString(refund.ApprovedBy), refund.Reason, refund.CreatedAt)
		if err != nil {
			return storageErr("insert refund", err)
		}

		productByLine := make(map[string]string, len(sale.Items))
		for _, line := range sale.Items {
			productByLine[line.ID] = line.ProductID
		}
		for _, item := range plan.Items {
			item.ID = xid.New("ritem")
			item.RefundID = refund.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO refund_items (id, refund_id, sale_item_id, quantity_refunded, price_per_unit, subtotal)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, item.ID, item.RefundID, item.SaleItemID, item.QuantityRefunded, item.PricePerUnit, item.Subtotal)
			if err != nil {
				return storageErr("insert refund item", err)
			}
			if draft.Restock {
				if err := moveStock(ctx, tx, productByLine[item.SaleItemID], item.QuantityRefunded); err != nil {
					return err
				}
			}
			refund.Items = append(refund.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (s *Store) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return nil, storageErr("check sale", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, refund_type, total_refund_amount, processed_by, approved_by, reason, created_at
		FROM refunds
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, storageErr("list refunds", err)
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 4)
	index := map[string]int{}
	for rows.Next() {
		var refund domain.Refund
		var approvedBy sql.NullString
		if err := rows.Scan(&refund.ID, &refund.SaleID, &refund.RefundType, &refund.TotalRefundAmount, &refund.ProcessedBy, &approvedBy, &refund.Reason, &refund.CreatedAt); err != nil {
			return nil, storageErr("scan refund", err)
		}
		refund.ApprovedBy = approvedBy.String
		refund.Items = make([]domain.RefundItem, 0, 4)
		index[refund.ID] = len(refunds)
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list refunds", err)
	}

	history, err := loadHistory(ctx, s.db, saleID)
	if err != nil {
		return nil, err
	}
	for _, item := range history {
		if i, ok := index[item.RefundID]; ok {
			refunds[i].Items = append(refunds[i].Items, item)
		}
	}
	return refunds, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if strings.TrimSpace(expense.Description) == "" || len(expense.Items) == 0 {
		return nil, fmt.Errorf("%w: expense needs a description and items", store.ErrValidation)
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO expenses (id, description, category, total, employee_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, expense.ID, expense.Description, expense.Category, expense.Total, expense.EmployeeID, expense.CreatedAt)
		if err != nil {
			return storageErr("insert expense", err)
		}
		for i := range expense.Items {
			item := &expense.Items[i]
			if item.ID == "" {
				item.ID = xid.New("eitem")
			}
			item.ExpenseID = expense.ID
			_, err := tx.ExecContext(ctx, `
				INSERT INTO expense_items (id, expense_id, description, quantity, unit_cost, subtotal)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, item.ID, item.ExpenseID, item.Description, item.Quantity, item.UnitCost, item.Subtotal)
			if err != nil {
				return storageErr("insert expense item", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (*domain.Expense, error) {
	var expense domain.Expense
	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, category, total, employee_id, created_at
		FROM expenses
		WHERE id = $1
	`, id).Scan(&expense.ID, &expense.Description, &expense.Category, &expense.Total, &expense.EmployeeID, &expense.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
		}
		return nil, storageErr("get expense", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expense_id, description, quantity, unit_cost, subtotal
		FROM expense_items
		WHERE expense_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, storageErr("list expense items", err)
	}
	defer rows.Close()

	expense.Items = make([]domain.ExpenseItem, 0, 4)
	for rows.Next() {
		var item domain.ExpenseItem
		if err := rows.Scan(&item.ID, &item.ExpenseID, &item.Description, &item.Quantity, &item.UnitCost, &item.Subtotal); err != nil {
			return nil, storageErr("scan expense item", err)
		}
		expense.Items = append(expense.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list expense items", err)
	}
	return &expense, nil
}

func (s *Store) ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, category, total, employee_id, created_at
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
	`, from, to)
	if err != nil {
		return nil, storageErr("list expenses", err)
	}
	defer rows.Close()

	expenses := make([]domain.Expense, 0, 32)
	for rows.Next() {
		var expense domain.Expense
		if err := rows.Scan(&expense.ID, &expense.Description, &expense.Category, &expense.Total, &expense.EmployeeID, &expense.CreatedAt); err != nil {
			return nil, storageErr("scan expense", err)
		}
		expenses = append(expenses, expense)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list expenses", err)
	}
	return expenses, nil
}

func (s *Store) DeleteExpense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete expense", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: expense %s", store.ErrNotFound, id)
	}
	return nil
}

func (s *Store) GetDashboardSummary(ctx context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error) {
	summary := domain.DashboardSummary{
		From: from.Format(time.RFC3339),
		To:   to.Format(time.RFC3339),
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(tax), 0)
		FROM confirmed_sales
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.ConfirmedSales, &summary.GrossAmount, &summary.TaxAmount)
	if err != nil {
		return domain.DashboardSummary{}, storageErr("summarize sales", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.total_refund_amount), 0)
		FROM refunds r
		JOIN confirmed_sales cs ON cs.id = r.sale_id
		WHERE r.created_at >= $1 AND r.created_at < $2
	`, from, to).Scan(&summary.RefundedAmount)
	if err != nil {
		return domain.DashboardSummary{}, storageErr("summarize refunds", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0)
		FROM expenses
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.ExpensesAmount)
	if err != nil {
		return domain.DashboardSummary{}, storageErr("summarize expenses", err)
	}
	summary.NetAmount = summary.GrossAmount.Sub(summary.RefundedAmount)
	return summary, nil
}

func (s *Store) ListTopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, category, quantity_sold, revenue
		FROM view_top_products_sold
		ORDER BY quantity_sold DESC, revenue DESC, product_name
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storageErr("top products", err)
	}
	defer rows.Close()

	result := make([]domain.TopProduct, 0, limit)
	for rows.Next() {
		var p domain.TopProduct
		if err := rows.Scan(&p.ProductID, &p.ProductName, &p.Category, &p.QuantitySold, &p.Revenue); err != nil {
			return nil, storageErr("scan top product", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("top products", err)
	}
	return result, nil
}

func (s *Store) ListTopCategories(ctx context.Context, limit int) ([]domain.TopCategory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, quantity_sold, revenue
		FROM view_top_selling_categories
		ORDER BY revenue DESC, category
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storageErr("top categories", err)
	}
	defer rows.Close()

	result := make([]domain.TopCategory, 0, limit)
	for rows.Next() {
		var c domain.TopCategory
		if err := rows.Scan(&c.Category, &c.QuantitySold, &c.Revenue); err != nil {
			return nil, storageErr("scan top category", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("top categories", err)
	}
	return result, nil
}

func (s *Store) GetSalesSeries(ctx context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(d.day, 'YYYY-MM-DD'), COUNT(cs.id), COALESCE(SUM(cs.amount), 0)
		FROM generate_series(
			date_trunc('day', $1::timestamptz AT TIME ZONE 'UTC'),
			($2::timestamptz AT TIME ZONE 'UTC') - interval '1 microsecond',
			interval '1 day'
		) AS d(day)
		LEFT JOIN confirmed_sales cs
			ON (cs.created_at AT TIME ZONE 'UTC') >= d.day
			AND (cs.created_at AT TIME ZONE 'UTC') < d.day + interval '1 day'
			AND cs.created_at < $2
		GROUP BY d.day
		ORDER BY d.day
	`, from, to)
	if err != nil {
		return nil, storageErr("sales series", err)
	}
	defer rows.Close()

	points := make([]domain.SalesSeriesPoint, 0, 31)
	for rows.Next() {
		var p domain.SalesSeriesPoint
		if err := rows.Scan(&p.Date, &p.Sales, &p.Amount); err != nil {
			return nil, storageErr("scan sales series", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sales series", err)
	}
	return points, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return storageErr("insert audit log", err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, storageErr("list audit logs", err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, storageErr("scan audit log", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit logs", err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %s is taken", store.ErrValidation, username)
		}
		return storageErr("insert employee", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM employees
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
		}
		return nil, storageErr("get employee", err)
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM employees
		ORDER BY username
	`)
	if err != nil {
		return nil, storageErr("list employees", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, storageErr("scan employee", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list employees", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE employees SET password_hash = $2 WHERE username = $1`, username, password)
	if err != nil {
		return storageErr("update password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// storageErr wraps a driver error as store.ErrStorage. Nil stays nil.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", store.ErrStorage, op, err)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
