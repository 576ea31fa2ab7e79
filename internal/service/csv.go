package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
	"backoffice/backend/internal/store"
)

var ErrUnknownExport = errors.New("unknown export")

var productImportHeader = []string{"name", "category", "price", "cost", "quantity"}

// ParseProductCSV reads a product import file. Every row is validated before
// anything is returned so a bad file is rejected as a whole, naming the
// offending line.
func ParseProductCSV(r io.Reader) ([]domain.ProductImportRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = len(productImportHeader)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: import file is empty", store.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: line 1: %v", store.ErrValidation, err)
	}
	for i, name := range productImportHeader {
		if !strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")), name) {
			return nil, fmt.Errorf("%w: header must be %s", store.ErrValidation, strings.Join(productImportHeader, ","))
		}
	}

	rows := make([]domain.ProductImportRow, 0, 32)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("%w: line %d: %v", store.ErrValidation, parseErr.StartLine, parseErr.Err)
			}
			return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		line, _ := reader.FieldPos(0)

		row, err := parseImportRecord(line, record)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: import file has no rows", store.ErrValidation)
	}
	return rows, nil
}

func parseImportRecord(line int, record []string) (domain.ProductImportRow, error) {
	invalid := func(field string) error {
		return fmt.Errorf("%w: line %d: invalid %s", store.ErrValidation, line, field)
	}

	row := domain.ProductImportRow{
		Line:     line,
		Name:     strings.TrimSpace(record[0]),
		Category: strings.TrimSpace(record[1]),
	}
	if row.Name == "" {
		return row, invalid("name")
	}
	if row.Category == "" {
		return row, invalid("category")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(record[2]))
	if err != nil || !price.IsPositive() {
		return row, invalid("price")
	}
	cost, err := decimal.NewFromString(strings.TrimSpace(record[3]))
	if err != nil || cost.IsNegative() {
		return row, invalid("cost")
	}
	qty, err := strconv.Atoi(strings.TrimSpace(record[4]))
	if err != nil || qty < 0 {
		return row, invalid("quantity")
	}
	row.Price = price.Round(2)
	row.Cost = cost.Round(2)
	row.Quantity = qty
	return row, nil
}

// ExportCSV writes one of the back-office tables as CSV. Sales and expenses
// are limited to [from, to).
func (s *Service) ExportCSV(ctx context.Context, kind string, from time.Time, to time.Time, w io.Writer) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}

	var records [][]string
	var err error
	switch kind {
	case "products":
		records, err = s.productRecords(ctx)
	case "inventory":
		records, err = s.inventoryRecords(ctx)
	case "sales":
		records, err = s.saleRecords(ctx, from, to)
	case "expenses":
		records, err = s.expenseRecords(ctx, from, to)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownExport, kind)
	}
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.WriteAll(records); err != nil {
		return err
	}
	s.logAudit(ctx, "csv_export", "export", kind, fmt.Sprintf("rows=%d", len(records)-1))
	return nil
}

func (s *Service) productRecords(ctx context.Context) ([][]string, error) {
	products, err := s.repo.ListProducts(ctx, "")
	if err != nil {
		return nil, err
	}
	records := [][]string{{"id", "name", "category", "price", "cost", "created_at"}}
	for _, p := range products {
		records = append(records, []string{p.ID, p.Name, p.Category, p.Price.StringFixed(2), p.Cost.StringFixed(2), p.CreatedAt.UTC().Format(time.RFC3339)})
	}
	return records, nil
}

func (s *Service) inventoryRecords(ctx context.Context) ([][]string, error) {
	items, err := s.repo.ListInventory(ctx)
	if err != nil {
		return nil, err
	}
	records := [][]string{{"product_id", "product_name", "category", "quantity", "updated_at"}}
	for _, item := range items {
		records = append(records, []string{item.ProductID, item.ProductName, item.Category, strconv.Itoa(item.Quantity), item.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	return records, nil
}

func (s *Service) saleRecords(ctx context.Context, from time.Time, to time.Time) ([][]string, error) {
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	records := [][]string{{"id", "created_at", "employee_id", "payment_type_id", "status", "amount", "tax", "refunded"}}
	for _, sale := range sales {
		refunds, err := s.repo.ListRefunds(ctx, sale.ID)
		if err != nil {
			return nil, err
		}
		refunded := decimal.Zero
		for _, refund := range refunds {
			refunded = refunded.Add(refund.TotalRefundAmount)
		}
		records = append(records, []string{
			sale.ID,
			sale.CreatedAt.UTC().Format(time.RFC3339),
			sale.EmployeeID,
			sale.PaymentTypeID,
			sale.Status,
			sale.Amount.StringFixed(2),
			sale.Tax.StringFixed(2),
			refunded.StringFixed(2),
		})
	}
	return records, nil
}

func (s *Service) expenseRecords(ctx context.Context, from time.Time, to time.Time) ([][]string, error) {
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return nil, err
	}
	records := [][]string{{"id", "created_at", "description", "category", "employee_id", "total"}}
	for _, e := range expenses {
		records = append(records, []string{e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.Description, e.Category, e.EmployeeID, e.Total.StringFixed(2)})
	}
	return records, nil
}
