package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"backoffice/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrOverRefund        = errors.New("refund exceeds refundable quantity")
	ErrInvalidStatus     = errors.New("invalid status transition")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrStorage           = errors.New("storage failure")
)

type Repository interface {
	ListProducts(ctx context.Context, category string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product, initialStock int) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ImportProducts(ctx context.Context, rows []domain.ProductImportRow) (int, error)

	ListInventory(ctx context.Context) ([]domain.InventoryItem, error)
	SetStock(ctx context.Context, productID string, qty int) (*domain.InventoryItem, error)
	AdjustStock(ctx context.Context, productID string, delta int) (*domain.InventoryItem, error)

	ListPaymentTypes(ctx context.Context) ([]domain.PaymentType, error)
	CreatePaymentType(ctx context.Context, paymentType domain.PaymentType) (*domain.PaymentType, error)

	CreateSale(ctx context.Context, draft domain.SaleDraft) (*domain.Sale, error)
	GetSaleLedger(ctx context.Context, saleID string) (*domain.SaleLedger, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	AddLineItem(ctx context.Context, item domain.SaleLineItem) (*domain.Sale, error)
	UpdateLineItem(ctx context.Context, saleItemID string, qty *int, tax *decimal.Decimal) (*domain.Sale, error)
	DeleteLineItem(ctx context.Context, saleItemID string) (*domain.Sale, error)
	SetSaleStatus(ctx context.Context, saleID string, status string) (*domain.SaleStatusResponse, error)

	CreateRefund(ctx context.Context, draft domain.RefundDraft) (*domain.Refund, error)
	ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	GetExpense(ctx context.Context, id string) (*domain.Expense, error)
	ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error)
	DeleteExpense(ctx context.Context, id string) error

	GetDashboardSummary(ctx context.Context, from time.Time, to time.Time) (domain.DashboardSummary, error)
	ListTopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error)
	ListTopCategories(ctx context.Context, limit int) ([]domain.TopCategory, error)
	GetSalesSeries(ctx context.Context, from time.Time, to time.Time) ([]domain.SalesSeriesPoint, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
