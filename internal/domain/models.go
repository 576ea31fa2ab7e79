package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Price     decimal.Decimal `json:"price"`
	Cost      decimal.Decimal `json:"cost"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProductCreateRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	Category     string          `json:"category" validate:"required,max=100"`
	Price        decimal.Decimal `json:"price" validate:"gt=0"`
	Cost         decimal.Decimal `json:"cost" validate:"min=0"`
	InitialStock int             `json:"initial_stock" validate:"min=0"`
}

type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Category *string          `json:"category,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Cost     *decimal.Decimal `json:"cost,omitempty"`
	Active   *bool            `json:"active,omitempty"`
}

// ProductImportRow is one parsed line of a product CSV import.
type ProductImportRow struct {
	Line     int
	Name     string
	Category string
	Price    decimal.Decimal
	Cost     decimal.Decimal
	Quantity int
}

type ProductImportResponse struct {
	Imported int `json:"imported"`
}

type InventoryItem struct {
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	Category    string    `json:"category"`
	Quantity    int       `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type InventorySetRequest struct {
	Quantity int `json:"quantity" validate:"min=0,max=2147483647"`
}

type InventoryAdjustRequest struct {
	Delta  int    `json:"delta" validate:"ne=0,min=-2147483647,max=2147483647"`
	Reason string `json:"reason" validate:"max=200"`
}

type PaymentType struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type PaymentTypeCreateRequest struct {
	Name string `json:"name" validate:"required,max=60"`
}

type Sale struct {
	ID            string          `json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	EmployeeID    string          `json:"employee_id"`
	PaymentTypeID string          `json:"payment_type_id"`
	Amount        decimal.Decimal `json:"amount"`
	Tax           decimal.Decimal `json:"tax"`
	Status        string          `json:"status"`
	Items         []SaleLineItem  `json:"items,omitempty"`
}

// SaleLineItem is one product/quantity/price entry of a sale. Quantity is the
// purchased quantity and is never reduced by refunds.
type SaleLineItem struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"sale_id"`
	LineNo      int             `json:"line_no"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
}

// LineItemView is a line item annotated with values derived from refund history.
type LineItemView struct {
	SaleLineItem
	AlreadyRefundedQuantity int `json:"already_refunded_quantity"`
	RefundableQuantity      int `json:"refundable_quantity"`
}

// SaleLedger is a sale together with the full refund-item history of its lines.
type SaleLedger struct {
	Sale    Sale
	History []RefundItem
}

type SaleItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=2147483647"`
}

type SaleCreateRequest struct {
	PaymentTypeID  string            `json:"payment_type_id" validate:"required"`
	TaxRatePercent *decimal.Decimal  `json:"tax_rate_percent,omitempty"`
	Items          []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
}

// SaleDraft is a validated checkout handed to the store, which resolves prices
// and writes the sale, its lines and the stock movement in one transaction.
type SaleDraft struct {
	ID             string
	EmployeeID     string
	PaymentTypeID  string
	TaxRatePercent decimal.Decimal
	Items          []SaleItemRequest
	CreatedAt      time.Time
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type SaleFilter struct {
	From   time.Time
	To     time.Time
	Status string
	Limit  int
}

type SaleStatusRequest struct {
	SalesID string `json:"sales_id" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

type SaleStatusResponse struct {
	SaleID  string `json:"sale_id"`
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
}

type LineItemListResponse struct {
	SaleID string         `json:"sale_id"`
	Items  []LineItemView `json:"items"`
}

type LineItemCreateRequest struct {
	SaleID    string           `json:"sale_id" validate:"required"`
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	TaxAmount *decimal.Decimal `json:"tax_amount,omitempty"`
}

type LineItemUpdateRequest struct {
	SaleItemID string           `json:"sale_item_id" validate:"required"`
	Quantity   *int             `json:"quantity,omitempty"`
	TaxAmount  *decimal.Decimal `json:"tax_amount,omitempty"`
}

type LineItemDeleteRequest struct {
	SaleItemID string `json:"sale_item_id" validate:"required"`
}

type Refund struct {
	ID                string          `json:"id"`
	SaleID            string          `json:"sale_id"`
	RefundType        string          `json:"refund_type"`
	TotalRefundAmount decimal.Decimal `json:"total_refund_amount"`
	ProcessedBy       string          `json:"processed_by"`
	ApprovedBy        string          `json:"approved_by,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Items             []RefundItem    `json:"items"`
}

type RefundItem struct {
	ID               string          `json:"id"`
	RefundID         string          `json:"refund_id"`
	SaleItemID       string          `json:"sale_item_id"`
	QuantityRefunded int             `json:"quantity_refunded"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	Subtotal         decimal.Decimal `json:"subtotal"`
}

type RefundLineRequest struct {
	SaleItemID       string `json:"sale_item_id" validate:"required"`
	QuantityRefunded int    `json:"quantity_refunded" validate:"max=2147483647"`
}

// RefundCreateRequest is the single call that files a refund header and its
// lines. RefundType and TotalRefundAmount are optional client expectations;
// when present they must agree with the server's computation.
type RefundCreateRequest struct {
	SaleID            string              `json:"sale_id" validate:"required"`
	Items             []RefundLineRequest `json:"items" validate:"dive"`
	ApprovedBy        string              `json:"approved_by,omitempty"`
	Reason            string              `json:"reason,omitempty" validate:"max=500"`
	RefundType        string              `json:"refund_type,omitempty"`
	TotalRefundAmount *decimal.Decimal    `json:"total_refund_amount,omitempty"`
}

type RefundDraft struct {
	ID            string
	SaleID        string
	Lines         []RefundLineRequest
	ProcessedBy   string
	ApprovedBy    string
	Reason        string
	Restock       bool
	ExpectedType  string
	ExpectedTotal *decimal.Decimal
	CreatedAt     time.Time
}

type RefundResponse struct {
	Refund Refund `json:"refund"`
}

type RefundListResponse struct {
	SaleID  string   `json:"sale_id"`
	Refunds []Refund `json:"refunds"`
}

type Expense struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Total       decimal.Decimal `json:"total"`
	EmployeeID  string          `json:"employee_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Items       []ExpenseItem   `json:"items,omitempty"`
}

type ExpenseItem struct {
	ID          string          `json:"id"`
	ExpenseID   string          `json:"expense_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type ExpenseItemRequest struct {
	Description string          `json:"description" validate:"required,max=200"`
	Quantity    int             `json:"quantity" validate:"min=1,max=2147483647"`
	UnitCost    decimal.Decimal `json:"unit_cost" validate:"min=0"`
}

type ExpenseCreateRequest struct {
	Description string               `json:"description" validate:"required,max=200"`
	Category    string               `json:"category" validate:"max=100"`
	Items       []ExpenseItemRequest `json:"items" validate:"required,min=1,dive"`
}

type ExpenseResponse struct {
	Expense Expense `json:"expense"`
}

type ExpenseListResponse struct {
	Expenses []Expense `json:"expenses"`
}

type DashboardSummary struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	ConfirmedSales int64           `json:"confirmed_sales"`
	GrossAmount    decimal.Decimal `json:"gross_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	ExpensesAmount decimal.Decimal `json:"expenses_amount"`
}

type TopProduct struct {
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Category     string          `json:"category"`
	QuantitySold int             `json:"quantity_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
}

type TopCategory struct {
	Category     string          `json:"category"`
	QuantitySold int             `json:"quantity_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
}

type SalesSeriesPoint struct {
	Date   string          `json:"date"`
	Sales  int64           `json:"sales"`
	Amount decimal.Decimal `json:"amount"`
}

type AnalysisRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
}

type AnalysisResponse struct {
	Reply    string `json:"reply"`
	Degraded bool   `json:"degraded"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated employee performing a request.
type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for employee credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	SaleStatusConfirmed = "Confirmed"
	SaleStatusVoided    = "Voided"
)

const (
	RefundTypeFull    = "full"
	RefundTypePartial = "partial"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
