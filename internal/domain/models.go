package domain

import "time"

const (
	PaymentModeImmediate = "immediate"
	PaymentModeDeferred  = "deferred"

	PaymentStatusPaid    = "paid"
	PaymentStatusPartial = "partial"
	PaymentStatusUnpaid  = "unpaid"

	DiscountModePercent = "percent"
	DiscountModeFixed   = "fixed"

	LedgerEntryIncome  = "income"
	LedgerEntryExpense = "expense"
)

// PaymentStatusFor derives the payment status from the order totals:
// nothing remaining means paid, any payment at all means partial,
// otherwise unpaid.
func PaymentStatusFor(total int64, paid int64) string {
	remaining := total - paid
	if remaining <= 0 {
		return PaymentStatusPaid
	}
	if paid > 0 {
		return PaymentStatusPartial
	}
	return PaymentStatusUnpaid
}

type SaleOrder struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	InvoiceNumber   string     `json:"invoice_number"`
	TransactionDate time.Time  `json:"transaction_date"`
	CustomerID      string     `json:"customer_id,omitempty"`
	CustomerName    string     `json:"customer_name"`
	PaymentMode     string     `json:"payment_mode"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	Subtotal        int64      `json:"subtotal"`
	DiscountMode    string     `json:"discount_mode,omitempty"`
	DiscountValue   float64    `json:"discount_value"`
	DiscountAmount  int64      `json:"discount_amount"`
	TaxRate         float64    `json:"tax_rate"`
	TaxAmount       int64      `json:"tax_amount"`
	OtherFees       int64      `json:"other_fees"`
	Total           int64      `json:"total"`
	PaidAmount      int64      `json:"paid_amount"`
	RemainingAmount int64      `json:"remaining_amount"`
	PaymentStatus   string     `json:"payment_status"`
	Notes           string     `json:"notes,omitempty"`
	Category        string     `json:"category,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Items           []SaleItem `json:"items,omitempty"`
}

type SaleItem struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id,omitempty"`
	ProductName   string `json:"product_name"`
	Qty           int64  `json:"qty"`
	Unit          string `json:"unit"`
	UnitPrice     int64  `json:"unit_price"`
	Subtotal      int64  `json:"subtotal"`
	StockDeducted bool   `json:"stock_deducted"`
}

type Product struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Unit       string    `json:"unit"`
	Price      int64     `json:"price"`
	TrackStock bool      `json:"track_stock"`
	Stock      int64     `json:"stock"`
	StockQty   int64     `json:"stock_qty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LedgerEntry struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	EntryType   string    `json:"entry_type"`
	Amount      int64     `json:"amount"`
	Category    string    `json:"category"`
	Note        string    `json:"note,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	EntryDate   time.Time `json:"entry_date"`
	CreatedAt   time.Time `json:"created_at"`
}

type SaleItemInput struct {
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Qty       int64  `json:"qty"`
	Unit      string `json:"unit"`
	Price     int64  `json:"price"`
}

type CustomerInput struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

type DiscountInput struct {
	Mode  string  `json:"mode,omitempty"`
	Value float64 `json:"value"`
}

type CreateSaleRequest struct {
	TransactionDate string          `json:"transaction_date"`
	Items           []SaleItemInput `json:"items"`
	Customer        CustomerInput   `json:"customer"`
	PaymentMode     string          `json:"payment_mode"`
	TempoDays       int             `json:"tempo_days,omitempty"`
	DueDate         string          `json:"due_date,omitempty"`
	DownPayment     int64           `json:"down_payment"`
	Discount        DiscountInput   `json:"discount"`
	TaxEnabled      bool            `json:"tax_enabled"`
	TaxRate         float64         `json:"tax_rate"`
	OtherFees       int64           `json:"other_fees"`
	Notes           string          `json:"notes,omitempty"`
	Category        string          `json:"category,omitempty"`
}

type CreateSaleResponse struct {
	Order              SaleOrder `json:"order"`
	ItemsCount         int       `json:"items_count"`
	StockDeductedCount int       `json:"stock_deducted_count"`
}

type SaleListFilter struct {
	StartDate     *time.Time
	EndDate       *time.Time
	PaymentStatus string
	Limit         int
	Offset        int
}

type DeleteSalesRequest struct {
	IDs []string `json:"ids"`
}

type DeleteSalesResponse struct {
	DeletedCount       int `json:"deleted_count"`
	StockRestoredCount int `json:"stock_restored_count"`
}

type ProductCreateRequest struct {
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	Price        int64  `json:"price"`
	TrackStock   bool   `json:"track_stock"`
	InitialStock int64  `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Unit       *string `json:"unit,omitempty"`
	Price      *int64  `json:"price,omitempty"`
	TrackStock *bool   `json:"track_stock,omitempty"`
}

type LedgerCreateRequest struct {
	EntryType string `json:"entry_type"`
	Amount    int64  `json:"amount"`
	Category  string `json:"category"`
	Note      string `json:"note,omitempty"`
	EntryDate string `json:"entry_date,omitempty"`
}

type LedgerListFilter struct {
	EntryType string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
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

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

type UserAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}
