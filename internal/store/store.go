package store

import (
	"context"
	"errors"

	"tokoku/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
)

const (
	TableSaleOrders     = "sale_orders"
	TableSaleOrderItems = "sale_order_items"
	TableProducts       = "products"
	TableLedgerEntries  = "ledger_entries"

	// The owner-binding column has gone by two names across deployments.
	OwnerColumnOwnerID = "owner_id"
	OwnerColumnUserID  = "user_id"

	// The invoice sequence function accepts its owner argument under two
	// historical names depending on the deployed schema version.
	InvoiceArgCurrent = "p_owner_id"
	InvoiceArgLegacy  = "owner_id"
)

// Payload is a column-name keyed row to insert. Writers mutate payloads
// between attempts (dropping drifted columns, swapping the owner binding),
// which is why inserts are not typed structs.
type Payload map[string]any

// Client is the capability-limited remote store surface. Every call is an
// independent operation: the store offers no multi-statement transaction
// spanning orders, items and product stock, and row-level authorization is
// enforced store-side, visible here only as classifiable errors.
type Client interface {
	// ProbeColumn issues a one-row read selecting only the given column.
	// The returned error (or nil) is classified by the caller; no other
	// side effects.
	ProbeColumn(ctx context.Context, table string, column string) error

	// NextInvoiceNumber calls the remote sequence generator using the
	// given argument-name convention.
	NextInvoiceNumber(ctx context.Context, argName string, ownerID string) (string, error)

	// AdjustStock atomically applies a signed delta to a product's stock.
	// The store itself rejects adjustments that would drive tracked stock
	// negative; that rejection surfaces as ErrInsufficientStock.
	AdjustStock(ctx context.Context, productID string, delta int64, note string) (int64, error)

	InsertSaleOrder(ctx context.Context, payload Payload) (*domain.SaleOrder, error)
	CountOrdersByInvoice(ctx context.Context, ownerColumn string, ownerID string, invoice string) (int, error)
	ListInvoiceNumbers(ctx context.Context, ownerColumn string, ownerID string, prefix string) ([]string, error)
	ListSaleOrders(ctx context.Context, ownerColumn string, ownerID string, filter domain.SaleListFilter) ([]domain.SaleOrder, error)
	GetSaleOrdersByIDs(ctx context.Context, ownerColumn string, ownerID string, ids []string) ([]domain.SaleOrder, error)
	DeleteSaleOrders(ctx context.Context, ownerColumn string, ownerID string, ids []string) (int, error)

	InsertSaleItems(ctx context.Context, rows []Payload) ([]domain.SaleItem, error)
	ListSaleItems(ctx context.Context, orderIDs []string) ([]domain.SaleItem, error)
	DeleteSaleItems(ctx context.Context, orderIDs []string) error
	MarkItemsStockDeducted(ctx context.Context, orderID string) error

	ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error)
	GetProductByID(ctx context.Context, ownerID string, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ownerID string, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// MirrorStockFields writes the canonical stock value onto both the
	// current and legacy stock columns. Best-effort only.
	MirrorStockFields(ctx context.Context, productID string, stock int64) error

	CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, ownerID string, filter domain.LedgerListFilter) ([]domain.LedgerEntry, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
