// Package memory is an in-process stand-in for the remote store, used for
// dev mode and tests. It speaks the same error vocabulary as the hosted
// Postgres: injected faults surface as *pgconn.PgError values so the
// classifier and the retry loops behave identically against either backend.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

type Store struct {
	mu sync.RWMutex

	// Simulated schema faults. Dropped columns make any statement touching
	// them fail with SQLSTATE 42703, exactly as the hosted store does when
	// a deployment's schema has drifted.
	droppedColumns map[string]map[string]bool
	deniedTables   map[string]store.AuthKind
	adjustFailures map[string]error
	stuckSequence  bool
	invoiceArgName string
	globalInvoices bool

	invoiceSeq  map[string]int
	lastInvoice map[string]string

	orders   map[string]domain.SaleOrder
	items    map[string][]domain.SaleItem
	products map[string]domain.Product
	ledger   []domain.LedgerEntry
	users    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		droppedColumns: map[string]map[string]bool{},
		deniedTables:   map[string]store.AuthKind{},
		adjustFailures: map[string]error{},
		invoiceArgName: store.InvoiceArgCurrent,
		invoiceSeq:     map[string]int{},
		lastInvoice:    map[string]string{},
		orders:         map[string]domain.SaleOrder{},
		items:          map[string][]domain.SaleItem{},
		products:       map[string]domain.Product{},
		users:          map[string]domain.UserAccount{},
	}
}

// NewSeeded returns a store resembling a current-schema deployment: the
// owner column is owner_id, the legacy user_id column is gone, and a demo
// catalog is loaded.
func NewSeeded() *Store {
	s := New()
	s.DropColumn(store.TableSaleOrders, store.OwnerColumnUserID)
	s.users = seedUsers()

	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: xid.New("prd"), OwnerID: "demo", Name: "Kopi Susu", Unit: "cup", Price: 10000, TrackStock: true, Stock: 100, StockQty: 100, CreatedAt: now},
		{ID: xid.New("prd"), OwnerID: "demo", Name: "Roti Bakar", Unit: "porsi", Price: 12500, TrackStock: true, Stock: 40, StockQty: 40, CreatedAt: now},
		{ID: xid.New("prd"), OwnerID: "demo", Name: "Air Mineral", Unit: "btl", Price: 4000, TrackStock: true, Stock: 200, StockQty: 200, CreatedAt: now},
		{ID: xid.New("prd"), OwnerID: "demo", Name: "Jasa Antar", Unit: "kali", Price: 8000, TrackStock: false, CreatedAt: now},
	} {
		s.products[p.ID] = p
	}
	return s
}

// seedUsers builds the dev/demo accounts. Credentials come from
// SEED_ADMIN_PASSWORD and SEED_OWNER_PASSWORD; hardcoded defaults are used
// with a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "demo123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OWNER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OWNER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"demo", ownerPwd, domain.RoleOwner},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] seed user %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
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

// Fault injection controls.

func (s *Store) DropColumn(table, column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.droppedColumns[table] == nil {
		s.droppedColumns[table] = map[string]bool{}
	}
	s.droppedColumns[table][column] = true
}

func (s *Store) RestoreColumn(table, column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.droppedColumns[table], column)
}

func (s *Store) DenyTable(table string, kind store.AuthKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deniedTables[table] = kind
}

func (s *Store) AllowTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deniedTables, table)
}

func (s *Store) FailAdjustStock(productID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.adjustFailures, productID)
		return
	}
	s.adjustFailures[productID] = err
}

// SetStuckSequence makes the invoice generator repeat its last value
// without advancing, mimicking a store whose sequence state is wedged.
func (s *Store) SetStuckSequence(stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckSequence = stuck
}

// SetGlobalInvoiceUniqueness makes invoice numbers collide across owning
// accounts, mimicking a schema whose unique constraint forgot the owner
// column.
func (s *Store) SetGlobalInvoiceUniqueness(global bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalInvoices = global
}

// SetInvoiceArgName selects which named argument the simulated sequence
// function accepts; calling with the other name fails like a missing
// function overload.
func (s *Store) SetInvoiceArgName(argName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoiceArgName = argName
}

func (s *Store) dropped(table, column string) bool {
	return s.droppedColumns[table][column]
}

func (s *Store) deniedErr(table string) error {
	kind, ok := s.deniedTables[table]
	if !ok {
		return nil
	}
	switch kind {
	case store.AuthPolicy:
		return &pgconn.PgError{
			Severity: "ERROR",
			Code:     pgerrcode.InsufficientPrivilege,
			Message:  fmt.Sprintf("new row violates row-level security policy for table %q", table),
		}
	case store.AuthPrivilege:
		return &pgconn.PgError{
			Severity: "ERROR",
			Code:     pgerrcode.InsufficientPrivilege,
			Message:  fmt.Sprintf("permission denied for table %s", table),
		}
	default:
		return &pgconn.PgError{
			Severity:  "ERROR",
			Code:      pgerrcode.InsufficientPrivilege,
			Message:   "access denied",
			TableName: table,
		}
	}
}

func errUndefinedColumn(table, column string) error {
	return &pgconn.PgError{
		Severity: "ERROR",
		Code:     pgerrcode.UndefinedColumn,
		Message:  fmt.Sprintf("column %q of relation %q does not exist", column, table),
	}
}

func (s *Store) checkPayload(table string, payload store.Payload) error {
	cols := make([]string, 0, len(payload))
	for col := range payload {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if s.dropped(table, col) {
			return errUndefinedColumn(table, col)
		}
	}
	return nil
}

func (s *Store) ProbeColumn(_ context.Context, table, column string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.deniedErr(table); err != nil {
		return err
	}
	if s.dropped(table, column) {
		return errUndefinedColumn(table, column)
	}
	return nil
}

func (s *Store) NextInvoiceNumber(_ context.Context, argName, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if argName != s.invoiceArgName {
		return "", &pgconn.PgError{
			Severity: "ERROR",
			Code:     pgerrcode.UndefinedFunction,
			Message:  fmt.Sprintf("function generate_invoice_number(%s => unknown) does not exist", argName),
		}
	}

	year := time.Now().UTC().Year()
	key := fmt.Sprintf("%s|%d", ownerID, year)
	if s.stuckSequence {
		if last, ok := s.lastInvoice[key]; ok {
			return last, nil
		}
	}
	s.invoiceSeq[key]++
	invoice := fmt.Sprintf("INV-%d-%04d", year, s.invoiceSeq[key])
	s.lastInvoice[key] = invoice
	return invoice, nil
}

func (s *Store) InsertSaleOrder(_ context.Context, payload store.Payload) (*domain.SaleOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deniedErr(store.TableSaleOrders); err != nil {
		return nil, err
	}
	if err := s.checkPayload(store.TableSaleOrders, payload); err != nil {
		return nil, err
	}

	order := store.OrderFromPayload(payload)
	for _, existing := range s.orders {
		sameOwner := existing.OwnerID == order.OwnerID || s.globalInvoices
		if sameOwner && existing.InvoiceNumber == order.InvoiceNumber {
			return nil, &pgconn.PgError{
				Severity:       "ERROR",
				Code:           pgerrcode.UniqueViolation,
				Message:        `duplicate key value violates unique constraint "sale_orders_owner_invoice_key"`,
				Detail:         fmt.Sprintf("Key (owner_id, invoice_number)=(%s, %s) already exists.", order.OwnerID, order.InvoiceNumber),
				TableName:      store.TableSaleOrders,
				ConstraintName: "sale_orders_owner_invoice_key",
			}
		}
	}

	s.orders[order.ID] = order
	return &order, nil
}

func (s *Store) CountOrdersByInvoice(_ context.Context, ownerColumn, ownerID, invoice string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped(store.TableSaleOrders, ownerColumn) {
		return 0, errUndefinedColumn(store.TableSaleOrders, ownerColumn)
	}
	n := 0
	for _, o := range s.orders {
		if o.OwnerID == ownerID && o.InvoiceNumber == invoice {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListInvoiceNumbers(_ context.Context, ownerColumn, ownerID, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped(store.TableSaleOrders, ownerColumn) {
		return nil, errUndefinedColumn(store.TableSaleOrders, ownerColumn)
	}
	numbers := make([]string, 0, 16)
	for _, o := range s.orders {
		if o.OwnerID == ownerID && strings.HasPrefix(o.InvoiceNumber, prefix) {
			numbers = append(numbers, o.InvoiceNumber)
		}
	}
	sort.Strings(numbers)
	return numbers, nil
}

func (s *Store) ListSaleOrders(_ context.Context, ownerColumn, ownerID string, filter domain.SaleListFilter) ([]domain.SaleOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped(store.TableSaleOrders, ownerColumn) {
		return nil, errUndefinedColumn(store.TableSaleOrders, ownerColumn)
	}

	orders := make([]domain.SaleOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if o.OwnerID != ownerID {
			continue
		}
		if filter.StartDate != nil && o.TransactionDate.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && o.TransactionDate.After(*filter.EndDate) {
			continue
		}
		if filter.PaymentStatus != "" && o.PaymentStatus != filter.PaymentStatus {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].TransactionDate.Equal(orders[j].TransactionDate) {
			return orders[i].TransactionDate.After(orders[j].TransactionDate)
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(orders) {
		return []domain.SaleOrder{}, nil
	}
	end := offset + limit
	if end > len(orders) {
		end = len(orders)
	}
	return orders[offset:end], nil
}

func (s *Store) GetSaleOrdersByIDs(_ context.Context, ownerColumn, ownerID string, ids []string) ([]domain.SaleOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dropped(store.TableSaleOrders, ownerColumn) {
		return nil, errUndefinedColumn(store.TableSaleOrders, ownerColumn)
	}
	orders := make([]domain.SaleOrder, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orders[id]; ok && o.OwnerID == ownerID {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (s *Store) DeleteSaleOrders(_ context.Context, ownerColumn, ownerID string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableSaleOrders); err != nil {
		return 0, err
	}
	if s.dropped(store.TableSaleOrders, ownerColumn) {
		return 0, errUndefinedColumn(store.TableSaleOrders, ownerColumn)
	}
	deleted := 0
	for _, id := range ids {
		if o, ok := s.orders[id]; ok && o.OwnerID == ownerID {
			delete(s.orders, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertSaleItems(_ context.Context, rows []store.Payload) ([]domain.SaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deniedErr(store.TableSaleOrderItems); err != nil {
		return nil, err
	}
	for _, payload := range rows {
		if err := s.checkPayload(store.TableSaleOrderItems, payload); err != nil {
			return nil, err
		}
	}

	items := make([]domain.SaleItem, 0, len(rows))
	for _, payload := range rows {
		item := store.ItemFromPayload(payload)
		s.items[item.OrderID] = append(s.items[item.OrderID], item)
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) ListSaleItems(_ context.Context, orderIDs []string) ([]domain.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.SaleItem, 0, len(orderIDs)*4)
	for _, orderID := range orderIDs {
		items = append(items, s.items[orderID]...)
	}
	return items, nil
}

func (s *Store) DeleteSaleItems(_ context.Context, orderIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableSaleOrderItems); err != nil {
		return err
	}
	for _, orderID := range orderIDs {
		delete(s.items, orderID)
	}
	return nil
}

func (s *Store) MarkItemsStockDeducted(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableSaleOrderItems); err != nil {
		return err
	}
	items := s.items[orderID]
	for i := range items {
		items[i].StockDeducted = true
	}
	return nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, delta int64, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adjustFailures[productID]; err != nil {
		return 0, err
	}
	if err := s.deniedErr(store.TableProducts); err != nil {
		return 0, err
	}
	p, ok := s.products[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if p.TrackStock && p.Stock+delta < 0 {
		return 0, fmt.Errorf("%w: product %s delta %d", store.ErrInsufficientStock, productID, delta)
	}
	p.Stock += delta
	p.StockQty = p.Stock
	s.products[productID] = p
	return p.Stock, nil
}

func (s *Store) MirrorStockFields(_ context.Context, productID string, stock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	p.Stock = stock
	p.StockQty = stock
	s.products[productID] = p
	return nil
}

func (s *Store) ListProducts(_ context.Context, ownerID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OwnerID == ownerID {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, ownerID, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok || p.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ownerID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	products := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.OwnerID == ownerID {
			products[id] = p
		}
	}
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableProducts); err != nil {
		return nil, err
	}
	product.StockQty = product.Stock
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableProducts); err != nil {
		return nil, err
	}
	existing, ok := s.products[product.ID]
	if !ok || existing.OwnerID != product.OwnerID {
		return nil, store.ErrNotFound
	}
	product.CreatedAt = existing.CreatedAt
	product.StockQty = product.Stock
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) CreateLedgerEntry(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deniedErr(store.TableLedgerEntries); err != nil {
		return nil, err
	}
	s.ledger = append(s.ledger, entry)
	return &entry, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, ownerID string, filter domain.LedgerListFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		if e.OwnerID != ownerID {
			continue
		}
		if filter.StartDate != nil && e.EntryDate.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && e.EntryDate.After(*filter.EndDate) {
			continue
		}
		if filter.EntryType != "" && e.EntryType != filter.EntryType {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EntryDate.Equal(entries[j].EntryDate) {
			return entries[i].EntryDate.After(entries[j].EntryDate)
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []domain.LedgerEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return nil
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	s.users[username] = u
	return nil
}
