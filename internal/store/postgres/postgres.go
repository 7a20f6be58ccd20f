// Package postgres talks to the hosted Postgres behind the dashboard. The
// hosted tier exposes per-table access only: no cross-table transactions, and
// row security plus schema drift show up as plain query errors that callers
// classify. Every method here is a single independent statement on purpose.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Store struct {
	db *sql.DB
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

// ProbeColumn runs a cheap existence check. The raw error is returned
// untouched so the classifier can tell a missing column from a denial.
func (s *Store) ProbeColumn(ctx context.Context, table, column string) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if err := validIdent(column); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %q FROM %q LIMIT 1`, column, table))
	if err != nil {
		return err
	}
	return rows.Close()
}

func (s *Store) NextInvoiceNumber(ctx context.Context, argName, ownerID string) (string, error) {
	if argName != store.InvoiceArgCurrent && argName != store.InvoiceArgLegacy {
		return "", store.ErrInvalidRequest
	}
	var invoice string
	query := fmt.Sprintf(`SELECT generate_invoice_number(%s => $1)`, argName)
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&invoice); err != nil {
		return "", err
	}
	return invoice, nil
}

func (s *Store) CountOrdersByInvoice(ctx context.Context, ownerColumn, ownerID, invoice string) (int, error) {
	if err := validIdent(ownerColumn); err != nil {
		return 0, err
	}
	query, args, err := psql.Select("COUNT(*)").
		From(store.TableSaleOrders).
		Where(sq.Eq{ownerColumn: ownerID, "invoice_number": invoice}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListInvoiceNumbers(ctx context.Context, ownerColumn, ownerID, prefix string) ([]string, error) {
	if err := validIdent(ownerColumn); err != nil {
		return nil, err
	}
	query, args, err := psql.Select("invoice_number").
		From(store.TableSaleOrders).
		Where(sq.Eq{ownerColumn: ownerID}).
		Where(sq.Like{"invoice_number": prefix + "%"}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	numbers := make([]string, 0, 32)
	for rows.Next() {
		var inv string
		if err := rows.Scan(&inv); err != nil {
			return nil, err
		}
		numbers = append(numbers, inv)
	}
	return numbers, rows.Err()
}

// InsertSaleOrder writes exactly the columns present in the payload, so the
// writer's drift retries shrink the statement instead of failing forever.
func (s *Store) InsertSaleOrder(ctx context.Context, payload store.Payload) (*domain.SaleOrder, error) {
	if err := s.insertPayload(ctx, store.TableSaleOrders, payload); err != nil {
		return nil, err
	}
	order := store.OrderFromPayload(payload)
	return &order, nil
}

func (s *Store) InsertSaleItems(ctx context.Context, payloads []store.Payload) ([]domain.SaleItem, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	cols := payloadColumns(payloads[0])
	builder := psql.Insert(store.TableSaleOrderItems).Columns(cols...)
	for _, p := range payloads {
		values := make([]any, len(cols))
		for i, col := range cols {
			values[i] = p[col]
		}
		builder = builder.Values(values...)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}

	items := make([]domain.SaleItem, 0, len(payloads))
	for _, p := range payloads {
		items = append(items, store.ItemFromPayload(p))
	}
	return items, nil
}

func (s *Store) insertPayload(ctx context.Context, table string, payload store.Payload) error {
	cols := payloadColumns(payload)
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i] = payload[col]
	}
	query, args, err := psql.Insert(table).Columns(cols...).Values(values...).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

const saleOrderColumns = `id, invoice_number, transaction_date, customer_id, customer_name,
	payment_mode, due_date, subtotal, discount_mode, discount_value, discount_amount,
	tax_rate, tax_amount, other_fees, total, paid_amount, remaining_amount,
	payment_status, notes, category, created_at`

func (s *Store) ListSaleOrders(ctx context.Context, ownerColumn, ownerID string, filter domain.SaleListFilter) ([]domain.SaleOrder, error) {
	if err := validIdent(ownerColumn); err != nil {
		return nil, err
	}
	builder := psql.Select(ownerColumn + ", " + saleOrderColumns).
		From(store.TableSaleOrders).
		Where(sq.Eq{ownerColumn: ownerID})
	if filter.StartDate != nil {
		builder = builder.Where(sq.GtOrEq{"transaction_date": *filter.StartDate})
	}
	if filter.EndDate != nil {
		builder = builder.Where(sq.LtOrEq{"transaction_date": *filter.EndDate})
	}
	if filter.PaymentStatus != "" {
		builder = builder.Where(sq.Eq{"payment_status": filter.PaymentStatus})
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	builder = builder.OrderBy("transaction_date DESC", "created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0)))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSaleOrders(rows)
}

func (s *Store) GetSaleOrdersByIDs(ctx context.Context, ownerColumn, ownerID string, ids []string) ([]domain.SaleOrder, error) {
	if err := validIdent(ownerColumn); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select(ownerColumn + ", " + saleOrderColumns).
		From(store.TableSaleOrders).
		Where(sq.Eq{ownerColumn: ownerID, "id": ids}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSaleOrders(rows)
}

func (s *Store) DeleteSaleOrders(ctx context.Context, ownerColumn, ownerID string, ids []string) (int, error) {
	if err := validIdent(ownerColumn); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := psql.Delete(store.TableSaleOrders).
		Where(sq.Eq{ownerColumn: ownerID, "id": ids}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) ListSaleItems(ctx context.Context, orderIDs []string) ([]domain.SaleItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select("id", "order_id", "product_id", "product_name", "qty", "unit", "unit_price", "subtotal", "stock_deducted").
		From(store.TableSaleOrderItems).
		Where(sq.Eq{"order_id": orderIDs}).
		OrderBy("order_id", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, len(orderIDs)*4)
	for rows.Next() {
		var (
			it        domain.SaleItem
			productID sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &productID, &it.ProductName, &it.Qty, &it.Unit, &it.UnitPrice, &it.Subtotal, &it.StockDeducted); err != nil {
			return nil, err
		}
		it.ProductID = productID.String
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) DeleteSaleItems(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	query, args, err := psql.Delete(store.TableSaleOrderItems).
		Where(sq.Eq{"order_id": orderIDs}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) MarkItemsStockDeducted(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sale_order_items SET stock_deducted = true WHERE order_id = $1
	`, orderID)
	return err
}

// AdjustStock applies one signed delta as a single conditional update. The
// non-negativity check lives in the WHERE clause so a concurrent sale cannot
// drive stock below zero between a read and a write. Both stock columns move
// together to keep the legacy mirror consistent.
func (s *Store) AdjustStock(ctx context.Context, productID string, delta int64, note string) (int64, error) {
	var stock int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, stock_qty = stock_qty + $2
		WHERE id = $1 AND (NOT track_stock OR stock + $2 >= 0)
		RETURNING stock
	`, productID, delta).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)
		`, productID).Scan(&exists); checkErr != nil {
			return 0, checkErr
		}
		if !exists {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("%w: product %s delta %d", store.ErrInsufficientStock, productID, delta)
	}
	if err != nil {
		return 0, err
	}

	// Adjustment audit rows are best effort, never part of the sale outcome.
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO stock_adjustments (product_id, delta, note, created_at)
		VALUES ($1, $2, $3, NOW())
	`, productID, delta, note)
	return stock, nil
}

func (s *Store) MirrorStockFields(ctx context.Context, productID string, stock int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE products SET stock = $2, stock_qty = $2 WHERE id = $1
	`, productID, stock)
	return err
}

const productColumns = `id, owner_id, name, unit, price, track_stock, stock, stock_qty, created_at`

func (s *Store) ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE owner_id = $1
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) GetProductByID(ctx context.Context, ownerID, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ownerID string, ids []string) (map[string]domain.Product, error) {
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}
	query, args, err := psql.Select("id", "owner_id", "name", "unit", "price", "track_stock", "stock", "stock_qty", "created_at").
		From(store.TableProducts).
		Where(sq.Eq{"owner_id": ownerID, "id": ids}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, owner_id, name, unit, price, track_stock, stock, stock_qty, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
	`, product.ID, product.OwnerID, product.Name, product.Unit, product.Price, product.TrackStock, product.Stock, product.CreatedAt)
	if err != nil {
		return nil, err
	}
	product.StockQty = product.Stock
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $3, unit = $4, price = $5, track_stock = $6, stock = $7, stock_qty = $7
		WHERE owner_id = $1 AND id = $2
	`, product.OwnerID, product.ID, product.Name, product.Unit, product.Price, product.TrackStock, product.Stock)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	product.StockQty = product.Stock
	return &product, nil
}

func (s *Store) CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, owner_id, entry_type, amount, category, note, reference_id, entry_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`, entry.ID, entry.OwnerID, entry.EntryType, entry.Amount, entry.Category, entry.Note, entry.ReferenceID, entry.EntryDate, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, ownerID string, filter domain.LedgerListFilter) ([]domain.LedgerEntry, error) {
	builder := psql.Select("id", "owner_id", "entry_type", "amount", "category", "note", "COALESCE(reference_id, '')", "entry_date", "created_at").
		From(store.TableLedgerEntries).
		Where(sq.Eq{"owner_id": ownerID})
	if filter.StartDate != nil {
		builder = builder.Where(sq.GtOrEq{"entry_date": *filter.StartDate})
	}
	if filter.EndDate != nil {
		builder = builder.Where(sq.LtOrEq{"entry_date": *filter.EndDate})
	}
	if filter.EntryType != "" {
		builder = builder.Where(sq.Eq{"entry_type": filter.EntryType})
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}
	query, args, err := builder.OrderBy("entry_date DESC", "created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0))).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 32)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.EntryType, &e.Amount, &e.Category, &e.Note, &e.ReferenceID, &e.EntryDate, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`, user.Username, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Unit, &p.Price, &p.TrackStock, &p.Stock, &p.StockQty, &p.CreatedAt)
	return p, err
}

func scanSaleOrders(rows *sql.Rows) ([]domain.SaleOrder, error) {
	orders := make([]domain.SaleOrder, 0, 32)
	for rows.Next() {
		var (
			o            domain.SaleOrder
			customerID   sql.NullString
			discountMode sql.NullString
			dueDate      sql.NullTime
			notes        sql.NullString
			category     sql.NullString
		)
		err := rows.Scan(
			&o.OwnerID, &o.ID, &o.InvoiceNumber, &o.TransactionDate, &customerID, &o.CustomerName,
			&o.PaymentMode, &dueDate, &o.Subtotal, &discountMode, &o.DiscountValue, &o.DiscountAmount,
			&o.TaxRate, &o.TaxAmount, &o.OtherFees, &o.Total, &o.PaidAmount, &o.RemainingAmount,
			&o.PaymentStatus, &notes, &category, &o.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		o.CustomerID = customerID.String
		o.DiscountMode = discountMode.String
		o.Notes = notes.String
		o.Category = category.String
		if dueDate.Valid {
			due := dueDate.Time
			o.DueDate = &due
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func payloadColumns(p store.Payload) []string {
	cols := make([]string, 0, len(p))
	for col := range p {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func validIdent(name string) error {
	if name == "" {
		return store.ErrInvalidRequest
	}
	for _, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return store.ErrInvalidRequest
		}
	}
	return nil
}
