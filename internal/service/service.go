// Package service implements the sale transaction workflow on top of the
// capability-limited remote store. The store offers no transaction spanning
// orders, line items and product stock, so a sale runs as a saga: each
// write carries a compensation, and any failure unwinds everything this
// request committed before the error reaches the caller.
package service

import (
	"context"
	"log"
	"math"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/saga"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/xid"
)

type Service struct {
	store    store.Client
	products cache.ProductCache
	cacheTTL time.Duration
}

func New(st store.Client, productCache cache.ProductCache, cacheTTL time.Duration) *Service {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Service{store: st, products: productCache, cacheTTL: cacheTTL}
}

const dateLayout = "2006-01-02"

func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// CreateSaleTransaction runs the full checkout workflow: validate, price,
// resolve the owner column, allocate an invoice, then write order, line
// items and stock as saga steps with reverse-order compensation.
func (s *Service) CreateSaleTransaction(ctx context.Context, ownerID string, req domain.CreateSaleRequest) (*domain.CreateSaleResponse, error) {
	if err := validateCreateSale(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	txDate := now
	if req.TransactionDate != "" {
		parsed, err := parseDate(req.TransactionDate)
		if err != nil {
			return nil, validationf("invalid transaction_date %q", req.TransactionDate)
		}
		txDate = parsed
	}

	order, items, err := buildSale(ownerID, req, txDate, now)
	if err != nil {
		return nil, err
	}

	ownerColumn := s.resolveOwnerColumn(ctx)

	alloc, err := s.allocateInvoice(ctx, ownerColumn, ownerID)
	if err != nil {
		return nil, err
	}
	order.InvoiceNumber = alloc.Invoice
	log.Printf("[service] sale owner=%s invoice=%s source=%s items=%d total=%d",
		ownerID, alloc.Invoice, alloc.Source, len(items), order.Total)

	var (
		committed    *domain.SaleOrder
		writtenItems []domain.SaleItem
		deducted     []string
	)

	runner := saga.New(
		saga.Step{
			Name: "order",
			Do: func(ctx context.Context) error {
				result, diag, err := s.insertOrder(ctx, ownerColumn, ownerID, order)
				if diag.Attempts > 1 {
					log.Printf("[service] order insert attempts=%d dropped=%v invoice_regens=%d",
						diag.Attempts, diag.DroppedFields, diag.InvoiceRegens)
				}
				if err != nil {
					return err
				}
				committed = result
				return nil
			},
			Undo: func(ctx context.Context) error {
				_, err := s.store.DeleteSaleOrders(ctx, ownerColumn, ownerID, []string{order.ID})
				return err
			},
		},
		saga.Step{
			Name: "line-items",
			Do: func(ctx context.Context) error {
				result, diag, err := s.insertItems(ctx, items)
				if diag.Attempts > 1 {
					log.Printf("[service] line item insert attempts=%d dropped=%v", diag.Attempts, diag.DroppedFields)
				}
				if err != nil {
					return err
				}
				writtenItems = result
				return nil
			},
			Undo: func(ctx context.Context) error {
				return s.store.DeleteSaleItems(ctx, []string{order.ID})
			},
		},
		saga.Step{
			Name: "stock",
			Do: func(ctx context.Context) error {
				productIDs, requested := aggregateStockEffect(items)
				products, err := s.snapshotStock(ctx, ownerID, productIDs)
				if err != nil {
					return err
				}
				plan := stockPlan{productIDs: productIDs, requested: requested, products: products}

				if shortages := validateStock(plan); len(shortages) > 0 {
					return &InsufficientStockError{Shortages: shortages}
				}

				applied, err := s.applyStock(ctx, order.ID, plan)
				if err != nil {
					return err
				}
				deducted = applied
				return nil
			},
			// Partial deductions are reversed inside applyStock before
			// it returns, so this step needs no Undo of its own.
		},
		saga.Step{
			Name: "mark-deducted",
			Soft: true,
			Do: func(ctx context.Context) error {
				if len(deducted) == 0 {
					return nil
				}
				return s.store.MarkItemsStockDeducted(ctx, order.ID)
			},
		},
		saga.Step{
			Name: "ledger",
			Soft: true,
			Do: func(ctx context.Context) error {
				if order.PaidAmount <= 0 {
					return nil
				}
				_, err := s.store.CreateLedgerEntry(ctx, domain.LedgerEntry{
					ID:          xid.New("led"),
					OwnerID:     ownerID,
					EntryType:   domain.LedgerEntryIncome,
					Amount:      order.PaidAmount,
					Category:    "sales",
					Note:        "sale " + order.InvoiceNumber,
					ReferenceID: order.ID,
					EntryDate:   txDate,
					CreatedAt:   now,
				})
				return err
			},
		},
	)
	runner.OnCompensateError = func(step string, err error) {
		log.Printf("[service] WARN: compensation failed step=%s order=%s: %v", step, order.ID, err)
	}
	runner.OnSoftFailure = func(step string, err error) {
		log.Printf("[service] WARN: best-effort step failed step=%s order=%s: %v", step, order.ID, err)
	}

	if err := runner.Run(ctx); err != nil {
		return nil, err
	}

	deductedSet := make(map[string]bool, len(deducted))
	for _, id := range deducted {
		deductedSet[id] = true
	}
	stockDeductedCount := 0
	for i := range writtenItems {
		if deductedSet[writtenItems[i].ProductID] {
			writtenItems[i].StockDeducted = true
			stockDeductedCount++
		}
	}
	committed.Items = writtenItems
	if len(deducted) > 0 {
		s.invalidateProducts(ctx, ownerID)
	}

	return &domain.CreateSaleResponse{
		Order:              *committed,
		ItemsCount:         len(writtenItems),
		StockDeductedCount: stockDeductedCount,
	}, nil
}

func validateCreateSale(req domain.CreateSaleRequest) error {
	if len(req.Items) == 0 {
		return validationf("at least one item is required")
	}
	for i, item := range req.Items {
		if item.Name == "" {
			return validationf("item %d: name is required", i)
		}
		if item.Qty <= 0 {
			return validationf("item %d: qty must be positive", i)
		}
		if item.Price < 0 {
			return validationf("item %d: price must not be negative", i)
		}
	}

	switch req.PaymentMode {
	case domain.PaymentModeImmediate:
	case domain.PaymentModeDeferred:
		if req.DueDate == "" && req.TempoDays <= 0 {
			return validationf("deferred payment requires due_date or tempo_days")
		}
	default:
		return validationf("payment_mode must be %q or %q", domain.PaymentModeImmediate, domain.PaymentModeDeferred)
	}

	if req.Discount.Value != 0 {
		switch req.Discount.Mode {
		case domain.DiscountModePercent, domain.DiscountModeFixed:
		default:
			return validationf("discount mode must be %q or %q", domain.DiscountModePercent, domain.DiscountModeFixed)
		}
		if req.Discount.Value < 0 {
			return validationf("discount value must not be negative")
		}
	}
	if req.TaxEnabled && req.TaxRate < 0 {
		return validationf("tax_rate must not be negative")
	}
	if req.OtherFees < 0 {
		return validationf("other_fees must not be negative")
	}
	if req.DownPayment < 0 {
		return validationf("down_payment must not be negative")
	}
	return nil
}

// buildSale computes the order's monetary fields and assembles the rows to
// write. Amounts are whole rupiah; percent computations round half away
// from zero.
func buildSale(ownerID string, req domain.CreateSaleRequest, txDate, now time.Time) (*domain.SaleOrder, []domain.SaleItem, error) {
	orderID := xid.New("ord")

	var subtotal int64
	items := make([]domain.SaleItem, 0, len(req.Items))
	for _, input := range req.Items {
		lineSubtotal := input.Qty * input.Price
		subtotal += lineSubtotal
		items = append(items, domain.SaleItem{
			ID:          xid.New("itm"),
			OrderID:     orderID,
			ProductID:   input.ProductID,
			ProductName: input.Name,
			Qty:         input.Qty,
			Unit:        input.Unit,
			UnitPrice:   input.Price,
			Subtotal:    lineSubtotal,
		})
	}

	var discountAmount int64
	switch req.Discount.Mode {
	case domain.DiscountModePercent:
		discountAmount = int64(math.Round(float64(subtotal) * req.Discount.Value / 100))
	case domain.DiscountModeFixed:
		discountAmount = int64(math.Round(req.Discount.Value))
	}
	if discountAmount > subtotal {
		discountAmount = subtotal
	}
	afterDiscount := subtotal - discountAmount

	var taxAmount int64
	taxRate := 0.0
	if req.TaxEnabled {
		taxRate = req.TaxRate
		taxAmount = int64(math.Round(float64(afterDiscount) * taxRate / 100))
	}
	total := afterDiscount + taxAmount + req.OtherFees

	var dueDate *time.Time
	paid := total
	if req.PaymentMode == domain.PaymentModeDeferred {
		paid = req.DownPayment
		if paid > total {
			paid = total
		}
		if req.DueDate != "" {
			parsed, err := parseDate(req.DueDate)
			if err != nil {
				return nil, nil, validationf("invalid due_date %q", req.DueDate)
			}
			dueDate = &parsed
		} else {
			due := txDate.AddDate(0, 0, req.TempoDays)
			dueDate = &due
		}
	}
	remaining := total - paid
	if remaining < 0 {
		remaining = 0
	}

	customerName := req.Customer.Name
	if customerName == "" {
		customerName = "Umum"
	}

	order := &domain.SaleOrder{
		ID:              orderID,
		OwnerID:         ownerID,
		TransactionDate: txDate,
		CustomerID:      req.Customer.ID,
		CustomerName:    customerName,
		PaymentMode:     req.PaymentMode,
		DueDate:         dueDate,
		Subtotal:        subtotal,
		DiscountMode:    req.Discount.Mode,
		DiscountValue:   req.Discount.Value,
		DiscountAmount:  discountAmount,
		TaxRate:         taxRate,
		TaxAmount:       taxAmount,
		OtherFees:       req.OtherFees,
		Total:           total,
		PaidAmount:      paid,
		RemainingAmount: remaining,
		PaymentStatus:   domain.PaymentStatusFor(total, paid),
		Notes:           req.Notes,
		Category:        req.Category,
		CreatedAt:       now,
	}
	return order, items, nil
}

// ListSaleTransactions returns the account's orders newest first, with
// line items attached.
func (s *Service) ListSaleTransactions(ctx context.Context, ownerID string, filter domain.SaleListFilter) ([]domain.SaleOrder, error) {
	ownerColumn := s.resolveOwnerColumn(ctx)

	orders, err := s.store.ListSaleOrders(ctx, ownerColumn, ownerID, filter)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	if len(orders) == 0 {
		return []domain.SaleOrder{}, nil
	}

	orderIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		orderIDs = append(orderIDs, o.ID)
	}
	items, err := s.store.ListSaleItems(ctx, orderIDs)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}

	byOrder := make(map[string][]domain.SaleItem, len(orders))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return orders, nil
}

// DeleteSaleTransactions removes the caller's orders, reversing stock for
// every line previously marked deducted, then deleting lines, then orders.
func (s *Service) DeleteSaleTransactions(ctx context.Context, ownerID string, ids []string) (*domain.DeleteSalesResponse, error) {
	if len(ids) == 0 {
		return nil, validationf("ids must not be empty")
	}
	ownerColumn := s.resolveOwnerColumn(ctx)

	orders, err := s.store.GetSaleOrdersByIDs(ctx, ownerColumn, ownerID, ids)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	if len(orders) == 0 {
		return &domain.DeleteSalesResponse{}, nil
	}
	orderIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		orderIDs = append(orderIDs, o.ID)
	}

	items, err := s.store.ListSaleItems(ctx, orderIDs)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}

	restored := 0
	for _, item := range items {
		if !item.StockDeducted || item.ProductID == "" {
			continue
		}
		if _, err := s.store.AdjustStock(ctx, item.ProductID, item.Qty, "sale deletion "+item.OrderID); err != nil {
			log.Printf("[service] WARN: failed to restore stock product=%s order=%s: %v", item.ProductID, item.OrderID, err)
			continue
		}
		restored++
	}

	if err := s.store.DeleteSaleItems(ctx, orderIDs); err != nil {
		return nil, s.wrapStoreError(err)
	}
	deleted, err := s.store.DeleteSaleOrders(ctx, ownerColumn, ownerID, orderIDs)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}

	if restored > 0 {
		s.invalidateProducts(ctx, ownerID)
	}
	return &domain.DeleteSalesResponse{DeletedCount: deleted, StockRestoredCount: restored}, nil
}

// wrapStoreError promotes classifiable store failures into their typed
// service errors so the API layer can map them without re-classifying.
func (s *Service) wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if c := store.Classify(err); c.Kind == store.KindAuthDenied {
		return &AuthorizationError{Classification: c}
	}
	return err
}

func (s *Service) invalidateProducts(ctx context.Context, ownerID string) {
	if err := s.products.Invalidate(ctx, ownerID); err != nil {
		log.Printf("[service] WARN: failed to invalidate product cache owner=%s: %v", ownerID, err)
	}
}

func (s *Service) ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error) {
	cached, ok, err := s.products.Get(ctx, ownerID)
	if err != nil {
		log.Printf("[service] WARN: product cache read failed owner=%s: %v", ownerID, err)
	}
	if ok {
		return cached, nil
	}

	products, err := s.store.ListProducts(ctx, ownerID)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	if err := s.products.Set(ctx, ownerID, products, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: product cache write failed owner=%s: %v", ownerID, err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, ownerID, id string) (*domain.Product, error) {
	product, err := s.store.GetProductByID(ctx, ownerID, id)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	return product, nil
}

func (s *Service) CreateProduct(ctx context.Context, ownerID string, req domain.ProductCreateRequest) (*domain.Product, error) {
	if req.Name == "" {
		return nil, validationf("name is required")
	}
	if req.Price < 0 {
		return nil, validationf("price must not be negative")
	}
	if req.InitialStock < 0 {
		return nil, validationf("initial_stock must not be negative")
	}

	created, err := s.store.CreateProduct(ctx, domain.Product{
		ID:         xid.New("prd"),
		OwnerID:    ownerID,
		Name:       req.Name,
		Unit:       req.Unit,
		Price:      req.Price,
		TrackStock: req.TrackStock,
		Stock:      req.InitialStock,
		StockQty:   req.InitialStock,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	s.invalidateProducts(ctx, ownerID)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, ownerID, id string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	existing, err := s.store.GetProductByID(ctx, ownerID, id)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}

	product := *existing
	if req.Name != nil {
		if *req.Name == "" {
			return nil, validationf("name must not be empty")
		}
		product.Name = *req.Name
	}
	if req.Unit != nil {
		product.Unit = *req.Unit
	}
	if req.Price != nil {
		if *req.Price < 0 {
			return nil, validationf("price must not be negative")
		}
		product.Price = *req.Price
	}
	if req.TrackStock != nil {
		product.TrackStock = *req.TrackStock
	}

	saved, err := s.store.UpdateProduct(ctx, product)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	s.invalidateProducts(ctx, ownerID)
	return saved, nil
}

func (s *Service) CreateLedgerEntry(ctx context.Context, ownerID string, req domain.LedgerCreateRequest) (*domain.LedgerEntry, error) {
	switch req.EntryType {
	case domain.LedgerEntryIncome, domain.LedgerEntryExpense:
	default:
		return nil, validationf("entry_type must be %q or %q", domain.LedgerEntryIncome, domain.LedgerEntryExpense)
	}
	if req.Amount <= 0 {
		return nil, validationf("amount must be positive")
	}

	now := time.Now().UTC()
	entryDate := now
	if req.EntryDate != "" {
		parsed, err := parseDate(req.EntryDate)
		if err != nil {
			return nil, validationf("invalid entry_date %q", req.EntryDate)
		}
		entryDate = parsed
	}

	entry, err := s.store.CreateLedgerEntry(ctx, domain.LedgerEntry{
		ID:        xid.New("led"),
		OwnerID:   ownerID,
		EntryType: req.EntryType,
		Amount:    req.Amount,
		Category:  req.Category,
		Note:      req.Note,
		EntryDate: entryDate,
		CreatedAt: now,
	})
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	return entry, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, ownerID string, filter domain.LedgerListFilter) ([]domain.LedgerEntry, error) {
	entries, err := s.store.ListLedgerEntries(ctx, ownerID, filter)
	if err != nil {
		return nil, s.wrapStoreError(err)
	}
	return entries, nil
}
