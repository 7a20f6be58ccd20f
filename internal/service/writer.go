package service

import (
	"context"
	"errors"
	"fmt"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

const (
	orderInsertMaxAttempts = 10
	itemInsertMaxAttempts  = 6
)

// writeDiagnostics accumulates what the adaptive retry loops actually did,
// for logging and for error metadata when retries exhaust.
type writeDiagnostics struct {
	Attempts       int
	DroppedFields  []string
	InvoiceRegens  int
	OwnerColumnSub bool
}

// insertOrder writes the order header with bounded adaptive retries. The
// payload starts with every column a known schema version might want,
// including both owner bindings; each failed attempt either shrinks the
// payload (schema drift), swaps the invoice (uniqueness conflict), or
// aborts (denial, unclassified).
func (s *Service) insertOrder(ctx context.Context, ownerColumn, ownerID string, order *domain.SaleOrder) (*domain.SaleOrder, writeDiagnostics, error) {
	payload := store.OrderPayload(*order)
	var diag writeDiagnostics

	for attempt := 1; attempt <= orderInsertMaxAttempts; attempt++ {
		diag.Attempts = attempt

		committed, err := s.store.InsertSaleOrder(ctx, payload)
		if err == nil {
			return committed, diag, nil
		}

		c := store.Classify(err)
		switch c.Kind {
		case store.KindUniqueViolation:
			alloc, allocErr := s.allocateInvoice(ctx, ownerColumn, ownerID)
			if allocErr != nil {
				return nil, diag, allocErr
			}
			if alloc.Invoice == order.InvoiceNumber {
				return nil, diag, &NumberingStuckError{Invoice: alloc.Invoice, Classification: c}
			}
			order.InvoiceNumber = alloc.Invoice
			payload["invoice_number"] = alloc.Invoice
			diag.InvoiceRegens++

		case store.KindAuthDenied:
			return nil, diag, &AuthorizationError{Classification: c}

		case store.KindMissingColumn:
			column := c.Column
			if column == "" {
				return nil, diag, err
			}
			if _, present := payload[column]; !present {
				// Dropping a column we never sent cannot converge.
				return nil, diag, err
			}
			delete(payload, column)
			diag.DroppedFields = append(diag.DroppedFields, column)
			if column == store.OwnerColumnOwnerID || column == store.OwnerColumnUserID {
				alternate := store.OwnerColumnOwnerID
				if column == store.OwnerColumnOwnerID {
					alternate = store.OwnerColumnUserID
				}
				payload[alternate] = ownerID
				diag.OwnerColumnSub = true
			}

		default:
			return nil, diag, err
		}
	}

	return nil, diag, fmt.Errorf("order insert gave up after %d attempts (dropped %v, reallocated invoice %d times)",
		diag.Attempts, diag.DroppedFields, diag.InvoiceRegens)
}

// insertItems writes the order's line items as one batch. All rows share
// one schema, so a column dropped for one row is dropped for all.
func (s *Service) insertItems(ctx context.Context, items []domain.SaleItem) ([]domain.SaleItem, writeDiagnostics, error) {
	payloads := make([]store.Payload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, store.ItemPayload(item))
	}
	var diag writeDiagnostics

	for attempt := 1; attempt <= itemInsertMaxAttempts; attempt++ {
		diag.Attempts = attempt

		written, err := s.store.InsertSaleItems(ctx, payloads)
		if err == nil {
			if len(written) == 0 && len(items) > 0 {
				return nil, diag, errors.New("line item insert committed no rows")
			}
			return written, diag, nil
		}

		c := store.Classify(err)
		switch c.Kind {
		case store.KindAuthDenied:
			return nil, diag, &AuthorizationError{Classification: c}

		case store.KindMissingColumn:
			column := c.Column
			if column == "" {
				return nil, diag, err
			}
			present := false
			for _, payload := range payloads {
				if _, ok := payload[column]; ok {
					present = true
					break
				}
			}
			if !present {
				return nil, diag, err
			}
			for _, payload := range payloads {
				delete(payload, column)
			}
			diag.DroppedFields = append(diag.DroppedFields, column)

		default:
			return nil, diag, err
		}
	}

	return nil, diag, fmt.Errorf("line item insert gave up after %d attempts (dropped %v)", diag.Attempts, diag.DroppedFields)
}
