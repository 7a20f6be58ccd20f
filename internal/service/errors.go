package service

import (
	"fmt"
	"strings"

	"tokoku/backend/internal/store"
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError carries the store's denial classification and a
// remediation script an operator can run against the store.
type AuthorizationError struct {
	Classification store.Classification
}

func (e *AuthorizationError) Error() string {
	table := e.Classification.Table
	if table == "" {
		table = "remote store"
	}
	return fmt.Sprintf("authorization denied by %s (%s)", table, e.Classification.AuthKind)
}

func (e *AuthorizationError) RemediationScript() string {
	return e.Classification.RemediationScript()
}

// NumberingStuckError aborts the order write when re-allocation returns the
// invoice the store just rejected. The probable cause is a globally unique
// invoice constraint where a per-account one was expected, but that is a
// diagnosis, not a verified fact.
type NumberingStuckError struct {
	Invoice        string
	Classification store.Classification
}

func (e *NumberingStuckError) Error() string {
	return fmt.Sprintf("invoice numbering cannot advance past %s", e.Invoice)
}

func (e *NumberingStuckError) ProbableCause() string {
	return "the store may enforce global invoice uniqueness instead of per-account uniqueness"
}

func (e *NumberingStuckError) RemediationScript() string {
	constraint := e.Classification.Constraint
	if constraint == "" {
		constraint = "<constraint name>"
	}
	return fmt.Sprintf(`-- If invoice numbers should be unique per account rather than globally,
-- replace the global constraint with a composite one:
ALTER TABLE %[1]s DROP CONSTRAINT %[2]s;
ALTER TABLE %[1]s ADD CONSTRAINT %[1]s_owner_invoice_key UNIQUE (%[3]s, invoice_number);
`, store.TableSaleOrders, constraint, store.OwnerColumnOwnerID)
}

// Shortage names one product whose tracked stock cannot cover the request.
type Shortage struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

// InsufficientStockError lists every short product, not just the first.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	names := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		names = append(names, fmt.Sprintf("%s (need %d, have %d)", s.Name, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(names, ", ")
}
