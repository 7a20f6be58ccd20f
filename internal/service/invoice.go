package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"tokoku/backend/internal/store"
)

const invoicePrefix = "INV"

const (
	invoiceSourceGenerator = "generator"
	invoiceSourceTableScan = "table-scan"
)

type invoiceAllocation struct {
	Invoice string
	Source  string
}

// allocateInvoice obtains the next invoice number for an account. The
// remote generator is the primary path; its owner argument has been named
// p_owner_id and owner_id across schema versions, so a failed call is
// retried once under the legacy name. A candidate the account has already
// used means the generator's sequence state is wedged, in which case the
// number is recomputed by scanning the account's existing invoices.
func (s *Service) allocateInvoice(ctx context.Context, ownerColumn, ownerID string) (invoiceAllocation, error) {
	candidate, err := s.store.NextInvoiceNumber(ctx, store.InvoiceArgCurrent, ownerID)
	if err != nil {
		candidate, err = s.store.NextInvoiceNumber(ctx, store.InvoiceArgLegacy, ownerID)
	}
	if err != nil {
		invoice, scanErr := s.scanNextInvoice(ctx, ownerColumn, ownerID)
		if scanErr != nil {
			return invoiceAllocation{}, fmt.Errorf("invoice generator unavailable: %w", err)
		}
		log.Printf("[invoice] WARN: generator failed for owner=%s, using table scan: %v", ownerID, err)
		return invoiceAllocation{Invoice: invoice, Source: invoiceSourceTableScan}, nil
	}

	used, err := s.store.CountOrdersByInvoice(ctx, ownerColumn, ownerID, candidate)
	if err != nil {
		// The staleness check is advisory. If it cannot run, the store's
		// uniqueness constraint still catches a stale candidate.
		log.Printf("[invoice] WARN: staleness check failed for %s: %v", candidate, err)
		return invoiceAllocation{Invoice: candidate, Source: invoiceSourceGenerator}, nil
	}
	if used == 0 {
		return invoiceAllocation{Invoice: candidate, Source: invoiceSourceGenerator}, nil
	}

	invoice, scanErr := s.scanNextInvoice(ctx, ownerColumn, ownerID)
	if scanErr != nil {
		return invoiceAllocation{}, fmt.Errorf("invoice %s already used and table scan failed: %w", candidate, scanErr)
	}
	log.Printf("[invoice] WARN: generator repeated used invoice %s for owner=%s, advanced to %s", candidate, ownerID, invoice)
	return invoiceAllocation{Invoice: invoice, Source: invoiceSourceTableScan}, nil
}

// scanNextInvoice computes max(numeric suffix)+1 over the account's
// current-year invoices.
func (s *Service) scanNextInvoice(ctx context.Context, ownerColumn, ownerID string) (string, error) {
	year := time.Now().UTC().Year()
	prefix := fmt.Sprintf("%s-%d-", invoicePrefix, year)

	numbers, err := s.store.ListInvoiceNumbers(ctx, ownerColumn, ownerID, prefix)
	if err != nil {
		return "", err
	}

	highest := 0
	for _, invoice := range numbers {
		suffix := strings.TrimPrefix(invoice, prefix)
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%04d", prefix, highest+1), nil
}
