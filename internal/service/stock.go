package service

import (
	"context"
	"fmt"
	"log"

	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/store"
)

// stockPlan is the per-product view of one order's stock effect: total
// requested quantity per distinct product, in first-appearance order so
// application and reversal are deterministic.
type stockPlan struct {
	productIDs []string
	requested  map[string]int64
	products   map[string]domain.Product
}

func aggregateStockEffect(items []domain.SaleItem) ([]string, map[string]int64) {
	ids := make([]string, 0, len(items))
	requested := make(map[string]int64, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			continue
		}
		if _, seen := requested[item.ProductID]; !seen {
			ids = append(ids, item.ProductID)
		}
		requested[item.ProductID] += item.Qty
	}
	return ids, requested
}

// snapshotStock reads every referenced product and canonicalizes its stock
// when the current and legacy fields disagree: the newer field wins unless
// it is zero while the legacy one is not. The canonical value is mirrored
// back onto both fields best-effort.
func (s *Service) snapshotStock(ctx context.Context, ownerID string, productIDs []string) (map[string]domain.Product, error) {
	if len(productIDs) == 0 {
		return map[string]domain.Product{}, nil
	}
	products, err := s.store.GetProductsByIDs(ctx, ownerID, productIDs)
	if err != nil {
		return nil, fmt.Errorf("stock snapshot: %w", err)
	}

	for id, p := range products {
		canonical := p.Stock
		if p.Stock == 0 && p.StockQty != 0 {
			canonical = p.StockQty
		}
		if canonical != p.Stock || canonical != p.StockQty {
			if err := s.store.MirrorStockFields(ctx, id, canonical); err != nil {
				log.Printf("[stock] WARN: failed to mirror stock fields product=%s: %v", id, err)
			}
			p.Stock = canonical
			p.StockQty = canonical
			products[id] = p
		}
	}
	return products, nil
}

// validateStock returns every short product, not just the first, so the
// caller can fix the whole cart in one pass.
func validateStock(plan stockPlan) []Shortage {
	var shortages []Shortage
	for _, id := range plan.productIDs {
		p, known := plan.products[id]
		if !known || !p.TrackStock {
			continue
		}
		need := plan.requested[id]
		if need > p.Stock {
			shortages = append(shortages, Shortage{
				ProductID: id,
				Name:      p.Name,
				Requested: need,
				Available: p.Stock,
			})
		}
	}
	return shortages
}

// applyStock deducts stock for every tracked product in plan order. A
// failure part way through reverses every deduction already applied before
// returning, so the caller's compensation only has to unwind rows, never
// stock.
func (s *Service) applyStock(ctx context.Context, orderID string, plan stockPlan) ([]string, error) {
	note := "sale " + orderID
	applied := make([]string, 0, len(plan.productIDs))

	for _, id := range plan.productIDs {
		p, known := plan.products[id]
		if !known || !p.TrackStock {
			continue
		}
		need := plan.requested[id]

		if _, err := s.store.AdjustStock(ctx, id, -need, note); err != nil {
			s.reverseStock(ctx, orderID, plan, applied)

			c := store.Classify(err)
			if c.Kind == store.KindInsufficientStock {
				return nil, &InsufficientStockError{Shortages: []Shortage{{
					ProductID: id,
					Name:      p.Name,
					Requested: need,
					Available: p.Stock,
				}}}
			}
			return nil, fmt.Errorf("stock adjustment product=%s: %w", id, err)
		}
		applied = append(applied, id)
	}
	return applied, nil
}

// reverseStock applies the positive inverse of every deduction in applied.
// Best effort: a reversal failure is logged, not retried.
func (s *Service) reverseStock(ctx context.Context, orderID string, plan stockPlan, applied []string) {
	note := "reversal sale " + orderID
	for i := len(applied) - 1; i >= 0; i-- {
		id := applied[i]
		if _, err := s.store.AdjustStock(ctx, id, plan.requested[id], note); err != nil {
			log.Printf("[stock] WARN: failed to reverse deduction product=%s order=%s: %v", id, orderID, err)
		}
	}
}
