package service

import (
	"context"
	"log"

	"tokoku/backend/internal/store"
)

// resolveOwnerColumn determines which column binds sale orders to their
// owning account on the deployed schema. Older deployments used user_id;
// newer ones renamed it to owner_id. Only a missing-column classification
// counts as absence: any other probe failure (including a denial) means the
// column exists and something else is wrong, which the write path will
// surface on its own.
//
// Resolved once per request and not cached: the probe is a one-row read and
// a deployment can migrate underneath a long-running process.
func (s *Service) resolveOwnerColumn(ctx context.Context) string {
	err := s.store.ProbeColumn(ctx, store.TableSaleOrders, store.OwnerColumnUserID)
	if err == nil || store.Classify(err).Kind != store.KindMissingColumn {
		return store.OwnerColumnUserID
	}

	err = s.store.ProbeColumn(ctx, store.TableSaleOrders, store.OwnerColumnOwnerID)
	if err != nil && store.Classify(err).Kind == store.KindMissingColumn {
		// Both probes say absent. Defaulting is a guess the write path
		// will confirm or reject, so make the guess visible.
		log.Printf("[probe] WARN: neither %s nor %s found on %s, defaulting to %s",
			store.OwnerColumnUserID, store.OwnerColumnOwnerID, store.TableSaleOrders, store.OwnerColumnOwnerID)
	}
	return store.OwnerColumnOwnerID
}
