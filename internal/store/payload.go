package store

import (
	"time"

	"tokoku/backend/internal/domain"
)

// OrderPayload flattens a sale order into an insertable row. Both owner
// bindings are carried redundantly: whichever column the deployed schema
// lacks gets dropped by the writer's drift retry, so most schemas commit on
// the first attempt.
func OrderPayload(o domain.SaleOrder) Payload {
	p := Payload{
		"id":               o.ID,
		OwnerColumnOwnerID: o.OwnerID,
		OwnerColumnUserID:  o.OwnerID,
		"invoice_number":   o.InvoiceNumber,
		"transaction_date": o.TransactionDate,
		"customer_name":    o.CustomerName,
		"payment_mode":     o.PaymentMode,
		"subtotal":         o.Subtotal,
		"discount_value":   o.DiscountValue,
		"discount_amount":  o.DiscountAmount,
		"tax_rate":         o.TaxRate,
		"tax_amount":       o.TaxAmount,
		"other_fees":       o.OtherFees,
		"total":            o.Total,
		"paid_amount":      o.PaidAmount,
		"remaining_amount": o.RemainingAmount,
		"payment_status":   o.PaymentStatus,
		"notes":            o.Notes,
		"category":         o.Category,
		"created_at":       o.CreatedAt,
	}
	if o.CustomerID != "" {
		p["customer_id"] = o.CustomerID
	}
	if o.DiscountMode != "" {
		p["discount_mode"] = o.DiscountMode
	}
	if o.DueDate != nil {
		p["due_date"] = *o.DueDate
	}
	return p
}

// OrderFromPayload rebuilds the committed order from the row that was
// actually written, after any drift retries removed fields.
func OrderFromPayload(p Payload) domain.SaleOrder {
	o := domain.SaleOrder{
		ID:              pstr(p, "id"),
		InvoiceNumber:   pstr(p, "invoice_number"),
		TransactionDate: ptime(p, "transaction_date"),
		CustomerID:      pstr(p, "customer_id"),
		CustomerName:    pstr(p, "customer_name"),
		PaymentMode:     pstr(p, "payment_mode"),
		Subtotal:        pint(p, "subtotal"),
		DiscountMode:    pstr(p, "discount_mode"),
		DiscountValue:   pfloat(p, "discount_value"),
		DiscountAmount:  pint(p, "discount_amount"),
		TaxRate:         pfloat(p, "tax_rate"),
		TaxAmount:       pint(p, "tax_amount"),
		OtherFees:       pint(p, "other_fees"),
		Total:           pint(p, "total"),
		PaidAmount:      pint(p, "paid_amount"),
		RemainingAmount: pint(p, "remaining_amount"),
		PaymentStatus:   pstr(p, "payment_status"),
		Notes:           pstr(p, "notes"),
		Category:        pstr(p, "category"),
		CreatedAt:       ptime(p, "created_at"),
	}
	if owner := pstr(p, OwnerColumnOwnerID); owner != "" {
		o.OwnerID = owner
	} else {
		o.OwnerID = pstr(p, OwnerColumnUserID)
	}
	if due, ok := p["due_date"].(time.Time); ok {
		o.DueDate = &due
	}
	return o
}

func ItemPayload(it domain.SaleItem) Payload {
	p := Payload{
		"id":             it.ID,
		"order_id":       it.OrderID,
		"product_name":   it.ProductName,
		"qty":            it.Qty,
		"unit":           it.Unit,
		"unit_price":     it.UnitPrice,
		"subtotal":       it.Subtotal,
		"stock_deducted": it.StockDeducted,
	}
	if it.ProductID != "" {
		p["product_id"] = it.ProductID
	}
	return p
}

func ItemFromPayload(p Payload) domain.SaleItem {
	deducted, _ := p["stock_deducted"].(bool)
	return domain.SaleItem{
		ID:            pstr(p, "id"),
		OrderID:       pstr(p, "order_id"),
		ProductID:     pstr(p, "product_id"),
		ProductName:   pstr(p, "product_name"),
		Qty:           pint(p, "qty"),
		Unit:          pstr(p, "unit"),
		UnitPrice:     pint(p, "unit_price"),
		Subtotal:      pint(p, "subtotal"),
		StockDeducted: deducted,
	}
}

func pstr(p Payload, key string) string {
	v, _ := p[key].(string)
	return v
}

func pint(p Payload, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func pfloat(p Payload, key string) float64 {
	v, _ := p[key].(float64)
	return v
}

func ptime(p Payload, key string) time.Time {
	v, _ := p[key].(time.Time)
	return v
}
