package model

import "time"

// Return is a tenant-scoped customer return tied to an order.
type Return struct {
	ID               string       `db:"id" json:"id"`
	ClientID         string       `db:"client_id" json:"clientId"`
	OrderID          string       `db:"order_id" json:"orderId"`
	ExternalRefundID string       `db:"external_refund_id" json:"externalRefundId"`
	FFNReturnID      *string      `db:"ffn_return_id" json:"ffnReturnId,omitempty"`
	Status           ReturnStatus `db:"status" json:"status"`
	Reason           string       `db:"reason" json:"reason"`
	SyncStatus       SyncStatus   `db:"sync_status" json:"syncStatus"`
	Items            []ReturnItem `db:"-" json:"items,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// ReturnItem mirrors one refunded line.
type ReturnItem struct {
	ID       string `db:"id" json:"id"`
	ReturnID string `db:"return_id" json:"returnId"`
	SKU      string `db:"sku" json:"sku"`
	Quantity int    `db:"quantity" json:"quantity"`
}
