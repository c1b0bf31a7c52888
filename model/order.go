package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Address is the canonical shipping or billing snapshot carried by an order.
// Validation rules mirror what the fulfillment network will reject anyway,
// so a bad address fails fast before any dispatch attempt.
type Address struct {
	FirstName string `json:"firstname" validate:"required"`
	LastName  string `json:"lastname" validate:"required"`
	Company   string `json:"company,omitempty"`
	Street    string `json:"street" validate:"required"`
	Addition  string `json:"addition,omitempty"`
	City      string `json:"city" validate:"required"`
	Zip       string `json:"zip" validate:"required"`
	Country   string `json:"country" validate:"required,iso3166_1_alpha2"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
}

// Order is the central aggregate. `Status` tracks the commerce-visible
// lifecycle while `FulfillmentState` tracks warehouse progress; the two
// advance independently and are written by different owners.
type Order struct {
	ID              string      `db:"id" json:"id"`
	ClientID        string      `db:"client_id" json:"clientId"`
	ChannelID       *string     `db:"channel_id" json:"channelId,omitempty"`
	OrderNumber     string      `db:"order_number" json:"orderNumber"`
	ExternalOrderID string      `db:"external_order_id" json:"externalOrderId"`
	OrderOrigin     OrderOrigin `db:"order_origin" json:"orderOrigin"`

	Status           OrderStatus      `db:"status" json:"status"`
	FulfillmentState FulfillmentState `db:"fulfillment_state" json:"fulfillmentState"`
	PaymentStatus    string           `db:"payment_status" json:"paymentStatus"`

	IsOnHold            bool        `db:"is_on_hold" json:"isOnHold"`
	HoldReason          *HoldReason `db:"hold_reason" json:"holdReason,omitempty"`
	HoldPlacedAt        *time.Time  `db:"hold_placed_at" json:"holdPlacedAt,omitempty"`
	HoldPlacedBy        *string     `db:"hold_placed_by" json:"holdPlacedBy,omitempty"`
	HoldReleasedAt      *time.Time  `db:"hold_released_at" json:"holdReleasedAt,omitempty"`
	HoldReleasedBy      *string     `db:"hold_released_by" json:"holdReleasedBy,omitempty"`
	PaymentHoldOverride bool        `db:"payment_hold_override" json:"paymentHoldOverride"`

	ShippingAddress Address `db:"-" json:"shippingAddress"`
	BillingAddress  Address `db:"-" json:"billingAddress"`

	Total    decimal.Decimal `db:"total" json:"total"`
	Currency string          `db:"currency" json:"currency"`

	Items []OrderItem `db:"-" json:"items,omitempty"`

	FFNOutboundID      *string    `db:"ffn_outbound_id" json:"ffnOutboundId,omitempty"`
	LastFFNSyncAt      *time.Time `db:"last_ffn_sync_at" json:"lastFfnSyncAt,omitempty"`
	FFNSyncError       *string    `db:"ffn_sync_error" json:"ffnSyncError,omitempty"`
	CommerceSyncError  *string    `db:"commerce_sync_error" json:"commerceSyncError,omitempty"`
	LastSyncedCommerce *time.Time `db:"last_synced_to_commerce" json:"lastSyncedToCommerce,omitempty"`
	SyncStatus         SyncStatus `db:"sync_status" json:"syncStatus"`

	ShippedAt      *time.Time `db:"shipped_at" json:"shippedAt,omitempty"`
	DeliveredAt    *time.Time `db:"delivered_at" json:"deliveredAt,omitempty"`
	TrackingNumber *string    `db:"tracking_number" json:"trackingNumber,omitempty"`
	Carrier        *string    `db:"carrier" json:"carrier,omitempty"`
	TrackingURL    *string    `db:"tracking_url" json:"trackingUrl,omitempty"`

	PriorityLevel int `db:"priority_level" json:"priorityLevel"`

	IsCancelled        bool       `db:"is_cancelled" json:"isCancelled"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CancelledBy        *string    `db:"cancelled_by" json:"cancelledBy,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	IsReplacement      bool       `db:"is_replacement" json:"isReplacement"`

	LastOperationalUpdateBy *string    `db:"last_operational_update_by" json:"lastOperationalUpdateBy,omitempty"`
	LastOperationalUpdateAt *time.Time `db:"last_operational_update_at" json:"lastOperationalUpdateAt,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// MerchantNumber is the identifier offered to the fulfillment network as the
// merchant outbound number: the human order number when present, the
// canonical id otherwise.
func (o *Order) MerchantNumber() string {
	if o.OrderNumber != "" {
		return o.OrderNumber
	}
	return o.ID
}

// OnPaymentHold reports whether the order is parked specifically for payment.
func (o *Order) OnPaymentHold() bool {
	return o.IsOnHold && o.HoldReason != nil && *o.HoldReason == HoldAwaitingPayment
}

// OrderItem is a line of an order. SKU and name are snapshots taken at
// ingestion; ProductID resolves lazily and may stay nil for items the
// catalog has never seen.
type OrderItem struct {
	ID          string          `db:"id" json:"id"`
	OrderID     string          `db:"order_id" json:"orderId"`
	ProductID   *string         `db:"product_id" json:"productId,omitempty"`
	SKU         string          `db:"sku" json:"sku"`
	ProductName string          `db:"product_name" json:"productName"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unitPrice"`
	LineTotal   decimal.Decimal `db:"line_total" json:"lineTotal"`
}

// TrackingInfo is one parcel's tracking data as extracted from a shipping
// notification. Multi-parcel shipments carry one entry per package.
type TrackingInfo struct {
	TrackingNumber        string     `json:"trackingNumber"`
	Carrier               string     `json:"carrier"`
	TrackingURL           string     `json:"trackingUrl,omitempty"`
	EstimatedDeliveryDate *time.Time `json:"estimatedDeliveryDate,omitempty"`
}
