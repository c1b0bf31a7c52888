package ffn

import (
	"time"

	"github.com/parcelry/bridge/model"
)

// Outbound status vocabulary of the fulfillment network.
const (
	OutboundStatusNew       = "NEW"
	OutboundStatusOpen      = "OPEN"
	OutboundStatusInPick    = "IN_PICK"
	OutboundStatusPicked    = "PICKED"
	OutboundStatusPacking   = "PACKING"
	OutboundStatusPacked    = "PACKED"
	OutboundStatusShipped   = "SHIPPED"
	OutboundStatusDelivered = "DELIVERED"
	OutboundStatusCancelled = "CANCELLED"
	OutboundStatusFailed    = "FAILED"
	OutboundStatusReturned  = "RETURNED"
)

// Inbound deliveries move OPEN -> ANNOUNCED -> CLOSED; only CLOSED means
// goods are booked into stock.
const (
	InboundStatusOpen      = "OPEN"
	InboundStatusAnnounced = "ANNOUNCED"
	InboundStatusClosed    = "CLOSED"
)

// Outbound is the fulfillment network's order document. On create the
// network assigns OutboundID and the initial status; merchant-side fields
// round-trip unchanged.
type Outbound struct {
	OutboundID             string         `json:"outboundId,omitempty"`
	MerchantOutboundNumber string         `json:"merchantOutboundNumber"`
	CustomerOrderNumber    string         `json:"customerOrderNumber,omitempty"`
	FulfillerID            string         `json:"fulfillerId"`
	WarehouseID            string         `json:"warehouseId"`
	Status                 string         `json:"status,omitempty"`
	Currency               string         `json:"currency"`
	OrderDate              time.Time      `json:"orderDate"`
	ShippingAddress        model.Address  `json:"shippingAddress"`
	Items                  []OutboundItem `json:"items"`

	// Exactly one of ShippingMethodID or ShippingType is set.
	ShippingMethodID string `json:"shippingMethodId,omitempty"`
	ShippingType     string `json:"shippingType,omitempty"`

	Priority                    int         `json:"priority"`
	Note                        string      `json:"note,omitempty"`
	InternalNote                string      `json:"internalNote,omitempty"`
	Attributes                  []Attribute `json:"attributes,omitempty"`
	Oversale                    bool        `json:"oversale"`
	AutoCompleteBillOfMaterials bool        `json:"autoCompleteBillOfMaterials,omitempty"`

	CarrierSelection    string `json:"carrierSelection,omitempty"`
	CarrierServiceLevel string `json:"carrierServiceLevel,omitempty"`

	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// OutboundItem is one line of an outbound. JFSKU is the network's own
// article key and may be blank when the merchant SKU suffices.
type OutboundItem struct {
	OutboundItemID string  `json:"outboundItemId"`
	JFSKU          string  `json:"jfsku,omitempty"`
	MerchantSKU    string  `json:"merchantSku"`
	Name           string  `json:"name"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unitPrice"`
}

type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// OutboundPatch carries the operationally mutable subset of an outbound.
// Nil members are omitted from the request and left untouched remotely.
type OutboundPatch struct {
	Priority            *int           `json:"priority,omitempty"`
	CarrierSelection    *string        `json:"carrierSelection,omitempty"`
	CarrierServiceLevel *string        `json:"carrierServiceLevel,omitempty"`
	ShippingAddress     *model.Address `json:"shippingAddress,omitempty"`
	InternalNote        *string        `json:"internalNote,omitempty"`
	PickingInstruction  *string        `json:"pickingInstruction,omitempty"`
	PackingInstruction  *string        `json:"packingInstruction,omitempty"`
}

// OutboundUpdate is one entry of the updates feed: the outbound's current
// status and the instant it changed.
type OutboundUpdate struct {
	OutboundID             string    `json:"outboundId"`
	MerchantOutboundNumber string    `json:"merchantOutboundNumber"`
	Status                 string    `json:"status"`
	ModifiedAt             time.Time `json:"modifiedAt"`
}

// ShippingNotification announces packed parcels leaving the warehouse.
type ShippingNotification struct {
	OutboundID string    `json:"outboundId"`
	Timestamp  time.Time `json:"timestamp"`
	Packages   []Package `json:"packages"`
}

type Package struct {
	FreightOption string              `json:"freightOption"`
	TrackingURL   string              `json:"trackingUrl,omitempty"`
	Identifier    []PackageIdentifier `json:"identifier"`
}

type PackageIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Tracking flattens a notification's first trackable package. False when
// no package carries a TrackingId identifier.
func (n *ShippingNotification) Tracking() (model.TrackingInfo, bool) {
	for _, pkg := range n.Packages {
		for _, id := range pkg.Identifier {
			if id.Type == "TrackingId" && id.Value != "" {
				return model.TrackingInfo{
					TrackingNumber: id.Value,
					Carrier:        pkg.FreightOption,
					TrackingURL:    pkg.TrackingURL,
				}, true
			}
		}
	}
	return model.TrackingInfo{}, false
}

// Product is the network's article record. JFSKU is assigned on create.
type Product struct {
	JFSKU       string  `json:"jfsku,omitempty"`
	MerchantSKU string  `json:"merchantSku"`
	Name        string  `json:"name"`
	Weight      float64 `json:"weight,omitempty"`
	IsBundle    bool    `json:"isBillOfMaterials,omitempty"`
}

// Stock is one article's warehouse counts.
type Stock struct {
	JFSKU             string `json:"jfsku"`
	MerchantSKU       string `json:"merchantSku"`
	StockLevel        int    `json:"stockLevel"`
	StockLevelBlocked int    `json:"stockLevelBlocked"`
	StockLevelInbound int    `json:"stockLevelInbound"`
}

// Inbound is an announced return delivery heading to the warehouse.
type Inbound struct {
	InboundID             string        `json:"inboundId,omitempty"`
	MerchantInboundNumber string        `json:"merchantInboundNumber"`
	FulfillerID           string        `json:"fulfillerId"`
	WarehouseID           string        `json:"warehouseId"`
	Status                string        `json:"status,omitempty"`
	Note                  string        `json:"note,omitempty"`
	Items                 []InboundItem `json:"items"`
}

type InboundItem struct {
	JFSKU       string `json:"jfsku,omitempty"`
	MerchantSKU string `json:"merchantSku"`
	Quantity    int    `json:"quantity"`
}

// InboundUpdate is one entry of the inbound updates feed.
type InboundUpdate struct {
	InboundID             string    `json:"inboundId"`
	MerchantInboundNumber string    `json:"merchantInboundNumber"`
	Status                string    `json:"status"`
	ModifiedAt            time.Time `json:"modifiedAt"`
}

// ReturnUpdate is one entry of the return updates feed.
type ReturnUpdate struct {
	ReturnID             string    `json:"returnId"`
	MerchantReturnNumber string    `json:"merchantReturnNumber"`
	OutboundID           string    `json:"outboundId,omitempty"`
	Status               string    `json:"status"`
	ModifiedAt           time.Time `json:"modifiedAt"`
}

type Fulfiller struct {
	FulfillerID string `json:"fulfillerId"`
	Name        string `json:"name"`
}

type Warehouse struct {
	WarehouseID string `json:"warehouseId"`
	FulfillerID string `json:"fulfillerId"`
	Name        string `json:"name"`
}

type ShippingMethod struct {
	ShippingMethodID string `json:"shippingMethodId"`
	Name             string `json:"name"`
	Carrier          string `json:"carrier"`
}
