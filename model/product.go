package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a canonical catalog item, unique per (tenant, merchant SKU).
type Product struct {
	ID            string          `db:"id" json:"id"`
	ClientID      string          `db:"client_id" json:"clientId"`
	MerchantSKU   string          `db:"merchant_sku" json:"merchantSku"`
	Name          string          `db:"name" json:"name"`
	Description   string          `db:"description" json:"description"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unitPrice"`
	WeightGrams   int             `db:"weight_grams" json:"weightGrams"`
	StockAvail    int             `db:"stock_available" json:"stockAvailable"`
	StockReserved int             `db:"stock_reserved" json:"stockReserved"`
	IsBundle      bool            `db:"is_bundle" json:"isBundle"`
	FFNProductID  *string         `db:"ffn_product_id" json:"ffnProductId,omitempty"`
	SyncStatus    SyncStatus      `db:"sync_status" json:"syncStatus"`
	ImageURL      string          `db:"image_url" json:"imageUrl"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// ProductChannel links a canonical product to its external identity on one
// channel. A product may be listed on several channels under distinct
// external ids; deleting the last link deletes the product.
type ProductChannel struct {
	ID                string    `db:"id" json:"id"`
	ProductID         string    `db:"product_id" json:"productId"`
	ChannelID         string    `db:"channel_id" json:"channelId"`
	ExternalProductID string    `db:"external_product_id" json:"externalProductId"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}
