package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/parcelry/bridge/model"
)

const upsertProductSQL = `
INSERT INTO products (
	id, client_id, merchant_sku, name, description, unit_price, weight_grams,
	stock_available, stock_reserved, is_bundle, ffn_product_id, sync_status,
	image_url, created_at, updated_at
) VALUES (
	:id, :client_id, :merchant_sku, :name, :description, :unit_price, :weight_grams,
	:stock_available, :stock_reserved, :is_bundle, :ffn_product_id, :sync_status,
	:image_url, :created_at, :updated_at
)
ON CONFLICT(client_id, merchant_sku) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	unit_price = excluded.unit_price,
	weight_grams = excluded.weight_grams,
	is_bundle = excluded.is_bundle,
	image_url = excluded.image_url,
	sync_status = excluded.sync_status,
	updated_at = excluded.updated_at
RETURNING id, created_at`

// UpsertProduct inserts or refreshes a catalog item keyed by merchant SKU.
// Content changes reset sync_status to PENDING so the push loop re-mirrors
// the product; warehouse-owned stock counters and the FFN product id are
// preserved on update. Returns true when the product was first seen.
func (s *Store) UpsertProduct(ctx context.Context, p *model.Product) (bool, error) {
	var now = nowUTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.SyncStatus == "" {
		p.SyncStatus = model.SyncPending
	}

	var q, args, err = sqlx.Named(upsertProductSQL, p)
	if err != nil {
		return false, fmt.Errorf("binding product upsert: %w", err)
	}
	var dst struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err = s.db.GetContext(ctx, &dst, s.rebind(q), args...); err != nil {
		return false, classify(fmt.Errorf("upserting product: %w", err))
	}
	p.ID = dst.ID
	p.CreatedAt = dst.CreatedAt
	return dst.CreatedAt.Equal(now), nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	var err = s.db.GetContext(ctx, &p, s.rebind(`SELECT * FROM products WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", Key: id}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading product: %w", err))
	}
	return &p, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, clientID, merchantSKU string) (*model.Product, error) {
	var p model.Product
	var err = s.db.GetContext(ctx, &p, s.rebind(
		`SELECT * FROM products WHERE client_id = ? AND merchant_sku = ?`), clientID, merchantSKU)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", Key: merchantSKU}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading product: %w", err))
	}
	return &p, nil
}

// GetProductByFFNID resolves a fulfillment-network product id back to the
// local catalog item, for stock reports keyed by warehouse identity.
func (s *Store) GetProductByFFNID(ctx context.Context, clientID, ffnProductID string) (*model.Product, error) {
	var p model.Product
	var err = s.db.GetContext(ctx, &p, s.rebind(
		`SELECT * FROM products WHERE client_id = ? AND ffn_product_id = ?`), clientID, ffnProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", Key: ffnProductID}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading product: %w", err))
	}
	return &p, nil
}

// GetProductByExternalID resolves a channel's product id through the link
// table.
func (s *Store) GetProductByExternalID(ctx context.Context, channelID, externalProductID string) (*model.Product, error) {
	var p model.Product
	var err = s.db.GetContext(ctx, &p, s.rebind(`
		SELECT p.* FROM products p
		JOIN product_channels pc ON pc.product_id = p.id
		WHERE pc.channel_id = ? AND pc.external_product_id = ?`),
		channelID, externalProductID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "product", Key: externalProductID}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading product: %w", err))
	}
	return &p, nil
}

// LinkProductChannel records under which external id a channel lists the
// product. Re-linking an existing pair just refreshes the external id.
func (s *Store) LinkProductChannel(ctx context.Context, productID, channelID, externalProductID string) error {
	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO product_channels (id, product_id, channel_id, external_product_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, channel_id) DO UPDATE SET
			external_product_id = excluded.external_product_id`),
		uuid.NewString(), productID, channelID, externalProductID, nowUTC())
	if err != nil {
		return classify(fmt.Errorf("linking product channel: %w", err))
	}
	return nil
}

func (s *Store) ProductChannels(ctx context.Context, productID string) ([]model.ProductChannel, error) {
	var out []model.ProductChannel
	var err = s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM product_channels WHERE product_id = ? ORDER BY created_at`), productID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing product channels: %w", err))
	}
	return out, nil
}

// UnlinkProductChannel removes one channel listing. When the last link goes,
// the product itself is deleted and historical order lines keep their SKU
// snapshot with a cleared product reference. Returns true when the product
// was deleted.
func (s *Store) UnlinkProductChannel(ctx context.Context, channelID, externalProductID string) (bool, error) {
	var deleted bool
	var err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		var productID string
		var err = tx.GetContext(ctx, &productID, s.rebind(`
			SELECT product_id FROM product_channels
			WHERE channel_id = ? AND external_product_id = ?`),
			channelID, externalProductID)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Entity: "product link", Key: externalProductID}
		} else if err != nil {
			return fmt.Errorf("resolving product link: %w", err)
		}

		if _, err = tx.ExecContext(ctx, s.rebind(`
			DELETE FROM product_channels WHERE channel_id = ? AND product_id = ?`),
			channelID, productID); err != nil {
			return fmt.Errorf("removing product link: %w", err)
		}

		var remaining int
		if err = tx.GetContext(ctx, &remaining, s.rebind(
			`SELECT COUNT(*) FROM product_channels WHERE product_id = ?`), productID); err != nil {
			return fmt.Errorf("counting product links: %w", err)
		}
		if remaining > 0 {
			return nil
		}

		if _, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE order_items SET product_id = NULL WHERE product_id = ?`), productID); err != nil {
			return fmt.Errorf("detaching order items: %w", err)
		}
		if _, err = tx.ExecContext(ctx, s.rebind(
			`DELETE FROM products WHERE id = ?`), productID); err != nil {
			return fmt.Errorf("deleting product: %w", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// ListProductsPendingSync returns catalog items waiting to be mirrored into
// the fulfillment network.
func (s *Store) ListProductsPendingSync(ctx context.Context, clientID string, limit int) ([]model.Product, error) {
	var out []model.Product
	var err = s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM products
		WHERE client_id = ? AND sync_status = ?
		ORDER BY updated_at
		LIMIT ?`), clientID, model.SyncPending, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("listing pending products: %w", err))
	}
	return out, nil
}

func (s *Store) MarkProductSynced(ctx context.Context, productID, ffnProductID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE products SET ffn_product_id = ?, sync_status = ?, updated_at = ? WHERE id = ?`),
		ffnProductID, model.SyncSynced, nowUTC(), productID)
	if err != nil {
		return classify(fmt.Errorf("marking product synced: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "product", Key: productID}
	}
	return nil
}

func (s *Store) MarkProductSyncError(ctx context.Context, productID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE products SET sync_status = ?, updated_at = ? WHERE id = ?`),
		model.SyncError, nowUTC(), productID)
	if err != nil {
		return classify(fmt.Errorf("marking product sync error: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "product", Key: productID}
	}
	return nil
}

// UpdateProductStock records warehouse counters reported by the fulfillment
// network.
func (s *Store) UpdateProductStock(ctx context.Context, productID string, available, reserved int) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE products SET stock_available = ?, stock_reserved = ?, updated_at = ? WHERE id = ?`),
		available, reserved, nowUTC(), productID)
	if err != nil {
		return classify(fmt.Errorf("updating product stock: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "product", Key: productID}
	}
	return nil
}
