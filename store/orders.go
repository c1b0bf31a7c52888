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

// orderRow flattens the address snapshots into scalar columns. Everything
// else maps through the embedded model.
type orderRow struct {
	model.Order
	ShipFirstName string `db:"ship_firstname"`
	ShipLastName  string `db:"ship_lastname"`
	ShipCompany   string `db:"ship_company"`
	ShipStreet    string `db:"ship_street"`
	ShipAddition  string `db:"ship_addition"`
	ShipCity      string `db:"ship_city"`
	ShipZip       string `db:"ship_zip"`
	ShipCountry   string `db:"ship_country"`
	ShipPhone     string `db:"ship_phone"`
	ShipEmail     string `db:"ship_email"`
	BillFirstName string `db:"bill_firstname"`
	BillLastName  string `db:"bill_lastname"`
	BillCompany   string `db:"bill_company"`
	BillStreet    string `db:"bill_street"`
	BillAddition  string `db:"bill_addition"`
	BillCity      string `db:"bill_city"`
	BillZip       string `db:"bill_zip"`
	BillCountry   string `db:"bill_country"`
	BillPhone     string `db:"bill_phone"`
	BillEmail     string `db:"bill_email"`
}

func newOrderRow(o *model.Order) orderRow {
	return orderRow{
		Order:         *o,
		ShipFirstName: o.ShippingAddress.FirstName,
		ShipLastName:  o.ShippingAddress.LastName,
		ShipCompany:   o.ShippingAddress.Company,
		ShipStreet:    o.ShippingAddress.Street,
		ShipAddition:  o.ShippingAddress.Addition,
		ShipCity:      o.ShippingAddress.City,
		ShipZip:       o.ShippingAddress.Zip,
		ShipCountry:   o.ShippingAddress.Country,
		ShipPhone:     o.ShippingAddress.Phone,
		ShipEmail:     o.ShippingAddress.Email,
		BillFirstName: o.BillingAddress.FirstName,
		BillLastName:  o.BillingAddress.LastName,
		BillCompany:   o.BillingAddress.Company,
		BillStreet:    o.BillingAddress.Street,
		BillAddition:  o.BillingAddress.Addition,
		BillCity:      o.BillingAddress.City,
		BillZip:       o.BillingAddress.Zip,
		BillCountry:   o.BillingAddress.Country,
		BillPhone:     o.BillingAddress.Phone,
		BillEmail:     o.BillingAddress.Email,
	}
}

func (r *orderRow) order() *model.Order {
	var o = r.Order
	o.ShippingAddress = model.Address{
		FirstName: r.ShipFirstName,
		LastName:  r.ShipLastName,
		Company:   r.ShipCompany,
		Street:    r.ShipStreet,
		Addition:  r.ShipAddition,
		City:      r.ShipCity,
		Zip:       r.ShipZip,
		Country:   r.ShipCountry,
		Phone:     r.ShipPhone,
		Email:     r.ShipEmail,
	}
	o.BillingAddress = model.Address{
		FirstName: r.BillFirstName,
		LastName:  r.BillLastName,
		Company:   r.BillCompany,
		Street:    r.BillStreet,
		Addition:  r.BillAddition,
		City:      r.BillCity,
		Zip:       r.BillZip,
		Country:   r.BillCountry,
		Phone:     r.BillPhone,
		Email:     r.BillEmail,
	}
	return &o
}

// The conflict branch touches only commerce-owned columns. Warehouse
// provenance (ffn_outbound_id, fulfillment_state, tracking) and hold state
// survive replayed ingestions untouched.
const upsertOrderSQL = `
INSERT INTO orders (
	id, client_id, channel_id, order_number, external_order_id, order_origin,
	status, fulfillment_state, payment_status,
	is_on_hold, hold_reason, hold_placed_at, hold_placed_by,
	hold_released_at, hold_released_by, payment_hold_override,
	ship_firstname, ship_lastname, ship_company, ship_street, ship_addition,
	ship_city, ship_zip, ship_country, ship_phone, ship_email,
	bill_firstname, bill_lastname, bill_company, bill_street, bill_addition,
	bill_city, bill_zip, bill_country, bill_phone, bill_email,
	total, currency,
	ffn_outbound_id, last_ffn_sync_at, ffn_sync_error, commerce_sync_error,
	last_synced_to_commerce, sync_status,
	shipped_at, delivered_at, tracking_number, carrier, tracking_url,
	priority_level, is_cancelled, cancelled_at, cancelled_by,
	cancellation_reason, is_replacement,
	last_operational_update_by, last_operational_update_at,
	created_at, updated_at
) VALUES (
	:id, :client_id, :channel_id, :order_number, :external_order_id, :order_origin,
	:status, :fulfillment_state, :payment_status,
	:is_on_hold, :hold_reason, :hold_placed_at, :hold_placed_by,
	:hold_released_at, :hold_released_by, :payment_hold_override,
	:ship_firstname, :ship_lastname, :ship_company, :ship_street, :ship_addition,
	:ship_city, :ship_zip, :ship_country, :ship_phone, :ship_email,
	:bill_firstname, :bill_lastname, :bill_company, :bill_street, :bill_addition,
	:bill_city, :bill_zip, :bill_country, :bill_phone, :bill_email,
	:total, :currency,
	:ffn_outbound_id, :last_ffn_sync_at, :ffn_sync_error, :commerce_sync_error,
	:last_synced_to_commerce, :sync_status,
	:shipped_at, :delivered_at, :tracking_number, :carrier, :tracking_url,
	:priority_level, :is_cancelled, :cancelled_at, :cancelled_by,
	:cancellation_reason, :is_replacement,
	:last_operational_update_by, :last_operational_update_at,
	:created_at, :updated_at
)
ON CONFLICT(client_id, external_order_id) DO UPDATE SET
	order_number = excluded.order_number,
	status = excluded.status,
	payment_status = excluded.payment_status,
	ship_firstname = excluded.ship_firstname,
	ship_lastname = excluded.ship_lastname,
	ship_company = excluded.ship_company,
	ship_street = excluded.ship_street,
	ship_addition = excluded.ship_addition,
	ship_city = excluded.ship_city,
	ship_zip = excluded.ship_zip,
	ship_country = excluded.ship_country,
	ship_phone = excluded.ship_phone,
	ship_email = excluded.ship_email,
	bill_firstname = excluded.bill_firstname,
	bill_lastname = excluded.bill_lastname,
	bill_company = excluded.bill_company,
	bill_street = excluded.bill_street,
	bill_addition = excluded.bill_addition,
	bill_city = excluded.bill_city,
	bill_zip = excluded.bill_zip,
	bill_country = excluded.bill_country,
	bill_phone = excluded.bill_phone,
	bill_email = excluded.bill_email,
	total = excluded.total,
	currency = excluded.currency,
	updated_at = excluded.updated_at
RETURNING id, created_at`

// UpsertOrder inserts a freshly ingested order or refreshes the
// commerce-owned columns of an existing one, keyed on the channel's external
// id. Line items, when provided, replace the stored snapshot. Returns true
// when the order was first seen. o.ID and o.CreatedAt are rewritten to the
// persisted row's values, so a poller and a webhook racing on the same
// external order converge on one row.
func (s *Store) UpsertOrder(ctx context.Context, o *model.Order) (bool, error) {
	var now = nowUTC()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = model.OrderStatusPending
	}
	if o.FulfillmentState == "" {
		o.FulfillmentState = model.FulfillmentPending
	}
	if o.SyncStatus == "" {
		o.SyncStatus = model.SyncPending
	}

	var created bool
	var err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		var q, args, err = sqlx.Named(upsertOrderSQL, newOrderRow(o))
		if err != nil {
			return fmt.Errorf("binding order upsert: %w", err)
		}
		var dst struct {
			ID        string    `db:"id"`
			CreatedAt time.Time `db:"created_at"`
		}
		if err = tx.GetContext(ctx, &dst, s.rebind(q), args...); err != nil {
			return fmt.Errorf("upserting order: %w", err)
		}
		o.ID = dst.ID
		o.CreatedAt = dst.CreatedAt
		created = dst.CreatedAt.Equal(now)

		if len(o.Items) > 0 {
			return s.replaceOrderItems(ctx, tx, o.ID, o.Items)
		}
		return nil
	})
	return created, err
}

func (s *Store) replaceOrderItems(ctx context.Context, tx *sqlx.Tx, orderID string, items []model.OrderItem) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM order_items WHERE order_id = ?`), orderID); err != nil {
		return fmt.Errorf("clearing order items: %w", err)
	}
	for i := range items {
		var it = &items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = orderID
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO order_items (id, order_id, product_id, sku, product_name, quantity, unit_price, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			it.ID, it.OrderID, it.ProductID, it.SKU, it.ProductName, it.Quantity, it.UnitPrice, it.LineTotal); err != nil {
			return fmt.Errorf("inserting order item: %w", err)
		}
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.getOrderWhere(ctx, `id = ?`, id)
}

func (s *Store) GetOrderByExternalID(ctx context.Context, clientID, externalOrderID string) (*model.Order, error) {
	return s.getOrderWhere(ctx, `client_id = ? AND external_order_id = ?`, clientID, externalOrderID)
}

// GetOrderByFFNOutboundID resolves a fulfillment-network outbound back to
// the local order, scoped to one tenant.
func (s *Store) GetOrderByFFNOutboundID(ctx context.Context, clientID, outboundID string) (*model.Order, error) {
	return s.getOrderWhere(ctx, `client_id = ? AND ffn_outbound_id = ?`, clientID, outboundID)
}

func (s *Store) getOrderWhere(ctx context.Context, where string, args ...any) (*model.Order, error) {
	var row orderRow
	var err = s.db.GetContext(ctx, &row, s.rebind(`SELECT * FROM orders WHERE `+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "order", Key: fmt.Sprint(args...)}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading order: %w", err))
	}
	var o = row.order()
	if o.Items, err = s.OrderItems(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// OrderItems returns the stored line items of an order, ordered by SKU for
// stable dispatch payloads.
func (s *Store) OrderItems(ctx context.Context, orderID string) ([]model.OrderItem, error) {
	var items []model.OrderItem
	var err = s.db.SelectContext(ctx, &items, s.rebind(
		`SELECT * FROM order_items WHERE order_id = ? ORDER BY sku, id`), orderID)
	if err != nil {
		return nil, classify(fmt.Errorf("loading order items: %w", err))
	}
	return items, nil
}

const updateOrderSQL = `
UPDATE orders SET
	order_number = :order_number,
	status = :status,
	fulfillment_state = :fulfillment_state,
	payment_status = :payment_status,
	is_on_hold = :is_on_hold,
	hold_reason = :hold_reason,
	hold_placed_at = :hold_placed_at,
	hold_placed_by = :hold_placed_by,
	hold_released_at = :hold_released_at,
	hold_released_by = :hold_released_by,
	payment_hold_override = :payment_hold_override,
	ship_firstname = :ship_firstname,
	ship_lastname = :ship_lastname,
	ship_company = :ship_company,
	ship_street = :ship_street,
	ship_addition = :ship_addition,
	ship_city = :ship_city,
	ship_zip = :ship_zip,
	ship_country = :ship_country,
	ship_phone = :ship_phone,
	ship_email = :ship_email,
	bill_firstname = :bill_firstname,
	bill_lastname = :bill_lastname,
	bill_company = :bill_company,
	bill_street = :bill_street,
	bill_addition = :bill_addition,
	bill_city = :bill_city,
	bill_zip = :bill_zip,
	bill_country = :bill_country,
	bill_phone = :bill_phone,
	bill_email = :bill_email,
	total = :total,
	currency = :currency,
	ffn_outbound_id = :ffn_outbound_id,
	last_ffn_sync_at = :last_ffn_sync_at,
	ffn_sync_error = :ffn_sync_error,
	commerce_sync_error = :commerce_sync_error,
	last_synced_to_commerce = :last_synced_to_commerce,
	sync_status = :sync_status,
	shipped_at = :shipped_at,
	delivered_at = :delivered_at,
	tracking_number = :tracking_number,
	carrier = :carrier,
	tracking_url = :tracking_url,
	priority_level = :priority_level,
	is_cancelled = :is_cancelled,
	cancelled_at = :cancelled_at,
	cancelled_by = :cancelled_by,
	cancellation_reason = :cancellation_reason,
	is_replacement = :is_replacement,
	last_operational_update_by = :last_operational_update_by,
	last_operational_update_at = :last_operational_update_at,
	updated_at = :updated_at
WHERE id = :id`

// UpdateOrder writes the full mutable row. Identity columns and line items
// are untouched; callers that change items go through UpsertOrder.
func (s *Store) UpdateOrder(ctx context.Context, o *model.Order) error {
	o.UpdatedAt = nowUTC()
	var q, args, err = sqlx.Named(updateOrderSQL, newOrderRow(o))
	if err != nil {
		return fmt.Errorf("binding order update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return classify(fmt.Errorf("updating order: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: o.ID}
	}
	return nil
}

// MarkOrderDispatched records a successful handoff to the fulfillment
// network. The fulfillment state is left alone: it stays at its PENDING
// initial for fresh orders, and a dispatch recovered after a crash never
// walks back progress the warehouse already reported.
func (s *Store) MarkOrderDispatched(ctx context.Context, orderID, outboundID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET
			ffn_outbound_id = ?,
			sync_status = ?,
			last_ffn_sync_at = ?,
			ffn_sync_error = NULL,
			updated_at = ?
		WHERE id = ?`),
		outboundID, model.SyncSynced, nowUTC(), nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("marking order dispatched: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

// MarkOrderSyncError records a permanently failed dispatch attempt.
func (s *Store) MarkOrderSyncError(ctx context.Context, orderID, message string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET sync_status = ?, ffn_sync_error = ?, updated_at = ? WHERE id = ?`),
		model.SyncError, message, nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("marking order sync error: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

// MarkOrderCommerceSynced records that the origin channel has been told about
// fulfillment.
func (s *Store) MarkOrderCommerceSynced(ctx context.Context, orderID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET last_synced_to_commerce = ?, commerce_sync_error = NULL, updated_at = ? WHERE id = ?`),
		nowUTC(), nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("marking order commerce-synced: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

func (s *Store) MarkOrderCommerceSyncError(ctx context.Context, orderID, message string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET commerce_sync_error = ?, updated_at = ? WHERE id = ?`),
		message, nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("marking order commerce sync error: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

// PlaceOrderHold parks an order. A previous release record is cleared so the
// audit trail of the current hold reads coherently.
func (s *Store) PlaceOrderHold(ctx context.Context, orderID string, reason model.HoldReason, placedBy string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET
			is_on_hold = ?, hold_reason = ?, hold_placed_at = ?, hold_placed_by = ?,
			hold_released_at = NULL, hold_released_by = NULL, updated_at = ?
		WHERE id = ?`),
		true, reason, nowUTC(), placedBy, nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("placing order hold: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

// ReleaseOrderHold lifts a hold. paymentOverride additionally marks the order
// as cleared for dispatch regardless of its reported payment status.
func (s *Store) ReleaseOrderHold(ctx context.Context, orderID, releasedBy string, paymentOverride bool) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE orders SET
			is_on_hold = ?, hold_released_at = ?, hold_released_by = ?,
			payment_hold_override = (payment_hold_override OR ?), updated_at = ?
		WHERE id = ?`),
		false, nowUTC(), releasedBy, paymentOverride, nowUTC(), orderID)
	if err != nil {
		return classify(fmt.Errorf("releasing order hold: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "order", Key: orderID}
	}
	return nil
}

// ListUnsyncedPaidOrders returns up to limit dispatch candidates, oldest
// first: never handed to the fulfillment network, not cancelled, not a
// replacement, and payment-cleared. Payment and shipping-method holds block
// a candidate; other hold reasons only deprioritize the outbound and do not.
// A manual payment override clears everything. Line items are not loaded.
func (s *Store) ListUnsyncedPaidOrders(ctx context.Context, clientID string, limit int) ([]model.Order, error) {
	var q, args, err = sqlx.In(`
		SELECT * FROM orders
		WHERE client_id = ?
		  AND ffn_outbound_id IS NULL
		  AND is_cancelled = ?
		  AND is_replacement = ?
		  AND (
			(payment_status IN (?) AND NOT (is_on_hold AND hold_reason IN (?, ?)))
			OR payment_hold_override = ?
		  )
		ORDER BY created_at, id
		LIMIT ?`,
		clientID, false, false, model.SafePaymentStatuses(),
		model.HoldAwaitingPayment, model.HoldShippingMethodMismatch, true, limit)
	if err != nil {
		return nil, fmt.Errorf("binding sweep query: %w", err)
	}
	return s.selectOrders(ctx, q, args...)
}

// ListShippedUnreconciled returns channel-originated orders the warehouse has
// shipped but the channel has not yet been told about.
func (s *Store) ListShippedUnreconciled(ctx context.Context, clientID string, limit int) ([]model.Order, error) {
	var states = []model.FulfillmentState{
		model.FulfillmentShipped, model.FulfillmentInTransit, model.FulfillmentDelivered,
	}
	var q, args, err = sqlx.In(`
		SELECT * FROM orders
		WHERE client_id = ?
		  AND channel_id IS NOT NULL
		  AND fulfillment_state IN (?)
		  AND last_synced_to_commerce IS NULL
		  AND is_cancelled = ?
		ORDER BY updated_at, id
		LIMIT ?`,
		clientID, states, false, limit)
	if err != nil {
		return nil, fmt.Errorf("binding reconcile query: %w", err)
	}
	return s.selectOrders(ctx, q, args...)
}

func (s *Store) selectOrders(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	var rows []orderRow
	var err = s.db.SelectContext(ctx, &rows, s.rebind(q), args...)
	if err != nil {
		return nil, classify(fmt.Errorf("listing orders: %w", err))
	}
	var out = make([]model.Order, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].order())
	}
	return out, nil
}
