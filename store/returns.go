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

const upsertReturnSQL = `
INSERT INTO returns (
	id, client_id, order_id, external_refund_id, ffn_return_id, status,
	reason, sync_status, created_at, updated_at
) VALUES (
	:id, :client_id, :order_id, :external_refund_id, :ffn_return_id, :status,
	:reason, :sync_status, :created_at, :updated_at
)
ON CONFLICT(client_id, external_refund_id) DO UPDATE SET
	reason = excluded.reason,
	updated_at = excluded.updated_at
RETURNING id, created_at`

// UpsertReturn records a refund-driven return, keyed by the channel's refund
// id so replayed refund webhooks stay idempotent. Returns true on first
// sight.
func (s *Store) UpsertReturn(ctx context.Context, r *model.Return) (bool, error) {
	var now = nowUTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = model.ReturnReceived
	}
	if r.SyncStatus == "" {
		r.SyncStatus = model.SyncPending
	}

	var created bool
	var err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		var q, args, err = sqlx.Named(upsertReturnSQL, r)
		if err != nil {
			return fmt.Errorf("binding return upsert: %w", err)
		}
		var dst struct {
			ID        string    `db:"id"`
			CreatedAt time.Time `db:"created_at"`
		}
		if err = tx.GetContext(ctx, &dst, s.rebind(q), args...); err != nil {
			return fmt.Errorf("upserting return: %w", err)
		}
		r.ID = dst.ID
		r.CreatedAt = dst.CreatedAt
		created = dst.CreatedAt.Equal(now)

		if len(r.Items) == 0 {
			return nil
		}
		if _, err = tx.ExecContext(ctx, s.rebind(
			`DELETE FROM return_items WHERE return_id = ?`), r.ID); err != nil {
			return fmt.Errorf("clearing return items: %w", err)
		}
		for i := range r.Items {
			var it = &r.Items[i]
			if it.ID == "" {
				it.ID = uuid.NewString()
			}
			it.ReturnID = r.ID
			if _, err = tx.ExecContext(ctx, s.rebind(`
				INSERT INTO return_items (id, return_id, sku, quantity)
				VALUES (?, ?, ?, ?)`),
				it.ID, it.ReturnID, it.SKU, it.Quantity); err != nil {
				return fmt.Errorf("inserting return item: %w", err)
			}
		}
		return nil
	})
	return created, err
}

func (s *Store) GetReturn(ctx context.Context, id string) (*model.Return, error) {
	return s.getReturnWhere(ctx, `id = ?`, id)
}

// GetReturnByFFNID resolves a fulfillment-network inbound back to the local
// return record.
func (s *Store) GetReturnByFFNID(ctx context.Context, clientID, ffnReturnID string) (*model.Return, error) {
	return s.getReturnWhere(ctx, `client_id = ? AND ffn_return_id = ?`, clientID, ffnReturnID)
}

func (s *Store) getReturnWhere(ctx context.Context, where string, args ...any) (*model.Return, error) {
	var r model.Return
	var err = s.db.GetContext(ctx, &r, s.rebind(`SELECT * FROM returns WHERE `+where), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "return", Key: fmt.Sprint(args...)}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading return: %w", err))
	}
	if err = s.db.SelectContext(ctx, &r.Items, s.rebind(
		`SELECT * FROM return_items WHERE return_id = ? ORDER BY sku, id`), r.ID); err != nil {
		return nil, classify(fmt.Errorf("loading return items: %w", err))
	}
	return &r, nil
}

// ListReturnsPendingSync returns returns not yet announced to the
// fulfillment network.
func (s *Store) ListReturnsPendingSync(ctx context.Context, clientID string, limit int) ([]model.Return, error) {
	var out []model.Return
	var err = s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM returns
		WHERE client_id = ? AND sync_status = ?
		ORDER BY created_at
		LIMIT ?`), clientID, model.SyncPending, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("listing pending returns: %w", err))
	}
	return out, nil
}

func (s *Store) MarkReturnSynced(ctx context.Context, returnID, ffnReturnID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE returns SET ffn_return_id = ?, sync_status = ?, updated_at = ? WHERE id = ?`),
		ffnReturnID, model.SyncSynced, nowUTC(), returnID)
	if err != nil {
		return classify(fmt.Errorf("marking return synced: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "return", Key: returnID}
	}
	return nil
}

func (s *Store) MarkReturnSyncError(ctx context.Context, returnID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE returns SET sync_status = ?, updated_at = ? WHERE id = ?`),
		model.SyncError, nowUTC(), returnID)
	if err != nil {
		return classify(fmt.Errorf("marking return sync error: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "return", Key: returnID}
	}
	return nil
}

// UpdateReturnStatus advances a return through its warehouse lifecycle.
func (s *Store) UpdateReturnStatus(ctx context.Context, returnID string, status model.ReturnStatus) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE returns SET status = ?, updated_at = ? WHERE id = ?`),
		status, nowUTC(), returnID)
	if err != nil {
		return classify(fmt.Errorf("updating return status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "return", Key: returnID}
	}
	return nil
}
