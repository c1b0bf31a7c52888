package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parcelry/bridge/model"
)

// ActiveClients returns all tenants eligible for scheduling, oldest first.
func (s *Store) ActiveClients(ctx context.Context) ([]model.Client, error) {
	var out []model.Client
	var err = s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM clients WHERE is_active = ? ORDER BY created_at`), true)
	if err != nil {
		return nil, classify(fmt.Errorf("listing clients: %w", err))
	}
	return out, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*model.Client, error) {
	var c model.Client
	var err = s.db.GetContext(ctx, &c, s.rebind(`SELECT * FROM clients WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "client", Key: id}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading client: %w", err))
	}
	return &c, nil
}

// UpsertClient inserts or updates a tenant. A zero ID is assigned.
func (s *Store) UpsertClient(ctx context.Context, c *model.Client) error {
	var now = nowUTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO clients (id, name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`),
		c.ID, c.Name, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("upserting client: %w", err))
	}
	return nil
}

// ActiveChannels returns the sync-enabled channels of one tenant.
func (s *Store) ActiveChannels(ctx context.Context, clientID string) ([]model.Channel, error) {
	var out []model.Channel
	var err = s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM channels
		WHERE client_id = ? AND is_active = ? AND sync_enabled = ?
		ORDER BY created_at`), clientID, true, true)
	if err != nil {
		return nil, classify(fmt.Errorf("listing channels: %w", err))
	}
	return out, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	var ch model.Channel
	var err = s.db.GetContext(ctx, &ch, s.rebind(`SELECT * FROM channels WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "channel", Key: id}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading channel: %w", err))
	}
	return &ch, nil
}

func (s *Store) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	var now = nowUTC()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	ch.UpdatedAt = now

	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO channels (
			id, client_id, channel_type, name, base_url, api_key, api_secret,
			is_active, sync_enabled, last_order_poll_at, last_product_poll_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_type = excluded.channel_type,
			name = excluded.name,
			base_url = excluded.base_url,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			is_active = excluded.is_active,
			sync_enabled = excluded.sync_enabled,
			updated_at = excluded.updated_at`),
		ch.ID, ch.ClientID, ch.ChannelType, ch.Name, ch.BaseURL, ch.APIKey, ch.APISecret,
		ch.IsActive, ch.SyncEnabled, utcPtr(ch.LastOrderPollAt), utcPtr(ch.LastProductPollAt),
		ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("upserting channel: %w", err))
	}
	return nil
}

// SetChannelOrderCursor persists the order poll watermark after a successful
// incremental pass. The caller subtracts its overlap window before use, so
// the stored value is the wall-clock start of the completed poll.
func (s *Store) SetChannelOrderCursor(ctx context.Context, channelID string, at time.Time) error {
	return s.setChannelCursor(ctx, channelID, "last_order_poll_at", at)
}

// SetChannelProductCursor persists the product poll watermark.
func (s *Store) SetChannelProductCursor(ctx context.Context, channelID string, at time.Time) error {
	return s.setChannelCursor(ctx, channelID, "last_product_poll_at", at)
}

func (s *Store) setChannelCursor(ctx context.Context, channelID, column string, at time.Time) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE channels SET `+column+` = ?, updated_at = ? WHERE id = ?`),
		at.UTC(), nowUTC(), channelID)
	if err != nil {
		return classify(fmt.Errorf("updating poll cursor: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "channel", Key: channelID}
	}
	return nil
}

// FFNConfigForClient returns the tenant's fulfillment-network configuration,
// active or not. NotFoundError when the tenant was never connected.
func (s *Store) FFNConfigForClient(ctx context.Context, clientID string) (*model.FFNConfig, error) {
	var cfg model.FFNConfig
	var err = s.db.GetContext(ctx, &cfg, s.rebind(
		`SELECT * FROM jtl_configs WHERE client_id = ?`), clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "ffn config", Key: clientID}
	} else if err != nil {
		return nil, classify(fmt.Errorf("loading ffn config: %w", err))
	}
	return &cfg, nil
}

// ActiveFFNConfigs returns every active fulfillment-network configuration,
// for loops that iterate tenants by credential rather than by channel.
func (s *Store) ActiveFFNConfigs(ctx context.Context) ([]model.FFNConfig, error) {
	var out []model.FFNConfig
	var err = s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM jtl_configs WHERE is_active = ? ORDER BY created_at`), true)
	if err != nil {
		return nil, classify(fmt.Errorf("listing ffn configs: %w", err))
	}
	return out, nil
}

func (s *Store) UpsertFFNConfig(ctx context.Context, cfg *model.FFNConfig) error {
	var now = nowUTC()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jtl_configs (
			id, client_id, oauth_client_id, client_secret, access_token,
			refresh_token, token_expires_at, environment, fulfiller_id,
			warehouse_id, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			oauth_client_id = excluded.oauth_client_id,
			client_secret = excluded.client_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			environment = excluded.environment,
			fulfiller_id = excluded.fulfiller_id,
			warehouse_id = excluded.warehouse_id,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`),
		cfg.ID, cfg.ClientID, cfg.OAuthClientID, cfg.ClientSecret, cfg.AccessToken,
		cfg.RefreshToken, utcPtr(cfg.TokenExpiresAt), cfg.Environment, cfg.FulfillerID,
		cfg.WarehouseID, cfg.IsActive, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("upserting ffn config: %w", err))
	}
	return nil
}

// SaveFFNTokens persists a rotated token set. Refresh grants rotate the
// refresh token too, so both are written together with the new expiry.
func (s *Store) SaveFFNTokens(ctx context.Context, configID, accessToken, refreshToken string, expiresAt time.Time) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE jtl_configs
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`),
		accessToken, refreshToken, expiresAt.UTC(), nowUTC(), configID)
	if err != nil {
		return classify(fmt.Errorf("saving tokens: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "ffn config", Key: configID}
	}
	return nil
}

// DeactivateFFNConfig parks a configuration whose refresh token was revoked.
// Sync loops skip inactive configurations until an operator reconnects.
func (s *Store) DeactivateFFNConfig(ctx context.Context, configID string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE jtl_configs SET is_active = ?, updated_at = ? WHERE id = ?`),
		false, nowUTC(), configID)
	if err != nil {
		return classify(fmt.Errorf("deactivating ffn config: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "ffn config", Key: configID}
	}
	return nil
}

// utcPtr normalizes an optional timestamp to UTC for storage.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	var u = t.UTC()
	return &u
}
