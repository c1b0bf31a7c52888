package model

import "time"

// Client is a tenant: an isolated merchant account owning channels and at
// most one FFN configuration.
type Client struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	IsActive  bool      `db:"is_active" json:"isActive"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Channel binds a tenant to one commerce endpoint. Credentials are stored
// encrypted; decryption happens only when a client is constructed.
type Channel struct {
	ID          string      `db:"id" json:"id"`
	ClientID    string      `db:"client_id" json:"clientId"`
	ChannelType ChannelType `db:"channel_type" json:"channelType"`
	Name        string      `db:"name" json:"name"`
	BaseURL     string      `db:"base_url" json:"baseUrl"`
	// APIKey and APISecret are vault ciphertexts (or legacy plaintext rows
	// that SafeDecrypt passes through unchanged).
	APIKey            string     `db:"api_key" json:"-"`
	APISecret         string     `db:"api_secret" json:"-"`
	IsActive          bool       `db:"is_active" json:"isActive"`
	SyncEnabled       bool       `db:"sync_enabled" json:"syncEnabled"`
	LastOrderPollAt   *time.Time `db:"last_order_poll_at" json:"lastOrderPollAt,omitempty"`
	LastProductPollAt *time.Time `db:"last_product_poll_at" json:"lastProductPollAt,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// FFNConfig holds a tenant's fulfillment-network credentials and warehouse
// binding. One row per tenant. ClientSecret, AccessToken and RefreshToken
// are vault ciphertexts.
type FFNConfig struct {
	ID             string     `db:"id" json:"id"`
	ClientID       string     `db:"client_id" json:"clientId"`
	OAuthClientID  string     `db:"oauth_client_id" json:"oauthClientId"`
	ClientSecret   string     `db:"client_secret" json:"-"`
	AccessToken    string     `db:"access_token" json:"-"`
	RefreshToken   string     `db:"refresh_token" json:"-"`
	TokenExpiresAt *time.Time `db:"token_expires_at" json:"tokenExpiresAt,omitempty"`
	Environment    string     `db:"environment" json:"environment"` // sandbox | production
	FulfillerID    string     `db:"fulfiller_id" json:"fulfillerId"`
	WarehouseID    string     `db:"warehouse_id" json:"warehouseId"`
	IsActive       bool       `db:"is_active" json:"isActive"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

// HasRefreshToken reports whether proactive token refresh is possible.
func (c *FFNConfig) HasRefreshToken() bool { return c.RefreshToken != "" }
