package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parcelry/bridge/commerce"
	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/store"
	"github.com/parcelry/bridge/vault"
)

// Provider builds and caches per-tenant API clients. FFN clients are keyed
// by configuration fingerprint so every goroutine in the process shares one
// token source per tenant; that sharing is what keeps refresh single-flight
// and refresh-token rotation race-free within the process.
type Provider struct {
	store *store.Store
	vault *vault.Vault

	// Endpoint overrides for tests; empty means the environment's real
	// hosts.
	ffnBaseURL  string
	ffnTokenURL string

	// defaultEnv applies to configuration rows with a blank environment.
	defaultEnv string

	mu   sync.Mutex
	ffns map[string]ffnEntry
}

type ffnEntry struct {
	fingerprint string
	client      *ffn.Client
	tokens      *ffn.TokenSource
}

// ProviderOption adjusts how tenant clients are built.
type ProviderOption func(*Provider)

// WithFFNEndpoints points every tenant's client at fixed API and token
// URLs instead of the environment hosts. Tests and staging deployments
// aim this at a single fake network.
func WithFFNEndpoints(apiURL, tokenURL string) ProviderOption {
	return func(p *Provider) {
		p.ffnBaseURL = apiURL
		p.ffnTokenURL = tokenURL
	}
}

// WithDefaultEnvironment fills in the environment for tenants whose
// configuration row leaves it blank. The process-wide FFN_ENV lands here.
func WithDefaultEnvironment(env string) ProviderOption {
	return func(p *Provider) { p.defaultEnv = env }
}

func NewProvider(st *store.Store, v *vault.Vault, opts ...ProviderOption) *Provider {
	var p = &Provider{store: st, vault: v, ffns: make(map[string]ffnEntry)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FFN returns the fulfillment-network client for a tenant, building it on
// first use and rebuilding it whenever the stored configuration row changed
// since the cached client was constructed.
func (p *Provider) FFN(ctx context.Context, clientID string) (*ffn.Client, error) {
	var cfg, err = p.store.FFNConfigForClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, &ffn.MissingCredentialsError{Reason: "configuration for client " + clientID + " is deactivated"}
	}
	if cfg.Environment == "" {
		cfg.Environment = p.defaultEnv
	}

	var fp = cfg.ID + "|" + cfg.UpdatedAt.UTC().Format(time.RFC3339Nano)

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.ffns[clientID]; ok && e.fingerprint == fp {
		return e.client, nil
	}

	clientSecret, err := p.vault.SafeDecrypt(cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypting oauth client secret: %w", err)
	}
	accessToken, err := p.vault.SafeDecrypt(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	refreshToken, err := p.vault.SafeDecrypt(cfg.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	var expiresAt time.Time
	if cfg.TokenExpiresAt != nil {
		expiresAt = *cfg.TokenExpiresAt
	}
	var tokens = ffn.NewTokenSource(ffn.TokenSourceConfig{
		TokenURL:     p.ffnTokenURL,
		Environment:  cfg.Environment,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: clientSecret,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Store:        &tokenStore{store: p.store, vault: p.vault, configID: cfg.ID},
	})
	client, err := ffn.NewClient(ffn.ClientConfig{
		Environment: cfg.Environment,
		BaseURL:     p.ffnBaseURL,
		Tokens:      tokens,
		FulfillerID: cfg.FulfillerID,
		WarehouseID: cfg.WarehouseID,
	})
	if err != nil {
		return nil, err
	}

	p.ffns[clientID] = ffnEntry{fingerprint: fp, client: client, tokens: tokens}
	return client, nil
}

// Tokens exposes the cached token source for a tenant, if one is built.
// The proactive refresh loop uses it to refresh without issuing API calls.
func (p *Provider) Tokens(clientID string) (*ffn.TokenSource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.ffns[clientID]
	return e.tokens, ok
}

// Evict drops a tenant's cached client, forcing a rebuild on next use.
// Called after a configuration is deactivated or re-authorized.
func (p *Provider) Evict(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ffns, clientID)
}

// Commerce builds a channel client with decrypted credentials. Commerce
// clients are stateless, so they are constructed per call rather than
// cached.
func (p *Provider) Commerce(ch *model.Channel) (commerce.Client, error) {
	var key, err = p.vault.SafeDecrypt(ch.APIKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting channel api key: %w", err)
	}
	secret, err := p.vault.SafeDecrypt(ch.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decrypting channel api secret: %w", err)
	}
	return commerce.New(*ch, commerce.Credentials{APIKey: key, APISecret: secret})
}

// tokenStore persists refreshed tokens back to the tenant's configuration
// row, encrypting before they touch the database.
type tokenStore struct {
	store    *store.Store
	vault    *vault.Vault
	configID string
}

func (s *tokenStore) SaveTokens(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) error {
	var encAccess, err = s.vault.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	encRefresh, err := s.vault.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("encrypting refresh token: %w", err)
	}
	return s.store.SaveFFNTokens(ctx, s.configID, encAccess, encRefresh, expiresAt)
}
