package ffn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// Tokens within this window of expiry are refreshed before use, so
// co-scheduled calls share one refresh instead of racing the deadline.
const refreshWindow = 5 * time.Minute

// TokenStore persists rotated token material for one tenant configuration.
// Implementations receive plaintext values and own any at-rest encryption.
type TokenStore interface {
	SaveTokens(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) error
}

// TokenSourceConfig seeds a TokenSource with one tenant's OAuth state.
// Token values are plaintext; decrypt before constructing.
type TokenSourceConfig struct {
	// TokenURL overrides the environment's token endpoint.
	TokenURL     string
	Environment  string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	// ExpiresAt may be zero; it is then recovered from the access token's
	// exp claim where possible.
	ExpiresAt  time.Time
	HTTPClient *http.Client
	Store      TokenStore
}

// TokenSource hands out a valid access token, refreshing lazily inside the
// pre-expiry window. All state is guarded by one mutex, so concurrent
// callers of an expired source wait on a single refresh request.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	hc           *http.Client
	store        TokenStore

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	revoked      error
}

func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	var ts = &TokenSource{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		hc:           cfg.HTTPClient,
		store:        cfg.Store,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
		expiresAt:    cfg.ExpiresAt,
	}
	if ts.tokenURL == "" {
		ts.tokenURL = TokenURL(cfg.Environment)
	}
	if ts.hc == nil {
		ts.hc = &http.Client{Timeout: 10 * time.Second}
	}
	if ts.expiresAt.IsZero() && ts.accessToken != "" {
		ts.expiresAt = tokenExpiry(ts.accessToken)
	}
	return ts
}

// StaticTokenSource yields a fixed token and never refreshes.
func StaticTokenSource(token string) *TokenSource {
	return &TokenSource{
		accessToken: token,
		expiresAt:   time.Now().Add(24 * time.Hour),
	}
}

// Token returns a valid access token, refreshing first when the cached one
// is inside the expiry window.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.revoked != nil {
		return "", ts.revoked
	}
	if ts.accessToken != "" && time.Until(ts.expiresAt) > refreshWindow {
		return ts.accessToken, nil
	}
	if ts.refreshToken == "" {
		if ts.accessToken != "" {
			// No refresh grant: ride the current token until it is rejected.
			return ts.accessToken, nil
		}
		return "", &MissingCredentialsError{Reason: "no access or refresh token"}
	}
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.accessToken, nil
}

// Refresh rotates the token pair now, regardless of remaining lifetime.
func (ts *TokenSource) Refresh(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.revoked != nil {
		return ts.revoked
	}
	if ts.refreshToken == "" {
		return &MissingCredentialsError{Reason: "no refresh token"}
	}
	return ts.refreshLocked(ctx)
}

// Invalidate drops the cached access token after an authorization rejection,
// forcing the next Token call through a refresh.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.accessToken = ""
}

// ExpiresAt reports the cached token's deadline.
func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.expiresAt
}

func (ts *TokenSource) refreshLocked(ctx context.Context) error {
	var form = url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {ts.refreshToken},
	}
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ts.clientID, ts.clientSecret)

	resp, err := ts.hc.Do(req)
	if err != nil {
		return fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if revocationResponse(resp.StatusCode, string(body)) {
			ts.revoked = &TokenRevokedError{Detail: truncate(string(body), 256)}
			return ts.revoked
		}
		return &APIError{Op: "POST " + ts.tokenURL, Status: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err = json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("token response carries no access token")
	}

	ts.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		ts.refreshToken = tr.RefreshToken
	}
	switch {
	case tr.ExpiresIn > 0:
		ts.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	case !tokenExpiry(tr.AccessToken).IsZero():
		ts.expiresAt = tokenExpiry(tr.AccessToken)
	default:
		ts.expiresAt = time.Now().Add(time.Hour)
	}

	if ts.store != nil {
		if err = ts.store.SaveTokens(ctx, ts.accessToken, ts.refreshToken, ts.expiresAt); err != nil {
			// The in-memory pair is valid either way; the next rotation
			// persists again.
			log.WithField("error", err).Warn("failed to persist refreshed ffn tokens")
		}
	}
	log.WithFields(log.Fields{
		"expiresAt": ts.expiresAt.Format(time.RFC3339),
	}).Debug("ffn token refreshed")
	return nil
}

// revocationResponse recognizes the provider's phrasings for a dead refresh
// grant.
func revocationResponse(status int, body string) bool {
	if status != http.StatusBadRequest && status != http.StatusUnauthorized {
		return false
	}
	for _, marker := range []string{
		"refresh token is invalid",
		"Token has been revoked",
		"invalid_request",
	} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// tokenExpiry recovers the exp claim from a JWT access token without
// verifying its signature; the token is the provider's own, we only need
// the deadline. Zero for opaque tokens.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
