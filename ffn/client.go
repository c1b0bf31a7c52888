// Package ffn speaks the fulfillment network's REST API: outbound orders,
// article master data, stocks, inbound return deliveries, and the polled
// update feeds. One Client serves one tenant configuration; token refresh
// and retry-after-401 are handled internally so callers see plain typed
// results and errors.
package ffn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	productionBaseURL  = "https://ffn.api.jtl-software.com/api/v1"
	sandboxBaseURL     = "https://ffn-sandbox.api.jtl-software.com/api/v1"
	productionTokenURL = "https://oauth.jtl-software.com/token"
	sandboxTokenURL    = "https://oauth-sandbox.jtl-software.com/token"

	defaultPageSleep = 200 * time.Millisecond
	maxUpdatePages   = 100
	stockPageSize    = 50
	skuCacheSize     = 2048
	maxResponseBytes = 4 << 20
)

// BaseURL maps an environment name to the API host. Anything that is not
// production resolves to the sandbox.
func BaseURL(environment string) string {
	if isProduction(environment) {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// TokenURL maps an environment name to the OAuth token endpoint.
func TokenURL(environment string) string {
	if isProduction(environment) {
		return productionTokenURL
	}
	return sandboxTokenURL
}

func isProduction(environment string) bool {
	switch strings.ToLower(environment) {
	case "production", "prod", "live":
		return true
	}
	return false
}

type ClientConfig struct {
	Environment string
	// BaseURL overrides the environment's API host, for tests.
	BaseURL     string
	Tokens      *TokenSource
	FulfillerID string
	WarehouseID string
	HTTPClient  *http.Client
	PageSleep   time.Duration
}

// Client is a tenant-scoped handle on the fulfillment network.
type Client struct {
	base        string
	hc          *http.Client
	tokens      *TokenSource
	fulfillerID string
	warehouseID string
	pageSleep   time.Duration

	// merchantSku -> jfsku. Only successful lookups are cached; a miss may
	// become a hit after product sync.
	skuCache *lru.Cache[string, string]
}

func NewClient(cfg ClientConfig) (*Client, error) {
	var skuCache, err = lru.New[string, string](skuCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building sku cache: %w", err)
	}
	var c = &Client{
		base:        cfg.BaseURL,
		hc:          cfg.HTTPClient,
		tokens:      cfg.Tokens,
		fulfillerID: cfg.FulfillerID,
		warehouseID: cfg.WarehouseID,
		pageSleep:   cfg.PageSleep,
		skuCache:    skuCache,
	}
	if c.base == "" {
		c.base = BaseURL(cfg.Environment)
	}
	if c.hc == nil {
		c.hc = &http.Client{Timeout: 30 * time.Second}
	}
	if c.pageSleep == 0 {
		c.pageSleep = defaultPageSleep
	}
	if c.tokens == nil {
		return nil, &MissingCredentialsError{Reason: "no token source configured"}
	}
	return c, nil
}

// WarehouseID reports the warehouse this client dispatches into.
func (c *Client) WarehouseID() string { return c.warehouseID }

// FulfillerID reports the fulfiller this client dispatches through.
func (c *Client) FulfillerID() string { return c.fulfillerID }

// CreateOutbound registers a new outbound order. The network assigns the
// outbound id and initial status on the returned document.
func (c *Client) CreateOutbound(ctx context.Context, ob Outbound) (*Outbound, error) {
	if ob.FulfillerID == "" {
		ob.FulfillerID = c.fulfillerID
	}
	if ob.WarehouseID == "" {
		ob.WarehouseID = c.warehouseID
	}
	var created Outbound
	if err := c.do(ctx, http.MethodPost, "/outbounds", nil, ob, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetOutbound(ctx context.Context, outboundID string) (*Outbound, error) {
	var ob Outbound
	if err := c.do(ctx, http.MethodGet, "/outbounds/"+url.PathEscape(outboundID), nil, nil, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

// OutboundByMerchantNumber looks an outbound up by the merchant's own
// number. Nil without error when the network has never seen it.
func (c *Client) OutboundByMerchantNumber(ctx context.Context, number string) (*Outbound, error) {
	var q = url.Values{
		"$filter": {"merchantOutboundNumber eq " + odataQuote(number)},
		"$top":    {"1"},
	}
	var page listPage[Outbound]
	if err := c.do(ctx, http.MethodGet, "/outbounds", q, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, nil
	}
	return &page.Items[0], nil
}

// UpdateOutbound patches the operationally mutable fields of an outbound.
func (c *Client) UpdateOutbound(ctx context.Context, outboundID string, patch OutboundPatch) (*Outbound, error) {
	var ob Outbound
	if err := c.do(ctx, http.MethodPatch, "/outbounds/"+url.PathEscape(outboundID), nil, patch, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

// CancelOutbound asks the network to stop an outbound. The returned
// document's status tells whether the cancellation actually took: orders
// already picked may keep moving.
func (c *Client) CancelOutbound(ctx context.Context, outboundID string) (*Outbound, error) {
	var ob Outbound
	if err := c.do(ctx, http.MethodPost, "/outbounds/"+url.PathEscape(outboundID)+"/cancel", nil, nil, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

// OutboundUpdates drains the outbound change feed for the given window,
// following moreDataAvailable across pages.
func (c *Client) OutboundUpdates(ctx context.Context, from, to time.Time) ([]OutboundUpdate, error) {
	return drainUpdates[OutboundUpdate](ctx, c, "/outbounds/updates", from, to)
}

// ReturnUpdates drains the return change feed for the given window.
func (c *Client) ReturnUpdates(ctx context.Context, from, to time.Time) ([]ReturnUpdate, error) {
	return drainUpdates[ReturnUpdate](ctx, c, "/returns/updates", from, to)
}

// InboundUpdates drains the inbound change feed for the given window.
func (c *Client) InboundUpdates(ctx context.Context, from, to time.Time) ([]InboundUpdate, error) {
	return drainUpdates[InboundUpdate](ctx, c, "/inbounds/updates", from, to)
}

// ShippingNotifications lists the parcel notifications recorded for an
// outbound, oldest first.
func (c *Client) ShippingNotifications(ctx context.Context, outboundID string) ([]ShippingNotification, error) {
	var page listPage[ShippingNotification]
	var path = "/outbounds/" + url.PathEscape(outboundID) + "/shipping-notifications"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// CreateProduct registers an article and returns it with the network's
// jfsku assigned.
func (c *Client) CreateProduct(ctx context.Context, p Product) (*Product, error) {
	var created Product
	if err := c.do(ctx, http.MethodPost, "/products", nil, p, &created); err != nil {
		return nil, err
	}
	if created.JFSKU != "" {
		c.skuCache.Add(created.MerchantSKU, created.JFSKU)
	}
	return &created, nil
}

// UpdateProduct replaces the article identified by jfsku.
func (c *Client) UpdateProduct(ctx context.Context, jfsku string, p Product) (*Product, error) {
	var updated Product
	if err := c.do(ctx, http.MethodPut, "/products/"+url.PathEscape(jfsku), nil, p, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// ResolveSKU maps a merchant SKU to the network's jfsku, empty when the
// article is unknown remotely. Hits are cached per client.
func (c *Client) ResolveSKU(ctx context.Context, merchantSKU string) (string, error) {
	if jfsku, ok := c.skuCache.Get(merchantSKU); ok {
		return jfsku, nil
	}
	var q = url.Values{
		"$filter": {"merchantSku eq " + odataQuote(merchantSKU)},
		"$top":    {"1"},
	}
	var page listPage[Product]
	if err := c.do(ctx, http.MethodGet, "/products", q, nil, &page); err != nil {
		return "", err
	}
	if len(page.Items) == 0 || page.Items[0].JFSKU == "" {
		return "", nil
	}
	c.skuCache.Add(merchantSKU, page.Items[0].JFSKU)
	return page.Items[0].JFSKU, nil
}

// CreateInbound announces a return delivery to the warehouse.
func (c *Client) CreateInbound(ctx context.Context, in Inbound) (*Inbound, error) {
	if in.FulfillerID == "" {
		in.FulfillerID = c.fulfillerID
	}
	if in.WarehouseID == "" {
		in.WarehouseID = c.warehouseID
	}
	var created Inbound
	if err := c.do(ctx, http.MethodPost, "/inbounds", nil, in, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// WarehouseStocks pages through all stock records of the configured
// warehouse.
func (c *Client) WarehouseStocks(ctx context.Context) ([]Stock, error) {
	if c.warehouseID == "" {
		return nil, &MissingCredentialsError{Reason: "no warehouse configured"}
	}
	var path = "/warehouses/" + url.PathEscape(c.warehouseID) + "/stocks"
	var out []Stock
	for skip := 0; ; skip += stockPageSize {
		var q = url.Values{
			"$top":  {strconv.Itoa(stockPageSize)},
			"$skip": {strconv.Itoa(skip)},
		}
		var page listPage[Stock]
		if err := c.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if len(page.Items) < stockPageSize {
			return out, nil
		}
		if err := sleepPage(ctx, c.pageSleep); err != nil {
			return nil, err
		}
	}
}

// Fulfillers lists the fulfillers visible to the credentials. Cheap and
// side-effect free, which makes it the connectivity probe at startup.
func (c *Client) Fulfillers(ctx context.Context) ([]Fulfiller, error) {
	var page listPage[Fulfiller]
	if err := c.do(ctx, http.MethodGet, "/fulfillers", nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) Warehouses(ctx context.Context) ([]Warehouse, error) {
	var page listPage[Warehouse]
	if err := c.do(ctx, http.MethodGet, "/warehouses", nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) ShippingMethods(ctx context.Context) ([]ShippingMethod, error) {
	var page listPage[ShippingMethod]
	if err := c.do(ctx, http.MethodGet, "/shipping-methods", nil, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

type listPage[T any] struct {
	Items []T `json:"items"`
}

type updatePage[T any] struct {
	Items             []T  `json:"items"`
	MoreDataAvailable bool `json:"moreDataAvailable"`
}

// drainUpdates walks an update feed page by page until the network reports
// no more data. The page cap bounds a window that keeps growing faster
// than it drains; callers see an error and retry with a fresh window.
func drainUpdates[T any](ctx context.Context, c *Client, path string, from, to time.Time) ([]T, error) {
	var out []T
	for page := 1; page <= maxUpdatePages; page++ {
		var q = url.Values{
			"fromDate": {from.UTC().Format(time.RFC3339)},
			"toDate":   {to.UTC().Format(time.RFC3339)},
			"page":     {strconv.Itoa(page)},
		}
		var pg updatePage[T]
		if err := c.do(ctx, http.MethodGet, path, q, nil, &pg); err != nil {
			return nil, err
		}
		out = append(out, pg.Items...)
		if !pg.MoreDataAvailable {
			return out, nil
		}
		if err := sleepPage(ctx, c.pageSleep); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update feed %s exceeded %d pages for one window", path, maxUpdatePages)
}

// do performs one API call. A 401 invalidates the cached token and retries
// exactly once with a fresh one; every other non-2xx becomes an APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
	}

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		var token, err = c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.requestURL(path, query), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("building %s %s request: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		if resp, err = c.hc.Do(req); err != nil {
			return fmt.Errorf("calling %s %s: %w", method, path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.tokens.Invalidate()
			continue
		}
		break
	}
	defer resp.Body.Close()

	var body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{
			Op:     method + " " + path,
			Status: resp.StatusCode,
			Body:   truncate(string(body), 512),
		}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err = json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) requestURL(path string, query url.Values) string {
	var u = c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// odataQuote wraps a value for an OData $filter literal, doubling embedded
// quotes.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sleepPage(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
