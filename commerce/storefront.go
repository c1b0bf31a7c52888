package commerce

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

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/model"
)

// Storefront is the cursor-paged platform. Listings follow the Link
// header: the first request carries the filters, follow-up requests carry
// only the opaque page_info cursor the platform minted for exactly those
// filters.
type Storefront struct {
	channel   model.Channel
	base      string
	token     string
	hc        *http.Client
	pageSleep time.Duration
}

func NewStorefront(channel model.Channel, creds Credentials, opts ...Option) *Storefront {
	var o = buildOptions(opts)
	return &Storefront{
		channel:   channel,
		base:      strings.TrimRight(channel.BaseURL, "/"),
		token:     creds.APIKey,
		hc:        o.hc,
		pageSleep: o.pageSleep,
	}
}

type storefrontAddress struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2"`
	City        string `json:"city"`
	Zip         string `json:"zip"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone"`
}

type storefrontLineItem struct {
	ID       int64  `json:"id"`
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type storefrontOrder struct {
	ID                int64                `json:"id"`
	Name              string               `json:"name"`
	OrderNumber       int64                `json:"order_number"`
	Email             string               `json:"email"`
	CreatedAt         *time.Time           `json:"created_at"`
	UpdatedAt         *time.Time           `json:"updated_at"`
	CancelledAt       *time.Time           `json:"cancelled_at"`
	ClosedAt          *time.Time           `json:"closed_at"`
	FinancialStatus   string               `json:"financial_status"`
	FulfillmentStatus string               `json:"fulfillment_status"`
	Currency          string               `json:"currency"`
	TotalPrice        string               `json:"total_price"`
	Note              string               `json:"note"`
	ShippingAddress   *storefrontAddress   `json:"shipping_address"`
	BillingAddress    *storefrontAddress   `json:"billing_address"`
	LineItems         []storefrontLineItem `json:"line_items"`
}

type storefrontVariant struct {
	ID                int64  `json:"id"`
	SKU               string `json:"sku"`
	Title             string `json:"title"`
	Price             string `json:"price"`
	Grams             int    `json:"grams"`
	InventoryQuantity int    `json:"inventory_quantity"`
}

type storefrontProduct struct {
	ID       int64               `json:"id"`
	Title    string              `json:"title"`
	BodyHTML string              `json:"body_html"`
	Variants []storefrontVariant `json:"variants"`
	Images   []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type storefrontRefund struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"order_id"`
	Note            string `json:"note"`
	RefundLineItems []struct {
		Quantity int `json:"quantity"`
		LineItem struct {
			SKU string `json:"sku"`
		} `json:"line_item"`
	} `json:"refund_line_items"`
}

type storefrontFulfillmentOrder struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type storefrontFulfillment struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	TrackingInfo *struct {
		Number  string `json:"number"`
		Company string `json:"company"`
		URL     string `json:"url"`
	} `json:"tracking_info,omitempty"`
}

// ParseStorefrontOrder normalizes a storefront order document into the
// canonical model. API listings and webhook bodies share this shape.
func ParseStorefrontOrder(channel model.Channel, raw []byte) (*model.Order, error) {
	var so storefrontOrder
	if err := json.Unmarshal(raw, &so); err != nil {
		return nil, fmt.Errorf("decoding storefront order: %w", err)
	}
	if so.ID == 0 {
		return nil, fmt.Errorf("storefront order carries no id")
	}
	return storefrontToOrder(channel, &so)
}

func storefrontToOrder(channel model.Channel, so *storefrontOrder) (*model.Order, error) {
	var total, err = parseAmount(so.TotalPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing storefront order %d total: %w", so.ID, err)
	}

	var number = strings.TrimPrefix(so.Name, "#")
	if number == "" && so.OrderNumber > 0 {
		number = strconv.FormatInt(so.OrderNumber, 10)
	}

	var o = &model.Order{
		ClientID:         channel.ClientID,
		ChannelID:        &channel.ID,
		OrderNumber:      number,
		ExternalOrderID:  strconv.FormatInt(so.ID, 10),
		OrderOrigin:      model.OriginStorefront,
		Status:           storefrontOrderStatus(so),
		FulfillmentState: model.FulfillmentPending,
		PaymentStatus:    so.FinancialStatus,
		Currency:         so.Currency,
		Total:            total,
	}
	if so.CancelledAt != nil {
		o.IsCancelled = true
		o.CancelledAt = so.CancelledAt
	}
	o.ShippingAddress = storefrontAddr(so.ShippingAddress, so.Email)
	o.BillingAddress = storefrontAddr(so.BillingAddress, so.Email)

	for i, li := range so.LineItems {
		price, err := parseAmount(li.Price)
		if err != nil {
			return nil, fmt.Errorf("parsing storefront order %d line %d price: %w", so.ID, li.ID, err)
		}
		o.Items = append(o.Items, model.OrderItem{
			SKU:         itemSKU(li.SKU, i),
			ProductName: li.Title,
			Quantity:    li.Quantity,
			UnitPrice:   price,
			LineTotal:   price.Mul(decimal.NewFromInt(int64(li.Quantity))),
		})
	}
	return o, nil
}

func storefrontAddr(a *storefrontAddress, email string) model.Address {
	if a == nil {
		return model.Address{Email: email}
	}
	return model.Address{
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Company:   a.Company,
		Street:    a.Address1,
		Addition:  a.Address2,
		City:      a.City,
		Zip:       a.Zip,
		Country:   a.CountryCode,
		Phone:     a.Phone,
		Email:     email,
	}
}

// ParseStorefrontProduct fans a storefront product out into canonical
// products, one per variant that carries a SKU.
func ParseStorefrontProduct(channel model.Channel, raw []byte) ([]ChannelProduct, error) {
	var sp storefrontProduct
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("decoding storefront product: %w", err)
	}
	if sp.ID == 0 {
		return nil, fmt.Errorf("storefront product carries no id")
	}
	return storefrontToProducts(channel, &sp), nil
}

func storefrontToProducts(channel model.Channel, sp *storefrontProduct) []ChannelProduct {
	var externalID = strconv.FormatInt(sp.ID, 10)
	var imageURL string
	if len(sp.Images) > 0 {
		imageURL = sp.Images[0].Src
	}

	var out []ChannelProduct
	for _, v := range sp.Variants {
		if v.SKU == "" {
			log.WithFields(log.Fields{
				"channel": channel.ID,
				"product": sp.ID,
				"variant": v.ID,
			}).Warn("skipping storefront variant without sku")
			continue
		}
		var name = sp.Title
		if v.Title != "" && v.Title != "Default Title" {
			name = sp.Title + " - " + v.Title
		}
		var price, err = parseAmount(v.Price)
		if err != nil {
			log.WithFields(log.Fields{
				"channel": channel.ID,
				"sku":     v.SKU,
				"error":   err,
			}).Warn("skipping storefront variant with unparseable price")
			continue
		}
		out = append(out, ChannelProduct{
			ExternalProductID: externalID,
			Product: model.Product{
				ClientID:    channel.ClientID,
				MerchantSKU: v.SKU,
				Name:        name,
				Description: sp.BodyHTML,
				UnitPrice:   price,
				WeightGrams: v.Grams,
				SyncStatus:  model.SyncPending,
				ImageURL:    imageURL,
			},
		})
	}
	return out
}

// ParseStorefrontRefund normalizes a storefront refund document. Line
// items without a SKU cannot be announced to the warehouse and are
// dropped.
func ParseStorefrontRefund(raw []byte) (*ChannelRefund, error) {
	var sr storefrontRefund
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("decoding storefront refund: %w", err)
	}
	if sr.ID == 0 || sr.OrderID == 0 {
		return nil, fmt.Errorf("storefront refund carries no id")
	}
	var r = &ChannelRefund{
		ExternalRefundID: strconv.FormatInt(sr.ID, 10),
		ExternalOrderID:  strconv.FormatInt(sr.OrderID, 10),
		Reason:           sr.Note,
	}
	for _, li := range sr.RefundLineItems {
		if li.LineItem.SKU == "" || li.Quantity <= 0 {
			continue
		}
		r.Items = append(r.Items, model.ReturnItem{
			SKU:      li.LineItem.SKU,
			Quantity: li.Quantity,
		})
	}
	return r, nil
}

func (s *Storefront) ListOrdersSince(ctx context.Context, since time.Time) ([]model.Order, error) {
	var q = url.Values{
		"limit":  {strconv.Itoa(pageSize)},
		"status": {"any"},
	}
	if !since.IsZero() {
		q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}

	var out []model.Order
	var next = s.base + "/api/orders.json?" + q.Encode()
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("storefront order listing exceeded %d pages", maxPages)
		}
		if page > 0 {
			if err := sleepPage(ctx, s.pageSleep); err != nil {
				return nil, err
			}
		}
		var env struct {
			Orders []storefrontOrder `json:"orders"`
		}
		link, err := s.call(ctx, http.MethodGet, next, nil, &env)
		if err != nil {
			return nil, err
		}
		for i := range env.Orders {
			o, err := storefrontToOrder(s.channel, &env.Orders[i])
			if err != nil {
				log.WithFields(log.Fields{
					"channel":    s.channel.ID,
					"externalId": env.Orders[i].ID,
					"error":      err,
				}).Warn("skipping unparseable storefront order")
				continue
			}
			out = append(out, *o)
		}
		next = link
	}
	return out, nil
}

func (s *Storefront) GetOrder(ctx context.Context, externalID string) (*model.Order, error) {
	var so, err = s.fetchOrder(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return storefrontToOrder(s.channel, so)
}

func (s *Storefront) fetchOrder(ctx context.Context, externalID string) (*storefrontOrder, error) {
	var env struct {
		Order storefrontOrder `json:"order"`
	}
	var _, err = s.call(ctx, http.MethodGet, s.orderURL(externalID, ""), nil, &env)
	if err != nil {
		return nil, err
	}
	return &env.Order, nil
}

func (s *Storefront) ListProductsSince(ctx context.Context, since time.Time) ([]ChannelProduct, error) {
	var q = url.Values{"limit": {strconv.Itoa(pageSize)}}
	if !since.IsZero() {
		q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}

	var out []ChannelProduct
	var next = s.base + "/api/products.json?" + q.Encode()
	for page := 0; next != ""; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("storefront product listing exceeded %d pages", maxPages)
		}
		if page > 0 {
			if err := sleepPage(ctx, s.pageSleep); err != nil {
				return nil, err
			}
		}
		var env struct {
			Products []storefrontProduct `json:"products"`
		}
		link, err := s.call(ctx, http.MethodGet, next, nil, &env)
		if err != nil {
			return nil, err
		}
		for i := range env.Products {
			out = append(out, storefrontToProducts(s.channel, &env.Products[i])...)
		}
		next = link
	}
	return out, nil
}

func (s *Storefront) GetProduct(ctx context.Context, externalID string) ([]ChannelProduct, error) {
	var env struct {
		Product storefrontProduct `json:"product"`
	}
	var _, err = s.call(ctx, http.MethodGet, s.base+"/api/products/"+url.PathEscape(externalID)+".json", nil, &env)
	if err != nil {
		return nil, err
	}
	return storefrontToProducts(s.channel, &env.Product), nil
}

// UpdateOrderStatus projects a canonical status onto the platform. The
// platform has no writable status field; closure and cancellation are the
// only projections, everything else is a no-op.
func (s *Storefront) UpdateOrderStatus(ctx context.Context, externalID string, status model.OrderStatus) error {
	switch status {
	case model.OrderStatusDelivered:
		var so, err = s.fetchOrder(ctx, externalID)
		if err != nil {
			return err
		}
		if so.ClosedAt != nil {
			return nil
		}
		_, err = s.call(ctx, http.MethodPost, s.orderURL(externalID, "/close"), nil, nil)
		return err
	case model.OrderStatusCancelled:
		return s.CancelOrder(ctx, externalID, "", false)
	}
	log.WithFields(log.Fields{
		"channel": s.channel.ID,
		"status":  status,
	}).Debug("status has no storefront projection")
	return nil
}

// CreateFulfillment runs the fulfillment-order handshake: look up the
// order's open fulfillment orders, then fulfill them in one request with
// the tracking attached. With nothing left open the order is already
// fulfilled and the call is a no-op, which absorbs redelivered jobs.
func (s *Storefront) CreateFulfillment(ctx context.Context, externalOrderID string, f Fulfillment) error {
	var env struct {
		FulfillmentOrders []storefrontFulfillmentOrder `json:"fulfillment_orders"`
	}
	var _, err = s.call(ctx, http.MethodGet, s.orderURL(externalOrderID, "/fulfillment_orders"), nil, &env)
	if err != nil {
		return err
	}

	type foRef struct {
		FulfillmentOrderID int64 `json:"fulfillment_order_id"`
	}
	var refs []foRef
	for _, fo := range env.FulfillmentOrders {
		switch fo.Status {
		case "open", "in_progress", "scheduled":
			refs = append(refs, foRef{FulfillmentOrderID: fo.ID})
		}
	}
	if len(refs) == 0 {
		log.WithFields(log.Fields{
			"channel":    s.channel.ID,
			"externalId": externalOrderID,
		}).Info("order already fulfilled on storefront")
		return nil
	}

	var body = map[string]any{
		"fulfillment": map[string]any{
			"line_items_by_fulfillment_order": refs,
			"notify_customer":                 f.NotifyCustomer,
			"tracking_info": map[string]string{
				"number":  f.Tracking.TrackingNumber,
				"company": f.Tracking.Carrier,
				"url":     f.Tracking.TrackingURL,
			},
		},
	}
	_, err = s.call(ctx, http.MethodPost, s.base+"/api/fulfillments.json", body, nil)
	return err
}

// UpdateTracking replaces the tracking on the order's latest fulfillment.
// An order with no fulfillment yet gets one created instead.
func (s *Storefront) UpdateTracking(ctx context.Context, externalOrderID string, info model.TrackingInfo) error {
	var env struct {
		Fulfillments []storefrontFulfillment `json:"fulfillments"`
	}
	var _, err = s.call(ctx, http.MethodGet, s.orderURL(externalOrderID, "/fulfillments"), nil, &env)
	if err != nil {
		return err
	}
	if len(env.Fulfillments) == 0 {
		return s.CreateFulfillment(ctx, externalOrderID, Fulfillment{Tracking: info})
	}

	var latest = env.Fulfillments[len(env.Fulfillments)-1]
	var body = map[string]any{
		"fulfillment": map[string]any{
			"notify_customer": false,
			"tracking_info": map[string]string{
				"number":  info.TrackingNumber,
				"company": info.Carrier,
				"url":     info.TrackingURL,
			},
		},
	}
	var path = s.base + "/api/fulfillments/" + strconv.FormatInt(latest.ID, 10) + "/update_tracking.json"
	_, err = s.call(ctx, http.MethodPost, path, body, nil)
	return err
}

func (s *Storefront) CancelOrder(ctx context.Context, externalID, reason string, restock bool) error {
	var so, err = s.fetchOrder(ctx, externalID)
	if err != nil {
		return err
	}
	if so.CancelledAt != nil {
		return nil
	}
	var body = map[string]any{"restock": restock}
	if reason != "" {
		body["reason"] = reason
	}
	_, err = s.call(ctx, http.MethodPost, s.orderURL(externalID, "/cancel"), body, nil)
	return err
}

func (s *Storefront) orderURL(externalID, suffix string) string {
	return s.base + "/api/orders/" + url.PathEscape(externalID) + suffix + ".json"
}

// call performs one request and returns the next-page URL from the Link
// header, empty when the listing is exhausted.
func (s *Storefront) call(ctx context.Context, method, rawURL string, in, out any) (string, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return "", fmt.Errorf("encoding storefront request: %w", err)
		}
	}
	var req, err = http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building storefront request: %w", err)
	}
	req.Header.Set("X-Access-Token", s.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling storefront %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading storefront response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &APIError{
			Platform: "storefront",
			Op:       method + " " + req.URL.Path,
			Status:   resp.StatusCode,
			Body:     truncate(string(body), 512),
		}
	}
	if out != nil && len(body) > 0 {
		if err = json.Unmarshal(body, out); err != nil {
			return "", fmt.Errorf("decoding storefront response: %w", err)
		}
	}
	return nextPageURL(resp.Header.Get("Link")), nil
}

// nextPageURL extracts the rel="next" target from a Link header.
func nextPageURL(link string) string {
	for _, part := range strings.Split(link, ",") {
		var segs = strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		var target = strings.Trim(strings.TrimSpace(segs[0]), "<>")
		for _, attr := range segs[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func itemSKU(sku string, index int) string {
	if sku != "" {
		return sku
	}
	// Items the platform never assigned a SKU still need a stable key for
	// the outbound payload.
	return fmt.Sprintf("NO-SKU-%d", index+1)
}
