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

// Webshop is the offset-paged platform. There is no opaque cursor; pages
// advance by offset until a short page, so listings must be ordered by
// modification time to stay restartable.
type Webshop struct {
	channel   model.Channel
	base      string
	key       string
	secret    string
	hc        *http.Client
	pageSleep time.Duration
}

func NewWebshop(channel model.Channel, creds Credentials, opts ...Option) *Webshop {
	var o = buildOptions(opts)
	return &Webshop{
		channel:   channel,
		base:      strings.TrimRight(channel.BaseURL, "/"),
		key:       creds.APIKey,
		secret:    creds.APISecret,
		hc:        o.hc,
		pageSleep: o.pageSleep,
	}
}

type webshopAddress struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Address1  string `json:"address_1"`
	Address2  string `json:"address_2"`
	City      string `json:"city"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type webshopLineItem struct {
	ID       int64       `json:"id"`
	SKU      string      `json:"sku"`
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	// The platform serializes unit prices as bare numbers but totals as
	// strings.
	Price json.Number `json:"price"`
	Total string      `json:"total"`
}

type webshopMeta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type webshopOrder struct {
	ID           int64             `json:"id"`
	Number       string            `json:"number"`
	Status       string            `json:"status"`
	Currency     string            `json:"currency"`
	Total        string            `json:"total"`
	CustomerNote string            `json:"customer_note"`
	Billing      webshopAddress    `json:"billing"`
	Shipping     webshopAddress    `json:"shipping"`
	LineItems    []webshopLineItem `json:"line_items"`
}

type webshopProduct struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	SKU              string      `json:"sku"`
	Type             string      `json:"type"`
	Price            json.Number `json:"price"`
	Weight           string      `json:"weight"`
	ShortDescription string      `json:"short_description"`
	Images           []struct {
		Src string `json:"src"`
	} `json:"images"`
}

type webshopRefund struct {
	ID        int64  `json:"id"`
	OrderID   int64  `json:"order_id"`
	Reason    string `json:"reason"`
	LineItems []struct {
		SKU      string `json:"sku"`
		Quantity int    `json:"quantity"`
	} `json:"line_items"`
}

// webshopOrderPatch is the writable subset used for status pushes,
// fulfillment and cancellation.
type webshopOrderPatch struct {
	Status   string        `json:"status,omitempty"`
	MetaData []webshopMeta `json:"meta_data,omitempty"`
}

// ParseWebshopOrder normalizes a webshop order document into the
// canonical model. API listings and webhook bodies share this shape.
func ParseWebshopOrder(channel model.Channel, raw []byte) (*model.Order, error) {
	var wo webshopOrder
	if err := json.Unmarshal(raw, &wo); err != nil {
		return nil, fmt.Errorf("decoding webshop order: %w", err)
	}
	if wo.ID == 0 {
		return nil, fmt.Errorf("webshop order carries no id")
	}
	return webshopToOrder(channel, &wo)
}

func webshopToOrder(channel model.Channel, wo *webshopOrder) (*model.Order, error) {
	var total, err = parseAmount(wo.Total)
	if err != nil {
		return nil, fmt.Errorf("parsing webshop order %d total: %w", wo.ID, err)
	}

	var number = wo.Number
	if number == "" {
		number = strconv.FormatInt(wo.ID, 10)
	}

	var status = WebshopOrderStatus(wo.Status)
	var o = &model.Order{
		ClientID:         channel.ClientID,
		ChannelID:        &channel.ID,
		OrderNumber:      number,
		ExternalOrderID:  strconv.FormatInt(wo.ID, 10),
		OrderOrigin:      model.OriginWebshop,
		Status:           status,
		FulfillmentState: model.FulfillmentPending,
		PaymentStatus:    WebshopPaymentStatus(wo.Status),
		Currency:         wo.Currency,
		Total:            total,
		IsCancelled:      status == model.OrderStatusCancelled,
	}

	o.BillingAddress = webshopAddr(wo.Billing, wo.Billing)
	// The platform leaves shipping blank for digital or pickup orders;
	// contact fields only ever live on billing.
	if wo.Shipping.Address1 == "" && wo.Shipping.FirstName == "" {
		o.ShippingAddress = o.BillingAddress
	} else {
		o.ShippingAddress = webshopAddr(wo.Shipping, wo.Billing)
	}

	for i, li := range wo.LineItems {
		price, err := parseAmount(li.Price.String())
		if err != nil {
			return nil, fmt.Errorf("parsing webshop order %d line %d price: %w", wo.ID, li.ID, err)
		}
		lineTotal, err := parseAmount(li.Total)
		if err != nil || lineTotal.IsZero() {
			lineTotal = price.Mul(decimal.NewFromInt(int64(li.Quantity)))
		}
		o.Items = append(o.Items, model.OrderItem{
			SKU:         itemSKU(li.SKU, i),
			ProductName: li.Name,
			Quantity:    li.Quantity,
			UnitPrice:   price,
			LineTotal:   lineTotal,
		})
	}
	return o, nil
}

func webshopAddr(a, contact webshopAddress) model.Address {
	return model.Address{
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Company:   a.Company,
		Street:    a.Address1,
		Addition:  a.Address2,
		City:      a.City,
		Zip:       a.Postcode,
		Country:   a.Country,
		Phone:     contact.Phone,
		Email:     contact.Email,
	}
}

// ParseWebshopProduct normalizes a webshop product document. Products
// without a SKU cannot be keyed and are rejected.
func ParseWebshopProduct(channel model.Channel, raw []byte) (*ChannelProduct, error) {
	var wp webshopProduct
	if err := json.Unmarshal(raw, &wp); err != nil {
		return nil, fmt.Errorf("decoding webshop product: %w", err)
	}
	if wp.ID == 0 {
		return nil, fmt.Errorf("webshop product carries no id")
	}
	if wp.SKU == "" {
		return nil, fmt.Errorf("webshop product %d carries no sku", wp.ID)
	}
	return webshopToProduct(channel, &wp)
}

func webshopToProduct(channel model.Channel, wp *webshopProduct) (*ChannelProduct, error) {
	var price, err = parseAmount(wp.Price.String())
	if err != nil {
		return nil, fmt.Errorf("parsing webshop product %d price: %w", wp.ID, err)
	}
	var imageURL string
	if len(wp.Images) > 0 {
		imageURL = wp.Images[0].Src
	}
	return &ChannelProduct{
		ExternalProductID: strconv.FormatInt(wp.ID, 10),
		Product: model.Product{
			ClientID:    channel.ClientID,
			MerchantSKU: wp.SKU,
			Name:        wp.Name,
			Description: wp.ShortDescription,
			UnitPrice:   price,
			WeightGrams: weightGrams(wp.Weight),
			IsBundle:    wp.Type == "grouped" || wp.Type == "bundle",
			SyncStatus:  model.SyncPending,
			ImageURL:    imageURL,
		},
	}, nil
}

// weightGrams converts the platform's kilogram string to grams. Blank or
// malformed weights collapse to zero.
func weightGrams(w string) int {
	if w == "" {
		return 0
	}
	var kg, err = strconv.ParseFloat(w, 64)
	if err != nil {
		return 0
	}
	return int(kg * 1000)
}

// ParseWebshopRefund normalizes a webshop refund document. The platform
// reports refunded quantities as negatives; both signs are accepted.
func ParseWebshopRefund(raw []byte) (*ChannelRefund, error) {
	var wr webshopRefund
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("decoding webshop refund: %w", err)
	}
	if wr.ID == 0 || wr.OrderID == 0 {
		return nil, fmt.Errorf("webshop refund carries no id")
	}
	var r = &ChannelRefund{
		ExternalRefundID: strconv.FormatInt(wr.ID, 10),
		ExternalOrderID:  strconv.FormatInt(wr.OrderID, 10),
		Reason:           wr.Reason,
	}
	for _, li := range wr.LineItems {
		var qty = li.Quantity
		if qty < 0 {
			qty = -qty
		}
		if li.SKU == "" || qty == 0 {
			continue
		}
		r.Items = append(r.Items, model.ReturnItem{SKU: li.SKU, Quantity: qty})
	}
	return r, nil
}

func (w *Webshop) ListOrdersSince(ctx context.Context, since time.Time) ([]model.Order, error) {
	var out []model.Order
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("webshop order listing exceeded %d pages", maxPages)
		}
		if page > 0 {
			if err := sleepPage(ctx, w.pageSleep); err != nil {
				return nil, err
			}
		}
		var q = url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"offset":   {strconv.Itoa(page * pageSize)},
			"orderby":  {"modified"},
			"order":    {"asc"},
			"status":   {"any"},
		}
		if !since.IsZero() {
			q.Set("modified_after", since.UTC().Format(time.RFC3339))
		}
		var batch []webshopOrder
		if err := w.call(ctx, http.MethodGet, "/orders?"+q.Encode(), nil, &batch); err != nil {
			return nil, err
		}
		for i := range batch {
			o, err := webshopToOrder(w.channel, &batch[i])
			if err != nil {
				log.WithFields(log.Fields{
					"channel":    w.channel.ID,
					"externalId": batch[i].ID,
					"error":      err,
				}).Warn("skipping unparseable webshop order")
				continue
			}
			out = append(out, *o)
		}
		if len(batch) < pageSize {
			return out, nil
		}
	}
}

func (w *Webshop) GetOrder(ctx context.Context, externalID string) (*model.Order, error) {
	var wo webshopOrder
	if err := w.call(ctx, http.MethodGet, "/orders/"+url.PathEscape(externalID), nil, &wo); err != nil {
		return nil, err
	}
	return webshopToOrder(w.channel, &wo)
}

func (w *Webshop) ListProductsSince(ctx context.Context, since time.Time) ([]ChannelProduct, error) {
	var out []ChannelProduct
	for page := 0; ; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("webshop product listing exceeded %d pages", maxPages)
		}
		if page > 0 {
			if err := sleepPage(ctx, w.pageSleep); err != nil {
				return nil, err
			}
		}
		var q = url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"offset":   {strconv.Itoa(page * pageSize)},
			"orderby":  {"modified"},
			"order":    {"asc"},
		}
		if !since.IsZero() {
			q.Set("modified_after", since.UTC().Format(time.RFC3339))
		}
		var batch []webshopProduct
		if err := w.call(ctx, http.MethodGet, "/products?"+q.Encode(), nil, &batch); err != nil {
			return nil, err
		}
		for i := range batch {
			if batch[i].SKU == "" {
				log.WithFields(log.Fields{
					"channel": w.channel.ID,
					"product": batch[i].ID,
				}).Warn("skipping webshop product without sku")
				continue
			}
			cp, err := webshopToProduct(w.channel, &batch[i])
			if err != nil {
				log.WithFields(log.Fields{
					"channel":    w.channel.ID,
					"externalId": batch[i].ID,
					"error":      err,
				}).Warn("skipping unparseable webshop product")
				continue
			}
			out = append(out, *cp)
		}
		if len(batch) < pageSize {
			return out, nil
		}
	}
}

func (w *Webshop) GetProduct(ctx context.Context, externalID string) ([]ChannelProduct, error) {
	var wp webshopProduct
	if err := w.call(ctx, http.MethodGet, "/products/"+url.PathEscape(externalID), nil, &wp); err != nil {
		return nil, err
	}
	var cp, err = webshopToProduct(w.channel, &wp)
	if err != nil {
		return nil, err
	}
	return []ChannelProduct{*cp}, nil
}

// UpdateOrderStatus pushes a canonical status to the platform. The PUT is
// idempotent; re-sending the current status is a no-op remotely.
func (w *Webshop) UpdateOrderStatus(ctx context.Context, externalID string, status model.OrderStatus) error {
	var token, ok = webshopStatusTokens[status]
	if !ok {
		return fmt.Errorf("order status %s has no webshop token", status)
	}
	return w.call(ctx, http.MethodPut, "/orders/"+url.PathEscape(externalID),
		webshopOrderPatch{Status: token}, nil)
}

// CreateFulfillment marks the order completed and attaches the tracking
// as order metadata, which is the platform's native fulfillment shape.
func (w *Webshop) CreateFulfillment(ctx context.Context, externalOrderID string, f Fulfillment) error {
	return w.call(ctx, http.MethodPut, "/orders/"+url.PathEscape(externalOrderID), webshopOrderPatch{
		Status:   "completed",
		MetaData: trackingMeta(f.Tracking),
	}, nil)
}

// UpdateTracking rewrites the tracking metadata without touching the
// order status.
func (w *Webshop) UpdateTracking(ctx context.Context, externalOrderID string, info model.TrackingInfo) error {
	return w.call(ctx, http.MethodPut, "/orders/"+url.PathEscape(externalOrderID),
		webshopOrderPatch{MetaData: trackingMeta(info)}, nil)
}

// CancelOrder moves the order to cancelled. Restocking is the platform's
// own concern on this transition; the flag is accepted for contract
// symmetry and ignored.
func (w *Webshop) CancelOrder(ctx context.Context, externalID, reason string, restock bool) error {
	var patch = webshopOrderPatch{Status: "cancelled"}
	if reason != "" {
		patch.MetaData = []webshopMeta{{Key: "_cancellation_reason", Value: reason}}
	}
	return w.call(ctx, http.MethodPut, "/orders/"+url.PathEscape(externalID), patch, nil)
}

func trackingMeta(info model.TrackingInfo) []webshopMeta {
	return []webshopMeta{
		{Key: "_tracking_number", Value: info.TrackingNumber},
		{Key: "_tracking_carrier", Value: info.Carrier},
		{Key: "_tracking_url", Value: info.TrackingURL},
	}
}

func (w *Webshop) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding webshop request: %w", err)
		}
	}
	var req, err = http.NewRequestWithContext(ctx, method, w.base+"/api/v3"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webshop request: %w", err)
	}
	req.SetBasicAuth(w.key, w.secret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling webshop %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading webshop response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{
			Platform: "webshop",
			Op:       method + " " + path,
			Status:   resp.StatusCode,
			Body:     truncate(string(body), 512),
		}
	}
	if out != nil && len(body) > 0 {
		if err = json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding webshop response: %w", err)
		}
	}
	return nil
}
