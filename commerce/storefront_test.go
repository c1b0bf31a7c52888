package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/model"
)

var storefrontChannel = model.Channel{
	ID:          "ch-sf-1",
	ClientID:    "client-1",
	ChannelType: model.ChannelStorefront,
	Name:        "Main Store",
}

func newTestStorefront(t *testing.T, handler http.Handler) *Storefront {
	t.Helper()
	var srv = httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var ch = storefrontChannel
	ch.BaseURL = srv.URL
	return NewStorefront(ch, Credentials{APIKey: "sf-token"}, WithPageSleep(time.Millisecond))
}

func TestParseStorefrontOrder(t *testing.T) {
	var raw = []byte(`{
		"id": 450789469,
		"name": "#1001",
		"order_number": 1001,
		"email": "erika@example.org",
		"financial_status": "paid",
		"fulfillment_status": null,
		"cancelled_at": null,
		"currency": "EUR",
		"total_price": "44.00",
		"shipping_address": {
			"first_name": "Erika",
			"last_name": "Musterfrau",
			"address1": "Beispielweg 12",
			"address2": "Hinterhaus",
			"city": "Hamburg",
			"zip": "20095",
			"country_code": "DE",
			"phone": "+49 40 1234"
		},
		"billing_address": {
			"first_name": "Erika",
			"last_name": "Musterfrau",
			"address1": "Beispielweg 12",
			"city": "Hamburg",
			"zip": "20095",
			"country_code": "DE"
		},
		"line_items": [
			{"id": 1, "sku": "MUG-01", "title": "Stoneware Mug", "quantity": 2, "price": "14.50"},
			{"id": 2, "sku": "", "title": "Gift Wrap", "quantity": 1, "price": "15.00"}
		]
	}`)

	var o, err = ParseStorefrontOrder(storefrontChannel, raw)
	require.NoError(t, err)

	require.Equal(t, "client-1", o.ClientID)
	require.Equal(t, "ch-sf-1", *o.ChannelID)
	require.Equal(t, "450789469", o.ExternalOrderID)
	require.Equal(t, "1001", o.OrderNumber)
	require.Equal(t, model.OriginStorefront, o.OrderOrigin)
	require.Equal(t, model.OrderStatusProcessing, o.Status)
	require.Equal(t, model.FulfillmentPending, o.FulfillmentState)
	require.Equal(t, "paid", o.PaymentStatus)
	require.False(t, o.IsCancelled)
	require.Equal(t, "44.00", o.Total.StringFixed(2))

	require.Equal(t, "Beispielweg 12", o.ShippingAddress.Street)
	require.Equal(t, "Hinterhaus", o.ShippingAddress.Addition)
	require.Equal(t, "DE", o.ShippingAddress.Country)
	require.Equal(t, "erika@example.org", o.ShippingAddress.Email)
	require.Equal(t, "erika@example.org", o.BillingAddress.Email)

	require.Len(t, o.Items, 2)
	require.Equal(t, "MUG-01", o.Items[0].SKU)
	require.Equal(t, "29.00", o.Items[0].LineTotal.StringFixed(2))
	require.Equal(t, "NO-SKU-2", o.Items[1].SKU)

	// Cancellation wins over every other marker.
	var cancelled = []byte(`{"id": 1, "cancelled_at": "2026-03-01T10:00:00Z", "financial_status": "refunded", "total_price": "10.00"}`)
	o, err = ParseStorefrontOrder(storefrontChannel, cancelled)
	require.NoError(t, err)
	require.True(t, o.IsCancelled)
	require.Equal(t, model.OrderStatusCancelled, o.Status)
	require.NotNil(t, o.CancelledAt)
}

func TestStorefrontListOrdersFollowsLink(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page_info") == "" {
			w.Header().Set("Link", "<"+srv.URL+"/api/orders.json?limit=50&page_info=tok2>; rel=\"next\"")
			_, _ = w.Write([]byte(`{"orders":[{"id":1,"name":"#1001","financial_status":"paid","total_price":"10.00","currency":"EUR"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"orders":[{"id":2,"name":"#1002","financial_status":"paid","total_price":"20.00","currency":"EUR"}]}`))
	}))
	t.Cleanup(srv.Close)

	var ch = storefrontChannel
	ch.BaseURL = srv.URL
	var s = NewStorefront(ch, Credentials{APIKey: "sf-token"}, WithPageSleep(time.Millisecond))

	var since = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	var orders, err = s.ListOrdersSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "1", orders[0].ExternalOrderID)
	require.Equal(t, "2", orders[1].ExternalOrderID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	require.Contains(t, queries[0], "updated_at_min=2026-03-14T08%3A00%3A00Z")
	require.Contains(t, queries[1], "page_info=tok2")
	require.NotContains(t, queries[1], "updated_at_min")
}

func TestStorefrontCreateFulfillmentHandshake(t *testing.T) {
	var mu sync.Mutex
	var fulfillPosts []map[string]any

	var s = newTestStorefront(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/orders/42/fulfillment_orders.json":
			_, _ = w.Write([]byte(`{"fulfillment_orders":[{"id":700,"status":"open"},{"id":701,"status":"closed"}]}`))
		case r.URL.Path == "/api/orders/43/fulfillment_orders.json":
			_, _ = w.Write([]byte(`{"fulfillment_orders":[{"id":800,"status":"closed"}]}`))
		case r.URL.Path == "/api/fulfillments.json" && r.Method == http.MethodPost:
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			fulfillPosts = append(fulfillPosts, body)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"fulfillment":{"id":900,"status":"success"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	var f = Fulfillment{
		Tracking: model.TrackingInfo{
			TrackingNumber: "00340001",
			Carrier:        "DHL Paket",
			TrackingURL:    "https://track.example/00340001",
		},
		NotifyCustomer: true,
	}
	require.NoError(t, s.CreateFulfillment(context.Background(), "42", f))

	// Everything closed already: redelivery lands here and must not post.
	require.NoError(t, s.CreateFulfillment(context.Background(), "43", f))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fulfillPosts, 1)

	var fulfillment = fulfillPosts[0]["fulfillment"].(map[string]any)
	require.Equal(t, true, fulfillment["notify_customer"])

	var refs = fulfillment["line_items_by_fulfillment_order"].([]any)
	require.Len(t, refs, 1)
	require.Equal(t, float64(700), refs[0].(map[string]any)["fulfillment_order_id"])

	var tracking = fulfillment["tracking_info"].(map[string]any)
	require.Equal(t, "00340001", tracking["number"])
	require.Equal(t, "DHL Paket", tracking["company"])
}

func TestStorefrontCancelIdempotent(t *testing.T) {
	var cancelPosts atomic.Int32
	var s = newTestStorefront(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/orders/50.json":
			_, _ = w.Write([]byte(`{"order":{"id":50,"cancelled_at":"2026-03-01T10:00:00Z","total_price":"10.00"}}`))
		case r.URL.Path == "/api/orders/51.json":
			_, _ = w.Write([]byte(`{"order":{"id":51,"total_price":"10.00"}}`))
		case r.URL.Path == "/api/orders/51/cancel.json" && r.Method == http.MethodPost:
			cancelPosts.Add(1)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	require.NoError(t, s.CancelOrder(context.Background(), "50", "customer request", true))
	require.Equal(t, int32(0), cancelPosts.Load())

	require.NoError(t, s.CancelOrder(context.Background(), "51", "customer request", true))
	require.Equal(t, int32(1), cancelPosts.Load())
}

func TestStorefrontUpdateStatusProjections(t *testing.T) {
	var closePosts atomic.Int32
	var s = newTestStorefront(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/orders/60.json":
			_, _ = w.Write([]byte(`{"order":{"id":60,"total_price":"10.00"}}`))
		case r.URL.Path == "/api/orders/61.json":
			_, _ = w.Write([]byte(`{"order":{"id":61,"closed_at":"2026-03-01T10:00:00Z","total_price":"10.00"}}`))
		case r.URL.Path == "/api/orders/60/close.json" && r.Method == http.MethodPost:
			closePosts.Add(1)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	require.NoError(t, s.UpdateOrderStatus(context.Background(), "60", model.OrderStatusDelivered))
	require.Equal(t, int32(1), closePosts.Load())

	require.NoError(t, s.UpdateOrderStatus(context.Background(), "61", model.OrderStatusDelivered))
	require.Equal(t, int32(1), closePosts.Load())

	// PROCESSING has no storefront projection and must not call out.
	require.NoError(t, s.UpdateOrderStatus(context.Background(), "60", model.OrderStatusProcessing))
}

func TestParseStorefrontProductFansOutVariants(t *testing.T) {
	var raw = []byte(`{
		"id": 632910392,
		"title": "Stoneware Mug",
		"body_html": "<p>Hand glazed.</p>",
		"variants": [
			{"id": 1, "sku": "MUG-01-BLUE", "title": "Blue", "price": "14.50", "grams": 420, "inventory_quantity": 12},
			{"id": 2, "sku": "MUG-01-GREY", "title": "Grey", "price": "14.50", "grams": 420, "inventory_quantity": 3},
			{"id": 3, "sku": "", "title": "Sample", "price": "0.00", "grams": 0, "inventory_quantity": 0}
		],
		"images": [{"src": "https://cdn.example/mug.jpg"}]
	}`)

	var products, err = ParseStorefrontProduct(storefrontChannel, raw)
	require.NoError(t, err)
	require.Len(t, products, 2)

	require.Equal(t, "632910392", products[0].ExternalProductID)
	require.Equal(t, "MUG-01-BLUE", products[0].Product.MerchantSKU)
	require.Equal(t, "Stoneware Mug - Blue", products[0].Product.Name)
	require.Equal(t, 420, products[0].Product.WeightGrams)
	require.Equal(t, "https://cdn.example/mug.jpg", products[0].Product.ImageURL)
	require.Equal(t, model.SyncPending, products[0].Product.SyncStatus)
	require.Equal(t, "MUG-01-GREY", products[1].Product.MerchantSKU)
}
