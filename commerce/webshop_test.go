package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/model"
)

var webshopChannel = model.Channel{
	ID:          "ch-ws-1",
	ClientID:    "client-1",
	ChannelType: model.ChannelWebshop,
	Name:        "Shop",
}

func newTestWebshop(t *testing.T, handler http.Handler) *Webshop {
	t.Helper()
	var srv = httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var ch = webshopChannel
	ch.BaseURL = srv.URL
	return NewWebshop(ch, Credentials{APIKey: "ck", APISecret: "cs"}, WithPageSleep(time.Millisecond))
}

func TestParseWebshopOrder(t *testing.T) {
	var raw = []byte(`{
		"id": 15990,
		"number": "15990",
		"status": "processing",
		"currency": "EUR",
		"total": "29.99",
		"billing": {
			"first_name": "Max",
			"last_name": "Mustermann",
			"address_1": "Torstr. 1",
			"city": "Berlin",
			"postcode": "10115",
			"country": "DE",
			"email": "max@example.org",
			"phone": "+49 30 5678"
		},
		"shipping": {
			"first_name": "Max",
			"last_name": "Mustermann",
			"address_1": "Torstr. 1",
			"city": "Berlin",
			"postcode": "10115",
			"country": "DE"
		},
		"line_items": [
			{"id": 1, "sku": "ABC", "name": "Widget", "quantity": 1, "price": 19.99, "total": "19.99"},
			{"id": 2, "sku": "XYZ", "name": "Gadget", "quantity": 2, "price": 5, "total": "10.00"}
		]
	}`)

	var o, err = ParseWebshopOrder(webshopChannel, raw)
	require.NoError(t, err)

	require.Equal(t, "15990", o.ExternalOrderID)
	require.Equal(t, "15990", o.OrderNumber)
	require.Equal(t, model.OriginWebshop, o.OrderOrigin)
	require.Equal(t, model.OrderStatusProcessing, o.Status)
	require.Equal(t, "paid", o.PaymentStatus)
	require.Equal(t, model.FulfillmentPending, o.FulfillmentState)
	require.False(t, o.IsCancelled)
	require.Equal(t, "29.99", o.Total.StringFixed(2))

	require.Equal(t, "Berlin", o.ShippingAddress.City)
	require.Equal(t, "10115", o.ShippingAddress.Zip)
	require.Equal(t, "DE", o.ShippingAddress.Country)
	// Contact data lives on billing only and must carry over.
	require.Equal(t, "max@example.org", o.ShippingAddress.Email)
	require.Equal(t, "+49 30 5678", o.ShippingAddress.Phone)

	require.Len(t, o.Items, 2)
	require.Equal(t, "ABC", o.Items[0].SKU)
	require.Equal(t, "19.99", o.Items[0].UnitPrice.StringFixed(2))
	require.Equal(t, "XYZ", o.Items[1].SKU)
	require.Equal(t, "10.00", o.Items[1].LineTotal.StringFixed(2))
}

func TestParseWebshopOrderShippingFallback(t *testing.T) {
	var raw = []byte(`{
		"id": 16000,
		"status": "pending",
		"total": "5.00",
		"billing": {"first_name": "Max", "last_name": "M", "address_1": "Torstr. 1", "city": "Berlin", "postcode": "10115", "country": "DE", "email": "max@example.org"},
		"shipping": {},
		"line_items": []
	}`)

	var o, err = ParseWebshopOrder(webshopChannel, raw)
	require.NoError(t, err)
	require.Equal(t, "Torstr. 1", o.ShippingAddress.Street)
	require.Equal(t, "pending", o.PaymentStatus)
	require.Equal(t, model.OrderStatusPending, o.Status)
	// A numberless order falls back to its id.
	require.Equal(t, "16000", o.OrderNumber)
}

func TestWebshopStatusMapping(t *testing.T) {
	for token, want := range map[string]model.OrderStatus{
		"pending":    model.OrderStatusPending,
		"processing": model.OrderStatusProcessing,
		"on-hold":    model.OrderStatusOnHold,
		"completed":  model.OrderStatusDelivered,
		"cancelled":  model.OrderStatusCancelled,
		"refunded":   model.OrderStatusCancelled,
		"failed":     model.OrderStatusCancelled,
		"made-up":    model.OrderStatusPending,
	} {
		require.Equal(t, want, WebshopOrderStatus(token), "token %s", token)
	}

	require.Equal(t, "paid", WebshopPaymentStatus("processing"))
	require.Equal(t, "paid", WebshopPaymentStatus("completed"))
	require.Equal(t, "refunded", WebshopPaymentStatus("refunded"))
	require.Equal(t, "pending", WebshopPaymentStatus("on-hold"))
	require.Equal(t, "pending", WebshopPaymentStatus("pending"))
	require.True(t, model.PaymentStatusSafe(WebshopPaymentStatus("processing")))
	require.False(t, model.PaymentStatusSafe(WebshopPaymentStatus("pending")))
}

func TestWebshopListOrdersOffsetPaging(t *testing.T) {
	var mu sync.Mutex
	var offsets []string
	var auths []string

	var ws = newTestWebshop(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user, pass, _ = r.BasicAuth()
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		auths = append(auths, user+":"+pass)
		mu.Unlock()

		var n = 7
		if r.URL.Query().Get("offset") == "0" {
			n = pageSize
		}
		var batch []webshopOrder
		for i := 0; i != n; i++ {
			batch = append(batch, webshopOrder{
				ID:     int64(1000 + len(batch)),
				Status: "processing",
				Total:  "10.00",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(batch)
	}))

	var since = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	var orders, err = ws.ListOrdersSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, orders, pageSize+7)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"0", "50"}, offsets)
	for _, a := range auths {
		require.Equal(t, "ck:cs", a)
	}
}

func TestWebshopCreateFulfillment(t *testing.T) {
	var mu sync.Mutex
	var puts []webshopOrderPatch
	var paths []string

	var ws = newTestWebshop(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var patch webshopOrderPatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		mu.Lock()
		puts = append(puts, patch)
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":15990,"status":"completed"}`))
	}))

	var err = ws.CreateFulfillment(context.Background(), "15990", Fulfillment{
		Tracking: model.TrackingInfo{
			TrackingNumber: "00340001",
			Carrier:        "DHL Paket",
			TrackingURL:    "https://track.example/00340001",
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"PUT /api/v3/orders/15990"}, paths)
	require.Equal(t, "completed", puts[0].Status)
	require.Equal(t, []webshopMeta{
		{Key: "_tracking_number", Value: "00340001"},
		{Key: "_tracking_carrier", Value: "DHL Paket"},
		{Key: "_tracking_url", Value: "https://track.example/00340001"},
	}, puts[0].MetaData)
}

func TestWebshopUpdateStatusAndCancel(t *testing.T) {
	var mu sync.Mutex
	var puts []webshopOrderPatch

	var ws = newTestWebshop(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var patch webshopOrderPatch
		_ = json.NewDecoder(r.Body).Decode(&patch)
		mu.Lock()
		puts = append(puts, patch)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1}`))
	}))

	require.NoError(t, ws.UpdateOrderStatus(context.Background(), "1", model.OrderStatusDelivered))
	require.NoError(t, ws.CancelOrder(context.Background(), "1", "out of stock", false))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "completed", puts[0].Status)
	require.Equal(t, "cancelled", puts[1].Status)
	require.Equal(t, []webshopMeta{{Key: "_cancellation_reason", Value: "out of stock"}}, puts[1].MetaData)
}

func TestParseWebshopProduct(t *testing.T) {
	var raw = []byte(`{
		"id": 801,
		"name": "Camping Set",
		"sku": "SET-01",
		"type": "grouped",
		"price": "89.00",
		"weight": "2.4",
		"short_description": "Tent plus mug.",
		"images": [{"src": "https://cdn.example/set.jpg"}]
	}`)

	var cp, err = ParseWebshopProduct(webshopChannel, raw)
	require.NoError(t, err)
	require.Equal(t, "801", cp.ExternalProductID)
	require.Equal(t, "SET-01", cp.Product.MerchantSKU)
	require.True(t, cp.Product.IsBundle)
	require.Equal(t, 2400, cp.Product.WeightGrams)
	require.Equal(t, "89.00", cp.Product.UnitPrice.StringFixed(2))

	_, err = ParseWebshopProduct(webshopChannel, []byte(`{"id": 802, "name": "No SKU"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no sku")
}

func TestWebshopAPIError(t *testing.T) {
	var ws = newTestWebshop(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = fmt.Fprint(w, "upstream error")
	}))

	var _, err = ws.GetOrder(context.Background(), "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "webshop", apiErr.Platform)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.True(t, apiErr.Retryable())
	require.True(t, strings.Contains(apiErr.Error(), "upstream error"))
}

func TestSinceCursor(t *testing.T) {
	require.True(t, SinceCursor(nil).IsZero())

	var last = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.Equal(t, last.Add(-10*time.Minute), SinceCursor(&last))
}
