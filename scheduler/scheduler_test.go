package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/ops"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
	"github.com/parcelry/bridge/vault"
)

func testStack(t *testing.T, opts ...lifecycle.ProviderOption) (*store.Store, *queue.Queue, *vault.Vault, *Supervisor) {
	t.Helper()
	var ctx = context.Background()
	var s, err = store.Open(ctx, "file:"+t.TempDir()+"/bridge.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	var q = queue.New(s.DB())
	v, err := vault.New(strings.Repeat("ab", 32))
	require.NoError(t, err)
	var e = lifecycle.NewEngine(s, q)
	var p = lifecycle.NewProvider(s, v, opts...)
	return s, q, v, New(Config{}, s, q, e, p)
}

func seedClient(t *testing.T, s *store.Store, name string) *model.Client {
	t.Helper()
	var client = &model.Client{Name: name, IsActive: true}
	require.NoError(t, s.UpsertClient(context.Background(), client))
	return client
}

func seedChannel(t *testing.T, s *store.Store, clientID, baseURL string) *model.Channel {
	t.Helper()
	var channel = &model.Channel{
		ClientID:    clientID,
		ChannelType: model.ChannelWebshop,
		Name:        "acme-shop",
		BaseURL:     baseURL,
		APIKey:      "ck_test",
		APISecret:   "cs_test",
		IsActive:    true,
		SyncEnabled: true,
	}
	require.NoError(t, s.UpsertChannel(context.Background(), channel))
	return channel
}

func seedFFNConfig(t *testing.T, s *store.Store, v *vault.Vault, clientID string, mut ...func(*model.FFNConfig)) *model.FFNConfig {
	t.Helper()
	var encSecret, err = v.Encrypt("oauth-secret")
	require.NoError(t, err)
	encAccess, err := v.Encrypt("access-1")
	require.NoError(t, err)
	var expires = time.Now().Add(time.Hour).UTC()
	var cfg = &model.FFNConfig{
		ClientID:       clientID,
		OAuthClientID:  "cid-1",
		ClientSecret:   encSecret,
		AccessToken:    encAccess,
		TokenExpiresAt: &expires,
		Environment:    "sandbox",
		FulfillerID:    "F-1",
		WarehouseID:    "WH-1",
		IsActive:       true,
	}
	for _, m := range mut {
		m(cfg)
	}
	require.NoError(t, s.UpsertFFNConfig(context.Background(), cfg))
	return cfg
}

func seedPaidOrder(t *testing.T, s *store.Store, client *model.Client, channel *model.Channel, externalID string) *model.Order {
	t.Helper()
	var addr = model.Address{
		FirstName: "Erika",
		LastName:  "Musterfrau",
		Street:    "Lindenstr. 12",
		City:      "Berlin",
		Zip:       "10115",
		Country:   "DE",
		Email:     "erika@example.com",
	}
	var o = &model.Order{
		ClientID:         client.ID,
		OrderNumber:      "A-" + externalID,
		ExternalOrderID:  externalID,
		OrderOrigin:      model.OriginWebshop,
		Status:           model.OrderStatusProcessing,
		FulfillmentState: model.FulfillmentPending,
		PaymentStatus:    "paid",
		ShippingAddress:  addr,
		BillingAddress:   addr,
		Total:            decimal.RequireFromString("19.90"),
		Currency:         "EUR",
		Items: []model.OrderItem{
			{SKU: "MUG-01", ProductName: "Enamel Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("9.95"), LineTotal: decimal.RequireFromString("19.90")},
		},
	}
	if channel != nil {
		o.ChannelID = &channel.ID
	}
	var _, err = s.UpsertOrder(context.Background(), o)
	require.NoError(t, err)
	return o
}

func seedProduct(t *testing.T, s *store.Store, clientID, sku string) *model.Product {
	t.Helper()
	var p = &model.Product{
		ClientID:    clientID,
		MerchantSKU: sku,
		Name:        "Article " + sku,
		UnitPrice:   decimal.RequireFromString("9.95"),
		SyncStatus:  model.SyncPending,
	}
	var _, err = s.UpsertProduct(context.Background(), p)
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// webshopStub serves the platform listing endpoints, recording the query
// of each order listing for cursor assertions.
type webshopStub struct {
	mu           sync.Mutex
	orders       []map[string]any
	products     []map[string]any
	orderQueries []url.Values
}

func (ws *webshopStub) handler() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("/api/v3/orders", func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		ws.orderQueries = append(ws.orderQueries, r.URL.Query())
		var items = ws.orders
		ws.mu.Unlock()
		writeJSON(w, items)
	})
	mux.HandleFunc("/api/v3/products", func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		var items = ws.products
		ws.mu.Unlock()
		writeJSON(w, items)
	})
	return mux
}

// ffnFeeds serves the update feeds and the warehouse stock listing.
type ffnFeeds struct {
	mu        sync.Mutex
	outbounds []ffn.OutboundUpdate
	returns   []ffn.ReturnUpdate
	inbounds  []ffn.InboundUpdate
	stocks    []ffn.Stock
	stockGets int
}

func (f *ffnFeeds) handler() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("/outbounds/updates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var items = f.outbounds
		f.mu.Unlock()
		writeJSON(w, map[string]any{"items": items, "moreDataAvailable": false})
	})
	mux.HandleFunc("/returns/updates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var items = f.returns
		f.mu.Unlock()
		writeJSON(w, map[string]any{"items": items, "moreDataAvailable": false})
	})
	mux.HandleFunc("/inbounds/updates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		var items = f.inbounds
		f.mu.Unlock()
		writeJSON(w, map[string]any{"items": items, "moreDataAvailable": false})
	})
	mux.HandleFunc("/warehouses/WH-1/stocks", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stockGets++
		var items = f.stocks
		f.mu.Unlock()
		writeJSON(w, map[string]any{"items": items})
	})
	return mux
}

func (f *ffnFeeds) stockRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stockGets
}

func TestIncrementalSyncUpsertsAndCursors(t *testing.T) {
	var ctx = context.Background()
	var shop = &webshopStub{
		orders: []map[string]any{{
			"id":       501,
			"number":   "501",
			"status":   "processing",
			"currency": "EUR",
			"total":    "19.90",
			"billing": map[string]any{
				"first_name": "Erika", "last_name": "Musterfrau",
				"address_1": "Lindenstr. 12", "city": "Berlin",
				"postcode": "10115", "country": "DE", "email": "erika@example.com",
			},
			"shipping": map[string]any{},
			"line_items": []map[string]any{
				{"id": 1, "sku": "MUG-01", "name": "Enamel Mug", "quantity": 2, "price": 9.95, "total": "19.90"},
			},
		}},
		products: []map[string]any{
			{"id": 88, "name": "Enamel Mug", "sku": "MUG-01", "type": "simple", "price": "9.95", "weight": "0.3"},
		},
	}
	var srv = httptest.NewServer(shop.handler())
	defer srv.Close()

	var s, q, _, sup = testStack(t)
	var client = seedClient(t, s, "Acme Outdoor")
	var channel = seedChannel(t, s, client.ID, srv.URL)

	require.NoError(t, sup.runIncremental(ctx, ops.JobID("sync-inc")))

	o, err := s.GetOrderByExternalID(ctx, client.ID, "501")
	require.NoError(t, err)
	require.Equal(t, "paid", o.PaymentStatus)
	require.Equal(t, model.OrderStatusProcessing, o.Status)

	p, err := s.GetProductBySKU(ctx, client.ID, "MUG-01")
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, p.SyncStatus)

	job, err := q.Claim(ctx, lifecycle.QueueOrderSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)

	chans, err := s.ActiveChannels(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, chans, 1)
	require.Equal(t, channel.ID, chans[0].ID)
	require.NotNil(t, chans[0].LastOrderPollAt)
	require.NotNil(t, chans[0].LastProductPollAt)

	st, err := s.GetCronStatus(ctx, client.ID, "sync-inc")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 1, tally["channels"])
	require.Equal(t, 1, tally["orders"])
	require.Equal(t, 1, tally["products"])

	// The first pass listed without a cursor; the second narrows the
	// window to the stored cursor minus the overlap.
	require.NoError(t, sup.runIncremental(ctx, ops.JobID("sync-inc")))
	shop.mu.Lock()
	var first = shop.orderQueries[0].Get("modified_after")
	var last = shop.orderQueries[len(shop.orderQueries)-1].Get("modified_after")
	shop.mu.Unlock()
	require.Empty(t, first)
	require.NotEmpty(t, last)
}

func TestIncrementalSyncSkipsRevokedTenant(t *testing.T) {
	var ctx = context.Background()
	var shop = &webshopStub{
		orders: []map[string]any{{
			"id":     601,
			"status": "processing",
			"total":  "10.00",
			"billing": map[string]any{
				"first_name": "Erika", "last_name": "Musterfrau",
				"address_1": "Lindenstr. 12", "city": "Berlin",
				"postcode": "10115", "country": "DE", "email": "erika@example.com",
			},
			"line_items": []map[string]any{
				{"id": 1, "sku": "MUG-01", "name": "Enamel Mug", "quantity": 1, "price": 10.00, "total": "10.00"},
			},
		}},
	}
	var srv = httptest.NewServer(shop.handler())
	defer srv.Close()

	var s, _, _, sup = testStack(t)
	var parked = seedClient(t, s, "Parked Merchant")
	var active = seedClient(t, s, "Active Merchant")
	seedChannel(t, s, parked.ID, srv.URL)
	seedChannel(t, s, active.ID, srv.URL)

	sup.mu.Lock()
	sup.revoked[parked.ID] = struct{}{}
	sup.mu.Unlock()

	require.NoError(t, sup.runIncremental(ctx, ops.JobID("sync-inc")))

	_, err := s.GetOrderByExternalID(ctx, active.ID, "601")
	require.NoError(t, err)

	_, err = s.GetOrderByExternalID(ctx, parked.ID, "601")
	var notFound *store.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestChannelRefreshClearsRevokedOnReactivation(t *testing.T) {
	var ctx = context.Background()
	var s, _, v, sup = testStack(t)
	var client = seedClient(t, s, "Acme Outdoor")
	var cfg = seedFFNConfig(t, s, v, client.ID)

	sup.mu.Lock()
	sup.revoked[client.ID] = struct{}{}
	sup.mu.Unlock()

	_, err := sup.refreshChannels(ctx)
	require.NoError(t, err)
	require.False(t, sup.isRevoked(client.ID))

	require.NoError(t, s.DeactivateFFNConfig(ctx, cfg.ID))
	sup.mu.Lock()
	sup.revoked[client.ID] = struct{}{}
	sup.mu.Unlock()

	_, err = sup.refreshChannels(ctx)
	require.NoError(t, err)
	require.True(t, sup.isRevoked(client.ID))
}

func TestUpdatesPollAppliesFeed(t *testing.T) {
	var ctx = context.Background()
	var feeds = &ffnFeeds{
		outbounds: []ffn.OutboundUpdate{
			{OutboundID: "OB-7", Status: ffn.OutboundStatusPicked, ModifiedAt: time.Now().UTC()},
		},
	}
	var srv = httptest.NewServer(feeds.handler())
	defer srv.Close()

	var s, _, v, sup = testStack(t, lifecycle.WithFFNEndpoints(srv.URL, srv.URL))
	var client = seedClient(t, s, "Acme Outdoor")
	seedFFNConfig(t, s, v, client.ID)
	var o = seedPaidOrder(t, s, client, nil, "1101")
	require.NoError(t, s.MarkOrderDispatched(ctx, o.ID, "OB-7"))

	require.NoError(t, sup.runFFNUpdates(ctx, ops.JobID("jtl-poll")))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, model.FulfillmentPickProcess, got.FulfillmentState)

	st, err := s.GetCronStatus(ctx, client.ID, "jtl-poll")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 1, tally["outbounds"])
	require.Equal(t, 0, tally["errors"])
}

func TestTokenRefreshRevokedDeactivates(t *testing.T) {
	var ctx = context.Background()
	var oauth = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request","error_description":"Token has been revoked"}`))
	}))
	defer oauth.Close()

	var s, _, v, sup = testStack(t, lifecycle.WithFFNEndpoints(oauth.URL, oauth.URL))
	var client = seedClient(t, s, "Acme Outdoor")
	seedFFNConfig(t, s, v, client.ID, func(c *model.FFNConfig) {
		encRefresh, err := v.Encrypt("refresh-1")
		require.NoError(t, err)
		c.RefreshToken = encRefresh
		c.AccessToken = ""
		c.TokenExpiresAt = nil
	})

	require.Error(t, sup.runTokenRefresh(ctx, ops.JobID("token-refresh")))

	got, err := s.FFNConfigForClient(ctx, client.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.True(t, sup.isRevoked(client.ID))

	notes, err := s.UnreadNotifications(ctx, client.ID, 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "ffn_token_revoked", notes[0].Kind)

	st, err := s.GetCronStatus(ctx, client.ID, "token-refresh")
	require.NoError(t, err)
	require.False(t, st.Success)
	require.NotNil(t, st.Error)

	// The parked tenant drops out of later passes entirely.
	require.NoError(t, sup.runStockSync(ctx, ops.JobID("stock-sync")))
}

func TestStockSyncWritesLevels(t *testing.T) {
	var ctx = context.Background()
	var feeds = &ffnFeeds{
		stocks: []ffn.Stock{
			{JFSKU: "JF-1", MerchantSKU: "TENT-02", StockLevel: 7, StockLevelBlocked: 2},
			{MerchantSKU: "MUG-01", StockLevel: 5, StockLevelBlocked: 1},
			{JFSKU: "JF-9", MerchantSKU: "GONE-9", StockLevel: 3},
		},
	}
	var srv = httptest.NewServer(feeds.handler())
	defer srv.Close()

	var s, _, v, sup = testStack(t, lifecycle.WithFFNEndpoints(srv.URL, srv.URL))
	var client = seedClient(t, s, "Acme Outdoor")
	seedFFNConfig(t, s, v, client.ID)

	var tracked = seedProduct(t, s, client.ID, "TENT-02")
	require.NoError(t, s.MarkProductSynced(ctx, tracked.ID, "JF-1"))
	var bySKU = seedProduct(t, s, client.ID, "MUG-01")
	require.NoError(t, s.UpdateProductStock(ctx, bySKU.ID, 5, 1))

	require.NoError(t, sup.runStockSync(ctx, ops.JobID("stock-sync")))

	got, err := s.GetProduct(ctx, tracked.ID)
	require.NoError(t, err)
	require.Equal(t, 7, got.StockAvail)
	require.Equal(t, 2, got.StockReserved)

	unchanged, err := s.GetProduct(ctx, bySKU.ID)
	require.NoError(t, err)
	require.Equal(t, 5, unchanged.StockAvail)

	st, err := s.GetCronStatus(ctx, client.ID, "stock-sync")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 2, tally["products"])
	require.Equal(t, 1, tally["drifted"])
	require.Equal(t, 1, tally["unknownSkus"])
}

func TestInboundPollTriggersStockSync(t *testing.T) {
	var ctx = context.Background()
	var feeds = &ffnFeeds{
		inbounds: []ffn.InboundUpdate{
			{InboundID: "IN-3", Status: ffn.InboundStatusClosed, ModifiedAt: time.Now().UTC()},
		},
		stocks: []ffn.Stock{
			{MerchantSKU: "MUG-01", StockLevel: 9},
		},
	}
	var srv = httptest.NewServer(feeds.handler())
	defer srv.Close()

	var s, _, v, sup = testStack(t, lifecycle.WithFFNEndpoints(srv.URL, srv.URL))
	var client = seedClient(t, s, "Acme Outdoor")
	seedFFNConfig(t, s, v, client.ID)
	var p = seedProduct(t, s, client.ID, "MUG-01")

	require.NoError(t, sup.runInboundPoll(ctx, ops.JobID("inbound-poll")))

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 9, got.StockAvail)
	require.Equal(t, 1, feeds.stockRequests())

	st, err := s.GetCronStatus(ctx, client.ID, "inbound-poll")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 1, tally["closedInbounds"])
}

func TestPaidSweepEnqueuesUnsynced(t *testing.T) {
	var ctx = context.Background()
	var s, q, _, sup = testStack(t)
	var client = seedClient(t, s, "Acme Outdoor")

	var first = seedPaidOrder(t, s, client, nil, "2001")
	var second = seedPaidOrder(t, s, client, nil, "2002")
	var held = seedPaidOrder(t, s, client, nil, "2003")
	require.NoError(t, s.PlaceOrderHold(ctx, held.ID, model.HoldAwaitingPayment, "system"))

	var pending = seedProduct(t, s, client.ID, "MUG-01")
	var ret = &model.Return{
		ClientID:         client.ID,
		OrderID:          first.ID,
		ExternalRefundID: "R-1",
		Status:           model.ReturnReceived,
		SyncStatus:       model.SyncPending,
		Items:            []model.ReturnItem{{SKU: "MUG-01", Quantity: 1}},
	}
	var _, err = s.UpsertReturn(ctx, ret)
	require.NoError(t, err)

	require.NoError(t, sup.runPaidSweep(ctx, ops.JobID("paid-sweep")))

	var swept = make(map[string]bool)
	for {
		job, err := q.Claim(ctx, lifecycle.QueueOrderSyncToFFN)
		require.NoError(t, err)
		if job == nil {
			break
		}
		var payload lifecycle.OrderSyncJob
		require.NoError(t, json.Unmarshal(job.Payload, &payload))
		swept[payload.OrderID] = true
	}
	require.Equal(t, map[string]bool{first.ID: true, second.ID: true}, swept)

	pj, err := q.Claim(ctx, lifecycle.QueueProductSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, pj)
	var pp lifecycle.ProductSyncJob
	require.NoError(t, json.Unmarshal(pj.Payload, &pp))
	require.Equal(t, pending.ID, pp.ProductID)

	rj, err := q.Claim(ctx, lifecycle.QueueReturnSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, rj)
	var rp lifecycle.ReturnSyncJob
	require.NoError(t, json.Unmarshal(rj.Payload, &rp))
	require.Equal(t, ret.ID, rp.ReturnID)

	st, err := s.GetCronStatus(ctx, client.ID, "paid-sweep")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 2, tally["orders"])
	require.Equal(t, 1, tally["products"])
	require.Equal(t, 1, tally["returns"])
	require.Equal(t, 4, tally["enqueued"])
}

func TestCommerceReconcileReenqueues(t *testing.T) {
	var ctx = context.Background()
	var s, q, _, sup = testStack(t)
	var client = seedClient(t, s, "Acme Outdoor")
	var channel = seedChannel(t, s, client.ID, "http://shop.invalid")
	var o = seedPaidOrder(t, s, client, channel, "3001")
	require.NoError(t, s.MarkOrderDispatched(ctx, o.ID, "OB-31"))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	got.FulfillmentState = model.FulfillmentShipped
	require.NoError(t, s.UpdateOrder(ctx, got))

	require.NoError(t, sup.runCommerceReconcile(ctx, ops.JobID("commerce-reconcile")))

	job, err := q.Claim(ctx, lifecycle.QueueOrderSyncToCommerce)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload lifecycle.CommerceFulfillJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, o.ID, payload.OrderID)

	// The singleton key holds while the first job is still active, so a
	// second pass finds the candidate but enqueues nothing.
	require.NoError(t, sup.runCommerceReconcile(ctx, ops.JobID("commerce-reconcile")))
	st, err := s.GetCronStatus(ctx, client.ID, "commerce-reconcile")
	require.NoError(t, err)
	require.True(t, st.Success)
	var tally map[string]int
	require.NoError(t, json.Unmarshal(st.Details, &tally))
	require.Equal(t, 1, tally["candidates"])
	require.Equal(t, 0, tally["enqueued"])
}
