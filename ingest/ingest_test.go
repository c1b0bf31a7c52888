package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/lifecycle"
	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
	"github.com/parcelry/bridge/vault"
)

func testServer(t *testing.T) (*store.Store, *queue.Queue, *vault.Vault, *Server) {
	t.Helper()
	var ctx = context.Background()
	var s, err = store.Open(ctx, "file:"+t.TempDir()+"/bridge.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	var q = queue.New(s.DB())
	v, err := vault.New(strings.Repeat("ab", 32))
	require.NoError(t, err)
	srv, err := NewServer(s, v, q)
	require.NoError(t, err)
	return s, q, v, srv
}

func seedTenant(t *testing.T, s *store.Store, v *vault.Vault, ctype model.ChannelType) *model.Channel {
	t.Helper()
	var ctx = context.Background()
	var client = &model.Client{Name: "Acme Outdoor", IsActive: true}
	require.NoError(t, s.UpsertClient(ctx, client))
	var secret, err = v.Encrypt("cs_test")
	require.NoError(t, err)
	var channel = &model.Channel{
		ClientID:    client.ID,
		ChannelType: ctype,
		Name:        "acme-shop",
		BaseURL:     "https://shop.example.com",
		APIKey:      "ck_test",
		APISecret:   secret,
		IsActive:    true,
		SyncEnabled: true,
	}
	require.NoError(t, s.UpsertChannel(ctx, channel))
	return channel
}

func sign(secret, body string) string {
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func deliverSigned(t *testing.T, srv *Server, ch *model.Channel, topic, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	var req = httptest.NewRequest(http.MethodPost, "/webhooks/"+ch.ID, strings.NewReader(body))
	if topic != "" {
		req.Header.Set(topicHeader(ch.ChannelType), topic)
	}
	if signature != "" {
		req.Header.Set(signatureHeader(ch.ChannelType), signature)
	}
	var rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func deliver(t *testing.T, srv *Server, ch *model.Channel, topic, body string) *httptest.ResponseRecorder {
	t.Helper()
	return deliverSigned(t, srv, ch, topic, body, sign("cs_test", body))
}

type ack struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func decodeAck(t *testing.T, rec *httptest.ResponseRecorder) ack {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return a
}

func webshopOrderBody(id, status string) string {
	return `{
  "id": ` + id + `,
  "number": "A-` + id + `",
  "status": "` + status + `",
  "currency": "EUR",
  "total": "49.90",
  "billing": {"first_name": "Erika", "last_name": "Musterfrau", "address_1": "Lindenstr. 12", "city": "Berlin", "postcode": "10115", "country": "DE", "email": "erika@example.com"},
  "shipping": {"first_name": "Erika", "last_name": "Musterfrau", "address_1": "Lindenstr. 12", "city": "Berlin", "postcode": "10115", "country": "DE"},
  "line_items": [
    {"id": 1, "sku": "MUG-01", "name": "Enamel Mug", "quantity": 2, "price": 9.95, "total": "19.90"},
    {"id": 2, "sku": "TENT-02", "name": "Trekking Tent", "quantity": 1, "price": 30, "total": "30.00"}
  ]
}`
}

func webshopProductBody(name string) string {
	return `{
  "id": 7001,
  "name": "` + name + `",
  "sku": "SHIRT-S",
  "type": "simple",
  "price": "19.00",
  "weight": "0.2",
  "short_description": "Breathable trail shirt",
  "images": [{"src": "https://img.example.com/shirt.png"}]
}`
}

func claimOrderSync(t *testing.T, q *queue.Queue) (*queue.Job, lifecycle.OrderSyncJob) {
	t.Helper()
	var job, err = q.Claim(context.Background(), lifecycle.QueueOrderSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload lifecycle.OrderSyncJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	return job, payload
}

func TestWebhookUnknownChannelRejected(t *testing.T) {
	var _, _, _, srv = testServer(t)
	var req = httptest.NewRequest(http.MethodPost, "/webhooks/"+uuid.NewString(), strings.NewReader("{}"))
	var rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	var body = webshopOrderBody("15990", "processing")

	var rec = deliverSigned(t, srv, ch, "order-created", body, "bm90LXZhbGlk")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliverSigned(t, srv, ch, "order-created", body, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var _, err = s.GetOrderByExternalID(context.Background(), ch.ClientID, "15990")
	var nf *store.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestWebhookMissingTopicRejected(t *testing.T) {
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	var body = webshopOrderBody("15990", "processing")
	var rec = deliverSigned(t, srv, ch, "", body, sign("cs_test", body))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookDisabledChannelAcknowledged(t *testing.T) {
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	ch.SyncEnabled = false
	require.NoError(t, s.UpsertChannel(context.Background(), ch))

	// Signature is not even checked for a disabled channel; the delivery is
	// acknowledged so the platform stops retrying.
	var rec = deliverSigned(t, srv, ch, "order-created", webshopOrderBody("15990", "processing"), "junk")
	var a = decodeAck(t, rec)
	require.Equal(t, "skipped", a.Action)
	require.Equal(t, "channel disabled", a.Reason)
}

func TestWebhookOrderCreatedPaid(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	var a = decodeAck(t, deliver(t, srv, ch, "order-created", webshopOrderBody("15990", "processing")))
	require.Equal(t, "created", a.Action)

	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	require.Equal(t, "A-15990", o.OrderNumber)
	require.Equal(t, model.OrderStatusProcessing, o.Status)
	require.Equal(t, "paid", o.PaymentStatus)
	require.Equal(t, model.OriginWebshop, o.OrderOrigin)
	require.Equal(t, model.FulfillmentPending, o.FulfillmentState)
	require.False(t, o.IsOnHold)
	require.Len(t, o.Items, 2)
	require.Equal(t, "MUG-01", o.Items[0].SKU)
	require.Equal(t, 2, o.Items[0].Quantity)

	var job, payload = claimOrderSync(t, q)
	require.Equal(t, o.ID, payload.OrderID)
	require.False(t, payload.Force)
	require.False(t, payload.Cancel)
	require.NotNil(t, job.SingletonKey)
	require.Equal(t, "ffn-sync-"+o.ID, *job.SingletonKey)
}

func TestWebhookOrderCreatedPendingHolds(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	var a = decodeAck(t, deliver(t, srv, ch, "order-created", webshopOrderBody("15990", "pending")))
	require.Equal(t, "created", a.Action)

	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	require.Equal(t, "pending", o.PaymentStatus)
	require.True(t, o.IsOnHold)
	require.NotNil(t, o.HoldReason)
	require.Equal(t, model.HoldAwaitingPayment, *o.HoldReason)
	require.NotNil(t, o.HoldPlacedBy)
	require.Equal(t, "system", *o.HoldPlacedBy)

	// The dispatch job is enqueued anyway; the worker's payment gate blocks
	// it. Simulate the attempt finishing so the singleton clears.
	var job, payload = claimOrderSync(t, q)
	require.Equal(t, o.ID, payload.OrderID)
	require.NoError(t, q.Complete(ctx, job.ID))

	a = decodeAck(t, deliver(t, srv, ch, "order-updated", webshopOrderBody("15990", "processing")))
	require.Equal(t, "updated", a.Action)

	o, err = s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	require.Equal(t, "paid", o.PaymentStatus)
	require.False(t, o.IsOnHold)
	require.NotNil(t, o.HoldReleasedBy)
	require.Equal(t, "system", *o.HoldReleasedBy)
	require.False(t, o.PaymentHoldOverride)

	_, payload = claimOrderSync(t, q)
	require.Equal(t, o.ID, payload.OrderID)
}

func TestWebhookStorefrontOrderSigned(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelStorefront)

	var body = `{
  "id": 450789469,
  "name": "#1001",
  "order_number": 1001,
  "email": "bob@example.com",
  "financial_status": "paid",
  "currency": "USD",
  "total_price": "59.00",
  "shipping_address": {"first_name": "Bob", "last_name": "Norman", "address1": "Chestnut Street 92", "city": "Louisville", "zip": "40202", "country_code": "US", "phone": "555-625-1199"},
  "billing_address": {"first_name": "Bob", "last_name": "Norman", "address1": "Chestnut Street 92", "city": "Louisville", "zip": "40202", "country_code": "US"},
  "line_items": [{"id": 9001, "sku": "IPOD-N", "title": "IPod Nano", "quantity": 1, "price": "59.00"}]
}`
	var a = decodeAck(t, deliver(t, srv, ch, "orders/create", body))
	require.Equal(t, "created", a.Action)

	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "450789469")
	require.NoError(t, err)
	require.Equal(t, "1001", o.OrderNumber)
	require.Equal(t, model.OriginStorefront, o.OrderOrigin)
	require.Equal(t, "paid", o.PaymentStatus)
	require.Equal(t, "US", o.ShippingAddress.Country)
	require.Equal(t, "bob@example.com", o.ShippingAddress.Email)

	var _, payload = claimOrderSync(t, q)
	require.Equal(t, o.ID, payload.OrderID)
}

func TestWebhookRedeliverySkipped(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	var body = webshopOrderBody("15990", "processing")

	var a = decodeAck(t, deliver(t, srv, ch, "order-created", body))
	require.Equal(t, "created", a.Action)

	a = decodeAck(t, deliver(t, srv, ch, "order-created", body))
	require.Equal(t, "skipped", a.Action)
	require.Equal(t, "redelivery", a.Reason)

	// Replaying through the processor, past the delivery cache, must
	// converge on the same row.
	before, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	action, err := srv.proc.Process(ctx, ch, "order-updated", []byte(body))
	require.NoError(t, err)
	require.Equal(t, "updated", action)
	after, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)

	var opts = jsondiff.DefaultConsoleOptions()
	diff, desc := jsondiff.Compare(canonicalOrder(t, before), canonicalOrder(t, after), &opts)
	require.Equal(t, jsondiff.FullMatch, diff, desc)

	// Exactly one dispatch job despite three deliveries.
	job, err := q.Claim(ctx, lifecycle.QueueOrderSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)
	job, err = q.Claim(ctx, lifecycle.QueueOrderSyncToFFN)
	require.NoError(t, err)
	require.Nil(t, job)
}

// canonicalOrder strips the fields a replay legitimately rewrites: the
// bump of updated_at and the regenerated line-item row ids.
func canonicalOrder(t *testing.T, o *model.Order) []byte {
	t.Helper()
	var c = *o
	c.UpdatedAt = time.Time{}
	c.Items = append([]model.OrderItem(nil), o.Items...)
	for i := range c.Items {
		c.Items[i].ID = ""
	}
	var b, err = json.Marshal(&c)
	require.NoError(t, err)
	return b
}

func TestWebhookOrderCancelled(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	// Cancelled before dispatch: the pending sync job is dropped and no
	// cancel job is scheduled because there is no outbound to cancel.
	decodeAck(t, deliver(t, srv, ch, "order-created", webshopOrderBody("15990", "processing")))
	var a = decodeAck(t, deliver(t, srv, ch, "order-cancelled", `{"id":15990}`))
	require.Equal(t, "cancelled", a.Action)

	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	require.True(t, o.IsCancelled)
	require.Equal(t, model.OrderStatusCancelled, o.Status)
	require.NotNil(t, o.CancelledBy)
	require.Equal(t, "Webshop", *o.CancelledBy)
	require.NotNil(t, o.CancelledAt)
	require.Equal(t, model.FulfillmentPending, o.FulfillmentState)

	job, err := q.Claim(ctx, lifecycle.QueueOrderSyncToFFN)
	require.NoError(t, err)
	require.Nil(t, job)

	// A second cancel for the same order is acknowledged as a no-op.
	a = decodeAck(t, deliver(t, srv, ch, "order-cancelled", `{"id": 15990}`))
	require.Equal(t, "skipped", a.Action)

	// Cancelled after dispatch: the outbound must be cancelled at the
	// network, through the queue.
	decodeAck(t, deliver(t, srv, ch, "order-created", webshopOrderBody("16001", "processing")))
	o2, err := s.GetOrderByExternalID(ctx, ch.ClientID, "16001")
	require.NoError(t, err)
	syncJob, _ := claimOrderSync(t, q)
	require.NoError(t, q.Complete(ctx, syncJob.ID))
	require.NoError(t, s.MarkOrderDispatched(ctx, o2.ID, "OB-77"))

	a = decodeAck(t, deliver(t, srv, ch, "order-cancelled", `{"id":16001}`))
	require.Equal(t, "cancelled", a.Action)

	cancelJob, payload := claimOrderSync(t, q)
	require.True(t, payload.Cancel)
	require.Equal(t, o2.ID, payload.OrderID)
	require.Equal(t, "Webshop", payload.CancelledBy)
	require.NotNil(t, cancelJob.SingletonKey)
	require.Equal(t, "ffn-cancel-"+o2.ID, *cancelJob.SingletonKey)

	o2, err = s.GetOrder(ctx, o2.ID)
	require.NoError(t, err)
	require.True(t, o2.IsCancelled)
	require.NotNil(t, o2.FFNOutboundID)
	require.Equal(t, "OB-77", *o2.FFNOutboundID)
}

func TestWebhookProductLifecycle(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	var a = decodeAck(t, deliver(t, srv, ch, "product-created", webshopProductBody("Trail Shirt")))
	require.Equal(t, "upserted", a.Action)

	p, err := s.GetProductBySKU(ctx, ch.ClientID, "SHIRT-S")
	require.NoError(t, err)
	require.Equal(t, "Trail Shirt", p.Name)
	require.Equal(t, 200, p.WeightGrams)
	require.Equal(t, model.SyncPending, p.SyncStatus)

	links, err := s.ProductChannels(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "7001", links[0].ExternalProductID)

	job, err := q.Claim(ctx, lifecycle.QueueProductSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload lifecycle.ProductSyncJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, p.ID, payload.ProductID)
	require.NoError(t, q.Complete(ctx, job.ID))

	a = decodeAck(t, deliver(t, srv, ch, "product-updated", webshopProductBody("Trail Shirt Mk2")))
	require.Equal(t, "upserted", a.Action)
	p, err = s.GetProductBySKU(ctx, ch.ClientID, "SHIRT-S")
	require.NoError(t, err)
	require.Equal(t, "Trail Shirt Mk2", p.Name)

	job, err = q.Claim(ctx, lifecycle.QueueProductSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(ctx, job.ID))

	a = decodeAck(t, deliver(t, srv, ch, "product-deleted", `{"id":7001}`))
	require.Equal(t, "unlinked", a.Action)
	var nf *store.NotFoundError
	_, err = s.GetProductBySKU(ctx, ch.ClientID, "SHIRT-S")
	require.ErrorAs(t, err, &nf)

	a = decodeAck(t, deliver(t, srv, ch, "product-deleted", `{"id": 7001}`))
	require.Equal(t, "skipped", a.Action)
}

func TestWebhookStorefrontProductFansVariants(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelStorefront)

	var body = `{
  "id": 9001,
  "title": "Alpine Jacket",
  "body_html": "<p>Warm.</p>",
  "variants": [
    {"id": 1, "sku": "JKT-S", "title": "S", "price": "129.00", "grams": 800},
    {"id": 2, "sku": "JKT-M", "title": "M", "price": "129.00", "grams": 820}
  ],
  "images": [{"src": "https://img.example.com/jacket.png"}]
}`
	var a = decodeAck(t, deliver(t, srv, ch, "products/create", body))
	require.Equal(t, "upserted", a.Action)

	small, err := s.GetProductBySKU(ctx, ch.ClientID, "JKT-S")
	require.NoError(t, err)
	require.Equal(t, "Alpine Jacket - S", small.Name)
	require.Equal(t, 800, small.WeightGrams)
	require.Equal(t, "https://img.example.com/jacket.png", small.ImageURL)

	medium, err := s.GetProductBySKU(ctx, ch.ClientID, "JKT-M")
	require.NoError(t, err)
	require.Equal(t, "Alpine Jacket - M", medium.Name)

	for i := 0; i < 2; i++ {
		var job, err = q.Claim(ctx, lifecycle.QueueProductSyncToFFN)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
	extra, err := q.Claim(ctx, lifecycle.QueueProductSyncToFFN)
	require.NoError(t, err)
	require.Nil(t, extra)
}

func TestWebhookRefundCreatesReturn(t *testing.T) {
	var ctx = context.Background()
	var s, q, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	decodeAck(t, deliver(t, srv, ch, "order-created", webshopOrderBody("15990", "processing")))
	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)

	var a = decodeAck(t, deliver(t, srv, ch, "refund-created",
		`{"id": 88, "order_id": 15990, "reason": "damaged", "line_items": [{"sku": "MUG-01", "quantity": -1}]}`))
	require.Equal(t, "return-created", a.Action)

	pending, err := s.ListReturnsPendingSync(ctx, ch.ClientID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ret, err := s.GetReturn(ctx, pending[0].ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, ret.OrderID)
	require.Equal(t, "88", ret.ExternalRefundID)
	require.Equal(t, "damaged", ret.Reason)
	require.Equal(t, model.ReturnReceived, ret.Status)
	require.Len(t, ret.Items, 1)
	require.Equal(t, "MUG-01", ret.Items[0].SKU)
	require.Equal(t, 1, ret.Items[0].Quantity)

	job, err := q.Claim(ctx, lifecycle.QueueReturnSyncToFFN)
	require.NoError(t, err)
	require.NotNil(t, job)
	var payload lifecycle.ReturnSyncJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, ret.ID, payload.ReturnID)

	// A refund that only moves money announces nothing to the warehouse.
	a = decodeAck(t, deliver(t, srv, ch, "refund-created",
		`{"id": 89, "order_id": 15990, "reason": "goodwill", "line_items": []}`))
	require.Equal(t, "ignored", a.Action)

	// A refund racing its own order webhook stays on the platform's retry
	// schedule until the order lands.
	var rec = deliver(t, srv, ch, "refund-created",
		`{"id": 90, "order_id": 99999, "reason": "damaged", "line_items": [{"sku": "MUG-01", "quantity": 1}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookUnknownTopicIgnored(t *testing.T) {
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	var a = decodeAck(t, deliver(t, srv, ch, "customer-created", `{"id": 5}`))
	require.Equal(t, "ignored", a.Action)
}

func TestWebhookMalformedPayloadSkipped(t *testing.T) {
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)

	var a = decodeAck(t, deliver(t, srv, ch, "order-created", `{"id": 0}`))
	require.Equal(t, "skipped", a.Action)
	require.Contains(t, a.Reason, "carries no id")

	a = decodeAck(t, deliver(t, srv, ch, "order-created", `not json`))
	require.Equal(t, "skipped", a.Action)
}

func TestOperationalFieldsSurviveReplay(t *testing.T) {
	var ctx = context.Background()
	var s, _, v, srv = testServer(t)
	var ch = seedTenant(t, s, v, model.ChannelWebshop)
	var body = webshopOrderBody("15990", "processing")

	decodeAck(t, deliver(t, srv, ch, "order-created", body))
	o, err := s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)

	// An operator corrects the address after a failed delivery attempt.
	var now = time.Now().UTC()
	var by = string(model.OriginInternal)
	o.ShippingAddress.Street = "Lagerstr. 9"
	o.LastOperationalUpdateBy = &by
	o.LastOperationalUpdateAt = &now
	require.NoError(t, s.UpdateOrder(ctx, o))

	// The platform replays the order with the stale address.
	var a = decodeAck(t, deliver(t, srv, ch, "order-updated", body))
	require.Equal(t, "updated", a.Action)

	o, err = s.GetOrderByExternalID(ctx, ch.ClientID, "15990")
	require.NoError(t, err)
	require.Equal(t, "Lagerstr. 9", o.ShippingAddress.Street)
	require.Equal(t, "paid", o.PaymentStatus)
}

func TestTopicParsing(t *testing.T) {
	var cases = []struct {
		ctype    model.ChannelType
		topic    string
		resource string
		action   string
		wantErr  bool
	}{
		{model.ChannelStorefront, "orders/create", "order", "create", false},
		{model.ChannelStorefront, "orders/updated", "order", "update", false},
		{model.ChannelStorefront, "orders/paid", "order", "paid", false},
		{model.ChannelStorefront, "orders/cancelled", "order", "cancel", false},
		{model.ChannelStorefront, "refunds/create", "refund", "create", false},
		{model.ChannelStorefront, "products/update", "product", "update", false},
		{model.ChannelWebshop, "order-created", "order", "create", false},
		{model.ChannelWebshop, "order-cancelled", "order", "cancel", false},
		{model.ChannelWebshop, "product-deleted", "product", "delete", false},
		{model.ChannelWebshop, "refund-created", "refund", "create", false},
		{model.ChannelStorefront, "bogus", "", "", true},
		{model.ChannelWebshop, "bogus", "", "", true},
	}
	for _, tc := range cases {
		var ev, err = parseTopic(tc.ctype, tc.topic)
		if tc.wantErr {
			var ve *lifecycle.ValidationError
			require.ErrorAs(t, err, &ve, tc.topic)
			continue
		}
		require.NoError(t, err, tc.topic)
		require.Equal(t, tc.resource, ev.resource, tc.topic)
		require.Equal(t, tc.action, ev.action, tc.topic)
	}
}

func TestHealthz(t *testing.T) {
	var _, _, _, srv = testServer(t)
	var req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	var rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}
