// Package commerce talks to the order sources. Two platforms are
// supported: the Storefront platform (cursor-paged listings, fulfillment
// handled through a fulfillment-order handshake) and the Webshop platform
// (offset-paged listings, fulfillment expressed as a status transition
// plus tracking metadata). Both are normalized into model types here; raw
// platform status tokens never leave this package.
package commerce

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/parcelry/bridge/model"
)

// PollOverlap is subtracted from a stored cursor before each incremental
// poll so clock skew against the platform cannot drop boundary rows. The
// re-read rows are absorbed by idempotent upserts.
const PollOverlap = 10 * time.Minute

const (
	pageSize         = 50
	defaultPageSleep = 200 * time.Millisecond
	maxPages         = 200
)

// SinceCursor turns a persisted poll cursor into the window start of the
// next incremental poll. Zero when the channel was never polled, which
// makes the first poll a full backfill.
func SinceCursor(last *time.Time) time.Time {
	if last == nil {
		return time.Time{}
	}
	return last.Add(-PollOverlap)
}

// Credentials is a channel's decrypted secret pair. The Storefront
// platform authenticates API calls with the key alone; the Webshop
// platform sends both as a basic-auth pair. On either platform the secret
// doubles as the webhook signing key.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Fulfillment carries what a platform needs to show a shipment to the
// customer.
type Fulfillment struct {
	Items          []model.OrderItem
	Tracking       model.TrackingInfo
	NotifyCustomer bool
}

// ChannelProduct pairs a canonical product with its identity on the
// channel it came from. One platform product may fan out into several
// canonical products (one per sellable variant) sharing an external id.
type ChannelProduct struct {
	Product           model.Product
	ExternalProductID string
}

// ChannelRefund is a platform refund reduced to the goods coming back.
// Refunds that only move money carry no items.
type ChannelRefund struct {
	ExternalRefundID string
	ExternalOrderID  string
	Reason           string
	Items            []model.ReturnItem
}

// Client is the platform-independent contract. List methods drain all
// pages internally, sleeping between page fetches, and return rows in the
// platform's modified order. Mutating methods are idempotent against
// redelivery.
type Client interface {
	ListOrdersSince(ctx context.Context, since time.Time) ([]model.Order, error)
	GetOrder(ctx context.Context, externalID string) (*model.Order, error)
	ListProductsSince(ctx context.Context, since time.Time) ([]ChannelProduct, error)
	GetProduct(ctx context.Context, externalID string) ([]ChannelProduct, error)
	UpdateOrderStatus(ctx context.Context, externalID string, status model.OrderStatus) error
	CreateFulfillment(ctx context.Context, externalOrderID string, f Fulfillment) error
	UpdateTracking(ctx context.Context, externalOrderID string, info model.TrackingInfo) error
	CancelOrder(ctx context.Context, externalID, reason string, restock bool) error
}

// New builds the client matching the channel's platform type. Credentials
// must already be decrypted.
func New(channel model.Channel, creds Credentials, opts ...Option) (Client, error) {
	switch channel.ChannelType {
	case model.ChannelStorefront:
		return NewStorefront(channel, creds, opts...), nil
	case model.ChannelWebshop:
		return NewWebshop(channel, creds, opts...), nil
	}
	return nil, fmt.Errorf("unsupported channel type %q", channel.ChannelType)
}

// Option adjusts transport details.
type Option func(*options)

type options struct {
	hc        *http.Client
	pageSleep time.Duration
}

func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.hc = hc } }

func WithPageSleep(d time.Duration) Option { return func(o *options) { o.pageSleep = d } }

func buildOptions(opts []Option) options {
	var o = options{
		hc:        &http.Client{Timeout: 30 * time.Second},
		pageSleep: defaultPageSleep,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
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
