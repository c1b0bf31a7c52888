package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/ffn"
	"github.com/parcelry/bridge/model"
)

// TestDispatchPayloadSnapshot pins the outbound payload built for a
// representative order. A diff here is a change to the bytes sent to the
// fulfillment network.
func TestDispatchPayloadSnapshot(t *testing.T) {
	var ctx = context.Background()
	var s, _, e = testEngine(t)
	var client = seedClient(t, s)

	var jfsku = "JF-MUG"
	_, err := s.UpsertProduct(ctx, &model.Product{
		ClientID:     client.ID,
		MerchantSKU:  "MUG-01",
		Name:         "Enamel Mug",
		UnitPrice:    decimal.RequireFromString("9.95"),
		FFNProductID: &jfsku,
		SyncStatus:   model.SyncSynced,
	})
	require.NoError(t, err)
	_, err = s.UpsertProduct(ctx, &model.Product{
		ClientID:    client.ID,
		MerchantSKU: "TENT-02",
		Name:        "Trekking Tent",
		UnitPrice:   decimal.RequireFromString("30.00"),
		IsBundle:    true,
		SyncStatus:  model.SyncSynced,
	})
	require.NoError(t, err)

	var o = paidOrder(client, nil, "9001")
	o.CreatedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	o.Items[0].ID = "itm-1"
	o.Items[1].ID = "itm-2"

	ob, err := e.buildOutbound(ctx, o)
	require.NoError(t, err)
	cupaloy.SnapshotT(t, *ob)
}

// TestStatusMapSnapshot pins the translation from network outbound
// statuses to canonical fulfillment states.
func TestStatusMapSnapshot(t *testing.T) {
	var statuses = []string{
		ffn.OutboundStatusNew,
		ffn.OutboundStatusOpen,
		ffn.OutboundStatusInPick,
		ffn.OutboundStatusPicked,
		ffn.OutboundStatusPacking,
		ffn.OutboundStatusPacked,
		ffn.OutboundStatusShipped,
		ffn.OutboundStatusDelivered,
		ffn.OutboundStatusCancelled,
		ffn.OutboundStatusFailed,
		ffn.OutboundStatusReturned,
	}
	var mapped = make(map[string]model.FulfillmentState, len(statuses))
	for _, status := range statuses {
		mapped[status] = MapFFNStatus(status)
	}
	cupaloy.SnapshotT(t, mapped)
}
