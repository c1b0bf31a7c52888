package ops

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/parcelry/bridge/queue"
	"github.com/parcelry/bridge/store"
)

func TestJobIDCarriesPrefix(t *testing.T) {
	var id = JobID("jtl-poll")
	require.True(t, strings.HasPrefix(id, "jtl-poll-"))
	require.Len(t, id, len("jtl-poll-")+8)
	require.NotEqual(t, id, JobID("jtl-poll"))
}

func TestPublisherStampsCorrelationFields(t *testing.T) {
	var hook = test.NewGlobal()
	defer hook.Reset()

	var pub = NewPublisher("sync-inc-deadbeef")
	pub.Info("channel_synced", log.Fields{"channelId": "ch-1", "orders": 3})

	var entry = hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, "channel_synced", entry.Message)
	require.Equal(t, "sync-inc-deadbeef", entry.Data["jobId"])
	require.Equal(t, "channel_synced", entry.Data["event"])
	require.Equal(t, "ch-1", entry.Data["channelId"])
}

func TestStoreNotifierPersists(t *testing.T) {
	var ctx = context.Background()
	var s, err = store.Open(ctx, "file:"+t.TempDir()+"/bridge.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))

	StoreNotifier{Store: s}.Notify(ctx, "client-1", "error", "ffn_token_revoked", "reconnect required")

	notes, err := s.UnreadNotifications(ctx, "client-1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "ffn_token_revoked", notes[0].Kind)
	require.Equal(t, "error", notes[0].Severity)
}

func TestQueueDepthCollector(t *testing.T) {
	var ctx = context.Background()
	var s, err = store.Open(ctx, "file:"+t.TempDir()+"/bridge.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	var q = queue.New(s.DB())

	_, enqueued, err := q.Enqueue(ctx, "order-sync-to-ffn", map[string]string{"orderId": "o-1"}, queue.Options{})
	require.NoError(t, err)
	require.True(t, enqueued)
	_, enqueued, err = q.Enqueue(ctx, "product-sync-to-ffn", map[string]string{"productId": "p-1"}, queue.Options{})
	require.NoError(t, err)
	require.True(t, enqueued)

	var reg = prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewQueueDepthCollector(q)))
	families, err := reg.Gather()
	require.NoError(t, err)

	require.Len(t, families, 1)
	require.Equal(t, "bridge_queue_jobs", families[0].GetName())
	require.Len(t, families[0].GetMetric(), 2)
	for _, m := range families[0].GetMetric() {
		require.Equal(t, float64(1), m.GetGauge().GetValue())
	}
}
