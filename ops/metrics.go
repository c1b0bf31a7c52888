package ops

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/queue"
)

var queueDepthDesc = prometheus.NewDesc(
	"bridge_queue_jobs",
	"gauge of jobs per queue and state",
	[]string{"queue", "state"}, nil)

// QueueDepthCollector reads job populations from the database on scrape.
// Depth is the process's backpressure signal; there is no cached copy.
type QueueDepthCollector struct {
	queue *queue.Queue
}

func NewQueueDepthCollector(q *queue.Queue) *QueueDepthCollector {
	return &QueueDepthCollector{queue: q}
}

func (c *QueueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

func (c *QueueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var depths, err = c.queue.Depths(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to collect queue depths")
		return
	}
	for _, d := range depths {
		ch <- prometheus.MustNewConstMetric(
			queueDepthDesc, prometheus.GaugeValue, float64(d.Count), d.QueueName, d.State)
	}
}
