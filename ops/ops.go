// Package ops carries the cross-cutting operational pieces: correlation
// ids for long-lived passes, the logger binding that stamps them on every
// line, tenant-facing notifications and queue metrics.
package ops

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/parcelry/bridge/model"
	"github.com/parcelry/bridge/store"
)

// JobID mints the correlation id for one pass of a long-lived operation,
// such as a scheduler loop invocation.
func JobID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Publisher is a logger bound to one correlation id. Every line carries
// jobId and event, the pair operators stitch a pass together by.
type Publisher struct {
	entry *log.Entry
}

func NewPublisher(jobID string) *Publisher {
	return &Publisher{entry: log.WithField("jobId", jobID)}
}

func (p *Publisher) Debug(event string, fields log.Fields) { p.publish(log.DebugLevel, event, fields) }
func (p *Publisher) Info(event string, fields log.Fields)  { p.publish(log.InfoLevel, event, fields) }
func (p *Publisher) Warn(event string, fields log.Fields)  { p.publish(log.WarnLevel, event, fields) }
func (p *Publisher) Error(event string, fields log.Fields) { p.publish(log.ErrorLevel, event, fields) }

func (p *Publisher) publish(level log.Level, event string, fields log.Fields) {
	p.entry.WithFields(fields).WithField("event", event).Log(level, event)
}

// Notifier surfaces operator-facing tenant alerts.
type Notifier interface {
	Notify(ctx context.Context, clientID, severity, kind, message string)
}

// StoreNotifier persists alerts to the notifications table. Failures are
// logged and swallowed; alerting must not fail the operation it reports
// on.
type StoreNotifier struct {
	Store *store.Store
}

// Notify records the alert unless an identical unread one is already
// pending, which keeps per-order failure storms from flooding the
// operator with one alert per attempt.
func (n StoreNotifier) Notify(ctx context.Context, clientID, severity, kind, message string) {
	if pending, err := n.Store.HasUnreadNotification(ctx, clientID, kind); err == nil && pending {
		return
	}
	var err = n.Store.AddNotification(ctx, &model.Notification{
		ClientID: clientID,
		Severity: severity,
		Kind:     kind,
		Message:  message,
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"clientId": clientID,
			"kind":     kind,
		}).Warn("failed to add notification")
	}
}
