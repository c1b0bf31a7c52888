package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/parcelry/bridge/model"
)

// AppendOrderSyncLog writes one immutable audit record.
func (s *Store) AppendOrderSyncLog(ctx context.Context, l *model.OrderSyncLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = nowUTC()
	}
	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO order_sync_logs (
			id, order_id, action, origin, target_platform, success,
			error_message, external_id, changed_fields, previous_state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.OrderID, l.Action, l.Origin, l.TargetPlatform, l.Success,
		l.ErrorMessage, l.ExternalID, nullJSON(l.ChangedFields), nullJSON(l.PreviousState), l.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("appending sync log: %w", err))
	}
	return nil
}

// OrderSyncLogs returns an order's audit trail, newest first.
func (s *Store) OrderSyncLogs(ctx context.Context, orderID string, limit int) ([]model.OrderSyncLog, error) {
	var out []model.OrderSyncLog
	var err = s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM order_sync_logs
		WHERE order_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), orderID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("listing sync logs: %w", err))
	}
	return out, nil
}

// UpsertCronStatus records the outcome of one scheduler pass for a tenant.
func (s *Store) UpsertCronStatus(ctx context.Context, st *model.CronJobStatus) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.LastRunAt.IsZero() {
		st.LastRunAt = nowUTC()
	}
	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cron_job_status (id, client_id, job_name, last_run_at, success, duration_ms, details, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, job_name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			success = excluded.success,
			duration_ms = excluded.duration_ms,
			details = excluded.details,
			error = excluded.error`),
		st.ID, st.ClientID, st.JobName, st.LastRunAt.UTC(), st.Success, st.DurationMS,
		nullJSON(st.Details), st.Error)
	if err != nil {
		return classify(fmt.Errorf("upserting cron status: %w", err))
	}
	return nil
}

// GetCronStatus returns the last recorded pass of one job for a tenant.
func (s *Store) GetCronStatus(ctx context.Context, clientID, jobName string) (*model.CronJobStatus, error) {
	var st model.CronJobStatus
	var err = s.db.GetContext(ctx, &st, s.rebind(
		`SELECT * FROM cron_job_status WHERE client_id = ? AND job_name = ?`), clientID, jobName)
	if err != nil {
		return nil, classify(fmt.Errorf("loading cron status: %w", err))
	}
	return &st, nil
}

// AddNotification queues an operator-facing alert.
func (s *Store) AddNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = nowUTC()
	}
	if n.Severity == "" {
		n.Severity = "info"
	}
	var _, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notifications (id, client_id, severity, kind, message, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.ClientID, n.Severity, n.Kind, n.Message, n.CreatedAt, utcPtr(n.ReadAt))
	if err != nil {
		return classify(fmt.Errorf("adding notification: %w", err))
	}
	return nil
}

// HasUnreadNotification reports whether an alert of this kind is already
// pending for the tenant.
func (s *Store) HasUnreadNotification(ctx context.Context, clientID, kind string) (bool, error) {
	var n int
	var err = s.db.GetContext(ctx, &n, s.rebind(`
		SELECT COUNT(*) FROM notifications
		WHERE client_id = ? AND kind = ? AND read_at IS NULL`), clientID, kind)
	if err != nil {
		return false, classify(fmt.Errorf("checking notifications: %w", err))
	}
	return n > 0, nil
}

// UnreadNotifications returns pending alerts for a tenant, oldest first.
func (s *Store) UnreadNotifications(ctx context.Context, clientID string, limit int) ([]model.Notification, error) {
	var out []model.Notification
	var err = s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM notifications
		WHERE client_id = ? AND read_at IS NULL
		ORDER BY created_at
		LIMIT ?`), clientID, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("listing notifications: %w", err))
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	var res, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`),
		nowUTC(), id)
	if err != nil {
		return classify(fmt.Errorf("marking notification read: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "notification", Key: id}
	}
	return nil
}
