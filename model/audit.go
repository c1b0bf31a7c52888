package model

import (
	"encoding/json"
	"time"
)

// SyncAction names the operation an OrderSyncLog entry records.
type SyncAction string

const (
	ActionCreate              SyncAction = "create"
	ActionUpdate              SyncAction = "update"
	ActionCancel              SyncAction = "cancel"
	ActionHold                SyncAction = "hold"
	ActionReleaseHold         SyncAction = "release_hold"
	ActionUpdateTracking      SyncAction = "update_tracking"
	ActionFulfill             SyncAction = "fulfill"
	ActionPaymentHoldReleased SyncAction = "payment_hold_manually_released"
)

// OrderSyncLog is an immutable audit record of one mutation attempt against
// an order, successful or not.
type OrderSyncLog struct {
	ID             string          `db:"id" json:"id"`
	OrderID        string          `db:"order_id" json:"orderId"`
	Action         SyncAction      `db:"action" json:"action"`
	Origin         OrderOrigin     `db:"origin" json:"origin"`
	TargetPlatform string          `db:"target_platform" json:"targetPlatform"`
	Success        bool            `db:"success" json:"success"`
	ErrorMessage   *string         `db:"error_message" json:"errorMessage,omitempty"`
	ExternalID     *string         `db:"external_id" json:"externalId,omitempty"`
	ChangedFields  json.RawMessage `db:"changed_fields" json:"changedFields,omitempty"`
	PreviousState  json.RawMessage `db:"previous_state" json:"previousState,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// CronJobStatus is the per-(tenant, job) snapshot of the most recent
// scheduler run. Upsert-only: the last run wins.
type CronJobStatus struct {
	ID         string          `db:"id" json:"id"`
	ClientID   string          `db:"client_id" json:"clientId"`
	JobName    string          `db:"job_name" json:"jobName"`
	LastRunAt  time.Time       `db:"last_run_at" json:"lastRunAt"`
	Success    bool            `db:"success" json:"success"`
	DurationMS int64           `db:"duration_ms" json:"durationMs"`
	Details    json.RawMessage `db:"details" json:"details,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
}

// Notification is an operator-facing tenant alert (revoked tokens, missing
// configuration). The dashboard consumes these; emitting them is our side.
type Notification struct {
	ID        string     `db:"id" json:"id"`
	ClientID  string     `db:"client_id" json:"clientId"`
	Severity  string     `db:"severity" json:"severity"` // info | warning | error
	Kind      string     `db:"kind" json:"kind"`
	Message   string     `db:"message" json:"message"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	ReadAt    *time.Time `db:"read_at" json:"readAt,omitempty"`
}
