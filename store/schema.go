package store

// schemaStatements is the canonical DDL, applied idempotently at startup.
// Types stay within the Postgres/SQLite shared subset: TEXT keys, TIMESTAMP
// (always UTC), BOOLEAN, NUMERIC money, JSON as TEXT.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS channels (
		id                   TEXT PRIMARY KEY,
		client_id            TEXT NOT NULL REFERENCES clients(id),
		channel_type         TEXT NOT NULL,
		name                 TEXT NOT NULL DEFAULT '',
		base_url             TEXT NOT NULL,
		api_key              TEXT NOT NULL DEFAULT '',
		api_secret           TEXT NOT NULL DEFAULT '',
		is_active            BOOLEAN NOT NULL DEFAULT TRUE,
		sync_enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		last_order_poll_at   TIMESTAMP,
		last_product_poll_at TIMESTAMP,
		created_at           TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_client ON channels(client_id)`,

	`CREATE TABLE IF NOT EXISTS jtl_configs (
		id               TEXT PRIMARY KEY,
		client_id        TEXT NOT NULL REFERENCES clients(id),
		oauth_client_id  TEXT NOT NULL DEFAULT '',
		client_secret    TEXT NOT NULL DEFAULT '',
		access_token     TEXT NOT NULL DEFAULT '',
		refresh_token    TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMP,
		environment      TEXT NOT NULL DEFAULT 'sandbox',
		fulfiller_id     TEXT NOT NULL DEFAULT '',
		warehouse_id     TEXT NOT NULL DEFAULT '',
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jtl_configs_client ON jtl_configs(client_id)`,

	`CREATE TABLE IF NOT EXISTS products (
		id              TEXT PRIMARY KEY,
		client_id       TEXT NOT NULL REFERENCES clients(id),
		merchant_sku    TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		unit_price      NUMERIC(12,2) NOT NULL DEFAULT 0,
		weight_grams    INTEGER NOT NULL DEFAULT 0,
		stock_available INTEGER NOT NULL DEFAULT 0,
		stock_reserved  INTEGER NOT NULL DEFAULT 0,
		is_bundle       BOOLEAN NOT NULL DEFAULT FALSE,
		ffn_product_id  TEXT,
		sync_status     TEXT NOT NULL DEFAULT 'PENDING',
		image_url       TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_products_client_sku ON products(client_id, merchant_sku)`,

	`CREATE TABLE IF NOT EXISTS product_channels (
		id                  TEXT PRIMARY KEY,
		product_id          TEXT NOT NULL REFERENCES products(id),
		channel_id          TEXT NOT NULL REFERENCES channels(id),
		external_product_id TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_product_channels_pair ON product_channels(product_id, channel_id)`,
	`CREATE INDEX IF NOT EXISTS idx_product_channels_external ON product_channels(channel_id, external_product_id)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                          TEXT PRIMARY KEY,
		client_id                   TEXT NOT NULL REFERENCES clients(id),
		channel_id                  TEXT REFERENCES channels(id),
		order_number                TEXT NOT NULL DEFAULT '',
		external_order_id           TEXT NOT NULL,
		order_origin                TEXT NOT NULL,
		status                      TEXT NOT NULL DEFAULT 'PENDING',
		fulfillment_state           TEXT NOT NULL DEFAULT 'PENDING',
		payment_status              TEXT NOT NULL DEFAULT '',
		is_on_hold                  BOOLEAN NOT NULL DEFAULT FALSE,
		hold_reason                 TEXT,
		hold_placed_at              TIMESTAMP,
		hold_placed_by              TEXT,
		hold_released_at            TIMESTAMP,
		hold_released_by            TEXT,
		payment_hold_override       BOOLEAN NOT NULL DEFAULT FALSE,
		ship_firstname              TEXT NOT NULL DEFAULT '',
		ship_lastname               TEXT NOT NULL DEFAULT '',
		ship_company                TEXT NOT NULL DEFAULT '',
		ship_street                 TEXT NOT NULL DEFAULT '',
		ship_addition               TEXT NOT NULL DEFAULT '',
		ship_city                   TEXT NOT NULL DEFAULT '',
		ship_zip                    TEXT NOT NULL DEFAULT '',
		ship_country                TEXT NOT NULL DEFAULT '',
		ship_phone                  TEXT NOT NULL DEFAULT '',
		ship_email                  TEXT NOT NULL DEFAULT '',
		bill_firstname              TEXT NOT NULL DEFAULT '',
		bill_lastname               TEXT NOT NULL DEFAULT '',
		bill_company                TEXT NOT NULL DEFAULT '',
		bill_street                 TEXT NOT NULL DEFAULT '',
		bill_addition               TEXT NOT NULL DEFAULT '',
		bill_city                   TEXT NOT NULL DEFAULT '',
		bill_zip                    TEXT NOT NULL DEFAULT '',
		bill_country                TEXT NOT NULL DEFAULT '',
		bill_phone                  TEXT NOT NULL DEFAULT '',
		bill_email                  TEXT NOT NULL DEFAULT '',
		total                       NUMERIC(12,2) NOT NULL DEFAULT 0,
		currency                    TEXT NOT NULL DEFAULT 'EUR',
		ffn_outbound_id             TEXT,
		last_ffn_sync_at            TIMESTAMP,
		ffn_sync_error              TEXT,
		commerce_sync_error         TEXT,
		last_synced_to_commerce     TIMESTAMP,
		sync_status                 TEXT NOT NULL DEFAULT 'PENDING',
		shipped_at                  TIMESTAMP,
		delivered_at                TIMESTAMP,
		tracking_number             TEXT,
		carrier                     TEXT,
		tracking_url                TEXT,
		priority_level              INTEGER NOT NULL DEFAULT 0,
		is_cancelled                BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_at                TIMESTAMP,
		cancelled_by                TEXT,
		cancellation_reason         TEXT,
		is_replacement              BOOLEAN NOT NULL DEFAULT FALSE,
		last_operational_update_by  TEXT,
		last_operational_update_at  TIMESTAMP,
		created_at                  TIMESTAMP NOT NULL,
		updated_at                  TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_external ON orders(client_id, external_order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_ffn_outbound ON orders(ffn_outbound_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_unsynced ON orders(client_id, sync_status, payment_status)`,

	`CREATE TABLE IF NOT EXISTS order_items (
		id           TEXT PRIMARY KEY,
		order_id     TEXT NOT NULL REFERENCES orders(id),
		product_id   TEXT REFERENCES products(id) ON DELETE SET NULL,
		sku          TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		quantity     INTEGER NOT NULL,
		unit_price   NUMERIC(12,2) NOT NULL DEFAULT 0,
		line_total   NUMERIC(12,2) NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id)`,

	`CREATE TABLE IF NOT EXISTS returns (
		id                 TEXT PRIMARY KEY,
		client_id          TEXT NOT NULL REFERENCES clients(id),
		order_id           TEXT NOT NULL REFERENCES orders(id),
		external_refund_id TEXT NOT NULL,
		ffn_return_id      TEXT,
		status             TEXT NOT NULL DEFAULT 'RECEIVED',
		reason             TEXT NOT NULL DEFAULT '',
		sync_status        TEXT NOT NULL DEFAULT 'PENDING',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_returns_client_refund ON returns(client_id, external_refund_id)`,

	`CREATE TABLE IF NOT EXISTS return_items (
		id        TEXT PRIMARY KEY,
		return_id TEXT NOT NULL REFERENCES returns(id),
		sku       TEXT NOT NULL,
		quantity  INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS order_sync_logs (
		id              TEXT PRIMARY KEY,
		order_id        TEXT NOT NULL REFERENCES orders(id),
		action          TEXT NOT NULL,
		origin          TEXT NOT NULL,
		target_platform TEXT NOT NULL,
		success         BOOLEAN NOT NULL,
		error_message   TEXT,
		external_id     TEXT,
		changed_fields  TEXT,
		previous_state  TEXT,
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_sync_logs_order ON order_sync_logs(order_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS cron_job_status (
		id          TEXT PRIMARY KEY,
		client_id   TEXT NOT NULL,
		job_name    TEXT NOT NULL,
		last_run_at TIMESTAMP NOT NULL,
		success     BOOLEAN NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		details     TEXT,
		error       TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_cron_job_status_pair ON cron_job_status(client_id, job_name)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		severity   TEXT NOT NULL DEFAULT 'info',
		kind       TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		read_at    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_client ON notifications(client_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS job (
		id            TEXT PRIMARY KEY,
		queue_name    TEXT NOT NULL,
		payload       TEXT,
		priority      INTEGER NOT NULL DEFAULT 0,
		state         TEXT NOT NULL DEFAULT 'pending',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		retry_limit   INTEGER NOT NULL DEFAULT 2,
		retry_delay   INTEGER NOT NULL DEFAULT 30,
		retry_backoff BOOLEAN NOT NULL DEFAULT FALSE,
		expire_in     INTEGER NOT NULL DEFAULT 900,
		singleton_key TEXT,
		start_after   TIMESTAMP NOT NULL,
		started_at    TIMESTAMP,
		finished_at   TIMESTAMP,
		last_error    TEXT,
		created_at    TIMESTAMP NOT NULL
	)`,
	// singleton_key is cleared on entry to a terminal state, so this plain
	// unique index enforces "at most one non-terminal job per key" without
	// dialect-specific partial indexes.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_singleton ON job(queue_name, singleton_key)`,
	`CREATE INDEX IF NOT EXISTS idx_job_fetch ON job(queue_name, state, start_after)`,
}
