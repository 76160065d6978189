package store

// The DDL sticks to type names both postgres and sqlite accept; sqlite
// resolves the unknown ones through type affinity.
const schema = `
CREATE TABLE IF NOT EXISTS assets (
	symbol               TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	base_currency        TEXT NOT NULL DEFAULT '',
	quote_currency       TEXT NOT NULL DEFAULT 'USDT',
	status               TEXT NOT NULL DEFAULT 'UNKNOWN',
	min_qty              DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_qty              DOUBLE PRECISION NOT NULL DEFAULT 0,
	tick_size            DOUBLE PRECISION NOT NULL DEFAULT 0,
	step_size            DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_leverage         DOUBLE PRECISION NOT NULL DEFAULT 0,
	maint_margin_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_change_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume_24h           DOUBLE PRECISION NOT NULL DEFAULT 0,
	quote_volume_24h     DOUBLE PRECISION NOT NULL DEFAULT 0,
	high_price_24h       DOUBLE PRECISION NOT NULL DEFAULT 0,
	low_price_24h        DOUBLE PRECISION NOT NULL DEFAULT 0,
	open_interest        DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_status_quote_volume ON assets (status, quote_volume_24h);
CREATE INDEX IF NOT EXISTS idx_assets_status_price_change ON assets (status, price_change_percent);
CREATE INDEX IF NOT EXISTS idx_assets_updated_at ON assets (updated_at);
`

const upsertSQL = `
INSERT INTO assets (
	symbol, name, base_currency, quote_currency, status,
	min_qty, max_qty, tick_size, step_size, max_leverage, maint_margin_rate,
	last_price, price_change_percent, volume_24h, quote_volume_24h,
	high_price_24h, low_price_24h, open_interest, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol) DO UPDATE SET
	name = excluded.name,
	base_currency = excluded.base_currency,
	quote_currency = excluded.quote_currency,
	status = excluded.status,
	min_qty = excluded.min_qty,
	max_qty = excluded.max_qty,
	tick_size = excluded.tick_size,
	step_size = excluded.step_size,
	max_leverage = excluded.max_leverage,
	maint_margin_rate = excluded.maint_margin_rate,
	last_price = excluded.last_price,
	price_change_percent = excluded.price_change_percent,
	volume_24h = excluded.volume_24h,
	quote_volume_24h = excluded.quote_volume_24h,
	high_price_24h = excluded.high_price_24h,
	low_price_24h = excluded.low_price_24h,
	open_interest = excluded.open_interest,
	updated_at = excluded.updated_at`

const updateMarketSQL = `
UPDATE assets SET
	last_price = ?,
	price_change_percent = ?,
	volume_24h = ?,
	quote_volume_24h = ?,
	high_price_24h = ?,
	low_price_24h = ?,
	open_interest = ?,
	updated_at = ?
WHERE symbol = ?`

const selectColumns = `symbol, name, base_currency, quote_currency, status,
	min_qty, max_qty, tick_size, step_size, max_leverage, maint_margin_rate,
	last_price, price_change_percent, volume_24h, quote_volume_24h,
	high_price_24h, low_price_24h, open_interest, created_at, updated_at`
