package substrate

// schema holds every table, index and virtual table beaverdb needs. Table
// names are normative: they appear on disk and must not change
// across versions without a migration story, which is explicitly out of
// scope.
const schema = `
CREATE TABLE IF NOT EXISTS beaver_dicts (
	dict_name  TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	expires_at REAL,
	PRIMARY KEY (dict_name, key)
);

CREATE TABLE IF NOT EXISTS beaver_lists (
	list_name  TEXT NOT NULL,
	item_order REAL NOT NULL,
	item_value TEXT NOT NULL,
	PRIMARY KEY (list_name, item_order)
);

CREATE TABLE IF NOT EXISTS beaver_priority_queues (
	queue_name TEXT NOT NULL,
	priority   REAL NOT NULL,
	timestamp  REAL NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beaver_priority_queues_order
	ON beaver_priority_queues (queue_name, priority ASC, timestamp ASC);

CREATE TABLE IF NOT EXISTS beaver_blobs (
	store_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       BLOB NOT NULL,
	metadata   TEXT,
	PRIMARY KEY (store_name, key)
);

CREATE TABLE IF NOT EXISTS beaver_logs (
	log_name  TEXT NOT NULL,
	timestamp REAL NOT NULL,
	data      TEXT NOT NULL,
	PRIMARY KEY (log_name, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_beaver_logs_name_ts ON beaver_logs (log_name, timestamp);

CREATE TABLE IF NOT EXISTS beaver_pubsub_log (
	timestamp      REAL PRIMARY KEY,
	channel_name   TEXT NOT NULL,
	message_payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beaver_pubsub_channel_ts ON beaver_pubsub_log (channel_name, timestamp);

CREATE TABLE IF NOT EXISTS beaver_collections (
	collection  TEXT NOT NULL,
	item_id     TEXT NOT NULL,
	item_vector BLOB,
	metadata    TEXT NOT NULL,
	PRIMARY KEY (collection, item_id)
);

CREATE VIRTUAL TABLE IF NOT EXISTS beaver_fts_index USING fts5(
	collection UNINDEXED,
	item_id UNINDEXED,
	field_path UNINDEXED,
	field_content,
	tokenize = 'porter'
);

CREATE TABLE IF NOT EXISTS beaver_trigrams (
	collection TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	field_path TEXT NOT NULL,
	trigram    TEXT NOT NULL,
	PRIMARY KEY (collection, field_path, trigram, item_id)
);
CREATE INDEX IF NOT EXISTS idx_beaver_trigrams_lookup ON beaver_trigrams (collection, trigram, field_path);

CREATE TABLE IF NOT EXISTS beaver_edges (
	collection     TEXT NOT NULL,
	source_item_id TEXT NOT NULL,
	target_item_id TEXT NOT NULL,
	label          TEXT NOT NULL,
	metadata       TEXT,
	PRIMARY KEY (collection, source_item_id, target_item_id, label)
);
CREATE INDEX IF NOT EXISTS idx_beaver_edges_source ON beaver_edges (collection, source_item_id, label);
CREATE INDEX IF NOT EXISTS idx_beaver_edges_target ON beaver_edges (collection, target_item_id, label);

CREATE TABLE IF NOT EXISTS beaver_collection_versions (
	collection_name TEXT PRIMARY KEY,
	base_version    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS beaver_manager_versions (
	namespace TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS beaver_lock_waiters (
	lock_name    TEXT NOT NULL,
	waiter_id    TEXT NOT NULL,
	requested_at REAL NOT NULL,
	expires_at   REAL NOT NULL,
	PRIMARY KEY (lock_name, requested_at)
);
CREATE INDEX IF NOT EXISTS idx_beaver_lock_waiters_expiry ON beaver_lock_waiters (lock_name, expires_at);
CREATE INDEX IF NOT EXISTS idx_beaver_lock_waiters_id ON beaver_lock_waiters (lock_name, waiter_id);

CREATE TABLE IF NOT EXISTS _vector_change_log (
	log_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	collection_name TEXT NOT NULL,
	item_id         TEXT NOT NULL,
	operation_type  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vector_change_log_collection ON _vector_change_log (collection_name, log_id);
`

// Vector change-log operation codes.
const (
	VectorOpInsert = 1
	VectorOpDelete = 2
)
