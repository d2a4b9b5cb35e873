package store

var ledgerDDL = []string{
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		job_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		target_ref TEXT NOT NULL,
		pair_key TEXT NOT NULL,
		conflict_policy TEXT NOT NULL,
		status TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		tables_json TEXT NOT NULL,
		parameters_json TEXT NOT NULL,
		options_json TEXT NOT NULL,
		totals_json TEXT NOT NULL,
		summary_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_jobs_status_idx ON sync_jobs (status, started_at)`,
	`CREATE INDEX IF NOT EXISTS sync_jobs_pair_idx ON sync_jobs (pair_key)`,
	`CREATE TABLE IF NOT EXISTS sync_slices (
		job_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		target_table TEXT NOT NULL,
		primary_keys_json TEXT NOT NULL,
		filter_expr TEXT NOT NULL DEFAULT '',
		checkpoint_json TEXT,
		planned BIGINT NOT NULL DEFAULT 0,
		rows_seen BIGINT NOT NULL DEFAULT 0,
		rows_written BIGINT NOT NULL DEFAULT 0,
		rows_skipped BIGINT NOT NULL DEFAULT 0,
		rows_errored BIGINT NOT NULL DEFAULT 0,
		rows_conflicted BIGINT NOT NULL DEFAULT 0,
		rows_deleted BIGINT NOT NULL DEFAULT 0,
		batches BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (job_id, table_name)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_conflicts (
		conflict_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		primary_key_json TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		source_json TEXT NOT NULL,
		target_json TEXT NOT NULL,
		diffs_json TEXT NOT NULL,
		policy_applied TEXT NOT NULL,
		resolution TEXT NOT NULL,
		resolved_at TEXT,
		resolver TEXT NOT NULL DEFAULT '',
		notes_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_conflicts_job_idx ON sync_conflicts (job_id, table_name, resolution)`,
	`CREATE TABLE IF NOT EXISTS sync_events (
		job_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		table_name TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_rollback_units (
		unit_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		table_name TEXT NOT NULL,
		key_columns_json TEXT NOT NULL,
		entries_json TEXT NOT NULL,
		applied INTEGER NOT NULL DEFAULT 0,
		reverted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_locks (
		pair_key TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	)`,
}
