package flows

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the default schema (DefaultSchema) required by this package.
//
// Notes:
//   - `run_id` is stored as Postgres `uuid`. UUIDv7 generation is done in Go.
//   - payloads are stored as jsonb (default codec is JSON).
//   - runs_active_key_idx enforces at most one active run per workflow key.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the schema required by this package for a given Postgres schema name.
//
// The schema name is validated conservatively and will fall back to DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := DBConfig{Schema: schema}
	schema = cfg.schema()
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newDBTables(cfg)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	workflow_name_shard text NOT NULL,
	run_id        uuid NOT NULL,
	workflow_name text NOT NULL,
	workflow_key  text NOT NULL,
	status        text NOT NULL,
	input_json    jsonb NOT NULL,
	output_json   jsonb,
	error_text    text,
	next_wake_at  timestamptz,
	lease_owner   uuid,
	lease_until   timestamptz,
	attempts      int NOT NULL DEFAULT 0,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now(),
	finished_at   timestamptz,
	PRIMARY KEY (workflow_name_shard, run_id)
);

CREATE INDEX IF NOT EXISTS runs_runnable_idx
	ON %s (workflow_name_shard, status, next_wake_at, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS runs_active_key_idx
	ON %s (workflow_name_shard, workflow_name, workflow_key)
	WHERE status IN %s;

CREATE INDEX IF NOT EXISTS runs_key_idx
	ON %s (workflow_name_shard, workflow_name, workflow_key, created_at);

CREATE TABLE IF NOT EXISTS %s (
	workflow_name_shard text NOT NULL,
	run_id      uuid NOT NULL,
	step_key    text NOT NULL,
	status      text NOT NULL,
	input_json  jsonb,
	output_json jsonb,
	error_text  text,
	attempts    int NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (workflow_name_shard, run_id, step_key),
	FOREIGN KEY (workflow_name_shard, run_id)
		REFERENCES %s(workflow_name_shard, run_id)
		ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS %s (
	workflow_name_shard text NOT NULL,
	run_id       uuid NOT NULL,
	wait_key     text NOT NULL,
	wait_type    text NOT NULL,
	wake_at      timestamptz,
	satisfied_at timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (workflow_name_shard, run_id, wait_key),
	FOREIGN KEY (workflow_name_shard, run_id)
		REFERENCES %s(workflow_name_shard, run_id)
		ON DELETE CASCADE
);
`,
		schemaIdent,
		t.runs,
		t.runs,
		t.runs, activeStatusList,
		t.runs,
		t.steps,
		t.runs,
		t.waits,
		t.runs,
	)
}

// CitusSchemaSQLFor returns the Citus distributed table setup SQL for a given Postgres schema name.
//
// This should be run AFTER SchemaSQL has created the tables. It distributes all tables
// by the `workflow_name_shard` column and colocates child tables with the runs table.
func CitusSchemaSQLFor(schema string) string {
	cfg := DBConfig{Schema: schema}
	schema = cfg.schema()

	runs := schema + ".runs"
	steps := schema + ".steps"
	waits := schema + ".waits"

	return fmt.Sprintf(`
SELECT create_distributed_table('%s', 'workflow_name_shard');
SELECT create_distributed_table('%s', 'workflow_name_shard', colocate_with => '%s');
SELECT create_distributed_table('%s', 'workflow_name_shard', colocate_with => '%s');
`,
		runs,
		steps, runs,
		waits, runs,
	)
}

// CitusSchemaSQL is the Citus distributed table setup for the default schema (DefaultSchema).
var CitusSchemaSQL = CitusSchemaSQLFor(DefaultSchema)
