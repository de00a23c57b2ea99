package postgres

// schema is applied in order inside one transaction on every start. Statements must stay idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS merkle_tree_roots (
		id                     UUID PRIMARY KEY,
		chain_id               BIGINT NOT NULL,
		asset_contract_address TEXT NOT NULL,
		block_number           BIGINT NOT NULL,
		root_hash              BYTEA NOT NULL,
		hash_fn                TEXT NOT NULL,
		CONSTRAINT merkle_tree_roots_natural_key UNIQUE (chain_id, asset_contract_address, root_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS merkle_tree_leaves (
		id             UUID PRIMARY KEY,
		root_id        UUID NOT NULL REFERENCES merkle_tree_roots (id) ON DELETE CASCADE,
		holder_address TEXT NOT NULL,
		balance        NUMERIC(78, 0) NOT NULL,
		CONSTRAINT merkle_tree_leaves_holder UNIQUE (root_id, holder_address)
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id                       UUID PRIMARY KEY,
		project_id               UUID NOT NULL,
		name                     TEXT NOT NULL,
		chain_id                 BIGINT NOT NULL,
		asset_contract_address   TEXT NOT NULL,
		block_number             BIGINT NOT NULL,
		ignored_holder_addresses TEXT[] NOT NULL DEFAULT '{}',
		status                   TEXT NOT NULL,
		failure_cause            TEXT,
		merkle_tree_root_id      UUID,
		merkle_tree_pin_hash     TEXT,
		total_asset_amount       NUMERIC(78, 0),
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS snapshots_status_created_at ON snapshots (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS snapshots_project_created_at ON snapshots (project_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS deployment_blocks (
		chain_id               BIGINT NOT NULL,
		asset_contract_address TEXT NOT NULL,
		block_number           BIGINT NOT NULL,
		PRIMARY KEY (chain_id, asset_contract_address)
	)`,
}
