// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package execstore

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	uuid            text PRIMARY KEY,
	plan_uuid       text NOT NULL,
	plan_version    bigint NOT NULL,
	kind            text NOT NULL,
	state           text NOT NULL,
	initiator       text NOT NULL DEFAULT '',
	created_at      timestamptz NOT NULL,
	started_at      timestamptz,
	finished_at     timestamptz,
	resume_token    text,
	error           text,
	waves           jsonb NOT NULL DEFAULT '[]',
	version         bigint NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS executions_plan_state ON executions (plan_uuid, state);

CREATE TABLE IF NOT EXISTS execution_claims (
	execution_uuid text NOT NULL REFERENCES executions (uuid) ON DELETE CASCADE,
	server_id      text NOT NULL,
	PRIMARY KEY (execution_uuid, server_id)
);
CREATE INDEX IF NOT EXISTS execution_claims_server ON execution_claims (server_id);

CREATE TABLE IF NOT EXISTS execution_history (
	uuid           text PRIMARY KEY,
	execution_uuid text NOT NULL,
	plan_uuid      text NOT NULL,
	kind           text NOT NULL,
	state          text NOT NULL,
	server_ids     jsonb NOT NULL DEFAULT '[]',
	created_at     timestamptz NOT NULL,
	finished_at    timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS execution_history_finished ON execution_history (finished_at);

CREATE TABLE IF NOT EXISTS recovery_plans (
	uuid       text PRIMARY KEY,
	version    bigint NOT NULL,
	definition jsonb NOT NULL
);
`
