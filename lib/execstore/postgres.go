// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package execstore persists executions, server claims, and history
// in PostgreSQL, with optimistic version checks on every update.
package execstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"

	// sqlx needs lib/pq to talk to PostgreSQL
	"github.com/lib/pq"
)

var terminalStates = []string{
	string(ripcord.ExecutionStateCompleted),
	string(ripcord.ExecutionStateFailed),
	string(ripcord.ExecutionStateCancelled),
}

// PG is a PostgreSQL-backed execution store.
type PG struct {
	db *sqlx.DB
}

// New opens a connection pool using the given lib/pq connection
// string and ensures the schema exists.
func New(ctx context.Context, connstr string, maxconns int) (*PG, error) {
	db, err := sqlx.Open("postgres", connstr)
	if err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}
	if maxconns > 0 {
		db.SetMaxOpenConns(maxconns)
	}
	err = db.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgresql ping failed: %w", err)
	}
	pg := &PG{db: db}
	err = pg.ensureSchema(ctx)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func (pg *PG) ensureSchema(ctx context.Context) error {
	_, err := pg.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("error applying schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (pg *PG) Close() error {
	return pg.db.Close()
}

type executionRow struct {
	UUID        string         `db:"uuid"`
	PlanUUID    string         `db:"plan_uuid"`
	PlanVersion int64          `db:"plan_version"`
	Kind        string         `db:"kind"`
	State       string         `db:"state"`
	Initiator   string         `db:"initiator"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	FinishedAt  sql.NullTime   `db:"finished_at"`
	ResumeToken sql.NullString `db:"resume_token"`
	Error       sql.NullString `db:"error"`
	Waves       []byte         `db:"waves"`
	Version     int64          `db:"version"`
}

func toRow(ex *ripcord.Execution) (*executionRow, error) {
	waves, err := json.Marshal(ex.Waves)
	if err != nil {
		return nil, err
	}
	row := &executionRow{
		UUID:        ex.UUID,
		PlanUUID:    ex.PlanUUID,
		PlanVersion: ex.PlanVersion,
		Kind:        string(ex.Kind),
		State:       string(ex.State),
		Initiator:   ex.Initiator,
		CreatedAt:   ex.CreatedAt,
		Waves:       waves,
		Version:     ex.Version,
	}
	if !ex.StartedAt.IsZero() {
		row.StartedAt = sql.NullTime{Time: ex.StartedAt, Valid: true}
	}
	if !ex.FinishedAt.IsZero() {
		row.FinishedAt = sql.NullTime{Time: ex.FinishedAt, Valid: true}
	}
	if ex.ResumeToken != "" {
		row.ResumeToken = sql.NullString{String: ex.ResumeToken, Valid: true}
	}
	if ex.Error != "" {
		row.Error = sql.NullString{String: ex.Error, Valid: true}
	}
	return row, nil
}

func (row *executionRow) toExecution() (ripcord.Execution, error) {
	ex := ripcord.Execution{
		UUID:        row.UUID,
		PlanUUID:    row.PlanUUID,
		PlanVersion: row.PlanVersion,
		Kind:        ripcord.ExecutionKind(row.Kind),
		State:       ripcord.ExecutionState(row.State),
		Initiator:   row.Initiator,
		CreatedAt:   row.CreatedAt,
		StartedAt:   row.StartedAt.Time,
		FinishedAt:  row.FinishedAt.Time,
		ResumeToken: row.ResumeToken.String,
		Error:       row.Error.String,
		Version:     row.Version,
	}
	err := json.Unmarshal(row.Waves, &ex.Waves)
	if err != nil {
		return ripcord.Execution{}, fmt.Errorf("error decoding waves for execution %s: %w", row.UUID, err)
	}
	return ex, nil
}

// CreateExecution implements recoveryorch.ExecutionStore.
func (pg *PG) CreateExecution(ctx context.Context, ex *ripcord.Execution, claimedIDs []string) (err error) {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	var nactive int
	err = tx.GetContext(ctx, &nactive, `
		SELECT count(*) FROM executions
		 WHERE plan_uuid = $1 AND state != ALL($2)`,
		ex.PlanUUID, pq.Array(terminalStates))
	if err != nil {
		return err
	}
	if nactive > 0 {
		return ripcord.ErrPlanBusy
	}

	conflicts, err := checkConflictsTx(ctx, tx, ex.UUID, claimedIDs)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ripcord.ConflictError{Conflicts: conflicts}
	}

	ex.Version = 1
	row, err := toRow(ex)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO executions
		(uuid, plan_uuid, plan_version, kind, state, initiator, created_at,
		 started_at, finished_at, resume_token, error, waves, version)
		VALUES
		(:uuid, :plan_uuid, :plan_version, :kind, :state, :initiator, :created_at,
		 :started_at, :finished_at, :resume_token, :error, :waves, :version)`,
		row)
	if err != nil {
		return err
	}
	for _, id := range claimedIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_claims (execution_uuid, server_id)
			VALUES ($1, $2)`, ex.UUID, id)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetExecution implements recoveryorch.ExecutionStore.
func (pg *PG) GetExecution(ctx context.Context, uuid string) (ripcord.Execution, error) {
	var row executionRow
	err := pg.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE uuid = $1`, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return ripcord.Execution{}, fmt.Errorf("execution %s: %w", uuid, ripcord.ErrNotFound)
	} else if err != nil {
		return ripcord.Execution{}, err
	}
	return row.toExecution()
}

// ListExecutions implements recoveryorch.ExecutionStore.
func (pg *PG) ListExecutions(ctx context.Context) ([]ripcord.Execution, error) {
	return pg.list(ctx, `SELECT * FROM executions ORDER BY created_at`)
}

// ListActiveExecutions implements recoveryorch.ExecutionStore.
func (pg *PG) ListActiveExecutions(ctx context.Context) ([]ripcord.Execution, error) {
	return pg.list(ctx, `SELECT * FROM executions WHERE state != ALL($1) ORDER BY created_at`, pq.Array(terminalStates))
}

func (pg *PG) list(ctx context.Context, query string, args ...interface{}) ([]ripcord.Execution, error) {
	var rows []executionRow
	err := pg.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]ripcord.Execution, 0, len(rows))
	for i := range rows {
		ex, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// UpdateExecution implements recoveryorch.ExecutionStore.
func (pg *PG) UpdateExecution(ctx context.Context, ex *ripcord.Execution) (err error) {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return updateTx(ctx, tx, ex)
}

func updateTx(ctx context.Context, tx *sqlx.Tx, ex *ripcord.Execution) error {
	row, err := toRow(ex)
	if err != nil {
		return err
	}
	res, err := tx.NamedExecContext(ctx, `
		UPDATE executions
		   SET state = :state, started_at = :started_at,
		       finished_at = :finished_at,
		       resume_token = :resume_token, error = :error,
		       waves = :waves, version = :version + 1
		 WHERE uuid = :uuid AND version = :version`,
		row)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("execution %s at version %d: %w", ex.UUID, ex.Version, ripcord.ErrVersionConflict)
	}
	ex.Version++
	return nil
}

// CheckConflicts implements recoveryorch.ExecutionStore.
func (pg *PG) CheckConflicts(ctx context.Context, exclude string, serverIDs []string) ([]ripcord.Conflict, error) {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return checkConflictsTx(ctx, tx, exclude, serverIDs)
}

func checkConflictsTx(ctx context.Context, tx *sqlx.Tx, exclude string, serverIDs []string) ([]ripcord.Conflict, error) {
	if len(serverIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT c.server_id, c.execution_uuid
		  FROM execution_claims c
		  JOIN executions e ON e.uuid = c.execution_uuid
		 WHERE e.state != ALL($1)
		   AND c.execution_uuid != $2
		   AND c.server_id = ANY($3)
		 ORDER BY c.server_id`,
		pq.Array(terminalStates), exclude, pq.Array(serverIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conflicts []ripcord.Conflict
	for rows.Next() {
		var c ripcord.Conflict
		err = rows.Scan(&c.ServerID, &c.ExecutionUUID)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ClaimServers implements recoveryorch.ExecutionStore: the per-wave
// conflict re-check and the execution update happen in one
// transaction, so a sibling execution racing on the same servers
// loses on either the claim check or the version check.
func (pg *PG) ClaimServers(ctx context.Context, ex *ripcord.Execution, serverIDs []string) (err error) {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	conflicts, err := checkConflictsTx(ctx, tx, ex.UUID, serverIDs)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &ripcord.ConflictError{Conflicts: conflicts}
	}
	return updateTx(ctx, tx, ex)
}

// AppendHistory implements recoveryorch.ExecutionStore.
func (pg *PG) AppendHistory(ctx context.Context, ent ripcord.HistoryEntry) error {
	serverIDs, err := json.Marshal(ent.ServerIDs)
	if err != nil {
		return err
	}
	_, err = pg.db.ExecContext(ctx, `
		INSERT INTO execution_history
		(uuid, execution_uuid, plan_uuid, kind, state, server_ids, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ent.UUID, ent.ExecutionUUID, ent.PlanUUID, string(ent.Kind), string(ent.State),
		serverIDs, ent.CreatedAt, ent.FinishedAt)
	return err
}

// SweepHistory implements recoveryorch.ExecutionStore. Entries are
// only removed once their execution is terminal (history is written
// at the terminal transition, so that is implied) and older than the
// retention cutoff.
func (pg *PG) SweepHistory(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := pg.db.ExecContext(ctx, `
		DELETE FROM execution_history WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
