// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package execstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// Plans resolves recovery plan definitions from the definitions
// table, with a read-through LRU cache. Plan definitions are
// immutable once referenced by an execution (the CRUD layer bumps the
// version and rejects mutation while an execution is active), so
// caching by uuid+version is safe.
type Plans struct {
	db    queryer
	cache *lru.TwoQueueCache
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewPlans returns a plan store reading through pg with a cache of
// the given size.
func NewPlans(pg *PG, cacheSize int) (*Plans, error) {
	cache, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Plans{db: pg.db, cache: cache}, nil
}

// GetPlan implements recoveryorch.PlanStore.
func (p *Plans) GetPlan(ctx context.Context, uuid string) (*ripcord.RecoveryPlan, error) {
	var version int64
	var definition []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT version, definition FROM recovery_plans WHERE uuid = $1`,
		uuid).Scan(&version, &definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", uuid, ripcord.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	cacheKey := fmt.Sprintf("%s@%d", uuid, version)
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached.(*ripcord.RecoveryPlan), nil
	}
	var plan ripcord.RecoveryPlan
	err = json.Unmarshal(definition, &plan)
	if err != nil {
		return nil, fmt.Errorf("error decoding plan %s: %w", uuid, err)
	}
	plan.UUID = uuid
	plan.Version = version
	p.cache.Add(cacheKey, &plan)
	return &plan, nil
}
