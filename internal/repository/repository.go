// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/lrucache"
)

// Repository is the single entry point onto the persistence layer used by
// every stage of the poll tick: device/tag lookups, the write queue drain,
// the persistence batcher and the alarm/activation tables.
type Repository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache

	// tagCache holds the active Tag set keyed by device id, refreshed
	// whenever a device's tag list is mutated through this repository.
	tagCache *lrucache.Cache
}

var (
	repoOnce     sync.Once
	repoInstance *Repository
)

// GetRepository returns the process-wide Repository, built lazily on top of
// the already-established database connection.
func GetRepository() *Repository {
	repoOnce.Do(func() {
		db := GetConnection().DB
		repoInstance = &Repository{
			DB:        db,
			stmtCache: sq.NewStmtCache(db),
			tagCache:  lrucache.New(32 * 1024 * 1024),
		}
	})
	return repoInstance
}

// durationFromMS and msFromDuration convert between the millisecond
// integers every duration column is stored as and time.Duration, the unit
// every table in this package actually works in on the Go side.
func durationFromMS(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func msFromDuration(d time.Duration) int64 {
	return d.Milliseconds()
}
