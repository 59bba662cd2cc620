// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/lrucache"
)

// setup opens a fresh in-memory sqlite3 database, applies the sqlite3
// migrations and returns a Repository wired against it. Every test gets
// its own database so table state never leaks between tests.
func setup(t *testing.T) *Repository {
	t.Helper()

	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	require.NoError(t, err)

	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	require.NoError(t, err)

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err)
	}

	return &Repository{
		DB:        db,
		stmtCache: sq.NewStmtCache(db),
		tagCache:  lrucache.New(1024 * 1024),
	}
}
