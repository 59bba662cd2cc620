// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionInit(t *testing.T) {
	r := setup(t)

	tx, err := r.TransactionInit()
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.NotNil(t, tx.tx)

	require.NoError(t, tx.Rollback())
}

func TestTransactionCommit(t *testing.T) {
	r := setup(t)

	t.Run("commit after successful insert", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		_, err = r.TransactionAdd(tx,
			`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"commit-dev", "10.0.0.1", 502, "tcp", "big", 1000, true)
		require.NoError(t, err)

		require.NoError(t, tx.Commit())

		var count int
		require.NoError(t, r.DB.QueryRow(`SELECT COUNT(*) FROM device WHERE alias = ?`, "commit-dev").Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("commit twice fails", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		require.NoError(t, tx.Commit())

		err = tx.Commit()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "transaction already committed or rolled back")
	})
}

func TestTransactionRollback(t *testing.T) {
	r := setup(t)

	t.Run("rollback undoes the insert", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		_, err = r.TransactionAdd(tx,
			`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"rollback-dev", "10.0.0.2", 502, "tcp", "big", 1000, true)
		require.NoError(t, err)

		require.NoError(t, tx.Rollback())

		var count int
		require.NoError(t, r.DB.QueryRow(`SELECT COUNT(*) FROM device WHERE alias = ?`, "rollback-dev").Scan(&count))
		assert.Equal(t, 0, count)
	})

	t.Run("double rollback is a no-op", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		require.NoError(t, tx.Rollback())
		assert.NoError(t, tx.Rollback())
	})

	t.Run("rollback after commit is a no-op", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		require.NoError(t, tx.Commit())
		assert.NoError(t, tx.Rollback())
	})
}

func TestTransactionAdd(t *testing.T) {
	r := setup(t)

	t.Run("insert returns a valid id", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)
		defer tx.Rollback()

		id, err := r.TransactionAdd(tx,
			`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"add-dev", "10.0.0.3", 502, "tcp", "big", 1000, true)
		require.NoError(t, err)
		assert.Greater(t, id, int64(0))
	})

	t.Run("error on nil transaction", func(t *testing.T) {
		_, err := r.TransactionAdd(nil, `INSERT INTO device (alias, host, port) VALUES (?, ?, ?)`, "x", "y", 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "transaction is nil or already completed")
	})

	t.Run("error on invalid SQL", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)
		defer tx.Rollback()

		_, err = r.TransactionAdd(tx, "NOT VALID SQL")
		assert.Error(t, err)
	})

	t.Run("error after commit", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = r.TransactionAdd(tx,
			`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"late-dev", "10.0.0.4", 502, "tcp", "big", 1000, true)
		assert.Error(t, err)
	})
}

func TestTransactionAddNamed(t *testing.T) {
	r := setup(t)

	tx, err := r.TransactionInit()
	require.NoError(t, err)
	defer tx.Rollback()

	type deviceArgs struct {
		Alias       string `db:"alias"`
		Host        string `db:"host"`
		Port        int    `db:"port"`
		Protocol    string `db:"protocol"`
		WordOrder   string `db:"word_order"`
		OpTimeoutMS int64  `db:"op_timeout_ms"`
		IsActive    bool   `db:"is_active"`
	}

	id, err := r.TransactionAddNamed(tx,
		`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
		 VALUES (:alias, :host, :port, :protocol, :word_order, :op_timeout_ms, :is_active)`,
		deviceArgs{Alias: "named-dev", Host: "10.0.0.5", Port: 502, Protocol: "tcp", WordOrder: "big", OpTimeoutMS: 1000, IsActive: true})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))
}

func TestTransactionMultipleOperations(t *testing.T) {
	r := setup(t)

	t.Run("multiple inserts commit together", func(t *testing.T) {
		tx, err := r.TransactionInit()
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			_, err = r.TransactionAdd(tx,
				`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				"multi-dev", "10.0.1.1", 502+i, "tcp", "big", 1000, true)
			require.NoError(t, err)
		}

		require.NoError(t, tx.Commit())

		var count int
		require.NoError(t, r.DB.QueryRow(`SELECT COUNT(*) FROM device WHERE alias = ?`, "multi-dev").Scan(&count))
		assert.Equal(t, 5, count)
	})
}

func TestTransactionEnd(t *testing.T) {
	r := setup(t)

	tx, err := r.TransactionInit()
	require.NoError(t, err)

	_, err = r.TransactionAdd(tx,
		`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"end-dev", "10.0.1.2", 502, "tcp", "big", 1000, true)
	require.NoError(t, err)

	require.NoError(t, r.TransactionEnd(tx))

	var count int
	require.NoError(t, r.DB.QueryRow(`SELECT COUNT(*) FROM device WHERE alias = ?`, "end-dev").Scan(&count))
	assert.Equal(t, 1, count)
}
