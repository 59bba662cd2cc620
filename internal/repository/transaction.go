// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
)

// Transaction wraps a single sqlx.Tx. It is committed or rolled back at
// most once; further calls are no-ops or errors as documented below.
type Transaction struct {
	tx   *sqlx.Tx
	done bool
}

// TransactionInit begins a new transaction. The Persistence Batcher bundles
// a whole tick's history/current-value writes into one transaction because
// in sqlite that speeds up batched inserts a lot.
func (r *Repository) TransactionInit() (*Transaction, error) {
	tx, err := r.DB.Beginx()
	if err != nil {
		log.Warn("Error while beginning transaction")
		return nil, err
	}
	return &Transaction{tx: tx}, nil
}

// Commit commits the transaction. Calling it twice is an error.
func (t *Transaction) Commit() error {
	if t.tx == nil || t.done {
		return errors.New("transaction already committed or rolled back")
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback rolls back the transaction. It is safe to call after Commit or
// a previous Rollback; both are no-ops.
func (t *Transaction) Rollback() error {
	if t.tx == nil || t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// TransactionEnd commits t.
//
// Deprecated: use t.Commit.
func (r *Repository) TransactionEnd(t *Transaction) error {
	return t.Commit()
}

// TransactionAdd executes an insert/update statement within t.
func (r *Repository) TransactionAdd(t *Transaction, query string, args ...interface{}) (int64, error) {
	if t == nil || t.tx == nil || t.done {
		return 0, errors.New("transaction is nil or already completed")
	}
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		log.Errorf("Error while adding SQL transaction: %v", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Not every driver/table reports a usable insert id (e.g. a
		// table without an integer primary key); that is not fatal.
		return 0, nil
	}
	return id, nil
}

// TransactionAddNamed executes a named insert/update statement within t.
func (r *Repository) TransactionAddNamed(t *Transaction, query string, arg interface{}) (int64, error) {
	if t == nil || t.tx == nil || t.done {
		return 0, errors.New("transaction is nil or already completed")
	}
	res, err := t.tx.NamedExec(query, arg)
	if err != nil {
		log.Errorf("Error while adding named SQL transaction: %v", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil
	}
	return id, nil
}
