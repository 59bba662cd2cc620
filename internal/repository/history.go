// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"time"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// InsertHistoryBatch bundles a tick's worth of history-interval-gated
// samples into a single transaction, the pattern the teacher's job
// importer uses bulk inserts for: one transaction per batch is
// dramatically faster than one per row on sqlite.
func (r *Repository) InsertHistoryBatch(entries []*schema.TagHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	t, err := r.TransactionInit()
	if err != nil {
		return err
	}
	defer t.Rollback()

	for _, e := range entries {
		if _, err := r.TransactionAdd(t,
			`INSERT INTO tag_history_entry (tag_id, timestamp, value) VALUES (?, ?, ?)`,
			e.TagID, e.Timestamp, e.Value); err != nil {
			log.Errorf("Error while inserting history entry for tag %d: %v", e.TagID, err)
			return err
		}
	}

	return t.Commit()
}

// PruneHistoryOlderThan deletes history rows older than the given
// timestamp for a single tag, applying that tag's own HistoryRetention.
// Called by the periodic retention sweep, not the hot tick path.
func (r *Repository) PruneHistoryOlderThan(tagID int64, cutoff time.Time) (int64, error) {
	res, err := r.DB.Exec(
		`DELETE FROM tag_history_entry WHERE tag_id = ? AND timestamp < ?`,
		tagID, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TagsWithRetention returns the (id, retention) pairs for every active tag
// with a non-zero HistoryRetention, the retention sweep's work list.
func (r *Repository) TagsWithRetention() ([]schema.Tag, error) {
	rows, err := r.DB.Queryx(
		`SELECT id, history_retention_ms FROM tag WHERE is_active = ? AND history_retention_ms > 0`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]schema.Tag, 0, 16)
	for rows.Next() {
		var id int64
		var retentionMS int64
		if err := rows.Scan(&id, &retentionMS); err != nil {
			return nil, err
		}
		out = append(out, schema.Tag{ID: id, HistoryRetention: durationFromMS(retentionMS)})
	}
	return out, rows.Err()
}
