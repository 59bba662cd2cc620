// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

var writeRequestColumns = []string{"id", "tag_id", "value", "timestamp", "processed"}

// EnqueueWrite records an operator-initiated write-back for later drain by
// the core. Returns the new request's id.
func (r *Repository) EnqueueWrite(tagID int64, v schema.Value, at time.Time) (int64, error) {
	res, err := r.DB.Exec(
		`INSERT INTO tag_write_request (tag_id, value, timestamp, processed) VALUES (?, ?, ?, ?)`,
		tagID, v, at, false,
	)
	if err != nil {
		log.Errorf("Error while enqueueing write for tag %d: %v", tagID, err)
		return 0, err
	}
	return res.LastInsertId()
}

// PendingWritesForDevice returns every unprocessed write request for tags
// belonging to deviceID, oldest first -- the Write Queue Drain's input for
// one device's tick.
func (r *Repository) PendingWritesForDevice(deviceID int64) ([]*schema.TagWriteRequest, error) {
	q := sq.Select(prefixed("w", writeRequestColumns)...).
		From("tag_write_request w").
		Join("tag t ON t.id = w.tag_id").
		Where("t.device_id = ? AND w.processed = ?", deviceID, false).
		OrderBy("w.timestamp ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqs := make([]*schema.TagWriteRequest, 0, 8)
	for rows.Next() {
		var w dbWriteRequest
		if err := rows.StructScan(&w); err != nil {
			return nil, err
		}
		reqs = append(reqs, w.toSchema())
	}
	return reqs, rows.Err()
}

// MarkWritesProcessed flags the given write request ids as processed
// regardless of whether the write to the device itself succeeded -- a
// failed write is logged by the write queue drain, not left pending
// forever.
func (r *Repository) MarkWritesProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sq.Update("tag_write_request").
		Set("processed", true).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(q, args...)
	return err
}

func prefixed(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return out
}

type dbWriteRequest struct {
	ID        int64        `db:"id"`
	TagID     int64        `db:"tag_id"`
	Value     schema.Value `db:"value"`
	Timestamp time.Time    `db:"timestamp"`
	Processed bool         `db:"processed"`
}

func (w *dbWriteRequest) toSchema() *schema.TagWriteRequest {
	return &schema.TagWriteRequest{
		ID:        w.ID,
		TagID:     w.TagID,
		Value:     w.Value,
		Timestamp: w.Timestamp,
		Processed: w.Processed,
	}
}
