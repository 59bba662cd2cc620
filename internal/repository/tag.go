// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// tagCacheTTL bounds how stale a device's tag list can be after it is
// reconfigured through a path that forgets to call InvalidateDeviceTags.
const tagCacheTTL = 5 * time.Minute

var tagColumns = []string{
	"id", "external_id", "device_id", "unit_id", "channel", "data_type",
	"address", "bit_index", "read_amount", "restricted_write",
	"history_interval_ms", "history_retention_ms", "current_value",
	"last_updated", "last_history_at", "is_active",
}

// TagsForDevice returns every active tag belonging to device, answering
// from tagCache when a prior tick already populated it.
func (r *Repository) TagsForDevice(deviceID int64) ([]*schema.Tag, error) {
	key := fmt.Sprintf("device-tags-%d", deviceID)
	v := r.tagCache.Get(key, func() (interface{}, time.Duration, int) {
		tags, err := r.queryTagsForDevice(deviceID)
		if err != nil {
			log.Errorf("Error while loading tags for device %d: %v", deviceID, err)
			return ([]*schema.Tag)(nil), time.Second, 0
		}
		return tags, tagCacheTTL, len(tags) * 256
	})
	tags, _ := v.([]*schema.Tag)
	return tags, nil
}

// InvalidateDeviceTags drops the cached tag list for deviceID; call this
// whenever a tag is added, removed or reconfigured out from under a
// running engine.
func (r *Repository) InvalidateDeviceTags(deviceID int64) {
	r.tagCache.Del(fmt.Sprintf("device-tags-%d", deviceID))
}

func (r *Repository) queryTagsForDevice(deviceID int64) ([]*schema.Tag, error) {
	q := sq.Select(tagColumns...).From("tag").
		Where("device_id = ? AND is_active = ?", deviceID, true).
		OrderBy("address ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make([]*schema.Tag, 0, 32)
	for rows.Next() {
		var t dbTag
		if err := rows.StructScan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t.toSchema())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := validateNoBitCollisions(tags); err != nil {
		return nil, fmt.Errorf("device %d: %w", deviceID, err)
	}
	return tags, nil
}

// validateNoBitCollisions enforces the §3 memory-overlap invariant at
// load time, in one place, rather than relying on the Block Planner to
// silently tolerate a misconfigured tag set: within one (channel,
// unit_id), two tags' [address, address+read_count) ranges must not
// overlap unless both are bit-indexed booleans on the same register —
// and even then the two must not claim the same bit.
func validateNoBitCollisions(tags []*schema.Tag) error {
	type partitionKey struct {
		channel schema.Channel
		unitID  uint8
	}
	partitions := make(map[partitionKey][]*schema.Tag)
	for _, t := range tags {
		k := partitionKey{t.Channel, t.UnitID}
		partitions[k] = append(partitions[k], t)
	}

	for k, group := range partitions {
		sort.Slice(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		bitsClaimed := make(map[uint16]map[int]string)
		for i, t := range group {
			end := int(t.Address) + t.ReadCount()
			for _, other := range group[i+1:] {
				if int(other.Address) >= end {
					break
				}
				if !(t.IsBitIndexed() && other.IsBitIndexed() && t.Address == other.Address) {
					return fmt.Errorf("tag %q and tag %q overlap on channel %s unit %d: [%d,%d) vs [%d,%d)",
						t.ExternalID, other.ExternalID, k.channel, k.unitID,
						t.Address, end, other.Address, int(other.Address)+other.ReadCount())
				}
			}

			if t.IsBitIndexed() {
				if bitsClaimed[t.Address] == nil {
					bitsClaimed[t.Address] = make(map[int]string)
				}
				if owner, claimed := bitsClaimed[t.Address][t.BitIndex]; claimed {
					return fmt.Errorf("tag %q and tag %q both claim bit %d of channel %s unit %d address %d",
						owner, t.ExternalID, t.BitIndex, k.channel, k.unitID, t.Address)
				}
				bitsClaimed[t.Address][t.BitIndex] = t.ExternalID
			}
		}
	}
	return nil
}

// GetTag returns a single tag by its primary key.
func (r *Repository) GetTag(id int64) (*schema.Tag, error) {
	q := sq.Select(tagColumns...).From("tag").Where("id = ?", id)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var t dbTag
	if err := r.DB.Get(&t, sqlStr, args...); err != nil {
		return nil, err
	}
	return t.toSchema(), nil
}

// UpdateTagValue persists a tag's current value and bumps last_updated;
// called by the Tick Scheduler once per tick for every tag that was read,
// whether or not its decoded value changed.
func (r *Repository) UpdateTagValue(tagID int64, v schema.Value, at time.Time) error {
	_, err := r.DB.Exec(
		`UPDATE tag SET current_value = ?, last_updated = ? WHERE id = ?`,
		v, at, tagID,
	)
	return err
}

// MarkTagHistorySampled bumps last_history_at after the History Sampler
// inserts a row for this tag, so the next interval check starts from here.
func (r *Repository) MarkTagHistorySampled(tagID int64, at time.Time) error {
	_, err := r.DB.Exec(`UPDATE tag SET last_history_at = ? WHERE id = ?`, at, tagID)
	return err
}

// TagIDByExternalID resolves a tag's external_id to its primary key, for
// the websocket subscription handshake which speaks external_ids but the
// fan-out hub tracks subscriptions by id.
func (r *Repository) TagIDByExternalID(externalID string) (int64, error) {
	var id int64
	err := r.DB.Get(&id, `SELECT id FROM tag WHERE external_id = ?`, externalID)
	return id, err
}

// AddTag inserts a new tag under deviceID and invalidates that device's
// tag cache entry.
func (r *Repository) AddTag(t *schema.Tag) (int64, error) {
	res, err := r.DB.Exec(
		`INSERT INTO tag (external_id, device_id, unit_id, channel, data_type, address,
			bit_index, read_amount, restricted_write, history_interval_ms,
			history_retention_ms, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExternalID, t.DeviceID, t.UnitID, t.Channel, t.DataType, t.Address,
		t.BitIndex, t.ReadAmount, t.RestrictedWrite, msFromDuration(t.HistoryInterval),
		msFromDuration(t.HistoryRetention), t.IsActive,
	)
	if err != nil {
		log.Errorf("Error while inserting tag %q: %v", t.ExternalID, err)
		return 0, err
	}
	r.InvalidateDeviceTags(t.DeviceID)
	return res.LastInsertId()
}

type dbTag struct {
	ID                  int64          `db:"id"`
	ExternalID          string         `db:"external_id"`
	DeviceID            int64          `db:"device_id"`
	UnitID              uint8          `db:"unit_id"`
	Channel             string         `db:"channel"`
	DataType            string         `db:"data_type"`
	Address             uint16         `db:"address"`
	BitIndex            int            `db:"bit_index"`
	ReadAmount          int            `db:"read_amount"`
	RestrictedWrite     bool           `db:"restricted_write"`
	HistoryIntervalMS   int64          `db:"history_interval_ms"`
	HistoryRetentionMS  int64          `db:"history_retention_ms"`
	CurrentValue        schema.Value   `db:"current_value"`
	LastUpdated         *time.Time     `db:"last_updated"`
	LastHistoryAt       *time.Time     `db:"last_history_at"`
	IsActive            bool           `db:"is_active"`
}

func (t *dbTag) toSchema() *schema.Tag {
	out := &schema.Tag{
		ID:               t.ID,
		ExternalID:       t.ExternalID,
		DeviceID:         t.DeviceID,
		UnitID:           t.UnitID,
		Channel:          schema.Channel(t.Channel),
		DataType:         schema.DataType(t.DataType),
		Address:          t.Address,
		BitIndex:         t.BitIndex,
		ReadAmount:       t.ReadAmount,
		RestrictedWrite:  t.RestrictedWrite,
		HistoryInterval:  durationFromMS(t.HistoryIntervalMS),
		HistoryRetention: durationFromMS(t.HistoryRetentionMS),
		CurrentValue:     t.CurrentValue,
		IsActive:         t.IsActive,
	}
	if t.LastUpdated != nil {
		out.LastUpdated = *t.LastUpdated
	}
	if t.LastHistoryAt != nil {
		out.LastHistoryAt = *t.LastHistoryAt
	}
	return out
}
