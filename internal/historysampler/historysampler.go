// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package historysampler decides, per tag per tick, whether an
// interval-gated history sample is due, and prunes rows past a tag's
// retention window on a periodic sweep separate from the hot tick path.
package historysampler

import (
	"time"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Store is the persistence surface the sampler needs, satisfied by
// *repository.Repository.
type Store interface {
	InsertHistoryBatch(entries []*schema.TagHistoryEntry) error
	MarkTagHistorySampled(tagID int64, at time.Time) error
}

// PruneStore is the persistence surface the retention sweep needs.
type PruneStore interface {
	TagsWithRetention() ([]schema.Tag, error)
	PruneHistoryOlderThan(tagID int64, cutoff time.Time) (int64, error)
}

// Candidate pairs a tag with the value it was just evaluated to this
// tick, the input the sampler decides against.
type Candidate struct {
	Tag   *schema.Tag
	Value schema.Value
}

// ShouldSample reports whether tag is due for a history sample at now,
// per spec §4.7: retention must be enabled, and either no prior sample
// exists or the interval has elapsed.
func ShouldSample(tag *schema.Tag, now time.Time) bool {
	if tag.HistoryRetention <= 0 {
		return false
	}
	if tag.LastHistoryAt.IsZero() {
		return true
	}
	return now.Sub(tag.LastHistoryAt) >= tag.HistoryInterval
}

// Collect filters a tick's candidates down to the entries that are due
// for sampling. It is pure: no I/O.
func Collect(candidates []Candidate, now time.Time) []*schema.TagHistoryEntry {
	var entries []*schema.TagHistoryEntry
	for _, c := range candidates {
		if !ShouldSample(c.Tag, now) {
			continue
		}
		entries = append(entries, &schema.TagHistoryEntry{
			TagID:     c.Tag.ID,
			Timestamp: now,
			Value:     c.Value,
		})
	}
	return entries
}

// Commit inserts entries as a single batch and, on success, bumps
// last_history_at for every sampled tag so the next interval check
// starts from this sample.
func Commit(store Store, entries []*schema.TagHistoryEntry, now time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	if err := store.InsertHistoryBatch(entries); err != nil {
		return err
	}
	for _, e := range entries {
		if err := store.MarkTagHistorySampled(e.TagID, now); err != nil {
			log.Errorf("historysampler: failed to mark tag %d sampled: %v", e.TagID, err)
		}
	}
	return nil
}

// PruneRetention deletes history rows older than each tag's own
// retention window. Intended for a periodic sweep (every N ticks or on
// its own schedule), not the hot tick path; a failure on one tag is
// logged and does not stop the sweep over the rest.
func PruneRetention(store PruneStore, now time.Time) error {
	tags, err := store.TagsWithRetention()
	if err != nil {
		return err
	}
	for _, t := range tags {
		cutoff := now.Add(-t.HistoryRetention)
		if _, err := store.PruneHistoryOlderThan(t.ID, cutoff); err != nil {
			log.Errorf("historysampler: failed to prune history for tag %d: %v", t.ID, err)
		}
	}
	return nil
}
