// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package historysampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

type fakeStore struct {
	inserted []*schema.TagHistoryEntry
	sampled  map[int64]time.Time
	pruned   map[int64]time.Time
	tags     []schema.Tag
}

func (s *fakeStore) InsertHistoryBatch(entries []*schema.TagHistoryEntry) error {
	s.inserted = append(s.inserted, entries...)
	return nil
}

func (s *fakeStore) MarkTagHistorySampled(tagID int64, at time.Time) error {
	if s.sampled == nil {
		s.sampled = map[int64]time.Time{}
	}
	s.sampled[tagID] = at
	return nil
}

func (s *fakeStore) TagsWithRetention() ([]schema.Tag, error) { return s.tags, nil }

func (s *fakeStore) PruneHistoryOlderThan(tagID int64, cutoff time.Time) (int64, error) {
	if s.pruned == nil {
		s.pruned = map[int64]time.Time{}
	}
	s.pruned[tagID] = cutoff
	return 1, nil
}

func TestShouldSampleFirstSampleAlwaysDue(t *testing.T) {
	tag := &schema.Tag{HistoryRetention: time.Hour, HistoryInterval: time.Minute}
	assert.True(t, ShouldSample(tag, time.Now()))
}

func TestShouldSampleRetentionDisabled(t *testing.T) {
	tag := &schema.Tag{HistoryRetention: 0}
	assert.False(t, ShouldSample(tag, time.Now()))
}

func TestShouldSampleRespectsInterval(t *testing.T) {
	now := time.Now()
	tag := &schema.Tag{HistoryRetention: time.Hour, HistoryInterval: time.Minute, LastHistoryAt: now.Add(-30 * time.Second)}
	assert.False(t, ShouldSample(tag, now))

	tag.LastHistoryAt = now.Add(-2 * time.Minute)
	assert.True(t, ShouldSample(tag, now))
}

func TestCollectAndCommit(t *testing.T) {
	now := time.Now()
	due := &schema.Tag{ID: 1, HistoryRetention: time.Hour, HistoryInterval: time.Minute}
	notDue := &schema.Tag{ID: 2, HistoryRetention: time.Hour, HistoryInterval: time.Minute, LastHistoryAt: now}

	candidates := []Candidate{
		{Tag: due, Value: schema.UintValue(1)},
		{Tag: notDue, Value: schema.UintValue(2)},
	}
	entries := Collect(candidates, now)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].TagID)

	store := &fakeStore{}
	require.NoError(t, Commit(store, entries, now))
	assert.Len(t, store.inserted, 1)
	assert.Contains(t, store.sampled, int64(1))
}

func TestCommitEmptyIsNoop(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, Commit(store, nil, time.Now()))
	assert.Empty(t, store.inserted)
}

func TestPruneRetention(t *testing.T) {
	store := &fakeStore{tags: []schema.Tag{{ID: 1, HistoryRetention: time.Hour}}}
	require.NoError(t, PruneRetention(store, time.Now()))
	assert.Contains(t, store.pruned, int64(1))
}
