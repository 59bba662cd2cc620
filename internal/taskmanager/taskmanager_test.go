// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package taskmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

type fakePruneStore struct {
	mu    sync.Mutex
	calls int
}

func (s *fakePruneStore) TagsWithRetention() ([]schema.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, nil
}

func (s *fakePruneStore) PruneHistoryOlderThan(tagID int64, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakePruneStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeReminderStore struct {
	mu    sync.Mutex
	calls int
	due   []*schema.NotificationIntent
}

func (s *fakeReminderStore) ActiveAlarmsDueForReminder(now time.Time) ([]*schema.NotificationIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.due, nil
}

func (s *fakeReminderStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeNotifier struct {
	mu        sync.Mutex
	published [][]schema.NotificationIntent
}

func (n *fakeNotifier) Publish(intents []schema.NotificationIntent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, intents)
}

func (n *fakeNotifier) publishCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.published)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestStartRunsRetentionPruneOnSchedule(t *testing.T) {
	prune := &fakePruneStore{}
	reminders := &fakeReminderStore{}
	notifier := &fakeNotifier{}

	mgr, err := Start(prune, reminders, notifier, 20*time.Millisecond, 0)
	require.NoError(t, err)
	defer mgr.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return prune.callCount() >= 2 })
	assert.Equal(t, 0, reminders.callCount(), "reminder job disabled via zero interval must never run")
}

func TestStartRunsCooldownSweepAndPublishesDueReminders(t *testing.T) {
	prune := &fakePruneStore{}
	reminders := &fakeReminderStore{due: []*schema.NotificationIntent{
		{ConfigExternalID: "cfg.crit", TagExternalID: "temp", ThreatLevel: schema.ThreatLevelCrit},
	}}
	notifier := &fakeNotifier{}

	mgr, err := Start(prune, reminders, notifier, 0, 20*time.Millisecond)
	require.NoError(t, err)
	defer mgr.Shutdown()

	waitFor(t, 2*time.Second, func() bool { return notifier.publishCount() >= 1 })
	assert.Equal(t, 0, prune.callCount(), "prune job disabled via zero interval must never run")
}

func TestShutdownOnNilManagerIsNoop(t *testing.T) {
	var mgr *Manager
	assert.NoError(t, mgr.Shutdown())
}
