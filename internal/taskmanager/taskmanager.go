// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package taskmanager runs the periodic jobs that sit alongside the tick
// loop rather than inside its hot path: history retention pruning and the
// alarm notification cooldown sweep.
package taskmanager

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ClusterCockpit/fieldbus-poller/internal/historysampler"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// PruneStore is the persistence surface the retention sweep needs.
type PruneStore = historysampler.PruneStore

// ReminderStore is the persistence surface the cooldown sweep needs.
type ReminderStore interface {
	ActiveAlarmsDueForReminder(now time.Time) ([]*schema.NotificationIntent, error)
}

// NotificationPublisher hands reminder intents to the Notification
// collaborator, same interface the tick path's Alarm Evaluator uses.
type NotificationPublisher interface {
	Publish(intents []schema.NotificationIntent)
}

// Manager owns the gocron scheduler backing the periodic jobs.
type Manager struct {
	scheduler gocron.Scheduler
}

// Start builds and starts a scheduler running the retention prune every
// pruneInterval and the cooldown sweep every reminderInterval. Either
// interval may be zero to disable that job.
func Start(store PruneStore, reminders ReminderStore, notifier NotificationPublisher, pruneInterval, reminderInterval time.Duration) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	if pruneInterval > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(pruneInterval),
			gocron.NewTask(func() {
				log.Debug("taskmanager: running history retention prune")
				if err := historysampler.PruneRetention(store, time.Now()); err != nil {
					log.Errorf("taskmanager: retention prune failed: %v", err)
				}
			}),
		); err != nil {
			return nil, err
		}
	}

	if reminderInterval > 0 {
		if _, err := s.NewJob(
			gocron.DurationJob(reminderInterval),
			gocron.NewTask(func() {
				log.Debug("taskmanager: running alarm cooldown sweep")
				intents, err := reminders.ActiveAlarmsDueForReminder(time.Now())
				if err != nil {
					log.Errorf("taskmanager: cooldown sweep failed: %v", err)
					return
				}
				if len(intents) == 0 {
					return
				}
				plain := make([]schema.NotificationIntent, len(intents))
				for i, intent := range intents {
					plain[i] = *intent
				}
				notifier.Publish(plain)
			}),
		); err != nil {
			return nil, err
		}
	}

	s.Start()
	return &Manager{scheduler: s}, nil
}

// Shutdown stops the scheduler, waiting for any in-flight job to finish.
func (m *Manager) Shutdown() error {
	if m == nil {
		return nil
	}
	return m.scheduler.Shutdown()
}
