// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package alarmevaluator arbitrates between a tag's enabled AlarmConfigs
// after a value change, drives the Clear/Active(cfg) state machine, and
// emits notification intents gated by each config's cooldown.
package alarmevaluator

import (
	"time"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Store is the persistence surface the evaluator needs, satisfied by
// *repository.Repository.
type Store interface {
	AlarmConfigsForTag(tagID int64) ([]*schema.AlarmConfig, error)
	ActiveAlarmForTag(tagID int64) (*schema.ActivatedAlarm, error)
	ActivateAlarm(configID, tagID int64, ts time.Time) (int64, error)
	ResolveAlarm(activationID int64, ts time.Time) error
	MarkNotified(configID int64, at time.Time) error
}

// Evaluate runs the per-tag arbitration of spec §4.6 for tag, whose
// value just changed to newValue. It returns the notification intents
// produced by any new activation this call caused.
func Evaluate(store Store, tag *schema.Tag, newValue schema.Value, now time.Time) ([]schema.NotificationIntent, error) {
	configs, err := store.AlarmConfigsForTag(tag.ID)
	if err != nil {
		return nil, err
	}

	winner := argmaxTriggered(configs, newValue)

	current, err := store.ActiveAlarmForTag(tag.ID)
	if err != nil {
		return nil, err
	}

	if current != nil && (winner == nil || winner.ID != current.ConfigID) {
		if err := store.ResolveAlarm(current.ID, now); err != nil {
			return nil, err
		}
	}

	var intents []schema.NotificationIntent
	if winner != nil && (current == nil || current.ConfigID != winner.ID) {
		if _, err := store.ActivateAlarm(winner.ID, tag.ID, now); err != nil {
			return nil, err
		}

		if shouldNotify(winner, now) {
			intents = append(intents, schema.NotificationIntent{
				ConfigExternalID: winner.ExternalID,
				TagExternalID:    tag.ExternalID,
				Message:          winner.Message,
				ThreatLevel:      winner.ThreatLevel,
				Timestamp:        now,
			})
			if err := store.MarkNotified(winner.ID, now); err != nil {
				return nil, err
			}
		}
	}

	return intents, nil
}

// argmaxTriggered returns the highest-priority AlarmConfig whose operator
// evaluates true against value, or nil if none trigger. Ties on priority
// are broken by the order configs was returned in (first wins), which is
// stable for a given tag since AlarmConfigsForTag orders deterministically
// by id via the underlying query.
func argmaxTriggered(configs []*schema.AlarmConfig, value schema.Value) *schema.AlarmConfig {
	var winner *schema.AlarmConfig
	for _, cfg := range configs {
		if !triggered(cfg.Operator, value, cfg.TriggerValue) {
			continue
		}
		if winner == nil || cfg.ThreatLevel.Priority() > winner.ThreatLevel.Priority() {
			winner = cfg
		}
	}
	return winner
}

// triggered evaluates operator(value, trigger). Any type mismatch
// (comparing a string to a float, say) yields false rather than an
// error -- alarm evaluation must never throw.
func triggered(op schema.Operator, value, trigger schema.Value) bool {
	switch op {
	case schema.OperatorEquals:
		return value.Equal(trigger)
	case schema.OperatorGreaterThan:
		v, err1 := value.AsFloat()
		tr, err2 := trigger.AsFloat()
		if err1 != nil || err2 != nil {
			log.Debugf("alarmevaluator: cannot compare non-numeric values with greater_than")
			return false
		}
		return v > tr
	case schema.OperatorLessThan:
		v, err1 := value.AsFloat()
		tr, err2 := trigger.AsFloat()
		if err1 != nil || err2 != nil {
			log.Debugf("alarmevaluator: cannot compare non-numeric values with less_than")
			return false
		}
		return v < tr
	default:
		return false
	}
}

func shouldNotify(cfg *schema.AlarmConfig, now time.Time) bool {
	if cfg.LastNotified == nil {
		return true
	}
	return now.Sub(*cfg.LastNotified) > cfg.NotificationCooldown
}
