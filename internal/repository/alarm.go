// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

var alarmConfigColumns = []string{
	"id", "external_id", "tag_id", "operator", "trigger_value", "threat_level",
	"message", "enabled", "notification_cooldown_ms", "last_notified",
}

// AlarmConfigsForTag returns every enabled AlarmConfig bound to tagID, the
// Alarm Evaluator's candidate set for one tag on one tick.
func (r *Repository) AlarmConfigsForTag(tagID int64) ([]*schema.AlarmConfig, error) {
	q := sq.Select(alarmConfigColumns...).
		From("alarm_config").
		Where("tag_id = ? AND enabled = ?", tagID, true).
		OrderBy("id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]*schema.AlarmConfig, 0, 4)
	for rows.Next() {
		var c dbAlarmConfig
		if err := rows.StructScan(&c); err != nil {
			return nil, err
		}
		configs = append(configs, c.toSchema())
	}
	return configs, rows.Err()
}

// ActiveAlarmForTag returns the currently-active ActivatedAlarm for tagID,
// if any. At most one row may have is_active=true per tag.
func (r *Repository) ActiveAlarmForTag(tagID int64) (*schema.ActivatedAlarm, error) {
	var a dbActivatedAlarm
	err := r.DB.Get(&a, `SELECT id, config_id, tag_id, timestamp, is_active, resolved_at,
		acknowledged, acknowledged_at, acknowledged_by
		FROM activated_alarm WHERE tag_id = ? AND is_active = ? LIMIT 1`, tagID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a.toSchema(), nil
}

// ActivateAlarm opens a new activation row for configID/tagID at ts.
func (r *Repository) ActivateAlarm(configID, tagID int64, ts time.Time) (int64, error) {
	res, err := r.DB.Exec(
		`INSERT INTO activated_alarm (config_id, tag_id, timestamp, is_active) VALUES (?, ?, ?, ?)`,
		configID, tagID, ts, true,
	)
	if err != nil {
		log.Errorf("Error while activating alarm config %d on tag %d: %v", configID, tagID, err)
		return 0, err
	}
	return res.LastInsertId()
}

// ResolveAlarm closes an open activation at ts.
func (r *Repository) ResolveAlarm(activationID int64, ts time.Time) error {
	_, err := r.DB.Exec(
		`UPDATE activated_alarm SET is_active = ?, resolved_at = ? WHERE id = ?`,
		false, ts, activationID,
	)
	return err
}

// AcknowledgeAlarm records an operator acknowledgement; it does not
// resolve the activation.
func (r *Repository) AcknowledgeAlarm(activationID int64, by string, ts time.Time) error {
	_, err := r.DB.Exec(
		`UPDATE activated_alarm SET acknowledged = ?, acknowledged_at = ?, acknowledged_by = ? WHERE id = ?`,
		true, ts, by, activationID,
	)
	return err
}

// MarkNotified updates an AlarmConfig's cooldown clock after a
// NotificationIntent is actually published for it.
func (r *Repository) MarkNotified(configID int64, at time.Time) error {
	_, err := r.DB.Exec(`UPDATE alarm_config SET last_notified = ? WHERE id = ?`, at, configID)
	return err
}

// ActiveAlarmsDueForReminder returns a reminder NotificationIntent for
// every currently-active alarm whose config has cleared its
// notification cooldown since last_notified. Used by the periodic
// cooldown sweep to re-notify operators of sustained alarms that the
// tick path's edge-triggered notification already reported once.
func (r *Repository) ActiveAlarmsDueForReminder(now time.Time) ([]*schema.NotificationIntent, error) {
	rows, err := r.DB.Queryx(`
		SELECT ac.id AS config_id, ac.external_id AS config_external_id, ac.message,
			ac.threat_level, ac.notification_cooldown_ms, ac.last_notified,
			t.external_id AS tag_external_id
		FROM activated_alarm aa
		JOIN alarm_config ac ON ac.id = aa.config_id
		JOIN tag t ON t.id = aa.tag_id
		WHERE aa.is_active = ? AND ac.enabled = ?`, true, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*schema.NotificationIntent
	for rows.Next() {
		var row struct {
			ConfigID               int64      `db:"config_id"`
			ConfigExternalID       string     `db:"config_external_id"`
			Message                string     `db:"message"`
			ThreatLevel            string     `db:"threat_level"`
			NotificationCooldownMS int64      `db:"notification_cooldown_ms"`
			LastNotified           *time.Time `db:"last_notified"`
			TagExternalID          string     `db:"tag_external_id"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}

		cooldown := durationFromMS(row.NotificationCooldownMS)
		if row.LastNotified != nil && now.Sub(*row.LastNotified) < cooldown {
			continue
		}

		intents = append(intents, &schema.NotificationIntent{
			ConfigExternalID: row.ConfigExternalID,
			TagExternalID:    row.TagExternalID,
			Message:          row.Message,
			ThreatLevel:      schema.ThreatLevel(row.ThreatLevel),
			Timestamp:        now,
		})

		if err := r.MarkNotified(row.ConfigID, now); err != nil {
			log.Errorf("repository: failed to mark reminder notified for config %d: %v", row.ConfigID, err)
		}
	}
	return intents, rows.Err()
}

type dbAlarmConfig struct {
	ID                     int64        `db:"id"`
	ExternalID             string       `db:"external_id"`
	TagID                  int64        `db:"tag_id"`
	Operator               string       `db:"operator"`
	TriggerValue           schema.Value `db:"trigger_value"`
	ThreatLevel            string       `db:"threat_level"`
	Message                string       `db:"message"`
	Enabled                bool         `db:"enabled"`
	NotificationCooldownMS int64        `db:"notification_cooldown_ms"`
	LastNotified           *time.Time   `db:"last_notified"`
}

func (c *dbAlarmConfig) toSchema() *schema.AlarmConfig {
	out := &schema.AlarmConfig{
		ID:                   c.ID,
		ExternalID:           c.ExternalID,
		TagID:                c.TagID,
		Operator:             schema.Operator(c.Operator),
		TriggerValue:         c.TriggerValue,
		ThreatLevel:          schema.ThreatLevel(c.ThreatLevel),
		Message:              c.Message,
		Enabled:              c.Enabled,
		NotificationCooldown: durationFromMS(c.NotificationCooldownMS),
		LastNotified:         c.LastNotified,
	}
	return out
}

type dbActivatedAlarm struct {
	ID             int64      `db:"id"`
	ConfigID       int64      `db:"config_id"`
	TagID          int64      `db:"tag_id"`
	Timestamp      time.Time  `db:"timestamp"`
	IsActive       bool       `db:"is_active"`
	ResolvedAt     *time.Time `db:"resolved_at"`
	Acknowledged   bool       `db:"acknowledged"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
	AcknowledgedBy string     `db:"acknowledged_by"`
}

func (a *dbActivatedAlarm) toSchema() *schema.ActivatedAlarm {
	return &schema.ActivatedAlarm{
		ID:             a.ID,
		ConfigID:       a.ConfigID,
		TagID:          a.TagID,
		Timestamp:      a.Timestamp,
		IsActive:       a.IsActive,
		ResolvedAt:     a.ResolvedAt,
		Acknowledged:   a.Acknowledged,
		AcknowledgedAt: a.AcknowledgedAt,
		AcknowledgedBy: a.AcknowledgedBy,
	}
}
