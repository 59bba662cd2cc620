// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

var deviceColumns = []string{
	"id", "alias", "host", "port", "protocol", "word_order",
	"op_timeout_ms", "is_active",
}

// GetDevice returns the device with the given id.
func (r *Repository) GetDevice(id int64) (*schema.Device, error) {
	q := sq.Select(deviceColumns...).From("device").Where("id = ?", id)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	var d dbDevice
	if err := r.DB.Get(&d, sqlStr, args...); err != nil {
		return nil, err
	}
	return d.toSchema(), nil
}

// ActiveDevices returns every device with is_active=true, the set the Tick
// Scheduler fans out over each tick.
func (r *Repository) ActiveDevices() ([]*schema.Device, error) {
	q := sq.Select(deviceColumns...).From("device").Where("is_active = ?", true)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Queryx(sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]*schema.Device, 0, 16)
	for rows.Next() {
		var d dbDevice
		if err := rows.StructScan(&d); err != nil {
			log.Warn("Error while scanning device row")
			return nil, err
		}
		devices = append(devices, d.toSchema())
	}
	return devices, rows.Err()
}

// AddDevice inserts a new device and returns its id.
func (r *Repository) AddDevice(d *schema.Device) (int64, error) {
	res, err := r.DB.Exec(
		`INSERT INTO device (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Alias, d.Host, d.Port, d.Protocol, d.WordOrder, msFromDuration(d.OpTimeout), d.IsActive,
	)
	if err != nil {
		log.Errorf("Error while inserting device %q: %v", d.Alias, err)
		return 0, err
	}
	return res.LastInsertId()
}

// SetDeviceActive flips a device's is_active flag for operator-driven
// enable/disable; the Device Supervisor's own backoff/quarantine state is
// held in-memory and never persisted here.
func (r *Repository) SetDeviceActive(id int64, active bool) error {
	_, err := r.DB.Exec(`UPDATE device SET is_active = ? WHERE id = ?`, active, id)
	return err
}

type dbDevice struct {
	ID          int64  `db:"id"`
	Alias       string `db:"alias"`
	Host        string `db:"host"`
	Port        int    `db:"port"`
	Protocol    string `db:"protocol"`
	WordOrder   string `db:"word_order"`
	OpTimeoutMS int64  `db:"op_timeout_ms"`
	IsActive    bool   `db:"is_active"`
}

func (d *dbDevice) toSchema() *schema.Device {
	return &schema.Device{
		ID:        d.ID,
		Alias:     d.Alias,
		Host:      d.Host,
		Port:      d.Port,
		Protocol:  schema.Protocol(d.Protocol),
		WordOrder: schema.WordOrder(d.WordOrder),
		OpTimeout: durationFromMS(d.OpTimeoutMS),
		IsActive:  d.IsActive,
	}
}
