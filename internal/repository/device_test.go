// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

func TestAddAndGetDevice(t *testing.T) {
	r := setup(t)

	id, err := r.AddDevice(&schema.Device{
		Alias:     "plc-1",
		Host:      "192.168.1.10",
		Port:      502,
		Protocol:  schema.ProtocolTCP,
		WordOrder: schema.WordOrderBig,
		OpTimeout: 750 * time.Millisecond,
		IsActive:  true,
	})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	d, err := r.GetDevice(id)
	require.NoError(t, err)
	assert.Equal(t, "plc-1", d.Alias)
	assert.Equal(t, "192.168.1.10", d.Host)
	assert.Equal(t, 502, d.Port)
	assert.Equal(t, schema.ProtocolTCP, d.Protocol)
	assert.Equal(t, 750*time.Millisecond, d.OpTimeout)
	assert.True(t, d.IsActive)
}

func TestActiveDevices(t *testing.T) {
	r := setup(t)

	_, err := r.AddDevice(&schema.Device{Alias: "active-1", Host: "h1", Port: 1, Protocol: schema.ProtocolTCP, WordOrder: schema.WordOrderBig, IsActive: true})
	require.NoError(t, err)
	id2, err := r.AddDevice(&schema.Device{Alias: "inactive-1", Host: "h2", Port: 2, Protocol: schema.ProtocolTCP, WordOrder: schema.WordOrderBig, IsActive: false})
	require.NoError(t, err)

	devices, err := r.ActiveDevices()
	require.NoError(t, err)
	for _, d := range devices {
		assert.NotEqual(t, id2, d.ID)
	}
	assert.Len(t, devices, 1)
	assert.Equal(t, "active-1", devices[0].Alias)
}

func TestSetDeviceActive(t *testing.T) {
	r := setup(t)

	id, err := r.AddDevice(&schema.Device{Alias: "toggle", Host: "h", Port: 1, Protocol: schema.ProtocolTCP, WordOrder: schema.WordOrderBig, IsActive: true})
	require.NoError(t, err)

	require.NoError(t, r.SetDeviceActive(id, false))

	d, err := r.GetDevice(id)
	require.NoError(t, err)
	assert.False(t, d.IsActive)
}
