// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blockplanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

func regTag(addr uint16) *schema.Tag {
	return &schema.Tag{
		Channel:    schema.ChannelHoldingRegister,
		DataType:   schema.DataTypeUint16,
		Address:    addr,
		ReadAmount: 1,
		IsActive:   true,
	}
}

func TestBlockCoalescingPerSpecScenario(t *testing.T) {
	tags := []*schema.Tag{
		regTag(100), regTag(101), regTag(102), regTag(108), regTag(140),
	}
	p := New(8, 128)
	blocks := p.Plan(tags)

	require.Len(t, blocks, 2)
	assert.Equal(t, uint16(100), blocks[0].Start)
	assert.Equal(t, 9, blocks[0].Length)
	assert.Len(t, blocks[0].Tags, 4)

	assert.Equal(t, uint16(140), blocks[1].Start)
	assert.Equal(t, 1, blocks[1].Length)
	assert.Len(t, blocks[1].Tags, 1)
}

func TestPartitionsByChannelAndUnitID(t *testing.T) {
	coil := &schema.Tag{Channel: schema.ChannelCoil, UnitID: 1, Address: 0, ReadAmount: 1, IsActive: true}
	reg := &schema.Tag{Channel: schema.ChannelHoldingRegister, UnitID: 1, Address: 0, DataType: schema.DataTypeUint16, ReadAmount: 1, IsActive: true}
	regOtherUnit := &schema.Tag{Channel: schema.ChannelHoldingRegister, UnitID: 2, Address: 0, DataType: schema.DataTypeUint16, ReadAmount: 1, IsActive: true}

	p := New(8, 128)
	blocks := p.Plan([]*schema.Tag{coil, reg, regOtherUnit})
	require.Len(t, blocks, 3)
}

func TestInactiveTagsExcluded(t *testing.T) {
	active := regTag(0)
	inactive := regTag(1)
	inactive.IsActive = false

	p := New(8, 128)
	blocks := p.Plan([]*schema.Tag{active, inactive})
	require.Len(t, blocks, 1)
	assert.Len(t, blocks[0].Tags, 1)
}

func TestMaxSizeSplitsBlockEvenWithinGap(t *testing.T) {
	tags := []*schema.Tag{regTag(0), regTag(4)}
	p := New(8, 4) // MaxSize smaller than the combined span
	blocks := p.Plan(tags)
	require.Len(t, blocks, 2)
}

func TestOverlappingBitIndexedTagsShareOneBlock(t *testing.T) {
	bit0 := &schema.Tag{Channel: schema.ChannelHoldingRegister, DataType: schema.DataTypeBool, Address: 10, BitIndex: 0, ReadAmount: 1, IsActive: true}
	bit1 := &schema.Tag{Channel: schema.ChannelHoldingRegister, DataType: schema.DataTypeBool, Address: 10, BitIndex: 1, ReadAmount: 1, IsActive: true}

	p := New(8, 128)
	blocks := p.Plan([]*schema.Tag{bit0, bit1})
	require.Len(t, blocks, 1)
	assert.Equal(t, 1, blocks[0].Length)
	assert.Len(t, blocks[0].Tags, 2)
}

func TestEveryActiveTagCoveredExactlyOnce(t *testing.T) {
	tags := []*schema.Tag{regTag(0), regTag(5), regTag(9), regTag(200)}
	p := New(8, 128)
	blocks := p.Plan(tags)

	seen := map[uint16]int{}
	for _, b := range blocks {
		require.LessOrEqual(t, b.Length, p.MaxSize)
		for _, tag := range b.Tags {
			seen[tag.Address]++
		}
	}
	for _, tag := range tags {
		assert.Equal(t, 1, seen[tag.Address])
	}
}
