// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blockplanner groups a device's active tags into the minimal
// set of contiguous transport reads that cover them, one block per
// (channel, unit_id) run of addresses within a gap and size budget. It
// is pure: no I/O, no suspension points.
package blockplanner

import (
	"sort"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Defaults per the polling engine's tuning knobs.
const (
	DefaultMaxGap  = 8
	DefaultMaxSize = 128
)

// ReadBlock is a contiguous memory range served by one transport read.
type ReadBlock struct {
	Channel schema.Channel
	UnitID  uint8
	Start   uint16
	Length  int
	Tags    []*schema.Tag
}

// Planner holds the gap/size budgets used to coalesce tags into blocks.
// Both are expressed in the channel's native unit: words for register
// channels, bits for coil channels.
type Planner struct {
	MaxGap  int
	MaxSize int
}

// New constructs a Planner with the given budgets. A zero or negative
// value falls back to the package default.
func New(maxGap, maxSize int) *Planner {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Planner{MaxGap: maxGap, MaxSize: maxSize}
}

type partitionKey struct {
	channel schema.Channel
	unitID  uint8
}

// Plan partitions tags by (channel, unit_id), sorts each partition by
// address, then sweeps to produce the minimal covering set of blocks.
// The returned order is deterministic: partitions are visited in
// (channel, unit_id) order, and blocks within a partition in address
// order, so tag updates downstream apply in a stable sequence.
func (p *Planner) Plan(tags []*schema.Tag) []ReadBlock {
	partitions := make(map[partitionKey][]*schema.Tag)
	var keys []partitionKey
	for _, t := range tags {
		if !t.IsActive {
			continue
		}
		key := partitionKey{channel: t.Channel, unitID: t.UnitID}
		if _, ok := partitions[key]; !ok {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], t)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].channel != keys[j].channel {
			return keys[i].channel < keys[j].channel
		}
		return keys[i].unitID < keys[j].unitID
	})

	var blocks []ReadBlock
	for _, key := range keys {
		group := partitions[key]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Address < group[j].Address
		})
		blocks = append(blocks, p.sweep(key, group)...)
	}
	return blocks
}

func (p *Planner) sweep(key partitionKey, tags []*schema.Tag) []ReadBlock {
	var blocks []ReadBlock
	var cur *ReadBlock
	var currentEnd uint32

	for _, t := range tags {
		addr := uint32(t.Address)
		readCount := uint32(t.ReadCount())
		if readCount == 0 {
			readCount = 1
		}

		if cur != nil {
			gap := int64(addr) - int64(currentEnd)
			newEnd := currentEnd
			if addr+readCount > newEnd {
				newEnd = addr + readCount
			}
			newLength := int64(newEnd) - int64(cur.Start)
			if gap <= int64(p.MaxGap) && newLength <= int64(p.MaxSize) {
				cur.Tags = append(cur.Tags, t)
				currentEnd = newEnd
				cur.Length = int(currentEnd) - int(cur.Start)
				continue
			}
			blocks = append(blocks, *cur)
			cur = nil
		}

		cur = &ReadBlock{
			Channel: key.channel,
			UnitID:  key.unitID,
			Start:   t.Address,
			Length:  int(readCount),
			Tags:    []*schema.Tag{t},
		}
		currentEnd = addr + readCount
	}

	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}
