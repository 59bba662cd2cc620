// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tagevaluator slices a successfully-read block's payload back
// to per-tag values, applies bit indexing, and detects changes against
// the tag's prior value. It is pure: no I/O, no suspension points.
package tagevaluator

import (
	"fmt"

	"github.com/ClusterCockpit/fieldbus-poller/internal/blockplanner"
	"github.com/ClusterCockpit/fieldbus-poller/internal/codec"
	"github.com/ClusterCockpit/fieldbus-poller/internal/transport"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// Result is one tag's outcome for the tick: Evaluate returns one for
// every tag it decoded (so the caller can bump last_updated), with
// Changed set when the decoded value differs from the tag's prior
// current_value.
type Result struct {
	Tag     *schema.Tag
	Value   schema.Value
	Changed bool
}

// Evaluate slices block's payload into per-tag values per spec §4.5 and
// reports, for each covered tag, its decoded value and whether it
// changed. Tags where offset+length exceeds the payload are logged and
// skipped -- a block invariant violation, not fatal to the tick.
func Evaluate(block blockplanner.ReadBlock, frame *transport.Frame, wordOrder schema.WordOrder) []Result {
	results := make([]Result, 0, len(block.Tags))

	for _, tag := range block.Tags {
		offset := int(tag.Address) - int(block.Start)
		length := tag.ReadCount()

		if tag.Channel.IsBitAddressed() {
			if offset+length > len(frame.Bits) {
				log.Errorf("tagevaluator: block invariant violated for tag %s: offset %d + length %d > %d bits", tag.ExternalID, offset, length, len(frame.Bits))
				continue
			}
			v := decodeBitAddressed(frame.Bits[offset : offset+length])
			results = append(results, classify(tag, v))
			continue
		}

		if offset+length > len(frame.Words) {
			log.Errorf("tagevaluator: block invariant violated for tag %s: offset %d + length %d > %d words", tag.ExternalID, offset, length, len(frame.Words))
			continue
		}

		words := frame.Words[offset : offset+length]
		v, err := decodeRegister(tag, words, wordOrder)
		if err != nil {
			log.Errorf("tagevaluator: failed to decode tag %s: %v", tag.ExternalID, err)
			continue
		}
		results = append(results, classify(tag, v))
	}

	return results
}

func decodeBitAddressed(bits []bool) schema.Value {
	if len(bits) == 1 {
		return schema.BoolValue(bits[0])
	}
	seq := make([]schema.Value, len(bits))
	for i, b := range bits {
		seq[i] = schema.BoolValue(b)
	}
	return schema.SequenceValue(seq)
}

func decodeRegister(tag *schema.Tag, words []uint16, wordOrder schema.WordOrder) (schema.Value, error) {
	if tag.IsBitIndexed() {
		if len(words) < 1 {
			return schema.Null(), fmt.Errorf("bit-indexed tag has no word to select from")
		}
		return schema.BoolValue(codec.GetBit(words[0], tag.BitIndex)), nil
	}
	return codec.Decode(words, tag.DataType, wordOrder, tag.ReadAmount)
}

func classify(tag *schema.Tag, v schema.Value) Result {
	return Result{
		Tag:     tag,
		Value:   v,
		Changed: !v.Equal(tag.CurrentValue),
	}
}
