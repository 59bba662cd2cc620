// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package writequeue drains operator-initiated write-backs against a
// device before that device's reads run each tick.
package writequeue

import (
	"errors"

	"github.com/ClusterCockpit/fieldbus-poller/internal/codec"
	"github.com/ClusterCockpit/fieldbus-poller/internal/transport"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/log"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// ErrReadOnlyChannel is the failure recorded against a write request
// targeting a discrete_input or input_register tag.
var ErrReadOnlyChannel = errors.New("writequeue: channel is read-only")

// Store is the persistence surface the drain needs, satisfied by
// *repository.Repository.
type Store interface {
	PendingWritesForDevice(deviceID int64) ([]*schema.TagWriteRequest, error)
	GetTag(id int64) (*schema.Tag, error)
	MarkWritesProcessed(ids []int64) error
}

// Drain pulls and applies every pending write for device, in submission
// order. It returns the TransportError that should tear the connection
// down, if any, or a persistence error from loading or marking the
// queue -- per spec, a TransportError stops the drain and leaves
// the remaining (and the failing) requests unprocessed for retry next
// tick; a ProtocolError or coercion failure only fails that one request.
func Drain(store Store, conn *transport.Conn, device *schema.Device, deviceID int64) error {
	pending, err := store.PendingWritesForDevice(deviceID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var processedIDs []int64
	for _, req := range pending {
		tag, err := store.GetTag(req.TagID)
		if err != nil {
			log.Errorf("writequeue: could not load tag %d for write request %d: %v", req.TagID, req.ID, err)
			processedIDs = append(processedIDs, req.ID)
			continue
		}

		transportErr := apply(conn, device, tag, req.Value)
		if transportErr == nil {
			processedIDs = append(processedIDs, req.ID)
			continue
		}

		var te *transport.TransportError
		if errors.As(transportErr, &te) {
			if len(processedIDs) > 0 {
				if markErr := store.MarkWritesProcessed(processedIDs); markErr != nil {
					log.Errorf("writequeue: failed to mark processed writes for device %d: %v", deviceID, markErr)
				}
			}
			return transportErr
		}

		// ProtocolError or coercion/read-only failure: mark processed,
		// no retry, log and move on.
		log.Errorf("writequeue: write request %d for tag %d failed: %v", req.ID, req.TagID, transportErr)
		processedIDs = append(processedIDs, req.ID)
	}

	if len(processedIDs) > 0 {
		if err := store.MarkWritesProcessed(processedIDs); err != nil {
			return err
		}
	}
	return nil
}

// apply dispatches one write by (channel, is_bit_indexed) per spec §4.4.
func apply(conn *transport.Conn, device *schema.Device, tag *schema.Tag, v schema.Value) error {
	if !tag.Channel.IsWritable() {
		return ErrReadOnlyChannel
	}

	switch tag.Channel {
	case schema.ChannelCoil:
		b, err := v.AsBool()
		if err != nil {
			return err
		}
		return conn.WriteCoils(tag.UnitID, tag.Address, []bool{b})

	case schema.ChannelHoldingRegister:
		if tag.IsBitIndexed() {
			b, err := v.AsBool()
			if err != nil {
				return err
			}
			andMask, orMask := codec.SetBitMask(tag.BitIndex, b)
			return conn.MaskWriteRegister(tag.UnitID, tag.Address, andMask, orMask)
		}

		words, err := codec.Encode(v, tag.DataType, device.WordOrder)
		if err != nil {
			return err
		}
		return conn.WriteRegisters(tag.UnitID, tag.Address, words)

	default:
		return ErrReadOnlyChannel
	}
}
