// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package writequeue

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/internal/transport"
	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

type fakeStore struct {
	pending    []*schema.TagWriteRequest
	pendingErr error
	tags       map[int64]*schema.Tag
	processed  []int64
	markErr    error
}

func (s *fakeStore) PendingWritesForDevice(deviceID int64) ([]*schema.TagWriteRequest, error) {
	return s.pending, s.pendingErr
}

func (s *fakeStore) GetTag(id int64) (*schema.Tag, error) {
	return s.tags[id], nil
}

func (s *fakeStore) MarkWritesProcessed(ids []int64) error {
	s.processed = append(s.processed, ids...)
	return s.markErr
}

// echoServer accepts one connection and echoes back every request PDU
// verbatim as a "success" response (valid for single/multi register and
// coil writes, whose success response mirrors the request).
func echoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, 7)
			if _, err := readFull(conn, header); err != nil {
				return
			}
			length := binary.BigEndian.Uint16(header[4:6])
			body := make([]byte, int(length)-1)
			if _, err := readFull(conn, body); err != nil {
				return
			}
			resp := make([]byte, 7+len(body))
			copy(resp, header)
			copy(resp[7:], body)
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func dial(t *testing.T, addr string) *transport.Conn {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	c, err := transport.New(schema.ProtocolTCP, host, port, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	return c
}

func TestDrainHoldingRegisterWrite(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()
	conn := dial(t, addr)
	defer conn.Close()

	device := &schema.Device{WordOrder: schema.WordOrderBig}
	tag := &schema.Tag{ID: 1, Channel: schema.ChannelHoldingRegister, DataType: schema.DataTypeUint16, Address: 10}
	store := &fakeStore{
		pending: []*schema.TagWriteRequest{{ID: 100, TagID: 1, Value: schema.UintValue(42)}},
		tags:    map[int64]*schema.Tag{1: tag},
	}

	err := Drain(store, conn, device, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, store.processed)
}

func TestDrainBitIndexedUsesMaskWrite(t *testing.T) {
	addr, stop := echoServer(t)
	defer stop()
	conn := dial(t, addr)
	defer conn.Close()

	device := &schema.Device{WordOrder: schema.WordOrderBig}
	tag := &schema.Tag{ID: 2, Channel: schema.ChannelHoldingRegister, DataType: schema.DataTypeBool, Address: 10, BitIndex: 3}
	store := &fakeStore{
		pending: []*schema.TagWriteRequest{{ID: 101, TagID: 2, Value: schema.BoolValue(true)}},
		tags:    map[int64]*schema.Tag{2: tag},
	}

	err := Drain(store, conn, device, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{101}, store.processed)
}

func TestDrainReadOnlyChannelRefused(t *testing.T) {
	device := &schema.Device{WordOrder: schema.WordOrderBig}
	tag := &schema.Tag{ID: 3, Channel: schema.ChannelInputRegister, DataType: schema.DataTypeUint16, Address: 5}
	store := &fakeStore{
		pending: []*schema.TagWriteRequest{{ID: 102, TagID: 3, Value: schema.UintValue(1)}},
		tags:    map[int64]*schema.Tag{3: tag},
	}

	err := Drain(store, nil, device, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{102}, store.processed, "read-only refusal still marks processed, no retry")
}

func TestDrainTransportErrorStopsAndLeavesRequestUnprocessed(t *testing.T) {
	conn, err := transport.New(schema.ProtocolTCP, "127.0.0.1", 1, 100*time.Millisecond)
	require.NoError(t, err)
	// Deliberately not connected: every write fails with a TransportError.

	device := &schema.Device{WordOrder: schema.WordOrderBig}
	tag := &schema.Tag{ID: 4, Channel: schema.ChannelHoldingRegister, DataType: schema.DataTypeUint16, Address: 1}
	store := &fakeStore{
		pending: []*schema.TagWriteRequest{{ID: 103, TagID: 4, Value: schema.UintValue(1)}},
		tags:    map[int64]*schema.Tag{4: tag},
	}

	err = Drain(store, conn, device, 1)
	require.Error(t, err)
	assert.Empty(t, store.processed)
}

func TestDrainPersistenceErrorIsNotATransportError(t *testing.T) {
	store := &fakeStore{pendingErr: errors.New("db connection reset")}

	err := Drain(store, nil, &schema.Device{}, 1)
	require.Error(t, err)
	var te *transport.TransportError
	assert.False(t, errors.As(err, &te), "a persistence failure must not be mistaken for a transport error by the caller")
}

func TestDrainMarkProcessedErrorIsNotATransportError(t *testing.T) {
	device := &schema.Device{WordOrder: schema.WordOrderBig}
	tag := &schema.Tag{ID: 5, Channel: schema.ChannelInputRegister, DataType: schema.DataTypeUint16, Address: 5}
	store := &fakeStore{
		pending: []*schema.TagWriteRequest{{ID: 104, TagID: 5, Value: schema.UintValue(1)}},
		tags:    map[int64]*schema.Tag{5: tag},
		markErr: errors.New("db write failed"),
	}

	err := Drain(store, nil, device, 1)
	require.Error(t, err)
	var te *transport.TransportError
	assert.False(t, errors.As(err, &te), "a persistence failure must not be mistaken for a transport error by the caller")
}

func TestDrainEmptyIsNoop(t *testing.T) {
	store := &fakeStore{}
	err := Drain(store, nil, &schema.Device{}, 1)
	require.NoError(t, err)
	assert.Empty(t, store.processed)
}
