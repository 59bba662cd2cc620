// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import "time"

// Protocol is the fieldbus variant a Device is reached over.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	ProtocolRTU Protocol = "rtu"
)

// WordOrder governs how 16-bit words are ordered inside a 32/64-bit
// scalar. Byte order within a word is always network order.
type WordOrder string

const (
	WordOrderBig    WordOrder = "big"
	WordOrderLittle WordOrder = "little"
)

// Device is a polled PLC endpoint. Devices own Tags; cascade delete is
// enforced by the record store, not by the core.
type Device struct {
	ID        int64         `db:"id" json:"id"`
	Alias     string        `db:"alias" json:"alias"`
	Host      string        `db:"host" json:"host"`
	Port      int           `db:"port" json:"port"`
	Protocol  Protocol      `db:"protocol" json:"protocol"`
	WordOrder WordOrder     `db:"word_order" json:"wordOrder"`
	OpTimeout time.Duration `db:"op_timeout" json:"opTimeout"`
	IsActive  bool          `db:"is_active" json:"isActive"`
}

// Channel is the fieldbus memory class a Tag is addressed against.
type Channel string

const (
	ChannelCoil            Channel = "coil"
	ChannelDiscreteInput   Channel = "discrete_input"
	ChannelHoldingRegister Channel = "holding_register"
	ChannelInputRegister   Channel = "input_register"
)

// IsBitAddressed reports whether the channel is a single-bit memory class.
func (c Channel) IsBitAddressed() bool {
	return c == ChannelCoil || c == ChannelDiscreteInput
}

// IsWritable reports whether writes are ever legal on this channel.
func (c Channel) IsWritable() bool {
	return c == ChannelCoil || c == ChannelHoldingRegister
}

// DataType is the logical type a Tag's memory is decoded to/from.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeInt64   DataType = "int64"
	DataTypeUint64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

// WordsPerElement returns how many 16-bit words one logical element of
// this data type occupies. String is handled separately by the caller
// because its word count also depends on ReadAmount.
func (t DataType) WordsPerElement() int {
	switch t {
	case DataTypeBool, DataTypeInt16, DataTypeUint16:
		return 1
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	case DataTypeInt64, DataTypeUint64, DataTypeFloat64:
		return 4
	default:
		return 0
	}
}

// Tag is a named, typed projection over a Device's memory map.
type Tag struct {
	ID              int64     `db:"id" json:"id"`
	ExternalID      string    `db:"external_id" json:"externalId"`
	DeviceID        int64     `db:"device_id" json:"deviceId"`
	UnitID          uint8     `db:"unit_id" json:"unitId"`
	Channel         Channel   `db:"channel" json:"channel"`
	DataType        DataType  `db:"data_type" json:"dataType"`
	Address         uint16    `db:"address" json:"address"`
	BitIndex        int       `db:"bit_index" json:"bitIndex"`
	ReadAmount      int       `db:"read_amount" json:"readAmount"`
	RestrictedWrite bool      `db:"restricted_write" json:"restrictedWrite"`
	HistoryInterval time.Duration `db:"history_interval" json:"historyInterval"`
	HistoryRetention time.Duration `db:"history_retention" json:"historyRetention"`
	CurrentValue    Value     `db:"current_value" json:"currentValue"`
	LastUpdated     time.Time `db:"last_updated" json:"lastUpdated"`
	LastHistoryAt   time.Time `db:"last_history_at" json:"lastHistoryAt"`
	IsActive        bool      `db:"is_active" json:"isActive"`
}

// IsBitIndexed reports whether this tag is a single bit of a
// register-channel word (the only place BitIndex is meaningful).
func (t *Tag) IsBitIndexed() bool {
	return t.DataType == DataTypeBool && !t.Channel.IsBitAddressed()
}

// ReadCount is the number of 16-bit words (register channels) or bits
// (coil channels) this tag occupies, derived from DataType and ReadAmount
// per spec.md §3.
func (t *Tag) ReadCount() int {
	if t.Channel.IsBitAddressed() {
		return t.ReadAmount
	}
	if t.DataType == DataTypeString {
		n := (t.ReadAmount + 1) / 2
		if n < 1 {
			n = 1
		}
		return n
	}
	return t.DataType.WordsPerElement() * t.ReadAmount
}

// TagWriteRequest is an operator-initiated write-back, created by the API
// and consumed exactly once by the core.
type TagWriteRequest struct {
	ID        int64     `db:"id" json:"id"`
	TagID     int64     `db:"tag_id" json:"tagId"`
	Value     Value     `db:"value" json:"value"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Processed bool      `db:"processed" json:"processed"`
}

// TagHistoryEntry is an immutable sampled history point.
type TagHistoryEntry struct {
	ID        int64     `db:"id" json:"id"`
	TagID     int64     `db:"tag_id" json:"tagId"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Value     Value     `db:"value" json:"value"`
}
