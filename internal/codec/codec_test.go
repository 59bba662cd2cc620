// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of fieldbus-poller.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

func TestDecodeFloat32BigEndian(t *testing.T) {
	// 3.14f32 big-endian words, per spec scenario 1.
	v, err := Decode([]uint16{0x4048, 0xF5C3}, schema.DataTypeFloat32, schema.WordOrderBig, 1)
	require.NoError(t, err)
	f, err := v.AsFloat()
	require.NoError(t, err)
	assert.InDelta(t, 3.14, f, 1e-5)
}

func TestDecodeFloat32LittleWordOrder(t *testing.T) {
	// Same bit pattern, words reversed, per spec scenario 2.
	v, err := Decode([]uint16{0xF5C3, 0x4048}, schema.DataTypeFloat32, schema.WordOrderLittle, 1)
	require.NoError(t, err)
	f, err := v.AsFloat()
	require.NoError(t, err)
	assert.InDelta(t, 3.14, f, 1e-5)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		dataType schema.DataType
		value    schema.Value
	}{
		{"int16", schema.DataTypeInt16, schema.IntValue(-1234)},
		{"uint16", schema.DataTypeUint16, schema.UintValue(65000)},
		{"int32", schema.DataTypeInt32, schema.IntValue(-123456789)},
		{"uint32", schema.DataTypeUint32, schema.UintValue(4000000000)},
		{"int64", schema.DataTypeInt64, schema.IntValue(-9000000000000)},
		{"uint64", schema.DataTypeUint64, schema.UintValue(18000000000000000000)},
		{"float32", schema.DataTypeFloat32, schema.FloatValue(3.14)},
		{"float64", schema.DataTypeFloat64, schema.FloatValue(math.Pi)},
		{"bool", schema.DataTypeBool, schema.BoolValue(true)},
	}

	for _, order := range []schema.WordOrder{schema.WordOrderBig, schema.WordOrderLittle} {
		for _, c := range cases {
			t.Run(c.name+"_"+string(order), func(t *testing.T) {
				words, err := Encode(c.value, c.dataType, order)
				require.NoError(t, err)

				got, err := Decode(words, c.dataType, order, 1)
				require.NoError(t, err)

				if c.dataType == schema.DataTypeFloat32 {
					f, _ := got.AsFloat()
					want, _ := c.value.AsFloat()
					assert.InDelta(t, want, f, 1e-5)
				} else {
					assert.True(t, got.Equal(c.value), "got %+v want %+v", got, c.value)
				}
			})
		}
	}
}

func TestDecodeSequence(t *testing.T) {
	v, err := Decode([]uint16{1, 2, 3}, schema.DataTypeUint16, schema.WordOrderBig, 3)
	require.NoError(t, err)
	require.Equal(t, schema.KindSequence, v.Kind)
	require.Len(t, v.Seq, 3)
	u, _ := v.Seq[1].AsUint()
	assert.Equal(t, uint64(2), u)
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, err := Decode([]uint16{1}, schema.DataTypeFloat32, schema.WordOrderBig, 1)
	require.Error(t, err)
	var lm *CodecLengthMismatch
	assert.ErrorAs(t, err, &lm)
}

func TestEncodeRangeError(t *testing.T) {
	_, err := Encode(schema.IntValue(100000), schema.DataTypeInt16, schema.WordOrderBig)
	require.Error(t, err)
	var re *CodecEncodeRange
	assert.ErrorAs(t, err, &re)
}

func TestStringRoundTrip(t *testing.T) {
	words, err := Encode(schema.StringValue("hi"), schema.DataTypeString, schema.WordOrderBig)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x6869}, words)

	v, err := Decode(words, schema.DataTypeString, schema.WordOrderBig, 2)
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "hi", s)
}

func TestStringOddLengthPadsWithNull(t *testing.T) {
	words, err := Encode(schema.StringValue("odd"), schema.DataTypeString, schema.WordOrderBig)
	require.NoError(t, err)
	require.Len(t, words, 2)

	v, err := Decode(words, schema.DataTypeString, schema.WordOrderBig, 4)
	require.NoError(t, err)
	s, _ := v.AsString()
	assert.Equal(t, "odd", s)
}

func TestGetBitAndSetBitMask(t *testing.T) {
	word := uint16(0x00A5) // 1010 0101
	assert.True(t, GetBit(word, 0))
	assert.False(t, GetBit(word, 1))
	assert.False(t, GetBit(word, 3))

	and, or := SetBitMask(3, true)
	assert.Equal(t, uint16(0xFFF7), and)
	assert.Equal(t, uint16(0x0008), or)

	result := (word & and) | or
	assert.Equal(t, uint16(0x00AD), result)
}
