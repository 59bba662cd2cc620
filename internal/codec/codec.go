// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package codec encodes and decodes typed Values against sequences of
// 16-bit fieldbus register words, and provides the bit-mask arithmetic
// the Write Queue Drain needs for bit-indexed register writes. Every
// function here is pure: no I/O, no suspension points.
package codec

import (
	"fmt"
	"math"

	"github.com/ClusterCockpit/fieldbus-poller/pkg/schema"
)

// CodecLengthMismatch is returned when the word slice is too short for
// the requested type/amount.
type CodecLengthMismatch struct {
	Type     schema.DataType
	Wanted   int
	Have     int
}

func (e *CodecLengthMismatch) Error() string {
	return fmt.Sprintf("codec: length mismatch decoding %s: wanted %d words, have %d", e.Type, e.Wanted, e.Have)
}

// CodecEncodeRange is returned when a value cannot fit the target type.
type CodecEncodeRange struct {
	Type  schema.DataType
	Value interface{}
}

func (e *CodecEncodeRange) Error() string {
	return fmt.Sprintf("codec: value %v out of range for type %s", e.Value, e.Type)
}

func orderWords(words []uint16, order schema.WordOrder) []uint16 {
	if order != schema.WordOrderLittle {
		return words
	}
	out := make([]uint16, len(words))
	for i, w := range words {
		out[len(words)-1-i] = w
	}
	return out
}

func assembleUint(words []uint16, order schema.WordOrder) uint64 {
	ordered := orderWords(words, order)
	var v uint64
	for _, w := range ordered {
		v = v<<16 | uint64(w)
	}
	return v
}

func splitUint(v uint64, nwords int, order schema.WordOrder) []uint16 {
	words := make([]uint16, nwords)
	for i := nwords - 1; i >= 0; i-- {
		words[i] = uint16(v & 0xFFFF)
		v >>= 16
	}
	if order == schema.WordOrderLittle {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}

// GetBit returns bit index (0-15, 0 = least significant) of word.
func GetBit(word uint16, index int) bool {
	return word&(1<<uint(index)) != 0
}

// SetBitMask returns the (and_mask, or_mask) pair that, applied via
// MaskWriteRegister, sets (value true) or clears (value false) only bit
// index of a register without
// disturbing its other 15 bits.
func SetBitMask(index int, value bool) (andMask, orMask uint16) {
	andMask = ^(uint16(1) << uint(index))
	if value {
		orMask = uint16(1) << uint(index)
	}
	return andMask, orMask
}

// Decode turns words into one value (readAmount == 1) or a Sequence of
// readAmount values, per schema.DataType and word order.
func Decode(words []uint16, dataType schema.DataType, order schema.WordOrder, readAmount int) (schema.Value, error) {
	if dataType == schema.DataTypeString {
		return decodeString(words, readAmount)
	}

	perElem := dataType.WordsPerElement()
	if perElem == 0 {
		return schema.Null(), fmt.Errorf("codec: unknown data type %q", dataType)
	}
	wanted := perElem * readAmount
	if len(words) < wanted {
		return schema.Null(), &CodecLengthMismatch{Type: dataType, Wanted: wanted, Have: len(words)}
	}

	if readAmount == 1 {
		return decodeOne(words[:perElem], dataType, order)
	}

	seq := make([]schema.Value, readAmount)
	for i := 0; i < readAmount; i++ {
		v, err := decodeOne(words[i*perElem:(i+1)*perElem], dataType, order)
		if err != nil {
			return schema.Null(), err
		}
		seq[i] = v
	}
	return schema.SequenceValue(seq), nil
}

func decodeOne(words []uint16, dataType schema.DataType, order schema.WordOrder) (schema.Value, error) {
	switch dataType {
	case schema.DataTypeBool:
		return schema.BoolValue(words[0] != 0), nil
	case schema.DataTypeUint16:
		return schema.UintValue(uint64(words[0])), nil
	case schema.DataTypeInt16:
		return schema.IntValue(int64(int16(words[0]))), nil
	case schema.DataTypeUint32:
		return schema.UintValue(assembleUint(words, order)), nil
	case schema.DataTypeInt32:
		return schema.IntValue(int64(int32(assembleUint(words, order)))), nil
	case schema.DataTypeUint64:
		return schema.UintValue(assembleUint(words, order)), nil
	case schema.DataTypeInt64:
		return schema.IntValue(int64(assembleUint(words, order))), nil
	case schema.DataTypeFloat32:
		bits := uint32(assembleUint(words, order))
		return schema.FloatValue(float64(math.Float32frombits(bits))), nil
	case schema.DataTypeFloat64:
		bits := assembleUint(words, order)
		return schema.FloatValue(math.Float64frombits(bits)), nil
	default:
		return schema.Null(), fmt.Errorf("codec: unknown data type %q", dataType)
	}
}

func decodeString(words []uint16, readAmount int) (schema.Value, error) {
	nwords := (readAmount + 1) / 2
	if nwords < 1 {
		nwords = 1
	}
	if len(words) < nwords {
		return schema.Null(), &CodecLengthMismatch{Type: schema.DataTypeString, Wanted: nwords, Have: len(words)}
	}
	buf := make([]byte, 0, nwords*2)
	for _, w := range words[:nwords] {
		buf = append(buf, byte(w>>8), byte(w))
	}
	for i, b := range buf {
		if b == 0 {
			buf = buf[:i]
			break
		}
	}
	return schema.StringValue(string(buf)), nil
}

// Encode turns v into words for dataType under word order. v must already
// be coerced to a Kind compatible with dataType by the caller (the Write
// Queue Drain does this before dispatching a write).
func Encode(v schema.Value, dataType schema.DataType, order schema.WordOrder) ([]uint16, error) {
	if dataType == schema.DataTypeString {
		return encodeString(v)
	}

	if v.Kind == schema.KindSequence {
		out := make([]uint16, 0, len(v.Seq)*dataType.WordsPerElement())
		for _, elem := range v.Seq {
			words, err := encodeOne(elem, dataType, order)
			if err != nil {
				return nil, err
			}
			out = append(out, words...)
		}
		return out, nil
	}

	return encodeOne(v, dataType, order)
}

func encodeOne(v schema.Value, dataType schema.DataType, order schema.WordOrder) ([]uint16, error) {
	switch dataType {
	case schema.DataTypeBool:
		b, err := v.AsBool()
		if err != nil {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		if b {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case schema.DataTypeUint16:
		u, err := v.AsUint()
		if err != nil || u > math.MaxUint16 {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return []uint16{uint16(u)}, nil
	case schema.DataTypeInt16:
		i, err := v.AsInt()
		if err != nil || i < math.MinInt16 || i > math.MaxInt16 {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return []uint16{uint16(int16(i))}, nil
	case schema.DataTypeUint32:
		u, err := v.AsUint()
		if err != nil || u > math.MaxUint32 {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return splitUint(u, 2, order), nil
	case schema.DataTypeInt32:
		i, err := v.AsInt()
		if err != nil || i < math.MinInt32 || i > math.MaxInt32 {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return splitUint(uint64(uint32(int32(i))), 2, order), nil
	case schema.DataTypeUint64:
		u, err := v.AsUint()
		if err != nil {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return splitUint(u, 4, order), nil
	case schema.DataTypeInt64:
		i, err := v.AsInt()
		if err != nil {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		return splitUint(uint64(i), 4, order), nil
	case schema.DataTypeFloat32:
		f, err := v.AsFloat()
		if err != nil {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		bits := math.Float32bits(float32(f))
		return splitUint(uint64(bits), 2, order), nil
	case schema.DataTypeFloat64:
		f, err := v.AsFloat()
		if err != nil {
			return nil, &CodecEncodeRange{Type: dataType, Value: v}
		}
		bits := math.Float64bits(f)
		return splitUint(bits, 4, order), nil
	default:
		return nil, fmt.Errorf("codec: unknown data type %q", dataType)
	}
}

func encodeString(v schema.Value) ([]uint16, error) {
	s, err := v.AsString()
	if err != nil {
		return nil, &CodecEncodeRange{Type: schema.DataTypeString, Value: v}
	}
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return words, nil
}
