// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package schema

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Kind discriminates the tagged variant stored in a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindSequence
)

// Value is the dynamically-typed sum type used for Tag.CurrentValue and
// AlarmConfig.TriggerValue. It is a tagged variant internally and is only
// ever serialized to/from JSON at a persistence or wire boundary.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	U    uint64
	F    float64
	S    string
	Seq  []Value
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

func Null() Value                { return Value{Kind: KindNull} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, B: b} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, I: i} }
func UintValue(u uint64) Value   { return Value{Kind: KindUint, U: u} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, F: f} }
func StringValue(s string) Value { return Value{Kind: KindString, S: s} }
func SequenceValue(seq []Value) Value {
	return Value{Kind: KindSequence, Seq: seq}
}

// Equal performs the structural comparison the Tag Evaluator uses to
// detect changes between ticks. Numeric kinds across Int/Uint/Float are
// compared by converted value so that a register decoded once as uint64
// and once as int64 (same bit pattern, same logical number) does not
// appear to have changed.
func (v Value) Equal(o Value) bool {
	if v.Kind == KindNull || o.Kind == KindNull {
		return v.Kind == o.Kind
	}
	if v.Kind == KindSequence || o.Kind == KindSequence {
		if v.Kind != KindSequence || o.Kind != KindSequence || len(v.Seq) != len(o.Seq) {
			return false
		}
		for i := range v.Seq {
			if !v.Seq[i].Equal(o.Seq[i]) {
				return false
			}
		}
		return true
	}
	if v.Kind == KindString || o.Kind == KindString {
		return v.Kind == KindString && o.Kind == KindString && v.S == o.S
	}
	if v.Kind == KindBool || o.Kind == KindBool {
		return v.Kind == KindBool && o.Kind == KindBool && v.B == o.B
	}
	return v.asFloat() == o.asFloat()
}

// AsBool coerces v to bool. Numeric kinds are truthy on nonzero.
func (v Value) AsBool() (bool, error) {
	switch v.Kind {
	case KindBool:
		return v.B, nil
	case KindInt:
		return v.I != 0, nil
	case KindUint:
		return v.U != 0, nil
	case KindFloat:
		return v.F != 0, nil
	default:
		return false, fmt.Errorf("schema: cannot coerce %v to bool", v.Kind)
	}
}

// AsInt coerces v to int64.
func (v Value) AsInt() (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.I, nil
	case KindUint:
		return int64(v.U), nil
	case KindFloat:
		return int64(v.F), nil
	case KindBool:
		if v.B {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("schema: cannot coerce %v to int", v.Kind)
	}
}

// AsUint coerces v to uint64.
func (v Value) AsUint() (uint64, error) {
	switch v.Kind {
	case KindUint:
		return v.U, nil
	case KindInt:
		if v.I < 0 {
			return 0, fmt.Errorf("schema: negative int %d cannot coerce to uint", v.I)
		}
		return uint64(v.I), nil
	case KindFloat:
		if v.F < 0 {
			return 0, fmt.Errorf("schema: negative float %v cannot coerce to uint", v.F)
		}
		return uint64(v.F), nil
	case KindBool:
		if v.B {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("schema: cannot coerce %v to uint", v.Kind)
	}
}

// AsFloat coerces v to float64.
func (v Value) AsFloat() (float64, error) {
	switch v.Kind {
	case KindFloat:
		return v.F, nil
	case KindInt:
		return float64(v.I), nil
	case KindUint:
		return float64(v.U), nil
	default:
		return 0, fmt.Errorf("schema: cannot coerce %v to float", v.Kind)
	}
}

// AsString coerces v to string. Only a Value already holding a string is
// accepted; numeric-to-string coercion is intentionally not supported.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("schema: cannot coerce %v to string", v.Kind)
	}
	return v.S, nil
}

func (v Value) asFloat() float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I)
	case KindUint:
		return float64(v.U)
	case KindFloat:
		return v.F
	default:
		return 0
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.B)
	case KindInt:
		return json.Marshal(v.I)
	case KindUint:
		return json.Marshal(v.U)
	case KindFloat:
		return json.Marshal(v.F)
	case KindString:
		return json.Marshal(v.S)
	case KindSequence:
		return json.Marshal(v.Seq)
	default:
		return nil, fmt.Errorf("schema: unknown value kind %d", v.Kind)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case float64:
		if t == float64(int64(t)) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case string:
		return StringValue(t)
	case []interface{}:
		seq := make([]Value, len(t))
		for i, e := range t {
			seq[i] = fromInterface(e)
		}
		return SequenceValue(seq)
	default:
		return Null()
	}
}

// Scan implements sql.Scanner so a Value can be read directly out of a
// TEXT/JSON column (current_value, trigger_value).
func (v *Value) Scan(src interface{}) error {
	if src == nil {
		*v = Null()
		return nil
	}
	switch t := src.(type) {
	case []byte:
		if len(t) == 0 {
			*v = Null()
			return nil
		}
		return json.Unmarshal(t, v)
	case string:
		if t == "" {
			*v = Null()
			return nil
		}
		return json.Unmarshal([]byte(t), v)
	default:
		return fmt.Errorf("schema: cannot scan %T into Value", src)
	}
}

// Value implements driver.Valuer.
func (v Value) Value() (driver.Value, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
