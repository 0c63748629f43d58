// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a Value.
type Kind uint8

const (
	Int   Kind = iota // signed integer
	Uint              // unsigned integer not representable as Int
	Float             // IEEE-754 double
	Bool              // boolean
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Float:
		return "float"
	case Bool:
		return "bool"
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

func (k Kind) integral() bool { return k != Float }

// Value is a decoded or processed field value.
type Value struct {
	kind Kind
	bits uint64
	f    float64
}

func IntValue(v int64) Value     { return Value{kind: Int, bits: uint64(v)} }
func FloatValue(v float64) Value { return Value{kind: Float, f: v} }

func UintValue(v uint64) Value {
	if v <= math.MaxInt64 {
		return IntValue(int64(v))
	}
	return Value{kind: Uint, bits: v}
}

func BoolValue(v bool) Value {
	if v {
		return Value{kind: Bool, bits: 1}
	}
	return Value{kind: Bool}
}

func (v Value) Kind() Kind { return v.kind }

// Int returns v as a signed integer. Floats are truncated.
func (v Value) Int() int64 {
	if v.kind == Float {
		return int64(v.f)
	}
	return int64(v.bits)
}

// Uint returns v as an unsigned integer.
func (v Value) Uint() uint64 {
	if v.kind == Float {
		return uint64(v.f)
	}
	return v.bits
}

// Float returns v as a float.
func (v Value) Float() float64 {
	switch v.kind {
	case Float:
		return v.f
	case Uint:
		return float64(v.bits)
	}
	return float64(int64(v.bits))
}

// Bool returns whether v is non-zero.
func (v Value) Bool() bool {
	if v.kind == Float {
		return v.f != 0
	}
	return v.bits != 0
}

// Equal reports whether v and o hold the same number, whatever their kinds.
func (v Value) Equal(o Value) bool {
	switch {
	case v.kind == Float || o.kind == Float:
		return v.Float() == o.Float()
	case v.kind == Uint || o.kind == Uint:
		return v.kind == o.kind && v.bits == o.bits
	}
	return int64(v.bits) == int64(o.bits)
}

// String returns the canonical textual form of v: integers in base 10,
// floats in their shortest round-trip form with a mandatory fraction
// or exponent, and booleans as True or False.
func (v Value) String() string {
	switch v.kind {
	case Int:
		return strconv.FormatInt(int64(v.bits), 10)
	case Uint:
		return strconv.FormatUint(v.bits, 10)
	case Bool:
		if v.bits != 0 {
			return "True"
		}
		return "False"
	}
	return formatRepr(v.f)
}

func formatRepr(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, +1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	i := strings.LastIndexByte(s, 'e')
	exp, _ := strconv.Atoi(s[i+1:])
	if exp < -4 || exp >= 16 {
		return s
	}
	s = strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// Record is a processed record: a scalar holds a single value, a tuple
// holds more.
type Record []Value

// Scalar returns the value of a single-valued record.
func (rec Record) Scalar() Value {
	if len(rec) == 0 {
		return Value{}
	}
	return rec[0]
}

func (rec Record) String() string {
	if len(rec) == 1 {
		return rec[0].String()
	}
	var o strings.Builder
	o.WriteString("(")
	for i, v := range rec {
		if i > 0 {
			o.WriteString(", ")
		}
		o.WriteString(v.String())
	}
	o.WriteString(")")
	return o.String()
}

// Equal reports whether both records hold equal values.
func (rec Record) Equal(o Record) bool {
	if len(rec) != len(o) {
		return false
	}
	for i := range rec {
		if !rec[i].Equal(o[i]) {
			return false
		}
	}
	return true
}
