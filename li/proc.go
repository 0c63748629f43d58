// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Operation codes of a processing format.
const (
	OpMul   = '*'
	OpDiv   = '/'
	OpAdd   = '+'
	OpSub   = '-'
	OpAnd   = '&'
	OpSqrt  = 's'
	OpFloor = 'f'
	OpCeil  = 'c'
	OpPow   = '^'
)

// Op is one arithmetic operation applied to a field value.
type Op struct {
	Code  byte
	Lit   Value // operand, unless Coeff is set
	Coeff bool  // operand is the calibration coefficient of the channel
	none  bool  // no operand
}

func (op Op) String() string {
	switch {
	case op.none:
		return string(op.Code)
	case op.Coeff:
		return string(op.Code) + "C"
	}
	return string(op.Code) + op.Lit.String()
}

// Ops is the sequence of operations applied to one field.
type Ops []Op

// Proc is a processing format: one sequence of operations per recorded
// field, in record order. Fields without operations are dropped.
type Proc []Ops

var reProc = regexp.MustCompile(`([*/+\-&s^fc])(-?[0-9.xA-F]+(e-?[0-9]+)?)?`)

// ParseProc parses a processing format: ':'-separated clauses of
// operations, one clause per recorded field.
func ParseProc(s string) (Proc, error) {
	var proc Proc
	for _, clause := range strings.Split(s, ":") {
		var ops Ops
		for _, m := range reProc.FindAllStringSubmatch(clause, -1) {
			op := Op{Code: m[1][0]}
			switch lit := m[2]; lit {
			case "":
				op.none = true
			case "C":
				op.Coeff = true
			default:
				v, err := parseLit(lit)
				if err != nil {
					return nil, xerrors.Errorf("li: could not parse literal %q: %w", lit, ErrFormat)
				}
				op.Lit = v
			}
			switch op.Code {
			case OpSqrt, OpFloor, OpCeil:
				op.none, op.Coeff, op.Lit = true, false, Value{}
			default:
				if op.none {
					return nil, xerrors.Errorf("li: operation %q without operand: %w", op.Code, ErrFormat)
				}
			}
			ops = append(ops, op)
		}
		proc = append(proc, ops)
	}
	return proc, nil
}

func parseLit(s string) (Value, error) {
	if v, err := parseInt(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, err
	}
	return FloatValue(f), nil
}

func (proc Proc) String() string {
	var o strings.Builder
	for i, ops := range proc {
		if i > 0 {
			o.WriteString(":")
		}
		for _, op := range ops {
			o.WriteString(op.String())
		}
	}
	return o.String()
}

// Check verifies the operations can be applied to records of the given
// format. Bitwise operations are only defined on integral values.
func (proc Proc) Check(fmt Format) error {
	var kinds []Kind
	for _, f := range fmt {
		if f.Recorded() {
			kinds = append(kinds, f.kind())
		}
	}
	for i, ops := range proc {
		if i >= len(kinds) {
			break
		}
		k := kinds[i]
		for _, op := range ops {
			var err error
			k, err = op.kind(k)
			if err != nil {
				return xerrors.Errorf("li: invalid operation %q on field %d: %w", op, i, err)
			}
		}
	}
	return nil
}

// kind returns the kind of the result of op applied to a value of kind k.
func (op Op) kind(k Kind) (Kind, error) {
	float := k == Float || op.Coeff || (!op.none && op.Lit.Kind() == Float)
	switch op.Code {
	case OpMul, OpAdd, OpSub:
		if float {
			return Float, nil
		}
	case OpDiv, OpSqrt:
		return Float, nil
	case OpFloor, OpCeil:
		return Int, nil
	case OpAnd:
		if float {
			return k, ErrFormat
		}
	case OpPow:
		if float || (op.Lit.Kind() == Int && op.Lit.Int() < 0) {
			return Float, nil
		}
	}
	return Int, nil
}

// Uses reports whether the format refers to the calibration coefficient.
func (proc Proc) Uses() bool {
	for _, ops := range proc {
		for _, op := range ops {
			if op.Coeff {
				return true
			}
		}
	}
	return false
}

// Apply processes a raw record with the calibration coefficient coeff.
func (proc Proc) Apply(raw []Value, coeff float64) Record {
	n := min(len(raw), len(proc))
	rec := make(Record, n)
	for i := range rec {
		v := raw[i]
		for _, op := range proc[i] {
			v = op.apply(v, coeff)
		}
		rec[i] = v
	}
	return rec
}

func (op Op) apply(v Value, coeff float64) Value {
	lit := op.Lit
	if op.Coeff {
		lit = FloatValue(coeff)
	}
	if v.Kind() == Bool {
		v = IntValue(v.Int())
	}

	switch op.Code {
	case OpSqrt:
		return FloatValue(math.Sqrt(v.Float()))
	case OpFloor:
		return toInt(math.Floor(v.Float()), v)
	case OpCeil:
		return toInt(math.Ceil(v.Float()), v)
	case OpDiv:
		return FloatValue(v.Float() / lit.Float())
	case OpAnd:
		if v.Kind() == Uint || lit.Kind() == Uint {
			return UintValue(v.Uint() & lit.Uint())
		}
		return IntValue(v.Int() & lit.Int())
	}

	if v.Kind() != Int || lit.Kind() != Int {
		a, b := v.Float(), lit.Float()
		switch op.Code {
		case OpMul:
			return FloatValue(a * b)
		case OpAdd:
			return FloatValue(a + b)
		case OpSub:
			return FloatValue(a - b)
		}
		return FloatValue(math.Pow(a, b))
	}

	a, b := v.Int(), lit.Int()
	var (
		r  int64
		ok bool
	)
	switch op.Code {
	case OpMul:
		r, ok = mul64(a, b)
	case OpAdd:
		r = a + b
		ok = (r > a) == (b > 0)
	case OpSub:
		r = a - b
		ok = (r < a) == (b > 0)
	case OpPow:
		r, ok = pow64(a, b)
	}
	if !ok {
		return op.apply(FloatValue(float64(a)), coeff)
	}
	return IntValue(r)
}

// toInt converts a rounded float to an integer, when it fits.
func toInt(f float64, v Value) Value {
	if v.Kind().integral() {
		return v
	}
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return FloatValue(f)
	}
	return IntValue(int64(f))
}

func mul64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return r, true
}

func pow64(a, b int64) (int64, bool) {
	if b < 0 {
		return 0, false
	}
	var (
		r  = int64(1)
		ok bool
	)
	for b > 0 {
		if b&1 == 1 {
			r, ok = mul64(r, a)
			if !ok {
				return 0, false
			}
		}
		b >>= 1
		if b > 0 {
			a, ok = mul64(a, a)
			if !ok {
				return 0, false
			}
		}
	}
	return r, true
}
