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

// Field types of a record format.
const (
	TypeUint  = 'u'
	TypeInt   = 's'
	TypeFloat = 'f'
	TypeBool  = 'b'
	TypePad   = 'p'
	typeRaw   = 'r'
)

// Field describes one field of a binary record.
type Field struct {
	Type   byte  // one of TypeUint, TypeInt, TypeFloat, TypeBool or TypePad
	Bits   int   // width in bits
	Lit    Value // literal the field must match, if HasLit
	HasLit bool
}

// Recorded reports whether the field value is part of the record.
func (f Field) Recorded() bool { return f.Type != TypePad }

func (f Field) String() string {
	s := string(f.Type) + strconv.Itoa(f.Bits)
	if f.HasLit {
		s += "," + f.Lit.String()
	}
	return s
}

// kind returns the kind of the decoded values of the field.
func (f Field) kind() Kind {
	switch f.Type {
	case TypeFloat:
		return Float
	case TypeBool:
		return Bool
	}
	return Int
}

// Format is the layout of a binary record, least significant bit first.
type Format []Field

var reFormat = regexp.MustCompile(`([usfbrp])([0-9]+),*([0-9a-zA-Z]+)*`)

// ParseFormat parses a record format: a '<' followed by ':'-separated
// clauses of the form <type><bits>[,<literal>].
func ParseFormat(s string) (Format, error) {
	switch {
	case s == "":
		return nil, xerrors.Errorf("li: empty record format: %w", ErrFormat)
	case s[0] == '>':
		return nil, xerrors.Errorf("li: big-endian record format %q not supported: %w", s, ErrFormat)
	}

	var fmt Format
	for _, clause := range strings.Split(s, ":") {
		m := reFormat.FindStringSubmatch(clause)
		if m == nil {
			return nil, xerrors.Errorf("li: could not parse record clause %q: %w", clause, ErrFormat)
		}
		bits, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, xerrors.Errorf("li: invalid width in clause %q: %w", clause, ErrFormat)
		}
		f := Field{Type: m[1][0], Bits: bits}
		switch {
		case f.Type == typeRaw:
			return nil, xerrors.Errorf("li: raw fields (clause %q) not supported: %w", clause, ErrFormat)
		case bits <= 0 || bits > 64:
			return nil, xerrors.Errorf("li: invalid width in clause %q: %w", clause, ErrFormat)
		case f.Type == TypeFloat && bits != 32 && bits != 64:
			return nil, xerrors.Errorf("li: invalid float width in clause %q: %w", clause, ErrFormat)
		}
		if m[3] != "" {
			lit, err := parseInt(m[3])
			if err != nil {
				return nil, xerrors.Errorf("li: invalid literal in clause %q: %w", clause, ErrFormat)
			}
			f.Lit = lit
			f.HasLit = true
		}
		fmt = append(fmt, f)
	}
	return fmt, nil
}

// Bits returns the length of a record, in bits.
func (fmt Format) Bits() int {
	n := 0
	for _, f := range fmt {
		n += f.Bits
	}
	return n
}

// Aligned reports whether all fields are byte-aligned.
func (fmt Format) Aligned() bool {
	for _, f := range fmt {
		if f.Bits%8 != 0 {
			return false
		}
	}
	return true
}

func (fmt Format) String() string {
	var o strings.Builder
	o.WriteString("<")
	for i, f := range fmt {
		if i > 0 {
			o.WriteString(":")
		}
		o.WriteString(f.String())
	}
	return o.String()
}

// decode converts the raw bits of field f into a value.
func (f Field) decode(raw uint64) Value {
	switch f.Type {
	case TypeInt:
		if f.Bits < 64 && raw&(1<<(f.Bits-1)) != 0 {
			raw |= ^uint64(0) << f.Bits
		}
		return IntValue(int64(raw))
	case TypeFloat:
		if f.Bits == 32 {
			return FloatValue(float64(math.Float32frombits(uint32(raw))))
		}
		return FloatValue(math.Float64frombits(raw))
	case TypeBool:
		return BoolValue(raw != 0)
	}
	return UintValue(raw)
}

// match reports whether v matches the literal of the field, if any.
func (f Field) match(v Value) bool {
	if !f.HasLit {
		return true
	}
	return v.Equal(f.Lit)
}

// parseInt parses an integer literal: decimal without leading zeros,
// or 0x, 0o and 0b prefixed.
func parseInt(s string) (Value, error) {
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	base := 10
	digits := s
	if len(s) > 1 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X':
			base, digits = 16, s[2:]
		case 'o', 'O':
			base, digits = 8, s[2:]
		case 'b', 'B':
			base, digits = 2, s[2:]
		default:
			if strings.Trim(s, "0") != "" {
				return Value{}, strconv.ErrSyntax
			}
			digits = "0"
		}
	}
	if digits == "" || strings.HasPrefix(digits, "+") || strings.HasPrefix(digits, "-") {
		return Value{}, strconv.ErrSyntax
	}

	u, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return Value{}, err
	}
	if !neg {
		return UintValue(u), nil
	}
	if u > 1<<63 {
		return Value{}, strconv.ErrRange
	}
	return IntValue(-int64(u)), nil
}
