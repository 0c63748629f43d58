// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bitfield encodes and decodes user values into spans of bits
// held by one or more 32-bit device registers.
package bitfield // import "github.com/go-lpc/moku/bitfield"

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfRange is returned when a value can not be represented
	// by a field, or is rejected by its allowed set or range.
	ErrOutOfRange = errors.New("bitfield: value out of range")

	// ErrConfig is returned for malformed field descriptors.
	ErrConfig = errors.New("bitfield: invalid field descriptor")
)

// RegBits is the width of a single device register.
const RegBits = 32

// Transform converts between user units and register counts.
type Transform struct {
	Encode func(v float64) float64 // user units to counts
	Decode func(v float64) float64 // counts to user units
}

// Scale returns a linear transform: counts = v*k.
func Scale(k float64) *Transform {
	return &Transform{
		Encode: func(v float64) float64 { return v * k },
		Decode: func(v float64) float64 { return v / k },
	}
}

// Range is an inclusive range of allowed register values.
type Range struct {
	Min float64
	Max float64
}

// Field describes a typed view onto a bit range of one or more registers.
//
// Compound fields list their registers most significant first: the
// field value is taken from the concatenation of all listed registers,
// bit 0 being the least significant bit of the last register.
type Field struct {
	Name   string
	Regs   []int // register indices, MSB first
	Offset uint  // offset of the least significant bit
	Width  uint  // number of bits
	Signed bool  // two's complement

	Set   []int64    // allowed set of register values, if any
	Range *Range     // allowed range of register values, if any
	Xform *Transform // unit transform, if any
}

// Uint returns an unsigned field of width bits at offset off of register reg.
func Uint(name string, reg int, off, width uint) Field {
	return Field{Name: name, Regs: []int{reg}, Offset: off, Width: width}
}

// Int returns a signed field of width bits at offset off of register reg.
func Int(name string, reg int, off, width uint) Field {
	return Field{Name: name, Regs: []int{reg}, Offset: off, Width: width, Signed: true}
}

// Bit returns a single-bit field.
func Bit(name string, reg int, bit uint) Field {
	return Uint(name, reg, bit, 1)
}

// Wide returns an unsigned field spanning the registers regs, listed MSB first.
// Register values of 2^63 and above are only reachable through EncodeUint
// and DecodeUint.
func Wide(name string, regs []int, off, width uint) Field {
	return Field{Name: name, Regs: append([]int(nil), regs...), Offset: off, Width: width}
}

// WithSet returns a copy of f restricted to the provided register values.
func (f Field) WithSet(vs ...int64) Field {
	f.Set = append([]int64(nil), vs...)
	return f
}

// WithRange returns a copy of f restricted to [min, max] register values.
func (f Field) WithRange(min, max float64) Field {
	f.Range = &Range{Min: min, Max: max}
	return f
}

// WithTransform returns a copy of f using the provided unit transform.
func (f Field) WithTransform(x *Transform) Field {
	f.Xform = x
	return f
}

// Mask returns the mask of the field, relative to the concatenated registers.
func (f Field) Mask() uint64 {
	return widthMask(f.Width) << f.Offset
}

// Validate checks the consistency of the field descriptor.
func (f Field) Validate() error {
	switch {
	case len(f.Regs) == 0:
		return fmt.Errorf("%w: field %q has no register", ErrConfig, f.Name)
	case len(f.Regs)*RegBits > 64:
		return fmt.Errorf("%w: field %q spans %d registers", ErrConfig, f.Name, len(f.Regs))
	case f.Width == 0:
		return fmt.Errorf("%w: field %q has zero width", ErrConfig, f.Name)
	case f.Offset+f.Width > uint(len(f.Regs))*RegBits:
		return fmt.Errorf(
			"%w: field %q (offset=%d, width=%d) overflows %d register(s)",
			ErrConfig, f.Name, f.Offset, f.Width, len(f.Regs),
		)
	case f.Set != nil && f.Range != nil:
		return fmt.Errorf("%w: field %q has both an allowed set and range", ErrConfig, f.Name)
	case f.Range != nil && f.Range.Min > f.Range.Max:
		return fmt.Errorf("%w: field %q has an empty range", ErrConfig, f.Name)
	}
	return nil
}

// Encode applies the unit transform to v, validates the result and
// packs it into a copy of regs. Bits outside the field are preserved.
// regs is never modified.
func (f Field) Encode(regs []uint32, v float64) ([]uint32, error) {
	err := f.check(regs)
	if err != nil {
		return nil, err
	}

	x := v
	if f.Xform != nil && f.Xform.Encode != nil {
		x = f.Xform.Encode(v)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, f.errRange(v)
	}

	err = f.allowed(x)
	if err != nil {
		return nil, f.errRange(v)
	}

	x = math.Round(x)
	if x < math.MinInt64 || x >= math.MaxInt64 {
		return nil, f.errRange(v)
	}

	return f.pack(regs, int64(x), v)
}

// EncodeRaw packs the register value n into a copy of regs, bypassing
// the unit transform.
func (f Field) EncodeRaw(regs []uint32, n int64) ([]uint32, error) {
	err := f.check(regs)
	if err != nil {
		return nil, err
	}

	err = f.allowed(float64(n))
	if err != nil {
		return nil, f.errRange(n)
	}

	return f.pack(regs, n, n)
}

// EncodeUint is like EncodeRaw for unsigned register values, covering
// the full range of 64-bit fields.
func (f Field) EncodeUint(regs []uint32, n uint64) ([]uint32, error) {
	if f.Signed {
		if n > math.MaxInt64 {
			return nil, f.errRange(n)
		}
		return f.EncodeRaw(regs, int64(n))
	}

	err := f.check(regs)
	if err != nil {
		return nil, err
	}
	if n > widthMask(f.Width) || f.allowed(float64(n)) != nil {
		return nil, f.errRange(n)
	}
	return f.put(regs, n), nil
}

// Decode extracts the field from regs and converts it to user units.
func (f Field) Decode(regs []uint32) float64 {
	v := float64(f.DecodeRaw(regs))
	if f.Xform != nil && f.Xform.Decode != nil {
		v = f.Xform.Decode(v)
	}
	return v
}

// DecodeUint extracts the bits of the field from regs, without sign
// extension.
func (f Field) DecodeUint(regs []uint32) uint64 {
	return (join(regs) >> f.Offset) & widthMask(f.Width)
}

// DecodeRaw extracts the register value of the field from regs.
// Signed fields are sign-extended. Unsigned 64-bit values of 2^63 and
// above wrap to negative numbers: use DecodeUint for those.
func (f Field) DecodeRaw(regs []uint32) int64 {
	var (
		mask = widthMask(f.Width)
		v    = (join(regs) >> f.Offset) & mask
	)
	if f.Signed && f.Width < 64 && v&(1<<(f.Width-1)) != 0 {
		v |= ^mask
	}
	return int64(v)
}

func (f Field) check(regs []uint32) error {
	err := f.Validate()
	if err != nil {
		return err
	}
	if len(regs) != len(f.Regs) {
		return fmt.Errorf(
			"%w: field %q needs %d register(s), got %d",
			ErrConfig, f.Name, len(f.Regs), len(regs),
		)
	}
	return nil
}

func (f Field) allowed(x float64) error {
	switch {
	case f.Set != nil:
		for _, v := range f.Set {
			if float64(v) == x {
				return nil
			}
		}
		return ErrOutOfRange
	case f.Range != nil:
		if x < f.Range.Min || x > f.Range.Max {
			return ErrOutOfRange
		}
	}
	return nil
}

func (f Field) pack(regs []uint32, n int64, v interface{}) ([]uint32, error) {
	if !f.fits(n) {
		return nil, f.errRange(v)
	}
	return f.put(regs, uint64(n)), nil
}

func (f Field) put(regs []uint32, n uint64) []uint32 {
	mask := widthMask(f.Width)
	wide := join(regs)
	wide &^= mask << f.Offset
	wide |= (n & mask) << f.Offset
	return split(wide, len(regs))
}

func (f Field) fits(n int64) bool {
	if f.Width >= 64 {
		return f.Signed || n >= 0
	}
	if f.Signed {
		lim := int64(1) << (f.Width - 1)
		return -lim <= n && n < lim
	}
	return n >= 0 && uint64(n) <= widthMask(f.Width)
}

func (f Field) errRange(v interface{}) error {
	return fmt.Errorf("%w: field %q can not hold %v", ErrOutOfRange, f.Name, v)
}

func widthMask(w uint) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return 1<<w - 1
}

func join(regs []uint32) uint64 {
	var v uint64
	for _, r := range regs {
		v = v<<RegBits | uint64(r)
	}
	return v
}

func split(v uint64, n int) []uint32 {
	out := make([]uint32, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = uint32(v)
		v >>= RegBits
	}
	return out
}
