// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"math"
)

// MaxRegs is the maximum number of registers exchanged by one request.
const MaxRegs = math.MaxUint8

// ReadRegs reads the registers at addrs.
func (l *Link) ReadRegs(ctx context.Context, addrs []uint8) ([]Reg, error) {
	if len(addrs) > MaxRegs {
		return nil, fmt.Errorf("link: too many registers (%d > %d)", len(addrs), MaxRegs)
	}

	enc := NewEncoder(OpRegs)
	enc.WriteU8(0)
	enc.WriteU8(uint8(len(addrs)))
	for _, addr := range addrs {
		if addr&RegWrite != 0 {
			return nil, fmt.Errorf("link: invalid register address %d", addr)
		}
		enc.WriteU8(addr)
	}

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return nil, fmt.Errorf("link: could not read registers: %w", err)
	}

	dec := NewDecoder(rep[1:])
	code := dec.ReadU8()
	n := int(dec.ReadU8())
	if err := l.decode(OpRegs, dec); err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &DeviceError{Op: OpRegs, Code: code}
	}
	if dec.Len() != 5*n {
		return nil, l.broken(OpRegs, "register reply length mismatch (n=%d, len=%d)", n, dec.Len())
	}

	regs := make([]Reg, n)
	for i := range regs {
		regs[i].Addr = dec.ReadU8()
		regs[i].Value = dec.ReadU32()
	}
	if err := l.decode(OpRegs, dec); err != nil {
		return nil, err
	}
	return regs, nil
}

// WriteRegs writes regs in a single request.
func (l *Link) WriteRegs(ctx context.Context, regs []Reg) error {
	if len(regs) > MaxRegs {
		return fmt.Errorf("link: too many registers (%d > %d)", len(regs), MaxRegs)
	}

	enc := NewEncoder(OpRegs)
	enc.WriteU8(0)
	enc.WriteU8(uint8(len(regs)))
	for _, r := range regs {
		if r.Addr&RegWrite != 0 {
			return fmt.Errorf("link: invalid register address %d", r.Addr)
		}
		enc.WriteU8(r.Addr | RegWrite)
		enc.WriteU32(r.Value)
	}

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return fmt.Errorf("link: could not write registers: %w", err)
	}

	dec := NewDecoder(rep[1:])
	code := dec.ReadU8()
	n := dec.ReadU8()
	if err := l.decode(OpRegs, dec); err != nil {
		return err
	}
	if code != 0 {
		return &DeviceError{Op: OpRegs, Code: code}
	}
	if n != 0 {
		return l.broken(OpRegs, "unexpected data in register write reply (n=%d)", n)
	}
	return nil
}
