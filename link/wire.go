// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Request opcodes. Replies start with the opcode of their request.
const (
	OpOwnership  = 0x40
	OpOwnerQuery = 0x41
	OpDeploy     = 0x43
	OpProperty   = 0x46
	OpRegs       = 0x47
	OpReset      = 0x48
	OpFile       = 0x49
	OpFirmware   = 0x52
	OpStream     = 0x53
	OpClock      = 0x54
)

// Ownership states, as reported by the device.
const (
	OwnerNone  = 0
	OwnerOther = 1
	OwnerMe    = 2
)

// Register I/O direction flag, or'ed into the address of written registers.
const RegWrite = 0x80

// Property actions.
const (
	PropRead    = 1
	PropWrite   = 2
	PropSection = 3
)

// Firmware actions.
const (
	FwLoad    = 0x01
	FwRestart = 0x02
)

// Clock actions.
const (
	ClockSet = 0x01
	ClockGet = 0x02
)

// Deploy flags.
const (
	DeployExtClock = 1 << 0
	DeployPartial  = 1 << 1
)

// Stream actions.
const (
	StreamPrepare = 1
	StreamStop    = 2
	StreamQuery   = 3
	StreamStart   = 4
)

// Reg is a register address and its value.
type Reg struct {
	Addr  uint8
	Value uint32
}

// Encoder builds a little-endian wire message.
// Errors are sticky: once an error occurred, all further writes are
// ignored and the error is reported by Err.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder returns an encoder for a message starting with op.
func NewEncoder(op uint8) *Encoder {
	return &Encoder{buf: []byte{op}}
}

// Err returns the first error encountered while encoding.
func (enc *Encoder) Err() error { return enc.err }

// Len returns the current length of the message.
func (enc *Encoder) Len() int { return len(enc.buf) }

// Msg returns the encoded message.
func (enc *Encoder) Msg() []byte { return enc.buf }

func (enc *Encoder) WriteU8(v uint8) {
	if enc.err != nil {
		return
	}
	enc.buf = append(enc.buf, v)
}

func (enc *Encoder) WriteBool(v bool) {
	if v {
		enc.WriteU8(1)
		return
	}
	enc.WriteU8(0)
}

func (enc *Encoder) WriteU16(v uint16) {
	if enc.err != nil {
		return
	}
	enc.buf = binary.LittleEndian.AppendUint16(enc.buf, v)
}

func (enc *Encoder) WriteU32(v uint32) {
	if enc.err != nil {
		return
	}
	enc.buf = binary.LittleEndian.AppendUint32(enc.buf, v)
}

func (enc *Encoder) WriteI32(v int32) {
	enc.WriteU32(uint32(v))
}

func (enc *Encoder) WriteU64(v uint64) {
	if enc.err != nil {
		return
	}
	enc.buf = binary.LittleEndian.AppendUint64(enc.buf, v)
}

func (enc *Encoder) WriteF64(v float64) {
	enc.WriteU64(math.Float64bits(v))
}

// Write appends raw bytes.
func (enc *Encoder) Write(p []byte) {
	if enc.err != nil {
		return
	}
	enc.buf = append(enc.buf, p...)
}

// WriteStr8 appends a string prefixed with its length on one byte.
func (enc *Encoder) WriteStr8(s string) {
	if enc.err != nil {
		return
	}
	if len(s) > math.MaxUint8 {
		enc.err = fmt.Errorf("link: string too long (%d > %d)", len(s), math.MaxUint8)
		return
	}
	enc.WriteU8(uint8(len(s)))
	enc.buf = append(enc.buf, s...)
}

// WriteStr16 appends a string prefixed with its length on two bytes.
func (enc *Encoder) WriteStr16(s string) {
	if enc.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		enc.err = fmt.Errorf("link: string too long (%d > %d)", len(s), math.MaxUint16)
		return
	}
	enc.WriteU16(uint16(len(s)))
	enc.buf = append(enc.buf, s...)
}

// PutU32At overwrites 4 bytes at offset off.
// It is used to back-patch length fields.
func (enc *Encoder) PutU32At(off int, v uint32) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(enc.buf[off:], v)
}

// PutU64At overwrites 8 bytes at offset off.
func (enc *Encoder) PutU64At(off int, v uint64) {
	if enc.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(enc.buf[off:], v)
}

// Decoder reads a little-endian wire message.
// Errors are sticky, reading past the end of the message yields
// io.ErrUnexpectedEOF.
type Decoder struct {
	p   []byte
	err error
}

// NewDecoder returns a decoder reading from p.
func NewDecoder(p []byte) *Decoder {
	return &Decoder{p: p}
}

// Err returns the first error encountered while decoding.
func (dec *Decoder) Err() error { return dec.err }

// Len returns the number of unread bytes.
func (dec *Decoder) Len() int { return len(dec.p) }

// Rest returns the unread bytes.
func (dec *Decoder) Rest() []byte {
	p := dec.p
	dec.p = dec.p[len(dec.p):]
	return p
}

func (dec *Decoder) load(n int) []byte {
	if dec.err != nil {
		return nil
	}
	if len(dec.p) < n {
		dec.err = io.ErrUnexpectedEOF
		dec.p = dec.p[len(dec.p):]
		return nil
	}
	p := dec.p[:n]
	dec.p = dec.p[n:]
	return p
}

func (dec *Decoder) ReadU8() uint8 {
	p := dec.load(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (dec *Decoder) ReadBool() bool {
	return dec.ReadU8() != 0
}

func (dec *Decoder) ReadU16() uint16 {
	p := dec.load(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (dec *Decoder) ReadU32() uint32 {
	p := dec.load(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (dec *Decoder) ReadI32() int32 {
	return int32(dec.ReadU32())
}

func (dec *Decoder) ReadU64() uint64 {
	p := dec.load(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (dec *Decoder) ReadF64() float64 {
	return math.Float64frombits(dec.ReadU64())
}

// Read returns the next n bytes.
func (dec *Decoder) Read(n int) []byte {
	return dec.load(n)
}

func (dec *Decoder) ReadStr8() string {
	n := dec.ReadU8()
	return string(dec.load(int(n)))
}

func (dec *Decoder) ReadStr16() string {
	n := dec.ReadU16()
	return string(dec.load(int(n)))
}
