// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs holds the register map shared by all instruments and a
// shadow register store that batches field writes into atomic commits.
package regs // import "github.com/go-lpc/moku/regs"

import (
	"github.com/go-lpc/moku/bitfield"
)

// NumRegs is the number of addressable registers of an instrument.
const NumRegs = 128

// Registers common to all instruments.
const (
	RegCtl     = 0
	RegStat    = 1
	RegID1     = 2
	RegID2     = 3
	RegRes1    = 4
	RegOutLen  = 5
	RegFilt    = 6
	RegFRate   = 7
	RegScale   = 8
	RegOffset  = 9
	RegOffsetA = 10
	RegStrCtl0 = 11
	RegStrCtl1 = 12
	RegAInCtl  = 13
	RegPreTrig = 15
	RegCal1    = 16 // first of 10 calibration registers
	RegState   = 63
)

// RegCtl flags.
const (
	CtlCommit     = 0x80000000
	CtlInstrReset = 0x00000001
)

// X-mode values, as held by the XMode field.
const (
	Roll  = 1
	Sweep = 2
	Pause = 4
)

// Render modes.
const (
	RenderCubic  = 0
	RenderMinMax = 1
	RenderDeci   = 2
	RenderDDS    = 3
)

// Input relay flags.
const (
	RelayDC   = 1
	RelayLowZ = 2
	RelayLowG = 4
)

// Fields common to all instruments.
var (
	InstrReset = bitfield.Bit("instr_rst", RegCtl, 0)

	InstrID    = bitfield.Uint("instr_id", RegID1, 0, 8)
	InstrBuild = bitfield.Uint("instr_buildno", RegID1, 16, 16)
	HWVersion  = bitfield.Uint("hwver", RegID2, 24, 8)
	HWSerial   = bitfield.Uint("hwserial", RegID2, 0, 12)

	FrameLength = bitfield.Uint("frame_length", RegOutLen, 0, 10)
	XMode       = bitfield.Uint("x_mode", RegOutLen, 29, 3).WithSet(Roll, Sweep, Pause)

	Render    = bitfield.Uint("render_mode", RegFilt, 0, 32).WithSet(RenderCubic, RenderMinMax, RenderDeci, RenderDDS)
	FrameRate = bitfield.Uint("framerate", RegFRate, 0, 8).WithTransform(bitfield.Scale(256.0 / 477.0))

	RenderDecim    = bitfield.Uint("render_deci", RegScale, 0, 16).WithRange(0, 255).WithTransform(decimation)
	RenderDecimAlt = bitfield.Uint("render_deci_alt", RegScale, 16, 16).WithRange(0, 255).WithTransform(decimation)

	Offset    = bitfield.Int("offset", RegOffset, 0, 32)
	OffsetAlt = bitfield.Int("offset_alt", RegOffsetA, 0, 32)

	RelaysCh1 = bitfield.Uint("relays_ch1", RegAInCtl, 0, 3)
	RelaysCh2 = bitfield.Uint("relays_ch2", RegAInCtl, 3, 3)

	PreTrigger = bitfield.Int("pretrigger", RegPreTrig, 0, 32)

	StateID    = bitfield.Uint("state_id", RegState, 0, 8)
	StateIDAlt = bitfield.Uint("state_id_alt", RegState, 16, 8)
)

// decimation converts a render decimation factor to its register value.
var decimation = &bitfield.Transform{
	Encode: func(x float64) float64 { return 256/x - 1 },
	Decode: func(v float64) float64 { return 256 / (1 + v) },
}
