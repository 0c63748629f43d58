// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stream drives the logging and streaming sessions of a device.
//
// A session is prepared and started over the control link. File sessions
// log to a device mount point, network sessions publish their data on
// the device data port where a Receiver collects it.
package stream // import "github.com/go-lpc/moku/stream"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/moku/link"
)

// State is the state of a session.
type State = link.StreamState

const (
	None     = link.StreamNone
	Running  = link.StreamRunning
	Waiting  = link.StreamWaiting
	Invalid  = link.StreamInval
	FSFull   = link.StreamFSFull
	Overflow = link.StreamOverflow
	Busy     = link.StreamBusy
	Stopped  = link.StreamStopped
)

// Completed reports whether a session in state st will not produce
// any more data.
func Completed(st State) bool {
	return st != Running && st != Waiting
}

var (
	// ErrBusy is returned when starting a session before the previous
	// one was stopped.
	ErrBusy = errors.New("stream: session busy")

	// ErrNoSpace is returned when the destination of a log does not
	// have enough free space for the estimated log size.
	ErrNoSpace = errors.New("stream: insufficient space")

	// ErrNoSession is returned when no network session is running.
	ErrNoSession = errors.New("stream: no network session")

	// ErrNoData is returned when no data is available yet.
	ErrNoData = errors.New("stream: no data available")

	// ErrTimeout is returned when no data arrived in time.
	ErrTimeout = errors.New("stream: timeout")

	// ErrEnded is returned once all the data of a session were read.
	ErrEnded = errors.New("stream: end of stream")
)

// Error is a session that ended in an error state.
type Error struct {
	State State
}

func (e *Error) Error() string {
	switch e.State {
	case Invalid:
		return "stream: invalid parameters for session"
	case FSFull:
		return "stream: target file system full"
	case Overflow:
		return "stream: session overflowed, sample rate too high"
	case Busy:
		return "stream: session already running"
	}
	return fmt.Sprintf("stream: session error (state=%v)", e.State)
}

// Is makes a Busy session error match ErrBusy.
func (e *Error) Is(target error) bool {
	return target == ErrBusy && e.State == Busy
}

// check returns the error associated with state st, if any.
func check(st State) error {
	switch st {
	case None, Running, Waiting, Stopped:
		return nil
	}
	return &Error{State: st}
}

// Params describes a session.
type Params struct {
	Ch1 bool // log channel 1
	Ch2 bool // log channel 2

	Delay    time.Duration // delay before the session starts
	Duration time.Duration // zero streams until stopped

	SD       bool          // log to the SD card, else to internal storage
	Type     link.FileType // output format
	TimeStep float64       // time between samples, in seconds

	Record string     // record format
	Proc   [2]string  // per-channel processing
	CSVFmt string     // CSV line template
	CSVHdr string     // CSV header block
	Calib  [2]float64 // initial calibration coefficients of network sessions

	Name string // base name of the log file

	InstrID  uint8  // instrument recorded in the decoder header
	InstrVer uint16 // instrument version recorded in the decoder header

	// Roll reports whether the instrument acquires in roll mode,
	// as required by file sessions.
	Roll bool

	// Setup, if not nil, is run once the parameters are validated and
	// before the session is prepared on the device.
	Setup func(ctx context.Context) error
}

// NumChannels returns the number of enabled channels.
func (p Params) NumChannels() int {
	n := 0
	if p.Ch1 {
		n++
	}
	if p.Ch2 {
		n++
	}
	return n
}

// Mount returns the mount point file sessions log to.
func (p Params) Mount() string {
	if p.SD {
		return link.MountSD
	}
	return link.MountInternal
}

// Rate returns the sample rate of the session, in Hz.
func (p Params) Rate() float64 {
	if p.TimeStep <= 0 {
		return math.Inf(+1)
	}
	return math.Floor(1 / p.TimeStep)
}

func (p Params) validate() error {
	switch {
	case !p.Ch1 && !p.Ch2:
		return fmt.Errorf("stream: no channel selected")
	case p.Delay < 0:
		return fmt.Errorf("stream: invalid start delay %v", p.Delay)
	case p.Duration < 0:
		return fmt.Errorf("stream: invalid duration %v", p.Duration)
	case p.TimeStep <= 0:
		return fmt.Errorf("stream: invalid time step %v", p.TimeStep)
	case p.Record == "":
		return fmt.Errorf("stream: instrument does not support data logging")
	case p.Type == link.FileCSV && p.CSVFmt == "":
		return fmt.Errorf("stream: no CSV format for CSV log")
	}

	limit, err := MaxRate(p.SD, p.Type, p.NumChannels())
	if err != nil {
		return err
	}
	if rate := p.Rate(); rate > limit {
		return fmt.Errorf("stream: sample rate %g too high for file type %v (max=%g)", rate, p.Type, limit)
	}

	if p.Type != link.FileNet && !p.Roll {
		return fmt.Errorf("stream: instrument must be in roll mode to log data")
	}
	return nil
}

// MaxRate returns the maximum sample rate, in Hz, of a session logging
// nch channels in format ft, to the SD card or to internal storage.
// MAT and NPY files are converted from binary logs and share their rates.
func MaxRate(sd bool, ft link.FileType, nch int) (float64, error) {
	type key struct {
		sd  bool
		ft  link.FileType
		nch int
	}
	rates := map[key]float64{
		{true, link.FileBin, 2}:  150e3,
		{true, link.FileCSV, 2}:  1e3,
		{false, link.FileBin, 2}: 1e6,
		{false, link.FileCSV, 2}: 1e3,
		{true, link.FileBin, 1}:  250e3,
		{true, link.FileCSV, 1}:  3e3,
		{false, link.FileBin, 1}: 1e6,
		{false, link.FileCSV, 1}: 3e3,
	}

	switch ft {
	case link.FileNet:
		switch nch {
		case 1:
			return 40e3, nil
		case 2:
			return 20e3, nil
		}
	case link.FileMAT, link.FileNPY:
		ft = link.FileBin
	}

	rate, ok := rates[key{sd, ft, nch}]
	if !ok {
		return 0, fmt.Errorf("stream: no rate for %d channel(s) in %v format", nch, ft)
	}
	return rate, nil
}

// EstimateLogSize returns a rough estimate, in bytes, of the size of
// the log produced by a session.
func EstimateLogSize(p Params) uint64 {
	var (
		nch = float64(p.NumChannels())
		n   = p.Duration.Seconds() / p.TimeStep
	)
	switch p.Type {
	case link.FileCSV:
		// time, data (negative half the time), separators and newline.
		return uint64(math.Ceil(n * (16 + (2+16.5)*nch + 2)))
	case link.FileNet:
		return 0
	}
	return uint64(math.Ceil(n * 4 * nch))
}

func seconds(d time.Duration) uint32 {
	return uint32(math.Ceil(d.Seconds()))
}
