// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
)

var (
	// ErrFormat reports an invalid record, processing or line format.
	ErrFormat = xerrors.New("li: invalid format")

	// ErrFile reports a corrupted or unsupported LI file.
	ErrFile = xerrors.New("li: invalid file")

	// ErrIntegrity reports gapped or duplicated channel data.
	ErrIntegrity = xerrors.New("li: data loss detected")
)

// Header describes the content of a telemetry stream or LI file.
type Header struct {
	Version     int // file version, set by readers
	Ch1, Ch2    bool
	InstrID     uint8
	InstrVer    uint16
	TimeStep    float64   // time between records, in seconds
	StartTime   uint64    // seconds since the Unix epoch
	StartOffset float64   // delay of the first record after StartTime, in seconds
	Calib       []float64 // calibration coefficient, per enabled channel
	Record      string    // record format
	Records     []string  // record format, per enabled channel, when they differ
	Proc        []string  // processing format, per enabled channel
	CSVFmt      string    // line template of a record
	CSVHdr      string    // template of the CSV header block
}

// NumChannels returns the number of enabled channels.
func (hdr Header) NumChannels() int {
	n := 0
	if hdr.Ch1 {
		n++
	}
	if hdr.Ch2 {
		n++
	}
	return n
}

// Mask returns the channel selection flags.
func (hdr Header) Mask() uint8 {
	var m uint8
	if hdr.Ch1 {
		m |= 0x01
	}
	if hdr.Ch2 {
		m |= 0x02
	}
	return m
}

func (hdr *Header) setMask(m uint8) {
	hdr.Ch1 = m&0x01 != 0
	hdr.Ch2 = m&0x02 != 0
}

// Start returns the start time of the recording.
func (hdr Header) Start() time.Time {
	return time.Unix(int64(hdr.StartTime), 0)
}

// Columns returns the column names of the CSV output, taken from the
// last line of the CSV header block.
func (hdr Header) Columns() []string {
	var last string
	for _, line := range strings.Split(hdr.CSVHdr, "\r\n") {
		if line = strings.TrimSpace(line); line != "" {
			last = line
		}
	}
	if last == "" {
		return nil
	}
	return strings.Split(last, ",")
}

// Validate checks the per-channel fields match the channel selection.
func (hdr Header) Validate() error {
	n := hdr.NumChannels()
	switch {
	case n == 0:
		return xerrors.Errorf("li: no channel enabled: %w", ErrFormat)
	case len(hdr.Calib) != n:
		return xerrors.Errorf("li: got %d calibration coefficients for %d channels: %w", len(hdr.Calib), n, ErrFormat)
	case len(hdr.Proc) != n:
		return xerrors.Errorf("li: got %d processing formats for %d channels: %w", len(hdr.Proc), n, ErrFormat)
	case len(hdr.Records) != 0 && len(hdr.Records) != n:
		return xerrors.Errorf("li: got %d record formats for %d channels: %w", len(hdr.Records), n, ErrFormat)
	}
	return nil
}

// RecordOf returns the record format of the i-th enabled channel.
func (hdr Header) RecordOf(i int) string {
	if i < len(hdr.Records) {
		return hdr.Records[i]
	}
	return hdr.Record
}

// uniform reports whether all enabled channels share the record format.
func (hdr Header) uniform() bool {
	for _, rec := range hdr.Records {
		if rec != hdr.Record {
			return false
		}
	}
	return true
}

// channels returns the channel numbers, 0 or 1, of the enabled channels.
func (hdr Header) channels() []int {
	var chs []int
	if hdr.Ch1 {
		chs = append(chs, 0)
	}
	if hdr.Ch2 {
		chs = append(chs, 1)
	}
	return chs
}
