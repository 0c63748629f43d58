// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"io"
	"math"
	"strings"

	"golang.org/x/xerrors"
)

// Option configures a Decoder.
type Option func(*config)

type config struct {
	parser ParserFunc
}

// WithParser sets the parser used to split channel data into records.
// By default, byte-aligned formats are handled by a word parser and
// the others by a bit parser.
func WithParser(f ParserFunc) Option {
	return func(cfg *config) {
		cfg.parser = f
	}
}

func defaultParser(fmt Format) (Parser, error) {
	if fmt.Aligned() {
		return NewWordParser(fmt)
	}
	return NewBitParser(fmt)
}

// Decoder turns the raw data of one or two channels into processed
// records and renders them as CSV lines.
//
// A channel is referred to by its number, 0 or 1. With a single enabled
// channel, any number refers to it.
type Decoder struct {
	hdr    Header
	fmts   []Format
	procs  []Proc
	coeffs []float64

	parsers []Parser
	raw     [][][]Value // records waiting for processing
	recs    [][]Record  // processed records
	offs    []int64     // consumed bytes

	line   *Template
	head   *Template
	n      int64 // rendered records
	headed bool
}

// NewDecoder creates a decoder for the data described by hdr.
// A NaN calibration coefficient is unknown: records of a channel whose
// processing refers to it wait until it is set with SetCoeff.
func NewDecoder(hdr Header, opts ...Option) (*Decoder, error) {
	cfg := config{parser: defaultParser}
	for _, opt := range opts {
		opt(&cfg)
	}

	err := hdr.Validate()
	if err != nil {
		return nil, err
	}

	nch := hdr.NumChannels()
	dec := &Decoder{
		hdr:     hdr,
		fmts:    make([]Format, nch),
		procs:   make([]Proc, nch),
		coeffs:  append([]float64(nil), hdr.Calib...),
		parsers: make([]Parser, nch),
		raw:     make([][][]Value, nch),
		recs:    make([][]Record, nch),
		offs:    make([]int64, nch),
	}

	for i := 0; i < nch; i++ {
		fmt, err := ParseFormat(hdr.RecordOf(i))
		if err != nil {
			return nil, xerrors.Errorf("li: could not parse record format of channel %d: %w", i, err)
		}
		dec.fmts[i] = fmt

		proc, err := ParseProc(hdr.Proc[i])
		if err != nil {
			return nil, xerrors.Errorf("li: could not parse processing of channel %d: %w", i, err)
		}
		err = proc.Check(fmt)
		if err != nil {
			return nil, err
		}
		dec.procs[i] = proc

		dec.parsers[i], err = cfg.parser(fmt)
		if err != nil {
			return nil, xerrors.Errorf("li: could not create parser: %w", err)
		}
	}

	dec.line, err = ParseTemplate(hdr.CSVFmt)
	if err != nil {
		return nil, xerrors.Errorf("li: could not parse CSV line template: %w", err)
	}
	dec.head, err = ParseTemplate(hdr.CSVHdr)
	if err != nil {
		return nil, xerrors.Errorf("li: could not parse CSV header template: %w", err)
	}

	return dec, nil
}

// Header returns the header the decoder was created with.
func (dec *Decoder) Header() Header { return dec.hdr }

// Format returns the record format of the first enabled channel.
func (dec *Decoder) Format() Format { return dec.fmts[0] }

// ChannelFormat returns the record format of a channel.
func (dec *Decoder) ChannelFormat(ch int) (Format, error) {
	i, err := dec.index(ch)
	if err != nil {
		return nil, err
	}
	return dec.fmts[i], nil
}

func (dec *Decoder) index(ch int) (int, error) {
	switch {
	case ch == 0 || len(dec.parsers) == 1:
		return 0, nil
	case ch == 1:
		return 1, nil
	}
	return 0, xerrors.Errorf("li: invalid channel %d: %w", ch, ErrFormat)
}

// Feed appends channel data to the decoder. Completed records wait
// for Process.
func (dec *Decoder) Feed(ch int, p []byte) error {
	i, err := dec.index(ch)
	if err != nil {
		return err
	}
	dec.raw[i] = dec.parsers[i].Parse(dec.raw[i], p)
	dec.offs[i] += int64(len(p))
	return nil
}

// FeedAt appends channel data found at offset off of the channel
// stream. The offset must be the number of bytes already fed.
func (dec *Decoder) FeedAt(ch int, p []byte, off int64) error {
	i, err := dec.index(ch)
	if err != nil {
		return err
	}
	if off != dec.offs[i] {
		return xerrors.Errorf(
			"li: channel %d data at offset %d, want %d: %w",
			ch, off, dec.offs[i], ErrIntegrity,
		)
	}
	return dec.Feed(ch, p)
}

// Offset returns the number of bytes fed on a channel.
func (dec *Decoder) Offset(ch int) int64 {
	i, err := dec.index(ch)
	if err != nil {
		return 0
	}
	return dec.offs[i]
}

// Process applies the processing formats to the completed records.
func (dec *Decoder) Process() {
	for i, raw := range dec.raw {
		if len(raw) == 0 {
			continue
		}
		coeff := dec.coeffs[i]
		if math.IsNaN(coeff) && dec.procs[i].Uses() {
			continue
		}
		for _, rec := range raw {
			dec.recs[i] = append(dec.recs[i], dec.procs[i].Apply(rec, coeff))
		}
		dec.raw[i] = nil
	}
}

// Parse feeds channel data and processes the completed records.
func (dec *Decoder) Parse(ch int, p []byte) error {
	err := dec.Feed(ch, p)
	if err != nil {
		return err
	}
	dec.Process()
	return nil
}

// ParseAt is like Parse but checks the data offset like FeedAt.
func (dec *Decoder) ParseAt(ch int, p []byte, off int64) error {
	err := dec.FeedAt(ch, p, off)
	if err != nil {
		return err
	}
	dec.Process()
	return nil
}

// SetCoeff sets the calibration coefficient of a channel.
// Records already processed are left untouched.
func (dec *Decoder) SetCoeff(ch int, coeff float64) error {
	i, err := dec.index(ch)
	if err != nil {
		return err
	}
	dec.coeffs[i] = coeff
	return nil
}

// Coeff returns the calibration coefficient of a channel.
func (dec *Decoder) Coeff(ch int) float64 {
	i, err := dec.index(ch)
	if err != nil {
		return math.NaN()
	}
	return dec.coeffs[i]
}

// Records returns the completed records of a channel waiting for
// processing.
func (dec *Decoder) Records(ch int) [][]Value {
	i, err := dec.index(ch)
	if err != nil {
		return nil
	}
	return dec.raw[i]
}

// Processed returns the processed records of a channel.
func (dec *Decoder) Processed(ch int) []Record {
	i, err := dec.index(ch)
	if err != nil {
		return nil
	}
	return dec.recs[i]
}

// ClearProcessed drops the first n processed records of every channel,
// or all of them if n is negative.
func (dec *Decoder) ClearProcessed(n int) {
	for i, recs := range dec.recs {
		if n < 0 || n >= len(recs) {
			dec.recs[i] = nil
			continue
		}
		dec.recs[i] = recs[n:]
	}
}

// Reset drops all buffered data and records, and rewinds the offsets.
// The CSV header block is rendered again by the next Render call.
func (dec *Decoder) Reset() {
	for i := range dec.parsers {
		dec.parsers[i].Reset()
		dec.raw[i] = nil
		dec.recs[i] = nil
		dec.offs[i] = 0
	}
	dec.n = 0
	dec.headed = false
}

// Render writes the CSV header block on its first call, then one line
// per processed record, and drops the rendered records.
// With two channels, records are paired by index: a record waiting for
// its peer is kept for a later call.
// Render returns the number of rendered records.
func (dec *Decoder) Render(w io.Writer) (int, error) {
	var (
		o = new(strings.Builder)
		e = env{
			T: dec.hdr.Start().Local().Format("Mon Jan _2 15:04:05 2006 MST"),
			d: dec.hdr.TimeStep,
		}
	)

	if !dec.headed {
		e.t = dec.hdr.StartOffset
		err := dec.head.execute(o, &e)
		if err != nil {
			return 0, xerrors.Errorf("li: could not render CSV header: %w", err)
		}
	}

	n := dec.n
	rows := 0
	switch len(dec.recs) {
	case 1:
		slot := 0
		if !dec.hdr.Ch1 {
			slot = 1
		}
		e.has[slot] = true
		for _, rec := range dec.recs[0] {
			n++
			e.n = n
			e.t = float64(n-1) * e.d
			e.chs[slot] = rec
			err := dec.line.execute(o, &e)
			if err != nil {
				return 0, xerrors.Errorf("li: could not render record %d: %w", n, err)
			}
			rows++
		}
	case 2:
		e.has = [2]bool{true, true}
		rows = min(len(dec.recs[0]), len(dec.recs[1]))
		for j := 0; j < rows; j++ {
			n++
			e.n = n
			e.t = float64(n-1) * e.d
			e.chs = [2]Record{dec.recs[0][j], dec.recs[1][j]}
			err := dec.line.execute(o, &e)
			if err != nil {
				return 0, xerrors.Errorf("li: could not render record %d: %w", n, err)
			}
		}
	}

	_, err := io.WriteString(w, o.String())
	if err != nil {
		return 0, xerrors.Errorf("li: could not write CSV: %w", err)
	}

	dec.headed = true
	dec.n = n
	dec.ClearProcessed(rows)
	return rows, nil
}
