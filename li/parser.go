// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Parser splits the raw byte stream of one channel into records.
//
// Bits are consumed least significant bit first. When a field does not
// match its literal, the partial record is dropped, one byte is skipped
// and matching restarts with the first field of the format.
type Parser interface {
	// Parse appends p to the parser buffer and appends the completed
	// records to dst.
	Parse(dst [][]Value, p []byte) [][]Value

	// Reset drops buffered bytes and the record in progress.
	Reset()
}

// ParserFunc creates a parser for a record format.
type ParserFunc func(fmt Format) (Parser, error)

// NewBitParser returns a parser handling any record format.
func NewBitParser(fmt Format) (Parser, error) {
	if len(fmt) == 0 {
		return nil, xerrors.Errorf("li: empty record format: %w", ErrFormat)
	}
	return &bitParser{fmt: fmt}, nil
}

type bitParser struct {
	fmt Format
	buf []byte
	pos int // bit offset into buf
	idx int // next field
	cur []Value
}

func (p *bitParser) Reset() {
	p.buf = p.buf[:0]
	p.pos = 0
	p.idx = 0
	p.cur = nil
}

func (p *bitParser) Parse(dst [][]Value, data []byte) [][]Value {
	p.buf = append(p.buf, data...)
	size := 8 * len(p.buf)
	for {
		f := p.fmt[p.idx]
		if size-p.pos < f.Bits {
			break
		}
		v := f.decode(p.bits(f.Bits))
		if !f.match(v) {
			p.cur = nil
			p.idx = 0
			p.pos = min(p.pos+8, size)
			continue
		}
		p.pos += f.Bits
		if f.Recorded() {
			p.cur = append(p.cur, v)
		}
		p.idx++
		if p.idx == len(p.fmt) {
			if len(p.cur) > 0 {
				dst = append(dst, p.cur)
			}
			p.cur = nil
			p.idx = 0
		}
	}

	if n := p.pos / 8; n > 0 {
		p.buf = append(p.buf[:0], p.buf[n:]...)
		p.pos -= 8 * n
	}
	return dst
}

// bits returns the next n bits of the buffer, the first one being the
// least significant bit of the result.
func (p *bitParser) bits(n int) uint64 {
	var (
		v   uint64
		pos = p.pos
	)
	for i := 0; i < n; {
		var (
			b    = p.buf[pos/8]
			off  = pos % 8
			take = min(8-off, n-i)
			mask = byte(1<<take - 1)
		)
		v |= uint64((b>>off)&mask) << i
		i += take
		pos += take
	}
	return v
}

// NewWordParser returns a parser for formats whose fields are all
// whole bytes long. Fields are decoded with word-sized reads.
func NewWordParser(fmt Format) (Parser, error) {
	if len(fmt) == 0 {
		return nil, xerrors.Errorf("li: empty record format: %w", ErrFormat)
	}
	if !fmt.Aligned() {
		return nil, xerrors.Errorf("li: record format %v is not byte-aligned: %w", fmt, ErrFormat)
	}
	return &wordParser{fmt: fmt}, nil
}

type wordParser struct {
	fmt Format
	buf []byte
	beg int
	idx int
	cur []Value
}

func (p *wordParser) Reset() {
	p.buf = p.buf[:0]
	p.beg = 0
	p.idx = 0
	p.cur = nil
}

func (p *wordParser) Parse(dst [][]Value, data []byte) [][]Value {
	p.buf = append(p.buf, data...)
	for {
		f := p.fmt[p.idx]
		n := f.Bits / 8
		if len(p.buf)-p.beg < n {
			break
		}
		v := f.decode(word(p.buf[p.beg : p.beg+n]))
		if !f.match(v) {
			p.cur = nil
			p.idx = 0
			p.beg++
			continue
		}
		p.beg += n
		if f.Recorded() {
			p.cur = append(p.cur, v)
		}
		p.idx++
		if p.idx == len(p.fmt) {
			if len(p.cur) > 0 {
				dst = append(dst, p.cur)
			}
			p.cur = nil
			p.idx = 0
		}
	}

	p.buf = append(p.buf[:0], p.buf[p.beg:]...)
	p.beg = 0
	return dst
}

func word(p []byte) uint64 {
	switch len(p) {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(p))
	case 4:
		return uint64(binary.LittleEndian.Uint32(p))
	case 8:
		return binary.LittleEndian.Uint64(p)
	}
	var v uint64
	for i := len(p) - 1; i >= 0; i-- {
		v = v<<8 | uint64(p[i])
	}
	return v
}
