// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/xerrors"
)

var (
	magicV1 = []byte("LI1")
	magicV2 = []byte("LI2")
)

const maxChunkV1 = math.MaxUint16

// WriterV1 writes version 1 LI files: a flat header followed by
// (channel, length, data) chunks.
type WriterV1 struct {
	w   io.Writer
	err error
}

// NewWriterV1 writes the header of a version 1 file to w.
func NewWriterV1(w io.Writer, hdr Header) (*WriterV1, error) {
	err := hdr.Validate()
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	for _, v := range []interface{}{
		hdr.Mask(), hdr.InstrID, hdr.InstrVer,
		hdr.TimeStep, hdr.StartTime,
	} {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
	for _, c := range hdr.Calib {
		_ = binary.Write(buf, binary.LittleEndian, c)
	}
	if !hdr.uniform() {
		return nil, xerrors.Errorf("li: version 1 files need a single record format: %w", ErrFormat)
	}
	strs := []string{hdr.Record}
	strs = append(strs, hdr.Proc...)
	strs = append(strs, hdr.CSVFmt, hdr.CSVHdr)
	for _, str := range strs {
		if len(str) > math.MaxUint16 {
			return nil, xerrors.Errorf("li: header string too long (%d bytes): %w", len(str), ErrFormat)
		}
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(str)))
		buf.WriteString(str)
	}
	if buf.Len() > math.MaxUint16 {
		return nil, xerrors.Errorf("li: header too long (%d bytes): %w", buf.Len(), ErrFormat)
	}

	var pre [5]byte
	copy(pre[:], magicV1)
	binary.LittleEndian.PutUint16(pre[3:], uint16(buf.Len()))

	_, err = w.Write(pre[:])
	if err != nil {
		return nil, xerrors.Errorf("li: could not write file magic: %w", err)
	}
	_, err = w.Write(buf.Bytes())
	if err != nil {
		return nil, xerrors.Errorf("li: could not write file header: %w", err)
	}

	return &WriterV1{w: w}, nil
}

// Write appends a chunk of channel data. Large chunks are split.
func (w *WriterV1) Write(ch int, p []byte) error {
	if w.err != nil {
		return w.err
	}
	if ch < 0 || ch > math.MaxUint8 {
		return xerrors.Errorf("li: invalid channel %d: %w", ch, ErrFormat)
	}
	for {
		n := min(len(p), maxChunkV1)
		var hdr [3]byte
		hdr[0] = uint8(ch)
		binary.LittleEndian.PutUint16(hdr[1:], uint16(n))
		_, w.err = w.w.Write(hdr[:])
		if w.err == nil {
			_, w.err = w.w.Write(p[:n])
		}
		if w.err != nil {
			w.err = xerrors.Errorf("li: could not write chunk: %w", w.err)
			return w.err
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}
	}
}

// Close flushes the underlying writer, if it is buffered.
func (w *WriterV1) Close() error {
	if w.err != nil {
		return w.err
	}
	return flush(w.w)
}

func flush(w io.Writer) error {
	f, ok := w.(interface{ Flush() error })
	if !ok {
		return nil
	}
	err := f.Flush()
	if err != nil {
		return xerrors.Errorf("li: could not flush file: %w", err)
	}
	return nil
}

// readV1 reads a version 1 header, after the magic.
func readV1(r io.Reader) (Header, error) {
	hdr := Header{Version: 1}

	var n uint16
	err := binary.Read(r, binary.LittleEndian, &n)
	if err != nil {
		return hdr, xerrors.Errorf("li: could not read header length: %v: %w", err, ErrFile)
	}
	raw := make([]byte, n)
	_, err = io.ReadFull(r, raw)
	if err != nil {
		return hdr, xerrors.Errorf("li: could not read header: %v: %w", err, ErrFile)
	}

	var (
		buf  = bytes.NewReader(raw)
		mask uint8
	)
	rd := func(v interface{}) {
		if err == nil {
			err = binary.Read(buf, binary.LittleEndian, v)
		}
	}
	str := func() string {
		var n uint16
		rd(&n)
		if err != nil {
			return ""
		}
		p := make([]byte, n)
		_, err = io.ReadFull(buf, p)
		return string(p)
	}

	rd(&mask)
	rd(&hdr.InstrID)
	rd(&hdr.InstrVer)
	rd(&hdr.TimeStep)
	rd(&hdr.StartTime)
	hdr.setMask(mask)

	nch := hdr.NumChannels()
	hdr.Calib = make([]float64, nch)
	for i := range hdr.Calib {
		rd(&hdr.Calib[i])
	}
	hdr.Record = str()
	hdr.Proc = make([]string, nch)
	for i := range hdr.Proc {
		hdr.Proc[i] = str()
	}
	hdr.CSVFmt = str()
	hdr.CSVHdr = str()

	switch {
	case err != nil:
		return hdr, xerrors.Errorf("li: could not decode header: %v: %w", err, ErrFile)
	case buf.Len() != 0:
		return hdr, xerrors.Errorf(
			"li: invalid header length (got=%d, want=%d): %w",
			int(n)-buf.Len(), n, ErrFile,
		)
	}
	return hdr, nil
}

// chunkV1 reads the next chunk of a version 1 file.
// A truncated chunk header marks the end of the file.
func chunkV1(r io.Reader) (int, []byte, error) {
	var hdr [3]byte
	_, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return 0, nil, io.EOF
	}
	data := make([]byte, binary.LittleEndian.Uint16(hdr[1:]))
	_, err = io.ReadFull(r, data)
	if err != nil {
		return 0, nil, xerrors.Errorf("li: unexpected end of file in chunk: %w", ErrFile)
	}
	return int(hdr[0]), data, nil
}
