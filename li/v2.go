// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"io"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

// Codec is the compression of the data chunks of a version 2 file.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return "Codec(" + strconv.Itoa(int(c)) + ")"
}

// ParseCodec returns the codec with the given name.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, xerrors.Errorf("li: unknown codec %q", name)
}

// element is one item of the CBOR sequence of a version 2 file.
type element struct {
	Header *headerV2 `cbor:"1,keyasint,omitempty"`
	Data   *dataV2   `cbor:"2,keyasint,omitempty"`
}

type headerV2 struct {
	InstrID     uint8       `cbor:"1,keyasint"`
	InstrVer    uint16      `cbor:"2,keyasint"`
	TimeStep    float64     `cbor:"3,keyasint"`
	StartTime   uint64      `cbor:"4,keyasint"`
	StartOffset float64     `cbor:"5,keyasint"`
	Channels    []channelV2 `cbor:"6,keyasint"`
	CSVFmt      string      `cbor:"7,keyasint"`
	CSVHdr      string      `cbor:"8,keyasint"`
}

type channelV2 struct {
	Number uint8   `cbor:"1,keyasint"` // 1 or 2
	Calib  float64 `cbor:"2,keyasint"`
	Record string  `cbor:"3,keyasint"`
	Proc   string  `cbor:"4,keyasint"`
}

type dataV2 struct {
	Channel uint8  `cbor:"1,keyasint"` // 1-based
	Codec   Codec  `cbor:"2,keyasint,omitempty"`
	Size    int    `cbor:"3,keyasint,omitempty"` // uncompressed size
	Data    []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("li: could not create CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("li: could not create CBOR decoder: " + err.Error())
	}

	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("li: could not create zstd encoder: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("li: could not create zstd decoder: " + err.Error())
	}
}

// WriterOption configures a WriterV2.
type WriterOption func(*WriterV2)

// WithCompression sets the compression of data chunks.
// Chunks that do not shrink are stored uncompressed.
func WithCompression(c Codec) WriterOption {
	return func(w *WriterV2) {
		w.codec = c
	}
}

// WriterV2 writes version 2 LI files: a sequence of CBOR elements, a
// header followed by data chunks.
type WriterV2 struct {
	w     io.Writer
	enc   *cbor.Encoder
	codec Codec
	err   error
}

// NewWriterV2 writes the header of a version 2 file to w.
func NewWriterV2(w io.Writer, hdr Header, opts ...WriterOption) (*WriterV2, error) {
	err := hdr.Validate()
	if err != nil {
		return nil, err
	}

	wr := &WriterV2{w: w, enc: encMode.NewEncoder(w)}
	for _, opt := range opts {
		opt(wr)
	}
	switch wr.codec {
	case CodecNone, CodecLZ4, CodecZstd:
	default:
		return nil, xerrors.Errorf("li: invalid codec %v", wr.codec)
	}

	elem := headerV2{
		InstrID:     hdr.InstrID,
		InstrVer:    hdr.InstrVer,
		TimeStep:    hdr.TimeStep,
		StartTime:   hdr.StartTime,
		StartOffset: hdr.StartOffset,
		CSVFmt:      hdr.CSVFmt,
		CSVHdr:      hdr.CSVHdr,
	}
	for i, ch := range hdr.channels() {
		elem.Channels = append(elem.Channels, channelV2{
			Number: uint8(ch + 1),
			Calib:  hdr.Calib[i],
			Record: hdr.RecordOf(i),
			Proc:   hdr.Proc[i],
		})
	}

	_, err = w.Write(magicV2)
	if err != nil {
		return nil, xerrors.Errorf("li: could not write file magic: %w", err)
	}
	err = wr.enc.Encode(element{Header: &elem})
	if err != nil {
		return nil, xerrors.Errorf("li: could not write file header: %w", err)
	}
	return wr, nil
}

// Write appends a chunk of channel data. ch is 0 or 1.
func (w *WriterV2) Write(ch int, p []byte) error {
	if w.err != nil {
		return w.err
	}
	if ch < 0 || ch > 1 {
		return xerrors.Errorf("li: invalid channel %d: %w", ch, ErrFormat)
	}

	data := dataV2{Channel: uint8(ch + 1), Data: p}
	if z := compress(p, w.codec); z != nil {
		data.Codec = w.codec
		data.Size = len(p)
		data.Data = z
	}

	err := w.enc.Encode(element{Data: &data})
	if err != nil {
		w.err = xerrors.Errorf("li: could not write chunk: %w", err)
		return w.err
	}
	return nil
}

// Close flushes the underlying writer, if it is buffered.
func (w *WriterV2) Close() error {
	if w.err != nil {
		return w.err
	}
	return flush(w.w)
}

// compress returns the compressed data, or nil if it does not shrink.
func compress(p []byte, c Codec) []byte {
	switch c {
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(p)))
		n, err := lz4.CompressBlock(p, dst, nil)
		if err != nil || n == 0 || n >= len(p) {
			return nil
		}
		return dst[:n]
	case CodecZstd:
		dst := zenc.EncodeAll(p, nil)
		if len(dst) >= len(p) {
			return nil
		}
		return dst
	}
	return nil
}

func decompress(p []byte, c Codec, size int) ([]byte, error) {
	switch c {
	case CodecNone:
		return p, nil
	case CodecLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(p, dst)
		if err != nil {
			return nil, xerrors.Errorf("li: could not decompress lz4 chunk: %v: %w", err, ErrFile)
		}
		if n != size {
			return nil, xerrors.Errorf("li: lz4 chunk size mismatch (got=%d, want=%d): %w", n, size, ErrFile)
		}
		return dst, nil
	case CodecZstd:
		dst, err := zdec.DecodeAll(p, make([]byte, 0, size))
		if err != nil {
			return nil, xerrors.Errorf("li: could not decompress zstd chunk: %v: %w", err, ErrFile)
		}
		if len(dst) != size {
			return nil, xerrors.Errorf("li: zstd chunk size mismatch (got=%d, want=%d): %w", len(dst), size, ErrFile)
		}
		return dst, nil
	}
	return nil, xerrors.Errorf("li: unknown chunk codec %v: %w", c, ErrFile)
}

// readV2 reads a version 2 header, after the magic.
func readV2(dec *cbor.Decoder) (Header, error) {
	hdr := Header{Version: 2}

	var elem element
	err := dec.Decode(&elem)
	if err != nil {
		return hdr, xerrors.Errorf("li: could not decode header: %v: %w", err, ErrFile)
	}
	if elem.Header == nil {
		return hdr, xerrors.Errorf("li: first element is not a header: %w", ErrFile)
	}

	h := elem.Header
	hdr.InstrID = h.InstrID
	hdr.InstrVer = h.InstrVer
	hdr.TimeStep = h.TimeStep
	hdr.StartTime = h.StartTime
	hdr.StartOffset = h.StartOffset
	hdr.CSVFmt = h.CSVFmt
	hdr.CSVHdr = h.CSVHdr

	uniform := true
	for i, ch := range h.Channels {
		switch ch.Number {
		case 1:
			hdr.Ch1 = true
		case 2:
			hdr.Ch2 = true
		default:
			return hdr, xerrors.Errorf("li: invalid channel number %d: %w", ch.Number, ErrFile)
		}
		if i > 0 && ch.Record != hdr.Records[0] {
			uniform = false
		}
		hdr.Records = append(hdr.Records, ch.Record)
		hdr.Calib = append(hdr.Calib, ch.Calib)
		hdr.Proc = append(hdr.Proc, ch.Proc)
	}
	if len(h.Channels) != hdr.NumChannels() {
		return hdr, xerrors.Errorf("li: duplicate channels in header: %w", ErrFile)
	}
	if len(h.Channels) == 2 && h.Channels[0].Number > h.Channels[1].Number {
		hdr.Calib[0], hdr.Calib[1] = hdr.Calib[1], hdr.Calib[0]
		hdr.Proc[0], hdr.Proc[1] = hdr.Proc[1], hdr.Proc[0]
		hdr.Records[0], hdr.Records[1] = hdr.Records[1], hdr.Records[0]
	}
	if len(hdr.Records) > 0 {
		hdr.Record = hdr.Records[0]
	}
	if uniform {
		hdr.Records = nil
	}
	return hdr, nil
}

// chunkV2 reads the next data element of a version 2 file.
func chunkV2(dec *cbor.Decoder) (int, []byte, error) {
	var elem element
	err := dec.Decode(&elem)
	switch {
	case err == io.EOF:
		return 0, nil, io.EOF
	case err != nil:
		return 0, nil, xerrors.Errorf("li: could not decode element: %v: %w", err, ErrFile)
	case elem.Data == nil:
		return 0, nil, xerrors.Errorf("li: unexpected element (want data): %w", ErrFile)
	case elem.Data.Channel < 1 || elem.Data.Channel > 2:
		return 0, nil, xerrors.Errorf("li: invalid channel number %d: %w", elem.Data.Channel, ErrFile)
	}
	data, err := decompress(elem.Data.Data, elem.Data.Codec, elem.Data.Size)
	if err != nil {
		return 0, nil, err
	}
	return int(elem.Data.Channel) - 1, data, nil
}
