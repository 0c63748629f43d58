// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"bufio"
	"bytes"
	"io"

	"golang.org/x/xerrors"
)

// Reader reads version 1 and version 2 LI files.
type Reader struct {
	hdr   Header
	dec   *Decoder
	chunk func() (int, []byte, error)

	recs [][]Record // processed records, per channel
	eof  bool
}

// NewReader reads the header of an LI file and returns a reader for
// its records.
func NewReader(r io.Reader, opts ...Option) (*Reader, error) {
	hdr, chunk, err := open(r)
	if err != nil {
		return nil, err
	}

	dec, err := NewDecoder(hdr, opts...)
	if err != nil {
		return nil, xerrors.Errorf("li: invalid file header: %w", err)
	}

	return &Reader{
		hdr:   hdr,
		dec:   dec,
		chunk: chunk,
		recs:  make([][]Record, hdr.NumChannels()),
	}, nil
}

// ReadHeader reads the header of an LI file.
func ReadHeader(r io.Reader) (Header, error) {
	hdr, _, err := open(r)
	return hdr, err
}

func open(r io.Reader) (Header, func() (int, []byte, error), error) {
	br := bufio.NewReader(r)
	magic := make([]byte, 3)
	_, err := io.ReadFull(br, magic)
	if err != nil {
		return Header{}, nil, xerrors.Errorf("li: could not read file magic: %v: %w", err, ErrFile)
	}

	switch {
	case bytes.Equal(magic, magicV1):
		hdr, err := readV1(br)
		if err != nil {
			return hdr, nil, err
		}
		return hdr, func() (int, []byte, error) { return chunkV1(br) }, nil

	case bytes.Equal(magic, magicV2):
		dec := decMode.NewDecoder(br)
		hdr, err := readV2(dec)
		if err != nil {
			return hdr, nil, err
		}
		return hdr, func() (int, []byte, error) { return chunkV2(dec) }, nil

	case bytes.Equal(magic[:2], []byte("LI")):
		return Header{}, nil, xerrors.Errorf("li: unknown file version %q: %w", magic[2], ErrFile)
	}
	return Header{}, nil, xerrors.Errorf("li: bad file magic %q: %w", magic, ErrFile)
}

// Header returns the header of the file.
func (r *Reader) Header() Header { return r.hdr }

// Chunk returns the next raw chunk of the file and the channel it
// belongs to. Chunk returns io.EOF at the end of the file.
// Records are not decoded from chunks read this way.
func (r *Reader) Chunk() (int, []byte, error) {
	return r.chunk()
}

// Next returns the next record of every channel.
// It returns io.EOF when a channel has no more records.
func (r *Reader) Next() ([]Record, error) {
	for !r.ready() {
		if r.eof {
			return nil, io.EOF
		}
		err := r.load()
		if err != nil {
			return nil, err
		}
	}

	out := make([]Record, len(r.recs))
	for i := range r.recs {
		out[i] = r.recs[i][0]
		r.recs[i] = r.recs[i][1:]
	}
	return out, nil
}

func (r *Reader) ready() bool {
	for _, recs := range r.recs {
		if len(recs) == 0 {
			return false
		}
	}
	return true
}

// load decodes the next chunk into the record queues.
func (r *Reader) load() error {
	ch, data, err := r.chunk()
	if err != nil {
		if err == io.EOF {
			r.eof = true
			return nil
		}
		return err
	}
	err = r.dec.Parse(ch, data)
	if err != nil {
		return err
	}
	for i := range r.recs {
		r.recs[i] = append(r.recs[i], r.dec.Processed(i)...)
	}
	r.dec.ClearProcessed(-1)
	return nil
}

// ReadAll returns all the remaining records of the file.
func (r *Reader) ReadAll() ([][]Record, error) {
	var out [][]Record
	for {
		recs, err := r.Next()
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, recs)
	}
}

// WriteCSV converts the remaining chunks of the file to CSV.
// Nothing is written for a file without data chunks.
func (r *Reader) WriteCSV(w io.Writer) error {
	for {
		ch, data, err := r.chunk()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		err = r.dec.Parse(ch, data)
		if err != nil {
			return err
		}
		_, err = r.dec.Render(w)
		if err != nil {
			return err
		}
	}
}
