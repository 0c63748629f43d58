// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/moku/li"
)

func TestDump(t *testing.T) {
	tmpdir, err := os.MkdirTemp("", "li-dump-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpdir)

	fname := filepath.Join(tmpdir, "data.li")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w, err := li.NewWriterV1(f, li.Header{
		Ch1:       true,
		InstrID:   7,
		InstrVer:  12,
		TimeStep:  1e-3,
		StartTime: 1577977445,
		Calib:     []float64{0.5},
		Record:    "<u16",
		Proc:      []string{"*C"},
		CSVFmt:    "{ch1:.1f}\n",
		CSVHdr:    "% Time, Ch 1 voltage (V)\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range [][]byte{{0x02, 0x00, 0x04}, {0x00}} {
		err = w.Write(0, p)
		if err != nil {
			t.Fatal(err)
		}
	}
	err = w.Close()
	if err != nil {
		t.Fatal(err)
	}
	err = f.Close()
	if err != nil {
		t.Fatal(err)
	}

	const csv = "% Time, Ch 1 voltage (V)\n1.0\n2.0\n"

	t.Run("csv", func(t *testing.T) {
		o := new(bytes.Buffer)
		err := process(o, fname, false)
		if err != nil {
			t.Fatalf("could not dump file: %+v", err)
		}
		if got, want := o.String(), csv; got != want {
			t.Fatalf("invalid CSV:\ngot= %q\nwant=%q", got, want)
		}
	})

	t.Run("header", func(t *testing.T) {
		o := new(bytes.Buffer)
		err := process(o, fname, true)
		if err != nil {
			t.Fatalf("could not dump header: %+v", err)
		}
		for _, want := range []string{
			"version:     1\n",
			"channels:    ch1\n",
			"instrument:  7 (build 12)\n",
			"time step:   1.000000e-03 s\n",
			"start:       2020-01-02 15:04:05 +0000 UTC\n",
			"calibration: [0.5]\n",
			"record:      <u16\n",
			`processing:  ["*C"]` + "\n",
		} {
			if !strings.Contains(o.String(), want) {
				t.Fatalf("missing %q in header dump:\n%s", want, o.String())
			}
		}
	})

	for _, codec := range []li.Codec{li.CodecNone, li.CodecLZ4, li.CodecZstd} {
		t.Run("convert-"+codec.String(), func(t *testing.T) {
			oname := filepath.Join(tmpdir, "data-"+codec.String()+".li")
			err := convert(oname, fname, codec)
			if err != nil {
				t.Fatalf("could not convert file: %+v", err)
			}

			o := new(bytes.Buffer)
			err = process(o, oname, false)
			if err != nil {
				t.Fatalf("could not dump converted file: %+v", err)
			}
			if got, want := o.String(), csv; got != want {
				t.Fatalf("invalid CSV:\ngot= %q\nwant=%q", got, want)
			}

			r, err := os.Open(oname)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			hdr, err := li.ReadHeader(r)
			if err != nil {
				t.Fatalf("could not read converted header: %+v", err)
			}
			if hdr.Version != 2 {
				t.Fatalf("invalid version: got=%d, want=2", hdr.Version)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		err := process(new(bytes.Buffer), filepath.Join(tmpdir, "missing.li"), false)
		if err == nil {
			t.Fatalf("expected an error")
		}
	})
}
