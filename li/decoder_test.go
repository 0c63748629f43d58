// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package li

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDecoderIntegrity(t *testing.T) {
	dec, err := NewDecoder(Header{
		Ch1:    true,
		Calib:  []float64{1},
		Record: "<s32",
		Proc:   []string{""},
	})
	if err != nil {
		t.Fatalf("could not create decoder: %+v", err)
	}

	err = dec.FeedAt(0, []byte{1, 0, 0, 0}, 0)
	if err != nil {
		t.Fatalf("could not feed data: %+v", err)
	}
	err = dec.FeedAt(0, []byte{2, 0}, 4)
	if err != nil {
		t.Fatalf("could not feed data: %+v", err)
	}

	for _, off := range []int64{0, 4, 7} {
		err = dec.FeedAt(0, []byte{0, 0, 3, 0, 0, 0}, off)
		if !errors.Is(err, ErrIntegrity) {
			t.Fatalf("invalid error at offset %d: got=%+v, want=%+v", off, err, ErrIntegrity)
		}
	}
	if got, want := len(dec.Records(0)), 1; got != want {
		t.Fatalf("invalid number of records: got=%d, want=%d", got, want)
	}

	err = dec.FeedAt(0, []byte{0, 0}, 6)
	if err != nil {
		t.Fatalf("could not feed data: %+v", err)
	}
	if got, want := dec.Offset(0), int64(8); got != want {
		t.Fatalf("invalid offset: got=%d, want=%d", got, want)
	}
	dec.Process()
	want := []Record{rec(1), rec(2)}
	got := dec.Processed(0)
	if len(got) != len(want) || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("invalid records: got=%v, want=%v", got, want)
	}
}

func TestDecoderLateCoeff(t *testing.T) {
	dec, err := NewDecoder(Header{
		Ch1: true, Ch2: true,
		Calib:  []float64{math.NaN(), 0.5},
		Record: "<s16",
		Proc:   []string{"*C", "*C"},
	})
	if err != nil {
		t.Fatalf("could not create decoder: %+v", err)
	}

	for _, ch := range []int{0, 1} {
		err = dec.Parse(ch, []byte{0x04, 0x00, 0xFC, 0xFF})
		if err != nil {
			t.Fatalf("could not parse: %+v", err)
		}
	}
	if got := len(dec.Processed(0)); got != 0 {
		t.Fatalf("records processed without coefficient: %v", dec.Processed(0))
	}
	if got, want := len(dec.Records(0)), 2; got != want {
		t.Fatalf("invalid pending records: got=%d, want=%d", got, want)
	}
	if got, want := dec.Processed(1), []Record{rec(2.0), rec(-2.0)}; !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("invalid ch2 records: got=%v, want=%v", got, want)
	}

	err = dec.SetCoeff(0, 2)
	if err != nil {
		t.Fatalf("could not set coefficient: %+v", err)
	}
	dec.Process()
	if got, want := dec.Processed(0), []Record{rec(8.0), rec(-8.0)}; len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("invalid ch1 records: got=%v, want=%v", got, want)
	}

	err = dec.SetCoeff(2, 1)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, ErrFormat)
	}
}

func TestDecoderResync(t *testing.T) {
	dec, err := NewDecoder(Header{
		Ch1:    true,
		Calib:  []float64{1},
		Record: "<u8,0xAA:s16",
		Proc:   []string{":*2"},
	})
	if err != nil {
		t.Fatalf("could not create decoder: %+v", err)
	}

	// one corrupted byte before a well-formed record.
	err = dec.Parse(0, []byte{0x13, 0xAA, 0x01, 0x00, 0xAA, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("could not parse: %+v", err)
	}
	got := dec.Processed(0)
	want := []Record{rec(0xAA, 2), rec(0xAA, -2)}
	if len(got) != len(want) {
		t.Fatalf("invalid records: got=%v, want=%v", got, want)
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			t.Fatalf("invalid record[%d]: got=%v, want=%v", i, got[i], want[i])
		}
	}
}

func TestStreamCSV(t *testing.T) {
	for _, tc := range []struct {
		name string
		nch  int
		fmt  string
		proc string
		line string
		head string
		data [][]byte
		want string
	}{
		{
			name: "many-records",
			nch:  1,
			fmt:  "<s32:f32",
			proc: "+1+1-2:-1-1+2",
			line: "{ch1[0]},{ch1[1]}\r\n",
			head: "Header\r\n",
			data: [][]byte{
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0xBF, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0xBF, 0x00, 0x80, 0xBF},
			},
			want: "Header\r\n1,-1.0\r\n1,-1.0\r\n",
		},
		{
			name: "split-data",
			nch:  1,
			fmt:  "<s32:f32",
			proc: "+1+1-2:-1-1+2",
			line: "{ch1[0]},{ch1[1]}\r\n",
			head: "Header\r\n",
			data: [][]byte{
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
				{0x80, 0xBF, 0x02, 0x00, 0x00, 0x00},
				{0x00, 0x00, 0x80, 0xBF, 0x00, 0x80, 0xBF},
			},
			want: "Header\r\n1,-1.0\r\n2,-1.0\r\n",
		},
		{
			name: "two-channels",
			nch:  2,
			fmt:  "<s32:f32",
			proc: "+1+1-2:-1-1+2",
			line: "{ch1[0]},{ch1[1]},{ch2[0]},{ch2[1]}\r\n",
			head: "Header\r\n",
			data: [][]byte{
				{0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
				{0x80, 0xBF, 0x02, 0x00, 0x00, 0x00},
				{0x00, 0x00, 0x80, 0xBF, 0x00, 0x80, 0xBF},
			},
			want: "Header\r\n1,-1.0,1,-1.0\r\n2,-1.0,2,-1.0\r\n",
		},
		{
			name: "time-columns",
			nch:  1,
			fmt:  "<s16",
			proc: "*C",
			line: "{n},{t:.2f},{ch1:.1f}\n",
			head: "% step={d} start={t}\n",
			data: [][]byte{
				{0x01, 0x00, 0x02},
				{0x00, 0x03, 0x00},
			},
			want: "% step=0.5 start=1.5\n1,0.00,2.0\n2,0.50,4.0\n3,1.00,6.0\n",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := Header{
				Ch1:         true,
				Ch2:         tc.nch == 2,
				TimeStep:    0.5,
				StartOffset: 1.5,
				Record:      tc.fmt,
				CSVFmt:      tc.line,
				CSVHdr:      tc.head,
			}
			for i := 0; i < tc.nch; i++ {
				hdr.Calib = append(hdr.Calib, 2)
				hdr.Proc = append(hdr.Proc, tc.proc)
			}
			dec, err := NewDecoder(hdr)
			if err != nil {
				t.Fatalf("could not create decoder: %+v", err)
			}

			o := new(bytes.Buffer)
			for _, p := range tc.data {
				for ch := 0; ch < tc.nch; ch++ {
					err = dec.Parse(ch, p)
					if err != nil {
						t.Fatalf("could not parse: %+v", err)
					}
				}
				_, err = dec.Render(o)
				if err != nil {
					t.Fatalf("could not render: %+v", err)
				}
			}

			if got, want := o.String(), tc.want; got != want {
				t.Fatalf("invalid CSV:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}

func TestRenderSecondChannel(t *testing.T) {
	dec, err := NewDecoder(Header{
		Ch2:    true,
		Calib:  []float64{1},
		Record: "<u8",
		Proc:   []string{""},
		CSVFmt: "{ch2}\n",
	})
	if err != nil {
		t.Fatalf("could not create decoder: %+v", err)
	}
	err = dec.Parse(1, []byte{7, 8})
	if err != nil {
		t.Fatalf("could not parse: %+v", err)
	}
	o := new(bytes.Buffer)
	n, err := dec.Render(o)
	if err != nil {
		t.Fatalf("could not render: %+v", err)
	}
	if n != 2 {
		t.Fatalf("invalid number of rows: got=%d, want=%d", n, 2)
	}
	if got, want := o.String(), "7\n8\n"; got != want {
		t.Fatalf("invalid CSV: got=%q, want=%q", got, want)
	}
	if got := len(dec.Processed(1)); got != 0 {
		t.Fatalf("rendered records not cleared: %d", got)
	}
}

func TestRenderStart(t *testing.T) {
	hdr := Header{
		Ch1:       true,
		StartTime: 1600000000,
		Calib:     []float64{1},
		Record:    "<u8",
		Proc:      []string{""},
		CSVFmt:    "{ch1}\r\n",
		CSVHdr:    "Start,{T}\r\n",
	}
	dec, err := NewDecoder(hdr)
	if err != nil {
		t.Fatalf("could not create decoder: %+v", err)
	}
	err = dec.Parse(0, []byte{1})
	if err != nil {
		t.Fatalf("could not parse: %+v", err)
	}
	o := new(bytes.Buffer)
	_, err = dec.Render(o)
	if err != nil {
		t.Fatalf("could not render: %+v", err)
	}
	start := time.Unix(1600000000, 0).Local().Format("Mon Jan _2 15:04:05 2006 MST")
	if got, want := o.String(), "Start,"+start+"\r\n1\r\n"; got != want {
		t.Fatalf("invalid CSV: got=%q, want=%q", got, want)
	}
}

func TestDecoderParsers(t *testing.T) {
	raw := []byte{0x01, 0xFF, 0x02, 0xFF, 0x03, 0xFF, 0x00, 0x00, 0x00, 0x04, 0xFF, 0x05}
	var outs [][]Record
	for _, f := range []ParserFunc{NewBitParser, NewWordParser} {
		dec, err := NewDecoder(Header{
			Ch1:    true,
			Calib:  []float64{1},
			Record: "<u8:p8,0xFF:u8",
			Proc:   []string{"*2:+1"},
		}, WithParser(f))
		if err != nil {
			t.Fatalf("could not create decoder: %+v", err)
		}
		err = dec.Parse(0, raw)
		if err != nil {
			t.Fatalf("could not parse: %+v", err)
		}
		outs = append(outs, dec.Processed(0))
	}
	if len(outs[0]) != 2 || len(outs[0]) != len(outs[1]) {
		t.Fatalf("invalid records: bits=%v, words=%v", outs[0], outs[1])
	}
	for i := range outs[0] {
		if !outs[0][i].Equal(outs[1][i]) {
			t.Fatalf("parsers disagree on record %d: bits=%v, words=%v", i, outs[0][i], outs[1][i])
		}
	}
}
