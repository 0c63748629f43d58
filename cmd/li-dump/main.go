// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// li-dump decodes and displays LI log files.
//
// Usage: li-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> li-dump -hdr ./MokuDataLoggerData_20200102_150405.li
//	=== ./MokuDataLoggerData_20200102_150405.li ===
//	version:     1
//	channels:    ch1 ch2
//	instrument:  7 (build 12)
//	time step:   1.000000e-03 s
//	start:       2020-01-02 15:04:05 +0000 UTC
//	calibration: [1 1]
//	record:      <s32
//	processing:  ["*C" "*C"]
//
//	$> li-dump ./MokuDataLoggerData_20200102_150405.li > data.csv
//	$> li-dump -o data.li2 -codec zstd ./MokuDataLoggerData_20200102_150405.li
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-lpc/moku/internal/mmap"
	"github.com/go-lpc/moku/li"
)

func main() {
	log.SetPrefix("li-dump: ")
	log.SetFlags(0)

	var (
		hdr   = flag.Bool("hdr", false, "only display file headers")
		oname = flag.String("o", "", "convert the input file to a version 2 LI file")
		codec = flag.String("codec", "none", "compression of converted files (none, lz4, zstd)")
	)

	flag.Usage = func() {
		fmt.Printf(`li-dump decodes and displays LI log files.

Usage: li-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> li-dump -hdr ./MokuDataLoggerData_20200102_150405.li
 $> li-dump ./MokuDataLoggerData_20200102_150405.li > data.csv
 $> li-dump -o data.li2 -codec zstd ./MokuDataLoggerData_20200102_150405.li

Options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing path to input LI file")
	}

	switch {
	case *oname != "":
		if flag.NArg() != 1 {
			log.Fatalf("conversion needs exactly one input file")
		}
		c, err := li.ParseCodec(*codec)
		if err != nil {
			log.Fatalf("invalid codec: %+v", err)
		}
		err = convert(*oname, flag.Arg(0), c)
		if err != nil {
			log.Fatalf("could not convert file %q: %+v", flag.Arg(0), err)
		}
	default:
		for _, fname := range flag.Args() {
			err := process(os.Stdout, fname, *hdr)
			if err != nil {
				log.Fatalf("could not dump file %q: %+v", fname, err)
			}
		}
	}
}

func process(w io.Writer, fname string, hdrOnly bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := mmap.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	if hdrOnly {
		hdr, err := li.ReadHeader(f)
		if err != nil {
			return fmt.Errorf("could not read header: %w", err)
		}
		fmt.Fprintf(wbuf, "=== %s ===\n", fname)
		printHeader(wbuf, hdr)
		return nil
	}

	r, err := li.NewReader(f)
	if err != nil {
		return fmt.Errorf("could not create LI reader: %w", err)
	}

	err = r.WriteCSV(wbuf)
	if err != nil {
		return fmt.Errorf("could not convert to CSV: %w", err)
	}

	return wbuf.Flush()
}

func printHeader(w io.Writer, hdr li.Header) {
	var chans []string
	for i, on := range []bool{hdr.Ch1, hdr.Ch2} {
		if on {
			chans = append(chans, fmt.Sprintf("ch%d", i+1))
		}
	}
	fmt.Fprintf(w, "version:     %d\n", hdr.Version)
	fmt.Fprintf(w, "channels:    %s\n", strings.Join(chans, " "))
	fmt.Fprintf(w, "instrument:  %d (build %d)\n", hdr.InstrID, hdr.InstrVer)
	fmt.Fprintf(w, "time step:   %e s\n", hdr.TimeStep)
	fmt.Fprintf(w, "start:       %v\n", hdr.Start().UTC().Format("2006-01-02 15:04:05 -0700 MST"))
	if hdr.StartOffset != 0 {
		fmt.Fprintf(w, "offset:      %v\n", time.Duration(hdr.StartOffset*float64(time.Second)))
	}
	fmt.Fprintf(w, "calibration: %v\n", hdr.Calib)
	switch {
	case len(hdr.Records) > 0:
		fmt.Fprintf(w, "record:      %q\n", hdr.Records)
	default:
		fmt.Fprintf(w, "record:      %s\n", hdr.Record)
	}
	fmt.Fprintf(w, "processing:  %q\n", hdr.Proc)
	if cols := hdr.Columns(); len(cols) > 0 {
		fmt.Fprintf(w, "columns:     %q\n", cols)
	}
}

func convert(oname, fname string, codec li.Codec) error {
	src, err := mmap.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open input file: %w", err)
	}
	defer src.Close()

	r, err := li.NewReader(src)
	if err != nil {
		return fmt.Errorf("could not create LI reader: %w", err)
	}

	f, err := os.Create(oname)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer f.Close()

	wbuf := bufio.NewWriter(f)
	w, err := li.NewWriterV2(wbuf, r.Header(), li.WithCompression(codec))
	if err != nil {
		return fmt.Errorf("could not create LI writer: %w", err)
	}

	n := 0
loop:
	for {
		ch, data, err := r.Chunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not read chunk %d: %w", n, err)
		}
		err = w.Write(ch, data)
		if err != nil {
			return fmt.Errorf("could not write chunk %d: %w", n, err)
		}
		n++
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close LI writer: %w", err)
	}

	err = wbuf.Flush()
	if err != nil {
		return fmt.Errorf("could not flush output file: %w", err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close output file: %w", err)
	}

	log.Printf("converted %d chunks from %q to %q (%v)", n, fname, oname, codec)
	return nil
}
