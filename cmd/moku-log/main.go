// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command moku-log runs a datalogger session on a Moku device.
//
// File sessions are logged on the device and uploaded into the session
// directory once completed. Network sessions are decoded on the fly and
// written out as text.
//
// Usage: moku-log [OPTIONS]
//
// Example:
//
//	$> moku-log -addr 192.168.73.1 -type csv -dur 10s -rate 100
//	moku-log: session 0001 running...
//	moku-log: session 0001: 50%
//	moku-log: session 0001: stopped
//	moku-log: uploaded "MokuDataloggerData_20200102_150405.csv"
package main // import "github.com/go-lpc/moku/cmd/moku-log"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/moku/caldb"
	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/instr"
	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/stream"
	"github.com/go-lpc/moku/xfer"
)

func main() {
	log.SetPrefix("moku-log: ")
	log.SetFlags(0)

	var (
		fname = flag.String("config", config.DefaultPath(), "path to the configuration file")
		addr  = flag.String("addr", "", "device address (overrides the configuration file)")
		typ   = flag.String("type", "", "session type: bin, csv or net (overrides the configuration file)")
		sd    = flag.Bool("sd", false, "log to the SD card")
		ch1   = flag.Bool("ch1", true, "log channel 1")
		ch2   = flag.Bool("ch2", true, "log channel 2")
		rate  = flag.Float64("rate", 1e3, "sample rate, in Hz")
		delay = flag.Duration("delay", 0, "delay before the session starts")
		dur   = flag.Duration("dur", 10*time.Second, "session duration (0: until interrupted)")
		name  = flag.String("name", "", "base name of the log file")
		oname = flag.String("o", "", "output file of network sessions (default: stdout)")

		doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
		doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)

	flag.Parse()

	cfg, err := config.Load(*fname)
	if err != nil {
		log.Fatalf("could not load configuration: %+v", err)
	}
	if *addr != "" {
		cfg.Device.Addr = *addr
		cfg.Device.Stream = ""
	}
	if *typ != "" {
		cfg.Session.Type = *typ
	}
	if *sd {
		cfg.Session.Mount = link.MountSD
	}

	out := io.Writer(os.Stdout)
	if *oname != "" {
		f, err := os.Create(*oname)
		if err != nil {
			log.Fatalf("could not create output file: %+v", err)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *doMon {
		kill, err := monitor(cfg.Session.Dir, *doFreq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
		defer func() {
			err := kill()
			if err != nil {
				log.Printf("could not stop monitoring: %+v", err)
			}
		}()
	}

	err = run(ctx, cfg, opts{
		Ch1:      *ch1,
		Ch2:      *ch2,
		Rate:     *rate,
		Delay:    *delay,
		Duration: *dur,
		Name:     *name,
		Out:      out,
		Poll:     time.Second,
	})
	if err != nil {
		alert(cfg, err)
		log.Fatalf("%+v", err)
	}
}

// opts describes the session to run.
type opts struct {
	Ch1, Ch2 bool
	Rate     float64
	Delay    time.Duration
	Duration time.Duration
	Name     string

	Out  io.Writer     // output of network sessions
	Poll time.Duration // progress polling interval of file sessions
}

// monitor records the resource usage of the process in dir.
// It returns the function stopping the monitoring.
func monitor(dir string, freq time.Duration) (func() error, error) {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("could not monitor process: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "moku-log-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		defer f.Close()
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()
	return p.Kill, nil
}

func run(ctx context.Context, cfg config.Config, o opts) error {
	msg := cfg.Logger("moku-log: ")

	ft, err := cfg.FileType()
	if err != nil {
		return err
	}

	dev, err := link.Dial(ctx, cfg.Device.Addr, cfg.LinkOptions()...)
	if err != nil {
		return fmt.Errorf("could not connect to %q: %w", cfg.Device.Addr, err)
	}
	defer dev.Close()

	_, err = dev.TakeOwnership(ctx)
	if err != nil {
		return fmt.Errorf("could not take ownership: %w", err)
	}

	var db *caldb.DB
	if cfg.DB.DSN != "" {
		db, err = caldb.Open(cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("could not open calibration db: %w", err)
		}
		defer db.Close()

		cals, err := db.Apply(ctx, dev)
		if err != nil {
			return fmt.Errorf("could not apply calibration: %w", err)
		}
		for _, c := range cals {
			msg.Printf("ch%d calibrated on %v: %g", c.Channel, c.Date.Format("2006-01-02"), c.Coeff)
		}
	}

	dl := instr.NewDatalogger(instr.WithLogger(msg))
	dl.Attach(dev, cfg.StreamAddr())
	err = dl.Deploy(ctx)
	if err != nil {
		return fmt.Errorf("could not deploy datalogger: %w", err)
	}
	err = dl.SetSamplerate(o.Rate)
	if err != nil {
		return err
	}
	err = dl.Commit(ctx)
	if err != nil {
		return fmt.Errorf("could not commit datalogger settings: %w", err)
	}

	start := time.Now()
	err = dl.StartSession(ctx, instr.SessionParams{
		Ch1:      o.Ch1,
		Ch2:      o.Ch2,
		Delay:    o.Delay,
		Duration: o.Duration,
		SD:       cfg.Session.Mount == link.MountSD,
		Type:     ft,
		Name:     o.Name,
	})
	if err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}
	sess := dl.Session()
	msg.Printf("session %s running...", sess.Tag())

	var n uint64
	switch ft {
	case link.FileNet:
		n, err = collect(ctx, dl, o)
	default:
		err = wait(ctx, dl, sess.Tag(), o.Poll, msg)
	}

	// the session is stopped even when ctx is done.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Device.Timeout)
	defer cancel()
	state, serr := dl.StopSession(sctx)
	if err == nil {
		err = serr
	}
	msg.Printf("session %s: %v", sess.Tag(), state)

	var logfile string
	if ft != link.FileNet && sess.Filename() != "" {
		logfile = link.Path(cfg.Session.Mount, sess.Filename())
		c := xfer.New(dev, cfg.XferOptions()...)
		fnames, uerr := dl.UploadLog(context.Background(), c, cfg.Session.Dir)
		for _, fname := range fnames {
			msg.Printf("uploaded %q", fname)
		}
		if err == nil {
			err = uerr
		}
	}

	if db != nil {
		serial, derr := dev.Property(sctx, "device.serial")
		if derr != nil {
			return errors.Join(err, derr)
		}
		id, derr := db.RecordSession(sctx, caldb.Session{
			Serial:   serial,
			Tag:      sess.Tag(),
			Instr:    dl.Name(),
			File:     logfile,
			Start:    start.UTC(),
			Duration: time.Since(start),
			Samples:  n,
			State:    state.String(),
		})
		if derr != nil {
			return errors.Join(err, derr)
		}
		msg.Printf("session %s recorded (id=%d)", sess.Tag(), id)
	}

	return err
}

// collect writes out the records of a network session until its end.
// It returns the number of records written per channel.
func collect(ctx context.Context, dl *instr.Datalogger, o opts) (uint64, error) {
	grp, ctx := errgroup.WithContext(ctx)

	var n uint64
	recs := make(chan [2][]li.Record)
	grp.Go(func() error {
		defer close(recs)
		for {
			rs, err := dl.GetSamples(0, time.Second)
			switch {
			case err == nil:
			case errors.Is(err, stream.ErrEnded):
				return nil
			case errors.Is(err, stream.ErrTimeout):
				if ctx.Err() != nil {
					return nil
				}
				continue
			default:
				return fmt.Errorf("could not collect samples: %w", err)
			}
			select {
			case recs <- rs:
			case <-ctx.Done():
				return nil
			}
		}
	})

	grp.Go(func() error {
		for rs := range recs {
			err := write(o.Out, rs, n, o.Rate)
			if err != nil {
				return fmt.Errorf("could not write samples: %w", err)
			}
			n += uint64(max(len(rs[0]), len(rs[1])))
		}
		return nil
	})

	err := grp.Wait()
	return n, err
}

// write writes one line per sample, starting at sample index beg.
func write(w io.Writer, rs [2][]li.Record, beg uint64, rate float64) error {
	var (
		o   = new(strings.Builder)
		n   = max(len(rs[0]), len(rs[1]))
		err error
	)
	for i := 0; i < n; i++ {
		o.Reset()
		fmt.Fprintf(o, "%.6f", float64(beg+uint64(i))/rate)
		for _, ch := range rs {
			if i < len(ch) {
				fmt.Fprintf(o, ", %g", ch[i].Scalar().Float())
			}
		}
		o.WriteString("\n")
		_, err = io.WriteString(w, o.String())
		if err != nil {
			return err
		}
	}
	return nil
}

// wait polls a file session until it completes.
func wait(ctx context.Context, dl *instr.Datalogger, tag string, freq time.Duration, msg *log.Logger) error {
	tck := time.NewTicker(freq)
	defer tck.Stop()

	for {
		select {
		case <-ctx.Done():
			msg.Printf("session %s interrupted", tag)
			return nil
		case <-tck.C:
		}
		pct, err := dl.Progress(ctx)
		if err != nil {
			return fmt.Errorf("could not poll session %s: %w", tag, err)
		}
		msg.Printf("session %s: %d%%", tag, pct)
		if pct >= 100 {
			return nil
		}
	}
}
