// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package instr_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-lpc/moku/instr"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/sim"
	"github.com/go-lpc/moku/stream"
	"github.com/go-lpc/moku/xfer"
)

var devID int64

func newDatalogger(t *testing.T, opts ...sim.Option) (*sim.Server, *link.Link, *instr.Datalogger) {
	t.Helper()

	id := atomic.AddInt64(&devID, 1)
	var (
		ctl  = fmt.Sprintf("inproc://instr-ctl-%d", id)
		data = fmt.Sprintf("inproc://instr-data-%d", id)
	)
	opts = append([]sim.Option{
		sim.WithLogger(log.New(io.Discard, "sim: ", 0)),
		sim.WithTick(10 * time.Millisecond),
		sim.WithSettle(50 * time.Millisecond),
	}, opts...)
	srv, err := sim.New(ctl, data, opts...)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	l, err := link.Dial(
		context.Background(), ctl,
		link.WithLogger(log.New(io.Discard, "link: ", 0)),
		link.WithClientName("tester"),
		link.WithTimeout(2*time.Second),
	)
	if err != nil {
		cancel()
		_ = srv.Close()
		t.Fatalf("could not dial device: %+v", err)
	}

	t.Cleanup(func() {
		_ = l.Close()
		cancel()
		<-done
		_ = srv.Close()
	})

	dl := instr.NewDatalogger(
		instr.WithLogger(log.New(io.Discard, "instr: ", 0)),
		instr.WithClock(func() time.Time {
			return time.Date(2020, 1, 2, 15, 4, 5, 0, time.UTC)
		}),
	)
	dl.Attach(l, data)
	return srv, l, dl
}

func TestNotDeployed(t *testing.T) {
	dl := instr.NewDatalogger()
	ctx := context.Background()

	if err := dl.Commit(ctx); !errors.Is(err, instr.ErrNotDeployed) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, instr.ErrNotDeployed)
	}
	if _, err := dl.ReadField(regs.XMode); !errors.Is(err, instr.ErrNotDeployed) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, instr.ErrNotDeployed)
	}
	if err := dl.StartSession(ctx, instr.SessionParams{Ch1: true}); !errors.Is(err, instr.ErrNotDeployed) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, instr.ErrNotDeployed)
	}
	if err := dl.Deploy(ctx); err == nil {
		t.Fatalf("expected an error deploying a detached instrument")
	}
}

func TestDeploy(t *testing.T) {
	srv, _, dl := newDatalogger(t, sim.WithBuild(12))
	ctx := context.Background()

	err := dl.Deploy(ctx)
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}
	if got, want := dl.Build(), uint16(12); got != want {
		t.Fatalf("invalid build: got=%d, want=%d", got, want)
	}
	if got, want := srv.Reg(regs.RegID1)&0xff, uint32(instr.DataloggerID); got != want {
		t.Fatalf("invalid deployed instrument: got=%d, want=%d", got, want)
	}
	if got, want := srv.Reg(regs.RegOutLen)>>29, uint32(regs.Roll); got != want {
		t.Fatalf("invalid x-mode: got=%d, want=%d", got, want)
	}
	if got, want := srv.Reg(instr.RegDLDecim), uint32(500000); got != want {
		t.Fatalf("invalid decimation: got=%d, want=%d", got, want)
	}
	if got, want := srv.Reg(regs.RegState)&0xff, uint32(1); got != want {
		t.Fatalf("invalid state id: got=%d, want=%d", got, want)
	}

	rate, err := dl.Samplerate()
	if err != nil {
		t.Fatalf("could not read sample rate: %+v", err)
	}
	if rate != 1e3 {
		t.Fatalf("invalid sample rate: got=%v, want=%v", rate, 1e3)
	}

	err = dl.SetRunning(ctx, false)
	if err != nil {
		t.Fatalf("could not hold instrument in reset: %+v", err)
	}
	if got := srv.Reg(regs.RegCtl) & regs.CtlInstrReset; got == 0 {
		t.Fatalf("instrument not held in reset")
	}
}

func TestFrontendMonitor(t *testing.T) {
	srv, _, dl := newDatalogger(t)
	ctx := context.Background()

	err := dl.Deploy(ctx)
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}

	fes := []instr.Frontend{
		{FiftyOhm: true},
		{Atten: true, AC: true},
	}
	for i, fe := range fes {
		err := dl.SetFrontend(i+1, fe)
		if err != nil {
			t.Fatalf("could not set frontend of channel %d: %+v", i+1, err)
		}
	}
	err = dl.SetMonitor(2, "out")
	if err != nil {
		t.Fatalf("could not set monitor: %+v", err)
	}
	err = dl.SetLoopback(2, true)
	if err != nil {
		t.Fatalf("could not set loopback: %+v", err)
	}
	err = dl.SetPrecisionMode(true)
	if err != nil {
		t.Fatalf("could not set precision mode: %+v", err)
	}
	err = dl.Commit(ctx)
	if err != nil {
		t.Fatalf("could not commit: %+v", err)
	}

	want := uint32(regs.RelayLowZ|regs.RelayDC) | uint32(regs.RelayLowG)<<3
	if got := srv.Reg(regs.RegAInCtl); got != want {
		t.Fatalf("invalid relays: got=0x%x, want=0x%x", got, want)
	}
	if got, want := srv.Reg(instr.RegDLOutSel), uint32(0x2); got != want {
		t.Fatalf("invalid sources: got=0x%x, want=0x%x", got, want)
	}
	if got, want := srv.Reg(instr.RegDLACtl), uint32(0x2|1<<16); got != want {
		t.Fatalf("invalid acquisition control: got=0x%x, want=0x%x", got, want)
	}

	err = dl.Resync(ctx)
	if err != nil {
		t.Fatalf("could not resync: %+v", err)
	}
	for i, want := range fes {
		got, err := dl.Frontend(i + 1)
		if err != nil {
			t.Fatalf("could not read frontend of channel %d: %+v", i+1, err)
		}
		if got != want {
			t.Fatalf("invalid frontend of channel %d: got=%+v, want=%+v", i+1, got, want)
		}
	}
	for i, want := range []string{"in", "out"} {
		got, err := dl.Monitor(i + 1)
		if err != nil {
			t.Fatalf("could not read monitor of channel %d: %+v", i+1, err)
		}
		if got != want {
			t.Fatalf("invalid monitor of channel %d: got=%q, want=%q", i+1, got, want)
		}
	}
	if got, want := dl.MonitorSources(), []string{"in", "out"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid monitor sources: got=%q, want=%q", got, want)
	}

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"frontend", dl.SetFrontend(3, instr.Frontend{})},
		{"monitor", dl.SetMonitor(0, "in")},
		{"loopback", dl.SetLoopback(-1, false)},
	} {
		if !errors.Is(tc.err, instr.ErrChannel) {
			t.Errorf("%s: invalid error: got=%+v, want=%v", tc.name, tc.err, instr.ErrChannel)
		}
	}
	if err := dl.SetMonitor(1, "nowhere"); err == nil {
		t.Fatalf("expected an error for an invalid monitor source")
	}
	if err := dl.SetSamplerate(0); err == nil {
		t.Fatalf("expected an error for a zero sample rate")
	}
}

func TestDataloggerStream(t *testing.T) {
	_, _, dl := newDatalogger(t)
	ctx := context.Background()

	err := dl.Deploy(ctx)
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}

	var logger instr.Logger = dl
	err = logger.StartSession(ctx, instr.SessionParams{
		Ch1:  true,
		Ch2:  true,
		Type: link.FileNet,
	})
	if err != nil {
		t.Fatalf("could not start session: %+v", err)
	}

	st, err := logger.PollSession(ctx)
	if err != nil {
		t.Fatalf("could not poll session: %+v", err)
	}
	if st != stream.Running {
		t.Fatalf("invalid state: got=%v, want=%v", st, stream.Running)
	}

	recs, err := logger.GetSamples(10, 2*time.Second)
	if err != nil {
		t.Fatalf("could not get samples: %+v", err)
	}
	for i := range recs {
		if len(recs[i]) != 10 {
			t.Fatalf("invalid number of samples on channel %d: %d", i+1, len(recs[i]))
		}
		for k, rec := range recs[i] {
			if got, want := rec[0].Float(), float64(k*(i+1)); got != want {
				t.Fatalf("invalid sample %d of channel %d: got=%v, want=%v", k, i+1, got, want)
			}
		}
	}

	st, err = logger.StopSession(ctx)
	if err != nil {
		t.Fatalf("could not stop session: %+v", err)
	}
	if st != stream.Stopped {
		t.Fatalf("invalid final state: got=%v, want=%v", st, stream.Stopped)
	}
}

func TestDataloggerCSV(t *testing.T) {
	_, l, dl := newDatalogger(t)
	ctx := context.Background()

	err := dl.Deploy(ctx)
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}

	err = dl.StartSession(ctx, instr.SessionParams{
		Ch1:      true,
		Duration: time.Second,
		Type:     link.FileCSV,
		Name:     "run",
	})
	if err != nil {
		t.Fatalf("could not start session: %+v", err)
	}

	timeout := time.After(5 * time.Second)
loop:
	for {
		pct, err := dl.Progress(ctx)
		if err != nil {
			t.Fatalf("session failed: %+v", err)
		}
		if pct == 100 {
			break loop
		}
		select {
		case <-timeout:
			t.Fatalf("session did not complete")
		case <-time.After(20 * time.Millisecond):
		}
	}
	_, err = dl.StopSession(ctx)
	if err != nil {
		t.Fatalf("could not stop session: %+v", err)
	}

	tmp, err := os.MkdirTemp("", "moku-instr-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	fnames, err := dl.UploadLog(ctx, xfer.New(l), tmp)
	if err != nil {
		t.Fatalf("could not upload log: %+v", err)
	}
	if len(fnames) != 1 || !strings.HasSuffix(fnames[0], "run_20200102_150405.csv") {
		t.Fatalf("invalid log files: %q", fnames)
	}

	raw, err := os.ReadFile(fnames[0])
	if err != nil {
		t.Fatalf("could not read log: %+v", err)
	}
	// the defaults leave the relays cleared: AC coupling.
	if !bytes.HasPrefix(raw, []byte("% Moku:DataLogger\r\n% Ch 1 - AC coupling, 1M Ohm impedance, 1 V range\r\n")) {
		t.Fatalf("invalid CSV header:\n%s", raw[:min(len(raw), 256)])
	}

	var (
		sc    = bufio.NewScanner(bytes.NewReader(raw))
		lines int
		last  string
	)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "%") {
			last = line
			continue
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("could not scan log: %+v", err)
	}
	if want := "% Time, Ch 1 voltage (V)\r"; last != want {
		t.Fatalf("invalid column header: got=%q, want=%q", last, want)
	}
	if lines != 1000 {
		t.Fatalf("invalid number of records: got=%d, want=1000", lines)
	}
}
