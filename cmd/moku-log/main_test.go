// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/sim"
)

var simID int32

func newDevice(t *testing.T) config.Config {
	t.Helper()

	id := atomic.AddInt32(&simID, 1)
	var (
		ctl  = fmt.Sprintf("inproc://moku-log-ctl-%d", id)
		data = fmt.Sprintf("inproc://moku-log-data-%d", id)
	)
	srv, err := sim.New(ctl, data,
		sim.WithLogger(log.New(io.Discard, "sim: ", 0)),
		sim.WithTick(10*time.Millisecond),
		sim.WithSettle(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	cfg := config.Default()
	cfg.Device.Addr = ctl
	cfg.Device.Stream = data
	cfg.LogLevel = config.LevelQuiet
	return cfg
}

func TestRunNet(t *testing.T) {
	cfg := newDevice(t)
	cfg.Session.Type = "net"

	out := new(bytes.Buffer)
	err := run(context.Background(), cfg, opts{
		Ch1:      true,
		Ch2:      true,
		Rate:     1e3,
		Duration: time.Second,
		Out:      out,
		Poll:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("could not run session: %+v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if got, want := len(lines), 1000; got != want {
		t.Fatalf("invalid number of samples: got=%d, want=%d", got, want)
	}
	for _, tc := range []struct {
		i    int
		want string
	}{
		{0, "0.000000, 0, 0"},
		{1, "0.001000, 1, 2"},
		{999, "0.999000, 999, 1998"},
	} {
		if got := lines[tc.i]; got != tc.want {
			t.Errorf("invalid line %d: got=%q, want=%q", tc.i, got, tc.want)
		}
	}
}

func TestRunCSV(t *testing.T) {
	cfg := newDevice(t)
	cfg.Session.Type = "csv"
	cfg.Session.Dir = t.TempDir()

	err := run(context.Background(), cfg, opts{
		Ch1:      true,
		Rate:     1e3,
		Duration: time.Second,
		Name:     "run",
		Out:      io.Discard,
		Poll:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("could not run session: %+v", err)
	}

	fnames, err := filepath.Glob(filepath.Join(cfg.Session.Dir, "run_*.csv"))
	if err != nil {
		t.Fatalf("could not glob uploaded files: %+v", err)
	}
	if len(fnames) != 1 {
		t.Fatalf("invalid uploaded files: %q", fnames)
	}
	raw, err := os.ReadFile(fnames[0])
	if err != nil {
		t.Fatalf("could not read uploaded file: %+v", err)
	}
	if !bytes.HasPrefix(raw, []byte("% Moku:DataLogger\r\n")) {
		t.Fatalf("invalid log file header:\n%s", raw[:min(len(raw), 128)])
	}
}

func TestRunInvalid(t *testing.T) {
	cfg := newDevice(t)
	cfg.Session.Type = "hdf5"

	err := run(context.Background(), cfg, opts{Ch1: true, Rate: 1e3, Out: io.Discard})
	if err == nil {
		t.Fatalf("expected an error for an invalid session type")
	}

	cfg.Session.Type = "bin"
	err = run(context.Background(), cfg, opts{Ch1: true, Rate: 0, Out: io.Discard})
	if err == nil {
		t.Fatalf("expected an error for an invalid sample rate")
	}
}

func TestAlert(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Addr = "192.168.73.1"
	cfg.Mail.Server = "smtp.example.com"
	cfg.Mail.From = "daq@example.com"
	cfg.Mail.To = []string{"shifter@example.com"}

	now := time.Date(2020, 1, 2, 15, 4, 5, 0, time.UTC)
	msg := newAlert(cfg, errors.New("stream: target file system full"), now)

	o := new(bytes.Buffer)
	_, err := msg.WriteTo(o)
	if err != nil {
		t.Fatalf("could not write alert: %+v", err)
	}

	for _, want := range []string{
		`Subject: [moku-log] session failure on "192.168.73.1"`,
		"From: daq@example.com",
		"time:   2020-01-02T15:04:05Z",
		"error:  stream: target file system full",
	} {
		if !strings.Contains(o.String(), want) {
			t.Errorf("missing %q in alert:\n%s", want, o.String())
		}
	}
}
