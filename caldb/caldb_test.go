// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package caldb

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/moku/internal/fakedb"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/sim"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open caldb: %+v", err)
	}
	defer db.Close()
}

func TestCalibration(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open caldb: %+v", err)
	}
	defer db.Close()

	date := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"coeff", "datetime"},
		Values: [][]driver.Value{
			{0.25, date},
		},
	}, func(ctx context.Context) error {
		cal, err := db.Calibration(ctx, "000123", 2)
		if err != nil {
			return err
		}
		want := Calibration{Serial: "000123", Channel: 2, Coeff: 0.25, Date: date}
		if cal != want {
			t.Fatalf("invalid calibration: got=%+v, want=%+v", cal, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not retrieve calibration: %+v", err)
	}

	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"coeff", "datetime"},
	}, func(ctx context.Context) error {
		_, err := db.Calibration(ctx, "000123", 1)
		return err
	})
	if !errors.Is(err, ErrNoCalibration) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, ErrNoCalibration)
	}
}

func TestHistory(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open caldb: %+v", err)
	}
	defer db.Close()

	var (
		d1 = time.Date(2020, 3, 4, 0, 0, 0, 0, time.UTC)
		d2 = time.Date(2019, 3, 4, 0, 0, 0, 0, time.UTC)
	)
	_, err = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"channel", "coeff", "datetime"},
		Values: [][]driver.Value{
			{int64(1), 1.5, d1},
			{int64(2), 2.5, d1},
			{int64(1), 1.25, d2},
		},
	}, func(ctx context.Context) error {
		cals, err := db.History(ctx, "000123")
		if err != nil {
			return err
		}
		want := []Calibration{
			{Serial: "000123", Channel: 1, Coeff: 1.5, Date: d1},
			{Serial: "000123", Channel: 2, Coeff: 2.5, Date: d1},
			{Serial: "000123", Channel: 1, Coeff: 1.25, Date: d2},
		}
		if !reflect.DeepEqual(cals, want) {
			t.Fatalf("invalid history:\ngot= %+v\nwant=%+v", cals, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not retrieve history: %+v", err)
	}
}

func TestRecordSession(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open caldb: %+v", err)
	}
	defer db.Close()

	start := time.Date(2020, 1, 2, 15, 4, 5, 0, time.UTC)
	execs, err := fakedb.Run(context.Background(), fakedb.Rows{}, func(ctx context.Context) error {
		id, err := db.RecordSession(ctx, Session{
			Serial:   "000123",
			Tag:      "0001",
			Instr:    "datalogger",
			File:     "i:MokuDataloggerData_20200102_150405.li",
			Start:    start,
			Duration: 2 * time.Second,
			Samples:  2000,
			State:    "stopped",
		})
		if err != nil {
			return err
		}
		if id != 1 {
			t.Fatalf("invalid session id: got=%d, want=1", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not record session: %+v", err)
	}

	if len(execs) != 1 {
		t.Fatalf("invalid number of statements: got=%d, want=1", len(execs))
	}
	if !strings.HasPrefix(execs[0].Query, "INSERT INTO sessions") {
		t.Fatalf("invalid statement: %q", execs[0].Query)
	}
	want := []driver.Value{
		"000123", "0001", "datalogger",
		"i:MokuDataloggerData_20200102_150405.li",
		start, 2.0, int64(2000), "stopped",
	}
	if got := execs[0].Args; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid arguments:\ngot= %v\nwant=%v", got, want)
	}
}

var devID int

func TestApply(t *testing.T) {
	devID++
	var (
		ctl  = fmt.Sprintf("inproc://caldb-ctl-%d", devID)
		data = fmt.Sprintf("inproc://caldb-data-%d", devID)
	)
	srv, err := sim.New(ctl, data,
		sim.WithLogger(log.New(io.Discard, "sim: ", 0)),
		sim.WithProperties(map[string]string{"device.serial": "000123"}),
	)
	if err != nil {
		t.Fatalf("could not create device: %+v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	l, err := link.Dial(
		ctx, ctl,
		link.WithLogger(log.New(io.Discard, "link: ", 0)),
		link.WithClientName("tester"),
	)
	if err != nil {
		t.Fatalf("could not dial device: %+v", err)
	}
	defer l.Close()

	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open caldb: %+v", err)
	}
	defer db.Close()

	date := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
	_, err = fakedb.Run(ctx, fakedb.Rows{
		Names: []string{"coeff", "datetime"},
		Values: [][]driver.Value{
			{0.125, date},
		},
	}, func(ctx context.Context) error {
		cals, err := db.Apply(ctx, l)
		if err != nil {
			return err
		}
		if len(cals) != 2 {
			t.Fatalf("invalid number of calibrations: got=%d, want=2", len(cals))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("could not apply calibration: %+v", err)
	}

	for _, key := range []string{"calibration.ch1", "calibration.ch2"} {
		if got, want := srv.Prop(key), "0.125"; got != want {
			t.Fatalf("invalid property %q: got=%q, want=%q", key, got, want)
		}
	}
}
