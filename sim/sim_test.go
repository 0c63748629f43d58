// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/sim"
)

var devID int64

func newDevice(t *testing.T, opts ...sim.Option) (*sim.Server, *link.Link) {
	t.Helper()

	id := atomic.AddInt64(&devID, 1)
	var (
		ctl  = fmt.Sprintf("inproc://sim-ctl-%d", id)
		data = fmt.Sprintf("inproc://sim-data-%d", id)
	)
	opts = append([]sim.Option{sim.WithLogger(log.New(io.Discard, "sim: ", 0))}, opts...)
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
		link.WithTimeout(time.Second),
	)
	if err != nil {
		cancel()
		_ = srv.Close()
		t.Fatalf("could not dial device: %+v", err)
	}

	t.Cleanup(func() {
		_ = l.Close()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("could not serve: %+v", err)
		}
		if err := srv.Close(); err != nil {
			t.Errorf("could not close device: %+v", err)
		}
	})
	return srv, l
}

func TestOwnership(t *testing.T) {
	srv, l := newDevice(t)
	ctx := context.Background()

	o, err := l.Owner(ctx)
	if err != nil {
		t.Fatalf("could not query owner: %+v", err)
	}
	if o.Owned() {
		t.Fatalf("fresh device is owned by %q", o.Name)
	}

	o, err = l.TakeOwnership(ctx)
	if err != nil {
		t.Fatalf("could not take ownership: %+v", err)
	}
	if !o.Mine() || o.Name != "tester" {
		t.Fatalf("invalid owner: got=%+v", o)
	}

	o, err = l.Owner(ctx)
	if err != nil {
		t.Fatalf("could not query owner: %+v", err)
	}
	if !o.Mine() || o.LastSeen.IsZero() {
		t.Fatalf("invalid owner: got=%+v", o)
	}

	err = l.Relinquish(ctx)
	if err != nil {
		t.Fatalf("could not relinquish: %+v", err)
	}
	if got := srv.Owner(); got != "" {
		t.Fatalf("device still owned by %q", got)
	}
}

func TestRegisters(t *testing.T) {
	srv, l := newDevice(t)
	ctx := context.Background()

	err := l.WriteRegs(ctx, []link.Reg{{Addr: 5, Value: 0xdeadbeef}, {Addr: 63, Value: 0x00020002}})
	if err != nil {
		t.Fatalf("could not write registers: %+v", err)
	}
	if got, want := srv.Reg(5), uint32(0xdeadbeef); got != want {
		t.Fatalf("invalid register: got=0x%x, want=0x%x", got, want)
	}

	got, err := l.ReadRegs(ctx, []uint8{63, 5, 6})
	if err != nil {
		t.Fatalf("could not read registers: %+v", err)
	}
	want := []link.Reg{{Addr: 63, Value: 0x00020002}, {Addr: 5, Value: 0xdeadbeef}, {Addr: 6, Value: 0}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid registers:\ngot= %v\nwant=%v", got, want)
	}

	// addresses are 7 bits wide: the top bit is rejected before sending.
	_, err = l.ReadRegs(ctx, []uint8{regs.NumRegs})
	var derr *link.DeviceError
	if err == nil || errors.As(err, &derr) {
		t.Fatalf("invalid error for out of range register: %+v", err)
	}
	err = l.WriteRegs(ctx, []link.Reg{{Addr: regs.NumRegs}})
	if err == nil || errors.As(err, &derr) {
		t.Fatalf("invalid error for out of range register: %+v", err)
	}
}

func TestProperties(t *testing.T) {
	srv, l := newDevice(t, sim.WithProperties(map[string]string{"device.serial": "000042"}))
	ctx := context.Background()

	v, err := l.Property(ctx, "device.serial")
	if err != nil {
		t.Fatalf("could not read property: %+v", err)
	}
	if v != "000042" {
		t.Fatalf("invalid serial: got=%q, want=%q", v, "000042")
	}

	_, err = l.SetProperties(ctx, []link.Prop{
		{Key: "system.name", Value: "renamed"},
		{Key: "no.such.key", Value: "x"},
	})
	var derr *link.DeviceError
	if !errors.As(err, &derr) || derr.Key != "no.such.key" {
		t.Fatalf("invalid batch error: %+v", err)
	}
	if got := srv.Prop("system.name"); got != "moku-sim" {
		t.Fatalf("failed batch was partially applied: system.name=%q", got)
	}

	_, err = l.SetProperty(ctx, "device.serial", "1")
	if !errors.As(err, &derr) || derr.Key != "device.serial" {
		t.Fatalf("invalid error for read-only property: %+v", err)
	}

	ps, err := l.PropertySection(ctx, "calibration.")
	if err != nil {
		t.Fatalf("could not read section: %+v", err)
	}
	var keys []string
	for _, p := range ps {
		keys = append(keys, p.Key)
	}
	if want := []string{"calibration.ch1", "calibration.ch2", "calibration.date"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("invalid section keys:\ngot= %q\nwant=%q", keys, want)
	}
}

func TestDeploy(t *testing.T) {
	srv, l := newDevice(t, sim.WithBuild(42))
	ctx := context.Background()

	err := l.WriteRegs(ctx, []link.Reg{{Addr: 5, Value: 1}})
	if err != nil {
		t.Fatalf("could not write registers: %+v", err)
	}

	v, err := l.Deploy(ctx, 7, link.DeployOptions{SubIndex: 1})
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}
	if v != 42 {
		t.Fatalf("invalid build: got=%d, want=%d", v, 42)
	}
	if got := srv.Reg(regs.RegID1) & 0xff; got != 7 {
		t.Fatalf("invalid instrument id: got=%d, want=%d", got, 7)
	}
	if got := srv.Reg(5); got != 0 {
		t.Fatalf("registers not reset by deploy: got=%d", got)
	}
	if got := srv.Prop("ipad.name"); got != "tester" {
		t.Fatalf("invalid deployer: got=%q, want=%q", got, "tester")
	}

	_, err = l.Deploy(ctx, 7, link.DeployOptions{ExtClock: true})
	if err == nil {
		t.Fatalf("expected an error deploying with a missing external clock")
	}

	err = l.Reset(ctx)
	if err != nil {
		t.Fatalf("could not reset: %+v", err)
	}
}

func TestClock(t *testing.T) {
	for _, ext := range []bool{false, true} {
		t.Run(fmt.Sprintf("ext=%v", ext), func(t *testing.T) {
			_, l := newDevice(t, sim.WithExtClock(ext))
			ctx := context.Background()

			err := l.SetClockSource(ctx, true)
			if err != nil {
				t.Fatalf("could not set clock source: %+v", err)
			}
			req, act, err := l.ClockSource(ctx)
			if err != nil {
				t.Fatalf("could not get clock source: %+v", err)
			}
			if !req || act != ext {
				t.Fatalf("invalid clock source: requested=%v, actual=%v", req, act)
			}
		})
	}
}

func TestFirmware(t *testing.T) {
	srv, l := newDevice(t)
	ctx := context.Background()

	err := l.TriggerFirmware(ctx)
	var derr *link.DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("invalid error without staged firmware: %+v", err)
	}

	err = l.WriteFile(ctx, link.MountFirmware, "moku.fw", 0, []byte("firmware"))
	if err != nil {
		t.Fatalf("could not write firmware: %+v", err)
	}
	err = l.Finalize(ctx, link.MountFirmware, "moku.fw", 8)
	if err != nil {
		t.Fatalf("could not finalize firmware: %+v", err)
	}
	err = l.TriggerFirmware(ctx)
	if err != nil {
		t.Fatalf("could not trigger firmware: %+v", err)
	}
	if got := srv.FirmwareLoads(); got != 1 {
		t.Fatalf("invalid firmware loads: got=%d, want=1", got)
	}
}

func TestFileServer(t *testing.T) {
	_, l := newDevice(t, sim.WithMounts(
		sim.Mount{Name: "i", Size: 16},
		sim.Mount{Name: "e", Missing: true},
		sim.Mount{Name: "b", Size: 1 << 10, ReadOnly: true},
	))
	ctx := context.Background()

	err := l.WriteFile(ctx, "i", "a.txt", 0, []byte("hello"))
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}
	_, err = l.Size(ctx, "i", "a.txt")
	if !errors.Is(err, link.ErrNotFound) {
		t.Fatalf("unfinalized file is visible: %+v", err)
	}
	fs, err := l.List(ctx, "i", 0)
	if err != nil || len(fs) != 0 {
		t.Fatalf("unfinalized file is listed: %v, %+v", fs, err)
	}

	err = l.Finalize(ctx, "i", "a.txt", 5)
	if err != nil {
		t.Fatalf("could not finalize: %+v", err)
	}
	p, err := l.ReadFile(ctx, "i", "a.txt", 1, 3)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := string(p), "ell"; got != want {
		t.Fatalf("invalid read: got=%q, want=%q", got, want)
	}

	p, err = l.ReadFile(ctx, "i", "a.txt", 1, math.MaxUint64)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := string(p), "ello"; got != want {
		t.Fatalf("invalid read: got=%q, want=%q", got, want)
	}

	total, free, err := l.Free(ctx, "i")
	if err != nil {
		t.Fatalf("could not query free space: %+v", err)
	}
	if total != 16 || free != 11 {
		t.Fatalf("invalid space: total=%d, free=%d", total, free)
	}

	for _, tc := range []struct {
		name string
		err  error
		fn   func() error
	}{
		{"no-space", link.ErrNoSpace, func() error {
			return l.WriteFile(ctx, "i", "b.txt", 0, make([]byte, 12))
		}},
		{"no-mount", link.ErrNoMount, func() error {
			_, _, err := l.Free(ctx, "e")
			return err
		}},
		{"read-only", link.ErrReadOnly, func() error {
			return l.WriteFile(ctx, "b", "x", 0, []byte("x"))
		}},
		{"not-found", link.ErrNotFound, func() error {
			_, err := l.CRC(ctx, "i", "missing")
			return err
		}},
		{"inval", link.ErrInvalid, func() error {
			_, err := l.ReadFile(ctx, "i", "a.txt", 6, 1)
			return err
		}},
		{"offset-overflow", link.ErrInvalid, func() error {
			return l.WriteFile(ctx, "i", "c.txt", math.MaxUint64-1, []byte("xyz"))
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			if !errors.Is(err, tc.err) {
				t.Fatalf("invalid error: got=%+v, want=%v", err, tc.err)
			}
			var serr *link.StatusError
			if !errors.As(err, &serr) {
				t.Fatalf("invalid error type %T", err)
			}
		})
	}
}

func TestBoltStore(t *testing.T) {
	tmp, err := os.MkdirTemp("", "moku-sim-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	defer os.RemoveAll(tmp)

	fname := filepath.Join(tmp, "store.db")
	store, err := sim.OpenBoltStore(fname, "i", "e")
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}

	for _, name := range []string{"b.li", "a.csv"} {
		err = store.Put("i", name, []byte(name))
		if err != nil {
			t.Fatalf("could not put %q: %+v", name, err)
		}
	}
	err = store.Close()
	if err != nil {
		t.Fatalf("could not close store: %+v", err)
	}

	store, err = sim.OpenBoltStore(fname)
	if err != nil {
		t.Fatalf("could not reopen store: %+v", err)
	}
	defer store.Close()

	names, err := store.Names("i")
	if err != nil {
		t.Fatalf("could not list names: %+v", err)
	}
	if want := []string{"a.csv", "b.li"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("invalid names: got=%q, want=%q", names, want)
	}

	data, err := store.Get("i", "b.li")
	if err != nil || string(data) != "b.li" {
		t.Fatalf("invalid content: %q, %+v", data, err)
	}

	err = store.Delete("i", "b.li")
	if err != nil {
		t.Fatalf("could not delete: %+v", err)
	}
	_, err = store.Get("i", "b.li")
	if !errors.Is(err, sim.ErrNotExist) {
		t.Fatalf("invalid error for deleted file: %+v", err)
	}
	names, _ = store.Names("e")
	if len(names) != 0 {
		t.Fatalf("invalid names on empty mount: %q", names)
	}
}
