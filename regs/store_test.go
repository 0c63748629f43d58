// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regs

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/go-lpc/moku/bitfield"
	"github.com/go-lpc/moku/link"
)

type fakeDevice struct {
	regs   [NumRegs]uint32
	writes [][]link.Reg
	fail   error
}

func (dev *fakeDevice) ReadRegs(ctx context.Context, addrs []uint8) ([]link.Reg, error) {
	if dev.fail != nil {
		return nil, dev.fail
	}
	out := make([]link.Reg, len(addrs))
	for i, addr := range addrs {
		out[i] = link.Reg{Addr: addr, Value: dev.regs[addr]}
	}
	return out, nil
}

func (dev *fakeDevice) WriteRegs(ctx context.Context, regs []link.Reg) error {
	if dev.fail != nil {
		return dev.fail
	}
	dev.writes = append(dev.writes, regs)
	for _, r := range regs {
		dev.regs[r.Addr] = r.Value
	}
	return nil
}

func TestCommit(t *testing.T) {
	dev := new(fakeDevice)
	s := New(dev)
	ctx := context.Background()

	err := s.Write(XMode, Roll)
	if err != nil {
		t.Fatalf("could not write field: %+v", err)
	}
	err = s.WriteRaw(FrameLength, 1023)
	if err != nil {
		t.Fatalf("could not write field: %+v", err)
	}
	if len(dev.writes) != 0 {
		t.Fatalf("write performed I/O")
	}
	if got, want := s.Pending(), 1; got != want {
		t.Fatalf("invalid pending registers: got=%d, want=%d", got, want)
	}

	v, err := s.Read(XMode)
	if err != nil {
		t.Fatalf("could not read field: %+v", err)
	}
	if v != Roll {
		t.Fatalf("invalid local value: got=%v, want=%v", v, Roll)
	}
	if got := s.Remote(RegOutLen); got != 0 {
		t.Fatalf("remote shadow modified before commit: 0x%x", got)
	}

	err = s.Commit(ctx)
	if err != nil {
		t.Fatalf("could not commit: %+v", err)
	}

	want := []link.Reg{
		{Addr: RegOutLen, Value: Roll<<29 | 1023},
		{Addr: RegState, Value: 0x00010001},
	}
	if len(dev.writes) != 1 || !reflect.DeepEqual(dev.writes[0], want) {
		t.Fatalf("invalid bulk write:\ngot= %v\nwant=%v", dev.writes, want)
	}
	if got := s.StateID(); got != 1 {
		t.Fatalf("invalid state id: got=%d, want=1", got)
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("pending registers after commit: %d", got)
	}
	if got, want := s.Remote(RegOutLen), uint32(Roll<<29|1023); got != want {
		t.Fatalf("invalid remote shadow: got=0x%x, want=0x%x", got, want)
	}

	err = s.Commit(ctx)
	if err != nil {
		t.Fatalf("could not commit: %+v", err)
	}
	if got, want := dev.writes[1], []link.Reg{{Addr: RegState, Value: 0x00020002}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid empty commit:\ngot= %v\nwant=%v", got, want)
	}
}

func TestCommitFailure(t *testing.T) {
	dev := &fakeDevice{fail: errors.New("link down")}
	s := New(dev)
	ctx := context.Background()

	err := s.Write(Offset, -42)
	if err != nil {
		t.Fatalf("could not write field: %+v", err)
	}
	err = s.Commit(ctx)
	if !errors.Is(err, dev.fail) {
		t.Fatalf("invalid commit error: %+v", err)
	}
	if got := s.StateID(); got != 0 {
		t.Fatalf("state id changed on failure: %d", got)
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("pending registers lost on failure: %d", got)
	}
	if got := s.Remote(RegOffset); got != 0 {
		t.Fatalf("remote shadow changed on failure: 0x%x", got)
	}

	dev.fail = nil
	err = s.Commit(ctx)
	if err != nil {
		t.Fatalf("could not commit: %+v", err)
	}
	if got, want := int32(dev.regs[RegOffset]), int32(-42); got != want {
		t.Fatalf("invalid device register: got=%d, want=%d", got, want)
	}
	if got := s.StateID(); got != 1 {
		t.Fatalf("invalid state id: got=%d, want=1", got)
	}
}

func TestBatch(t *testing.T) {
	dev := new(fakeDevice)
	s := New(dev, WithAutoCommit(true))
	ctx := context.Background()

	err := s.Set(ctx, RelaysCh1, RelayDC)
	if err != nil {
		t.Fatalf("could not set field: %+v", err)
	}
	if got := len(dev.writes); got != 1 {
		t.Fatalf("invalid number of auto-commits: got=%d, want=1", got)
	}

	err = s.Batch(ctx, func() error {
		err := s.Set(ctx, RelaysCh2, RelayLowZ)
		if err != nil {
			return err
		}
		return s.Batch(ctx, func() error {
			return s.SetRaw(ctx, PreTrigger, -8)
		})
	})
	if err != nil {
		t.Fatalf("could not run batch: %+v", err)
	}
	if got := len(dev.writes); got != 2 {
		t.Fatalf("invalid number of commits: got=%d, want=2", got)
	}
	if got, want := len(dev.writes[1]), 3; got != want {
		t.Fatalf("invalid batch size: got=%d, want=%d", got, want)
	}

	boom := errors.New("boom")
	err = s.Batch(ctx, func() error {
		_ = s.Set(ctx, FrameLength, 12)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("invalid batch error: %+v", err)
	}
	if got := len(dev.writes); got != 2 {
		t.Fatalf("failed batch was committed")
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("invalid pending registers: got=%d, want=1", got)
	}
	s.Discard()
	if got := s.Pending(); got != 0 {
		t.Fatalf("pending registers after discard: %d", got)
	}

	err = s.End(ctx)
	if !errors.Is(err, errNoBatch) {
		t.Fatalf("invalid error: got=%+v, want=%v", err, errNoBatch)
	}
}

func TestResync(t *testing.T) {
	dev := new(fakeDevice)
	dev.regs[RegID1] = 7 | 42<<16
	s := New(dev)
	ctx := context.Background()

	err := s.Resync(ctx)
	if err != nil {
		t.Fatalf("could not resync: %+v", err)
	}

	build, err := s.ReadRaw(InstrBuild)
	if err != nil {
		t.Fatalf("could not read build: %+v", err)
	}
	if build != 42 {
		t.Fatalf("invalid build: got=%d, want=42", build)
	}

	err = s.Write(InstrID, 3)
	if err != nil {
		t.Fatalf("could not write field: %+v", err)
	}
	dev.regs[RegID1] = 9 | 43<<16
	err = s.Resync(ctx)
	if err != nil {
		t.Fatalf("could not resync: %+v", err)
	}
	if v, ok := s.Local(RegID1); !ok || v != 3|42<<16 {
		t.Fatalf("pending write lost on resync: 0x%x, %v", v, ok)
	}
	if got := s.Remote(RegID1) & 0xff; got != 9 {
		t.Fatalf("invalid remote id: got=%d, want=9", got)
	}
}

func TestSetRunning(t *testing.T) {
	dev := new(fakeDevice)
	s := New(dev)
	ctx := context.Background()

	for _, run := range []bool{false, true} {
		err := s.SetRunning(ctx, run)
		if err != nil {
			t.Fatalf("could not set running=%v: %+v", run, err)
		}
		want := uint32(CtlInstrReset)
		if run {
			want = 0
		}
		if got := dev.regs[RegCtl] & CtlInstrReset; got != want {
			t.Fatalf("invalid reset bit for running=%v: got=%d, want=%d", run, got, want)
		}
	}
}

func TestInvalidField(t *testing.T) {
	s := New(new(fakeDevice))
	f := bitfield.Uint("bad", NumRegs, 0, 8)

	if err := s.Write(f, 1); err == nil {
		t.Fatalf("expected an error writing an out of range register")
	}
	if _, err := s.Read(f); err == nil {
		t.Fatalf("expected an error reading an out of range register")
	}
	if err := s.Write(FrameLength, 4096); err == nil {
		t.Fatalf("expected an error writing an out of range value")
	}
}
