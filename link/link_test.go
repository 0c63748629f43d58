// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.nanomsg.org/mangos/v3/protocol/rep"
)

var fakeID int64

// fakeDevice answers requests sent on an in-process transport.
// A nil reply leaves the request unanswered.
type fakeDevice struct {
	mu     sync.Mutex
	regs   [128]uint32
	props  map[string]string
	owner  string
	handle func(req []byte) []byte
}

func newFakeDevice(t *testing.T) (*fakeDevice, string) {
	t.Helper()

	dev := &fakeDevice{
		props: map[string]string{
			"device.serial": "000123",
			"system.name":   "moku-test",
		},
	}

	sock, err := rep.NewSocket()
	if err != nil {
		t.Fatalf("could not create rep socket: %+v", err)
	}
	addr := fmt.Sprintf("inproc://link-test-%d", atomic.AddInt64(&fakeID, 1))
	err = sock.Listen(addr)
	if err != nil {
		t.Fatalf("could not listen on %q: %+v", addr, err)
	}
	t.Cleanup(func() { _ = sock.Close() })

	go func() {
		for {
			msg, err := sock.Recv()
			if err != nil {
				return
			}
			reply := dev.serve(msg)
			if reply == nil {
				continue
			}
			err = sock.Send(reply)
			if err != nil {
				return
			}
		}
	}()

	return dev, addr
}

func (dev *fakeDevice) serve(req []byte) []byte {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.handle != nil {
		if rep := dev.handle(req); rep != nil || req[0] != OpProperty {
			return rep
		}
	}

	switch req[0] {
	case OpProperty:
		return dev.serveProps(req)
	case OpRegs:
		return dev.serveRegs(req)
	case OpOwnership, OpOwnerQuery:
		dec := NewDecoder(req[1:])
		name := dec.ReadStr8()
		flags := dec.ReadU8()
		if req[0] == OpOwnership {
			switch flags {
			case 1:
				dev.owner = name
			default:
				dev.owner = ""
			}
		}
		enc := NewEncoder(req[0])
		enc.WriteU8(uint8(len(dev.owner)))
		switch {
		case dev.owner == "":
			enc.WriteU8(OwnerNone)
		case dev.owner == name:
			enc.WriteU8(OwnerMe)
		default:
			enc.WriteU8(OwnerOther)
		}
		if req[0] == OpOwnerQuery {
			enc.WriteU32(1600000000)
		}
		enc.Write([]byte(dev.owner))
		return enc.Msg()
	}
	return []byte{req[0], 0xff}
}

func (dev *fakeDevice) serveProps(req []byte) []byte {
	dec := NewDecoder(req[1:])
	seq := dec.ReadU8()
	n := int(dec.ReadU8())
	var (
		out  []Prop
		stat uint8
	)
	for i := 0; i < n; i++ {
		action := dec.ReadU8()
		key := dec.ReadStr8()
		val := dec.ReadStr8()
		v, ok := dev.props[key]
		if !ok {
			out = []Prop{{Key: key}}
			stat = 1
			break
		}
		if action == PropWrite {
			dev.props[key] = val
			v = val
		}
		out = append(out, Prop{Key: key, Value: v})
	}
	enc := NewEncoder(OpProperty)
	enc.WriteU8(seq)
	enc.WriteU8(stat)
	enc.WriteU8(uint8(len(out)))
	for _, p := range out {
		enc.WriteStr8(p.Key)
		enc.WriteStr8(p.Value)
	}
	return enc.Msg()
}

func (dev *fakeDevice) serveRegs(req []byte) []byte {
	dec := NewDecoder(req[1:])
	_ = dec.ReadU8()
	n := int(dec.ReadU8())
	enc := NewEncoder(OpRegs)
	enc.WriteU8(0)
	if n > 0 && dec.Len() > 0 && dec.Rest()[0]&RegWrite != 0 {
		dec = NewDecoder(req[3:])
		for i := 0; i < n; i++ {
			addr := dec.ReadU8() &^ RegWrite
			dev.regs[addr] = dec.ReadU32()
		}
		enc.WriteU8(0)
		return enc.Msg()
	}
	dec = NewDecoder(req[3:])
	enc.WriteU8(uint8(n))
	for i := 0; i < n; i++ {
		addr := dec.ReadU8()
		enc.WriteU8(addr)
		enc.WriteU32(dev.regs[addr])
	}
	return enc.Msg()
}

func dial(t *testing.T, addr string, opts ...Option) *Link {
	t.Helper()
	opts = append([]Option{
		WithLogger(log.New(io.Discard, "link: ", 0)),
		WithClientName("tester"),
	}, opts...)
	l, err := Dial(context.Background(), addr, opts...)
	if err != nil {
		t.Fatalf("could not dial %q: %+v", addr, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestCodec(t *testing.T) {
	enc := NewEncoder(0x42)
	enc.WriteU8(1)
	enc.WriteBool(true)
	enc.WriteU16(0x0203)
	enc.WriteU32(0x04050607)
	enc.WriteI32(-2)
	enc.WriteU64(0x08090a0b0c0d0e0f)
	enc.WriteF64(1.5)
	enc.WriteStr8("abc")
	enc.WriteStr16("hello")
	enc.Write([]byte{0xff})
	if err := enc.Err(); err != nil {
		t.Fatalf("could not encode: %+v", err)
	}

	msg := enc.Msg()
	if got, want := msg[:5], []byte{0x42, 1, 1, 0x03, 0x02}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid little-endian encoding: got=% x, want=% x", got, want)
	}

	dec := NewDecoder(msg[1:])
	var (
		u8  = dec.ReadU8()
		b   = dec.ReadBool()
		u16 = dec.ReadU16()
		u32 = dec.ReadU32()
		i32 = dec.ReadI32()
		u64 = dec.ReadU64()
		f64 = dec.ReadF64()
		s8  = dec.ReadStr8()
		s16 = dec.ReadStr16()
		raw = dec.Rest()
	)
	if err := dec.Err(); err != nil {
		t.Fatalf("could not decode: %+v", err)
	}
	got := []interface{}{u8, b, u16, u32, i32, u64, f64, s8, s16, raw}
	want := []interface{}{
		uint8(1), true, uint16(0x0203), uint32(0x04050607), int32(-2),
		uint64(0x08090a0b0c0d0e0f), 1.5, "abc", "hello", []byte{0xff},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid round-trip:\ngot= %v\nwant=%v", got, want)
	}

	if v := dec.ReadU32(); v != 0 || !errors.Is(dec.Err(), io.ErrUnexpectedEOF) {
		t.Fatalf("invalid short read: v=%d, err=%v", v, dec.Err())
	}

	enc = NewEncoder(0)
	enc.WriteStr8(strings.Repeat("x", 256))
	enc.WriteU8(1)
	if enc.Err() == nil {
		t.Fatalf("expected an error for a too long string")
	}
	if got, want := enc.Len(), 1; got != want {
		t.Fatalf("encoder not sticky: got=%d, want=%d", got, want)
	}
}

func TestAddr(t *testing.T) {
	for _, tc := range []struct {
		host string
		want string
	}{
		{"moku", "tcp://moku:27184"},
		{"10.0.0.2", "tcp://10.0.0.2:27184"},
		{"10.0.0.2:1234", "tcp://10.0.0.2:1234"},
		{"inproc://dev", "inproc://dev"},
	} {
		t.Run(tc.host, func(t *testing.T) {
			if got := Addr(tc.host); got != tc.want {
				t.Fatalf("invalid address: got=%q, want=%q", got, tc.want)
			}
		})
	}

	if got, want := StreamAddr("moku"), "tcp://moku:27186"; got != want {
		t.Fatalf("invalid stream address: got=%q, want=%q", got, want)
	}
	if got, want := Host("tcp://10.0.0.2:1234"), "10.0.0.2"; got != want {
		t.Fatalf("invalid host: got=%q, want=%q", got, want)
	}
}

func TestRegs(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	err := l.WriteRegs(ctx, []Reg{{Addr: 5, Value: 0xdeadbeef}, {Addr: 63, Value: 1}})
	if err != nil {
		t.Fatalf("could not write registers: %+v", err)
	}

	dev.mu.Lock()
	if got, want := dev.regs[5], uint32(0xdeadbeef); got != want {
		t.Fatalf("invalid device register: got=0x%x, want=0x%x", got, want)
	}
	dev.mu.Unlock()

	regs, err := l.ReadRegs(ctx, []uint8{63, 5, 0})
	if err != nil {
		t.Fatalf("could not read registers: %+v", err)
	}
	want := []Reg{{63, 1}, {5, 0xdeadbeef}, {0, 0}}
	if !reflect.DeepEqual(regs, want) {
		t.Fatalf("invalid registers:\ngot= %v\nwant=%v", regs, want)
	}

	_, err = l.ReadRegs(ctx, []uint8{0x80})
	if err == nil {
		t.Fatalf("expected an error for an invalid address")
	}
}

func TestBrokenLink(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	dev.mu.Lock()
	dev.handle = func(req []byte) []byte {
		if req[0] == OpRegs {
			return []byte{OpRegs, 0, 2, 1, 0, 0, 0, 0}
		}
		return nil
	}
	dev.mu.Unlock()

	_, err := l.ReadRegs(ctx, []uint8{1, 2})
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("invalid error type: %T (%v)", err, err)
	}
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("protocol error should break the link: %v", err)
	}

	_, err = l.Property(ctx, "system.name")
	if !errors.Is(err, ErrBroken) {
		t.Fatalf("link should stay broken: %v", err)
	}
}

func TestTimeout(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr, WithTimeout(20*time.Millisecond))

	dev.mu.Lock()
	dev.handle = func(req []byte) []byte {
		if req[0] == OpRegs {
			return nil
		}
		return nil
	}
	dev.mu.Unlock()

	_, err := l.ReadRegs(context.Background(), []uint8{1})
	var nerr *NetError
	if !errors.As(err, &nerr) {
		t.Fatalf("invalid error type: %T (%v)", err, err)
	}
	if !nerr.Timeout() || !nerr.Temporary() {
		t.Fatalf("expected a temporary timeout error: %v", err)
	}
	if l.Err() != nil {
		t.Fatalf("timeout should not break the link: %v", l.Err())
	}

	dev.mu.Lock()
	dev.handle = nil
	dev.mu.Unlock()

	_, err = l.Property(context.Background(), "system.name")
	if err != nil {
		t.Fatalf("link should be usable after a timeout: %+v", err)
	}
}

func TestProperties(t *testing.T) {
	_, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	v, err := l.SetProperty(ctx, "system.name", "bench")
	if err != nil {
		t.Fatalf("could not set property: %+v", err)
	}
	if v != "bench" {
		t.Fatalf("invalid property value: got=%q, want=%q", v, "bench")
	}

	ps, err := l.Properties(ctx, "system.name", "device.serial")
	if err != nil {
		t.Fatalf("could not get properties: %+v", err)
	}
	want := []Prop{{"system.name", "bench"}, {"device.serial", "000123"}}
	if !reflect.DeepEqual(ps, want) {
		t.Fatalf("invalid properties:\ngot= %v\nwant=%v", ps, want)
	}

	_, err = l.Properties(ctx, "system.name", "no.such.key")
	var derr *DeviceError
	if !errors.As(err, &derr) {
		t.Fatalf("invalid error type: %T (%v)", err, err)
	}
	if got, want := derr.Key, "no.such.key"; got != want {
		t.Fatalf("invalid offending key: got=%q, want=%q", got, want)
	}

	keys := make([]string, MaxProps+1)
	_, err = l.Properties(ctx, keys...)
	if err == nil {
		t.Fatalf("expected an error for too many properties")
	}
}

func TestOwnership(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	o, err := l.Owner(ctx)
	if err != nil {
		t.Fatalf("could not query owner: %+v", err)
	}
	if o.Owned() {
		t.Fatalf("device should not be owned: %+v", o)
	}

	o, err = l.TakeOwnership(ctx)
	if err != nil {
		t.Fatalf("could not take ownership: %+v", err)
	}
	if !o.Mine() || o.Name != "tester" {
		t.Fatalf("invalid owner: %+v", o)
	}

	o, err = l.Owner(ctx)
	if err != nil {
		t.Fatalf("could not query owner: %+v", err)
	}
	if !o.Mine() || o.LastSeen.IsZero() {
		t.Fatalf("invalid owner: %+v", o)
	}

	err = l.Close()
	if err != nil {
		t.Fatalf("could not close link: %+v", err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.owner != "" {
		t.Fatalf("close should relinquish ownership (owner=%q)", dev.owner)
	}

	_, err = l.Owner(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("invalid error on closed link: %v", err)
	}
}

func TestDeploy(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	var flags uint8
	dev.mu.Lock()
	dev.props["ipad.name"] = ""
	dev.handle = func(req []byte) []byte {
		if req[0] != OpDeploy {
			return nil
		}
		flags = req[2]
		if req[1] == 99 {
			return []byte{OpDeploy, 3}
		}
		return []byte{OpDeploy, 0, 0, 0x34, 0x12}
	}
	dev.mu.Unlock()

	v, err := l.Deploy(ctx, 7, DeployOptions{SubIndex: 2, Partial: true, ExtClock: true})
	if err != nil {
		t.Fatalf("could not deploy: %+v", err)
	}
	if v != 0x1234 {
		t.Fatalf("invalid version: got=0x%x, want=0x1234", v)
	}
	if got, want := flags, uint8(2<<2|DeployPartial|DeployExtClock); got != want {
		t.Fatalf("invalid flags: got=0x%x, want=0x%x", got, want)
	}

	dev.mu.Lock()
	if got, want := dev.props["ipad.name"], "tester"; got != want {
		t.Fatalf("invalid deployer: got=%q, want=%q", got, want)
	}
	dev.mu.Unlock()

	_, err = l.Deploy(ctx, 99, DeployOptions{})
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Code != 3 {
		t.Fatalf("invalid deploy error: %v", err)
	}

	_, err = l.Deploy(ctx, 1, DeployOptions{SubIndex: MaxSubIndex + 1})
	if err == nil {
		t.Fatalf("expected an error for an invalid sub-index")
	}
}

func TestClock(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	var ext bool
	dev.mu.Lock()
	dev.handle = func(req []byte) []byte {
		if req[0] != OpClock {
			return nil
		}
		switch req[1] {
		case ClockSet:
			ext = req[2] != 0
			return []byte{OpClock, ClockSet, 0}
		default:
			st := uint8(0)
			if ext {
				st = 0x02
			}
			return []byte{OpClock, ClockGet, st}
		}
	}
	dev.mu.Unlock()

	err := l.SetClockSource(ctx, true)
	if err != nil {
		t.Fatalf("could not set clock source: %+v", err)
	}
	req, act, err := l.ClockSource(ctx)
	if err != nil {
		t.Fatalf("could not get clock source: %+v", err)
	}
	if !req || act {
		t.Fatalf("invalid clock source: requested=%v, actual=%v", req, act)
	}
}

func TestStreamPrep(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	var got StreamParams
	dev.mu.Lock()
	dev.handle = func(req []byte) []byte {
		if req[0] != OpStream {
			return nil
		}
		dec := NewDecoder(req[1:])
		n := dec.ReadU32()
		if int(n) != dec.Len() {
			return []byte{OpStream}
		}
		_ = dec.ReadU8()
		action := dec.ReadU8()
		st := StreamRunning
		switch action {
		case StreamPrepare:
			got.Tag = string(dec.Read(4))
			got.Mount = string(dec.Read(1))
			got.Start = dec.ReadU32()
			got.End = dec.ReadU32()
			got.Offset = dec.ReadF64()
			flags := dec.ReadU8()
			got.Ch1 = flags&1 != 0
			got.Ch2 = flags&2 != 0
			got.Type = FileType(flags >> 2)
			got.TimeStep = dec.ReadF64()
			got.Filename = dec.ReadStr16()
			got.Record = dec.ReadStr16()
			got.Proc[0] = dec.ReadStr16()
			got.CSVFmt = dec.ReadStr16()
			got.CSVHdr = dec.ReadStr16()
			st = StreamWaiting
		}
		enc := NewEncoder(OpStream)
		enc.WriteU32(0)
		enc.WriteU8(0)
		enc.WriteU8(action)
		enc.WriteU8(uint8(st))
		switch action {
		case StreamStop:
			enc.WriteU64(42)
		case StreamQuery:
			enc.WriteU64(42)
			enc.WriteI32(0)
			enc.WriteI32(10)
			enc.WriteU8(0)
			enc.WriteStr16("datalog-0001.li")
		}
		enc.PutU32At(1, uint32(enc.Len()-5))
		return enc.Msg()
	}
	dev.mu.Unlock()

	want := StreamParams{
		Tag:      "0001",
		Mount:    MountSD,
		End:      10,
		Ch1:      true,
		Ch2:      true,
		Type:     FileCSV,
		TimeStep: 1e-3,
		Filename: "datalog",
		Record:   "<s32",
		Proc:     [2]string{"*C", "*C+1"},
		CSVFmt:   "{t:.10e},{ch1:.10e}\r\n",
		CSVHdr:   "% header\r\n",
	}
	st, err := l.StreamPrep(ctx, want)
	if err != nil {
		t.Fatalf("could not prepare stream: %+v", err)
	}
	if st != StreamWaiting {
		t.Fatalf("invalid state: got=%v, want=%v", st, StreamWaiting)
	}
	want.Proc = [2]string{"*C|*C+1", ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid stream request:\ngot= %+v\nwant=%+v", got, want)
	}

	st, err = l.StreamStart(ctx)
	if err != nil || st != StreamRunning {
		t.Fatalf("could not start stream: st=%v, err=%+v", st, err)
	}

	status, err := l.StreamStatus(ctx)
	if err != nil {
		t.Fatalf("could not query stream: %+v", err)
	}
	if status.Logged != 42 || status.ToEnd != 10 || status.Filename != "datalog-0001.li" {
		t.Fatalf("invalid status: %+v", status)
	}

	_, n, err := l.StreamStop(ctx)
	if err != nil || n != 42 {
		t.Fatalf("could not stop stream: n=%d, err=%+v", n, err)
	}

	_, err = l.StreamPrep(ctx, StreamParams{Tag: "1", Mount: MountSD})
	if err == nil {
		t.Fatalf("expected an error for an invalid tag")
	}
	_, err = l.StreamPrep(ctx, StreamParams{Tag: "0001", Mount: MountSD, Start: 2, End: 1})
	if err == nil {
		t.Fatalf("expected an error for invalid start/end times")
	}
}

func TestFileStatus(t *testing.T) {
	dev, addr := newFakeDevice(t)
	l := dial(t, addr)
	ctx := context.Background()

	var status Status
	dev.mu.Lock()
	dev.handle = func(req []byte) []byte {
		if req[0] != OpFile {
			return nil
		}
		enc := NewEncoder(OpFile)
		enc.WriteU64(0)
		enc.WriteU8(req[9])
		enc.WriteU8(uint8(status))
		if FileAction(req[9]) == FileRenameStatus {
			enc.WriteU64(1024)
			enc.WriteU8(50)
		}
		enc.PutU64At(1, uint64(enc.Len()-9))
		return enc.Msg()
	}
	dev.mu.Unlock()

	for _, tc := range []struct {
		status Status
		want   error
	}{
		{StatusInval, ErrInvalid},
		{StatusNotFound, ErrNotFound},
		{StatusNoSpace, ErrNoSpace},
		{StatusNoMount, ErrNoMount},
		{StatusAction, ErrAction},
		{StatusBusy, ErrBusy},
		{StatusReadOnly, ErrReadOnly},
		{StatusUnknown, ErrUnknown},
	} {
		t.Run(tc.status.String(), func(t *testing.T) {
			dev.mu.Lock()
			status = tc.status
			dev.mu.Unlock()

			_, err := l.Size(ctx, MountSD, "data.li")
			if !errors.Is(err, tc.want) {
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.want)
			}
			var serr *StatusError
			if !errors.As(err, &serr) {
				t.Fatalf("invalid error type: %T", err)
			}
			if serr.Action != FileSize || serr.Path != "e:data.li" {
				t.Fatalf("invalid status error: %+v", serr)
			}
		})
	}

	dev.mu.Lock()
	status = StatusBusy
	dev.mu.Unlock()

	rs, err := l.RenameStatus(ctx)
	if err != nil {
		t.Fatalf("could not get rename status: %+v", err)
	}
	if want := (RenameStatus{Busy: true, Size: 1024, Percent: 50}); rs != want {
		t.Fatalf("invalid rename status: got=%+v, want=%+v", rs, want)
	}
}
