// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"golang.org/x/xerrors"

	"github.com/go-lpc/moku/config"
	"github.com/go-lpc/moku/instr"
	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/stream"
)

// node drives a datalogger network session on behalf of a TDAQ run.
type node struct {
	cfg  config.Config
	msg  *log.Logger
	rate float64
	ch   [2]bool

	mu   sync.Mutex
	dev  *link.Link
	dl   *instr.Datalogger
	beg  uint64 // index of the next sample
	pend *frame // frame taken from the session but not yet delivered

	data chan []byte
}

func newNode(cfg config.Config) *node {
	return &node{
		cfg:  cfg,
		msg:  cfg.Logger("moku-tdaq: "),
		rate: 1e3,
		ch:   [2]bool{true, true},
	}
}

// configure applies the run settings: a channel mask and a sample
// rate. An empty body keeps the current settings.
func (dev *node) configure(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	dec := tdaq.NewDecoder(bytes.NewReader(body))
	mask := dec.ReadU8()
	rate := dec.ReadF64()
	if err := dec.Err(); err != nil {
		return xerrors.Errorf("could not decode run settings: %w", err)
	}
	if mask&0x3 == 0 || mask&^0x3 != 0 {
		return xerrors.Errorf("invalid channel mask 0x%x", mask)
	}
	if rate <= 0 {
		return xerrors.Errorf("invalid sample rate %g", rate)
	}
	dev.ch = [2]bool{mask&1 != 0, mask&2 != 0}
	dev.rate = rate
	return nil
}

// open connects to the device and deploys the datalogger.
func (dev *node) open(ctx context.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dev != nil {
		return xerrors.Errorf("device %q already opened", dev.cfg.Device.Addr)
	}

	l, err := link.Dial(ctx, dev.cfg.Device.Addr, dev.cfg.LinkOptions()...)
	if err != nil {
		return xerrors.Errorf("could not connect to %q: %w", dev.cfg.Device.Addr, err)
	}

	err = dev.setup(ctx, l)
	if err != nil {
		_ = l.Close()
		return err
	}
	dev.dev = l
	dev.data = make(chan []byte, 1024)
	return nil
}

func (dev *node) setup(ctx context.Context, l *link.Link) error {
	_, err := l.TakeOwnership(ctx)
	if err != nil {
		return xerrors.Errorf("could not take ownership: %w", err)
	}

	dl := instr.NewDatalogger(instr.WithLogger(dev.msg))
	dl.Attach(l, dev.cfg.StreamAddr())
	err = dl.Deploy(ctx)
	if err != nil {
		return xerrors.Errorf("could not deploy datalogger: %w", err)
	}
	err = dl.SetSamplerate(dev.rate)
	if err != nil {
		return err
	}
	err = dl.Commit(ctx)
	if err != nil {
		return xerrors.Errorf("could not commit datalogger settings: %w", err)
	}
	dev.dl = dl
	return nil
}

func (dev *node) start(ctx context.Context) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dl == nil {
		return instr.ErrNotDeployed
	}
	dev.beg = 0
	dev.pend = nil
	err := dev.dl.StartSession(ctx, instr.SessionParams{
		Ch1:  dev.ch[0],
		Ch2:  dev.ch[1],
		Type: link.FileNet,
	})
	if err != nil {
		return xerrors.Errorf("could not start session: %w", err)
	}
	return nil
}

// stop stops the session and returns its final state and the number of
// samples collected.
func (dev *node) stop(ctx context.Context) (stream.State, uint64, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dl == nil {
		return stream.None, 0, instr.ErrNotDeployed
	}
	st, err := dev.dl.StopSession(ctx)
	return st, dev.beg, err
}

func (dev *node) close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.dev == nil {
		return nil
	}
	err := dev.dev.Close()
	dev.dev = nil
	dev.dl = nil
	return err
}

type frame struct {
	data []byte
	n    uint64 // number of samples
}

// collect turns the samples of the running session into frames, until
// ctx is done or the session ends.
// Samples are only counted once their frame is delivered. A frame left
// undelivered when ctx is done is delivered first by the next call.
func (dev *node) collect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, err := dev.next()
		switch {
		case err == nil:
		case errors.Is(err, stream.ErrTimeout), errors.Is(err, stream.ErrNoData):
			continue
		case errors.Is(err, stream.ErrEnded), errors.Is(err, stream.ErrNoSession):
			return nil
		default:
			return err
		}

		select {
		case dev.data <- f.data:
			dev.commit()
		case <-ctx.Done():
			return nil
		}
	}
}

// next returns the pending frame, or a new one made of the available
// samples.
func (dev *node) next() (*frame, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.pend != nil {
		return dev.pend, nil
	}
	if dev.dl == nil {
		return nil, instr.ErrNotDeployed
	}
	rs, err := dev.dl.GetSamples(0, 100*time.Millisecond)
	if err != nil {
		return nil, err
	}

	o := new(bytes.Buffer)
	err = encodeSamples(o, dev.dl.Session().Tag(), dev.beg, 1/dev.rate, rs)
	if err != nil {
		return nil, xerrors.Errorf("could not encode samples: %w", err)
	}
	dev.pend = &frame{
		data: o.Bytes(),
		n:    uint64(max(len(rs[0]), len(rs[1]))),
	}
	return dev.pend, nil
}

// commit accounts for the delivered pending frame.
func (dev *node) commit() {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.pend == nil {
		return
	}
	dev.beg += dev.pend.n
	dev.pend = nil
}

// Samples is a block of samples published on the output port.
type Samples struct {
	Tag      string
	Beg      uint64  // index of the first sample
	TimeStep float64 // in seconds
	Data     [2][]float64
}

func encodeSamples(w io.Writer, tag string, beg uint64, step float64, rs [2][]li.Record) error {
	var mask uint8
	for i, ch := range rs {
		if len(ch) > 0 {
			mask |= 1 << i
		}
	}

	enc := tdaq.NewEncoder(w)
	enc.WriteStr(tag)
	enc.WriteU64(beg)
	enc.WriteF64(step)
	enc.WriteU8(mask)
	for _, ch := range rs {
		if len(ch) == 0 {
			continue
		}
		enc.WriteU32(uint32(len(ch)))
		for _, rec := range ch {
			enc.WriteF64(rec.Scalar().Float())
		}
	}
	return enc.Err()
}

func decodeSamples(r io.Reader) (Samples, error) {
	var (
		s   Samples
		dec = tdaq.NewDecoder(r)
	)
	s.Tag = dec.ReadStr()
	s.Beg = dec.ReadU64()
	s.TimeStep = dec.ReadF64()
	mask := dec.ReadU8()
	for i := range s.Data {
		if mask&(1<<i) == 0 {
			continue
		}
		n := int(dec.ReadU32())
		if dec.Err() != nil {
			break
		}
		s.Data[i] = make([]float64, n)
		for j := range s.Data[i] {
			s.Data[i][j] = dec.ReadF64()
		}
	}
	return s, dec.Err()
}

func (dev *node) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	err := dev.configure(req.Body)
	if err != nil {
		ctx.Msg.Errorf("could not configure: %+v", err)
		return err
	}
	return nil
}

func (dev *node) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.open(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not open device: %+v", err)
		return err
	}
	return nil
}

func (dev *node) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := dev.close()
	if err != nil {
		ctx.Msg.Errorf("could not close device: %+v", err)
		return err
	}
	return dev.open(ctx.Ctx)
}

func (dev *node) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return dev.start(ctx.Ctx)
}

func (dev *node) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	st, n, err := dev.stop(ctx.Ctx)
	ctx.Msg.Debugf("received /stop command... -> state=%v, n=%d", st, n)
	return err
}

func (dev *node) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

func (dev *node) samples(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *node) run(ctx tdaq.Context) error {
	return dev.collect(ctx.Ctx)
}
