// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package instr composes instruments out of the register store, the
// streaming session and small capability blocks.
package instr // import "github.com/go-lpc/moku/instr"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/go-lpc/moku/bitfield"
	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/stream"
)

var (
	// ErrNotDeployed is returned by operations needing a deployed
	// instrument.
	ErrNotDeployed = errors.New("instr: instrument not deployed")

	// ErrChannel is returned for channels other than 1 and 2.
	ErrChannel = errors.New("instr: invalid channel")
)

// Device is the part of a device link used by instruments.
type Device interface {
	regs.Device
	stream.Device
	Deploy(ctx context.Context, id uint8, opts link.DeployOptions) (uint16, error)
	ClockSource(ctx context.Context) (requested, actual bool, err error)
}

var _ Device = (*link.Link)(nil)

// Instrument is a bitstream deployed on a device and the registers it
// exposes.
type Instrument interface {
	ID() uint8
	Attach(dev Device, addr string)
	Deploy(ctx context.Context) error
	ReadField(f bitfield.Field) (float64, error)
	WriteField(f bitfield.Field, v float64) error
	Commit(ctx context.Context) error
	Resync(ctx context.Context) error
}

// Logger is an instrument able to log or stream its channels.
type Logger interface {
	Instrument
	StartSession(ctx context.Context, p SessionParams) error
	StopSession(ctx context.Context) (stream.State, error)
	PollSession(ctx context.Context) (stream.State, error)
	GetSamples(n int, timeout time.Duration) ([2][]li.Record, error)
}

// HasFrontend is an instrument with configurable analog inputs.
type HasFrontend interface {
	SetFrontend(ch int, fe Frontend) error
	Frontend(ch int) (Frontend, error)
}

// HasMonitor is an instrument routing internal signal points to its
// channels.
type HasMonitor interface {
	SetMonitor(ch int, source string) error
	Monitor(ch int) (string, error)
	MonitorSources() []string
}

// SessionParams describes a logging or streaming session.
type SessionParams struct {
	Ch1      bool
	Ch2      bool
	Delay    time.Duration
	Duration time.Duration // zero logs until stopped
	SD       bool          // log to the SD card
	Type     link.FileType
	Name     string // base name of the log file
}

// Option configures an instrument.
type Option func(*Base)

// WithLogger sets the logger of the instrument.
func WithLogger(msg *log.Logger) Option {
	return func(b *Base) {
		b.msg = msg
	}
}

// WithDeployOptions sets the options used to deploy the instrument.
func WithDeployOptions(opts link.DeployOptions) Option {
	return func(b *Base) {
		b.dopts = opts
	}
}

// WithClock sets the function returning the current time.
func WithClock(now func() time.Time) Option {
	return func(b *Base) {
		b.now = now
	}
}

// Base holds what all instruments share: their device, register store
// and identity.
type Base struct {
	id    uint8
	name  string
	dev   Device
	addr  string // data port of the device
	regs  *regs.Store
	build uint16
	dopts link.DeployOptions
	msg   *log.Logger
	now   func() time.Time
}

func newBase(id uint8, name string, opts []Option) Base {
	b := Base{
		id:   id,
		name: name,
		msg:  log.New(io.Discard, "instr: ", 0),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// ID returns the instrument bitstream identifier.
func (b *Base) ID() uint8 { return b.id }

// Name returns the instrument name.
func (b *Base) Name() string { return b.name }

// Build returns the build number reported when the instrument was
// deployed.
func (b *Base) Build() uint16 { return b.build }

// Attach binds the instrument to dev. addr is the data port of the
// device.
func (b *Base) Attach(dev Device, addr string) {
	b.dev = dev
	b.addr = addr
	b.regs = nil
}

// Deploy loads the instrument bitstream and reads back its registers.
func (b *Base) Deploy(ctx context.Context) error {
	if b.dev == nil {
		return fmt.Errorf("instr: could not deploy %s: no device attached", b.name)
	}

	build, err := b.dev.Deploy(ctx, b.id, b.dopts)
	if err != nil {
		return fmt.Errorf("instr: could not deploy %s: %w", b.name, err)
	}
	b.build = build
	b.regs = regs.New(b.dev, regs.WithLogger(b.msg))

	err = b.regs.Resync(ctx)
	if err != nil {
		return fmt.Errorf("instr: could not sync %s registers: %w", b.name, err)
	}
	b.msg.Printf("deployed %s (id=%d, build=%d)", b.name, b.id, build)
	return nil
}

// Registers returns the register store of the deployed instrument.
func (b *Base) Registers() (*regs.Store, error) {
	if b.regs == nil {
		return nil, ErrNotDeployed
	}
	return b.regs, nil
}

// ReadField reads field f, pending writes included.
func (b *Base) ReadField(f bitfield.Field) (float64, error) {
	if b.regs == nil {
		return 0, ErrNotDeployed
	}
	return b.regs.Read(f)
}

// WriteField writes v into field f. The value reaches the device on
// the next commit.
func (b *Base) WriteField(f bitfield.Field, v float64) error {
	if b.regs == nil {
		return ErrNotDeployed
	}
	return b.regs.Write(f, v)
}

// Commit sends the pending writes to the device.
func (b *Base) Commit(ctx context.Context) error {
	if b.regs == nil {
		return ErrNotDeployed
	}
	return b.regs.Commit(ctx)
}

// Resync reads back the registers of the device.
func (b *Base) Resync(ctx context.Context) error {
	if b.regs == nil {
		return ErrNotDeployed
	}
	return b.regs.Resync(ctx)
}

// SetRunning starts or holds the instrument in reset.
func (b *Base) SetRunning(ctx context.Context, run bool) error {
	if b.regs == nil {
		return ErrNotDeployed
	}
	return b.regs.SetRunning(ctx, run)
}

// Frontend is the configuration of an analog input.
type Frontend struct {
	FiftyOhm bool // 50 Ohm termination, else 1 MOhm
	Atten    bool // 10x attenuation
	AC       bool // AC coupling
}

func (fe Frontend) relays() float64 {
	var v int
	if fe.FiftyOhm {
		v |= regs.RelayLowZ
	}
	if fe.Atten {
		v |= regs.RelayLowG
	}
	if !fe.AC {
		v |= regs.RelayDC
	}
	return float64(v)
}

func frontendOf(v int) Frontend {
	return Frontend{
		FiftyOhm: v&regs.RelayLowZ != 0,
		Atten:    v&regs.RelayLowG != 0,
		AC:       v&regs.RelayDC == 0,
	}
}

// frontend drives the input relays of both channels.
type frontend struct {
	base *Base
}

func relayField(ch int) (bitfield.Field, error) {
	switch ch {
	case 1:
		return regs.RelaysCh1, nil
	case 2:
		return regs.RelaysCh2, nil
	}
	return bitfield.Field{}, fmt.Errorf("%w %d", ErrChannel, ch)
}

func (fe frontend) SetFrontend(ch int, cfg Frontend) error {
	f, err := relayField(ch)
	if err != nil {
		return err
	}
	return fe.base.WriteField(f, cfg.relays())
}

func (fe frontend) Frontend(ch int) (Frontend, error) {
	f, err := relayField(ch)
	if err != nil {
		return Frontend{}, err
	}
	v, err := fe.base.ReadField(f)
	if err != nil {
		return Frontend{}, err
	}
	return frontendOf(int(v)), nil
}

// monitor routes named signal points to the two channels.
type monitor struct {
	base    *Base
	fields  [2]bitfield.Field
	sources map[string]int64
}

func (m monitor) field(ch int) (bitfield.Field, error) {
	if ch < 1 || ch > 2 {
		return bitfield.Field{}, fmt.Errorf("%w %d", ErrChannel, ch)
	}
	return m.fields[ch-1], nil
}

func (m monitor) SetMonitor(ch int, source string) error {
	f, err := m.field(ch)
	if err != nil {
		return err
	}
	v, ok := m.sources[source]
	if !ok {
		return fmt.Errorf("instr: invalid monitor source %q (valid: %q)", source, m.MonitorSources())
	}
	return m.base.WriteField(f, float64(v))
}

func (m monitor) Monitor(ch int) (string, error) {
	f, err := m.field(ch)
	if err != nil {
		return "", err
	}
	v, err := m.base.ReadField(f)
	if err != nil {
		return "", err
	}
	for name, src := range m.sources {
		if float64(src) == v {
			return name, nil
		}
	}
	return "", fmt.Errorf("instr: unknown monitor source %v on channel %d", v, ch)
}

func (m monitor) MonitorSources() []string {
	out := make([]string, 0, len(m.sources))
	for name := range m.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
