// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/go-lpc/moku/bitfield"
	"github.com/go-lpc/moku/link"
)

var (
	errNoBatch = errors.New("regs: no batch in progress")
)

// Device is the register I/O side of a device link.
type Device interface {
	ReadRegs(ctx context.Context, addrs []uint8) ([]link.Reg, error)
	WriteRegs(ctx context.Context, regs []link.Reg) error
}

// Option configures a Store.
type Option func(*Store)

// WithAutoCommit enables committing after every Set outside of a batch.
func WithAutoCommit(v bool) Option {
	return func(s *Store) {
		s.auto = v
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(msg *log.Logger) Option {
	return func(s *Store) {
		s.msg = msg
	}
}

// Store shadows the registers of one instrument.
//
// Writes go to the local shadow and only reach the device on Commit.
// Reads prefer the local shadow over the last committed (remote) value.
type Store struct {
	mu  sync.Mutex
	dev Device
	msg *log.Logger

	auto  bool
	depth int // batch nesting level

	local  [NumRegs]uint32
	dirty  [NumRegs]bool
	remote [NumRegs]uint32

	stateid uint8
}

// New returns a register store bound to dev.
func New(dev Device, opts ...Option) *Store {
	s := &Store{
		dev: dev,
		msg: log.New(io.Discard, "regs: ", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StateID returns the generation ID of the last successful commit.
func (s *Store) StateID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateid
}

// Pending returns the number of locally modified registers.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.dirty {
		if v {
			n++
		}
	}
	return n
}

// Remote returns the last known committed value of register i.
func (s *Store) Remote(i int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote[i]
}

// Local returns the pending value of register i, if any.
func (s *Store) Local(i int) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[i], s.dirty[i]
}

// Discard drops all pending modifications.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = [NumRegs]bool{}
}

// Read decodes field f, in user units.
func (s *Store) Read(f bitfield.Field) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(f)
	if err != nil {
		return 0, err
	}
	return f.Decode(cur), nil
}

// ReadRaw decodes field f, in register units.
func (s *Store) ReadRaw(f bitfield.Field) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(f)
	if err != nil {
		return 0, err
	}
	return f.DecodeRaw(cur), nil
}

// Write encodes v into field f of the local shadow.
// Write never performs any I/O.
func (s *Store) Write(f bitfield.Field, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(f)
	if err != nil {
		return err
	}
	out, err := f.Encode(cur, v)
	if err != nil {
		return fmt.Errorf("regs: could not write %q: %w", f.Name, err)
	}
	s.store(f, out)
	return nil
}

// WriteRaw stores the register value n into field f of the local shadow.
func (s *Store) WriteRaw(f bitfield.Field, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.current(f)
	if err != nil {
		return err
	}
	out, err := f.EncodeRaw(cur, n)
	if err != nil {
		return fmt.Errorf("regs: could not write %q: %w", f.Name, err)
	}
	s.store(f, out)
	return nil
}

// Set writes v into field f and, if auto-commit is enabled and no
// batch is in progress, commits the pending registers.
func (s *Store) Set(ctx context.Context, f bitfield.Field, v float64) error {
	err := s.Write(f, v)
	if err != nil {
		return err
	}
	return s.autoCommit(ctx)
}

// SetRaw is like Set, in register units.
func (s *Store) SetRaw(ctx context.Context, f bitfield.Field, n int64) error {
	err := s.WriteRaw(f, n)
	if err != nil {
		return err
	}
	return s.autoCommit(ctx)
}

func (s *Store) autoCommit(ctx context.Context) error {
	s.mu.Lock()
	auto := s.auto && s.depth == 0
	s.mu.Unlock()
	if !auto {
		return nil
	}
	return s.Commit(ctx)
}

// Begin opens a batch: writes performed until the matching End are
// committed together. Batches nest.
func (s *Store) Begin() {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
}

// End closes a batch, committing the pending registers when the
// outermost batch is closed.
func (s *Store) End(ctx context.Context) error {
	s.mu.Lock()
	if s.depth == 0 {
		s.mu.Unlock()
		return errNoBatch
	}
	s.depth--
	outer := s.depth == 0
	s.mu.Unlock()

	if !outer {
		return nil
	}
	return s.Commit(ctx)
}

// Batch runs fn inside a batch. Pending writes are committed when fn
// succeeds and the batch is the outermost one.
func (s *Store) Batch(ctx context.Context, fn func() error) error {
	s.Begin()
	err := fn()
	if err != nil {
		s.mu.Lock()
		s.depth--
		s.mu.Unlock()
		return err
	}
	return s.End(ctx)
}

// Commit sends all pending registers to the device in a single bulk
// write, stamped with the next generation ID.
// On failure, neither the remote shadow nor the generation ID change.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.stateid + 1
	state := s.get(RegState)
	stamp, err := StateID.EncodeRaw([]uint32{state}, int64(next))
	if err == nil {
		stamp, err = StateIDAlt.EncodeRaw(stamp, int64(next))
	}
	if err != nil {
		return fmt.Errorf("regs: could not stamp state id: %w", err)
	}

	var (
		regs  = make([]link.Reg, 0, NumRegs)
		local = s.local
		dirty = s.dirty
	)
	local[RegState] = stamp[0]
	dirty[RegState] = true
	for i, ok := range dirty {
		if !ok {
			continue
		}
		regs = append(regs, link.Reg{Addr: uint8(i), Value: local[i]})
	}

	s.msg.Printf("commit state=%d (%d registers)", next, len(regs))
	err = s.dev.WriteRegs(ctx, regs)
	if err != nil {
		return fmt.Errorf("regs: could not commit %d registers: %w", len(regs), err)
	}

	for _, r := range regs {
		s.remote[r.Addr] = r.Value
	}
	s.dirty = [NumRegs]bool{}
	s.stateid = next
	return nil
}

// Resync reads back all registers from the device, replacing the
// remote shadow. Pending local writes are kept.
func (s *Store) Resync(ctx context.Context) error {
	addrs := make([]uint8, NumRegs)
	for i := range addrs {
		addrs[i] = uint8(i)
	}

	regs, err := s.dev.ReadRegs(ctx, addrs)
	if err != nil {
		return fmt.Errorf("regs: could not resync registers: %w", err)
	}

	var remote [NumRegs]uint32
	for _, r := range regs {
		if int(r.Addr) >= NumRegs {
			return fmt.Errorf("regs: invalid register address %d", r.Addr)
		}
		remote[r.Addr] = r.Value
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = remote
	return nil
}

// SetRunning starts or holds the instrument in reset, and commits.
func (s *Store) SetRunning(ctx context.Context, run bool) error {
	v := 1.0
	if run {
		v = 0
	}
	err := s.Write(InstrReset, v)
	if err != nil {
		return err
	}
	return s.Commit(ctx)
}

func (s *Store) get(i int) uint32 {
	if s.dirty[i] {
		return s.local[i]
	}
	return s.remote[i]
}

func (s *Store) current(f bitfield.Field) ([]uint32, error) {
	out := make([]uint32, len(f.Regs))
	for i, r := range f.Regs {
		if r < 0 || r >= NumRegs {
			return nil, fmt.Errorf("regs: field %q: invalid register %d", f.Name, r)
		}
		out[i] = s.get(r)
	}
	return out, nil
}

func (s *Store) store(f bitfield.Field, vs []uint32) {
	for i, r := range f.Regs {
		s.local[r] = vs[i]
		s.dirty[r] = true
	}
}
