// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/xfer"
)

// DefaultName is the base name of log files.
const DefaultName = "MokuDataloggerData"

// Device is the streaming side of a device link.
type Device interface {
	StreamPrep(ctx context.Context, p link.StreamParams) (link.StreamState, error)
	StreamStart(ctx context.Context) (link.StreamState, error)
	StreamStop(ctx context.Context) (link.StreamState, uint64, error)
	StreamStatus(ctx context.Context) (link.StreamStatus, error)
	Free(ctx context.Context, mp string) (total, free uint64, err error)
}

var _ Device = (*link.Link)(nil)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger of the session.
func WithLogger(msg *log.Logger) Option {
	return func(s *Session) {
		s.msg = msg
	}
}

// WithClock sets the function returning the current time, used to
// name log files.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session drives the sessions of one device, one at a time.
type Session struct {
	dev  Device
	addr string // data port of the device
	msg  *log.Logger
	now  func() time.Time

	seq     int
	open    bool
	tag     string
	params  Params
	state   State
	logfile string

	recv  *Receiver
	dec   *li.Decoder
	ended bool
}

// New returns a session driver for dev. Network sessions collect their
// data from the data port at addr.
func New(dev Device, addr string, opts ...Option) *Session {
	s := &Session{
		dev:  dev,
		addr: addr,
		msg:  log.New(io.Discard, "stream: ", 0),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates p and starts a new session.
//
// Start fails with ErrBusy until the previous session was stopped.
// A session refused by the device is left open and must be stopped.
func (s *Session) Start(ctx context.Context, p Params) error {
	if s.open {
		return fmt.Errorf("stream: could not start session: %w", ErrBusy)
	}

	err := p.validate()
	if err != nil {
		return err
	}

	if p.Type != link.FileNet {
		_, free, err := s.dev.Free(ctx, p.Mount())
		if err != nil {
			return fmt.Errorf("stream: could not check space on %q: %w", p.Mount(), err)
		}
		if need := EstimateLogSize(p); need > free {
			return fmt.Errorf(
				"stream: log needs %d kB, %d kB available: %w",
				need>>10, free>>10, ErrNoSpace,
			)
		}
	}

	if p.Setup != nil {
		err = p.Setup(ctx)
		if err != nil {
			return fmt.Errorf("stream: could not set up session: %w", err)
		}
	}

	s.seq = (s.seq + 1) % 10000
	name := p.Name
	if name == "" {
		name = DefaultName
	}

	s.open = true
	s.tag = fmt.Sprintf("%04d", s.seq)
	s.params = p
	s.state = None
	s.logfile = ""
	s.ended = false

	start := seconds(p.Delay)
	lp := link.StreamParams{
		Tag:      s.tag,
		Mount:    p.Mount(),
		Start:    start,
		End:      start + seconds(p.Duration),
		Ch1:      p.Ch1,
		Ch2:      p.Ch2,
		Type:     p.Type,
		TimeStep: p.TimeStep,
		Filename: name + "_" + s.now().Format("20060102_150405"),
		Record:   p.Record,
		Proc:     p.Proc,
		CSVFmt:   p.CSVFmt,
		CSVHdr:   p.CSVHdr,
	}

	st, err := s.dev.StreamPrep(ctx, lp)
	if err != nil {
		var derr *link.DeviceError
		if errors.As(err, &derr) {
			s.state = st
			return fmt.Errorf("stream: could not prepare session: %w", &Error{State: st})
		}
		return fmt.Errorf("stream: could not prepare session: %w", err)
	}
	s.state = st

	if p.Type == link.FileNet {
		err = s.subscribe(ctx, p)
		if err != nil {
			return err
		}
	}

	s.msg.Printf("starting session %s (%v)", s.tag, p.Type)
	st, err = s.dev.StreamStart(ctx)
	if err != nil {
		return fmt.Errorf("stream: could not start session: %w", err)
	}
	s.state = st
	err = check(st)
	if err != nil {
		return err
	}

	status, err := s.dev.StreamStatus(ctx)
	if err != nil {
		return fmt.Errorf("stream: could not query session: %w", err)
	}
	s.state = status.State
	s.logfile = strings.TrimSpace(status.Filename)
	return nil
}

func (s *Session) subscribe(ctx context.Context, p Params) error {
	hdr := li.Header{
		Ch1:       p.Ch1,
		Ch2:       p.Ch2,
		InstrID:   p.InstrID,
		InstrVer:  p.InstrVer,
		TimeStep:  p.TimeStep,
		StartTime: uint64(s.now().Unix()),
		Record:    p.Record,
		CSVFmt:    p.CSVFmt,
		CSVHdr:    p.CSVHdr,
	}
	for i, on := range []bool{p.Ch1, p.Ch2} {
		if !on {
			continue
		}
		hdr.Calib = append(hdr.Calib, p.Calib[i])
		hdr.Proc = append(hdr.Proc, p.Proc[i])
	}

	dec, err := li.NewDecoder(hdr)
	if err != nil {
		return fmt.Errorf("stream: could not create decoder: %w", err)
	}

	recv, err := Subscribe(ctx, s.addr, s.tag, s.msg)
	if err != nil {
		return err
	}
	s.dec = dec
	s.recv = recv
	return nil
}

// Stop stops the current session, releases its subscription and
// returns its final state. Stop must be called once per session,
// whatever the way it ended, before a new session can start.
func (s *Session) Stop(ctx context.Context) (State, error) {
	st, n, err := s.dev.StreamStop(ctx)

	if s.recv != nil {
		cerr := s.recv.Close()
		if cerr != nil {
			s.msg.Printf("could not close receiver: %+v", cerr)
		}
	}
	s.recv = nil
	s.dec = nil
	s.ended = false
	s.open = false

	if err != nil {
		return st, fmt.Errorf("stream: could not stop session: %w", err)
	}
	s.state = st
	s.msg.Printf("stopped session %s (state=%v, logged=%d)", s.tag, st, n)
	return st, nil
}

// Status returns the status of the current, or most recent, session.
func (s *Session) Status(ctx context.Context) (link.StreamStatus, error) {
	status, err := s.dev.StreamStatus(ctx)
	if err != nil {
		return status, fmt.Errorf("stream: could not query session: %w", err)
	}
	s.state = status.State
	return status, nil
}

// Poll returns the state of the current session.
// Poll fails with an *Error for the error states only.
func (s *Session) Poll(ctx context.Context) (State, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return None, err
	}
	return status.State, check(status.State)
}

// Completed reports whether the current session will not log any more
// data.
func (s *Session) Completed(ctx context.Context) (bool, error) {
	st, err := s.Poll(ctx)
	if err != nil {
		return false, err
	}
	return Completed(st), nil
}

// Progress returns an estimate, in percent, of the completion of the
// current session. 100 is only returned once the session completed.
func (s *Session) Progress(ctx context.Context) (int, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return 0, err
	}
	err = check(status.State)
	if err != nil {
		return 0, err
	}
	if Completed(status.State) {
		return 100, nil
	}

	dur := math.Abs(float64(status.ToEnd) - float64(status.ToStart))
	if dur <= 0 {
		return 99, nil
	}
	pct := int(math.Abs(float64(status.ToStart)/dur) * 100)
	if pct > 99 {
		pct = 99
	}
	return pct, nil
}

// State returns the last known state of the current session.
func (s *Session) State() State { return s.state }

// Tag returns the tag of the current, or most recent, session.
func (s *Session) Tag() string { return s.tag }

// Filename returns the base name, without extension, of the current
// or most recent log file.
func (s *Session) Filename() string {
	if i := strings.Index(s.logfile, ":"); i >= 0 {
		return s.logfile[i+1:]
	}
	return s.logfile
}

// pending returns the number of processed records available on every
// enabled channel.
func (s *Session) pending() int {
	n := -1
	for i, on := range []bool{s.params.Ch1, s.params.Ch2} {
		if !on {
			continue
		}
		if v := len(s.dec.Processed(i)); n < 0 || v < n {
			n = v
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

func (s *Session) satisfied(n int) bool {
	switch {
	case n < 0:
		return false
	case n == 0:
		return s.pending() > 0
	default:
		return s.pending() >= n
	}
}

// Samples returns up to n processed records per enabled channel of the
// current network session. The entry of a disabled channel is empty.
//
// A zero n returns the records available, waiting for at least one.
// A -1 n waits for the end of the session and returns all its records.
// Each chunk is waited for at most timeout. A zero timeout does not
// wait: ErrNoData is returned when no record is available.
// ErrTimeout is returned when no chunk arrived in time, ErrEnded once
// the last records of the session were returned.
func (s *Session) Samples(n int, timeout time.Duration) ([2][]li.Record, error) {
	var out [2][]li.Record
	switch {
	case n < -1:
		return out, fmt.Errorf("stream: invalid number of samples %d", n)
	case timeout < 0:
		return out, fmt.Errorf("stream: invalid timeout %v", timeout)
	case s.recv == nil:
		return out, ErrNoSession
	case s.ended && s.pending() == 0:
		return out, ErrEnded
	}

loop:
	for !s.ended && !s.satisfied(n) {
		c, err := s.recv.Next(timeout)
		switch {
		case err == nil:
		case errors.Is(err, ErrEnded):
			s.ended = true
			break loop
		case errors.Is(err, ErrNoData):
			if s.pending() == 0 {
				return out, ErrNoData
			}
			break loop
		default:
			return out, err
		}

		if c.End() {
			s.ended = true
			break
		}
		err = s.feed(c)
		if err != nil {
			return out, err
		}
	}

	cnt := s.pending()
	if n > 0 && n < cnt {
		cnt = n
	}
	if cnt == 0 && s.ended {
		return out, ErrEnded
	}

	for i, on := range []bool{s.params.Ch1, s.params.Ch2} {
		if !on {
			continue
		}
		out[i] = append([]li.Record(nil), s.dec.Processed(i)[:cnt]...)
	}
	s.dec.ClearProcessed(cnt)
	return out, nil
}

func (s *Session) feed(c Chunk) error {
	err := s.dec.SetCoeff(c.Ch, c.Coeff)
	if err != nil {
		return fmt.Errorf("stream: could not calibrate channel %d: %w", c.Ch, err)
	}
	err = s.dec.ParseAt(c.Ch, c.Data, c.Start)
	if err != nil {
		return fmt.Errorf("stream: could not decode channel %d: %w", c.Ch, err)
	}
	return nil
}

// UploadLog downloads the files of the most recent log, from internal
// storage and from the SD card, into dir. Existing local files are
// renamed out of the way. UploadLog returns the local file names.
func (s *Session) UploadLog(ctx context.Context, c *xfer.Client, dir string) ([]string, error) {
	target := s.Filename()
	if target == "" {
		return nil, fmt.Errorf("stream: no data logged in current session")
	}

	var out []string
	for _, mp := range []string{link.MountInternal, link.MountSD} {
		fs, err := c.List(ctx, mp, false, false)
		if err != nil {
			if errors.Is(err, link.ErrNoMount) {
				s.msg.Printf("mount point %q not mounted", mp)
				continue
			}
			return out, err
		}
		for _, f := range fs {
			if !strings.HasPrefix(f.Name, target) {
				continue
			}
			fname := filepath.Join(dir, f.Name)
			err = moveAside(fname)
			if err != nil {
				return out, err
			}
			err = c.DownloadFile(ctx, mp, f.Name, fname, 0)
			if err != nil {
				return out, err
			}
			s.msg.Printf("uploaded %q", link.Path(mp, f.Name))
			out = append(out, fname)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("stream: log files of %q not present", target)
	}
	return out, nil
}

// moveAside renames an existing fname to the first free fname-N.
func moveAside(fname string) error {
	_, err := os.Stat(fname)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	for i := 1; ; i++ {
		alt := fmt.Sprintf("%s-%d", fname, i)
		_, err := os.Stat(alt)
		if errors.Is(err, os.ErrNotExist) {
			return os.Rename(fname, alt)
		}
	}
}
