// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim implements a simulated Moku device.
//
// The simulated device answers the control protocol on a reply socket,
// holds its files in a Store and publishes the data of network
// sessions on a publish socket.
package sim // import "github.com/go-lpc/moku/sim"

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	_ "go.nanomsg.org/mangos/v3/transport/all"
	"golang.org/x/sync/errgroup"
)

// Mount describes a mount point of the simulated device.
type Mount struct {
	Name     string
	Size     uint64 // capacity, in bytes
	ReadOnly bool
	Missing  bool // not mounted
}

// DefaultMounts returns the mount points of a fresh device.
func DefaultMounts() []Mount {
	return []Mount{
		{Name: link.MountInternal, Size: 512 << 20},
		{Name: link.MountSD, Size: 8 << 30},
		{Name: link.MountBitstream, Size: 64 << 20},
		{Name: link.MountFirmware, Size: 256 << 20},
		{Name: link.MountPack, Size: 64 << 20},
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger of the server.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) {
		srv.msg = msg
	}
}

// WithStore sets the store holding the device files.
func WithStore(s Store) Option {
	return func(srv *Server) {
		srv.store = s
	}
}

// WithMounts replaces the mount points of the device.
func WithMounts(mps ...Mount) Option {
	return func(srv *Server) {
		srv.mounts = make(map[string]Mount, len(mps))
		for _, mp := range mps {
			srv.mounts[mp.Name] = mp
		}
	}
}

// WithProperties sets initial device properties.
func WithProperties(props map[string]string) Option {
	return func(srv *Server) {
		for k, v := range props {
			srv.props[k] = v
		}
	}
}

// WithBuild sets the build number reported by deployed instruments.
func WithBuild(v uint16) Option {
	return func(srv *Server) {
		srv.build = v
	}
}

// WithExtClock sets whether an external reference clock is connected.
func WithExtClock(v bool) Option {
	return func(srv *Server) {
		srv.clock.ext = v
	}
}

// WithRenameSteps sets the number of status polls a rename stays busy.
func WithRenameSteps(n int) Option {
	return func(srv *Server) {
		srv.renameSteps = n
	}
}

// WithTick sets the interval between two batches of session data.
func WithTick(d time.Duration) Option {
	return func(srv *Server) {
		srv.tick = d
	}
}

// WithSettle sets the delay between a session start and its first
// samples, leaving subscribers time to connect.
func WithSettle(d time.Duration) Option {
	return func(srv *Server) {
		srv.settle = d
	}
}

// WithTLS serves the control port over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(srv *Server) {
		srv.tls = cfg
	}
}

// Server is a simulated device.
type Server struct {
	msg *log.Logger
	tls *tls.Config

	ctl mangos.Socket // control port
	pub mangos.Socket // data port

	mu     sync.Mutex
	store  Store
	mounts map[string]Mount
	staged map[string][]byte // unfinalized uploads, by path

	regs  [regs.NumRegs]uint32
	props map[string]string
	build uint16

	owner string
	seen  time.Time

	clock struct {
		ext       bool // external clock connected
		requested bool
	}

	renameSteps int
	rename      struct {
		left int
		size uint64
	}
	fwLoads int

	tick   time.Duration
	settle time.Duration
	sess   *session
	last   link.StreamStatus // status of the last stopped session
	grp    errgroup.Group

	closeOnce sync.Once
}

// New creates a simulated device with its control port on ctl and its
// data port on data.
func New(ctl, data string, opts ...Option) (*Server, error) {
	srv := &Server{
		msg:    log.New(os.Stdout, "sim: ", 0),
		staged: make(map[string][]byte),
		props: map[string]string{
			"device.serial":    "000000",
			"device.hw":        "moku:lab",
			"system.name":      "moku-sim",
			"system.micro":     "sim",
			"ipad.name":        "",
			"calibration.ch1":  "1",
			"calibration.ch2":  "1",
			"calibration.date": "",
		},
		build:       1,
		renameSteps: 2,
		tick:        20 * time.Millisecond,
		settle:      100 * time.Millisecond,
	}
	WithMounts(DefaultMounts()...)(srv)
	for _, opt := range opts {
		opt(srv)
	}
	if srv.store == nil {
		srv.store = NewMemStore()
	}

	var err error
	srv.ctl, err = rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("sim: could not create control socket: %w", err)
	}
	lopts := make(map[string]interface{})
	if srv.tls != nil && strings.HasPrefix(ctl, "tls+") {
		lopts[mangos.OptionTLSConfig] = srv.tls
	}
	err = srv.ctl.ListenOptions(ctl, lopts)
	if err != nil {
		_ = srv.ctl.Close()
		return nil, fmt.Errorf("sim: could not listen on %q: %w", ctl, err)
	}

	srv.pub, err = pub.NewSocket()
	if err != nil {
		_ = srv.ctl.Close()
		return nil, fmt.Errorf("sim: could not create data socket: %w", err)
	}
	err = srv.pub.Listen(data)
	if err != nil {
		_ = srv.ctl.Close()
		_ = srv.pub.Close()
		return nil, fmt.Errorf("sim: could not listen on %q: %w", data, err)
	}

	return srv, nil
}

// Serve answers control requests until ctx is done or the server is
// closed.
func (srv *Server) Serve(ctx context.Context) error {
	err := srv.ctl.SetOption(mangos.OptionRecvDeadline, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("sim: could not set recv deadline: %w", err)
	}

	for {
		req, err := srv.ctl.Recv()
		switch {
		case err == nil:
		case errors.Is(err, mangos.ErrRecvTimeout):
			if ctx.Err() != nil {
				return nil
			}
			continue
		case errors.Is(err, mangos.ErrClosed):
			return nil
		default:
			return fmt.Errorf("sim: could not receive request: %w", err)
		}

		reply := srv.handle(req)
		if reply == nil {
			continue
		}
		err = srv.ctl.Send(reply)
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return nil
			}
			srv.msg.Printf("could not send reply: %+v", err)
		}
	}
}

// Close stops the running session and closes the device ports and
// its store.
func (srv *Server) Close() error {
	var err error
	srv.closeOnce.Do(func() {
		srv.mu.Lock()
		var cancel context.CancelFunc
		if srv.sess != nil {
			cancel = srv.sess.cancel
		}
		srv.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = srv.grp.Wait()

		for _, sock := range []mangos.Socket{srv.ctl, srv.pub} {
			if e := sock.Close(); e != nil && err == nil && !errors.Is(e, mangos.ErrClosed) {
				err = e
			}
		}
		if e := srv.store.Close(); e != nil && err == nil {
			err = e
		}
	})
	if err != nil {
		return fmt.Errorf("sim: could not close server: %w", err)
	}
	return nil
}

// Reg returns the current value of register i.
func (srv *Server) Reg(i int) uint32 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.regs[i]
}

// Prop returns the value of a device property.
func (srv *Server) Prop(key string) string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.props[key]
}

// Owner returns the name of the current owner, if any.
func (srv *Server) Owner() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.owner
}

// FirmwareLoads returns the number of applied firmware updates.
func (srv *Server) FirmwareLoads() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.fwLoads
}

func (srv *Server) handle(req []byte) []byte {
	if len(req) == 0 {
		srv.msg.Printf("empty request")
		return nil
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	op := req[0]
	dec := link.NewDecoder(req[1:])
	switch op {
	case link.OpOwnership, link.OpOwnerQuery:
		return srv.handleOwner(op, dec)
	case link.OpRegs:
		return srv.handleRegs(dec)
	case link.OpProperty:
		return srv.handleProps(dec)
	case link.OpDeploy:
		return srv.handleDeploy(dec)
	case link.OpReset:
		srv.reset()
		return []byte{op, 0}
	case link.OpClock:
		return srv.handleClock(dec)
	case link.OpFirmware:
		return srv.handleFirmware(dec)
	case link.OpFile:
		return srv.handleFile(dec)
	case link.OpStream:
		return srv.handleStream(req)
	}

	srv.msg.Printf("unknown opcode 0x%02x", op)
	return []byte{op, 0xff}
}

func (srv *Server) handleOwner(op uint8, dec *link.Decoder) []byte {
	name := dec.ReadStr8()
	flags := dec.ReadU8()
	if err := dec.Err(); err != nil {
		srv.msg.Printf("could not decode ownership request: %+v", err)
		return []byte{op, 0xff}
	}

	if op == link.OpOwnership {
		switch {
		case flags&1 != 0:
			if srv.owner != "" && srv.owner != name {
				srv.msg.Printf("%q preempts %q", name, srv.owner)
			}
			srv.owner = name
			srv.seen = time.Now()
		case srv.owner == name:
			srv.owner = ""
			srv.seen = time.Time{}
		}
	}

	state := uint8(link.OwnerOther)
	switch srv.owner {
	case "":
		state = link.OwnerNone
	case name:
		state = link.OwnerMe
		srv.seen = time.Now()
	}

	enc := link.NewEncoder(op)
	enc.WriteU8(uint8(len(srv.owner)))
	enc.WriteU8(state)
	if op == link.OpOwnerQuery {
		var seen uint32
		if !srv.seen.IsZero() {
			seen = uint32(srv.seen.Unix())
		}
		enc.WriteU32(seen)
	}
	enc.Write([]byte(srv.owner))
	return enc.Msg()
}

func (srv *Server) handleRegs(dec *link.Decoder) []byte {
	_ = dec.ReadU8()
	n := int(dec.ReadU8())

	var (
		reads  []uint8
		writes []link.Reg
	)
	for i := 0; i < n && dec.Err() == nil; i++ {
		addr := dec.ReadU8()
		if addr&link.RegWrite != 0 {
			writes = append(writes, link.Reg{Addr: addr &^ link.RegWrite, Value: dec.ReadU32()})
			continue
		}
		reads = append(reads, addr)
	}

	enc := link.NewEncoder(link.OpRegs)
	switch {
	case dec.Err() != nil, dec.Len() != 0, len(reads) > 0 && len(writes) > 0:
		enc.WriteU8(1)
		enc.WriteU8(0)
		return enc.Msg()
	}
	for _, r := range writes {
		srv.regs[r.Addr] = r.Value
	}

	enc.WriteU8(0)
	enc.WriteU8(uint8(len(reads)))
	for _, addr := range reads {
		enc.WriteU8(addr)
		enc.WriteU32(srv.regs[addr])
	}
	return enc.Msg()
}

// Property reply codes.
const (
	propOK       = 0
	propUnknown  = 1
	propReadOnly = 2
	propInvalid  = 3
)

var readOnlyProps = map[string]bool{
	"device.serial": true,
	"device.hw":     true,
}

func (srv *Server) handleProps(dec *link.Decoder) []byte {
	seq := dec.ReadU8()
	n := int(dec.ReadU8())

	type triple struct {
		action   uint8
		key, val string
	}
	reqs := make([]triple, 0, n)
	for i := 0; i < n && dec.Err() == nil; i++ {
		reqs = append(reqs, triple{dec.ReadU8(), dec.ReadStr8(), dec.ReadStr8()})
	}

	reply := func(stat uint8, props []link.Prop) []byte {
		enc := link.NewEncoder(link.OpProperty)
		enc.WriteU8(seq)
		enc.WriteU8(stat)
		enc.WriteU8(uint8(len(props)))
		for _, p := range props {
			enc.WriteStr8(p.Key)
			enc.WriteStr8(p.Value)
		}
		return enc.Msg()
	}

	if dec.Err() != nil {
		return reply(propInvalid, nil)
	}

	// the whole batch is checked before any write.
	for _, r := range reqs {
		switch r.action {
		case link.PropRead, link.PropWrite:
			if _, ok := srv.props[r.key]; !ok {
				return reply(propUnknown, []link.Prop{{Key: r.key}})
			}
			if r.action == link.PropWrite && readOnlyProps[r.key] {
				return reply(propReadOnly, []link.Prop{{Key: r.key}})
			}
		case link.PropSection:
		default:
			return reply(propInvalid, []link.Prop{{Key: r.key}})
		}
	}

	var out []link.Prop
	for _, r := range reqs {
		switch r.action {
		case link.PropRead:
			out = append(out, link.Prop{Key: r.key, Value: srv.props[r.key]})
		case link.PropWrite:
			srv.props[r.key] = r.val
			out = append(out, link.Prop{Key: r.key, Value: r.val})
		case link.PropSection:
			keys := make([]string, 0, len(srv.props))
			for k := range srv.props {
				if strings.HasPrefix(k, r.key) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				out = append(out, link.Prop{Key: k, Value: srv.props[k]})
			}
		}
	}
	if len(out) > link.MaxProps {
		out = out[:link.MaxProps]
	}
	return reply(propOK, out)
}

func (srv *Server) handleDeploy(dec *link.Decoder) []byte {
	id := dec.ReadU8()
	flags := dec.ReadU8()

	enc := link.NewEncoder(link.OpDeploy)
	if dec.Err() != nil || id == 0 {
		enc.WriteU8(1)
		return enc.Msg()
	}
	if flags&link.DeployExtClock != 0 && !srv.clock.ext {
		enc.WriteU8(2)
		return enc.Msg()
	}

	srv.reset()
	srv.regs[regs.RegID1] = uint32(id) | uint32(srv.build)<<16
	srv.msg.Printf("deployed instrument %d (sub=%d)", id, flags>>2)

	enc.WriteU8(0)
	enc.WriteU8(id)
	enc.WriteU16(srv.build)
	return enc.Msg()
}

// reset clears the instrument registers, keeping its identification.
func (srv *Server) reset() {
	id1, id2 := srv.regs[regs.RegID1], srv.regs[regs.RegID2]
	srv.regs = [regs.NumRegs]uint32{}
	srv.regs[regs.RegID1] = id1
	srv.regs[regs.RegID2] = id2
}

func (srv *Server) handleClock(dec *link.Decoder) []byte {
	action := dec.ReadU8()
	switch action {
	case link.ClockSet:
		srv.clock.requested = dec.ReadBool()
	case link.ClockGet:
	default:
		return []byte{link.OpClock, action, 0xff}
	}

	var status uint8
	if srv.clock.requested {
		status |= 0x02
		if srv.clock.ext {
			status |= 0x01
		}
	}
	return []byte{link.OpClock, action, status}
}

func (srv *Server) handleFirmware(dec *link.Decoder) []byte {
	action := dec.ReadU8()
	switch action {
	case link.FwLoad:
		_, err := srv.store.Get(link.MountFirmware, "moku.fw")
		if err != nil {
			return []byte{link.OpFirmware, 1}
		}
		_ = srv.store.Delete(link.MountFirmware, "moku.fw")
		srv.fwLoads++
		srv.msg.Printf("firmware update applied")
	case link.FwRestart:
		srv.msg.Printf("restarting")
	default:
		return []byte{link.OpFirmware, 2}
	}
	return []byte{link.OpFirmware, 0}
}
