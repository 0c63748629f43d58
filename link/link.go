// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package link implements the request/reply control protocol spoken by
// Moku devices: ownership, register I/O, properties, bitstream
// deployment, stream control and the device file server.
package link // import "github.com/go-lpc/moku/link"

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// Default ports of a device.
const (
	PortCtrl   = 27184 // request/reply control port
	PortStream = 27186 // publish/subscribe data port
)

const (
	defaultTimeout = 5 * time.Second
	probeTimeout   = 1 * time.Second
)

// Timeout classes of requests, as multiples of the base timeout.
const (
	tmoShort  = 1
	tmoLong   = 2
	tmoFwLoad = 4
)

// Option configures a Link.
type Option func(*config)

type config struct {
	timeout time.Duration
	name    string
	tls     *tls.Config
	force   bool
	msg     *log.Logger
}

func newConfig(opts []Option) config {
	cfg := config{
		timeout: defaultTimeout,
		msg:     log.New(os.Stdout, "link: ", 0),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "moku-client"
		}
		cfg.name = host
	}
	return cfg
}

// WithTimeout sets the base timeout of short requests.
// Replies are awaited for twice that duration, long requests double it.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithClientName sets the name under which ownership is taken.
func WithClientName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

// WithTLS enables the encrypted transport.
func WithTLS(c *tls.Config) Option {
	return func(cfg *config) {
		cfg.tls = c
	}
}

// WithForce allows falling back to a plain transport when the
// encrypted one is unavailable.
func WithForce(v bool) Option {
	return func(cfg *config) {
		cfg.force = v
	}
}

// WithLogger sets the logger of the link.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// Link is a connection to the control port of a device.
// Requests are serialized: a Link may be shared by many goroutines.
type Link struct {
	mu   sync.Mutex
	cfg  config
	msg  *log.Logger
	sock mangos.Socket
	addr string

	seq     uint8
	secure  bool
	owned   bool
	err     error // sticky protocol error
	closing bool
}

// Addr returns the URL of the control port of host.
func Addr(host string) string {
	return url("tcp", host, PortCtrl)
}

// StreamAddr returns the URL of the data port of host.
func StreamAddr(host string) string {
	return url("tcp", host, PortStream)
}

func url(scheme, host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + host
}

// Host returns the host part of a device address.
func Host(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// Dial connects to the device at addr and probes it.
//
// addr is either a host name, a host:port pair or a transport URL.
// With WithTLS, the encrypted transport is tried first and, if WithForce
// is set, a plain transport is used when that fails.
func Dial(ctx context.Context, addr string, opts ...Option) (*Link, error) {
	cfg := newConfig(opts)
	l := &Link{cfg: cfg, msg: cfg.msg}

	if strings.Contains(addr, "://") && !strings.HasPrefix(addr, "tcp://") {
		err := l.open(ctx, addr, cfg.tls)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	if cfg.tls != nil {
		err := l.open(ctx, url("tls+tcp", Host(addr)+port(addr), PortCtrl), cfg.tls)
		if err == nil {
			l.secure = true
			return l, nil
		}
		if !cfg.force {
			return nil, fmt.Errorf("link: could not open encrypted link to %q: %w", addr, err)
		}
		l.msg.Printf("could not open encrypted link to %q: %+v", addr, err)
		l.msg.Printf("falling back to plain link")
	}

	err := l.open(ctx, url("tcp", Host(addr)+port(addr), PortCtrl), nil)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func port(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	if _, p, err := net.SplitHostPort(addr); err == nil {
		return ":" + p
	}
	return ""
}

func (l *Link) open(ctx context.Context, addr string, tcfg *tls.Config) error {
	sock, err := req.NewSocket()
	if err != nil {
		return fmt.Errorf("link: could not create socket: %w", err)
	}

	dopts := make(map[string]interface{})
	if tcfg != nil && strings.HasPrefix(addr, "tls+") {
		dopts[mangos.OptionTLSConfig] = tcfg
	}

	err = sock.DialOptions(addr, dopts)
	if err != nil {
		_ = sock.Close()
		return fmt.Errorf("link: could not dial %q: %w", addr, err)
	}

	l.mu.Lock()
	l.sock = sock
	l.addr = addr
	l.err = nil
	l.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err = l.Property(pctx, "device.serial")
	if err != nil {
		l.mu.Lock()
		l.sock = nil
		l.mu.Unlock()
		_ = sock.Close()
		return fmt.Errorf("link: could not probe device at %q: %w", addr, err)
	}
	return nil
}

// URL returns the transport URL the link is connected to.
func (l *Link) URL() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Secure reports whether the link uses the encrypted transport.
func (l *Link) Secure() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.secure
}

// Name returns the name under which ownership is taken.
func (l *Link) Name() string { return l.cfg.name }

// Err returns the sticky protocol error of the link, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close relinquishes ownership, if held, and closes the link.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.sock == nil || l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	owned := l.owned && l.err == nil
	l.mu.Unlock()

	if owned {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.timeout)
		err := l.Relinquish(ctx)
		cancel()
		if err != nil {
			l.msg.Printf("could not relinquish ownership: %+v", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.sock.Close()
	l.sock = nil
	if err != nil {
		return fmt.Errorf("link: could not close socket: %w", err)
	}
	return nil
}

// roundtrip sends the request and returns the reply.
// The reply is checked to answer the request's opcode.
func (l *Link) roundtrip(ctx context.Context, class int, req []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.sock == nil:
		return nil, ErrClosed
	case l.err != nil:
		return nil, l.err
	}

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	var (
		base = time.Duration(class) * l.cfg.timeout
		send = base
		recv = 2 * base
	)
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		send = min(send, left)
		recv = min(recv, left)
	}

	err = l.sock.SetOption(mangos.OptionSendDeadline, send)
	if err != nil {
		return nil, fmt.Errorf("link: could not set send deadline: %w", err)
	}
	err = l.sock.SetOption(mangos.OptionRecvDeadline, recv)
	if err != nil {
		return nil, fmt.Errorf("link: could not set recv deadline: %w", err)
	}

	err = l.sock.Send(req)
	if err != nil {
		return nil, &NetError{Op: "send", Err: err}
	}

	rep, err := l.sock.Recv()
	if err != nil {
		return nil, &NetError{Op: "recv", Err: err}
	}

	switch {
	case len(rep) == 0:
		l.err = errProto(req[0], "empty reply")
		return nil, l.err
	case rep[0] != req[0]:
		l.err = errProto(req[0], "reply to unexpected opcode 0x%02x", rep[0])
		return nil, l.err
	}

	return rep, nil
}

// broken marks the link as unusable after a malformed reply.
func (l *Link) broken(op uint8, format string, args ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := errProto(op, format, args...)
	if l.err == nil {
		l.err = err
	}
	return err
}

// decode checks dec consumed its reply without error.
func (l *Link) decode(op uint8, dec *Decoder) error {
	if err := dec.Err(); err != nil {
		return l.broken(op, "could not decode reply: %v", err)
	}
	return nil
}

func (l *Link) nextSeq() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.seq
	l.seq++
	return seq
}
