// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"errors"
	"fmt"

	"go.nanomsg.org/mangos/v3"
)

var (
	// ErrBroken is returned by a link that received a malformed reply.
	// The link must be closed and dialed again.
	ErrBroken = errors.New("link: broken link")

	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link: closed link")
)

// Status is a file server status code.
type Status uint8

const (
	StatusOK       Status = 0
	StatusInval    Status = 1
	StatusNotFound Status = 2
	StatusNoSpace  Status = 3
	StatusNoMount  Status = 4
	StatusAction   Status = 5
	StatusBusy     Status = 6
	StatusReadOnly Status = 7
	StatusUnknown  Status = 99
)

// File server errors, one per non-OK status.
var (
	ErrInvalid  = errors.New("link: invalid parameters")
	ErrNotFound = errors.New("link: file not found")
	ErrNoSpace  = errors.New("link: no space left on device")
	ErrNoMount  = errors.New("link: no such mount point")
	ErrAction   = errors.New("link: invalid file action")
	ErrBusy     = errors.New("link: file server busy")
	ErrReadOnly = errors.New("link: read-only file system")
	ErrUnknown  = errors.New("link: unknown file server error")
)

func (st Status) Err() error {
	switch st {
	case StatusOK:
		return nil
	case StatusInval:
		return ErrInvalid
	case StatusNotFound:
		return ErrNotFound
	case StatusNoSpace:
		return ErrNoSpace
	case StatusNoMount:
		return ErrNoMount
	case StatusAction:
		return ErrAction
	case StatusBusy:
		return ErrBusy
	case StatusReadOnly:
		return ErrReadOnly
	}
	return ErrUnknown
}

func (st Status) String() string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusInval:
		return "invalid"
	case StatusNotFound:
		return "not-found"
	case StatusNoSpace:
		return "no-space"
	case StatusNoMount:
		return "no-mount"
	case StatusAction:
		return "action"
	case StatusBusy:
		return "busy"
	case StatusReadOnly:
		return "read-only"
	case StatusUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Status(%d)", uint8(st))
}

// StatusError is a file server error.
type StatusError struct {
	Action FileAction
	Status Status
	Path   string

	data []byte // payload of the failed reply
}

func (e *StatusError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("link: file %s failed: %s", e.Action, e.Status)
	}
	return fmt.Sprintf("link: file %s %q failed: %s", e.Action, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Status.Err() }

// NetError is a transport error: the request or its reply could not
// be exchanged in time. The link stays usable.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("link: %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// Timeout reports whether the error is a timeout.
func (e *NetError) Timeout() bool {
	return errors.Is(e.Err, mangos.ErrRecvTimeout) ||
		errors.Is(e.Err, mangos.ErrSendTimeout)
}

// Temporary reports whether the request may be retried.
func (e *NetError) Temporary() bool {
	return e.Timeout()
}

// ProtocolError reports a reply that does not follow the protocol.
type ProtocolError struct {
	Op  uint8
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("link: protocol error (op=0x%02x): %s", e.Op, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return ErrBroken }

// DeviceError is an error code reported by the device for a request.
type DeviceError struct {
	Op   uint8
	Code uint8
	Key  string // offending property, if any
}

func (e *DeviceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("link: device error (op=0x%02x, code=%d, key=%q)", e.Op, e.Code, e.Key)
	}
	return fmt.Sprintf("link: device error (op=0x%02x, code=%d)", e.Op, e.Code)
}

func errProto(op uint8, format string, args ...interface{}) error {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
