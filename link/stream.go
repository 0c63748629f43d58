// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"strings"
)

// StreamState is the state of a device streaming session.
type StreamState uint8

const (
	StreamNone     StreamState = 0
	StreamRunning  StreamState = 1
	StreamWaiting  StreamState = 2
	StreamInval    StreamState = 3
	StreamFSFull   StreamState = 4
	StreamOverflow StreamState = 5
	StreamBusy     StreamState = 6
	StreamStopped  StreamState = 7
)

func (st StreamState) String() string {
	switch st {
	case StreamNone:
		return "none"
	case StreamRunning:
		return "running"
	case StreamWaiting:
		return "waiting"
	case StreamInval:
		return "invalid"
	case StreamFSFull:
		return "fs-full"
	case StreamOverflow:
		return "overflow"
	case StreamBusy:
		return "busy"
	case StreamStopped:
		return "stopped"
	}
	return fmt.Sprintf("StreamState(%d)", uint8(st))
}

// FileType is the output format of a streaming session.
type FileType uint8

const (
	FileBin FileType = 0
	FileCSV FileType = 1
	FileMAT FileType = 2
	FileNPY FileType = 3
	FileNet FileType = 31
)

// ParseFileType parses a file type name (bin, csv, mat, npy or net).
func ParseFileType(name string) (FileType, error) {
	switch strings.ToLower(name) {
	case "bin":
		return FileBin, nil
	case "csv":
		return FileCSV, nil
	case "mat":
		return FileMAT, nil
	case "npy":
		return FileNPY, nil
	case "net":
		return FileNet, nil
	}
	return 0, fmt.Errorf("link: invalid file type %q", name)
}

func (ft FileType) String() string {
	switch ft {
	case FileBin:
		return "bin"
	case FileCSV:
		return "csv"
	case FileMAT:
		return "mat"
	case FileNPY:
		return "npy"
	case FileNet:
		return "net"
	}
	return fmt.Sprintf("FileType(%d)", uint8(ft))
}

// StreamParams describes a streaming session.
type StreamParams struct {
	Tag      string   // session tag, 4 digits
	Mount    string   // MountSD or MountInternal
	Start    uint32   // start delay, in seconds
	End      uint32   // end time, in seconds
	Offset   float64  // time offset of the first sample
	Ch1      bool     // stream channel 1
	Ch2      bool     // stream channel 2
	Type     FileType // output format
	TimeStep float64  // time between samples, in seconds
	Filename string
	Record   string    // record format
	Proc     [2]string // per-channel processing
	CSVFmt   string
	CSVHdr   string
}

// StreamStatus is the status of the current streaming session.
type StreamStatus struct {
	State    StreamState
	Logged   uint64 // bytes logged
	ToStart  int32  // seconds until start
	ToEnd    int32  // seconds until end
	Flags    uint8
	Filename string
}

func (p StreamParams) flags() uint8 {
	flags := uint8(p.Type) << 2
	if p.Ch2 {
		flags |= 1 << 1
	}
	if p.Ch1 {
		flags |= 1
	}
	return flags
}

func (p StreamParams) proc() string {
	var procs []string
	if p.Ch1 {
		procs = append(procs, p.Proc[0])
	}
	if p.Ch2 {
		procs = append(procs, p.Proc[1])
	}
	return strings.Join(procs, "|")
}

// StreamPrep prepares a streaming session.
func (l *Link) StreamPrep(ctx context.Context, p StreamParams) (StreamState, error) {
	switch {
	case p.End < p.Start:
		return StreamInval, fmt.Errorf("link: invalid start/end times (%d, %d)", p.Start, p.End)
	case len(p.Tag) != 4:
		return StreamInval, fmt.Errorf("link: invalid session tag %q", p.Tag)
	case len(p.Mount) != 1:
		return StreamInval, fmt.Errorf("link: invalid mount point %q", p.Mount)
	}

	enc := NewEncoder(OpStream)
	enc.WriteU32(0)
	enc.WriteU8(0)
	enc.WriteU8(StreamPrepare)
	enc.Write([]byte(p.Tag))
	enc.Write([]byte(p.Mount))
	enc.WriteU32(p.Start)
	enc.WriteU32(p.End)
	enc.WriteF64(p.Offset)
	enc.WriteU8(p.flags())
	enc.WriteF64(p.TimeStep)
	enc.WriteStr16(p.Filename)
	enc.WriteStr16(p.Record)
	enc.WriteStr16(p.proc())
	enc.WriteStr16(p.CSVFmt)
	enc.WriteStr16(p.CSVHdr)
	enc.PutU32At(1, uint32(enc.Len()-5))
	if err := enc.Err(); err != nil {
		return StreamInval, fmt.Errorf("link: could not encode stream request: %w", err)
	}

	st, _, err := l.stream(ctx, enc.Msg())
	if err != nil {
		return st, fmt.Errorf("link: could not prepare stream: %w", err)
	}
	if st != StreamRunning && st != StreamWaiting {
		return st, fmt.Errorf("link: could not prepare stream: %w", &DeviceError{Op: OpStream, Code: uint8(st)})
	}
	return st, nil
}

// StreamStart starts the prepared session.
func (l *Link) StreamStart(ctx context.Context) (StreamState, error) {
	st, _, err := l.stream(ctx, streamReq(StreamStart))
	if err != nil {
		return st, fmt.Errorf("link: could not start stream: %w", err)
	}
	return st, nil
}

// StreamStop stops the current session and returns its final state and
// the number of bytes logged.
func (l *Link) StreamStop(ctx context.Context) (StreamState, uint64, error) {
	st, dec, err := l.stream(ctx, streamReq(StreamStop))
	if err != nil {
		return st, 0, fmt.Errorf("link: could not stop stream: %w", err)
	}
	n := dec.ReadU64()
	if err := l.decode(OpStream, dec); err != nil {
		return st, 0, err
	}
	return st, n, nil
}

// StreamStatus queries the status of the current session.
func (l *Link) StreamStatus(ctx context.Context) (StreamStatus, error) {
	var status StreamStatus
	st, dec, err := l.stream(ctx, streamReq(StreamQuery))
	if err != nil {
		return status, fmt.Errorf("link: could not query stream: %w", err)
	}
	status.State = st
	status.Logged = dec.ReadU64()
	status.ToStart = dec.ReadI32()
	status.ToEnd = dec.ReadI32()
	status.Flags = dec.ReadU8()
	status.Filename = dec.ReadStr16()
	if err := l.decode(OpStream, dec); err != nil {
		return status, err
	}
	return status, nil
}

func streamReq(action uint8) []byte {
	enc := NewEncoder(OpStream)
	enc.WriteU32(2)
	enc.WriteU8(0)
	enc.WriteU8(action)
	return enc.Msg()
}

func (l *Link) stream(ctx context.Context, req []byte) (StreamState, *Decoder, error) {
	rep, err := l.roundtrip(ctx, tmoShort, req)
	if err != nil {
		return StreamNone, nil, err
	}

	dec := NewDecoder(rep[1:])
	n := dec.ReadU32()
	if err := l.decode(OpStream, dec); err != nil {
		return StreamNone, nil, err
	}
	if int(n) != dec.Len() {
		return StreamNone, nil, l.broken(OpStream, "unexpected reply length %d/%d", n, dec.Len())
	}
	_ = dec.ReadU8() // seq
	if ae := dec.ReadU8(); ae != req[6] {
		return StreamNone, nil, l.broken(OpStream, "reply to unexpected action %d", ae)
	}
	st := StreamState(dec.ReadU8())
	if err := l.decode(OpStream, dec); err != nil {
		return StreamNone, nil, err
	}
	return st, dec, nil
}
