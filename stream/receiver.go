// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/all"
	"golang.org/x/sync/errgroup"
)

// EndChannel is the channel of the chunk closing a network session.
const EndChannel = -1

// Chunk is a piece of channel data published by a device.
//
// On the wire, a chunk is a "tag|ch|start|coeff" header line followed
// by the raw channel data.
type Chunk struct {
	Tag   string  // session tag
	Ch    int     // channel number, or EndChannel
	Start int64   // offset of the data in the channel stream
	Coeff float64 // calibration coefficient of the channel
	Data  []byte
}

// End reports whether c closes its session.
func (c Chunk) End() bool { return c.Ch == EndChannel }

// MarshalBinary encodes the chunk for publication.
func (c Chunk) MarshalBinary() ([]byte, error) {
	if strings.ContainsAny(c.Tag, "|\n") {
		return nil, fmt.Errorf("stream: invalid chunk tag %q", c.Tag)
	}
	hdr := fmt.Sprintf(
		"%s|%d|%d|%s\n",
		c.Tag, c.Ch, c.Start, strconv.FormatFloat(c.Coeff, 'g', -1, 64),
	)
	out := make([]byte, 0, len(hdr)+len(c.Data))
	out = append(out, hdr...)
	out = append(out, c.Data...)
	return out, nil
}

// UnmarshalBinary decodes a published chunk.
func (c *Chunk) UnmarshalBinary(p []byte) error {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		return fmt.Errorf("stream: chunk without header")
	}
	toks := strings.Split(string(p[:i]), "|")
	if len(toks) != 4 {
		return fmt.Errorf("stream: invalid chunk header %q", p[:i])
	}

	ch, err := strconv.Atoi(toks[1])
	if err != nil {
		return fmt.Errorf("stream: invalid chunk channel %q: %w", toks[1], err)
	}
	start, err := strconv.ParseInt(toks[2], 10, 64)
	if err != nil {
		return fmt.Errorf("stream: invalid chunk offset %q: %w", toks[2], err)
	}
	coeff, err := strconv.ParseFloat(toks[3], 64)
	if err != nil {
		return fmt.Errorf("stream: invalid chunk coefficient %q: %w", toks[3], err)
	}

	*c = Chunk{
		Tag:   toks[0],
		Ch:    ch,
		Start: start,
		Coeff: coeff,
		Data:  p[i+1:],
	}
	return nil
}

const recvPoll = 50 * time.Millisecond

// Receiver collects the chunks of one network session.
type Receiver struct {
	sock mangos.Socket
	tag  string
	msg  *log.Logger

	cancel context.CancelFunc
	chunks chan Chunk
	grp    errgroup.Group
}

// Subscribe connects to the data port at addr and collects the chunks
// of session tag.
func Subscribe(ctx context.Context, addr, tag string, msg *log.Logger) (*Receiver, error) {
	if msg == nil {
		msg = log.New(io.Discard, "stream: ", 0)
	}

	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("stream: could not create sub socket: %w", err)
	}

	err = sock.SetOption(mangos.OptionSubscribe, []byte(tag+"|"))
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("stream: could not subscribe to %q: %w", tag, err)
	}

	err = sock.SetOption(mangos.OptionRecvDeadline, recvPoll)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("stream: could not set recv deadline: %w", err)
	}

	err = sock.Dial(addr)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("stream: could not dial %q: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Receiver{
		sock:   sock,
		tag:    tag,
		msg:    msg,
		cancel: cancel,
		chunks: make(chan Chunk, 64),
	}
	r.grp.Go(func() error {
		return r.run(ctx)
	})
	return r, nil
}

func (r *Receiver) run(ctx context.Context) error {
	defer close(r.chunks)
	for {
		raw, err := r.sock.Recv()
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
			return fmt.Errorf("stream: could not receive chunk: %w", err)
		}

		var c Chunk
		err = c.UnmarshalBinary(raw)
		if err != nil {
			return err
		}
		if c.Tag != r.tag {
			continue
		}

		select {
		case r.chunks <- c:
		case <-ctx.Done():
			return nil
		}
		if c.End() {
			r.msg.Printf("session %s ended", r.tag)
			return nil
		}
	}
}

// Next returns the next chunk of the session.
//
// With a zero timeout, Next does not wait and returns ErrNoData when no
// chunk is pending. Otherwise it waits at most timeout and returns
// ErrTimeout. Once the end chunk was returned, Next returns ErrEnded.
func (r *Receiver) Next(timeout time.Duration) (Chunk, error) {
	if timeout <= 0 {
		select {
		case c, ok := <-r.chunks:
			return r.chunk(c, ok)
		default:
			return Chunk{}, ErrNoData
		}
	}

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case c, ok := <-r.chunks:
		return r.chunk(c, ok)
	case <-tmr.C:
		return Chunk{}, ErrTimeout
	}
}

func (r *Receiver) chunk(c Chunk, ok bool) (Chunk, error) {
	if ok {
		return c, nil
	}
	err := r.grp.Wait()
	if err != nil {
		return c, err
	}
	return c, ErrEnded
}

// Close stops collecting chunks and releases the subscription.
// Pending chunks are discarded.
func (r *Receiver) Close() error {
	r.cancel()
	err := r.sock.Close()
	_ = r.grp.Wait()
	if err != nil && !errors.Is(err, mangos.ErrClosed) {
		return fmt.Errorf("stream: could not close sub socket: %w", err)
	}
	return nil
}
