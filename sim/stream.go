// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/link"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/stream"
)

// session is a streaming session of the simulated device.
//
// Generated samples are counters: sample k of a channel holds k in all
// its value fields on channel 1, and 2k on channel 2.
type session struct {
	tag    string
	mp     string
	fname  string
	start  uint32 // seconds
	end    uint32 // seconds
	ft     link.FileType
	flags  uint8
	hdr    li.Header
	fmt    li.Format
	dec    *li.Decoder // CSV rendering
	budget uint64      // free space of the mount when prepared

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   link.StreamState
	logged  uint64
	started time.Time
}

func (sess *session) status() link.StreamStatus {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	st := link.StreamStatus{
		State:   sess.state,
		Logged:  sess.logged,
		ToStart: int32(sess.start),
		ToEnd:   int32(sess.end),
		Flags:   sess.flags,
	}
	if !sess.started.IsZero() {
		dt := int32(time.Since(sess.started).Seconds())
		st.ToStart -= dt
		st.ToEnd -= dt
	}
	if sess.ft != link.FileNet {
		st.Filename = link.Path(sess.mp, sess.fname)
	}
	return st
}

func (sess *session) setState(st link.StreamState) {
	sess.mu.Lock()
	sess.state = st
	sess.mu.Unlock()
}

func (sess *session) ext() string {
	switch sess.ft {
	case link.FileCSV:
		return ".csv"
	}
	return ".li"
}

func streamReply(seq, action uint8, st link.StreamState, payload func(enc *link.Encoder)) []byte {
	enc := link.NewEncoder(link.OpStream)
	enc.WriteU32(0)
	enc.WriteU8(seq)
	enc.WriteU8(action)
	enc.WriteU8(uint8(st))
	if payload != nil {
		payload(enc)
	}
	enc.PutU32At(1, uint32(enc.Len()-5))
	return enc.Msg()
}

func (srv *Server) handleStream(req []byte) []byte {
	dec := link.NewDecoder(req[1:])
	n := dec.ReadU32()
	seq := dec.ReadU8()
	action := dec.ReadU8()
	if dec.Err() != nil || int(n) != len(req)-5 {
		return streamReply(seq, action, link.StreamInval, nil)
	}

	switch action {
	case link.StreamPrepare:
		return streamReply(seq, action, srv.prepare(dec), nil)

	case link.StreamStart:
		return streamReply(seq, action, srv.startSession(), nil)

	case link.StreamStop:
		st, logged := srv.stopSession()
		return streamReply(seq, action, st, func(enc *link.Encoder) {
			enc.WriteU64(logged)
		})

	case link.StreamQuery:
		status := srv.last
		if srv.sess != nil {
			status = srv.sess.status()
		}
		return streamReply(seq, action, status.State, func(enc *link.Encoder) {
			enc.WriteU64(status.Logged)
			enc.WriteI32(status.ToStart)
			enc.WriteI32(status.ToEnd)
			enc.WriteU8(status.Flags)
			enc.WriteStr16(status.Filename)
		})
	}
	return streamReply(seq, action, link.StreamInval, nil)
}

func (srv *Server) prepare(dec *link.Decoder) link.StreamState {
	if srv.sess != nil {
		return link.StreamBusy
	}

	var (
		tag    = string(dec.Read(4))
		mp     = string(dec.Read(1))
		start  = dec.ReadU32()
		end    = dec.ReadU32()
		offset = dec.ReadF64()
		flags  = dec.ReadU8()
		ts     = dec.ReadF64()
		fname  = dec.ReadStr16()
		rec    = dec.ReadStr16()
		proc   = dec.ReadStr16()
		csvfmt = dec.ReadStr16()
		csvhdr = dec.ReadStr16()
	)
	if err := dec.Err(); err != nil {
		srv.msg.Printf("could not decode stream request: %+v", err)
		return link.StreamInval
	}

	sess := &session{
		tag:   tag,
		mp:    mp,
		fname: fname,
		start: start,
		end:   end,
		ft:    link.FileType(flags >> 2),
		flags: flags,
		hdr: li.Header{
			Ch1:         flags&0x01 != 0,
			Ch2:         flags&0x02 != 0,
			InstrID:     uint8(srv.regs[regs.RegID1]),
			InstrVer:    srv.build,
			TimeStep:    ts,
			StartTime:   uint64(time.Now().Unix()),
			StartOffset: offset,
			Record:      rec,
			Proc:        strings.Split(proc, "|"),
			CSVFmt:      csvfmt,
			CSVHdr:      csvhdr,
		},
		state: link.StreamRunning,
		done:  make(chan struct{}),
	}
	if start > 0 {
		sess.state = link.StreamWaiting
	}
	for i, on := range []bool{sess.hdr.Ch1, sess.hdr.Ch2} {
		if on {
			sess.hdr.Calib = append(sess.hdr.Calib, srv.calib(i))
		}
	}

	err := srv.checkSession(sess)
	if err != nil {
		srv.msg.Printf("invalid session %q: %+v", tag, err)
		return link.StreamInval
	}

	srv.sess = sess
	srv.msg.Printf("prepared session %q (%v, %d channel(s))", tag, sess.ft, sess.hdr.NumChannels())
	return sess.state
}

// calib returns the calibration coefficient of channel i.
func (srv *Server) calib(i int) float64 {
	v, err := strconv.ParseFloat(srv.props[fmt.Sprintf("calibration.ch%d", i+1)], 64)
	if err != nil {
		return 1
	}
	return v
}

func (srv *Server) checkSession(sess *session) error {
	switch {
	case sess.end < sess.start:
		return fmt.Errorf("end before start")
	case sess.hdr.TimeStep <= 0 || math.IsInf(sess.hdr.TimeStep, 0) || math.IsNaN(sess.hdr.TimeStep):
		return fmt.Errorf("invalid time step %v", sess.hdr.TimeStep)
	}

	switch sess.ft {
	case link.FileBin, link.FileCSV:
		if sess.fname == "" {
			return fmt.Errorf("no file name")
		}
		if st := srv.mount(sess.mp, true); st != link.StatusOK {
			return st.Err()
		}
		sess.budget = srv.free(sess.mp)
	case link.FileNet:
	default:
		return fmt.Errorf("unsupported file type %v", sess.ft)
	}

	var err error
	sess.fmt, err = li.ParseFormat(sess.hdr.Record)
	if err != nil {
		return err
	}
	sess.dec, err = li.NewDecoder(sess.hdr)
	if err != nil {
		return err
	}
	return nil
}

func (srv *Server) startSession() link.StreamState {
	sess := srv.sess
	if sess == nil {
		return link.StreamInval
	}
	if sess.cancel != nil {
		return link.StreamBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.mu.Lock()
	sess.started = time.Now()
	sess.mu.Unlock()

	srv.grp.Go(func() error {
		defer close(sess.done)
		srv.run(ctx, sess)
		return nil
	})
	return sess.status().State
}

func (srv *Server) stopSession() (link.StreamState, uint64) {
	sess := srv.sess
	if sess == nil {
		return link.StreamNone, 0
	}
	if sess.cancel != nil {
		sess.cancel()
		<-sess.done
	}

	status := sess.status()
	if status.State == link.StreamRunning || status.State == link.StreamWaiting {
		status.State = link.StreamStopped
	}
	srv.sess = nil
	srv.last = status
	srv.last.State = link.StreamNone
	srv.msg.Printf("stopped session %q (state=%v)", sess.tag, status.State)
	return status.State, status.Logged
}

// run generates the samples of sess until it completes or ctx is done.
func (srv *Server) run(ctx context.Context, sess *session) {
	var (
		gen  = newGenerator(sess)
		out  = new(bytes.Buffer)
		wv1  *li.WriterV1
		err  error
		tick = time.NewTicker(srv.tick)
	)
	defer tick.Stop()

	if sess.ft == link.FileBin {
		wv1, err = li.NewWriterV1(out, sess.hdr)
		if err != nil {
			srv.msg.Printf("could not create log file: %+v", err)
			sess.setState(link.StreamInval)
			return
		}
	}

	defer srv.finish(sess, out)

	select {
	case <-ctx.Done():
		return
	case <-time.After(srv.settle):
	}

	var (
		bounded = sess.end > sess.start
		length  = float64(sess.end - sess.start)
		k       int64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		elapsed := time.Since(sess.started).Seconds() - float64(sess.start)
		if elapsed < 0 {
			continue
		}
		sess.setState(link.StreamRunning)

		done := bounded && elapsed >= length
		if done {
			elapsed = length
		}
		want := int64(elapsed / sess.hdr.TimeStep)

		for ch, on := range []bool{sess.hdr.Ch1, sess.hdr.Ch2} {
			if !on || want <= k {
				continue
			}
			data := gen.pack(ch, k, want)
			switch sess.ft {
			case link.FileNet:
				err = srv.publish(sess, gen, ch, data)
			case link.FileBin:
				err = wv1.Write(ch, data)
			case link.FileCSV:
				err = sess.dec.Parse(ch, data)
				if err == nil {
					_, err = sess.dec.Render(out)
				}
			}
			if err != nil {
				srv.msg.Printf("could not log session %q: %+v", sess.tag, err)
				sess.setState(link.StreamInval)
				return
			}
		}
		if want > k {
			sess.mu.Lock()
			sess.logged += uint64(want-k) * uint64(sess.hdr.NumChannels())
			sess.mu.Unlock()
			k = want
		}

		if sess.ft != link.FileNet && uint64(out.Len()) > sess.budget {
			out.Truncate(int(sess.budget))
			sess.setState(link.StreamFSFull)
			return
		}

		if done {
			sess.setState(link.StreamStopped)
			return
		}
	}
}

func (srv *Server) publish(sess *session, gen *generator, ch int, data []byte) error {
	c := stream.Chunk{
		Tag:   sess.tag,
		Ch:    ch,
		Start: gen.offs[ch],
		Coeff: sess.hdr.Calib[gen.slot(ch)],
		Data:  data,
	}
	gen.offs[ch] += int64(len(data))

	msg, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return srv.pub.Send(msg)
}

// finish closes the network stream, or stores the log file, of sess.
func (srv *Server) finish(sess *session, out *bytes.Buffer) {
	if sess.ft == link.FileNet {
		msg, err := stream.Chunk{Tag: sess.tag, Ch: stream.EndChannel}.MarshalBinary()
		if err == nil {
			err = srv.pub.Send(msg)
		}
		if err != nil {
			srv.msg.Printf("could not close stream %q: %+v", sess.tag, err)
		}
		return
	}

	err := srv.store.Put(sess.mp, sess.fname+sess.ext(), out.Bytes())
	if err != nil {
		srv.msg.Printf("could not store log of session %q: %+v", sess.tag, err)
	}
}

// generator packs synthetic records, least significant bit first.
type generator struct {
	fmt  li.Format
	hdr  li.Header
	bits [2]bitWriter
	offs [2]int64
}

func newGenerator(sess *session) *generator {
	return &generator{fmt: sess.fmt, hdr: sess.hdr}
}

// slot returns the index of channel ch among the enabled channels.
func (gen *generator) slot(ch int) int {
	if ch == 1 && gen.hdr.Ch1 {
		return 1
	}
	return 0
}

// pack packs records [beg, end) of channel ch and returns the
// completed bytes.
func (gen *generator) pack(ch int, beg, end int64) []byte {
	w := &gen.bits[ch]
	for k := beg; k < end; k++ {
		for _, f := range gen.fmt {
			w.write(sample(f, k*int64(ch+1)), f.Bits)
		}
	}
	return w.flush()
}

// sample returns the raw bits of field f holding v.
func sample(f li.Field, v int64) uint64 {
	var raw uint64
	switch {
	case f.HasLit:
		raw = uint64(f.Lit.Int())
	case f.Type == li.TypePad:
		raw = 0
	case f.Type == li.TypeBool:
		raw = uint64(v & 1)
	case f.Type == li.TypeFloat && f.Bits == 32:
		raw = uint64(math.Float32bits(float32(v)))
	case f.Type == li.TypeFloat:
		raw = math.Float64bits(float64(v))
	default:
		raw = uint64(v)
	}
	if f.Bits < 64 {
		raw &= 1<<uint(f.Bits) - 1
	}
	return raw
}

type bitWriter struct {
	buf []byte
	n   int // bits
}

func (w *bitWriter) write(v uint64, bits int) {
	for i := 0; i < bits; i++ {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if (v>>uint(i))&1 != 0 {
			w.buf[len(w.buf)-1] |= 1 << uint(w.n%8)
		}
		w.n++
	}
}

// flush returns the completed bytes and keeps the partial one.
func (w *bitWriter) flush() []byte {
	n := w.n / 8
	out := append([]byte(nil), w.buf[:n]...)
	w.buf = append(w.buf[:0], w.buf[n:]...)
	w.n -= 8 * n
	return out
}
