// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package instr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-lpc/moku/bitfield"
	"github.com/go-lpc/moku/li"
	"github.com/go-lpc/moku/regs"
	"github.com/go-lpc/moku/stream"
	"github.com/go-lpc/moku/xfer"
)

// ADCRate is the sample rate of the device ADCs, in Hz.
const ADCRate = 500e6

// DataloggerID is the bitstream identifier of the datalogger.
const DataloggerID = 7

// Datalogger registers.
const (
	RegDLOutSel = 65
	RegDLACtl   = 69
	RegDLDecim  = 70
)

// Datalogger sources and modes.
const (
	SourceADC = 0
	SourceDAC = 1

	LoopbackRound = 0
	LoopbackClip  = 1

	AInDDS  = 0
	AInDeci = 1
)

// Datalogger fields.
var (
	SourceCh1   = bitfield.Uint("source_ch1", RegDLOutSel, 0, 1).WithSet(SourceADC, SourceDAC)
	SourceCh2   = bitfield.Uint("source_ch2", RegDLOutSel, 1, 1).WithSet(SourceADC, SourceDAC)
	LoopbackCh1 = bitfield.Uint("loopback_mode_ch1", RegDLACtl, 0, 1).WithSet(LoopbackRound, LoopbackClip)
	LoopbackCh2 = bitfield.Uint("loopback_mode_ch2", RegDLACtl, 1, 1).WithSet(LoopbackRound, LoopbackClip)
	AInMode     = bitfield.Uint("ain_mode", RegDLACtl, 16, 2).WithSet(AInDDS, AInDeci)
	Decimation  = bitfield.Uint("decimation_rate", RegDLDecim, 0, 32)
)

var (
	_ Logger      = (*Datalogger)(nil)
	_ HasFrontend = (*Datalogger)(nil)
	_ HasMonitor  = (*Datalogger)(nil)
)

// Datalogger logs its two input channels to a device mount point or
// streams them over the network.
type Datalogger struct {
	Base
	frontend
	monitor

	sess *stream.Session
}

// NewDatalogger returns a datalogger, to be attached to a device.
func NewDatalogger(opts ...Option) *Datalogger {
	dl := &Datalogger{Base: newBase(DataloggerID, "datalogger", opts)}
	dl.frontend = frontend{base: &dl.Base}
	dl.monitor = monitor{
		base:   &dl.Base,
		fields: [2]bitfield.Field{SourceCh1, SourceCh2},
		sources: map[string]int64{
			"in":  SourceADC,
			"out": SourceDAC,
		},
	}
	return dl
}

// Attach binds the datalogger to dev, collecting network sessions from
// the data port at addr.
func (dl *Datalogger) Attach(dev Device, addr string) {
	dl.Base.Attach(dev, addr)
	dl.sess = stream.New(dev, addr, stream.WithLogger(dl.msg), stream.WithClock(dl.now))
}

// Deploy loads the datalogger and commits its defaults.
func (dl *Datalogger) Deploy(ctx context.Context) error {
	err := dl.Base.Deploy(ctx)
	if err != nil {
		return err
	}
	return dl.SetDefaults(ctx)
}

// SetDefaults puts the datalogger in roll mode, sampling at 1 kHz.
func (dl *Datalogger) SetDefaults(ctx context.Context) error {
	r, err := dl.Registers()
	if err != nil {
		return err
	}
	return r.Batch(ctx, func() error {
		err := dl.WriteField(regs.XMode, regs.Roll)
		if err != nil {
			return err
		}
		return dl.SetSamplerate(1e3)
	})
}

// SetSamplerate sets the sample rate, in Hz. The rate is rounded to the
// nearest ADC decimation.
func (dl *Datalogger) SetSamplerate(rate float64) error {
	if rate <= 0 || rate > ADCRate {
		return fmt.Errorf("instr: invalid sample rate %g", rate)
	}
	return dl.WriteField(Decimation, ADCRate/rate)
}

// Samplerate returns the sample rate, in Hz.
func (dl *Datalogger) Samplerate() (float64, error) {
	deci, err := dl.ReadField(Decimation)
	if err != nil {
		return 0, err
	}
	if deci == 0 {
		dl.msg.Printf("decimation rate unset")
		return ADCRate, nil
	}
	return ADCRate / deci, nil
}

// SetPrecisionMode selects decimation, filtering at full rate, over
// direct downsampling.
func (dl *Datalogger) SetPrecisionMode(v bool) error {
	mode := AInDDS
	if v {
		mode = AInDeci
	}
	return dl.WriteField(AInMode, float64(mode))
}

// PrecisionMode reports whether the datalogger decimates.
func (dl *Datalogger) PrecisionMode() (bool, error) {
	v, err := dl.ReadField(AInMode)
	if err != nil {
		return false, err
	}
	return v == AInDeci, nil
}

// SetLoopback sets the rounding mode of a channel sourced from the
// DAC output.
func (dl *Datalogger) SetLoopback(ch int, clip bool) error {
	f := LoopbackCh1
	switch ch {
	case 1:
	case 2:
		f = LoopbackCh2
	default:
		return fmt.Errorf("%w %d", ErrChannel, ch)
	}
	mode := LoopbackRound
	if clip {
		mode = LoopbackClip
	}
	return dl.WriteField(f, float64(mode))
}

// deciGain returns the gain of the decimation filter.
func (dl *Datalogger) deciGain() (float64, error) {
	deci, err := dl.ReadField(Decimation)
	if err != nil {
		return 0, err
	}
	switch {
	case deci == 0:
		return 1, nil
	case deci < 1<<20:
		return deci, nil
	}
	return deci / (1 << 10), nil
}

// params builds the stream parameters of a session.
func (dl *Datalogger) params(ctx context.Context, p SessionParams) (stream.Params, error) {
	rate, err := dl.Samplerate()
	if err != nil {
		return stream.Params{}, err
	}
	precise, err := dl.PrecisionMode()
	if err != nil {
		return stream.Params{}, err
	}

	proc := "*C"
	if precise {
		gain, err := dl.deciGain()
		if err != nil {
			return stream.Params{}, err
		}
		proc = fmt.Sprintf("*C/%f", gain)
	}

	hdr, err := dl.csvHeader(ctx, p, rate, precise)
	if err != nil {
		return stream.Params{}, err
	}

	out := stream.Params{
		Ch1:      p.Ch1,
		Ch2:      p.Ch2,
		Delay:    p.Delay,
		Duration: p.Duration,
		SD:       p.SD,
		Type:     p.Type,
		TimeStep: 1 / rate,
		Record:   "<s32",
		Proc:     [2]string{proc, proc},
		CSVFmt:   csvFormat(p.Ch1, p.Ch2),
		CSVHdr:   hdr,
		Calib:    [2]float64{1, 1},
		Name:     p.Name,
		InstrID:  dl.id,
		InstrVer: dl.build,
		Roll:     true,
		Setup: func(ctx context.Context) error {
			err := dl.WriteField(regs.XMode, regs.Roll)
			if err != nil {
				return err
			}
			return dl.Commit(ctx)
		},
	}
	if out.Name == "" {
		out.Name = "MokuDataLoggerData"
	}
	return out, nil
}

func csvFormat(ch1, ch2 bool) string {
	o := new(strings.Builder)
	o.WriteString("{t:.10e}")
	for i, on := range []bool{ch1, ch2} {
		if on {
			fmt.Fprintf(o, ",{ch%d:.10e}", i+1)
		}
	}
	o.WriteString("\r\n")
	return o.String()
}

func (dl *Datalogger) csvHeader(ctx context.Context, p SessionParams, rate float64, precise bool) (string, error) {
	o := new(strings.Builder)
	o.WriteString("% Moku:DataLogger\r\n")
	for i, on := range []bool{p.Ch1, p.Ch2} {
		if !on {
			continue
		}
		fe, err := dl.Frontend(i + 1)
		if err != nil {
			return "", err
		}
		var (
			coupling = "DC"
			imp      = "1M"
			rng      = "1"
		)
		if fe.AC {
			coupling = "AC"
		}
		if fe.FiftyOhm {
			imp = "50"
		}
		if fe.Atten {
			rng = "10"
		}
		fmt.Fprintf(o, "%% Ch %d - %s coupling, %s Ohm impedance, %s V range\r\n", i+1, coupling, imp, rng)
	}

	mode := "Normal"
	if precise {
		mode = "Precision"
	}
	fmt.Fprintf(o, "%% Acquisition rate: %.10e Hz, %s mode\r\n", rate, mode)

	_, ext, err := dl.dev.ClockSource(ctx)
	if err != nil {
		return "", fmt.Errorf("instr: could not query clock source: %w", err)
	}
	clock := "Internal"
	if ext {
		clock = "External"
	}
	fmt.Fprintf(o, "%% %s 10 MHz clock\r\n", clock)
	fmt.Fprintf(o, "%% Acquired %s\r\n", dl.now().Format("2006-01-02 T 15:04:05 -0700"))

	o.WriteString("% Time")
	for i, on := range []bool{p.Ch1, p.Ch2} {
		if on {
			fmt.Fprintf(o, ", Ch %d voltage (V)", i+1)
		}
	}
	o.WriteString("\r\n")
	return o.String(), nil
}

// StartSession starts logging, or streaming, the enabled channels.
func (dl *Datalogger) StartSession(ctx context.Context, p SessionParams) error {
	if dl.regs == nil || dl.sess == nil {
		return ErrNotDeployed
	}
	sp, err := dl.params(ctx, p)
	if err != nil {
		return fmt.Errorf("instr: could not prepare session: %w", err)
	}
	return dl.sess.Start(ctx, sp)
}

// StopSession stops the current session and returns its final state.
func (dl *Datalogger) StopSession(ctx context.Context) (stream.State, error) {
	if dl.sess == nil {
		return stream.None, ErrNotDeployed
	}
	return dl.sess.Stop(ctx)
}

// PollSession returns the state of the current session.
func (dl *Datalogger) PollSession(ctx context.Context) (stream.State, error) {
	if dl.sess == nil {
		return stream.None, ErrNotDeployed
	}
	return dl.sess.Poll(ctx)
}

// GetSamples returns up to n records per channel of the current
// network session.
func (dl *Datalogger) GetSamples(n int, timeout time.Duration) ([2][]li.Record, error) {
	if dl.sess == nil {
		return [2][]li.Record{}, ErrNotDeployed
	}
	return dl.sess.Samples(n, timeout)
}

// Progress returns the completion of the current session, in percent.
func (dl *Datalogger) Progress(ctx context.Context) (int, error) {
	if dl.sess == nil {
		return 0, ErrNotDeployed
	}
	return dl.sess.Progress(ctx)
}

// UploadLog downloads the files of the most recent log into dir.
func (dl *Datalogger) UploadLog(ctx context.Context, c *xfer.Client, dir string) ([]string, error) {
	if dl.sess == nil {
		return nil, ErrNotDeployed
	}
	return dl.sess.UploadLog(ctx, c, dir)
}

// Session returns the stream session of the datalogger, nil until
// attached.
func (dl *Datalogger) Session() *stream.Session { return dl.sess }
