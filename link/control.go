// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
)

// MaxSubIndex is the largest bitstream sub-index a deploy request can carry.
const MaxSubIndex = 0x3f

// DeployOptions configures the deployment of an instrument bitstream.
type DeployOptions struct {
	SubIndex uint8 // bitstream variant
	Partial  bool  // partial reconfiguration
	ExtClock bool  // use the external reference clock
}

func (o DeployOptions) flags() (uint8, error) {
	if o.SubIndex > MaxSubIndex {
		return 0, fmt.Errorf("link: invalid sub-index %d", o.SubIndex)
	}
	flags := o.SubIndex << 2
	if o.Partial {
		flags |= DeployPartial
	}
	if o.ExtClock {
		flags |= DeployExtClock
	}
	return flags, nil
}

// Deploy loads the bitstream of instrument id onto the device and
// records this client as the deployer.
// Deploy returns the version of the loaded bitstream.
func (l *Link) Deploy(ctx context.Context, id uint8, opts DeployOptions) (uint16, error) {
	flags, err := opts.flags()
	if err != nil {
		return 0, err
	}

	enc := NewEncoder(OpDeploy)
	enc.WriteU8(id)
	enc.WriteU8(flags)

	rep, err := l.roundtrip(ctx, tmoLong, enc.Msg())
	if err != nil {
		return 0, fmt.Errorf("link: could not deploy instrument %d: %w", id, err)
	}

	dec := NewDecoder(rep[1:])
	code := dec.ReadU8()
	if err := l.decode(OpDeploy, dec); err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("link: could not deploy instrument %d: %w", id, &DeviceError{Op: OpDeploy, Code: code})
	}
	_ = dec.ReadU8()
	version := dec.ReadU16()
	if err := l.decode(OpDeploy, dec); err != nil {
		return 0, err
	}

	_, err = l.SetProperty(ctx, "ipad.name", l.cfg.name)
	if err != nil {
		return version, fmt.Errorf("link: could not record deployer: %w", err)
	}

	return version, nil
}

// Reset resets the instrument currently deployed.
func (l *Link) Reset(ctx context.Context) error {
	enc := NewEncoder(OpReset)
	enc.WriteU8(l.nextSeq())

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return fmt.Errorf("link: could not reset instrument: %w", err)
	}
	if len(rep) > 1 && rep[1] != 0 {
		return &DeviceError{Op: OpReset, Code: rep[1]}
	}
	return nil
}

// SetClockSource selects the reference clock of the device.
func (l *Link) SetClockSource(ctx context.Context, ext bool) error {
	enc := NewEncoder(OpClock)
	enc.WriteU8(ClockSet)
	enc.WriteBool(ext)

	_, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return fmt.Errorf("link: could not set clock source: %w", err)
	}
	return nil
}

// ClockSource returns whether the external reference clock was
// requested, and whether it is actually in use.
func (l *Link) ClockSource(ctx context.Context) (requested, actual bool, err error) {
	enc := NewEncoder(OpClock)
	enc.WriteU8(ClockGet)

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return false, false, fmt.Errorf("link: could not get clock source: %w", err)
	}

	dec := NewDecoder(rep[1:])
	_ = dec.ReadU8()
	status := dec.ReadU8()
	if err := l.decode(OpClock, dec); err != nil {
		return false, false, err
	}
	return status&0x02 != 0, status&0x01 != 0, nil
}

// TriggerFirmware asks the device to apply a staged firmware update.
func (l *Link) TriggerFirmware(ctx context.Context) error {
	return l.firmware(ctx, FwLoad, tmoFwLoad)
}

// Restart reboots the device.
func (l *Link) Restart(ctx context.Context) error {
	return l.firmware(ctx, FwRestart, tmoShort)
}

func (l *Link) firmware(ctx context.Context, action uint8, class int) error {
	enc := NewEncoder(OpFirmware)
	enc.WriteU8(action)

	rep, err := l.roundtrip(ctx, class, enc.Msg())
	if err != nil {
		return fmt.Errorf("link: firmware action %d failed: %w", action, err)
	}

	dec := NewDecoder(rep[1:])
	code := dec.ReadU8()
	if err := l.decode(OpFirmware, dec); err != nil {
		return err
	}
	if code != 0 {
		return &DeviceError{Op: OpFirmware, Code: code}
	}
	return nil
}
