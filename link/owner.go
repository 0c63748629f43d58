// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"time"
)

// Owner describes the current owner of a device.
type Owner struct {
	State    uint8     // OwnerNone, OwnerOther or OwnerMe
	Name     string    // name of the owner, if any
	LastSeen time.Time // last activity of the owner, if known
}

// Owned reports whether someone owns the device.
func (o Owner) Owned() bool { return o.State != OwnerNone }

// Mine reports whether this client owns the device.
func (o Owner) Mine() bool { return o.State == OwnerMe }

// TakeOwnership claims the device for this client.
// Ownership is granted even if another client held it.
func (l *Link) TakeOwnership(ctx context.Context) (Owner, error) {
	o, err := l.ownership(ctx, 1)
	if err != nil {
		return o, fmt.Errorf("link: could not take ownership: %w", err)
	}
	if !o.Mine() {
		return o, fmt.Errorf("link: could not take ownership: owned by %q", o.Name)
	}
	l.mu.Lock()
	l.owned = true
	l.mu.Unlock()
	return o, nil
}

// Relinquish releases the ownership of the device.
func (l *Link) Relinquish(ctx context.Context) error {
	_, err := l.ownership(ctx, 0)
	if err != nil {
		return fmt.Errorf("link: could not relinquish ownership: %w", err)
	}
	l.mu.Lock()
	l.owned = false
	l.mu.Unlock()
	return nil
}

// Owner queries the current owner of the device.
func (l *Link) Owner(ctx context.Context) (Owner, error) {
	enc := NewEncoder(OpOwnerQuery)
	enc.WriteStr8(l.cfg.name)
	enc.WriteU8(0)
	if err := enc.Err(); err != nil {
		return Owner{}, err
	}

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return Owner{}, fmt.Errorf("link: could not query owner: %w", err)
	}

	dec := NewDecoder(rep[1:])
	_ = dec.ReadU8() // payload length
	o := Owner{State: dec.ReadU8()}
	seen := dec.ReadU32()
	o.Name = string(dec.Rest())
	if err := l.decode(OpOwnerQuery, dec); err != nil {
		return Owner{}, err
	}
	if seen != 0 {
		o.LastSeen = time.Unix(int64(seen), 0).UTC()
	}
	return o, nil
}

func (l *Link) ownership(ctx context.Context, flags uint8) (Owner, error) {
	enc := NewEncoder(OpOwnership)
	enc.WriteStr8(l.cfg.name)
	enc.WriteU8(flags)
	if err := enc.Err(); err != nil {
		return Owner{}, err
	}

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return Owner{}, err
	}

	dec := NewDecoder(rep[1:])
	_ = dec.ReadU8()
	o := Owner{State: dec.ReadU8()}
	o.Name = string(dec.Rest())
	if err := l.decode(OpOwnership, dec); err != nil {
		return Owner{}, err
	}
	return o, nil
}
