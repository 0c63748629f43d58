// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"fmt"
	"math"
)

// MaxProps is the maximum number of properties exchanged by one request.
const MaxProps = math.MaxUint8

// Prop is a device property.
type Prop struct {
	Key   string
	Value string
}

// Property reads one property.
func (l *Link) Property(ctx context.Context, key string) (string, error) {
	ps, err := l.props(ctx, PropRead, []Prop{{Key: key}})
	if err != nil {
		return "", err
	}
	if len(ps) != 1 {
		return "", l.broken(OpProperty, "got %d properties, want 1", len(ps))
	}
	return ps[0].Value, nil
}

// Properties reads a batch of properties.
func (l *Link) Properties(ctx context.Context, keys ...string) ([]Prop, error) {
	req := make([]Prop, len(keys))
	for i, k := range keys {
		req[i].Key = k
	}
	return l.props(ctx, PropRead, req)
}

// SetProperty writes one property and returns the value the device
// actually retained.
func (l *Link) SetProperty(ctx context.Context, key, val string) (string, error) {
	ps, err := l.props(ctx, PropWrite, []Prop{{Key: key, Value: val}})
	if err != nil {
		return "", err
	}
	if len(ps) != 1 {
		return "", l.broken(OpProperty, "got %d properties, want 1", len(ps))
	}
	return ps[0].Value, nil
}

// SetProperties writes a batch of properties.
// The batch fails as a whole, the error names the first offending key.
func (l *Link) SetProperties(ctx context.Context, props []Prop) ([]Prop, error) {
	return l.props(ctx, PropWrite, props)
}

// PropertySection reads all the properties under the section prefix.
func (l *Link) PropertySection(ctx context.Context, section string) ([]Prop, error) {
	return l.props(ctx, PropSection, []Prop{{Key: section}})
}

func (l *Link) props(ctx context.Context, action uint8, props []Prop) ([]Prop, error) {
	if len(props) > MaxProps {
		return nil, fmt.Errorf("link: too many properties (%d > %d)", len(props), MaxProps)
	}

	seq := l.nextSeq()
	enc := NewEncoder(OpProperty)
	enc.WriteU8(seq)
	enc.WriteU8(uint8(len(props)))
	for _, p := range props {
		enc.WriteU8(action)
		enc.WriteStr8(p.Key)
		enc.WriteStr8(p.Value)
	}
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("link: could not encode properties: %w", err)
	}

	rep, err := l.roundtrip(ctx, tmoShort, enc.Msg())
	if err != nil {
		return nil, fmt.Errorf("link: could not exchange properties: %w", err)
	}

	dec := NewDecoder(rep[1:])
	rseq := dec.ReadU8()
	stat := dec.ReadU8()
	n := int(dec.ReadU8())
	out := make([]Prop, n)
	for i := range out {
		out[i].Key = dec.ReadStr8()
		out[i].Value = dec.ReadStr8()
	}
	if err := l.decode(OpProperty, dec); err != nil {
		return nil, err
	}
	if rseq != seq {
		return nil, l.broken(OpProperty, "sequence mismatch (got=%d, want=%d)", rseq, seq)
	}

	if stat != 0 {
		e := &DeviceError{Op: OpProperty, Code: stat}
		if len(out) > 0 {
			e.Key = out[0].Key
		}
		return nil, e
	}
	return out, nil
}
