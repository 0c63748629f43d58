// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package moku holds code to drive networked FPGA instruments:
// register access, file transfers, logging sessions and the decoding
// of the telemetry they produce.
package moku // import "github.com/go-lpc/moku"

import (
	"fmt"
	"runtime/debug"
)

const root = "github.com/go-lpc/moku"

// Version returns the version of moku and its checksum.
// The returned values are only valid in binaries built with module support.
func Version() (version, sum string) {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	return versionOf(b)
}

func versionOf(b *debug.BuildInfo) (version, sum string) {
	if b == nil {
		return "", ""
	}

	mods := append([]*debug.Module{&b.Main}, b.Deps...)
	for _, m := range mods {
		if m.Path != root {
			continue
		}
		if r := m.Replace; r != nil {
			switch {
			case r.Version != "" && r.Path != "":
				return fmt.Sprintf("%s %s", r.Path, r.Version), r.Sum
			case r.Version != "":
				return r.Version, r.Sum
			case r.Path != "":
				return r.Path, r.Sum
			}
			return m.Version + "*", ""
		}
		return m.Version, m.Sum
	}
	return "", ""
}

// UserAgent returns the client identifier sent to devices when claiming
// ownership, e.g. "moku/v0.3.0".
func UserAgent() string {
	v, _ := Version()
	if v == "" || v == "(devel)" {
		v = "devel"
	}
	return "moku/" + v
}
