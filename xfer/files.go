// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-lpc/moku/link"
)

// FirmwareName is the name under which firmware updates are staged.
const FirmwareName = "moku.fw"

// UploadFile sends the local file fname to mount point mp.
// The remote name defaults to the base name of fname.
func (c *Client) UploadFile(ctx context.Context, mp, fname, remote string) (string, error) {
	if remote == "" {
		remote = filepath.Base(fname)
	}

	f, err := os.Open(fname)
	if err != nil {
		return "", fmt.Errorf("xfer: could not open %q: %w", fname, err)
	}
	defer f.Close()

	_, err = c.Upload(ctx, mp, remote, f)
	if err != nil {
		return "", fmt.Errorf("xfer: could not upload %q: %w", fname, err)
	}
	return remote, nil
}

// DownloadFile fetches n bytes of mp:name into the local file fname.
// A zero n downloads the whole file.
// The local name defaults to name.
func (c *Client) DownloadFile(ctx context.Context, mp, name, fname string, n uint64) error {
	if fname == "" {
		fname = name
	}

	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("xfer: could not create %q: %w", fname, err)
	}
	defer f.Close()

	_, err = c.DownloadTo(ctx, f, mp, name, n)
	if err != nil {
		return fmt.Errorf("xfer: could not download %q: %w", link.Path(mp, name), err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("xfer: could not close %q: %w", fname, err)
	}
	return nil
}

// BitstreamName returns the remote name of the bitstream of instrument
// id, variant sub.
func BitstreamName(id, sub uint8) string {
	return fmt.Sprintf("%03d.%03d", id, sub)
}

// Bitstream describes a bitstream held by the device.
type Bitstream struct {
	Name string // instrument part of the bitstream name
	SHA  string // hex-encoded SHA-256 digest, if requested
}

// LoadBitstream uploads the local bitstream fname and returns the
// SHA-256 digest computed by the device.
//
// An empty remote name is derived from fname: "xxx.001.000" is loaded
// as "001.000".
func (c *Client) LoadBitstream(ctx context.Context, fname, remote string) (string, error) {
	if remote == "" {
		base := filepath.Base(fname)
		if strings.Count(base, ".") == 2 {
			remote = base[strings.Index(base, ".")+1:]
		}
	}

	remote, err := c.UploadFile(ctx, link.MountBitstream, fname, remote)
	if err != nil {
		return "", err
	}
	return c.SHA256(ctx, link.MountBitstream, remote)
}

// ListBitstreams lists the bitstreams held by the device.
func (c *Client) ListBitstreams(ctx context.Context, sha bool) ([]Bitstream, error) {
	fs, err := c.List(ctx, link.MountBitstream, false, sha)
	if err != nil {
		return nil, err
	}
	out := make([]Bitstream, len(fs))
	for i, f := range fs {
		name := f.Name
		if j := strings.Index(name, "."); j >= 0 {
			name = name[:j]
		}
		out[i] = Bitstream{Name: name, SHA: f.Checksum}
	}
	return out, nil
}

// DeleteBitstream removes the bitstream name from the device.
func (c *Client) DeleteBitstream(ctx context.Context, name string) error {
	return c.Delete(ctx, link.MountBitstream, name)
}

// LoadFirmware uploads the local firmware image fname and triggers the
// update. The device powers off once the update is applied, which may
// drop the connection before the trigger is acknowledged.
func (c *Client) LoadFirmware(ctx context.Context, fname string) error {
	_, err := c.UploadFile(ctx, link.MountFirmware, fname, FirmwareName)
	if err != nil {
		return err
	}

	err = c.fs.TriggerFirmware(ctx)
	if err != nil {
		var nerr *link.NetError
		if errors.As(err, &nerr) && nerr.Timeout() {
			c.msg.Printf("firmware trigger not acknowledged: %+v", err)
			return nil
		}
		return fmt.Errorf("xfer: could not trigger firmware update: %w", err)
	}
	return nil
}
