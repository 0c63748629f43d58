// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xfer transfers files to and from the file server of a device.
//
// Uploads are sent in fixed-size chunks, each carrying its own byte
// offset, and only become visible on the device once finalized.
package xfer // import "github.com/go-lpc/moku/xfer"

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/go-lpc/moku/link"
)

// DefaultChunkSize is the size of the chunks exchanged with the device.
const DefaultChunkSize = 4 << 20

var (
	// ErrEmpty is returned when uploading an empty payload.
	// Finalizing a file with a zero size deletes it.
	ErrEmpty = errors.New("xfer: empty upload")

	// ErrChecksum is returned when the device digest of an uploaded
	// file does not match the local one.
	ErrChecksum = errors.New("xfer: checksum mismatch")
)

// FileServer is the file side of a device link.
type FileServer interface {
	ReadFile(ctx context.Context, mp, name string, off, n uint64) ([]byte, error)
	WriteFile(ctx context.Context, mp, name string, off uint64, p []byte) error
	Finalize(ctx context.Context, mp, name string, size uint64) error
	Size(ctx context.Context, mp, name string) (uint64, error)
	List(ctx context.Context, mp string, flags uint8) ([]link.FileInfo, error)
	Free(ctx context.Context, mp string) (total, free uint64, err error)
	CRC(ctx context.Context, mp, name string) (uint32, error)
	SHA256(ctx context.Context, mp, name string) (string, error)
	Rename(ctx context.Context, smp, sname, dmp, dname string, move bool) error
	RenameStatus(ctx context.Context) (link.RenameStatus, error)
	TriggerFirmware(ctx context.Context) error
}

var _ FileServer = (*link.Link)(nil)

// Option configures a Client.
type Option func(*Client)

// WithChunkSize sets the size of the transferred chunks.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		c.chunk = n
	}
}

// WithPollInterval sets the interval between two rename status queries.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.poll = d
	}
}

// WithVerify enables the SHA-256 verification of uploaded files.
func WithVerify(v bool) Option {
	return func(c *Client) {
		c.verify = v
	}
}

// WithLogger sets the logger of the client.
func WithLogger(msg *log.Logger) Option {
	return func(c *Client) {
		c.msg = msg
	}
}

// Client transfers files over a device file server.
type Client struct {
	fs     FileServer
	msg    *log.Logger
	chunk  int
	poll   time.Duration
	verify bool
}

// New returns a transfer client using fs.
func New(fs FileServer, opts ...Option) *Client {
	c := &Client{
		fs:    fs,
		msg:   log.New(io.Discard, "xfer: ", 0),
		chunk: DefaultChunkSize,
		poll:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chunk <= 0 {
		c.chunk = DefaultChunkSize
	}
	return c
}

// ChunkError reports a failed chunk.
// The upload or download may be resumed from Offset.
type ChunkError struct {
	Path   string
	Offset uint64
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("xfer: chunk of %q at offset %d failed: %v", e.Path, e.Offset, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Upload sends the content of r to the file mp:name and finalizes it.
// It returns the number of bytes sent.
func (c *Client) Upload(ctx context.Context, mp, name string, r io.Reader) (uint64, error) {
	if !c.verify {
		return c.Resume(ctx, mp, name, r, 0)
	}

	h := sha256.New()
	n, err := c.Resume(ctx, mp, name, io.TeeReader(r, h), 0)
	if err != nil {
		return n, err
	}
	sum, err := c.SHA256(ctx, mp, name)
	if err != nil {
		return n, err
	}
	if want := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, want) {
		return n, fmt.Errorf("%w for %q (device=%s, local=%s)", ErrChecksum, link.Path(mp, name), sum, want)
	}
	return n, nil
}

// Resume continues an upload interrupted at offset off.
// r must yield the content of the file starting at off.
func (c *Client) Resume(ctx context.Context, mp, name string, r io.Reader, off uint64) (uint64, error) {
	n, err := c.send(ctx, mp, name, r, off)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ErrEmpty
	}

	err = c.fs.Finalize(ctx, mp, name, n)
	if err != nil {
		return n, fmt.Errorf("xfer: could not finalize %q: %w", link.Path(mp, name), err)
	}
	c.msg.Printf("uploaded %q (%d bytes)", link.Path(mp, name), n)
	return n, nil
}

func (c *Client) send(ctx context.Context, mp, name string, r io.Reader, off uint64) (uint64, error) {
	buf := make([]byte, c.chunk)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			werr := c.fs.WriteFile(ctx, mp, name, off, buf[:n])
			if werr != nil {
				return off, &ChunkError{Path: link.Path(mp, name), Offset: off, Err: werr}
			}
			off += uint64(n)
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return off, nil
		default:
			return off, fmt.Errorf("xfer: could not read payload of %q: %w", link.Path(mp, name), err)
		}
	}
}

// Download fetches n bytes of the file mp:name.
// A zero n downloads the whole file.
func (c *Client) Download(ctx context.Context, mp, name string, n uint64) ([]byte, error) {
	o := new(bytes.Buffer)
	_, err := c.DownloadTo(ctx, o, mp, name, n)
	if err != nil {
		return nil, err
	}
	return o.Bytes(), nil
}

// DownloadTo writes n bytes of the file mp:name to w.
// A zero n downloads the whole file.
func (c *Client) DownloadTo(ctx context.Context, w io.Writer, mp, name string, n uint64) (uint64, error) {
	if n == 0 {
		size, err := c.fs.Size(ctx, mp, name)
		if err != nil {
			return 0, fmt.Errorf("xfer: could not stat %q: %w", link.Path(mp, name), err)
		}
		n = size
	}

	var off uint64
	for off < n {
		sz := min(n-off, uint64(c.chunk))
		p, err := c.fs.ReadFile(ctx, mp, name, off, sz)
		if err != nil {
			return off, &ChunkError{Path: link.Path(mp, name), Offset: off, Err: err}
		}
		if len(p) == 0 {
			return off, &ChunkError{Path: link.Path(mp, name), Offset: off, Err: io.ErrUnexpectedEOF}
		}
		_, err = w.Write(p)
		if err != nil {
			return off, fmt.Errorf("xfer: could not write %q: %w", link.Path(mp, name), err)
		}
		off += uint64(len(p))
	}
	return off, nil
}

// List lists the files of mount point mp, with their CRC-32 or their
// SHA-256 digest when requested.
func (c *Client) List(ctx context.Context, mp string, crc, sha bool) ([]link.FileInfo, error) {
	var flags uint8
	if crc {
		flags |= link.ListCRC
	}
	if sha {
		flags |= link.ListSHA
	}
	fs, err := c.fs.List(ctx, mp, flags)
	if err != nil {
		return nil, fmt.Errorf("xfer: could not list %q: %w", mp, err)
	}
	return fs, nil
}

// Delete removes the file mp:name.
func (c *Client) Delete(ctx context.Context, mp, name string) error {
	err := c.fs.Finalize(ctx, mp, name, 0)
	if err != nil {
		return fmt.Errorf("xfer: could not delete %q: %w", link.Path(mp, name), err)
	}
	return nil
}

// Rename copies, or moves, smp:sname to dmp:dname and waits for the
// operation to complete.
func (c *Client) Rename(ctx context.Context, smp, sname, dmp, dname string, move bool) error {
	err := c.fs.Rename(ctx, smp, sname, dmp, dname, move)
	if err != nil {
		return fmt.Errorf("xfer: could not rename %q: %w", link.Path(smp, sname), err)
	}
	return c.WaitRename(ctx, nil)
}

// WaitRename polls the device until the current rename completes.
// progress, if not nil, is called with every status received.
func (c *Client) WaitRename(ctx context.Context, progress func(link.RenameStatus)) error {
	tck := time.NewTicker(c.poll)
	defer tck.Stop()

	for {
		st, err := c.fs.RenameStatus(ctx)
		if err != nil {
			return fmt.Errorf("xfer: could not query rename status: %w", err)
		}
		if progress != nil {
			progress(st)
		}
		if !st.Busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
		}
	}
}

// Checksum returns the CRC-32 of the file mp:name.
func (c *Client) Checksum(ctx context.Context, mp, name string) (uint32, error) {
	crc, err := c.fs.CRC(ctx, mp, name)
	if err != nil {
		return 0, fmt.Errorf("xfer: could not compute checksum of %q: %w", link.Path(mp, name), err)
	}
	return crc, nil
}

// SHA256 returns the hex-encoded SHA-256 digest of the file mp:name.
func (c *Client) SHA256(ctx context.Context, mp, name string) (string, error) {
	sum, err := c.fs.SHA256(ctx, mp, name)
	if err != nil {
		return "", fmt.Errorf("xfer: could not compute digest of %q: %w", link.Path(mp, name), err)
	}
	return sum, nil
}

// Free returns the total and available space of mount point mp.
func (c *Client) Free(ctx context.Context, mp string) (total, free uint64, err error) {
	total, free, err = c.fs.Free(ctx, mp)
	if err != nil {
		return 0, 0, fmt.Errorf("xfer: could not query free space of %q: %w", mp, err)
	}
	return total, free, nil
}
