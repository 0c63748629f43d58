// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package link

import (
	"context"
	"errors"
	"fmt"
)

// Mount points of the device file server.
const (
	MountInternal  = "i" // internal storage
	MountSD        = "e" // SD card
	MountBitstream = "b" // instrument bitstreams
	MountFirmware  = "f" // firmware updates
	MountPack      = "p" // instrument packs
)

// FileAction is a file server request type.
type FileAction uint8

const (
	FileRead         FileAction = 1
	FileWrite        FileAction = 2
	FileCRC          FileAction = 3
	FileSize         FileAction = 4
	FileList         FileAction = 5
	FileFree         FileAction = 6
	FileFinalize     FileAction = 7
	FileRename       FileAction = 8
	FileRenameStatus FileAction = 9
	FileSHA          FileAction = 10
)

func (a FileAction) String() string {
	switch a {
	case FileRead:
		return "read"
	case FileWrite:
		return "write"
	case FileCRC:
		return "crc"
	case FileSize:
		return "size"
	case FileList:
		return "list"
	case FileFree:
		return "free"
	case FileFinalize:
		return "finalize"
	case FileRename:
		return "rename"
	case FileRenameStatus:
		return "rename-status"
	case FileSHA:
		return "sha"
	}
	return fmt.Sprintf("FileAction(%d)", uint8(a))
}

// List flags.
const (
	ListCRC = 1 << 0
	ListSHA = 1 << 1
)

// SHALen is the length of a hex-encoded SHA-256 digest.
const SHALen = 64

// FileInfo describes a file held by the device.
type FileInfo struct {
	Name     string
	Checksum string // hex-encoded CRC-32 or SHA-256, if requested
	Size     uint64
}

// RenameStatus is the progress of a background rename.
type RenameStatus struct {
	Busy    bool
	Size    uint64
	Percent uint8
}

// Path returns the qualified name of a file on mount point mp.
func Path(mp, name string) string {
	return mp + ":" + name
}

// ReadFile reads up to n bytes at offset off of the file mp:name.
func (l *Link) ReadFile(ctx context.Context, mp, name string, off, n uint64) ([]byte, error) {
	enc := fsReq(FileRead)
	enc.WriteStr8(Path(mp, name))
	enc.WriteU64(off)
	enc.WriteU64(n)

	dec, err := l.fs(ctx, enc, Path(mp, name))
	if err != nil {
		return nil, err
	}
	size := dec.ReadU64()
	data := dec.Rest()
	if err := l.decode(OpFile, dec); err != nil {
		return nil, err
	}
	if size != uint64(len(data)) {
		return nil, l.broken(OpFile, "read reply length mismatch (%d/%d)", size, len(data))
	}
	return data, nil
}

// WriteFile writes p at offset off of the file mp:name.
// The file must be finalized before being used by the device.
func (l *Link) WriteFile(ctx context.Context, mp, name string, off uint64, p []byte) error {
	enc := fsReq(FileWrite)
	enc.WriteStr8(Path(mp, name))
	enc.WriteU64(off)
	enc.WriteU64(uint64(len(p)))
	enc.Write(p)

	_, err := l.fs(ctx, enc, Path(mp, name))
	return err
}

// CRC returns the CRC-32 of the file mp:name.
func (l *Link) CRC(ctx context.Context, mp, name string) (uint32, error) {
	enc := fsReq(FileCRC)
	enc.WriteStr8(Path(mp, name))

	dec, err := l.fs(ctx, enc, Path(mp, name))
	if err != nil {
		return 0, err
	}
	crc := dec.ReadU32()
	if err := l.decode(OpFile, dec); err != nil {
		return 0, err
	}
	return crc, nil
}

// SHA256 returns the hex-encoded SHA-256 digest of the file mp:name.
func (l *Link) SHA256(ctx context.Context, mp, name string) (string, error) {
	enc := fsReq(FileSHA)
	enc.WriteStr8(Path(mp, name))

	dec, err := l.fs(ctx, enc, Path(mp, name))
	if err != nil {
		return "", err
	}
	return string(dec.Rest()), nil
}

// Size returns the size of the file mp:name.
func (l *Link) Size(ctx context.Context, mp, name string) (uint64, error) {
	enc := fsReq(FileSize)
	enc.WriteStr8(Path(mp, name))

	dec, err := l.fs(ctx, enc, Path(mp, name))
	if err != nil {
		return 0, err
	}
	n := dec.ReadU64()
	if err := l.decode(OpFile, dec); err != nil {
		return 0, err
	}
	return n, nil
}

// List lists the files of mount point mp.
// flags selects the checksum reported for each file.
func (l *Link) List(ctx context.Context, mp string, flags uint8) ([]FileInfo, error) {
	enc := fsReq(FileList)
	enc.Write([]byte(mp))
	enc.WriteU8(flags)

	dec, err := l.fs(ctx, enc, mp)
	if err != nil {
		return nil, err
	}

	n := int(dec.ReadU16())
	out := make([]FileInfo, 0, n)
	for i := 0; i < n && dec.Err() == nil; i++ {
		var fi FileInfo
		switch {
		case flags&ListSHA != 0:
			fi.Checksum = string(dec.Read(SHALen))
		case flags&ListCRC != 0:
			fi.Checksum = fmt.Sprintf("%08x", dec.ReadU32())
		}
		fi.Size = dec.ReadU64()
		fi.Name = dec.ReadStr8()
		out = append(out, fi)
	}
	if err := l.decode(OpFile, dec); err != nil {
		return nil, err
	}
	return out, nil
}

// Free returns the total and free space of mount point mp.
func (l *Link) Free(ctx context.Context, mp string) (total, free uint64, err error) {
	enc := fsReq(FileFree)
	enc.Write([]byte(mp))

	dec, err := l.fs(ctx, enc, mp)
	if err != nil {
		return 0, 0, err
	}
	total = dec.ReadU64()
	free = dec.ReadU64()
	if err := l.decode(OpFile, dec); err != nil {
		return 0, 0, err
	}
	return total, free, nil
}

// Finalize commits the file mp:name with its expected size.
// A zero size deletes the file.
func (l *Link) Finalize(ctx context.Context, mp, name string, size uint64) error {
	enc := fsReq(FileFinalize)
	enc.WriteStr8(Path(mp, name))
	enc.WriteU64(size)

	_, err := l.fs(ctx, enc, Path(mp, name))
	return err
}

// Delete removes the file mp:name.
func (l *Link) Delete(ctx context.Context, mp, name string) error {
	return l.Finalize(ctx, mp, name, 0)
}

// Rename copies, or moves, the file smp:sname to dmp:dname.
// The operation proceeds in the background, see RenameStatus.
func (l *Link) Rename(ctx context.Context, smp, sname, dmp, dname string, move bool) error {
	enc := fsReq(FileRename)
	enc.WriteStr8(Path(smp, sname))
	enc.WriteStr8(Path(dmp, dname))
	enc.WriteBool(move)

	_, err := l.fs(ctx, enc, Path(smp, sname))
	return err
}

// RenameStatus returns the progress of the background rename.
func (l *Link) RenameStatus(ctx context.Context) (RenameStatus, error) {
	var st RenameStatus
	dec, err := l.fs(ctx, fsReq(FileRenameStatus), "")
	if err != nil {
		var serr *StatusError
		if !errors.As(err, &serr) || serr.Status != StatusBusy {
			return st, err
		}
		st.Busy = true
		dec = NewDecoder(serr.data)
	}
	st.Size = dec.ReadU64()
	st.Percent = dec.ReadU8()
	if err := l.decode(OpFile, dec); err != nil {
		return st, err
	}
	return st, nil
}

func fsReq(action FileAction) *Encoder {
	enc := NewEncoder(OpFile)
	enc.WriteU64(0)
	enc.WriteU8(uint8(action))
	return enc
}

func (l *Link) fs(ctx context.Context, enc *Encoder, path string) (*Decoder, error) {
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("link: could not encode file request: %w", err)
	}
	req := enc.Msg()
	enc.PutU64At(1, uint64(len(req)-9))
	action := FileAction(req[9])

	rep, err := l.roundtrip(ctx, tmoLong, req)
	if err != nil {
		return nil, fmt.Errorf("link: file %s failed: %w", action, err)
	}

	dec := NewDecoder(rep[1:])
	n := dec.ReadU64()
	if err := l.decode(OpFile, dec); err != nil {
		return nil, err
	}
	if n != uint64(dec.Len()) {
		return nil, l.broken(OpFile, "unexpected reply length %d/%d", n, dec.Len())
	}
	ract := FileAction(dec.ReadU8())
	st := Status(dec.ReadU8())
	if err := l.decode(OpFile, dec); err != nil {
		return nil, err
	}
	if ract != action {
		return nil, l.broken(OpFile, "reply to unexpected action %s", ract)
	}
	if st != StatusOK {
		return nil, &StatusError{Action: action, Status: st, Path: path, data: dec.Rest()}
	}
	return dec, nil
}
