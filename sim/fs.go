// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/crc32"
	"math"
	"strings"

	"github.com/go-lpc/moku/link"
)

// fsReply builds the reply to a file server request.
func fsReply(action link.FileAction, st link.Status, payload func(enc *link.Encoder)) []byte {
	enc := link.NewEncoder(link.OpFile)
	enc.WriteU64(0)
	enc.WriteU8(uint8(action))
	enc.WriteU8(uint8(st))
	if payload != nil {
		payload(enc)
	}
	enc.PutU64At(1, uint64(enc.Len()-9))
	return enc.Msg()
}

func fsStatus(action link.FileAction, st link.Status) []byte {
	return fsReply(action, st, nil)
}

func (srv *Server) handleFile(dec *link.Decoder) []byte {
	n := dec.ReadU64()
	if dec.Err() != nil || n != uint64(dec.Len()) || n == 0 {
		return fsStatus(0, link.StatusInval)
	}
	action := link.FileAction(dec.ReadU8())

	switch action {
	case link.FileRead:
		return srv.fsRead(dec)
	case link.FileWrite:
		return srv.fsWrite(dec)
	case link.FileCRC, link.FileSHA, link.FileSize:
		return srv.fsStat(action, dec)
	case link.FileList:
		return srv.fsList(dec)
	case link.FileFree:
		return srv.fsFree(dec)
	case link.FileFinalize:
		return srv.fsFinalize(dec)
	case link.FileRename:
		return srv.fsRename(dec)
	case link.FileRenameStatus:
		return srv.fsRenameStatus()
	}
	return fsStatus(action, link.StatusAction)
}

// split splits a qualified "mp:name" path.
func split(path string) (mp, name string, ok bool) {
	i := strings.Index(path, ":")
	if i != 1 || i+1 == len(path) {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// mount checks the mount point mp is usable.
func (srv *Server) mount(mp string, write bool) link.Status {
	m, ok := srv.mounts[mp]
	switch {
	case !ok, m.Missing:
		return link.StatusNoMount
	case write && m.ReadOnly:
		return link.StatusReadOnly
	}
	return link.StatusOK
}

// used returns the space used on mp, staged uploads included.
func (srv *Server) used(mp string) uint64 {
	var n uint64
	names, _ := srv.store.Names(mp)
	for _, name := range names {
		data, err := srv.store.Get(mp, name)
		if err == nil {
			n += uint64(len(data))
		}
	}
	for path, data := range srv.staged {
		if strings.HasPrefix(path, mp+":") {
			n += uint64(len(data))
		}
	}
	return n
}

func (srv *Server) free(mp string) uint64 {
	size := srv.mounts[mp].Size
	used := srv.used(mp)
	if used >= size {
		return 0
	}
	return size - used
}

// lookup returns the finalized file at path.
func (srv *Server) lookup(path string) ([]byte, link.Status) {
	mp, name, ok := split(path)
	if !ok {
		return nil, link.StatusInval
	}
	if st := srv.mount(mp, false); st != link.StatusOK {
		return nil, st
	}
	data, err := srv.store.Get(mp, name)
	switch {
	case errors.Is(err, ErrNotExist):
		return nil, link.StatusNotFound
	case err != nil:
		srv.msg.Printf("could not read %q: %+v", path, err)
		return nil, link.StatusUnknown
	}
	return data, link.StatusOK
}

func (srv *Server) fsRead(dec *link.Decoder) []byte {
	path := dec.ReadStr8()
	off := dec.ReadU64()
	n := dec.ReadU64()
	if dec.Err() != nil {
		return fsStatus(link.FileRead, link.StatusInval)
	}

	data, st := srv.lookup(path)
	if st != link.StatusOK {
		return fsStatus(link.FileRead, st)
	}
	if off > uint64(len(data)) {
		return fsStatus(link.FileRead, link.StatusInval)
	}
	data = data[off:]
	data = data[:min(n, uint64(len(data)))]

	return fsReply(link.FileRead, link.StatusOK, func(enc *link.Encoder) {
		enc.WriteU64(uint64(len(data)))
		enc.Write(data)
	})
}

func (srv *Server) fsWrite(dec *link.Decoder) []byte {
	path := dec.ReadStr8()
	off := dec.ReadU64()
	n := dec.ReadU64()
	data := dec.Rest()
	if dec.Err() != nil || n != uint64(len(data)) || off > math.MaxUint64-n {
		return fsStatus(link.FileWrite, link.StatusInval)
	}

	mp, _, ok := split(path)
	if !ok {
		return fsStatus(link.FileWrite, link.StatusInval)
	}
	if st := srv.mount(mp, true); st != link.StatusOK {
		return fsStatus(link.FileWrite, st)
	}

	buf := srv.staged[path]
	grow := uint64(0)
	if end := off + n; end > uint64(len(buf)) {
		grow = end - uint64(len(buf))
	}
	if grow > srv.free(mp) {
		return fsStatus(link.FileWrite, link.StatusNoSpace)
	}
	if grow > 0 {
		buf = append(buf, make([]byte, grow)...)
	}
	copy(buf[off:], data)
	srv.staged[path] = buf

	return fsStatus(link.FileWrite, link.StatusOK)
}

func (srv *Server) fsStat(action link.FileAction, dec *link.Decoder) []byte {
	path := dec.ReadStr8()
	if dec.Err() != nil {
		return fsStatus(action, link.StatusInval)
	}

	data, st := srv.lookup(path)
	if st != link.StatusOK {
		return fsStatus(action, st)
	}

	return fsReply(action, link.StatusOK, func(enc *link.Encoder) {
		switch action {
		case link.FileCRC:
			enc.WriteU32(crc32.ChecksumIEEE(data))
		case link.FileSHA:
			enc.Write([]byte(sha(data)))
		case link.FileSize:
			enc.WriteU64(uint64(len(data)))
		}
	})
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (srv *Server) fsList(dec *link.Decoder) []byte {
	mp := string(dec.Read(1))
	flags := dec.ReadU8()
	if dec.Err() != nil {
		return fsStatus(link.FileList, link.StatusInval)
	}
	if st := srv.mount(mp, false); st != link.StatusOK {
		return fsStatus(link.FileList, st)
	}

	names, err := srv.store.Names(mp)
	if err != nil {
		srv.msg.Printf("could not list %q: %+v", mp, err)
		return fsStatus(link.FileList, link.StatusUnknown)
	}

	return fsReply(link.FileList, link.StatusOK, func(enc *link.Encoder) {
		enc.WriteU16(uint16(len(names)))
		for _, name := range names {
			data, _ := srv.store.Get(mp, name)
			switch {
			case flags&link.ListSHA != 0:
				enc.Write([]byte(sha(data)))
			case flags&link.ListCRC != 0:
				enc.WriteU32(crc32.ChecksumIEEE(data))
			}
			enc.WriteU64(uint64(len(data)))
			enc.WriteStr8(name)
		}
	})
}

func (srv *Server) fsFree(dec *link.Decoder) []byte {
	mp := string(dec.Read(1))
	if dec.Err() != nil {
		return fsStatus(link.FileFree, link.StatusInval)
	}
	if st := srv.mount(mp, false); st != link.StatusOK {
		return fsStatus(link.FileFree, st)
	}

	total := srv.mounts[mp].Size
	free := srv.free(mp)
	if srv.mounts[mp].ReadOnly {
		free = 0
	}
	return fsReply(link.FileFree, link.StatusOK, func(enc *link.Encoder) {
		enc.WriteU64(total)
		enc.WriteU64(free)
	})
}

func (srv *Server) fsFinalize(dec *link.Decoder) []byte {
	path := dec.ReadStr8()
	size := dec.ReadU64()
	if dec.Err() != nil {
		return fsStatus(link.FileFinalize, link.StatusInval)
	}

	mp, name, ok := split(path)
	if !ok {
		return fsStatus(link.FileFinalize, link.StatusInval)
	}
	if st := srv.mount(mp, true); st != link.StatusOK {
		return fsStatus(link.FileFinalize, st)
	}

	if size == 0 {
		_, staged := srv.staged[path]
		delete(srv.staged, path)
		err := srv.store.Delete(mp, name)
		switch {
		case errors.Is(err, ErrNotExist) && !staged:
			return fsStatus(link.FileFinalize, link.StatusNotFound)
		case err != nil && !errors.Is(err, ErrNotExist):
			srv.msg.Printf("could not delete %q: %+v", path, err)
			return fsStatus(link.FileFinalize, link.StatusUnknown)
		}
		return fsStatus(link.FileFinalize, link.StatusOK)
	}

	buf, ok := srv.staged[path]
	switch {
	case !ok:
		return fsStatus(link.FileFinalize, link.StatusNotFound)
	case uint64(len(buf)) < size:
		return fsStatus(link.FileFinalize, link.StatusInval)
	}

	err := srv.store.Put(mp, name, buf[:size])
	if err != nil {
		srv.msg.Printf("could not store %q: %+v", path, err)
		return fsStatus(link.FileFinalize, link.StatusUnknown)
	}
	delete(srv.staged, path)
	return fsStatus(link.FileFinalize, link.StatusOK)
}

func (srv *Server) fsRename(dec *link.Decoder) []byte {
	src := dec.ReadStr8()
	dst := dec.ReadStr8()
	move := dec.ReadBool()
	if dec.Err() != nil {
		return fsStatus(link.FileRename, link.StatusInval)
	}
	if srv.rename.left > 0 {
		return fsStatus(link.FileRename, link.StatusBusy)
	}

	data, st := srv.lookup(src)
	if st != link.StatusOK {
		return fsStatus(link.FileRename, st)
	}
	smp, sname, _ := split(src)
	dmp, dname, ok := split(dst)
	if !ok {
		return fsStatus(link.FileRename, link.StatusInval)
	}
	if st := srv.mount(dmp, true); st != link.StatusOK {
		return fsStatus(link.FileRename, st)
	}
	if move && srv.mounts[smp].ReadOnly {
		return fsStatus(link.FileRename, link.StatusReadOnly)
	}
	if uint64(len(data)) > srv.free(dmp) && smp != dmp {
		return fsStatus(link.FileRename, link.StatusNoSpace)
	}

	err := srv.store.Put(dmp, dname, data)
	if err == nil && move && src != dst {
		err = srv.store.Delete(smp, sname)
	}
	if err != nil {
		srv.msg.Printf("could not rename %q to %q: %+v", src, dst, err)
		return fsStatus(link.FileRename, link.StatusUnknown)
	}

	srv.rename.left = srv.renameSteps
	srv.rename.size = uint64(len(data))
	return fsStatus(link.FileRename, link.StatusOK)
}

func (srv *Server) fsRenameStatus() []byte {
	st := link.StatusOK
	pct := uint8(100)
	if srv.rename.left > 0 {
		st = link.StatusBusy
		pct = uint8(100 / (srv.rename.left + 1))
		srv.rename.left--
	}
	size := srv.rename.size
	return fsReply(link.FileRenameStatus, st, func(enc *link.Encoder) {
		enc.WriteU64(size)
		enc.WriteU8(pct)
	})
}
