// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"
)

// ErrNotExist is returned by stores for missing files.
var ErrNotExist = errors.New("sim: file does not exist")

// Store holds the finalized files of the simulated device, per mount
// point.
type Store interface {
	Get(mp, name string) ([]byte, error)
	Put(mp, name string, data []byte) error
	Delete(mp, name string) error
	Names(mp string) ([]string, error)
	Close() error
}

type memStore struct {
	mu    sync.RWMutex
	files map[string]map[string][]byte
}

// NewMemStore returns a store keeping its files in memory.
func NewMemStore() Store {
	return &memStore{files: make(map[string]map[string][]byte)}
}

func (s *memStore) Get(mp, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[mp][name]
	if !ok {
		return nil, ErrNotExist
	}
	return data, nil
}

func (s *memStore) Put(mp, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.files[mp]
	if dir == nil {
		dir = make(map[string][]byte)
		s.files[mp] = dir
	}
	dir[name] = append([]byte(nil), data...)
	return nil
}

func (s *memStore) Delete(mp, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[mp][name]; !ok {
		return ErrNotExist
	}
	delete(s.files[mp], name)
	return nil
}

func (s *memStore) Names(mp string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files[mp]))
	for name := range s.files[mp] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) Close() error { return nil }

const bucketPrefix = "mp_"

type boltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens, or creates, a store persisting its files in the
// bbolt database fname, with one bucket per mount point.
func OpenBoltStore(fname string, mounts ...string) (Store, error) {
	db, err := bbolt.Open(fname, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("sim: could not open store %q: %w", fname, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, mp := range mounts {
			_, err := tx.CreateBucketIfNotExists(bucketName(mp))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sim: could not create mount buckets: %w", err)
	}

	return &boltStore{db: db}, nil
}

func bucketName(mp string) []byte {
	return []byte(bucketPrefix + mp)
}

func (s *boltStore) Get(mp, name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mp))
		if b == nil {
			return ErrNotExist
		}
		v := b.Get([]byte(name))
		if v == nil {
			return ErrNotExist
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *boltStore) Put(mp, name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(mp))
		if err != nil {
			return fmt.Errorf("sim: could not create bucket %q: %w", mp, err)
		}
		return b.Put([]byte(name), data)
	})
}

func (s *boltStore) Delete(mp, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mp))
		if b == nil || b.Get([]byte(name)) == nil {
			return ErrNotExist
		}
		return b.Delete([]byte(name))
	})
}

func (s *boltStore) Names(mp string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(mp))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
