// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package objectmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/LeeDigitalWorks/zapbd/pkg/types"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Store persists per-snapshot object states. Absent keys read back as
// ObjectNonexistent.
type Store interface {
	io.Closer
	Get(snap types.SnapID, objectNo uint64) (types.ObjectState, error)
	Put(snap types.SnapID, objectNo uint64, state types.ObjectState) error
}

type mapKey struct {
	snap     types.SnapID
	objectNo uint64
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[mapKey]types.ObjectState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[mapKey]types.ObjectState)}
}

func (s *MemoryStore) Get(snap types.SnapID, objectNo uint64) (types.ObjectState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[mapKey{snap, objectNo}], nil
}

func (s *MemoryStore) Put(snap types.SnapID, objectNo uint64, state types.ObjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[mapKey{snap, objectNo}] = state
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// LevelDBStore persists object states in a LevelDB database.
type LevelDBStore struct {
	db        *leveldb.DB
	writeOpts *opt.WriteOptions
}

// NewLevelDBStore opens (or recovers) a LevelDB-backed store at dir.
func NewLevelDBStore(dir string, opts *opt.Options) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, opts)
	if lverrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("open object map store %s: %w", dir, err)
	}
	return &LevelDBStore{
		db:        db,
		writeOpts: &opt.WriteOptions{Sync: false},
	}, nil
}

func storeKey(snap types.SnapID, objectNo uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(snap))
	binary.BigEndian.PutUint64(key[8:], objectNo)
	return key
}

func (s *LevelDBStore) Get(snap types.SnapID, objectNo uint64) (types.ObjectState, error) {
	val, err := s.db.Get(storeKey(snap, objectNo), nil)
	if err == leveldb.ErrNotFound {
		return types.ObjectNonexistent, nil
	}
	if err != nil {
		return types.ObjectNonexistent, err
	}
	if len(val) != 1 {
		return types.ObjectNonexistent, fmt.Errorf("object map store: malformed value of length %d", len(val))
	}
	return types.ObjectState(val[0]), nil
}

func (s *LevelDBStore) Put(snap types.SnapID, objectNo uint64, state types.ObjectState) error {
	return s.db.Put(storeKey(snap, objectNo), []byte{byte(state)}, s.writeOpts)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
