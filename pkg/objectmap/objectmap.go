// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectmap tracks per-snapshot object existence for an image.
package objectmap

import (
	"github.com/LeeDigitalWorks/zapbd/pkg/logger"
	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

// ObjectMap is the per-image object existence map. Updates are asynchronous;
// a head update that would not change the stored state is reported as not
// sent and completes synchronously at the caller.
type ObjectMap struct {
	store Store
}

// New wraps a Store in an ObjectMap.
func New(store Store) *ObjectMap {
	return &ObjectMap{store: store}
}

// AioUpdate records the state of objectNo at snap. It returns false when the
// update was elided (head state already current); the caller completes the
// operation itself in that case and done is never invoked.
func (m *ObjectMap) AioUpdate(snap types.SnapID, objectNo uint64, state types.ObjectState, done func(error)) bool {
	if snap.IsHead() {
		cur, err := m.store.Get(snap, objectNo)
		if err == nil && cur == state {
			logger.Debug().
				Uint64("object_no", objectNo).
				Str("state", state.String()).
				Msg("objectmap: head state unchanged")
			return false
		}
	}

	go func() {
		done(m.store.Put(snap, objectNo, state))
	}()
	return true
}

// Get returns the recorded state of objectNo at snap.
func (m *ObjectMap) Get(snap types.SnapID, objectNo uint64) (types.ObjectState, error) {
	return m.store.Get(snap, objectNo)
}
