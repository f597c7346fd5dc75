// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"sync"

	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

// MemoryPool is an in-memory Pool with snapset semantics, used for tests and
// benchmarks.
type MemoryPool struct {
	mu      sync.Mutex
	objects map[string]*memObject
}

type objState struct {
	exists bool
	data   []byte
}

type clone struct {
	// id is the newest snapshot preserved in this clone.
	id    types.SnapID
	snaps []types.SnapID
	state objState
}

type memObject struct {
	snapSeq types.SnapID
	clones  []clone
	head    objState
}

// Stat describes an object at one snapshot.
type Stat struct {
	Exists bool
	Size   uint64
}

// NewMemoryPool returns an empty in-memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{objects: make(map[string]*memObject)}
}

// AioOperate implements Pool. The batch is applied under p.mu and the
// callback is invoked on a fresh goroutine.
func (p *MemoryPool) AioOperate(oid string, op *WriteOp, snapSeq types.SnapID, snaps []types.SnapID, done func(error)) {
	go func() {
		done(p.operate(oid, op, snapSeq, snaps))
	}()
}

// Operate applies the batch synchronously.
func (p *MemoryPool) Operate(oid string, op *WriteOp, snapSeq types.SnapID, snaps []types.SnapID) error {
	return p.operate(oid, op, snapSeq, snaps)
}

func (p *MemoryPool) operate(oid string, op *WriteOp, snapSeq types.SnapID, snaps []types.SnapID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj := p.objects[oid]
	if obj == nil {
		obj = &memObject{}
		p.objects[oid] = obj
	}

	cowDone := false
	cow := func() {
		if cowDone {
			return
		}
		cowDone = true
		if snapSeq == 0 || snapSeq <= obj.snapSeq {
			return
		}
		preserved := make([]types.SnapID, 0, len(snaps))
		for _, s := range snaps {
			if s > obj.snapSeq && s <= snapSeq {
				preserved = append(preserved, s)
			}
		}
		if len(preserved) > 0 {
			id := preserved[0]
			for _, s := range preserved {
				if s > id {
					id = s
				}
			}
			obj.clones = append(obj.clones, clone{
				id:    id,
				snaps: preserved,
				state: objState{exists: obj.head.exists, data: append([]byte(nil), obj.head.data...)},
			})
		}
		obj.snapSeq = snapSeq
	}

	for _, st := range op.steps {
		switch st.kind {
		case stepAssertSnapcSeq:
			switch st.predicate {
			case GTSnapsetSeq:
				if st.seq <= obj.snapSeq {
					return fmt.Errorf("snapc seq %d <= snapset seq %d: %w", st.seq, obj.snapSeq, ErrSnapcSeq)
				}
			default:
				return fmt.Errorf("pool: unknown snapc predicate %d", st.predicate)
			}
		case stepWrite:
			cow()
			obj.head.exists = true
			end := st.offset + uint64(len(st.data))
			if uint64(len(obj.head.data)) < end {
				obj.head.data = append(obj.head.data, make([]byte, end-uint64(len(obj.head.data)))...)
			}
			copy(obj.head.data[st.offset:end], st.data)
		case stepZero:
			cow()
			obj.head.exists = true
			end := st.offset + st.length
			if end > uint64(len(obj.head.data)) {
				end = uint64(len(obj.head.data))
			}
			for i := st.offset; i < end; i++ {
				obj.head.data[i] = 0
			}
		case stepCreate:
			cow()
			if st.exclusive && obj.head.exists {
				return fmt.Errorf("pool: object %s already exists", oid)
			}
			obj.head.exists = true
		case stepTruncate:
			cow()
			if !obj.head.exists {
				return fmt.Errorf("truncate %s: %w", oid, ErrNotFound)
			}
			size := uint64(len(obj.head.data))
			if st.offset < size {
				obj.head.data = obj.head.data[:st.offset]
			} else if st.offset > size {
				obj.head.data = append(obj.head.data, make([]byte, st.offset-size)...)
			}
		case stepRemove:
			cow()
			if !obj.head.exists {
				return fmt.Errorf("remove %s: %w", oid, ErrNotFound)
			}
			obj.head = objState{}
		default:
			return fmt.Errorf("pool: unknown op step %d", st.kind)
		}
	}
	return nil
}

func (obj *memObject) stateAt(snap types.SnapID) objState {
	if snap.IsHead() {
		return obj.head
	}
	for _, c := range obj.clones {
		if c.id >= snap {
			return c.state
		}
	}
	return obj.head
}

// Stat reports existence and size of oid at the given snapshot.
func (p *MemoryPool) Stat(oid string, snap types.SnapID) (Stat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj := p.objects[oid]
	if obj == nil {
		return Stat{}, nil
	}
	st := obj.stateAt(snap)
	return Stat{Exists: st.exists, Size: uint64(len(st.data))}, nil
}

// ReadAt reads [offset, offset+length) of oid at the given snapshot,
// clipped to the object size. It returns ErrNotFound when the object does
// not exist at that snapshot.
func (p *MemoryPool) ReadAt(oid string, snap types.SnapID, offset, length uint64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	obj := p.objects[oid]
	if obj == nil {
		return nil, fmt.Errorf("read %s: %w", oid, ErrNotFound)
	}
	st := obj.stateAt(snap)
	if !st.exists {
		return nil, fmt.Errorf("read %s@%d: %w", oid, snap, ErrNotFound)
	}
	size := uint64(len(st.data))
	if offset >= size {
		return nil, nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	return append([]byte(nil), st.data[offset:end]...), nil
}

// SnapSeq returns the object's current snapset sequence.
func (p *MemoryPool) SnapSeq(oid string) types.SnapID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if obj := p.objects[oid]; obj != nil {
		return obj.snapSeq
	}
	return 0
}
