// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LeeDigitalWorks/zapbd/pkg/storage/pool"
	"github.com/LeeDigitalWorks/zapbd/pkg/striper"
	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

// MemoryImage is a DataSource backed by a MemoryPool, used by tests and the
// bench command. Writes go to the head under the image's current snap
// context; CreateSnap seals the head state.
type MemoryImage struct {
	mu     sync.Mutex
	name   string
	layout striper.Layout
	pool   *pool.MemoryPool
	snaps  []types.SnapID

	parent        *MemoryImage
	parentOverlap uint64
}

// NewMemoryImage creates an empty memory image.
func NewMemoryImage(name string, layout striper.Layout, p *pool.MemoryPool) *MemoryImage {
	return &MemoryImage{name: name, layout: layout, pool: p}
}

// SetParent links a parent image with the given overlap, making this image a
// clone.
func (m *MemoryImage) SetParent(parent *MemoryImage, overlap uint64) {
	m.parent = parent
	m.parentOverlap = overlap
}

// Pool returns the backing pool.
func (m *MemoryImage) Pool() *pool.MemoryPool { return m.pool }

// ObjectName returns the pool key of the image's nth object; it matches
// Context.ObjectName for the same image name.
func (m *MemoryImage) ObjectName(objectNo uint64) string {
	return fmt.Sprintf("%s.%016x", m.name, objectNo)
}

// CreateSnap seals the current head state under the given snapshot id.
// Snapshot ids must be created in ascending order.
func (m *MemoryImage) CreateSnap(id types.SnapID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.snaps); n > 0 && m.snaps[n-1] >= id {
		panic(fmt.Sprintf("image %s: snapshot ids must ascend, got %d after %d", m.name, id, m.snaps[n-1]))
	}
	m.snaps = append(m.snaps, id)
}

// Snaps returns the image's snapshot ids, ascending.
func (m *MemoryImage) Snaps() []types.SnapID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SnapID(nil), m.snaps...)
}

func (m *MemoryImage) snapContext() (types.SnapID, []types.SnapID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snaps) == 0 {
		return 0, nil
	}
	seq := m.snaps[len(m.snaps)-1]
	snaps := make([]types.SnapID, len(m.snaps))
	for i, s := range m.snaps {
		snaps[len(m.snaps)-1-i] = s
	}
	return seq, snaps
}

// Write writes data at the image-relative offset.
func (m *MemoryImage) Write(offset uint64, data []byte) error {
	seq, snaps := m.snapContext()
	for _, oe := range striper.FileToExtents(m.layout, offset, uint64(len(data)), 0) {
		op := pool.NewWriteOp()
		op.Write(oe.Offset, data[oe.BufferOffset:oe.BufferOffset+oe.Length])
		if err := m.pool.Operate(m.ObjectName(oe.ObjectNo), op, seq, snaps); err != nil {
			return err
		}
	}
	return nil
}

// Discard zeroes [offset, offset+length). Object tails are truncated and
// fully-covered objects removed, matching how the data path persists
// discards.
func (m *MemoryImage) Discard(offset, length uint64) error {
	seq, snaps := m.snapContext()
	for _, oe := range striper.FileToExtents(m.layout, offset, length, 0) {
		oid := m.ObjectName(oe.ObjectNo)
		stat, err := m.pool.Stat(oid, types.SnapIDHead)
		if err != nil {
			return err
		}
		if !stat.Exists {
			continue
		}

		op := pool.NewWriteOp()
		switch {
		case oe.Offset == 0 && oe.Offset+oe.Length >= stat.Size:
			op.Remove()
		case oe.Offset+oe.Length >= stat.Size:
			if oe.Offset >= stat.Size {
				continue
			}
			op.Truncate(oe.Offset)
		default:
			op.Zero(oe.Offset, oe.Length)
		}
		if err := m.pool.Operate(oid, op, seq, snaps); err != nil {
			return err
		}
	}
	return nil
}

type objSnapState struct {
	exists bool
	data   []byte
}

func (m *MemoryImage) stateAt(oid string, snap types.SnapID) (objSnapState, error) {
	if snap == 0 {
		// Nothing exists at the epoch boundary.
		return objSnapState{}, nil
	}
	stat, err := m.pool.Stat(oid, snap)
	if err != nil {
		return objSnapState{}, err
	}
	if !stat.Exists {
		return objSnapState{}, nil
	}
	data, err := m.pool.ReadAt(oid, snap, 0, stat.Size)
	if err != nil {
		return objSnapState{}, err
	}
	return objSnapState{exists: true, data: data}, nil
}

// ListSnaps implements DataSource: a per-object byte diff across the
// requested snapshot boundaries, reported as image-relative intervals.
func (m *MemoryImage) ListSnaps(extents []types.Extent, snapIDs []types.SnapID, flags types.ListSnapsFlag,
	done func(types.SnapshotDelta, error)) {
	go func() {
		delta, err := m.listSnaps(extents, snapIDs)
		done(delta, err)
	}()
}

func (m *MemoryImage) listSnaps(extents []types.Extent, snapIDs []types.SnapID) (types.SnapshotDelta, error) {
	delta := make(types.SnapshotDelta)

	objects := make(map[uint64]bool)
	for _, e := range extents {
		for _, oe := range striper.FileToExtents(m.layout, e.Offset, e.Length, 0) {
			objects[oe.ObjectNo] = true
		}
	}
	objectNos := make([]uint64, 0, len(objects))
	for no := range objects {
		objectNos = append(objectNos, no)
	}
	sort.Slice(objectNos, func(i, j int) bool { return objectNos[i] < objectNos[j] })

	for _, objectNo := range objectNos {
		oid := m.ObjectName(objectNo)

		states := make([]objSnapState, len(snapIDs))
		for i, snap := range snapIDs {
			st, err := m.stateAt(oid, snap)
			if err != nil {
				return nil, err
			}
			states[i] = st
		}

		addExtents := func(key types.WriteReadSnapIDs, state types.ExtentState, objOff, objLen uint64) {
			for _, ie := range striper.ExtentToFile(m.layout, objectNo, objOff, objLen) {
				delta[key] = append(delta[key], types.DeltaExtent{
					Offset: ie.Offset,
					Length: ie.Length,
					State:  state,
				})
			}
		}

		// Start boundary: base state (or DNE) under the initial key.
		initial := types.InitialWriteReadSnapIDs
		if states[0].exists {
			addExtents(initial, types.ExtentStateData, 0, uint64(len(states[0].data)))
		} else {
			addExtents(initial, types.ExtentStateDNE, 0, m.layout.ObjectSize)
		}

		for i := 1; i < len(snapIDs); i++ {
			key := types.WriteReadSnapIDs{WriteSnap: snapIDs[i], ReadSnap: snapIDs[i]}
			a, b := states[i-1], states[i]
			switch {
			case !a.exists && b.exists:
				addExtents(key, types.ExtentStateData, 0, uint64(len(b.data)))
			case a.exists && !b.exists:
				addExtents(key, types.ExtentStateZeroed, 0, uint64(len(a.data)))
			case a.exists && b.exists:
				sizeA, sizeB := uint64(len(a.data)), uint64(len(b.data))
				common := sizeA
				if sizeB < common {
					common = sizeB
				}
				var runStart uint64
				inRun := false
				for off := uint64(0); off < common; off++ {
					if a.data[off] != b.data[off] {
						if !inRun {
							runStart, inRun = off, true
						}
					} else if inRun {
						addExtents(key, types.ExtentStateData, runStart, off-runStart)
						inRun = false
					}
				}
				if inRun {
					addExtents(key, types.ExtentStateData, runStart, common-runStart)
				}
				if sizeB > sizeA {
					addExtents(key, types.ExtentStateData, sizeA, sizeB-sizeA)
				} else if sizeA > sizeB {
					addExtents(key, types.ExtentStateZeroed, sizeB, sizeA-sizeB)
				}
			}
		}
	}

	for key := range delta {
		sort.Slice(delta[key], func(i, j int) bool { return delta[key][i].Offset < delta[key][j].Offset })
	}
	return delta, nil
}

// Read implements DataSource. Extents resolve against the object state at
// the requested snapshot, falling through to the parent image for objects
// that do not exist at that snapshot.
func (m *MemoryImage) Read(extents []types.Extent, snap types.SnapID, readFlags types.ReadFlag, opFlags types.OpFlag,
	done func([]types.Extent, []byte, error)) {
	go func() {
		extentMap, data, err := m.read(extents, snap)
		done(extentMap, data, err)
	}()
}

func (m *MemoryImage) read(extents []types.Extent, snap types.SnapID) ([]types.Extent, []byte, error) {
	var (
		extentMap []types.Extent
		data      []byte
	)

	appendChunk := func(imageOffset uint64, chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		if n := len(extentMap); n > 0 && extentMap[n-1].End() == imageOffset {
			extentMap[n-1].Length += uint64(len(chunk))
		} else {
			extentMap = append(extentMap, types.Extent{Offset: imageOffset, Length: uint64(len(chunk))})
		}
		data = append(data, chunk...)
	}

	for _, e := range extents {
		for _, oe := range striper.FileToExtents(m.layout, e.Offset, e.Length, 0) {
			oid := m.ObjectName(oe.ObjectNo)
			stat, err := m.pool.Stat(oid, snap)
			if err != nil {
				return nil, nil, err
			}
			if !stat.Exists {
				if m.parent != nil {
					chunk, err := m.parentRead(oe.ImageOffset, oe.Length)
					if err != nil {
						return nil, nil, err
					}
					appendChunk(oe.ImageOffset, chunk)
				}
				continue
			}
			chunk, err := m.pool.ReadAt(oid, snap, oe.Offset, oe.Length)
			if err != nil {
				return nil, nil, err
			}
			appendChunk(oe.ImageOffset, chunk)
		}
	}
	return extentMap, data, nil
}

func (m *MemoryImage) parentRead(imageOffset, length uint64) ([]byte, error) {
	if imageOffset >= m.parentOverlap {
		return nil, nil
	}
	if imageOffset+length > m.parentOverlap {
		length = m.parentOverlap - imageOffset
	}
	extentMap, data, err := m.parent.read([]types.Extent{{Offset: imageOffset, Length: length}}, types.SnapIDHead)
	if err != nil {
		return nil, err
	}
	// Flatten the sparse reply into a dense chunk so the caller sees
	// parent zeros where the parent has holes.
	out := make([]byte, length)
	var pos uint64
	for _, e := range extentMap {
		copy(out[e.Offset-imageOffset:], data[pos:pos+e.Length])
		pos += e.Length
	}
	return out, nil
}
