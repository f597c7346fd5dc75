// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"math"
	"sort"
)

// SnapID identifies a point-in-time snapshot of an image.
type SnapID uint64

// SnapIDHead is the mutable head of an image, i.e. "no snapshot".
const SnapIDHead SnapID = math.MaxUint64

// IsHead reports whether the id refers to the mutable head.
func (s SnapID) IsHead() bool {
	return s == SnapIDHead
}

// SnapMap translates a source snapshot id to an ordered list of destination
// snapshot ids. The first entry is the destination snapshot that corresponds
// to the source snapshot; the remaining entries are the older destination
// snapshots that form the snap context for writes sealing that state.
type SnapMap map[SnapID][]SnapID

// Keys returns the source snapshot ids in ascending order.
func (m SnapMap) Keys() []SnapID {
	keys := make([]SnapID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// WriteReadSnapIDs keys a snapshot-delta entry: the interval was written
// between ReadSnap and WriteSnap and must be read back at ReadSnap.
type WriteReadSnapIDs struct {
	WriteSnap SnapID
	ReadSnap  SnapID
}

// InitialWriteReadSnapIDs marks intervals whose state was established at or
// before the first requested snapshot.
var InitialWriteReadSnapIDs = WriteReadSnapIDs{}

// Less orders delta keys the way snapshots are sealed: by write snapshot,
// then by read snapshot.
func (w WriteReadSnapIDs) Less(other WriteReadSnapIDs) bool {
	if w.WriteSnap != other.WriteSnap {
		return w.WriteSnap < other.WriteSnap
	}
	return w.ReadSnap < other.ReadSnap
}

// ExtentState describes the state of an image interval at a snapshot
// boundary.
type ExtentState uint8

const (
	// ExtentStateDNE marks an interval backed by an object that has never
	// been materialized.
	ExtentStateDNE ExtentState = iota

	// ExtentStateZeroed marks an interval that was discarded or truncated
	// away between two snapshots.
	ExtentStateZeroed

	// ExtentStateData marks an interval holding written data.
	ExtentStateData
)

func (s ExtentState) String() string {
	switch s {
	case ExtentStateDNE:
		return "dne"
	case ExtentStateZeroed:
		return "zeroed"
	case ExtentStateData:
		return "data"
	default:
		return "unknown"
	}
}

// DeltaExtent is one image-relative interval of a snapshot delta.
type DeltaExtent struct {
	Offset uint64
	Length uint64
	State  ExtentState
}

// SnapshotDelta is the sparse list-snaps report for one object: per
// (write, read) snapshot key, the ordered non-overlapping intervals that
// changed, together with their state.
type SnapshotDelta map[WriteReadSnapIDs][]DeltaExtent

// Keys returns the delta keys in (write, read) ascending order.
func (d SnapshotDelta) Keys() []WriteReadSnapIDs {
	keys := make([]WriteReadSnapIDs, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
