// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package interval provides an ordered set of non-overlapping byte intervals
// over uint64 offsets. Inserts coalesce adjacent and overlapping intervals,
// which both the read planner and the zero-op synthesis rely on.
package interval

import (
	"fmt"
	"strings"

	"github.com/LeeDigitalWorks/zapbd/pkg/types"

	"github.com/google/btree"
)

const btreeDegree = 8

// Set is an ordered set of disjoint intervals. The zero value is not usable;
// use NewSet.
type Set struct {
	tree *btree.BTreeG[types.Extent]
}

func lessExtent(a, b types.Extent) bool {
	return a.Offset < b.Offset
}

// NewSet returns an empty interval set.
func NewSet() *Set {
	return &Set{tree: btree.NewG(btreeDegree, lessExtent)}
}

// Insert unions [offset, offset+length) into the set, coalescing with any
// overlapping or adjacent intervals.
func (s *Set) Insert(offset, length uint64) {
	if length == 0 {
		return
	}
	start, end := offset, offset+length

	// Absorb a predecessor that touches or overlaps the new interval.
	var absorb []types.Extent
	s.tree.DescendLessOrEqual(types.Extent{Offset: start}, func(e types.Extent) bool {
		if e.End() >= start {
			absorb = append(absorb, e)
		}
		return false
	})
	// Absorb successors that start within the (growing) interval.
	s.tree.AscendGreaterOrEqual(types.Extent{Offset: start}, func(e types.Extent) bool {
		if e.Offset > end {
			return false
		}
		absorb = append(absorb, e)
		return true
	})

	for _, e := range absorb {
		if e.Offset < start {
			start = e.Offset
		}
		if e.End() > end {
			end = e.End()
		}
		s.tree.Delete(e)
	}
	s.tree.ReplaceOrInsert(types.Extent{Offset: start, Length: end - start})
}

// InsertExtent unions the given extent into the set.
func (s *Set) InsertExtent(e types.Extent) {
	s.Insert(e.Offset, e.Length)
}

// Remove clears [offset, offset+length) from the set, splitting intervals
// that straddle the boundaries.
func (s *Set) Remove(offset, length uint64) {
	if length == 0 {
		return
	}
	start, end := offset, offset+length

	var affected []types.Extent
	s.tree.DescendLessOrEqual(types.Extent{Offset: start}, func(e types.Extent) bool {
		if e.End() > start {
			affected = append(affected, e)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(types.Extent{Offset: start}, func(e types.Extent) bool {
		if e.Offset >= end {
			return false
		}
		if e.Offset > start || len(affected) == 0 || affected[0].Offset != e.Offset {
			affected = append(affected, e)
		}
		return true
	})

	for _, e := range affected {
		s.tree.Delete(e)
		if e.Offset < start {
			s.tree.ReplaceOrInsert(types.Extent{Offset: e.Offset, Length: start - e.Offset})
		}
		if e.End() > end {
			s.tree.ReplaceOrInsert(types.Extent{Offset: end, Length: e.End() - end})
		}
	}
}

// Subtract removes every interval of other from s.
func (s *Set) Subtract(other *Set) {
	other.Iterate(func(offset, length uint64) bool {
		s.Remove(offset, length)
		return true
	})
}

// Intersect returns the intersection of s and other as a new set.
func (s *Set) Intersect(other *Set) *Set {
	out := NewSet()
	s.Iterate(func(offset, length uint64) bool {
		end := offset + length
		other.tree.DescendLessOrEqual(types.Extent{Offset: offset}, func(e types.Extent) bool {
			if e.End() > offset {
				out.Insert(offset, minU64(end, e.End())-offset)
			}
			return false
		})
		other.tree.AscendGreaterOrEqual(types.Extent{Offset: offset + 1}, func(e types.Extent) bool {
			if e.Offset >= end {
				return false
			}
			out.Insert(e.Offset, minU64(end, e.End())-e.Offset)
			return true
		})
		return true
	})
	return out
}

// Iterate visits intervals in ascending offset order until fn returns false.
func (s *Set) Iterate(fn func(offset, length uint64) bool) {
	s.tree.Ascend(func(e types.Extent) bool {
		return fn(e.Offset, e.Length)
	})
}

// Extents returns the intervals in ascending order.
func (s *Set) Extents() []types.Extent {
	out := make([]types.Extent, 0, s.tree.Len())
	s.tree.Ascend(func(e types.Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Empty reports whether the set contains no intervals.
func (s *Set) Empty() bool {
	return s.tree.Len() == 0
}

// Len returns the number of disjoint intervals.
func (s *Set) Len() int {
	return s.tree.Len()
}

// TotalLength returns the summed length of all intervals.
func (s *Set) TotalLength() uint64 {
	var total uint64
	s.tree.Ascend(func(e types.Extent) bool {
		total += e.Length
		return true
	})
	return total
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	return &Set{tree: s.tree.Clone()}
}

func (s *Set) String() string {
	var b strings.Builder
	b.WriteByte('[')
	first := true
	s.tree.Ascend(func(e types.Extent) bool {
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%d~%d", e.Offset, e.Length)
		return true
	})
	b.WriteByte(']')
	return b.String()
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
