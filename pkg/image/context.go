// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package image holds the per-image runtime state shared by data-path
// requests: layout, snapshots, parent linkage, features, lock structures and
// the object-map handle.
package image

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/LeeDigitalWorks/zapbd/pkg/objectmap"
	"github.com/LeeDigitalWorks/zapbd/pkg/storage/pool"
	"github.com/LeeDigitalWorks/zapbd/pkg/striper"
	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

// ErrLostExclusiveLock is returned when an operation token is requested but
// the exclusive lock is no longer held.
var ErrLostExclusiveLock = errors.New("image: lost exclusive lock")

// DataSource serves snapshot-aware reads of an image's data. Completion
// callbacks run on goroutines owned by the implementation.
type DataSource interface {
	// ListSnaps reports the per-snapshot delta of the given image extents
	// across snapIDs (ascending, first entry is the start boundary).
	ListSnaps(extents []types.Extent, snapIDs []types.SnapID, flags types.ListSnapsFlag,
		done func(types.SnapshotDelta, error))

	// Read reads the image extents at the given snapshot, returning the
	// sparse extent map actually materialized (image-relative, ascending)
	// and the concatenated bytes of those extents.
	Read(extents []types.Extent, snap types.SnapID, readFlags types.ReadFlag, opFlags types.OpFlag,
		done func(extentMap []types.Extent, data []byte, err error))
}

// Config assembles an image context.
type Config struct {
	Name         string
	Layout       striper.Layout
	Snaps        []types.SnapID
	ObjectCounts map[types.SnapID]uint64

	Features  types.Features
	Migration bool

	Parent         *Context
	ParentOverlaps map[types.SnapID]uint64

	Source DataSource
	Pool   pool.Pool

	ExclusiveLock *ExclusiveLock
	ObjectMap     *objectmap.ObjectMap

	// CurrentSnap is the snapshot the handle reads at; defaults to head.
	CurrentSnap types.SnapID
}

// Context is the runtime state of one opened image. Lock ordering is
// OwnerLock before ImageLock; both are taken shared for reads of mutable
// state.
type Context struct {
	OwnerLock sync.RWMutex
	ImageLock sync.RWMutex

	name   string
	layout striper.Layout

	snaps          []types.SnapID
	objectCounts   map[types.SnapID]uint64
	features       types.Features
	migration      bool
	parent         *Context
	parentOverlaps map[types.SnapID]uint64
	currentSnap    types.SnapID

	source        DataSource
	pool          pool.Pool
	exclusiveLock *ExclusiveLock
	objectMap     *objectmap.ObjectMap

	asyncOps sync.WaitGroup
}

// NewContext builds a Context from cfg.
func NewContext(cfg Config) *Context {
	snaps := append([]types.SnapID(nil), cfg.Snaps...)
	sort.Slice(snaps, func(i, j int) bool { return snaps[i] < snaps[j] })

	current := cfg.CurrentSnap
	if current == 0 {
		current = types.SnapIDHead
	}

	return &Context{
		name:           cfg.Name,
		layout:         cfg.Layout,
		snaps:          snaps,
		objectCounts:   cfg.ObjectCounts,
		features:       cfg.Features,
		migration:      cfg.Migration,
		parent:         cfg.Parent,
		parentOverlaps: cfg.ParentOverlaps,
		currentSnap:    current,
		source:         cfg.Source,
		pool:           cfg.Pool,
		exclusiveLock:  cfg.ExclusiveLock,
		objectMap:      cfg.ObjectMap,
	}
}

// Name returns the image name.
func (c *Context) Name() string { return c.name }

// Layout returns the image's striping layout.
func (c *Context) Layout() striper.Layout { return c.layout }

// ObjectName returns the pool key of the image's nth object.
func (c *Context) ObjectName(objectNo uint64) string {
	return fmt.Sprintf("%s.%016x", c.name, objectNo)
}

// SnapID returns the snapshot the image handle currently reads at.
func (c *Context) SnapID() types.SnapID { return c.currentSnap }

// Snaps returns the image's snapshot ids, ascending. Callers must hold
// ImageLock shared.
func (c *Context) Snaps() []types.SnapID {
	return append([]types.SnapID(nil), c.snaps...)
}

// GetObjectCount returns the image's object count at the given snapshot.
// Callers must hold ImageLock shared.
func (c *Context) GetObjectCount(snap types.SnapID) uint64 {
	if count, ok := c.objectCounts[snap]; ok {
		return count
	}
	return c.objectCounts[types.SnapIDHead]
}

// TestFeatures reports whether the image has all the given features enabled.
func (c *Context) TestFeatures(features types.Features) bool {
	return c.features.Has(features)
}

// InMigration reports whether the image is a live-migration target.
func (c *Context) InMigration() bool { return c.migration }

// HasParent reports whether the image is a clone. Callers must hold
// ImageLock shared.
func (c *Context) HasParent() bool { return c.parent != nil }

// Parent returns the parent image context, or nil. Callers must hold
// ImageLock shared.
func (c *Context) Parent() *Context { return c.parent }

// GetParentOverlap returns the parent overlap at the given snapshot.
// Callers must hold ImageLock shared.
func (c *Context) GetParentOverlap(snap types.SnapID) (uint64, error) {
	if c.parent == nil {
		return 0, nil
	}
	overlap, ok := c.parentOverlaps[snap]
	if !ok {
		return 0, fmt.Errorf("image %s: no parent overlap recorded for snap %d", c.name, snap)
	}
	return overlap, nil
}

// PruneParentExtents clips image extents to the parent overlap, dropping
// extents entirely beyond it. It returns the clipped extents and their total
// length.
func (c *Context) PruneParentExtents(extents []types.Extent, overlap uint64) ([]types.Extent, uint64) {
	var (
		out   []types.Extent
		total uint64
	)
	for _, e := range extents {
		if e.Offset >= overlap {
			continue
		}
		if e.End() > overlap {
			e.Length = overlap - e.Offset
		}
		out = append(out, e)
		total += e.Length
	}
	return out, total
}

// Source returns the image's data source.
func (c *Context) Source() DataSource { return c.source }

// Pool returns the image's data pool.
func (c *Context) Pool() pool.Pool { return c.pool }

// ObjectMap returns the image's object-map handle, or nil when the feature
// is disabled or the handle was torn down. Callers must hold ImageLock
// shared.
func (c *Context) ObjectMap() *objectmap.ObjectMap { return c.objectMap }

// SetObjectMap swaps the object-map handle. Callers must hold ImageLock
// exclusively.
func (c *Context) SetObjectMap(m *objectmap.ObjectMap) { c.objectMap = m }

// StartLockOp opens an exclusive-lock operation token. Callers must hold
// OwnerLock shared. Images without an exclusive lock configured proceed
// unguarded.
func (c *Context) StartLockOp() (func(), error) {
	if c.exclusiveLock == nil {
		return func() {}, nil
	}
	return c.exclusiveLock.StartOp()
}

// StartAsyncOp registers an in-flight async request against this image and
// returns its release.
func (c *Context) StartAsyncOp() func() {
	c.asyncOps.Add(1)
	return func() { c.asyncOps.Done() }
}

// WaitAsyncOps blocks until all in-flight async requests released.
func (c *Context) WaitAsyncOps() {
	c.asyncOps.Wait()
}
