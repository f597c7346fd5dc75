// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package deepcopy

import (
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapbd/pkg/image"
	"github.com/LeeDigitalWorks/zapbd/pkg/objectmap"
	"github.com/LeeDigitalWorks/zapbd/pkg/storage/pool"
	"github.com/LeeDigitalWorks/zapbd/pkg/striper"
	"github.com/LeeDigitalWorks/zapbd/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mib        = uint64(1 << 20)
	kib        = uint64(1 << 10)
	objectSize = 4 * mib
)

var testLayout = striper.Layout{ObjectSize: objectSize}

// ============================================================================
// Test Helpers
// ============================================================================

// fakeSource serves canned deltas and reads keyed by read snapshot.
type fakeSource struct {
	delta   types.SnapshotDelta
	listErr error

	reads   map[types.SnapID]fakeRead
	readErr error
}

type fakeRead struct {
	extentMap []types.Extent
	data      []byte
}

func (f *fakeSource) ListSnaps(extents []types.Extent, snapIDs []types.SnapID, flags types.ListSnapsFlag,
	done func(types.SnapshotDelta, error)) {
	go done(f.delta, f.listErr)
}

func (f *fakeSource) Read(extents []types.Extent, snap types.SnapID, readFlags types.ReadFlag, opFlags types.OpFlag,
	done func([]types.Extent, []byte, error)) {
	go func() {
		if f.readErr != nil {
			done(nil, nil, f.readErr)
			return
		}
		read := f.reads[snap]
		done(read.extentMap, read.data, nil)
	}()
}

// recordingPool wraps a MemoryPool and records batch order.
type recordingPool struct {
	*pool.MemoryPool

	mu      sync.Mutex
	batches []types.SnapID
}

func (p *recordingPool) AioOperate(oid string, op *pool.WriteOp, snapSeq types.SnapID, snaps []types.SnapID,
	done func(error)) {
	p.mu.Lock()
	p.batches = append(p.batches, snapSeq)
	p.mu.Unlock()
	p.MemoryPool.AioOperate(oid, op, snapSeq, snaps, done)
}

func (p *recordingPool) recorded() []types.SnapID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.SnapID(nil), p.batches...)
}

type srcOption func(*image.Config)

func withParent(overlaps map[types.SnapID]uint64) srcOption {
	return func(cfg *image.Config) {
		cfg.Parent = image.NewContext(image.Config{Name: "parent", Layout: testLayout})
		cfg.ParentOverlaps = overlaps
	}
}

func newSrcContext(t *testing.T, source image.DataSource, opts ...srcOption) *image.Context {
	t.Helper()

	cfg := image.Config{
		Name:   "src",
		Layout: testLayout,
		Source: source,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return image.NewContext(cfg)
}

type dstOption func(*image.Config)

func withObjectCounts(counts map[types.SnapID]uint64) dstOption {
	return func(cfg *image.Config) { cfg.ObjectCounts = counts }
}

func withFeatures(features types.Features) dstOption {
	return func(cfg *image.Config) { cfg.Features = features }
}

func withObjectMap(m *objectmap.ObjectMap) dstOption {
	return func(cfg *image.Config) { cfg.ObjectMap = m }
}

func withMigration() dstOption {
	return func(cfg *image.Config) { cfg.Migration = true }
}

func withExclusiveLock(l *image.ExclusiveLock) dstOption {
	return func(cfg *image.Config) { cfg.ExclusiveLock = l }
}

func newDstContext(t *testing.T, p pool.Pool, opts ...dstOption) *image.Context {
	t.Helper()

	cfg := image.Config{
		Name:   "dst",
		Layout: testLayout,
		Snaps:  []types.SnapID{110, 120},
		ObjectCounts: map[types.SnapID]uint64{
			110:              1,
			120:              1,
			types.SnapIDHead: 1,
		},
		Pool:          p,
		ExclusiveLock: image.NewExclusiveLock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return image.NewContext(cfg)
}

func runRequest(t *testing.T, r *ObjectCopyRequest) error {
	t.Helper()

	done := make(chan error, 1)
	r.onFinish = func(err error) { done <- err }
	r.Send()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("object copy request timed out")
		return nil
	}
}

func fill(b byte, n uint64) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// densify pads a clipped object read out to the full object size so
// byte-equivalence includes implicit zeros past the object end.
func densify(data []byte) []byte {
	out := make([]byte, objectSize)
	copy(out, data)
	return out
}

// ============================================================================
// Scenario Tests
// ============================================================================

func TestCleanHeadWrite(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			types.InitialWriteReadSnapIDs: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			0: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
		},
	}

	p := &recordingPool{MemoryPool: pool.NewMemoryPool()}
	src := newSrcContext(t, source)
	dst := newDstContext(t, p)

	var progress uint64
	r := NewObjectCopyRequest(src, dst, 0, 0,
		types.SnapMap{types.SnapIDHead: {types.SnapIDHead}}, 0, false,
		HandlerFunc(func(bytes uint64) { progress += bytes }), nil)

	require.NoError(t, runRequest(t, r))
	assert.Equal(t, mib, progress)

	// One head batch with an empty snap context.
	assert.Equal(t, []types.SnapID{0}, p.recorded())

	data, err := p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, mib), data)

	// The base state seals at the head.
	assert.Equal(t, types.ObjectExists, r.dstObjectState[0])
}

func TestObjectRemovedInLaterSnap(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
			{WriteSnap: 20, ReadSnap: 20}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
			20: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xBB, mib)},
		},
	}

	p := &recordingPool{MemoryPool: pool.NewMemoryPool()}
	src := newSrcContext(t, source)
	// The object cannot exist at snapshot 120.
	dst := newDstContext(t, p, withObjectCounts(map[types.SnapID]uint64{
		110:              1,
		120:              0,
		types.SnapIDHead: 1,
	}))

	snapMap := types.SnapMap{
		10: {110},
		20: {120, 110},
	}
	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	// Batch 10 writes data, batch 20 is remove-only.
	assert.Equal(t, []types.SnapID{0, 110}, p.recorded())

	// Snapshot 110 saw the data, the head does not.
	data, err := p.ReadAt(dst.ObjectName(0), 110, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, mib), data)

	_, err = p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	assert.ErrorIs(t, err, pool.ErrNotFound)

	// The object-state plan omits the removed snapshot.
	assert.NotContains(t, r.dstObjectState, types.SnapID(20))
	assert.Equal(t, types.ObjectExists, r.dstObjectState[10])
}

func TestFlattenFromParent(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			types.InitialWriteReadSnapIDs: {{Offset: 0, Length: 512 * kib, State: types.ExtentStateDNE}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: 256 * kib}}, data: fill(0xCC, 256*kib)},
		},
	}

	p := &recordingPool{MemoryPool: pool.NewMemoryPool()}
	src := newSrcContext(t, source, withParent(map[types.SnapID]uint64{10: 256 * kib}))
	dst := newDstContext(t, p)

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, true, nil, nil)
	require.NoError(t, runRequest(t, r))

	data, err := p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xCC, 256*kib), data)
}

func TestFlattenWithoutParentOverlap(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			types.InitialWriteReadSnapIDs: {{Offset: 0, Length: 512 * kib, State: types.ExtentStateDNE}},
		},
	}

	p := pool.NewMemoryPool()
	src := newSrcContext(t, source, withParent(map[types.SnapID]uint64{10: 0}))
	dst := newDstContext(t, p)

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, true, nil, nil)

	// No parent overlap: nothing is read, the object is left alone.
	assert.ErrorIs(t, runRequest(t, r), ErrNothingToCopy)

	_, err := p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	assert.ErrorIs(t, err, pool.ErrNotFound)
}

func TestDNEOnlyWithoutFlatten(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			types.InitialWriteReadSnapIDs: {{Offset: 0, Length: mib, State: types.ExtentStateDNE}},
		},
	}

	src := newSrcContext(t, source, withParent(map[types.SnapID]uint64{10: mib}))
	dst := newDstContext(t, pool.NewMemoryPool())

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), ErrNothingToCopy)
}

func TestParentOverlapLookupFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			types.InitialWriteReadSnapIDs: {{Offset: 0, Length: mib, State: types.ExtentStateDNE}},
		},
	}

	// No overlap recorded for snap 10: lookups fail.
	src := newSrcContext(t, source, withParent(map[types.SnapID]uint64{}))
	dst := newDstContext(t, pool.NewMemoryPool())

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, true, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), ErrNothingToCopy)
}

func TestEmptyDelta(t *testing.T) {
	t.Parallel()

	source := &fakeSource{delta: types.SnapshotDelta{}}
	src := newSrcContext(t, source)
	dst := newDstContext(t, pool.NewMemoryPool())

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{types.SnapIDHead: {types.SnapIDHead}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), ErrNothingToCopy)
}

func TestZeroedMiddleBecomesZeroBatch(t *testing.T) {
	t.Parallel()

	// Snapshot 20 only discards a hole in the middle of the object: its
	// batch carries a single zero op and no writes.
	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: 2 * mib, State: types.ExtentStateData}},
			{WriteSnap: 20, ReadSnap: 20}: {{Offset: 512 * kib, Length: 512 * kib, State: types.ExtentStateZeroed}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: 2 * mib}}, data: fill(0xAA, 2*mib)},
		},
	}

	p := &recordingPool{MemoryPool: pool.NewMemoryPool()}
	src := newSrcContext(t, source)
	dst := newDstContext(t, p)

	snapMap := types.SnapMap{
		10: {110},
		20: {120, 110},
	}
	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	assert.Equal(t, []types.SnapID{0, 110}, p.recorded())

	want := fill(0xAA, 2*mib)
	copy(want[512*kib:mib], make([]byte, 512*kib))
	data, err := p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestZeroAbuttingEndTruncates(t *testing.T) {
	t.Parallel()

	// The zero interval reaches the object end: a truncate, not a zero.
	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: 2 * mib, State: types.ExtentStateData}},
			{WriteSnap: 20, ReadSnap: 20}: {{Offset: mib, Length: mib, State: types.ExtentStateZeroed}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: 2 * mib}}, data: fill(0xAA, 2*mib)},
		},
	}

	p := pool.NewMemoryPool()
	src := newSrcContext(t, source)
	dst := newDstContext(t, p)

	snapMap := types.SnapMap{
		10: {110},
		20: {120, 110},
	}
	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	// Snapshot 110 saw the full 2 MiB, the head was truncated at 1 MiB.
	data, err := p.ReadAt(dst.ObjectName(0), 110, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, 2*mib), data)

	data, err = p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, mib), data)
}

func TestConcurrentCopierWins(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
			{WriteSnap: 20, ReadSnap: 20}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
			20: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xBB, mib)},
		},
	}

	p := &recordingPool{MemoryPool: pool.NewMemoryPool()}
	src := newSrcContext(t, source)
	dst := newDstContext(t, p, withMigration())

	// A concurrent copier already advanced the object's snapset.
	op := pool.NewWriteOp()
	op.Write(0, fill(0xEE, mib))
	require.NoError(t, p.Operate("dst.0000000000000000", op, 130, []types.SnapID{130}))

	snapMap := types.SnapMap{
		10: {110},
		20: {120, 110},
	}
	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)

	// Both batches trip the assertion, both are normalized to success.
	require.NoError(t, runRequest(t, r))
	assert.Equal(t, []types.SnapID{0, 110}, p.recorded())

	// The concurrent writer's data is untouched.
	data, err := p.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, mib)
	require.NoError(t, err)
	assert.Equal(t, fill(0xEE, mib), data)
}

func TestObjectMapUnavailable(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
		},
	}

	src := newSrcContext(t, source)
	// Feature enabled but no handle: the exclusive lock was lost.
	dst := newDstContext(t, pool.NewMemoryPool(), withFeatures(types.FeatureObjectMap))

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), ErrObjectMapUnavailable)
}

func TestLostExclusiveLock(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
		},
	}

	lock := image.NewExclusiveLock()
	lock.Release()

	src := newSrcContext(t, source)
	dst := newDstContext(t, pool.NewMemoryPool(), withExclusiveLock(lock))

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), image.ErrLostExclusiveLock)
}

func TestObjectMapUpdates(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		reads: map[types.SnapID]fakeRead{
			10: {extentMap: []types.Extent{{Offset: 0, Length: mib}}, data: fill(0xAA, mib)},
		},
	}

	objectMap := objectmap.New(objectmap.NewMemoryStore())
	src := newSrcContext(t, source)
	dst := newDstContext(t, pool.NewMemoryPool(),
		withFeatures(types.FeatureObjectMap|types.FeatureFastDiff),
		withObjectMap(objectMap))

	snapMap := types.SnapMap{
		10: {110},
		20: {120, 110},
	}
	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	state, err := objectMap.Get(110, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectExists, state)

	// Snapshot 20 is unchanged from 10: fast-diff marks it clean.
	state, err = objectMap.Get(120, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectExistsClean, state)
}

func TestSourceReadFailureIsFatal(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		delta: types.SnapshotDelta{
			{WriteSnap: 10, ReadSnap: 10}: {{Offset: 0, Length: mib, State: types.ExtentStateData}},
		},
		readErr: assert.AnError,
	}

	src := newSrcContext(t, source)
	dst := newDstContext(t, pool.NewMemoryPool())

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), assert.AnError)
}

func TestListSnapsFailureIsFatal(t *testing.T) {
	t.Parallel()

	source := &fakeSource{listErr: assert.AnError}
	src := newSrcContext(t, source)
	dst := newDstContext(t, pool.NewMemoryPool())

	r := NewObjectCopyRequest(src, dst, 0, 0, types.SnapMap{10: {110}}, 0, false, nil, nil)
	assert.ErrorIs(t, runRequest(t, r), assert.AnError)
}

// ============================================================================
// Round-trip
// ============================================================================

func TestRoundTripPreservesSnapshotHistory(t *testing.T) {
	t.Parallel()

	srcPool := pool.NewMemoryPool()
	srcImage := image.NewMemoryImage("src", testLayout, srcPool)

	require.NoError(t, srcImage.Write(0, fill(0xAA, mib)))
	srcImage.CreateSnap(10)
	require.NoError(t, srcImage.Write(512*kib, fill(0xBB, mib)))
	srcImage.CreateSnap(20)
	require.NoError(t, srcImage.Write(0, fill(0xCC, 256*kib)))
	require.NoError(t, srcImage.Discard(768*kib, mib-256*kib))

	src := image.NewContext(image.Config{
		Name:   "src",
		Layout: testLayout,
		Snaps:  []types.SnapID{10, 20},
		Source: srcImage,
	})

	dstPool := pool.NewMemoryPool()
	dst := newDstContext(t, dstPool)

	snapMap := types.SnapMap{
		10:               {110},
		20:               {120, 110},
		types.SnapIDHead: {types.SnapIDHead, 120, 110},
	}

	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	pairs := []struct {
		srcSnap types.SnapID
		dstSnap types.SnapID
	}{
		{10, 110},
		{20, 120},
		{types.SnapIDHead, types.SnapIDHead},
	}

	for _, pair := range pairs {
		srcData, err := srcPool.ReadAt(srcImage.ObjectName(0), pair.srcSnap, 0, objectSize)
		require.NoError(t, err, "src snap %d", pair.srcSnap)

		dstData, err := dstPool.ReadAt(dst.ObjectName(0), pair.dstSnap, 0, objectSize)
		require.NoError(t, err, "dst snap %d", pair.dstSnap)

		assert.Equal(t, densify(srcData), densify(dstData),
			"content mismatch for src snap %d / dst snap %d", pair.srcSnap, pair.dstSnap)
	}
}

func TestRoundTripObjectRemovedAtHead(t *testing.T) {
	t.Parallel()

	srcPool := pool.NewMemoryPool()
	srcImage := image.NewMemoryImage("src", testLayout, srcPool)

	require.NoError(t, srcImage.Write(0, fill(0xAA, mib)))
	srcImage.CreateSnap(10)
	require.NoError(t, srcImage.Discard(0, objectSize))

	src := image.NewContext(image.Config{
		Name:   "src",
		Layout: testLayout,
		Snaps:  []types.SnapID{10},
		Source: srcImage,
	})

	dstPool := pool.NewMemoryPool()
	dst := newDstContext(t, dstPool)

	snapMap := types.SnapMap{
		10:               {110},
		types.SnapIDHead: {types.SnapIDHead, 110},
	}

	r := NewObjectCopyRequest(src, dst, 0, 0, snapMap, 0, false, nil, nil)
	require.NoError(t, runRequest(t, r))

	data, err := dstPool.ReadAt(dst.ObjectName(0), 110, 0, objectSize)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, mib), data)

	// Removed at head on both sides.
	_, err = srcPool.ReadAt(srcImage.ObjectName(0), types.SnapIDHead, 0, 1)
	require.ErrorIs(t, err, pool.ErrNotFound)
	_, err = dstPool.ReadAt(dst.ObjectName(0), types.SnapIDHead, 0, 1)
	assert.ErrorIs(t, err, pool.ErrNotFound)
}
