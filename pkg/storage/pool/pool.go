// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool provides the snapshot-aware object pool contract: composable
// write batches applied under a snap context, copy-on-write clone
// preservation, and point-in-time reads.
package pool

import (
	"errors"

	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

var (
	// ErrNotFound is returned when an object does not exist at the
	// requested snapshot.
	ErrNotFound = errors.New("pool: object not found")

	// ErrSnapcSeq is returned when a snap context sequence assertion fails,
	// i.e. another writer already advanced the object's snapset.
	ErrSnapcSeq = errors.New("pool: snap context sequence assertion failed")
)

// SnapcSeqPredicate selects the comparison applied by AssertSnapcSeq.
type SnapcSeqPredicate uint8

const (
	// GTSnapsetSeq asserts the provided sequence is strictly greater than
	// the object's current snapset sequence.
	GTSnapsetSeq SnapcSeqPredicate = iota
)

type stepKind uint8

const (
	stepWrite stepKind = iota
	stepZero
	stepTruncate
	stepCreate
	stepRemove
	stepAssertSnapcSeq
)

type step struct {
	kind      stepKind
	offset    uint64
	length    uint64
	data      []byte
	exclusive bool
	seq       types.SnapID
	predicate SnapcSeqPredicate
}

// WriteOp is a composable batch of object mutations applied atomically with
// respect to readers. Steps execute in append order.
type WriteOp struct {
	steps []step
}

// NewWriteOp returns an empty batch.
func NewWriteOp() *WriteOp {
	return &WriteOp{}
}

// Write appends a write of data at offset.
func (op *WriteOp) Write(offset uint64, data []byte) {
	op.steps = append(op.steps, step{kind: stepWrite, offset: offset, length: uint64(len(data)), data: data})
}

// Zero appends a zero of [offset, offset+length).
func (op *WriteOp) Zero(offset, length uint64) {
	op.steps = append(op.steps, step{kind: stepZero, offset: offset, length: length})
}

// Truncate appends a truncate at offset.
func (op *WriteOp) Truncate(offset uint64) {
	op.steps = append(op.steps, step{kind: stepTruncate, offset: offset})
}

// Create appends an object create. With exclusive set the step fails if the
// object already exists.
func (op *WriteOp) Create(exclusive bool) {
	op.steps = append(op.steps, step{kind: stepCreate, exclusive: exclusive})
}

// Remove appends an object remove.
func (op *WriteOp) Remove() {
	op.steps = append(op.steps, step{kind: stepRemove})
}

// AssertSnapcSeq appends a snapset sequence assertion.
func (op *WriteOp) AssertSnapcSeq(seq types.SnapID, predicate SnapcSeqPredicate) {
	op.steps = append(op.steps, step{kind: stepAssertSnapcSeq, seq: seq, predicate: predicate})
}

// Len returns the number of queued steps, assertions included.
func (op *WriteOp) Len() int {
	return len(op.steps)
}

// Pool applies write batches to named objects. Completion callbacks run on a
// goroutine owned by the pool; callers must not block in them.
type Pool interface {
	// AioOperate applies op to oid under the snap context (snapSeq, snaps).
	// snaps lists the destination snapshots taken before this write, newest
	// first. A sequence advance preserves the pre-write object state for
	// those snapshots.
	AioOperate(oid string, op *WriteOp, snapSeq types.SnapID, snaps []types.SnapID, done func(error))
}
