// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package striper maps image-relative byte ranges onto the fixed-size
// objects an image is striped over, and back.
package striper

import (
	"fmt"

	"github.com/LeeDigitalWorks/zapbd/pkg/types"
)

// Layout describes how an image is striped over objects. StripeUnit and
// StripeCount default to ObjectSize and 1 when zero (no fancy striping).
type Layout struct {
	ObjectSize  uint64
	StripeUnit  uint64
	StripeCount uint64
}

// Validate checks layout consistency.
func (l Layout) Validate() error {
	if l.ObjectSize == 0 {
		return fmt.Errorf("striper: object size must be non-zero")
	}
	su, _ := l.params()
	if l.ObjectSize%su != 0 {
		return fmt.Errorf("striper: object size %d not a multiple of stripe unit %d", l.ObjectSize, su)
	}
	return nil
}

func (l Layout) params() (su, sc uint64) {
	su, sc = l.StripeUnit, l.StripeCount
	if su == 0 {
		su = l.ObjectSize
	}
	if sc == 0 {
		sc = 1
	}
	return su, sc
}

// ObjectExtent is one piece of an image extent mapped onto an object.
// BufferOffset is the extent's position in a buffer laid out in image-extent
// iteration order; ImageOffset is the image-relative offset it came from.
type ObjectExtent struct {
	ObjectNo     uint64
	Offset       uint64
	Length       uint64
	BufferOffset uint64
	ImageOffset  uint64
}

// ExtentToFile maps [offset, offset+length) within object objectNo back to
// the image-relative extents it stores, in ascending object offset order.
func ExtentToFile(l Layout, objectNo, offset, length uint64) []types.Extent {
	su, sc := l.params()
	stripesPerObject := l.ObjectSize / su

	var out []types.Extent
	stripePos := objectNo % sc
	objectSetNo := objectNo / sc

	for length > 0 {
		stripeInObject := offset / su
		suOffset := offset % su

		stripeNo := objectSetNo*stripesPerObject + stripeInObject
		blockNo := stripeNo*sc + stripePos
		imageOffset := blockNo*su + suOffset

		n := su - suOffset
		if n > length {
			n = length
		}

		if last := len(out) - 1; last >= 0 && out[last].End() == imageOffset {
			out[last].Length += n
		} else {
			out = append(out, types.Extent{Offset: imageOffset, Length: n})
		}

		offset += n
		length -= n
	}
	return out
}

// FileToExtents maps the image-relative extent [imageOffset,
// imageOffset+imageLength) onto object extents. bufferOffset seeds the
// running buffer position recorded on each emitted extent.
func FileToExtents(l Layout, imageOffset, imageLength, bufferOffset uint64) []ObjectExtent {
	su, sc := l.params()
	stripesPerObject := l.ObjectSize / su

	var out []ObjectExtent
	for imageLength > 0 {
		blockNo := imageOffset / su
		suOffset := imageOffset % su

		stripeNo := blockNo / sc
		stripePos := blockNo % sc
		objectSetNo := stripeNo / stripesPerObject
		objectNo := objectSetNo*sc + stripePos
		objectOffset := (stripeNo%stripesPerObject)*su + suOffset

		n := su - suOffset
		if n > imageLength {
			n = imageLength
		}

		if last := len(out) - 1; last >= 0 && out[last].ObjectNo == objectNo &&
			out[last].Offset+out[last].Length == objectOffset {
			out[last].Length += n
		} else {
			out = append(out, ObjectExtent{
				ObjectNo:     objectNo,
				Offset:       objectOffset,
				Length:       n,
				BufferOffset: bufferOffset,
				ImageOffset:  imageOffset,
			})
		}

		imageOffset += n
		imageLength -= n
		bufferOffset += n
	}
	return out
}
