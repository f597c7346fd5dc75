// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapbd/pkg/debug"
	"github.com/LeeDigitalWorks/zapbd/pkg/deepcopy"
	"github.com/LeeDigitalWorks/zapbd/pkg/image"
	"github.com/LeeDigitalWorks/zapbd/pkg/logger"
	"github.com/LeeDigitalWorks/zapbd/pkg/storage/pool"
	"github.com/LeeDigitalWorks/zapbd/pkg/striper"
	"github.com/LeeDigitalWorks/zapbd/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	benchObjects     int
	benchObjectSize  uint64
	benchSnaps       int
	benchConcurrency int
	benchDebugAddr   string
)

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().IntVar(&benchObjects, "objects", 64, "number of objects to copy")
	benchCmd.Flags().Uint64Var(&benchObjectSize, "object-size", 4<<20, "object size in bytes")
	benchCmd.Flags().IntVar(&benchSnaps, "snaps", 2, "number of source snapshots")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 8, "concurrent object copies")
	benchCmd.Flags().StringVar(&benchDebugAddr, "debug-addr", "", "serve /metrics and pprof on this address")
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark snapshot-preserving object copies against in-memory pools",
	RunE:  runBench,
}

func runBench(cmd *cobra.Command, args []string) error {
	layout := striper.Layout{ObjectSize: benchObjectSize}
	if err := layout.Validate(); err != nil {
		return err
	}

	if benchDebugAddr != "" {
		go func() {
			if err := http.ListenAndServe(benchDebugAddr, debug.GetMux()); err != nil {
				logger.Error().Err(err).Msg("bench: debug server failed")
			}
		}()
	}

	srcPool := pool.NewMemoryPool()
	srcImage := image.NewMemoryImage("bench-src-"+uuid.NewString()[:8], layout, srcPool)

	// Seed every object, then rewrite the first half between snapshots so
	// each copy has real per-snapshot deltas to plan.
	var srcSnaps []types.SnapID
	buf := make([]byte, benchObjectSize)
	for round := 0; round <= benchSnaps; round++ {
		for i := range buf {
			buf[i] = byte(round + 1)
		}
		for objectNo := 0; objectNo < benchObjects; objectNo++ {
			length := benchObjectSize
			if round > 0 {
				length = benchObjectSize / 2
			}
			if err := srcImage.Write(uint64(objectNo)*benchObjectSize, buf[:length]); err != nil {
				return err
			}
		}
		if round < benchSnaps {
			snap := types.SnapID((round + 1) * 10)
			srcImage.CreateSnap(snap)
			srcSnaps = append(srcSnaps, snap)
		}
	}

	src := image.NewContext(image.Config{
		Name:   "bench-src",
		Layout: layout,
		Snaps:  srcSnaps,
		Source: srcImage,
	})

	snapMap := make(types.SnapMap, len(srcSnaps)+1)
	objectCounts := map[types.SnapID]uint64{types.SnapIDHead: uint64(benchObjects)}
	var dstSnaps []types.SnapID
	var dstTail []types.SnapID
	for _, srcSnap := range srcSnaps {
		dstSnap := srcSnap + 100
		snapMap[srcSnap] = append([]types.SnapID{dstSnap}, dstTail...)
		dstTail = append([]types.SnapID{dstSnap}, dstTail...)
		dstSnaps = append(dstSnaps, dstSnap)
		objectCounts[dstSnap] = uint64(benchObjects)
	}
	snapMap[types.SnapIDHead] = append([]types.SnapID{types.SnapIDHead}, dstTail...)

	dstPool := pool.NewMemoryPool()
	dst := image.NewContext(image.Config{
		Name:          "bench-dst-" + uuid.NewString()[:8],
		Layout:        layout,
		Snaps:         dstSnaps,
		ObjectCounts:  objectCounts,
		Pool:          dstPool,
		ExclusiveLock: image.NewExclusiveLock(),
	})

	var bytesRead atomic.Uint64
	handler := deepcopy.HandlerFunc(func(bytes uint64) {
		bytesRead.Add(bytes)
	})

	logger.Info().
		Int("objects", benchObjects).
		Int("snaps", benchSnaps).
		Str("object_size", humanize.IBytes(benchObjectSize)).
		Msg("bench: starting")

	start := time.Now()

	g, _ := errgroup.WithContext(cmd.Context())
	g.SetLimit(benchConcurrency)
	for objectNo := 0; objectNo < benchObjects; objectNo++ {
		g.Go(func() error {
			done := make(chan error, 1)
			r := deepcopy.NewObjectCopyRequest(src, dst, 0, 0, snapMap, uint64(objectNo), false,
				handler, func(err error) { done <- err })
			r.Send()

			err := <-done
			if errors.Is(err, deepcopy.ErrNothingToCopy) {
				err = nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	rate := float64(bytesRead.Load()) / elapsed.Seconds()

	fmt.Printf("copied %d objects in %s\n", benchObjects, elapsed.Round(time.Millisecond))
	fmt.Printf("  read: %s (%s/s)\n", humanize.IBytes(bytesRead.Load()), humanize.IBytes(uint64(rate)))
	return nil
}
