package main

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"AveCache/pkg/cache"
)

// newProgress builds the container for the phase bars; on a pipe or with
// --quiet the rendering is suppressed.
func newProgress(quiet bool) *mpb.Progress {
	if quiet || !isatty.IsTerminal(os.Stdout.Fd()) {
		return mpb.New(mpb.WithOutput(nil))
	}
	return mpb.New(mpb.WithWidth(60))
}

// newPhaseBar adds one bar per workload phase, counting requests.
func newPhaseBar(p *mpb.Progress, phase string, total int64) *mpb.Bar {
	return p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(phase, decor.WC{W: len(phase) + 1}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d/%d"),
		),
	)
}

func benchFlags() *cli.Command {
	return &cli.Command{
		Name:   "bench",
		Usage:  "write and read back a synthetic workload, then report throughput",
		Action: bench,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "objects",
				Value: 16,
				Usage: "number of objects",
			},
			&cli.Int64Flag{
				Name:  "object-size",
				Value: 4 << 20,
				Usage: "bytes per object",
			},
			&cli.Int64Flag{
				Name:  "block-size",
				Value: 128 << 10,
				Usage: "bytes per request",
			},
			&cli.DurationFlag{
				Name:  "latency",
				Value: 2 * time.Millisecond,
				Usage: "simulated backend latency",
			},
			&cli.Int64Flag{
				Name:  "cache-size",
				Value: 256 << 20,
				Usage: "cache bytes before eviction",
			},
			&cli.Int64Flag{
				Name:  "max-dirty",
				Value: 32 << 20,
				Usage: "dirty ceiling; 0 means write-through",
			},
			&cli.Int64Flag{
				Name:  "target-dirty",
				Value: 16 << 20,
				Usage: "dirty watermark the flusher drains to",
			},
			&cli.Int64Flag{
				Name:  "flush-bandwidth",
				Value: 0,
				Usage: "writeback bytes per second, 0 is unlimited",
			},
		},
	}
}

func blockPayload(buf []byte, obj, blk int) {
	for i := range buf {
		buf[i] = byte(obj*31 + blk*7 + i)
	}
}

func bench(ctx *cli.Context) error {
	numObjects := ctx.Int("objects")
	objectSize := ctx.Int64("object-size")
	blockSize := ctx.Int64("block-size")
	if blockSize <= 0 || objectSize%blockSize != 0 {
		return errors.Errorf("block-size %d must divide object-size %d", blockSize, objectSize)
	}
	blocks := int(objectSize / blockSize)

	var mu sync.Mutex
	backend := newMemBackend(&mu, ctx.Duration("latency"))
	oc := cache.New("bench", backend, &mu, nil, cache.Config{
		MaxBytes:       ctx.Int64("cache-size"),
		MaxObjects:     numObjects * 2,
		MaxDirty:       ctx.Int64("max-dirty"),
		TargetDirty:    ctx.Int64("target-dirty"),
		MaxDirtyAge:    time.Second,
		FlushBandwidth: ctx.Int64("flush-bandwidth"),
	})
	oc.Start()
	oset := cache.NewObjectSet(1)

	oids := make([]cache.ObjectID, numObjects)
	for i := range oids {
		oids[i] = cache.ObjectID(uuid.New().String())
	}

	quiet := ctx.Bool("quiet")
	total := int64(numObjects * blocks)

	// write phase
	progress := newProgress(quiet)
	bar := newPhaseBar(progress, "write", total)
	buf := make([]byte, blockSize)
	writeStart := time.Now()
	for o := 0; o < numObjects; o++ {
		for blk := 0; blk < blocks; blk++ {
			blockPayload(buf, o, blk)
			wr := &cache.WriteRequest{
				Extents: []cache.ObjectExtent{{
					OID:    oids[o],
					Loc:    cache.ObjectLocator{Pool: 1},
					Offset: int64(blk) * blockSize,
					Length: blockSize,
					Buffer: []cache.BufferExtent{{Off: 0, Len: uint64(blockSize)}},
				}},
				Data: buf,
			}
			mu.Lock()
			r := oc.Writex(wr, oset)
			mu.Unlock()
			if r < 0 {
				return errors.Errorf("writex: errno %d", -r)
			}
			bar.Increment()
		}
	}
	writeDur := time.Since(writeStart)

	// drain everything to the backend
	commitStart := time.Now()
	committed := make(chan int, 1)
	mu.Lock()
	clean := oc.CommitSet(oset, func(r int) { committed <- r })
	mu.Unlock()
	if !clean {
		if r := <-committed; r < 0 {
			return errors.Errorf("commit: errno %d", -r)
		}
	}
	commitDur := time.Since(commitStart)

	// read phase
	rbar := newPhaseBar(progress, "read", total)
	want := make([]byte, blockSize)
	readStart := time.Now()
	for o := 0; o < numObjects; o++ {
		for blk := 0; blk < blocks; blk++ {
			out := []byte{}
			rd := &cache.ReadRequest{
				Snap: cache.NoSnap,
				Extents: []cache.ObjectExtent{{
					OID:    oids[o],
					Loc:    cache.ObjectLocator{Pool: 1},
					Offset: int64(blk) * blockSize,
					Length: blockSize,
					Buffer: []cache.BufferExtent{{Off: 0, Len: uint64(blockSize)}},
				}},
				Out: &out,
			}
			rch := make(chan int, 1)
			mu.Lock()
			r := oc.Readx(rd, oset, func(rr int) { rch <- rr })
			mu.Unlock()
			if r == 0 {
				r = <-rch
			}
			if r < 0 {
				return errors.Errorf("readx: errno %d", -r)
			}
			blockPayload(want, o, blk)
			if !bytes.Equal(out, want) {
				return errors.Errorf("verify failed on object %d block %d", o, blk)
			}
			rbar.Increment()
		}
	}
	readDur := time.Since(readStart)

	mu.Lock()
	unclean := oc.ReleaseAll()
	counters := oc.Counters()
	mu.Unlock()
	oc.Stop()
	backend.stop()
	progress.Wait()

	totalBytes := int64(numObjects) * objectSize
	mbps := func(d time.Duration) float64 {
		return float64(totalBytes) / (1 << 20) / d.Seconds()
	}
	fmt.Printf("wrote   %d MiB in %v (%.1f MiB/s)\n", totalBytes>>20, writeDur.Round(time.Millisecond), mbps(writeDur))
	fmt.Printf("drained dirty data in %v\n", commitDur.Round(time.Millisecond))
	fmt.Printf("read    %d MiB in %v (%.1f MiB/s)\n", totalBytes>>20, readDur.Round(time.Millisecond), mbps(readDur))
	fmt.Printf("ops: %d hit / %d miss, bytes: %d hit / %d miss\n",
		counters.CacheOpsHit, counters.CacheOpsMiss, counters.CacheBytesHit, counters.CacheBytesMiss)
	fmt.Printf("flushed %d bytes, %d overwritten in flight, %d write ops blocked for %v\n",
		counters.DataFlushed, counters.OverwrittenInFlush,
		counters.WriteOpsBlocked, counters.WriteTimeBlocked.Round(time.Millisecond))
	if unclean != 0 {
		logger.Warnf("%d bytes could not be released", unclean)
	}
	return nil
}
