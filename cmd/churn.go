package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"AveCache/pkg/cache"
)

func churnFlags() *cli.Command {
	return &cli.Command{
		Name:   "churn",
		Usage:  "hammer the cache with a mixed read/write/discard workload",
		Action: churn,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "duration",
				Value: 10 * time.Second,
				Usage: "how long to run",
			},
			&cli.IntFlag{
				Name:  "objects",
				Value: 8,
				Usage: "number of objects",
			},
			&cli.Int64Flag{
				Name:  "object-size",
				Value: 4 << 20,
				Usage: "bytes per object",
			},
			&cli.DurationFlag{
				Name:  "latency",
				Value: time.Millisecond,
				Usage: "simulated backend latency",
			},
			&cli.Int64Flag{
				Name:  "max-dirty",
				Value: 8 << 20,
				Usage: "dirty ceiling; 0 means write-through",
			},
			&cli.Int64Flag{
				Name:  "target-dirty",
				Value: 4 << 20,
				Usage: "dirty watermark the flusher drains to",
			},
			&cli.Int64Flag{
				Name:  "seed",
				Value: 0,
				Usage: "rng seed, 0 picks the clock",
			},
		},
	}
}

func churn(ctx *cli.Context) error {
	numObjects := ctx.Int("objects")
	objectSize := ctx.Int64("object-size")
	seed := ctx.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	logger.Infof("churn seed %d", seed)

	var mu sync.Mutex
	backend := newMemBackend(&mu, ctx.Duration("latency"))
	oc := cache.New("churn", backend, &mu, nil, cache.Config{
		MaxObjects:  numObjects * 2,
		MaxDirty:    ctx.Int64("max-dirty"),
		TargetDirty: ctx.Int64("target-dirty"),
		MaxDirtyAge: 100 * time.Millisecond,
	})
	oc.Start()
	oset := cache.NewObjectSet(1)

	oids := make([]cache.ObjectID, numObjects)
	for i := range oids {
		oids[i] = cache.ObjectID(uuid.New().String())
	}

	extentFor := func() cache.ObjectExtent {
		off := rng.Int63n(objectSize - 1)
		length := 1 + rng.Int63n(min(256<<10, objectSize-off))
		return cache.ObjectExtent{
			OID:    oids[rng.Intn(numObjects)],
			Loc:    cache.ObjectLocator{Pool: 1},
			Offset: off,
			Length: length,
			Buffer: []cache.BufferExtent{{Off: 0, Len: uint64(length)}},
		}
	}

	var writes, reads, discards uint64
	deadline := time.Now().Add(ctx.Duration("duration"))
	for time.Now().Before(deadline) {
		switch n := rng.Intn(10); {
		case n < 7:
			ex := extentFor()
			data := make([]byte, ex.Length)
			rng.Read(data)
			mu.Lock()
			r := oc.Writex(&cache.WriteRequest{Extents: []cache.ObjectExtent{ex}, Data: data}, oset)
			mu.Unlock()
			if r < 0 {
				return errors.Errorf("writex: errno %d", -r)
			}
			writes++
		case n < 9:
			ex := extentFor()
			out := []byte{}
			rch := make(chan int, 1)
			mu.Lock()
			r := oc.Readx(&cache.ReadRequest{
				Snap:    cache.NoSnap,
				Extents: []cache.ObjectExtent{ex},
				Out:     &out,
			}, oset, func(rr int) { rch <- rr })
			mu.Unlock()
			if r == 0 {
				r = <-rch
			}
			if r < 0 {
				return errors.Errorf("readx: errno %d", -r)
			}
			reads++
		default:
			ex := extentFor()
			mu.Lock()
			oc.DiscardSet(oset, []cache.ObjectExtent{ex})
			mu.Unlock()
			discards++
		}
	}

	// settle down and tear off
	committed := make(chan int, 1)
	mu.Lock()
	clean := oc.CommitSet(oset, func(r int) { committed <- r })
	mu.Unlock()
	if !clean {
		<-committed
	}
	mu.Lock()
	unclean := oc.ReleaseAll()
	counters := oc.Counters()
	mu.Unlock()
	oc.Stop()
	backend.stop()

	fmt.Printf("churn: %d writes, %d reads, %d discards\n", writes, reads, discards)
	fmt.Printf("ops: %d hit / %d miss, flushed %d bytes, %d overwritten in flight\n",
		counters.CacheOpsHit, counters.CacheOpsMiss, counters.DataFlushed, counters.OverwrittenInFlush)
	if unclean != 0 {
		logger.Warnf("%d bytes could not be released", unclean)
	}
	return nil
}
