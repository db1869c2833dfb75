package processor

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sort"
	"time"

	"github.com/nci/treespec/metrics"
	"github.com/pbnjay/memory"
)

// TilePartition is the set of trees of one tile, in input order.
type TilePartition struct {
	TileID string
	Trees  []*TreeRecord
}

// PartitionByTile groups trees by tile id. Partitions follow the order in
// which each tile id first appears.
func PartitionByTile(trees []*TreeRecord) []TilePartition {
	var parts []TilePartition
	index := make(map[string]int)
	for _, t := range trees {
		i, ok := index[t.TileID]
		if !ok {
			i = len(parts)
			index[t.TileID] = i
			parts = append(parts, TilePartition{TileID: t.TileID})
		}
		parts[i].Trees = append(parts[i].Trees, t)
	}
	return parts
}

// Scheduler runs one task per tile partition on a fixed number of workers.
type Scheduler struct {
	Store   TileStore
	Workers int
	Options Options

	// MemoryLimit bounds the tile memory held at once in bytes. Zero
	// uses the free system memory.
	MemoryLimit uint64

	RunID         string
	MetricsLogger metrics.Logger
	Verbose       bool
}

// Run processes every partition and returns one result per partition in
// partition order. A failing tile never stops its siblings; its error is
// reported in its result.
func (s *Scheduler) Run(ctx context.Context, parts []TilePartition) ([]*TileResult, error) {
	if err := s.Options.Validate(); err != nil {
		return nil, err
	}

	workers := s.admitWorkers(parts)
	if s.Verbose {
		log.Printf("scheduler: %d tiles on %d workers", len(parts), workers)
	}

	results := make([]*TileResult, len(parts))
	limiter := NewConcLimiter(workers)
	for i := range parts {
		if err := limiter.Increase(ctx); err != nil {
			for j := i; j < len(parts); j++ {
				results[j] = &TileResult{TileID: parts[j].TileID, NumTrees: len(parts[j].Trees), Err: err}
			}
			break
		}
		go func(i int) {
			defer limiter.Decrease()
			results[i] = s.runTile(ctx, parts[i])
		}(i)
	}
	limiter.Wait()

	return results, nil
}

// runTile owns the tile for the duration of the task and turns any error
// or panic into a failed result.
func (s *Scheduler) runTile(ctx context.Context, part TilePartition) (res *TileResult) {
	mc := metrics.NewMetricsCollector(s.MetricsLogger, s.RunID, s.Options.Mode.String())
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: tile %s panicked: %v\n%s", part.TileID, r, debug.Stack())
			res = &TileResult{TileID: part.TileID, NumTrees: len(part.Trees), Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
		s.logMetrics(mc, res)
	}()

	tile, err := s.Store.Open(ctx, part.TileID)
	if err != nil {
		return &TileResult{TileID: part.TileID, NumTrees: len(part.Trees), Err: err}
	}
	defer tile.Close()

	res, err = ProcessTile(ctx, tile, part.Trees, s.Options)
	if err != nil {
		res.Err = err
		res.Trees, res.Rows, res.Cubes = nil, nil, nil
	}
	if s.Verbose {
		log.Printf("scheduler: tile %s: %d trees, %d extracted, %d skipped, err: %v",
			part.TileID, res.NumTrees, res.Extracted(), len(res.Skipped), res.Err)
	}
	return res
}

func (s *Scheduler) logMetrics(mc *metrics.MetricsCollector, res *TileResult) {
	t := mc.Info.Tile
	t.TileID = res.TileID
	t.NumTrees = res.NumTrees
	t.Extracted = res.Extracted()
	t.Imputed = res.Imputed
	t.BytesRead = res.BytesRead
	for reason, n := range res.SkipCounts() {
		t.Skipped[string(reason)] = n
	}
	if res.Err != nil {
		t.Error = res.Err.Error()
		t.Reason = FailureReason(res.Err)
	}
	mc.Log()
}

// admitWorkers lowers the worker count until the largest tiles that can
// be open at once fit in memory. Stores that cannot size tiles are
// trusted.
func (s *Scheduler) admitWorkers(parts []TilePartition) int {
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(parts) && len(parts) > 0 {
		workers = len(parts)
	}

	sizer, ok := s.Store.(TileSizer)
	if !ok {
		return workers
	}

	var sizes []int64
	for _, p := range parts {
		n, err := sizer.TileBytes(p.TileID)
		if err != nil {
			continue
		}
		sizes = append(sizes, n)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] > sizes[j] })

	available := s.MemoryLimit
	if available == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		available = memory.FreeMemory() + mem.HeapIdle
		if available == 0 {
			return workers
		}
	}

	admitted := workers
	for admitted > 1 {
		var requested uint64
		for i := 0; i < admitted && i < len(sizes); i++ {
			requested += uint64(sizes[i])
		}
		if requested <= available {
			break
		}
		admitted--
	}
	if admitted < workers {
		log.Printf("scheduler: limiting workers from %d to %d, available memory %d bytes", workers, admitted, available)
	}
	return admitted
}
