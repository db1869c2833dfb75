package processor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nci/treespec/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickyTile struct {
	*MemoryTile
}

func (p *panickyTile) ReadWindow(win PixelWindow, bands []int) (*SubCube, error) {
	panic("driver crashed")
}

type panickyStore struct {
	*MemoryTileStore
	bad string
}

func (s *panickyStore) Open(ctx context.Context, tileID string) (RasterTile, error) {
	tile, err := s.MemoryTileStore.Open(ctx, tileID)
	if err != nil || tileID != s.bad {
		return tile, err
	}
	return &panickyTile{tile.(*MemoryTile)}, nil
}

type memoryLogger struct {
	mu    sync.Mutex
	infos []*metrics.MetricsInfo
}

func (l *memoryLogger) Log(info *metrics.MetricsInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, info)
}

func TestPartitionByTile(t *testing.T) {
	trees := []*TreeRecord{
		{TreeID: "1", TileID: "b"},
		{TreeID: "2", TileID: "a"},
		{TreeID: "3", TileID: "b"},
		{TreeID: "4", TileID: "c"},
		{TreeID: "5", TileID: "a"},
	}
	parts := PartitionByTile(trees)
	require.Len(t, parts, 3)

	var got [][]string
	for _, p := range parts {
		ids := []string{p.TileID}
		for _, tr := range p.Trees {
			ids = append(ids, tr.TreeID)
		}
		got = append(got, ids)
	}
	assert.Equal(t, [][]string{{"b", "1", "3"}, {"a", "2", "5"}, {"c", "4"}}, got)
	assert.Empty(t, PartitionByTile(nil))
}

func TestSchedulerIsolatesFailures(t *testing.T) {
	store := NewMemoryTileStore()
	for _, id := range []string{"t1", "t2", "t4"} {
		store.Add(newTestTile(t, id, 3, 10, 10))
	}

	var trees []*TreeRecord
	for i, id := range []string{"t1", "t2", "missing", "t4"} {
		for _, tr := range scenarioTrees() {
			tr.TileID = id
			tr.TreeID = tr.TreeID + string(rune('0'+i))
			trees = append(trees, tr)
		}
	}
	bad := crownTree("bad", "t4", rect(0, 0, 2, 2))
	bad.CrownErr = ErrMalformedGeometry
	trees = append(trees, bad)

	logger := &memoryLogger{}
	s := &Scheduler{
		Store:         store,
		Workers:       2,
		Options:       Options{Mode: ModePerTree, Crop: CropOptions{Mask: true}},
		RunID:         "run",
		MetricsLogger: logger,
	}
	results, err := s.Run(context.Background(), PartitionByTile(trees))
	require.NoError(t, err)
	require.Len(t, results, 4)

	var ids []string
	for _, r := range results {
		ids = append(ids, r.TileID)
	}
	assert.Equal(t, []string{"t1", "t2", "missing", "t4"}, ids)

	assert.False(t, results[0].Failed())
	assert.False(t, results[1].Failed())
	assert.True(t, errors.Is(results[2].Err, ErrTileNotFound))
	assert.Equal(t, 2, results[2].NumTrees)
	assert.True(t, errors.Is(results[3].Err, ErrMalformedGeometry))
	assert.Empty(t, results[3].Rows)

	assert.Len(t, logger.infos, 4)
	for _, info := range logger.infos {
		assert.Equal(t, "run", info.RunID)
		assert.Equal(t, "per_tree", info.Mode)
	}

	table, err := Collate(results)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "A0", table.Trees[0].TreeID)
	assert.Equal(t, "A1", table.Trees[1].TreeID)

	summary := Summarize("run", ModePerTree, results, 0)
	assert.Equal(t, 9, summary.TotalTrees)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.TilesSucceeded)
	assert.Equal(t, 2, summary.Skipped[SkipEmptyMask])
	require.Len(t, summary.FailedTiles, 2)
	assert.Equal(t, "tile_not_found", summary.FailedTiles[0].Reason)
	assert.Equal(t, "malformed_geometry", summary.FailedTiles[1].Reason)
	assert.Equal(t, 3, summary.FailedTiles[1].Trees)
	assert.True(t, summary.Succeeded())
}

func TestSchedulerRecoversPanics(t *testing.T) {
	store := &panickyStore{MemoryTileStore: NewMemoryTileStore(), bad: "boom"}
	store.Add(newTestTile(t, "boom", 1, 10, 10))
	store.Add(newTestTile(t, "fine", 1, 10, 10))

	trees := []*TreeRecord{
		crownTree("x", "boom", rect(1, 1, 3, 3)),
		crownTree("y", "fine", rect(1, 1, 3, 3)),
	}
	s := &Scheduler{Store: store, Workers: 4, Options: Options{Crop: CropOptions{Mask: true}}}
	results, err := s.Run(context.Background(), PartitionByTile(trees))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "driver crashed")
	assert.NoError(t, results[1].Err)
	assert.Len(t, results[1].Rows, 1)
}

func TestSchedulerCancelled(t *testing.T) {
	store := NewMemoryTileStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Scheduler{Store: store, Workers: 1}
	results, err := s.Run(ctx, PartitionByTile([]*TreeRecord{{TreeID: "1", TileID: "a"}}))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, context.Canceled))
}

func TestSchedulerInvalidOptions(t *testing.T) {
	s := &Scheduler{Store: NewMemoryTileStore(), Options: Options{Mode: ModeCube}}
	_, err := s.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestAdmitWorkers(t *testing.T) {
	store := NewMemoryTileStore()
	var parts []TilePartition
	for _, id := range []string{"a", "b", "c", "d"} {
		store.Add(newTestTile(t, id, 1, 10, 10))
		parts = append(parts, TilePartition{TileID: id})
	}
	tileBytes := uint64(10 * 10 * 4)

	s := &Scheduler{Store: store, Workers: 8, MemoryLimit: 100 * tileBytes}
	assert.Equal(t, 4, s.admitWorkers(parts))

	s.MemoryLimit = 2*tileBytes + 1
	assert.Equal(t, 2, s.admitWorkers(parts))

	s.MemoryLimit = 1
	assert.Equal(t, 1, s.admitWorkers(parts))
}
