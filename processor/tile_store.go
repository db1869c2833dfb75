package processor

import (
	"context"
	"fmt"
	"sync"
)

// TileStore opens raster tiles by id.
type TileStore interface {
	Open(ctx context.Context, tileID string) (RasterTile, error)
}

// TileSizer is implemented by stores that know how much memory an opened
// tile holds. The scheduler uses it to bound concurrency.
type TileSizer interface {
	TileBytes(tileID string) (int64, error)
}

// MemoryTile holds all pixels of a tile in a band-major slice.
type MemoryTile struct {
	info TileInfo
	data []float32
}

func NewMemoryTile(info TileInfo, data []float32) (*MemoryTile, error) {
	if info.BandCount <= 0 || info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("%w: tile %s has shape (%d, %d, %d)", ErrTileFormat, info.ID, info.BandCount, info.Height, info.Width)
	}
	if err := info.GeoTransform.Validate(); err != nil {
		return nil, fmt.Errorf("%w: tile %s: %v", ErrTileFormat, info.ID, err)
	}
	if len(data) != info.BandCount*info.Width*info.Height {
		return nil, fmt.Errorf("%w: tile %s has %d values, expected %d", ErrTileFormat, info.ID, len(data), info.BandCount*info.Width*info.Height)
	}
	return &MemoryTile{info: info, data: data}, nil
}

func (t *MemoryTile) Info() TileInfo {
	return t.info
}

func (t *MemoryTile) ReadWindow(win PixelWindow, bands []int) (*SubCube, error) {
	bands, err := ResolveBands(bands, t.info)
	if err != nil {
		return nil, err
	}
	if err := CheckWindow(win, t.info); err != nil {
		return nil, err
	}

	sub := NewSubCube(bands, win, t.info.GeoTransform)
	sub.Projection = t.info.Projection
	if win.Empty() {
		return sub, nil
	}

	bandSize := t.info.Width * t.info.Height
	for ib, b := range bands {
		src := t.data[(b-1)*bandSize : b*bandSize]
		dst := sub.Band(ib)
		for r := 0; r < win.CountY; r++ {
			srcOff := (win.OffY+r)*t.info.Width + win.OffX
			copy(dst[r*win.CountX:(r+1)*win.CountX], src[srcOff:srcOff+win.CountX])
		}
	}
	return sub, nil
}

func (t *MemoryTile) Close() error {
	return nil
}

// Bytes is the memory held by the tile pixels.
func (t *MemoryTile) Bytes() int64 {
	return int64(len(t.data)) * 4
}

// ResolveBands expands a nil band list to every band and validates
// explicit 1-based band numbers against the tile.
func ResolveBands(bands []int, info TileInfo) ([]int, error) {
	if len(bands) == 0 {
		all := make([]int, info.BandCount)
		for i := range all {
			all[i] = i + 1
		}
		return all, nil
	}
	for _, b := range bands {
		if b < 1 || b > info.BandCount {
			return nil, fmt.Errorf("%w: band %d requested from tile %s with %d bands", ErrTileFormat, b, info.ID, info.BandCount)
		}
	}
	return bands, nil
}

// CheckWindow rejects non-empty windows reaching outside the tile.
func CheckWindow(win PixelWindow, info TileInfo) error {
	if win.Empty() {
		return nil
	}
	if win.OffX < 0 || win.OffY < 0 || win.OffX+win.CountX > info.Width || win.OffY+win.CountY > info.Height {
		return fmt.Errorf("window %+v outside tile %s (%dx%d)", win, info.ID, info.Width, info.Height)
	}
	return nil
}

// MemoryTileStore serves tiles that are already in memory.
type MemoryTileStore struct {
	mu    sync.Mutex
	tiles map[string]*MemoryTile
}

func NewMemoryTileStore() *MemoryTileStore {
	return &MemoryTileStore{tiles: make(map[string]*MemoryTile)}
}

func (s *MemoryTileStore) Add(tile *MemoryTile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiles[tile.info.ID] = tile
}

func (s *MemoryTileStore) Open(ctx context.Context, tileID string) (RasterTile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tile, ok := s.tiles[tileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, tileID)
	}
	return tile, nil
}

func (s *MemoryTileStore) TileBytes(tileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tile, ok := s.tiles[tileID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTileNotFound, tileID)
	}
	return tile.Bytes(), nil
}
