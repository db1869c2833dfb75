package gdaltile

// #include <stdlib.h>
// #include "gdal.h"
// #include "gdal_calls.h"
// #cgo pkg-config: gdal
import "C"

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/nci/treespec/processor"
)

// TileStore opens GeoTIFF tiles named {tile_id}.{ext} in a directory.
// With Preload set, every opened tile is read into memory in one pass
// and the dataset is closed straight away.
type TileStore struct {
	Dir     string
	Ext     string
	Preload bool
}

func NewTileStore(dir, ext string, preload bool) *TileStore {
	InitGdal()
	return &TileStore{Dir: dir, Ext: ext, Preload: preload}
}

func (s *TileStore) TilePath(tileID string) string {
	return filepath.Join(s.Dir, tileID+"."+s.Ext)
}

func (s *TileStore) Open(ctx context.Context, tileID string) (processor.RasterTile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tile, err := openTile(tileID, s.TilePath(tileID))
	if err != nil {
		return nil, err
	}
	if !s.Preload {
		return tile, nil
	}
	defer tile.Close()
	return tile.load()
}

// TileBytes is the memory a tile occupies once read as float32.
func (s *TileStore) TileBytes(tileID string) (int64, error) {
	tile, err := openTile(tileID, s.TilePath(tileID))
	if err != nil {
		return 0, err
	}
	defer tile.Close()
	info := tile.info
	return int64(info.Width) * int64(info.Height) * int64(info.BandCount) * 4, nil
}

type gdalTile struct {
	ds        C.GDALDatasetH
	info      processor.TileInfo
	nodata    []float64
	hasNodata []bool
}

// gdalErrBuf receives the GDAL error message of a failed call. GDAL keeps
// the last error per OS thread, so it is copied out by the C helper that
// made the call rather than fetched by a later cgo call.
type gdalErrBuf [512]C.char

func (b *gdalErrBuf) ptr() *C.char { return &b[0] }

func (b *gdalErrBuf) size() C.int { return C.int(len(b)) }

func (b *gdalErrBuf) String() string { return C.GoString(&b[0]) }

func openTile(tileID, path string) (*gdalTile, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", processor.ErrTileNotFound, path)
		}
		return nil, err
	}

	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	var errBuf gdalErrBuf
	ds := C.tsOpenReadOnly(cPath, errBuf.ptr(), errBuf.size())
	if ds == nil {
		return nil, fmt.Errorf("%w: GDAL could not open dataset %s: %s", processor.ErrTileFormat, path, errBuf.String())
	}

	info := processor.TileInfo{
		ID:         tileID,
		Path:       path,
		Width:      int(C.GDALGetRasterXSize(ds)),
		Height:     int(C.GDALGetRasterYSize(ds)),
		BandCount:  int(C.GDALGetRasterCount(ds)),
		Projection: C.GoString(C.GDALGetProjectionRef(ds)),
	}

	var gt [6]C.double
	if C.GDALGetGeoTransform(ds, &gt[0]) != C.CE_None {
		C.GDALClose(ds)
		return nil, fmt.Errorf("%w: %s has no geotransform", processor.ErrTileFormat, path)
	}
	for i := range gt {
		info.GeoTransform[i] = float64(gt[i])
	}
	if err := info.GeoTransform.Validate(); err != nil {
		C.GDALClose(ds)
		return nil, fmt.Errorf("%w: %s: %v", processor.ErrTileFormat, path, err)
	}
	if info.BandCount == 0 {
		C.GDALClose(ds)
		return nil, fmt.Errorf("%w: %s has no raster bands", processor.ErrTileFormat, path)
	}

	tile := &gdalTile{
		ds:        ds,
		info:      info,
		nodata:    make([]float64, info.BandCount),
		hasNodata: make([]bool, info.BandCount),
	}
	for b := 0; b < info.BandCount; b++ {
		var has C.int
		v := C.GDALGetRasterNoDataValue(C.GDALGetRasterBand(ds, C.int(b+1)), &has)
		tile.nodata[b] = float64(v)
		tile.hasNodata[b] = has != 0
	}
	return tile, nil
}

func (t *gdalTile) Info() processor.TileInfo {
	return t.info
}

func (t *gdalTile) ReadWindow(win processor.PixelWindow, bands []int) (*processor.SubCube, error) {
	if t.ds == nil {
		return nil, fmt.Errorf("tile %s is closed", t.info.ID)
	}
	bands, err := processor.ResolveBands(bands, t.info)
	if err != nil {
		return nil, err
	}
	if err := processor.CheckWindow(win, t.info); err != nil {
		return nil, err
	}

	sub := processor.NewSubCube(bands, win, t.info.GeoTransform)
	sub.Projection = t.info.Projection
	if win.Empty() {
		return sub, nil
	}

	bandMap := make([]C.int, len(bands))
	for i, b := range bands {
		bandMap[i] = C.int(b)
	}
	var errBuf gdalErrBuf
	cErr := C.tsRasterIO(t.ds, C.GF_Read,
		C.int(win.OffX), C.int(win.OffY), C.int(win.CountX), C.int(win.CountY),
		unsafe.Pointer(&sub.Data[0]), C.int(len(bands)), &bandMap[0], errBuf.ptr(), errBuf.size())
	if cErr != C.CE_None {
		return nil, fmt.Errorf("%w: reading %s: %s", processor.ErrTileFormat, t.info.Path, errBuf.String())
	}

	for ib, b := range bands {
		if !t.hasNodata[b-1] || math.IsNaN(t.nodata[b-1]) {
			continue
		}
		nodata := float32(t.nodata[b-1])
		px := sub.Band(ib)
		for i, v := range px {
			if v == nodata {
				px[i] = float32(math.NaN())
			}
		}
	}
	return sub, nil
}

// load reads every band into a processor.MemoryTile.
func (t *gdalTile) load() (*processor.MemoryTile, error) {
	win := processor.PixelWindow{CountX: t.info.Width, CountY: t.info.Height}
	sub, err := t.ReadWindow(win, nil)
	if err != nil {
		return nil, err
	}
	return processor.NewMemoryTile(t.info, sub.Data)
}

func (t *gdalTile) Close() error {
	if t.ds != nil {
		C.GDALClose(t.ds)
		t.ds = nil
	}
	return nil
}
