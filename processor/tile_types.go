package processor

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ctessum/geom"
)

// GeoTransform uses the GDAL coefficient ordering:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// PixelCentre returns the geographic centre of the pixel at (row, col).
func (gt GeoTransform) PixelCentre(row, col int) (float64, float64) {
	c := float64(col) + 0.5
	r := float64(row) + 0.5
	return gt[0] + c*gt[1] + r*gt[2], gt[3] + c*gt[4] + r*gt[5]
}

// PixelOf returns the (row, col) of the pixel containing (x, y).
// Only valid for north-up transforms.
func (gt GeoTransform) PixelOf(x, y float64) (int, int) {
	col := int(math.Floor((x - gt[0]) / gt[1]))
	row := int(math.Floor((y - gt[3]) / gt[5]))
	return row, col
}

func (gt GeoTransform) Validate() error {
	if gt[2] != 0 || gt[4] != 0 {
		return fmt.Errorf("rotated geotransform %v is not supported", gt)
	}
	if gt[1] == 0 || gt[5] == 0 {
		return fmt.Errorf("degenerate pixel size in geotransform %v", gt)
	}
	return nil
}

// TileInfo describes a raster tile without its pixel data.
type TileInfo struct {
	ID           string
	Path         string
	Width        int
	Height       int
	BandCount    int
	GeoTransform GeoTransform
	Projection   string
}

// PixelWindow is a rectangular region of a tile in pixel space.
type PixelWindow struct {
	OffX, OffY     int
	CountX, CountY int
}

func (w PixelWindow) Empty() bool {
	return w.CountX <= 0 || w.CountY <= 0
}

// RasterTile is an opened tile. Implementations are owned by a single tile
// task and must be closed by it.
type RasterTile interface {
	Info() TileInfo
	// ReadWindow copies the requested bands (1-based, nil for all) of the
	// window into a new SubCube. Nodata pixels are returned as NaN.
	ReadWindow(win PixelWindow, bands []int) (*SubCube, error)
	Close() error
}

// SubCube is a band-major copy of a tile window. NaN marks null pixels.
type SubCube struct {
	Bands        []int
	OffX, OffY   int
	Width        int
	Height       int
	GeoTransform GeoTransform
	Projection   string
	Data         []float32
}

func NewSubCube(bands []int, win PixelWindow, gt GeoTransform) *SubCube {
	w, h := win.CountX, win.CountY
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return &SubCube{
		Bands:        append([]int(nil), bands...),
		OffX:         win.OffX,
		OffY:         win.OffY,
		Width:        w,
		Height:       h,
		GeoTransform: gt,
		Data:         make([]float32, len(bands)*w*h),
	}
}

func (s *SubCube) BandCount() int {
	return len(s.Bands)
}

func (s *SubCube) PixelCount() int {
	return s.Width * s.Height
}

// Band returns the pixels of the i-th band of the cube (0-based plane index).
func (s *SubCube) Band(i int) []float32 {
	n := s.PixelCount()
	return s.Data[i*n : (i+1)*n]
}

// PixelCentre returns the geographic centre of the cube pixel (row, col).
func (s *SubCube) PixelCentre(row, col int) (float64, float64) {
	return s.GeoTransform.PixelCentre(s.OffY+row, s.OffX+col)
}

func (s *SubCube) Clone() *SubCube {
	c := *s
	c.Bands = append([]int(nil), s.Bands...)
	c.Data = append([]float32(nil), s.Data...)
	return &c
}

// Bytes is the in-memory size of the cube pixels.
func (s *SubCube) Bytes() int64 {
	return int64(len(s.Data)) * 4
}

// TreeRecord is one row of the matched tree table.
type TreeRecord struct {
	TreeID string
	TileID string

	// Crown is nil when the record carries no crown polygon.
	Crown geom.MultiPolygon
	// CrownJSON is the GeoJSON geometry as read from the tree table.
	CrownJSON json.RawMessage
	// CrownErr is set when the record's geometry could not be used as a crown.
	CrownErr error

	ApexX, ApexY float64
	HasApex      bool

	Filename   string
	Attributes map[string]interface{}
}
