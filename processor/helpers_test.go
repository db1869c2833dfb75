package processor

import (
	"math"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"
)

// testGT places a unit-pixel north-up tile with its top-left corner at (0, 10).
var testGT = GeoTransform{0, 1, 0, 10, 0, -1}

// pixelValue gives every pixel of every band a distinct value.
func pixelValue(b, r, c int) float32 {
	return float32(b*100 + r*10 + c)
}

func newTestTile(t *testing.T, id string, bands, width, height int) *MemoryTile {
	t.Helper()
	data := make([]float32, bands*width*height)
	for b := 0; b < bands; b++ {
		for r := 0; r < height; r++ {
			for c := 0; c < width; c++ {
				data[b*width*height+r*width+c] = pixelValue(b+1, r, c)
			}
		}
	}
	tile, err := NewMemoryTile(TileInfo{ID: id, Width: width, Height: height, BandCount: bands, GeoTransform: testGT}, data)
	require.NoError(t, err)
	return tile
}

func rect(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}}
}

func circle(cx, cy, r float64, n int) geom.Polygon {
	ring := make(geom.Path, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring = append(ring, geom.Point{X: cx + r*math.Cos(a), Y: cy + r*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return geom.Polygon{ring}
}

func crownTree(id, tile string, polys ...geom.Polygon) *TreeRecord {
	return &TreeRecord{TreeID: id, TileID: tile, Crown: geom.MultiPolygon(polys)}
}

func apexTree(id, tile string, x, y float64) *TreeRecord {
	return &TreeRecord{TreeID: id, TileID: tile, ApexX: x, ApexY: y, HasApex: true}
}

func countTrue(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
