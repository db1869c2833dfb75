package processor

import (
	"fmt"
	"math"
	"sort"

	"github.com/ctessum/geom"
)

// ValidateCrown rejects crowns that cannot be rasterised reliably: rings
// with fewer than three distinct vertices and rings whose edges cross.
// Rings may be given open or closed.
func ValidateCrown(crown geom.MultiPolygon) error {
	if len(crown) == 0 {
		return fmt.Errorf("%w: empty crown", ErrMalformedGeometry)
	}
	for ip, poly := range crown {
		if len(poly) == 0 {
			return fmt.Errorf("%w: polygon %d has no rings", ErrMalformedGeometry, ip)
		}
		for ir, ring := range poly {
			pts := openRing(ring)
			if len(pts) < 3 {
				return fmt.Errorf("%w: polygon %d ring %d has %d distinct vertices", ErrMalformedGeometry, ip, ir, len(pts))
			}
			for _, p := range pts {
				if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
					return fmt.Errorf("%w: polygon %d ring %d has non-finite vertex", ErrMalformedGeometry, ip, ir)
				}
			}
			if i, j, ok := ringSelfIntersects(pts); ok {
				return fmt.Errorf("%w: polygon %d ring %d self-intersects at edges %d and %d", ErrMalformedGeometry, ip, ir, i, j)
			}
		}
	}
	return nil
}

// openRing drops the closing vertex and consecutive duplicates.
func openRing(ring geom.Path) []geom.Point {
	pts := make([]geom.Point, 0, len(ring))
	for _, p := range ring {
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	for len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	return pts
}

func ringSelfIntersects(pts []geom.Point) (int, int, bool) {
	n := len(pts)
	for i := 0; i < n; i++ {
		a1, a2 := pts[i], pts[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				// adjacent edges share a vertex; only a fold back counts
				if collinearOverlap(a1, a2, pts[j], pts[(j+1)%n]) {
					return i, j, true
				}
				continue
			}
			if segmentsIntersect(a1, a2, pts[j], pts[(j+1)%n]) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func orient(a, b, c geom.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(a, b, p geom.Point) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}

func segmentsIntersect(p1, p2, q1, q2 geom.Point) bool {
	d1 := sign(orient(q1, q2, p1))
	d2 := sign(orient(q1, q2, p2))
	d3 := sign(orient(p1, p2, q1))
	d4 := sign(orient(p1, p2, q2))
	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// collinearOverlap reports whether two edges sharing a vertex run back
// over each other.
func collinearOverlap(p1, p2, q1, q2 geom.Point) bool {
	if orient(p1, p2, q1) != 0 || orient(p1, p2, q2) != 0 {
		return false
	}
	var shared, a, b geom.Point
	switch {
	case p2 == q1:
		shared, a, b = p2, p1, q2
	case p1 == q2:
		shared, a, b = p1, p2, q1
	default:
		return false
	}
	return (a.X-shared.X)*(b.X-shared.X)+(a.Y-shared.Y)*(b.Y-shared.Y) > 0
}

// CrownMask rasterises the crown onto the cube grid. An element is true
// when the pixel centre lies inside or on the boundary of any polygon of
// the crown.
func CrownMask(sub *SubCube, crown geom.MultiPolygon) []bool {
	mask := make([]bool, sub.PixelCount())
	if len(mask) == 0 {
		return mask
	}
	for _, poly := range crown {
		rasterisePolygon(sub, poly, mask)
	}
	return mask
}

type edge struct {
	a, b geom.Point
}

func rasterisePolygon(sub *SubCube, poly geom.Polygon, mask []bool) {
	var edges []edge
	vertexY := make(map[float64]bool)
	for _, ring := range poly {
		pts := openRing(ring)
		for i := range pts {
			edges = append(edges, edge{pts[i], pts[(i+1)%len(pts)]})
			vertexY[pts[i].Y] = true
		}
	}
	if len(edges) == 0 {
		return
	}
	b := poly.Bounds()

	xs := make([]float64, 0, 8)
	for row := 0; row < sub.Height; row++ {
		_, y := sub.PixelCentre(row, 0)
		if y < b.Min.Y || y > b.Max.Y {
			continue
		}

		if vertexY[y] {
			// crossings are ambiguous through vertices and horizontal edges
			for col := 0; col < sub.Width; col++ {
				x, _ := sub.PixelCentre(row, col)
				p := geom.Point{X: x, Y: y}
				if onBoundary(p, edges) || p.Within(poly) != geom.Outside {
					mask[row*sub.Width+col] = true
				}
			}
			continue
		}

		xs = xs[:0]
		for _, e := range edges {
			if (e.a.Y <= y && e.b.Y > y) || (e.b.Y <= y && e.a.Y > y) {
				t := (y - e.a.Y) / (e.b.Y - e.a.Y)
				xs = append(xs, e.a.X+t*(e.b.X-e.a.X))
			}
		}
		sort.Float64s(xs)
		for k := 0; k+1 < len(xs); k += 2 {
			lo, hi := xs[k]-pixelEps, xs[k+1]+pixelEps
			for col := 0; col < sub.Width; col++ {
				x, _ := sub.PixelCentre(row, col)
				if x >= lo && x <= hi {
					mask[row*sub.Width+col] = true
				}
			}
		}
	}
}

func onBoundary(p geom.Point, edges []edge) bool {
	for _, e := range edges {
		if math.Abs(orient(e.a, e.b, p)) <= pixelEps && onSegment(e.a, e.b, p) {
			return true
		}
	}
	return false
}

// MaskSubCube sets every pixel outside the mask to NaN in all bands.
func MaskSubCube(sub *SubCube, mask []bool) {
	n := sub.PixelCount()
	nan := float32(math.NaN())
	for b := 0; b < sub.BandCount(); b++ {
		band := sub.Data[b*n : (b+1)*n]
		for i, in := range mask {
			if !in {
				band[i] = nan
			}
		}
	}
}
