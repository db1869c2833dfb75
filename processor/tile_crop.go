package processor

import (
	"fmt"
	"math"
)

// Extraction selects the spatial extent cropped around a tree.
type Extraction int

const (
	// ExtractBBox crops to the bounding box of the crown polygon.
	ExtractBBox Extraction = iota
	// ExtractWindow crops a (2r+1)x(2r+1) pixel square centred on the treetop.
	ExtractWindow
)

func (e Extraction) String() string {
	switch e {
	case ExtractBBox:
		return "bbox"
	case ExtractWindow:
		return "window"
	default:
		return fmt.Sprintf("extraction(%d)", int(e))
	}
}

func ParseExtraction(s string) (Extraction, error) {
	switch s {
	case "bbox", "":
		return ExtractBBox, nil
	case "window":
		return ExtractWindow, nil
	default:
		return 0, fmt.Errorf("unknown extraction %q, expecting bbox or window", s)
	}
}

// CropOptions control how a tree's sub-cube is cut from its tile.
type CropOptions struct {
	Extraction   Extraction
	WindowRadius int
	Mask         bool
	Bands        []int
}

// WindowSide is the expected side length of a window-mode sub-cube.
func (o CropOptions) WindowSide() int {
	return 2*o.WindowRadius + 1
}

const pixelEps = 1e-9

// axisRange returns the first pixel index and pixel count along one axis
// whose centres fall in the closed interval spanned by a and b, clamped to
// [0, n).
func axisRange(a, b, origin, size float64, n int) (int, int) {
	fa := (a-origin)/size - 0.5
	fb := (b-origin)/size - 0.5
	if fa > fb {
		fa, fb = fb, fa
	}
	lo := int(math.Ceil(fa - pixelEps))
	hi := int(math.Floor(fb + pixelEps))
	if lo < 0 {
		lo = 0
	}
	if lo > n {
		lo = n
	}
	if hi > n-1 {
		hi = n - 1
	}
	if hi < lo {
		return lo, 0
	}
	return lo, hi - lo + 1
}

// BoxWindow returns the minimal pixel window covering every pixel whose
// centre lies inside the geographic box. yHigh and yLow follow the north-up
// convention where row index grows as y decreases.
func BoxWindow(info TileInfo, xMin, xMax, yHigh, yLow float64) PixelWindow {
	gt := info.GeoTransform
	offX, countX := axisRange(xMin, xMax, gt[0], gt[1], info.Width)
	offY, countY := axisRange(yHigh, yLow, gt[3], gt[5], info.Height)
	return PixelWindow{OffX: offX, OffY: offY, CountX: countX, CountY: countY}
}

// ApexWindow returns the square window of the given radius centred on the
// pixel containing (x, y), clipped to the tile.
func ApexWindow(info TileInfo, x, y float64, radius int) PixelWindow {
	row, col := info.GeoTransform.PixelOf(x, y)
	x0, x1 := clip(col-radius, col+radius+1, info.Width)
	y0, y1 := clip(row-radius, row+radius+1, info.Height)
	return PixelWindow{OffX: x0, OffY: y0, CountX: x1 - x0, CountY: y1 - y0}
}

func clip(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// WindowedCrop copies the pixels of the box [xMin, xMax] x [yLow, yHigh]
// out of the tile. Boxes reaching past the tile edge produce a smaller,
// possibly empty, sub-cube.
func WindowedCrop(tile RasterTile, xMin, xMax, yHigh, yLow float64, bands []int) (*SubCube, error) {
	return tile.ReadWindow(BoxWindow(tile.Info(), xMin, xMax, yHigh, yLow), bands)
}

// CropTree cuts the sub-cube of one tree and, when requested, nulls every
// pixel whose centre lies outside the crown.
func CropTree(tile RasterTile, tree *TreeRecord, opts CropOptions) (*SubCube, error) {
	info := tile.Info()

	var win PixelWindow
	crownChecked := false
	switch opts.Extraction {
	case ExtractBBox:
		if err := checkCrown(tree); err != nil {
			return nil, err
		}
		crownChecked = true
		b := tree.Crown.Bounds()
		win = BoxWindow(info, b.Min.X, b.Max.X, b.Max.Y, b.Min.Y)
	case ExtractWindow:
		if !tree.HasApex {
			return nil, &TreeError{TreeID: tree.TreeID, Err: fmt.Errorf("%w: missing treetop coordinates", ErrMalformedGeometry)}
		}
		win = ApexWindow(info, tree.ApexX, tree.ApexY, opts.WindowRadius)
	default:
		return nil, fmt.Errorf("unsupported extraction %v", opts.Extraction)
	}

	sub, err := tile.ReadWindow(win, opts.Bands)
	if err != nil {
		return nil, err
	}

	if !opts.Mask || (tree.Crown == nil && tree.CrownErr == nil) {
		return sub, nil
	}
	if !crownChecked {
		if err := checkCrown(tree); err != nil {
			return nil, err
		}
	}
	MaskSubCube(sub, CrownMask(sub, tree.Crown))
	return sub, nil
}

func checkCrown(tree *TreeRecord) error {
	if tree.CrownErr != nil {
		return &TreeError{TreeID: tree.TreeID, Err: tree.CrownErr}
	}
	if tree.Crown == nil {
		return &TreeError{TreeID: tree.TreeID, Err: fmt.Errorf("%w: no crown polygon", ErrMalformedGeometry)}
	}
	if err := ValidateCrown(tree.Crown); err != nil {
		return &TreeError{TreeID: tree.TreeID, Err: err}
	}
	return nil
}
