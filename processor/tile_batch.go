package processor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// Mode selects the terminal reducer and null policy of a run.
type Mode int

const (
	// ModePerTree computes statistics and drops trees with any null value.
	ModePerTree Mode = iota
	// ModeTileBatch computes statistics and fills nulls with the mean of
	// the column over the trees of the tile.
	ModeTileBatch
	// ModeCube writes the window sub-cube of every tree.
	ModeCube
)

func (m Mode) String() string {
	switch m {
	case ModePerTree:
		return "per_tree"
	case ModeTileBatch:
		return "tile_batch"
	case ModeCube:
		return "cube"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "per_tree", "":
		return ModePerTree, nil
	case "tile_batch":
		return ModeTileBatch, nil
	case "cube":
		return ModeCube, nil
	default:
		return 0, fmt.Errorf("unknown mode %q, expecting per_tree, tile_batch or cube", s)
	}
}

// Options parameterise the per-tile pipeline.
type Options struct {
	Mode  Mode
	Crop  CropOptions
	Stats StatSet

	// CubeWriter receives the sub-cubes in cube mode.
	CubeWriter CubeWriter
	// Cache is optional and only consulted for statistics.
	Cache FeatureCache
}

func (o *Options) Validate() error {
	if o.Crop.WindowRadius < 0 {
		return fmt.Errorf("window radius must not be negative: %d", o.Crop.WindowRadius)
	}
	if o.Mode == ModeCube {
		if o.Crop.Extraction != ExtractWindow {
			return fmt.Errorf("cube mode requires window extraction")
		}
		if o.CubeWriter == nil {
			return fmt.Errorf("cube mode requires a cube writer")
		}
	}
	return nil
}

// TileResult is the outcome of one tile task. Err is set when the task
// failed, in which case no rows or cubes of the tile are kept.
type TileResult struct {
	TileID   string
	NumTrees int

	// Trees are the trees with a row in Rows, in input order.
	Trees   []*TreeRecord
	Columns []string
	Rows    [][]float64

	Cubes []string

	Skipped []TreeSkip
	// Imputed counts trees whose nulls were filled; ImputedValues counts
	// the filled cells.
	Imputed       int
	ImputedValues int
	BytesRead     int64
	Duration      time.Duration

	Err error
}

func (r *TileResult) Failed() bool {
	return r.Err != nil
}

// Extracted is the number of trees that produced a row or a cube.
func (r *TileResult) Extracted() int {
	if len(r.Cubes) > 0 {
		return len(r.Cubes)
	}
	return len(r.Rows)
}

// SkipCounts tallies skipped trees by reason.
func (r *TileResult) SkipCounts() map[SkipReason]int {
	counts := make(map[SkipReason]int)
	for _, s := range r.Skipped {
		counts[s.Reason]++
	}
	return counts
}

func (r *TileResult) skip(tree *TreeRecord, reason SkipReason) {
	r.Skipped = append(r.Skipped, TreeSkip{TreeID: tree.TreeID, Reason: reason})
}

// ProcessTile runs every tree of one tile through crop, mask and the
// reducer of opts.Mode, sequentially and in input order. The caller owns
// the tile and closes it. A failing tile keeps no cube artifacts: cubes
// written before the error are removed again.
func ProcessTile(ctx context.Context, tile RasterTile, trees []*TreeRecord, opts Options) (res *TileResult, err error) {
	info := tile.Info()
	res = &TileResult{TileID: info.ID, NumTrees: len(trees)}
	defer func() {
		r := recover()
		if (err != nil || r != nil) && len(res.Cubes) > 0 {
			discardCubes(opts.CubeWriter, res)
		}
		if r != nil {
			panic(r)
		}
	}()

	bands, err := ResolveBands(opts.Crop.Bands, info)
	if err != nil {
		return res, err
	}
	if opts.Mode != ModeCube {
		res.Columns = FeatureColumns(opts.Stats, bands)
	}
	side := opts.Crop.WindowSide()

	for _, tree := range trees {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var row []float64
		var valid []int
		var key string
		cached := false
		if opts.Cache != nil && opts.Mode != ModeCube {
			key = FeatureKey(info.ID, tree, opts.Crop, opts.Stats)
			row, valid, cached = opts.Cache.Get(key)
			cached = cached && len(row) == len(res.Columns) && len(valid) == len(bands)
		}

		if !cached {
			sub, err := CropTree(tile, tree, opts.Crop)
			if err != nil {
				return res, err
			}
			res.BytesRead += sub.Bytes()

			if opts.Crop.Extraction == ExtractWindow && (sub.Width != side || sub.Height != side) {
				res.skip(tree, SkipShapeMismatch)
				continue
			}

			if opts.Mode == ModeCube {
				path, err := opts.CubeWriter.WriteCube(tree, sub)
				if err != nil {
					return res, &TreeError{TreeID: tree.TreeID, Err: err}
				}
				res.Cubes = append(res.Cubes, path)
				continue
			}

			row, valid = BandStatistics(sub, opts.Stats)
			if opts.Cache != nil {
				opts.Cache.Set(key, row, valid)
			}
		}

		if opts.Mode == ModePerTree && HasNull(row) {
			res.skip(tree, nullReason(valid))
			continue
		}
		res.Trees = append(res.Trees, tree)
		res.Rows = append(res.Rows, row)
	}

	if opts.Mode == ModeTileBatch {
		res.Imputed, res.ImputedValues = imputeRows(res.Rows)
	}
	return res, nil
}

// imputeRows fills nulls with column means and counts the rows that had at
// least one value filled, and the filled values.
func imputeRows(rows [][]float64) (int, int) {
	before := make([][]bool, len(rows))
	for i, row := range rows {
		if !HasNull(row) {
			continue
		}
		before[i] = make([]bool, len(row))
		for j, v := range row {
			before[i][j] = math.IsNaN(v)
		}
	}
	values := FillColumnMeans(rows)

	trees := 0
	for i, nulls := range before {
		for j, wasNull := range nulls {
			if wasNull && !math.IsNaN(rows[i][j]) {
				trees++
				break
			}
		}
	}
	return trees, values
}

func discardCubes(w CubeWriter, res *TileResult) {
	for _, path := range res.Cubes {
		if err := w.RemoveCube(path); err != nil {
			log.Printf("tile %s: failed to remove cube %s: %v", res.TileID, path, err)
		}
	}
	res.Cubes = nil
}

func nullReason(valid []int) SkipReason {
	for _, n := range valid {
		if n == 0 {
			return SkipEmptyMask
		}
	}
	return SkipNullStatistic
}
