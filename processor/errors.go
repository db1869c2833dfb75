package processor

import (
	"errors"
	"fmt"
)

var (
	ErrTileNotFound      = errors.New("tile not found")
	ErrTileFormat        = errors.New("malformed tile")
	ErrMalformedGeometry = errors.New("malformed geometry")
)

// TreeError attaches the offending tree to a processing error.
type TreeError struct {
	TreeID string
	Err    error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree %s: %v", e.TreeID, e.Err)
}

func (e *TreeError) Unwrap() error {
	return e.Err
}

// SkipReason explains why a tree produced no output row or artifact.
type SkipReason string

const (
	SkipShapeMismatch SkipReason = "shape_mismatch"
	SkipEmptyMask     SkipReason = "empty_mask"
	SkipNullStatistic SkipReason = "null_statistic"
	SkipFiltered      SkipReason = "filtered"
)

// TreeSkip records a tree that was left out of a tile's output.
type TreeSkip struct {
	TreeID string
	Reason SkipReason
}

// FailureReason classifies a failed tile task for reporting.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTileNotFound):
		return "tile_not_found"
	case errors.Is(err, ErrTileFormat):
		return "tile_format"
	case errors.Is(err, ErrMalformedGeometry):
		return "malformed_geometry"
	default:
		return "error"
	}
}
