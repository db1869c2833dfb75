package processor

import (
	"fmt"
	"io"
	"sort"
)

type FailedTile struct {
	TileID string `json:"tile_id"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
	Trees  int    `json:"trees"`
}

// RunSummary is the user visible account of a run.
type RunSummary struct {
	RunID          string             `json:"run_id"`
	Mode           string             `json:"mode"`
	TotalTrees     int                `json:"total_trees"`
	Processed      int                `json:"processed"`
	Skipped        map[SkipReason]int `json:"skipped"`
	Imputed        int                `json:"imputed"`
	TilesTotal     int                `json:"tiles_total"`
	TilesSucceeded int                `json:"tiles_succeeded"`
	FailedTiles    []FailedTile       `json:"failed_tiles"`
}

// Summarize tallies tile results. filtered is the number of trees removed
// before scheduling.
func Summarize(runID string, mode Mode, results []*TileResult, filtered int) *RunSummary {
	s := &RunSummary{
		RunID:       runID,
		Mode:        mode.String(),
		Skipped:     make(map[SkipReason]int),
		TilesTotal:  len(results),
		TotalTrees:  filtered,
		FailedTiles: []FailedTile{},
	}
	if filtered > 0 {
		s.Skipped[SkipFiltered] = filtered
	}
	for _, res := range results {
		s.TotalTrees += res.NumTrees
		if res.Failed() {
			s.FailedTiles = append(s.FailedTiles, FailedTile{
				TileID: res.TileID,
				Reason: FailureReason(res.Err),
				Error:  res.Err.Error(),
				Trees:  res.NumTrees,
			})
			continue
		}
		s.TilesSucceeded++
		s.Processed += res.Extracted()
		s.Imputed += res.Imputed
		for reason, n := range res.SkipCounts() {
			s.Skipped[reason] += n
		}
	}
	return s
}

// Succeeded reports whether at least one tile produced output.
func (s *RunSummary) Succeeded() bool {
	return s.TilesSucceeded > 0
}

// Print writes a human readable summary. highlight wraps the failure
// lines, e.g. in terminal colour codes.
func (s *RunSummary) Print(w io.Writer, highlight func(string) string) {
	if highlight == nil {
		highlight = func(s string) string { return s }
	}
	fmt.Fprintf(w, "run %s (%s)\n", s.RunID, s.Mode)
	fmt.Fprintf(w, "trees: %d total, %d processed, %d imputed\n", s.TotalTrees, s.Processed, s.Imputed)

	reasons := make([]string, 0, len(s.Skipped))
	for r := range s.Skipped {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  skipped %s: %d\n", r, s.Skipped[SkipReason(r)])
	}

	fmt.Fprintf(w, "tiles: %d total, %d succeeded, %d failed\n", s.TilesTotal, s.TilesSucceeded, len(s.FailedTiles))
	for _, f := range s.FailedTiles {
		fmt.Fprintln(w, highlight(fmt.Sprintf("  failed %s (%s, %d trees): %s", f.TileID, f.Reason, f.Trees, f.Error)))
	}
}
