package processor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	ok := &TileResult{TileID: "a", NumTrees: 3, Rows: make([][]float64, 2), Imputed: 1,
		Skipped: []TreeSkip{{TreeID: "x", Reason: SkipShapeMismatch}}}
	failed := &TileResult{TileID: "b", NumTrees: 4, Err: ErrTileNotFound}

	s := Summarize("id", ModeTileBatch, []*TileResult{ok, failed}, 5)
	assert.Equal(t, 12, s.TotalTrees)
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 1, s.Imputed)
	assert.Equal(t, map[SkipReason]int{SkipShapeMismatch: 1, SkipFiltered: 5}, s.Skipped)
	assert.Equal(t, 1, s.TilesSucceeded)
	assert.True(t, s.Succeeded())

	var buf bytes.Buffer
	s.Print(&buf, func(l string) string { return "!" + l })
	out := buf.String()
	assert.Contains(t, out, "trees: 12 total, 2 processed, 1 imputed")
	assert.Contains(t, out, "skipped filtered: 5")
	assert.Contains(t, out, "!  failed b (tile_not_found, 4 trees)")

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"shape_mismatch":1`)

	none := Summarize("id", ModePerTree, []*TileResult{failed}, 0)
	assert.False(t, none.Succeeded())
}
