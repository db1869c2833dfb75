package utils

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nci/treespec/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *processor.FeatureTable {
	trees, err := LoadTrees("testdata/trees.geojson", defaultColumns())
	require.NoError(t, err)
	return &processor.FeatureTable{
		Columns: []string{"band_1", "band_2"},
		Trees:   []*processor.TreeRecord{trees[0], trees[1]},
		Rows:    [][]float64{{1.5, math.NaN()}, {2, 0.25}},
	}
}

func TestEncodeCSV(t *testing.T) {
	table := testTable(t)
	var buf bytes.Buffer
	require.NoError(t, EncodeCSV(&buf, table, defaultColumns()))

	header, rows, err := DecodeCSV(&buf)
	require.NoError(t, err)
	want := []string{"treeID", "tile_id", "dbh", "filename", "species", "ttop_x", "ttop_y", GeometryColumn, "band_1", "band_2"}
	if diff := cmp.Diff(want, header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, rows, 2)

	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "t1", rows[0][1])
	assert.Equal(t, "12.5", rows[0][2])
	assert.Equal(t, "oak", rows[0][4])
	assert.NotEmpty(t, rows[0][7])
	assert.Equal(t, "1.5", rows[0][8])
	assert.Equal(t, "", rows[0][9])

	assert.Equal(t, "b-2", rows[1][0])
	assert.Equal(t, "", rows[1][3])
	assert.Equal(t, "2", rows[1][8])
	assert.Equal(t, "0.25", rows[1][9])

	ids := map[string]bool{}
	for _, r := range rows {
		assert.False(t, ids[r[0]])
		ids[r[0]] = true
	}
}

func TestEncodeGeoJSON(t *testing.T) {
	table := testTable(t)
	var buf bytes.Buffer
	require.NoError(t, EncodeGeoJSON(&buf, table, defaultColumns()))

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Properties map[string]interface{} `json:"properties"`
			Geometry   map[string]interface{} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	p := fc.Features[0].Properties
	assert.Equal(t, 1.5, p["band_1"])
	v, ok := p["band_2"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, "Polygon", fc.Features[0].Geometry["type"])
	assert.Equal(t, "MultiPolygon", fc.Features[1].Geometry["type"])
	assert.Nil(t, fc.Features[1].Properties["ttop_x"])

	s := buf.String()
	assert.Less(t, bytes.Index(buf.Bytes(), []byte(`"treeID"`)), bytes.Index(buf.Bytes(), []byte(`"tile_id"`)), s)
	assert.Less(t, bytes.Index(buf.Bytes(), []byte(`"ttop_y"`)), bytes.Index(buf.Bytes(), []byte(`"band_1"`)), s)
}

func TestWriteFeatureFile(t *testing.T) {
	table := testTable(t)
	dir := t.TempDir()

	for _, format := range []string{"csv", "geojson", "sqlite", "parquet"} {
		path := filepath.Join(dir, "features."+format)
		require.NoError(t, WriteFeatureFile(path, format, table, defaultColumns()), format)
		fi, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, fi.Size())
	}

	assert.Error(t, WriteFeatureFile(filepath.Join(dir, "x"), "xlsx", table, defaultColumns()))
	matches, err := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFeatureFilePaths(t *testing.T) {
	table := testTable(t)
	paths, parts := FeatureFilePaths("out", "csv", table, false)
	assert.Equal(t, []string{filepath.Join("out", "features.csv")}, paths)
	assert.Same(t, table, parts[0])

	paths, parts = FeatureFilePaths("out", "csv", table, true)
	assert.Equal(t, []string{filepath.Join("out", "t1.csv"), filepath.Join("out", "t2.csv")}, paths)
	require.Len(t, parts, 2)
	assert.Equal(t, "1", parts[0].Trees[0].TreeID)
	assert.Equal(t, []float64{2, 0.25}, parts[1].Rows[0])
}
