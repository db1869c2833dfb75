package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/wkb"
	"github.com/google/go-cmp/cmp"
	"github.com/nci/treespec/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readParquet(t *testing.T, raw []byte) arrow.Table {
	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(context.Background(), bytes.NewReader(raw), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return tbl
}

func parquetColumn(t *testing.T, tbl arrow.Table, i int) arrow.Array {
	chunks := tbl.Column(i).Data().Chunks()
	require.Len(t, chunks, 1)
	return chunks[0]
}

func TestEncodeParquet(t *testing.T) {
	trees, err := LoadTrees("testdata/trees.geojson", defaultColumns())
	require.NoError(t, err)
	table := &processor.FeatureTable{
		Columns: []string{"band_1", "band_2"},
		Trees:   trees,
		Rows:    [][]float64{{1.5, math.NaN()}, {2, 0.25}, {math.NaN(), math.NaN()}, {3, 4}},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeParquet(&buf, table, defaultColumns()))

	tbl := readParquet(t, buf.Bytes())
	require.EqualValues(t, 4, tbl.NumRows())

	var names []string
	for _, f := range tbl.Schema().Fields() {
		names = append(names, f.Name)
	}
	want := append([]string(nil), TableHeader(table, defaultColumns())...)
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("column order mismatch (-want +got):\n%s", diff)
	}

	ids := parquetColumn(t, tbl, 0).(*array.String)
	assert.Equal(t, "1", ids.Value(0))
	assert.Equal(t, "b-2", ids.Value(1))

	dbh := parquetColumn(t, tbl, 2).(*array.Float64)
	assert.Equal(t, 12.5, dbh.Value(0))
	assert.Equal(t, 8.0, dbh.Value(1))
	assert.True(t, dbh.IsNull(2))

	species := parquetColumn(t, tbl, 4).(*array.String)
	assert.Equal(t, "oak", species.Value(0))
	assert.True(t, species.IsNull(3))

	geoCol := parquetColumn(t, tbl, 7).(*array.Binary)
	g, err := wkb.Decode(geoCol.Value(0))
	require.NoError(t, err)
	poly, ok := g.(geom.Polygon)
	require.True(t, ok, "%T", g)
	assert.Equal(t, geom.Point{X: 2, Y: 2}, poly[0][0])
	assert.InDelta(t, 36, poly.Area(), 1e-9)

	g, err = wkb.Decode(geoCol.Value(1))
	require.NoError(t, err)
	mp, ok := g.(geom.MultiPolygon)
	require.True(t, ok, "%T", g)
	assert.Len(t, mp, 2)
	assert.True(t, geoCol.IsNull(2))
	assert.True(t, geoCol.IsNull(3))

	b1 := parquetColumn(t, tbl, 8).(*array.Float64)
	b2 := parquetColumn(t, tbl, 9).(*array.Float64)
	assert.Equal(t, 1.5, b1.Value(0))
	assert.True(t, b2.IsNull(0))
	assert.Equal(t, 0.25, b2.Value(1))
	assert.True(t, b1.IsNull(2))
	assert.Equal(t, 4.0, b2.Value(3))

	rdr, err := file.NewParquetReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer rdr.Close()
	raw := rdr.MetaData().KeyValueMetadata().FindValue("geo")
	require.NotNil(t, raw)
	var meta geoMeta
	require.NoError(t, json.Unmarshal([]byte(*raw), &meta))
	assert.Equal(t, GeoParquetVersion, meta.Version)
	assert.Equal(t, GeometryColumn, meta.PrimaryColumn)
	assert.Equal(t, "WKB", meta.Columns[GeometryColumn].Encoding)
	assert.Equal(t, []string{"MultiPolygon", "Polygon"}, meta.Columns[GeometryColumn].GeometryTypes)
}

func TestWriteFeatureFileParquet(t *testing.T) {
	table := testTable(t)
	path := filepath.Join(t.TempDir(), "features.parquet")
	require.NoError(t, WriteFeatureFile(path, "parquet", table, defaultColumns()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("PAR1"), raw[:4])

	tbl := readParquet(t, raw)
	assert.EqualValues(t, 2, tbl.NumRows())
	assert.EqualValues(t, len(TableHeader(table, defaultColumns())), tbl.NumCols())
}
