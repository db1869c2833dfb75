package utils

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkStoredTable(t *testing.T, db *FeatureDB) {
	st, err := db.ReadTable()
	require.NoError(t, err)

	assert.Equal(t, []string{"band_1", "band_2"}, st.FeatureColumns)
	assert.Equal(t, []string{"treeID", "tile_id", "dbh", "filename", "species", "ttop_x", "ttop_y"}, st.AttributeColumns)
	assert.Equal(t, []string{"1", "b-2"}, st.TreeIDs)
	assert.Equal(t, []string{"t1", "t2"}, st.TileIDs)
	assert.Equal(t, 12.5, st.Attributes[0]["dbh"])
	assert.Equal(t, "elm", st.Attributes[1]["species"])

	require.Len(t, st.Rows, 2)
	assert.Equal(t, 1.5, st.Rows[0][0])
	assert.True(t, math.IsNaN(st.Rows[0][1]))
	assert.Equal(t, []float64{2, 0.25}, st.Rows[1])
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.sqlite")
	db, err := OpenSQLiteSink(path)
	require.NoError(t, err)
	defer db.Close()

	table := testTable(t)
	require.NoError(t, db.WriteTable(table, defaultColumns()))
	checkStoredTable(t, db)

	// Rewriting replaces the previous contents.
	require.NoError(t, db.WriteTable(table, defaultColumns()))
	checkStoredTable(t, db)
}

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("TREESPEC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TREESPEC_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenPostgresSink(dsn, "treespec_test")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.WriteTable(testTable(t), defaultColumns()))
	checkStoredTable(t, db)
}

func TestVectorEncoding(t *testing.T) {
	row := []float64{1, -2.5, math.Inf(1)}
	got, err := decodeVector(encodeVector(row))
	require.NoError(t, err)
	assert.Equal(t, row, got)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
