package processor

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteNpy(t *testing.T) {
	tile := newTestTile(t, "t", 2, 10, 10)
	sub, err := tile.ReadWindow(PixelWindow{OffX: 1, OffY: 2, CountX: 3, CountY: 3}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteNpy(&buf, sub))

	raw := buf.Bytes()
	assert.Equal(t, "\x93NUMPY", string(raw[:6]))
	assert.Equal(t, []byte{1, 0}, raw[6:8])
	hlen := int(binary.LittleEndian.Uint16(raw[8:10]))
	assert.Equal(t, 0, (10+hlen)%64)
	assert.Equal(t, byte('\n'), raw[10+hlen-1])
	assert.Contains(t, string(raw[10:10+hlen]), "'shape': (2, 3, 3)")
	assert.Equal(t, 10+hlen+2*3*3*4, len(raw))

	shape, data, err := ReadNpy(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3}, shape)
	assert.Equal(t, sub.Data, data)
}

func TestNpyCubeWriter(t *testing.T) {
	dir := t.TempDir()
	tile := newTestTile(t, "t", 1, 10, 10)
	sub, err := tile.ReadWindow(PixelWindow{CountX: 3, CountY: 3}, nil)
	require.NoError(t, err)

	w := &NpyCubeWriter{Dir: dir}

	named := &TreeRecord{TreeID: "7", Filename: "12.npy"}
	path, err := w.WriteCube(named, sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "12.npy"), path)

	path, err = w.WriteCube(&TreeRecord{TreeID: "7"}, sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "7.npy"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	shape, data, err := ReadNpy(f)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, shape)
	assert.Equal(t, sub.Data, data)

	// cubes are written once
	_, err = w.WriteCube(named, sub)
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCubeName(t *testing.T) {
	cases := []struct {
		tree *TreeRecord
		want string
	}{
		{&TreeRecord{TreeID: "7"}, "7"},
		{&TreeRecord{TreeID: "7", Filename: "cubes/12.npy"}, "12.npy"},
		{&TreeRecord{TreeID: "plot/3"}, "3"},
		{&TreeRecord{TreeID: "a/b/c"}, "c"},
	}
	for _, tc := range cases {
		got, err := CubeName(tc.tree)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	for _, id := range []string{"..", ".", "/"} {
		_, err := CubeName(&TreeRecord{TreeID: id})
		assert.Error(t, err, id)
	}
}

func TestNpyCubeWriterSeparatorInTreeID(t *testing.T) {
	dir := t.TempDir()
	tile := newTestTile(t, "t", 1, 10, 10)
	sub, err := tile.ReadWindow(PixelWindow{CountX: 2, CountY: 2}, nil)
	require.NoError(t, err)

	w := &NpyCubeWriter{Dir: dir}
	path, err := w.WriteCube(&TreeRecord{TreeID: "plot/3"}, sub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "3.npy"), path)

	require.NoError(t, w.RemoveCube(path))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
