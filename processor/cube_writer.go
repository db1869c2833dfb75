package processor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// CubeWriter persists the sub-cube of one tree and returns the written path.
// RemoveCube deletes an artifact returned by WriteCube.
type CubeWriter interface {
	WriteCube(tree *TreeRecord, sub *SubCube) (string, error)
	RemoveCube(path string) error
}

// CubeName returns the artifact base name of a tree: its filename
// attribute when set, otherwise its treeID. Directory parts are dropped so
// that artifacts always land in the writer's directory.
func CubeName(tree *TreeRecord) (string, error) {
	name := tree.TreeID
	if tree.Filename != "" {
		name = tree.Filename
	}
	name = filepath.Base(filepath.FromSlash(name))
	switch name {
	case ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("tree %s: no usable cube name in %q", tree.TreeID, name)
	}
	return name, nil
}

// NpyCubeWriter writes cubes as NumPy v1.0 arrays of little-endian float32
// with shape (bands, rows, cols).
type NpyCubeWriter struct {
	Dir string
}

func (w *NpyCubeWriter) WriteCube(tree *TreeRecord, sub *SubCube) (string, error) {
	name, err := CubeName(tree)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(name, ".npy") {
		name += ".npy"
	}
	path := filepath.Join(w.Dir, name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("cube %s already exists", path)
	}
	err = WriteFileAtomic(path, func(out io.Writer) error {
		return WriteNpy(out, sub)
	})
	if err != nil {
		return "", fmt.Errorf("failed to write cube for tree %s: %v", tree.TreeID, err)
	}
	return path, nil
}

func (w *NpyCubeWriter) RemoveCube(path string) error {
	return os.Remove(path)
}

const npyAlign = 64

func npyHeader(shape ...int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = fmt.Sprintf("%d", d)
	}
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", strings.Join(dims, ", "))

	// magic(6) + version(2) + header length(2) + dict + padding + '\n'
	total := 10 + len(dict) + 1
	pad := (npyAlign - total%npyAlign) % npyAlign
	dict += strings.Repeat(" ", pad) + "\n"

	hdr := make([]byte, 10, 10+len(dict))
	copy(hdr, "\x93NUMPY")
	hdr[6], hdr[7] = 1, 0
	binary.LittleEndian.PutUint16(hdr[8:], uint16(len(dict)))
	return append(hdr, dict...)
}

// WriteNpy encodes the cube in NumPy .npy format.
func WriteNpy(w io.Writer, sub *SubCube) error {
	if _, err := w.Write(npyHeader(sub.BandCount(), sub.Height, sub.Width)); err != nil {
		return err
	}
	if sub.Width == 0 {
		return nil
	}
	buf := make([]byte, 4*sub.Width)
	for i := 0; i < len(sub.Data); i += sub.Width {
		for j, v := range sub.Data[i : i+sub.Width] {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadNpy decodes a float32 array written by WriteNpy and returns its
// shape and values.
func ReadNpy(r io.Reader) ([]int, []float32, error) {
	pre := make([]byte, 10)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, nil, err
	}
	if string(pre[:6]) != "\x93NUMPY" || pre[6] != 1 {
		return nil, nil, fmt.Errorf("not a version 1 npy stream")
	}
	hdr := make([]byte, binary.LittleEndian.Uint16(pre[8:]))
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, err
	}
	h := string(hdr)
	if !strings.Contains(h, "'descr': '<f4'") || !strings.Contains(h, "'fortran_order': False") {
		return nil, nil, fmt.Errorf("unsupported npy header %q", strings.TrimSpace(h))
	}
	i := strings.Index(h, "'shape': (")
	if i < 0 {
		return nil, nil, fmt.Errorf("npy header without shape")
	}
	j := strings.Index(h[i:], ")")
	if j < 0 {
		return nil, nil, fmt.Errorf("npy header without shape")
	}

	var shape []int
	n := 1
	for _, f := range strings.Split(h[i+len("'shape': ("):i+j], ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		var d int
		if _, err := fmt.Sscanf(f, "%d", &d); err != nil {
			return nil, nil, fmt.Errorf("bad npy shape %q: %v", f, err)
		}
		shape = append(shape, d)
		n *= d
	}

	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, err
	}
	data := make([]float32, n)
	for k := range data {
		data[k] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*k:]))
	}
	return shape, data, nil
}
