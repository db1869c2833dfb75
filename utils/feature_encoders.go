package utils

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nci/treespec/processor"
)

const GeometryColumn = "geometry"

// TableHeader is the column order of every tabular output: attributes,
// geometry, then features.
func TableHeader(table *processor.FeatureTable, cols ColumnsConfig) []string {
	attrs := AttributeColumns(table.Trees, cols)
	header := make([]string, 0, len(attrs)+1+len(table.Columns))
	header = append(header, attrs...)
	header = append(header, GeometryColumn)
	return append(header, table.Columns...)
}

func formatFeature(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EncodeCSV writes the table with a header row. Null features are empty
// cells and geometries are WKT.
func EncodeCSV(w io.Writer, table *processor.FeatureTable, cols ColumnsConfig) error {
	attrs := AttributeColumns(table.Trees, cols)
	cw := csv.NewWriter(w)
	if err := cw.Write(TableHeader(table, cols)); err != nil {
		return err
	}

	record := make([]string, 0, len(attrs)+1+len(table.Columns))
	for i, tree := range table.Trees {
		record = record[:0]
		for _, a := range attrs {
			record = append(record, FormatValue(AttributeValue(tree, a, cols)))
		}
		record = append(record, CrownWKT(tree))
		for _, v := range table.Rows[i] {
			record = append(record, formatFeature(v))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeCSV reads a table written by EncodeCSV into its header and rows.
func DecodeCSV(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty CSV table")
	}
	return records[0], records[1:], nil
}

// EncodeGeoJSON writes the table as a FeatureCollection whose properties
// keep the table column order. Null features are JSON nulls.
func EncodeGeoJSON(w io.Writer, table *processor.FeatureTable, cols ColumnsConfig) error {
	attrs := AttributeColumns(table.Trees, cols)
	names := make([][]byte, 0, len(attrs)+len(table.Columns))
	for _, c := range append(append([]string(nil), attrs...), table.Columns...) {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		names = append(names, b)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":"FeatureCollection","features":[`)
	for i, tree := range table.Trees {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"type":"Feature","properties":{`)
		for j, a := range attrs {
			if j > 0 {
				buf.WriteByte(',')
			}
			v, err := json.Marshal(AttributeValue(tree, a, cols))
			if err != nil {
				return fmt.Errorf("tree %s: attribute %s: %v", tree.TreeID, a, err)
			}
			buf.Write(names[j])
			buf.WriteByte(':')
			buf.Write(v)
		}
		for k, v := range table.Rows[i] {
			buf.WriteByte(',')
			buf.Write(names[len(attrs)+k])
			buf.WriteByte(':')
			if math.IsNaN(v) || math.IsInf(v, 0) {
				buf.WriteString("null")
			} else {
				buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			}
		}
		buf.WriteString(`},"geometry":`)
		if len(tree.CrownJSON) > 0 {
			buf.Write(tree.CrownJSON)
		} else {
			buf.WriteString("null")
		}
		buf.WriteByte('}')

		if buf.Len() > 1<<20 {
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
			buf.Reset()
		}
	}
	buf.WriteString("]}\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFeatureFile writes the table to path in the given file format.
func WriteFeatureFile(path, format string, table *processor.FeatureTable, cols ColumnsConfig) error {
	var encode func(io.Writer, *processor.FeatureTable, ColumnsConfig) error
	switch format {
	case "csv":
		encode = EncodeCSV
	case "geojson":
		encode = EncodeGeoJSON
	case "parquet":
		encode = EncodeParquet
	case "sqlite":
		os.Remove(path)
		db, err := OpenSQLiteSink(path)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.WriteTable(table, cols)
	default:
		return fmt.Errorf("unsupported feature file format %q", format)
	}

	err := processor.WriteFileAtomic(path, func(w io.Writer) error {
		return encode(w, table, cols)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

// FeatureFilePaths lists the files a table is written to: one combined
// file, or one file per tile.
func FeatureFilePaths(dir, ext string, table *processor.FeatureTable, perTile bool) ([]string, []*processor.FeatureTable) {
	if !perTile {
		return []string{filepath.Join(dir, "features."+ext)}, []*processor.FeatureTable{table}
	}
	parts := table.Split()
	paths := make([]string, len(parts))
	for i, p := range parts {
		paths[i] = filepath.Join(dir, p.Trees[0].TileID+"."+ext)
	}
	return paths, parts
}
