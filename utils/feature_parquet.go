package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/wkb"
	"github.com/nci/treespec/processor"
)

// GeoParquetVersion is the GeoParquet metadata version written under the
// "geo" file key.
const GeoParquetVersion = "1.0.0"

type geoColumnMeta struct {
	Encoding      string   `json:"encoding"`
	GeometryTypes []string `json:"geometry_types"`
}

type geoMeta struct {
	Version       string                   `json:"version"`
	PrimaryColumn string                   `json:"primary_column"`
	Columns       map[string]geoColumnMeta `json:"columns"`
}

// attribute column value kinds
const (
	attrString = iota
	attrFloat
	attrBool
)

func attributeKind(trees []*processor.TreeRecord, col string, cols ColumnsConfig) int {
	kind := -1
	for _, t := range trees {
		var k int
		switch AttributeValue(t, col, cols).(type) {
		case nil:
			continue
		case float64:
			k = attrFloat
		case bool:
			k = attrBool
		default:
			return attrString
		}
		if kind >= 0 && kind != k {
			return attrString
		}
		kind = k
	}
	if kind < 0 {
		return attrString
	}
	return kind
}

// crownGeom is the polygon geometry of a tree crown, or nil for trees
// without a usable crown.
func crownGeom(tree *processor.TreeRecord) geom.Geom {
	switch len(tree.Crown) {
	case 0:
		return nil
	case 1:
		return tree.Crown[0]
	default:
		return tree.Crown
	}
}

// ParquetSchema is the arrow schema EncodeParquet writes: attribute
// columns, a WKB geometry column, then the float64 feature columns.
func ParquetSchema(table *processor.FeatureTable, cols ColumnsConfig) (*arrow.Schema, error) {
	attrs := AttributeColumns(table.Trees, cols)
	fields := make([]arrow.Field, 0, len(attrs)+1+len(table.Columns))
	for _, a := range attrs {
		var dt arrow.DataType
		switch attributeKind(table.Trees, a, cols) {
		case attrFloat:
			dt = arrow.PrimitiveTypes.Float64
		case attrBool:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			dt = arrow.BinaryTypes.String
		}
		fields = append(fields, arrow.Field{Name: a, Type: dt, Nullable: true})
	}
	fields = append(fields, arrow.Field{Name: GeometryColumn, Type: arrow.BinaryTypes.Binary, Nullable: true})
	for _, c := range table.Columns {
		fields = append(fields, arrow.Field{Name: c, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	}

	types := map[string]bool{}
	for _, t := range table.Trees {
		switch crownGeom(t).(type) {
		case geom.Polygon:
			types["Polygon"] = true
		case geom.MultiPolygon:
			types["MultiPolygon"] = true
		}
	}
	gt := make([]string, 0, len(types))
	for k := range types {
		gt = append(gt, k)
	}
	sort.Strings(gt)

	geo, err := json.Marshal(geoMeta{
		Version:       GeoParquetVersion,
		PrimaryColumn: GeometryColumn,
		Columns:       map[string]geoColumnMeta{GeometryColumn: {Encoding: "WKB", GeometryTypes: gt}},
	})
	if err != nil {
		return nil, err
	}
	md := arrow.NewMetadata([]string{"geo"}, []string{string(geo)})
	return arrow.NewSchema(fields, &md), nil
}

// EncodeParquet writes the table as a single row group GeoParquet file.
// Null features and attributes are parquet nulls. Crowns are WKB and trees
// without a polygon crown have a null geometry.
func EncodeParquet(w io.Writer, table *processor.FeatureTable, cols ColumnsConfig) error {
	schema, err := ParquetSchema(table, cols)
	if err != nil {
		return err
	}
	attrs := AttributeColumns(table.Trees, cols)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for j, a := range attrs {
		switch fb := b.Field(j).(type) {
		case *array.Float64Builder:
			for _, t := range table.Trees {
				if v, ok := AttributeValue(t, a, cols).(float64); ok {
					fb.Append(v)
				} else {
					fb.AppendNull()
				}
			}
		case *array.BooleanBuilder:
			for _, t := range table.Trees {
				if v, ok := AttributeValue(t, a, cols).(bool); ok {
					fb.Append(v)
				} else {
					fb.AppendNull()
				}
			}
		case *array.StringBuilder:
			for _, t := range table.Trees {
				v := AttributeValue(t, a, cols)
				if v == nil {
					fb.AppendNull()
				} else {
					fb.Append(FormatValue(v))
				}
			}
		default:
			return fmt.Errorf("attribute %s: unexpected builder %T", a, fb)
		}
	}

	gb := b.Field(len(attrs)).(*array.BinaryBuilder)
	for _, t := range table.Trees {
		g := crownGeom(t)
		if g == nil {
			gb.AppendNull()
			continue
		}
		buf, err := wkb.Encode(g, wkb.NDR)
		if err != nil {
			return fmt.Errorf("tree %s: failed to encode crown as WKB: %v", t.TreeID, err)
		}
		gb.Append(buf)
	}

	for k := range table.Columns {
		fb := b.Field(len(attrs) + 1 + k).(*array.Float64Builder)
		for _, row := range table.Rows {
			v := row[k]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				fb.AppendNull()
			} else {
				fb.Append(v)
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
	)
	fw, err := pqarrow.NewFileWriter(schema, w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %v", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write parquet row group: %v", err)
	}
	return fw.Close()
}
