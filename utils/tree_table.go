package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	geo "github.com/nci/geometry"
	"github.com/nci/treespec/processor"
)

type rawFeature struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Geometry   json.RawMessage        `json:"geometry"`
}

type rawFeatureCollection struct {
	Type     string       `json:"type"`
	Features []rawFeature `json:"features"`
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// LoadTrees reads the tree table. path is either a GeoJSON
// FeatureCollection or a directory of them, one per tile, in which case
// the tile id defaults to the file name without extension.
func LoadTrees(path string, cols ColumnsConfig) ([]*processor.TreeRecord, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var trees []*processor.TreeRecord
	if !fi.IsDir() {
		trees, err = loadTreeFile(path, "", cols)
		if err != nil {
			return nil, err
		}
	} else {
		files, err := filepath.Glob(filepath.Join(path, "*.geojson"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, fmt.Errorf("no *.geojson tree files in %s", path)
		}
		for _, f := range files {
			tile := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
			ts, err := loadTreeFile(f, tile, cols)
			if err != nil {
				return nil, err
			}
			trees = append(trees, ts...)
		}
	}

	seen := make(map[string]bool, len(trees))
	for _, t := range trees {
		if seen[t.TreeID] {
			return nil, fmt.Errorf("duplicate treeID %s in tree table %s", t.TreeID, path)
		}
		seen[t.TreeID] = true
	}
	return trees, nil
}

func loadTreeFile(path, defaultTile string, cols ColumnsConfig) ([]*processor.TreeRecord, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fc rawFeatureCollection
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("Problem unmarshalling GeoJSON tree table %s: %v", path, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%s is a GeoJSON %q, expecting a FeatureCollection", path, fc.Type)
	}

	trees := make([]*processor.TreeRecord, 0, len(fc.Features))
	for i, f := range fc.Features {
		tree, err := decodeTree(f, defaultTile, cols)
		if err != nil {
			return nil, fmt.Errorf("%s: feature %d: %v", path, i, err)
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

func decodeTree(f rawFeature, defaultTile string, cols ColumnsConfig) (*processor.TreeRecord, error) {
	attrs := make(map[string]interface{}, len(f.Properties))
	for k, v := range f.Properties {
		attrs[k] = normaliseValue(v)
	}

	tree := &processor.TreeRecord{Attributes: attrs}

	id, ok := attrs[cols.TreeID]
	if !ok || id == nil {
		return nil, fmt.Errorf("missing %s property", cols.TreeID)
	}
	tree.TreeID = FormatValue(id)

	if tile, ok := attrs[cols.Tile]; ok && tile != nil {
		tree.TileID = FormatValue(tile)
	} else if defaultTile != "" {
		tree.TileID = defaultTile
		attrs[cols.Tile] = defaultTile
	} else {
		return nil, fmt.Errorf("tree %s: missing %s property", tree.TreeID, cols.Tile)
	}

	if fn, ok := attrs[cols.Filename]; ok && fn != nil {
		tree.Filename = FormatValue(fn)
	}

	x, okX := attrs[cols.ApexX].(float64)
	y, okY := attrs[cols.ApexY].(float64)
	if okX && okY {
		tree.ApexX, tree.ApexY, tree.HasApex = x, y, true
	}

	if len(f.Geometry) > 0 && string(f.Geometry) != "null" {
		tree.CrownJSON = f.Geometry
		if err := decodeGeometry(tree, f.Geometry); err != nil {
			return nil, fmt.Errorf("tree %s: %v", tree.TreeID, err)
		}
	}
	return tree, nil
}

// decodeGeometry sets the crown of polygonal geometries and the apex of
// points. Other geometry types leave the tree with a crown error that
// surfaces when the crown is needed.
func decodeGeometry(tree *processor.TreeRecord, raw json.RawMessage) error {
	var g rawGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("Problem unmarshalling GeoJSON geometry: %v", err)
	}

	switch g.Type {
	case "Polygon":
		var coords [][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return err
		}
		poly, err := toPolygon(coords)
		if err != nil {
			tree.CrownErr = err
			return nil
		}
		tree.Crown = geom.MultiPolygon{poly}
	case "MultiPolygon":
		var coords [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return err
		}
		for _, pc := range coords {
			poly, err := toPolygon(pc)
			if err != nil {
				tree.CrownErr = err
				tree.Crown = nil
				return nil
			}
			tree.Crown = append(tree.Crown, poly)
		}
	case "Point":
		var c []float64
		if err := json.Unmarshal(g.Coordinates, &c); err != nil {
			return err
		}
		if len(c) < 2 {
			return fmt.Errorf("point with %d coordinates", len(c))
		}
		if !tree.HasApex {
			tree.ApexX, tree.ApexY, tree.HasApex = c[0], c[1], true
		}
		tree.CrownErr = fmt.Errorf("%w: crown is a Point, not a polygon", processor.ErrMalformedGeometry)
	default:
		tree.CrownErr = fmt.Errorf("%w: crown is a %s, not a polygon", processor.ErrMalformedGeometry, g.Type)
	}
	return nil
}

func toPolygon(coords [][][]float64) (geom.Polygon, error) {
	poly := make(geom.Polygon, 0, len(coords))
	for _, ring := range coords {
		path := make(geom.Path, 0, len(ring))
		for _, c := range ring {
			if len(c) < 2 {
				return nil, fmt.Errorf("%w: position with %d coordinates", processor.ErrMalformedGeometry, len(c))
			}
			path = append(path, geom.Point{X: c[0], Y: c[1]})
		}
		poly = append(poly, path)
	}
	return poly, nil
}

// CrownWKT renders the tree geometry as WKT, or "" without geometry.
func CrownWKT(tree *processor.TreeRecord) string {
	if len(tree.CrownJSON) == 0 {
		return ""
	}
	var feat geo.Feature
	err := json.Unmarshal([]byte(fmt.Sprintf(`{"type":"Feature","geometry":%s}`, tree.CrownJSON)), &feat)
	if err != nil || feat.Geometry == nil {
		return ""
	}
	return feat.Geometry.MarshalWKT()
}

// normaliseValue turns json.Number into float64 so that attributes
// compare numerically in filters.
func normaliseValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normaliseValue(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normaliseValue(e)
		}
		return t
	default:
		return v
	}
}

// FormatValue renders an attribute value for tabular output.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// AttributeColumns orders the attribute columns of a table: the treeID
// column, the tile column, then every other property name sorted.
func AttributeColumns(trees []*processor.TreeRecord, cols ColumnsConfig) []string {
	keys := make(map[string]bool)
	for _, t := range trees {
		for k := range t.Attributes {
			keys[k] = true
		}
	}
	delete(keys, cols.TreeID)
	delete(keys, cols.Tile)

	rest := make([]string, 0, len(keys))
	for k := range keys {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append([]string{cols.TreeID, cols.Tile}, rest...)
}

// AttributeValue returns the value of a tree column, covering the id and
// tile columns for trees whose ids were not read from properties.
func AttributeValue(tree *processor.TreeRecord, col string, cols ColumnsConfig) interface{} {
	if v, ok := tree.Attributes[col]; ok {
		return v
	}
	switch col {
	case cols.TreeID:
		return tree.TreeID
	case cols.Tile:
		return tree.TileID
	}
	return nil
}
