package processor

import (
	"fmt"
	"strings"
)

// FeatureTable is the union of the feature rows of all successful tiles,
// joined back to their tree records.
type FeatureTable struct {
	Columns []string
	Trees   []*TreeRecord
	Rows    [][]float64
}

func (t *FeatureTable) Len() int {
	return len(t.Rows)
}

// Collate concatenates the rows of the successful results in result order.
// Tiles must agree on the feature columns and tree ids must be unique
// across the table.
func Collate(results []*TileResult) (*FeatureTable, error) {
	table := &FeatureTable{}
	seen := make(map[string]string)
	for _, res := range results {
		if res == nil || res.Failed() {
			continue
		}
		if table.Columns == nil {
			table.Columns = res.Columns
		} else if !sameColumns(table.Columns, res.Columns) {
			return nil, fmt.Errorf("tile %s has feature columns [%s] different from [%s]",
				res.TileID, strings.Join(res.Columns, ","), strings.Join(table.Columns, ","))
		}

		for i, tree := range res.Trees {
			if tile, ok := seen[tree.TreeID]; ok {
				return nil, fmt.Errorf("duplicate treeID %s in tiles %s and %s", tree.TreeID, tile, res.TileID)
			}
			seen[tree.TreeID] = res.TileID
			table.Trees = append(table.Trees, tree)
			table.Rows = append(table.Rows, res.Rows[i])
		}
	}
	return table, nil
}

// Split returns one table per tile id, in order of first appearance.
func (t *FeatureTable) Split() []*FeatureTable {
	var tables []*FeatureTable
	index := make(map[string]int)
	for i, tree := range t.Trees {
		k, ok := index[tree.TileID]
		if !ok {
			k = len(tables)
			index[tree.TileID] = k
			tables = append(tables, &FeatureTable{Columns: t.Columns})
		}
		tables[k].Trees = append(tables[k].Trees, tree)
		tables[k].Rows = append(tables[k].Rows, t.Rows[i])
	}
	return tables
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
