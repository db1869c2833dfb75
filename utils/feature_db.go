package utils

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"
	"github.com/nci/treespec/processor"
	_ "modernc.org/sqlite"
)

//go:embed feature_schema_sqlite.sql
var sqliteSchemaSQL string

//go:embed feature_schema_postgres.sql
var postgresSchemaSQL string

type featureTables struct {
	attributeColumns string
	featureColumns   string
	trees            string
	features         string
}

// FeatureDB stores collated tables in SQLite or PostgreSQL. Tables hold
// one row per tree with the feature vector as a single value so that
// wide band sets do not hit column limits.
type FeatureDB struct {
	*sql.DB
	postgres bool
	tables   featureTables
}

func OpenSQLiteSink(path string) (*FeatureDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec(sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create feature schema in %s: %v", path, err)
	}
	return &FeatureDB{DB: db, tables: featureTables{
		attributeColumns: "attribute_columns",
		featureColumns:   "feature_columns",
		trees:            "trees",
		features:         "features",
	}}, nil
}

// OpenPostgresSink creates the feature tables named {prefix}_trees etc.
func OpenPostgresSink(dsn, prefix string) (*FeatureDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	tables := featureTables{
		attributeColumns: pq.QuoteIdentifier(prefix + "_attribute_columns"),
		featureColumns:   pq.QuoteIdentifier(prefix + "_feature_columns"),
		trees:            pq.QuoteIdentifier(prefix + "_trees"),
		features:         pq.QuoteIdentifier(prefix + "_features"),
	}
	schema := strings.NewReplacer(
		"{{attribute_columns}}", tables.attributeColumns,
		"{{feature_columns}}", tables.featureColumns,
		"{{trees}}", tables.trees,
		"{{features}}", tables.features,
	).Replace(postgresSchemaSQL)
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create feature schema: %v", err)
	}
	return &FeatureDB{DB: db, postgres: true, tables: tables}, nil
}

// bind rewrites ? placeholders for PostgreSQL.
func (db *FeatureDB) bind(query string) string {
	if !db.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WriteTable replaces the stored table with the given one in a single
// transaction.
func (db *FeatureDB) WriteTable(table *processor.FeatureTable, cols ColumnsConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := db.tables
	for _, name := range []string{t.features, t.trees, t.featureColumns, t.attributeColumns} {
		if _, err := tx.Exec("DELETE FROM " + name); err != nil {
			return fmt.Errorf("failed to clear %s: %v", name, err)
		}
	}

	attrs := AttributeColumns(table.Trees, cols)
	if err := db.insertColumns(tx, t.attributeColumns, attrs); err != nil {
		return err
	}
	if err := db.insertColumns(tx, t.featureColumns, table.Columns); err != nil {
		return err
	}

	if db.postgres {
		err = db.copyRows(tx, table, attrs, cols)
	} else {
		err = db.insertRows(tx, table, attrs, cols)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (db *FeatureDB) insertColumns(tx *sql.Tx, tableName string, names []string) error {
	stmt, err := tx.Prepare(db.bind("INSERT INTO " + tableName + " (position, name) VALUES (?, ?)"))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, n := range names {
		if _, err := stmt.Exec(i, n); err != nil {
			return fmt.Errorf("failed to insert column %s: %v", n, err)
		}
	}
	return nil
}

func treeAttributesJSON(tree *processor.TreeRecord, attrs []string, cols ColumnsConfig) (string, error) {
	m := make(map[string]interface{}, len(attrs))
	for _, a := range attrs {
		if v := AttributeValue(tree, a, cols); v != nil {
			m[a] = v
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("tree %s: %v", tree.TreeID, err)
	}
	return string(b), nil
}

func nullableWKT(tree *processor.TreeRecord) sql.NullString {
	wkt := CrownWKT(tree)
	return sql.NullString{String: wkt, Valid: wkt != ""}
}

func (db *FeatureDB) insertRows(tx *sql.Tx, table *processor.FeatureTable, attrs []string, cols ColumnsConfig) error {
	treeStmt, err := tx.Prepare("INSERT INTO " + db.tables.trees + " (row_index, tree_id, tile_id, geometry, attributes) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer treeStmt.Close()
	featStmt, err := tx.Prepare("INSERT INTO " + db.tables.features + " (tree_id, vector) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer featStmt.Close()

	for i, tree := range table.Trees {
		attrJSON, err := treeAttributesJSON(tree, attrs, cols)
		if err != nil {
			return err
		}
		if _, err := treeStmt.Exec(i, tree.TreeID, tree.TileID, nullableWKT(tree), attrJSON); err != nil {
			return fmt.Errorf("failed to insert tree %s: %v", tree.TreeID, err)
		}
		if _, err := featStmt.Exec(tree.TreeID, encodeVector(table.Rows[i])); err != nil {
			return fmt.Errorf("failed to insert features of tree %s: %v", tree.TreeID, err)
		}
	}
	return nil
}

func unquote(ident string) string {
	return strings.ReplaceAll(strings.Trim(ident, `"`), `""`, `"`)
}

func (db *FeatureDB) copyRows(tx *sql.Tx, table *processor.FeatureTable, attrs []string, cols ColumnsConfig) error {
	treeStmt, err := tx.Prepare(pq.CopyIn(unquote(db.tables.trees), "row_index", "tree_id", "tile_id", "geometry", "attributes"))
	if err != nil {
		return err
	}
	for i, tree := range table.Trees {
		attrJSON, err := treeAttributesJSON(tree, attrs, cols)
		if err != nil {
			treeStmt.Close()
			return err
		}
		if _, err := treeStmt.Exec(i, tree.TreeID, tree.TileID, nullableWKT(tree), attrJSON); err != nil {
			treeStmt.Close()
			return fmt.Errorf("failed to copy tree %s: %v", tree.TreeID, err)
		}
	}
	if _, err := treeStmt.Exec(); err != nil {
		treeStmt.Close()
		return fmt.Errorf("failed to copy trees: %v", err)
	}
	if err := treeStmt.Close(); err != nil {
		return err
	}

	featStmt, err := tx.Prepare(pq.CopyIn(unquote(db.tables.features), "tree_id", "vector"))
	if err != nil {
		return err
	}
	for i, tree := range table.Trees {
		if _, err := featStmt.Exec(tree.TreeID, pq.Array(table.Rows[i])); err != nil {
			featStmt.Close()
			return fmt.Errorf("failed to copy features of tree %s: %v", tree.TreeID, err)
		}
	}
	if _, err := featStmt.Exec(); err != nil {
		featStmt.Close()
		return fmt.Errorf("failed to copy features: %v", err)
	}
	return featStmt.Close()
}

// StoredTable is a feature table as read back from a FeatureDB.
type StoredTable struct {
	AttributeColumns []string
	FeatureColumns   []string
	TreeIDs          []string
	TileIDs          []string
	Attributes       []map[string]interface{}
	Rows             [][]float64
}

// ReadTable loads the stored table in row order.
func (db *FeatureDB) ReadTable() (*StoredTable, error) {
	st := &StoredTable{}
	var err error
	if st.AttributeColumns, err = db.readColumns(db.tables.attributeColumns); err != nil {
		return nil, err
	}
	if st.FeatureColumns, err = db.readColumns(db.tables.featureColumns); err != nil {
		return nil, err
	}

	rows, err := db.Query(fmt.Sprintf(
		"SELECT t.tree_id, t.tile_id, t.attributes, f.vector FROM %s t JOIN %s f ON f.tree_id = t.tree_id ORDER BY t.row_index",
		db.tables.trees, db.tables.features))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, tile, attrJSON string
		var row []float64
		if db.postgres {
			var vec pq.Float64Array
			if err := rows.Scan(&id, &tile, &attrJSON, &vec); err != nil {
				return nil, err
			}
			row = []float64(vec)
		} else {
			var blob []byte
			if err := rows.Scan(&id, &tile, &attrJSON, &blob); err != nil {
				return nil, err
			}
			if row, err = decodeVector(blob); err != nil {
				return nil, fmt.Errorf("tree %s: %v", id, err)
			}
		}
		attrs := make(map[string]interface{})
		if err := json.Unmarshal([]byte(attrJSON), &attrs); err != nil {
			return nil, fmt.Errorf("tree %s: %v", id, err)
		}
		st.TreeIDs = append(st.TreeIDs, id)
		st.TileIDs = append(st.TileIDs, tile)
		st.Attributes = append(st.Attributes, attrs)
		st.Rows = append(st.Rows, row)
	}
	return st, rows.Err()
}

func (db *FeatureDB) readColumns(tableName string) ([]string, error) {
	rows, err := db.Query("SELECT name FROM " + tableName + " ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func encodeVector(row []float64) []byte {
	buf := make([]byte, 8*len(row))
	for i, v := range row {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("feature vector of %d bytes", len(buf))
	}
	row := make([]float64, len(buf)/8)
	for i := range row {
		row[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return row, nil
}
