package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/autoschema/snapshot"
)

// bookkeepingPrefix marks the engine's own tables; introspection never
// reports them as part of an owner's schema.
const bookkeepingPrefix = "autoschema_"

// Introspector reads live database structure to synthesize a baseline
// snapshot. It is used exactly once per owner: when no prior snapshot exists
// but tables are already present, so the engine does not mistake a
// hand-created schema for "everything is new".
type Introspector struct {
	backend *Backend
	logger  *slog.Logger
}

// NewIntrospector creates an Introspector for the backend.
func NewIntrospector(backend *Backend, logger *slog.Logger) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{backend: backend, logger: logger}
}

// HasAnyTable reports whether any of the qualified tables ("schema.table")
// already exists in the live database.
func (in *Introspector) HasAnyTable(ctx context.Context, qualified []string) (bool, error) {
	for _, qn := range qualified {
		schemaName, tableName := splitQualified(qn)
		exists, err := in.tableExists(ctx, schemaName, tableName)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

func (in *Introspector) tableExists(ctx context.Context, schemaName, tableName string) (bool, error) {
	var count int
	var err error
	switch in.backend.Capabilities().Dialect {
	case DialectSQLite:
		err = in.backend.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
			tableName).Scan(&count)
	default:
		err = in.backend.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
			schemaName, tableName).Scan(&count)
	}
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schemaName, tableName, err)
	}
	return count > 0, nil
}

// Snapshot synthesizes a snapshot of the live tables in the given schema
// namespaces: columns, primary keys, foreign keys, and indexes, so structure
// that already exists is never diffed as "created". The engine's own
// bookkeeping tables are excluded.
func (in *Introspector) Snapshot(ctx context.Context, schemas []string) (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{Tables: make(map[string]snapshot.TableDef)}
	for _, schemaName := range schemas {
		var err error
		switch in.backend.Capabilities().Dialect {
		case DialectSQLite:
			err = in.introspectSQLite(ctx, snap)
		default:
			err = in.introspectPostgres(ctx, schemaName, snap)
		}
		if err != nil {
			return nil, err
		}
	}
	in.logger.Debug("introspected live schema", "tables", len(snap.Tables))
	return snap, nil
}

func (in *Introspector) introspectPostgres(ctx context.Context, schemaName string, snap *snapshot.Snapshot) error {
	sqldb := in.backend.DB()

	rows, err := sqldb.QueryContext(ctx, `
		SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, COALESCE(c.column_default, '')
		FROM information_schema.columns c
		JOIN information_schema.tables t
		  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_name, c.ordinal_position`, schemaName)
	if err != nil {
		return fmt.Errorf("introspect columns in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, colName, dataType, nullable, colDefault string
		if err := rows.Scan(&tableName, &colName, &dataType, &nullable, &colDefault); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		if strings.HasPrefix(tableName, bookkeepingPrefix) {
			continue
		}
		qn := schemaName + "." + tableName
		td, ok := snap.Tables[qn]
		if !ok {
			td = snapshot.TableDef{
				Schema:  schemaName,
				Name:    tableName,
				Columns: make(map[string]snapshot.ColumnDef),
			}
		}
		td.Columns[colName] = snapshot.ColumnDef{
			Name:    colName,
			Type:    snapshot.NormalizeType(dataType),
			NotNull: nullable == "NO",
			Default: snapshot.NormalizeDefault(colDefault),
		}
		snap.Tables[qn] = td
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}

	if err := in.introspectPostgresPrimaryKeys(ctx, schemaName, snap); err != nil {
		return err
	}
	if err := in.introspectPostgresForeignKeys(ctx, schemaName, snap); err != nil {
		return err
	}
	return in.introspectPostgresIndexes(ctx, schemaName, snap)
}

func (in *Introspector) introspectPostgresPrimaryKeys(ctx context.Context, schemaName string, snap *snapshot.Snapshot) error {
	rows, err := in.backend.DB().QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY tc.table_name, kcu.ordinal_position`, schemaName)
	if err != nil {
		return fmt.Errorf("introspect primary keys in %s: %w", schemaName, err)
	}
	defer rows.Close()

	pkColumns := make(map[string][]string)
	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			return fmt.Errorf("scan primary key: %w", err)
		}
		pkColumns[tableName] = append(pkColumns[tableName], colName)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate primary keys: %w", err)
	}

	for tableName, cols := range pkColumns {
		qn := schemaName + "." + tableName
		td, ok := snap.Tables[qn]
		if !ok {
			continue
		}
		if len(cols) == 1 {
			if col, ok := td.Columns[cols[0]]; ok {
				col.PrimaryKey = true
				// a PRIMARY KEY column is implicitly NOT NULL; keep the
				// snapshot in the same shape the generator produces
				col.NotNull = false
				td.Columns[cols[0]] = col
			}
		} else {
			td.CompositePrimaryKey = cols
		}
		snap.Tables[qn] = td
	}
	return nil
}

// introspectPostgresForeignKeys reads foreign keys from pg_catalog, pairing
// source and referenced columns positionally through conkey/confkey. The
// information_schema route (key_column_usage joined to
// constraint_column_usage by constraint name) degrades into a cross product
// on multi-column keys.
func (in *Introspector) introspectPostgresForeignKeys(ctx context.Context, schemaName string, snap *snapshot.Snapshot) error {
	rows, err := in.backend.DB().QueryContext(ctx, `
		SELECT tc.relname, con.conname, src.attname,
		       rn.nspname, rt.relname, dst.attname,
		       con.confdeltype::text, con.confupdtype::text
		FROM pg_constraint con
		JOIN pg_class tc ON tc.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		JOIN pg_class rt ON rt.oid = con.confrelid
		JOIN pg_namespace rn ON rn.oid = rt.relnamespace
		JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS pairs(attnum, refattnum, ord) ON true
		JOIN pg_attribute src ON src.attrelid = con.conrelid AND src.attnum = pairs.attnum
		JOIN pg_attribute dst ON dst.attrelid = con.confrelid AND dst.attnum = pairs.refattnum
		WHERE con.contype = 'f' AND n.nspname = $1
		ORDER BY tc.relname, con.conname, pairs.ord`, schemaName)
	if err != nil {
		return fmt.Errorf("introspect foreign keys in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, fkName, colName, refSchema, refTable, refCol, deleteAction, updateAction string
		if err := rows.Scan(&tableName, &fkName, &colName, &refSchema, &refTable, &refCol, &deleteAction, &updateAction); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}
		qn := schemaName + "." + tableName
		td, ok := snap.Tables[qn]
		if !ok {
			continue
		}
		if td.ForeignKeys == nil {
			td.ForeignKeys = make(map[string]snapshot.ForeignKeyDef)
		}
		fk := td.ForeignKeys[fkName]
		fk.Name = fkName
		fk.RefSchema = refSchema
		fk.RefTable = refTable
		fk.Columns = append(fk.Columns, colName)
		fk.RefColumns = append(fk.RefColumns, refCol)
		fk.OnDelete = fkRuleFromAction(deleteAction)
		fk.OnUpdate = fkRuleFromAction(updateAction)
		td.ForeignKeys[fkName] = fk
		snap.Tables[qn] = td
	}
	return rows.Err()
}

// introspectPostgresIndexes reads plain column indexes from pg_catalog.
// Primary-key and constraint-backing indexes are skipped (the snapshot
// carries those as keys and unique constraints), as are expression and
// partial indexes, which the schema model does not describe.
func (in *Introspector) introspectPostgresIndexes(ctx context.Context, schemaName string, snap *snapshot.Snapshot) error {
	rows, err := in.backend.DB().QueryContext(ctx, `
		SELECT tc.relname, ic.relname, am.amname, ix.indisunique,
		       a.attname,
		       (ix.indoption[pos.ord - 1] & 1) <> 0,
		       (ix.indoption[pos.ord - 1] & 2) <> 0
		FROM pg_index ix
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		JOIN pg_class tc ON tc.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		JOIN pg_am am ON am.oid = ic.relam
		JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS pos(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = tc.oid AND a.attnum = pos.attnum
		WHERE n.nspname = $1
		  AND NOT ix.indisprimary
		  AND ix.indexprs IS NULL
		  AND ix.indpred IS NULL
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = ix.indexrelid)
		ORDER BY tc.relname, ic.relname, pos.ord`, schemaName)
	if err != nil {
		return fmt.Errorf("introspect indexes in %s: %w", schemaName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, idxName, method, colName string
		var unique, desc, nullsFirst bool
		if err := rows.Scan(&tableName, &idxName, &method, &unique, &colName, &desc, &nullsFirst); err != nil {
			return fmt.Errorf("scan index: %w", err)
		}
		qn := schemaName + "." + tableName
		td, ok := snap.Tables[qn]
		if !ok {
			continue
		}
		if td.Indexes == nil {
			td.Indexes = make(map[string]snapshot.IndexDef)
		}
		idx := td.Indexes[idxName]
		idx.Name = idxName
		idx.Table = qn
		idx.Unique = unique
		idx.Method = method
		idx.Columns = append(idx.Columns, snapshot.IndexColumnDef{
			Expr:  colName,
			Desc:  desc,
			Nulls: nullsOrdering(desc, nullsFirst),
		})
		td.Indexes[idxName] = idx
		snap.Tables[qn] = td
	}
	return rows.Err()
}

// nullsOrdering maps index column flags to the snapshot's NULLS spelling,
// which is empty when the ordering is the dialect default (NULLS LAST
// ascending, NULLS FIRST descending).
func nullsOrdering(desc, nullsFirst bool) string {
	switch {
	case !desc && nullsFirst:
		return "first"
	case desc && !nullsFirst:
		return "last"
	default:
		return ""
	}
}

// fkRuleFromAction maps a pg_constraint action character to the snapshot's
// referential-rule spelling; "no action" is the empty default.
func fkRuleFromAction(action string) string {
	switch action {
	case "c":
		return "cascade"
	case "n":
		return "set null"
	case "d":
		return "set default"
	case "r":
		return "restrict"
	default:
		return ""
	}
}

func (in *Introspector) introspectSQLite(ctx context.Context, snap *snapshot.Snapshot) error {
	sqldb := in.backend.DB()

	rows, err := sqldb.QueryContext(ctx,
		`SELECT name, COALESCE(sql, '') FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return fmt.Errorf("introspect sqlite tables: %w", err)
	}
	var tables []string
	tableSQL := make(map[string]string)
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			rows.Close()
			return fmt.Errorf("scan table name: %w", err)
		}
		if !strings.HasPrefix(name, bookkeepingPrefix) {
			tables = append(tables, name)
			tableSQL[name] = ddl
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tables: %w", err)
	}

	for _, tableName := range tables {
		td := snapshot.TableDef{
			Schema:  "public",
			Name:    tableName,
			Columns: make(map[string]snapshot.ColumnDef),
		}

		colRows, err := sqldb.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, tableName))
		if err != nil {
			return fmt.Errorf("table_info %s: %w", tableName, err)
		}
		var pkCols []string
		for colRows.Next() {
			var cid, notNull, pk int
			var name, colType string
			var dflt *string
			if err := colRows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
				colRows.Close()
				return fmt.Errorf("scan table_info %s: %w", tableName, err)
			}
			col := snapshot.ColumnDef{
				Name:    name,
				Type:    snapshot.NormalizeType(colType),
				NotNull: notNull == 1 && pk == 0,
			}
			if dflt != nil {
				col.Default = snapshot.NormalizeDefault(*dflt)
			}
			if pk > 0 {
				pkCols = append(pkCols, name)
			}
			td.Columns[name] = col
		}
		colRows.Close()
		if err := colRows.Err(); err != nil {
			return fmt.Errorf("iterate table_info %s: %w", tableName, err)
		}

		if len(pkCols) == 1 {
			col := td.Columns[pkCols[0]]
			col.PrimaryKey = true
			td.Columns[pkCols[0]] = col
		} else if len(pkCols) > 1 {
			td.CompositePrimaryKey = pkCols
		}

		if err := in.introspectSQLiteForeignKeys(ctx, tableName, tableSQL[tableName], &td); err != nil {
			return err
		}
		if err := in.introspectSQLiteIndexes(ctx, tableName, &td); err != nil {
			return err
		}

		snap.Tables["public."+tableName] = td
	}
	return nil
}

// sqliteFKNameRe recovers declared constraint names from the table's stored
// CREATE TABLE text; the foreign_key_list pragma does not expose them.
var sqliteFKNameRe = regexp.MustCompile(`(?i)CONSTRAINT\s+["'` + "`" + `\[]?(\w+)["'` + "`" + `\]]?\s+FOREIGN\s+KEY\s*\(([^)]*)\)`)

func (in *Introspector) introspectSQLiteForeignKeys(ctx context.Context, tableName, ddl string, td *snapshot.TableDef) error {
	rows, err := in.backend.DB().QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%q)`, tableName))
	if err != nil {
		return fmt.Errorf("foreign_key_list %s: %w", tableName, err)
	}
	defer rows.Close()

	type fkGroup struct {
		refTable           string
		cols, refCols      []string
		onDelete, onUpdate string
	}
	groups := make(map[int]*fkGroup)
	var order []int
	for rows.Next() {
		var id, seq int
		var refTable, from, onUpdate, onDelete, match string
		var to *string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return fmt.Errorf("scan foreign_key_list %s: %w", tableName, err)
		}
		g, ok := groups[id]
		if !ok {
			g = &fkGroup{
				refTable: refTable,
				onDelete: normalizeRule(onDelete),
				onUpdate: normalizeRule(onUpdate),
			}
			groups[id] = g
			order = append(order, id)
		}
		g.cols = append(g.cols, from)
		if to != nil {
			g.refCols = append(g.refCols, *to)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate foreign_key_list %s: %w", tableName, err)
	}
	if len(groups) == 0 {
		return nil
	}

	names := declaredFKNames(ddl)
	if td.ForeignKeys == nil {
		td.ForeignKeys = make(map[string]snapshot.ForeignKeyDef)
	}
	for _, id := range order {
		g := groups[id]
		name, ok := names[strings.Join(g.cols, ",")]
		if !ok {
			name = fmt.Sprintf("%s_%s_fkey", tableName, strings.Join(g.cols, "_"))
		}
		td.ForeignKeys[name] = snapshot.ForeignKeyDef{
			Name:       name,
			Columns:    g.cols,
			RefSchema:  "public",
			RefTable:   g.refTable,
			RefColumns: g.refCols,
			OnDelete:   g.onDelete,
			OnUpdate:   g.onUpdate,
		}
	}
	return nil
}

// declaredFKNames maps a foreign key's comma-joined column list to its
// declared constraint name.
func declaredFKNames(ddl string) map[string]string {
	names := make(map[string]string)
	for _, m := range sqliteFKNameRe.FindAllStringSubmatch(ddl, -1) {
		var cols []string
		for _, c := range strings.Split(m[2], ",") {
			c = strings.Trim(strings.TrimSpace(c), "\"'`[]")
			if c != "" {
				cols = append(cols, c)
			}
		}
		names[strings.Join(cols, ",")] = m[1]
	}
	return names
}

func (in *Introspector) introspectSQLiteIndexes(ctx context.Context, tableName string, td *snapshot.TableDef) error {
	rows, err := in.backend.DB().QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%q)`, tableName))
	if err != nil {
		return fmt.Errorf("index_list %s: %w", tableName, err)
	}
	type indexMeta struct {
		name   string
		unique bool
	}
	var indexes []indexMeta
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return fmt.Errorf("scan index_list %s: %w", tableName, err)
		}
		// origin "c" is an explicitly created index; "pk" and "u" back
		// constraints the snapshot already carries as keys
		if origin != "c" || strings.HasPrefix(name, "sqlite_autoindex") {
			continue
		}
		indexes = append(indexes, indexMeta{name: name, unique: unique == 1})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate index_list %s: %w", tableName, err)
	}

	for _, meta := range indexes {
		colRows, err := in.backend.DB().QueryContext(ctx, fmt.Sprintf(`PRAGMA index_xinfo(%q)`, meta.name))
		if err != nil {
			return fmt.Errorf("index_xinfo %s: %w", meta.name, err)
		}
		var cols []snapshot.IndexColumnDef
		expression := false
		for colRows.Next() {
			var seqno, cid, desc, key int
			var colName *string
			var coll string
			if err := colRows.Scan(&seqno, &cid, &colName, &desc, &coll, &key); err != nil {
				colRows.Close()
				return fmt.Errorf("scan index_xinfo %s: %w", meta.name, err)
			}
			if key != 1 {
				continue
			}
			if colName == nil {
				expression = true
				continue
			}
			cols = append(cols, snapshot.IndexColumnDef{Expr: *colName, Desc: desc == 1})
		}
		colRows.Close()
		if err := colRows.Err(); err != nil {
			return fmt.Errorf("iterate index_xinfo %s: %w", meta.name, err)
		}
		// expression indexes are outside the schema model
		if expression || len(cols) == 0 {
			continue
		}

		if td.Indexes == nil {
			td.Indexes = make(map[string]snapshot.IndexDef)
		}
		td.Indexes[meta.name] = snapshot.IndexDef{
			Name:    meta.name,
			Table:   "public." + tableName,
			Columns: cols,
			Unique:  meta.unique,
			Method:  "btree",
		}
	}
	return nil
}

func normalizeRule(rule string) string {
	rule = strings.ToLower(strings.TrimSpace(rule))
	if rule == "no action" || rule == "" {
		return ""
	}
	return rule
}

func splitQualified(qn string) (schemaName, tableName string) {
	if i := strings.Index(qn, "."); i >= 0 {
		return qn[:i], qn[i+1:]
	}
	return "public", qn
}
