// Package sqlgen turns a snapshot diff into an ordered list of DDL
// statements, and classifies the destructive ones.
//
// Statement ordering is the key correctness property:
//
//  1. CREATE SCHEMA IF NOT EXISTS for non-public schemas, immediately before
//     the first CREATE TABLE that needs them
//  2. CREATE TABLE for new tables (columns, composite PKs, and unique
//     constraints inline; no foreign keys, so two new tables may reference
//     each other without forward-reference problems)
//  3. ADD CONSTRAINT ... FOREIGN KEY for new tables, deduplicated by
//     constraint name
//  4. DROP TABLE ... CASCADE for deleted tables
//  5. column-level ALTERs (add, drop, and per-field modifications)
//  6. CREATE INDEX / DROP INDEX
//  7. foreign key add/drop on tables that existed before this migration
package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/snapshot"
)

// Generate produces the ordered DDL statements that migrate prev to curr
// according to diff. prev may be nil (empty baseline).
func Generate(prev, curr *snapshot.Snapshot, diff *snapshot.Diff) []string {
	var stmts []string

	created := make(map[string]bool, len(diff.TablesCreated))
	for _, name := range diff.TablesCreated {
		created[name] = true
	}

	// Phase 1+2: schemas and new tables.
	ensuredSchemas := map[string]bool{schema.DefaultSchema: true}
	for _, name := range diff.TablesCreated {
		t := curr.Tables[name]
		if !ensuredSchemas[t.Schema] {
			stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", quoteIdent(t.Schema)))
			ensuredSchemas[t.Schema] = true
		}
		stmts = append(stmts, createTableSQL(t))
	}

	// Phase 3: foreign keys belonging to new tables, deduplicated by
	// constraint name (schema composition can double a definition).
	emittedFKs := make(map[string]bool)
	for _, fc := range diff.ForeignKeysCreated {
		if !created[fc.Table] {
			continue
		}
		if emittedFKs[fc.ForeignKey.Name] {
			continue
		}
		emittedFKs[fc.ForeignKey.Name] = true
		stmts = append(stmts, addForeignKeySQL(fc.Table, fc.ForeignKey))
	}

	// Phase 4: dropped tables.
	deleted := make([]string, len(diff.TablesDeleted))
	copy(deleted, diff.TablesDeleted)
	sort.Strings(deleted)
	for _, name := range deleted {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE %s CASCADE;", quoteQualified(name)))
	}

	// Phase 5: column-level ALTERs on surviving tables.
	for _, cc := range diff.ColumnsAdded {
		stmts = append(stmts, addColumnSQL(cc.Table, cc.Column))
	}
	for _, cc := range diff.ColumnsDeleted {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", quoteQualified(cc.Table), quoteIdent(cc.Column.Name)))
	}
	for _, cm := range diff.ColumnsModified {
		stmts = append(stmts, alterColumnSQL(cm)...)
	}

	// Phase 6: indexes. Index creation follows column changes so an index on
	// a freshly added column is valid.
	for _, ic := range diff.IndexesDeleted {
		stmts = append(stmts, fmt.Sprintf("DROP INDEX %s;", quoteIndexRef(ic.Table, ic.Index.Name)))
	}
	for _, ic := range diff.IndexesCreated {
		stmts = append(stmts, createIndexSQL(ic.Table, ic.Index))
	}

	// Phase 7: foreign keys on pre-existing tables. Constraints already
	// emitted in phase 3 are filtered out by owning table, matched on the
	// normalized schema+table identity rather than plain string equality.
	for _, fc := range diff.ForeignKeysDeleted {
		if tableDropped(diff, fc.Table) {
			continue // dropped with the table
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s;", quoteQualified(fc.Table), quoteIdent(fc.ForeignKey.Name)))
	}
	for _, fc := range diff.ForeignKeysCreated {
		if created[normalizeQualified(fc.Table)] || emittedFKs[fc.ForeignKey.Name] {
			continue
		}
		emittedFKs[fc.ForeignKey.Name] = true
		stmts = append(stmts, addForeignKeySQL(fc.Table, fc.ForeignKey))
	}

	return stmts
}

// Assessment is the result of classifying a diff for destructive operations.
type Assessment struct {
	HasDataLoss          bool
	Warnings             []string
	RequiresConfirmation bool
}

// CheckDataLoss flags table drops, column drops, and type changes as
// destructive. Type changes are treated heuristically: any modified column
// whose type differs may narrow, so it requires confirmation.
func CheckDataLoss(diff *snapshot.Diff) Assessment {
	var a Assessment

	for _, name := range diff.TablesDeleted {
		a.Warnings = append(a.Warnings, fmt.Sprintf("table %s will be dropped with all its data", name))
	}
	for _, cc := range diff.ColumnsDeleted {
		a.Warnings = append(a.Warnings, fmt.Sprintf("column %s.%s will be dropped with all its data", cc.Table, cc.Column.Name))
	}
	for _, cm := range diff.ColumnsModified {
		if cm.Before.Type != cm.After.Type {
			a.Warnings = append(a.Warnings, fmt.Sprintf("column %s.%s changes type from %s to %s, which may truncate or reject existing values",
				cm.Table, cm.Name, cm.Before.Type, cm.After.Type))
		}
	}

	a.HasDataLoss = len(a.Warnings) > 0
	a.RequiresConfirmation = a.HasDataLoss
	return a
}

// IsSchemaStatement reports whether stmt is an idempotent CREATE SCHEMA
// statement. These run before the migration transaction so the namespaces
// are visible to the transactional DDL.
func IsSchemaStatement(stmt string) bool {
	return strings.HasPrefix(stmt, "CREATE SCHEMA IF NOT EXISTS ")
}

func createTableSQL(t snapshot.TableDef) string {
	var parts []string

	for _, name := range sortedColumnNames(t) {
		parts = append(parts, "\t"+columnSQL(t.Columns[name]))
	}

	if len(t.CompositePrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("\tPRIMARY KEY (%s)", quoteList(t.CompositePrimaryKey)))
	}

	uniqueNames := make([]string, 0, len(t.UniqueConstraints))
	for name := range t.UniqueConstraints {
		uniqueNames = append(uniqueNames, name)
	}
	sort.Strings(uniqueNames)
	for _, name := range uniqueNames {
		u := t.UniqueConstraints[name]
		parts = append(parts, fmt.Sprintf("\tCONSTRAINT %s UNIQUE (%s)", quoteIdent(u.Name), quoteList(u.Columns)))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n%s\n);", quoteTable(t), strings.Join(parts, ",\n"))
}

// sortedColumnNames orders primary-key columns first, then the rest
// alphabetically, so generated tables read naturally and deterministically.
func sortedColumnNames(t snapshot.TableDef) []string {
	var pks, rest []string
	for name, col := range t.Columns {
		if col.PrimaryKey {
			pks = append(pks, name)
		} else {
			rest = append(rest, name)
		}
	}
	sort.Strings(pks)
	sort.Strings(rest)
	return append(pks, rest...)
}

func columnSQL(c snapshot.ColumnDef) string {
	var b strings.Builder
	b.WriteString(quoteIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull && !c.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func addColumnSQL(table string, c snapshot.ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", quoteQualified(table), columnSQL(c))
}

// alterColumnSQL emits one statement per changed sub-field: type, NOT NULL,
// and DEFAULT each only when that field actually differs.
func alterColumnSQL(cm snapshot.ColumnModification) []string {
	var stmts []string
	table := quoteQualified(cm.Table)
	col := quoteIdent(cm.Name)

	if cm.Before.Type != cm.After.Type {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DATA TYPE %s;", table, col, cm.After.Type))
	}
	if cm.Before.NotNull != cm.After.NotNull {
		if cm.After.NotNull {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;", table, col))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", table, col))
		}
	}
	if cm.Before.Default != cm.After.Default {
		if cm.After.Default == "" {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT;", table, col))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s;", table, col, cm.After.Default))
		}
	}
	return stmts
}

func createIndexSQL(table string, idx snapshot.IndexDef) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	cols := make([]string, len(idx.Columns))
	for i, ic := range idx.Columns {
		expr := ic.Expr
		if isPlainIdent(expr) {
			expr = quoteIdent(expr)
		}
		if ic.Desc {
			expr += " DESC"
		}
		switch ic.Nulls {
		case "first":
			expr += " NULLS FIRST"
		case "last":
			expr += " NULLS LAST"
		}
		cols[i] = expr
	}
	method := idx.Method
	if method == "" {
		method = "btree"
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s USING %s (%s);",
		unique, quoteIdent(idx.Name), quoteQualified(table), method, strings.Join(cols, ", "))
}

func addForeignKeySQL(table string, fk snapshot.ForeignKeyDef) string {
	var ref string
	if fk.RefSchema != "" && fk.RefSchema != schema.DefaultSchema {
		ref = quoteIdent(fk.RefSchema) + "." + quoteIdent(fk.RefTable)
	} else {
		ref = quoteIdent(fk.RefTable)
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteQualified(table), quoteIdent(fk.Name), quoteList(fk.Columns), ref, quoteList(fk.RefColumns))
	if fk.OnDelete != "" {
		stmt += " ON DELETE " + strings.ToUpper(fk.OnDelete)
	}
	if fk.OnUpdate != "" {
		stmt += " ON UPDATE " + strings.ToUpper(fk.OnUpdate)
	}
	return stmt + ";"
}

func tableDropped(diff *snapshot.Diff, table string) bool {
	norm := normalizeQualified(table)
	for _, name := range diff.TablesDeleted {
		if normalizeQualified(name) == norm {
			return true
		}
	}
	return false
}

// normalizeQualified reduces a table reference to its canonical
// "schema.table" identity so comparisons never depend on spelling.
func normalizeQualified(name string) string {
	if !strings.Contains(name, ".") {
		return schema.DefaultSchema + "." + name
	}
	return name
}

// quoteIndexRef qualifies an index by its owning table's schema; an index
// always lives in the same schema as its table.
func quoteIndexRef(table, name string) string {
	parts := strings.SplitN(normalizeQualified(table), ".", 2)
	if parts[0] == schema.DefaultSchema {
		return quoteIdent(name)
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(name)
}

// quoteQualified renders a qualified snapshot key as SQL. Tables in the
// default schema are emitted unqualified.
func quoteQualified(name string) string {
	norm := normalizeQualified(name)
	parts := strings.SplitN(norm, ".", 2)
	if parts[0] == schema.DefaultSchema {
		return quoteIdent(parts[1])
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
}

func quoteTable(t snapshot.TableDef) string {
	if t.Schema == schema.DefaultSchema || t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
