package snapshot

import "sort"

// Diff is the structured delta between two snapshots.
//
// Tables present in TablesCreated never also appear in ColumnsAdded: a new
// table's columns are emitted as part of its CREATE TABLE, not as ALTERs.
// Renames are not detected; a rename shows up as a delete+create pair.
type Diff struct {
	TablesCreated []string
	TablesDeleted []string

	ColumnsAdded    []ColumnChange
	ColumnsDeleted  []ColumnChange
	ColumnsModified []ColumnModification

	IndexesCreated []IndexChange
	IndexesDeleted []IndexChange

	ForeignKeysCreated []ForeignKeyChange
	ForeignKeysDeleted []ForeignKeyChange
}

// ColumnChange is a column added to or deleted from an existing table.
type ColumnChange struct {
	Table  string // qualified table name
	Column ColumnDef
}

// ColumnModification carries the before/after structure of a changed column.
type ColumnModification struct {
	Table  string
	Name   string
	Before ColumnDef
	After  ColumnDef
}

// IndexChange is an index created or deleted on an existing table.
type IndexChange struct {
	Table string
	Index IndexDef
}

// ForeignKeyChange is a foreign key created or deleted.
type ForeignKeyChange struct {
	Table      string // qualified name of the table owning the constraint
	ForeignKey ForeignKeyDef
}

// HasChanges reports whether any of the diff's lists is non-empty.
func (d *Diff) HasChanges() bool {
	return len(d.TablesCreated) > 0 ||
		len(d.TablesDeleted) > 0 ||
		len(d.ColumnsAdded) > 0 ||
		len(d.ColumnsDeleted) > 0 ||
		len(d.ColumnsModified) > 0 ||
		len(d.IndexesCreated) > 0 ||
		len(d.IndexesDeleted) > 0 ||
		len(d.ForeignKeysCreated) > 0 ||
		len(d.ForeignKeysDeleted) > 0
}

// CalculateDiff compares two snapshots and produces the structural delta.
// A nil prev is treated as an empty baseline (everything in curr is new).
// Iteration is over sorted names so the diff, and therefore the generated
// DDL, is deterministic.
func CalculateDiff(prev, curr *Snapshot) *Diff {
	d := &Diff{}
	if prev == nil {
		prev = &Snapshot{Tables: map[string]TableDef{}}
	}

	for _, name := range curr.TableNames() {
		if _, ok := prev.Tables[name]; !ok {
			d.TablesCreated = append(d.TablesCreated, name)
		}
	}
	for _, name := range prev.TableNames() {
		if _, ok := curr.Tables[name]; !ok {
			d.TablesDeleted = append(d.TablesDeleted, name)
		}
	}

	// Tables present in both: column-level and constraint-level comparison.
	for _, name := range curr.TableNames() {
		prevTable, ok := prev.Tables[name]
		if !ok {
			continue
		}
		currTable := curr.Tables[name]
		diffColumns(d, name, prevTable, currTable)
		diffIndexes(d, name, prevTable, currTable)
		diffForeignKeys(d, name, prevTable, currTable)
	}

	// Foreign keys and indexes on brand-new tables are "created" too; the SQL
	// generator folds them into the right phase.
	for _, name := range d.TablesCreated {
		t := curr.Tables[name]
		for _, fkName := range sortedKeys(t.ForeignKeys) {
			d.ForeignKeysCreated = append(d.ForeignKeysCreated, ForeignKeyChange{Table: name, ForeignKey: t.ForeignKeys[fkName]})
		}
		for _, idxName := range sortedKeys(t.Indexes) {
			d.IndexesCreated = append(d.IndexesCreated, IndexChange{Table: name, Index: t.Indexes[idxName]})
		}
	}

	return d
}

func diffColumns(d *Diff, table string, prevTable, currTable TableDef) {
	for _, colName := range sortedKeys(currTable.Columns) {
		currCol := currTable.Columns[colName]
		prevCol, ok := prevTable.Columns[colName]
		if !ok {
			d.ColumnsAdded = append(d.ColumnsAdded, ColumnChange{Table: table, Column: currCol})
			continue
		}
		if prevCol != currCol {
			d.ColumnsModified = append(d.ColumnsModified, ColumnModification{
				Table:  table,
				Name:   colName,
				Before: prevCol,
				After:  currCol,
			})
		}
	}
	for _, colName := range sortedKeys(prevTable.Columns) {
		if _, ok := currTable.Columns[colName]; !ok {
			d.ColumnsDeleted = append(d.ColumnsDeleted, ColumnChange{Table: table, Column: prevTable.Columns[colName]})
		}
	}
}

// diffIndexes compares indexes by name. A changed index is represented as
// delete+create, never as a modification.
func diffIndexes(d *Diff, table string, prevTable, currTable TableDef) {
	for _, name := range sortedKeys(currTable.Indexes) {
		currIdx := currTable.Indexes[name]
		prevIdx, ok := prevTable.Indexes[name]
		if !ok {
			d.IndexesCreated = append(d.IndexesCreated, IndexChange{Table: table, Index: currIdx})
			continue
		}
		if !indexesEqual(prevIdx, currIdx) {
			d.IndexesDeleted = append(d.IndexesDeleted, IndexChange{Table: table, Index: prevIdx})
			d.IndexesCreated = append(d.IndexesCreated, IndexChange{Table: table, Index: currIdx})
		}
	}
	for _, name := range sortedKeys(prevTable.Indexes) {
		if _, ok := currTable.Indexes[name]; !ok {
			d.IndexesDeleted = append(d.IndexesDeleted, IndexChange{Table: table, Index: prevTable.Indexes[name]})
		}
	}
}

// diffForeignKeys compares foreign keys by name with the same
// delete+create representation for changes.
func diffForeignKeys(d *Diff, table string, prevTable, currTable TableDef) {
	for _, name := range sortedKeys(currTable.ForeignKeys) {
		currFK := currTable.ForeignKeys[name]
		prevFK, ok := prevTable.ForeignKeys[name]
		if !ok {
			d.ForeignKeysCreated = append(d.ForeignKeysCreated, ForeignKeyChange{Table: table, ForeignKey: currFK})
			continue
		}
		if !foreignKeysEqual(prevFK, currFK) {
			d.ForeignKeysDeleted = append(d.ForeignKeysDeleted, ForeignKeyChange{Table: table, ForeignKey: prevFK})
			d.ForeignKeysCreated = append(d.ForeignKeysCreated, ForeignKeyChange{Table: table, ForeignKey: currFK})
		}
	}
	for _, name := range sortedKeys(prevTable.ForeignKeys) {
		if _, ok := currTable.ForeignKeys[name]; !ok {
			d.ForeignKeysDeleted = append(d.ForeignKeysDeleted, ForeignKeyChange{Table: table, ForeignKey: prevTable.ForeignKeys[name]})
		}
	}
}

func indexesEqual(a, b IndexDef) bool {
	if a.Name != b.Name || a.Unique != b.Unique || a.Method != b.Method || len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	return true
}

func foreignKeysEqual(a, b ForeignKeyDef) bool {
	if a.Name != b.Name || a.RefSchema != b.RefSchema || a.RefTable != b.RefTable ||
		a.OnDelete != b.OnDelete || a.OnUpdate != b.OnUpdate {
		return false
	}
	if len(a.Columns) != len(b.Columns) || len(a.RefColumns) != len(b.RefColumns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	for i := range a.RefColumns {
		if a.RefColumns[i] != b.RefColumns[i] {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
