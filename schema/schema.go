// Package schema defines the logical schema description that plugins and
// modules register with the migration engine. A Definition is the desired
// shape of a schema owner's tables; the engine compares it against what is
// live in the database and generates the DDL to close the gap.
package schema

import (
	"fmt"
	"strings"
)

// DefaultSchema is the namespace used when a table does not declare one.
const DefaultSchema = "public"

// Definition is the complete logical schema an owner registers.
type Definition struct {
	Tables []Table `json:"tables"`
}

// Table declares one table: its columns, keys, constraints, and indexes.
type Table struct {
	Name   string `json:"name"`
	Schema string `json:"schema,omitempty"` // empty means DefaultSchema

	Columns             []Column           `json:"columns"`
	CompositePrimaryKey []string           `json:"composite_primary_key,omitempty"`
	UniqueConstraints   []UniqueConstraint `json:"unique_constraints,omitempty"`
	ForeignKeys         []ForeignKey       `json:"foreign_keys,omitempty"`
	Indexes             []Index            `json:"indexes,omitempty"`
}

// Column declares a single column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null,omitempty"`
	Default    string `json:"default,omitempty"` // raw SQL literal or expression
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// UniqueConstraint declares a named multi-column uniqueness constraint.
type UniqueConstraint struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// ForeignKey declares a named foreign key from this table to another.
type ForeignKey struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"ref_schema,omitempty"` // empty means DefaultSchema
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnDelete   string   `json:"on_delete,omitempty"` // e.g. "cascade", "set null"
	OnUpdate   string   `json:"on_update,omitempty"`
}

// IndexColumn is one indexed column or expression with its ordering.
type IndexColumn struct {
	Expr  string `json:"expr"` // column name or SQL expression
	Desc  bool   `json:"desc,omitempty"`
	Nulls string `json:"nulls,omitempty"` // "", "first", "last"
}

// Index declares a named index on a table.
type Index struct {
	Name    string        `json:"name"`
	Columns []IndexColumn `json:"columns"`
	Unique  bool          `json:"unique,omitempty"`
	Method  string        `json:"method,omitempty"` // defaults to btree
}

// QualifiedName returns the table's schema-qualified identity used as the
// snapshot map key, e.g. "public.users".
func (t Table) QualifiedName() string {
	s := t.Schema
	if s == "" {
		s = DefaultSchema
	}
	return s + "." + t.Name
}

// Validate checks structural invariants at the snapshot-generation boundary
// so downstream diff and SQL code never needs defensive existence checks.
func (d Definition) Validate() error {
	seenTables := make(map[string]bool, len(d.Tables))
	seenConstraints := make(map[string]string)

	for _, t := range d.Tables {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("table with empty name")
		}
		qn := t.QualifiedName()
		if seenTables[qn] {
			return fmt.Errorf("duplicate table %s", qn)
		}
		seenTables[qn] = true

		if len(t.Columns) == 0 {
			return fmt.Errorf("table %s has no columns", qn)
		}
		seenCols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if strings.TrimSpace(c.Name) == "" {
				return fmt.Errorf("table %s: column with empty name", qn)
			}
			if strings.TrimSpace(c.Type) == "" {
				return fmt.Errorf("table %s: column %s has no type", qn, c.Name)
			}
			if seenCols[c.Name] {
				return fmt.Errorf("table %s: duplicate column %s", qn, c.Name)
			}
			seenCols[c.Name] = true
		}

		for _, pk := range t.CompositePrimaryKey {
			if !seenCols[pk] {
				return fmt.Errorf("table %s: primary key column %s not declared", qn, pk)
			}
		}

		for _, u := range t.UniqueConstraints {
			if err := checkConstraintName(seenConstraints, u.Name, qn); err != nil {
				return err
			}
			if len(u.Columns) == 0 {
				return fmt.Errorf("table %s: unique constraint %s has no columns", qn, u.Name)
			}
			for _, c := range u.Columns {
				if !seenCols[c] {
					return fmt.Errorf("table %s: unique constraint %s references unknown column %s", qn, u.Name, c)
				}
			}
		}

		for _, fk := range t.ForeignKeys {
			if err := checkConstraintName(seenConstraints, fk.Name, qn); err != nil {
				return err
			}
			if fk.RefTable == "" {
				return fmt.Errorf("table %s: foreign key %s has no referenced table", qn, fk.Name)
			}
			if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) {
				return fmt.Errorf("table %s: foreign key %s column count mismatch", qn, fk.Name)
			}
			for _, c := range fk.Columns {
				if !seenCols[c] {
					return fmt.Errorf("table %s: foreign key %s references unknown column %s", qn, fk.Name, c)
				}
			}
		}

		for _, idx := range t.Indexes {
			if err := checkConstraintName(seenConstraints, idx.Name, qn); err != nil {
				return err
			}
			if len(idx.Columns) == 0 {
				return fmt.Errorf("table %s: index %s has no columns", qn, idx.Name)
			}
		}
	}

	return nil
}

func checkConstraintName(seen map[string]string, name, table string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("table %s: constraint with empty name", table)
	}
	if prev, ok := seen[name]; ok && prev != table {
		return fmt.Errorf("constraint name %s used by both %s and %s", name, prev, table)
	}
	seen[name] = table
	return nil
}
