// Package snapshot builds normalized, comparable structural snapshots of a
// logical schema and computes the deltas between them. A snapshot's canonical
// JSON form is byte-stable for an unchanged schema, so its SHA-256 hash can
// be used for O(1) idempotency checks across process restarts.
package snapshot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/autoschema/schema"
)

// Snapshot is the structural photograph of a logical schema at one point in
// time. Tables are keyed by qualified name ("schema.table"). A snapshot with
// zero tables is valid and distinct from "no snapshot exists" (nil).
type Snapshot struct {
	Tables map[string]TableDef `json:"tables"`
}

// TableDef is one table's structure within a snapshot. Columns, constraints,
// foreign keys, and indexes are keyed by name so the canonical JSON encoding
// sorts them deterministically.
type TableDef struct {
	Schema              string                   `json:"schema"`
	Name                string                   `json:"name"`
	Columns             map[string]ColumnDef     `json:"columns"`
	CompositePrimaryKey []string                 `json:"compositePrimaryKey,omitempty"`
	UniqueConstraints   map[string]UniqueDef     `json:"uniqueConstraints,omitempty"`
	ForeignKeys         map[string]ForeignKeyDef `json:"foreignKeys,omitempty"`
	Indexes             map[string]IndexDef      `json:"indexes,omitempty"`
}

// ColumnDef is one column's structure.
type ColumnDef struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull,omitempty"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
}

// UniqueDef is a named uniqueness constraint.
type UniqueDef struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// ForeignKeyDef is a named foreign key.
type ForeignKeyDef struct {
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefSchema  string   `json:"refSchema"`
	RefTable   string   `json:"refTable"`
	RefColumns []string `json:"refColumns"`
	OnDelete   string   `json:"onDelete,omitempty"`
	OnUpdate   string   `json:"onUpdate,omitempty"`
}

// IndexColumnDef is one indexed column or expression.
type IndexColumnDef struct {
	Expr  string `json:"expr"`
	Desc  bool   `json:"desc,omitempty"`
	Nulls string `json:"nulls,omitempty"`
}

// IndexDef is a named index.
type IndexDef struct {
	Name    string           `json:"name"`
	Table   string           `json:"table"` // qualified name of the owning table
	Columns []IndexColumnDef `json:"columns"`
	Unique  bool             `json:"unique,omitempty"`
	Method  string           `json:"method,omitempty"`
}

// Generate converts a logical schema definition into a snapshot. The
// definition is validated first; generation is deterministic, so two calls on
// an unchanged definition serialize to identical bytes.
func Generate(def schema.Definition) (*Snapshot, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("validate schema: %w", err)
	}

	snap := &Snapshot{Tables: make(map[string]TableDef, len(def.Tables))}
	for _, t := range def.Tables {
		qn := t.QualifiedName()
		td := TableDef{
			Schema:              normalizeSchema(t.Schema),
			Name:                t.Name,
			Columns:             make(map[string]ColumnDef, len(t.Columns)),
			CompositePrimaryKey: append([]string(nil), t.CompositePrimaryKey...),
		}

		for _, c := range t.Columns {
			// PRIMARY KEY already implies NOT NULL; fold it so generated and
			// introspected snapshots agree.
			notNull := c.NotNull && !c.PrimaryKey
			td.Columns[c.Name] = ColumnDef{
				Name:       c.Name,
				Type:       NormalizeType(c.Type),
				NotNull:    notNull,
				Default:    NormalizeDefault(c.Default),
				PrimaryKey: c.PrimaryKey,
			}
		}

		if len(t.UniqueConstraints) > 0 {
			td.UniqueConstraints = make(map[string]UniqueDef, len(t.UniqueConstraints))
			for _, u := range t.UniqueConstraints {
				td.UniqueConstraints[u.Name] = UniqueDef{
					Name:    u.Name,
					Columns: append([]string(nil), u.Columns...),
				}
			}
		}

		if len(t.ForeignKeys) > 0 {
			td.ForeignKeys = make(map[string]ForeignKeyDef, len(t.ForeignKeys))
			for _, fk := range t.ForeignKeys {
				td.ForeignKeys[fk.Name] = ForeignKeyDef{
					Name:       fk.Name,
					Columns:    append([]string(nil), fk.Columns...),
					RefSchema:  normalizeSchema(fk.RefSchema),
					RefTable:   fk.RefTable,
					RefColumns: append([]string(nil), fk.RefColumns...),
					OnDelete:   strings.ToLower(fk.OnDelete),
					OnUpdate:   strings.ToLower(fk.OnUpdate),
				}
			}
		}

		if len(t.Indexes) > 0 {
			td.Indexes = make(map[string]IndexDef, len(t.Indexes))
			for _, idx := range t.Indexes {
				cols := make([]IndexColumnDef, len(idx.Columns))
				for i, ic := range idx.Columns {
					cols[i] = IndexColumnDef{Expr: ic.Expr, Desc: ic.Desc, Nulls: strings.ToLower(ic.Nulls)}
				}
				method := idx.Method
				if method == "" {
					method = "btree"
				}
				td.Indexes[idx.Name] = IndexDef{
					Name:    idx.Name,
					Table:   qn,
					Columns: cols,
					Unique:  idx.Unique,
					Method:  method,
				}
			}
		}

		snap.Tables[qn] = td
	}

	return snap, nil
}

// Serialize returns the canonical JSON encoding of the snapshot. Map keys are
// sorted by encoding/json, which is what makes the encoding byte-stable.
func (s *Snapshot) Serialize() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return b, nil
}

// Hash returns the hex SHA-256 digest of the canonical serialization.
func (s *Snapshot) Hash() (string, error) {
	b, err := s.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

// TableNames returns the sorted qualified table names in the snapshot.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasChanges reports whether curr differs structurally from prev. A nil prev
// with an empty curr is "empty, nothing to do" and counts as no change; a nil
// prev with a non-empty curr is a real change.
func HasChanges(prev, curr *Snapshot) (bool, error) {
	if curr == nil {
		return false, fmt.Errorf("current snapshot is nil")
	}
	if prev == nil {
		return len(curr.Tables) > 0, nil
	}
	ph, err := prev.Hash()
	if err != nil {
		return false, err
	}
	ch, err := curr.Hash()
	if err != nil {
		return false, err
	}
	return ph != ch, nil
}

// Parse decodes a snapshot from its canonical JSON form.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Tables == nil {
		s.Tables = make(map[string]TableDef)
	}
	return &s, nil
}

func normalizeSchema(s string) string {
	if s == "" {
		return schema.DefaultSchema
	}
	return s
}

// NormalizeType canonicalizes a declared type string so cosmetic differences
// do not register as modifications: lowercased, single-spaced, with common
// aliases folded to one spelling. The spellings match what PostgreSQL's
// information_schema reports, so introspected baselines compare cleanly
// against generated snapshots.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.Join(strings.Fields(t), " "))
	switch t {
	case "serial4":
		return "serial"
	case "serial8":
		return "bigserial"
	case "int", "int4", "integer":
		return "integer"
	case "int8":
		return "bigint"
	case "bool":
		return "boolean"
	case "varchar":
		return "character varying"
	case "timestamptz":
		return "timestamp with time zone"
	case "timestamp":
		return "timestamp without time zone"
	}
	if strings.HasPrefix(t, "varchar(") {
		return "character varying(" + strings.TrimPrefix(t, "varchar(")
	}
	return t
}

// NormalizeDefault strips the trailing type cast PostgreSQL appends to
// introspected column defaults, such as ::text on an empty string literal,
// so they compare cleanly against declared defaults.
func NormalizeDefault(d string) string {
	d = strings.TrimSpace(d)
	if i := strings.Index(d, "::"); i >= 0 {
		d = d[:i]
	}
	return d
}
