package tdb

import "github.com/coldcore/tdb/valuekind"

// Column describes one column of a Table's Spec (§3 Spec).
type Column struct {
	Name     string
	Kind     valuekind.ValueKind
	Nullable bool

	IsList       bool
	IsSet        bool
	IsDictionary bool

	// StrongLink marks a KindLink/KindLinkList column whose target is
	// erased when the last strong backlink to it disappears (§4.4).
	StrongLink bool
	// Embedded marks a StrongLink column whose target objects may only
	// be created via create_linked_object and are erased automatically
	// when their one backlink is removed (§4.4).
	Embedded bool

	Indexed bool

	// TargetTable names the opposite table for KindLink/KindLinkList
	// columns.
	TargetTable string
	// BacklinkColumn is the index, within TargetTable's Spec, of the
	// backlink column matching this forward link (§3 Spec invariant).
	BacklinkColumn int
	// IsBacklink marks a column as the synthetic reverse side of some
	// other table's link column; it is not directly writable.
	IsBacklink bool
}

func (c Column) hasRefs() bool {
	return c.Kind.IsRef() || c.IsList || c.IsSet || c.IsDictionary
}

// Spec is a table's ordered column list (§3 Spec).
type Spec struct {
	TableName string
	Columns   []Column
}

func (s *Spec) columnKinds() []valueColumnKind {
	out := make([]valueColumnKind, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = valueColumnKind{hasRefs: c.hasRefs()}
	}
	return out
}

// ColumnIndex returns the index of the named column, or -1.
func (s *Spec) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Spec) column(i int) (Column, error) {
	if i < 0 || i >= len(s.Columns) {
		return Column{}, storageErrf(ErrColumnIndexOutOfRange, s.TableName, nil, "column index %d", i)
	}
	return s.Columns[i], nil
}

// AddColumn appends a new column definition and returns its index. It
// only edits the Spec value: no cluster or row leaf is created or grown,
// so it is used to build a Spec before the table is created.
func (s *Spec) AddColumn(c Column) int {
	s.Columns = append(s.Columns, c)
	return len(s.Columns) - 1
}
