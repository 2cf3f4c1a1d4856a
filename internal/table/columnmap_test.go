package table

import (
	"reflect"
	"testing"
)

func TestNewColumnMapIdentical(t *testing.T) {
	cols := []string{"id", "name", "amount"}
	m := NewColumnMap(cols, cols)

	if !reflect.DeepEqual(m.SourceCols(), cols) {
		t.Errorf("SourceCols() = %v, want %v", m.SourceCols(), cols)
	}
	if !reflect.DeepEqual(m.ShadowCols(), cols) {
		t.Errorf("ShadowCols() = %v, want %v", m.ShadowCols(), cols)
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
}

func TestNewColumnMapAddedColumn(t *testing.T) {
	// An added column has no source counterpart and must not appear in
	// the map; it gets its default on insert.
	m := NewColumnMap([]string{"id", "name"}, []string{"id", "name", "currency"})

	if !reflect.DeepEqual(m.SourceCols(), []string{"id", "name"}) {
		t.Errorf("SourceCols() = %v", m.SourceCols())
	}
	if !reflect.DeepEqual(m.ShadowCols(), []string{"id", "name"}) {
		t.Errorf("ShadowCols() = %v", m.ShadowCols())
	}
}

func TestNewColumnMapDroppedColumn(t *testing.T) {
	// Dropping leaves one unmatched source column and zero unmatched
	// shadow columns, so it must not be mistaken for a rename.
	m := NewColumnMap([]string{"id", "name", "legacy"}, []string{"id", "name"})

	if !reflect.DeepEqual(m.SourceCols(), []string{"id", "name"}) {
		t.Errorf("SourceCols() = %v", m.SourceCols())
	}
	if _, ok := m.ShadowFor("legacy"); ok {
		t.Error("ShadowFor(legacy) should report the column as dropped")
	}
}

func TestNewColumnMapRename(t *testing.T) {
	m := NewColumnMap([]string{"id", "descr"}, []string{"id", "description"})

	got, ok := m.ShadowFor("descr")
	if !ok || got != "description" {
		t.Errorf("ShadowFor(descr) = (%q, %v), want (description, true)", got, ok)
	}
	if !reflect.DeepEqual(m.ShadowCols(), []string{"id", "description"}) {
		t.Errorf("ShadowCols() = %v", m.ShadowCols())
	}
}

func TestNewColumnMapAmbiguousRename(t *testing.T) {
	// Two unmatched columns on each side: no rename can be inferred, so
	// both source columns are treated as dropped.
	m := NewColumnMap([]string{"id", "a", "b"}, []string{"id", "x", "y"})

	if !reflect.DeepEqual(m.SourceCols(), []string{"id"}) {
		t.Errorf("SourceCols() = %v, want [id]", m.SourceCols())
	}
	if _, ok := m.ShadowFor("a"); ok {
		t.Error("ShadowFor(a) should be unmapped when the rename is ambiguous")
	}
}

func TestNewColumnMapRenamePlusAddition(t *testing.T) {
	// One unmatched source column but two unmatched shadow columns: the
	// asymmetry blocks rename inference.
	m := NewColumnMap([]string{"id", "descr"}, []string{"id", "description", "currency"})

	if _, ok := m.ShadowFor("descr"); ok {
		t.Error("ShadowFor(descr) should be unmapped with multiple shadow candidates")
	}
	if !reflect.DeepEqual(m.SourceCols(), []string{"id"}) {
		t.Errorf("SourceCols() = %v, want [id]", m.SourceCols())
	}
}

func TestShadowForUnknownColumn(t *testing.T) {
	m := NewColumnMap([]string{"id"}, []string{"id"})
	if _, ok := m.ShadowFor("missing"); ok {
		t.Error("ShadowFor(missing) = true, want false")
	}
}
