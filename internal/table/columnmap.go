package table

import (
	"context"
	"fmt"

	"github.com/tordrt/pgshift/internal/db"
)

// ColumnMap pairs source columns with their shadow counterparts. A source
// column whose shadow entry is empty was dropped by the target schema.
// Columns that exist only in the shadow table (additions) are absent from
// the map and receive their defaults on insert.
type ColumnMap struct {
	pairs [][2]string
}

// NewColumnMap matches source columns to shadow columns by name. When
// exactly one column is unmatched on each side, the pair is treated as a
// rename; any other asymmetry leaves the source column unmapped.
func NewColumnMap(sourceCols, shadowCols []string) ColumnMap {
	shadowSet := make(map[string]bool, len(shadowCols))
	for _, c := range shadowCols {
		shadowSet[c] = true
	}
	sourceSet := make(map[string]bool, len(sourceCols))
	for _, c := range sourceCols {
		sourceSet[c] = true
	}

	var unmatchedSource, unmatchedShadow []string
	for _, c := range sourceCols {
		if !shadowSet[c] {
			unmatchedSource = append(unmatchedSource, c)
		}
	}
	for _, c := range shadowCols {
		if !sourceSet[c] {
			unmatchedShadow = append(unmatchedShadow, c)
		}
	}
	renameCandidate := len(unmatchedSource) == 1 && len(unmatchedShadow) == 1

	m := ColumnMap{pairs: make([][2]string, 0, len(sourceCols))}
	for _, c := range sourceCols {
		switch {
		case shadowSet[c]:
			m.pairs = append(m.pairs, [2]string{c, c})
		case renameCandidate && c == unmatchedSource[0]:
			m.pairs = append(m.pairs, [2]string{c, unmatchedShadow[0]})
		default:
			m.pairs = append(m.pairs, [2]string{c, ""})
		}
	}
	return m
}

// BuildColumnMap introspects both tables and builds the map.
func BuildColumnMap(ctx context.Context, q db.Querier, source, shadow Table) (ColumnMap, error) {
	sourceCols, err := Columns(ctx, q, source)
	if err != nil {
		return ColumnMap{}, fmt.Errorf("failed to list %s columns: %w", source, err)
	}
	shadowCols, err := Columns(ctx, q, shadow)
	if err != nil {
		return ColumnMap{}, fmt.Errorf("failed to list %s columns: %w", shadow, err)
	}
	return NewColumnMap(sourceCols, shadowCols), nil
}

// SourceCols returns the mapped source columns, in source column order.
func (m ColumnMap) SourceCols() []string {
	cols := make([]string, 0, len(m.pairs))
	for _, p := range m.pairs {
		if p[1] != "" {
			cols = append(cols, p[0])
		}
	}
	return cols
}

// ShadowCols returns the mapped shadow columns, aligned with SourceCols.
func (m ColumnMap) ShadowCols() []string {
	cols := make([]string, 0, len(m.pairs))
	for _, p := range m.pairs {
		if p[1] != "" {
			cols = append(cols, p[1])
		}
	}
	return cols
}

// ShadowFor returns the shadow column for a source column, and false when
// the column was dropped or is unknown.
func (m ColumnMap) ShadowFor(sourceCol string) (string, bool) {
	for _, p := range m.pairs {
		if p[0] == sourceCol && p[1] != "" {
			return p[1], true
		}
	}
	return "", false
}

// Len returns the number of mapped column pairs.
func (m ColumnMap) Len() int {
	return len(m.SourceCols())
}
