package changefeed

import (
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// TableFilter matches qualified table names (schema.table) against glob
// patterns. A nil or empty filter matches every table.
type TableFilter struct {
	globs []glob.Glob
}

func NewTableFilter(patterns []string) (*TableFilter, error) {
	f := &TableFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		// '*' doesn't cross the schema separator
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, errors.Wrapf(err, "invalid table pattern %q", pattern)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *TableFilter) Match(table string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}
