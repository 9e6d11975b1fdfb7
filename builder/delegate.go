package builder

import (
	"github.com/pkg/errors"

	"github.com/incview/incview/ast"
	"github.com/incview/incview/ivm"
	"github.com/incview/incview/storage"
)

// Delegate supplies the builder's environment: where tables come from,
// where operator state lives, and hooks for instrumenting the pipeline as
// it is wired. Decoration hooks must be identity preserving: they may wrap
// for tracing but must not change what the stage produces.
type Delegate interface {
	GetSource(table string) (ivm.Source, error)
	// CreateStorage returns a fresh private store for one stateful
	// operator; the name is unique per pipeline build.
	CreateStorage(name string) (storage.Storage, error)
	// AddEdge records one wired operator edge, side effect only.
	AddEdge(from, to string)
	DecorateInput(input ivm.Input, name string) ivm.Input
	DecorateFilterInput(input ivm.Input, name string) ivm.Input
	DecorateSourceInput(input ivm.SourceInput, name string) ivm.SourceInput
	// MapAST rewrites the query before compilation, e.g. to map external
	// table names onto internal ones. Returning the input unchanged is the
	// common case.
	MapAST(query *ast.Query) *ast.Query
	// ApplyFiltersAnyway forces filter stages even for sources claiming to
	// have fully applied the pushed-down filters.
	ApplyFiltersAnyway() bool
}

// StaticDelegate is the plain in-process Delegate: a fixed table-to-source
// map and memory-backed operator storage, no instrumentation.
type StaticDelegate struct {
	Sources map[string]ivm.Source
	// ForceFilters reapplies pushed-down filters even when a source claims
	// them fully applied.
	ForceFilters bool
}

func NewStaticDelegate(sources map[string]ivm.Source) *StaticDelegate {
	return &StaticDelegate{Sources: sources}
}

func (d *StaticDelegate) GetSource(table string) (ivm.Source, error) {
	source, ok := d.Sources[table]
	if !ok {
		return nil, errors.Errorf("no source for table %q", table)
	}
	return source, nil
}

func (d *StaticDelegate) CreateStorage(name string) (storage.Storage, error) {
	return storage.NewMemoryStorage(), nil
}

func (d *StaticDelegate) AddEdge(from, to string) {}

func (d *StaticDelegate) DecorateInput(input ivm.Input, name string) ivm.Input {
	return input
}

func (d *StaticDelegate) DecorateFilterInput(input ivm.Input, name string) ivm.Input {
	return input
}

func (d *StaticDelegate) DecorateSourceInput(input ivm.SourceInput, name string) ivm.SourceInput {
	return input
}

func (d *StaticDelegate) MapAST(query *ast.Query) *ast.Query {
	return query
}

func (d *StaticDelegate) ApplyFiltersAnyway() bool {
	return d.ForceFilters
}
