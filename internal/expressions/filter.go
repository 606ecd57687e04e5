package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/flowrun/pkg/schema"
)

// RowFilter evaluates boolean expr-lang predicates against parsed CSV rows.
// Each column of the row is a top-level variable, so `country == "NZ"` or
// `int(age) >= 18` work as written. Compiled programs are cached.
type RowFilter struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewRowFilter creates an empty predicate evaluator.
func NewRowFilter() *RowFilter {
	return &RowFilter{cache: make(map[string]*vm.Program)}
}

// Match reports whether row satisfies predicate.
func (f *RowFilter) Match(predicate string, row map[string]any) (bool, error) {
	prg, err := f.compile(predicate)
	if err != nil {
		return false, err
	}
	out, err := vm.Run(prg, row)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"filter %q failed: %s", predicate, err.Error()).WithCause(err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply keeps the rows that satisfy predicate. An empty predicate keeps all rows.
func (f *RowFilter) Apply(predicate string, rows []map[string]any) ([]map[string]any, error) {
	if predicate == "" {
		return rows, nil
	}
	kept := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		ok, err := f.Match(predicate, row)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

// Check compiles predicate without evaluating it.
func (f *RowFilter) Check(predicate string) error {
	_, err := f.compile(predicate)
	return err
}

func (f *RowFilter) compile(predicate string) (*vm.Program, error) {
	f.mu.RLock()
	if prg, ok := f.cache[predicate]; ok {
		f.mu.RUnlock()
		return prg, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, ok := f.cache[predicate]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(predicate,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"filter compile error in %q: %s", predicate, err.Error()).WithCause(err)
	}
	f.cache[predicate] = prg
	return prg, nil
}
