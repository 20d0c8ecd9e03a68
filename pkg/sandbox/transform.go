package sandbox

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultTransformCapacity bounds a Transformer's program cache. Check
// configs are static for a run, so a run never holds more programs than it
// has distinct transform expressions.
const DefaultTransformCapacity = 64

// Transformer evaluates expr-language transform expressions against a
// step's output. Compiled programs are kept in a bounded cache so repeated
// runs of the same check (retries, fan-out items, correction waves) skip
// recompilation. Eviction is oldest-first; transform sources are static
// within a run.
type Transformer struct {
	mu       sync.Mutex
	capacity int
	programs map[string]*vm.Program
	order    []string
}

// NewTransformer creates a transformer with the given cache bound.
func NewTransformer(capacity int) *Transformer {
	if capacity <= 0 {
		capacity = DefaultTransformCapacity
	}
	return &Transformer{
		capacity: capacity,
		programs: make(map[string]*vm.Program),
	}
}

// Run compiles (or reuses) the transform and evaluates it against env.
func (t *Transformer) Run(source string, env map[string]any) (any, error) {
	program, err := t.program(source, env)
	if err != nil {
		return nil, fmt.Errorf("compile transform: %w", err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run transform: %w", err)
	}
	return out, nil
}

// CachedPrograms returns how many compiled transforms are held.
func (t *Transformer) CachedPrograms() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.programs)
}

func (t *Transformer) program(source string, env map[string]any) (*vm.Program, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if program, ok := t.programs[source]; ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, err
	}

	if len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.programs, oldest)
	}
	t.programs[source] = program
	t.order = append(t.order, source)
	return program, nil
}
