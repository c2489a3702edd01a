package workflow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides condition-step branches against instance variables.
type Evaluator interface {
	Evaluate(expression string, variables map[string]any) (bool, error)
}

// ExprEvaluator implements Evaluator using expr-lang/expr. Compiled
// programs are cached per expression string, so repeated evaluation of
// the same condition across instances pays compilation once.
//
// Expressions run against the instance variables only: no I/O, no
// process state, no arbitrary function calls beyond expr builtins.
type ExprEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewExprEvaluator creates an ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate runs the expression against the given variables. The
// expression must evaluate to a boolean; anything else is an error.
func (e *ExprEvaluator) Evaluate(expression string, variables map[string]any) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			// Undefined variables evaluate to nil rather than failing
			// compilation, since the variable set differs per instance.
			program, err = expr.Compile(expression, expr.Env(variables), expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("workflow: compile condition %q: %w", expression, err)
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, variables)
	if err != nil {
		return false, fmt.Errorf("workflow: evaluate condition %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("workflow: condition %q did not evaluate to a boolean, got %T", expression, result)
	}
	return boolResult, nil
}
