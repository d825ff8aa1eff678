// Package rowexpr evaluates user-authored row-level expressions with the
// expr language. Programs are pure: they see only the variables handed to
// Eval plus expr's arithmetic, comparison, and collection builtins, with
// no filesystem, network, or ambient state.
package rowexpr

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Compiler compiles and caches expr programs keyed by source text
type Compiler struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewCompiler creates a new expression compiler with caching
func NewCompiler() *Compiler {
	return &Compiler{
		cache: make(map[string]*vm.Program),
	}
}

// Eval runs an expression against the given environment
func (c *Compiler) Eval(src string, env map[string]any) (any, error) {
	prg, err := c.program(src)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, fmt.Errorf("expression runtime error: %w", err)
	}
	return out, nil
}

// EvalBool runs an expression and requires a boolean result
func (c *Compiler) EvalBool(src string, env map[string]any) (bool, error) {
	out, err := c.Eval(src, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return boolean, got %T", out)
	}
	return b, nil
}

// program returns a cached compiled program, compiling on first use.
// Programs compile with undefined variables allowed because the column set
// differs per flow; unknown references fail at evaluation instead.
func (c *Compiler) program(src string) (*vm.Program, error) {
	c.mu.RLock()
	prg, exists := c.cache[src]
	c.mu.RUnlock()

	if exists {
		return prg, nil
	}

	prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression compilation error: %w", err)
	}

	c.mu.Lock()
	c.cache[src] = prg
	c.mu.Unlock()

	return prg, nil
}

// CacheSize returns the number of cached programs
func (c *Compiler) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
