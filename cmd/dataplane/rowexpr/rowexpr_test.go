package rowexpr

import "testing"

func TestEval(t *testing.T) {
	c := NewCompiler()
	env := map[string]any{"amount": 12.5, "city": "berlin"}

	got, err := c.Eval("amount * 2", env)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if got != 25.0 {
		t.Errorf("Expected 25.0, got %v", got)
	}
}

func TestEvalBool(t *testing.T) {
	c := NewCompiler()
	env := map[string]any{"amount": 12.5, "city": "berlin"}

	tests := []struct {
		expr string
		want bool
	}{
		{`city == "berlin"`, true},
		{"amount > 100", false},
		{`amount > 10 && city != "paris"`, true},
	}
	for _, tt := range tests {
		got, err := c.EvalBool(tt.expr, env)
		if err != nil {
			t.Fatalf("EvalBool(%q) failed: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

// TestEvalBool_MissingColumnIsError verifies referencing an unbound
// variable fails at evaluation, not compilation (column sets differ per
// flow).
func TestEvalBool_MissingColumn(t *testing.T) {
	c := NewCompiler()
	if _, err := c.EvalBool("ghost > 1", map[string]any{"amount": 1}); err == nil {
		t.Error("Expected runtime error for unbound variable")
	}
}

func TestCompileCache(t *testing.T) {
	c := NewCompiler()
	env := map[string]any{"x": 1}
	if _, err := c.Eval("x + 1", env); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if _, err := c.Eval("x + 1", env); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if c.CacheSize() != 1 {
		t.Errorf("Expected 1 cached program, got %d", c.CacheSize())
	}
}
