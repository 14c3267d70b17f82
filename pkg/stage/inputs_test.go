package stage

import "testing"

func TestInputs_HasOutputOnlyDeclaredDeps(t *testing.T) {
	prior := map[string]Output{
		"b": OK(map[string]any{"v": "from-b"}),
		"c": OK(map[string]any{"v": "from-c"}),
	}
	in := NewInputs(testSnapshot(), []string{"b", "c"}, prior, Ports{})

	if !in.HasOutput("b") || !in.HasOutput("c") {
		t.Error("declared dependencies not visible")
	}
	// "a" is a transitive ancestor in the diamond A→B, A→C, B+C→D: invisible.
	if in.HasOutput("a") {
		t.Error("undeclared stage a visible through inputs")
	}
}

func TestInputs_FromReturnsDeclaredValue(t *testing.T) {
	prior := map[string]Output{
		"b": OK(map[string]any{"v": "from-b"}),
		"c": OK(map[string]any{"v": "from-c"}),
	}
	in := NewInputs(nil, []string{"b", "c"}, prior, Ports{})

	if got := in.From("b", "v", nil); got != "from-b" {
		t.Errorf("From(b, v) = %v, want from-b", got)
	}
	if got := in.From("a", "v", "fallback"); got != "fallback" {
		t.Errorf("From(a, v) = %v, want fallback", got)
	}
	if got := in.From("b", "missing", 42); got != 42 {
		t.Errorf("From(b, missing) = %v, want 42", got)
	}
}

func TestInputs_GetSearchesInDeclarationOrder(t *testing.T) {
	prior := map[string]Output{
		"first":  OK(map[string]any{"shared": "first-wins", "only_first": 1}),
		"second": OK(map[string]any{"shared": "second", "only_second": 2}),
	}
	in := NewInputs(nil, []string{"first", "second"}, prior, Ports{})

	if got := in.Get("shared", nil); got != "first-wins" {
		t.Errorf("Get(shared) = %v, want first-wins", got)
	}
	if got := in.Get("only_second", nil); got != 2 {
		t.Errorf("Get(only_second) = %v, want 2", got)
	}
	if got := in.Get("absent", "def"); got != "def" {
		t.Errorf("Get(absent) = %v, want def", got)
	}
}

func TestNewInputs_CopiesPriorMap(t *testing.T) {
	prior := map[string]Output{"dep": OK(nil)}
	in := NewInputs(nil, []string{"dep"}, prior, Ports{})

	delete(prior, "dep")

	if !in.HasOutput("dep") {
		t.Error("mutating the caller's prior map leaked into inputs")
	}
}

func TestPorts_Value(t *testing.T) {
	p := NewPorts(Ports{}, map[string]any{"llm_provider": "handle"})
	if got := p.Value("llm_provider"); got != "handle" {
		t.Errorf("Value(llm_provider) = %v, want handle", got)
	}
	if got := p.Value("missing"); got != nil {
		t.Errorf("Value(missing) = %v, want nil", got)
	}
}

func TestContext_ConfigCopied(t *testing.T) {
	cfg := map[string]any{"inputs": "x"}
	sc := NewContext(nil, Inputs{}, cfg)

	cfg["inputs"] = "mutated"

	if got := sc.Config("inputs"); got != "x" {
		t.Errorf("Config(inputs) = %v, want x", got)
	}
}
