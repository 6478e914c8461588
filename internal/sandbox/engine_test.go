package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecute_CollectsScriptBindings(t *testing.T) {
	e := NewEngine(5 * time.Second)

	out, err := e.Execute(context.Background(), `
		var bot_response = "hello";
		var state = 2;
		var helper = function() { return 1; }; // dropped: callable
	`, nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["bot_response"] != "hello" {
		t.Fatalf("bot_response = %v", out["bot_response"])
	}
	if v, ok := out["state"].(int64); !ok || v != 2 {
		t.Fatalf("state = %v (%T)", out["state"], out["state"])
	}
	if _, present := out["helper"]; present {
		t.Fatalf("callables must not appear in results")
	}
}

func TestExecute_PredefinedBindingsVisible(t *testing.T) {
	e := NewEngine(5 * time.Second)

	out, err := e.Execute(context.Background(),
		`var doubled = seed * 2;`,
		map[string]any{"seed": 21}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, ok := out["doubled"].(int64); !ok || v != 42 {
		t.Fatalf("doubled = %v (%T)", out["doubled"], out["doubled"])
	}
	// Predefined names are part of the baseline-free global set and come
	// back too; they must at least not shadow script results.
	if _, present := out["seed"]; !present {
		t.Fatalf("expected seed binding in output")
	}
}

func TestExecute_EmptyAndCompileErrors(t *testing.T) {
	e := NewEngine(time.Second)

	var serr *ScriptError
	_, err := e.Execute(context.Background(), "", nil, 0)
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError for empty script, got %v", err)
	}

	_, err = e.Execute(context.Background(), `var x = {;`, nil, 0)
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if !strings.Contains(serr.Message, "compile error") {
		t.Fatalf("unexpected message %q", serr.Message)
	}
	if serr.Timeout {
		t.Fatalf("compile errors are not timeouts")
	}
}

func TestExecute_RuntimeError(t *testing.T) {
	e := NewEngine(time.Second)

	var serr *ScriptError
	_, err := e.Execute(context.Background(), `throw new Error("boom");`, nil, 0)
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if !strings.Contains(serr.Message, "boom") {
		t.Fatalf("original message lost: %q", serr.Message)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := NewEngine(time.Minute)

	start := time.Now()
	var serr *ScriptError
	_, err := e.Execute(context.Background(), `while (true) {}`, nil, 150*time.Millisecond)
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if !serr.Timeout {
		t.Fatalf("expected Timeout flag, got %+v", serr)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("interrupt did not stop the loop promptly")
	}
}

func TestExecute_NullAndDroppedValues(t *testing.T) {
	e := NewEngine(time.Second)

	out, err := e.Execute(context.Background(), `
		var empty = null;
		var nested = {a: [1, 2, {b: "c"}]};
	`, nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	v, present := out["empty"]
	if !present || v != nil {
		t.Fatalf("null binding should surface as nil, got %v (present=%v)", v, present)
	}
	if out["nested"] == nil {
		t.Fatalf("plain objects must survive")
	}
}

func TestExecute_TimeNormalizesToRFC3339(t *testing.T) {
	e := NewEngine(time.Second)

	stamp := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	out, err := e.Execute(context.Background(),
		`var echoed = stamp;`,
		map[string]any{"stamp": stamp}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s, ok := out["echoed"].(string)
	if !ok {
		t.Fatalf("echoed = %T, want string", out["echoed"])
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || !parsed.Equal(stamp) {
		t.Fatalf("echoed = %q (%v)", s, err)
	}
}

func TestExecute_HTTPResponseNormalizesToBody(t *testing.T) {
	e := NewEngine(time.Second)

	out, err := e.Execute(context.Background(),
		`var body = resp;`,
		map[string]any{"resp": &HTTPResponse{StatusCode: 200, Text: `{"ok":true}`}}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["body"] != `{"ok":true}` {
		t.Fatalf("body = %v", out["body"])
	}
}

func TestExecute_GoCallbackErrorsSurfaceAsScriptError(t *testing.T) {
	e := NewEngine(time.Second)

	fail := func() (string, error) { return "", errors.New("helper refused") }
	var serr *ScriptError
	_, err := e.Execute(context.Background(), `var x = fail();`,
		map[string]any{"fail": fail}, 0)
	if !errors.As(err, &serr) {
		t.Fatalf("expected ScriptError, got %v", err)
	}
	if !strings.Contains(serr.Message, "helper refused") {
		t.Fatalf("helper error message lost: %q", serr.Message)
	}
}
