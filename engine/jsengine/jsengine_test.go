package jsengine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

func startedEngine(t *testing.T) *JS {
	t.Helper()
	e := New()
	if err := e.Start(context.Background(), func(string) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func TestExecuteExpression(t *testing.T) {
	e := startedEngine(t)

	out, err := e.Execute(context.Background(), engine.Call{
		Source: "2 + 2",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, ok := out.(int64); !ok || got != 4 {
		t.Errorf("result = %v (%T), want int64(4)", out, out)
	}
}

func TestConsoleCapture(t *testing.T) {
	e := startedEngine(t)

	var stdout, stderr bytes.Buffer
	_, err := e.Execute(context.Background(), engine.Call{
		Source: `console.log("hello", 42); console.error("oops");`,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := stdout.String(); got != "hello 42\n" {
		t.Errorf("stdout = %q, want %q", got, "hello 42\n")
	}
	if got := stderr.String(); got != "oops\n" {
		t.Errorf("stderr = %q, want %q", got, "oops\n")
	}
}

func TestResourcesObject(t *testing.T) {
	e := startedEngine(t)
	err := e.RegisterResource(context.Background(), resource.Resource{
		Name:    "greeting",
		Kind:    resource.KindText,
		Payload: []byte("hi there"),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := e.Execute(context.Background(), engine.Call{
		Source: `resources.get("greeting").toUpperCase()`,
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "HI THERE" {
		t.Errorf("result = %v, want HI THERE", out)
	}

	if _, err := e.Execute(context.Background(), engine.Call{
		Source: `resources.get("missing")`,
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}); err == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestSyntaxErrorIsReturned(t *testing.T) {
	e := startedEngine(t)

	_, err := e.Execute(context.Background(), engine.Call{
		Source: "function {",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestInterruptStopsRunawayScript(t *testing.T) {
	e := startedEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, engine.Call{
		Source: "while (true) {}",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if err == nil {
		t.Fatal("expected interrupt error")
	}
	if !strings.Contains(err.Error(), "interrupted") {
		t.Errorf("err = %v, want interrupted", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}

	// The runtime must remain usable after an interrupt.
	out, err := e.Execute(context.Background(), engine.Call{
		Source: "1 + 1",
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("execute after interrupt: %v", err)
	}
	if got, ok := out.(int64); !ok || got != 2 {
		t.Errorf("result = %v, want 2", out)
	}
}

func TestDescribeResource(t *testing.T) {
	e := startedEngine(t)
	e.RegisterResource(context.Background(), resource.Resource{
		Name:    "rows",
		Kind:    resource.KindCSV,
		Payload: []byte("a,b\n1,2\n"),
	})

	schema, err := e.DescribeResource(context.Background(), "rows")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(schema.Columns) != 2 {
		t.Errorf("columns = %+v, want 2", schema.Columns)
	}

	if err := e.UnregisterResource(context.Background(), "rows"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := e.DescribeResource(context.Background(), "rows"); err == nil {
		t.Error("expected error after unregister")
	}
}
