package main

import (
	"context"
	"testing"

	"github.com/forgecoord/bco/internal/wire"
)

func TestRunStepDryRunSkipsExecution(t *testing.T) {
	step := wire.RecipeStep{ID: "s1", Commands: [][]string{{"false"}}}
	result, lines, err := runStep(context.Background(), step, t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}
	if result != "success" {
		t.Fatalf("result = %q, want success for a dry run", result)
	}
	if len(lines) == 0 {
		t.Fatal("expected a synthetic log line for a dry run")
	}
}

func TestRunStepStopsAtFirstFailingCommand(t *testing.T) {
	step := wire.RecipeStep{ID: "s1", Commands: [][]string{
		{"echo", "first"},
		{"false"},
		{"echo", "never runs"},
	}}
	result, _, err := runStep(context.Background(), step, t.TempDir(), false)
	if result != "failure" {
		t.Fatalf("result = %q, want failure", result)
	}
	if err == nil {
		t.Fatal("expected an error from the failing command")
	}
}

func TestRunStepSuccess(t *testing.T) {
	step := wire.RecipeStep{ID: "s1", Commands: [][]string{{"echo", "hello"}}}
	result, lines, err := runStep(context.Background(), step, t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	if result != "success" {
		t.Fatalf("result = %q, want success", result)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("lines = %v, want [\"hello\"]", lines)
	}
}

func TestSplitLines(t *testing.T) {
	got := splitLines("a\nb\nc")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("splitLines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitLines[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHasScheme(t *testing.T) {
	cases := map[string]bool{
		"http://example.com": true,
		"https://example.com": true,
		"example.com":         false,
		"10.0.0.1":            false,
	}
	for in, want := range cases {
		if got := hasScheme(in); got != want {
			t.Fatalf("hasScheme(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestOSFamily(t *testing.T) {
	got := osFamily()
	if got != "posix" && got != "nt" {
		t.Fatalf("osFamily() = %q, want posix or nt", got)
	}
}
