package lspconfig

import (
	"reflect"
	"testing"
)

func TestDeepMergeMapsMergeKeyByKey(t *testing.T) {
	dst := map[string]any{
		"lsp": map[string]any{
			"gopls": map[string]any{
				"settings": map[string]any{"gofumpt": true, "staticcheck": true},
			},
		},
	}
	src := map[string]any{
		"lsp": map[string]any{
			"gopls": map[string]any{
				"settings": map[string]any{"staticcheck": false},
			},
		},
	}

	got := deepMerge(dst, src)
	settings := got["lsp"].(map[string]any)["gopls"].(map[string]any)["settings"].(map[string]any)
	if settings["gofumpt"] != true {
		t.Error("unrelated key should survive the merge")
	}
	if settings["staticcheck"] != false {
		t.Error("overriding key should win")
	}
}

func TestDeepMergeArraysReplace(t *testing.T) {
	dst := map[string]any{"extensions": []any{".go", ".mod"}}
	src := map[string]any{"extensions": []any{".go"}}

	got := deepMerge(dst, src)
	if !reflect.DeepEqual(got["extensions"], []any{".go"}) {
		t.Errorf("arrays must replace, not concatenate: %v", got["extensions"])
	}
}

func TestDeepMergeScalarsReplace(t *testing.T) {
	dst := map[string]any{"lsp": map[string]any{"gopls": map[string]any{"disabled": false}}}
	src := map[string]any{"lsp": map[string]any{"gopls": map[string]any{"disabled": true}}}

	got := deepMerge(dst, src)
	if got["lsp"].(map[string]any)["gopls"].(map[string]any)["disabled"] != true {
		t.Error("scalar from the later layer should win")
	}
}

func TestDeepMergeTypeMismatchReplaces(t *testing.T) {
	// A scalar on one side and a map on the other is a replacement, never a
	// merge attempt.
	dst := map[string]any{"lsp": map[string]any{"gopls": map[string]any{}}}
	src := map[string]any{"lsp": false}

	got := deepMerge(dst, src)
	if got["lsp"] != false {
		t.Errorf("lsp = %v, want false", got["lsp"])
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1.0}}
	src := map[string]any{"a": map[string]any{"y": 2.0}}

	_ = deepMerge(dst, src)
	if _, leaked := dst["a"].(map[string]any)["y"]; leaked {
		t.Error("merge mutated its first input")
	}

	out := deepMerge(dst, src)
	out["a"].(map[string]any)["x"] = 99.0
	if dst["a"].(map[string]any)["x"] != 1.0 {
		t.Error("result shares structure with input")
	}
}
