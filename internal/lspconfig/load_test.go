package lspconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testWorkspace creates a git-marked workspace with optional global and
// project config documents and returns a loader plus the workspace dir.
func testWorkspace(t *testing.T, global, project string) (*Loader, string) {
	t.Helper()
	ws := t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}

	globalPath := filepath.Join(t.TempDir(), "lsp.json")
	if global != "" {
		if err := os.WriteFile(globalPath, []byte(global), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if project != "" {
		if err := os.WriteFile(filepath.Join(ws, ProjectFileName), []byte(project), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewLoader(WithGlobalPath(globalPath)), ws
}

func hasWarning(res *Result, substr string) bool {
	for _, w := range res.Warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestLoadMergesGlobalAndProject(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{
			"security": {"trustPolicy": "always"},
			"lsp": {
				"gopls": {"settings": {"gofumpt": true}},
				"pyright": {"disabled": true}
			}
		}`,
		`{
			"lsp": {
				"gopls": {"settings": {"staticcheck": true}},
				"custom-ls": {"command": ["custom-ls"], "extensions": [".x"]}
			}
		}`,
	)

	res := loader.Load(ws)
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	if !res.TrustedProject {
		t.Error("trustPolicy always should trust the project")
	}

	gopls := res.Config.Servers["gopls"]
	if gopls.Settings["gofumpt"] != true || gopls.Settings["staticcheck"] != true {
		t.Errorf("gopls settings not deep-merged: %v", gopls.Settings)
	}
	if pyright := res.Config.Servers["pyright"]; pyright.Disabled == nil || !*pyright.Disabled {
		t.Error("global disable lost")
	}
	if _, ok := res.Config.Servers["custom-ls"]; !ok {
		t.Error("project-only server missing")
	}
	if !res.GlobalServers["gopls"] || !res.ProjectServers["gopls"] {
		t.Error("provenance sets incomplete")
	}
}

func TestLoadLSPFalseDisables(t *testing.T) {
	loader, ws := testWorkspace(t, "", `{"lsp": false}`)
	res := loader.Load(ws)
	if !res.Config.Disabled {
		t.Error("lsp: false in the project file should disable everything")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("lsp: false is valid, got warnings %v", res.Warnings)
	}
}

func TestLoadMalformedJSONDegrades(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"lsp": {"gopls": {"settings": {"gofumpt": true}}}}`,
		`{not json`,
	)
	res := loader.Load(ws)
	if !hasWarning(res, "malformed JSON") {
		t.Errorf("expected malformed JSON warning, got %v", res.Warnings)
	}
	// The valid global layer still applies.
	if res.Config.Servers["gopls"].Settings["gofumpt"] != true {
		t.Error("global contribution lost when project file is malformed")
	}
}

func TestLoadSchemaViolationDegrades(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"lsp": {"gopls": {"command": "not-an-array"}}}`,
		"",
	)
	res := loader.Load(ws)
	if !hasWarning(res, "schema") {
		t.Errorf("expected schema warning, got %v", res.Warnings)
	}
	if len(res.Config.Servers) != 0 {
		t.Error("invalid document should contribute nothing")
	}
}

func TestLoadUntrustedProjectStripsOverrides(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"security": {"trustPolicy": "never"}}`,
		`{
			"lsp": {
				"gopls": {
					"command": ["evil-binary"],
					"env": {"LD_PRELOAD": "/tmp/evil.so"},
					"settings": {"gofumpt": true}
				}
			}
		}`,
	)
	res := loader.Load(ws)
	if res.TrustedProject {
		t.Fatal("trustPolicy never must not trust")
	}
	gopls := res.Config.Servers["gopls"]
	if len(gopls.Command) != 0 {
		t.Errorf("untrusted command survived: %v", gopls.Command)
	}
	if len(gopls.Env) != 0 {
		t.Errorf("untrusted env survived: %v", gopls.Env)
	}
	if gopls.Settings["gofumpt"] != true {
		t.Error("non-sensitive settings should survive untrusted")
	}
}

func TestLoadProjectSecurityIgnored(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"security": {"trustPolicy": "never"}}`,
		`{"security": {"trustPolicy": "always"}, "lsp": {"gopls": {"command": ["evil"]}}}`,
	)
	res := loader.Load(ws)
	if res.TrustedProject {
		t.Error("project file must never widen trust")
	}
	if res.Config.Security.TrustPolicy != TrustNever {
		t.Errorf("security block = %+v, want the global one", res.Config.Security)
	}
	if len(res.Config.Servers["gopls"].Command) != 0 {
		t.Error("command override from untrusted project survived")
	}
}

func TestLoadTrustedOnlyMatchesRoot(t *testing.T) {
	loader, ws := testWorkspace(t, "", `{"lsp": {"gopls": {"command": ["my-gopls"]}}}`)

	// Rewrite the global file to trust this exact workspace.
	global := `{"security": {"trustPolicy": "trusted-only", "trustedRoots": ["` + ws + `"]}}`
	if err := os.WriteFile(loader.globalPath, []byte(global), 0o644); err != nil {
		t.Fatal(err)
	}

	res := loader.Load(ws)
	if !res.TrustedProject {
		t.Fatal("workspace listed in trustedRoots should be trusted")
	}
	if got := res.Config.Servers["gopls"].Command; len(got) != 1 || got[0] != "my-gopls" {
		t.Errorf("trusted command override lost: %v", got)
	}
}

func TestLoadNonAbsoluteTrustedRootWarns(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"security": {"trustPolicy": "trusted-only", "trustedRoots": ["relative/path"]}}`,
		`{"lsp": {"gopls": {"command": ["x"]}}}`,
	)
	res := loader.Load(ws)
	if res.TrustedProject {
		t.Error("relative trustedRoots entries must not grant trust")
	}
	if !hasWarning(res, "non-absolute") {
		t.Errorf("expected non-absolute warning, got %v", res.Warnings)
	}
}

func TestLoadDefaultPolicyIsUntrusted(t *testing.T) {
	loader, ws := testWorkspace(t, "{}", `{"lsp": {"gopls": {"command": ["x"]}}}`)
	res := loader.Load(ws)
	if res.TrustedProject {
		t.Error("absent security block should behave as trusted-only with no roots")
	}
}

func TestLoadSignatureTracksContent(t *testing.T) {
	loader, ws := testWorkspace(t, `{"lsp": {}}`, `{"lsp": {}}`)
	first := loader.Load(ws).Signature

	if again := loader.Load(ws).Signature; again != first {
		t.Error("signature should be stable across identical loads")
	}

	if err := os.WriteFile(filepath.Join(ws, ProjectFileName), []byte(`{"lsp": false}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if changed := loader.Load(ws).Signature; changed == first {
		t.Error("signature should change when a file's content changes")
	}
}

func TestLoadTimingDecodes(t *testing.T) {
	loader, ws := testWorkspace(t,
		`{"timing": {"requestTimeoutMs": 2000, "diagnosticsWaitTimeoutMs": 500}}`,
		"",
	)
	res := loader.Load(ws)
	if got := res.Config.Timing.RequestTimeout().Milliseconds(); got != 2000 {
		t.Errorf("requestTimeout = %dms", got)
	}
	if got := res.Config.Timing.DiagnosticsWaitTimeout().Milliseconds(); got != 500 {
		t.Errorf("diagnosticsWaitTimeout = %dms", got)
	}
	if got := res.Config.Timing.InitializeTimeout(); got != DefaultInitializeTimeout {
		t.Errorf("unset initializeTimeout should default, got %s", got)
	}
}

func TestLoadProjectFileFoundAboveCwd(t *testing.T) {
	loader, ws := testWorkspace(t, "", `{"lsp": {"gopls": {"settings": {"a": 1}}}}`)
	sub := filepath.Join(ws, "deep", "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res := loader.Load(sub)
	if res.ProjectPath != filepath.Join(ws, ProjectFileName) {
		t.Errorf("project file not found from subdirectory: %q", res.ProjectPath)
	}
}
