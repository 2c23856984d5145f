package registry

import "github.com/lspherd/lspherd/internal/lspconfig"

// Builtins returns the builtin server catalog. Each call returns a fresh
// map so callers can never cross-contaminate registries.
func Builtins() map[string]Definition {
	return map[string]Definition{
		"gopls": {
			ID:           "gopls",
			Command:      []string{"gopls"},
			Extensions:   []string{".go"},
			Roots:        []string{"go.work", "go.mod"},
			ExcludeRoots: []string{"vendor"},
			RootMode:     lspconfig.RootModeWorkspaceOrMarker,
			Bootstrap: &BootstrapSpec{
				Runner:  "go",
				Package: "golang.org/x/tools/gopls@latest",
				Bin:     "gopls",
			},
		},
		"rust-analyzer": {
			ID:         "rust-analyzer",
			Command:    []string{"rust-analyzer"},
			Extensions: []string{".rs"},
			Roots:      []string{"Cargo.toml"},
			RootMode:   lspconfig.RootModeWorkspaceOrMarker,
		},
		"typescript-language-server": {
			ID:           "typescript-language-server",
			Command:      []string{"typescript-language-server", "--stdio"},
			Extensions:   []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			Roots:        []string{"tsconfig.json", "jsconfig.json", "package.json"},
			ExcludeRoots: []string{"node_modules"},
			RootMode:     lspconfig.RootModeWorkspaceOrMarker,
			Bootstrap: &BootstrapSpec{
				Runner:  "npm",
				Package: "typescript-language-server",
				Bin:     "typescript-language-server",
			},
		},
		"pyright": {
			ID:         "pyright",
			Command:    []string{"pyright-langserver", "--stdio"},
			Extensions: []string{".py", ".pyi"},
			Roots:      []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt"},
			RootMode:   lspconfig.RootModeWorkspaceOrMarker,
			Bootstrap: &BootstrapSpec{
				Runner:  "npm",
				Package: "pyright",
				Bin:     "pyright-langserver",
			},
		},
		"clangd": {
			ID:         "clangd",
			Command:    []string{"clangd"},
			Extensions: []string{".c", ".h", ".cpp", ".hpp", ".cc", ".cxx"},
			Roots:      []string{"compile_commands.json", ".clangd"},
			RootMode:   lspconfig.RootModeWorkspaceOrMarker,
		},
	}
}
