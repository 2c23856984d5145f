// Package registry combines the builtin server catalog with the normalized
// user configuration into immutable server definitions with provenance.
// Definitions are rebuilt whenever the config signature changes; they are
// never mutated in place.
package registry

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lspherd/lspherd/internal/lspconfig"
)

// Provenance records which configuration sources contributed a definition.
type Provenance string

const (
	ProvenanceBuiltin Provenance = "builtin"
	ProvenanceGlobal  Provenance = "global"
	ProvenanceProject Provenance = "project"
	ProvenanceMerged  Provenance = "merged"
)

// BootstrapSpec describes how to auto-install a builtin server's backing
// package into the managed binary directory.
type BootstrapSpec struct {
	// Runner selects the install tool: "go" or "npm".
	Runner string
	// Package is the package spec handed to the runner.
	Package string
	// Bin is the binary name the install produces.
	Bin string
}

// Definition is one server entry after merging builtin defaults with user
// configuration. Immutable once built.
type Definition struct {
	ID           string
	Disabled     bool
	Provenance   Provenance
	Command      []string
	Extensions   []string
	Env          map[string]string
	InitOptions  map[string]any
	Settings     map[string]any
	Roots        []string
	ExcludeRoots []string
	RootMode     lspconfig.RootMode
	Bootstrap    *BootstrapSpec
}

// MarkerOnly reports whether the definition requires a marker match to
// resolve a root.
func (d Definition) MarkerOnly() bool {
	return d.RootMode == lspconfig.RootModeMarkerOnly
}

// Matches reports whether the definition handles the given file. Extension
// entries are suffixes like ".go"; entries with glob metacharacters are
// matched against the file's base name.
func (d Definition) Matches(path string) bool {
	base := filepath.Base(path)
	for _, ext := range d.Extensions {
		if ext == "" {
			continue
		}
		if strings.ContainsAny(ext, "*?[{") {
			if ok, _ := doublestar.Match(ext, base); ok {
				return true
			}
			continue
		}
		if strings.HasPrefix(ext, ".") {
			if strings.HasSuffix(base, ext) {
				return true
			}
			continue
		}
		if strings.TrimPrefix(filepath.Ext(base), ".") == ext {
			return true
		}
	}
	return false
}

// Build unions the builtin catalog with the merged configuration. Builtin
// defaults merge field-wise with the user entry; arrays and maps replace
// rather than concatenate, following the config merge rule. A server with
// no builtin entry and zero configured extensions could never match a file
// and is implicitly disabled.
func Build(res *lspconfig.Result) map[string]Definition {
	builtins := Builtins()
	out := make(map[string]Definition, len(builtins)+len(res.Config.Servers))

	ids := make(map[string]bool, len(builtins)+len(res.Config.Servers))
	for id := range builtins {
		ids[id] = true
	}
	for id := range res.Config.Servers {
		ids[id] = true
	}

	for id := range ids {
		def, isBuiltin := builtins[id]
		def.ID = id
		if def.RootMode == "" {
			def.RootMode = lspconfig.RootModeWorkspaceOrMarker
		}

		if sc, ok := res.Config.Servers[id]; ok {
			applyOverride(&def, sc)
		}

		if !isBuiltin && len(def.Extensions) == 0 {
			def.Disabled = true
		}
		if res.Config.Disabled {
			def.Disabled = true
		}

		def.Provenance = provenanceOf(id, isBuiltin, res)
		out[id] = def
	}
	return out
}

// applyOverride merges one user entry over the builtin defaults. Set fields
// replace wholesale.
func applyOverride(def *Definition, sc lspconfig.ServerConfig) {
	if sc.Disabled != nil {
		def.Disabled = *sc.Disabled
	}
	if len(sc.Command) > 0 {
		def.Command = sc.Command
	}
	if len(sc.Extensions) > 0 {
		def.Extensions = sc.Extensions
	}
	if len(sc.Env) > 0 {
		def.Env = sc.Env
	}
	if len(sc.InitOptions) > 0 {
		def.InitOptions = sc.InitOptions
	}
	if len(sc.Settings) > 0 {
		def.Settings = sc.Settings
	}
	if len(sc.Roots) > 0 {
		def.Roots = sc.Roots
	}
	if len(sc.ExcludeRoots) > 0 {
		def.ExcludeRoots = sc.ExcludeRoots
	}
	if sc.RootMode != "" {
		def.RootMode = sc.RootMode
	}
}

func provenanceOf(id string, isBuiltin bool, res *lspconfig.Result) Provenance {
	sources := 0
	var last Provenance
	if isBuiltin {
		sources++
		last = ProvenanceBuiltin
	}
	if res.GlobalServers[id] {
		sources++
		last = ProvenanceGlobal
	}
	if res.ProjectServers[id] {
		sources++
		last = ProvenanceProject
	}
	if sources > 1 {
		return ProvenanceMerged
	}
	if sources == 0 {
		return ProvenanceBuiltin
	}
	return last
}
