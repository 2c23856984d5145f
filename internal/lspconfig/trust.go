package lspconfig

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lspherd/lspherd/internal/workspace"
)

// evaluateTrust applies the global trust policy to the project root.
// Non-absolute trustedRoots entries are ignored with a warning. An unset
// policy is treated as trusted-only, so an empty trust list means untrusted.
func evaluateTrust(sec SecurityConfig, projectRoot string) (bool, []string) {
	switch sec.TrustPolicy {
	case TrustAlways:
		return true, nil
	case TrustNever:
		return false, nil
	case TrustTrustedOnly, "":
	default:
		return false, []string{fmt.Sprintf("unknown trustPolicy %q, treating project as untrusted", sec.TrustPolicy)}
	}

	var warnings []string
	for _, entry := range sec.TrustedRoots {
		if entry == "" {
			continue
		}
		if !filepath.IsAbs(entry) {
			warnings = append(warnings, fmt.Sprintf("ignoring non-absolute trustedRoots entry %q", entry))
			continue
		}
		if trustedRootMatches(entry, projectRoot) {
			return true, warnings
		}
	}
	return false, warnings
}

// trustedRootMatches checks one trusted-root entry against the project root.
// Entries with glob metacharacters match the root path; literal entries
// cover themselves and everything beneath them.
func trustedRootMatches(entry, projectRoot string) bool {
	if strings.ContainsAny(entry, "*?[{") {
		ok, err := doublestar.Match(entry, projectRoot)
		return err == nil && ok
	}
	return workspace.Within(filepath.Clean(entry), projectRoot)
}

// stripProjectSecurity removes the security block from a project document.
// The trust boundary is owned by the global file; a project can never weaken
// or redirect it, trusted or not.
func stripProjectSecurity(raw map[string]any) {
	delete(raw, "security")
}

// stripUntrustedOverrides removes command and env from every server entry of
// an untrusted project document.
func stripUntrustedOverrides(raw map[string]any) {
	servers, ok := raw["lsp"].(map[string]any)
	if !ok {
		return
	}
	for _, v := range servers {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		delete(entry, "command")
		delete(entry, "env")
	}
}
