// Package workspace resolves the directory scopes language servers operate
// over: the VCS workspace root, per-server project roots derived from marker
// files, and the path boundary that keeps requests inside the project.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// vcsMarkers identify a workspace root, nearest ancestor wins.
var vcsMarkers = []string{".git", ".hg", ".svn", ".jj"}

// FindRoot returns the nearest ancestor of dir containing a VCS marker,
// falling back to dir itself.
func FindRoot(dir string) string {
	dir = filepath.Clean(dir)
	for cur := dir; ; {
		for _, marker := range vcsMarkers {
			if _, err := os.Lstat(filepath.Join(cur, marker)); err == nil {
				return cur
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// ResolveRoot finds the project root a server instance should operate over
// for the given file.
//
// Exclusion is absolute and checked first: if any excludeRoots marker
// matches an ancestor directory, there is no root. Then ancestors from the
// file's directory up to (not past) the workspace root are tested against
// the roots markers; the first directory containing a match wins. Without a
// marker match, marker-only servers get no root, other servers fall back to
// the workspace root when the file is inside it, else to the file's own
// directory so single files outside any project layout still work.
func ResolveRoot(filePath string, roots, excludeRoots []string, markerOnly bool, workspaceRoot string) (string, bool) {
	dir := filepath.Dir(filepath.Clean(filePath))

	if excludedAncestor(dir, excludeRoots, workspaceRoot) {
		return "", false
	}

	for cur := dir; ; {
		if matchesAnyMarker(cur, roots) {
			return cur, true
		}
		if cur == workspaceRoot {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	if markerOnly {
		return "", false
	}
	if workspaceRoot != "" && Within(workspaceRoot, dir) {
		return workspaceRoot, true
	}
	return dir, true
}

// excludedAncestor reports whether any ancestor directory of dir (up to and
// including the workspace root) matches an exclude marker. Markers are
// directory names, optionally with a trailing slash or glob metacharacters.
func excludedAncestor(dir string, excludeRoots []string, workspaceRoot string) bool {
	for cur := dir; ; {
		base := filepath.Base(cur)
		for _, marker := range excludeRoots {
			name := strings.TrimSuffix(marker, "/")
			if name == "" {
				continue
			}
			if hasGlobMeta(name) {
				if ok, _ := doublestar.Match(name, base); ok {
					return true
				}
			} else if base == name {
				return true
			}
		}
		if cur == workspaceRoot {
			return false
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return false
		}
		cur = parent
	}
}

// matchesAnyMarker reports whether dir contains an entry matching one of the
// root markers. A marker without glob metacharacters is an exact
// filename/dirname existence check; otherwise it is matched against the
// directory listing.
func matchesAnyMarker(dir string, markers []string) bool {
	var entries []os.DirEntry
	listed := false
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if !hasGlobMeta(marker) {
			if _, err := os.Lstat(filepath.Join(dir, marker)); err == nil {
				return true
			}
			continue
		}
		if !listed {
			entries, _ = os.ReadDir(dir)
			listed = true
		}
		for _, e := range entries {
			if ok, _ := doublestar.Match(marker, e.Name()); ok {
				return true
			}
		}
	}
	return false
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// Within reports whether path is root or inside it.
func Within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// Boundary restricts which file paths requests may touch: every path is
// resolved to its real absolute form and must fall inside one of the
// boundary roots unless external paths are allowed.
type Boundary struct {
	Roots         []string
	AllowExternal bool
}

// Check resolves path to its real (symlink-resolved) absolute form and
// verifies it against the boundary. The resolved path is returned so callers
// always operate on canonical paths.
func (b Boundary) Check(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The file may not exist yet; canonicalize the parent instead.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(abs))
		if perr != nil {
			return "", fmt.Errorf("resolve %s: %w", path, err)
		}
		real = filepath.Join(parent, filepath.Base(abs))
	}
	if b.AllowExternal {
		return real, nil
	}
	for _, root := range b.Roots {
		if root == "" {
			continue
		}
		if Within(root, real) {
			return real, nil
		}
	}
	return "", fmt.Errorf("path %s is outside the workspace boundary", real)
}
