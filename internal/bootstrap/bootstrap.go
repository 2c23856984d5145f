// Package bootstrap resolves language server executables and launches the
// child processes, auto-installing builtin servers into a private managed
// binary directory when they are missing. All failures cross the package
// boundary as structured ESPAWN errors, never unstructured panics.
package bootstrap

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lspherd/lspherd/internal/registry"
)

// Environment toggles.
const (
	// EnvDisableAutoInstall suppresses all bootstrap attempts when truthy.
	EnvDisableAutoInstall = "LSPHERD_DISABLE_AUTOINSTALL"
	// EnvDataDir overrides the managed binary directory's parent.
	EnvDataDir = "LSPHERD_DATA_DIR"
)

// Bootstrapper resolves and spawns server processes. It is owned by one
// orchestrator instance; the install single-flight map is a field, not a
// process-wide singleton, so multiple orchestrators never share state.
type Bootstrapper struct {
	managedDir string
	disabled   bool
	logger     *zap.Logger

	installs   singleflight.Group
	runInstall InstallRunner
}

// InstallRunner performs one package installation into the managed dir.
type InstallRunner func(spec *registry.BootstrapSpec, managedDir string) error

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithManagedDir overrides the managed binary directory.
func WithManagedDir(dir string) Option {
	return func(b *Bootstrapper) { b.managedDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bootstrapper) { b.logger = logger }
}

// WithInstallRunner replaces the install runner (used by tests).
func WithInstallRunner(run InstallRunner) Option {
	return func(b *Bootstrapper) { b.runInstall = run }
}

// WithAutoInstallDisabled forces the auto-install toggle.
func WithAutoInstallDisabled(disabled bool) Option {
	return func(b *Bootstrapper) { b.disabled = disabled }
}

// New creates a Bootstrapper. Auto-install is disabled when the
// LSPHERD_DISABLE_AUTOINSTALL environment value is truthy.
func New(opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		managedDir: DefaultManagedDir(),
		disabled:   truthy(os.Getenv(EnvDisableAutoInstall)),
		logger:     zap.NewNop(),
	}
	b.runInstall = defaultInstallRunner
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DefaultManagedDir returns the private directory managed binaries are
// installed into.
func DefaultManagedDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return filepath.Join(dir, "bin")
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(cache, "lspherd", "bin")
}

// truthy treats any value other than "", "0", and "false" as set.
func truthy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v != "" && v != "0" && v != "false"
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// resolveBinary locates an executable against PATH plus the managed
// directory, with platform executable-suffix handling.
func (b *Bootstrapper) resolveBinary(name string) (string, bool) {
	if strings.ContainsRune(name, os.PathSeparator) || filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, true
		}
		if isExecutable(name + exeSuffix()) {
			return name + exeSuffix(), true
		}
		return "", false
	}
	if p, err := lookPath(name); err == nil {
		return p, true
	}
	if b.managedDir == "" {
		return "", false
	}
	candidates := []string{
		filepath.Join(b.managedDir, name+exeSuffix()),
		filepath.Join(b.managedDir, "bin", name+exeSuffix()),
		filepath.Join(b.managedDir, "node_modules", ".bin", name+exeSuffix()),
	}
	for _, c := range candidates {
		if isExecutable(c) {
			return c, true
		}
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}
