package lspconfig

import "time"

// TrustPolicy decides whether project-level overrides are honored.
type TrustPolicy string

const (
	// TrustAlways honors every project override.
	TrustAlways TrustPolicy = "always"
	// TrustNever strips command/env overrides from every project file.
	TrustNever TrustPolicy = "never"
	// TrustTrustedOnly honors overrides only for projects whose root matches
	// an absolute entry in trustedRoots (glob patterns supported).
	TrustTrustedOnly TrustPolicy = "trusted-only"
)

// SecurityConfig is the trust boundary. It is always sourced from the
// global file; project files can never contribute to it.
type SecurityConfig struct {
	TrustPolicy        TrustPolicy `json:"trustPolicy,omitempty"`
	TrustedRoots       []string    `json:"trustedRoots,omitempty"`
	AllowExternalPaths bool        `json:"allowExternalPaths,omitempty"`
}

// TimingConfig holds the request budgets in milliseconds. Zero values fall
// back to the package defaults.
type TimingConfig struct {
	RequestTimeoutMs         int `json:"requestTimeoutMs,omitempty"`
	DiagnosticsWaitTimeoutMs int `json:"diagnosticsWaitTimeoutMs,omitempty"`
	InitializeTimeoutMs      int `json:"initializeTimeoutMs,omitempty"`
}

// Default budgets.
const (
	DefaultRequestTimeout         = 15 * time.Second
	DefaultDiagnosticsWaitTimeout = 8 * time.Second
	DefaultInitializeTimeout      = 30 * time.Second
)

// RequestTimeout returns the configured request budget or the default.
func (t TimingConfig) RequestTimeout() time.Duration {
	if t.RequestTimeoutMs > 0 {
		return time.Duration(t.RequestTimeoutMs) * time.Millisecond
	}
	return DefaultRequestTimeout
}

// DiagnosticsWaitTimeout returns the diagnostics wait budget or the default.
func (t TimingConfig) DiagnosticsWaitTimeout() time.Duration {
	if t.DiagnosticsWaitTimeoutMs > 0 {
		return time.Duration(t.DiagnosticsWaitTimeoutMs) * time.Millisecond
	}
	return DefaultDiagnosticsWaitTimeout
}

// InitializeTimeout returns the initialize handshake budget or the default.
func (t TimingConfig) InitializeTimeout() time.Duration {
	if t.InitializeTimeoutMs > 0 {
		return time.Duration(t.InitializeTimeoutMs) * time.Millisecond
	}
	return DefaultInitializeTimeout
}

// RootMode controls the root resolver's fallback behavior for a server.
type RootMode string

const (
	// RootModeWorkspaceOrMarker falls back to the workspace root (or the
	// file's own directory) when no marker matches.
	RootModeWorkspaceOrMarker RootMode = "workspace-or-marker"
	// RootModeMarkerOnly yields no root when no marker matches.
	RootModeMarkerOnly RootMode = "marker-only"
)

// ServerConfig is one server entry as users write it in a config file.
type ServerConfig struct {
	Disabled     *bool             `json:"disabled,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Extensions   []string          `json:"extensions,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	InitOptions  map[string]any    `json:"initialization,omitempty"`
	Settings     map[string]any    `json:"settings,omitempty"`
	Roots        []string          `json:"roots,omitempty"`
	ExcludeRoots []string          `json:"excludeRoots,omitempty"`
	RootMode     RootMode          `json:"rootMode,omitempty"`
}

// Config is the normalized configuration after merging and trust gating.
type Config struct {
	// Disabled is true when either file sets lsp: false.
	Disabled bool
	Servers  map[string]ServerConfig
	Security SecurityConfig
	Timing   TimingConfig
}

// Result is everything a Load produces. Load never fails; malformed input
// turns into Warnings and an effectively-empty contribution.
type Result struct {
	Config         Config
	Warnings       []string
	TrustedProject bool

	// WorkspaceRoot is the nearest ancestor of cwd with a VCS marker,
	// falling back to cwd itself.
	WorkspaceRoot string
	// GlobalPath and ProjectPath are the config files consulted; ProjectPath
	// is empty when no project file was found.
	GlobalPath  string
	ProjectPath string

	// GlobalServers and ProjectServers record which file contributed each
	// server id, for registry provenance.
	GlobalServers  map[string]bool
	ProjectServers map[string]bool

	// Signature changes whenever either file's content or location changes.
	Signature uint64
}
