package lspconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/lspherd/lspherd/internal/workspace"
)

// ProjectFileName is the per-project config file searched upward from cwd.
const ProjectFileName = "lsp.json"

// EnvGlobalConfig overrides the global config file location.
const EnvGlobalConfig = "LSPHERD_CONFIG"

// Loader reads and normalizes the layered configuration.
type Loader struct {
	globalPath string
	logger     *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithGlobalPath overrides the global config file location.
func WithGlobalPath(path string) LoaderOption {
	return func(l *Loader) { l.globalPath = path }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader. Without options the global file comes from
// $LSPHERD_CONFIG or the user config dir.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		globalPath: DefaultGlobalPath(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultGlobalPath returns the global config file location.
func DefaultGlobalPath() string {
	if p := os.Getenv(EnvGlobalConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lspherd", ProjectFileName)
}

// Load reads, validates, trust-gates, and merges the global and project
// configuration for cwd. It never fails: malformed or invalid files degrade
// to an empty contribution plus a warning.
func (l *Loader) Load(cwd string) *Result {
	res := &Result{
		GlobalServers:  make(map[string]bool),
		ProjectServers: make(map[string]bool),
	}

	cwd, err := filepath.Abs(cwd)
	if err == nil {
		res.WorkspaceRoot = workspace.FindRoot(cwd)
	}

	res.GlobalPath = l.globalPath
	res.ProjectPath = findProjectFile(cwd, res.WorkspaceRoot)

	globalRaw, globalData, warns := readConfigFile(res.GlobalPath, "global")
	res.Warnings = append(res.Warnings, warns...)
	projectRaw, projectData, warns := readConfigFile(res.ProjectPath, "project")
	res.Warnings = append(res.Warnings, warns...)

	res.Signature = signatureOf(res.GlobalPath, globalData, res.ProjectPath, projectData)

	// The security block is global-only, decoded before any merging.
	if sec, ok := globalRaw["security"]; ok {
		if err := decodeInto(sec, &res.Config.Security); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("global config: invalid security block: %v", err))
		}
	}

	projectRoot := res.WorkspaceRoot
	if res.ProjectPath != "" {
		projectRoot = filepath.Dir(res.ProjectPath)
	}
	trusted, warns := evaluateTrust(res.Config.Security, projectRoot)
	res.TrustedProject = trusted
	res.Warnings = append(res.Warnings, warns...)

	// Either file setting lsp: false hard-disables the registry, before and
	// regardless of trust.
	res.Config.Disabled = isLSPFalse(globalRaw) || isLSPFalse(projectRaw)

	stripProjectSecurity(projectRaw)
	if !trusted {
		stripUntrustedOverrides(projectRaw)
	}

	recordServerIDs(globalRaw, res.GlobalServers)
	recordServerIDs(projectRaw, res.ProjectServers)

	merged := deepMerge(globalRaw, projectRaw)

	res.Config.Servers = decodeServers(merged, &res.Warnings)
	if timing, ok := merged["timing"]; ok {
		if err := decodeInto(timing, &res.Config.Timing); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("invalid timing block: %v", err))
		}
	}

	if len(res.Warnings) > 0 {
		l.logger.Debug("config loaded with warnings",
			zap.Int("count", len(res.Warnings)),
			zap.Strings("warnings", res.Warnings))
	}
	return res
}

// findProjectFile locates the nearest project config walking upward from
// cwd. When a workspace root exists the search stops there; otherwise it
// continues to the filesystem root.
func findProjectFile(cwd, workspaceRoot string) string {
	if cwd == "" {
		return ""
	}
	for cur := cwd; ; {
		candidate := filepath.Join(cur, ProjectFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if cur == workspaceRoot {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}

// readConfigFile loads and schema-validates one config document. Any
// failure degrades that file to an empty contribution plus a warning. The
// raw bytes are returned even for invalid files so the signature still
// reflects edits to them.
func readConfigFile(path, label string) (map[string]any, []byte, []string) {
	if path == "" {
		return map[string]any{}, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil, nil
		}
		return map[string]any{}, nil, []string{fmt.Sprintf("%s config %s: %v", label, path, err)}
	}
	if !gjson.ValidBytes(data) {
		return map[string]any{}, data, []string{fmt.Sprintf("%s config %s: malformed JSON", label, path)}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]any{}, data, []string{fmt.Sprintf("%s config %s: %v", label, path, err)}
	}
	if err := validateRaw(raw); err != nil {
		return map[string]any{}, data, []string{fmt.Sprintf("%s config %s: schema: %v", label, path, err)}
	}
	return raw, data, nil
}

// isLSPFalse reports whether the document sets lsp to the boolean false.
func isLSPFalse(raw map[string]any) bool {
	v, ok := raw["lsp"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

func recordServerIDs(raw map[string]any, into map[string]bool) {
	servers, ok := raw["lsp"].(map[string]any)
	if !ok {
		return
	}
	for id := range servers {
		into[id] = true
	}
}

// decodeServers extracts the typed server map from the merged document.
func decodeServers(merged map[string]any, warnings *[]string) map[string]ServerConfig {
	out := make(map[string]ServerConfig)
	servers, ok := merged["lsp"].(map[string]any)
	if !ok {
		return out
	}
	for id, v := range servers {
		var sc ServerConfig
		if err := decodeInto(v, &sc); err != nil {
			*warnings = append(*warnings, fmt.Sprintf("server %s: %v", id, err))
			continue
		}
		out[id] = sc
	}
	return out
}

// decodeInto converts a decoded JSON value into a typed target.
func decodeInto(v any, target any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
