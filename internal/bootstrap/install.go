package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lspherd/lspherd/internal/registry"
)

// installTimeout bounds one package installation.
const installTimeout = 5 * time.Minute

// defaultInstallRunner installs a server package into the managed directory
// using the strategy's runner. Command output is folded into the error on
// failure.
func defaultInstallRunner(spec *registry.BootstrapSpec, managedDir string) error {
	if err := os.MkdirAll(managedDir, 0o755); err != nil {
		return fmt.Errorf("create managed dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
	defer cancel()

	var cmd *exec.Cmd
	switch spec.Runner {
	case "go":
		cmd = exec.CommandContext(ctx, "go", "install", spec.Package)
		cmd.Env = append(os.Environ(), "GOBIN="+managedDir)
	case "npm":
		cmd = exec.CommandContext(ctx, "npm", "install", "-g",
			"--prefix", managedDir, "--no-fund", "--no-audit", spec.Package)
		cmd.Env = os.Environ()
	default:
		return fmt.Errorf("no install strategy for runner %q", spec.Runner)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s install %s: %w: %s", spec.Runner, spec.Package, err, tail(out, 512))
	}
	return nil
}

// tail returns the last n bytes of command output, trimmed.
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
