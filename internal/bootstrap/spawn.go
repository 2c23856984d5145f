package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"reflect"

	"go.uber.org/zap"

	"github.com/lspherd/lspherd/internal/lsperr"
	"github.com/lspherd/lspherd/internal/registry"
)

// lookPath is swapped by tests to control binary resolution.
var lookPath = exec.LookPath

// Process is one running language server child.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// Path is the resolved executable the process was launched from.
	Path string
}

// Reader returns the server's stdout.
func (p *Process) Reader() io.Reader { return p.stdout }

// Writer returns the server's stdin.
func (p *Process) Writer() io.WriteCloser { return p.stdin }

// Stderr returns the server's stderr stream.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Wait blocks until the process exits.
func (p *Process) Wait() error { return p.cmd.Wait() }

// Signal delivers sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Pid returns the child's process id, or 0 before start.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Spawn resolves the definition's command and launches the server process
// rooted at root. When the binary is unresolved, the command matches the
// builtin default, and auto-install is enabled, one installation attempt is
// made; concurrent callers for the same server id share a single in-flight
// install.
func (b *Bootstrapper) Spawn(ctx context.Context, def registry.Definition, root string) (*Process, error) {
	if len(def.Command) == 0 {
		return nil, spawnErr(def, root, "no command configured", nil)
	}

	bin := def.Command[0]
	path, ok := b.resolveBinary(bin)
	if !ok {
		path, ok = b.install(ctx, def)
		if !ok {
			return nil, spawnErr(def, root, fmt.Sprintf("executable %q not found", bin), nil)
		}
	}

	cmd := exec.Command(path, def.Command[1:]...)
	cmd.Dir = root
	cmd.Env = os.Environ()
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnErr(def, root, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, spawnErr(def, root, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, spawnErr(def, root, "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, spawnErr(def, root, "start process", err)
	}

	b.logger.Debug("spawned language server",
		zap.String("server", def.ID),
		zap.String("root", root),
		zap.String("path", path),
		zap.Int("pid", cmd.Process.Pid))

	return &Process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr, Path: path}, nil
}

// install attempts a one-time auto-install and re-resolves the binary.
// Returns false when no bootstrap strategy applies or installation failed.
func (b *Bootstrapper) install(ctx context.Context, def registry.Definition) (string, bool) {
	if b.disabled || def.Bootstrap == nil || b.managedDir == "" {
		return "", false
	}
	// Only bootstrap when the user did not override the builtin command;
	// an overridden command pointing at a missing binary is a user error,
	// not something to paper over with an install.
	builtin, ok := registry.Builtins()[def.ID]
	if !ok || !reflect.DeepEqual(def.Command, builtin.Command) {
		return "", false
	}
	if err := ctx.Err(); err != nil {
		return "", false
	}

	_, err, _ := b.installs.Do(def.ID, func() (any, error) {
		b.logger.Info("installing language server",
			zap.String("server", def.ID),
			zap.String("package", def.Bootstrap.Package),
			zap.String("dir", b.managedDir))
		return nil, b.runInstall(def.Bootstrap, b.managedDir)
	})
	if err != nil {
		b.logger.Warn("language server install failed",
			zap.String("server", def.ID), zap.Error(err))
		return "", false
	}
	return b.resolveBinary(def.Command[0])
}

func spawnErr(def registry.Definition, root, message string, err error) *lsperr.Error {
	e := &lsperr.Error{
		Code:     lsperr.CodeSpawn,
		ServerID: def.ID,
		Root:     root,
		Command:  def.Command,
		Message:  message,
		Err:      err,
	}
	return e
}
