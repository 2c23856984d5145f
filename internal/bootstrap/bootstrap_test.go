package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lspherd/lspherd/internal/lsperr"
	"github.com/lspherd/lspherd/internal/registry"
)

// fakeExecutable drops an executable file at path.
func fakeExecutable(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

// stubLookPath makes PATH resolution fail for everything during the test.
func stubLookPath(t *testing.T) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		return "", errors.New("not on PATH")
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestResolveBinaryManagedDir(t *testing.T) {
	stubLookPath(t)
	dir := t.TempDir()
	b := New(WithManagedDir(dir))

	if _, ok := b.resolveBinary("gopls"); ok {
		t.Fatal("missing binary resolved")
	}

	fakeExecutable(t, filepath.Join(dir, "gopls"))
	path, ok := b.resolveBinary("gopls")
	if !ok || path != filepath.Join(dir, "gopls") {
		t.Errorf("resolve = (%q, %t)", path, ok)
	}
}

func TestResolveBinaryNodeModules(t *testing.T) {
	stubLookPath(t)
	dir := t.TempDir()
	b := New(WithManagedDir(dir))

	fakeExecutable(t, filepath.Join(dir, "node_modules", ".bin", "pyright-langserver"))
	if _, ok := b.resolveBinary("pyright-langserver"); !ok {
		t.Error("npm-installed binary under node_modules/.bin not found")
	}
}

func TestResolveBinaryNonExecutableRejected(t *testing.T) {
	stubLookPath(t)
	dir := t.TempDir()
	b := New(WithManagedDir(dir))

	plain := filepath.Join(dir, "gopls")
	if err := os.WriteFile(plain, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.resolveBinary("gopls"); ok {
		t.Error("non-executable file resolved")
	}
}

func TestResolveBinaryExplicitPath(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "custom-ls")
	fakeExecutable(t, exe)

	b := New(WithManagedDir(""))
	path, ok := b.resolveBinary(exe)
	if !ok || path != exe {
		t.Errorf("absolute path resolve = (%q, %t)", path, ok)
	}
}

func TestSpawnNoCommand(t *testing.T) {
	b := New()
	_, err := b.Spawn(context.Background(), registry.Definition{ID: "ghost"}, "/tmp")
	if err == nil {
		t.Fatal("expected an error")
	}
	var se *lsperr.Error
	if !errors.As(err, &se) {
		t.Fatalf("error is not structured: %v", err)
	}
	if se.Code != lsperr.CodeSpawn || se.ServerID != "ghost" {
		t.Errorf("error = %+v, want ESPAWN for ghost", se)
	}
}

func TestSpawnMissingBinaryStructuredError(t *testing.T) {
	stubLookPath(t)
	b := New(WithManagedDir(t.TempDir()), WithAutoInstallDisabled(true))

	def := registry.Definition{
		ID:      "rust-analyzer",
		Command: []string{"rust-analyzer"},
	}
	_, err := b.Spawn(context.Background(), def, "/work/proj")
	var se *lsperr.Error
	if !errors.As(err, &se) {
		t.Fatalf("error is not structured: %v", err)
	}
	if se.Code != lsperr.CodeSpawn {
		t.Errorf("code = %s, want ESPAWN", se.Code)
	}
	if se.Root != "/work/proj" || len(se.Command) == 0 {
		t.Errorf("error lacks identity: %+v", se)
	}
}

func TestInstallSingleFlight(t *testing.T) {
	stubLookPath(t)
	dir := t.TempDir()

	var calls atomic.Int32
	runner := func(spec *registry.BootstrapSpec, managedDir string) error {
		calls.Add(1)
		if err := os.MkdirAll(managedDir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(managedDir, spec.Bin), []byte("#!/bin/sh\n"), 0o755)
	}
	b := New(WithManagedDir(dir), WithInstallRunner(runner))

	def := registry.Builtins()["gopls"]

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.install(context.Background(), def); !ok {
				t.Error("install did not produce a resolvable binary")
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("install runner ran %d times, want 1", got)
	}
}

func TestInstallSkippedForOverriddenCommand(t *testing.T) {
	stubLookPath(t)
	var calls atomic.Int32
	b := New(
		WithManagedDir(t.TempDir()),
		WithInstallRunner(func(*registry.BootstrapSpec, string) error {
			calls.Add(1)
			return nil
		}),
	)

	def := registry.Builtins()["gopls"]
	def.Command = []string{"/opt/custom/gopls"} // user override

	if _, ok := b.install(context.Background(), def); ok {
		t.Error("install should not apply to overridden commands")
	}
	if calls.Load() != 0 {
		t.Error("install runner ran for an overridden command")
	}
}

func TestInstallDisabled(t *testing.T) {
	stubLookPath(t)
	var calls atomic.Int32
	b := New(
		WithManagedDir(t.TempDir()),
		WithAutoInstallDisabled(true),
		WithInstallRunner(func(*registry.BootstrapSpec, string) error {
			calls.Add(1)
			return nil
		}),
	)

	def := registry.Builtins()["gopls"]
	if _, ok := b.install(context.Background(), def); ok || calls.Load() != 0 {
		t.Error("disabled bootstrapper attempted an install")
	}
}

func TestTruthy(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"FALSE": false,
		"1":     true,
		"true":  true,
		"yes":   true,
	}
	for in, want := range cases {
		if got := truthy(in); got != want {
			t.Errorf("truthy(%q) = %t, want %t", in, got, want)
		}
	}
}
