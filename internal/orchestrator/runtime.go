package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lspherd/lspherd/internal/bootstrap"
	"github.com/lspherd/lspherd/internal/lspconfig"
	"github.com/lspherd/lspherd/internal/lsperr"
	"github.com/lspherd/lspherd/internal/protocol"
	"github.com/lspherd/lspherd/internal/registry"
	"github.com/lspherd/lspherd/internal/workspace"
)

// Backoff schedule for broken (server, root) keys. Attempts grow the delay
// geometrically up to the cap; a successful spawn clears the key entirely.
const (
	backoffBase = 5 * time.Second
	backoffCap  = 60 * time.Second
)

// SpawnFunc launches a server process; swapped by tests.
type SpawnFunc func(ctx context.Context, def registry.Definition, root string) (protocol.Process, error)

// BrokenState records why a (server, root) key is not being retried yet.
type BrokenState struct {
	Attempts  int
	RetryAt   time.Time
	LastError error
}

// Runtime is the orchestration core. One Runtime serves one working
// directory; all methods are safe for concurrent use.
type Runtime struct {
	cwd    string
	loader *lspconfig.Loader
	boot   *bootstrap.Bootstrapper
	logger *zap.Logger
	spawn  SpawnFunc

	mu       sync.Mutex
	flight   *singleflight.Group
	res      *lspconfig.Result
	defs     map[string]registry.Definition
	clients  map[string]*protocol.Client
	spawning map[string]bool
	broken   map[string]*BrokenState

	rngMu sync.Mutex
	rng   *rand.Rand

	watcher *lspconfig.Watcher
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithLoader replaces the config loader.
func WithLoader(l *lspconfig.Loader) Option {
	return func(r *Runtime) { r.loader = l }
}

// WithBootstrapper replaces the process bootstrapper.
func WithBootstrapper(b *bootstrap.Bootstrapper) Option {
	return func(r *Runtime) { r.boot = b }
}

// WithSpawnFunc replaces process spawning; used by tests to run clients
// over in-memory pipes.
func WithSpawnFunc(fn SpawnFunc) Option {
	return func(r *Runtime) { r.spawn = fn }
}

// New creates a Runtime rooted at cwd. Configuration is loaded lazily on
// first use and reloaded whenever its signature changes.
func New(cwd string, opts ...Option) *Runtime {
	r := &Runtime{
		cwd:      cwd,
		logger:   zap.NewNop(),
		flight:   &singleflight.Group{},
		clients:  make(map[string]*protocol.Client),
		spawning: make(map[string]bool),
		broken:   make(map[string]*BrokenState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = lspconfig.NewLoader(lspconfig.WithLogger(r.logger))
	}
	if r.boot == nil {
		r.boot = bootstrap.New(bootstrap.WithLogger(r.logger))
	}
	if r.spawn == nil {
		r.spawn = func(ctx context.Context, def registry.Definition, root string) (protocol.Process, error) {
			return r.boot.Spawn(ctx, def, root)
		}
	}
	return r
}

// clientKey identifies one server instance scoped to one root.
func clientKey(serverID, root string) string {
	return serverID + "::" + root
}

// refresh reloads configuration and rebuilds the registry when the config
// signature changed. Clients whose definition changed or became disabled
// are retired asynchronously; backoff state and the spawn guard reset so
// the new configuration gets a clean slate.
func (r *Runtime) refresh() (*lspconfig.Result, map[string]registry.Definition) {
	res := r.loader.Load(r.cwd)

	r.mu.Lock()
	if r.res != nil && r.res.Signature == res.Signature {
		defer r.mu.Unlock()
		return r.res, r.defs
	}

	defs := registry.Build(res)
	first := r.res == nil
	oldDefs := r.defs
	r.res = res
	r.defs = defs
	r.broken = make(map[string]*BrokenState)
	// A fresh group, never a reassignment of the old one: in-flight spawns
	// finish on the group they started on while new callers get a clean
	// slate. The pointer is only read under r.mu.
	r.flight = &singleflight.Group{}

	var retire []*protocol.Client
	for key, c := range r.clients {
		def, ok := defs[c.ServerID()]
		if ok && !def.Disabled && reflect.DeepEqual(def, oldDefs[c.ServerID()]) {
			continue
		}
		delete(r.clients, key)
		retire = append(retire, c)
	}
	r.mu.Unlock()

	if !first {
		r.logger.Info("configuration changed",
			zap.Uint64("signature", res.Signature),
			zap.Int("retired", len(retire)))
	}
	for _, c := range retire {
		go func(c *protocol.Client) {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = c.Shutdown(sctx)
		}(c)
	}
	return res, defs
}

// boundary builds the path boundary from the current config.
func (r *Runtime) boundary(res *lspconfig.Result) workspace.Boundary {
	return workspace.Boundary{
		Roots:         []string{res.WorkspaceRoot},
		AllowExternal: res.Config.Security.AllowExternalPaths,
	}
}

// target is one (definition, root) pair that should serve a file.
type target struct {
	def  registry.Definition
	root string
}

// targetsFor resolves every enabled matching server and its root for path.
func (r *Runtime) targetsFor(res *lspconfig.Result, defs map[string]registry.Definition, path string) []target {
	var out []target
	for _, def := range defs {
		if def.Disabled || !def.Matches(path) {
			continue
		}
		root, ok := workspace.ResolveRoot(path, def.Roots, def.ExcludeRoots, def.MarkerOnly(), res.WorkspaceRoot)
		if !ok {
			continue
		}
		out = append(out, target{def: def, root: root})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].def.ID < out[j].def.ID })
	return out
}

// acquire returns a ready client for the target, reusing a live one or
// spawning behind a single-flight guard. A key inside its backoff window
// fails fast with EBROKEN.
func (r *Runtime) acquire(ctx context.Context, res *lspconfig.Result, t target) (*protocol.Client, error) {
	key := clientKey(t.def.ID, t.root)

	r.mu.Lock()
	flight := r.flight
	if bs, ok := r.broken[key]; ok && time.Now().Before(bs.RetryAt) {
		attempts, retryAt := bs.Attempts, bs.RetryAt
		r.mu.Unlock()
		return nil, &lsperr.Error{
			Code:     lsperr.CodeBroken,
			ServerID: t.def.ID,
			Root:     t.root,
			Message: fmt.Sprintf("backing off after %d failed attempt(s), retry at %s",
				attempts, retryAt.Format(time.RFC3339)),
		}
	}
	if c, ok := r.clients[key]; ok && c.State() != protocol.StateClosed {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	v, err, _ := flight.Do(key, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.clients[key]; ok && c.State() != protocol.StateClosed {
			r.mu.Unlock()
			return c, nil
		}
		r.spawning[key] = true
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.spawning, key)
			r.mu.Unlock()
		}()

		c, err := r.spawnClient(ctx, res, t)
		if err != nil {
			r.markBroken(key, err)
			return nil, err
		}

		r.mu.Lock()
		delete(r.broken, key)
		r.clients[key] = c
		r.mu.Unlock()
		go r.watchExit(key, c)
		return c, nil
	})
	if err != nil {
		return nil, lsperr.Coerce(t.def.ID, t.root, err)
	}
	return v.(*protocol.Client), nil
}

// spawnClient launches the process and runs the initialize handshake.
func (r *Runtime) spawnClient(ctx context.Context, res *lspconfig.Result, t target) (*protocol.Client, error) {
	proc, err := r.spawn(ctx, t.def, t.root)
	if err != nil {
		return nil, err
	}
	c := protocol.NewClient(protocol.ClientConfig{
		ServerID: t.def.ID,
		Root:     t.root,
		Process:  proc,
		Settings: t.def.Settings,
		Timing:   res.Config.Timing,
		Logger:   r.logger,
	})
	if err := c.Initialize(ctx, t.def.InitOptions); err != nil {
		return nil, err
	}
	r.logger.Info("language server connected",
		zap.String("server", t.def.ID), zap.String("root", t.root))
	return c, nil
}

// watchExit retires the client when its process dies. A deliberate
// shutdown removes the client from the map first, so only unexpected
// deaths mark the key broken.
func (r *Runtime) watchExit(key string, c *protocol.Client) {
	<-c.Done()
	r.mu.Lock()
	unexpected := r.clients[key] == c
	if unexpected {
		delete(r.clients, key)
	}
	r.mu.Unlock()
	if !unexpected {
		return
	}
	cause := c.ExitErr()
	err := lsperr.Wrap(lsperr.CodePipe, c.ServerID(), c.Root(),
		fmt.Errorf("server exited unexpectedly: %w", orErr(cause)))
	r.markBroken(key, err)
	r.logger.Warn("language server died",
		zap.String("server", c.ServerID()), zap.String("root", c.Root()),
		zap.Error(cause))
}

func orErr(err error) error {
	if err == nil {
		return fmt.Errorf("exit status unknown")
	}
	return err
}

// markBroken records a failure and schedules the next retry with capped
// exponential backoff and jitter.
func (r *Runtime) markBroken(key string, cause error) {
	r.mu.Lock()
	bs := r.broken[key]
	if bs == nil {
		bs = &BrokenState{}
		r.broken[key] = bs
	}
	bs.Attempts++
	bs.LastError = cause
	bs.RetryAt = time.Now().Add(r.backoff(bs.Attempts))
	r.mu.Unlock()
}

// backoff computes the delay for the nth consecutive failure: base doubled
// per attempt, capped, with multiplicative jitter in [0.8, 1.2].
func (r *Runtime) backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	r.rngMu.Lock()
	jitter := 0.8 + 0.4*r.rng.Float64()
	r.rngMu.Unlock()
	return time.Duration(float64(d) * jitter)
}

// Broken returns a copy of the current backoff table keyed by
// "server::root".
func (r *Runtime) Broken() map[string]BrokenState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BrokenState, len(r.broken))
	for k, v := range r.broken {
		out[k] = *v
	}
	return out
}

// Config returns the current load result, refreshing first.
func (r *Runtime) Config(ctx context.Context) *lspconfig.Result {
	res, _ := r.refresh()
	return res
}

// BoundaryRoots returns the roots the path boundary currently admits.
func (r *Runtime) BoundaryRoots() []string {
	res, _ := r.refresh()
	return r.boundary(res).Roots
}

// AllowExternalPaths reports whether files outside the boundary roots are
// admitted.
func (r *Runtime) AllowExternalPaths() bool {
	res, _ := r.refresh()
	return res.Config.Security.AllowExternalPaths
}

// WatchConfig starts a filesystem watcher over the config files and
// refreshes the fleet on change. Close the runtime to stop it.
func (r *Runtime) WatchConfig(ctx context.Context) error {
	res, _ := r.refresh()
	paths := []string{res.GlobalPath}
	if res.ProjectPath != "" {
		paths = append(paths, res.ProjectPath)
	}
	w, err := lspconfig.NewWatcher(paths, func(path string) {
		r.logger.Debug("config file changed", zap.String("path", path))
		r.refresh()
	}, r.logger)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Shutdown retires every client, best effort, each within its own bounded
// escalation. The config watcher stops first.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.watcher != nil {
		_ = r.watcher.Close()
		r.watcher = nil
	}
	clients := make([]*protocol.Client, 0, len(r.clients))
	for key, c := range r.clients {
		delete(r.clients, key)
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.Shutdown(ctx); err != nil {
			r.logger.Warn("shutdown failed",
				zap.String("server", c.ServerID()), zap.String("root", c.Root()),
				zap.Error(err))
		}
	}
}
