package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lspherd/lspherd/internal/lspconfig"
	"github.com/lspherd/lspherd/internal/lsperr"
)

// State is the client lifecycle. Closed is reachable from any state on
// process exit or transport error; every other transition is guarded.
type State int32

const (
	StateSpawned State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Process abstracts the spawned child so tests can drive a client over
// pipes without a real server binary.
type Process interface {
	Reader() io.Reader
	Writer() io.WriteCloser
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// Shutdown escalation budgets. Shutdown must never hang on an unresponsive
// process: request, exit grace, SIGTERM, SIGKILL, each bounded.
const (
	shutdownRequestTimeout = 2 * time.Second
	exitGrace              = 2 * time.Second
	termGrace              = 2 * time.Second
	killGrace              = time.Second
)

// Client is the per-process LSP protocol engine: request correlation,
// document sync, diagnostics tracking, and bounded shutdown for one running
// server instance scoped to one root.
type Client struct {
	serverID string
	root     string

	proc      Process
	transport *Transport
	timing    lspconfig.TimingConfig
	settings  map[string]any
	logger    *zap.Logger

	state atomic.Int32

	capsMu       sync.Mutex
	capabilities json.RawMessage
	serverInfo   *ServerInfo

	docsMu sync.Mutex
	docs   map[DocumentURI]int // open document versions

	diags *diagnosticsStore

	lastActivity atomic.Int64 // unix nanos

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}
}

// ClientConfig assembles a Client.
type ClientConfig struct {
	ServerID string
	Root     string
	Process  Process
	Settings map[string]any
	Timing   lspconfig.TimingConfig
	Logger   *zap.Logger
}

// NewClient wires a client over the process's stdio and starts the read
// and exit-monitor goroutines. The caller must Initialize before issuing
// requests.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("server", cfg.ServerID), zap.String("root", cfg.Root))

	c := &Client{
		serverID: cfg.ServerID,
		root:     cfg.Root,
		proc:     cfg.Process,
		timing:   cfg.Timing,
		settings: cfg.Settings,
		logger:   logger,
		docs:     make(map[DocumentURI]int),
		diags:    newDiagnosticsStore(),
		exited:   make(chan struct{}),
	}
	c.state.Store(int32(StateSpawned))
	c.touch()

	c.transport = NewTransport(cfg.Process.Writer(), logger)
	c.transport.OnNotification("textDocument/publishDiagnostics", func(_ string, params json.RawMessage) {
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.diags.publish(p.URI, p.Diagnostics)
	})
	c.transport.OnNotification("window/logMessage", func(_ string, params json.RawMessage) {
		var p struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		logger.Debug("server log", zap.Int("type", p.Type), zap.String("message", p.Message))
	})

	go c.transport.ReadLoop(cfg.Process.Reader())
	go c.monitorExit()

	return c
}

// monitorExit marks the client closed the moment the process dies, from
// any state, and releases in-flight requests with EPIPE.
func (c *Client) monitorExit() {
	err := c.proc.Wait()
	c.exitOnce.Do(func() {
		c.exitErr = err
		c.state.Store(int32(StateClosed))
		cause := fmt.Errorf("server process exited")
		if err != nil {
			cause = fmt.Errorf("server process exited: %w", err)
		}
		c.transport.Close(lsperr.Wrap(lsperr.CodePipe, c.serverID, c.root, cause))
		close(c.exited)
	})
}

// ServerID returns the server definition id this client runs.
func (c *Client) ServerID() string { return c.serverID }

// Root returns the project root this client is scoped to.
func (c *Client) Root() string { return c.root }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Done is closed when the underlying process has exited.
func (c *Client) Done() <-chan struct{} { return c.exited }

// ExitErr returns the process exit error once Done is closed.
func (c *Client) ExitErr() error { return c.exitErr }

// LastActivity reports when the client last sent or completed traffic.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// transition attempts a guarded state change.
func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Initialize performs the LSP handshake: initialize request, initialized
// notification, then workspace/didChangeConfiguration when settings are
// configured. On failure the process is torn down and an EINIT error
// returned.
func (c *Client) Initialize(ctx context.Context, initOptions map[string]any) error {
	if !c.transition(StateSpawned, StateInitializing) {
		return lsperr.New(lsperr.CodeInit, c.serverID, c.root,
			fmt.Sprintf("initialize from state %s", c.State()))
	}

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               FilePathToURI(c.root),
		Capabilities:          defaultClientCapabilities(),
		InitializationOptions: initOptions,
		WorkspaceFolders: []WorkspaceFolder{{
			URI:  FilePathToURI(c.root),
			Name: filepath.Base(c.root),
		}},
	}

	raw, err := c.transport.Request(ctx, "initialize", params, c.timing.InitializeTimeout())
	if err != nil {
		c.forceClose()
		return &lsperr.Error{Code: lsperr.CodeInit, ServerID: c.serverID, Root: c.root,
			Message: "initialize handshake failed", Err: err}
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.forceClose()
		return &lsperr.Error{Code: lsperr.CodeInit, ServerID: c.serverID, Root: c.root,
			Message: "invalid initialize result", Err: err}
	}
	c.capsMu.Lock()
	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.capsMu.Unlock()

	if err := c.transport.Notify("initialized", struct{}{}); err != nil {
		c.forceClose()
		return &lsperr.Error{Code: lsperr.CodeInit, ServerID: c.serverID, Root: c.root,
			Message: "initialized notification failed", Err: err}
	}
	if len(c.settings) > 0 {
		_ = c.transport.Notify("workspace/didChangeConfiguration",
			DidChangeConfigurationParams{Settings: c.settings})
	}

	if !c.transition(StateInitializing, StateReady) {
		// Process died mid-handshake.
		return lsperr.New(lsperr.CodePipe, c.serverID, c.root, "server exited during initialize")
	}
	c.touch()
	c.logger.Debug("client ready", zap.Any("serverInfo", c.serverInfo))
	return nil
}

// Capabilities returns the raw capability set from initialize.
func (c *Client) Capabilities() json.RawMessage {
	c.capsMu.Lock()
	defer c.capsMu.Unlock()
	return c.capabilities
}

// Request issues one LSP request. The client must be ready.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s := c.State(); s != StateReady {
		if s == StateClosed {
			return nil, lsperr.New(lsperr.CodePipe, c.serverID, c.root, "client closed")
		}
		return nil, lsperr.New(lsperr.CodePipe, c.serverID, c.root,
			fmt.Sprintf("client not ready (state %s)", s))
	}
	c.touch()
	raw, err := c.transport.Request(ctx, method, params, c.timing.RequestTimeout())
	if err != nil {
		return nil, lsperr.Coerce(c.serverID, c.root, err)
	}
	c.touch()
	return raw, nil
}

// TouchFile synchronizes path's on-disk content to the server. The first
// touch opens the document at version 1; later touches send a full-text
// didChange with an incremented version. A didChangeWatchedFiles
// notification goes out alongside both, so servers indexing through file
// watchers re-index too. Returns the diagnostics sequence a subsequent
// WaitForDiagnostics should target.
func (c *Client) TouchFile(ctx context.Context, path string) (int64, error) {
	if s := c.State(); s != StateReady {
		return 0, lsperr.New(lsperr.CodePipe, c.serverID, c.root,
			fmt.Sprintf("client not ready (state %s)", s))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, lsperr.Coerce(c.serverID, c.root, err)
	}

	uri := FilePathToURI(path)
	minSeq := c.diags.nextSeq(uri)

	c.docsMu.Lock()
	version, open := c.docs[uri]
	if open {
		version++
	} else {
		version = 1
	}
	c.docs[uri] = version
	c.docsMu.Unlock()

	watched := FileChanged
	if open {
		err = c.transport.Notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument: VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
				Version:                version,
			},
			ContentChanges: []TextDocumentContentChangeEvent{{Text: string(content)}},
		})
	} else {
		watched = FileCreated
		err = c.transport.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        uri,
				LanguageID: languageIDFor(path),
				Version:    version,
				Text:       string(content),
			},
		})
	}
	if err != nil {
		return 0, lsperr.Coerce(c.serverID, c.root, err)
	}

	_ = c.transport.Notify("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{
		Changes: []FileEvent{{URI: uri, Type: watched}},
	})
	c.touch()
	return minSeq, nil
}

// CloseFile sends didClose for an open document.
func (c *Client) CloseFile(path string) error {
	uri := FilePathToURI(path)
	c.docsMu.Lock()
	_, open := c.docs[uri]
	delete(c.docs, uri)
	c.docsMu.Unlock()
	if !open {
		return nil
	}
	return c.transport.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DocumentVersion returns the open version for path, if any.
func (c *Client) DocumentVersion(path string) (int, bool) {
	c.docsMu.Lock()
	defer c.docsMu.Unlock()
	v, ok := c.docs[FilePathToURI(path)]
	return v, ok
}

// WaitForDiagnostics blocks until a publish for path reaches minSeq, then
// debounces briefly to coalesce successive publishes.
func (c *Client) WaitForDiagnostics(ctx context.Context, path string, minSeq int64) error {
	if err := c.diags.wait(ctx, FilePathToURI(path), minSeq, c.timing.DiagnosticsWaitTimeout()); err != nil {
		return lsperr.Coerce(c.serverID, c.root, err)
	}
	return nil
}

// Diagnostics returns the stored diagnostics for path.
func (c *Client) Diagnostics(path string) []Diagnostic {
	return c.diags.get(FilePathToURI(path))
}

// AllDiagnostics returns every stored diagnostics set keyed by file path.
func (c *Client) AllDiagnostics() map[string][]Diagnostic {
	out := make(map[string][]Diagnostic)
	for uri, d := range c.diags.all() {
		out[URIToFilePath(uri)] = d
	}
	return out
}

// DiagnosticsCount returns the total stored diagnostics for this client.
func (c *Client) DiagnosticsCount() int { return c.diags.count() }

// Shutdown tears the client down: best-effort shutdown request, exit
// notification, then an escalating wait (grace, SIGTERM, SIGKILL), each
// step bounded so shutdown has a finite upper bound even against an
// unresponsive process.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.transition(StateReady, StateShuttingDown) &&
		!c.transition(StateSpawned, StateShuttingDown) &&
		!c.transition(StateInitializing, StateShuttingDown) {
		// Already closed or another shutdown is in progress; wait it out.
		<-c.exited
		return nil
	}

	if !c.transport.Closed() {
		reqCtx, cancel := context.WithTimeout(ctx, shutdownRequestTimeout)
		_, _ = c.transport.Request(reqCtx, "shutdown", nil, shutdownRequestTimeout)
		cancel()
		_ = c.transport.Notify("exit", nil)
	}
	_ = c.proc.Writer().Close()

	if c.waitExit(exitGrace) {
		return nil
	}
	c.logger.Debug("escalating shutdown", zap.String("signal", "SIGTERM"))
	_ = c.proc.Signal(syscall.SIGTERM)
	if c.waitExit(termGrace) {
		return nil
	}
	c.logger.Warn("escalating shutdown", zap.String("signal", "SIGKILL"))
	_ = c.proc.Kill()
	if c.waitExit(killGrace) {
		return nil
	}
	return lsperr.New(lsperr.CodePipe, c.serverID, c.root, "process did not exit after SIGKILL")
}

// forceClose kills the process without the polite handshake; used when
// initialize fails.
func (c *Client) forceClose() {
	c.state.Store(int32(StateClosed))
	_ = c.proc.Kill()
}

func (c *Client) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.exited:
		return true
	case <-timer.C:
		return false
	}
}

// languageIDFor maps a file extension to an LSP language id, defaulting to
// plaintext for anything unrecognized.
func languageIDFor(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	ids := map[string]string{
		"go": "go", "rs": "rust",
		"ts": "typescript", "tsx": "typescriptreact",
		"js": "javascript", "jsx": "javascriptreact",
		"mjs": "javascript", "cjs": "javascript",
		"py": "python", "pyi": "python",
		"c": "c", "h": "c",
		"cpp": "cpp", "cc": "cpp", "cxx": "cpp", "hpp": "cpp",
		"java": "java", "rb": "ruby", "php": "php",
		"json": "json", "yaml": "yaml", "yml": "yaml",
		"md": "markdown", "sh": "shellscript",
	}
	if id, ok := ids[ext]; ok {
		return id
	}
	return "plaintext"
}
