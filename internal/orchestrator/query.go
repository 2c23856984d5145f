package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/lspherd/lspherd/internal/lspconfig"
	"github.com/lspherd/lspherd/internal/lsperr"
	"github.com/lspherd/lspherd/internal/protocol"
)

// Operation names a forwarded LSP query.
type Operation string

const (
	OpHover           Operation = "hover"
	OpDefinition      Operation = "definition"
	OpReferences      Operation = "references"
	OpImplementation  Operation = "implementation"
	OpDocumentSymbols Operation = "documentSymbols"
	OpIncomingCalls   Operation = "incomingCalls"
	OpOutgoingCalls   Operation = "outgoingCalls"
)

var opMethods = map[Operation]string{
	OpHover:           "textDocument/hover",
	OpDefinition:      "textDocument/definition",
	OpReferences:      "textDocument/references",
	OpImplementation:  "textDocument/implementation",
	OpDocumentSymbols: "textDocument/documentSymbol",
}

// Outcome is one server's result in a fan-out. A failed server contributes
// its error without suppressing the others.
type Outcome struct {
	ServerID string
	Root     string
	Value    json.RawMessage
	Err      error
}

// OK reports whether the server answered.
func (o Outcome) OK() bool { return o.Err == nil }

// Code returns the taxonomy code for a failed outcome.
func (o Outcome) Code() lsperr.Code { return lsperr.CodeOf(o.Err) }

// Query fans op out to every enabled server matching file and collects
// per-server outcomes. Line and column are 1-based as callers write them;
// the wire uses 0-based positions. Results are partial: one broken server
// yields one failed outcome, never an overall error.
func (r *Runtime) Query(ctx context.Context, file string, op Operation, line, col int) ([]Outcome, error) {
	res, defs := r.refresh()
	path, err := r.boundary(res).Check(file)
	if err != nil {
		return nil, err
	}
	targets := r.targetsFor(res, defs, path)

	pos := protocol.Position{Line: line - 1, Character: col - 1}
	if pos.Line < 0 {
		pos.Line = 0
	}
	if pos.Character < 0 {
		pos.Character = 0
	}

	return r.fanOut(ctx, res, targets, func(ctx context.Context, c *protocol.Client) (json.RawMessage, error) {
		if _, err := c.TouchFile(ctx, path); err != nil {
			return nil, err
		}
		return r.runOp(ctx, c, path, op, pos)
	}), nil
}

// runOp issues one operation against a ready client. Call hierarchy is a
// two-step protocol: prepare yields items, each item yields calls; the call
// results are concatenated.
func (r *Runtime) runOp(ctx context.Context, c *protocol.Client, path string, op Operation, pos protocol.Position) (json.RawMessage, error) {
	uri := protocol.FilePathToURI(path)
	docPos := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}

	switch op {
	case OpHover, OpDefinition, OpImplementation:
		return c.Request(ctx, opMethods[op], docPos)
	case OpReferences:
		return c.Request(ctx, opMethods[op], protocol.ReferenceParams{
			TextDocumentPositionParams: docPos,
			Context:                    protocol.ReferenceContext{IncludeDeclaration: true},
		})
	case OpDocumentSymbols:
		return c.Request(ctx, opMethods[op], protocol.DocumentSymbolParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		})
	case OpIncomingCalls, OpOutgoingCalls:
		return r.callHierarchy(ctx, c, docPos, op)
	default:
		return nil, lsperr.New(lsperr.CodeInternal, c.ServerID(), c.Root(),
			"unknown operation "+string(op))
	}
}

func (r *Runtime) callHierarchy(ctx context.Context, c *protocol.Client, docPos protocol.TextDocumentPositionParams, op Operation) (json.RawMessage, error) {
	prepared, err := c.Request(ctx, "textDocument/prepareCallHierarchy", docPos)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if len(prepared) > 0 {
		if err := json.Unmarshal(prepared, &items); err != nil {
			items = nil
		}
	}
	method := "callHierarchy/incomingCalls"
	if op == OpOutgoingCalls {
		method = "callHierarchy/outgoingCalls"
	}

	var merged []json.RawMessage
	for _, item := range items {
		raw, err := c.Request(ctx, method, protocol.CallHierarchyCallsParams{Item: item})
		if err != nil {
			return nil, err
		}
		var calls []json.RawMessage
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &calls); err != nil {
				continue
			}
		}
		merged = append(merged, calls...)
	}
	if merged == nil {
		merged = []json.RawMessage{}
	}
	return json.Marshal(merged)
}

// WorkspaceSymbols fans a workspace/symbol query out to every server that
// serves file.
func (r *Runtime) WorkspaceSymbols(ctx context.Context, file, query string) ([]Outcome, error) {
	res, defs := r.refresh()
	path, err := r.boundary(res).Check(file)
	if err != nil {
		return nil, err
	}
	targets := r.targetsFor(res, defs, path)

	return r.fanOut(ctx, res, targets, func(ctx context.Context, c *protocol.Client) (json.RawMessage, error) {
		return c.Request(ctx, "workspace/symbol", protocol.WorkspaceSymbolParams{Query: query})
	}), nil
}

// RunAll issues one raw request against every currently-connected client,
// regardless of which files each serves, and collects per-client outcomes.
// Nothing is spawned: idle and broken servers do not participate.
func (r *Runtime) RunAll(ctx context.Context, method string, params any) []Outcome {
	r.refresh()

	r.mu.Lock()
	clients := make([]*protocol.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].ServerID() != clients[j].ServerID() {
			return clients[i].ServerID() < clients[j].ServerID()
		}
		return clients[i].Root() < clients[j].Root()
	})

	outcomes := make([]Outcome, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *protocol.Client) {
			defer wg.Done()
			o := Outcome{ServerID: c.ServerID(), Root: c.Root()}
			value, err := c.Request(ctx, method, params)
			if err != nil {
				o.Err = err
			} else {
				o.Value = value
			}
			outcomes[i] = o
		}(i, c)
	}
	wg.Wait()
	return outcomes
}

// DiagnosticsResult pairs a server's outcome with the diagnostics it has
// published for the file.
type DiagnosticsResult struct {
	ServerID    string
	Root        string
	Diagnostics []protocol.Diagnostic
	Err         error
}

// Diagnostics synchronizes file to every matching server, waits for each
// server's next publish, and returns per-server diagnostics. A server that
// never publishes within its budget contributes an ETIMEDOUT entry.
func (r *Runtime) Diagnostics(ctx context.Context, file string) ([]DiagnosticsResult, error) {
	res, defs := r.refresh()
	path, err := r.boundary(res).Check(file)
	if err != nil {
		return nil, err
	}
	targets := r.targetsFor(res, defs, path)

	results := make([]DiagnosticsResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			dr := DiagnosticsResult{ServerID: t.def.ID, Root: t.root}
			defer func() { results[i] = dr }()

			c, err := r.acquire(ctx, res, t)
			if err != nil {
				dr.Err = err
				return
			}
			minSeq, err := c.TouchFile(ctx, path)
			if err != nil {
				dr.Err = err
				return
			}
			if err := c.WaitForDiagnostics(ctx, path, minSeq); err != nil {
				dr.Err = err
				return
			}
			dr.Diagnostics = c.Diagnostics(path)
		}(i, t)
	}
	wg.Wait()
	return results, nil
}

// TouchFile synchronizes file to every matching server without waiting for
// diagnostics.
func (r *Runtime) TouchFile(ctx context.Context, file string) ([]Outcome, error) {
	res, defs := r.refresh()
	path, err := r.boundary(res).Check(file)
	if err != nil {
		return nil, err
	}
	targets := r.targetsFor(res, defs, path)

	return r.fanOut(ctx, res, targets, func(ctx context.Context, c *protocol.Client) (json.RawMessage, error) {
		_, err := c.TouchFile(ctx, path)
		return nil, err
	}), nil
}

// CloseFile sends didClose to every live client holding file open.
func (r *Runtime) CloseFile(file string) {
	r.mu.Lock()
	clients := make([]*protocol.Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		_ = c.CloseFile(file)
	}
}

// fanOut runs fn against every target concurrently, acquiring clients as
// needed, and returns one outcome per target in target order.
func (r *Runtime) fanOut(ctx context.Context, res *lspconfig.Result, targets []target, fn func(context.Context, *protocol.Client) (json.RawMessage, error)) []Outcome {
	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			o := Outcome{ServerID: t.def.ID, Root: t.root}
			defer func() { outcomes[i] = o }()

			c, err := r.acquire(ctx, res, t)
			if err != nil {
				o.Err = err
				return
			}
			value, err := fn(ctx, c)
			if err != nil {
				o.Err = lsperr.Coerce(t.def.ID, t.root, err)
				return
			}
			o.Value = value
		}(i, t)
	}
	wg.Wait()
	return outcomes
}
