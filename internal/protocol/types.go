package protocol

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// DocumentURI is an LSP document identifier, e.g. file:///path/to/x.go.
type DocumentURI string

// FilePathToURI converts an absolute file path to a file:// URI.
func FilePathToURI(path string) DocumentURI {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// Windows drive paths become file:///C:/...
		path = "/" + path
	}
	return DocumentURI("file://" + path)
}

// URIToFilePath converts a file:// URI back to a file path.
func URIToFilePath(uri DocumentURI) string {
	s := string(uri)
	s = strings.TrimPrefix(s, "file://")
	if len(s) >= 3 && s[0] == '/' && s[2] == ':' {
		s = s[1:] // windows drive
	}
	return filepath.FromSlash(s)
}

// Position is a zero-based line/character pair, per the wire protocol.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) text range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document.
type Location struct {
	URI   DocumentURI `json:"uri"`
	Range Range       `json:"range"`
}

// DiagnosticSeverity per LSP.
type DiagnosticSeverity int

const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// Diagnostic is one reported problem in a document.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is the inbound textDocument/publishDiagnostics payload.
type PublishDiagnosticsParams struct {
	URI         DocumentURI  `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// TextDocumentItem opens a document.
type TextDocumentItem struct {
	URI        DocumentURI `json:"uri"`
	LanguageID string      `json:"languageId"`
	Version    int         `json:"version"`
	Text       string      `json:"text"`
}

// TextDocumentIdentifier names a document.
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document at a version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// DidOpenTextDocumentParams for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// TextDocumentContentChangeEvent carries a full-text replacement (no Range).
type TextDocumentContentChangeEvent struct {
	Text string `json:"text"`
}

// DidChangeTextDocumentParams for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// FileChangeType per LSP workspace/didChangeWatchedFiles.
type FileChangeType int

const (
	FileCreated FileChangeType = 1
	FileChanged FileChangeType = 2
	FileDeleted FileChangeType = 3
)

// FileEvent is one watched-file change.
type FileEvent struct {
	URI  DocumentURI    `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams for workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// DidChangeConfigurationParams for workspace/didChangeConfiguration.
type DidChangeConfigurationParams struct {
	Settings any `json:"settings"`
}

// WorkspaceFolder per LSP.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ProcessID             int               `json:"processId"`
	RootURI               DocumentURI       `json:"rootUri,omitempty"`
	Capabilities          any               `json:"capabilities"`
	InitializationOptions any               `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder `json:"workspaceFolders,omitempty"`
}

// ServerInfo identifies the server from the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the initialize response. Capabilities are retained
// raw; this layer forwards requests rather than interpreting most of them.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
}

// TextDocumentPositionParams is the common document+position request shape.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls declaration inclusion.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// DocumentSymbolParams for textDocument/documentSymbol.
type DocumentSymbolParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// WorkspaceSymbolParams for workspace/symbol.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// CallHierarchyCallsParams for callHierarchy/incomingCalls and
// callHierarchy/outgoingCalls; the item is the raw prepare result entry.
type CallHierarchyCallsParams struct {
	Item json.RawMessage `json:"item"`
}

// defaultClientCapabilities is what we advertise during initialize: full
// document sync, publishDiagnostics, and the query features this layer
// forwards.
func defaultClientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"synchronization": map[string]any{
				"didSave":             true,
				"dynamicRegistration": false,
			},
			"publishDiagnostics": map[string]any{
				"versionSupport": true,
			},
			"definition":     map[string]any{"linkSupport": false},
			"references":     map[string]any{},
			"hover":          map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
			"documentSymbol": map[string]any{"hierarchicalDocumentSymbolSupport": true},
			"implementation": map[string]any{"linkSupport": false},
			"callHierarchy":  map[string]any{"dynamicRegistration": false},
		},
		"workspace": map[string]any{
			"symbol":                map[string]any{},
			"didChangeWatchedFiles": map[string]any{"dynamicRegistration": false},
			"configuration":         false,
			"workspaceFolders":      true,
		},
	}
}
