// Package lspconfig loads, validates, and merges the layered LSP
// configuration for lspherd.
//
// Two JSON documents contribute to the effective configuration: a global
// file (under the user config dir, or $LSPHERD_CONFIG) and the nearest
// project-level lsp.json found walking upward from the working directory.
// Each file is schema-validated independently; a file that fails validation
// degrades to an empty contribution plus a warning, never an error.
//
// Merging is deterministic: objects deep-merge key by key, arrays and
// scalars replace wholesale. The security block is sourced from the global
// file only. A trust policy decides whether project-level command and env
// overrides are honored; untrusted projects have those fields stripped
// before the merge.
package lspconfig
