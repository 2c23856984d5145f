package lspconfig

import (
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// serverSchema validates one server entry. Unknown fields are rejected so a
// typo like "comand" degrades the file instead of silently losing meaning.
func serverSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"disabled":       {Type: "boolean"},
			"command":        {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"extensions":     {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"env":            {Type: "object", AdditionalProperties: &jsonschema.Schema{Type: "string"}},
			"initialization": {Type: "object"},
			"settings":       {Type: "object"},
			"roots":          {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"excludeRoots":   {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"rootMode": {
				Type: "string",
				Enum: []any{string(RootModeWorkspaceOrMarker), string(RootModeMarkerOnly)},
			},
		},
		AdditionalProperties: falseSchema(),
	}
}

// falseSchema returns a schema that rejects everything. Each call returns a
// fresh value because the resolver requires the schema graph to be a tree.
func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func configSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"$schema": {Type: "string"},
			"lsp": {
				AnyOf: []*jsonschema.Schema{
					{Type: "boolean"},
					{Type: "object", AdditionalProperties: serverSchema()},
				},
			},
			"security": {
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"trustPolicy": {
						Type: "string",
						Enum: []any{string(TrustAlways), string(TrustNever), string(TrustTrustedOnly)},
					},
					"trustedRoots":       {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
					"allowExternalPaths": {Type: "boolean"},
				},
				AdditionalProperties: falseSchema(),
			},
			"timing": {
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"requestTimeoutMs":         {Type: "integer", Minimum: ptr(0.0)},
					"diagnosticsWaitTimeoutMs": {Type: "integer", Minimum: ptr(0.0)},
					"initializeTimeoutMs":      {Type: "integer", Minimum: ptr(0.0)},
				},
				AdditionalProperties: falseSchema(),
			},
		},
		AdditionalProperties: falseSchema(),
	}
}

func ptr[T any](v T) *T { return &v }

var (
	resolveOnce    sync.Once
	resolvedSchema *jsonschema.Resolved
	resolveErr     error
)

// validateRaw checks a decoded config document against the schema.
func validateRaw(raw map[string]any) error {
	resolveOnce.Do(func() {
		resolvedSchema, resolveErr = configSchema().Resolve(nil)
	})
	if resolveErr != nil {
		return resolveErr
	}
	return resolvedSchema.Validate(raw)
}
