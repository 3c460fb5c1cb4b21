package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a Tool from a typed args struct A. It reflects the
// input schema from A and wraps the handler with strict JSON decoding.
func NewTool[A any](name string, fn func(ctx context.Context, args A, ec *ExecContext) (any, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := ReflectInputSchema[A](cfg.allowAdditionalProperties)

	handler := func(ctx context.Context, input json.RawMessage, ec *ExecContext) (any, error) {
		var a A
		if len(input) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(input, &a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(input))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
		}
		return fn(ctx, a, ec)
	}

	return Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: schema,
		Handler:     handler,
	}
}
