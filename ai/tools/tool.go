// Package tools implements the functions personas may call while replying.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable function exposed to a persona's LLM.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the arguments object.
	Parameters() string
	Call(ctx context.Context, args json.RawMessage) (string, error)
}
