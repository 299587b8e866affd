package engineports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string
	Description string
	JSONSchema  []byte
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// ApprovalDeclarer is implemented by tools whose side effects need human sign-off.
type ApprovalDeclarer interface {
	RequiresApproval() bool
}
