package engineports

import "context"

// PromptInput is everything a provider needs to produce the next turn.
type PromptInput struct {
	Turns []Turn     // full conversation, system turn included
	Tools []ToolSpec // tool declarations available to the model
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's answer, already normalized to a Turn.
type Completion struct {
	Turn  Turn
	Usage *Usage // optional
}

// Provider is the abstraction for all language model backends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, in PromptInput) (Completion, error)
}
