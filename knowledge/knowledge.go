// Package knowledge connects failure records to an external source of known
// fixes. The broker only ever suggests; it never applies a solution.
package knowledge

import (
	"context"
	"time"
)

// Solution is a known remedy for a failure signature.
type Solution struct {
	ID        string    `json:"id"`
	Signature string    `json:"signature"`
	Summary   string    `json:"summary"`
	Detail    string    `json:"detail,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Assistant looks up solutions for a failure signature.
type Assistant interface {
	Lookup(ctx context.Context, signature string) ([]Solution, error)
}

// AssistantFunc adapts a function to Assistant.
type AssistantFunc func(ctx context.Context, signature string) ([]Solution, error)

func (f AssistantFunc) Lookup(ctx context.Context, signature string) ([]Solution, error) {
	return f(ctx, signature)
}

// NopAssistant never knows anything.
type NopAssistant struct{}

func (NopAssistant) Lookup(context.Context, string) ([]Solution, error) { return nil, nil }
