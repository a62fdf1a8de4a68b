// Package llm wraps the inference backend behind a small interface so
// the router and orchestrator never touch provider SDKs directly.
package llm

import "context"

// Message is one turn of prior conversation handed to the backend.
type Message struct {
	Role    string // "user", "assistant", "system", "tool"
	Content string
}

// Request carries everything a single backend call needs. Instruction
// is the compiled agent's instruction block; History is already
// truncated by the caller.
type Request struct {
	Model       string
	Instruction string
	History     []Message
	Prompt      string
	Temperature float64
	TopP        float64
}

// Backend is the inference boundary. Complete returns the full reply;
// Stream invokes onChunk for each fragment at the provider's native
// granularity and returns the accumulated reply. Both honor ctx
// cancellation.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error)
}
