package channels

import (
	"context"

	"github.com/dorel14/SoniqueBay-sub001/internal/orchestrator"
)

// Channel is a messaging platform integration feeding conversations into
// the orchestrator.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Submitter accepts inbound conversation messages. Implemented by
// orchestrator.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, conversationID, message string, em orchestrator.Emitter) error
}
