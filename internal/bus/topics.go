package bus

import "time"

// Conversation lifecycle topics.
const (
	TopicTurnState      = "turn.state_changed"
	TopicTurnDecision   = "turn.decision"
	TopicStreamFragment = "stream.fragment"
	TopicStreamDone     = "stream.done"
	TopicToolInvoked    = "tool.invoked"
	TopicProfileUpdated = "profile.updated"
	TopicContextEvicted = "context.evicted"
)

// TurnStateEvent is published on every orchestrator state transition.
type TurnStateEvent struct {
	ConversationID string
	TurnID         string
	Agent          string
	From           string
	To             string
}

// TurnDecisionEvent is published after the scoring engine decides a turn.
type TurnDecisionEvent struct {
	ConversationID string
	TurnID         string
	Agent          string
	Confidence     float64
	Outcome        string
}

// StreamFragmentEvent carries one coalesced chunk of streamed output.
type StreamFragmentEvent struct {
	ConversationID string
	TurnID         string
	Agent          string
	Chunk          string
}

// StreamDoneEvent marks the end of a streamed turn.
type StreamDoneEvent struct {
	ConversationID string
	TurnID         string
	Agent          string
}

// ToolInvokedEvent is published after a tool invocation completes or fails.
type ToolInvokedEvent struct {
	ConversationID string
	Agent          string
	Tool           string
	Err            string
}

// ProfileUpdatedEvent is published when the admin path mutates a profile.
// The compiler listens and drops cached compilations of the named agent
// and its descendants.
type ProfileUpdatedEvent struct {
	Name    string
	Version string
}

// ContextEvictedEvent is published when an idle conversation is evicted.
type ContextEvictedEvent struct {
	ConversationID string
	IdleFor        time.Duration
}
