package orchestrator

// State is the orchestrator's position in a turn's lifecycle.
type State string

const (
	// StateThinking is entered once per inbound message, before routing.
	StateThinking State = "thinking"
	// StateClarifying means a question was emitted and its answer is awaited.
	StateClarifying State = "clarifying"
	// StateActing means a tool call is in flight.
	StateActing State = "acting"
	// StateStreaming means partial output is being emitted.
	StateStreaming State = "streaming"
	// StateDone is terminal for a successfully answered turn.
	StateDone State = "done"
	// StateRefused is terminal and always carries an explanation.
	StateRefused State = "refused"
)
