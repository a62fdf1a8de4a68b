// Package session tracks per-conversation state: turn history, the
// active agent, and pending clarification questions. Contexts are
// never shared across conversation ids.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Turn is one exchange entry in a conversation's history.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
	At      time.Time
}

// Context is the mutable state of one conversation. The embedded lock
// also serializes message processing so a conversation never handles
// two messages at once. lastActive is atomic so the eviction sweep can
// read it without contending with an in-flight turn.
type Context struct {
	ID string

	lastActive atomic.Int64 // unix nanos

	mu                 sync.Mutex
	history            []Turn
	activeAgent        string
	pendingClarify     bool
	clarifyQuestion    string
	consecutiveClarify int
	turnCounter        int
	maxHistory         int
}

// Acquire takes the conversation's processing lock. The orchestrator
// holds it across the full turn, including backend suspension, so a
// slow call blocks only this conversation.
func (c *Context) Acquire() { c.mu.Lock() }

// Release drops the processing lock.
func (c *Context) Release() { c.mu.Unlock() }

func (c *Context) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleFor reports how long the conversation has been inactive.
func (c *Context) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// The remaining methods assume the caller holds the processing lock.

// AppendTurn records a turn and trims history to the configured bound,
// dropping oldest first.
func (c *Context) AppendTurn(role, content string) {
	c.history = append(c.history, Turn{Role: role, Content: content, At: time.Now()})
	if c.maxHistory > 0 && len(c.history) > c.maxHistory {
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	c.touch()
}

// History returns a copy of the turn history, oldest first.
func (c *Context) History() []Turn {
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

// NextTurn increments and returns the turn counter.
func (c *Context) NextTurn() int {
	c.turnCounter++
	c.touch()
	return c.turnCounter
}

// SetPendingClarify arms the clarification gate: the next inbound
// message answers question and routes straight back to agent.
func (c *Context) SetPendingClarify(agent, question string) {
	c.pendingClarify = true
	c.clarifyQuestion = question
	c.activeAgent = agent
	c.consecutiveClarify++
}

// TakePendingClarify disarms the gate and returns the agent that asked
// plus the question, or ok=false when nothing is pending. The
// consecutive counter survives until ResetClarify so repeated
// clarifications across turns stay counted.
func (c *Context) TakePendingClarify() (agent, question string, ok bool) {
	if !c.pendingClarify {
		return "", "", false
	}
	c.pendingClarify = false
	return c.activeAgent, c.clarifyQuestion, true
}

// ConsecutiveClarifies returns how many clarifying turns have run
// without an intervening completed answer.
func (c *Context) ConsecutiveClarifies() int {
	return c.consecutiveClarify
}

// ResetClarify zeroes the consecutive clarification counter, called
// whenever a turn completes with a real answer or a refusal.
func (c *Context) ResetClarify() {
	c.consecutiveClarify = 0
	c.pendingClarify = false
	c.clarifyQuestion = ""
}

// SetActiveAgent records which agent last handled the conversation.
func (c *Context) SetActiveAgent(agent string) {
	c.activeAgent = agent
}

// ActiveAgent returns the last routed agent name, empty before the
// first accepted routing.
func (c *Context) ActiveAgent() string {
	return c.activeAgent
}
