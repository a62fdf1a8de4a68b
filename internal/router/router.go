// Package router decides which agent should handle an inbound message
// by asking a dedicated routing agent for scored proposals.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dorel14/SoniqueBay-sub001/internal/agent"
	"github.com/dorel14/SoniqueBay-sub001/internal/llm"
	"github.com/dorel14/SoniqueBay-sub001/internal/scoring"
	"github.com/dorel14/SoniqueBay-sub001/internal/session"
)

// Config bounds the router's work per call.
type Config struct {
	RouterAgent   string        // profile name of the routing agent
	MaxCandidates int           // proposal list cap
	HistoryTurns  int           // recent turns shown to the router
	RetryBackoff  time.Duration // backoff before the single backend retry
}

// Router compiles the routing agent, invokes the backend, and parses
// the structured proposal list. It performs no elimination logic
// beyond dropping agent names the profile store does not know.
type Router struct {
	compiler *agent.Compiler
	store    agent.ProfileStore
	backend  llm.Backend
	cfg      Config
	logger   *slog.Logger

	mu  sync.Mutex
	val *validator // compiled from the router profile's schema, rebuilt on change
}

func New(compiler *agent.Compiler, store agent.ProfileStore, backend llm.Backend, cfg Config, logger *slog.Logger) *Router {
	if cfg.RouterAgent == "" {
		cfg.RouterAgent = "router"
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{compiler: compiler, store: store, backend: backend, cfg: cfg, logger: logger}
}

// proposalDoc mirrors the router profile's output schema.
type proposalDoc struct {
	Proposals []struct {
		Agent      string  `json:"agent"`
		Confidence float64 `json:"confidence"`
	} `json:"proposals"`
}

// Route asks the routing agent to score candidate agents for the
// message. Unknown or disabled agent names are silently dropped; an
// empty result means the caller should refuse. Backend failures
// propagate after one retry so the orchestrator can refuse with its
// own explanation.
func (r *Router) Route(ctx context.Context, history []session.Turn, message string) ([]scoring.Candidate, error) {
	compiled, err := r.compiler.Compile(ctx, r.cfg.RouterAgent)
	if err != nil {
		return nil, fmt.Errorf("compile routing agent: %w", err)
	}

	enabled, err := r.store.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidate agents: %w", err)
	}
	known := make(map[string]bool, len(enabled))
	var names []string
	for _, p := range enabled {
		if p.Name == r.cfg.RouterAgent {
			continue
		}
		known[p.Name] = true
		names = append(names, p.Name)
	}
	if len(names) == 0 {
		return nil, nil
	}

	req := llm.Request{
		Model:       compiled.Model,
		Instruction: compiled.Instruction,
		History:     truncateHistory(history, r.cfg.HistoryTurns, compiled.ContextWindow),
		Prompt:      buildRoutingPrompt(names, message),
		Temperature: compiled.Temperature,
		TopP:        compiled.TopP,
	}

	reply, err := llm.CompleteWithRetry(ctx, r.backend, req, r.cfg.RetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("routing backend: %w", err)
	}

	val, err := r.validatorFor(compiled.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("routing schema: %w", err)
	}
	jsonStr, err := val.validate(reply)
	if err != nil {
		r.logger.Warn("routing reply failed validation", "error", err)
		return nil, nil
	}

	var doc proposalDoc
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return nil, nil
	}

	var out []scoring.Candidate
	for _, p := range doc.Proposals {
		if !known[p.Agent] {
			r.logger.Debug("dropping unknown agent from proposal", "agent", p.Agent)
			continue
		}
		out = append(out, scoring.Candidate{Agent: p.Agent, Score: p.Confidence})
		if len(out) >= r.cfg.MaxCandidates {
			break
		}
	}
	return out, nil
}

func (r *Router) validatorFor(schema string) (*validator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.val != nil && r.val.source == schema {
		return r.val, nil
	}
	v, err := newValidator(schema)
	if err != nil {
		return nil, err
	}
	r.val = v
	return v, nil
}

func buildRoutingPrompt(candidates []string, message string) string {
	var b strings.Builder
	b.WriteString("Candidate agents: ")
	b.WriteString(strings.Join(candidates, ", "))
	b.WriteString("\n\nUser message:\n")
	b.WriteString(message)
	return b.String()
}

// truncateHistory keeps the most recent maxTurns turns and further
// trims from the front when the estimated token count would crowd the
// routing agent's context window. Half the window is left for the
// instruction block and the reply.
func truncateHistory(history []session.Turn, maxTurns, contextWindow int) []llm.Message {
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	budget := contextWindow / 2
	if budget <= 0 {
		budget = 4096
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		t := estimateTokens(history[i].Content)
		if total+t > budget {
			break
		}
		total += t
		start = i
	}

	msgs := make([]llm.Message, 0, len(history)-start)
	for _, turn := range history[start:] {
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return msgs
}

// estimateTokens approximates the token cost of a turn: roughly 1.33
// tokens per whitespace word, floored at one token per four bytes so
// code and non-English text are not undercounted.
func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * 1.33)
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
