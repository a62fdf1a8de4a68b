package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
)

// ErrCycleDetected is returned when a profile's base_agent chain
// revisits a name.
var ErrCycleDetected = errors.New("profile inheritance cycle detected")

// maxChainDepth bounds inheritance walks independently of cycle
// detection, catching pathological but acyclic chains.
const maxChainDepth = 16

// CompiledAgent is the flattened, ready-to-run form of a profile after
// inheritance resolution. It is ephemeral; the store of record stays
// the Profile table.
type CompiledAgent struct {
	Name           string
	Model          string
	Instruction    string
	OutputContract OutputContract
	OutputSchema   string
	StateStrategy  []string
	AllowedTools   []string
	Temperature    float64
	TopP           float64
	ContextWindow  int
	VersionHash    string
}

// CanClarify reports whether the agent's state strategy permits
// clarifying turns.
func (c *CompiledAgent) CanClarify() bool {
	for _, s := range c.StateStrategy {
		if s == "clarifying" {
			return true
		}
	}
	return false
}

// Compiler resolves profile inheritance and renders instruction blocks.
// Compiled agents are cached by name and keyed on a hash of every
// version in the inheritance chain, so an edit anywhere in the chain
// recompiles every descendant on its next use.
type Compiler struct {
	store ProfileStore

	mu    sync.RWMutex
	cache map[string]*CompiledAgent
	sub   *bus.Subscription
	b     *bus.Bus
}

func NewCompiler(store ProfileStore) *Compiler {
	return &Compiler{
		store: store,
		cache: make(map[string]*CompiledAgent),
	}
}

// WatchBus drops the whole cache whenever a profile update event is
// published. Coarse but safe: compiles are cheap relative to profile
// edits, and per-descendant invalidation would need the full reverse
// chain.
func (c *Compiler) WatchBus(ctx context.Context, b *bus.Bus) {
	c.b = b
	c.sub = b.Subscribe(bus.TopicProfileUpdated)
	go func() {
		defer b.Unsubscribe(c.sub)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-c.sub.Ch():
				if !ok {
					return
				}
				c.mu.Lock()
				c.cache = make(map[string]*CompiledAgent)
				c.mu.Unlock()
			}
		}
	}()
}

// Compile resolves name's inheritance chain and returns the flattened
// agent. A missing name or ancestor fails with ErrProfileNotFound; a
// chain that revisits a name fails with ErrCycleDetected.
func (c *Compiler) Compile(ctx context.Context, name string) (*CompiledAgent, error) {
	chain, err := c.resolveChain(ctx, name)
	if err != nil {
		return nil, err
	}
	hash := chainHash(chain)

	c.mu.RLock()
	cached, ok := c.cache[name]
	c.mu.RUnlock()
	if ok && cached.VersionHash == hash {
		return cached, nil
	}

	compiled := merge(chain)
	compiled.VersionHash = hash

	c.mu.Lock()
	c.cache[name] = compiled
	c.mu.Unlock()
	return compiled, nil
}

// resolveChain walks leaf→root and returns the chain ordered root
// first. The visited set guarantees termination on cyclic data.
func (c *Compiler) resolveChain(ctx context.Context, name string) ([]*Profile, error) {
	var reversed []*Profile
	visited := make(map[string]bool)
	cur := name
	for cur != "" {
		if visited[cur] {
			return nil, fmt.Errorf("%w: %q revisited while compiling %q", ErrCycleDetected, cur, name)
		}
		if len(reversed) >= maxChainDepth {
			return nil, fmt.Errorf("inheritance chain of %q exceeds depth %d", name, maxChainDepth)
		}
		visited[cur] = true
		p, err := c.store.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, p)
		cur = p.BaseAgent
	}
	chain := make([]*Profile, len(reversed))
	for i, p := range reversed {
		chain[len(reversed)-1-i] = p
	}
	return chain, nil
}

// merge flattens a root-first chain. Scalars take the last non-empty
// value in the chain so a child overrides its ancestors; constraints
// and rules concatenate root first so inherited prohibitions are never
// dropped; allowed tools union across the chain unless the leaf
// declares its own non-empty list, which then replaces the union.
func merge(chain []*Profile) *CompiledAgent {
	leaf := chain[len(chain)-1]
	out := &CompiledAgent{Name: leaf.Name, TopP: 1.0}

	var role, task string
	var constraints, rules, states []string
	toolSet := make(map[string]bool)
	var toolOrder []string

	for _, p := range chain {
		if p.Model != "" {
			out.Model = p.Model
		}
		if p.Role != "" {
			role = p.Role
		}
		if p.Task != "" {
			task = p.Task
		}
		if p.OutputContract != "" {
			out.OutputContract = p.OutputContract
		}
		if p.OutputSchema != "" {
			out.OutputSchema = p.OutputSchema
		}
		if p.Temperature != 0 {
			out.Temperature = p.Temperature
		}
		if p.TopP != 0 {
			out.TopP = p.TopP
		}
		if p.ContextWindow != 0 {
			out.ContextWindow = p.ContextWindow
		}
		constraints = append(constraints, p.Constraints...)
		rules = append(rules, p.Rules...)
		if len(p.StateStrategy) > 0 {
			states = p.StateStrategy
		}
		for _, t := range p.AllowedTools {
			if !toolSet[t] {
				toolSet[t] = true
				toolOrder = append(toolOrder, t)
			}
		}
	}

	if len(leaf.AllowedTools) > 0 {
		toolOrder = append([]string(nil), leaf.AllowedTools...)
	}
	out.StateStrategy = states
	out.AllowedTools = toolOrder
	out.Instruction = render(role, task, constraints, rules,
		out.OutputContract, out.OutputSchema, states)
	return out
}

// render produces the instruction block in a fixed field order so that
// a given merged field set always serializes to the same bytes.
func render(role, task string, constraints, rules []string,
	contract OutputContract, schema string, states []string) string {

	var b strings.Builder
	b.WriteString(role)
	b.WriteString("\n\n")
	if task != "" {
		b.WriteString("## Task\n")
		b.WriteString(task)
		b.WriteString("\n\n")
	}
	if len(constraints) > 0 {
		b.WriteString("## Constraints\n")
		for _, c := range constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(rules) > 0 {
		b.WriteString("## Rules\n")
		for _, r := range rules {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	switch contract {
	case ContractStructured:
		b.WriteString("## Output\nReply with a single JSON object matching this schema, nothing else:\n")
		b.WriteString(schema)
		b.WriteString("\n\n")
	case ContractMixed:
		b.WriteString("## Output\nReply in prose. Embed JSON fragments only where the schema below applies:\n")
		if schema != "" {
			b.WriteString(schema)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(states) > 0 {
		b.WriteString("## Conversation states\nYou may pass through: ")
		b.WriteString(strings.Join(states, ", "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// chainHash keys the compile cache: any version bump anywhere in the
// chain changes the hash.
func chainHash(chain []*Profile) string {
	h := sha256.New()
	for _, p := range chain {
		fmt.Fprintf(h, "%s@%s;", p.Name, p.Version)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
