package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dorel14/SoniqueBay-sub001/internal/agent"
	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
	"github.com/dorel14/SoniqueBay-sub001/internal/llm"
	"github.com/dorel14/SoniqueBay-sub001/internal/router"
	"github.com/dorel14/SoniqueBay-sub001/internal/session"
	"github.com/dorel14/SoniqueBay-sub001/internal/tool"
)

const testRouterSchema = `{
  "type": "object",
  "properties": {
    "proposals": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "agent": {"type": "string"},
          "confidence": {"type": "number"}
        },
        "required": ["agent", "confidence"],
        "additionalProperties": false
      }
    }
  },
  "required": ["proposals"],
  "additionalProperties": false
}`

// memStore is a minimal in-memory profile store.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]agent.Profile
}

func newMemStore(profiles ...agent.Profile) *memStore {
	m := &memStore{profiles: make(map[string]agent.Profile)}
	for _, p := range profiles {
		m.profiles[p.Name] = p
	}
	return m
}

func (m *memStore) Get(_ context.Context, name string) (*agent.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[name]
	if !ok {
		return nil, agent.ErrProfileNotFound
	}
	cp := p
	return &cp, nil
}

func (m *memStore) UpsertIfAbsent(_ context.Context, p agent.Profile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.Name]; ok {
		return false, nil
	}
	m.profiles[p.Name] = p
	return true, nil
}

func (m *memStore) Update(_ context.Context, p agent.Profile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Name] = p
	return p.Version, nil
}

func (m *memStore) ListEnabled(_ context.Context) ([]agent.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Profile
	for _, p := range m.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// scriptedBackend pops queued replies in call order. Streaming replies
// are delivered in small fragments to exercise coalescing.
type scriptedBackend struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    int
	requests []llm.Request
	gate     chan struct{} // when non-nil, Complete blocks until closed
}

func (s *scriptedBackend) next(req llm.Request) (string, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	if err != nil {
		return "", err
	}
	if idx >= len(s.replies) {
		return "", fmt.Errorf("scripted backend exhausted at call %d", idx)
	}
	return s.replies[idx], nil
}

func (s *scriptedBackend) Complete(_ context.Context, req llm.Request) (string, error) {
	return s.next(req)
}

func (s *scriptedBackend) Stream(_ context.Context, req llm.Request, onChunk func(string) error) (string, error) {
	reply, err := s.next(req)
	if err != nil {
		return "", err
	}
	for i := 0; i < len(reply); i += 3 {
		end := i + 3
		if end > len(reply) {
			end = len(reply)
		}
		if err := onChunk(reply[i:end]); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (s *scriptedBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedBackend) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// recordingEmitter captures everything the orchestrator emits.
type emitted struct {
	kind    string // "state", "dialogue", "action", "refusal"
	agent   string
	state   State
	text    string
	final   bool
	tool    string
	status  string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	done   chan struct{} // signaled on every terminal state
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{done: make(chan struct{}, 64)}
}

func (r *recordingEmitter) State(_, agentName string, state State) error {
	r.mu.Lock()
	r.events = append(r.events, emitted{kind: "state", agent: agentName, state: state})
	r.mu.Unlock()
	if state == StateDone || state == StateRefused || state == StateClarifying {
		r.done <- struct{}{}
	}
	return nil
}

func (r *recordingEmitter) Dialogue(_, agentName, chunk string, final bool, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{kind: "dialogue", agent: agentName, text: chunk, final: final})
	return nil
}

func (r *recordingEmitter) Action(_, agentName, toolName, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{kind: "action", agent: agentName, tool: toolName, status: status})
	return nil
}

func (r *recordingEmitter) Refusal(_, explanation string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{kind: "refusal", text: explanation})
	return nil
}

func (r *recordingEmitter) waitTurn(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached a terminal or clarifying state")
	}
}

func (r *recordingEmitter) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]emitted, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEmitter) states() []State {
	var out []State
	for _, e := range r.all() {
		if e.kind == "state" {
			out = append(out, e.state)
		}
	}
	return out
}

func (r *recordingEmitter) dialogueText() string {
	var b strings.Builder
	for _, e := range r.all() {
		if e.kind == "dialogue" {
			b.WriteString(e.text)
		}
	}
	return b.String()
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	orch    *Orchestrator
	backend *scriptedBackend
	tools   *tool.Registry
	emitter *recordingEmitter
	bus     *bus.Bus
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, backend *scriptedBackend, cfg Config) *fixture {
	t.Helper()
	f := newFixtureWithBackend(t, backend, cfg)
	f.backend = backend
	return f
}

func newFixtureWithBackend(t *testing.T, backend llm.Backend, cfg Config) *fixture {
	t.Helper()
	routerProfile := agent.Profile{
		Name: "router", Model: "test", Enabled: true, Role: "route",
		OutputContract: agent.ContractStructured, OutputSchema: testRouterSchema,
		Version: "1", TopP: 1, ContextWindow: 8192,
	}
	search := agent.Profile{
		Name: "music-search", Model: "test", Enabled: true, Role: "find music",
		OutputContract: agent.ContractFreeText,
		StateStrategy:  []string{"thinking", "clarifying", "acting", "streaming", "done"},
		AllowedTools:   []string{"search_library"},
		Version:        "1", TopP: 1, ContextWindow: 8192,
	}
	smalltalk := agent.Profile{
		Name: "smalltalk", Model: "test", Enabled: true, Role: "chat",
		OutputContract: agent.ContractFreeText,
		StateStrategy:  []string{"thinking", "streaming", "done"},
		Version:        "1", TopP: 1, ContextWindow: 8192,
	}
	store := newMemStore(routerProfile, search, smalltalk)
	compiler := agent.NewCompiler(store)
	b := bus.New()
	sessions := session.NewStore(50, time.Hour, b, discard())
	rt := router.New(compiler, store, backend, router.Config{RetryBackoff: time.Millisecond}, discard())
	tools := tool.NewRegistry(time.Second, discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	orch := New(ctx, sessions, rt, compiler, backend, tools, nil, b, cfg, discard())
	return &fixture{
		orch:    orch,
		tools:   tools,
		emitter: newRecordingEmitter(),
		bus:     b,
		cancel:  cancel,
	}
}

func proposals(entries ...string) string {
	return `{"proposals":[` + strings.Join(entries, ",") + `]}`
}

func TestAcceptStreamDone(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		proposals(`{"agent":"smalltalk","confidence":0.9}`), // routing
		"Hello! Great to hear from you.",                    // generation (no tools on smalltalk)
	}}
	f := newFixture(t, backend, Config{ChunkBytes: 8, Linger: 5 * time.Millisecond})

	if err := f.orch.Submit(context.Background(), "conv-1", "hi there", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	states := f.emitter.states()
	want := []State{StateThinking, StateStreaming, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if got := f.emitter.dialogueText(); got != "Hello! Great to hear from you." {
		t.Errorf("reassembled dialogue = %q", got)
	}
	for _, e := range f.emitter.all() {
		if e.kind == "dialogue" && !e.final && len(e.text) > 8 {
			t.Errorf("chunk exceeds bound: %d bytes", len(e.text))
		}
	}
}

func TestEmptyProposalRefusesWithoutBackendOrTools(t *testing.T) {
	backend := &scriptedBackend{replies: []string{proposals()}}
	f := newFixture(t, backend, Config{})

	if err := f.orch.Submit(context.Background(), "conv-1", "??", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	if backend.callCount() != 1 {
		t.Errorf("backend called %d times, want only the routing call", backend.callCount())
	}
	var refusal *emitted
	for _, e := range f.emitter.all() {
		if e.kind == "refusal" {
			ev := e
			refusal = &ev
		}
	}
	if refusal == nil || strings.TrimSpace(refusal.text) == "" {
		t.Fatal("refusal must carry a non-empty explanation")
	}
	states := f.emitter.states()
	if states[len(states)-1] != StateRefused {
		t.Errorf("final state = %v, want refused", states[len(states)-1])
	}
}

func TestRoutingBackendFailureRefusesWithoutRawError(t *testing.T) {
	backend := &scriptedBackend{
		errs:    []error{errors.New("401 unauthorized: key sk-secret expired")},
		replies: []string{""},
	}
	f := newFixture(t, backend, Config{})

	if err := f.orch.Submit(context.Background(), "conv-1", "hi", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	for _, e := range f.emitter.all() {
		if e.kind == "refusal" {
			if strings.Contains(e.text, "sk-secret") || strings.Contains(e.text, "401") {
				t.Errorf("raw backend error leaked to user: %q", e.text)
			}
			if strings.TrimSpace(e.text) == "" {
				t.Error("refusal explanation empty")
			}
			return
		}
	}
	t.Fatal("no refusal emitted")
}

func TestToolFailureDegradesInsteadOfRefusing(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		proposals(`{"agent":"music-search","confidence":0.9}`),       // routing
		`{"tool":"search_library","args":{"query":"jazz"}}`,          // tool plan
		"The library search is down, but jazz classics include Kind of Blue.", // degraded answer
	}}
	f := newFixture(t, backend, Config{})

	err := f.tools.Register(tool.Definition{
		Name:          "search_library",
		AllowedAgents: []string{"music-search"},
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("db locked")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.orch.Submit(context.Background(), "conv-1", "find jazz", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	states := f.emitter.states()
	if states[len(states)-1] != StateDone {
		t.Fatalf("tool failure must not refuse, final state = %v", states[len(states)-1])
	}
	var sawFailedAction bool
	for _, e := range f.emitter.all() {
		if e.kind == "action" && e.status == "failed" {
			sawFailedAction = true
		}
	}
	if !sawFailedAction {
		t.Error("failed action envelope not emitted")
	}
	// The generation prompt tells the agent the tool was unavailable.
	genReq := backend.request(2)
	if !strings.Contains(genReq.Prompt, "unavailable") {
		t.Errorf("degraded prompt missing tool-failure note: %q", genReq.Prompt)
	}
}

func TestToolResultsReachGeneration(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		proposals(`{"agent":"music-search","confidence":0.9}`),
		`{"tool":"search_library","args":{"query":"jazz"}}`,
		"Found it: So What by Miles Davis.",
	}}
	f := newFixture(t, backend, Config{})

	err := f.tools.Register(tool.Definition{
		Name:          "search_library",
		AllowedAgents: []string{"music-search"},
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"tracks": []string{"So What"}}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.orch.Submit(context.Background(), "conv-1", "find jazz", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	genReq := backend.request(2)
	if !strings.Contains(genReq.Prompt, "So What") {
		t.Errorf("tool results missing from generation prompt: %q", genReq.Prompt)
	}
	if f.tools.Calls("search_library") != 1 {
		t.Errorf("tool invoked %d times, want 1", f.tools.Calls("search_library"))
	}
}

func TestClarifyThenDirectRouting(t *testing.T) {
	backend := &scriptedBackend{replies: []string{
		proposals(`{"agent":"music-search","confidence":0.3}`), // ambiguous routing
		"Which artist did you mean?",                           // clarifying question
		`{"tool":""}`,                                          // tool plan for the answer turn
		"Miles Davis has 12 albums in your library.",           // final answer
	}}
	f := newFixture(t, backend, Config{MaxClarifies: 2})

	if err := f.orch.Submit(context.Background(), "conv-1", "albums?", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	states := f.emitter.states()
	if states[len(states)-1] != StateClarifying {
		t.Fatalf("ambiguous turn should end clarifying, got %v", states)
	}

	// The answer goes straight back to music-search, no re-route.
	routingCalls := backend.callCount()
	if err := f.orch.Submit(context.Background(), "conv-1", "Miles Davis", f.emitter); err != nil {
		t.Fatalf("submit answer: %v", err)
	}
	f.emitter.waitTurn(t)

	for i := routingCalls; i < backend.callCount(); i++ {
		req := backend.request(i)
		if strings.Contains(req.Prompt, "Candidate agents:") {
			t.Error("clarification answer was re-routed")
		}
	}
	states = f.emitter.states()
	if states[len(states)-1] != StateDone {
		t.Errorf("answer turn should finish done, got %v", states)
	}
}

func TestClarifyBoundForcesRefusal(t *testing.T) {
	ambiguous := proposals(`{"agent":"music-search","confidence":0.3}`)
	backend := &scriptedBackend{replies: []string{
		ambiguous, "Q1?", // turn 1: clarify #1
		`{"tool":""}`, "partial answer", // turn 2: pending answer, no reset
		ambiguous, "Q2?", // turn 3: clarify #2
		`{"tool":""}`, "another partial", // turn 4: pending answer
		ambiguous, // turn 5: bound hit, refuse without generating
	}}
	f := newFixture(t, backend, Config{MaxClarifies: 2})

	for i, msg := range []string{"vague", "still vague", "vague again", "hmm", "vague forever"} {
		if err := f.orch.Submit(context.Background(), "conv-1", msg, f.emitter); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		f.emitter.waitTurn(t)
	}

	states := f.emitter.states()
	if states[len(states)-1] != StateRefused {
		t.Fatalf("bound exceeded must refuse, final state = %v", states[len(states)-1])
	}
	var refusal string
	for _, e := range f.emitter.all() {
		if e.kind == "refusal" {
			refusal = e.text
		}
	}
	if strings.TrimSpace(refusal) == "" {
		t.Error("forced refusal must carry an explanation")
	}
}

func TestSequentialProcessingPerConversation(t *testing.T) {
	// Every turn refuses cheaply; ordering is observed through states.
	var replies []string
	for i := 0; i < 5; i++ {
		replies = append(replies, proposals())
	}
	backend := &scriptedBackend{replies: replies}
	f := newFixture(t, backend, Config{QueueSize: 8})

	for i := 0; i < 5; i++ {
		if err := f.orch.Submit(context.Background(), "conv-1", fmt.Sprintf("msg %d", i), f.emitter); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		f.emitter.waitTurn(t)
	}

	// Strictly alternating thinking/refused: no turn starts before the
	// previous one terminates.
	states := f.emitter.states()
	if len(states) != 10 {
		t.Fatalf("got %d state events, want 10", len(states))
	}
	for i, s := range states {
		want := StateThinking
		if i%2 == 1 {
			want = StateRefused
		}
		if s != want {
			t.Fatalf("state %d = %v, want %v (sequence %v)", i, s, want, states)
		}
	}
}

func TestQueueFullRejects(t *testing.T) {
	gate := make(chan struct{})
	backend := &scriptedBackend{
		replies: []string{proposals(), proposals()},
		gate:    gate,
	}
	f := newFixture(t, backend, Config{QueueSize: 1})

	// First message occupies the worker, second fills the queue.
	if err := f.orch.Submit(context.Background(), "conv-1", "one", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for backend.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := f.orch.Submit(context.Background(), "conv-1", "two", f.emitter); err != nil {
		t.Fatalf("queued submit: %v", err)
	}

	err := f.orch.Submit(context.Background(), "conv-1", "three", f.emitter)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("want ErrQueueFull, got %v", err)
	}
	close(gate)
	f.emitter.waitTurn(t)
	f.emitter.waitTurn(t)
}

// tornBackend answers the routing call, then streams a prefix and fails
// mid-stream with a retryable error. Complete calls after the first are
// regeneration attempts.
type tornBackend struct {
	mu          sync.Mutex
	routing     string
	prefix      string
	calls       int
	regenerated int
}

func (b *tornBackend) Complete(_ context.Context, _ llm.Request) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls == 1 {
		return b.routing, nil
	}
	b.regenerated++
	return "a fresh full answer", nil
}

func (b *tornBackend) Stream(_ context.Context, _ llm.Request, onChunk func(string) error) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if err := onChunk(b.prefix); err != nil {
		return "", err
	}
	return "", &llm.BackendError{Class: llm.ErrorClassRateLimit, Err: errors.New("429 mid-stream")}
}

func TestStreamFailureAfterPartialOutputDoesNotReplay(t *testing.T) {
	backend := &tornBackend{
		routing: proposals(`{"agent":"smalltalk","confidence":0.9}`),
		prefix:  "Hello wor",
	}
	f := newFixtureWithBackend(t, backend, Config{ChunkBytes: 4, Linger: 5 * time.Millisecond})

	if err := f.orch.Submit(context.Background(), "conv-1", "hi", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	states := f.emitter.states()
	if states[len(states)-1] != StateRefused {
		t.Fatalf("torn stream must end refused, got %v", states)
	}
	backend.mu.Lock()
	regenerated := backend.regenerated
	backend.mu.Unlock()
	if regenerated != 0 {
		t.Error("reply regenerated after partial chunks reached the client")
	}
	for _, e := range f.emitter.all() {
		if e.kind == "dialogue" && e.final {
			t.Errorf("final dialogue emitted after torn stream: %q", e.text)
		}
	}
}

func TestStreamRetryWaitsBackoffWhenNothingDelivered(t *testing.T) {
	backend := &scriptedBackend{
		replies: []string{
			proposals(`{"agent":"smalltalk","confidence":0.9}`),
			"",
			"Recovered answer",
		},
		errs: []error{nil, &llm.BackendError{Class: llm.ErrorClassRateLimit, Err: errors.New("429")}},
	}
	f := newFixture(t, backend, Config{RetryBackoff: 50 * time.Millisecond})

	start := time.Now()
	if err := f.orch.Submit(context.Background(), "conv-1", "hi", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("retry fired after %v, want the configured backoff first", elapsed)
	}
	if got := f.emitter.dialogueText(); got != "Recovered answer" {
		t.Errorf("dialogue = %q, want the single regenerated reply", got)
	}
	states := f.emitter.states()
	if states[len(states)-1] != StateDone {
		t.Errorf("final state = %v, want done", states[len(states)-1])
	}
	if backend.callCount() != 3 {
		t.Errorf("backend called %d times, want route + stream + retry", backend.callCount())
	}
}

func TestEvictionRetiresConversationQueue(t *testing.T) {
	backend := &scriptedBackend{replies: []string{proposals(), proposals()}}
	f := newFixture(t, backend, Config{})

	if err := f.orch.Submit(context.Background(), "conv-1", "hi", f.emitter); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.emitter.waitTurn(t)

	f.bus.Publish(bus.TopicContextEvicted, bus.ContextEvictedEvent{
		ConversationID: "conv-1", IdleFor: time.Hour,
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		f.orch.qmu.Lock()
		n := len(f.orch.queues)
		f.orch.qmu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue entries = %d after eviction, want 0", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A new message for the same conversation gets a fresh queue.
	if err := f.orch.Submit(context.Background(), "conv-1", "again", f.emitter); err != nil {
		t.Fatalf("submit after eviction: %v", err)
	}
	f.emitter.waitTurn(t)
}
