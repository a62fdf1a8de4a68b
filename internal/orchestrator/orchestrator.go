// Package orchestrator drives the turn state machine: route, score,
// clarify or act, stream, and finish. One turn at a time per
// conversation; conversations run concurrently.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dorel14/SoniqueBay-sub001/internal/agent"
	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
	"github.com/dorel14/SoniqueBay-sub001/internal/llm"
	otelpkg "github.com/dorel14/SoniqueBay-sub001/internal/otel"
	"github.com/dorel14/SoniqueBay-sub001/internal/persistence"
	"github.com/dorel14/SoniqueBay-sub001/internal/router"
	"github.com/dorel14/SoniqueBay-sub001/internal/scoring"
	"github.com/dorel14/SoniqueBay-sub001/internal/session"
	"github.com/dorel14/SoniqueBay-sub001/internal/shared"
	"github.com/dorel14/SoniqueBay-sub001/internal/tool"
)

// ErrQueueFull is returned by Submit when a conversation's inbound
// queue is at capacity.
var ErrQueueFull = errors.New("conversation queue full")

// refusalNoRoute is the user-facing explanation when routing finds no
// suitable agent. Raw backend errors never reach the user.
const refusalNoRoute = "I couldn't match your request to anything I can do. Could you rephrase it?"

const refusalBackendDown = "I'm having trouble reaching my reasoning backend right now. Please try again in a moment."

const refusalTooManyClarifies = "I've asked for clarification a few times already and I'm still not sure what you need, so I'll stop here. Please start over with a more specific request."

// Emitter is the transport-facing output surface. The gateway maps
// these calls onto wire envelopes; tests capture them directly.
type Emitter interface {
	State(conversationID, agentName string, state State) error
	Dialogue(conversationID, agentName, chunk string, final bool, confidence float64) error
	Action(conversationID, agentName, toolName, status string) error
	Refusal(conversationID, explanation string) error
}

// DecisionLog persists routing decisions for the audit trail.
// *persistence.Store satisfies it; nil disables recording.
type DecisionLog interface {
	RecordDecision(ctx context.Context, rec persistence.DecisionRecord) error
}

// Config bounds the orchestrator's behavior per turn.
type Config struct {
	Threshold    float64       // routing acceptance cut
	MaxClarifies int           // consecutive clarifying turns before forced refusal
	ChunkBytes   int           // streaming chunk bound
	Linger       time.Duration // max delay before a partial chunk flushes
	RetryBackoff time.Duration // backend retry backoff
	QueueSize    int           // inbound messages queued per conversation
}

type inbound struct {
	ctx     context.Context
	message string
	emitter Emitter
}

// Orchestrator owns the per-conversation queues and the turn state
// machine.
type Orchestrator struct {
	sessions *session.Store
	router   *router.Router
	compiler *agent.Compiler
	backend  llm.Backend
	tools    *tool.Registry
	log      DecisionLog
	bus      *bus.Bus
	cfg      Config
	logger   *slog.Logger

	// Live-tunable routing limits, updated by config reload while
	// workers keep serving.
	threshold    atomicFloat64
	maxClarifies atomic.Int64

	// Optional instrumentation, set by Instrument. All recording is
	// nil-guarded so tests and bare setups skip it.
	tracer  trace.Tracer
	metrics *otelpkg.Metrics

	root context.Context

	qmu    sync.Mutex
	queues map[string]*convQueue
}

// convQueue is one conversation's inbound channel plus the signal that
// retires its worker when the conversation is evicted.
type convQueue struct {
	ch   chan inbound
	stop chan struct{}
}

// atomicFloat64 stores a float64 behind an atomic.Uint64.
type atomicFloat64 struct{ bits atomic.Uint64 }

func (a *atomicFloat64) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
func (a *atomicFloat64) Load() float64   { return math.Float64frombits(a.bits.Load()) }

func New(root context.Context, sessions *session.Store, rt *router.Router, compiler *agent.Compiler,
	backend llm.Backend, tools *tool.Registry, log DecisionLog, b *bus.Bus,
	cfg Config, logger *slog.Logger) *Orchestrator {

	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = scoring.DefaultThreshold
	}
	if cfg.MaxClarifies <= 0 {
		cfg.MaxClarifies = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		sessions: sessions,
		router:   rt,
		compiler: compiler,
		backend:  backend,
		tools:    tools,
		log:      log,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		root:     root,
		queues:   make(map[string]*convQueue),
	}
	o.threshold.Store(cfg.Threshold)
	o.maxClarifies.Store(int64(cfg.MaxClarifies))
	if b != nil {
		go o.reapEvictedQueues(b.Subscribe(bus.TopicContextEvicted))
	}
	return o
}

// reapEvictedQueues retires the queue and worker of every conversation
// the session store evicts, so an idle conversation does not pin a
// goroutine and a map entry until shutdown.
func (o *Orchestrator) reapEvictedQueues(sub *bus.Subscription) {
	defer o.bus.Unsubscribe(sub)
	for {
		select {
		case <-o.root.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if payload, ok := ev.Payload.(bus.ContextEvictedEvent); ok {
				o.dropQueue(payload.ConversationID)
			}
		}
	}
}

func (o *Orchestrator) dropQueue(conversationID string) {
	o.qmu.Lock()
	q, ok := o.queues[conversationID]
	if ok {
		delete(o.queues, conversationID)
	}
	o.qmu.Unlock()
	if ok {
		close(q.stop)
	}
}

// ApplyRouting updates the acceptance threshold and the clarification
// bound for subsequent turns. Out-of-range values keep the current
// setting.
func (o *Orchestrator) ApplyRouting(threshold float64, maxClarifies int) {
	if threshold > 0 && threshold <= 1 {
		o.threshold.Store(threshold)
	}
	if maxClarifies > 0 {
		o.maxClarifies.Store(int64(maxClarifies))
	}
}

// Instrument attaches tracing and metrics. Call before Submit; not
// safe to change while turns are in flight.
func (o *Orchestrator) Instrument(tracer trace.Tracer, m *otelpkg.Metrics) {
	o.tracer = tracer
	o.metrics = m
}

// Submit enqueues a message for its conversation. Messages within a
// conversation process strictly in order; a full queue rejects rather
// than blocks the transport read loop.
func (o *Orchestrator) Submit(ctx context.Context, conversationID, message string, em Emitter) error {
	q := o.queueFor(conversationID)
	select {
	case q.ch <- inbound{ctx: ctx, message: message, emitter: em}:
		return nil
	default:
		return fmt.Errorf("%w: conversation %s", ErrQueueFull, conversationID)
	}
}

func (o *Orchestrator) queueFor(conversationID string) *convQueue {
	o.qmu.Lock()
	defer o.qmu.Unlock()
	if q, ok := o.queues[conversationID]; ok {
		return q
	}
	q := &convQueue{
		ch:   make(chan inbound, o.cfg.QueueSize),
		stop: make(chan struct{}),
	}
	o.queues[conversationID] = q
	go o.worker(conversationID, q)
	return q
}

func (o *Orchestrator) worker(conversationID string, q *convQueue) {
	for {
		select {
		case <-o.root.Done():
			return
		case <-q.stop:
			return
		case in := <-q.ch:
			o.processTurn(in.ctx, conversationID, in.message, in.emitter)
		}
	}
}

// processTurn runs one full turn under the conversation's processing
// lock, so a slow backend call blocks only this conversation.
func (o *Orchestrator) processTurn(ctx context.Context, conversationID, message string, em Emitter) {
	c := o.sessions.GetOrCreate(conversationID)
	c.Acquire()
	defer c.Release()

	turnID := shared.NewTurnID()
	ctx = shared.WithConversationID(ctx, conversationID)
	ctx = shared.WithTurnID(ctx, turnID)
	c.NextTurn()

	if o.tracer != nil {
		var span trace.Span
		ctx, span = otelpkg.StartSpan(ctx, o.tracer, "assistant.turn",
			otelpkg.AttrConversationID.String(conversationID),
			otelpkg.AttrTurnID.String(turnID))
		defer span.End()
	}
	if o.metrics != nil {
		turnStart := time.Now()
		defer func() {
			o.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
		}()
	}

	o.setState(ctx, em, c, "", StateThinking)
	c.AppendTurn("user", message)

	// A pending clarification short-circuits routing: the message
	// answers the question and goes straight back to the asking agent.
	if agentName, question, ok := c.TakePendingClarify(); ok {
		prompt := fmt.Sprintf("Earlier you asked: %q\nThe user answered: %s", question, message)
		o.respond(ctx, c, em, agentName, prompt, 1.0, turnID, false)
		return
	}

	routeStart := time.Now()
	proposal, err := o.router.Route(ctx, historyWithoutLast(c), message)
	if o.metrics != nil {
		o.metrics.RouteDuration.Record(ctx, time.Since(routeStart).Seconds())
	}
	if err != nil {
		o.logger.Error("routing failed", "conversation_id", conversationID, "error", err)
		o.refuse(ctx, c, em, turnID, "", 0, refusalBackendDown)
		return
	}

	decision := scoring.Decide(proposal, o.threshold.Load())
	if o.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			otelpkg.AttrAgentName.String(decision.Agent),
			otelpkg.AttrOutcome.String(string(decision.Outcome)),
			otelpkg.AttrConfidence.Float64(decision.Confidence))
	}
	o.recordDecision(ctx, conversationID, turnID, decision)

	switch decision.Outcome {
	case scoring.OutcomeRefuse:
		o.refuse(ctx, c, em, turnID, "", 0, refusalNoRoute)

	case scoring.OutcomeAmbiguous:
		o.clarifyOrRefuse(ctx, c, em, decision, message, turnID)

	case scoring.OutcomeAccept:
		o.respond(ctx, c, em, decision.Agent, message, decision.Confidence, turnID, true)
	}
}

// clarifyOrRefuse handles a below-threshold winner: a clarifying turn
// when the agent supports it and the bound allows, a refusal
// otherwise.
func (o *Orchestrator) clarifyOrRefuse(ctx context.Context, c *session.Context, em Emitter,
	decision scoring.Decision, message, turnID string) {

	compiled, err := o.compiler.Compile(ctx, decision.Agent)
	if err != nil {
		o.logger.Error("compile ambiguous winner", "agent", decision.Agent, "error", err)
		o.refuse(ctx, c, em, turnID, decision.Agent, decision.Confidence, refusalNoRoute)
		return
	}
	maxClarifies := int(o.maxClarifies.Load())
	if !compiled.CanClarify() || c.ConsecutiveClarifies() >= maxClarifies {
		explanation := refusalNoRoute
		if c.ConsecutiveClarifies() >= maxClarifies {
			explanation = refusalTooManyClarifies
		}
		o.refuse(ctx, c, em, turnID, decision.Agent, decision.Confidence, explanation)
		return
	}

	question, err := o.generateClarification(ctx, compiled, message)
	if err != nil {
		o.logger.Error("clarification generation failed", "agent", decision.Agent, "error", err)
		o.refuse(ctx, c, em, turnID, decision.Agent, decision.Confidence, refusalBackendDown)
		return
	}

	c.SetPendingClarify(decision.Agent, question)
	c.AppendTurn("assistant", question)
	o.setState(ctx, em, c, decision.Agent, StateClarifying)
	if err := em.Dialogue(c.ID, decision.Agent, question, true, decision.Confidence); err != nil {
		o.logger.Warn("emit clarification", "conversation_id", c.ID, "error", err)
	}
	o.publishDecision(c.ID, turnID, decision.Agent, decision.Confidence, "clarify")
}

func (o *Orchestrator) generateClarification(ctx context.Context, compiled *agent.CompiledAgent, message string) (string, error) {
	req := llm.Request{
		Model:       compiled.Model,
		Instruction: compiled.Instruction,
		Prompt: "The following user message is ambiguous for you. Ask exactly one short " +
			"clarifying question that would let you proceed. Reply with the question only.\n\n" +
			message,
		Temperature: compiled.Temperature,
		TopP:        compiled.TopP,
	}
	question, err := llm.CompleteWithRetry(ctx, o.backend, req, o.cfg.RetryBackoff)
	if err != nil {
		return "", err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("empty clarification")
	}
	return question, nil
}

// toolPlan is the structured mini-decision for agents that carry
// tools: which tool, if any, should run before answering.
type toolPlan struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// respond runs the acting and streaming phases for the chosen agent.
// resetOnDone distinguishes normally-routed turns, which clear the
// clarify counter when they finish, from clarification answers, which
// keep it so persistent ambiguity eventually hits the bound.
func (o *Orchestrator) respond(ctx context.Context, c *session.Context, em Emitter,
	agentName, message string, confidence float64, turnID string, resetOnDone bool) {

	compiled, err := o.compiler.Compile(ctx, agentName)
	if err != nil {
		o.logger.Error("compile agent", "agent", agentName, "error", err)
		o.refuse(ctx, c, em, turnID, agentName, confidence, refusalNoRoute)
		return
	}
	c.SetActiveAgent(agentName)
	ctx = shared.WithAgentName(ctx, agentName)

	prompt := message
	if len(compiled.AllowedTools) > 0 {
		prompt = o.actingPhase(ctx, c, em, compiled, message)
	}

	reply, err := o.streamingPhase(ctx, c, em, compiled, prompt, confidence)
	if err != nil {
		o.logger.Error("generation failed", "agent", agentName, "error", err)
		o.refuse(ctx, c, em, turnID, agentName, confidence, refusalBackendDown)
		return
	}

	c.AppendTurn("assistant", reply)
	if resetOnDone {
		c.ResetClarify()
	}
	o.setState(ctx, em, c, agentName, StateDone)
	o.publishDecision(c.ID, turnID, agentName, confidence, "accept")
}

// actingPhase asks the agent which tool to run, runs it, and returns
// the prompt enriched with results. Every failure here degrades the
// answer instead of refusing: the agent is told what went wrong and
// still answers.
func (o *Orchestrator) actingPhase(ctx context.Context, c *session.Context, em Emitter,
	compiled *agent.CompiledAgent, message string) string {

	plan := o.planTool(ctx, compiled, message)
	if plan == nil || plan.Tool == "" {
		return message
	}
	if !contains(compiled.AllowedTools, plan.Tool) {
		o.logger.Warn("agent planned a tool outside its allowed set", "agent", compiled.Name, "tool", plan.Tool)
		return message
	}

	o.setState(ctx, em, c, compiled.Name, StateActing)
	if err := em.Action(c.ID, compiled.Name, plan.Tool, "started"); err != nil {
		o.logger.Warn("emit action", "conversation_id", c.ID, "error", err)
	}

	invokeStart := time.Now()
	result, err := o.tools.Invoke(ctx, compiled.Name, plan.Tool, plan.Args)
	if o.metrics != nil {
		attrs := metric.WithAttributes(otelpkg.AttrToolName.String(plan.Tool))
		o.metrics.ToolCallDuration.Record(ctx, time.Since(invokeStart).Seconds(), attrs)
		if err != nil {
			o.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		}
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicToolInvoked, bus.ToolInvokedEvent{
			ConversationID: c.ID, Agent: compiled.Name, Tool: plan.Tool, Err: errMsg(err),
		})
	}
	if err != nil {
		o.logger.Warn("tool failed, degrading answer", "tool", plan.Tool, "error", err)
		_ = em.Action(c.ID, compiled.Name, plan.Tool, "failed")
		return fmt.Sprintf("%s\n\n[The %s tool was unavailable for this request. "+
			"Answer as well as you can without it and say so.]", message, plan.Tool)
	}
	_ = em.Action(c.ID, compiled.Name, plan.Tool, "completed")

	resultJSON, merr := json.Marshal(result)
	if merr != nil {
		return message
	}
	return fmt.Sprintf("%s\n\nTool %s returned:\n%s", message, plan.Tool, string(resultJSON))
}

// planTool runs one structured backend call deciding whether a tool
// applies. Any failure means no tool runs; the turn continues.
func (o *Orchestrator) planTool(ctx context.Context, compiled *agent.CompiledAgent, message string) *toolPlan {
	var lines []string
	for _, name := range compiled.AllowedTools {
		desc, schema := o.tools.Describe(name)
		line := "- " + name
		if desc != "" {
			line += ": " + desc
		}
		if schema != "" {
			line += " args schema: " + schema
		}
		lines = append(lines, line)
	}

	req := llm.Request{
		Model:       compiled.Model,
		Instruction: compiled.Instruction,
		Prompt: fmt.Sprintf("Available tools:\n%s\n\nUser message:\n%s\n\n"+
			"Reply with JSON only: {\"tool\": \"<name>\", \"args\": {...}} to run a tool, "+
			"or {\"tool\": \"\"} to answer without one.",
			strings.Join(lines, "\n"), message),
		Temperature: 0,
		TopP:        compiled.TopP,
	}
	reply, err := llm.CompleteWithRetry(ctx, o.backend, req, o.cfg.RetryBackoff)
	if err != nil {
		o.logger.Warn("tool planning failed", "agent", compiled.Name, "error", err)
		return nil
	}
	jsonStr := router.ExtractJSON(reply)
	if jsonStr == "" {
		return nil
	}
	var plan toolPlan
	if err := json.Unmarshal([]byte(jsonStr), &plan); err != nil {
		return nil
	}
	return &plan
}

// streamingPhase generates the final answer. Free-text and mixed
// agents stream through the coalescer; structured agents complete in
// one shot since partial JSON is useless to clients.
func (o *Orchestrator) streamingPhase(ctx context.Context, c *session.Context, em Emitter,
	compiled *agent.CompiledAgent, prompt string, confidence float64) (string, error) {

	req := llm.Request{
		Model:       compiled.Model,
		Instruction: compiled.Instruction,
		History:     turnsToMessages(historyWithoutLast(c)),
		Prompt:      prompt,
		Temperature: compiled.Temperature,
		TopP:        compiled.TopP,
	}

	if compiled.OutputContract == agent.ContractStructured {
		reply, err := llm.CompleteWithRetry(ctx, o.backend, req, o.cfg.RetryBackoff)
		if err != nil {
			return "", err
		}
		o.setState(ctx, em, c, compiled.Name, StateStreaming)
		if err := em.Dialogue(c.ID, compiled.Name, reply, true, confidence); err != nil {
			return "", err
		}
		return reply, nil
	}

	o.setState(ctx, em, c, compiled.Name, StateStreaming)
	var delivered atomic.Int64
	co := newCoalescer(o.cfg.ChunkBytes, o.cfg.Linger, func(chunk string) error {
		if o.bus != nil {
			o.bus.Publish(bus.TopicStreamFragment, bus.StreamFragmentEvent{
				ConversationID: c.ID, Agent: compiled.Name, Chunk: chunk,
			})
		}
		if o.metrics != nil {
			o.metrics.StreamChunks.Add(ctx, 1)
		}
		delivered.Add(int64(len(chunk)))
		return em.Dialogue(c.ID, compiled.Name, chunk, false, confidence)
	})

	reply, err := o.backend.Stream(ctx, req, co.Write)
	if err != nil {
		co.Abort()
		// One non-streaming retry for retryable failures, but only when
		// no partial output reached the client yet: regenerating after
		// delivered chunks would replay the reply's prefix.
		var be *llm.BackendError
		if errors.As(err, &be) && be.Class.Retryable() && delivered.Load() == 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(o.cfg.RetryBackoff):
			}
			reply, rerr := o.backend.Complete(ctx, req)
			if rerr != nil {
				return "", rerr
			}
			if derr := em.Dialogue(c.ID, compiled.Name, reply, true, confidence); derr != nil {
				return "", derr
			}
			return reply, nil
		}
		return "", err
	}
	if err := co.Close(); err != nil {
		return "", err
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicStreamDone, bus.StreamDoneEvent{ConversationID: c.ID, Agent: compiled.Name})
	}
	if err := em.Dialogue(c.ID, compiled.Name, "", true, confidence); err != nil {
		return "", err
	}
	return reply, nil
}

// refuse terminates the turn with a mandatory explanation.
func (o *Orchestrator) refuse(ctx context.Context, c *session.Context, em Emitter,
	turnID, agentName string, confidence float64, explanation string) {

	if strings.TrimSpace(explanation) == "" {
		explanation = refusalNoRoute
	}
	c.ResetClarify()
	c.AppendTurn("assistant", explanation)
	o.setState(ctx, em, c, agentName, StateRefused)
	if err := em.Refusal(c.ID, explanation); err != nil {
		o.logger.Warn("emit refusal", "conversation_id", c.ID, "error", err)
	}
	o.publishDecision(c.ID, turnID, agentName, confidence, "refuse")
}

func (o *Orchestrator) setState(ctx context.Context, em Emitter, c *session.Context,
	agentName string, state State) {

	if err := em.State(c.ID, agentName, state); err != nil {
		o.logger.Warn("emit state", "conversation_id", c.ID, "state", state, "error", err)
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicTurnState, bus.TurnStateEvent{
			ConversationID: c.ID,
			TurnID:         shared.TurnID(ctx),
			Agent:          agentName,
			To:             string(state),
		})
	}
}

func (o *Orchestrator) recordDecision(ctx context.Context, conversationID, turnID string, d scoring.Decision) {
	if o.metrics != nil {
		o.metrics.DecisionsByOutcome.Add(ctx, 1, metric.WithAttributes(otelpkg.AttrOutcome.String(string(d.Outcome))))
	}
	if o.log == nil {
		return
	}
	rec := persistence.DecisionRecord{
		ConversationID: conversationID,
		TurnID:         turnID,
		Agent:          d.Agent,
		Confidence:     d.Confidence,
		Outcome:        string(d.Outcome),
	}
	if err := o.log.RecordDecision(ctx, rec); err != nil {
		o.logger.Warn("record decision", "conversation_id", conversationID, "error", err)
	}
}

func (o *Orchestrator) publishDecision(conversationID, turnID, agentName string, confidence float64, outcome string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.TopicTurnDecision, bus.TurnDecisionEvent{
		ConversationID: conversationID,
		TurnID:         turnID,
		Agent:          agentName,
		Confidence:     confidence,
		Outcome:        outcome,
	})
}

// historyWithoutLast returns the conversation history minus the turn
// just appended, so the current message is not duplicated between
// history and prompt.
func historyWithoutLast(c *session.Context) []session.Turn {
	h := c.History()
	if len(h) > 0 {
		h = h[:len(h)-1]
	}
	return h
}

func turnsToMessages(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
