package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/dorel14/SoniqueBay-sub001/internal/agent"
	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
	"github.com/dorel14/SoniqueBay-sub001/internal/orchestrator"
	"github.com/dorel14/SoniqueBay-sub001/internal/persistence"
	"github.com/dorel14/SoniqueBay-sub001/internal/session"
	"github.com/dorel14/SoniqueBay-sub001/internal/tool"
)

// Submitter accepts inbound conversation messages. Implemented by
// orchestrator.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, conversationID, message string, em orchestrator.Emitter) error
}

type Config struct {
	Orchestrator Submitter
	Sessions     *session.Store
	Store        *persistence.Store
	Tools        *tool.Registry

	// Profiles and Bus back the admin mutation path: updates go through
	// Profiles and are announced on Bus so compiled agents invalidate.
	Profiles agent.ProfileStore
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed on /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	connsMu sync.Mutex
	conns   map[string]*conn // conversation id → active connection
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
		conns:   make(map[string]*conn),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/admin/profiles", s.handleAdminProfile)
	return mux
}

// conn is one WebSocket connection serving exactly one conversation. It
// implements orchestrator.Emitter, mapping emitter calls onto envelopes.
type conn struct {
	ws  *websocket.Conn
	ctx context.Context

	mu    sync.Mutex
	state string // last state pushed, stamped onto every outbound envelope
}

func (c *conn) write(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env.State == "" {
		env.State = c.state
	}
	return wsjson.Write(c.ctx, c.ws, env)
}

func (c *conn) State(_, agentName string, state orchestrator.State) error {
	c.mu.Lock()
	c.state = string(state)
	c.mu.Unlock()
	return c.write(Envelope{Type: TypeState, Agent: agentName, State: string(state)})
}

func (c *conn) Dialogue(_, agentName, chunk string, final bool, confidence float64) error {
	if final && chunk == "" {
		// Stream already delivered chunk by chunk; the done state
		// envelope marks completion.
		return nil
	}
	env := Envelope{Type: TypeDialogue, Agent: agentName, Payload: chunk}
	if final {
		env.Payload = decodePayload(chunk)
		env.Confidence = &confidence
	}
	return c.write(env)
}

func (c *conn) Action(_, agentName, toolName, status string) error {
	return c.write(Envelope{
		Type:    TypeAction,
		Agent:   agentName,
		Payload: map[string]any{"tool": toolName, "status": status},
	})
}

func (c *conn) Refusal(_, explanation string) error {
	return c.write(Envelope{
		Type:    TypeError,
		State:   string(orchestrator.StateRefused),
		Payload: explanation,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation"))
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	// Echo the id so clients that let the server pick one can learn it.
	w.Header().Set("X-Conversation-Id", conversationID)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &conn{ws: ws, ctx: r.Context(), state: string(orchestrator.StateThinking)}
	if !s.register(conversationID, c) {
		_ = c.write(Envelope{Type: TypeError, Payload: "conversation already has an active connection"})
		_ = ws.Close(websocket.StatusPolicyViolation, "duplicate conversation")
		return
	}
	s.logger.Info("ws: client connected", "conversation_id", conversationID)
	defer func() {
		s.unregister(conversationID)
		s.logger.Info("ws: client disconnected", "conversation_id", conversationID)
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The read loop owns the connection. r.Context() cancels when the
	// connection drops, which aborts in-flight backend and tool calls for
	// any turn submitted over this connection.
	for {
		var env Envelope
		if err := wsjson.Read(r.Context(), ws, &env); err != nil {
			return
		}
		text, ok := env.Payload.(string)
		if env.Type != TypeDialogue || !ok || strings.TrimSpace(text) == "" {
			_ = c.write(Envelope{Type: TypeError, Payload: "expected a dialogue envelope with a string payload"})
			continue
		}
		if err := s.cfg.Orchestrator.Submit(r.Context(), conversationID, text, c); err != nil {
			if errors.Is(err, orchestrator.ErrQueueFull) {
				_ = c.write(Envelope{Type: TypeError, Payload: "conversation is busy; message dropped, try again shortly"})
				continue
			}
			s.logger.Error("ws: submit failed", "conversation_id", conversationID, "error", err)
			_ = c.write(Envelope{Type: TypeError, Payload: "message could not be accepted"})
		}
	}
}

func (s *Server) register(conversationID string, c *conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if _, exists := s.conns[conversationID]; exists {
		return false
	}
	s.conns[conversationID] = c
	return true
}

func (s *Server) unregister(conversationID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conversationID)
}

func (s *Server) activeConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.cfg.Store.DB().PingContext(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":              dbOK,
		"db_ok":                dbOK,
		"config_hash":          s.cfg.ConfigFingerprint,
		"active_connections":   s.activeConnections(),
		"active_conversations": s.cfg.Sessions.Len(),
		"uptime_seconds":       int64(time.Since(s.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	outcomes, _ := s.cfg.Store.CountDecisionsByOutcome(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	toolCalls := make(map[string]int64)
	for _, name := range s.cfg.Tools.Names() {
		toolCalls[name] = s.cfg.Tools.Calls(name)
	}

	payload := map[string]any{
		"active_connections":   s.activeConnections(),
		"active_conversations": s.cfg.Sessions.Len(),
		"decisions":            outcomes,
		"tool_calls":           toolCalls,
		"alloc_bytes":          mem.Alloc,
		"goroutines":           runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleAdminProfile is the explicit mutation path for agent profiles:
// an authenticated PUT replaces one profile, bumps its version, and
// publishes the update so cached compilations of the agent and its
// descendants are dropped.
func (s *Server) handleAdminProfile(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p agent.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed profile body", http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	newVersion, err := s.cfg.Profiles.Update(r.Context(), p)
	if err != nil {
		if errors.Is(err, agent.ErrProfileNotFound) {
			http.Error(w, "unknown profile", http.StatusNotFound)
			return
		}
		s.logger.Error("admin profile update failed", "profile", p.Name, "error", err)
		http.Error(w, "profile update failed", http.StatusInternalServerError)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicProfileUpdated, bus.ProfileUpdatedEvent{Name: p.Name, Version: newVersion})
	}
	s.logger.Info("profile updated", "profile", p.Name, "version", newVersion)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"name": p.Name, "version": newVersion})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	outcomes, _ := s.cfg.Store.CountDecisionsByOutcome(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP soniqued_active_connections Open WebSocket connections.\n")
	fmt.Fprintf(w, "# TYPE soniqued_active_connections gauge\n")
	fmt.Fprintf(w, "soniqued_active_connections %d\n", s.activeConnections())
	fmt.Fprintf(w, "# HELP soniqued_active_conversations Conversation contexts held in memory.\n")
	fmt.Fprintf(w, "# TYPE soniqued_active_conversations gauge\n")
	fmt.Fprintf(w, "soniqued_active_conversations %d\n", s.cfg.Sessions.Len())
	fmt.Fprintf(w, "# HELP soniqued_decisions_total Routing decisions by outcome.\n")
	fmt.Fprintf(w, "# TYPE soniqued_decisions_total counter\n")
	// The decision log stores scoring outcomes; ambiguous turns resolve
	// to clarify or refuse downstream but are recorded as ambiguous.
	for _, outcome := range []string{"accept", "ambiguous", "refuse"} {
		fmt.Fprintf(w, "soniqued_decisions_total{outcome=%q} %d\n", outcome, outcomes[outcome])
	}
	fmt.Fprintf(w, "# HELP soniqued_tool_calls_total Tool invocations that passed authorization.\n")
	fmt.Fprintf(w, "# TYPE soniqued_tool_calls_total counter\n")
	for _, name := range s.cfg.Tools.Names() {
		fmt.Fprintf(w, "soniqued_tool_calls_total{tool=%q} %d\n", name, s.cfg.Tools.Calls(name))
	}
	fmt.Fprintf(w, "# HELP soniqued_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE soniqued_alloc_bytes gauge\n")
	fmt.Fprintf(w, "soniqued_alloc_bytes %d\n", mem.Alloc)
}
