package session

import (
	"log/slog"
	"time"

	"sync"

	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
)

// Store holds all live conversation contexts. Contexts are created on
// first message, evicted by the idle sweep or an explicit close, and
// never resurrected with old state.
type Store struct {
	mu          sync.RWMutex
	contexts    map[string]*Context
	maxHistory  int
	idleTimeout time.Duration
	bus         *bus.Bus
	logger      *slog.Logger
}

func NewStore(maxHistory int, idleTimeout time.Duration, b *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		contexts:    make(map[string]*Context),
		maxHistory:  maxHistory,
		idleTimeout: idleTimeout,
		bus:         b,
		logger:      logger,
	}
}

// GetOrCreate returns the context for id, creating it on first use.
func (s *Store) GetOrCreate(id string) *Context {
	s.mu.RLock()
	c, ok := s.contexts[id]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[id]; ok {
		return c
	}
	c = &Context{ID: id, maxHistory: s.maxHistory}
	c.touch()
	s.contexts[id] = c
	s.logger.Debug("conversation context created", "conversation_id", id)
	return c
}

// Get returns the context for id, or nil when absent.
func (s *Store) Get(id string) *Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contexts[id]
}

// Close drops a conversation's context immediately, called when its
// transport connection closes for good.
func (s *Store) Close(id string) {
	s.mu.Lock()
	_, ok := s.contexts[id]
	delete(s.contexts, id)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("conversation context closed", "conversation_id", id)
	}
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// EvictIdle drops every context idle longer than the store's timeout
// and returns how many went. Contexts mid-turn stay: the turn itself
// refreshes the activity timestamp before the lock is released.
func (s *Store) EvictIdle(now time.Time) int {
	s.mu.Lock()
	var victims []*Context
	for id, c := range s.contexts {
		if c.IdleFor(now) > s.idleTimeout {
			victims = append(victims, c)
			delete(s.contexts, id)
		}
	}
	s.mu.Unlock()

	for _, c := range victims {
		idle := c.IdleFor(now)
		s.logger.Info("conversation context evicted", "conversation_id", c.ID, "idle", idle.Round(time.Second))
		if s.bus != nil {
			s.bus.Publish(bus.TopicContextEvicted, bus.ContextEvictedEvent{
				ConversationID: c.ID,
				IdleFor:        idle,
			})
		}
	}
	return len(victims)
}
