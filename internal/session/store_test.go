package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dorel14/SoniqueBay-sub001/internal/bus"
)

func testStore(t *testing.T, idle time.Duration) *Store {
	t.Helper()
	return NewStore(5, idle, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetOrCreateReusesContext(t *testing.T) {
	s := testStore(t, time.Hour)
	a := s.GetOrCreate("conv-1")
	b := s.GetOrCreate("conv-1")
	if a != b {
		t.Error("same conversation id must yield the same context")
	}
	if s.GetOrCreate("conv-2") == a {
		t.Error("distinct conversation ids must not share a context")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestHistoryBounded(t *testing.T) {
	s := testStore(t, time.Hour)
	c := s.GetOrCreate("conv")
	c.Acquire()
	for i := 0; i < 12; i++ {
		c.AppendTurn("user", "msg")
	}
	got := c.History()
	c.Release()
	if len(got) != 5 {
		t.Errorf("history length = %d, want bound of 5", len(got))
	}
}

func TestPendingClarifyRoundTrip(t *testing.T) {
	s := testStore(t, time.Hour)
	c := s.GetOrCreate("conv")
	c.Acquire()
	defer c.Release()

	if _, _, ok := c.TakePendingClarify(); ok {
		t.Fatal("fresh context must not have a pending clarification")
	}

	c.SetPendingClarify("music-search", "which artist?")
	agent, question, ok := c.TakePendingClarify()
	if !ok || agent != "music-search" || question != "which artist?" {
		t.Errorf("got (%q, %q, %v)", agent, question, ok)
	}
	if c.ConsecutiveClarifies() != 1 {
		t.Errorf("consecutive clarifies = %d, want 1", c.ConsecutiveClarifies())
	}

	// Taking disarms the gate but keeps the counter until reset.
	if _, _, ok := c.TakePendingClarify(); ok {
		t.Error("gate must disarm after take")
	}
	c.SetPendingClarify("music-search", "album or single?")
	if c.ConsecutiveClarifies() != 2 {
		t.Errorf("consecutive clarifies = %d, want 2", c.ConsecutiveClarifies())
	}
	c.ResetClarify()
	if c.ConsecutiveClarifies() != 0 {
		t.Error("reset must zero the counter")
	}
}

func TestEvictIdle(t *testing.T) {
	s := testStore(t, 10*time.Millisecond)
	b := bus.New()
	s.bus = b
	sub := b.Subscribe(bus.TopicContextEvicted)
	defer b.Unsubscribe(sub)

	s.GetOrCreate("stale")
	time.Sleep(25 * time.Millisecond)
	fresh := s.GetOrCreate("fresh")
	fresh.touch()

	evicted := s.EvictIdle(time.Now())
	if evicted != 1 {
		t.Fatalf("evicted %d contexts, want 1", evicted)
	}
	if s.Get("stale") != nil {
		t.Error("stale context still present")
	}
	if s.Get("fresh") == nil {
		t.Error("fresh context evicted")
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.ContextEvictedEvent)
		if !ok || payload.ConversationID != "stale" {
			t.Errorf("unexpected eviction event: %+v", ev)
		}
		if payload.IdleFor < 10*time.Millisecond {
			t.Errorf("event idle duration = %v, want at least the store timeout", payload.IdleFor)
		}
	case <-time.After(time.Second):
		t.Error("no eviction event published")
	}
}

func TestCloseDropsContext(t *testing.T) {
	s := testStore(t, time.Hour)
	s.GetOrCreate("conv")
	s.Close("conv")
	if s.Get("conv") != nil {
		t.Error("context survived explicit close")
	}
	// Closing an unknown id is a no-op.
	s.Close("ghost")
}
