package orchestrator

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type chunkSink struct {
	mu     sync.Mutex
	chunks []string
	err    error
}

func (s *chunkSink) emit(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *chunkSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func TestCoalescerBoundsChunks(t *testing.T) {
	sink := &chunkSink{}
	co := newCoalescer(8, time.Hour, sink.emit)

	if err := co.Write(strings.Repeat("a", 20)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := co.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	chunks := sink.all()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 8 {
			t.Errorf("chunk %d exceeds bound: %d bytes", i, len(c))
		}
	}
	if joined := strings.Join(chunks, ""); joined != strings.Repeat("a", 20) {
		t.Error("chunks do not reassemble to the input")
	}
}

func TestCoalescerAccumulatesSmallFragments(t *testing.T) {
	sink := &chunkSink{}
	co := newCoalescer(10, time.Hour, sink.emit)

	for i := 0; i < 5; i++ {
		if err := co.Write("ab"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Exactly one full chunk, nothing below the bound emitted early.
	if got := sink.all(); len(got) != 1 || got[0] != "ababababab" {
		t.Errorf("got %q", got)
	}
	if err := co.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestCoalescerLingerFlush(t *testing.T) {
	sink := &chunkSink{}
	co := newCoalescer(1024, 10*time.Millisecond, sink.emit)
	defer co.Close()

	if err := co.Write("partial"); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := sink.all(); len(got) == 1 && got[0] == "partial" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Error("linger never flushed the partial chunk")
}

func TestCoalescerEmitErrorSticks(t *testing.T) {
	boom := errors.New("client gone")
	sink := &chunkSink{err: boom}
	co := newCoalescer(4, time.Hour, sink.emit)

	if err := co.Write("too long for one chunk"); !errors.Is(err, boom) {
		t.Fatalf("want emit error, got %v", err)
	}
	if err := co.Write("more"); !errors.Is(err, boom) {
		t.Error("error must stick for later writes")
	}
}
