package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// memStore is an in-memory ProfileStore for tests.
type memStore struct {
	mu       sync.Mutex
	profiles map[string]Profile
}

func newMemStore(profiles ...Profile) *memStore {
	m := &memStore{profiles: make(map[string]Profile)}
	for _, p := range profiles {
		m.profiles[p.Name] = p
	}
	return m
}

func (m *memStore) Get(_ context.Context, name string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[name]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := p
	return &cp, nil
}

func (m *memStore) UpsertIfAbsent(_ context.Context, p Profile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.Name]; ok {
		return false, nil
	}
	m.profiles[p.Name] = p
	return true, nil
}

func (m *memStore) Update(_ context.Context, p Profile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.Name]; !ok {
		return "", ErrProfileNotFound
	}
	p.Version = p.Version + "+1"
	m.profiles[p.Name] = p
	return p.Version, nil
}

func (m *memStore) ListEnabled(_ context.Context) ([]Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Profile
	for _, p := range m.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func testProfile(name, base string) Profile {
	return Profile{
		Name:           name,
		Model:          "test-model",
		Enabled:        true,
		BaseAgent:      base,
		Role:           "role of " + name,
		OutputContract: ContractFreeText,
		Version:        "1",
		Temperature:    0.5,
		TopP:           1.0,
		ContextWindow:  4096,
	}
}

func TestCompileInheritanceAccumulation(t *testing.T) {
	parent := testProfile("parent", "")
	parent.Role = "R1"
	parent.Constraints = []string{"c1"}
	parent.Rules = []string{"r1"}
	parent.AllowedTools = []string{"t1"}

	child := testProfile("child", "parent")
	child.Role = "R2"
	child.Constraints = []string{"c2"}
	child.AllowedTools = nil

	c := NewCompiler(newMemStore(parent, child))
	got, err := c.Compile(context.Background(), "child")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(got.Instruction, "R2") || strings.Contains(got.Instruction, "R1") {
		t.Errorf("child role should override parent, got instruction:\n%s", got.Instruction)
	}
	wantOrder := strings.Index(got.Instruction, "c1") < strings.Index(got.Instruction, "c2")
	if !strings.Contains(got.Instruction, "c1") || !strings.Contains(got.Instruction, "c2") || !wantOrder {
		t.Errorf("constraints should accumulate root first, got:\n%s", got.Instruction)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "t1" {
		t.Errorf("tools should union when leaf declares none, got %v", got.AllowedTools)
	}
}

func TestCompileLeafToolsReplaceUnion(t *testing.T) {
	parent := testProfile("parent", "")
	parent.AllowedTools = []string{"t1", "t2"}
	child := testProfile("child", "parent")
	child.AllowedTools = []string{"t3"}

	c := NewCompiler(newMemStore(parent, child))
	got, err := c.Compile(context.Background(), "child")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(got.AllowedTools) != 1 || got.AllowedTools[0] != "t3" {
		t.Errorf("leaf tool list should replace union, got %v", got.AllowedTools)
	}
}

func TestCompileCycleDetection(t *testing.T) {
	a := testProfile("a", "b")
	b := testProfile("b", "a")
	c := NewCompiler(newMemStore(a, b))

	for _, name := range []string{"a", "b"} {
		_, err := c.Compile(context.Background(), name)
		if !errors.Is(err, ErrCycleDetected) {
			t.Errorf("compile %q: want ErrCycleDetected, got %v", name, err)
		}
	}
}

func TestCompileMissingAncestor(t *testing.T) {
	child := testProfile("child", "ghost")
	c := NewCompiler(newMemStore(child))
	_, err := c.Compile(context.Background(), "child")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("want ErrProfileNotFound, got %v", err)
	}
}

func TestCompileDeterministic(t *testing.T) {
	parent := testProfile("parent", "")
	parent.Constraints = []string{"c1", "c2"}
	parent.Rules = []string{"r1"}
	child := testProfile("child", "parent")
	child.Task = "do the thing"
	child.StateStrategy = []string{"thinking", "done"}

	store := newMemStore(parent, child)
	first, err := NewCompiler(store).Compile(context.Background(), "child")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := NewCompiler(store).Compile(context.Background(), "child")
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		if again.Instruction != first.Instruction {
			t.Fatalf("instruction not deterministic:\n%q\nvs\n%q", first.Instruction, again.Instruction)
		}
	}
}

func TestCompileCacheInvalidatedByVersionBump(t *testing.T) {
	p := testProfile("solo", "")
	p.Role = "before"
	store := newMemStore(p)
	c := NewCompiler(store)

	got, err := c.Compile(context.Background(), "solo")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(got.Instruction, "before") {
		t.Fatalf("unexpected instruction: %s", got.Instruction)
	}

	store.mu.Lock()
	edited := store.profiles["solo"]
	edited.Role = "after"
	edited.Version = "2"
	store.profiles["solo"] = edited
	store.mu.Unlock()

	got, err = c.Compile(context.Background(), "solo")
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if !strings.Contains(got.Instruction, "after") {
		t.Errorf("version bump should force recompile, got: %s", got.Instruction)
	}
}

func TestCanClarify(t *testing.T) {
	with := &CompiledAgent{StateStrategy: []string{"thinking", "clarifying", "done"}}
	without := &CompiledAgent{StateStrategy: []string{"thinking", "done"}}
	if !with.CanClarify() {
		t.Error("agent with clarifying state should report CanClarify")
	}
	if without.CanClarify() {
		t.Error("agent without clarifying state should not report CanClarify")
	}
}
