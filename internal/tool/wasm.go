package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// memoryLimitPages caps guest memory at 160 pages = 10MB.
const memoryLimitPages = 160

// WASMHost runs sandboxed plugin tools compiled to WASM. Each module
// in the plugin directory becomes one registry tool named after its
// file, invoking the module's "run" (or "main") export.
type WASMHost struct {
	runtime wazero.Runtime
	logger  *slog.Logger

	mu      sync.Mutex
	modules map[string]api.Module
}

func NewWASMHost(ctx context.Context, logger *slog.Logger) *WASMHost {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	return &WASMHost{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		logger:  logger,
		modules: make(map[string]api.Module),
	}
}

func (h *WASMHost) Close(ctx context.Context) error {
	h.mu.Lock()
	for name, m := range h.modules {
		_ = m.Close(ctx)
		delete(h.modules, name)
	}
	h.mu.Unlock()
	return h.runtime.Close(ctx)
}

// LoadDir compiles every .wasm file in dir and registers each as a
// tool allowed for the given agents. A missing dir is not an error; a
// module that fails to load is skipped with a warning so one bad
// plugin never blocks startup.
func (h *WASMHost) LoadDir(ctx context.Context, r *Registry, dir string, allowedAgents []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugin dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		name := strings.TrimSuffix(e.Name(), ".wasm")
		if err := h.loadModule(ctx, name, path); err != nil {
			h.logger.Warn("skipping wasm plugin", "module", name, "error", err)
			continue
		}
		def := Definition{
			Name:          name,
			Description:   "WASM plugin tool " + name,
			AllowedAgents: allowedAgents,
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				return h.invoke(ctx, name)
			},
		}
		if err := r.Register(def); err != nil {
			h.logger.Warn("wasm plugin name collision", "module", name, "error", err)
		}
	}
	return nil
}

func (h *WASMHost) loadModule(ctx context.Context, name, path string) error {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module: %w", err)
	}
	module, err := h.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate module: %w", err)
	}

	h.mu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
	}
	h.modules[name] = module
	h.mu.Unlock()

	h.logger.Info("wasm plugin loaded", "module", name, "path", path)
	return nil
}

func (h *WASMHost) invoke(ctx context.Context, name string) (any, error) {
	h.mu.Lock()
	module, ok := h.modules[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wasm module %q not loaded", name)
	}

	for _, fnName := range []string{"run", "main"} {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := fn.Call(ctx)
		if err != nil {
			return nil, classifyWASMError(name, err)
		}
		if len(results) == 0 {
			return map[string]any{"module": name}, nil
		}
		return map[string]any{"module": name, "result": int32(results[0])}, nil
	}
	return nil, fmt.Errorf("wasm module %q exports no run or main function", name)
}

// classifyWASMError maps guest failures onto context errors so the
// registry's timeout handling sees them uniformly. wazero raises
// sys.ExitError on context-driven termination.
func classifyWASMError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("wasm module %q: %w", name, err)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("wasm module %q terminated: %w", name, err)
	}
	return fmt.Errorf("wasm module %q fault: %w", name, err)
}
