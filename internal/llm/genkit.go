package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// fallbackReply is returned by the no-key deterministic mode so the
// daemon stays usable for wiring and tests without credentials.
const fallbackReply = "I can answer with full reasoning after an API key is configured."

// GenkitConfig selects the provider and credentials for the shared
// backend. All agents go through one backend; the model is chosen
// per-request from the compiled profile.
type GenkitConfig struct {
	Provider             string // "google", "anthropic", "openai", "openai_compatible"
	APIKey               string // in-memory only, never persisted
	OpenAICompatProvider string
	OpenAICompatBaseURL  string
}

// GenkitBackend implements Backend on top of Firebase Genkit. When no
// API key is available it degrades to a deterministic canned reply
// instead of failing, matching local development without credentials.
type GenkitBackend struct {
	g        *genkit.Genkit
	provider string
	llmOn    bool
}

// NewGenkitBackend initializes Genkit with the configured provider.
func NewGenkitBackend(ctx context.Context, cfg GenkitConfig) *GenkitBackend {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			plugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
			slog.Info("backend initialized", "provider", "anthropic")
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			plugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
			slog.Info("backend initialized", "provider", "openai")
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			plugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
			slog.Info("backend initialized", "provider", "openai_compatible", "base_url", cfg.OpenAICompatBaseURL)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
			slog.Info("backend initialized", "provider", "google")
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitBackend{g: g, provider: provider, llmOn: llmOn}
}

// Complete runs one non-streaming generation.
func (b *GenkitBackend) Complete(ctx context.Context, req Request) (string, error) {
	if !b.llmOn {
		return fallbackReply, nil
	}
	opts, err := b.buildOptions(req)
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", wrap(fmt.Errorf("generate: %w", err))
	}
	return resp.Text(), nil
}

// Stream runs one streaming generation, invoking onChunk per text
// fragment at provider granularity. The caller is responsible for
// coalescing.
func (b *GenkitBackend) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	if !b.llmOn {
		if err := onChunk(fallbackReply); err != nil {
			return "", err
		}
		return fallbackReply, nil
	}
	opts, err := b.buildOptions(req)
	if err != nil {
		return "", err
	}

	stream := genkit.GenerateStream(ctx, b.g, opts...)

	var full strings.Builder
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			return "", wrap(fmt.Errorf("stream: %w", err))
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return "", err
					}
					full.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}

	reply := full.String()
	if reply == "" {
		reply = doneReply
	}
	return reply, nil
}

func (b *GenkitBackend) buildOptions(req Request) ([]ai.GenerateOption, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	// Escape % characters so ai.WithSystem's internal formatting never
	// corrupts the instruction block.
	system := strings.ReplaceAll(req.Instruction, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(b.provider, req.Model)),
		ai.WithPrompt(prompt),
		ai.WithSystem(system),
	}
	if msgs := toMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if req.Temperature > 0 || req.TopP > 0 {
		cfg := map[string]any{}
		if req.Temperature > 0 {
			cfg["temperature"] = req.Temperature
		}
		if req.TopP > 0 {
			cfg["top_p"] = req.TopP
		}
		opts = append(opts, ai.WithConfig(cfg))
	}
	return opts, nil
}

func toMessages(history []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range history {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
