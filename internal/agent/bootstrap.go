package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// routerSchema constrains the router agent's replies to a single
// proposal object. The router is scored externally, so confidence is
// the only numeric field it emits.
const routerSchema = `{
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

// defaultProfiles returns the profiles seeded on first start. The model
// field is filled from config at bootstrap time so all seeds share the
// configured default backend.
func defaultProfiles(model string) []Profile {
	return []Profile{
		{
			Name:    "router",
			Model:   model,
			Enabled: true,
			Role:    "You are the intent router for a music library assistant.",
			Task: "Read the user's latest message together with the recent turns and decide " +
				"which specialist agent should handle it. Emit one proposal per plausible agent.",
			Constraints: []string{
				"Reply with JSON only. No prose before or after the object.",
				"Confidence is your own estimate between 0 and 1.",
				"Never propose an agent that is not in the candidate list you were given.",
			},
			Rules: []string{
				"If the message is ambiguous between two agents, propose both with honest confidences.",
				"If nothing fits, return an empty proposals array.",
			},
			OutputContract: ContractStructured,
			OutputSchema:   routerSchema,
			StateStrategy:  []string{"thinking", "done"},
			Version:        "1",
			Temperature:    0.0,
			TopP:           1.0,
			ContextWindow:  8192,
		},
		{
			Name:    "smalltalk",
			Model:   model,
			Enabled: true,
			Role:    "You are a friendly front desk for a personal music library.",
			Task:    "Handle greetings, thanks, and chit-chat. Keep replies short and warm.",
			Constraints: []string{
				"Never invent facts about the user's library.",
				"If the user actually wants something done, say you are handing it over.",
			},
			Rules: []string{
				"Ask at most one question back.",
			},
			OutputContract: ContractFreeText,
			StateStrategy:  []string{"thinking", "clarifying", "streaming", "done"},
			Version:        "1",
			Temperature:    0.8,
			TopP:           1.0,
			ContextWindow:  8192,
		},
		{
			Name:    "music-base",
			Model:   model,
			Enabled: false, // abstract parent, never routed to directly
			Role:    "You are a specialist assistant for a self-hosted music library.",
			Task:    "", // children override
			Constraints: []string{
				"Only reference tracks, artists, and playlists that tool results returned.",
				"Never expose file paths or internal identifiers to the user.",
			},
			Rules: []string{
				"Prefer exact matches over fuzzy ones when both exist.",
			},
			OutputContract: ContractFreeText,
			StateStrategy:  []string{"thinking", "acting", "streaming", "done"},
			Version:        "1",
			Temperature:    0.4,
			TopP:           1.0,
			ContextWindow:  8192,
		},
		{
			Name:      "music-search",
			Model:     model,
			Enabled:   true,
			BaseAgent: "music-base",
			Task: "Find tracks, albums, and artists in the library matching what the user " +
				"describes, and summarize the results conversationally.",
			Rules: []string{
				"When more than ten tracks match, show the best ten and say how many more exist.",
			},
			AllowedTools:  []string{"search_library"},
			StateStrategy: []string{"thinking", "clarifying", "acting", "streaming", "done"},
			Version:       "1",
			Temperature:   0.4,
			TopP:          1.0,
			ContextWindow: 8192,
		},
		{
			Name:      "playlist-builder",
			Model:     model,
			Enabled:   true,
			BaseAgent: "music-base",
			Task: "Assemble playlists from the user's library. Search for candidate tracks, " +
				"pick a coherent set, and create the playlist when the user confirms.",
			Rules: []string{
				"Confirm the playlist name with the user before creating it.",
			},
			AllowedTools:  []string{"search_library", "build_playlist", "add_to_playlist"},
			StateStrategy: []string{"thinking", "clarifying", "acting", "streaming", "done"},
			Version:       "1",
			Temperature:   0.6,
			TopP:          1.0,
			ContextWindow: 8192,
		},
	}
}

// Bootstrap seeds the default profiles into the store. It is idempotent:
// profiles that already exist are left exactly as they are, including
// any user edits. A store error aborts the whole bootstrap so the
// daemon never starts with a half-seeded profile set.
func Bootstrap(ctx context.Context, store ProfileStore, model string, logger *slog.Logger) error {
	for _, p := range defaultProfiles(model) {
		created, err := store.UpsertIfAbsent(ctx, p)
		if err != nil {
			return fmt.Errorf("bootstrap profile %q: %w", p.Name, err)
		}
		if created {
			logger.Info("seeded agent profile", "agent", p.Name, "version", p.Version)
		}
	}
	return nil
}
