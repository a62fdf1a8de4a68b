package tool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dorel14/SoniqueBay-sub001/internal/persistence"
)

const searchLibrarySchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100}
  },
  "required": ["query"],
  "additionalProperties": false
}`

const buildPlaylistSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "track_ids": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 1
    }
  },
  "required": ["name", "track_ids"],
  "additionalProperties": false
}`

const addToPlaylistSchema = `{
  "type": "object",
  "properties": {
    "playlist_id": {"type": "integer", "minimum": 1},
    "track_ids": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 1
    }
  },
  "required": ["playlist_id", "track_ids"],
  "additionalProperties": false
}`

// RegisterBuiltins wires the library capabilities into the registry.
// Agent allowlists mirror the seeded profiles.
func RegisterBuiltins(r *Registry, store *persistence.Store, logger *slog.Logger) error {
	if err := r.Register(Definition{
		Name:          "search_library",
		Description:   "Search tracks by title, artist, or album substring.",
		ArgsSchema:    searchLibrarySchema,
		AllowedAgents: []string{"music-search", "playlist-builder"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			limit := intArg(args, "limit", 25)
			tracks, err := store.SearchTracks(ctx, query, limit)
			if err != nil {
				return nil, fmt.Errorf("search tracks: %w", err)
			}
			logger.Debug("library search", "query", query, "hits", len(tracks))
			return map[string]any{"tracks": tracks, "count": len(tracks)}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(Definition{
		Name:          "build_playlist",
		Description:   "Create a named playlist from an ordered list of track ids.",
		ArgsSchema:    buildPlaylistSchema,
		AllowedAgents: []string{"playlist-builder"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)
			ids := int64SliceArg(args, "track_ids")
			playlistID, err := store.CreatePlaylist(ctx, name, ids)
			if err != nil {
				return nil, fmt.Errorf("create playlist: %w", err)
			}
			logger.Info("playlist created", "playlist_id", playlistID, "name", name, "tracks", len(ids))
			return map[string]any{"playlist_id": playlistID, "name": name, "track_count": len(ids)}, nil
		},
	}); err != nil {
		return err
	}

	if err := r.Register(Definition{
		Name:          "add_to_playlist",
		Description:   "Append tracks to an existing playlist, preserving order.",
		ArgsSchema:    addToPlaylistSchema,
		AllowedAgents: []string{"playlist-builder"},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			playlistID := int64(intArg(args, "playlist_id", 0))
			ids := int64SliceArg(args, "track_ids")
			if err := store.AddPlaylistTracks(ctx, playlistID, ids); err != nil {
				return nil, fmt.Errorf("add playlist tracks: %w", err)
			}
			logger.Info("playlist extended", "playlist_id", playlistID, "tracks", len(ids))
			return map[string]any{"playlist_id": playlistID, "added": len(ids)}, nil
		},
	}); err != nil {
		return err
	}

	return nil
}

// intArg reads a numeric arg that may arrive as float64 (encoding/json)
// or int (direct callers).
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func int64SliceArg(args map[string]any, key string) []int64 {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int64(n))
		case int:
			out = append(out, int64(n))
		case int64:
			out = append(out, n)
		}
	}
	return out
}
