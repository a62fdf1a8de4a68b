package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Track is a row in the tracks table. The table is populated by the
// library scanner, an external collaborator; the assistant only reads it.
type Track struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Album           string `json:"album"`
	Genre           string `json:"genre"`
	DurationSeconds int    `json:"duration_seconds"`
	Path            string `json:"path"`
}

// Playlist is a row in the playlists table plus its ordered track ids.
type Playlist struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	TrackIDs  []int64   `json:"track_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchTracks matches title, artist or album against the query with a
// case-insensitive substring match, bounded by limit.
func (s *Store) SearchTracks(ctx context.Context, query string, limit int) ([]Track, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, artist, album, genre, duration_seconds, path
		FROM tracks
		WHERE title LIKE ? COLLATE NOCASE
		   OR artist LIKE ? COLLATE NOCASE
		   OR album LIKE ? COLLATE NOCASE
		ORDER BY artist, album, title
		LIMIT ?;
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search tracks: %w", err)
	}
	defer rows.Close()
	var out []Track
	for rows.Next() {
		var t Track
		if err := rows.Scan(&t.ID, &t.Title, &t.Artist, &t.Album, &t.Genre,
			&t.DurationSeconds, &t.Path); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search tracks: iterate: %w", err)
	}
	return out, nil
}

// InsertTrack adds a track row. Used by tests and the import path.
func (s *Store) InsertTrack(ctx context.Context, t Track) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tracks (title, artist, album, genre, duration_seconds, path)
			VALUES (?, ?, ?, ?, ?, ?);
		`, t.Title, t.Artist, t.Album, t.Genre, t.DurationSeconds, t.Path)
		if err != nil {
			return fmt.Errorf("insert track: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert track: last id: %w", err)
		}
		return nil
	})
	return id, err
}

// CreatePlaylist creates a playlist with the given ordered track ids in a
// single transaction. Unknown track ids fail the whole playlist.
func (s *Store) CreatePlaylist(ctx context.Context, name string, trackIDs []int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create playlist: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO playlists (name) VALUES (?);`, name)
	if err != nil {
		return 0, fmt.Errorf("create playlist: %w", err)
	}
	playlistID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create playlist: last id: %w", err)
	}

	for pos, trackID := range trackIDs {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tracks WHERE id = ?;`, trackID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("create playlist: check track: %w", err)
		}
		if exists == 0 {
			return 0, fmt.Errorf("create playlist: track %d not found", trackID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO playlist_tracks (playlist_id, track_id, position) VALUES (?, ?, ?);
		`, playlistID, trackID, pos); err != nil {
			return 0, fmt.Errorf("create playlist: add track: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create playlist: commit: %w", err)
	}
	return playlistID, nil
}

// AddPlaylistTracks appends tracks to an existing playlist after its
// current last position. Unknown playlist or track ids fail the whole
// append.
func (s *Store) AddPlaylistTracks(ctx context.Context, playlistID int64, trackIDs []int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add playlist tracks: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM playlists WHERE id = ?;`, playlistID).Scan(&exists); err != nil {
		return fmt.Errorf("add playlist tracks: check playlist: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("add playlist tracks: playlist %d not found", playlistID)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM playlist_tracks WHERE playlist_id = ?;`,
		playlistID).Scan(&next); err != nil {
		return fmt.Errorf("add playlist tracks: next position: %w", err)
	}

	for i, trackID := range trackIDs {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tracks WHERE id = ?;`, trackID).Scan(&exists); err != nil {
			return fmt.Errorf("add playlist tracks: check track: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("add playlist tracks: track %d not found", trackID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO playlist_tracks (playlist_id, track_id, position) VALUES (?, ?, ?);
		`, playlistID, trackID, next+i); err != nil {
			return fmt.Errorf("add playlist tracks: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add playlist tracks: commit: %w", err)
	}
	return nil
}

// GetPlaylist returns a playlist with its ordered track ids, or nil if not found.
func (s *Store) GetPlaylist(ctx context.Context, id int64) (*Playlist, error) {
	var p Playlist
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM playlists WHERE id = ?;`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get playlist: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id FROM playlist_tracks WHERE playlist_id = ? ORDER BY position ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get playlist tracks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var trackID int64
		if err := rows.Scan(&trackID); err != nil {
			return nil, fmt.Errorf("scan playlist track: %w", err)
		}
		p.TrackIDs = append(p.TrackIDs, trackID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get playlist tracks: iterate: %w", err)
	}
	return &p, nil
}
