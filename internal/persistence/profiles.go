package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ProfileRecord is a row in the agent_profiles table. List-valued fields
// are stored as JSON text columns.
type ProfileRecord struct {
	Name           string
	Model          string
	Enabled        bool
	BaseAgent      sql.NullString
	Role           string
	Task           string
	Constraints    []string
	Rules          []string
	OutputContract string
	OutputSchema   string
	StateStrategy  []string
	Tools          []string
	Tags           []string
	Version        string
	Temperature    float64
	TopP           float64
	ContextWindow  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const profileColumns = `name, model, enabled, base_agent, role, task, constraints, rules,
	output_contract, output_schema, state_strategy, tools, tags, version,
	temperature, top_p, context_window, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*ProfileRecord, error) {
	var rec ProfileRecord
	var enabled int
	var constraints, rules, strategy, tools, tags string
	err := row.Scan(&rec.Name, &rec.Model, &enabled, &rec.BaseAgent, &rec.Role, &rec.Task,
		&constraints, &rules, &rec.OutputContract, &rec.OutputSchema, &strategy,
		&tools, &tags, &rec.Version, &rec.Temperature, &rec.TopP, &rec.ContextWindow,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Enabled = enabled != 0
	rec.Constraints = decodeStrings(constraints)
	rec.Rules = decodeStrings(rules)
	rec.StateStrategy = decodeStrings(strategy)
	rec.Tools = decodeStrings(tools)
	rec.Tags = decodeStrings(tags)
	return &rec, nil
}

// GetProfile returns the profile record for the given name, or nil if not found.
func (s *Store) GetProfile(ctx context.Context, name string) (*ProfileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM agent_profiles WHERE name = ?;`, name)
	rec, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return rec, nil
}

// ProfileExists reports whether a profile with the given name exists.
func (s *Store) ProfileExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM agent_profiles WHERE name = ?;`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("profile exists: %w", err)
	}
	return n > 0, nil
}

// InsertProfile persists a new profile record. Fails on duplicate name.
func (s *Store) InsertProfile(ctx context.Context, rec ProfileRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_profiles (name, model, enabled, base_agent, role, task,
				constraints, rules, output_contract, output_schema, state_strategy,
				tools, tags, version, temperature, top_p, context_window,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.Name, rec.Model, boolToInt(rec.Enabled), rec.BaseAgent, rec.Role, rec.Task,
			encodeStrings(rec.Constraints), encodeStrings(rec.Rules), rec.OutputContract,
			rec.OutputSchema, encodeStrings(rec.StateStrategy), encodeStrings(rec.Tools),
			encodeStrings(rec.Tags), rec.Version, rec.Temperature, rec.TopP, rec.ContextWindow)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
}

// UpdateProfile overwrites an existing profile via the admin path and bumps
// its version. Returns the new version string.
func (s *Store) UpdateProfile(ctx context.Context, rec ProfileRecord) (string, error) {
	newVersion := bumpVersion(rec.Version)
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_profiles SET model = ?, enabled = ?, base_agent = ?, role = ?,
				task = ?, constraints = ?, rules = ?, output_contract = ?, output_schema = ?,
				state_strategy = ?, tools = ?, tags = ?, version = ?, temperature = ?,
				top_p = ?, context_window = ?, updated_at = CURRENT_TIMESTAMP
			WHERE name = ?;
		`, rec.Model, boolToInt(rec.Enabled), rec.BaseAgent, rec.Role, rec.Task,
			encodeStrings(rec.Constraints), encodeStrings(rec.Rules), rec.OutputContract,
			rec.OutputSchema, encodeStrings(rec.StateStrategy), encodeStrings(rec.Tools),
			encodeStrings(rec.Tags), newVersion, rec.Temperature, rec.TopP,
			rec.ContextWindow, rec.Name)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("update profile: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("profile %q not found", rec.Name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newVersion, nil
}

// ListProfiles returns all profile records ordered by name.
func (s *Store) ListProfiles(ctx context.Context) ([]ProfileRecord, error) {
	return s.listProfiles(ctx, `SELECT `+profileColumns+` FROM agent_profiles ORDER BY name ASC;`)
}

// ListEnabledProfiles returns enabled profiles ordered by name.
func (s *Store) ListEnabledProfiles(ctx context.Context) ([]ProfileRecord, error) {
	return s.listProfiles(ctx, `SELECT `+profileColumns+` FROM agent_profiles WHERE enabled = 1 ORDER BY name ASC;`)
}

func (s *Store) listProfiles(ctx context.Context, query string) ([]ProfileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	var out []ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list profiles: iterate: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bumpVersion increments a numeric version string; non-numeric versions
// restart at "2" (the original author keeps "1" as the bootstrap version).
func bumpVersion(v string) string {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return "2"
	}
	return strconv.Itoa(n + 1)
}
