package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorel14/SoniqueBay-sub001/internal/persistence"
)

// ErrProfileNotFound is returned when a lookup names a profile the
// store does not hold.
var ErrProfileNotFound = errors.New("agent profile not found")

var errEmptyName = errors.New("profile name must be non-empty")

type fieldError struct {
	profile string
	field   string
	reason  string
}

func (e fieldError) Error() string {
	return fmt.Sprintf("profile %q: field %s: %s", e.profile, e.field, e.reason)
}

// ProfileStore is the persistence boundary for agent profiles. The
// compiler and router depend on this interface rather than the SQLite
// store directly so tests can swap in an in-memory fake.
type ProfileStore interface {
	Get(ctx context.Context, name string) (*Profile, error)
	UpsertIfAbsent(ctx context.Context, p Profile) (created bool, err error)
	Update(ctx context.Context, p Profile) (newVersion string, err error)
	ListEnabled(ctx context.Context) ([]Profile, error)
}

// SQLiteProfileStore backs ProfileStore with the daemon's SQLite
// database.
type SQLiteProfileStore struct {
	db *persistence.Store
}

func NewSQLiteProfileStore(db *persistence.Store) *SQLiteProfileStore {
	return &SQLiteProfileStore{db: db}
}

func (s *SQLiteProfileStore) Get(ctx context.Context, name string) (*Profile, error) {
	rec, err := s.db.GetProfile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get profile %q: %w", name, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	p := fromRecord(rec)
	return &p, nil
}

// UpsertIfAbsent writes the profile only when no profile with that name
// exists yet. Existing profiles are never touched, so repeated startups
// leave user edits intact.
func (s *SQLiteProfileStore) UpsertIfAbsent(ctx context.Context, p Profile) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	exists, err := s.db.ProfileExists(ctx, p.Name)
	if err != nil {
		return false, fmt.Errorf("check profile %q: %w", p.Name, err)
	}
	if exists {
		return false, nil
	}
	if err := s.db.InsertProfile(ctx, toRecord(p)); err != nil {
		return false, fmt.Errorf("insert profile %q: %w", p.Name, err)
	}
	return true, nil
}

func (s *SQLiteProfileStore) Update(ctx context.Context, p Profile) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	exists, err := s.db.ProfileExists(ctx, p.Name)
	if err != nil {
		return "", fmt.Errorf("check profile %q: %w", p.Name, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %q", ErrProfileNotFound, p.Name)
	}
	v, err := s.db.UpdateProfile(ctx, toRecord(p))
	if err != nil {
		return "", fmt.Errorf("update profile %q: %w", p.Name, err)
	}
	return v, nil
}

func (s *SQLiteProfileStore) ListEnabled(ctx context.Context) ([]Profile, error) {
	recs, err := s.db.ListEnabledProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled profiles: %w", err)
	}
	out := make([]Profile, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

func toRecord(p Profile) persistence.ProfileRecord {
	rec := persistence.ProfileRecord{
		Name:           p.Name,
		Model:          p.Model,
		Enabled:        p.Enabled,
		Role:           p.Role,
		Task:           p.Task,
		Constraints:    p.Constraints,
		Rules:          p.Rules,
		OutputContract: string(p.OutputContract),
		OutputSchema:   p.OutputSchema,
		StateStrategy:  p.StateStrategy,
		Tools:          p.AllowedTools,
		Tags:           p.Tags,
		Version:        p.Version,
		Temperature:    p.Temperature,
		TopP:           p.TopP,
		ContextWindow:  p.ContextWindow,
	}
	if p.BaseAgent != "" {
		rec.BaseAgent.String = p.BaseAgent
		rec.BaseAgent.Valid = true
	}
	return rec
}

func fromRecord(rec *persistence.ProfileRecord) Profile {
	p := Profile{
		Name:           rec.Name,
		Model:          rec.Model,
		Enabled:        rec.Enabled,
		Role:           rec.Role,
		Task:           rec.Task,
		Constraints:    rec.Constraints,
		Rules:          rec.Rules,
		OutputContract: OutputContract(rec.OutputContract),
		OutputSchema:   rec.OutputSchema,
		StateStrategy:  rec.StateStrategy,
		AllowedTools:   rec.Tools,
		Tags:           rec.Tags,
		Version:        rec.Version,
		Temperature:    rec.Temperature,
		TopP:           rec.TopP,
		ContextWindow:  rec.ContextWindow,
	}
	if rec.BaseAgent.Valid {
		p.BaseAgent = rec.BaseAgent.String
	}
	return p
}
