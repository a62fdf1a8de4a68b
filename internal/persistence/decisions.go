package persistence

import (
	"context"
	"fmt"
	"time"
)

// DecisionRecord is a row in the routing_decisions audit table.
type DecisionRecord struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Agent          string    `json:"agent"`
	Confidence     float64   `json:"confidence"`
	Outcome        string    `json:"outcome"`
	Explanation    string    `json:"explanation"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecordDecision appends a routing decision to the audit log.
func (s *Store) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO routing_decisions (conversation_id, turn_id, agent, confidence, outcome, explanation)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.ConversationID, rec.TurnID, rec.Agent, rec.Confidence, rec.Outcome, rec.Explanation)
		if err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		return nil
	})
}

// ListDecisions returns the most recent decisions for a conversation.
func (s *Store) ListDecisions(ctx context.Context, conversationID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, turn_id, agent, confidence, outcome, explanation, created_at
		FROM routing_decisions
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.TurnID, &rec.Agent,
			&rec.Confidence, &rec.Outcome, &rec.Explanation, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list decisions: iterate: %w", err)
	}
	return out, nil
}

// CountDecisionsByOutcome returns decision counts keyed by outcome, for the
// gateway metrics endpoint.
func (s *Store) CountDecisionsByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(1) FROM routing_decisions GROUP BY outcome;`)
	if err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan decision count: %w", err)
		}
		out[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count decisions: iterate: %w", err)
	}
	return out, nil
}

// PruneDecisions deletes decisions older than the cutoff. Returns the number
// of rows removed. Run nightly by the retention job.
func (s *Store) PruneDecisions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM routing_decisions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("prune decisions: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune decisions: rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}
