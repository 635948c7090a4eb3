package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const behaviorColumns = `id, child_id, capability_name, behavior_type, description, evidence,
	confidence, discovered_at, evaluated, absorbed, evaluated_at, absorbed_at`

// InsertBehavior persists a new learned behavior.
func (s *Store) InsertBehavior(ctx context.Context, b *LearnedBehavior) error {
	if b.Evidence == nil {
		b.Evidence = evolution.Doc{}
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO learned_behaviors (id, child_id, capability_name, behavior_type, description, evidence, confidence, discovered_at, evaluated, absorbed)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		b.ID, b.ChildID, b.CapabilityName, string(b.BehaviorType), b.Description,
		b.Evidence, b.Confidence, b.DiscoveredAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert behavior: %w", err))
	}
	return nil
}

// GetBehavior returns a behavior by id.
func (s *Store) GetBehavior(ctx context.Context, id string) (*LearnedBehavior, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+behaviorColumns+` FROM learned_behaviors WHERE id = ?`, id)
	b, err := scanBehavior(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("behavior", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get behavior: %w", err))
	}
	return b, nil
}

// ListUnevaluatedBehaviors returns unevaluated behaviors oldest first.
func (s *Store) ListUnevaluatedBehaviors(ctx context.Context, limit, offset int) ([]LearnedBehavior, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+behaviorColumns+` FROM learned_behaviors
		WHERE evaluated = 0
		ORDER BY discovered_at ASC, rowid ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, classify(fmt.Errorf("list unevaluated behaviors: %w", err))
	}
	defer rows.Close()
	return scanBehaviors(rows)
}

// ListBehaviorsByCapability returns every behavior reported for a capability, oldest first.
func (s *Store) ListBehaviorsByCapability(ctx context.Context, capability string) ([]LearnedBehavior, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+behaviorColumns+` FROM learned_behaviors
		WHERE capability_name = ?
		ORDER BY discovered_at ASC, rowid ASC`, capability)
	if err != nil {
		return nil, classify(fmt.Errorf("list behaviors by capability: %w", err))
	}
	defer rows.Close()
	return scanBehaviors(rows)
}

// MarkBehaviorEvaluated sets evaluated=true. The first evaluated_at is kept.
func (s *Store) MarkBehaviorEvaluated(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE learned_behaviors
		SET evaluated = 1, evaluated_at = COALESCE(evaluated_at, ?)
		WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return classify(fmt.Errorf("mark behavior evaluated: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evolution.NotFound("behavior", id)
	}
	return nil
}

// MarkBehaviorsEvaluated marks the listed behaviors evaluated. Rows already
// evaluated are left alone; the count of rows changed is returned.
func (s *Store) MarkBehaviorsEvaluated(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.q.ExecContext(ctx, `UPDATE learned_behaviors
		SET evaluated = 1, evaluated_at = ?
		WHERE id IN (`+placeholders+`) AND evaluated = 0`, args...)
	if err != nil {
		return 0, classify(fmt.Errorf("mark behaviors evaluated: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkCapabilityBehaviorsAbsorbed marks evaluated, unabsorbed behaviors of a capability absorbed.
func (s *Store) MarkCapabilityBehaviorsAbsorbed(ctx context.Context, capability string, at time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE learned_behaviors
		SET absorbed = 1, absorbed_at = ?
		WHERE capability_name = ? AND evaluated = 1 AND absorbed = 0`, at.UTC(), capability)
	if err != nil {
		return 0, classify(fmt.Errorf("mark capability behaviors absorbed: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountBehaviors returns total, unevaluated and absorbed behavior counts.
func (s *Store) CountBehaviors(ctx context.Context) (total, unevaluated, absorbed int, err error) {
	err = s.q.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN evaluated = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(absorbed), 0)
		FROM learned_behaviors`).Scan(&total, &unevaluated, &absorbed)
	if err != nil {
		return 0, 0, 0, classify(fmt.Errorf("count behaviors: %w", err))
	}
	return total, unevaluated, absorbed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBehavior(r rowScanner) (*LearnedBehavior, error) {
	var b LearnedBehavior
	var bt string
	var evaluated, absorbed int
	var evaluatedAt, absorbedAt sql.NullTime
	if err := r.Scan(&b.ID, &b.ChildID, &b.CapabilityName, &bt, &b.Description, &b.Evidence,
		&b.Confidence, &b.DiscoveredAt, &evaluated, &absorbed, &evaluatedAt, &absorbedAt); err != nil {
		return nil, err
	}
	b.BehaviorType = evolution.BehaviorType(bt)
	b.DiscoveredAt = b.DiscoveredAt.UTC()
	b.Evaluated = evaluated != 0
	b.Absorbed = absorbed != 0
	b.EvaluatedAt = timePtr(evaluatedAt)
	b.AbsorbedAt = timePtr(absorbedAt)
	return &b, nil
}

func scanBehaviors(rows *sql.Rows) ([]LearnedBehavior, error) {
	var out []LearnedBehavior
	for rows.Next() {
		b, err := scanBehavior(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
