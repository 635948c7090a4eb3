package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const evaluationColumns = `id, capability_name, COALESCE(source_child_id,''), evaluation_type, score,
	metrics, gate_results, verdict, evaluator, COALESCE(notes,''), COALESCE(supersedes_id,''),
	COALESCE(staging_env_id,''), evaluated_at`

// InsertEvaluation appends an evaluation row. Rows are never updated.
func (s *Store) InsertEvaluation(ctx context.Context, e *CapabilityEvaluation) error {
	if e.Metrics == nil {
		e.Metrics = evolution.Doc{}
	}
	if e.GateResults == nil {
		e.GateResults = evolution.Doc{}
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO capability_evaluations (id, capability_name, source_child_id, evaluation_type, score, metrics, gate_results, verdict, evaluator, notes, supersedes_id, staging_env_id, evaluated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CapabilityName, nullString(e.SourceChildID), string(e.EvaluationType), e.Score,
		e.Metrics, e.GateResults, string(e.Verdict), e.Evaluator, e.Notes,
		nullString(e.SupersedesID), nullString(e.StagingEnvID), e.EvaluatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert evaluation: %w", err))
	}
	return nil
}

// GetEvaluation returns an evaluation by id.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*CapabilityEvaluation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM capability_evaluations WHERE id = ?`, id)
	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("evaluation", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get evaluation: %w", err))
	}
	return e, nil
}

// ListEvaluations returns the full evaluation history of a capability, oldest first.
func (s *Store) ListEvaluations(ctx context.Context, capability string) ([]CapabilityEvaluation, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+evaluationColumns+` FROM capability_evaluations
		WHERE capability_name = ?
		ORDER BY evaluated_at ASC, rowid ASC`, capability)
	if err != nil {
		return nil, classify(fmt.Errorf("list evaluations: %w", err))
	}
	defer rows.Close()

	var out []CapabilityEvaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LatestEvaluation returns the most recent evaluation of a capability, or (nil, nil).
func (s *Store) LatestEvaluation(ctx context.Context, capability string) (*CapabilityEvaluation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+evaluationColumns+` FROM capability_evaluations
		WHERE capability_name = ?
		ORDER BY evaluated_at DESC, rowid DESC
		LIMIT 1`, capability)
	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("latest evaluation: %w", err))
	}
	return e, nil
}

// ApprovedUnabsorbedCapabilities returns capability names whose latest verdict is
// approved and which still hold evaluated but unabsorbed behaviors.
func (s *Store) ApprovedUnabsorbedCapabilities(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT DISTINCT b.capability_name
	FROM learned_behaviors b
	WHERE b.evaluated = 1 AND b.absorbed = 0
	AND (
		SELECT e.verdict FROM capability_evaluations e
		WHERE e.capability_name = b.capability_name
		ORDER BY e.evaluated_at DESC, e.rowid DESC
		LIMIT 1
	) = 'approved'
	ORDER BY b.capability_name ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("list approved capabilities: %w", err))
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanEvaluation(r rowScanner) (*CapabilityEvaluation, error) {
	var e CapabilityEvaluation
	var et, verdict string
	if err := r.Scan(&e.ID, &e.CapabilityName, &e.SourceChildID, &et, &e.Score,
		&e.Metrics, &e.GateResults, &verdict, &e.Evaluator, &e.Notes, &e.SupersedesID,
		&e.StagingEnvID, &e.EvaluatedAt); err != nil {
		return nil, err
	}
	e.EvaluationType = evolution.EvaluationType(et)
	e.Verdict = evolution.Verdict(verdict)
	e.EvaluatedAt = e.EvaluatedAt.UTC()
	return &e, nil
}
