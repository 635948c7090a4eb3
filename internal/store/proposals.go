package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const proposalColumns = `id, source_child_id, capability_name, target_child_ids, COALESCE(rationale,''),
	proposed_by, status, COALESCE(approver,''), COALESCE(decision_note,''), created_at, decided_at, executed_at`

// InsertProposal creates a pollination proposal.
func (s *Store) InsertProposal(ctx context.Context, p *PollinationProposal) error {
	if p.Status == "" {
		p.Status = evolution.ProposalProposed
	}
	targets, err := json.Marshal(nonNilStrings(p.TargetChildIDs))
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
	INSERT INTO pollination_proposals (id, source_child_id, capability_name, target_child_ids, rationale, proposed_by, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SourceChildID, p.CapabilityName, string(targets), p.Rationale, p.ProposedBy,
		string(p.Status), p.CreatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert proposal: %w", err))
	}
	return nil
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*PollinationProposal, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM pollination_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("proposal", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get proposal: %w", err))
	}
	return p, nil
}

// ListProposals returns proposals, optionally filtered by status, newest first.
func (s *Store) ListProposals(ctx context.Context, status string, limit int) ([]PollinationProposal, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + proposalColumns + ` FROM pollination_proposals WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list proposals: %w", err))
	}
	defer rows.Close()

	var out []PollinationProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DecideProposal moves a proposal out of proposed into approved or rejected,
// recording who decided. The update only applies while status is still proposed.
func (s *Store) DecideProposal(ctx context.Context, id string, to evolution.ProposalStatus, approver, note string) error {
	if !evolution.ProposalProposed.CanAdvance(to) {
		return evolution.Invalid("proposal cannot move from proposed to %s", to)
	}
	res, err := s.q.ExecContext(ctx, `UPDATE pollination_proposals
		SET status = ?, approver = ?, decision_note = ?, decided_at = ?
		WHERE id = ? AND status = 'proposed'`,
		string(to), approver, note, s.Now(), id)
	if err != nil {
		return classify(fmt.Errorf("decide proposal: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, err := s.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		return evolution.Conflictf("proposal %s is already %s", id, p.Status)
	}
	return nil
}

// MarkProposalExecuted moves an approved proposal to executed.
func (s *Store) MarkProposalExecuted(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE pollination_proposals
		SET status = 'executed', executed_at = ?
		WHERE id = ? AND status = 'approved'`, s.Now(), id)
	if err != nil {
		return classify(fmt.Errorf("mark proposal executed: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, err := s.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		return evolution.Conflictf("proposal %s is %s, not approved", id, p.Status)
	}
	return nil
}

func scanProposal(r rowScanner) (*PollinationProposal, error) {
	var p PollinationProposal
	var targets, status string
	var decided, executed sql.NullTime
	if err := r.Scan(&p.ID, &p.SourceChildID, &p.CapabilityName, &targets, &p.Rationale,
		&p.ProposedBy, &status, &p.Approver, &p.DecisionNote, &p.CreatedAt, &decided, &executed); err != nil {
		return nil, err
	}
	if targets != "" {
		if err := json.Unmarshal([]byte(targets), &p.TargetChildIDs); err != nil {
			return nil, fmt.Errorf("decode targets: %w", err)
		}
	}
	p.TargetChildIDs = nonNilStrings(p.TargetChildIDs)
	p.Status = evolution.ProposalStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	p.DecidedAt = timePtr(decided)
	p.ExecutedAt = timePtr(executed)
	return &p, nil
}
