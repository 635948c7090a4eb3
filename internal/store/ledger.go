package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const ledgerColumns = `id, seq, capability_name, COALESCE(genome_version, 0), source_type,
	COALESCE(source_child_id,''), COALESCE(target_child_id,''), propagation_status,
	COALESCE(evaluation_id,''), COALESCE(staging_env_id,''), COALESCE(proposal_id,''),
	COALESCE(ref_entry_id,''), COALESCE(error_details,''), initiated_by, initiated_at, completed_at`

// AppendLedger inserts a new ledger row. When the status is already terminal,
// completed_at is stamped in the same statement so the row is born frozen.
func (s *Store) AppendLedger(ctx context.Context, e *PropagationLogEntry) error {
	if e.PropagationStatus == "" {
		e.PropagationStatus = evolution.PropagationPending
	}
	if e.InitiatedAt.IsZero() {
		e.InitiatedAt = s.Now()
	}
	if e.PropagationStatus.Terminal() && e.CompletedAt == nil {
		t := s.Now()
		e.CompletedAt = &t
	}
	var version any
	if e.GenomeVersion > 0 {
		version = e.GenomeVersion
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO propagation_log (id, seq, capability_name, genome_version, source_type, source_child_id, target_child_id,
		propagation_status, evaluation_id, staging_env_id, proposal_id, ref_entry_id, error_details, initiated_by, initiated_at, completed_at)
	VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM propagation_log), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CapabilityName, version, string(e.SourceType), nullString(e.SourceChildID),
		nullString(e.TargetChildID), string(e.PropagationStatus), nullString(e.EvaluationID),
		nullString(e.StagingEnvID), nullString(e.ProposalID), nullString(e.RefEntryID),
		e.ErrorDetails, e.InitiatedBy, e.InitiatedAt.UTC(), nullTime(e.CompletedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("append ledger: %w", err))
	}
	return s.q.QueryRowContext(ctx, `SELECT seq FROM propagation_log WHERE id = ?`, e.ID).Scan(&e.Seq)
}

// AdvanceLedger moves an open ledger row to status. Terminal statuses stamp
// completed_at, after which the row can no longer change. Advancing a frozen
// row returns ErrConflict.
func (s *Store) AdvanceLedger(ctx context.Context, id string, status evolution.PropagationStatus, errorDetails string) error {
	var completed any
	if status.Terminal() {
		completed = s.Now()
	}
	res, err := s.q.ExecContext(ctx, `UPDATE propagation_log
		SET propagation_status = ?, error_details = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(status), errorDetails, completed, id)
	if err != nil {
		return classify(fmt.Errorf("advance ledger: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetLedgerEntry(ctx, id); err != nil {
			return err
		}
		return evolution.Conflictf("ledger row %s is terminal", id)
	}
	return nil
}

// GetLedgerEntry returns a ledger row by id.
func (s *Store) GetLedgerEntry(ctx context.Context, id string) (*PropagationLogEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM propagation_log WHERE id = ?`, id)
	e, err := scanLedger(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("ledger entry", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get ledger entry: %w", err))
	}
	return e, nil
}

// QueryLedger serves the audit contract: range queries by capability, target
// child, source type, status, proposal and time window, in append order.
func (s *Store) QueryLedger(ctx context.Context, f LedgerFilter) ([]PropagationLogEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM propagation_log WHERE 1=1`
	args := []any{}
	if f.CapabilityName != "" {
		query += " AND capability_name = ?"
		args = append(args, f.CapabilityName)
	}
	if f.TargetChildID != "" {
		query += " AND target_child_id = ?"
		args = append(args, f.TargetChildID)
	}
	if f.SourceType != "" {
		query += " AND source_type = ?"
		args = append(args, f.SourceType)
	}
	if f.Status != "" {
		query += " AND propagation_status = ?"
		args = append(args, f.Status)
	}
	if f.ProposalID != "" {
		query += " AND proposal_id = ?"
		args = append(args, f.ProposalID)
	}
	if f.Since != nil {
		query += " AND initiated_at >= ?"
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		query += " AND initiated_at < ?"
		args = append(args, f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY seq ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query ledger: %w", err))
	}
	defer rows.Close()

	var out []PropagationLogEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LedgerForProposal returns the rows written by one pollination proposal, excluding
// later rollback corrections.
func (s *Store) LedgerForProposal(ctx context.Context, proposalID string) ([]PropagationLogEntry, error) {
	all, err := s.QueryLedger(ctx, LedgerFilter{ProposalID: proposalID, Limit: 10000})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.SourceType != evolution.SourceRollback {
			out = append(out, e)
		}
	}
	return out, nil
}

// VerifyAudit reports grants visible in the genome or a child's capability set
// that have no terminal ledger row behind them.
func (s *Store) VerifyAudit(ctx context.Context) ([]AuditFinding, error) {
	var findings []AuditFinding

	rows, err := s.q.QueryContext(ctx, `
	SELECT g.name, v.version
	FROM genome_versions v
	JOIN capability_genomes g ON g.id = v.genome_id
	WHERE NOT EXISTS (
		SELECT 1 FROM propagation_log l
		WHERE l.capability_name = g.name
		AND l.genome_version = v.version
		AND l.source_type = 'genome'
		AND l.completed_at IS NOT NULL
	)
	ORDER BY g.name, v.version`)
	if err != nil {
		return nil, classify(fmt.Errorf("verify genome audit: %w", err))
	}
	for rows.Next() {
		var f AuditFinding
		if err := rows.Scan(&f.CapabilityName, &f.Version); err != nil {
			rows.Close()
			return nil, err
		}
		f.Kind = "genome_version"
		f.Detail = "no terminal genome ledger row for this version"
		findings = append(findings, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.q.QueryContext(ctx, `
	SELECT c.child_id, c.capability_name, c.version, COALESCE(l.propagation_status, '')
	FROM child_capabilities c
	LEFT JOIN propagation_log l ON l.id = c.ledger_entry_id
	WHERE l.id IS NULL OR l.completed_at IS NULL OR l.capability_name != c.capability_name
	ORDER BY c.child_id, c.capability_name`)
	if err != nil {
		return nil, classify(fmt.Errorf("verify capability audit: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var f AuditFinding
		var status string
		if err := rows.Scan(&f.ChildID, &f.CapabilityName, &f.Version, &status); err != nil {
			return nil, err
		}
		f.Kind = "child_capability"
		if status == "" {
			f.Detail = "ledger entry missing"
		} else {
			f.Detail = "ledger entry not terminal (" + status + ")"
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func scanLedger(r rowScanner) (*PropagationLogEntry, error) {
	var e PropagationLogEntry
	var st, ps string
	var completed sql.NullTime
	if err := r.Scan(&e.ID, &e.Seq, &e.CapabilityName, &e.GenomeVersion, &st, &e.SourceChildID,
		&e.TargetChildID, &ps, &e.EvaluationID, &e.StagingEnvID, &e.ProposalID, &e.RefEntryID,
		&e.ErrorDetails, &e.InitiatedBy, &e.InitiatedAt, &completed); err != nil {
		return nil, err
	}
	e.SourceType = evolution.SourceType(st)
	e.PropagationStatus = evolution.PropagationStatus(ps)
	e.InitiatedAt = e.InitiatedAt.UTC()
	e.CompletedAt = timePtr(completed)
	return &e, nil
}
