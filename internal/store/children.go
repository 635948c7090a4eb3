package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

// UpsertChild registers a child or updates its name and template.
func (s *Store) UpsertChild(ctx context.Context, c *Child) error {
	if c.Template == "" {
		c.Template = "default"
	}
	if c.Status == "" {
		c.Status = ChildActive
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = s.Now()
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO children (child_id, name, template, status, registered_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(child_id) DO UPDATE SET
		name = excluded.name,
		template = excluded.template,
		status = excluded.status`,
		c.ChildID, c.Name, c.Template, c.Status, c.RegisteredAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("upsert child: %w", err))
	}
	return nil
}

// EnsureChild registers childID under the default template unless it already exists.
func (s *Store) EnsureChild(ctx context.Context, childID string) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO children (child_id, name, template, status, registered_at)
		VALUES (?, '', 'default', 'active', ?)
		ON CONFLICT(child_id) DO NOTHING`, childID, s.Now())
	if err != nil {
		return classify(fmt.Errorf("ensure child: %w", err))
	}
	return nil
}

// GetChild returns a registered child.
func (s *Store) GetChild(ctx context.Context, childID string) (*Child, error) {
	var c Child
	err := s.q.QueryRowContext(ctx, `SELECT child_id, COALESCE(name,''), template, status, registered_at
		FROM children WHERE child_id = ?`, childID).
		Scan(&c.ChildID, &c.Name, &c.Template, &c.Status, &c.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("child", childID)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get child: %w", err))
	}
	c.RegisteredAt = c.RegisteredAt.UTC()
	return &c, nil
}

// ListChildren returns registered children, optionally filtered by status.
func (s *Store) ListChildren(ctx context.Context, status string) ([]Child, error) {
	query := `SELECT child_id, COALESCE(name,''), template, status, registered_at FROM children WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY child_id ASC"
	return s.queryChildren(ctx, query, args...)
}

// SetChildStatus changes a child's registry status.
func (s *Store) SetChildStatus(ctx context.Context, childID, status string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE children SET status = ? WHERE child_id = ?`, status, childID)
	if err != nil {
		return classify(fmt.Errorf("set child status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evolution.NotFound("child", childID)
	}
	return nil
}

// Siblings returns the other active children spawned from the same template.
func (s *Store) Siblings(ctx context.Context, childID string) ([]Child, error) {
	return s.queryChildren(ctx, `
	SELECT c.child_id, COALESCE(c.name,''), c.template, c.status, c.registered_at
	FROM children c
	JOIN children src ON src.child_id = ? AND src.template = c.template
	WHERE c.child_id != src.child_id AND c.status = 'active'
	ORDER BY c.child_id ASC`, childID)
}

func (s *Store) queryChildren(ctx context.Context, query string, args ...any) ([]Child, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list children: %w", err))
	}
	defer rows.Close()

	var out []Child
	for rows.Next() {
		var c Child
		if err := rows.Scan(&c.ChildID, &c.Name, &c.Template, &c.Status, &c.RegisteredAt); err != nil {
			return nil, err
		}
		c.RegisteredAt = c.RegisteredAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

const childCapabilityColumns = `child_id, capability_name, version, status, source, ledger_entry_id, granted_at, updated_at`

// GetChildCapability returns one child's record for a capability.
func (s *Store) GetChildCapability(ctx context.Context, childID, capability string) (*ChildCapability, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+childCapabilityColumns+` FROM child_capabilities
		WHERE child_id = ? AND capability_name = ?`, childID, capability)
	c, err := scanChildCapability(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("child capability", childID+"/"+capability)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get child capability: %w", err))
	}
	return c, nil
}

// UpsertChildCapability writes a child's capability record. Every write must
// name the ledger row that authorizes it.
func (s *Store) UpsertChildCapability(ctx context.Context, c *ChildCapability) error {
	if c.LedgerEntryID == "" {
		return evolution.Invalid("child capability %s/%s has no ledger entry", c.ChildID, c.CapabilityName)
	}
	if c.Status == "" {
		c.Status = evolution.CapabilityActive
	}
	if c.Version <= 0 {
		c.Version = 1
	}
	now := s.Now()
	if c.GrantedAt.IsZero() {
		c.GrantedAt = now
	}
	c.UpdatedAt = now
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO child_capabilities (child_id, capability_name, version, status, source, ledger_entry_id, granted_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(child_id, capability_name) DO UPDATE SET
		version = excluded.version,
		status = excluded.status,
		source = excluded.source,
		ledger_entry_id = excluded.ledger_entry_id,
		updated_at = excluded.updated_at`,
		c.ChildID, c.CapabilityName, c.Version, string(c.Status), string(c.Source),
		c.LedgerEntryID, c.GrantedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("upsert child capability: %w", err))
	}
	return nil
}

// SetChildCapabilityStatus flips a capability's status, re-pointing it at the
// ledger row that authorized the change.
func (s *Store) SetChildCapabilityStatus(ctx context.Context, childID, capability string, status evolution.CapabilityStatus, ledgerEntryID string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE child_capabilities
		SET status = ?, ledger_entry_id = ?, updated_at = ?
		WHERE child_id = ? AND capability_name = ?`,
		string(status), ledgerEntryID, s.Now(), childID, capability)
	if err != nil {
		return classify(fmt.Errorf("set child capability status: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evolution.NotFound("child capability", childID+"/"+capability)
	}
	return nil
}

// ListChildCapabilities returns a child's capabilities. activeOnly drops disabled rows.
func (s *Store) ListChildCapabilities(ctx context.Context, childID string, activeOnly bool) ([]ChildCapability, error) {
	query := `SELECT ` + childCapabilityColumns + ` FROM child_capabilities WHERE child_id = ?`
	if activeOnly {
		query += " AND status = 'active'"
	}
	query += " ORDER BY capability_name ASC"
	return s.queryChildCapabilities(ctx, query, childID)
}

// ListActiveCapabilities returns every active capability held by an active child.
func (s *Store) ListActiveCapabilities(ctx context.Context) ([]ChildCapability, error) {
	return s.queryChildCapabilities(ctx, `SELECT cc.child_id, cc.capability_name, cc.version, cc.status, cc.source,
		cc.ledger_entry_id, cc.granted_at, cc.updated_at
	FROM child_capabilities cc
	JOIN children c ON c.child_id = cc.child_id
	WHERE cc.status = 'active' AND c.status = 'active'
	ORDER BY cc.child_id ASC, cc.capability_name ASC`)
}

func (s *Store) queryChildCapabilities(ctx context.Context, query string, args ...any) ([]ChildCapability, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list child capabilities: %w", err))
	}
	defer rows.Close()

	var out []ChildCapability
	for rows.Next() {
		c, err := scanChildCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanChildCapability(r rowScanner) (*ChildCapability, error) {
	var c ChildCapability
	var status, source string
	if err := r.Scan(&c.ChildID, &c.CapabilityName, &c.Version, &status, &source,
		&c.LedgerEntryID, &c.GrantedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = evolution.CapabilityStatus(status)
	c.Source = evolution.CapabilitySource(source)
	c.GrantedAt = c.GrantedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// RecordCompliance appends a compliance posture score for a child.
func (s *Store) RecordCompliance(ctx context.Context, childID string, score float64, at time.Time) (*CompliancePosture, error) {
	if at.IsZero() {
		at = s.Now()
	}
	res, err := s.q.ExecContext(ctx, `INSERT INTO compliance_posture (child_id, score, recorded_at) VALUES (?, ?, ?)`,
		childID, score, at.UTC())
	if err != nil {
		return nil, classify(fmt.Errorf("record compliance: %w", err))
	}
	id, _ := res.LastInsertId()
	return &CompliancePosture{ID: id, ChildID: childID, Score: score, RecordedAt: at.UTC()}, nil
}

// ListCompliance returns a child's compliance history oldest first.
func (s *Store) ListCompliance(ctx context.Context, childID string) ([]CompliancePosture, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, child_id, score, recorded_at FROM compliance_posture
		WHERE child_id = ? ORDER BY recorded_at ASC, id ASC`, childID)
	if err != nil {
		return nil, classify(fmt.Errorf("list compliance: %w", err))
	}
	defer rows.Close()

	var out []CompliancePosture
	for rows.Next() {
		var p CompliancePosture
		if err := rows.Scan(&p.ID, &p.ChildID, &p.Score, &p.RecordedAt); err != nil {
			return nil, err
		}
		p.RecordedAt = p.RecordedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
