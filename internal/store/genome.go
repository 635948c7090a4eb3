package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const genomeColumns = `id, name, COALESCE(description,''), COALESCE(category,''), current_version,
	spec, dependencies, status, row_version, created_at, updated_at`

// GetGenome returns the genome row for a capability name.
func (s *Store) GetGenome(ctx context.Context, name string) (*CapabilityGenome, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+genomeColumns+` FROM capability_genomes WHERE name = ?`, name)
	g, err := scanGenome(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("genome", name)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get genome: %w", err))
	}
	return g, nil
}

// ListGenomes returns genomes, optionally filtered by status, ordered by name.
func (s *Store) ListGenomes(ctx context.Context, status string) ([]CapabilityGenome, error) {
	query := `SELECT ` + genomeColumns + ` FROM capability_genomes WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY name ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list genomes: %w", err))
	}
	defer rows.Close()

	var out []CapabilityGenome
	for rows.Next() {
		g, err := scanGenome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// InsertGenome creates the genome row. A duplicate name is a Conflict.
func (s *Store) InsertGenome(ctx context.Context, g *CapabilityGenome) error {
	if g.Spec == nil {
		g.Spec = evolution.Doc{}
	}
	if g.Status == "" {
		g.Status = evolution.GenomeActive
	}
	if g.RowVersion == 0 {
		g.RowVersion = 1
	}
	deps, err := json.Marshal(nonNilStrings(g.Dependencies))
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
	INSERT INTO capability_genomes (id, name, description, category, current_version, spec, dependencies, status, row_version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.Category, g.CurrentVersion, g.Spec, string(deps),
		string(g.Status), g.RowVersion, g.CreatedAt.UTC(), g.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert genome: %w", err))
	}
	return nil
}

// BumpGenomeVersion moves a genome to newVersion only if its row_version still
// equals expectedRowVersion. A lost race returns ErrConflict.
func (s *Store) BumpGenomeVersion(ctx context.Context, g *CapabilityGenome, expectedRowVersion int) error {
	deps, err := json.Marshal(nonNilStrings(g.Dependencies))
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	res, err := s.q.ExecContext(ctx, `UPDATE capability_genomes
		SET current_version = ?, spec = ?, dependencies = ?, description = ?, category = ?, status = ?,
			row_version = row_version + 1, updated_at = ?
		WHERE name = ? AND row_version = ?`,
		g.CurrentVersion, g.Spec, string(deps), g.Description, g.Category, string(g.Status),
		g.UpdatedAt.UTC(), g.Name, expectedRowVersion,
	)
	if err != nil {
		return classify(fmt.Errorf("bump genome version: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return evolution.Conflictf("genome %s changed since row_version %d", g.Name, expectedRowVersion)
	}
	g.RowVersion = expectedRowVersion + 1
	return nil
}

// InsertGenomeVersion appends an immutable version history row.
func (s *Store) InsertGenomeVersion(ctx context.Context, v *GenomeVersion) error {
	if v.Spec == nil {
		v.Spec = evolution.Doc{}
	}
	res, err := s.q.ExecContext(ctx, `
	INSERT INTO genome_versions (genome_id, version, changelog, spec, released_by, released_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		v.GenomeID, v.Version, v.Changelog, v.Spec, v.ReleasedBy, v.ReleasedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert genome version: %w", err))
	}
	v.ID, _ = res.LastInsertId()
	return nil
}

// ListGenomeVersions returns a genome's version history ordered by release.
func (s *Store) ListGenomeVersions(ctx context.Context, name string) ([]GenomeVersion, error) {
	rows, err := s.q.QueryContext(ctx, `
	SELECT v.id, v.genome_id, v.version, COALESCE(v.changelog,''), v.spec, v.released_by, v.released_at
	FROM genome_versions v
	JOIN capability_genomes g ON g.id = v.genome_id
	WHERE g.name = ?
	ORDER BY v.released_at ASC, v.version ASC`, name)
	if err != nil {
		return nil, classify(fmt.Errorf("list genome versions: %w", err))
	}
	defer rows.Close()

	var out []GenomeVersion
	for rows.Next() {
		var v GenomeVersion
		if err := rows.Scan(&v.ID, &v.GenomeID, &v.Version, &v.Changelog, &v.Spec, &v.ReleasedBy, &v.ReleasedAt); err != nil {
			return nil, err
		}
		v.ReleasedAt = v.ReleasedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanGenome(r rowScanner) (*CapabilityGenome, error) {
	var g CapabilityGenome
	var deps, status string
	if err := r.Scan(&g.ID, &g.Name, &g.Description, &g.Category, &g.CurrentVersion,
		&g.Spec, &deps, &status, &g.RowVersion, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &g.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies: %w", err)
		}
	}
	g.Dependencies = nonNilStrings(g.Dependencies)
	g.Status = evolution.GenomeStatus(status)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return &g, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
