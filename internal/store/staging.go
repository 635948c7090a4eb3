package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

const stagingColumns = `id, name, COALESCE(purpose,''), status, config, child_id, capability_under_test,
	infrastructure, COALESCE(error_text,''), provisioned_at, last_used_at, destroyed_at, updated_at`

// StagingUpdate carries optional column changes applied with a status transition.
type StagingUpdate struct {
	Infrastructure evolution.Doc
	ErrorText      string
	LastUsedAt     *time.Time
	DestroyedAt    *time.Time
}

// InsertStagingEnv creates an environment row. A second active row for the same
// (child_id, capability_under_test) violates the partial unique index and
// returns ErrConflict.
func (s *Store) InsertStagingEnv(ctx context.Context, env *StagingEnvironment) error {
	if env.Config == nil {
		env.Config = evolution.Doc{}
	}
	if env.Infrastructure == nil {
		env.Infrastructure = evolution.Doc{}
	}
	_, err := s.q.ExecContext(ctx, `
	INSERT INTO staging_environments (id, name, purpose, status, config, child_id, capability_under_test, infrastructure, error_text, provisioned_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		env.ID, env.Name, env.Purpose, string(env.Status), env.Config, env.ChildID,
		env.CapabilityUnderTest, env.Infrastructure, env.ProvisionedAt.UTC(), env.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("insert staging environment: %w", err))
	}
	return nil
}

// GetStagingEnv returns an environment by id.
func (s *Store) GetStagingEnv(ctx context.Context, id string) (*StagingEnvironment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM staging_environments WHERE id = ?`, id)
	env, err := scanStaging(row)
	if err == sql.ErrNoRows {
		return nil, evolution.NotFound("staging environment", id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get staging environment: %w", err))
	}
	return env, nil
}

// FindActiveStagingEnv returns the provisioning/ready/in_use environment for a key, or (nil, nil).
func (s *Store) FindActiveStagingEnv(ctx context.Context, childID, capability string) (*StagingEnvironment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM staging_environments
		WHERE child_id = ? AND capability_under_test = ?
		AND status IN ('provisioning', 'ready', 'in_use')
		LIMIT 1`, childID, capability)
	env, err := scanStaging(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("find active staging environment: %w", err))
	}
	return env, nil
}

// TransitionStagingEnv moves an environment from one status to another as a
// compare-and-swap on the current status. A mismatch returns ErrConflict.
func (s *Store) TransitionStagingEnv(ctx context.Context, id string, from, to evolution.StagingStatus, upd StagingUpdate) error {
	query := `UPDATE staging_environments SET status = ?, updated_at = ?`
	args := []any{string(to), s.Now()}
	if upd.Infrastructure != nil {
		query += `, infrastructure = ?`
		args = append(args, upd.Infrastructure)
	}
	if upd.ErrorText != "" {
		query += `, error_text = ?`
		args = append(args, upd.ErrorText)
	}
	if upd.LastUsedAt != nil {
		query += `, last_used_at = ?`
		args = append(args, nullTime(upd.LastUsedAt))
	}
	if upd.DestroyedAt != nil {
		query += `, destroyed_at = ?`
		args = append(args, nullTime(upd.DestroyedAt))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("transition staging environment: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetStagingEnv(ctx, id); err != nil {
			return err
		}
		return evolution.Conflictf("staging environment %s is not %s", id, from)
	}
	return nil
}

// ListStagingEnvs returns environments filtered by optional status, newest first.
func (s *Store) ListStagingEnvs(ctx context.Context, status string, limit int) ([]StagingEnvironment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + stagingColumns + ` FROM staging_environments WHERE 1=1`
	args := []any{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY provisioned_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)
	return s.queryStaging(ctx, query, args...)
}

// ListProvisioningBefore returns environments still provisioning that were created before cutoff.
func (s *Store) ListProvisioningBefore(ctx context.Context, cutoff time.Time) ([]StagingEnvironment, error) {
	return s.queryStaging(ctx, `SELECT `+stagingColumns+` FROM staging_environments
		WHERE status = 'provisioning' AND provisioned_at < ?
		ORDER BY provisioned_at ASC`, cutoff.UTC())
}

func (s *Store) queryStaging(ctx context.Context, query string, args ...any) ([]StagingEnvironment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list staging environments: %w", err))
	}
	defer rows.Close()

	var out []StagingEnvironment
	for rows.Next() {
		env, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}

func scanStaging(r rowScanner) (*StagingEnvironment, error) {
	var env StagingEnvironment
	var status string
	var lastUsed, destroyed sql.NullTime
	if err := r.Scan(&env.ID, &env.Name, &env.Purpose, &status, &env.Config, &env.ChildID,
		&env.CapabilityUnderTest, &env.Infrastructure, &env.ErrorText, &env.ProvisionedAt,
		&lastUsed, &destroyed, &env.UpdatedAt); err != nil {
		return nil, err
	}
	env.Status = evolution.StagingStatus(status)
	env.ProvisionedAt = env.ProvisionedAt.UTC()
	env.UpdatedAt = env.UpdatedAt.UTC()
	env.LastUsedAt = timePtr(lastUsed)
	env.DestroyedAt = timePtr(destroyed)
	return &env, nil
}
