package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
)

// Provisioner allocates and releases the infrastructure behind a staging
// environment. The manager only tracks state; a Provisioner does the work.
type Provisioner interface {
	// Provision allocates resources and returns infrastructure metadata.
	Provision(ctx context.Context, env store.StagingEnvironment) (evolution.Doc, error)
	// Teardown releases whatever Provision allocated.
	Teardown(ctx context.Context, env store.StagingEnvironment) error
}

// LocalProvisioner gives each environment a scratch directory under Root.
type LocalProvisioner struct {
	Root string
}

// NewLocalProvisioner creates a provisioner rooted at root.
func NewLocalProvisioner(root string) *LocalProvisioner {
	return &LocalProvisioner{Root: root}
}

func (p *LocalProvisioner) dir(env store.StagingEnvironment) string {
	return filepath.Join(p.Root, env.ID)
}

// Provision creates the scratch directory.
func (p *LocalProvisioner) Provision(ctx context.Context, env store.StagingEnvironment) (evolution.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.ID == "" {
		return nil, fmt.Errorf("staging environment has no id")
	}
	dir := p.dir(env)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return evolution.Doc{
		"driver":     evolution.String("local"),
		"workdir":    evolution.String(dir),
		"child_id":   evolution.String(env.ChildID),
		"capability": evolution.String(env.CapabilityUnderTest),
		"created_at": evolution.String(time.Now().UTC().Format(time.RFC3339)),
	}, nil
}

// Teardown removes the scratch directory.
func (p *LocalProvisioner) Teardown(ctx context.Context, env store.StagingEnvironment) error {
	if env.ID == "" {
		return fmt.Errorf("staging environment has no id")
	}
	if err := os.RemoveAll(p.dir(env)); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}
