// Package staging tracks ephemeral evaluation environments. At most one
// environment is active per (child, capability) key.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/uuid"
)

// DefaultProvisionTimeout bounds how long an environment may stay provisioning.
const DefaultProvisionTimeout = 2 * time.Minute

// ErrNotReady is returned by WaitReady when the environment ended in error,
// was torn down, or did not become ready in time.
var ErrNotReady = errors.New("staging environment not ready")

// Request describes an environment to provision.
type Request struct {
	Purpose    string
	Config     evolution.Doc
	ChildID    string
	Capability string
}

// Manager owns staging state transitions and the async provisioning workers.
type Manager struct {
	store   *store.Store
	prov    Provisioner
	bus     *bus.EventBus
	timeout time.Duration
	poll    time.Duration

	keys   evolution.KeyedMutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. timeout <= 0 uses DefaultProvisionTimeout.
func NewManager(st *store.Store, prov Provisioner, events *bus.EventBus, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultProvisionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   st,
		prov:    prov,
		bus:     events,
		timeout: timeout,
		poll:    20 * time.Millisecond,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Timeout returns the provisioning timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Close stops in-flight provisioning and waits for the workers to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Drain waits for in-flight provisioning to reach ready or error. Workers
// still running when ctx ends are cancelled, which records their
// environments as error. Call Close afterwards.
func (m *Manager) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Staging: drain deadline reached, cancelling provisioning", "error", ctx.Err())
		m.cancel()
		<-done
	}
}

// Provision returns the active environment for the request's key, creating
// one in provisioning status if none exists. A new environment advances to
// ready or error in the background.
func (m *Manager) Provision(ctx context.Context, req Request) (*store.StagingEnvironment, error) {
	env, _, err := m.Acquire(ctx, req)
	return env, err
}

// Acquire is Provision that also reports whether this call created the
// environment. A reused environment belongs to whoever created or claimed it.
func (m *Manager) Acquire(ctx context.Context, req Request) (*store.StagingEnvironment, bool, error) {
	childID := strings.TrimSpace(req.ChildID)
	capability := strings.TrimSpace(req.Capability)
	if capability == "" {
		return nil, false, evolution.Invalid("capability is required")
	}

	unlock := m.keys.Lock(childID + "\x00" + capability)
	defer unlock()

	existing, err := m.store.FindActiveStagingEnv(ctx, childID, capability)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		slog.Debug("Staging: reusing active environment", "id", existing.ID, "status", existing.Status)
		return existing, false, nil
	}

	id := uuid.NewString()
	now := m.store.Now()
	env := &store.StagingEnvironment{
		ID:                  id,
		Name:                "stg-" + id[:8],
		Purpose:             req.Purpose,
		Status:              evolution.StagingProvisioning,
		Config:              req.Config,
		ChildID:             childID,
		CapabilityUnderTest: capability,
		ProvisionedAt:       now,
		UpdatedAt:           now,
	}
	if err := m.store.InsertStagingEnv(ctx, env); err != nil {
		if errors.Is(err, evolution.ErrConflict) {
			// Another instance won the key.
			if won, ferr := m.store.FindActiveStagingEnv(ctx, childID, capability); ferr == nil && won != nil {
				return won, false, nil
			}
		}
		return nil, false, err
	}

	slog.Info("Staging: provisioning", "id", env.ID, "child", childID, "capability", capability)
	m.publish(env, evolution.StagingProvisioning)

	m.wg.Add(1)
	go m.advance(*env)
	return env, true, nil
}

func (m *Manager) advance(env store.StagingEnvironment) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	infra, err := m.prov.Provision(ctx, env)
	bg := context.Background()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("provision timeout after %s", m.timeout)
		}
		if terr := m.store.TransitionStagingEnv(bg, env.ID, evolution.StagingProvisioning, evolution.StagingError,
			store.StagingUpdate{ErrorText: msg}); terr != nil {
			slog.Warn("Staging: failed to record provisioning error", "id", env.ID, "error", terr)
			return
		}
		slog.Warn("Staging: provisioning failed", "id", env.ID, "error", msg)
		m.publish(&env, evolution.StagingError)
		return
	}

	if err := m.store.TransitionStagingEnv(bg, env.ID, evolution.StagingProvisioning, evolution.StagingReady,
		store.StagingUpdate{Infrastructure: infra}); err != nil {
		// The row moved on (expired or failed) while we were provisioning.
		slog.Warn("Staging: environment left provisioning before ready, releasing", "id", env.ID, "error", err)
		if terr := m.prov.Teardown(bg, env); terr != nil {
			slog.Warn("Staging: release failed", "id", env.ID, "error", terr)
		}
		return
	}
	slog.Info("Staging: ready", "id", env.ID)
	m.publish(&env, evolution.StagingReady)
}

// Get returns an environment by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.StagingEnvironment, error) {
	return m.store.GetStagingEnv(ctx, id)
}

// List returns environments, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status string, limit int) ([]store.StagingEnvironment, error) {
	return m.store.ListStagingEnvs(ctx, status, limit)
}

// MarkInUse moves a ready environment to in_use.
func (m *Manager) MarkInUse(ctx context.Context, id string) (*store.StagingEnvironment, error) {
	now := m.store.Now()
	return m.transition(ctx, id, evolution.StagingInUse, store.StagingUpdate{LastUsedAt: &now})
}

// Fail forces an environment into error with reason.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*store.StagingEnvironment, error) {
	if reason == "" {
		reason = "failed"
	}
	return m.transition(ctx, id, evolution.StagingError, store.StagingUpdate{ErrorText: reason})
}

// Teardown releases an environment and records it destroyed. A provisioning
// environment is failed first. If the provisioner cannot release the
// resources the row stays in teardown and a later call retries.
func (m *Manager) Teardown(ctx context.Context, id string) (*store.StagingEnvironment, error) {
	env, err := m.store.GetStagingEnv(ctx, id)
	if err != nil {
		return nil, err
	}
	switch env.Status {
	case evolution.StagingDestroyed:
		return env, nil
	case evolution.StagingProvisioning:
		if env, err = m.transition(ctx, id, evolution.StagingError, store.StagingUpdate{ErrorText: "torn down while provisioning"}); err != nil {
			return nil, err
		}
	}
	if env.Status != evolution.StagingTeardown {
		if env, err = m.transition(ctx, id, evolution.StagingTeardown, store.StagingUpdate{}); err != nil {
			return nil, err
		}
	}

	if err := m.prov.Teardown(ctx, *env); err != nil {
		slog.Warn("Staging: teardown failed, will retry", "id", id, "error", err)
		return env, fmt.Errorf("teardown %s: %w", id, err)
	}
	now := m.store.Now()
	return m.transition(ctx, id, evolution.StagingDestroyed, store.StagingUpdate{DestroyedAt: &now})
}

// WaitReady blocks until the environment is ready or in_use. If it is still
// provisioning after timeout it is forced to error. Any outcome other than
// ready returns ErrNotReady together with the environment's final state.
func (m *Manager) WaitReady(ctx context.Context, id string, timeout time.Duration) (*store.StagingEnvironment, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		env, err := m.store.GetStagingEnv(ctx, id)
		if err != nil {
			return nil, err
		}
		switch env.Status {
		case evolution.StagingReady, evolution.StagingInUse:
			return env, nil
		case evolution.StagingProvisioning:
		default:
			return env, fmt.Errorf("%w: %s (%s)", ErrNotReady, env.Status, env.ErrorText)
		}

		select {
		case <-ctx.Done():
			return env, ctx.Err()
		case <-deadline.C:
			msg := fmt.Sprintf("provision timeout after %s", timeout)
			failed, ferr := m.transition(ctx, id, evolution.StagingError, store.StagingUpdate{ErrorText: msg})
			if ferr == nil {
				return failed, fmt.Errorf("%w: %s", ErrNotReady, msg)
			}
			// The worker finished first; report its outcome.
			final, gerr := m.store.GetStagingEnv(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			if final.Status == evolution.StagingReady || final.Status == evolution.StagingInUse {
				return final, nil
			}
			return final, fmt.Errorf("%w: %s (%v)", ErrNotReady, final.Status, ferr)
		case <-ticker.C:
		}
	}
}

// ExpireStale forces environments provisioning for longer than the timeout
// into error. It returns how many were expired.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	cutoff := m.store.Now().Add(-m.timeout)
	stale, err := m.store.ListProvisioningBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, env := range stale {
		msg := fmt.Sprintf("provision timeout after %s", m.timeout)
		err := m.store.TransitionStagingEnv(ctx, env.ID, evolution.StagingProvisioning, evolution.StagingError,
			store.StagingUpdate{ErrorText: msg})
		if errors.Is(err, evolution.ErrConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		slog.Info("Staging: expired stale environment", "id", env.ID, "age", m.store.Now().Sub(env.ProvisionedAt).Round(time.Second))
		e := env
		m.publish(&e, evolution.StagingError)
	}
	return expired, nil
}

func (m *Manager) transition(ctx context.Context, id string, to evolution.StagingStatus, upd store.StagingUpdate) (*store.StagingEnvironment, error) {
	env, err := m.store.GetStagingEnv(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(env.Status, to) {
		return nil, evolution.Conflictf("staging environment %s cannot move from %s to %s", id, env.Status, to)
	}
	if err := m.store.TransitionStagingEnv(ctx, id, env.Status, to, upd); err != nil {
		return nil, err
	}
	m.publish(env, to)
	return m.store.GetStagingEnv(ctx, id)
}

func (m *Manager) publish(env *store.StagingEnvironment, status evolution.StagingStatus) {
	m.bus.Publish(&bus.Event{
		Kind:           bus.KindStagingTransition,
		CapabilityName: env.CapabilityUnderTest,
		ChildID:        env.ChildID,
		EntityID:       env.ID,
		Status:         string(status),
	})
}
