package pollination

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestPollinator(t *testing.T) (*Pollinator, *store.Store, *bus.EventBus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "genome.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	events := bus.NewEventBus(50)
	return New(st, events, 2), st, events
}

// family registers child-A, child-B and child-C from one template and gives
// child-A the cache-tune capability.
func family(t *testing.T, p *Pollinator) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"child-A", "child-B", "child-C"} {
		if _, err := p.RegisterChild(ctx, id, id, "edge"); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := p.SeedCapability(ctx, "child-A", "cache-tune", 2, evolution.CapSourceEvolved, "operator"); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func holders(t *testing.T, p *Pollinator, capability string, children ...string) []string {
	t.Helper()
	var out []string
	for _, child := range children {
		caps, err := p.ChildCapabilities(context.Background(), child)
		if err != nil {
			t.Fatalf("capabilities of %s: %v", child, err)
		}
		for _, c := range caps {
			if c.CapabilityName == capability {
				out = append(out, child)
			}
		}
	}
	return out
}

func TestFindCandidates(t *testing.T) {
	p, _, _ := newTestPollinator(t)
	ctx := context.Background()
	family(t, p)
	if _, err := p.RegisterChild(ctx, "child-X", "", "other-template"); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := p.FindCandidates(ctx, "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	want := []Candidate{{CapabilityName: "cache-tune", SourceChildID: "child-A", Version: 2, MissingOn: []string{"child-B", "child-C"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}

	if got, _ := p.FindCandidates(ctx, "child-B"); len(got) != 0 {
		t.Fatalf("child-B holds nothing, got %+v", got)
	}
	if err := p.RetireChild(ctx, "child-B"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := p.SeedCapability(ctx, "child-C", "cache-tune", 1, "", "operator"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err = p.FindCandidates(ctx, "child-A")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("all active siblings hold the capability, got %+v", got)
	}
}

func TestProposeValidation(t *testing.T) {
	p, _, _ := newTestPollinator(t)
	ctx := context.Background()

	cases := []ProposeRequest{
		{SourceChildID: "child-A", CapabilityName: "cache-tune", ProposedBy: "planner"},
		{SourceChildID: "child-A", CapabilityName: "cache-tune", TargetChildIDs: []string{" ", ""}, ProposedBy: "planner"},
		{SourceChildID: "child-A", CapabilityName: "cache-tune", TargetChildIDs: []string{"child-B", "child-A"}, ProposedBy: "planner"},
		{SourceChildID: "", CapabilityName: "cache-tune", TargetChildIDs: []string{"child-B"}, ProposedBy: "planner"},
		{SourceChildID: "child-A", CapabilityName: "", TargetChildIDs: []string{"child-B"}, ProposedBy: "planner"},
		{SourceChildID: "child-A", CapabilityName: "cache-tune", TargetChildIDs: []string{"child-B"}},
	}
	for i, req := range cases {
		if _, err := p.Propose(ctx, req); !errors.Is(err, evolution.ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}

	prop, err := p.Propose(ctx, ProposeRequest{
		SourceChildID:  "child-A",
		CapabilityName: "Cache Tune",
		TargetChildIDs: []string{"child-C", "child-B", "child-C"},
		ProposedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if prop.Status != evolution.ProposalProposed || prop.CapabilityName != "cache-tune" {
		t.Fatalf("unexpected proposal %+v", prop)
	}
	if diff := cmp.Diff([]string{"child-B", "child-C"}, prop.TargetChildIDs); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteRequiresApproval(t *testing.T) {
	p, st, _ := newTestPollinator(t)
	ctx := context.Background()
	family(t, p)

	prop, err := p.Propose(ctx, ProposeRequest{
		SourceChildID:  "child-A",
		CapabilityName: "cache-tune",
		TargetChildIDs: []string{"child-B", "child-C"},
		ProposedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := p.Execute(ctx, prop.ID, "runner"); !errors.Is(err, evolution.ErrApprovalRequired) {
			t.Fatalf("attempt %d: expected ErrApprovalRequired, got %v", i, err)
		}
	}
	rows, err := st.LedgerForProposal(ctx, prop.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("no ledger rows may exist before approval, got %d", len(rows))
	}
	if got := holders(t, p, "cache-tune", "child-B", "child-C"); len(got) != 0 {
		t.Fatalf("nothing may be granted before approval, got %v", got)
	}

	if _, err := p.Approve(ctx, prop.ID, "  ", ""); !errors.Is(err, evolution.ErrInvalidArgument) {
		t.Fatalf("expected approver required, got %v", err)
	}
	if _, err := p.Reject(ctx, prop.ID, "isso", "not now"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := p.Approve(ctx, prop.ID, "isso", ""); !errors.Is(err, evolution.ErrConflict) {
		t.Fatalf("rejected proposal must not be approvable, got %v", err)
	}
	if _, err := p.Execute(ctx, prop.ID, "runner"); !errors.Is(err, evolution.ErrApprovalRequired) {
		t.Fatalf("rejected proposal must not execute, got %v", err)
	}
	if _, err := p.Execute(ctx, "missing", "runner"); !errors.Is(err, evolution.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteScenario(t *testing.T) {
	p, st, events := newTestPollinator(t)
	ctx := context.Background()
	family(t, p)

	prop, err := p.Propose(ctx, ProposeRequest{
		SourceChildID:  "child-A",
		CapabilityName: "cache-tune",
		TargetChildIDs: []string{"child-B", "child-C"},
		Rationale:      "stable on child-A for 80h",
		ProposedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := p.Execute(ctx, prop.ID, "runner"); !errors.Is(err, evolution.ErrApprovalRequired) {
		t.Fatalf("expected ErrApprovalRequired, got %v", err)
	}
	approved, err := p.Approve(ctx, prop.ID, "isso", "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != evolution.ProposalApproved || approved.Approver != "isso" || approved.DecidedAt == nil {
		t.Fatalf("unexpected approved proposal %+v", approved)
	}

	x, err := p.Execute(ctx, prop.ID, "runner")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if x.Proposal.Status != evolution.ProposalExecuted || x.AlreadyExecuted {
		t.Fatalf("unexpected execution %+v", x.Proposal)
	}
	if len(x.Entries) != 2 {
		t.Fatalf("expected one ledger row per target, got %d", len(x.Entries))
	}
	var targets []string
	for _, e := range x.Entries {
		if e.PropagationStatus != evolution.PropagationSuccess || e.CompletedAt == nil {
			t.Fatalf("expected terminal success, got %+v", e)
		}
		if e.SourceChildID != "child-A" || e.ProposalID != prop.ID || e.GenomeVersion != 2 {
			t.Fatalf("unexpected ledger row %+v", e)
		}
		targets = append(targets, e.TargetChildID)
	}
	sort.Strings(targets)
	if diff := cmp.Diff([]string{"child-B", "child-C"}, targets); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"child-B", "child-C"}, holders(t, p, "cache-tune", "child-B", "child-C")); diff != "" {
		t.Fatalf("holders mismatch (-want +got):\n%s", diff)
	}
	caps, _ := p.ChildCapabilities(ctx, "child-B")
	if caps[0].Source != evolution.CapSourceEvolved || caps[0].Version != 2 {
		t.Fatalf("unexpected grant %+v", caps[0])
	}

	again, err := p.Execute(ctx, prop.ID, "runner")
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if !again.AlreadyExecuted {
		t.Fatalf("expected already executed")
	}
	sortEntries := cmpopts.SortSlices(func(a, b store.PropagationLogEntry) bool { return a.Seq < b.Seq })
	if diff := cmp.Diff(x.Entries, again.Entries, sortEntries); diff != "" {
		t.Fatalf("re-execution changed the ledger (-first +second):\n%s", diff)
	}
	all, err := st.QueryLedger(ctx, store.LedgerFilter{CapabilityName: "cache-tune"})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected seed row plus two propagation rows, got %d", len(all))
	}
	if findings, err := st.VerifyAudit(ctx); err != nil || len(findings) != 0 {
		t.Fatalf("expected clean audit, got %+v %v", findings, err)
	}
	// created, decided, executed
	if events.Pending() != 3 {
		t.Fatalf("expected 3 events, got %d", events.Pending())
	}
}

func TestExecutePartialFailure(t *testing.T) {
	p, st, _ := newTestPollinator(t)
	ctx := context.Background()
	family(t, p)
	if _, err := p.SeedCapability(ctx, "child-C", "cache-tune", 1, "", "operator"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	prop, err := p.Propose(ctx, ProposeRequest{
		SourceChildID:  "child-A",
		CapabilityName: "cache-tune",
		TargetChildIDs: []string{"child-B", "child-C", "child-Z"},
		ProposedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := p.Approve(ctx, prop.ID, "isso", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	x, err := p.Execute(ctx, prop.ID, "runner")
	if err != nil {
		t.Fatalf("partial failure must not fail the execution: %v", err)
	}

	byTarget := map[string]evolution.PropagationStatus{}
	for _, e := range x.Entries {
		byTarget[e.TargetChildID] = e.PropagationStatus
	}
	want := map[string]evolution.PropagationStatus{
		"child-B": evolution.PropagationSuccess,
		"child-C": evolution.PropagationSkipped,
		"child-Z": evolution.PropagationFailed,
	}
	if diff := cmp.Diff(want, byTarget); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if x.Proposal.Status != evolution.ProposalExecuted {
		t.Fatalf("expected executed, got %s", x.Proposal.Status)
	}
	held, err := st.GetChildCapability(ctx, "child-C", "cache-tune")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if held.Version != 1 || held.Source != evolution.CapSourceManual {
		t.Fatalf("skipped target must keep its grant, got %+v", held)
	}
}

func TestRollback(t *testing.T) {
	p, st, _ := newTestPollinator(t)
	ctx := context.Background()
	family(t, p)

	prop, err := p.Propose(ctx, ProposeRequest{
		SourceChildID:  "child-A",
		CapabilityName: "cache-tune",
		TargetChildIDs: []string{"child-B"},
		ProposedBy:     "planner",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := p.Approve(ctx, prop.ID, "isso", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	x, err := p.Execute(ctx, prop.ID, "runner")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	grant := x.Entries[0]

	if _, err := p.Rollback(ctx, grant.ID, "", "regression"); !errors.Is(err, evolution.ErrInvalidArgument) {
		t.Fatalf("expected initiated_by required, got %v", err)
	}
	correction, err := p.Rollback(ctx, grant.ID, "isso", "latency regression")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if correction.SourceType != evolution.SourceRollback || correction.PropagationStatus != evolution.PropagationRolledBack ||
		correction.RefEntryID != grant.ID || correction.CompletedAt == nil {
		t.Fatalf("unexpected correction %+v", correction)
	}

	orig, err := st.GetLedgerEntry(ctx, grant.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if orig.PropagationStatus != evolution.PropagationSuccess {
		t.Fatalf("original row must be untouched, got %s", orig.PropagationStatus)
	}
	if got := holders(t, p, "cache-tune", "child-B"); len(got) != 0 {
		t.Fatalf("rolled back capability must leave the active set, got %v", got)
	}
	if _, err := p.Rollback(ctx, grant.ID, "isso", "again"); !errors.Is(err, evolution.ErrConflict) {
		t.Fatalf("second rollback must conflict, got %v", err)
	}
	if _, err := p.Rollback(ctx, correction.ID, "isso", ""); !errors.Is(err, evolution.ErrInvalidArgument) {
		t.Fatalf("rolling back a correction must be rejected, got %v", err)
	}
	if findings, err := st.VerifyAudit(ctx); err != nil || len(findings) != 0 {
		t.Fatalf("expected clean audit after rollback, got %+v %v", findings, err)
	}

	again, err := p.Execute(ctx, prop.ID, "runner")
	if err != nil || !again.AlreadyExecuted || len(again.Entries) != 1 {
		t.Fatalf("re-execution after rollback must return original rows, got %+v %v", again, err)
	}
}

func TestListProposals(t *testing.T) {
	p, _, _ := newTestPollinator(t)
	ctx := context.Background()
	for _, target := range []string{"child-B", "child-C"} {
		if _, err := p.Propose(ctx, ProposeRequest{SourceChildID: "child-A", CapabilityName: "cache-tune",
			TargetChildIDs: []string{target}, ProposedBy: "planner"}); err != nil {
			t.Fatalf("propose: %v", err)
		}
	}
	all, err := p.ListProposals(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(all))
	}
	if _, err := p.Approve(ctx, all[0].ID, "isso", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	pending, err := p.ListProposals(ctx, "proposed", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != all[1].ID {
		t.Fatalf("unexpected pending list %+v", pending)
	}
	if _, err := p.ListProposals(ctx, "limbo", 0); !errors.Is(err, evolution.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
